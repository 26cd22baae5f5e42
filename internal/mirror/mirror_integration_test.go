//go:build integration

package mirror_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/decisionlog/internal/eventlog"
	"github.com/jmerrifield20/decisionlog/internal/mirror"
)

func setupIntegration(t *testing.T) (*pgxpool.Pool, *eventlog.Log) {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("connect to postgres: %v", err)
	}
	if err := db.Ping(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}
	t.Cleanup(db.Close)

	schema, err := os.ReadFile("../../migrations/001_eventlog_mirror.up.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if _, err := db.Exec(ctx, string(schema)); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	db.Exec(ctx, "DELETE FROM eventlog_entries")

	l, err := eventlog.Open(ctx, eventlog.Config{Dir: t.TempDir(), SegmentSize: 4}, zap.NewNop())
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	return db, l
}

func appendN(t *testing.T, l *eventlog.Log, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := l.Append(context.Background(), eventlog.ActorSystem, "decision.recorded", "decision", "", i); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
}

func TestSync_incrementalAndIdempotent(t *testing.T) {
	db, l := setupIntegration(t)
	ctx := context.Background()
	m := mirror.New(db, l, 3, zap.NewNop())

	appendN(t, l, 7)
	res, err := m.Sync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Inserted != 7 || res.Mirrored != 7 {
		t.Errorf("first sync %+v", res)
	}

	res, err = m.Sync(ctx)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if res.Inserted != 0 {
		t.Errorf("second sync inserted %d, want 0", res.Inserted)
	}

	appendN(t, l, 2)
	if res, err = m.Sync(ctx); err != nil || res.Inserted != 2 {
		t.Fatalf("third sync %+v, %v", res, err)
	}

	n, err := m.Len(ctx)
	if err != nil || n != 9 {
		t.Errorf("Len = %d, %v; want 9", n, err)
	}

	v, err := m.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !v.Valid || v.TotalVerified != 9 {
		t.Errorf("mirror verify %+v", v)
	}
}

func TestSync_detectsDivergence(t *testing.T) {
	db, l := setupIntegration(t)
	ctx := context.Background()
	m := mirror.New(db, l, 0, zap.NewNop())

	appendN(t, l, 3)
	if _, err := m.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, err := db.Exec(ctx, "UPDATE eventlog_entries SET current_hash = 'x' WHERE idx = 2"); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if _, err := m.Sync(ctx); !errors.Is(err, mirror.ErrDiverged) {
		t.Errorf("expected ErrDiverged, got %v", err)
	}
	v, err := m.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if v.Valid || v.FirstInvalidIndex == nil || *v.FirstInvalidIndex != 2 {
		t.Errorf("mirror verify %+v", v)
	}
}

func TestCheck_reportsLagAndTampering(t *testing.T) {
	db, l := setupIntegration(t)
	ctx := context.Background()
	m := mirror.New(db, l, 0, zap.NewNop())

	appendN(t, l, 4)
	if _, err := m.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	appendN(t, l, 1)

	r, err := m.Check(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if r.Mirrored != 4 || r.LogCount != 5 || !r.Verify.Valid || r.InSync() {
		t.Errorf("lagging mirror report %+v", r)
	}

	if _, err := m.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if r, err = m.Check(ctx); err != nil || !r.InSync() {
		t.Fatalf("synced mirror report %+v, %v", r, err)
	}

	if _, err := db.Exec(ctx, "UPDATE eventlog_entries SET event_kind = 'rewritten' WHERE idx = 1"); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	r, err = m.Check(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if r.InSync() || r.Verify.Reason != eventlog.ReasonHashMismatch {
		t.Errorf("tampered mirror report %+v", r.Verify)
	}
}
