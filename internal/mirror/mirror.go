// Package mirror copies the event log chain into PostgreSQL so dashboards can
// query it with SQL. The segment files stay authoritative: the mirror only
// ever inserts rows it has read from the log and refuses to continue once its
// tail no longer matches the log.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/decisionlog/internal/eventlog"
)

// advisoryLockKey serialises concurrent Sync calls across eventlogd instances
// sharing one database.
const advisoryLockKey = int64(1_318_442_071)

// DefaultBatchSize is the number of entries inserted per round trip.
const DefaultBatchSize = 500

// ErrDiverged is returned when the mirrored tail no longer matches the log.
var ErrDiverged = errors.New("mirror: mirrored chain diverges from event log")

// Source is the part of the event log the mirror reads from.
type Source interface {
	Count(ctx context.Context) (int, error)
	GetRange(ctx context.Context, from, limit int) ([]eventlog.Entry, error)
}

// SyncResult describes one Sync call.
type SyncResult struct {
	Inserted int `json:"inserted"`
	Mirrored int `json:"mirrored"`
	LogCount int `json:"log_count"`
}

// PostgresMirror mirrors the event log into the eventlog_entries table.
type PostgresMirror struct {
	pool      *pgxpool.Pool
	source    Source
	batchSize int
	logger    *zap.Logger
}

// New creates a PostgresMirror. batchSize <= 0 uses DefaultBatchSize.
func New(pool *pgxpool.Pool, source Source, batchSize int, logger *zap.Logger) *PostgresMirror {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresMirror{pool: pool, source: source, batchSize: batchSize, logger: logger}
}

// Sync copies every entry the mirror is missing. It runs in one transaction
// holding a transaction-scoped advisory lock, so a failed sync leaves the
// table unchanged.
func (m *PostgresMirror) Sync(ctx context.Context) (*SyncResult, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	mirrored, tailHash, err := readTail(ctx, tx)
	if err != nil {
		return nil, err
	}

	total, err := m.source.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count log entries: %w", err)
	}
	res := &SyncResult{Mirrored: mirrored, LogCount: total}

	if mirrored > total {
		return nil, fmt.Errorf("%w: mirror holds %d entries, log holds %d", ErrDiverged, mirrored, total)
	}
	if mirrored > 0 {
		tail, err := m.source.GetRange(ctx, mirrored-1, 1)
		if err != nil {
			return nil, fmt.Errorf("read log entry %d: %w", mirrored-1, err)
		}
		if len(tail) != 1 || tail[0].CurrentHash != tailHash {
			return nil, fmt.Errorf("%w: hash mismatch at index %d", ErrDiverged, mirrored-1)
		}
	}

	for from := mirrored; from < total; from += m.batchSize {
		entries, err := m.source.GetRange(ctx, from, m.batchSize)
		if err != nil {
			return nil, fmt.Errorf("read log entries from %d: %w", from, err)
		}
		if len(entries) == 0 {
			break
		}
		n, err := insertBatch(ctx, tx, from, entries)
		if err != nil {
			return nil, err
		}
		res.Inserted += n
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit mirror tx: %w", err)
	}
	res.Mirrored += res.Inserted

	if res.Inserted > 0 {
		m.logger.Info("mirror synced",
			zap.Int("inserted", res.Inserted),
			zap.Int("mirrored", res.Mirrored),
		)
	}
	return res, nil
}

func readTail(ctx context.Context, tx pgx.Tx) (int, string, error) {
	var (
		idx  int
		hash string
	)
	err := tx.QueryRow(ctx,
		"SELECT idx, current_hash FROM eventlog_entries ORDER BY idx DESC LIMIT 1",
	).Scan(&idx, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("read mirror tail: %w", err)
	}
	return idx + 1, hash, nil
}

func insertBatch(ctx context.Context, tx pgx.Tx, from int, entries []eventlog.Entry) (int, error) {
	batch := &pgx.Batch{}
	for i, e := range entries {
		var prev *string
		if h, ok := e.PreviousHash.Hash(); ok {
			prev = &h
		}
		batch.Queue(
			`INSERT INTO eventlog_entries
			   (idx, id, timestamp, ts_text, actor, event_kind, entity_kind, entity_id, payload_hash, previous_hash, current_hash)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (idx) DO NOTHING`,
			from+i, e.ID, e.Timestamp, e.Timestamp.UTC().Format(time.RFC3339Nano),
			string(e.Actor), e.EventKind, e.EntityKind, e.EntityID,
			e.PayloadHash, prev, e.CurrentHash,
		)
	}

	br := tx.SendBatch(ctx, batch)
	inserted := 0
	for i := range entries {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, fmt.Errorf("insert mirror entry %d: %w", from+i, err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("close batch: %w", err)
	}
	return inserted, nil
}

// Len returns the number of mirrored entries.
func (m *PostgresMirror) Len(ctx context.Context) (int, error) {
	var n int
	if err := m.pool.QueryRow(ctx, "SELECT COUNT(*) FROM eventlog_entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("count mirror entries: %w", err)
	}
	return n, nil
}

// Verify streams the mirrored rows in index order through the same chain
// checks the log uses.
func (m *PostgresMirror) Verify(ctx context.Context) (*eventlog.VerifyResult, error) {
	rows, err := m.pool.Query(ctx,
		`SELECT idx, id, ts_text, actor, event_kind, entity_kind, entity_id, payload_hash, previous_hash, current_hash
		 FROM eventlog_entries ORDER BY idx ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query mirror: %w", err)
	}
	defer rows.Close()

	v := eventlog.NewChainVerifier()
	for rows.Next() {
		var (
			idx    int
			e      eventlog.Entry
			tsText string
			actor  string
			prev   *string
		)
		if err := rows.Scan(&idx, &e.ID, &tsText, &actor, &e.EventKind, &e.EntityKind,
			&e.EntityID, &e.PayloadHash, &prev, &e.CurrentHash); err != nil {
			return nil, fmt.Errorf("scan mirror row: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, tsText)
		if err != nil {
			return nil, fmt.Errorf("parse mirror timestamp at %d: %w", idx, err)
		}
		e.Timestamp = ts
		e.Actor = eventlog.Actor(actor)
		if prev != nil {
			e.PreviousHash = eventlog.PrevHashOf(*prev)
		}
		if !v.Check(idx, &e) {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mirror rows: %w", err)
	}
	return v.Result(), nil
}

// Report compares the mirror with the log it copies.
type Report struct {
	Mirrored int                    `json:"mirrored"`
	LogCount int                    `json:"log_count"`
	Verify   *eventlog.VerifyResult `json:"verify"`
}

// InSync reports whether every log entry is mirrored and the mirrored chain
// verifies.
func (r *Report) InSync() bool {
	return r.Verify != nil && r.Verify.Valid && r.Mirrored == r.LogCount
}

// Check counts both sides and re-verifies the mirrored chain.
func (m *PostgresMirror) Check(ctx context.Context) (*Report, error) {
	mirrored, err := m.Len(ctx)
	if err != nil {
		return nil, err
	}
	total, err := m.source.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count log entries: %w", err)
	}
	vr, err := m.Verify(ctx)
	if err != nil {
		return nil, err
	}
	r := &Report{Mirrored: mirrored, LogCount: total, Verify: vr}
	if !vr.Valid {
		m.logger.Error("mirrored chain failed verification",
			zap.Intp("index", vr.FirstInvalidIndex),
			zap.String("reason", string(vr.Reason)),
		)
	}
	return r, nil
}

// Start syncs every interval until stop is closed. Divergence is logged at
// Error and the loop keeps running so operators can see it repeat.
func (m *PostgresMirror) Start(stop <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		if _, err := m.Sync(ctx); err != nil {
			if errors.Is(err, ErrDiverged) {
				m.logger.Error("mirror diverged from event log", zap.Error(err))
			} else {
				m.logger.Warn("mirror sync failed", zap.Error(err))
			}
		}
		cancel()

		select {
		case <-ticker.C:
		case <-stop:
			return
		}
	}
}
