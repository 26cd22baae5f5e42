package eventlog_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmerrifield20/decisionlog/internal/eventlog"
)

// tamper rewrites the entry at global index idx on disk, bypassing the log.
func tamper(t *testing.T, l *eventlog.Log, idx int, mutate func(e *eventlog.Entry)) {
	t.Helper()
	segs, err := l.Segments(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range segs {
		if idx < s.FirstIndex || idx >= s.FirstIndex+s.Count {
			continue
		}
		entries := readSegment(t, l.Dir(), s.Number)
		mutate(&entries[idx-s.FirstIndex])
		data, err := json.Marshal(entries)
		if err != nil {
			t.Fatal(err)
		}
		path := filepath.Join(l.Dir(), eventlog.SegmentsDir, eventlog.SegmentFileName(s.Number))
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatal(err)
		}
		return
	}
	t.Fatalf("index %d not in any segment", idx)
}

// flipFirst changes the first hex digit of h.
func flipFirst(h string) string {
	if h[0] == '0' {
		return "1" + h[1:]
	}
	return "0" + h[1:]
}

func expectInvalidAt(t *testing.T, res *eventlog.VerifyResult, idx int, reason eventlog.Reason) {
	t.Helper()
	if res.Valid {
		t.Fatalf("expected invalid chain at %d, got valid", idx)
	}
	if res.FirstInvalidIndex == nil || *res.FirstInvalidIndex != idx {
		t.Fatalf("first invalid index = %v, want %d", res.FirstInvalidIndex, idx)
	}
	if res.Reason != reason {
		t.Errorf("reason = %q, want %q", res.Reason, reason)
	}
	if res.TotalVerified != idx {
		t.Errorf("total verified = %d, want %d", res.TotalVerified, idx)
	}
}

func TestVerifyChain_emptyLog(t *testing.T) {
	l := newLog(t, eventlog.Config{})
	res, err := l.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.TotalVerified != 0 {
		t.Errorf("empty log: %+v", res)
	}
}

func TestVerifyChain_detectsTampering(t *testing.T) {
	const n = 7
	fields := map[string]func(e *eventlog.Entry){
		"current_hash": func(e *eventlog.Entry) { e.CurrentHash = flipFirst(e.CurrentHash) },
		"payload_hash": func(e *eventlog.Entry) { e.PayloadHash = flipFirst(e.PayloadHash) },
	}
	for name, mutate := range fields {
		for i := 0; i < n; i++ {
			l := newLog(t, eventlog.Config{SegmentSize: 3})
			entries := appendN(t, l, n)
			tamper(t, l, i, mutate)

			res, err := l.VerifyChain(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if res.FirstInvalidIndex == nil || *res.FirstInvalidIndex != i {
				t.Errorf("%s at %d: first invalid %v", name, i, res.FirstInvalidIndex)
				continue
			}
			if res.FirstInvalidID != entries[i].ID {
				t.Errorf("%s at %d: first invalid id %q", name, i, res.FirstInvalidID)
			}
			if res.Reason != eventlog.ReasonHashMismatch {
				t.Errorf("%s at %d: reason %q", name, i, res.Reason)
			}
		}
	}
}

func TestVerifyChain_previousHashTampering(t *testing.T) {
	for i := 1; i < 5; i++ {
		l := newLog(t, eventlog.Config{SegmentSize: 2})
		appendN(t, l, 5)
		tamper(t, l, i, func(e *eventlog.Entry) {
			e.PreviousHash = eventlog.PrevHashOf("deadbeef")
		})
		res, err := l.VerifyChain(ctx)
		if err != nil {
			t.Fatal(err)
		}
		expectInvalidAt(t, res, i, eventlog.ReasonChainBroken)
	}
}

func TestVerifyChain_genesisInvariant(t *testing.T) {
	t.Run("index 0 with a previous hash", func(t *testing.T) {
		l := newLog(t, eventlog.Config{})
		appendN(t, l, 3)
		tamper(t, l, 0, func(e *eventlog.Entry) {
			e.PreviousHash = eventlog.PrevHashOf("")
		})
		res, err := l.VerifyChain(ctx)
		if err != nil {
			t.Fatal(err)
		}
		expectInvalidAt(t, res, 0, eventlog.ReasonGenesisViolation)
	})

	t.Run("later index without a previous hash", func(t *testing.T) {
		l := newLog(t, eventlog.Config{})
		appendN(t, l, 3)
		tamper(t, l, 2, func(e *eventlog.Entry) {
			e.PreviousHash = eventlog.NoPrevHash()
		})
		res, err := l.VerifyChain(ctx)
		if err != nil {
			t.Fatal(err)
		}
		expectInvalidAt(t, res, 2, eventlog.ReasonGenesisViolation)
	})
}

func TestVerifyFromSnapshot_matchesFull(t *testing.T) {
	l := newLog(t, eventlog.Config{SegmentSize: 5, SnapshotEvery: 3})
	appendN(t, l, 10)

	full, err := l.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	fast, err := l.VerifyFromSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if fast.Mode != eventlog.ModeSnapshot {
		t.Errorf("expected snapshot mode, got %q (fallback %q)", fast.Mode, fast.SnapshotFallback)
	}
	if fast.Valid != full.Valid || fast.TotalVerified != full.TotalVerified {
		t.Errorf("fast %+v != full %+v", fast, full)
	}
}

func TestVerifyFromSnapshot_corruptionAfterSnapshot(t *testing.T) {
	// Snapshots land after entries 3, 6 and 9, so the anchor is index 8.
	l := newLog(t, eventlog.Config{SegmentSize: 5, SnapshotEvery: 3})
	appendN(t, l, 10)
	tamper(t, l, 9, func(e *eventlog.Entry) { e.PayloadHash = "00" })

	full, err := l.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	fast, err := l.VerifyFromSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if fast.Mode != eventlog.ModeSnapshot {
		t.Errorf("expected snapshot mode, got fallback %q", fast.SnapshotFallback)
	}
	expectInvalidAt(t, full, 9, eventlog.ReasonHashMismatch)
	expectInvalidAt(t, fast, 9, eventlog.ReasonHashMismatch)
}

func TestVerifyFromSnapshot_corruptAnchorFallsBack(t *testing.T) {
	l := newLog(t, eventlog.Config{SegmentSize: 5, SnapshotEvery: 3})
	appendN(t, l, 10)
	tamper(t, l, 8, func(e *eventlog.Entry) { e.EntityID = "forged" })

	fast, err := l.VerifyFromSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if fast.Mode != eventlog.ModeFull || fast.SnapshotFallback == "" {
		t.Errorf("expected a full fallback, got %+v", fast)
	}
	expectInvalidAt(t, fast, 8, eventlog.ReasonHashMismatch)
}

func TestVerifyFromSnapshot_missingSnapshot(t *testing.T) {
	l := newLog(t, eventlog.Config{SnapshotEvery: 100})
	appendN(t, l, 4)

	res, err := l.VerifyFromSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Mode != eventlog.ModeFull || res.SnapshotFallback != "no snapshot" {
		t.Errorf("unexpected result %+v", res)
	}
	if res.TotalVerified != 4 {
		t.Errorf("total verified %d, want 4", res.TotalVerified)
	}
}

func TestVerifyFromSnapshot_garbageSnapshotFallsBack(t *testing.T) {
	l := newLog(t, eventlog.Config{SnapshotEvery: 2})
	appendN(t, l, 4)
	if err := os.WriteFile(filepath.Join(l.Dir(), eventlog.SnapshotFile), []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	res, err := l.VerifyFromSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Mode != eventlog.ModeFull || res.SnapshotFallback == "" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestVerifyDir(t *testing.T) {
	l := newLog(t, eventlog.Config{SegmentSize: 3})
	appendN(t, l, 8)

	res, total, err := eventlog.VerifyDir(ctx, l.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || total != 8 || res.TotalVerified != 8 {
		t.Errorf("VerifyDir = %+v total=%d", res, total)
	}

	tamper(t, l, 4, func(e *eventlog.Entry) { e.Actor = eventlog.ActorHuman })
	res, _, err = eventlog.VerifyDir(ctx, l.Dir())
	if err != nil {
		t.Fatal(err)
	}
	expectInvalidAt(t, res, 4, eventlog.ReasonHashMismatch)
}
