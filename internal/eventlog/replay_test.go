package eventlog_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jmerrifield20/decisionlog/internal/eventlog"
)

func TestReplay_aggregates(t *testing.T) {
	l := newLog(t, eventlog.Config{SegmentSize: 3})
	entries := appendN(t, l, 6)
	if _, err := l.Append(ctx, eventlog.ActorHuman, "decision.overridden", "decision", "d-1", nil); err != nil {
		t.Fatal(err)
	}

	sum, err := l.Replay(ctx, eventlog.ReplayOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalEntries != 7 || sum.Scanned != 7 {
		t.Errorf("total %d scanned %d, want 7/7", sum.TotalEntries, sum.Scanned)
	}
	if sum.ByEventKind["decision.recorded"] != 3 || sum.ByEventKind["contract.issued"] != 3 {
		t.Errorf("by event kind %v", sum.ByEventKind)
	}
	if sum.ByEntityKind["episode"] != 6 || sum.ByEntityKind["decision"] != 1 {
		t.Errorf("by entity kind %v", sum.ByEntityKind)
	}
	if sum.ByActor[eventlog.ActorSystem] != 6 || sum.ByActor[eventlog.ActorHuman] != 1 {
		t.Errorf("by actor %v", sum.ByActor)
	}
	if sum.Range == nil || !sum.Range.From.Equal(entries[0].Timestamp) {
		t.Errorf("range %+v", sum.Range)
	}
	if len(sum.Inconsistencies) != 0 || sum.Truncated {
		t.Errorf("unexpected inconsistencies %v truncated %v", sum.Inconsistencies, sum.Truncated)
	}
}

func TestReplay_filters(t *testing.T) {
	l := newLog(t, eventlog.Config{})
	entries := appendN(t, l, 6)

	sum, err := l.Replay(ctx, eventlog.ReplayOptions{EventKind: "contract.issued", EntityID: "ep-1"})
	if err != nil {
		t.Fatal(err)
	}
	// contract.issued is odd indexes; ep-1 is i%3==1 -> indexes 1 and 4; only 1 is odd.
	if sum.TotalEntries != 1 || sum.Scanned != 6 {
		t.Errorf("total %d scanned %d", sum.TotalEntries, sum.Scanned)
	}
	if !sum.Range.From.Equal(entries[1].Timestamp) || !sum.Range.To.Equal(entries[1].Timestamp) {
		t.Errorf("range %+v", sum.Range)
	}

	from := entries[4].Timestamp
	sum, err = l.Replay(ctx, eventlog.ReplayOptions{From: &from})
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalEntries != 2 {
		t.Errorf("time-filtered total %d, want 2", sum.TotalEntries)
	}
}

func TestReplay_deterministic(t *testing.T) {
	l := newLog(t, eventlog.Config{SegmentSize: 4})
	appendN(t, l, 11)

	opts := eventlog.ReplayOptions{EntityKind: "episode"}
	a, err := l.Replay(ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	b, err := l.Replay(ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	if string(ja) != string(jb) {
		t.Errorf("replays differ:\n%s\n%s", ja, jb)
	}
}

func TestReplay_recordsInconsistenciesWithoutAborting(t *testing.T) {
	l := newLog(t, eventlog.Config{SegmentSize: 3})
	entries := appendN(t, l, 6)
	tamper(t, l, 2, func(e *eventlog.Entry) { e.PayloadHash = flipFirst(e.PayloadHash) })
	tamper(t, l, 4, func(e *eventlog.Entry) { e.PreviousHash = eventlog.NoPrevHash() })

	sum, err := l.Replay(ctx, eventlog.ReplayOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Scanned != 6 {
		t.Errorf("scan stopped early at %d", sum.Scanned)
	}
	want := []eventlog.Inconsistency{
		{Index: 2, ID: entries[2].ID, Reason: eventlog.ReasonHashMismatch},
		{Index: 4, ID: entries[4].ID, Reason: eventlog.ReasonGenesisViolation},
	}
	if len(sum.Inconsistencies) != len(want) {
		t.Fatalf("inconsistencies %+v, want %+v", sum.Inconsistencies, want)
	}
	for i := range want {
		if sum.Inconsistencies[i] != want[i] {
			t.Errorf("inconsistency %d = %+v, want %+v", i, sum.Inconsistencies[i], want[i])
		}
	}
}

func TestReplay_truncatesAtCap(t *testing.T) {
	l := newLog(t, eventlog.Config{SegmentSize: 3, MaxReplayEvents: 4})
	appendN(t, l, 10)

	sum, err := l.Replay(ctx, eventlog.ReplayOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !sum.Truncated || sum.Scanned != 4 {
		t.Errorf("truncated=%v scanned=%d, want true/4", sum.Truncated, sum.Scanned)
	}

	sum, err = l.Replay(ctx, eventlog.ReplayOptions{MaxScan: 2})
	if err != nil {
		t.Fatal(err)
	}
	if !sum.Truncated || sum.Scanned != 2 {
		t.Errorf("MaxScan override: truncated=%v scanned=%d", sum.Truncated, sum.Scanned)
	}
}

func TestReplay_deadlineTruncates(t *testing.T) {
	l := newLog(t, eventlog.Config{SegmentSize: 2})
	appendN(t, l, 6)

	expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
	defer cancel()
	sum, err := l.Replay(expired, eventlog.ReplayOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !sum.Truncated || sum.Scanned != 0 {
		t.Errorf("truncated=%v scanned=%d", sum.Truncated, sum.Scanned)
	}
}
