package eventlog_test

import (
	"errors"
	"testing"
	"time"

	"github.com/jmerrifield20/decisionlog/internal/eventlog"
)

func intPtr(i int) *int { return &i }

func TestExportRange_segmentRange(t *testing.T) {
	l := newLog(t, eventlog.Config{SegmentSize: 4})
	entries := appendN(t, l, 10) // segments 0..2

	exp, err := l.ExportRange(ctx, eventlog.ExportOptions{FromSegment: intPtr(1), ToSegment: intPtr(2)})
	if err != nil {
		t.Fatal(err)
	}
	m := exp.Manifest
	if m.Count != 6 || len(exp.Entries) != 6 {
		t.Fatalf("count %d / %d entries, want 6", m.Count, len(exp.Entries))
	}
	if m.FirstID != entries[4].ID || m.LastID != entries[9].ID {
		t.Error("first/last id do not match the segment range")
	}
	if *m.FromSegment != 1 || *m.ToSegment != 2 {
		t.Errorf("segment range %d-%d, want 1-2", *m.FromSegment, *m.ToSegment)
	}
	if !m.FromTS.Equal(entries[4].Timestamp) || !m.ToTS.Equal(entries[9].Timestamp) {
		t.Error("manifest timestamps do not match the exported entries")
	}
	if !m.ChainValidWithinExport {
		t.Error("expected chain valid within export")
	}
}

func TestExportRange_timestampWithinSegments(t *testing.T) {
	l := newLog(t, eventlog.Config{SegmentSize: 4})
	entries := appendN(t, l, 10)

	from := entries[2].Timestamp
	to := entries[5].Timestamp
	exp, err := l.ExportRange(ctx, eventlog.ExportOptions{From: &from, To: &to, ToSegment: intPtr(0)})
	if err != nil {
		t.Fatal(err)
	}
	// Segment 0 holds entries 0..3; the timestamp window narrows that to 2..3.
	if exp.Manifest.Count != 2 {
		t.Fatalf("count %d, want 2", exp.Manifest.Count)
	}
	if exp.Entries[0].ID != entries[2].ID || exp.Entries[1].ID != entries[3].ID {
		t.Error("wrong entries exported")
	}
}

func TestExportRange_tooLarge(t *testing.T) {
	l := newLog(t, eventlog.Config{SegmentSize: 4, MaxExportEvents: 5})
	entries := appendN(t, l, 10)

	exp, err := l.ExportRange(ctx, eventlog.ExportOptions{})
	if !errors.Is(err, eventlog.ErrExportTooLarge) {
		t.Fatalf("expected ErrExportTooLarge, got %v", err)
	}
	if exp != nil {
		t.Error("oversized export returned partial data")
	}

	// With a timestamp filter the cap is enforced while streaming.
	from := entries[0].Timestamp
	if _, err := l.ExportRange(ctx, eventlog.ExportOptions{From: &from}); !errors.Is(err, eventlog.ErrExportTooLarge) {
		t.Errorf("expected ErrExportTooLarge, got %v", err)
	}

	// A narrowed range succeeds.
	if _, err := l.ExportRange(ctx, eventlog.ExportOptions{ToSegment: intPtr(0)}); err != nil {
		t.Errorf("narrowed export: %v", err)
	}
}

func TestExportRange_invalidRange(t *testing.T) {
	l := newLog(t, eventlog.Config{})
	appendN(t, l, 2)

	now := time.Now()
	earlier := now.Add(-time.Hour)
	cases := []eventlog.ExportOptions{
		{From: &now, To: &earlier},
		{FromSegment: intPtr(2), ToSegment: intPtr(1)},
		{FromSegment: intPtr(-1)},
	}
	for _, opts := range cases {
		if _, err := l.ExportRange(ctx, opts); !errors.Is(err, eventlog.ErrInvalidRange) {
			t.Errorf("%+v: expected ErrInvalidRange, got %v", opts, err)
		}
	}
}

func TestExportRange_chainValidityIgnoresHistoryOutsideWindow(t *testing.T) {
	l := newLog(t, eventlog.Config{SegmentSize: 3})
	appendN(t, l, 9)

	// Break entry 1 in segment 0; segment 2 is still self-consistent.
	tamper(t, l, 1, func(e *eventlog.Entry) { e.EntityID = "forged" })

	exp, err := l.ExportRange(ctx, eventlog.ExportOptions{FromSegment: intPtr(2), ToSegment: intPtr(2)})
	if err != nil {
		t.Fatal(err)
	}
	if !exp.Manifest.ChainValidWithinExport {
		t.Error("corruption outside the window affected the export")
	}

	exp, err = l.ExportRange(ctx, eventlog.ExportOptions{ToSegment: intPtr(0)})
	if err != nil {
		t.Fatal(err)
	}
	if exp.Manifest.ChainValidWithinExport {
		t.Error("corruption inside the window not reported")
	}
}

func TestExportRange_empty(t *testing.T) {
	l := newLog(t, eventlog.Config{})
	exp, err := l.ExportRange(ctx, eventlog.ExportOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if exp.Manifest.Count != 0 || len(exp.Entries) != 0 || !exp.Manifest.ChainValidWithinExport {
		t.Errorf("unexpected empty export %+v", exp.Manifest)
	}
}
