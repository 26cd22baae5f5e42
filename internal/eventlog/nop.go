package eventlog

import "context"

// Nop is the EventLog used when no log is attached. Appends are accepted and
// discarded; queries return empty results and verification reports an empty,
// valid chain.
type Nop struct{}

var _ EventLog = Nop{}

// Append implements EventLog.
func (Nop) Append(context.Context, Actor, string, string, string, any) (*Entry, error) {
	return nil, nil
}

// GetAll implements EventLog.
func (Nop) GetAll(context.Context) ([]Entry, error) { return []Entry{}, nil }

// GetByID implements EventLog.
func (Nop) GetByID(context.Context, string) (*Entry, error) {
	return nil, ErrNotFound
}

// GetByEventKind implements EventLog.
func (Nop) GetByEventKind(context.Context, string) ([]Entry, error) { return []Entry{}, nil }

// GetByEntity implements EventLog.
func (Nop) GetByEntity(context.Context, string, string) ([]Entry, error) { return []Entry{}, nil }

// GetLastEntry implements EventLog.
func (Nop) GetLastEntry(context.Context) (*Entry, error) { return nil, ErrNotFound }

// Count implements EventLog.
func (Nop) Count(context.Context) (int, error) { return 0, nil }

// VerifyChain implements EventLog.
func (Nop) VerifyChain(context.Context) (*VerifyResult, error) {
	return &VerifyResult{Valid: true, Mode: ModeFull}, nil
}

// VerifyFromSnapshot implements EventLog.
func (Nop) VerifyFromSnapshot(context.Context) (*VerifyResult, error) {
	return &VerifyResult{Valid: true, Mode: ModeFull, SnapshotFallback: "no log attached"}, nil
}

// ExportRange implements EventLog.
func (Nop) ExportRange(context.Context, ExportOptions) (*Export, error) {
	return &Export{Entries: []Entry{}, Manifest: ExportManifest{ChainValidWithinExport: true}}, nil
}

// Replay implements EventLog.
func (Nop) Replay(context.Context, ReplayOptions) (*ReplaySummary, error) {
	return &ReplaySummary{
		ByEventKind:     map[string]int{},
		ByEntityKind:    map[string]int{},
		ByActor:         map[Actor]int{},
		Inconsistencies: []Inconsistency{},
	}, nil
}

// OrNop returns l, or Nop when l is nil.
func OrNop(l EventLog) EventLog {
	if l == nil {
		return Nop{}
	}
	return l
}
