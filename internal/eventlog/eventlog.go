// Package eventlog implements an append-only, hash-chained audit log.
//
// Every entry records the SHA-256 of its predecessor, making retroactive edits
// detectable by VerifyChain. The genesis entry (index 0) is the only entry
// whose PreviousHash is "none".
//
// Entries are persisted in fixed-capacity, sequentially numbered segment files
// under <dir>/segments. A snapshot file (<dir>/snapshot.json) is rewritten
// every SnapshotEvery appends and lets VerifyFromSnapshot skip history that
// was already confirmed.
//
// Two implementations of the EventLog interface are provided:
//   - Log: the durable, segmented engine.
//   - Nop: returned when no log is attached, answers with empty results.
package eventlog

import "context"

// EventLog is the append and query surface consumed by collaborators.
// Both Log and Nop implement this interface.
type EventLog interface {
	// Append adds a new entry chained to the current tail.
	// payload is canonicalized and only its SHA-256 is stored.
	Append(ctx context.Context, actor Actor, eventKind, entityKind, entityID string, payload any) (*Entry, error)

	GetAll(ctx context.Context) ([]Entry, error)
	GetByID(ctx context.Context, id string) (*Entry, error)
	GetByEventKind(ctx context.Context, eventKind string) ([]Entry, error)

	// GetByEntity returns entries for entityKind. An empty entityID matches any id.
	GetByEntity(ctx context.Context, entityKind, entityID string) ([]Entry, error)

	// GetLastEntry returns the tail entry, or ErrNotFound when the log is empty.
	GetLastEntry(ctx context.Context) (*Entry, error)
	Count(ctx context.Context) (int, error)

	// VerifyChain walks every entry from genesis.
	VerifyChain(ctx context.Context) (*VerifyResult, error)

	// VerifyFromSnapshot verifies only the entries after the latest snapshot,
	// falling back to VerifyChain when the snapshot is absent or invalid.
	VerifyFromSnapshot(ctx context.Context) (*VerifyResult, error)

	ExportRange(ctx context.Context, opts ExportOptions) (*Export, error)
	Replay(ctx context.Context, opts ReplayOptions) (*ReplaySummary, error)
}
