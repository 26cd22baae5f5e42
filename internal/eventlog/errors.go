package eventlog

import "errors"

var (
	// ErrNotInitialized is returned by every operation invoked before Init completes.
	ErrNotInitialized = errors.New("eventlog: not initialized")
	// ErrPersistence wraps disk read/write failures. An append that fails with
	// it left no trace in the index.
	ErrPersistence = errors.New("eventlog: persistence failure")
	// ErrExportTooLarge is returned when an export range holds more entries
	// than max_export_events. No entries are returned with it.
	ErrExportTooLarge = errors.New("eventlog: export exceeds max_export_events")
	// ErrNotFound is returned by point lookups that match nothing.
	ErrNotFound = errors.New("eventlog: entry not found")
	// ErrInvalidActor is returned when an append names an unknown actor.
	ErrInvalidActor = errors.New("eventlog: invalid actor")
	// ErrInvalidField is returned when an append carries a malformed classification field.
	ErrInvalidField = errors.New("eventlog: invalid field")
	// ErrInvalidRange is returned for inverted timestamp or segment bounds.
	ErrInvalidRange = errors.New("eventlog: invalid range")
)
