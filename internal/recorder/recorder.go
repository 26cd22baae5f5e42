// Package recorder is the caller side of the event log contract: the log
// observes, it does not govern. A Recorder appends on behalf of its owner,
// swallows append failures, flips itself into a degraded state and keeps the
// most recent failure messages for operators.
package recorder

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/decisionlog/internal/eventlog"
)

// DefaultFailureBuffer is the ring buffer capacity used when none is given.
const DefaultFailureBuffer = 50

// Failure is one failed append.
type Failure struct {
	At         time.Time `json:"at"`
	EventKind  string    `json:"event_kind"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id,omitempty"`
	Error      string    `json:"error"`
}

// Status is a point-in-time view of a Recorder.
type Status struct {
	Attached       bool      `json:"attached"`
	Degraded       bool      `json:"degraded"`
	Appended       uint64    `json:"appended"`
	Failed         uint64    `json:"failed"`
	RecentFailures []Failure `json:"recent_failures"`
}

// FailureFunc is an optional callback invoked after every failed append.
type FailureFunc func(f Failure)

// Recorder wraps an optional EventLog.
type Recorder struct {
	log      eventlog.EventLog
	attached bool
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	ring      []Failure
	next      int
	full      bool
	degraded  bool
	appended  uint64
	failed    uint64
	onFailure FailureFunc
}

// New creates a Recorder. A nil log is replaced by eventlog.Nop and the
// recorder reports itself as detached. capacity <= 0 uses DefaultFailureBuffer.
func New(log eventlog.EventLog, capacity int, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if capacity <= 0 {
		capacity = DefaultFailureBuffer
	}
	return &Recorder{
		log:      eventlog.OrNop(log),
		attached: log != nil,
		logger:   logger,
		now:      time.Now,
		ring:     make([]Failure, capacity),
	}
}

// SetFailureHook configures the failure callback.
func (r *Recorder) SetFailureHook(fn FailureFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFailure = fn
}

// Log returns the wrapped log, eventlog.Nop when detached.
func (r *Recorder) Log() eventlog.EventLog { return r.log }

// Record appends an entry and never fails. It returns the entry, or nil when
// the append failed or no log is attached.
func (r *Recorder) Record(ctx context.Context, actor eventlog.Actor, eventKind, entityKind, entityID string, payload any) *eventlog.Entry {
	e, err := r.log.Append(ctx, actor, eventKind, entityKind, entityID, payload)
	if err == nil {
		r.mu.Lock()
		if r.attached {
			r.appended++
		}
		r.mu.Unlock()
		return e
	}

	f := Failure{
		At:         r.now().UTC(),
		EventKind:  eventKind,
		EntityKind: entityKind,
		EntityID:   entityID,
		Error:      err.Error(),
	}

	r.mu.Lock()
	wasDegraded := r.degraded
	r.degraded = true
	r.failed++
	r.ring[r.next] = f
	r.next = (r.next + 1) % len(r.ring)
	if r.next == 0 {
		r.full = true
	}
	hook := r.onFailure
	r.mu.Unlock()

	if !wasDegraded {
		r.logger.Warn("event log append failed, recorder degraded (non-fatal)",
			zap.String("event_kind", eventKind),
			zap.String("entity_kind", entityKind),
			zap.Error(err),
		)
	} else {
		r.logger.Debug("event log append failed (non-fatal)",
			zap.String("event_kind", eventKind),
			zap.Error(err),
		)
	}
	if hook != nil {
		hook(f)
	}
	return nil
}

// Status returns counters and the buffered failures, oldest first.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Status{
		Attached: r.attached,
		Degraded: r.degraded,
		Appended: r.appended,
		Failed:   r.failed,
	}
	if r.full {
		s.RecentFailures = make([]Failure, 0, len(r.ring))
		s.RecentFailures = append(s.RecentFailures, r.ring[r.next:]...)
		s.RecentFailures = append(s.RecentFailures, r.ring[:r.next]...)
	} else {
		s.RecentFailures = append([]Failure{}, r.ring[:r.next]...)
	}
	return s
}

// ClearDegraded acknowledges the failures. The buffer is kept.
func (r *Recorder) ClearDegraded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.degraded {
		r.logger.Info("recorder degraded state cleared", zap.Uint64("failed", r.failed))
	}
	r.degraded = false
}
