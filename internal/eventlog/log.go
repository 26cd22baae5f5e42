package eventlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SegmentInfo describes one segment of the chain.
type SegmentInfo struct {
	Number         int       `json:"number"`
	FirstIndex     int       `json:"first_index"`
	Count          int       `json:"count"`
	Sealed         bool      `json:"sealed"`
	FirstTimestamp time.Time `json:"first_timestamp,omitempty"`
	LastTimestamp  time.Time `json:"last_timestamp,omitempty"`
}

// Stats summarises the state of a Log.
type Stats struct {
	Entries        int       `json:"entries"`
	Segments       int       `json:"segments"`
	SegmentSize    int       `json:"segment_size"`
	SnapshotEvery  int       `json:"snapshot_every"`
	SnapshotWrites int       `json:"snapshot_writes"`
	LastSnapshot   *Snapshot `json:"last_snapshot,omitempty"`
	TailHash       string    `json:"tail_hash,omitempty"`
}

// Log is the durable, segmented EventLog. Appends are serialized by a
// single-writer mutex; reads work on the already-persisted prefix and never
// wait for a writer.
type Log struct {
	cfg       Config
	logger    *zap.Logger
	segments  *segmentStore
	snapshots *snapshotStore
	now       func() time.Time

	writeMu sync.Mutex // held for the whole append critical section

	mu             sync.RWMutex // guards everything below
	ready          bool
	entries        []Entry
	byID           map[string]int
	segs           []segmentRef
	sinceSnapshot  int
	snapshotWrites int
	lastSnapshot   *Snapshot
}

var _ EventLog = (*Log)(nil)

// New creates a Log for cfg.Dir. Init must be called before any other method.
func New(cfg Config, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Log{
		cfg:       cfg,
		logger:    logger,
		segments:  newSegmentStore(cfg.Dir),
		snapshots: newSnapshotStore(cfg.Dir),
		now:       time.Now,
		byID:      make(map[string]int),
	}
}

// Open is New followed by Init.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Log, error) {
	l := New(cfg, logger)
	if err := l.Init(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// SetClock replaces the wall clock used to stamp new entries.
func (l *Log) SetClock(now func() time.Time) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.now = now
}

// Config returns the effective configuration, defaults applied.
func (l *Log) Config() Config { return l.cfg }

// Dir returns the log directory.
func (l *Log) Dir() string { return l.cfg.Dir }

// Init rebuilds the in-memory index from the segment files and loads the
// latest snapshot. Calling it again reloads from disk.
func (l *Log) Init(ctx context.Context) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if err := l.segments.ensureDir(); err != nil {
		return fmt.Errorf("%w: create segment dir: %w", ErrPersistence, err)
	}
	nums, err := l.segments.list()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	var (
		entries []Entry
		segs    []segmentRef
		byID    = make(map[string]int)
	)
	for i, n := range nums {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 && n != nums[i-1]+1 {
			l.logger.Warn("eventlog: gap in segment numbering",
				zap.Int("after", nums[i-1]),
				zap.Int("next", n),
			)
		}
		segEntries, err := l.segments.read(n)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		segs = append(segs, segmentRef{Number: n, Start: len(entries), Count: len(segEntries)})
		for _, e := range segEntries {
			byID[e.ID] = len(entries)
			entries = append(entries, e)
		}
	}

	snap, err := l.snapshots.load()
	if err != nil {
		l.logger.Warn("eventlog: ignoring unreadable snapshot", zap.Error(err))
		snap = nil
	}

	l.mu.Lock()
	l.entries = entries
	l.byID = byID
	l.segs = segs
	l.lastSnapshot = snap
	l.sinceSnapshot = 0
	if snap != nil && snap.TotalEntryCount <= len(entries) {
		l.sinceSnapshot = len(entries) - snap.TotalEntryCount
	}
	l.ready = true
	l.mu.Unlock()

	l.logger.Info("eventlog initialised",
		zap.String("dir", l.cfg.Dir),
		zap.Int("entries", len(entries)),
		zap.Int("segments", len(segs)),
		zap.Bool("snapshot", snap != nil),
	)
	return nil
}

// Append implements EventLog. The entry is visible to readers only after its
// segment has been written to disk; a failed write leaves the index unchanged
// and returns an error wrapping ErrPersistence.
func (l *Log) Append(ctx context.Context, actor Actor, eventKind, entityKind, entityID string, payload any) (*Entry, error) {
	if err := validateFields(actor, eventKind, entityKind, entityID); err != nil {
		return nil, err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	// Only the writer mutates the index, so reading it here without l.mu is safe.
	if !l.ready {
		return nil, ErrNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	payloadHash, err := PayloadHash(payload)
	if err != nil {
		return nil, err
	}

	n := len(l.entries)
	prev := NoPrevHash()
	if n > 0 {
		prev = PrevHashOf(l.entries[n-1].CurrentHash)
	}

	entry := Entry{
		ID:           uuid.NewString(),
		Timestamp:    l.now().UTC(),
		Actor:        actor,
		EventKind:    eventKind,
		EntityKind:   entityKind,
		EntityID:     entityID,
		PayloadHash:  payloadHash,
		PreviousHash: prev,
	}
	entry.CurrentHash = entry.ComputeHash()

	var (
		target     segmentRef
		contents   []Entry
		newSegment bool
	)
	if len(l.segs) == 0 || l.segs[len(l.segs)-1].Count >= l.cfg.SegmentSize {
		next := 0
		if len(l.segs) > 0 {
			next = l.segs[len(l.segs)-1].Number + 1
		}
		target = segmentRef{Number: next, Start: n, Count: 1}
		contents = []Entry{entry}
		newSegment = true
	} else {
		tail := l.segs[len(l.segs)-1]
		contents = make([]Entry, 0, tail.Count+1)
		contents = append(contents, l.entries[tail.Start:n]...)
		contents = append(contents, entry)
		target = segmentRef{Number: tail.Number, Start: tail.Start, Count: tail.Count + 1}
	}

	if err := l.segments.write(target.Number, contents); err != nil {
		l.logger.Error("eventlog: append failed", zap.String("event_kind", eventKind), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.byID[entry.ID] = n
	if newSegment {
		l.segs = append(l.segs, target)
	} else {
		l.segs[len(l.segs)-1] = target
	}
	l.sinceSnapshot++
	due := l.sinceSnapshot >= l.cfg.SnapshotEvery
	l.mu.Unlock()

	l.logger.Debug("eventlog: appended",
		zap.Int("index", n),
		zap.String("id", entry.ID),
		zap.String("event_kind", eventKind),
		zap.Int("segment", target.Number),
	)

	if due {
		l.writeSnapshot(target.Number, entry, n+1)
	}

	out := entry
	return &out, nil
}

// writeSnapshot records the chain position after an append. A failure is
// logged and the append still succeeds: the snapshot is only an accelerator.
func (l *Log) writeSnapshot(segment int, last Entry, total int) {
	snap := &Snapshot{
		LastSegment:     segment,
		LastEntryID:     last.ID,
		LastCurrentHash: last.CurrentHash,
		TotalEntryCount: total,
		CreatedAt:       l.now().UTC(),
	}
	if err := l.snapshots.save(snap); err != nil {
		l.logger.Warn("eventlog: snapshot write failed", zap.Int("total", total), zap.Error(err))
		return
	}
	l.mu.Lock()
	l.sinceSnapshot = 0
	l.snapshotWrites++
	l.lastSnapshot = snap
	l.mu.Unlock()
	l.logger.Info("eventlog: snapshot written",
		zap.Int("segment", segment),
		zap.Int("total", total),
	)
}

// view returns the persisted prefix and its segment table. The slices must
// not be modified; later appends never touch the returned range.
func (l *Log) view() ([]Entry, []segmentRef, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.ready {
		return nil, nil, ErrNotInitialized
	}
	segs := make([]segmentRef, len(l.segs))
	copy(segs, l.segs)
	return l.entries[:len(l.entries):len(l.entries)], segs, nil
}

// GetAll implements EventLog.
func (l *Log) GetAll(_ context.Context) ([]Entry, error) {
	entries, _, err := l.view()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}

// GetRange returns up to limit entries starting at index from. A limit of
// zero or less returns everything after from.
func (l *Log) GetRange(_ context.Context, from, limit int) ([]Entry, error) {
	entries, _, err := l.view()
	if err != nil {
		return nil, err
	}
	if from < 0 {
		return nil, fmt.Errorf("%w: negative start %d", ErrInvalidRange, from)
	}
	if from >= len(entries) {
		return []Entry{}, nil
	}
	end := len(entries)
	if limit > 0 && from+limit < end {
		end = from + limit
	}
	out := make([]Entry, end-from)
	copy(out, entries[from:end])
	return out, nil
}

// GetByID implements EventLog.
func (l *Log) GetByID(_ context.Context, id string) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.ready {
		return nil, ErrNotInitialized
	}
	i, ok := l.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %q", ErrNotFound, id)
	}
	e := l.entries[i]
	return &e, nil
}

// GetByEventKind implements EventLog.
func (l *Log) GetByEventKind(_ context.Context, eventKind string) ([]Entry, error) {
	return l.filter(func(e *Entry) bool { return e.EventKind == eventKind })
}

// GetByEntity implements EventLog.
func (l *Log) GetByEntity(_ context.Context, entityKind, entityID string) ([]Entry, error) {
	return l.filter(func(e *Entry) bool {
		return e.EntityKind == entityKind && (entityID == "" || e.EntityID == entityID)
	})
}

func (l *Log) filter(match func(*Entry) bool) ([]Entry, error) {
	entries, _, err := l.view()
	if err != nil {
		return nil, err
	}
	out := []Entry{}
	for i := range entries {
		if match(&entries[i]) {
			out = append(out, entries[i])
		}
	}
	return out, nil
}

// GetLastEntry implements EventLog.
func (l *Log) GetLastEntry(_ context.Context) (*Entry, error) {
	entries, _, err := l.view()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: log is empty", ErrNotFound)
	}
	e := entries[len(entries)-1]
	return &e, nil
}

// Count implements EventLog.
func (l *Log) Count(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.ready {
		return 0, ErrNotInitialized
	}
	return len(l.entries), nil
}

// Stats returns counters describing the log.
func (l *Log) Stats(_ context.Context) (*Stats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.ready {
		return nil, ErrNotInitialized
	}
	s := &Stats{
		Entries:        len(l.entries),
		Segments:       len(l.segs),
		SegmentSize:    l.cfg.SegmentSize,
		SnapshotEvery:  l.cfg.SnapshotEvery,
		SnapshotWrites: l.snapshotWrites,
	}
	if l.lastSnapshot != nil {
		snap := *l.lastSnapshot
		s.LastSnapshot = &snap
	}
	if n := len(l.entries); n > 0 {
		s.TailHash = l.entries[n-1].CurrentHash
	}
	return s, nil
}

// Segments lists the segments of the chain in order.
func (l *Log) Segments(_ context.Context) ([]SegmentInfo, error) {
	entries, segs, err := l.view()
	if err != nil {
		return nil, err
	}
	out := make([]SegmentInfo, 0, len(segs))
	for i, s := range segs {
		info := SegmentInfo{
			Number:     s.Number,
			FirstIndex: s.Start,
			Count:      s.Count,
			Sealed:     s.Count >= l.cfg.SegmentSize || i < len(segs)-1,
		}
		if s.Count > 0 {
			info.FirstTimestamp = entries[s.Start].Timestamp
			info.LastTimestamp = entries[s.Start+s.Count-1].Timestamp
		}
		out = append(out, info)
	}
	return out, nil
}

// PrunableSegments returns the numbers of sealed segments older than the
// newest RetentionSegments. Nothing is deleted; callers archive them first.
func (l *Log) PrunableSegments(ctx context.Context) ([]int, error) {
	segs, err := l.Segments(ctx)
	if err != nil {
		return nil, err
	}
	keep := l.cfg.RetentionSegments
	if keep <= 0 || len(segs) <= keep {
		return []int{}, nil
	}
	out := []int{}
	for _, s := range segs[:len(segs)-keep] {
		if s.Sealed {
			out = append(out, s.Number)
		}
	}
	return out, nil
}
