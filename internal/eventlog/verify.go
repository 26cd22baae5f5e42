package eventlog

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Reason classifies a structural violation of the chain.
type Reason string

const (
	ReasonHashMismatch     Reason = "hash mismatch"
	ReasonChainBroken      Reason = "chain broken"
	ReasonGenesisViolation Reason = "genesis invariant violated"
)

// VerifyMode reports how a VerifyResult was produced.
type VerifyMode string

const (
	ModeFull     VerifyMode = "full"
	ModeSnapshot VerifyMode = "snapshot"
)

// VerifyResult is the outcome of a chain verification. A broken chain is a
// result, not an error: errors mean the log could not be read at all.
type VerifyResult struct {
	Valid bool `json:"valid"`
	// TotalVerified counts entries confirmed valid, including the prefix a
	// snapshot vouched for.
	TotalVerified     int        `json:"total_verified"`
	FirstInvalidIndex *int       `json:"first_invalid_index,omitempty"`
	FirstInvalidID    string     `json:"first_invalid_id,omitempty"`
	Reason            Reason     `json:"reason,omitempty"`
	Mode              VerifyMode `json:"mode"`
	// SnapshotFallback explains why a snapshot verification ran in full.
	SnapshotFallback string `json:"snapshot_fallback,omitempty"`
}

// checkEntry returns the first violation of entry e at global index idx.
// expected is the predecessor's current hash; when hasPred is false the
// backward link is not compared (start of an export window).
func checkEntry(idx int, e *Entry, expected string, hasPred bool) Reason {
	if idx == 0 {
		if !e.PreviousHash.IsNone() {
			return ReasonGenesisViolation
		}
	} else {
		prev, ok := e.PreviousHash.Hash()
		if !ok {
			return ReasonGenesisViolation
		}
		if hasPred && prev != expected {
			return ReasonChainBroken
		}
	}
	if e.ComputeHash() != e.CurrentHash {
		return ReasonHashMismatch
	}
	return ""
}

// ChainVerifier checks a stream of entries in chain order and stops at the
// first violation. It holds only the previous hash, so callers can feed it
// one segment at a time.
type ChainVerifier struct {
	expected string
	hasPred  bool
	verified int
	failed   bool
	result   VerifyResult
}

// NewChainVerifier returns a verifier expecting the genesis entry first.
func NewChainVerifier() *ChainVerifier {
	return &ChainVerifier{result: VerifyResult{Valid: true, Mode: ModeFull}}
}

// newAnchoredVerifier continues a chain whose prefix of anchored entries is
// already trusted and whose last current hash is tailHash.
func newAnchoredVerifier(anchored int, tailHash string) *ChainVerifier {
	return &ChainVerifier{
		expected: tailHash,
		hasPred:  true,
		verified: anchored,
		result:   VerifyResult{Valid: true, Mode: ModeSnapshot},
	}
}

// Check verifies e at global index idx and reports whether the chain is
// still intact. Once it returns false further calls are ignored.
func (v *ChainVerifier) Check(idx int, e *Entry) bool {
	if v.failed {
		return false
	}
	if reason := checkEntry(idx, e, v.expected, v.hasPred); reason != "" {
		v.failed = true
		i := idx
		v.result.Valid = false
		v.result.FirstInvalidIndex = &i
		v.result.FirstInvalidID = e.ID
		v.result.Reason = reason
		return false
	}
	v.expected = e.CurrentHash
	v.hasPred = true
	v.verified++
	return true
}

// Result returns the verification outcome so far.
func (v *ChainVerifier) Result() *VerifyResult {
	r := v.result
	r.TotalVerified = v.verified
	return &r
}

// VerifyChain implements EventLog. Entries are streamed from the segment
// files, so edits made on disk after Init are detected.
func (l *Log) VerifyChain(ctx context.Context) (*VerifyResult, error) {
	_, segs, err := l.view()
	if err != nil {
		return nil, err
	}
	res, err := l.verifyFull(ctx, segs)
	if err != nil {
		return nil, err
	}
	l.logResult(res)
	return res, nil
}

func (l *Log) verifyFull(ctx context.Context, segs []segmentRef) (*VerifyResult, error) {
	v := NewChainVerifier()
	err := l.segments.walk(ctx, segs, func(idx, _ int, e *Entry) error {
		if !v.Check(idx, e) {
			return errStopWalk
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v.Result(), nil
}

// VerifyFromSnapshot implements EventLog. The snapshot anchor entry is fully
// recomputed and must match the recorded hash; only the entries after it are
// then walked. Edits before the anchor that leave the anchor intact are not
// visible to this mode; VerifyChain covers them.
func (l *Log) VerifyFromSnapshot(ctx context.Context) (*VerifyResult, error) {
	_, segs, err := l.view()
	if err != nil {
		return nil, err
	}

	fallback := func(why string) (*VerifyResult, error) {
		l.logger.Debug("eventlog: snapshot verification falling back", zap.String("reason", why))
		res, err := l.verifyFull(ctx, segs)
		if err != nil {
			return nil, err
		}
		res.SnapshotFallback = why
		l.logResult(res)
		return res, nil
	}

	snap, err := l.snapshots.load()
	if err != nil {
		return fallback(err.Error())
	}
	if snap == nil {
		return fallback("no snapshot")
	}

	total := 0
	if n := len(segs); n > 0 {
		total = segs[n-1].Start + segs[n-1].Count
	}
	anchor := snap.TotalEntryCount - 1
	if anchor < 0 || anchor >= total {
		return fallback(fmt.Sprintf("snapshot count %d outside log of %d entries", snap.TotalEntryCount, total))
	}

	pos := -1
	for i, s := range segs {
		if s.Number == snap.LastSegment {
			pos = i
			break
		}
	}
	if pos < 0 || anchor < segs[pos].Start || anchor >= segs[pos].Start+segs[pos].Count {
		return fallback(fmt.Sprintf("snapshot segment %d does not hold entry %d", snap.LastSegment, anchor))
	}

	segEntries, err := l.segments.read(snap.LastSegment)
	if err != nil {
		return fallback(err.Error())
	}
	off := anchor - segs[pos].Start
	if off >= len(segEntries) {
		return fallback("snapshot anchor missing from segment")
	}
	a := &segEntries[off]
	if a.ID != snap.LastEntryID || a.CurrentHash != snap.LastCurrentHash {
		return fallback("snapshot anchor does not match log")
	}
	if checkEntry(anchor, a, "", false) != "" {
		return fallback("snapshot anchor fails recomputation")
	}

	v := newAnchoredVerifier(anchor+1, snap.LastCurrentHash)
	err = l.segments.walk(ctx, segs[pos:], func(idx, _ int, e *Entry) error {
		if idx <= anchor {
			return nil
		}
		if !v.Check(idx, e) {
			return errStopWalk
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	res := v.Result()
	l.logResult(res)
	return res, nil
}

func (l *Log) logResult(res *VerifyResult) {
	if res.Valid {
		l.logger.Debug("eventlog: chain verified",
			zap.String("mode", string(res.Mode)),
			zap.Int("total_verified", res.TotalVerified),
		)
		return
	}
	l.logger.Warn("eventlog: chain verification failed",
		zap.String("mode", string(res.Mode)),
		zap.Int("index", *res.FirstInvalidIndex),
		zap.String("id", res.FirstInvalidID),
		zap.String("reason", string(res.Reason)),
	)
}

// VerifyDir runs a full verification over the segment files in dir without
// building an index. It is used on restored or archived copies of a log.
func VerifyDir(ctx context.Context, dir string) (*VerifyResult, int, error) {
	store := newSegmentStore(dir)
	nums, err := store.list()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	refs := make([]segmentRef, len(nums))
	for i, n := range nums {
		refs[i] = segmentRef{Number: n, Count: -1}
	}
	v := NewChainVerifier()
	total := 0
	err = store.walk(ctx, refs, func(idx, _ int, e *Entry) error {
		total++
		v.Check(idx, e)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return v.Result(), total, nil
}
