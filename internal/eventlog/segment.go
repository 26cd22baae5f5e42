package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Layout of a log directory.
const (
	SegmentsDir  = "segments"
	SnapshotFile = "snapshot.json"

	segmentPrefix = "segment-"
	segmentSuffix = ".json"
)

// SegmentFileName returns the file name of segment n, e.g. "segment-000003.json".
func SegmentFileName(n int) string {
	return fmt.Sprintf("%s%06d%s", segmentPrefix, n, segmentSuffix)
}

// parseSegmentFileName is the inverse of SegmentFileName.
func parseSegmentFileName(name string) (int, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// segmentRef locates a segment within the chain. Count < 0 means "every
// entry in the file".
type segmentRef struct {
	Number int
	Start  int
	Count  int
}

// segmentStore reads and writes segment files. It knows the file format and
// nothing about chaining.
type segmentStore struct {
	dir string
}

func newSegmentStore(logDir string) *segmentStore {
	return &segmentStore{dir: filepath.Join(logDir, SegmentsDir)}
}

func (s *segmentStore) path(n int) string {
	return filepath.Join(s.dir, SegmentFileName(n))
}

func (s *segmentStore) ensureDir() error {
	return os.MkdirAll(s.dir, 0o750)
}

// list returns the segment numbers present on disk in ascending order.
// A missing directory is an empty log.
func (s *segmentStore) list() ([]int, error) {
	des, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read segment dir: %w", err)
	}
	var nums []int
	for _, de := range des {
		if de.IsDir() {
			continue
		}
		if n, ok := parseSegmentFileName(de.Name()); ok {
			nums = append(nums, n)
		}
	}
	sort.Ints(nums)
	return nums, nil
}

func (s *segmentStore) read(n int) ([]Entry, error) {
	data, err := os.ReadFile(s.path(n))
	if err != nil {
		return nil, fmt.Errorf("read segment %d: %w", n, err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode segment %d: %w", n, err)
	}
	return entries, nil
}

// write replaces segment n with entries atomically.
func (s *segmentStore) write(n int, entries []Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode segment %d: %w", n, err)
	}
	if err := writeFileAtomic(s.path(n), data); err != nil {
		return fmt.Errorf("write segment %d: %w", n, err)
	}
	return nil
}

// errStopWalk ends a walk early without reporting an error.
var errStopWalk = errors.New("stop walk")

// walk reads refs in order and calls fn for every entry with its global
// index. Indexes start at refs[0].Start and accumulate across segments. The
// context is checked before each segment is loaded, so only one segment is
// held in memory at a time.
func (s *segmentStore) walk(ctx context.Context, refs []segmentRef, fn func(index, segment int, e *Entry) error) error {
	if len(refs) == 0 {
		return nil
	}
	idx := refs[0].Start
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := s.read(ref.Number)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		if ref.Count >= 0 && len(entries) > ref.Count {
			entries = entries[:ref.Count]
		}
		for i := range entries {
			if err := fn(idx, ref.Number, &entries[i]); err != nil {
				if errors.Is(err, errStopWalk) {
					return nil
				}
				return err
			}
			idx++
		}
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory, syncs
// it and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
