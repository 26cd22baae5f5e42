package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Snapshot is a checkpoint of the chain as of some append. It is derived data:
// losing it only costs VerifyFromSnapshot its shortcut.
type Snapshot struct {
	LastSegment     int       `json:"last_segment"`
	LastEntryID     string    `json:"last_entry_id"`
	LastCurrentHash string    `json:"last_current_hash"`
	TotalEntryCount int       `json:"total_entry_count"`
	CreatedAt       time.Time `json:"created_at"`
}

type snapshotStore struct {
	path string
}

func newSnapshotStore(logDir string) *snapshotStore {
	return &snapshotStore{path: filepath.Join(logDir, SnapshotFile)}
}

// load returns the snapshot on disk, or nil when none has been written.
func (s *snapshotStore) load() (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// save overwrites the snapshot; only the latest one ever exists.
func (s *snapshotStore) save(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}
