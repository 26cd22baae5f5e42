package eventlog

// Default tuning values applied by Config.withDefaults.
const (
	DefaultSegmentSize     = 1000
	DefaultSnapshotEvery   = 100
	DefaultMaxExportEvents = 10000
	DefaultMaxReplayEvents = 100000
)

// Config holds event log configuration.
type Config struct {
	// Dir is the log directory. Segments live in Dir/segments, the snapshot in Dir/snapshot.json.
	Dir string
	// SegmentSize is the number of entries per segment before rotation.
	SegmentSize int
	// SnapshotEvery is the number of appends between snapshot rewrites.
	SnapshotEvery int
	// RetentionSegments is how many of the newest segments are kept out of
	// the prune-eligible set. Zero marks nothing as eligible.
	RetentionSegments int
	// MaxExportEvents caps the size of a single export. Zero uses the
	// default; a negative value disables the cap.
	MaxExportEvents int
	// MaxReplayEvents caps how many entries a replay scans before truncating.
	MaxReplayEvents int
}

func (c Config) withDefaults() Config {
	if c.SegmentSize <= 0 {
		c.SegmentSize = DefaultSegmentSize
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = DefaultSnapshotEvery
	}
	if c.MaxExportEvents == 0 {
		c.MaxExportEvents = DefaultMaxExportEvents
	}
	if c.MaxReplayEvents <= 0 {
		c.MaxReplayEvents = DefaultMaxReplayEvents
	}
	return c
}
