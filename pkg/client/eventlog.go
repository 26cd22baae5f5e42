package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Entry is one event log record. PreviousHash is nil on the genesis entry.
type Entry struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Actor        string    `json:"actor"`
	EventKind    string    `json:"event_kind"`
	EntityKind   string    `json:"entity_kind"`
	EntityID     string    `json:"entity_id"`
	PayloadHash  string    `json:"payload_hash"`
	PreviousHash *string   `json:"previous_hash"`
	CurrentHash  string    `json:"current_hash"`
}

// AppendRequest is the payload for Append.
type AppendRequest struct {
	Actor      string `json:"actor"`
	EventKind  string `json:"event_kind"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    any    `json:"payload,omitempty"`
}

// Overview is the response of GET /api/v1/eventlog.
type Overview struct {
	Entries          int             `json:"entries"`
	TailHash         *string         `json:"tail_hash"`
	LastTimestamp    *time.Time      `json:"last_timestamp,omitempty"`
	Stats            json.RawMessage `json:"stats,omitempty"`
	RecorderDegraded bool            `json:"recorder_degraded"`
}

// VerifyMode selects full or snapshot-accelerated verification.
type VerifyMode string

const (
	VerifyFull     VerifyMode = "full"
	VerifySnapshot VerifyMode = "snapshot"
)

// VerifyResult is the outcome of a chain verification.
type VerifyResult struct {
	Valid             bool   `json:"valid"`
	TotalVerified     int    `json:"total_verified"`
	FirstInvalidIndex *int   `json:"first_invalid_index,omitempty"`
	FirstInvalidID    string `json:"first_invalid_id,omitempty"`
	Reason            string `json:"reason,omitempty"`
	Mode              string `json:"mode"`
	SnapshotFallback  string `json:"snapshot_fallback,omitempty"`
}

// EntryFilter narrows ListEntries. Zero values match everything.
type EntryFilter struct {
	EventKind  string
	EntityKind string
	EntityID   string
	Offset     int
	Limit      int
}

// EntryPage is one page of ListEntries.
type EntryPage struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Offset  int     `json:"offset"`
	Limit   int     `json:"limit"`
}

// SegmentInfo describes one segment.
type SegmentInfo struct {
	Number         int       `json:"number"`
	FirstIndex     int       `json:"first_index"`
	Count          int       `json:"count"`
	Sealed         bool      `json:"sealed"`
	FirstTimestamp time.Time `json:"first_timestamp"`
	LastTimestamp  time.Time `json:"last_timestamp"`
}

// ExportOptions bounds an export. All bounds are inclusive and optional.
type ExportOptions struct {
	From        *time.Time
	To          *time.Time
	FromSegment *int
	ToSegment   *int
}

// ExportManifest describes an export.
type ExportManifest struct {
	FromTS                 *time.Time `json:"from_ts"`
	ToTS                   *time.Time `json:"to_ts"`
	FromSegment            *int       `json:"from_segment"`
	ToSegment              *int       `json:"to_segment"`
	Count                  int        `json:"count"`
	FirstID                string     `json:"first_id,omitempty"`
	LastID                 string     `json:"last_id,omitempty"`
	ChainValidWithinExport bool       `json:"chain_valid_within_export"`
	GeneratedAt            time.Time  `json:"generated_at"`
}

// Export is an exported run of entries.
type Export struct {
	Entries  []Entry        `json:"entries"`
	Manifest ExportManifest `json:"manifest"`
}

// ReplayOptions filters a replay. Zero values match everything.
type ReplayOptions struct {
	EventKind  string
	EntityKind string
	EntityID   string
	From       *time.Time
	To         *time.Time
	MaxScan    int
}

// Inconsistency is a structural violation found while replaying.
type Inconsistency struct {
	Index  int    `json:"index"`
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// ReplaySummary is the deterministic aggregate produced by Replay.
type ReplaySummary struct {
	TotalEntries int            `json:"total_entries"`
	Scanned      int            `json:"scanned"`
	ByEventKind  map[string]int `json:"by_event_kind"`
	ByEntityKind map[string]int `json:"by_entity_kind"`
	ByActor      map[string]int `json:"by_actor"`
	Range        *struct {
		From time.Time `json:"from"`
		To   time.Time `json:"to"`
	} `json:"range"`
	Inconsistencies []Inconsistency `json:"inconsistencies"`
	Truncated       bool            `json:"truncated"`
}

// RecorderStatus reports the server's own event recorder.
type RecorderStatus struct {
	Attached       bool `json:"attached"`
	Degraded       bool `json:"degraded"`
	Appended       int  `json:"appended"`
	Failed         int  `json:"failed"`
	RecentFailures []struct {
		At        time.Time `json:"at"`
		EventKind string    `json:"event_kind"`
		Error     string    `json:"error"`
	} `json:"recent_failures"`
}

// MirrorStatus compares the Postgres mirror with the log.
type MirrorStatus struct {
	Mirrored int          `json:"mirrored"`
	LogCount int          `json:"log_count"`
	Verify   VerifyResult `json:"verify"`
	InSync   bool         `json:"in_sync"`
}

// BackupResult locates a backup written by the server.
type BackupResult struct {
	ArchivePath  string          `json:"archive_path"`
	ManifestPath string          `json:"manifest_path"`
	Manifest     json.RawMessage `json:"manifest"`
}

// Overview returns the entry count and tail hash.
func (c *Client) Overview(ctx context.Context) (*Overview, error) {
	var out Overview
	if err := c.do(ctx, http.MethodGet, "/api/v1/eventlog", nil, nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// Append posts a new entry. Requires the eventlog:append scope.
func (c *Client) Append(ctx context.Context, req AppendRequest) (*Entry, error) {
	var out Entry
	if err := c.do(ctx, http.MethodPost, "/api/v1/eventlog/entries", nil, req, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetEntry returns the entry with the given id.
func (c *Client) GetEntry(ctx context.Context, id string) (*Entry, error) {
	var out Entry
	if err := c.do(ctx, http.MethodGet, "/api/v1/eventlog/entries/"+url.PathEscape(id), nil, nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetLastEntry returns the tail entry. An empty log yields ErrNotFound.
func (c *Client) GetLastEntry(ctx context.Context) (*Entry, error) {
	var out Entry
	if err := c.do(ctx, http.MethodGet, "/api/v1/eventlog/last", nil, nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListEntries returns one page of entries matching f.
func (c *Client) ListEntries(ctx context.Context, f EntryFilter) (*EntryPage, error) {
	q := url.Values{}
	setString(q, "event_kind", f.EventKind)
	setString(q, "entity_kind", f.EntityKind)
	setString(q, "entity_id", f.EntityID)
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var out EntryPage
	if err := c.do(ctx, http.MethodGet, "/api/v1/eventlog/entries", q, nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify runs chain verification on the server.
func (c *Client) Verify(ctx context.Context, mode VerifyMode) (*VerifyResult, error) {
	q := url.Values{}
	setString(q, "mode", string(mode))
	var out VerifyResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/eventlog/verify", q, nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// Segments lists the log's segments.
func (c *Client) Segments(ctx context.Context) ([]SegmentInfo, error) {
	var out struct {
		Segments []SegmentInfo `json:"segments"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/eventlog/segments", nil, nil, &out, false); err != nil {
		return nil, err
	}
	return out.Segments, nil
}

// RecorderStatus returns the server recorder's state.
func (c *Client) RecorderStatus(ctx context.Context) (*RecorderStatus, error) {
	var out RecorderStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/eventlog/status", nil, nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// Export requests an audit export. Requires the eventlog:audit scope.
func (c *Client) Export(ctx context.Context, opts ExportOptions) (*Export, error) {
	q := url.Values{}
	setTime(q, "from_ts", opts.From)
	setTime(q, "to_ts", opts.To)
	setInt(q, "from_segment", opts.FromSegment)
	setInt(q, "to_segment", opts.ToSegment)
	var out Export
	if err := c.do(ctx, http.MethodGet, "/api/v1/eventlog/export", q, nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// Replay requests a replay summary. Requires the eventlog:audit scope.
func (c *Client) Replay(ctx context.Context, opts ReplayOptions) (*ReplaySummary, error) {
	q := url.Values{}
	setString(q, "event_kind", opts.EventKind)
	setString(q, "entity_kind", opts.EntityKind)
	setString(q, "entity_id", opts.EntityID)
	setTime(q, "from_ts", opts.From)
	setTime(q, "to_ts", opts.To)
	if opts.MaxScan > 0 {
		q.Set("max_scan", strconv.Itoa(opts.MaxScan))
	}
	var out ReplaySummary
	if err := c.do(ctx, http.MethodGet, "/api/v1/eventlog/replay", q, nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// MirrorStatus re-verifies the server's Postgres mirror. Requires the
// eventlog:audit scope.
func (c *Client) MirrorStatus(ctx context.Context) (*MirrorStatus, error) {
	var out MirrorStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/eventlog/mirror", nil, nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateBackup asks the server to write a backup. Requires the eventlog:admin scope.
func (c *Client) CreateBackup(ctx context.Context) (*BackupResult, error) {
	var out BackupResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/eventlog/backups", nil, nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func setString(q url.Values, key, v string) {
	if v != "" {
		q.Set(key, v)
	}
}

func setTime(q url.Values, key string, t *time.Time) {
	if t != nil {
		q.Set(key, t.UTC().Format(time.RFC3339Nano))
	}
}

func setInt(q url.Values, key string, n *int) {
	if n != nil {
		q.Set(key, strconv.Itoa(*n))
	}
}
