package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/decisionlog/internal/eventlog"
	"github.com/jmerrifield20/decisionlog/internal/identity"
)

// Options configures Create.
type Options struct {
	// SourceDir is the event log directory. It is only read.
	SourceDir string
	// OutDir receives the archive and the manifest.
	OutDir string
	// Signer signs the manifest; nil produces an unsigned backup.
	Signer *identity.Signer
	Logger *zap.Logger
	// Now overrides the clock; defaults to time.Now.
	Now func() time.Time
}

// Result locates a finished backup.
type Result struct {
	ArchivePath  string    `json:"archive_path"`
	ManifestPath string    `json:"manifest_path"`
	Manifest     *Manifest `json:"manifest"`
}

// ManifestPathFor returns the manifest path paired with an archive path.
func ManifestPathFor(archivePath string) string {
	return strings.TrimSuffix(archivePath, ".tar.gz") + ".manifest.json"
}

// Create archives the segment files and snapshot of opts.SourceDir.
// Each file is read once; its bytes are hashed, archived and chain-checked
// from the same buffer, so the manifest describes exactly what was archived
// even if the log is appended to meanwhile.
func Create(ctx context.Context, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	createdAt := now().UTC()

	files, err := collectFiles(opts.SourceDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.OutDir, 0o750); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	name := "eventlog-" + createdAt.Format("20060102T150405.000000000Z")
	archivePath := filepath.Join(opts.OutDir, name+".tar.gz")

	tmp, err := os.CreateTemp(opts.OutDir, "."+name+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	gw := gzip.NewWriter(tmp)
	tw := tar.NewWriter(gw)

	body := ManifestBody{
		Version:   ManifestVersion,
		CreatedAt: createdAt,
		Archive:   filepath.Base(archivePath),
		Files:     make([]FileChecksum, 0, len(files)),
	}
	verifier := eventlog.NewChainVerifier()
	index := 0

	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(opts.SourceDir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", rel, err)
		}
		if err := writeEntry(tw, rel, data); err != nil {
			return nil, err
		}
		sum := sha256.Sum256(data)
		body.Files = append(body.Files, FileChecksum{Path: rel, SHA256: hex.EncodeToString(sum[:]), Size: int64(len(data))})

		if rel == eventlog.SnapshotFile {
			continue
		}
		var entries []eventlog.Entry
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("decode %s: %w", rel, err)
		}
		for i := range entries {
			verifier.Check(index, &entries[i])
			index++
		}
		body.EventlogSummary.TotalSegments++
	}
	body.EventlogSummary.TotalEvents = index
	body.ChainValidAtBackup = verifier.Result().Valid

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("sync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmpName, archivePath); err != nil {
		return nil, fmt.Errorf("install archive: %w", err)
	}
	committed = true

	m := &Manifest{ManifestBody: body}
	if opts.Signer != nil {
		if err := m.Sign(opts.Signer, now()); err != nil {
			return nil, err
		}
	}
	manifestPath := ManifestPathFor(archivePath)
	if err := writeManifest(manifestPath, m); err != nil {
		_ = os.Remove(archivePath)
		return nil, err
	}

	logger.Info("backup created",
		zap.String("archive", archivePath),
		zap.Int("events", body.EventlogSummary.TotalEvents),
		zap.Int("segments", body.EventlogSummary.TotalSegments),
		zap.Bool("chain_valid", body.ChainValidAtBackup),
		zap.Bool("signed", m.Signature != nil),
	)
	return &Result{ArchivePath: archivePath, ManifestPath: manifestPath, Manifest: m}, nil
}

// collectFiles lists the archive members of a log directory as slash
// separated relative paths, segments in order followed by the snapshot.
func collectFiles(dir string) ([]string, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("source dir: %w", err)
	}
	matches, err := filepath.Glob(filepath.Join(dir, eventlog.SegmentsDir, "segment-*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	files := make([]string, 0, len(matches)+1)
	for _, m := range matches {
		files = append(files, path.Join(eventlog.SegmentsDir, filepath.Base(m)))
	}
	if _, err := os.Stat(filepath.Join(dir, eventlog.SnapshotFile)); err == nil {
		files = append(files, eventlog.SnapshotFile)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat snapshot: %w", err)
	}
	return files, nil
}

// writeEntry writes one deterministic tar member.
func writeEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name:     name,
		Size:     int64(len(data)),
		Mode:     0o644,
		ModTime:  time.Unix(0, 0),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write data %s: %w", name, err)
	}
	return nil
}
