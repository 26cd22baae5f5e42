package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/decisionlog/internal/eventlog"
)

// RestoreOptions configures Restore.
type RestoreOptions struct {
	ArchivePath string
	// ManifestPath defaults to ManifestPathFor(ArchivePath).
	ManifestPath string
	TargetDir    string
	// Overwrite replaces an existing, non-empty TargetDir.
	Overwrite bool
	// PublicKey, when set, requires a valid signature by that key.
	PublicKey ed25519.PublicKey
	Logger    *zap.Logger
}

// RestoreResult describes a completed restore.
type RestoreResult struct {
	TargetDir         string                 `json:"target_dir"`
	Manifest          *Manifest              `json:"manifest"`
	SignatureVerified bool                   `json:"signature_verified"`
	TotalEvents       int                    `json:"total_events"`
	Verify            *eventlog.VerifyResult `json:"verify"`
}

// Restore extracts a backup into TargetDir. The signature (when a key is
// given) is checked before anything is extracted. Files are extracted into a
// staging directory next to the target, checksummed against the manifest and
// chain-verified; only a fully valid log is renamed into place. On any error
// the target is left as it was.
func Restore(ctx context.Context, opts RestoreOptions) (*RestoreResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	manifestPath := opts.ManifestPath
	if manifestPath == "" {
		manifestPath = ManifestPathFor(opts.ArchivePath)
	}
	target := filepath.Clean(opts.TargetDir)

	occupied, err := nonEmptyDir(target)
	if err != nil {
		return nil, err
	}
	if occupied && !opts.Overwrite {
		return nil, fmt.Errorf("%w: %s", ErrTargetExists, target)
	}

	m, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	res := &RestoreResult{TargetDir: target, Manifest: m}
	if opts.PublicKey != nil {
		if err := m.VerifySignature(opts.PublicKey); err != nil {
			logger.Warn("restore rejected: manifest signature", zap.String("manifest", manifestPath), zap.Error(err))
			return nil, err
		}
		res.SignatureVerified = true
	}

	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o750); err != nil {
		return nil, fmt.Errorf("create target parent: %w", err)
	}
	staging, err := os.MkdirTemp(parent, ".restore-*")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	installed := false
	defer func() {
		if !installed {
			_ = os.RemoveAll(staging)
		}
	}()

	sums, err := extract(ctx, opts.ArchivePath, staging)
	if err != nil {
		return nil, err
	}
	if err := checkFiles(m, sums); err != nil {
		logger.Warn("restore rejected: integrity", zap.Error(err))
		return nil, err
	}

	vr, total, err := eventlog.VerifyDir(ctx, staging)
	if err != nil {
		return nil, err
	}
	if !vr.Valid {
		return nil, fmt.Errorf("%w: %s at index %d", ErrChainInvalid, vr.Reason, *vr.FirstInvalidIndex)
	}
	if total != m.EventlogSummary.TotalEvents {
		return nil, fmt.Errorf("%w: %d events restored, manifest lists %d", ErrChainInvalid, total, m.EventlogSummary.TotalEvents)
	}
	res.Verify = vr
	res.TotalEvents = total

	if err := install(staging, target, occupied); err != nil {
		return nil, err
	}
	installed = true

	logger.Info("backup restored",
		zap.String("archive", opts.ArchivePath),
		zap.String("target", target),
		zap.Int("events", total),
		zap.Bool("signature_verified", res.SignatureVerified),
	)
	return res, nil
}

func nonEmptyDir(dir string) (bool, error) {
	des, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspect target: %w", err)
	}
	return len(des) > 0, nil
}

// extract unpacks regular files from the archive into dir and returns the
// SHA-256 of every member by archive path.
func extract(ctx context.Context, archivePath, dir string) (map[string]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	sums := make(map[string]string)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tar read: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name, err := safeName(hdr.Name)
		if err != nil {
			return nil, err
		}
		dst := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
			return nil, fmt.Errorf("create %s: %w", name, err)
		}
		out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", name, err)
		}
		h := sha256.New()
		_, err = io.Copy(io.MultiWriter(out, h), tr)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", name, err)
		}
		sums[name] = hex.EncodeToString(h.Sum(nil))
	}
	return sums, nil
}

// safeName rejects archive member names that are absolute or climb out of
// the extraction directory.
func safeName(name string) (string, error) {
	clean := path.Clean(name)
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") || strings.Contains(clean, `\`) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return clean, nil
}

// checkFiles compares extracted checksums with the manifest and reports
// every discrepancy.
func checkFiles(m *Manifest, sums map[string]string) error {
	var errs []error
	listed := make(map[string]bool, len(m.Files))
	for _, f := range m.Files {
		listed[f.Path] = true
		got, ok := sums[f.Path]
		switch {
		case !ok:
			errs = append(errs, &IntegrityError{Path: f.Path, Reason: "not in archive", kind: ErrMissingFile})
		case got != f.SHA256:
			errs = append(errs, &IntegrityError{Path: f.Path, Reason: "checksum " + got + " does not match manifest", kind: ErrCorruptedFile})
		}
	}
	var unlisted []string
	for name := range sums {
		if !listed[name] {
			unlisted = append(unlisted, name)
		}
	}
	sort.Strings(unlisted)
	for _, name := range unlisted {
		errs = append(errs, &IntegrityError{Path: name, Reason: "not listed in manifest", kind: ErrCorruptedFile})
	}
	return errors.Join(errs...)
}

// install moves staging to target. An existing target is moved aside first
// and put back if the final rename fails.
func install(staging, target string, replace bool) error {
	if !replace {
		// target is absent or an empty directory.
		_ = os.Remove(target)
		if err := os.Rename(staging, target); err != nil {
			return fmt.Errorf("install restored log: %w", err)
		}
		return nil
	}
	aside := fmt.Sprintf("%s.replaced-%d", target, time.Now().UnixNano())
	if err := os.Rename(target, aside); err != nil {
		return fmt.Errorf("move existing log aside: %w", err)
	}
	if err := os.Rename(staging, target); err != nil {
		_ = os.Rename(aside, target)
		return fmt.Errorf("install restored log: %w", err)
	}
	return os.RemoveAll(aside)
}
