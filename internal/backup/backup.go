// Package backup creates cold copies of an event log directory and restores
// them.
//
// A backup is a deterministic tar.gz archive of the segment files and the
// snapshot, plus a separate manifest listing every file's SHA-256, a summary
// of the log and, optionally, an Ed25519 signature over the canonical
// manifest body. Restore checks the signature, the checksums and the hash
// chain in a staging directory and only then moves the log into place.
package backup

import (
	"errors"
	"fmt"
)

var (
	// ErrTargetExists is returned when the restore target already holds data
	// and Overwrite was not requested.
	ErrTargetExists = errors.New("backup: target directory is not empty")
	// ErrMissingFile marks a manifest-listed file absent from the archive.
	ErrMissingFile = errors.New("backup: missing")
	// ErrCorruptedFile marks a file whose checksum differs from the manifest,
	// or an archive member the manifest does not list.
	ErrCorruptedFile = errors.New("backup: corrupted")
	// ErrInvalidSignature is returned when the manifest signature does not verify.
	ErrInvalidSignature = errors.New("backup: invalid signature")
	// ErrUnsigned is returned when a public key is supplied but the manifest
	// carries no signature.
	ErrUnsigned = errors.New("backup: manifest is not signed")
	// ErrChainInvalid is returned when the restored log fails full verification.
	ErrChainInvalid = errors.New("backup: restored chain is invalid")
	// ErrUnsafePath is returned for archive members that would escape the target.
	ErrUnsafePath = errors.New("backup: unsafe path in archive")
)

// IntegrityError reports a per-file integrity failure. It unwraps to
// ErrMissingFile or ErrCorruptedFile.
type IntegrityError struct {
	Path   string
	Reason string
	kind   error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%v: %s: %s", e.kind, e.Path, e.Reason)
}

func (e *IntegrityError) Unwrap() error { return e.kind }
