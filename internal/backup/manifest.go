package backup

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/jmerrifield20/decisionlog/internal/eventlog"
	"github.com/jmerrifield20/decisionlog/internal/identity"
)

// ManifestVersion is the current manifest format.
const ManifestVersion = 1

// FileChecksum is one archived file.
type FileChecksum struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Summary describes the archived log.
type Summary struct {
	TotalEvents   int `json:"total_events"`
	TotalSegments int `json:"total_segments"`
}

// ManifestBody is the signed part of a manifest.
type ManifestBody struct {
	Version            int            `json:"version"`
	CreatedAt          time.Time      `json:"created_at"`
	Archive            string         `json:"archive"`
	Files              []FileChecksum `json:"files"`
	EventlogSummary    Summary        `json:"eventlog_summary"`
	ChainValidAtBackup bool           `json:"chain_valid_at_backup"`
}

// SignatureBlock travels alongside the body. It never contains key material
// beyond the public key id.
type SignatureBlock struct {
	Algorithm   string    `json:"algorithm"`
	PublicKeyID string    `json:"public_key_id"`
	Signature   string    `json:"signature"`
	SignedAt    time.Time `json:"signed_at"`
}

// Manifest is the file written next to each archive.
type Manifest struct {
	ManifestBody
	Signature *SignatureBlock `json:"signature,omitempty"`

	// fileBody is the canonical form of every top-level member read from
	// disk except "signature". Nil for manifests built in memory.
	fileBody []byte
}

// signingBytes returns the bytes the signature covers: the body exactly as
// it was read from disk, or the canonical JSON of ManifestBody otherwise.
func (m *Manifest) signingBytes() ([]byte, error) {
	if m.fileBody != nil {
		return m.fileBody, nil
	}
	return eventlog.Canonicalize(m.ManifestBody)
}

// Sign attaches a signature over the canonical body.
func (m *Manifest) Sign(s *identity.Signer, now time.Time) error {
	m.fileBody = nil
	msg, err := m.signingBytes()
	if err != nil {
		return fmt.Errorf("canonicalize manifest: %w", err)
	}
	m.Signature = &SignatureBlock{
		Algorithm:   s.Algorithm(),
		PublicKeyID: s.KeyID(),
		Signature:   s.Sign(msg),
		SignedAt:    now.UTC(),
	}
	return nil
}

// VerifySignature checks the manifest signature against pub.
func (m *Manifest) VerifySignature(pub ed25519.PublicKey) error {
	if m.Signature == nil {
		return ErrUnsigned
	}
	if m.Signature.Algorithm != identity.AlgorithmEd25519 {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidSignature, m.Signature.Algorithm)
	}
	if want := identity.KeyID(pub); m.Signature.PublicKeyID != want {
		return fmt.Errorf("%w: signed by key %s, expected %s", ErrInvalidSignature, m.Signature.PublicKeyID, want)
	}
	msg, err := m.signingBytes()
	if err != nil {
		return fmt.Errorf("canonicalize manifest: %w", err)
	}
	if err := identity.VerifySignature(pub, msg, m.Signature.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// LoadManifest reads a manifest file. The signed body is kept as raw JSON so
// that key spelling, casing and unknown members all count towards the
// signature, not just what decodes into ManifestBody.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	body, err := rawBody(data)
	if err != nil {
		return nil, err
	}
	m.fileBody = body
	return &m, nil
}

// rawBody returns the RFC 8785 form of data's top-level object without its
// "signature" member.
func rawBody(data []byte) ([]byte, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	delete(members, "signature")
	raw, err := json.Marshal(members)
	if err != nil {
		return nil, fmt.Errorf("encode manifest body: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize manifest body: %w", err)
	}
	return out, nil
}

func writeManifest(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
