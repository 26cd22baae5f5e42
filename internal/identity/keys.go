package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	privateKeyFile = "signing.key"
	publicKeyFile  = "signing.pub"
)

// ErrNoKey is returned by accessors called before Load or Create.
var ErrNoKey = errors.New("identity: no signing key loaded")

// KeyManager manages the Ed25519 signing key lifecycle.
// It creates and persists a key pair to disk on first run, then reloads it on
// subsequent starts. Only the public half ever leaves the key directory.
type KeyManager struct {
	dir  string
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewKeyManager returns a KeyManager that stores the key files in dir.
func NewKeyManager(dir string) *KeyManager {
	return &KeyManager{dir: dir}
}

// LoadOrCreate loads the key pair from disk if it exists; creates a new one otherwise.
func (m *KeyManager) LoadOrCreate() error {
	if err := m.Load(); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return m.Create()
}

// Load reads an existing key pair from the configured directory.
func (m *KeyManager) Load() error {
	keyPEM, err := os.ReadFile(filepath.Join(m.dir, privateKeyFile))
	if err != nil {
		return fmt.Errorf("read signing key: %w", err)
	}
	priv, err := ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return err
	}
	m.priv = priv
	m.pub = priv.Public().(ed25519.PublicKey)
	return nil
}

// Create generates a new key pair, saves it to disk, and activates it.
func (m *KeyManager) Create() error {
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return fmt.Errorf("create key dir %q: %w", m.dir, err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal signing key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(filepath.Join(m.dir, privateKeyFile), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write signing key: %w", err)
	}

	pubPEM, err := EncodePublicKeyPEM(pub)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(m.dir, publicKeyFile), pubPEM, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	m.priv = priv
	m.pub = pub
	return nil
}

// PrivateKey returns the loaded private key, or nil.
func (m *KeyManager) PrivateKey() ed25519.PrivateKey { return m.priv }

// PublicKey returns the loaded public key, or nil.
func (m *KeyManager) PublicKey() ed25519.PublicKey { return m.pub }

// PublicKeyPath returns where the PEM public key is written.
func (m *KeyManager) PublicKeyPath() string { return filepath.Join(m.dir, publicKeyFile) }

// Signer returns a Signer for the loaded key.
func (m *KeyManager) Signer() (*Signer, error) {
	if m.priv == nil {
		return nil, ErrNoKey
	}
	return NewSigner(m.priv), nil
}

// KeyID derives a short, stable identifier for pub: the first 16 hex
// characters of the SHA-256 of the raw key.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:16]
}

// ParsePrivateKeyPEM decodes a PKCS#8 PEM-encoded Ed25519 private key.
func ParsePrivateKeyPEM(data []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("decode signing key PEM: no block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key is %T, want ed25519", key)
	}
	return priv, nil
}

// EncodePublicKeyPEM encodes pub in PKIX PEM format.
func EncodePublicKeyPEM(pub ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePublicKeyPEM decodes a PKIX PEM-encoded Ed25519 public key.
func ParsePublicKeyPEM(data []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("decode public key PEM: no block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want ed25519", key)
	}
	return pub, nil
}

// LoadPublicKey reads a PEM public key file.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return ParsePublicKeyPEM(data)
}
