package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
)

// AlgorithmEd25519 names the only signature scheme in use.
const AlgorithmEd25519 = "ed25519"

// ErrInvalidSignature is returned when a signature does not verify.
var ErrInvalidSignature = errors.New("identity: invalid signature")

// Signer produces detached Ed25519 signatures.
type Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	keyID string
}

// NewSigner wraps priv.
func NewSigner(priv ed25519.PrivateKey) *Signer {
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{priv: priv, pub: pub, keyID: KeyID(pub)}
}

// Algorithm returns AlgorithmEd25519.
func (s *Signer) Algorithm() string { return AlgorithmEd25519 }

// KeyID returns the identifier of the signing key.
func (s *Signer) KeyID() string { return s.keyID }

// PublicKey returns the verification key.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.pub }

// Sign returns the hex-encoded signature over msg.
func (s *Signer) Sign(msg []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.priv, msg))
}

// VerifySignature checks a hex signature produced by Sign.
func VerifySignature(pub ed25519.PublicKey, msg []byte, sigHex string) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad public key length %d", ErrInvalidSignature, len(pub))
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("%w: decode: %v", ErrInvalidSignature, err)
	}
	if !ed25519.Verify(pub, msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}
