package eventlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonicalize serialises payload as RFC 8785 canonical JSON: object keys are
// sorted, whitespace is removed and numbers use their shortest form. Two
// structurally equal payloads produce identical bytes regardless of field
// insertion order.
func Canonicalize(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return out, nil
}

// PayloadHash returns the lowercase hex SHA-256 of the canonical payload.
func PayloadHash(payload any) (string, error) {
	b, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	return sha256Sum(b), nil
}

// sha256Sum returns the hex-encoded SHA-256 digest of data.
func sha256Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
