package eventlog

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Actor identifies the party that originated an entry.
type Actor string

const (
	// ActorHuman is an operator or reviewer acting through the control plane.
	ActorHuman Actor = "human"
	// ActorSystem is the orchestrator acting on its own.
	ActorSystem Actor = "system"
)

// Valid reports whether a is one of the two recognised actors.
func (a Actor) Valid() bool {
	return a == ActorHuman || a == ActorSystem
}

// ParseActor converts s into an Actor.
func ParseActor(s string) (Actor, error) {
	a := Actor(strings.TrimSpace(s))
	if !a.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidActor, s)
	}
	return a, nil
}

// PrevHash is the backward link of an entry. The zero value means "none" and
// is only legal on the genesis entry. It is a distinct state from any digest,
// including the empty string, and encodes as JSON null.
type PrevHash struct {
	hash  string
	valid bool
}

// NoPrevHash returns the genesis link.
func NoPrevHash() PrevHash { return PrevHash{} }

// PrevHashOf links to the entry whose current hash is h.
func PrevHashOf(h string) PrevHash { return PrevHash{hash: h, valid: true} }

// IsNone reports whether p is the genesis link.
func (p PrevHash) IsNone() bool { return !p.valid }

// Hash returns the linked digest and whether one is present.
func (p PrevHash) Hash() (string, bool) { return p.hash, p.valid }

// Equal reports whether p and o are the same link.
func (p PrevHash) Equal(o PrevHash) bool {
	return p.valid == o.valid && p.hash == o.hash
}

// String returns the digest, or "none" for the genesis link.
func (p PrevHash) String() string {
	if !p.valid {
		return "none"
	}
	return p.hash
}

// MarshalJSON implements json.Marshaler.
func (p PrevHash) MarshalJSON() ([]byte, error) {
	if !p.valid {
		return []byte("null"), nil
	}
	return json.Marshal(p.hash)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *PrevHash) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*p = NoPrevHash()
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("previous_hash: %w", err)
	}
	*p = PrevHashOf(s)
	return nil
}

// Entry is a single immutable record in the event log. Field order matches
// the on-disk segment format.
type Entry struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Actor        Actor     `json:"actor"`
	EventKind    string    `json:"event_kind"`
	EntityKind   string    `json:"entity_kind"`
	EntityID     string    `json:"entity_id"`
	PayloadHash  string    `json:"payload_hash"`
	PreviousHash PrevHash  `json:"previous_hash"`
	CurrentHash  string    `json:"current_hash"`
}

// hashFieldSep separates fields in the entry hash input. Control characters
// are rejected in free-form fields, so the join is unambiguous.
const hashFieldSep = "\x1f"

// EntryHash computes the chained digest of an entry's fields. The field order
// is part of the on-disk format; changing it invalidates every existing log.
func EntryHash(prev PrevHash, ts time.Time, actor Actor, eventKind, entityKind, entityID, payloadHash string) string {
	prevStr, _ := prev.Hash()
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{
		prevStr,
		ts.UTC().Format(time.RFC3339Nano),
		string(actor),
		eventKind,
		entityKind,
		entityID,
		payloadHash,
	}, hashFieldSep)))
	return hex.EncodeToString(h.Sum(nil))
}

// ComputeHash recomputes the entry's current hash from its stored fields.
func (e *Entry) ComputeHash() string {
	return EntryHash(e.PreviousHash, e.Timestamp, e.Actor, e.EventKind, e.EntityKind, e.EntityID, e.PayloadHash)
}

// validateFields checks the caller-supplied classification of a new entry.
func validateFields(actor Actor, eventKind, entityKind, entityID string) error {
	if !actor.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidActor, actor)
	}
	if eventKind == "" {
		return fmt.Errorf("%w: event_kind is required", ErrInvalidField)
	}
	if entityKind == "" {
		return fmt.Errorf("%w: entity_kind is required", ErrInvalidField)
	}
	for name, v := range map[string]string{
		"event_kind":  eventKind,
		"entity_kind": entityKind,
		"entity_id":   entityID,
	} {
		if strings.IndexFunc(v, unicode.IsControl) >= 0 {
			return fmt.Errorf("%w: %s contains control characters", ErrInvalidField, name)
		}
	}
	return nil
}
