package identity

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Operator scopes.
const (
	ScopeAppend = "eventlog:append"
	ScopeAudit  = "eventlog:audit"
	ScopeAdmin  = "eventlog:admin"
)

// AllScopes is every scope an operator token can carry.
var AllScopes = []string{ScopeAppend, ScopeAudit, ScopeAdmin}

// OperatorClaims are the JWT claims for an operator token.
// Operator tokens are short-lived credentials bound to a named operator and a
// set of scopes, issued in exchange for the admin secret.
type OperatorClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

// TokenIssuer issues and verifies operator tokens signed with EdDSA.
// It reuses the backup signing key so one public key verifies both.
type TokenIssuer struct {
	key    ed25519.PrivateKey
	pub    ed25519.PublicKey
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer.
//
//	issuer - The "iss" claim value; typically the server's base URL.
//	ttl    - Token lifetime (default: 1 hour).
func NewTokenIssuer(key ed25519.PrivateKey, issuer string, ttl time.Duration) *TokenIssuer {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{
		key:    key,
		pub:    key.Public().(ed25519.PublicKey),
		issuer: issuer,
		ttl:    ttl,
	}
}

// Issue creates a signed operator token for subject with the requested scopes.
func (t *TokenIssuer) Issue(subject string, scopes []string) (string, error) {
	now := time.Now().UTC()
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		Scopes: scopes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an operator token, returning its claims on success.
func (t *TokenIssuer) Verify(tokenStr string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&OperatorClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.pub, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// TTL returns the configured token lifetime.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }

// HasScope checks whether the claims contain the requested scope.
func HasScope(claims *OperatorClaims, scope string) bool {
	if claims == nil {
		return false
	}
	for _, s := range claims.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
