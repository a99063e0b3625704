// Package token mints and validates grant tokens: short-lived JWTs that
// carry an agent's effective grant so downstream services can authorize
// requests without resolving the delegation graph themselves.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/eatp-io/eatp/pkg/capability"
	"github.com/eatp-io/eatp/pkg/keyring"
)

const issuer = "eatp/engine"

// GrantClaims extends the registered JWT claims with the effective
// grant. Constraints ride along verbatim so enforcing services can
// evaluate them locally.
type GrantClaims struct {
	jwt.RegisteredClaims
	Capabilities   []string                `json:"capabilities"`
	Constraints    []capability.Constraint `json:"constraints,omitempty"`
	TrustChainHash string                  `json:"trust_chain_hash,omitempty"`
}

// Manager mints and validates grant tokens with the engine keyring.
type Manager struct {
	kr    *keyring.Keyring
	clock func() time.Time
}

// NewManager wires a token manager over the keyring.
func NewManager(kr *keyring.Keyring) *Manager {
	return &Manager{kr: kr, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Mint signs a grant token for the agent. The token never outlives the
// grant: its expiry is the earlier of ttl and the grant's own expiry.
func (m *Manager) Mint(agentID string, grant capability.EffectiveGrant, trustChainHash string, ttl time.Duration) (string, error) {
	priv, ok := m.kr.PrivateKey()
	if !ok {
		return "", errors.New("token: keyring cannot expose a signing key")
	}

	now := m.clock().UTC()
	expires := now.Add(ttl)
	if grant.ExpiresAt != nil && grant.ExpiresAt.Before(expires) {
		expires = *grant.ExpiresAt
	}
	if !expires.After(now) {
		return "", errors.New("token: grant already expired")
	}

	claims := GrantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Capabilities:   grant.CapabilityNames(),
		Constraints:    grant.Constraints,
		TrustChainHash: trustChainHash,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = m.kr.KeyID()
	signed, err := tok.SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Validate parses a grant token and checks its signature, issuer, and
// expiry.
func (m *Manager) Validate(tokenString string) (*GrantClaims, error) {
	pub := m.kr.RawPublicKey()
	tok, err := jwt.ParseWithClaims(tokenString, &GrantClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("token: unexpected signing method %v", t.Header["alg"])
			}
			return pub, nil
		},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(m.clock),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(*GrantClaims)
	if !ok || !tok.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}
