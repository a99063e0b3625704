// Package capability implements the typed capability model for EATP:
// capability attestations, the closed constraint variant set, and the pure
// narrowing/intersection logic used when trust is delegated. Nothing in
// this package performs I/O; constraint evaluation that needs external
// state (rate buckets, CEL programs) is injected by the caller.
package capability

import (
	"time"
)

// Type classifies what a capability permits.
type Type string

const (
	TypeAccess     Type = "ACCESS"
	TypeAction     Type = "ACTION"
	TypeDelegation Type = "DELEGATION"
)

// Capability is a named permission an agent may exercise.
type Capability struct {
	Name  string            `json:"name"`
	Type  Type              `json:"type"`
	Scope map[string]string `json:"scope,omitempty"`
}

// Attestation is an immutable statement that an attester granted a
// capability. Superseded by a new attestation rather than mutated.
type Attestation struct {
	Capability  string            `json:"capability"`
	Type        Type              `json:"capability_type"`
	Constraints []string          `json:"constraints,omitempty"`
	Scope       map[string]string `json:"scope,omitempty"`
	AttesterID  string            `json:"attester_id"`
	AttestedAt  time.Time         `json:"attested_at"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
}

// Supersede returns a replacement attestation by the same attester,
// stamped at now. The original is left untouched.
func (a Attestation) Supersede(constraints []string, scope map[string]string, expiresAt *time.Time, now time.Time) Attestation {
	return Attestation{
		Capability:  a.Capability,
		Type:        a.Type,
		Constraints: constraints,
		Scope:       scope,
		AttesterID:  a.AttesterID,
		AttestedAt:  now.UTC(),
		ExpiresAt:   expiresAt,
	}
}

// EffectiveGrant is the capability/constraint set actually usable by an
// agent after folding its full delegation path.
type EffectiveGrant struct {
	AgentID      string       `json:"agent_id"`
	Capabilities []Capability `json:"capabilities"`
	Constraints  []Constraint `json:"constraints"`
	// ExpiresAt is the minimum bounded expiry along the path; nil means
	// every node on the path is unbounded.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// HasCapability reports whether the grant includes the named capability.
func (g EffectiveGrant) HasCapability(name string) bool {
	for _, c := range g.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

// CapabilityNames returns the names in grant order.
func (g EffectiveGrant) CapabilityNames() []string {
	names := make([]string, len(g.Capabilities))
	for i, c := range g.Capabilities {
		names[i] = c.Name
	}
	return names
}

// Expired reports whether the grant's clamped expiry has passed.
func (g EffectiveGrant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && now.After(*g.ExpiresAt)
}

// MinExpiry returns the earlier of two optional expiries; nil means unbounded.
func MinExpiry(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Before(*a):
		return b
	default:
		return a
	}
}
