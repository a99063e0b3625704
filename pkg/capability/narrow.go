package capability

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EscalationError is returned when a delegation requests a capability the
// delegator does not hold. It is always fatal to the delegation; nothing
// is partially applied.
type EscalationError struct {
	DelegatorID string
	Escalated   []string
}

func (e *EscalationError) Error() string {
	return fmt.Sprintf("capability escalation by %s: not held: %s",
		e.DelegatorID, strings.Join(e.Escalated, ", "))
}

// ConflictError is returned when an added constraint is strictly less
// restrictive than an existing one of the same dimension.
type ConflictError struct {
	ConstraintID  string
	ConflictsWith string
	Dimension     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("constraint conflict: %s widens %s (dimension %s)",
		e.ConstraintID, e.ConflictsWith, e.Dimension)
}

// Narrow returns the subset of parent capabilities named by requested,
// preserving request order. Any requested name absent from parent makes
// the whole call fail with an EscalationError.
func Narrow(parent []Capability, requested []string) ([]Capability, error) {
	byName := make(map[string]Capability, len(parent))
	for _, c := range parent {
		byName[c.Name] = c
	}

	narrowed := make([]Capability, 0, len(requested))
	var escalated []string
	for _, name := range requested {
		c, ok := byName[name]
		if !ok {
			escalated = append(escalated, name)
			continue
		}
		narrowed = append(narrowed, c)
	}
	if len(escalated) > 0 {
		return nil, &EscalationError{Escalated: escalated}
	}
	return narrowed, nil
}

// MergeConstraints unions added into parent. Constraints only accumulate
// down a delegation chain: an added constraint that is strictly less
// restrictive than an existing one of the same dimension is rejected with
// a ConflictError. Exact duplicates are dropped.
func MergeConstraints(parent, added []Constraint) ([]Constraint, error) {
	merged := make([]Constraint, len(parent))
	copy(merged, parent)

	for _, a := range added {
		if err := a.Validate(); err != nil {
			return nil, err
		}
		duplicate := false
		for _, existing := range merged {
			if a.dimension() != existing.dimension() {
				continue
			}
			if a == existing {
				duplicate = true
				break
			}
			if a.widerThan(existing) {
				return nil, &ConflictError{
					ConstraintID:  a.ID,
					ConflictsWith: existing.ID,
					Dimension:     a.dimension(),
				}
			}
		}
		if !duplicate {
			merged = append(merged, a)
		}
	}
	return merged, nil
}

// Step is one delegation edge's contribution to the effective grant.
type Step struct {
	DelegatorID  string
	Capabilities []string
	Constraints  []Constraint
	ExpiresAt    *time.Time
}

// IntersectAlongPath folds Narrow and MergeConstraints left to right from
// the genesis grant to the terminal agent, taking the minimum bounded
// expiry seen along the way.
func IntersectAlongPath(genesis EffectiveGrant, path []Step) (EffectiveGrant, error) {
	grant := EffectiveGrant{
		AgentID:      genesis.AgentID,
		Capabilities: genesis.Capabilities,
		Constraints:  genesis.Constraints,
		ExpiresAt:    genesis.ExpiresAt,
	}

	for _, step := range path {
		caps, err := Narrow(grant.Capabilities, step.Capabilities)
		if err != nil {
			var esc *EscalationError
			if errors.As(err, &esc) {
				esc.DelegatorID = step.DelegatorID
			}
			return EffectiveGrant{}, err
		}
		constraints, err := MergeConstraints(grant.Constraints, step.Constraints)
		if err != nil {
			return EffectiveGrant{}, err
		}
		grant.Capabilities = caps
		grant.Constraints = constraints
		grant.ExpiresAt = MinExpiry(grant.ExpiresAt, step.ExpiresAt)
	}
	return grant, nil
}
