// Package delegation validates and creates delegation edges, enforcing
// capability, constraint, and expiry narrowing against the delegator's
// effective grant.
package delegation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/eatp-io/eatp/pkg/capability"
	"github.com/eatp-io/eatp/pkg/trustchain"
)

// ValidationError reports malformed delegation input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Request describes one delegation of trust from delegator to delegatee.
type Request struct {
	DelegatorID  string
	DelegateeID  string
	TaskID       string
	Capabilities []string
	Constraints  []capability.Constraint
	ExpiresAt    *time.Time
}

// Engine creates delegation edges.
type Engine struct {
	chains *trustchain.ChainStore
	clock  func() time.Time
	logger *slog.Logger
}

// NewEngine wires a delegation engine over the chain store.
func NewEngine(chains *trustchain.ChainStore) *Engine {
	return &Engine{
		chains: chains,
		clock:  time.Now,
		logger: slog.Default().With("component", "delegation"),
	}
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Delegate validates the request against the delegator's current
// effective grant and persists the edge. The write carries the
// delegator's lineage version; racing writers get a
// ConcurrentModificationError and are expected to retry.
//
// Failures are atomic: no edge is written unless every narrowing check
// passed.
func (e *Engine) Delegate(ctx context.Context, req Request) (*trustchain.DelegationRecord, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	// (1) The delegator must currently hold valid trust.
	grant, err := e.chains.EffectiveGrant(ctx, req.DelegatorID)
	if err != nil {
		return nil, err
	}

	// (2) Capability narrowing. Escalations propagate verbatim.
	if _, err := capability.Narrow(grant.Capabilities, req.Capabilities); err != nil {
		if esc, ok := err.(*capability.EscalationError); ok {
			esc.DelegatorID = req.DelegatorID
		}
		return nil, err
	}

	// (3) Constraint narrowing: the subset may only add restrictions.
	if _, err := capability.MergeConstraints(grant.Constraints, req.Constraints); err != nil {
		return nil, err
	}

	// (4) Clamp expiry to the delegator's effective expiry.
	expiresAt := capability.MinExpiry(grant.ExpiresAt, req.ExpiresAt)

	// (5) Persist, linked to the delegator's terminal edge.
	terminal, version, err := e.chains.TerminalEdge(ctx, req.DelegatorID)
	if err != nil {
		return nil, err
	}
	parentID := ""
	if terminal != nil {
		parentID = terminal.ID
	}

	rec := &trustchain.DelegationRecord{
		ID:                    uuid.New().String(),
		DelegatorID:           req.DelegatorID,
		DelegateeID:           req.DelegateeID,
		TaskID:                req.TaskID,
		CapabilitiesDelegated: req.Capabilities,
		ConstraintSubset:      req.Constraints,
		DelegatedAt:           e.clock().UTC(),
		ExpiresAt:             expiresAt,
		ParentDelegationID:    parentID,
		Status:                trustchain.StatusValid,
	}
	if err := e.chains.AppendEdge(ctx, rec, version); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "delegation created",
		"delegation_id", rec.ID,
		"delegator_id", req.DelegatorID,
		"delegatee_id", req.DelegateeID,
		"task_id", req.TaskID,
		"capabilities", len(req.Capabilities))
	return rec, nil
}

func validate(req Request) error {
	if req.DelegatorID == "" {
		return &ValidationError{Field: "delegator_id", Message: "must not be empty"}
	}
	if req.DelegateeID == "" {
		return &ValidationError{Field: "delegatee_id", Message: "must not be empty"}
	}
	if req.DelegatorID == req.DelegateeID {
		// Self-delegation would allow trivial cycles; the graph stays
		// acyclic by rejecting it outright.
		return &ValidationError{Field: "delegatee_id", Message: "self-delegation is not allowed"}
	}
	if req.TaskID == "" {
		return &ValidationError{Field: "task_id", Message: "must not be empty"}
	}
	if len(req.Capabilities) == 0 {
		return &ValidationError{Field: "capabilities", Message: "must delegate at least one capability"}
	}
	return nil
}
