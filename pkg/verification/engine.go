// Package verification decides whether an agent is authorized to perform
// a requested action, by resolving its delegation path and evaluating the
// effective grant. Verification is read-only and safe under arbitrary
// concurrency.
package verification

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/eatp-io/eatp/pkg/capability"
	"github.com/eatp-io/eatp/pkg/trustchain"
)

// Level selects how deep a verification goes.
type Level string

const (
	// LevelShallow checks path status and capability membership only.
	LevelShallow Level = "shallow"
	// LevelStandard additionally evaluates every constraint against the
	// request context.
	LevelStandard Level = "standard"
)

// Failure reasons for path-level problems. Constraint failures use the
// failing constraint's own identifier instead.
const (
	ReasonRevokedUpstream    = "RevokedUpstreamError"
	ReasonExpiredUpstream    = "ExpiredUpstreamError"
	ReasonTrustChainNotFound = "TrustChainNotFound"
	ReasonCapabilityMissing  = "CapabilityNotGranted"
)

// Result is the outcome of one verification.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	Level  Level  `json:"level"`
}

// Engine verifies requested actions against the trust chain store.
type Engine struct {
	chains *trustchain.ChainStore
	rate   capability.RateAllower
	expr   capability.ExprEvaluator
	clock  func() time.Time
	logger *slog.Logger
}

// NewEngine wires a verification engine. rate and expr may be nil when
// the deployment carries no rate-limit or custom constraints.
func NewEngine(chains *trustchain.ChainStore, rate capability.RateAllower, expr capability.ExprEvaluator) *Engine {
	return &Engine{
		chains: chains,
		rate:   rate,
		expr:   expr,
		clock:  time.Now,
		logger: slog.Default().With("component", "verification"),
	}
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Verify resolves the agent's path, computes the effective grant, and
// checks the requested capability. At LevelStandard all constraints are
// evaluated in declaration order, short-circuiting on the first failure
// with that constraint's identifier as the reason.
//
// An invalid Result distinguishes "lost it" (revoked/expired upstream)
// from "never had it" (capability not granted).
func (e *Engine) Verify(ctx context.Context, agentID, requestedCapability string, reqCtx capability.RequestContext, level Level) (Result, error) {
	if level == "" {
		level = LevelStandard
	}
	if reqCtx.Time.IsZero() {
		reqCtx.Time = e.clock().UTC()
	}

	grant, err := e.chains.EffectiveGrant(ctx, agentID)
	if err != nil {
		if reason, ok := pathFailureReason(err); ok {
			return Result{Valid: false, Reason: reason, Level: level}, nil
		}
		return Result{}, err
	}

	if !grant.HasCapability(requestedCapability) {
		return Result{Valid: false, Reason: ReasonCapabilityMissing, Level: level}, nil
	}

	if level == LevelShallow {
		return Result{Valid: true, Level: level}, nil
	}

	env := capability.EvalEnv{AgentID: agentID, Rate: e.rate, Expr: e.expr}
	for _, constraint := range grant.Constraints {
		ok, err := constraint.Evaluate(ctx, reqCtx, env)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			e.logger.DebugContext(ctx, "constraint denied action",
				"agent_id", agentID, "capability", requestedCapability, "constraint", constraint.ID)
			return Result{Valid: false, Reason: constraint.ID, Level: level}, nil
		}
	}

	return Result{Valid: true, Level: level}, nil
}

// pathFailureReason maps chain resolution failures onto stable result
// reasons the calling layer can branch on.
func pathFailureReason(err error) (string, bool) {
	var revoked *trustchain.RevokedUpstreamError
	if errors.As(err, &revoked) {
		return ReasonRevokedUpstream, true
	}
	var expired *trustchain.ExpiredUpstreamError
	if errors.As(err, &expired) {
		return ReasonExpiredUpstream, true
	}
	if errors.Is(err, trustchain.ErrNotFound) {
		return ReasonTrustChainNotFound, true
	}
	var esc *capability.EscalationError
	if errors.As(err, &esc) {
		// A historically escalated edge renders the whole path invalid.
		return ReasonCapabilityMissing, true
	}
	return "", false
}
