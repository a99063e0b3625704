// Package eatp composes the protocol engines behind one facade exposing
// the five verbs: establish, verify, delegate, audit, revoke.
package eatp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/eatp-io/eatp/pkg/authority"
	"github.com/eatp-io/eatp/pkg/capability"
	"github.com/eatp-io/eatp/pkg/delegation"
	"github.com/eatp-io/eatp/pkg/keyring"
	"github.com/eatp-io/eatp/pkg/ledger"
	"github.com/eatp-io/eatp/pkg/observability"
	"github.com/eatp-io/eatp/pkg/revocation"
	"github.com/eatp-io/eatp/pkg/token"
	"github.com/eatp-io/eatp/pkg/trustchain"
	"github.com/eatp-io/eatp/pkg/verification"
)

// Audit action names recorded for the protocol verbs.
const (
	ActionEstablish     = "establish"
	ActionVerify        = "verify"
	ActionDelegate      = "delegate"
	ActionRevoke        = "revoke"
	ActionRevokeByHuman = "revoke_by_human"
)

// maxDelegateAttempts bounds retries when concurrent delegations race on
// one delegator's lineage.
const maxDelegateAttempts = 4

// Config selects the engine's collaborators. Registry and Keyring are
// required; nil stores default to in-memory implementations.
type Config struct {
	Registry *authority.Registry
	Keyring  *keyring.Keyring

	ChainStore  trustchain.Store
	AnchorStore ledger.AnchorStore
	HeadStore   ledger.HeadStore

	Rate capability.RateAllower
	Expr capability.ExprEvaluator

	// Observability traces and meters every verb. Nil defaults to a
	// disabled provider.
	Observability *observability.Provider
}

// Engine is the protocol facade. Every verb is recorded on the audit
// ledger, including the engine's own mutations.
type Engine struct {
	registry *authority.Registry
	chains   *trustchain.ChainStore
	delegate *delegation.Engine
	verify   *verification.Engine
	revoke   *revocation.Engine
	ledger   *ledger.Ledger
	tokens   *token.Manager
	obs      *observability.Provider
	logger   *slog.Logger
}

// New wires the engine from the config.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, errors.New("eatp: authority registry is required")
	}
	if cfg.Keyring == nil {
		return nil, errors.New("eatp: keyring is required")
	}
	if cfg.ChainStore == nil {
		cfg.ChainStore = trustchain.NewMemoryStore()
	}
	if cfg.AnchorStore == nil {
		cfg.AnchorStore = ledger.NewMemoryAnchorStore()
	}
	if cfg.HeadStore == nil {
		cfg.HeadStore = ledger.NewMemoryHeadStore()
	}
	if cfg.Observability == nil {
		var err error
		cfg.Observability, err = observability.New(context.Background(), &observability.Config{Enabled: false})
		if err != nil {
			return nil, err
		}
	}

	e := &Engine{
		registry: cfg.Registry,
		obs:      cfg.Observability,
		logger:   slog.Default().With("component", "eatp"),
	}
	e.chains = trustchain.NewChainStore(cfg.ChainStore, cfg.Registry)
	e.delegate = delegation.NewEngine(e.chains)
	e.verify = verification.NewEngine(e.chains, cfg.Rate, cfg.Expr)
	e.revoke = revocation.NewEngine(e.chains, cfg.Registry)
	e.ledger = ledger.New(cfg.AnchorStore, cfg.HeadStore, cfg.Keyring, e)
	e.tokens = token.NewManager(cfg.Keyring)
	return e, nil
}

// Registry exposes authority administration.
func (e *Engine) Registry() *authority.Registry { return e.registry }

// Ledger exposes audit queries and export.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Establish creates a genesis trust chain for an agent under an issuing
// authority.
func (e *Engine) Establish(ctx context.Context, agentID, authorityID string, caps []capability.Capability, constraints []capability.Constraint, expiresAt *time.Time) (*trustchain.TrustChain, error) {
	ctx, finish := e.obs.TrackOperation(ctx, "eatp.establish",
		observability.EstablishOperation(agentID, authorityID)...)
	tc, err := e.chains.Establish(ctx, agentID, authorityID, caps, constraints, expiresAt)
	finish(err)
	if err != nil {
		e.record(ctx, agentID, ActionEstablish, authorityID, ledger.ResultFailure)
		return nil, err
	}
	e.record(ctx, agentID, ActionEstablish, authorityID, ledger.ResultSuccess)
	return tc, nil
}

// Verify checks whether the agent may perform the requested capability
// right now. The outcome is always recorded, denials included.
func (e *Engine) Verify(ctx context.Context, agentID, requestedCapability string, reqCtx capability.RequestContext, level verification.Level) (verification.Result, error) {
	ctx, finish := e.obs.TrackOperation(ctx, "eatp.verify",
		observability.VerifyOperation(agentID, requestedCapability, string(level))...)
	res, err := e.verify.Verify(ctx, agentID, requestedCapability, reqCtx, level)
	observability.AddSpanAttributes(ctx, observability.VerifyOutcome(res.Valid, res.Reason)...)
	finish(err)
	if err != nil {
		e.record(ctx, agentID, ActionVerify, requestedCapability, ledger.ResultFailure)
		return verification.Result{}, err
	}
	outcome := ledger.ResultSuccess
	if !res.Valid {
		outcome = ledger.ResultDenied
	}
	e.record(ctx, agentID, ActionVerify, requestedCapability, outcome)
	return res, nil
}

// Delegate creates a narrowed delegation edge. Lost optimistic-
// concurrency races are retried with backoff before surfacing
// ConcurrentModificationError to the caller.
func (e *Engine) Delegate(ctx context.Context, req delegation.Request) (*trustchain.DelegationRecord, error) {
	ctx, finish := e.obs.TrackOperation(ctx, "eatp.delegate",
		observability.DelegateOperation(req.DelegatorID, req.DelegateeID, req.TaskID)...)
	var rec *trustchain.DelegationRecord
	var err error
	defer func() { finish(err) }()
	for attempt := 0; attempt < maxDelegateAttempts; attempt++ {
		rec, err = e.delegate.Delegate(ctx, req)
		var conflict *trustchain.ConcurrentModificationError
		if err == nil || !errors.As(err, &conflict) {
			break
		}
		e.logger.DebugContext(ctx, "delegation raced, retrying",
			"delegator_id", req.DelegatorID, "attempt", attempt+1)
		if err = sleep(ctx, time.Duration(attempt+1)*5*time.Millisecond); err != nil {
			return nil, err
		}
	}
	if err != nil {
		e.record(ctx, req.DelegatorID, ActionDelegate, req.DelegateeID, ledger.ResultFailure)
		return nil, err
	}
	e.record(ctx, req.DelegatorID, ActionDelegate, req.DelegateeID, ledger.ResultSuccess)
	return rec, nil
}

// Audit records an agent action on the ledger, anchored to the current
// state of the agent's trust path.
func (e *Engine) Audit(ctx context.Context, agentID, action, resource, result string) (anchor *ledger.AuditAnchor, err error) {
	ctx, finish := e.obs.TrackOperation(ctx, "eatp.audit",
		observability.LedgerOperation(agentID, action, result)...)
	defer func() { finish(err) }()

	hash, err := e.chains.PathStateHash(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("eatp: audit %s: %w", agentID, err)
	}
	anchor, err = e.ledger.Append(ctx, ledger.Entry{
		AgentID:        agentID,
		Action:         action,
		Resource:       resource,
		Result:         result,
		TrustChainHash: hash,
	})
	if err != nil {
		return nil, err
	}
	observability.AddSpanAttributes(ctx, observability.AttrAnchorID.String(anchor.ID))
	return anchor, nil
}

// Revoke withdraws trust from a node and everything downstream. nodeID
// is an agent id (genesis chain) or a delegation id.
func (e *Engine) Revoke(ctx context.Context, nodeID, reason string) (*revocation.Result, error) {
	ctx, finish := e.obs.TrackOperation(ctx, "eatp.revoke",
		observability.AttrRevocationNodeID.String(nodeID))
	res, err := e.revoke.RevokeChain(ctx, nodeID, reason)
	if errors.Is(err, trustchain.ErrNotFound) {
		res, err = e.revoke.RevokeEdge(ctx, nodeID, reason)
	}
	if err != nil {
		finish(err)
		return nil, err
	}
	observability.AddSpanAttributes(ctx,
		observability.RevokeOperation(nodeID, len(res.RevokedAgentIDs), len(res.RevokedEdgeIDs))...)
	finish(nil)
	for _, agentID := range res.RevokedAgentIDs {
		e.record(ctx, agentID, ActionRevoke, nodeID, ledger.ResultSuccess)
	}
	return res, nil
}

// RevokeByHuman withdraws every chain whose issuing authority is the
// given human authority or one of its descendants.
func (e *Engine) RevokeByHuman(ctx context.Context, humanAuthorityID, reason string) (*revocation.Result, error) {
	ctx, finish := e.obs.TrackOperation(ctx, "eatp.revoke_by_human",
		observability.AttrAuthorityID.String(humanAuthorityID))
	res, err := e.revoke.RevokeByAuthority(ctx, humanAuthorityID, reason)
	if err != nil {
		finish(err)
		return nil, err
	}
	observability.AddSpanAttributes(ctx,
		observability.RevokeOperation(humanAuthorityID, len(res.RevokedAgentIDs), len(res.RevokedEdgeIDs))...)
	finish(nil)
	for _, agentID := range res.RevokedAgentIDs {
		e.record(ctx, agentID, ActionRevokeByHuman, humanAuthorityID, ledger.ResultSuccess)
	}
	return res, nil
}

// PreviewRevocation reports the blast radius of revoking nodeID without
// changing anything.
func (e *Engine) PreviewRevocation(ctx context.Context, nodeID string) (*revocation.Result, error) {
	res, err := e.revoke.PreviewChain(ctx, nodeID)
	if errors.Is(err, trustchain.ErrNotFound) {
		return e.revoke.PreviewEdge(ctx, nodeID)
	}
	return res, err
}

// EffectiveGrant folds the agent's delegation path into its current
// grant.
func (e *Engine) EffectiveGrant(ctx context.Context, agentID string) (capability.EffectiveGrant, error) {
	return e.chains.EffectiveGrant(ctx, agentID)
}

// ResolvePath returns the agent's genesis and ordered delegation path.
func (e *Engine) ResolvePath(ctx context.Context, agentID string) (*trustchain.TrustChain, []*trustchain.DelegationRecord, error) {
	return e.chains.ResolvePath(ctx, agentID)
}

// MintGrantToken renders the agent's effective grant as a signed,
// expiring JWT.
func (e *Engine) MintGrantToken(ctx context.Context, agentID string, ttl time.Duration) (string, error) {
	grant, err := e.chains.EffectiveGrant(ctx, agentID)
	if err != nil {
		return "", err
	}
	hash, err := e.chains.PathStateHash(ctx, agentID)
	if err != nil {
		return "", err
	}
	return e.tokens.Mint(agentID, grant, hash, ttl)
}

// ValidateGrantToken parses and checks a token minted by this engine.
func (e *Engine) ValidateGrantToken(tokenString string) (*token.GrantClaims, error) {
	return e.tokens.Validate(tokenString)
}

// AgentsByOriginAuthority lists every agent whose trust traces back to
// the authority or one of its descendants, directly or via delegation.
// Implements ledger.OriginResolver for human-origin audit queries.
func (e *Engine) AgentsByOriginAuthority(ctx context.Context, authorityID string) ([]string, error) {
	scope, err := e.registry.Descendants(ctx, authorityID)
	if err != nil {
		return nil, err
	}
	chains, err := e.chains.GenesesByAuthority(ctx, scope)
	if err != nil {
		return nil, err
	}
	snap, err := e.chains.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var agents []string
	var walk func(agentID string)
	walk = func(agentID string) {
		if seen[agentID] {
			return
		}
		seen[agentID] = true
		agents = append(agents, agentID)
		for _, edge := range snap.OutgoingEdges(agentID) {
			walk(edge.DelegateeID)
		}
	}
	for _, tc := range chains {
		walk(tc.AgentID)
	}
	return agents, nil
}

// record writes a verb anchor, attaching the path state hash when the
// path still resolves. Ledger failures are logged, not propagated: the
// verb itself already succeeded or failed on its own terms.
func (e *Engine) record(ctx context.Context, agentID, action, resource, result string) {
	hash, err := e.chains.PathStateHash(ctx, agentID)
	if err != nil {
		hash = ""
	}
	if _, err := e.ledger.Append(ctx, ledger.Entry{
		AgentID:        agentID,
		Action:         action,
		Resource:       resource,
		Result:         result,
		TrustChainHash: hash,
	}); err != nil {
		e.logger.ErrorContext(ctx, "audit append failed",
			"agent_id", agentID, "action", action, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
