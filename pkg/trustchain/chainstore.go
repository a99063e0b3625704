package trustchain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eatp-io/eatp/pkg/canonical"
	"github.com/eatp-io/eatp/pkg/capability"
)

// AuthorityChecker reports whether an authority may currently issue
// genesis trust. Implemented by the authority registry.
type AuthorityChecker interface {
	IsActive(ctx context.Context, authorityID string) (bool, error)
}

// InactiveAuthorityError is returned when an inactive authority attempts
// to issue genesis trust.
type InactiveAuthorityError struct {
	AuthorityID string
}

func (e *InactiveAuthorityError) Error() string {
	return fmt.Sprintf("authority %s is inactive and cannot issue genesis trust", e.AuthorityID)
}

// ChainStore is the service surface over the delegation graph: it
// establishes genesis trust, resolves root-to-agent paths, and computes
// cached effective grants.
type ChainStore struct {
	store       Store
	authorities AuthorityChecker
	clock       func() time.Time
	logger      *slog.Logger

	grantMu sync.RWMutex
	grants  map[string]capability.EffectiveGrant
}

// NewChainStore wires a ChainStore over a Store and authority checker.
func NewChainStore(store Store, authorities AuthorityChecker) *ChainStore {
	return &ChainStore{
		store:       store,
		authorities: authorities,
		clock:       time.Now,
		logger:      slog.Default().With("component", "trustchain"),
		grants:      make(map[string]capability.EffectiveGrant),
	}
}

// WithClock overrides the clock for testing.
func (s *ChainStore) WithClock(clock func() time.Time) *ChainStore {
	s.clock = clock
	return s
}

// Store exposes the underlying persistence for collaborating engines.
func (s *ChainStore) Store() Store {
	return s.store
}

// Establish creates the genesis trust record for an agent under an active
// authority.
func (s *ChainStore) Establish(ctx context.Context, agentID, authorityID string, caps []capability.Capability, constraints []capability.Constraint, expiresAt *time.Time) (*TrustChain, error) {
	if agentID == "" || authorityID == "" {
		return nil, fmt.Errorf("establish: agentID and authorityID are required")
	}
	for _, c := range constraints {
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}

	active, err := s.authorities.IsActive(ctx, authorityID)
	if err != nil {
		return nil, fmt.Errorf("establish: resolving authority %s: %w", authorityID, err)
	}
	if !active {
		return nil, &InactiveAuthorityError{AuthorityID: authorityID}
	}

	tc := &TrustChain{
		AgentID:            agentID,
		IssuingAuthorityID: authorityID,
		Capabilities:       caps,
		Constraints:        constraints,
		Status:             StatusValid,
		ExpiresAt:          expiresAt,
		EstablishedAt:      s.clock().UTC(),
	}
	if err := s.store.PutGenesis(ctx, tc); err != nil {
		return nil, err
	}
	s.invalidate(agentID)

	s.logger.InfoContext(ctx, "genesis established",
		"agent_id", agentID, "authority_id", authorityID, "capabilities", len(caps))
	return tc, nil
}

// ResolvePath returns the genesis record and the ordered edge list from
// genesis to agentID. An agent with its own genesis has an empty path.
// Resolution is O(depth): a pure id-chase over ParentDelegationID links.
func (s *ChainStore) ResolvePath(ctx context.Context, agentID string) (*TrustChain, []*DelegationRecord, error) {
	if genesis, err := s.store.Genesis(ctx, agentID); err == nil {
		return genesis, nil, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}

	terminal, _, err := s.store.TerminalEdge(ctx, agentID)
	if err != nil {
		return nil, nil, err
	}
	if terminal == nil {
		return nil, nil, ErrNotFound
	}

	// Walk backwards to the root edge, then reverse.
	var reversed []*DelegationRecord
	edge := terminal
	for {
		reversed = append(reversed, edge)
		if edge.ParentDelegationID == "" {
			break
		}
		parent, err := s.store.Edge(ctx, edge.ParentDelegationID)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve path for %s: broken parent link %s: %w",
				agentID, edge.ParentDelegationID, err)
		}
		edge = parent
	}

	genesis, err := s.store.Genesis(ctx, edge.DelegatorID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve path for %s: root delegator %s has no genesis: %w",
			agentID, edge.DelegatorID, err)
	}

	path := make([]*DelegationRecord, len(reversed))
	for i, e := range reversed {
		path[len(reversed)-1-i] = e
	}
	return genesis, path, nil
}

// EffectiveGrant folds the resolved path into the capability/constraint
// set usable by the agent right now. It short-circuits with
// RevokedUpstreamError or ExpiredUpstreamError when any node on the path
// is invalid; expiry is evaluated lazily against the current time.
func (s *ChainStore) EffectiveGrant(ctx context.Context, agentID string) (capability.EffectiveGrant, error) {
	now := s.clock().UTC()

	s.grantMu.RLock()
	cached, ok := s.grants[agentID]
	s.grantMu.RUnlock()
	if ok {
		if !cached.Expired(now) {
			return cached, nil
		}
		// An expired entry is stale. Drop it and recompute so the error
		// names the path node that actually expired, same as a cold read.
		s.invalidate(agentID)
	}

	genesis, path, err := s.ResolvePath(ctx, agentID)
	if err != nil {
		return capability.EffectiveGrant{}, err
	}

	if err := chainNodeError(genesis.Status, genesis.RevokedReason, genesis.ExpiresAt, genesis.AgentID, now); err != nil {
		return capability.EffectiveGrant{}, err
	}
	steps := make([]capability.Step, len(path))
	for i, edge := range path {
		if err := chainNodeError(edge.Status, edge.RevokedReason, edge.ExpiresAt, edge.ID, now); err != nil {
			return capability.EffectiveGrant{}, err
		}
		steps[i] = capability.Step{
			DelegatorID:  edge.DelegatorID,
			Capabilities: edge.CapabilitiesDelegated,
			Constraints:  edge.ConstraintSubset,
			ExpiresAt:    edge.ExpiresAt,
		}
	}

	root := capability.EffectiveGrant{
		AgentID:      agentID,
		Capabilities: genesis.Capabilities,
		Constraints:  genesis.Constraints,
		ExpiresAt:    genesis.ExpiresAt,
	}
	grant, err := capability.IntersectAlongPath(root, steps)
	if err != nil {
		return capability.EffectiveGrant{}, err
	}
	grant.AgentID = agentID

	s.grantMu.Lock()
	s.grants[agentID] = grant
	s.grantMu.Unlock()
	return grant, nil
}

// GenesisHistory returns every genesis record established for agentID,
// superseded records included, oldest first.
func (s *ChainStore) GenesisHistory(ctx context.Context, agentID string) ([]*TrustChain, error) {
	return s.store.GenesisHistory(ctx, agentID)
}

// TerminalEdge exposes the agent's newest incoming edge and lineage
// version for the delegation engine's optimistic writes.
func (s *ChainStore) TerminalEdge(ctx context.Context, agentID string) (*DelegationRecord, uint64, error) {
	return s.store.TerminalEdge(ctx, agentID)
}

// AppendEdge persists a delegation edge under the optimistic-concurrency
// contract and drops cached grants for the delegatee's subtree — effective
// grants are path-dependent and must be recomputed, not patched.
func (s *ChainStore) AppendEdge(ctx context.Context, rec *DelegationRecord, expectedVersion uint64) error {
	if err := s.store.AppendEdge(ctx, rec, expectedVersion); err != nil {
		return err
	}
	s.InvalidateSubtree(ctx, rec.DelegateeID)
	return nil
}

// MarkChainRevoked revokes a genesis record and invalidates grants below it.
func (s *ChainStore) MarkChainRevoked(ctx context.Context, agentID, reason string) error {
	if err := s.store.MarkChainRevoked(ctx, agentID, reason, s.clock()); err != nil {
		return err
	}
	s.InvalidateSubtree(ctx, agentID)
	return nil
}

// MarkEdgeRevoked revokes a delegation edge and invalidates grants below it.
func (s *ChainStore) MarkEdgeRevoked(ctx context.Context, edge *DelegationRecord, reason string) error {
	if err := s.store.MarkEdgeRevoked(ctx, edge.ID, reason, s.clock()); err != nil {
		return err
	}
	s.InvalidateSubtree(ctx, edge.DelegateeID)
	return nil
}

// Snapshot returns a read-consistent graph view for cascade traversal.
func (s *ChainStore) Snapshot(ctx context.Context) (*GraphSnapshot, error) {
	return s.store.Snapshot(ctx)
}

// GenesesByAuthority lists genesis records issued by the given authorities.
func (s *ChainStore) GenesesByAuthority(ctx context.Context, authorityIDs []string) ([]*TrustChain, error) {
	return s.store.GenesesByAuthority(ctx, authorityIDs)
}

// PathStateHash commits to the delegation-path state used to authorize an
// action: the canonical hash of the genesis record and every edge on the
// resolved path, statuses included.
func (s *ChainStore) PathStateHash(ctx context.Context, agentID string) (string, error) {
	genesis, path, err := s.ResolvePath(ctx, agentID)
	if err != nil {
		return "", err
	}
	return canonical.Hash(map[string]any{
		"genesis": genesis,
		"path":    path,
	})
}

// InvalidateSubtree drops cached grants for agentID and every agent
// reachable from it through delegation edges.
func (s *ChainStore) InvalidateSubtree(ctx context.Context, agentID string) {
	affected := map[string]struct{}{agentID: {}}

	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		// Snapshot failure must not leave stale grants behind: drop the
		// whole cache instead.
		s.logger.WarnContext(ctx, "grant cache full flush after snapshot failure", "error", err)
		s.grantMu.Lock()
		s.grants = make(map[string]capability.EffectiveGrant)
		s.grantMu.Unlock()
		return
	}

	queue := []string{agentID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, edge := range snap.OutgoingEdges(cur) {
			if _, seen := affected[edge.DelegateeID]; !seen {
				affected[edge.DelegateeID] = struct{}{}
				queue = append(queue, edge.DelegateeID)
			}
		}
	}

	s.grantMu.Lock()
	for id := range affected {
		delete(s.grants, id)
	}
	s.grantMu.Unlock()
}

func (s *ChainStore) invalidate(agentID string) {
	s.grantMu.Lock()
	delete(s.grants, agentID)
	s.grantMu.Unlock()
}
