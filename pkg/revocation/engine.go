// Package revocation cascades trust withdrawal through the delegation
// graph. Revoking a node invalidates everything delegated downstream of
// it, atomically from the perspective of later verifications.
package revocation

import (
	"context"
	"log/slog"
	"sort"

	"github.com/eatp-io/eatp/pkg/trustchain"
)

// AuthorityResolver expands a human or organizational authority into the
// authority subtree it controls.
type AuthorityResolver interface {
	Descendants(ctx context.Context, id string) ([]string, error)
}

// Result reports the blast radius of one revocation.
type Result struct {
	RevokedAgentIDs []string `json:"revokedAgentIds"`
	RevokedEdgeIDs  []string `json:"revokedEdgeIds"`
}

// Engine performs cascade revocations over the chain store.
type Engine struct {
	chains      *trustchain.ChainStore
	authorities AuthorityResolver
	logger      *slog.Logger
}

// NewEngine wires a revocation engine. authorities may be nil when
// authority-scoped revocation is not needed.
func NewEngine(chains *trustchain.ChainStore, authorities AuthorityResolver) *Engine {
	return &Engine{
		chains:      chains,
		authorities: authorities,
		logger:      slog.Default().With("component", "revocation"),
	}
}

// RevokeChain revokes an agent's genesis chain and every delegation
// reachable from it. Already-revoked nodes are traversed but not
// re-marked, so repeated calls are idempotent and report the same
// subtree.
func (e *Engine) RevokeChain(ctx context.Context, agentID, reason string) (*Result, error) {
	snap, err := e.chains.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := snap.Geneses[agentID]; !ok {
		return nil, trustchain.ErrNotFound
	}

	result := collectSubtree(snap, agentID, snap.OutgoingEdges(agentID))
	if err := e.chains.MarkChainRevoked(ctx, agentID, reason); err != nil {
		return nil, err
	}
	if err := e.markEdges(ctx, snap, result.RevokedEdgeIDs, reason); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "trust chain revoked",
		"agent_id", agentID, "reason", reason,
		"agents_affected", len(result.RevokedAgentIDs),
		"edges_revoked", len(result.RevokedEdgeIDs))
	return result, nil
}

// RevokeEdge revokes a single delegation and everything delegated
// through it. The delegator's own trust is untouched.
func (e *Engine) RevokeEdge(ctx context.Context, edgeID, reason string) (*Result, error) {
	snap, err := e.chains.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	root, ok := snap.Edges[edgeID]
	if !ok {
		return nil, trustchain.ErrNotFound
	}

	result := collectSubtree(snap, root.DelegateeID, []*trustchain.DelegationRecord{root})
	if err := e.markEdges(ctx, snap, result.RevokedEdgeIDs, reason); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "delegation revoked",
		"delegation_id", edgeID, "reason", reason,
		"agents_affected", len(result.RevokedAgentIDs),
		"edges_revoked", len(result.RevokedEdgeIDs))
	return result, nil
}

// RevokeByAuthority revokes every genesis chain issued by the authority
// or any of its descendant authorities, cascading each one. This is the
// offboarding path: one call withdraws everything a departing human or
// retired organization ever vouched for.
func (e *Engine) RevokeByAuthority(ctx context.Context, authorityID, reason string) (*Result, error) {
	if e.authorities == nil {
		return nil, trustchain.ErrNotFound
	}
	scope, err := e.authorities.Descendants(ctx, authorityID)
	if err != nil {
		return nil, err
	}
	chains, err := e.chains.GenesesByAuthority(ctx, scope)
	if err != nil {
		return nil, err
	}

	merged := &Result{}
	seen := make(map[string]bool)
	for _, tc := range chains {
		sub, err := e.RevokeChain(ctx, tc.AgentID, reason)
		if err != nil {
			return nil, err
		}
		merged.merge(sub, seen)
	}
	sort.Strings(merged.RevokedAgentIDs)
	sort.Strings(merged.RevokedEdgeIDs)
	return merged, nil
}

// PreviewChain reports what RevokeChain would revoke, without mutating
// anything.
func (e *Engine) PreviewChain(ctx context.Context, agentID string) (*Result, error) {
	snap, err := e.chains.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := snap.Geneses[agentID]; !ok {
		return nil, trustchain.ErrNotFound
	}
	return collectSubtree(snap, agentID, snap.OutgoingEdges(agentID)), nil
}

// PreviewEdge reports what RevokeEdge would revoke, without mutating
// anything.
func (e *Engine) PreviewEdge(ctx context.Context, edgeID string) (*Result, error) {
	snap, err := e.chains.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	root, ok := snap.Edges[edgeID]
	if !ok {
		return nil, trustchain.ErrNotFound
	}
	return collectSubtree(snap, root.DelegateeID, []*trustchain.DelegationRecord{root}), nil
}

// collectSubtree walks the delegation graph breadth-first from the seed
// edges, following ParentDelegationID links. The root agent is always
// part of the result.
func collectSubtree(snap *trustchain.GraphSnapshot, rootAgentID string, seeds []*trustchain.DelegationRecord) *Result {
	agents := map[string]bool{rootAgentID: true}
	edges := make(map[string]bool)

	queue := append([]*trustchain.DelegationRecord(nil), seeds...)
	for len(queue) > 0 {
		edge := queue[0]
		queue = queue[1:]
		if edges[edge.ID] {
			continue
		}
		edges[edge.ID] = true
		agents[edge.DelegateeID] = true
		queue = append(queue, snap.ChildEdges(edge.ID)...)
	}

	result := &Result{
		RevokedAgentIDs: make([]string, 0, len(agents)),
		RevokedEdgeIDs:  make([]string, 0, len(edges)),
	}
	for id := range agents {
		result.RevokedAgentIDs = append(result.RevokedAgentIDs, id)
	}
	for id := range edges {
		result.RevokedEdgeIDs = append(result.RevokedEdgeIDs, id)
	}
	sort.Strings(result.RevokedAgentIDs)
	sort.Strings(result.RevokedEdgeIDs)
	return result
}

// markEdges revokes the collected edges, skipping ones already revoked
// in the snapshot so the cascade stays idempotent.
func (e *Engine) markEdges(ctx context.Context, snap *trustchain.GraphSnapshot, edgeIDs []string, reason string) error {
	for _, id := range edgeIDs {
		edge := snap.Edges[id]
		if edge == nil || edge.Status == trustchain.StatusRevoked {
			continue
		}
		if err := e.chains.MarkEdgeRevoked(ctx, edge, reason); err != nil {
			return err
		}
	}
	return nil
}

func (r *Result) merge(other *Result, seen map[string]bool) {
	for _, id := range other.RevokedAgentIDs {
		if !seen["a:"+id] {
			seen["a:"+id] = true
			r.RevokedAgentIDs = append(r.RevokedAgentIDs, id)
		}
	}
	for _, id := range other.RevokedEdgeIDs {
		if !seen["e:"+id] {
			seen["e:"+id] = true
			r.RevokedEdgeIDs = append(r.RevokedEdgeIDs, id)
		}
	}
}
