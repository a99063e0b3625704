package trustchain

import (
	"context"
	"sync"
	"time"

	"github.com/eatp-io/eatp/pkg/capability"
)

// Store is the persistence boundary for the delegation graph. Any backend
// must uphold the optimistic-concurrency contract of AppendEdge and the
// read-consistency contract of Snapshot.
type Store interface {
	// PutGenesis persists a genesis record, failing with
	// DuplicateGenesisError when an active genesis exists for the agent.
	PutGenesis(ctx context.Context, tc *TrustChain) error

	// Genesis returns the current genesis record for an agent, or
	// ErrNotFound.
	Genesis(ctx context.Context, agentID string) (*TrustChain, error)

	// GenesisHistory returns every genesis record ever established for
	// the agent, oldest first, the current record last. Superseded
	// records keep their issuer, revocation reason, and timestamps:
	// re-establishing trust never destroys provenance. ErrNotFound when
	// the agent never had a genesis.
	GenesisHistory(ctx context.Context, agentID string) ([]*TrustChain, error)

	// AppendEdge persists a delegation edge. expectedVersion is the
	// delegator's lineage version observed by the caller; a stale value
	// is rejected with ConcurrentModificationError.
	AppendEdge(ctx context.Context, rec *DelegationRecord, expectedVersion uint64) error

	// Edge returns a delegation record by id, or ErrNotFound.
	Edge(ctx context.Context, id string) (*DelegationRecord, error)

	// TerminalEdge returns the most recent incoming edge for agentID
	// (nil if the agent has none) together with the agent's current
	// lineage version for optimistic concurrency.
	TerminalEdge(ctx context.Context, agentID string) (*DelegationRecord, uint64, error)

	// GenesesByAuthority returns all genesis records issued by any of the
	// given authorities.
	GenesesByAuthority(ctx context.Context, authorityIDs []string) ([]*TrustChain, error)

	// MarkChainRevoked transitions a genesis record to revoked.
	// Idempotent; revocation is monotonic.
	MarkChainRevoked(ctx context.Context, agentID, reason string, at time.Time) error

	// MarkEdgeRevoked transitions a delegation record to revoked.
	// Idempotent; revocation is monotonic.
	MarkEdgeRevoked(ctx context.Context, edgeID, reason string, at time.Time) error

	// Snapshot returns a read-consistent view of the whole graph for
	// cascade traversal: edges created after the snapshot is taken are
	// fully excluded from it.
	Snapshot(ctx context.Context) (*GraphSnapshot, error)
}

// GraphSnapshot is an immutable copy of the delegation graph taken at a
// single point in time.
type GraphSnapshot struct {
	Geneses     map[string]*TrustChain
	Edges       map[string]*DelegationRecord
	byParent    map[string][]*DelegationRecord // parent edge id -> child edges
	byDelegator map[string][]*DelegationRecord // delegator agent id -> outgoing edges
}

// ChildEdges returns edges whose ParentDelegationID is edgeID.
func (s *GraphSnapshot) ChildEdges(edgeID string) []*DelegationRecord {
	return s.byParent[edgeID]
}

// OutgoingEdges returns edges delegated by agentID.
func (s *GraphSnapshot) OutgoingEdges(agentID string) []*DelegationRecord {
	return s.byDelegator[agentID]
}

func buildSnapshot(geneses map[string]*TrustChain, edges map[string]*DelegationRecord) *GraphSnapshot {
	snap := &GraphSnapshot{
		Geneses:     make(map[string]*TrustChain, len(geneses)),
		Edges:       make(map[string]*DelegationRecord, len(edges)),
		byParent:    make(map[string][]*DelegationRecord),
		byDelegator: make(map[string][]*DelegationRecord),
	}
	for id, tc := range geneses {
		snap.Geneses[id] = cloneChain(tc)
	}
	for id, e := range edges {
		c := cloneEdge(e)
		snap.Edges[id] = c
		if c.ParentDelegationID != "" {
			snap.byParent[c.ParentDelegationID] = append(snap.byParent[c.ParentDelegationID], c)
		}
		snap.byDelegator[c.DelegatorID] = append(snap.byDelegator[c.DelegatorID], c)
	}
	return snap
}

// MemoryStore is the in-process Store used in tests and single-node
// deployments. Records live in id-keyed maps; a single mutex makes every
// snapshot trivially consistent.
type MemoryStore struct {
	mu       sync.RWMutex
	geneses  map[string]*TrustChain       // agent id -> current genesis
	history  map[string][]*TrustChain     // agent id -> superseded geneses, oldest first
	edges    map[string]*DelegationRecord // edge id -> edge
	incoming map[string][]string          // delegatee agent id -> edge ids, append order
	versions map[string]uint64            // agent id -> lineage version
}

// NewMemoryStore creates an empty in-memory graph store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		geneses:  make(map[string]*TrustChain),
		history:  make(map[string][]*TrustChain),
		edges:    make(map[string]*DelegationRecord),
		incoming: make(map[string][]string),
		versions: make(map[string]uint64),
	}
}

func (m *MemoryStore) PutGenesis(ctx context.Context, tc *TrustChain) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.geneses[tc.AgentID]; ok {
		if existing.Status != StatusRevoked {
			return &DuplicateGenesisError{AgentID: tc.AgentID}
		}
		// The revoked record is superseded, not destroyed: its issuer
		// and revocation reason remain retrievable through history.
		m.history[tc.AgentID] = append(m.history[tc.AgentID], existing)
	}
	m.geneses[tc.AgentID] = cloneChain(tc)
	m.versions[tc.AgentID]++
	return nil
}

func (m *MemoryStore) Genesis(ctx context.Context, agentID string) (*TrustChain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tc, ok := m.geneses[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneChain(tc), nil
}

func (m *MemoryStore) GenesisHistory(ctx context.Context, agentID string) ([]*TrustChain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	current, ok := m.geneses[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]*TrustChain, 0, len(m.history[agentID])+1)
	for _, tc := range m.history[agentID] {
		out = append(out, cloneChain(tc))
	}
	return append(out, cloneChain(current)), nil
}

func (m *MemoryStore) AppendEdge(ctx context.Context, rec *DelegationRecord, expectedVersion uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.versions[rec.DelegatorID]
	if current != expectedVersion {
		return &ConcurrentModificationError{
			DelegatorID:     rec.DelegatorID,
			ExpectedVersion: expectedVersion,
			CurrentVersion:  current,
		}
	}

	m.edges[rec.ID] = cloneEdge(rec)
	m.incoming[rec.DelegateeID] = append(m.incoming[rec.DelegateeID], rec.ID)
	// Both lineages advance: concurrent delegations from the same
	// delegator, and concurrent re-delegations by the delegatee, must
	// observe the write.
	m.versions[rec.DelegatorID]++
	m.versions[rec.DelegateeID]++
	return nil
}

func (m *MemoryStore) Edge(ctx context.Context, id string) (*DelegationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.edges[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEdge(e), nil
}

func (m *MemoryStore) TerminalEdge(ctx context.Context, agentID string) (*DelegationRecord, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	version := m.versions[agentID]
	ids := m.incoming[agentID]
	if len(ids) == 0 {
		return nil, version, nil
	}
	return cloneEdge(m.edges[ids[len(ids)-1]]), version, nil
}

func (m *MemoryStore) GenesesByAuthority(ctx context.Context, authorityIDs []string) ([]*TrustChain, error) {
	want := make(map[string]struct{}, len(authorityIDs))
	for _, id := range authorityIDs {
		want[id] = struct{}{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*TrustChain
	for _, tc := range m.geneses {
		if _, ok := want[tc.IssuingAuthorityID]; ok {
			out = append(out, cloneChain(tc))
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkChainRevoked(ctx context.Context, agentID, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tc, ok := m.geneses[agentID]
	if !ok {
		return ErrNotFound
	}
	if tc.Status == StatusRevoked {
		return nil
	}
	tc.Status = StatusRevoked
	tc.RevokedReason = reason
	revokedAt := at.UTC()
	tc.RevokedAt = &revokedAt
	m.versions[agentID]++
	return nil
}

func (m *MemoryStore) MarkEdgeRevoked(ctx context.Context, edgeID, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.edges[edgeID]
	if !ok {
		return ErrNotFound
	}
	if e.Status == StatusRevoked {
		return nil
	}
	e.Status = StatusRevoked
	e.RevokedReason = reason
	revokedAt := at.UTC()
	e.RevokedAt = &revokedAt
	m.versions[e.DelegateeID]++
	return nil
}

func (m *MemoryStore) Snapshot(ctx context.Context) (*GraphSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return buildSnapshot(m.geneses, m.edges), nil
}

func cloneChain(tc *TrustChain) *TrustChain {
	c := *tc
	c.Capabilities = append([]capability.Capability(nil), tc.Capabilities...)
	c.Constraints = append([]capability.Constraint(nil), tc.Constraints...)
	return &c
}

func cloneEdge(e *DelegationRecord) *DelegationRecord {
	c := *e
	c.CapabilitiesDelegated = append([]string(nil), e.CapabilitiesDelegated...)
	c.ConstraintSubset = append([]capability.Constraint(nil), e.ConstraintSubset...)
	return &c
}
