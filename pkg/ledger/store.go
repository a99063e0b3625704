package ledger

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned for lookups of unknown anchors or heads.
var ErrNotFound = errors.New("ledger: not found")

// Filter selects anchors for queries. Zero fields match everything.
type Filter struct {
	AgentID  string
	Action   string
	Result   string
	Resource string
	From     time.Time
	To       time.Time
	Limit    int
}

func (f Filter) matches(a *AuditAnchor) bool {
	if f.AgentID != "" && a.AgentID != f.AgentID {
		return false
	}
	if f.Action != "" && a.Action != f.Action {
		return false
	}
	if f.Result != "" && a.Result != f.Result {
		return false
	}
	if f.Resource != "" && !strings.Contains(a.Resource, f.Resource) {
		return false
	}
	if !f.From.IsZero() && a.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && a.Timestamp.After(f.To) {
		return false
	}
	return true
}

// AnchorStore is the persistence boundary for sealed anchors. Anchors
// are immutable once put.
type AnchorStore interface {
	Put(ctx context.Context, a *AuditAnchor) error
	Get(ctx context.Context, id string) (*AuditAnchor, error)
	// ListByAgent returns the agent's anchors in append order.
	ListByAgent(ctx context.Context, agentID string) ([]*AuditAnchor, error)
	Query(ctx context.Context, f Filter) ([]*AuditAnchor, error)
}

// MemoryAnchorStore keeps anchors in process, in append order.
type MemoryAnchorStore struct {
	mu      sync.RWMutex
	anchors map[string]*AuditAnchor
	order   []string
}

// NewMemoryAnchorStore creates an empty in-memory anchor store.
func NewMemoryAnchorStore() *MemoryAnchorStore {
	return &MemoryAnchorStore{anchors: make(map[string]*AuditAnchor)}
}

func (m *MemoryAnchorStore) Put(ctx context.Context, a *AuditAnchor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.anchors[a.ID]; ok {
		return errors.New("ledger: duplicate anchor id " + a.ID)
	}
	cp := *a
	m.anchors[a.ID] = &cp
	m.order = append(m.order, a.ID)
	return nil
}

func (m *MemoryAnchorStore) Get(ctx context.Context, id string) (*AuditAnchor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.anchors[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryAnchorStore) ListByAgent(ctx context.Context, agentID string) ([]*AuditAnchor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*AuditAnchor
	for _, id := range m.order {
		if a := m.anchors[id]; a.AgentID == agentID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryAnchorStore) Query(ctx context.Context, f Filter) ([]*AuditAnchor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*AuditAnchor
	for _, id := range m.order {
		a := m.anchors[id]
		if !f.matches(a) {
			continue
		}
		cp := *a
		out = append(out, &cp)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
