package ledger

import (
	"context"
	"sync"
)

// Head is the tip of one agent's audit chain.
type Head struct {
	AnchorID string `json:"anchorId"`
	Hash     string `json:"hash"`
}

// HeadStore tracks the chain tip per scope with compare-and-swap
// semantics. Append-time races are resolved here: the loser's CAS fails
// and the append retries on the fresh head.
type HeadStore interface {
	Head(ctx context.Context, scope string) (Head, error)
	// CompareAndSwap advances the head from old to new. It returns false
	// without error when the stored head no longer equals old.
	CompareAndSwap(ctx context.Context, scope string, old, new Head) (bool, error)
}

// MemoryHeadStore is the in-process HeadStore.
type MemoryHeadStore struct {
	mu    sync.Mutex
	heads map[string]Head
}

// NewMemoryHeadStore creates an empty head store.
func NewMemoryHeadStore() *MemoryHeadStore {
	return &MemoryHeadStore{heads: make(map[string]Head)}
}

func (m *MemoryHeadStore) Head(ctx context.Context, scope string) (Head, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heads[scope], nil
}

func (m *MemoryHeadStore) CompareAndSwap(ctx context.Context, scope string, old, new Head) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.heads[scope] != old {
		return false, nil
	}
	m.heads[scope] = new
	return true, nil
}
