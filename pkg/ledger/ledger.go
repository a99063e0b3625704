package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/eatp-io/eatp/pkg/keyring"
)

// maxAppendAttempts bounds CAS retries before giving up under
// pathological contention.
const maxAppendAttempts = 8

// ErrContention is returned when an append loses the head race too many
// times in a row.
var ErrContention = errors.New("ledger: append contention, retry")

// Result values recorded on anchors.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDenied  = "denied"
	ResultPartial = "partial"
)

// Entry is the caller-supplied content of one audit record.
type Entry struct {
	AgentID        string
	Action         string
	Resource       string
	Result         string
	TrustChainHash string
}

// OriginResolver expands a human or organizational authority into the
// set of agents whose trust originates from it, directly or through
// delegation.
type OriginResolver interface {
	AgentsByOriginAuthority(ctx context.Context, authorityID string) ([]string, error)
}

// Ledger appends signed anchors and answers audit queries.
type Ledger struct {
	store  AnchorStore
	heads  HeadStore
	kr     *keyring.Keyring
	origin OriginResolver
	clock  func() time.Time
	logger *slog.Logger
}

// New wires a ledger. origin may be nil when human-origin queries are
// not needed.
func New(store AnchorStore, heads HeadStore, kr *keyring.Keyring, origin OriginResolver) *Ledger {
	return &Ledger{
		store:  store,
		heads:  heads,
		kr:     kr,
		origin: origin,
		clock:  time.Now,
		logger: slog.Default().With("component", "ledger"),
	}
}

// WithClock overrides the clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Append seals the entry into a new anchor linked to the agent's current
// chain head. Concurrent appends for one agent are serialized by the
// head CAS; losers retry on the fresh head.
func (l *Ledger) Append(ctx context.Context, e Entry) (*AuditAnchor, error) {
	if e.AgentID == "" || e.Action == "" || e.Result == "" {
		return nil, errors.New("ledger: agent id, action, and result are required")
	}

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		head, err := l.heads.Head(ctx, e.AgentID)
		if err != nil {
			return nil, err
		}

		a := &AuditAnchor{
			ID:             uuid.New().String(),
			AgentID:        e.AgentID,
			Action:         e.Action,
			Resource:       e.Resource,
			Result:         e.Result,
			Timestamp:      l.clock().UTC(),
			TrustChainHash: e.TrustChainHash,
			ParentAnchorID: head.AnchorID,
			ParentHash:     head.Hash,
		}
		if err := a.Seal(l.kr); err != nil {
			return nil, err
		}

		ok, err := l.heads.CompareAndSwap(ctx, e.AgentID, head, Head{AnchorID: a.ID, Hash: a.Hash})
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if err := l.store.Put(ctx, a); err != nil {
			return nil, fmt.Errorf("ledger: head advanced but anchor write failed: %w", err)
		}
		return a, nil
	}

	l.logger.WarnContext(ctx, "append abandoned after repeated head races", "agent_id", e.AgentID)
	return nil, ErrContention
}

// Get returns one anchor by id.
func (l *Ledger) Get(ctx context.Context, id string) (*AuditAnchor, error) {
	return l.store.Get(ctx, id)
}

// Query returns anchors matching the filter, oldest first.
func (l *Ledger) Query(ctx context.Context, f Filter) ([]*AuditAnchor, error) {
	return l.store.Query(ctx, f)
}

// QueryByHumanOrigin returns anchors for every agent whose trust traces
// back to the given authority, merged oldest first. This answers "what
// did everything Alice vouched for actually do".
func (l *Ledger) QueryByHumanOrigin(ctx context.Context, authorityID string, f Filter) ([]*AuditAnchor, error) {
	if l.origin == nil {
		return nil, errors.New("ledger: no origin resolver configured")
	}
	agents, err := l.origin.AgentsByOriginAuthority(ctx, authorityID)
	if err != nil {
		return nil, err
	}

	var merged []*AuditAnchor
	for _, agentID := range agents {
		af := f
		af.AgentID = agentID
		af.Limit = 0
		anchors, err := l.store.Query(ctx, af)
		if err != nil {
			return nil, err
		}
		merged = append(merged, anchors...)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Timestamp.Before(merged[j].Timestamp) })
	if f.Limit > 0 && len(merged) > f.Limit {
		merged = merged[:f.Limit]
	}
	return merged, nil
}

// VerifyAgentChain recomputes the agent's whole audit chain.
func (l *Ledger) VerifyAgentChain(ctx context.Context, agentID string) (VerifyResult, error) {
	anchors, err := l.store.ListByAgent(ctx, agentID)
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyChain(anchors, l.kr)
}
