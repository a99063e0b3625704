package verification

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eatp-io/eatp/pkg/capability"
	"github.com/eatp-io/eatp/pkg/trustchain"
)

type staticAuthorities map[string]bool

func (s staticAuthorities) IsActive(ctx context.Context, id string) (bool, error) {
	return s[id], nil
}

func setup(t *testing.T) (*trustchain.ChainStore, *Engine) {
	t.Helper()
	cs := trustchain.NewChainStore(trustchain.NewMemoryStore(), staticAuthorities{"org-1": true})
	return cs, NewEngine(cs, NewMemoryRateStore(), nil)
}

func establish(t *testing.T, cs *trustchain.ChainStore, agentID string, cons []capability.Constraint, names ...string) {
	t.Helper()
	caps := make([]capability.Capability, len(names))
	for i, n := range names {
		caps[i] = capability.Capability{Name: n, Type: capability.TypeAccess}
	}
	_, err := cs.Establish(context.Background(), agentID, "org-1", caps, cons, nil)
	require.NoError(t, err)
}

func TestVerify_GrantedCapability(t *testing.T) {
	cs, eng := setup(t)
	establish(t, cs, "a1", nil, "read_db")

	res, err := eng.Verify(context.Background(), "a1", "read_db", capability.RequestContext{}, LevelStandard)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Reason)
	assert.Equal(t, LevelStandard, res.Level)
}

func TestVerify_CapabilityNotGranted(t *testing.T) {
	cs, eng := setup(t)
	establish(t, cs, "a1", nil, "read_db")

	res, err := eng.Verify(context.Background(), "a1", "drop_tables", capability.RequestContext{}, LevelStandard)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonCapabilityMissing, res.Reason)
}

func TestVerify_UnknownAgent(t *testing.T) {
	_, eng := setup(t)
	res, err := eng.Verify(context.Background(), "ghost", "read_db", capability.RequestContext{}, LevelStandard)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonTrustChainNotFound, res.Reason)
}

func TestVerify_TimeWindowConstraint(t *testing.T) {
	cs, eng := setup(t)
	establish(t, cs, "a1",
		[]capability.Constraint{{ID: "business_hours_only", Kind: capability.KindTimeWindow, StartHour: 9, EndHour: 17}},
		"read_db")

	inside := capability.RequestContext{Time: time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)}
	res, err := eng.Verify(context.Background(), "a1", "read_db", inside, LevelStandard)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	outside := capability.RequestContext{Time: time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC)}
	res, err = eng.Verify(context.Background(), "a1", "read_db", outside, LevelStandard)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "business_hours_only", res.Reason)
}

func TestVerify_ShallowSkipsConstraints(t *testing.T) {
	cs, eng := setup(t)
	establish(t, cs, "a1",
		[]capability.Constraint{{ID: "business_hours_only", Kind: capability.KindTimeWindow, StartHour: 9, EndHour: 17}},
		"read_db")

	outside := capability.RequestContext{Time: time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC)}
	res, err := eng.Verify(context.Background(), "a1", "read_db", outside, LevelShallow)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, LevelShallow, res.Level)
}

func TestVerify_RevokedUpstream(t *testing.T) {
	cs, eng := setup(t)
	establish(t, cs, "a1", nil, "read_db")
	require.NoError(t, cs.MarkChainRevoked(context.Background(), "a1", "security incident"))

	res, err := eng.Verify(context.Background(), "a1", "read_db", capability.RequestContext{}, LevelStandard)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonRevokedUpstream, res.Reason)
}

func TestVerify_ExpiredUpstream(t *testing.T) {
	now := time.Now().UTC()
	cs := trustchain.NewChainStore(trustchain.NewMemoryStore(), staticAuthorities{"org-1": true})
	clock := now
	cs.WithClock(func() time.Time { return clock })
	eng := NewEngine(cs, nil, nil).WithClock(func() time.Time { return clock })

	expires := now.Add(time.Hour)
	_, err := cs.Establish(context.Background(), "a1", "org-1",
		[]capability.Capability{{Name: "read_db", Type: capability.TypeAccess}}, nil, &expires)
	require.NoError(t, err)

	clock = now.Add(2 * time.Hour)
	res, err := eng.Verify(context.Background(), "a1", "read_db", capability.RequestContext{}, LevelStandard)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonExpiredUpstream, res.Reason)
}

func TestVerify_IPRangeConstraint(t *testing.T) {
	cs, eng := setup(t)
	establish(t, cs, "a1",
		[]capability.Constraint{{ID: "office_net", Kind: capability.KindIPRange, CIDR: "10.0.0.0/8"}},
		"read_db")

	in := capability.RequestContext{SourceIP: "10.1.2.3"}
	res, err := eng.Verify(context.Background(), "a1", "read_db", in, LevelStandard)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	out := capability.RequestContext{SourceIP: "192.168.0.1"}
	res, err = eng.Verify(context.Background(), "a1", "read_db", out, LevelStandard)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "office_net", res.Reason)
}

func TestVerify_RateLimitConstraint(t *testing.T) {
	cs, eng := setup(t)
	establish(t, cs, "a1",
		[]capability.Constraint{{ID: "burst_guard", Kind: capability.KindRateLimit, Limit: 2, WindowSeconds: 60}},
		"read_db")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := eng.Verify(ctx, "a1", "read_db", capability.RequestContext{}, LevelStandard)
		require.NoError(t, err)
		assert.True(t, res.Valid, "request %d within budget", i)
	}
	res, err := eng.Verify(ctx, "a1", "read_db", capability.RequestContext{}, LevelStandard)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "burst_guard", res.Reason)
}

func TestVerify_CustomCELConstraint(t *testing.T) {
	expr, err := capability.NewCELEvaluator()
	require.NoError(t, err)

	cs := trustchain.NewChainStore(trustchain.NewMemoryStore(), staticAuthorities{"org-1": true})
	eng := NewEngine(cs, nil, expr)
	establish(t, cs, "a1",
		[]capability.Constraint{{ID: "prod_only", Kind: capability.KindCustom, Expr: `request.attributes["env"] == "prod"`}},
		"read_db")
	ctx := context.Background()

	res, err := eng.Verify(ctx, "a1", "read_db",
		capability.RequestContext{Attributes: map[string]string{"env": "prod"}}, LevelStandard)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	res, err = eng.Verify(ctx, "a1", "read_db",
		capability.RequestContext{Attributes: map[string]string{"env": "staging"}}, LevelStandard)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "prod_only", res.Reason)
}

func TestVerify_ConstraintsFollowDelegationPath(t *testing.T) {
	cs, eng := setup(t)
	establish(t, cs, "a1", nil, "read_db", "write_db")
	ctx := context.Background()

	terminal, version, err := cs.TerminalEdge(ctx, "a1")
	require.NoError(t, err)
	require.Nil(t, terminal)
	require.NoError(t, cs.AppendEdge(ctx, &trustchain.DelegationRecord{
		ID: "e1", DelegatorID: "a1", DelegateeID: "a2", TaskID: "t1",
		CapabilitiesDelegated: []string{"read_db"},
		ConstraintSubset:      []capability.Constraint{{ID: "business_hours_only", Kind: capability.KindTimeWindow, StartHour: 9, EndHour: 17}},
		DelegatedAt:           time.Now().UTC(), Status: trustchain.StatusValid,
	}, version))

	// The delegatee inherits the narrowed grant, the delegator does not.
	outside := capability.RequestContext{Time: time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC)}
	res, err := eng.Verify(ctx, "a2", "read_db", outside, LevelStandard)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "business_hours_only", res.Reason)

	res, err = eng.Verify(ctx, "a1", "read_db", outside, LevelStandard)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	res, err = eng.Verify(ctx, "a2", "write_db", outside, LevelStandard)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonCapabilityMissing, res.Reason)
}

func TestMemoryRateStore_RefillsOverTime(t *testing.T) {
	store := NewMemoryRateStore()
	ctx := context.Background()

	ok, err := store.Allow(ctx, "k", 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Allow(ctx, "k", 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(80 * time.Millisecond)
	ok, err = store.Allow(ctx, "k", 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
}
