package eatp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/eatp-io/eatp/pkg/authority"
	"github.com/eatp-io/eatp/pkg/capability"
	"github.com/eatp-io/eatp/pkg/delegation"
	"github.com/eatp-io/eatp/pkg/keyring"
	"github.com/eatp-io/eatp/pkg/ledger"
	"github.com/eatp-io/eatp/pkg/observability"
	"github.com/eatp-io/eatp/pkg/trustchain"
	"github.com/eatp-io/eatp/pkg/verification"
)

func newEngine(t *testing.T) (*Engine, *authority.Authority) {
	t.Helper()
	seed := make([]byte, 32)
	copy(seed, "eatp-engine-test")
	provider, err := keyring.NewMemoryKeyProviderFromSeed(seed)
	require.NoError(t, err)
	kr, err := keyring.New("engine-key-1", provider)
	require.NoError(t, err)

	reg := authority.NewRegistry()
	org, err := reg.Create(context.Background(), "Org One", authority.TypeOrganization, "")
	require.NoError(t, err)

	eng, err := New(Config{Registry: reg, Keyring: kr, Rate: verification.NewMemoryRateStore()})
	require.NoError(t, err)
	return eng, org
}

func caps(names ...string) []capability.Capability {
	out := make([]capability.Capability, len(names))
	for i, n := range names {
		out[i] = capability.Capability{Name: n, Type: capability.TypeAccess}
	}
	return out
}

// Genesis establishment under an active authority yields a valid chain.
func TestLifecycle_EstablishGenesis(t *testing.T) {
	eng, org := newEngine(t)
	ctx := context.Background()
	expires := time.Now().UTC().Add(30 * 24 * time.Hour)

	tc, err := eng.Establish(ctx, "A1", org.ID, caps("read_db", "write_db"), nil, &expires)
	require.NoError(t, err)
	assert.Equal(t, trustchain.StatusValid, tc.Status)

	anchors, err := eng.Ledger().Query(ctx, ledger.Filter{AgentID: "A1", Action: ActionEstablish})
	require.NoError(t, err)
	require.Len(t, anchors, 1)
	assert.Equal(t, ledger.ResultSuccess, anchors[0].Result)
	assert.NotEmpty(t, anchors[0].TrustChainHash)
}

// Requesting a capability the delegator lacks is an escalation.
func TestLifecycle_DelegationEscalationRejected(t *testing.T) {
	eng, org := newEngine(t)
	ctx := context.Background()
	_, err := eng.Establish(ctx, "A1", org.ID, caps("read_db", "write_db"), nil, nil)
	require.NoError(t, err)

	_, err = eng.Delegate(ctx, delegation.Request{
		DelegatorID: "A1", DelegateeID: "A2", TaskID: "t1",
		Capabilities: []string{"read_db", "execute_code"},
	})
	var esc *capability.EscalationError
	require.ErrorAs(t, err, &esc)
	assert.Equal(t, []string{"execute_code"}, esc.Escalated)

	anchors, err := eng.Ledger().Query(ctx, ledger.Filter{AgentID: "A1", Action: ActionDelegate})
	require.NoError(t, err)
	require.Len(t, anchors, 1)
	assert.Equal(t, ledger.ResultFailure, anchors[0].Result)
}

// A constrained delegation verifies inside the window and is denied
// outside it, with the constraint id as the reason.
func TestLifecycle_ConstrainedDelegationAndVerify(t *testing.T) {
	eng, org := newEngine(t)
	ctx := context.Background()
	_, err := eng.Establish(ctx, "A1", org.ID, caps("read_db", "write_db"), nil, nil)
	require.NoError(t, err)

	_, err = eng.Delegate(ctx, delegation.Request{
		DelegatorID: "A1", DelegateeID: "A2", TaskID: "t1",
		Capabilities: []string{"read_db"},
		Constraints: []capability.Constraint{
			{ID: "business_hours_only", Kind: capability.KindTimeWindow, StartHour: 9, EndHour: 17},
		},
	})
	require.NoError(t, err)

	inside := capability.RequestContext{Time: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	res, err := eng.Verify(ctx, "A2", "read_db", inside, verification.LevelStandard)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	outside := capability.RequestContext{Time: time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC)}
	res, err = eng.Verify(ctx, "A2", "read_db", outside, verification.LevelStandard)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "business_hours_only", res.Reason)

	denied, err := eng.Ledger().Query(ctx, ledger.Filter{AgentID: "A2", Result: ledger.ResultDenied})
	require.NoError(t, err)
	assert.Len(t, denied, 1)
}

// Revoking the root cascades to delegatees and later verifications name
// the upstream revocation.
func TestLifecycle_CascadeRevocation(t *testing.T) {
	eng, org := newEngine(t)
	ctx := context.Background()
	_, err := eng.Establish(ctx, "A1", org.ID, caps("read_db"), nil, nil)
	require.NoError(t, err)
	_, err = eng.Delegate(ctx, delegation.Request{
		DelegatorID: "A1", DelegateeID: "A2", TaskID: "t1",
		Capabilities: []string{"read_db"},
	})
	require.NoError(t, err)

	res, err := eng.Revoke(ctx, "A1", "policy violation")
	require.NoError(t, err)
	assert.Contains(t, res.RevokedAgentIDs, "A2")

	vres, err := eng.Verify(ctx, "A2", "read_db", capability.RequestContext{}, verification.LevelStandard)
	require.NoError(t, err)
	assert.False(t, vres.Valid)
	assert.Equal(t, verification.ReasonRevokedUpstream, vres.Reason)

	// Idempotent: a second revoke reports the same subtree.
	again, err := eng.Revoke(ctx, "A1", "policy violation")
	require.NoError(t, err)
	assert.Equal(t, res.RevokedAgentIDs, again.RevokedAgentIDs)
}

// Tampering with a recorded anchor is detected at the exact anchor.
func TestLifecycle_AuditTamperDetection(t *testing.T) {
	eng, org := newEngine(t)
	ctx := context.Background()
	_, err := eng.Establish(ctx, "A2", org.ID, caps("read_db"), nil, nil)
	require.NoError(t, err)

	first, err := eng.Audit(ctx, "A2", "query", "db/users", ledger.ResultSuccess)
	require.NoError(t, err)
	_, err = eng.Audit(ctx, "A2", "query", "db/orders", ledger.ResultSuccess)
	require.NoError(t, err)

	res, err := eng.Ledger().VerifyAgentChain(ctx, "A2")
	require.NoError(t, err)
	require.True(t, res.Valid)

	// Corrupt the first action anchor in a copy of the chain.
	anchors, err := eng.Ledger().Query(ctx, ledger.Filter{AgentID: "A2"})
	require.NoError(t, err)
	for _, a := range anchors {
		if a.ID == first.ID {
			a.Result = ledger.ResultDenied
		}
	}
	vres, err := ledger.VerifyChain(anchors, engineKeyring(t))
	require.NoError(t, err)
	assert.False(t, vres.Valid)
	assert.Equal(t, first.ID, vres.BrokenAt)
}

func TestRevokeByHuman_Offboarding(t *testing.T) {
	eng, org := newEngine(t)
	ctx := context.Background()
	alice, err := eng.Registry().Create(ctx, "Alice Operator", authority.TypeHuman, org.ID)
	require.NoError(t, err)

	_, err = eng.Establish(ctx, "A1", alice.ID, caps("read_db"), nil, nil)
	require.NoError(t, err)
	_, err = eng.Delegate(ctx, delegation.Request{
		DelegatorID: "A1", DelegateeID: "A2", TaskID: "t1",
		Capabilities: []string{"read_db"},
	})
	require.NoError(t, err)
	_, err = eng.Establish(ctx, "B1", org.ID, caps("read_db"), nil, nil)
	require.NoError(t, err)

	res, err := eng.RevokeByHuman(ctx, alice.ID, "employee departed")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A1", "A2"}, res.RevokedAgentIDs)

	_, err = eng.EffectiveGrant(ctx, "B1")
	assert.NoError(t, err)
}

func TestQueryByHumanOrigin_TracesThroughDelegation(t *testing.T) {
	eng, org := newEngine(t)
	ctx := context.Background()
	alice, err := eng.Registry().Create(ctx, "Alice Operator", authority.TypeHuman, org.ID)
	require.NoError(t, err)

	_, err = eng.Establish(ctx, "A1", alice.ID, caps("read_db"), nil, nil)
	require.NoError(t, err)
	_, err = eng.Delegate(ctx, delegation.Request{
		DelegatorID: "A1", DelegateeID: "A2", TaskID: "t1",
		Capabilities: []string{"read_db"},
	})
	require.NoError(t, err)
	_, err = eng.Audit(ctx, "A2", "query", "db/users", ledger.ResultSuccess)
	require.NoError(t, err)

	anchors, err := eng.Ledger().QueryByHumanOrigin(ctx, alice.ID, ledger.Filter{Action: "query"})
	require.NoError(t, err)
	require.Len(t, anchors, 1)
	assert.Equal(t, "A2", anchors[0].AgentID)
}

func TestMintGrantToken_CarriesEffectiveGrant(t *testing.T) {
	eng, org := newEngine(t)
	ctx := context.Background()
	_, err := eng.Establish(ctx, "A1", org.ID, caps("read_db", "write_db"), nil, nil)
	require.NoError(t, err)
	_, err = eng.Delegate(ctx, delegation.Request{
		DelegatorID: "A1", DelegateeID: "A2", TaskID: "t1",
		Capabilities: []string{"read_db"},
	})
	require.NoError(t, err)

	signed, err := eng.MintGrantToken(ctx, "A2", time.Hour)
	require.NoError(t, err)
	claims, err := eng.ValidateGrantToken(signed)
	require.NoError(t, err)
	assert.Equal(t, "A2", claims.Subject)
	assert.Equal(t, []string{"read_db"}, claims.Capabilities)
	assert.NotEmpty(t, claims.TrustChainHash)
}

func TestPreviewRevocation_NoMutation(t *testing.T) {
	eng, org := newEngine(t)
	ctx := context.Background()
	_, err := eng.Establish(ctx, "A1", org.ID, caps("read_db"), nil, nil)
	require.NoError(t, err)
	_, err = eng.Delegate(ctx, delegation.Request{
		DelegatorID: "A1", DelegateeID: "A2", TaskID: "t1",
		Capabilities: []string{"read_db"},
	})
	require.NoError(t, err)

	preview, err := eng.PreviewRevocation(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A1", "A2"}, preview.RevokedAgentIDs)

	_, err = eng.EffectiveGrant(ctx, "A2")
	assert.NoError(t, err)
}

func engineKeyring(t *testing.T) *keyring.Keyring {
	t.Helper()
	seed := make([]byte, 32)
	copy(seed, "eatp-engine-test")
	provider, err := keyring.NewMemoryKeyProviderFromSeed(seed)
	require.NoError(t, err)
	kr, err := keyring.New("engine-key-1", provider)
	require.NoError(t, err)
	return kr
}

// Every verb runs through the operation tracker: with a recording tracer
// installed, establish/verify/revoke each emit a named span carrying the
// protocol attributes.
func TestVerbsEmitOperationSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	ctx := context.Background()
	obs, err := observability.New(ctx, &observability.Config{Enabled: false})
	require.NoError(t, err)

	reg := authority.NewRegistry()
	org, err := reg.Create(ctx, "Org One", authority.TypeOrganization, "")
	require.NoError(t, err)
	eng, err := New(Config{
		Registry: reg, Keyring: engineKeyring(t),
		Rate: verification.NewMemoryRateStore(), Observability: obs,
	})
	require.NoError(t, err)

	_, err = eng.Establish(ctx, "A1", org.ID, caps("read_db"), nil, nil)
	require.NoError(t, err)
	res, err := eng.Verify(ctx, "A1", "read_db", capability.RequestContext{}, verification.LevelStandard)
	require.NoError(t, err)
	require.True(t, res.Valid)
	_, err = eng.Revoke(ctx, "A1", "rotation")
	require.NoError(t, err)

	byName := make(map[string]tracetest.SpanStub)
	for _, s := range exporter.GetSpans() {
		byName[s.Name] = s
	}
	require.Contains(t, byName, "eatp.establish")
	require.Contains(t, byName, "eatp.verify")
	require.Contains(t, byName, "eatp.revoke")

	verifySpan := byName["eatp.verify"]
	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range verifySpan.Attributes {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "A1", attrs[observability.AttrAgentID].AsString())
	assert.Equal(t, "read_db", attrs[observability.AttrCapability].AsString())
	assert.True(t, attrs[observability.AttrVerificationValid].AsBool())
}
