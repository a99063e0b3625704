package trustchain

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/eatp-io/eatp/pkg/capability"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLStore(db)
	require.NoError(t, err)
	return store
}

func TestSQLStore_GenesisRoundTrip(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	expires := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second)

	tc := &TrustChain{
		AgentID:            "a1",
		IssuingAuthorityID: "org-1",
		Capabilities:       []capability.Capability{{Name: "read_db", Type: capability.TypeAccess}},
		Constraints:        []capability.Constraint{{ID: "office_net", Kind: capability.KindIPRange, CIDR: "10.0.0.0/8"}},
		Status:             StatusValid,
		ExpiresAt:          &expires,
		EstablishedAt:      time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.PutGenesis(ctx, tc))

	got, err := store.Genesis(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, tc.IssuingAuthorityID, got.IssuingAuthorityID)
	require.Len(t, got.Capabilities, 1)
	assert.Equal(t, "read_db", got.Capabilities[0].Name)
	require.Len(t, got.Constraints, 1)
	assert.Equal(t, "office_net", got.Constraints[0].ID)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(expires))

	_, err = store.Genesis(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_DuplicateGenesis(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	tc := &TrustChain{AgentID: "a1", IssuingAuthorityID: "org-1",
		Capabilities: []capability.Capability{{Name: "read_db", Type: capability.TypeAccess}},
		Status:       StatusValid, EstablishedAt: time.Now().UTC()}
	require.NoError(t, store.PutGenesis(ctx, tc))

	var dup *DuplicateGenesisError
	assert.ErrorAs(t, store.PutGenesis(ctx, tc), &dup)

	// A revoked genesis can be superseded.
	require.NoError(t, store.MarkChainRevoked(ctx, "a1", "rotated", time.Now()))
	assert.NoError(t, store.PutGenesis(ctx, tc))
}

func TestSQLStore_SupersededGenesisHistory(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	caps := []capability.Capability{{Name: "read_db", Type: capability.TypeAccess}}

	require.NoError(t, store.PutGenesis(ctx, &TrustChain{
		AgentID: "a1", IssuingAuthorityID: "org-1", Capabilities: caps,
		Status: StatusValid, EstablishedAt: time.Now().UTC()}))
	require.NoError(t, store.MarkChainRevoked(ctx, "a1", "policy violation", time.Now()))
	require.NoError(t, store.PutGenesis(ctx, &TrustChain{
		AgentID: "a1", IssuingAuthorityID: "org-2", Capabilities: caps,
		Status: StatusValid, EstablishedAt: time.Now().UTC()}))

	current, err := store.Genesis(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "org-2", current.IssuingAuthorityID)
	assert.Equal(t, StatusValid, current.Status)

	history, err := store.GenesisHistory(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "org-1", history[0].IssuingAuthorityID)
	assert.Equal(t, StatusRevoked, history[0].Status)
	assert.Equal(t, "policy violation", history[0].RevokedReason)
	require.NotNil(t, history[0].RevokedAt)

	// Authority scoping and snapshots see only the current record.
	byOld, err := store.GenesesByAuthority(ctx, []string{"org-1"})
	require.NoError(t, err)
	assert.Empty(t, byOld)
	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Geneses, 1)
	assert.Equal(t, "org-2", snap.Geneses["a1"].IssuingAuthorityID)

	_, err = store.GenesisHistory(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_EdgeVersioning(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, store.PutGenesis(ctx, &TrustChain{
		AgentID: "a1", IssuingAuthorityID: "org-1",
		Capabilities: []capability.Capability{{Name: "read_db", Type: capability.TypeAccess}},
		Status:       StatusValid, EstablishedAt: time.Now().UTC()}))

	_, version, err := store.TerminalEdge(ctx, "a1")
	require.NoError(t, err)

	edge := &DelegationRecord{
		ID: "e1", DelegatorID: "a1", DelegateeID: "a2", TaskID: "t1",
		CapabilitiesDelegated: []string{"read_db"},
		DelegatedAt:           time.Now().UTC(), Status: StatusValid,
	}
	require.NoError(t, store.AppendEdge(ctx, edge, version))

	// Same version again is stale now.
	stale := &DelegationRecord{
		ID: "e2", DelegatorID: "a1", DelegateeID: "a3", TaskID: "t2",
		CapabilitiesDelegated: []string{"read_db"},
		DelegatedAt:           time.Now().UTC(), Status: StatusValid,
	}
	var conflict *ConcurrentModificationError
	assert.ErrorAs(t, store.AppendEdge(ctx, stale, version), &conflict)

	terminal, _, err := store.TerminalEdge(ctx, "a2")
	require.NoError(t, err)
	require.NotNil(t, terminal)
	assert.Equal(t, "e1", terminal.ID)
}

func TestSQLStore_SnapshotAndRevocation(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, store.PutGenesis(ctx, &TrustChain{
		AgentID: "a1", IssuingAuthorityID: "org-1",
		Capabilities: []capability.Capability{{Name: "read_db", Type: capability.TypeAccess}},
		Status:       StatusValid, EstablishedAt: time.Now().UTC()}))

	_, v, err := store.TerminalEdge(ctx, "a1")
	require.NoError(t, err)
	require.NoError(t, store.AppendEdge(ctx, &DelegationRecord{
		ID: "e1", DelegatorID: "a1", DelegateeID: "a2", TaskID: "t1",
		CapabilitiesDelegated: []string{"read_db"},
		DelegatedAt:           time.Now().UTC(), Status: StatusValid,
	}, v))

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Edges, 1)
	assert.Len(t, snap.OutgoingEdges("a1"), 1)

	require.NoError(t, store.MarkEdgeRevoked(ctx, "e1", "cleanup", time.Now()))
	edge, err := store.Edge(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, edge.Status)
	assert.Equal(t, "cleanup", edge.RevokedReason)

	// Idempotent.
	assert.NoError(t, store.MarkEdgeRevoked(ctx, "e1", "cleanup", time.Now()))
	assert.ErrorIs(t, store.MarkEdgeRevoked(ctx, "ghost", "x", time.Now()), ErrNotFound)
}

func TestSQLStore_GenesesByAuthority(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	for _, tc := range []struct{ agent, authority string }{
		{"a1", "org-1"}, {"a2", "org-1"}, {"a3", "org-2"},
	} {
		require.NoError(t, store.PutGenesis(ctx, &TrustChain{
			AgentID: tc.agent, IssuingAuthorityID: tc.authority,
			Capabilities: []capability.Capability{{Name: "read_db", Type: capability.TypeAccess}},
			Status:       StatusValid, EstablishedAt: time.Now().UTC()}))
	}

	chains, err := store.GenesesByAuthority(ctx, []string{"org-1"})
	require.NoError(t, err)
	assert.Len(t, chains, 2)

	none, err := store.GenesesByAuthority(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}
