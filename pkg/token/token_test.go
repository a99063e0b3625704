package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eatp-io/eatp/pkg/capability"
	"github.com/eatp-io/eatp/pkg/keyring"
)

func testManager(t *testing.T, seedLabel string) *Manager {
	t.Helper()
	seed := make([]byte, 32)
	copy(seed, seedLabel)
	provider, err := keyring.NewMemoryKeyProviderFromSeed(seed)
	require.NoError(t, err)
	kr, err := keyring.New("token-key-1", provider)
	require.NoError(t, err)
	return NewManager(kr)
}

func sampleGrant(expires *time.Time) capability.EffectiveGrant {
	return capability.EffectiveGrant{
		AgentID: "a1",
		Capabilities: []capability.Capability{
			{Name: "read_db", Type: capability.TypeAccess},
		},
		Constraints: []capability.Constraint{
			{ID: "business_hours_only", Kind: capability.KindTimeWindow, StartHour: 9, EndHour: 17},
		},
		ExpiresAt: expires,
	}
}

func TestMintAndValidate(t *testing.T) {
	m := testManager(t, "token-test-seed")

	signed, err := m.Mint("a1", sampleGrant(nil), "tch-1", time.Hour)
	require.NoError(t, err)

	claims, err := m.Validate(signed)
	require.NoError(t, err)
	assert.Equal(t, "a1", claims.Subject)
	assert.Equal(t, []string{"read_db"}, claims.Capabilities)
	assert.Equal(t, "tch-1", claims.TrustChainHash)
	require.Len(t, claims.Constraints, 1)
	assert.Equal(t, "business_hours_only", claims.Constraints[0].ID)
}

func TestMint_ClampsToGrantExpiry(t *testing.T) {
	m := testManager(t, "token-test-seed")
	now := time.Now().UTC().Truncate(time.Second)
	m.WithClock(func() time.Time { return now })

	grantExpiry := now.Add(10 * time.Minute)
	signed, err := m.Mint("a1", sampleGrant(&grantExpiry), "", time.Hour)
	require.NoError(t, err)

	claims, err := m.Validate(signed)
	require.NoError(t, err)
	assert.True(t, claims.ExpiresAt.Time.Equal(grantExpiry))
}

func TestMint_ExpiredGrantRejected(t *testing.T) {
	m := testManager(t, "token-test-seed")
	past := time.Now().UTC().Add(-time.Minute)
	_, err := m.Mint("a1", sampleGrant(&past), "", time.Hour)
	assert.Error(t, err)
}

func TestValidate_ExpiredToken(t *testing.T) {
	m := testManager(t, "token-test-seed")
	now := time.Now().UTC()
	clock := now
	m.WithClock(func() time.Time { return clock })

	signed, err := m.Mint("a1", sampleGrant(nil), "", time.Minute)
	require.NoError(t, err)

	clock = now.Add(2 * time.Minute)
	_, err = m.Validate(signed)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestValidate_WrongKeyRejected(t *testing.T) {
	minter := testManager(t, "token-test-seed")
	other := testManager(t, "different-seed")

	signed, err := minter.Mint("a1", sampleGrant(nil), "", time.Hour)
	require.NoError(t, err)

	_, err = other.Validate(signed)
	assert.Error(t, err)
}
