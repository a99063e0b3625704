package capability

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func caps(names ...string) []Capability {
	out := make([]Capability, len(names))
	for i, n := range names {
		out[i] = Capability{Name: n, Type: TypeAccess}
	}
	return out
}

func TestNarrow_Intersection(t *testing.T) {
	parent := caps("read_db", "write_db", "send_email")

	narrowed, err := Narrow(parent, []string{"read_db", "send_email"})
	require.NoError(t, err)
	assert.Equal(t, []string{"read_db", "send_email"}, EffectiveGrant{Capabilities: narrowed}.CapabilityNames())
}

func TestNarrow_Escalation(t *testing.T) {
	parent := caps("read_db", "write_db")

	_, err := Narrow(parent, []string{"read_db", "execute_code"})
	var esc *EscalationError
	require.ErrorAs(t, err, &esc)
	assert.Equal(t, []string{"execute_code"}, esc.Escalated)
}

func TestNarrow_EmptyRequestYieldsEmptyGrant(t *testing.T) {
	narrowed, err := Narrow(caps("read_db"), nil)
	require.NoError(t, err)
	assert.Empty(t, narrowed)
}

func TestMergeConstraints_Union(t *testing.T) {
	parent := []Constraint{{ID: "office_net", Kind: KindIPRange, CIDR: "10.0.0.0/8"}}
	added := []Constraint{{ID: "business_hours_only", Kind: KindTimeWindow, StartHour: 9, EndHour: 17}}

	merged, err := MergeConstraints(parent, added)
	require.NoError(t, err)
	assert.Len(t, merged, 2)
}

func TestMergeConstraints_DropsExactDuplicates(t *testing.T) {
	c := Constraint{ID: "business_hours_only", Kind: KindTimeWindow, StartHour: 9, EndHour: 17}

	merged, err := MergeConstraints([]Constraint{c}, []Constraint{c})
	require.NoError(t, err)
	assert.Len(t, merged, 1)
}

func TestMergeConstraints_RejectsWiderTimeWindow(t *testing.T) {
	parent := []Constraint{{ID: "business_hours_only", Kind: KindTimeWindow, StartHour: 9, EndHour: 17}}
	added := []Constraint{{ID: "all_day", Kind: KindTimeWindow, StartHour: 0, EndHour: 24}}

	_, err := MergeConstraints(parent, added)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "all_day", conflict.ConstraintID)
	assert.Equal(t, "business_hours_only", conflict.ConflictsWith)
}

func TestMergeConstraints_AllowsNarrowerTimeWindow(t *testing.T) {
	parent := []Constraint{{ID: "business_hours_only", Kind: KindTimeWindow, StartHour: 9, EndHour: 17}}
	added := []Constraint{{ID: "morning_only", Kind: KindTimeWindow, StartHour: 9, EndHour: 12}}

	merged, err := MergeConstraints(parent, added)
	require.NoError(t, err)
	assert.Len(t, merged, 2)
}

func TestMergeConstraints_RejectsWiderCIDR(t *testing.T) {
	parent := []Constraint{{ID: "team_subnet", Kind: KindIPRange, CIDR: "10.1.2.0/24"}}
	added := []Constraint{{ID: "whole_net", Kind: KindIPRange, CIDR: "10.0.0.0/8"}}

	_, err := MergeConstraints(parent, added)
	var conflict *ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestMergeConstraints_RejectsHigherRate(t *testing.T) {
	parent := []Constraint{{ID: "ten_per_min", Kind: KindRateLimit, Limit: 10, WindowSeconds: 60}}
	added := []Constraint{{ID: "hundred_per_min", Kind: KindRateLimit, Limit: 100, WindowSeconds: 60}}

	_, err := MergeConstraints(parent, added)
	var conflict *ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestMergeConstraints_CustomIsAlwaysValidNarrowing(t *testing.T) {
	parent := []Constraint{{ID: "policy_a", Kind: KindCustom, Expr: "request.hour < 12"}}
	added := []Constraint{{ID: "policy_b", Kind: KindCustom, Expr: "true"}}

	merged, err := MergeConstraints(parent, added)
	require.NoError(t, err)
	assert.Len(t, merged, 2)
}

func TestMergeConstraints_ValidatesAdded(t *testing.T) {
	_, err := MergeConstraints(nil, []Constraint{{ID: "bad", Kind: KindTimeWindow, StartHour: 17, EndHour: 9}})
	assert.Error(t, err)
}

func TestIntersectAlongPath_FoldsAndClampsExpiry(t *testing.T) {
	day30 := time.Now().UTC().Add(30 * 24 * time.Hour)
	day7 := time.Now().UTC().Add(7 * 24 * time.Hour)

	genesis := EffectiveGrant{
		AgentID:      "a1",
		Capabilities: caps("read_db", "write_db"),
		ExpiresAt:    &day30,
	}
	path := []Step{
		{
			DelegatorID:  "a1",
			Capabilities: []string{"read_db"},
			Constraints:  []Constraint{{ID: "business_hours_only", Kind: KindTimeWindow, StartHour: 9, EndHour: 17}},
			ExpiresAt:    &day7,
		},
	}

	grant, err := IntersectAlongPath(genesis, path)
	require.NoError(t, err)
	assert.Equal(t, []string{"read_db"}, grant.CapabilityNames())
	assert.Len(t, grant.Constraints, 1)
	require.NotNil(t, grant.ExpiresAt)
	assert.True(t, grant.ExpiresAt.Equal(day7))
}

func TestIntersectAlongPath_EscalationNamesDelegator(t *testing.T) {
	genesis := EffectiveGrant{AgentID: "a1", Capabilities: caps("read_db")}
	path := []Step{{DelegatorID: "a1", Capabilities: []string{"execute_code"}}}

	_, err := IntersectAlongPath(genesis, path)
	var esc *EscalationError
	require.True(t, errors.As(err, &esc))
	assert.Equal(t, "a1", esc.DelegatorID)
}

func TestIntersectAlongPath_TransitiveNarrowing(t *testing.T) {
	genesis := EffectiveGrant{AgentID: "a1", Capabilities: caps("read_db", "write_db", "send_email")}
	path := []Step{
		{DelegatorID: "a1", Capabilities: []string{"read_db", "write_db"}},
		{DelegatorID: "a2", Capabilities: []string{"read_db"}},
	}

	grant, err := IntersectAlongPath(genesis, path)
	require.NoError(t, err)
	assert.Equal(t, []string{"read_db"}, grant.CapabilityNames())

	// A deeper step cannot reclaim what an earlier step dropped.
	path = append(path, Step{DelegatorID: "a3", Capabilities: []string{"write_db"}})
	_, err = IntersectAlongPath(genesis, path)
	var esc *EscalationError
	assert.ErrorAs(t, err, &esc)
}
