package capability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeWindow_Evaluate(t *testing.T) {
	c := Constraint{ID: "business_hours_only", Kind: KindTimeWindow, StartHour: 9, EndHour: 17}

	inside := RequestContext{Time: time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)}
	ok, err := c.Evaluate(context.Background(), inside, EvalEnv{})
	require.NoError(t, err)
	assert.True(t, ok)

	outside := RequestContext{Time: time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC)}
	ok, err = c.Evaluate(context.Background(), outside, EvalEnv{})
	require.NoError(t, err)
	assert.False(t, ok)

	// End hour is exclusive.
	boundary := RequestContext{Time: time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC)}
	ok, err = c.Evaluate(context.Background(), boundary, EvalEnv{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIPRange_Evaluate(t *testing.T) {
	c := Constraint{ID: "office_net", Kind: KindIPRange, CIDR: "10.1.0.0/16"}

	ok, err := c.Evaluate(context.Background(), RequestContext{SourceIP: "10.1.2.3"}, EvalEnv{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Evaluate(context.Background(), RequestContext{SourceIP: "192.168.1.1"}, EvalEnv{})
	require.NoError(t, err)
	assert.False(t, ok)

	// Missing source address fails the constraint, it does not error.
	ok, err = c.Evaluate(context.Background(), RequestContext{}, EvalEnv{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAttribute_Evaluate(t *testing.T) {
	c := Constraint{ID: "prod_only", Kind: KindAttribute, Attribute: "environment", Value: "production"}

	ok, err := c.Evaluate(context.Background(), RequestContext{Attributes: map[string]string{"environment": "production"}}, EvalEnv{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Evaluate(context.Background(), RequestContext{Attributes: map[string]string{"environment": "staging"}}, EvalEnv{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRateLimit_RequiresStore(t *testing.T) {
	c := Constraint{ID: "ten_per_min", Kind: KindRateLimit, Limit: 10, WindowSeconds: 60}
	_, err := c.Evaluate(context.Background(), RequestContext{}, EvalEnv{AgentID: "a1"})
	assert.Error(t, err)
}

func TestCustom_CEL(t *testing.T) {
	eval, err := NewCELEvaluator()
	require.NoError(t, err)
	env := EvalEnv{Expr: eval}

	c := Constraint{ID: "weekday_morning", Kind: KindCustom, Expr: "request.hour < 12"}

	morning := RequestContext{Time: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	ok, err := c.Evaluate(context.Background(), morning, env)
	require.NoError(t, err)
	assert.True(t, ok)

	evening := RequestContext{Time: time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)}
	ok, err = c.Evaluate(context.Background(), evening, env)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCustom_CELAttributeAccess(t *testing.T) {
	eval, err := NewCELEvaluator()
	require.NoError(t, err)
	c := Constraint{ID: "eu_only", Kind: KindCustom, Expr: `request.attributes["region"] == "eu-west-1"`}

	req := RequestContext{Time: time.Now(), Attributes: map[string]string{"region": "eu-west-1"}}
	ok, err := c.Evaluate(context.Background(), req, EvalEnv{Expr: eval})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCustom_WithoutEvaluatorIsOpaque(t *testing.T) {
	c := Constraint{ID: "who_knows", Kind: KindCustom, Expr: "some.unknown.rule"}
	ok, err := c.Evaluate(context.Background(), RequestContext{Time: time.Now()}, EvalEnv{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCELEvaluator_CompileErrorSurfaces(t *testing.T) {
	eval, err := NewCELEvaluator()
	require.NoError(t, err)
	_, err = eval.EvaluateBool("this is not CEL ][", map[string]any{"timestamp": int64(0)})
	assert.Error(t, err)
}

func TestCELEvaluator_NonBooleanResult(t *testing.T) {
	eval, err := NewCELEvaluator()
	require.NoError(t, err)
	_, err = eval.EvaluateBool("timestamp + 1", map[string]any{"timestamp": int64(0)})
	assert.Error(t, err)
}

func TestConstraint_Validate(t *testing.T) {
	cases := []struct {
		name    string
		c       Constraint
		wantErr bool
	}{
		{"valid window", Constraint{ID: "w", Kind: KindTimeWindow, StartHour: 9, EndHour: 17}, false},
		{"inverted window", Constraint{ID: "w", Kind: KindTimeWindow, StartHour: 17, EndHour: 9}, true},
		{"valid cidr", Constraint{ID: "n", Kind: KindIPRange, CIDR: "10.0.0.0/8"}, false},
		{"bad cidr", Constraint{ID: "n", Kind: KindIPRange, CIDR: "10.0.0.0"}, true},
		{"valid rate", Constraint{ID: "r", Kind: KindRateLimit, Limit: 5, WindowSeconds: 60}, false},
		{"zero rate", Constraint{ID: "r", Kind: KindRateLimit, Limit: 0, WindowSeconds: 60}, true},
		{"missing id", Constraint{Kind: KindTimeWindow, StartHour: 0, EndHour: 1}, true},
		{"unknown kind", Constraint{ID: "x", Kind: "mystery"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.c.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
