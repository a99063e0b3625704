package capability

import (
	"context"
	"fmt"
	"net/netip"
	"time"
)

// ConstraintKind enumerates the closed set of structured constraint
// variants. Free-form rules are carried as KindCustom with a CEL
// expression; they are opaque to the narrowing lattice.
type ConstraintKind string

const (
	KindTimeWindow ConstraintKind = "time_window"
	KindIPRange    ConstraintKind = "ip_range"
	KindRateLimit  ConstraintKind = "rate_limit"
	KindAttribute  ConstraintKind = "attribute_equals"
	KindCustom     ConstraintKind = "custom"
)

// Constraint is a restriction narrowing when or how a capability may be
// exercised. Exactly the fields for its Kind are set; the zero values of
// the others are ignored.
type Constraint struct {
	// ID identifies the constraint (e.g. "business_hours_only"). It is
	// surfaced as the verification failure reason.
	ID   string         `json:"id"`
	Kind ConstraintKind `json:"kind"`

	// time_window: [StartHour, EndHour) in UTC.
	StartHour int `json:"start_hour,omitempty"`
	EndHour   int `json:"end_hour,omitempty"`

	// ip_range: CIDR the request source must fall within.
	CIDR string `json:"cidr,omitempty"`

	// rate_limit: at most Limit events per WindowSeconds.
	Limit         int `json:"limit,omitempty"`
	WindowSeconds int `json:"window_seconds,omitempty"`

	// attribute_equals: request attribute that must match Value.
	Attribute string `json:"attribute,omitempty"`
	Value     string `json:"value,omitempty"`

	// custom: CEL expression over the request context.
	Expr string `json:"expr,omitempty"`
}

// Validate checks structural well-formedness for the constraint's kind.
func (c Constraint) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("constraint: id must not be empty")
	}
	switch c.Kind {
	case KindTimeWindow:
		if c.StartHour < 0 || c.EndHour > 24 || c.StartHour >= c.EndHour {
			return fmt.Errorf("constraint %s: invalid time window [%d,%d)", c.ID, c.StartHour, c.EndHour)
		}
	case KindIPRange:
		if _, err := netip.ParsePrefix(c.CIDR); err != nil {
			return fmt.Errorf("constraint %s: invalid CIDR %q: %w", c.ID, c.CIDR, err)
		}
	case KindRateLimit:
		if c.Limit <= 0 || c.WindowSeconds <= 0 {
			return fmt.Errorf("constraint %s: rate limit and window must be positive", c.ID)
		}
	case KindAttribute:
		if c.Attribute == "" {
			return fmt.Errorf("constraint %s: attribute must not be empty", c.ID)
		}
	case KindCustom:
		if c.Expr == "" {
			return fmt.Errorf("constraint %s: expression must not be empty", c.ID)
		}
	default:
		return fmt.Errorf("constraint %s: unknown kind %q", c.ID, c.Kind)
	}
	return nil
}

// dimension keys constraints that compete on the same axis of the
// narrowing lattice. Custom constraints are opaque and never comparable,
// so each occupies its own dimension.
func (c Constraint) dimension() string {
	switch c.Kind {
	case KindAttribute:
		return string(c.Kind) + ":" + c.Attribute
	case KindCustom:
		return string(c.Kind) + ":" + c.ID
	default:
		return string(c.Kind)
	}
}

// widerThan reports whether c is strictly less restrictive than other.
// Both constraints must share a dimension; incomparable kinds return false.
func (c Constraint) widerThan(other Constraint) bool {
	if c.Kind != other.Kind {
		return false
	}
	switch c.Kind {
	case KindTimeWindow:
		covers := c.StartHour <= other.StartHour && c.EndHour >= other.EndHour
		strict := c.StartHour < other.StartHour || c.EndHour > other.EndHour
		return covers && strict
	case KindIPRange:
		cp, err1 := netip.ParsePrefix(c.CIDR)
		op, err2 := netip.ParsePrefix(other.CIDR)
		if err1 != nil || err2 != nil {
			return false
		}
		return cp.Bits() < op.Bits() && cp.Contains(op.Addr())
	case KindRateLimit:
		return c.perSecond() > other.perSecond()
	default:
		// attribute_equals and custom: adding one never widens.
		return false
	}
}

func (c Constraint) perSecond() float64 {
	return float64(c.Limit) / float64(c.WindowSeconds)
}

// RequestContext carries the caller-supplied facts that constraints are
// evaluated against during verification.
type RequestContext struct {
	Time       time.Time         `json:"time"`
	SourceIP   string            `json:"source_ip,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// RateAllower admits or rejects one event for key under the given budget.
// The in-process and Redis-backed implementations live with the
// verification engine.
type RateAllower interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// ExprEvaluator evaluates a custom constraint expression to a boolean.
type ExprEvaluator interface {
	EvaluateBool(expr string, input map[string]any) (bool, error)
}

// EvalEnv supplies the external collaborators constraint evaluation needs.
type EvalEnv struct {
	AgentID string
	Rate    RateAllower
	Expr    ExprEvaluator
}

// Evaluate reports whether the constraint is satisfied for the request.
// A false result with a nil error means the constraint itself denies the
// request; errors indicate the predicate could not be evaluated.
func (c Constraint) Evaluate(ctx context.Context, req RequestContext, env EvalEnv) (bool, error) {
	switch c.Kind {
	case KindTimeWindow:
		h := req.Time.UTC().Hour()
		return h >= c.StartHour && h < c.EndHour, nil

	case KindIPRange:
		prefix, err := netip.ParsePrefix(c.CIDR)
		if err != nil {
			return false, fmt.Errorf("constraint %s: invalid CIDR: %w", c.ID, err)
		}
		addr, err := netip.ParseAddr(req.SourceIP)
		if err != nil {
			// No parseable source address: the constraint is unsatisfied,
			// not broken.
			return false, nil
		}
		return prefix.Contains(addr), nil

	case KindRateLimit:
		if env.Rate == nil {
			return false, fmt.Errorf("constraint %s: no rate store configured", c.ID)
		}
		key := env.AgentID + ":" + c.ID
		return env.Rate.Allow(ctx, key, c.Limit, time.Duration(c.WindowSeconds)*time.Second)

	case KindAttribute:
		return req.Attributes[c.Attribute] == c.Value, nil

	case KindCustom:
		if env.Expr == nil {
			// Opaque custom constraints are not enforceable without an
			// evaluator; they are treated as satisfied.
			return true, nil
		}
		input := map[string]any{
			"timestamp": req.Time.UTC().Unix(),
			"request": map[string]any{
				"hour":       req.Time.UTC().Hour(),
				"source_ip":  req.SourceIP,
				"attributes": attributesAsAny(req.Attributes),
			},
		}
		return env.Expr.EvaluateBool(c.Expr, input)

	default:
		return false, fmt.Errorf("constraint %s: unknown kind %q", c.ID, c.Kind)
	}
}

func attributesAsAny(attrs map[string]string) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
