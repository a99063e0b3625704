package capability

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// CELEvaluator evaluates custom constraint expressions using CEL, with a
// compiled-program cache and a hard cost limit so a pathological
// expression cannot stall verification.
type CELEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewCELEvaluator creates an evaluator whose environment exposes the
// request context ("request" as a dynamic map) and the evaluation
// timestamp ("timestamp", unix seconds).
func NewCELEvaluator() (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.DynType),
		cel.Variable("timestamp", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	return &CELEvaluator{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// EvaluateBool compiles (or reuses) expr and evaluates it against input.
// Non-boolean results are an error, not a denial.
func (e *CELEvaluator) EvaluateBool(expr string, input map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("cel eval: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cel eval: expression %q did not produce a boolean", expr)
	}
	return result, nil
}

func (e *CELEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}
