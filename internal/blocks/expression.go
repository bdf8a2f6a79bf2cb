// Package blocks implements the built-in Handler types registered with
// handler.Registry: HTTP requests, payload transforms, conditional
// branching, and a fixed-duration delay, plus the shared expr-lang evaluator they
// draw on for config interpolation and condition evaluation.
package blocks

import (
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/flowmesh/engine/internal/cache"
)

// Evaluator compiles and runs expr-lang expressions against a node's
// available outputs, caching compiled programs by expression text the way
// the engine's formula evaluator caches compiled formulas.
type Evaluator struct {
	programs *cache.TTLCache[string, *vm.Program]
}

const (
	evaluatorCacheSize = 500
	evaluatorCacheTTL  = time.Hour
)

// NewEvaluator constructs an Evaluator with its own compiled-program cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{programs: cache.New[string, *vm.Program](evaluatorCacheSize, evaluatorCacheTTL)}
}

// Evaluate compiles (or reuses a cached compilation of) expression and runs
// it against vars.
func (e *Evaluator) Evaluate(expression string, vars map[string]interface{}) (interface{}, error) {
	if expression == "" {
		return nil, fmt.Errorf("blocks: expression is empty")
	}

	program, ok := e.programs.Get(expression)
	if !ok {
		compiled, err := expr.Compile(expression, expr.Env(vars), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("blocks: compile %q: %w", expression, err)
		}
		program = compiled
		e.programs.Put(expression, program)
	}

	result, err := expr.Run(program, vars)
	if err != nil {
		return nil, fmt.Errorf("blocks: evaluate %q: %w", expression, err)
	}
	return result, nil
}

// EvaluateBool evaluates expression and coerces the result to bool, the
// shape a control_if condition needs.
func (e *Evaluator) EvaluateBool(expression string, vars map[string]interface{}) (bool, error) {
	result, err := e.Evaluate(expression, vars)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("blocks: expression %q did not evaluate to a boolean", expression)
	}
	return b, nil
}
