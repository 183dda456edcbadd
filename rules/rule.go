package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator evaluates boolean condition expressions against an environment.
// The workflow engine uses it for expression-gated conditional stages,
// with an environment of {"input": ..., "outputs": {...}}.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// ExprEvaluator is an Evaluator backed by expr-lang/expr with a compiled
// program cache keyed by expression text.
type ExprEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEvaluator creates an ExprEvaluator with an empty cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate compiles (or reuses) the expression and runs it against env.
// The expression must evaluate to a boolean.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[expression]; !ok {
			var err error
			// Compiled without a typed environment so one cached program
			// serves runs whose outputs differ in shape.
			program, err = expr.Compile(expression, expr.AllowUndefinedVariables())
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("compile %q: %w", expression, err)
			}
			e.cache[expression] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", expression, err)
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not evaluate to a boolean, got %T", expression, result)
	}
	return boolResult, nil
}
