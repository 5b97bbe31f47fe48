// Package expression evaluates condition and scoring expressions
// against an execution context using the expr language.
package expression

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/maestro/pkg/errors"
)

// Evaluator compiles and runs expressions, caching compiled programs
// across evaluations. Safe for concurrent use.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates an evaluator with an empty program cache.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate runs a boolean condition against the context. An empty
// expression is true. The result must be a boolean; anything else is a
// validation error.
func (e *Evaluator) Evaluate(expression string, ctx map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	result, err := e.EvaluateValue(expression, ctx)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("condition must return boolean, got %T (%v)", result, result),
			Suggestion: "use comparison operators or boolean functions",
		}
	}
	return b, nil
}

// EvaluateValue runs an expression and returns its raw result. Used by
// scoring criteria, which may return numbers as well as booleans.
func (e *Evaluator) EvaluateValue(expression string, ctx map[string]any) (any, error) {
	program, err := e.compile(expression)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("failed to compile expression: %s", err),
			Suggestion: "check expression syntax",
		}
	}

	// The helper functions ride along in the runtime context; caller
	// values take precedence on name collisions. "contains" is a
	// reserved string operator in expr, hence the has/includes names.
	evalCtx := make(map[string]any, len(ctx)+3)
	evalCtx["has"] = containsFunc
	evalCtx["includes"] = containsFunc
	evalCtx["length"] = lenFunc
	for k, v := range ctx {
		evalCtx[k] = v
	}

	result, err := expr.Run(program, evalCtx)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression evaluation failed: %s", err),
			Suggestion: "verify that all referenced variables exist in the execution context",
		}
	}
	return result, nil
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	// length stays out of the compile environment: rule contexts bind
	// it to a number, so it must remain an undefined variable here and
	// resolve at runtime.
	env := map[string]any{
		"has":      containsFunc,
		"includes": containsFunc,
	}
	prog, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

// CacheSize returns the number of cached programs.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
