// Package condition evaluates the boolean "condition" expression
// attached to a workflow step: whether the step should run given the
// accumulated instance context and upstream step results. The original
// content-optimization service never implemented this (its
// _should_execute_step always returned true); here it is backed by a
// sandboxed expression language rather than a general-purpose
// interpreter, so a condition can never run arbitrary code or block.
package condition

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/contentflow/workflow-engine/internal/engineerr"
)

// Evaluator compiles and evaluates step conditions against a context.
type Evaluator interface {
	Evaluate(expression string, ctx map[string]interface{}) (bool, error)
}

// exprEvaluator backs Evaluator with github.com/expr-lang/expr,
// compiling with expr.AsBool so malformed or non-boolean expressions
// are rejected at compile time instead of misbehaving at runtime. A
// single Evaluator is shared across every concurrently-running instance
// goroutine the Engine spawns, so the compiled-program cache needs its
// own lock.
type exprEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewEvaluator returns the default expr-lang/expr-backed Evaluator.
func NewEvaluator() Evaluator {
	return &exprEvaluator{cache: make(map[string]*vm.Program)}
}

func (e *exprEvaluator) Evaluate(expression string, ctx map[string]interface{}) (bool, error) {
	if expression == "" {
		return true, nil
	}

	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if !ok {
		compiled, err := expr.Compile(expression, expr.Env(ctx), expr.AsBool())
		if err != nil {
			return false, engineerr.New(engineerr.KindCondition, err, "compile %q", expression)
		}
		program = compiled
		e.mu.Lock()
		e.cache[expression] = program
		e.mu.Unlock()
	}

	out, err := expr.Run(program, ctx)
	if err != nil {
		return false, engineerr.New(engineerr.KindCondition, err, "evaluate %q", expression)
	}

	result, ok := out.(bool)
	if !ok {
		return false, engineerr.New(engineerr.KindCondition, nil, "expression %q did not return a boolean, got %T", expression, out)
	}
	return result, nil
}
