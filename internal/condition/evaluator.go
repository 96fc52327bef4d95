// Package condition implements the sandboxed expression evaluator flow
// expression guards and assignments compile against.
package condition

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rojkov/bureaucrat/internal/domain"
)

// Evaluator compiles and caches expr-lang programs keyed by their source
// text: compile once, run many. The only variable ever exposed to an
// expression is "context", the node's scoped property map.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates an Evaluator.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

func (e *Evaluator) compile(src string, asBool bool) (*vm.Program, error) {
	cacheKey := src
	if asBool {
		cacheKey = "bool:" + src
	}
	e.mu.RLock()
	p, ok := e.cache[cacheKey]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}

	opts := []expr.Option{expr.Env(map[string]any{})}
	if asBool {
		opts = append(opts, expr.AsBool())
	}
	program, err := expr.Compile(src, opts...)
	if err != nil {
		// Retry without the env hint: some conditions reach into nested
		// maps the static env type can't describe.
		fallback := opts[1:]
		program, err = expr.Compile(src, fallback...)
		if err != nil {
			return nil, domain.NewBureaucratError(domain.ErrCodeParse, fmt.Sprintf("failed to compile expression %q", src), err)
		}
	}

	e.mu.Lock()
	e.cache[cacheKey] = program
	e.mu.Unlock()
	return program, nil
}

// EvalBool implements domain.Evaluator.
func (e *Evaluator) EvalBool(src string, ctx map[string]any) (bool, error) {
	program, err := e.compile(src, true)
	if err != nil {
		return false, err
	}
	result, err := expr.Run(program, ctx)
	if err != nil {
		return false, domain.NewBureaucratError(domain.ErrCodeInvalidInput, fmt.Sprintf("failed to evaluate condition %q", src), err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, domain.NewBureaucratError(domain.ErrCodeInvalidInput, fmt.Sprintf("condition %q did not evaluate to a boolean", src), nil)
	}
	return b, nil
}

// Eval implements domain.Evaluator.
func (e *Evaluator) Eval(src string, ctx map[string]any) (any, error) {
	program, err := e.compile(src, false)
	if err != nil {
		return nil, err
	}
	result, err := expr.Run(program, ctx)
	if err != nil {
		return nil, domain.NewBureaucratError(domain.ErrCodeInvalidInput, fmt.Sprintf("failed to evaluate expression %q", src), err)
	}
	return result, nil
}

var _ domain.Evaluator = (*Evaluator)(nil)
