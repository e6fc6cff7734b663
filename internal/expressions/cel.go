package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rendis/plangraph/pkg/schema"
)

// celVariables are the top-level names a gate rule condition may reference.
var celVariables = []string{"node", "execution", "checkpoint"}

// CELEngine implements Engine using Google's Common Expression Language.
// It evaluates logic_gate rule conditions. Compiled programs are cached.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine whose environment exposes:
//   - node:       map(string, dyn), the gate node (id, status, stage, ...)
//   - execution:  map(string, dyn), the plan execution record
//   - checkpoint: map(string, dyn), the opaque plan checkpoint
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	opts := make([]cel.EnvOption, 0, len(celVariables))
	for _, v := range celVariables {
		opts = append(opts, cel.Variable(v, mapType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Compile checks an expression without evaluating it.
func (e *CELEngine) Compile(expression string) error {
	if expression == "" {
		return schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}
	_, err := e.getOrCompile(expression)
	return err
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates it.
// Missing variables default to empty maps.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, buildActivation(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out.Value(), nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(celVariables))
	for _, key := range celVariables {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}
	return activation
}

var _ Engine = (*CELEngine)(nil)
