package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/agentflow/pkg/schema"
)

// RuleEngine evaluates CEL assignee rules for HITL requests. Rules see two
// variables:
//   - resolver: map(string, dyn) with "id" and "roles"
//   - request:  map(string, dyn) with the request fields
//
// Compiled programs are cached; the engine is safe for concurrent use.
type RuleEngine struct {
	env      *cel.Env
	programs *compileCache[cel.Program]
}

// NewRuleEngine creates a CEL environment for assignee rules.
func NewRuleEngine() (*RuleEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable("resolver", mapType),
		cel.Variable("request", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	e := &RuleEngine{env: env}
	e.programs = newCompileCache(DefaultCacheSize, e.compile)
	return e, nil
}

// Name returns the engine identifier.
func (e *RuleEngine) Name() string {
	return "cel"
}

// Evaluate implements Engine.
func (e *RuleEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty assignee rule")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	activation := map[string]any{"resolver": map[string]any{}, "request": map[string]any{}}
	for _, key := range []string{"resolver", "request"} {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		}
	}

	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, expressionError("assignee rule failed", expression, err)
	}
	return out.Value(), nil
}

// Allows evaluates rule and requires a boolean result.
func (e *RuleEngine) Allows(ctx context.Context, rule string, resolver, request map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, rule, map[string]any{"resolver": resolver, "request": request})
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"assignee rule %q returned %T, want bool", rule, out)
	}
	return b, nil
}

// Check compiles rule without evaluating it.
func (e *RuleEngine) Check(rule string) error {
	_, err := e.programs.get(rule)
	return err
}

func (e *RuleEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, expressionError("CEL compile error", expression, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, expressionError("CEL program error", expression, err)
	}
	return prg, nil
}

var _ Engine = (*RuleEngine)(nil)
