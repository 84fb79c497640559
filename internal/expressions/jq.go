package expressions

import (
	"context"

	"github.com/itchyny/gojq"

	"github.com/rendis/agentflow/pkg/schema"
)

// JQEngine evaluates jq paths used by variable mappings and loop item
// sources. Queries see an empty $ENV. Safe for concurrent use.
type JQEngine struct {
	programs *compileCache[*gojq.Code]
}

// NewJQEngine creates a jq engine caching up to DefaultCacheSize programs.
func NewJQEngine() *JQEngine {
	return &JQEngine{programs: newCompileCache(DefaultCacheSize, compileJQ)}
}

// Name returns the engine identifier.
func (e *JQEngine) Name() string {
	return "jq"
}

// Evaluate runs expression against data. A single output is returned as-is,
// several are collected into []any, none yields nil.
func (e *JQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.Query(ctx, expression, normalize(data))
}

// Query runs expression against an arbitrary JSON-like input.
func (e *JQEngine) Query(ctx context.Context, expression string, input any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}
	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, normalize(input))
	for val, ok := iter.Next(); ok; val, ok = iter.Next() {
		if err, isErr := val.(error); isErr {
			return nil, expressionError("jq evaluation failed", expression, err)
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// Check compiles expression without running it.
func (e *JQEngine) Check(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

func compileJQ(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, expressionError("jq parse error", expression, err)
	}
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, expressionError("jq compile error", expression, err)
	}
	return code, nil
}

// normalize converts Go numeric types to the float64/int values gojq accepts
// and plain maps/slices; gojq rejects other concrete types.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*JQEngine)(nil)
