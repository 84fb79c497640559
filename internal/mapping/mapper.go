// Package mapping translates between execution variables and the input and
// output shapes of agents and tools.
//
// Input mappings are {targetKey: source}. A source is resolved as:
//   - a string containing ${...}: interpolated against the scope
//   - a string starting with ".": a jq path over {variables, steps}
//   - any other string: a dotted variable path, or the literal string when
//     no such variable exists
//   - maps and arrays: resolved element-wise
//   - everything else: a literal
//
// Output mappings are {variablePath: outputPath}. An output path of "" or
// "." selects the whole output, a path starting with "." is a jq query over
// the output, and anything else is a dotted path into it.
package mapping

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/pkg/schema"
)

// Fallback variable keys used when a node declares no output mapping.
const (
	LastAgentOutput = "lastAgentOutput"
	LastToolOutput  = "lastToolOutput"
)

// Mapper builds collaborator inputs and applies collaborator outputs.
type Mapper struct {
	jq *expressions.JQEngine
}

// New creates a Mapper. A nil jq engine gets a fresh one.
func New(jq *expressions.JQEngine) *Mapper {
	if jq == nil {
		jq = expressions.NewJQEngine()
	}
	return &Mapper{jq: jq}
}

// BuildInput resolves mapping against scope. An empty mapping passes a deep
// copy of all variables.
func (m *Mapper) BuildInput(ctx context.Context, mapping map[string]any, scope *expressions.Scope) (map[string]any, error) {
	if len(mapping) == 0 {
		vars := expressions.CloneMap(scope.Variables)
		if vars == nil {
			vars = map[string]any{}
		}
		return vars, nil
	}

	out := make(map[string]any, len(mapping))
	for key, src := range mapping {
		val, err := m.Resolve(ctx, src, scope)
		if err != nil {
			return nil, fmt.Errorf("input mapping %q: %w", key, err)
		}
		SetPath(out, key, val)
	}
	return out, nil
}

// Resolve evaluates a single mapping source: a ${...} template, a jq query
// starting with ".", a dotted variable path (falling back to the literal
// string), or a nested map/array of sources.
func (m *Mapper) Resolve(ctx context.Context, src any, scope *expressions.Scope) (any, error) {
	switch v := src.(type) {
	case string:
		switch {
		case expressions.HasReference(v):
			return expressions.Interpolate(scope, v)
		case strings.HasPrefix(v, "."):
			return m.jq.Evaluate(ctx, v, scope.Data())
		default:
			if val, ok := LookupPath(scope.Variables, v); ok {
				return expressions.Clone(val), nil
			}
			return v, nil
		}
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := m.Resolve(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := m.Resolve(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// ApplyOutput writes output into vars according to mapping. With no mapping
// the whole output is stored under fallbackKey.
func (m *Mapper) ApplyOutput(ctx context.Context, mapping map[string]string, output any, vars map[string]any, fallbackKey string) error {
	if len(mapping) == 0 {
		vars[fallbackKey] = output
		return nil
	}
	for target, path := range mapping {
		if target == "" {
			return schema.NewError(schema.ErrCodeValidation, "output mapping has an empty target variable")
		}
		val, ok, err := m.extract(ctx, path, output)
		if err != nil {
			return fmt.Errorf("output mapping %q: %w", target, err)
		}
		if !ok {
			continue
		}
		SetPath(vars, target, val)
	}
	return nil
}

func (m *Mapper) extract(ctx context.Context, path string, output any) (any, bool, error) {
	path = strings.TrimSpace(path)
	switch {
	case path == "" || path == ".":
		return output, true, nil
	case strings.HasPrefix(path, "."):
		val, err := m.jq.Query(ctx, path, output)
		if err != nil {
			return nil, false, err
		}
		return val, true, nil
	default:
		val, ok := LookupPath(output, path)
		return val, ok, nil
	}
}

// LookupPath walks a dotted path through nested maps and arrays.
func LookupPath(root any, path string) (any, bool) {
	if path == "" {
		return root, true
	}
	return expressions.WalkPath(root, strings.Split(path, "."))
}

// SetPath assigns val at a dotted path, creating intermediate maps and
// replacing non-map intermediates.
func SetPath(dst map[string]any, path string, val any) {
	segments := strings.Split(path, ".")
	cur := dst
	for _, seg := range segments[:len(segments)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	cur[segments[len(segments)-1]] = val
}
