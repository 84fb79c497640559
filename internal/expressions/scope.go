package expressions

import (
	"encoding/json"
	"strconv"
)

// Scope is the read view that references resolve against: the execution
// variables and a per-step view of recorded step results.
type Scope struct {
	Variables map[string]any
	Steps     map[string]any
}

// Data returns the scope as the {"variables", "steps"} document used by
// jq mappings and the Engine interface.
func (s *Scope) Data() map[string]any {
	vars, steps := s.Variables, s.Steps
	if vars == nil {
		vars = map[string]any{}
	}
	if steps == nil {
		steps = map[string]any{}
	}
	return map[string]any{"variables": vars, "steps": steps}
}

// Resolve walks ref's path through the scope. Missing segments yield (nil, false).
func (s *Scope) Resolve(ref Reference) (any, bool) {
	var root any
	switch ref.Root {
	case RootSteps:
		root = s.Steps
	default:
		root = s.Variables
	}
	return WalkPath(root, ref.Path)
}

// WalkPath follows path through nested maps; numeric segments index arrays.
func WalkPath(current any, path []string) (any, bool) {
	for _, seg := range path {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// CloneMap deep-copies a JSON-like map.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = Clone(v)
	}
	return cp
}

// Clone recursively deep-copies maps, slices and raw JSON; other values are
// returned as-is.
func Clone(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = Clone(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
