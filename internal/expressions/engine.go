package expressions

import "context"

// Engine evaluates expressions against a data map.
// Implementations: Evaluator (guards and conditions), JQEngine (mappings),
// RuleEngine (HITL assignee rules).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
