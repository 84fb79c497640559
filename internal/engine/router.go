package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/pkg/schema"
)

// Router selects the next node from a node's outgoing edges.
type Router struct {
	eval   *expressions.Evaluator
	strict bool
	logger *slog.Logger
}

// NewRouter creates a Router. With strict set, a guard that fails to
// evaluate aborts routing with CONDITION_EVALUATION_ERROR instead of
// counting as false.
func NewRouter(eval *expressions.Evaluator, strict bool, logger *slog.Logger) *Router {
	return &Router{eval: eval, strict: strict, logger: logging.OrDiscard(logger)}
}

// Next returns the id of the next node, or "" when from has no outgoing
// edges. A single edge is always taken. With several edges, they are
// considered in declaration order: an unguarded edge is taken as soon as it
// is reached, otherwise the first guard evaluating truthy wins. Every guard
// evaluation is reported as a DecisionPoint. When nothing qualifies the
// result is NO_VALID_PATH.
func (r *Router) Next(ctx context.Context, from string, edges []schema.Edge, scope *expressions.Scope) (string, []schema.DecisionPoint, error) {
	switch len(edges) {
	case 0:
		return "", nil, nil
	case 1:
		return edges[0].Target, nil, nil
	}

	var decisions []schema.DecisionPoint
	for _, e := range edges {
		if e.Condition == "" {
			return e.Target, decisions, nil
		}

		began := time.Now()
		ok, err := r.eval.EvaluateBool(ctx, e.Condition, scope)
		dp := schema.DecisionPoint{
			StepID:           from,
			EdgeID:           e.ID,
			Condition:        e.Condition,
			Result:           ok,
			EvaluationTimeMs: float64(time.Since(began).Microseconds()) / 1000,
		}
		if err != nil {
			dp.Result = false
			dp.Error = err.Error()
			decisions = append(decisions, dp)
			if r.strict {
				return "", decisions, schema.AsFlowError(err, schema.ErrCodeConditionEval).WithStep(from)
			}
			r.logger.WarnContext(ctx, "edge condition failed, treated as false",
				"edge_id", e.ID, "condition", e.Condition, "error", err)
			continue
		}
		decisions = append(decisions, dp)
		if ok {
			return e.Target, decisions, nil
		}
	}

	return "", decisions, schema.NewErrorf(schema.ErrCodeNoValidPath,
		"no outgoing edge of %q matched", from).WithStep(from)
}
