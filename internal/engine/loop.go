package engine

import (
	"context"
	"errors"

	"github.com/rendis/agentflow/pkg/schema"
)

// runLoop executes a loop node and returns the number of completed
// iterations. Each iteration runs the body with the loop bindings applied;
// bindings are restored afterwards, while every other variable the body
// writes stays visible to later iterations and to the rest of the graph.
// A loop re-entered after a pause or adoption continues from its saved
// position instead of starting over.
func (o *orchestrator) runLoop(ctx context.Context, r *run, node *schema.Node, n *schema.LoopNode) (count int, err error) {
	limit := n.MaxIterations(r.settings)
	pos, resumed := r.enterLoop(node.ID)
	defer func() {
		if !errors.Is(err, errPausedInLoop) {
			r.loops = r.loops[:len(r.loops)-1]
		}
	}()

	switch n.Loop.Type {
	case schema.LoopForEach:
		items := pos.Items
		if !resumed {
			if items, err = o.loopItems(ctx, r, node.ID, n); err != nil {
				return 0, err
			}
			if len(items) > limit {
				o.logger.WarnContext(ctx, "loop items truncated to max iterations",
					"step_id", node.ID, "items", len(items), "max_iterations", limit)
				items = items[:limit]
			}
			r.loopPosition().Items = items
		}
		for i := pos.Iteration; i < len(items); i++ {
			if err := ctx.Err(); err != nil {
				return i, err
			}
			start := n.Loop.BodyStepID
			if i == pos.Iteration && pos.Step != "" {
				start = pos.Step
			}
			r.loopPosition().Iteration = i
			restore := r.ec.Bind(map[string]any{n.ItemVar(): items[i], n.IndexVar(): i})
			err := o.runBody(ctx, r, node.ID, start)
			restore()
			if err != nil {
				return i, err
			}
		}
		return len(items), nil

	case schema.LoopWhile:
		count = pos.Iteration
		if pos.Step != "" {
			// The condition already held for the interrupted iteration.
			if err := o.runBody(ctx, r, node.ID, pos.Step); err != nil {
				return count, err
			}
			count++
		}
		for count < limit {
			if err := ctx.Err(); err != nil {
				return count, err
			}
			ok, err := o.eval.EvaluateBool(ctx, n.Loop.Condition, r.ec.Scope())
			if err != nil {
				if r.settings.StrictConditions {
					return count, schema.AsFlowError(err, schema.ErrCodeConditionEval).WithStep(node.ID)
				}
				o.logger.WarnContext(ctx, "loop condition failed to evaluate, stopping loop",
					"step_id", node.ID, "condition", n.Loop.Condition, "error", err)
				break
			}
			if !ok {
				break
			}
			r.loopPosition().Iteration = count
			if err := o.runBody(ctx, r, node.ID, n.Loop.BodyStepID); err != nil {
				return count, err
			}
			count++
		}
		if count == limit {
			o.logger.WarnContext(ctx, "while loop stopped at max iterations",
				"step_id", node.ID, "max_iterations", limit)
		}
		return count, nil
	}

	return 0, schema.NewErrorf(schema.ErrCodeInvalidWorkflow, "unknown loop type %q", n.Loop.Type).WithStep(node.ID)
}

// enterLoop pushes the position of loop onto the run's loop stack. When the
// next saved position belongs to this loop it is taken over and resumed is
// true.
func (r *run) enterLoop(loopID string) (pos schema.LoopPosition, resumed bool) {
	if len(r.resumeLoops) > 0 && r.resumeLoops[0].LoopID == loopID {
		pos, resumed = r.resumeLoops[0], true
		r.resumeLoops = r.resumeLoops[1:]
	} else {
		pos = schema.LoopPosition{LoopID: loopID}
		r.resumeLoops = nil
	}
	r.loops = append(r.loops, pos)
	return pos, resumed
}

// loopPosition is the position of the innermost running loop.
func (r *run) loopPosition() *schema.LoopPosition {
	return &r.loops[len(r.loops)-1]
}

func (o *orchestrator) loopItems(ctx context.Context, r *run, stepID string, n *schema.LoopNode) ([]any, error) {
	raw, err := o.mapper.Resolve(ctx, n.Loop.Items, r.ec.Scope())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "resolve loop items: %v", err).
			WithStep(stepID).WithCause(err)
	}
	switch items := raw.(type) {
	case nil:
		return nil, nil
	case []any:
		return items, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"loop items resolved to %T, expected an array", raw).WithStep(stepID)
	}
}

// runBody runs one iteration of a loop body. It follows the router from
// start until it reaches a node with no exit, an edge back to the loop
// node or an end node, which is not executed. Reaching the same node twice
// in one iteration means the body never returns to its loop. A requested
// pause stops the body before its next step.
func (o *orchestrator) runBody(ctx context.Context, r *run, loopID, start string) error {
	visited := make(map[string]bool)
	for cur := start; cur != "" && cur != loopID; {
		if err := ctx.Err(); err != nil {
			return err
		}
		if visited[cur] {
			return schema.NewErrorf(schema.ErrCodeInvalidWorkflow,
				"body of loop %s reaches %s twice without returning to the loop", loopID, cur).WithStep(loopID)
		}
		visited[cur] = true

		node, spec, err := r.graph.Node(cur)
		if err != nil {
			return err
		}
		if node.Type == schema.NodeTypeEnd {
			return nil
		}

		r.loopPosition().Step = cur
		if r.pausePending() {
			return errPausedInLoop
		}
		next, err := o.runStep(ctx, r, node, spec)
		if err != nil {
			return err
		}
		if next == "" {
			next = loopID
		}
		r.loopPosition().Step = next
		if err := o.afterStep(ctx, r); err != nil {
			return err
		}
		cur = next
	}
	return nil
}
