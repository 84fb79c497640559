package engine

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/internal/hitl"
	"github.com/rendis/agentflow/internal/mapping"
	"github.com/rendis/agentflow/pkg/schema"
)

// stepOutput is what one attempt of a node produced.
type stepOutput struct {
	Output   any
	Cost     float64
	Tokens   int
	Metadata map[string]any
	// Produces marks agent, tool and hitl outputs, which become the
	// execution's output when nothing else runs after them.
	Produces bool
	// Failed records the step as failed without failing the execution.
	Failed bool
	Error  string
}

// stepVisitor executes one attempt of a node against its run.
type stepVisitor struct {
	o    *orchestrator
	r    *run
	ctx  context.Context
	node *schema.Node
	out  stepOutput
}

var _ schema.NodeVisitor = (*stepVisitor)(nil)

func (v *stepVisitor) VisitStart(*schema.StartNode) error {
	v.out = stepOutput{Output: expressions.CloneMap(v.r.ec.Variables)}
	return nil
}

func (v *stepVisitor) VisitEnd(*schema.EndNode) error {
	v.out = stepOutput{Output: v.r.output()}
	return nil
}

func (v *stepVisitor) VisitAgent(n *schema.AgentNode) error {
	o, r, id := v.o, v.r, v.node.ID
	if o.agents == nil {
		return schema.NewErrorf(schema.ErrCodeAgentFailed, "no agent runner configured for agent %s", n.AgentID).WithStep(id)
	}

	input, err := o.mapper.BuildInput(v.ctx, n.InputMapping, r.ec.Scope())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "build input for agent %s: %v", n.AgentID, err).
			WithStep(id).WithCause(err)
	}
	sessionID := n.SessionID
	if sessionID == "" {
		sessionID = r.sessionID
	}
	req := AgentRequest{
		Input:     input,
		SessionID: sessionID,
		Context: map[string]any{
			"executionId": r.id,
			"workflowId":  r.workflowID,
			"stepId":      id,
		},
		Metadata: map[string]any{"nodeLabel": v.node.Label, "userId": r.userID},
	}

	timeout := n.TimeoutOr(0)
	callCtx, cancel := collaboratorContext(v.ctx, timeout)
	defer cancel()

	began := o.now()
	raw, callErr := o.breakers.Execute("agent:"+n.AgentID, func() (any, error) {
		resp, err := o.agents.Execute(callCtx, n.AgentID, req)
		if err == nil && resp == nil {
			err = errors.New("agent returned no response")
		}
		return resp, err
	})
	resp, _ := raw.(*AgentResponse)

	rec := schema.AgentExecutionRecord{
		StepID:     id,
		AgentID:    n.AgentID,
		At:         began,
		DurationMs: o.now().Sub(began).Milliseconds(),
		Status:     "completed",
	}
	if resp != nil {
		rec.RunID = resp.ID
		rec.TokensUsed = resp.TokensUsed
		rec.Cost = resp.Cost
	}
	if callErr != nil {
		rec.Status = "failed"
		rec.Error = callErr.Error()
		r.ec.AgentExecutions = append(r.ec.AgentExecutions, rec)
		v.out = stepOutput{Cost: rec.Cost, Tokens: rec.TokensUsed}
		return collaboratorFailure(schema.ErrCodeAgentFailed, "agent", n.AgentID, id, timeout, callErr)
	}
	r.ec.AgentExecutions = append(r.ec.AgentExecutions, rec)

	if err := o.mapper.ApplyOutput(v.ctx, n.OutputMapping, resp.Output, r.ec.Variables, mapping.LastAgentOutput); err != nil {
		v.out = stepOutput{Cost: resp.Cost, Tokens: resp.TokensUsed}
		return schema.NewErrorf(schema.ErrCodeValidation, "map output of agent %s: %v", n.AgentID, err).
			WithStep(id).WithCause(err)
	}

	v.out = stepOutput{
		Output:   resp.Output,
		Cost:     resp.Cost,
		Tokens:   resp.TokensUsed,
		Produces: true,
		Metadata: map[string]any{
			"agentId":           n.AgentID,
			"runId":             resp.ID,
			"status":            resp.Status,
			"tokensUsed":        resp.TokensUsed,
			"toolCalls":         len(resp.ToolCalls),
			"knowledgeSearches": len(resp.KnowledgeSearches),
		},
	}
	return nil
}

func (v *stepVisitor) VisitTool(n *schema.ToolNode) error {
	o, r, id := v.o, v.r, v.node.ID
	if o.tools == nil {
		return schema.NewErrorf(schema.ErrCodeToolFailed, "no tool runner configured for tool %s", n.ToolID).WithStep(id)
	}

	params, err := o.mapper.BuildInput(v.ctx, n.ParameterMapping, r.ec.Scope())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "build parameters for tool %s: %v", n.ToolID, err).
			WithStep(id).WithCause(err)
	}
	timeout := n.TimeoutOr(r.settings.StepTimeout())
	req := ToolRequest{
		FunctionName: n.Function(),
		Parameters:   params,
		CallerType:   CallerTypeWorkflow,
		CallerID:     r.id,
		Timeout:      timeout,
		TimeoutMs:    timeout.Milliseconds(),
	}

	callCtx, cancel := collaboratorContext(v.ctx, timeout)
	defer cancel()

	began := o.now()
	raw, callErr := o.breakers.Execute("tool:"+n.ToolID, func() (any, error) {
		resp, err := o.tools.Execute(callCtx, n.ToolID, req)
		if err == nil && resp == nil {
			err = errors.New("tool returned no response")
		}
		return resp, err
	})
	resp, _ := raw.(*ToolResponse)

	rec := schema.ToolExecutionRecord{
		StepID:       id,
		ToolID:       n.ToolID,
		FunctionName: req.FunctionName,
		At:           began,
		DurationMs:   o.now().Sub(began).Milliseconds(),
		Status:       "completed",
	}
	if resp != nil {
		rec.RunID = resp.ID
		rec.Cost = resp.Cost
	}
	if callErr != nil {
		rec.Status = "failed"
		rec.Error = callErr.Error()
		r.ec.ToolExecutions = append(r.ec.ToolExecutions, rec)
		v.out = stepOutput{Cost: rec.Cost}
		return collaboratorFailure(schema.ErrCodeToolFailed, "tool", n.ToolID, id, timeout, callErr)
	}
	r.ec.ToolExecutions = append(r.ec.ToolExecutions, rec)

	if err := o.mapper.ApplyOutput(v.ctx, n.OutputMapping, resp.Result, r.ec.Variables, mapping.LastToolOutput); err != nil {
		v.out = stepOutput{Cost: resp.Cost}
		return schema.NewErrorf(schema.ErrCodeValidation, "map output of tool %s: %v", n.ToolID, err).
			WithStep(id).WithCause(err)
	}

	v.out = stepOutput{
		Output:   resp.Result,
		Cost:     resp.Cost,
		Produces: true,
		Metadata: map[string]any{
			"toolId":       n.ToolID,
			"functionName": req.FunctionName,
			"runId":        resp.ID,
			"status":       resp.Status,
		},
	}
	return nil
}

func (v *stepVisitor) VisitCondition(n *schema.ConditionNode) error {
	o, r, id := v.o, v.r, v.node.ID
	meta := map[string]any{"condition": n.Condition}

	ok, err := o.eval.EvaluateBool(v.ctx, n.Condition, r.ec.Scope())
	if err != nil {
		if r.settings.StrictConditions {
			return schema.AsFlowError(err, schema.ErrCodeConditionEval).WithStep(id)
		}
		o.logger.WarnContext(v.ctx, "condition failed to evaluate, treated as false",
			"step_id", id, "condition", n.Condition, "error", err)
		meta["error"] = err.Error()
		ok = false
	}

	r.ec.Variables[id+"_result"] = ok
	v.out = stepOutput{
		Output:   map[string]any{"result": ok, "condition": n.Condition},
		Metadata: meta,
	}
	return nil
}

func (v *stepVisitor) VisitLoop(n *schema.LoopNode) error {
	iterations, err := v.o.runLoop(v.ctx, v.r, v.node, n)
	if errors.Is(err, errPausedInLoop) {
		return err
	}
	v.r.ec.Variables[v.node.ID+"_iterations"] = iterations
	if err != nil {
		return err
	}
	v.out = stepOutput{
		Output:   map[string]any{"type": string(n.Loop.Type), "iterations": iterations},
		Metadata: map[string]any{"bodyStepId": n.Loop.BodyStepID, "maxIterations": n.MaxIterations(v.r.settings)},
	}
	return nil
}

func (v *stepVisitor) VisitHITL(n *schema.HITLNode) error {
	o, r, id := v.o, v.r, v.node.ID

	req, err := v.hitlRequest(n)
	if err != nil {
		return err
	}
	if !slices.Contains(r.ec.HITLRequests, req.ID) {
		r.ec.HITLRequests = append(r.ec.HITLRequests, req.ID)
	}

	if err := o.enterHITLWait(v.ctx, r, req.ID); err != nil {
		r.clearHITLWait()
		return err
	}
	resolved, waitErr := o.gate.Wait(v.ctx, req.ID)
	if v.ctx.Err() != nil {
		r.clearHITLWait()
		return v.ctx.Err()
	}
	if err := o.exitHITLWait(v.ctx, r); err != nil {
		return err
	}
	if resolved == nil {
		return schema.AsFlowError(waitErr, schema.ErrCodeStore).WithStep(id)
	}

	r.ec.Variables[id+"_result"] = string(resolved.Status)
	o.metrics.hitlOutcome(resolved.Status)
	meta := map[string]any{"requestId": resolved.ID, "decision": string(resolved.Status)}

	if waitErr == nil {
		output := map[string]any{
			"status":     "approved",
			"requestId":  resolved.ID,
			"resolvedBy": resolved.ResolvedBy,
		}
		if res := resolved.Resolution; res != nil {
			output["decisionData"] = res.DecisionData
			if res.Reason != "" {
				output["reason"] = res.Reason
			}
		}
		v.out = stepOutput{Output: output, Produces: true, Metadata: meta}
		return nil
	}

	switch schema.CodeOf(waitErr) {
	case schema.ErrCodeHITLRejected, schema.ErrCodeHITLTimeout:
		if n.ErrorHandling == schema.ErrorPolicyFail {
			return waitErr
		}
		o.logger.InfoContext(v.ctx, "hitl request not approved", "step_id", id,
			"request_id", resolved.ID, "status", resolved.Status)
		v.out = stepOutput{
			Output: map[string]any{
				"status":    "failed",
				"error":     waitErr.Error(),
				"requestId": resolved.ID,
				"decision":  string(resolved.Status),
			},
			Produces: true,
			Failed:   true,
			Error:    waitErr.Error(),
			Metadata: meta,
		}
		return nil
	default:
		return waitErr
	}
}

// hitlRequest reattaches to the request an adopted execution was waiting
// on, or opens a new one.
func (v *stepVisitor) hitlRequest(n *schema.HITLNode) (*schema.HITLRequest, error) {
	o, r, id := v.o, v.r, v.node.ID
	if reqID := r.takeReattach(); reqID != "" {
		req, err := o.store.GetHITLRequest(v.ctx, reqID)
		if err == nil && req.StepID == id {
			return req, nil
		}
		o.logger.WarnContext(v.ctx, "pending hitl request not reattached",
			"step_id", id, "request_id", reqID, "error", err)
	}

	title := n.Title
	if title == "" {
		title = v.node.Label
	}
	return o.gate.Request(v.ctx, hitl.RequestSpec{
		ExecutionID:  r.id,
		WorkflowID:   r.workflowID,
		StepID:       id,
		Title:        title,
		Description:  n.Description,
		Assignees:    n.Assignees,
		AssigneeRule: n.AssigneeRule,
		RequestedBy:  r.userID,
		Timeout:      n.TimeoutOr(0),
	})
}

// collaboratorContext detaches a collaborator call from execution
// cancellation; only the step timeout bounds it.
func collaboratorContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if timeout > 0 {
		return context.WithTimeout(base, timeout)
	}
	return context.WithCancel(base)
}

func collaboratorFailure(code, kind, targetID, stepID string, timeout time.Duration, err error) *schema.FlowError {
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewErrorf(code, "%s %s timeout after %s", kind, targetID, timeout).
			WithStep(stepID).WithCause(err)
	}
	return schema.NewErrorf(code, "%s %s failed: %v", kind, targetID, err).WithStep(stepID).WithCause(err)
}
