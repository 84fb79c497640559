package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

func TestExecute_LinearWorkflowCompletes(t *testing.T) {
	h := newHarness(t)
	h.save(t, linearAgents("wf-linear", "a1", "a2"))

	res, err := h.orch.Execute(context.Background(), "wf-linear", map[string]any{"topic": "go"}, ExecuteOptions{})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, []string{"start", "a1", "a2", "end"}, res.Execution.CompletedSteps)
	assert.Empty(t, res.Execution.FailedSteps)
	assert.InDelta(t, 2.0, res.Execution.Cost, 1e-9)
	assert.Equal(t, map[string]any{"agent": "a2"}, res.Output)
	assert.NotNil(t, res.Execution.CompletedAt)
	assert.Nil(t, res.Error)

	require.NotNil(t, res.PerformanceMetrics)
	assert.Equal(t, 4, res.PerformanceMetrics.TotalSteps)
	assert.Equal(t, 20, res.PerformanceMetrics.TotalTokensUsed)
	require.NotNil(t, res.AnalyticsData)
	path := make([]string, 0, len(res.AnalyticsData.ExecutionPath))
	for _, p := range res.AnalyticsData.ExecutionPath {
		path = append(path, p.StepID)
	}
	assert.Equal(t, []string{"start", "a1", "a2", "end"}, path)

	types := h.events.types(res.ExecutionID)
	require.NotEmpty(t, types)
	assert.Equal(t, schema.EventExecutionStarted, types[0])
	assert.Equal(t, schema.EventExecutionCompleted, types[len(types)-1])
	assert.Contains(t, types, schema.EventExecutionProgress)
	assert.Equal(t, schema.EventExecutionProgress, types[len(types)-2], "the end node reports progress before completion")
	progress := h.events.ofType(schema.EventExecutionProgress)
	final := progress[len(progress)-1].Payload
	assert.Equal(t, "end", final["currentStep"])
	assert.Equal(t, 4, final["completedSteps"])
	assert.InDelta(t, 100.0, final["progress"], 1e-9)

	stored, err := h.store.GetEvents(context.Background(), res.ExecutionID, 0)
	require.NoError(t, err)
	assert.Len(t, stored, len(types), "every event is also appended to the event log")

	calls := h.agents.requests()
	require.Len(t, calls, 2)
	assert.Equal(t, "go", calls[0].Req.Input["topic"])
	assert.Equal(t, res.ExecutionID, calls[0].Req.Context["executionId"])
}

func TestExecute_RejectsBadWorkflows(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	noStart := newWorkflow("wf-no-start").
		node("a1", schema.NodeTypeAgent, map[string]any{"agentId": "a1"}).
		node("end", schema.NodeTypeEnd, nil).
		edge("a1", "end").build()
	h.save(t, noStart)

	draft := linearAgents("wf-draft", "a1")
	draft.Status = schema.WorkflowStatusDraft
	h.save(t, draft)

	noEnd := newWorkflow("wf-no-end").
		node("start", schema.NodeTypeStart, nil).
		node("a1", schema.NodeTypeAgent, map[string]any{"agentId": "a1"}).
		edge("start", "a1").build()
	h.save(t, noEnd)

	unknownType := newWorkflow("wf-unknown").
		node("start", schema.NodeTypeStart, nil).
		node("x", schema.NodeType("webhook"), nil).
		node("end", schema.NodeTypeEnd, nil).
		edge("start", "x").edge("x", "end").build()
	h.save(t, unknownType)

	tests := []struct {
		name string
		id   string
		code string
	}{
		{"missing start node", "wf-no-start", schema.ErrCodeInvalidWorkflow},
		{"inactive workflow", "wf-draft", schema.ErrCodeInvalidWorkflow},
		{"missing end node", "wf-no-end", schema.ErrCodeInvalidWorkflow},
		{"unknown node type", "wf-unknown", schema.ErrCodeUnknownStep},
		{"unknown workflow", "wf-missing", schema.ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.orch.Execute(ctx, tt.id, nil, ExecuteOptions{})
			require.Error(t, err)
			assert.Nil(t, res)
			assert.Equal(t, tt.code, schema.CodeOf(err))
		})
	}

	execs, err := h.store.ListExecutions(ctx, store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, execs, "rejected workflows never create an execution record")
	assert.Zero(t, h.agents.count("a1"))
}

func TestExecute_VariablePrecedence(t *testing.T) {
	h := newHarness(t)
	wf := linearAgents("wf-vars", "a1")
	wf.Variables = map[string]any{"x": 1, "y": 1}
	h.save(t, wf)

	res, err := h.orch.Execute(context.Background(), "wf-vars",
		map[string]any{"y": 2, "z": 2},
		ExecuteOptions{Variables: map[string]any{"z": 3}})
	require.NoError(t, err)

	vars := res.Execution.Variables
	assert.EqualValues(t, 1, vars["x"])
	assert.EqualValues(t, 2, vars["y"])
	assert.EqualValues(t, 3, vars["z"])
	assert.Equal(t, map[string]any{"agent": "a1"}, vars["lastAgentOutput"])
}

func TestExecute_InputSchemaValidation(t *testing.T) {
	h := newHarness(t)
	wf := linearAgents("wf-schema", "a1")
	wf.InputSchema = json.RawMessage(`{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`)
	h.save(t, wf)

	_, err := h.orch.Execute(context.Background(), "wf-schema", map[string]any{}, ExecuteOptions{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	res, err := h.orch.Execute(context.Background(), "wf-schema", map[string]any{"name": "ada"}, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, res.Status)
}

func TestExecute_RetryPolicy(t *testing.T) {
	h := newHarness(t)
	h.agents.fn = func(int, string, AgentRequest) (*AgentResponse, error) {
		return nil, errCollaborator
	}
	wf := newWorkflow("wf-retry").
		node("start", schema.NodeTypeStart, nil).
		node("a1", schema.NodeTypeAgent, map[string]any{
			"agentId": "a1", "errorHandling": "retry", "maxRetries": 3,
		}).
		node("end", schema.NodeTypeEnd, nil).
		edge("start", "a1").edge("a1", "end").build()
	h.save(t, wf)

	res, err := h.orch.Execute(context.Background(), "wf-retry", nil, ExecuteOptions{})
	require.Error(t, err)
	require.NotNil(t, res)

	assert.Equal(t, 4, h.agents.count("a1"), "one attempt plus three retries")
	assert.Equal(t, schema.ErrCodeAgentFailed, schema.CodeOf(err))
	assert.Equal(t, "a1", schema.StepOf(err))

	assert.Equal(t, schema.ExecutionFailed, res.Status)
	require.NotNil(t, res.Execution.ErrorDetails)
	assert.Equal(t, "a1", res.Execution.ErrorDetails.StepID)
	assert.Equal(t, schema.ErrCodeAgentFailed, res.Execution.ErrorDetails.Kind)
	assert.Equal(t, 3, res.Execution.ErrorDetails.RetryCount)
	assert.Equal(t, 3, res.Execution.RetryCount)
	assert.Contains(t, res.Execution.FailedSteps, "a1")
	assert.Contains(t, res.Execution.Error, "upstream unavailable")
	assert.Len(t, h.events.ofType(schema.EventStepRetrying), 3)
	assert.Len(t, res.Execution.AgentExecutions, 4)
}

func TestExecute_RetryBudgetFromSettings(t *testing.T) {
	h := newHarness(t)
	h.agents.fn = func(int, string, AgentRequest) (*AgentResponse, error) {
		return nil, errCollaborator
	}
	wf := newWorkflow("wf-retry-settings").
		node("start", schema.NodeTypeStart, nil).
		node("a1", schema.NodeTypeAgent, map[string]any{"agentId": "a1", "errorHandling": "retry"}).
		node("end", schema.NodeTypeEnd, nil).
		edge("start", "a1").edge("a1", "end").
		settings(schema.Settings{DefaultRetryAttempts: intPtr(1)}).build()
	h.save(t, wf)

	_, err := h.orch.Execute(context.Background(), "wf-retry-settings", nil, ExecuteOptions{})
	require.Error(t, err)
	assert.Equal(t, 2, h.agents.count("a1"))
}

func TestExecute_FailPolicyDoesNotRetry(t *testing.T) {
	h := newHarness(t)
	h.agents.fn = func(int, string, AgentRequest) (*AgentResponse, error) {
		return nil, errCollaborator
	}
	h.save(t, linearAgents("wf-fail", "a1", "a2"))

	res, err := h.orch.Execute(context.Background(), "wf-fail", nil, ExecuteOptions{})
	require.Error(t, err)
	assert.Equal(t, 1, h.agents.count("a1"))
	assert.Zero(t, h.agents.count("a2"))
	assert.Equal(t, schema.ExecutionFailed, res.Status)

	stored, err := h.store.GetExecution(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, stored.Status)
	assert.Contains(t, h.events.types(res.ExecutionID), schema.EventExecutionFailed)
}

func TestExecute_CostExcludesDiscardedAttempts(t *testing.T) {
	h := newHarness(t)
	h.agents.fn = func(n int, _ string, _ AgentRequest) (*AgentResponse, error) {
		if n < 3 {
			return &AgentResponse{Cost: 5}, errCollaborator
		}
		return &AgentResponse{ID: "ok", Output: "done", Cost: 1}, nil
	}
	wf := newWorkflow("wf-cost").
		node("start", schema.NodeTypeStart, nil).
		node("a1", schema.NodeTypeAgent, map[string]any{
			"agentId": "a1", "errorHandling": "retry", "maxRetries": 3,
		}).
		node("end", schema.NodeTypeEnd, nil).
		edge("start", "a1").edge("a1", "end").build()
	h.save(t, wf)

	res, err := h.orch.Execute(context.Background(), "wf-cost", nil, ExecuteOptions{})
	require.NoError(t, err)

	assert.InDelta(t, 1.0, res.Execution.Cost, 1e-9)
	step := res.Execution.StepResults["a1"]
	require.NotNil(t, step)
	assert.Equal(t, 3, step.Attempts)
	assert.InDelta(t, 1.0, step.Cost, 1e-9)
	assert.EqualValues(t, 10, step.Metadata["discardedCost"])
	assert.Equal(t, "done", res.Output)
	assert.Equal(t, 2, res.Execution.RetryCount)
}

func TestExecute_ContinuePolicy(t *testing.T) {
	h := newHarness(t)
	h.agents.fn = func(n int, id string, _ AgentRequest) (*AgentResponse, error) {
		if id == "a1" {
			return nil, errCollaborator
		}
		return &AgentResponse{Output: "a2 ran", Cost: 1}, nil
	}
	wf := newWorkflow("wf-continue").
		node("start", schema.NodeTypeStart, nil).
		node("a1", schema.NodeTypeAgent, map[string]any{"agentId": "a1", "errorHandling": "continue"}).
		node("a2", schema.NodeTypeAgent, map[string]any{"agentId": "a2"}).
		node("end", schema.NodeTypeEnd, nil).
		edge("start", "a1").edge("a1", "a2").edge("a2", "end").build()
	h.save(t, wf)

	res, err := h.orch.Execute(context.Background(), "wf-continue", nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, []string{"a1"}, res.Execution.FailedSteps)
	assert.Equal(t, []string{"start", "a2", "end"}, res.Execution.CompletedSteps)
	assert.Equal(t, schema.StepFailed, res.Execution.StepResults["a1"].Status)
	assert.Equal(t, "a2 ran", res.Output)
}

func TestExecute_ContinuePolicyWithoutExitEscalates(t *testing.T) {
	h := newHarness(t)
	h.agents.fn = func(int, string, AgentRequest) (*AgentResponse, error) {
		return nil, errCollaborator
	}
	wf := newWorkflow("wf-continue-dead-end").
		node("start", schema.NodeTypeStart, nil).
		node("a1", schema.NodeTypeAgent, map[string]any{"agentId": "a1", "errorHandling": "continue"}).
		node("end", schema.NodeTypeEnd, nil).
		edge("start", "a1").build()
	h.save(t, wf)

	res, err := h.orch.Execute(context.Background(), "wf-continue-dead-end", nil, ExecuteOptions{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeAgentFailed, schema.CodeOf(err))
	assert.Equal(t, schema.ExecutionFailed, res.Status)
}

func TestExecute_NodeWithoutExitCompletes(t *testing.T) {
	h := newHarness(t)
	wf := newWorkflow("wf-dangling").
		node("start", schema.NodeTypeStart, nil).
		node("a1", schema.NodeTypeAgent, map[string]any{"agentId": "a1"}).
		node("end", schema.NodeTypeEnd, nil).
		edge("start", "a1").build()
	h.save(t, wf)

	res, err := h.orch.Execute(context.Background(), "wf-dangling", nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, []string{"start", "a1"}, res.Execution.CompletedSteps)
}

func conditionWorkflow(id string) *schema.Workflow {
	return newWorkflow(id).
		node("start", schema.NodeTypeStart, nil).
		node("A", schema.NodeTypeAgent, map[string]any{"agentId": "scorer"}).
		node("C", schema.NodeTypeCondition, map[string]any{"condition": "${steps.A.output.score} > 0.5"}).
		node("T", schema.NodeTypeTool, map[string]any{"toolId": "publish"}).
		node("end", schema.NodeTypeEnd, nil).
		edge("start", "A").
		edge("A", "C").
		edge("C", "T", "${C_result}").
		edge("C", "end").
		edge("T", "end").build()
}

func TestExecute_ConditionBranches(t *testing.T) {
	for _, tt := range []struct {
		name      string
		score     float64
		wantSteps []string
		wantOut   any
		wantTools int
	}{
		{"true branch", 0.9, []string{"start", "A", "C", "T", "end"}, map[string]any{"tool": "publish"}, 1},
		{"false branch", 0.1, []string{"start", "A", "C", "end"}, map[string]any{"score": 0.1}, 0},
	} {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.agents.fn = func(_ int, _ string, _ AgentRequest) (*AgentResponse, error) {
				return &AgentResponse{Output: map[string]any{"score": tt.score}, Cost: 1}, nil
			}
			h.save(t, conditionWorkflow("wf-branch"))

			res, err := h.orch.Execute(context.Background(), "wf-branch", nil, ExecuteOptions{})
			require.NoError(t, err)
			assert.Equal(t, schema.ExecutionCompleted, res.Status)
			assert.Equal(t, tt.wantSteps, res.Execution.CompletedSteps)
			assert.Equal(t, tt.wantOut, res.Output)
			assert.Equal(t, tt.score > 0.5, res.Execution.Variables["C_result"])
			assert.Len(t, h.tools.requests(), tt.wantTools)
			assert.NotEmpty(t, res.AnalyticsData.DecisionPoints)
		})
	}
}

func TestExecute_RoutingIsDeterministic(t *testing.T) {
	h := newHarness(t)
	wf := newWorkflow("wf-route").
		node("start", schema.NodeTypeStart, nil).
		node("a", schema.NodeTypeAgent, map[string]any{"agentId": "a"}).
		node("b", schema.NodeTypeAgent, map[string]any{"agentId": "b"}).
		node("end", schema.NodeTypeEnd, nil).
		edge("start", "a", "${x} > 1").
		edge("start", "b", "${x} > 2").
		edge("a", "end").edge("b", "end").build()
	h.save(t, wf)

	for range 5 {
		res, err := h.orch.Execute(context.Background(), "wf-route", map[string]any{"x": 5}, ExecuteOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"start", "a", "end"}, res.Execution.CompletedSteps, "first matching edge wins")
	}
	assert.Zero(t, h.agents.count("b"))
}

func TestExecute_NoValidPath(t *testing.T) {
	h := newHarness(t)
	wf := newWorkflow("wf-no-path").
		node("start", schema.NodeTypeStart, nil).
		node("a", schema.NodeTypeAgent, map[string]any{"agentId": "a"}).
		node("end", schema.NodeTypeEnd, nil).
		edge("start", "a", "${x} > 10").
		edge("start", "end", "${x} < 0").
		edge("a", "end").build()
	h.save(t, wf)

	res, err := h.orch.Execute(context.Background(), "wf-no-path", map[string]any{"x": 5}, ExecuteOptions{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNoValidPath, schema.CodeOf(err))
	assert.Equal(t, "start", schema.StepOf(err))
	assert.Equal(t, schema.ExecutionFailed, res.Status)
}

func TestExecute_ConditionErrors(t *testing.T) {
	build := func(strict bool) *schema.Workflow {
		return newWorkflow("wf-cond-err").
			node("start", schema.NodeTypeStart, nil).
			node("c", schema.NodeTypeCondition, map[string]any{"condition": "${x} >"}).
			node("end", schema.NodeTypeEnd, nil).
			edge("start", "c").edge("c", "end").
			settings(schema.Settings{StrictConditions: strict}).build()
	}

	t.Run("lenient treats errors as false", func(t *testing.T) {
		h := newHarness(t)
		h.save(t, build(false))
		res, err := h.orch.Execute(context.Background(), "wf-cond-err", map[string]any{"x": 1}, ExecuteOptions{})
		require.NoError(t, err)
		assert.Equal(t, false, res.Execution.Variables["c_result"])
		assert.Contains(t, res.Execution.StepResults["c"].Metadata, "error")
	})

	t.Run("strict fails the execution", func(t *testing.T) {
		h := newHarness(t)
		h.save(t, build(true))
		res, err := h.orch.Execute(context.Background(), "wf-cond-err", map[string]any{"x": 1}, ExecuteOptions{})
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeConditionEval, schema.CodeOf(err))
		assert.Equal(t, "c", schema.StepOf(err))
		assert.Equal(t, schema.ExecutionFailed, res.Status)
	})
}

func TestExecute_ToolRequestAndOutputMapping(t *testing.T) {
	h := newHarness(t)
	wf := newWorkflow("wf-tool").
		node("start", schema.NodeTypeStart, nil).
		node("t1", schema.NodeTypeTool, map[string]any{
			"toolId":           "search",
			"parameterMapping": map[string]any{"q": "${query}", "limit": 5},
			"outputMapping":    map[string]any{"found": "tool"},
			"timeout":          2000,
		}).
		node("t2", schema.NodeTypeTool, map[string]any{"toolId": "index", "functionName": "reindex"}).
		node("end", schema.NodeTypeEnd, nil).
		edge("start", "t1").edge("t1", "t2").edge("t2", "end").build()
	h.save(t, wf)

	res, err := h.orch.Execute(context.Background(), "wf-tool", map[string]any{"query": "golang"}, ExecuteOptions{})
	require.NoError(t, err)

	calls := h.tools.requests()
	require.Len(t, calls, 2)
	first := calls[0].Req
	assert.Equal(t, "search", calls[0].ToolID)
	assert.Equal(t, schema.DefaultToolFunctionName, first.FunctionName)
	assert.Equal(t, CallerTypeWorkflow, first.CallerType)
	assert.Equal(t, res.ExecutionID, first.CallerID)
	assert.Equal(t, int64(2000), first.TimeoutMs)
	assert.Equal(t, 2*time.Second, first.Timeout)
	assert.Equal(t, "golang", first.Parameters["q"])
	assert.EqualValues(t, 5, first.Parameters["limit"])

	second := calls[1].Req
	assert.Equal(t, "reindex", second.FunctionName)
	assert.Equal(t, schema.DefaultStepTimeout.Milliseconds(), second.TimeoutMs)

	assert.Equal(t, "search", res.Execution.Variables["found"])
	assert.Equal(t, map[string]any{"tool": "index"}, res.Execution.Variables["lastToolOutput"])
	assert.Len(t, res.Execution.ToolExecutions, 2)
	assert.InDelta(t, 1.0, res.Execution.Cost, 1e-9)
}

func TestExecute_ToolTimeout(t *testing.T) {
	h := newHarness(t)
	h.tools.fn = func(_ int, _ string, req ToolRequest) (*ToolResponse, error) {
		return nil, context.DeadlineExceeded
	}
	wf := newWorkflow("wf-tool-timeout").
		node("start", schema.NodeTypeStart, nil).
		node("t1", schema.NodeTypeTool, map[string]any{"toolId": "slow", "timeout": 10}).
		node("end", schema.NodeTypeEnd, nil).
		edge("start", "t1").edge("t1", "end").build()
	h.save(t, wf)

	res, err := h.orch.Execute(context.Background(), "wf-tool-timeout", nil, ExecuteOptions{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeToolFailed, schema.CodeOf(err))
	require.NotNil(t, res.Execution.ErrorDetails)
	assert.True(t, res.Execution.ErrorDetails.Recoverable, "timeouts are recoverable")
}

func TestExecute_WhileLoopIsBounded(t *testing.T) {
	h := newHarness(t)
	wf := newWorkflow("wf-while").
		node("start", schema.NodeTypeStart, nil).
		node("loop", schema.NodeTypeLoop, map[string]any{
			"loop": map[string]any{"type": "while", "condition": "${keepGoing}", "bodyStepId": "t"},
		}).
		node("t", schema.NodeTypeTool, map[string]any{"toolId": "tick"}).
		node("end", schema.NodeTypeEnd, nil).
		edge("start", "loop").
		edge("loop", "t").
		edge("t", "loop").
		edge("loop", "end").
		vars(map[string]any{"keepGoing": true}).build()
	h.save(t, wf)

	res, err := h.orch.Execute(context.Background(), "wf-while", nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Len(t, h.tools.requests(), schema.DefaultMaxIterations)
	assert.EqualValues(t, schema.DefaultMaxIterations, res.Execution.Variables["loop_iterations"])
	assert.Equal(t, "while", res.Execution.StepResults["loop"].Output.(map[string]any)["type"])
}

func TestExecute_WhileLoopStopsOnCondition(t *testing.T) {
	h := newHarness(t)
	h.tools.fn = func(n int, _ string, _ ToolRequest) (*ToolResponse, error) {
		return &ToolResponse{Result: n}, nil
	}
	wf := newWorkflow("wf-while-stop").
		node("start", schema.NodeTypeStart, nil).
		node("loop", schema.NodeTypeLoop, map[string]any{
			"loop": map[string]any{"type": "while", "condition": "${counter} < 3", "bodyStepId": "t", "maxIterations": 10},
		}).
		node("t", schema.NodeTypeTool, map[string]any{"toolId": "count", "outputMapping": map[string]any{"counter": "."}}).
		node("end", schema.NodeTypeEnd, nil).
		edge("start", "loop").edge("t", "loop").edge("loop", "end").
		vars(map[string]any{"counter": 0}).build()
	h.save(t, wf)

	res, err := h.orch.Execute(context.Background(), "wf-while-stop", nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Len(t, h.tools.requests(), 3)
	assert.EqualValues(t, 3, res.Execution.Variables["loop_iterations"])
	assert.EqualValues(t, 3, res.Execution.Variables["counter"])
}

func TestExecute_ForEachBindsAndRestores(t *testing.T) {
	h := newHarness(t)
	wf := newWorkflow("wf-foreach").
		node("start", schema.NodeTypeStart, nil).
		node("loop", schema.NodeTypeLoop, map[string]any{
			"loop": map[string]any{"type": "forEach", "items": "${items}", "bodyStepId": "a"},
		}).
		node("a", schema.NodeTypeAgent, map[string]any{
			"agentId":      "worker",
			"inputMapping": map[string]any{"value": "${item}", "position": "${index}"},
		}).
		node("end", schema.NodeTypeEnd, nil).
		edge("start", "loop").edge("a", "loop").edge("loop", "end").
		vars(map[string]any{"items": []any{"x", "y", "z"}, "item": "keep"}).build()
	h.save(t, wf)

	res, err := h.orch.Execute(context.Background(), "wf-foreach", nil, ExecuteOptions{})
	require.NoError(t, err)

	calls := h.agents.requests()
	require.Len(t, calls, 3)
	for i, want := range []string{"x", "y", "z"} {
		assert.Equal(t, want, calls[i].Req.Input["value"])
		assert.EqualValues(t, i, calls[i].Req.Input["position"])
	}

	vars := res.Execution.Variables
	assert.Equal(t, "keep", vars["item"], "a pre-existing binding is restored")
	assert.NotContains(t, vars, "index", "a new binding is removed")
	assert.EqualValues(t, 3, vars["loop_iterations"])
	assert.Equal(t, []string{"start", "a", "a", "a", "loop", "end"}, res.Execution.CompletedSteps)
}

func TestExecute_ForEachRejectsNonArray(t *testing.T) {
	h := newHarness(t)
	wf := newWorkflow("wf-foreach-bad").
		node("start", schema.NodeTypeStart, nil).
		node("loop", schema.NodeTypeLoop, map[string]any{
			"loop": map[string]any{"type": "forEach", "items": "${count}", "bodyStepId": "a"},
		}).
		node("a", schema.NodeTypeAgent, map[string]any{"agentId": "worker"}).
		node("end", schema.NodeTypeEnd, nil).
		edge("start", "loop").edge("a", "loop").edge("loop", "end").
		vars(map[string]any{"count": 3}).build()
	h.save(t, wf)

	_, err := h.orch.Execute(context.Background(), "wf-foreach-bad", nil, ExecuteOptions{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	assert.Equal(t, "loop", schema.StepOf(err))
}

func TestExecute_LoopBodyMustReturn(t *testing.T) {
	h := newHarness(t)
	wf := newWorkflow("wf-body-cycle").
		node("start", schema.NodeTypeStart, nil).
		node("loop", schema.NodeTypeLoop, map[string]any{
			"loop": map[string]any{"type": "forEach", "items": []any{1}, "bodyStepId": "a"},
		}).
		node("a", schema.NodeTypeAgent, map[string]any{"agentId": "a"}).
		node("b", schema.NodeTypeAgent, map[string]any{"agentId": "b"}).
		node("end", schema.NodeTypeEnd, nil).
		edge("start", "loop").edge("a", "b").edge("b", "a").edge("loop", "end").build()
	h.save(t, wf)

	_, err := h.orch.Execute(context.Background(), "wf-body-cycle", nil, ExecuteOptions{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidWorkflow, schema.CodeOf(err))
	assert.Equal(t, 1, h.agents.count("a"))
	assert.Equal(t, 1, h.agents.count("b"))
}

func hitlWorkflow(id string, hitlData map[string]any) *schema.Workflow {
	return newWorkflow(id).
		node("start", schema.NodeTypeStart, nil).
		node("h", schema.NodeTypeHITL, hitlData).
		node("a", schema.NodeTypeAgent, map[string]any{"agentId": "after"}).
		node("end", schema.NodeTypeEnd, nil).
		edge("start", "h").edge("h", "a").edge("a", "end").build()
}

func TestExecute_HITLTimeoutIsSoftFailure(t *testing.T) {
	h := newHarness(t)
	h.save(t, newWorkflow("wf-hitl-timeout").
		node("start", schema.NodeTypeStart, nil).
		node("h", schema.NodeTypeHITL, map[string]any{"title": "Approve", "timeout": 100}).
		node("end", schema.NodeTypeEnd, nil).
		edge("start", "h").edge("h", "end").build())

	res, err := h.orch.Execute(context.Background(), "wf-hitl-timeout", nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, res.Status)

	step := res.Execution.StepResults["h"]
	require.NotNil(t, step)
	out, ok := step.Output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "failed", out["status"])
	assert.NotEmpty(t, out["error"])
	assert.NotEmpty(t, out["requestId"])
	assert.Contains(t, res.Execution.FailedSteps, "h")
	assert.Equal(t, "expired", res.Execution.Variables["h_result"])
	assert.Empty(t, res.Execution.PendingHITL)
	assert.Len(t, res.Execution.HITLRequests, 1)

	types := h.events.types(res.ExecutionID)
	assert.Contains(t, types, schema.EventExecutionPaused)
	assert.Contains(t, types, schema.EventExecutionResumed)
	assert.Contains(t, types, schema.EventHITLExpired)
}

func TestExecute_HITLRejectionEscalatesUnderFailPolicy(t *testing.T) {
	h := newHarness(t)
	h.save(t, hitlWorkflow("wf-hitl-reject", map[string]any{"title": "Approve", "errorHandling": "fail"}))

	id, err := h.orch.Start(context.Background(), "wf-hitl-reject", nil, ExecuteOptions{})
	require.NoError(t, err)
	reqID := h.pendingRequest(t, id)

	_, err = h.orch.ResolveHITL(context.Background(), reqID, hitlDecision(false))
	require.NoError(t, err)

	res, err := h.orch.Wait(context.Background(), id)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeHITLRejected, schema.CodeOf(err))
	assert.Equal(t, schema.ExecutionFailed, res.Status)
	assert.Zero(t, h.agents.count("after"))
}

func TestExecute_BottleneckDetection(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	h := newHarness(t, func(c *Config) {
		c.BottleneckThreshold = time.Millisecond
		c.Metrics = m
	})
	h.agents.fn = func(int, string, AgentRequest) (*AgentResponse, error) {
		time.Sleep(10 * time.Millisecond)
		return &AgentResponse{Output: "slow"}, nil
	}
	h.save(t, linearAgents("wf-slow", "a1"))

	res, err := h.orch.Execute(context.Background(), "wf-slow", nil, ExecuteOptions{})
	require.NoError(t, err)

	require.Len(t, res.PerformanceMetrics.Bottlenecks, 1)
	assert.Equal(t, "a1", res.PerformanceMetrics.Bottlenecks[0].StepID)
	assert.Equal(t, "a1", res.PerformanceMetrics.SlowestStepID)
	assert.Len(t, h.events.ofType(schema.EventStepBottleneck), 1)
	assert.InDelta(t, 1, testutil.ToFloat64(m.bottlenecks), 0)
	assert.NotEmpty(t, res.AnalyticsData.OptimizationSuggestions)
}

func TestExecute_CircuitBreakerOpens(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.CircuitBreaker = &CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Minute, HalfOpenMax: 1}
	})
	h.agents.fn = func(int, string, AgentRequest) (*AgentResponse, error) {
		return nil, errCollaborator
	}
	wf := newWorkflow("wf-breaker").
		node("start", schema.NodeTypeStart, nil).
		node("a1", schema.NodeTypeAgent, map[string]any{
			"agentId": "flaky", "errorHandling": "retry", "maxRetries": 4,
		}).
		node("end", schema.NodeTypeEnd, nil).
		edge("start", "a1").edge("a1", "end").build()
	h.save(t, wf)

	_, err := h.orch.Execute(context.Background(), "wf-breaker", nil, ExecuteOptions{})
	require.Error(t, err)
	assert.Equal(t, 2, h.agents.count("flaky"), "calls stop once the breaker opens")
	assert.Contains(t, err.Error(), "circuit breaker")
}

func TestExecute_MetricsTrackLifecycle(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	h := newHarness(t, func(c *Config) { c.Metrics = m })
	h.save(t, linearAgents("wf-metrics", "a1"))
	h.agents.fn = func(n int, _ string, _ AgentRequest) (*AgentResponse, error) {
		if n == 1 {
			return nil, errCollaborator
		}
		return &AgentResponse{Output: "ok"}, nil
	}

	_, err = h.orch.Execute(context.Background(), "wf-metrics", nil, ExecuteOptions{})
	require.Error(t, err)
	_, err = h.orch.Execute(context.Background(), "wf-metrics", nil, ExecuteOptions{})
	require.NoError(t, err)

	assert.InDelta(t, 2, testutil.ToFloat64(m.executionsStarted), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.executionsFinished.WithLabelValues("FAILED")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.executionsFinished.WithLabelValues("COMPLETED")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.activeExecutions), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.pausedExecutions), 0)
}

func TestNewOrchestrator_RequiresStore(t *testing.T) {
	_, err := NewOrchestrator(Config{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestExecute_MissingRunner(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Agents = nil })
	h.save(t, linearAgents("wf-no-runner", "a1"))

	_, err := h.orch.Execute(context.Background(), "wf-no-runner", nil, ExecuteOptions{})
	require.Error(t, err)
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeAgentFailed, fe.Code)
}
