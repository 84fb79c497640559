package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/hitl"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/internal/validation"
	"github.com/rendis/agentflow/pkg/schema"
)

// --- Mock Orchestrator ---

type executeCall struct {
	WorkflowID string
	Input      map[string]any
	Opts       engine.ExecuteOptions
}

type mockOrchestrator struct {
	mu sync.Mutex

	executeResult *engine.ExecutionResult
	executeErr    error
	startID       string
	startErr      error
	exec          *schema.WorkflowExecution
	opErr         error
	resolved      *schema.HITLRequest

	executes  []executeCall
	starts    []executeCall
	ops       []string
	decisions []hitl.Decision
}

func (m *mockOrchestrator) Execute(_ context.Context, workflowID string, input map[string]any, opts engine.ExecuteOptions) (*engine.ExecutionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executes = append(m.executes, executeCall{workflowID, input, opts})
	return m.executeResult, m.executeErr
}

func (m *mockOrchestrator) Start(_ context.Context, workflowID string, input map[string]any, opts engine.ExecuteOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts = append(m.starts, executeCall{workflowID, input, opts})
	return m.startID, m.startErr
}

func (m *mockOrchestrator) Wait(context.Context, string) (*engine.ExecutionResult, error) {
	return m.executeResult, m.executeErr
}

func (m *mockOrchestrator) op(name, id string) (*schema.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, name+":"+id)
	if m.opErr != nil {
		return nil, m.opErr
	}
	return m.exec, nil
}

func (m *mockOrchestrator) Pause(_ context.Context, id string) (*schema.WorkflowExecution, error) {
	return m.op("pause", id)
}

func (m *mockOrchestrator) Resume(_ context.Context, id string) (*schema.WorkflowExecution, error) {
	return m.op("resume", id)
}

func (m *mockOrchestrator) Cancel(_ context.Context, id string) (*schema.WorkflowExecution, error) {
	return m.op("cancel", id)
}

func (m *mockOrchestrator) Status(_ context.Context, id string) (*schema.WorkflowExecution, error) {
	return m.op("status", id)
}

func (m *mockOrchestrator) ResolveHITL(_ context.Context, _ string, d hitl.Decision) (*schema.HITLRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, d)
	if m.opErr != nil {
		return nil, m.opErr
	}
	return m.resolved, nil
}

func (m *mockOrchestrator) Reconcile(context.Context) (*engine.ReconcileReport, error) {
	return &engine.ReconcileReport{}, nil
}

func (m *mockOrchestrator) Shutdown() {}

// --- Helpers ---

func newTestServer(t *testing.T, orch engine.Orchestrator) (*Server, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	v, err := validation.NewWorkflowValidator(nil)
	require.NoError(t, err)
	return NewServer(ServerDeps{Orchestrator: orch, Store: ms, Validator: v}), ms
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

// resultText returns the text of a single-content tool result.
func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	switch c := res.Content[0].(type) {
	case mcp.TextContent:
		return c.Text
	case *mcp.TextContent:
		return c.Text
	}
	t.Fatalf("unexpected content type %T", res.Content[0])
	return ""
}

// resultJSON decodes a successful tool result.
func resultJSON(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, res.IsError, resultText(t, res))
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	return out
}

// linearWorkflowArg is start → draft (agent) → end as a tool argument.
func linearWorkflowArg(id string) map[string]any {
	return map[string]any{
		"id":   id,
		"name": "Linear",
		"nodes": []any{
			map[string]any{"id": "start", "type": "start"},
			map[string]any{"id": "draft", "type": "agent", "data": map[string]any{"agentId": "writer"}},
			map[string]any{"id": "end", "type": "end"},
		},
		"edges": []any{
			map[string]any{"id": "e1", "source": "start", "target": "draft"},
			map[string]any{"id": "e2", "source": "draft", "target": "end"},
		},
	}
}

func linearWorkflow(id string) *schema.Workflow {
	return &schema.Workflow{
		ID:     id,
		Name:   "Linear",
		Status: schema.WorkflowStatusActive,
		Nodes: []schema.Node{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "draft", Type: schema.NodeTypeAgent, Data: json.RawMessage(`{"agentId":"writer"}`)},
			{ID: "end", Type: schema.NodeTypeEnd},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "draft"},
			{ID: "e2", Source: "draft", Target: "end"},
		},
	}
}
