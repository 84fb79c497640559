package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/internal/streaming"
	"github.com/rendis/agentflow/pkg/schema"
)

// --- Workflow builder ---

type workflowBuilder struct {
	wf *schema.Workflow
}

func newWorkflow(id string) *workflowBuilder {
	return &workflowBuilder{wf: &schema.Workflow{
		ID:      id,
		Name:    id,
		Version: 1,
		Status:  schema.WorkflowStatusActive,
	}}
}

func (b *workflowBuilder) node(id string, typ schema.NodeType, data any) *workflowBuilder {
	n := schema.Node{ID: id, Type: typ, Label: id}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			panic(err)
		}
		n.Data = raw
	}
	b.wf.Nodes = append(b.wf.Nodes, n)
	return b
}

func (b *workflowBuilder) edge(source, target string, condition ...string) *workflowBuilder {
	e := schema.Edge{ID: fmt.Sprintf("%s->%s", source, target), Source: source, Target: target}
	if len(condition) > 0 {
		e.Condition = condition[0]
	}
	b.wf.Edges = append(b.wf.Edges, e)
	return b
}

func (b *workflowBuilder) vars(v map[string]any) *workflowBuilder {
	b.wf.Variables = v
	return b
}

func (b *workflowBuilder) settings(s schema.Settings) *workflowBuilder {
	b.wf.Settings = s
	return b
}

func (b *workflowBuilder) build() *schema.Workflow { return b.wf }

// linear builds start -> ids... -> end where every id is an agent node.
func linearAgents(id string, agents ...string) *schema.Workflow {
	b := newWorkflow(id).node("start", schema.NodeTypeStart, nil)
	prev := "start"
	for _, a := range agents {
		b.node(a, schema.NodeTypeAgent, map[string]any{"agentId": a})
		b.edge(prev, a)
		prev = a
	}
	return b.node("end", schema.NodeTypeEnd, nil).edge(prev, "end").build()
}

func intPtr(v int) *int { return &v }

// --- Collaborator fakes ---

type agentCall struct {
	AgentID string
	Req     AgentRequest
}

type fakeAgents struct {
	mu    sync.Mutex
	calls []agentCall
	// fn answers the n-th call (1-based) of the whole fake.
	fn func(n int, agentID string, req AgentRequest) (*AgentResponse, error)
}

func (f *fakeAgents) Execute(ctx context.Context, agentID string, req AgentRequest) (*AgentResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, agentCall{AgentID: agentID, Req: req})
	n := len(f.calls)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return &AgentResponse{
			ID:         fmt.Sprintf("run-%d", n),
			Output:     map[string]any{"agent": agentID},
			Cost:       1,
			TokensUsed: 10,
			Status:     "completed",
		}, nil
	}
	return fn(n, agentID, req)
}

func (f *fakeAgents) count(agentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.AgentID == agentID {
			n++
		}
	}
	return n
}

func (f *fakeAgents) requests() []agentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

type toolCall struct {
	ToolID string
	Req    ToolRequest
}

type fakeTools struct {
	mu    sync.Mutex
	calls []toolCall
	fn    func(n int, toolID string, req ToolRequest) (*ToolResponse, error)
}

func (f *fakeTools) Execute(ctx context.Context, toolID string, req ToolRequest) (*ToolResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, toolCall{ToolID: toolID, Req: req})
	n := len(f.calls)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return &ToolResponse{ID: fmt.Sprintf("tool-run-%d", n), Result: map[string]any{"tool": toolID}, Cost: 0.5, Status: "ok"}, nil
	}
	return fn(n, toolID, req)
}

func (f *fakeTools) requests() []toolCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// --- Notifier ---

type recordingNotifier struct {
	mu     sync.Mutex
	events []streaming.Event
}

func (r *recordingNotifier) Notify(_ context.Context, e streaming.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingNotifier) types(executionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.ExecutionID == executionID {
			out = append(out, e.Type)
		}
	}
	return out
}

func (r *recordingNotifier) ofType(eventType string) []streaming.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []streaming.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// --- Harness ---

type harness struct {
	store  *store.MemoryStore
	agents *fakeAgents
	tools  *fakeTools
	events *recordingNotifier
	reg    *prometheus.Registry
	orch   Orchestrator
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		store:  store.NewMemoryStore(),
		agents: &fakeAgents{},
		tools:  &fakeTools{},
		events: &recordingNotifier{},
		reg:    prometheus.NewRegistry(),
	}
	cfg := Config{
		Store:      h.store,
		Agents:     h.agents,
		Tools:      h.tools,
		Notifier:   h.events,
		Registerer: h.reg,
		PoolSize:   4,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if ms, ok := cfg.Store.(*store.MemoryStore); ok {
		h.store = ms
	}
	o, err := NewOrchestrator(cfg)
	require.NoError(t, err)
	h.orch = o
	t.Cleanup(o.Shutdown)
	return h
}

func withStore(s *store.MemoryStore) func(*Config) {
	return func(c *Config) { c.Store = s }
}

func (h *harness) save(t *testing.T, wf *schema.Workflow) {
	t.Helper()
	require.NoError(t, h.store.SaveWorkflow(context.Background(), wf))
}

// waitStatus polls the store until the execution reaches want.
func (h *harness) waitStatus(t *testing.T, id string, want schema.ExecutionStatus) *schema.WorkflowExecution {
	t.Helper()
	var exec *schema.WorkflowExecution
	require.Eventually(t, func() bool {
		var err error
		exec, err = h.store.GetExecution(context.Background(), id)
		return err == nil && exec.Status == want
	}, 5*time.Second, 5*time.Millisecond, "execution %s never reached %s", id, want)
	return exec
}

// pendingRequest polls until the execution has a pending hitl request.
func (h *harness) pendingRequest(t *testing.T, id string) string {
	t.Helper()
	return h.nextRequest(t, id, "")
}

// nextRequest polls until the execution waits on a request other than prev.
func (h *harness) nextRequest(t *testing.T, id, prev string) string {
	t.Helper()
	var reqID string
	require.Eventually(t, func() bool {
		exec, err := h.store.GetExecution(context.Background(), id)
		if err != nil {
			return false
		}
		reqID = exec.PendingHITL
		return reqID != "" && reqID != prev && exec.Status == schema.ExecutionPaused
	}, 5*time.Second, 5*time.Millisecond)
	return reqID
}

// gatedAgents blocks every call to agentID until release is closed.
func gatedAgents(agentID string, entered chan<- struct{}, release <-chan struct{}) func(int, string, AgentRequest) (*AgentResponse, error) {
	return func(n int, id string, _ AgentRequest) (*AgentResponse, error) {
		if id == agentID {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
		}
		return &AgentResponse{ID: fmt.Sprintf("run-%d", n), Output: map[string]any{"agent": id}, Cost: 1}, nil
	}
}

var errCollaborator = errors.New("upstream unavailable")
