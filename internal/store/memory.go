package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rendis/agentflow/pkg/schema"
)

// MemoryStore is a volatile Store kept in process memory. Records are deep
// copied through JSON on the way in and out, matching LibSQLStore semantics.
type MemoryStore struct {
	mu         sync.Mutex
	workflows  map[string][]byte
	executions map[string][]byte
	requests   map[string][]byte
	events     map[string][]*Event
	eventID    int64
	now        func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[string][]byte),
		executions: make(map[string][]byte),
		requests:   make(map[string][]byte),
		events:     make(map[string][]*Event),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Vacuum(context.Context) error  { return nil }
func (m *MemoryStore) Close() error                  { return nil }

// --- Workflows ---

func (m *MemoryStore) SaveWorkflow(_ context.Context, wf *schema.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if prev, ok := m.workflows[wf.ID]; ok && wf.CreatedAt.IsZero() {
		var old schema.Workflow
		_ = json.Unmarshal(prev, &old)
		wf.CreatedAt = old.CreatedAt
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	if wf.Status == "" {
		wf.Status = schema.WorkflowStatusDraft
	}
	return put(m.workflows, wf.ID, wf)
}

func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf := &schema.Workflow{}
	if err := get(m.workflows, "workflow", id, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

func (m *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.Workflow
	for id := range m.workflows {
		wf := &schema.Workflow{}
		if err := get(m.workflows, "workflow", id, wf); err != nil {
			return nil, err
		}
		if filter.Status != nil && wf.Status != *filter.Status {
			continue
		}
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version > out[j].Version
	})
	return truncate(out, filter.Limit), nil
}

// --- Executions ---

func (m *MemoryStore) CreateExecution(_ context.Context, exec *schema.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID)
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = m.now()
	}
	exec.UpdatedAt = m.now()
	return put(m.executions, exec.ID, exec)
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*schema.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec := &schema.WorkflowExecution{}
	if err := get(m.executions, "execution", id, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

func (m *MemoryStore) UpdateExecution(_ context.Context, id string, update ExecutionUpdate) (*schema.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec := &schema.WorkflowExecution{}
	if err := get(m.executions, "execution", id, exec); err != nil {
		return nil, err
	}
	if err := update.Apply(exec, m.now()); err != nil {
		return nil, err
	}
	if err := put(m.executions, id, exec); err != nil {
		return nil, err
	}
	out := &schema.WorkflowExecution{}
	return out, get(m.executions, "execution", id, out)
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*schema.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.WorkflowExecution
	for id := range m.executions {
		exec := &schema.WorkflowExecution{}
		if err := get(m.executions, "execution", id, exec); err != nil {
			return nil, err
		}
		if filter.Status != nil && exec.Status != *filter.Status {
			continue
		}
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		out = append(out, exec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return truncate(out, filter.Limit), nil
}

// --- HITL requests ---

func (m *MemoryStore) CreateHITLRequest(_ context.Context, req *schema.HITLRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[req.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "hitl request %q already exists", req.ID)
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = m.now()
	}
	if req.Status == "" {
		req.Status = schema.HITLPending
	}
	return put(m.requests, req.ID, req)
}

func (m *MemoryStore) GetHITLRequest(_ context.Context, id string) (*schema.HITLRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req := &schema.HITLRequest{}
	if err := get(m.requests, "hitl request", id, req); err != nil {
		return nil, err
	}
	return req, nil
}

func (m *MemoryStore) ResolveHITLRequest(_ context.Context, id string, res HITLResolution) (*schema.HITLRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req := &schema.HITLRequest{}
	if err := get(m.requests, "hitl request", id, req); err != nil {
		return nil, err
	}
	if req.Status != schema.HITLPending {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "hitl request %q already %s", id, req.Status).
			WithDetails(map[string]any{"status": string(req.Status)})
	}
	applyResolution(req, res, m.now())
	if err := put(m.requests, id, req); err != nil {
		return nil, err
	}
	out := &schema.HITLRequest{}
	return out, get(m.requests, "hitl request", id, out)
}

func (m *MemoryStore) ListHITLRequests(_ context.Context, filter HITLFilter) ([]*schema.HITLRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.HITLRequest
	for id := range m.requests {
		req := &schema.HITLRequest{}
		if err := get(m.requests, "hitl request", id, req); err != nil {
			return nil, err
		}
		if filter.ExecutionID != "" && req.ExecutionID != filter.ExecutionID {
			continue
		}
		if filter.Status != nil && req.Status != *filter.Status {
			continue
		}
		if filter.ExpiresBefore != nil && (req.ExpiresAt == nil || req.ExpiresAt.After(*filter.ExpiresBefore)) {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return truncate(out, filter.Limit), nil
}

// --- Events ---

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventID++
	event.ID = m.eventID
	event.Sequence = int64(len(m.events[event.ExecutionID]) + 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now()
	}
	cp := *event
	m.events[event.ExecutionID] = append(m.events[event.ExecutionID], &cp)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, executionID string, since int64) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for _, e := range m.events[executionID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func put(dst map[string][]byte, id string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", id, err)
	}
	dst[id] = b
	return nil
}

func get(src map[string][]byte, resource, id string, v any) error {
	b, ok := src[id]
	if !ok {
		return storeNotFound(resource, id)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("unmarshal %s %s: %w", resource, id, err)
	}
	return nil
}

func truncate[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}

var _ Store = (*MemoryStore)(nil)
