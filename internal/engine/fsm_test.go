package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

type transitionRecord struct {
	from, to schema.ExecutionStatus
}

// hookRecorder collects transitions observed by FSM hooks.
type hookRecorder struct {
	mu   sync.Mutex
	seen []transitionRecord
}

func (h *hookRecorder) hook(_ context.Context, _ *schema.WorkflowExecution, from, to schema.ExecutionStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, transitionRecord{from, to})
}

func (h *hookRecorder) records() []transitionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]transitionRecord(nil), h.seen...)
}

func newFSMFixture(t *testing.T, status schema.ExecutionStatus) (*ExecutionFSM, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	require.NoError(t, s.CreateExecution(context.Background(), &schema.WorkflowExecution{
		ID:         "exec-1",
		WorkflowID: "wf-1",
		Status:     status,
	}))
	return NewExecutionFSM(s), s
}

func TestExecutionFSM_ValidTransitions(t *testing.T) {
	ctx := context.Background()
	fsm, s := newFSMFixture(t, schema.ExecutionRunning)
	rec := &hookRecorder{}
	fsm.OnEvery(rec.hook)

	_, err := fsm.Transition(ctx, "exec-1", schema.ExecutionPaused, store.ExecutionUpdate{})
	require.NoError(t, err)
	_, err = fsm.Transition(ctx, "exec-1", schema.ExecutionRunning, store.ExecutionUpdate{})
	require.NoError(t, err)
	out := "done"
	exec, err := fsm.Transition(ctx, "exec-1", schema.ExecutionCompleted, store.ExecutionUpdate{Output: out})
	require.NoError(t, err)
	assert.Equal(t, "done", exec.Output)

	stored, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, stored.Status)

	assert.Equal(t, []transitionRecord{
		{schema.ExecutionRunning, schema.ExecutionPaused},
		{schema.ExecutionPaused, schema.ExecutionRunning},
		{schema.ExecutionRunning, schema.ExecutionCompleted},
	}, rec.records())
}

func TestExecutionFSM_InvalidTransition(t *testing.T) {
	ctx := context.Background()
	fsm, _ := newFSMFixture(t, schema.ExecutionCompleted)
	rec := &hookRecorder{}
	fsm.OnEvery(rec.hook)

	_, err := fsm.Transition(ctx, "exec-1", schema.ExecutionRunning, store.ExecutionUpdate{})
	require.Error(t, err)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeInvalidState, fe.Code)
	assert.Contains(t, fe.Message, "COMPLETED")
	assert.Equal(t, "RUNNING", fe.Details["to"])
	assert.Empty(t, rec.records(), "hooks only run for persisted transitions")
}

func TestExecutionFSM_UnknownExecution(t *testing.T) {
	fsm := NewExecutionFSM(store.NewMemoryStore())
	_, err := fsm.Transition(context.Background(), "nope", schema.ExecutionPaused, store.ExecutionUpdate{})
	assert.True(t, IsNotFound(err))
}

func TestExecutionFSM_OnAfterFiresForMatchingTransitionOnly(t *testing.T) {
	ctx := context.Background()
	fsm, _ := newFSMFixture(t, schema.ExecutionRunning)
	rec := &hookRecorder{}
	fsm.OnAfter(schema.ExecutionPaused, schema.ExecutionRunning, rec.hook)

	_, err := fsm.Transition(ctx, "exec-1", schema.ExecutionPaused, store.ExecutionUpdate{})
	require.NoError(t, err)
	assert.Empty(t, rec.records())

	_, err = fsm.Transition(ctx, "exec-1", schema.ExecutionRunning, store.ExecutionUpdate{})
	require.NoError(t, err)
	assert.Len(t, rec.records(), 1)
}

func TestExecutionFSM_ConcurrentTransitionsOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	fsm, _ := newFSMFixture(t, schema.ExecutionRunning)

	targets := []schema.ExecutionStatus{
		schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled,
		schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled,
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for _, to := range targets {
		wg.Add(1)
		go func(to schema.ExecutionStatus) {
			defer wg.Done()
			if _, err := fsm.Transition(ctx, "exec-1", to, store.ExecutionUpdate{}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.Equal(t, schema.ErrCodeInvalidState, schema.CodeOf(err))
			}
		}(to)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestCheckTransition_Table(t *testing.T) {
	tests := []struct {
		from, to schema.ExecutionStatus
		ok       bool
	}{
		{schema.ExecutionRunning, schema.ExecutionPaused, true},
		{schema.ExecutionRunning, schema.ExecutionCancelled, true},
		{schema.ExecutionPaused, schema.ExecutionRunning, true},
		{schema.ExecutionPaused, schema.ExecutionFailed, true},
		{schema.ExecutionPaused, schema.ExecutionCompleted, false},
		{schema.ExecutionRunning, schema.ExecutionRunning, false},
		{schema.ExecutionFailed, schema.ExecutionRunning, false},
		{schema.ExecutionCancelled, schema.ExecutionPaused, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := CheckTransition("exec", tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Equal(t, schema.ErrCodeInvalidState, schema.CodeOf(err))
			}
		})
	}
}
