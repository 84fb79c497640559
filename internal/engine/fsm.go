package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// TransitionHook is called after an execution status change was persisted.
type TransitionHook func(ctx context.Context, exec *schema.WorkflowExecution, from, to schema.ExecutionStatus)

type transitionKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM validates execution status transitions and persists them with
// a status guard, so two concurrent transitions from the same state cannot
// both succeed.
type ExecutionFSM struct {
	store store.Store

	mu    sync.RWMutex
	after map[transitionKey][]TransitionHook
	every []TransitionHook
}

// NewExecutionFSM creates an FSM persisting through s.
func NewExecutionFSM(s store.Store) *ExecutionFSM {
	return &ExecutionFSM{
		store: s,
		after: make(map[transitionKey][]TransitionHook),
	}
}

// OnAfter registers a hook for one specific transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := transitionKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// OnEvery registers a hook for every successful transition.
func (f *ExecutionFSM) OnEvery(hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.every = append(f.every, hook)
}

// Transition moves execution id to status to, applying update in the same
// store write. It fails with NOT_FOUND for unknown ids and INVALID_STATE when
// the transition is not allowed from the stored status (including when the
// status changed between the read and the write).
func (f *ExecutionFSM) Transition(ctx context.Context, id string, to schema.ExecutionStatus, update store.ExecutionUpdate) (*schema.WorkflowExecution, error) {
	current, err := f.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	from := current.Status
	if err := CheckTransition(id, from, to); err != nil {
		return nil, err
	}

	update.ExpectStatus = []schema.ExecutionStatus{from}
	update.Status = &to
	exec, err := f.store.UpdateExecution(ctx, id, update)
	if err != nil {
		if schema.CodeOf(err) == schema.ErrCodeConflict {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidState,
				"execution %s changed state concurrently (was %s)", id, from).WithCause(err)
		}
		return nil, err
	}

	f.mu.RLock()
	hooks := append(slices.Clone(f.after[transitionKey{from, to}]), f.every...)
	f.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, exec, from, to)
	}
	return exec, nil
}

// CheckTransition reports INVALID_STATE when from -> to is not allowed.
func CheckTransition(id string, from, to schema.ExecutionStatus) error {
	if slices.Contains(ValidExecutionTransitions[from], to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidState,
		"execution %s cannot move from %s to %s", id, from, to).
		WithDetails(map[string]any{"execution_id": id, "from": string(from), "to": string(to)})
}

// ValidExecutionTransitions defines the allowed status transitions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionRunning: {
		schema.ExecutionPaused, schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled,
	},
	schema.ExecutionPaused: {
		schema.ExecutionRunning, schema.ExecutionCancelled, schema.ExecutionFailed,
	},
	schema.ExecutionCompleted: {},
	schema.ExecutionFailed:    {},
	schema.ExecutionCancelled: {},
}
