// Package streaming delivers execution lifecycle notifications: an in-memory
// hub for live subscribers plus outbound sinks (watermill, webhook, event log).
package streaming

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a lifecycle notification emitted during workflow execution.
type Event struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	ExecutionID string         `json:"executionId"`
	WorkflowID  string         `json:"workflowId,omitempty"`
	StepID      string         `json:"stepId,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// NewEvent stamps an id and timestamp on a new event.
func NewEvent(eventType, executionID, workflowID, stepID string, payload map[string]any) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		StepID:      stepID,
		Timestamp:   time.Now().UTC(),
		Payload:     payload,
	}
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// Notifier receives lifecycle events. Callers log Notify failures; they
// never fail an execution.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// EventHub provides pub/sub for real-time execution events.
type EventHub interface {
	Notifier
	Subscribe(ctx context.Context, filter EventFilter) (<-chan Event, func(), error)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, event Event) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, event Event) error { return f(ctx, event) }
