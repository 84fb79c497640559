package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/store"
)

// FanOut delivers each event to every sink in order. A failing sink does
// not stop delivery to the rest; failures are logged and joined.
type FanOut struct {
	sinks  []Notifier
	logger *slog.Logger
}

// NewFanOut creates a FanOut over sinks; nil sinks are skipped.
func NewFanOut(logger *slog.Logger, sinks ...Notifier) *FanOut {
	f := &FanOut{logger: logging.OrDiscard(logger)}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Notify implements Notifier.
func (f *FanOut) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Notify(ctx, event); err != nil {
			f.logger.Warn("event sink failed",
				"event_type", event.Type, "execution_id", event.ExecutionID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EventLogSink appends every event to the store's event log.
type EventLogSink struct {
	store store.Store
}

// NewEventLogSink creates an event log sink over s.
func NewEventLogSink(s store.Store) *EventLogSink {
	return &EventLogSink{store: s}
}

// Notify implements Notifier.
func (e *EventLogSink) Notify(ctx context.Context, event Event) error {
	var payload json.RawMessage
	if len(event.Payload) > 0 {
		b, err := json.Marshal(event.Payload)
		if err != nil {
			return err
		}
		payload = b
	}
	return e.store.AppendEvent(ctx, &store.Event{
		ExecutionID: event.ExecutionID,
		StepID:      event.StepID,
		Type:        event.Type,
		Payload:     payload,
		Timestamp:   event.Timestamp,
	})
}

var (
	_ Notifier = (*FanOut)(nil)
	_ Notifier = (*EventLogSink)(nil)
)
