// Package logging carries execution correlation ids through context.Context
// and injects them into slog records.
package logging

import (
	"context"
	"log/slog"
)

// Attribute names for correlation ids.
const (
	AttrExecutionID = "execution_id"
	AttrWorkflowID  = "workflow_id"
	AttrStepID      = "step_id"
)

// Correlation identifies the execution, workflow and step a log line
// belongs to. Empty fields are omitted from records.
type Correlation struct {
	ExecutionID string
	WorkflowID  string
	StepID      string
}

type correlationKey struct{}

// FromContext returns the correlation stored in ctx, zero if none.
func FromContext(ctx context.Context) Correlation {
	c, _ := ctx.Value(correlationKey{}).(Correlation)
	return c
}

// WithCorrelation stores c in ctx, replacing any previous value.
func WithCorrelation(ctx context.Context, c Correlation) context.Context {
	return context.WithValue(ctx, correlationKey{}, c)
}

// WithExecution sets the execution and workflow ids and clears the step.
func WithExecution(ctx context.Context, executionID, workflowID string) context.Context {
	return WithCorrelation(ctx, Correlation{ExecutionID: executionID, WorkflowID: workflowID})
}

// WithStepID sets the step id, keeping the execution and workflow.
func WithStepID(ctx context.Context, stepID string) context.Context {
	c := FromContext(ctx)
	c.StepID = stepID
	return WithCorrelation(ctx, c)
}

// Attrs returns the non-empty ids as slog attributes.
func (c Correlation) Attrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, 3)
	for _, kv := range [...][2]string{
		{AttrExecutionID, c.ExecutionID},
		{AttrWorkflowID, c.WorkflowID},
		{AttrStepID, c.StepID},
	} {
		if kv[1] != "" {
			attrs = append(attrs, slog.String(kv[0], kv[1]))
		}
	}
	return attrs
}

// Logger returns l with the correlation ids of ctx attached.
func Logger(ctx context.Context, l *slog.Logger) *slog.Logger {
	attrs := FromContext(ctx).Attrs()
	if len(attrs) == 0 {
		return l
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return l.With(args...)
}

// CorrelationHandler adds the correlation ids of the record's context to
// every record, so logger.InfoContext(ctx, ...) is enough.
type CorrelationHandler struct {
	next slog.Handler
}

// NewCorrelationHandler wraps next.
func NewCorrelationHandler(next slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{next: next}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if attrs := FromContext(ctx).Attrs(); len(attrs) > 0 {
		r = r.Clone()
		r.AddAttrs(attrs...)
	}
	return h.next.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewCorrelationHandler(h.next.WithAttrs(attrs))
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return NewCorrelationHandler(h.next.WithGroup(name))
}
