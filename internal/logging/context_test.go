package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelation_Context(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, Correlation{}, FromContext(ctx))

	ctx = WithStepID(WithExecution(ctx, "exec-9", "wf-123"), "step-1")
	assert.Equal(t, Correlation{ExecutionID: "exec-9", WorkflowID: "wf-123", StepID: "step-1"}, FromContext(ctx))

	// A new execution drops the previous step.
	ctx = WithExecution(ctx, "exec-10", "wf-123")
	assert.Empty(t, FromContext(ctx).StepID)
}

func TestCorrelation_Attrs(t *testing.T) {
	assert.Empty(t, Correlation{}.Attrs())

	attrs := Correlation{ExecutionID: "e", StepID: "s"}.Attrs()
	require.Len(t, attrs, 2)
	assert.True(t, attrs[0].Equal(slog.String(AttrExecutionID, "e")))
	assert.True(t, attrs[1].Equal(slog.String(AttrStepID, "s")))
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	assert.Same(t, base, Logger(context.Background(), base))

	Logger(WithExecution(context.Background(), "exec-only", ""), base).Info("partial context")
	out := buf.String()
	assert.Contains(t, out, "execution_id=exec-only")
	assert.NotContains(t, out, "workflow_id")
	assert.NotContains(t, out, "step_id")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithStepID(WithExecution(context.Background(), "exec-auto", "wf-auto"), "step-auto")
	logger.InfoContext(ctx, "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"execution_id":"exec-auto"`)
	assert.Contains(t, output, `"workflow_id":"wf-auto"`)
	assert.Contains(t, output, `"step_id":"step-auto"`)
}

func TestCorrelationHandlerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "bare log")

	output := buf.String()
	assert.NotContains(t, output, "execution_id")
	assert.NotContains(t, output, "workflow_id")
	assert.Contains(t, output, "bare log")
}

func TestCorrelationHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	handler := NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "engine")}))

	logger.InfoContext(WithExecution(context.Background(), "exec-attr", ""), "with attrs")

	output := buf.String()
	assert.Contains(t, output, `"execution_id":"exec-attr"`)
	assert.Contains(t, output, `"component":"engine"`)
}

func TestCorrelationHandlerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	handler := NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))
	logger := slog.New(handler.WithGroup("engine"))

	logger.InfoContext(WithExecution(context.Background(), "exec-grp", ""), "grouped", "key", "val")

	output := buf.String()
	assert.Contains(t, output, "exec-grp")
	assert.Contains(t, output, "grouped")
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", "json")

	logger.Info("hidden")
	logger.WarnContext(WithExecution(context.Background(), "exec-1", ""), "shown")

	output := buf.String()
	assert.NotContains(t, output, "hidden")
	assert.Contains(t, output, `"msg":"shown"`)
	assert.Contains(t, output, `"execution_id":"exec-1"`)

	buf.Reset()
	New(&buf, "debug", "text").Debug("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestOrDiscard(t *testing.T) {
	assert.NotNil(t, OrDiscard(nil))
	l := slog.Default()
	assert.Same(t, l, OrDiscard(l))
}
