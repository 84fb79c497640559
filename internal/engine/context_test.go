package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/pkg/schema"
)

func TestExecutionContext_BindRestores(t *testing.T) {
	ec := NewExecutionContext("e", "w", map[string]any{"item": "outer", "keep": 1})
	restore := ec.Bind(map[string]any{"item": "inner", "index": 3})
	assert.Equal(t, "inner", ec.Variables["item"])
	assert.Equal(t, 3, ec.Variables["index"])

	ec.Variables["written"] = true
	restore()

	assert.Equal(t, "outer", ec.Variables["item"])
	assert.NotContains(t, ec.Variables, "index")
	assert.Equal(t, true, ec.Variables["written"], "body writes survive the iteration")
	assert.Equal(t, 1, ec.Variables["keep"])
}

func TestExecutionContext_SnapshotOmitsLiveBindings(t *testing.T) {
	ec := NewExecutionContext("e", "w", map[string]any{"item": "outer"})
	restoreOuter := ec.Bind(map[string]any{"item": 1, "index": 0})
	restoreInner := ec.Bind(map[string]any{"item": 2, "row": "r"})
	ec.Variables["written"] = "kept"

	cp := ec.Snapshot("loop", 0)
	assert.Equal(t, map[string]any{"item": "outer", "written": "kept"}, cp.Variables)
	assert.Equal(t, 2, ec.Variables["item"], "the live context keeps its bindings")

	restoreInner()
	assert.Equal(t, 1, ec.Variables["item"])
	restoreOuter()
	assert.Equal(t, map[string]any{"item": "outer", "written": "kept"}, ec.Variables)
}

func TestExecutionContext_ScopeExposesStepViews(t *testing.T) {
	ec := NewExecutionContext("e", "w", map[string]any{"x": 1})
	ec.record(&schema.StepResult{
		StepID: "a",
		Status: schema.StepCompleted,
		Output: map[string]any{"score": 0.7, "status": "shadowed"},
		Cost:   2,
	}, 0, 0)

	scope := ec.Scope()
	assert.Equal(t, 1, scope.Variables["x"])
	view, ok := scope.Steps["a"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 0.7, view["score"])
	assert.Equal(t, "completed", view["status"], "result fields win over output keys")
	assert.Equal(t, map[string]any{"score": 0.7, "status": "shadowed"}, view["output"])
	assert.Equal(t, 2.0, view["cost"])
}

func TestExecutionContext_RecordAccumulates(t *testing.T) {
	ec := NewExecutionContext("e", "w", nil)
	assert.False(t, ec.record(&schema.StepResult{StepID: "a", Status: schema.StepCompleted, Cost: 1, ExecutionTimeMs: 5}, 10, time.Second))
	assert.True(t, ec.record(&schema.StepResult{StepID: "b", Status: schema.StepFailed, Cost: 0.5, ExecutionTimeMs: 2000, Attempts: 3}, 0, time.Second))
	ec.record(&schema.StepResult{StepID: "a", Status: schema.StepCompleted, Cost: 1, ExecutionTimeMs: 7}, 5, time.Second)

	assert.Equal(t, []string{"a", "a"}, ec.CompletedSteps)
	assert.Equal(t, []string{"b"}, ec.FailedSteps)
	assert.InDelta(t, 2.5, ec.Cost, 1e-9)

	pm := ec.PerformanceMetrics(0)
	assert.Equal(t, 3, pm.TotalSteps)
	assert.Equal(t, 15, pm.TotalTokensUsed)
	assert.Equal(t, int64(12), pm.StepTimings["a"])
	assert.Equal(t, "b", pm.SlowestStepID)
	assert.Equal(t, int64(2000), pm.SlowestStepMs)
	require.Len(t, pm.Bottlenecks, 1)
	assert.Equal(t, "b", pm.Bottlenecks[0].StepID)

	ad := ec.AnalyticsData()
	assert.Len(t, ad.OptimizationSuggestions, 2, "one for the bottleneck, one for the retries")
	assert.NotNil(t, ad.ParallelExecutions)
}

func TestExecutionContext_Progress(t *testing.T) {
	ec := NewExecutionContext("e", "w", nil)
	assert.Zero(t, ec.Progress(0))
	ec.CompletedSteps = []string{"a", "b"}
	assert.InDelta(t, 50.0, ec.Progress(4), 1e-9)
	ec.CompletedSteps = []string{"a", "a", "a", "a", "a"}
	assert.InDelta(t, 100.0, ec.Progress(4), 1e-9, "loop iterations never push progress past 100")
}

func TestExecutionContext_SnapshotIsIsolated(t *testing.T) {
	ec := NewExecutionContext("e", "w", map[string]any{"nested": map[string]any{"k": "v"}})
	ec.record(&schema.StepResult{StepID: "a", Status: schema.StepCompleted}, 0, 0)

	cp := ec.Snapshot("b", 10*time.Millisecond)
	assert.Equal(t, "b", cp.CurrentStep)
	assert.Equal(t, []string{"a"}, cp.CompletedSteps)
	assert.Equal(t, int64(10), cp.ExecutionTimeMs)

	ec.Variables["nested"].(map[string]any)["k"] = "changed"
	ec.StepResults["a"].Status = schema.StepFailed
	ec.CompletedSteps = append(ec.CompletedSteps, "b")

	assert.Equal(t, "v", cp.Variables["nested"].(map[string]any)["k"])
	assert.Equal(t, schema.StepCompleted, cp.StepResults["a"].Status)
	assert.Len(t, cp.CompletedSteps, 1)
}

func TestRehydrateContext_RoundTrip(t *testing.T) {
	ec := NewExecutionContext("e", "w", map[string]any{"x": 1})
	ec.enter(&schema.Node{ID: "a", Type: schema.NodeTypeAgent}, time.Now())
	ec.record(&schema.StepResult{StepID: "a", Status: schema.StepCompleted, Cost: 3, ExecutionTimeMs: 4}, 9, 0)
	ec.RetryCount = 1
	ec.LastOutput = "out"
	ec.closeSegment(20 * time.Millisecond)
	cp := ec.Snapshot("end", 0)

	exec := &schema.WorkflowExecution{
		ID:                 "e",
		WorkflowID:         "w",
		CompletedSteps:     cp.CompletedSteps,
		Variables:          cp.Variables,
		StepResults:        cp.StepResults,
		RetryCount:         cp.RetryCount,
		Cost:               cp.Cost,
		ExecutionTimeMs:    cp.ExecutionTimeMs,
		PerformanceMetrics: cp.PerformanceMetrics,
		AnalyticsData:      cp.AnalyticsData,
		Output:             "out",
	}
	back := RehydrateContext(exec)
	assert.Equal(t, ec.CompletedSteps, back.CompletedSteps)
	assert.Equal(t, 1, back.RetryCount)
	assert.InDelta(t, 3.0, back.Cost, 1e-9)
	assert.Equal(t, "out", back.LastOutput)

	pm := back.PerformanceMetrics(0)
	assert.Equal(t, int64(20), pm.TotalTimeMs)
	assert.Equal(t, 9, pm.TotalTokensUsed)
	assert.Len(t, back.AnalyticsData().ExecutionPath, 1)
}
