package engine

import (
	"fmt"
	"slices"
	"time"

	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// ExecutionContext is the in-memory working copy of one execution. It is
// owned by the goroutine driving the execution and passed by reference to
// every step, including loop bodies.
type ExecutionContext struct {
	ExecutionID string
	WorkflowID  string

	Variables       map[string]any
	StepResults     map[string]*schema.StepResult
	CompletedSteps  []string
	FailedSteps     []string
	RetryCount      int
	Cost            float64
	HITLRequests    []string
	AgentExecutions []schema.AgentExecutionRecord
	ToolExecutions  []schema.ToolExecutionRecord

	// LastOutput is the output of the most recent agent, tool or hitl step.
	LastOutput any

	path        []schema.PathEntry
	decisions   []schema.DecisionPoint
	timings     map[string]int64
	bottlenecks []schema.Bottleneck
	stepRuns    int
	tokens      int
	elapsedMs   int64
	retried     map[string]int
	bound       [][]binding
}

// NewExecutionContext seeds a context for a new execution.
func NewExecutionContext(executionID, workflowID string, vars map[string]any) *ExecutionContext {
	if vars == nil {
		vars = map[string]any{}
	}
	return &ExecutionContext{
		ExecutionID:    executionID,
		WorkflowID:     workflowID,
		Variables:      vars,
		StepResults:    make(map[string]*schema.StepResult),
		CompletedSteps: []string{},
		FailedSteps:    []string{},
		timings:        make(map[string]int64),
		retried:        make(map[string]int),
	}
}

// RehydrateContext rebuilds a context from a persisted record.
func RehydrateContext(exec *schema.WorkflowExecution) *ExecutionContext {
	c := NewExecutionContext(exec.ID, exec.WorkflowID, expressions.CloneMap(exec.Variables))
	for id, r := range exec.StepResults {
		c.StepResults[id] = r
	}
	c.CompletedSteps = append(c.CompletedSteps, exec.CompletedSteps...)
	c.FailedSteps = append(c.FailedSteps, exec.FailedSteps...)
	c.RetryCount = exec.RetryCount
	c.Cost = exec.Cost
	c.HITLRequests = slices.Clone(exec.HITLRequests)
	c.AgentExecutions = slices.Clone(exec.AgentExecutions)
	c.ToolExecutions = slices.Clone(exec.ToolExecutions)
	c.elapsedMs = exec.ExecutionTimeMs
	c.LastOutput = exec.Output

	if pm := exec.PerformanceMetrics; pm != nil {
		for id, ms := range pm.StepTimings {
			c.timings[id] = ms
		}
		c.bottlenecks = slices.Clone(pm.Bottlenecks)
		c.stepRuns = pm.TotalSteps
		c.tokens = pm.TotalTokensUsed
	}
	if ad := exec.AnalyticsData; ad != nil {
		c.path = slices.Clone(ad.ExecutionPath)
		c.decisions = slices.Clone(ad.DecisionPoints)
	}
	return c
}

// Scope exposes variables and step results to expressions and mappings.
// Each step is visible as its result fields (output, status, cost, ...)
// plus, when the output is an object, the output's own keys.
func (c *ExecutionContext) Scope() *expressions.Scope {
	steps := make(map[string]any, len(c.StepResults))
	for id, r := range c.StepResults {
		view := map[string]any{
			"output":        r.Output,
			"status":        string(r.Status),
			"cost":          r.Cost,
			"executionTime": r.ExecutionTimeMs,
			"attempts":      r.Attempts,
			"metadata":      r.Metadata,
			"error":         r.Error,
		}
		if out, ok := r.Output.(map[string]any); ok {
			for k, v := range out {
				if _, reserved := view[k]; !reserved {
					view[k] = v
				}
			}
		}
		steps[id] = view
	}
	return &expressions.Scope{Variables: c.Variables, Steps: steps}
}

// binding is the value a loop binding replaced.
type binding struct {
	key     string
	val     any
	existed bool
}

// Bind sets variables for the duration of a loop iteration. The returned
// function restores the previous values, deleting keys that did not exist.
// Bindings nest; restores must run in reverse order of the binds.
func (c *ExecutionContext) Bind(bindings map[string]any) (restore func()) {
	frame := make([]binding, 0, len(bindings))
	for k, v := range bindings {
		old, ok := c.Variables[k]
		frame = append(frame, binding{k, old, ok})
		c.Variables[k] = v
	}
	c.bound = append(c.bound, frame)
	return func() {
		c.bound = c.bound[:len(c.bound)-1]
		unbind(c.Variables, frame)
	}
}

func unbind(vars map[string]any, frame []binding) {
	for _, b := range frame {
		if b.existed {
			vars[b.key] = b.val
		} else {
			delete(vars, b.key)
		}
	}
}

// unboundVariables copies the variables as they are outside every active
// loop iteration.
func (c *ExecutionContext) unboundVariables() map[string]any {
	vars := expressions.CloneMap(c.Variables)
	for i := len(c.bound) - 1; i >= 0; i-- {
		unbind(vars, c.bound[i])
	}
	return vars
}

func (c *ExecutionContext) enter(node *schema.Node, at time.Time) {
	c.path = append(c.path, schema.PathEntry{StepID: node.ID, NodeType: node.Type, EnteredAt: at})
}

func (c *ExecutionContext) addDecisions(dps []schema.DecisionPoint) {
	c.decisions = append(c.decisions, dps...)
}

// record stores a step result and updates the accumulators. Only the cost
// of the recorded attempt is added.
func (c *ExecutionContext) record(res *schema.StepResult, tokens int, threshold time.Duration) (bottleneck bool) {
	c.StepResults[res.StepID] = res
	c.Cost += res.Cost
	c.tokens += tokens
	c.stepRuns++
	c.timings[res.StepID] += res.ExecutionTimeMs
	if res.Status == schema.StepFailed {
		c.FailedSteps = append(c.FailedSteps, res.StepID)
	} else {
		c.CompletedSteps = append(c.CompletedSteps, res.StepID)
	}
	if res.Attempts > 1 {
		c.retried[res.StepID] += res.Attempts - 1
	}
	if threshold > 0 && time.Duration(res.ExecutionTimeMs)*time.Millisecond > threshold {
		c.bottlenecks = append(c.bottlenecks, schema.Bottleneck{StepID: res.StepID, DurationMs: res.ExecutionTimeMs})
		return true
	}
	return false
}

// Progress is the share of the graph's nodes completed, capped at 100.
func (c *ExecutionContext) Progress(totalNodes int) float64 {
	if totalNodes == 0 {
		return 0
	}
	return min(100, float64(len(c.CompletedSteps))/float64(totalNodes)*100)
}

// PerformanceMetrics summarises step timings and cost.
func (c *ExecutionContext) PerformanceMetrics(elapsed time.Duration) *schema.PerformanceMetrics {
	pm := &schema.PerformanceMetrics{
		TotalSteps:      c.stepRuns,
		TotalTimeMs:     c.elapsedMs + elapsed.Milliseconds(),
		StepTimings:     make(map[string]int64, len(c.timings)),
		Bottlenecks:     slices.Clone(c.bottlenecks),
		TotalCost:       c.Cost,
		TotalTokensUsed: c.tokens,
	}
	var sum int64
	for id, ms := range c.timings {
		pm.StepTimings[id] = ms
		sum += ms
		if ms > pm.SlowestStepMs || (ms == pm.SlowestStepMs && id < pm.SlowestStepID) {
			pm.SlowestStepMs = ms
			pm.SlowestStepID = id
		}
	}
	if c.stepRuns > 0 {
		pm.AverageStepMs = float64(sum) / float64(c.stepRuns)
	}
	return pm
}

// AnalyticsData describes the traversal and suggests optimisations.
func (c *ExecutionContext) AnalyticsData() *schema.AnalyticsData {
	ad := &schema.AnalyticsData{
		ExecutionPath:           slices.Clone(c.path),
		DecisionPoints:          slices.Clone(c.decisions),
		OptimizationSuggestions: []string{},
		ParallelExecutions:      []any{},
	}
	if ad.ExecutionPath == nil {
		ad.ExecutionPath = []schema.PathEntry{}
	}
	if ad.DecisionPoints == nil {
		ad.DecisionPoints = []schema.DecisionPoint{}
	}
	for _, b := range c.bottlenecks {
		ad.OptimizationSuggestions = append(ad.OptimizationSuggestions,
			fmt.Sprintf("step %s took %dms; consider a faster agent/tool or caching its result", b.StepID, b.DurationMs))
	}
	ids := make([]string, 0, len(c.retried))
	for id := range c.retried {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		ad.OptimizationSuggestions = append(ad.OptimizationSuggestions,
			fmt.Sprintf("step %s needed %d retries; check the reliability of its collaborator", id, c.retried[id]))
	}
	for _, dp := range c.decisions {
		if dp.Error != "" {
			ad.OptimizationSuggestions = append(ad.OptimizationSuggestions,
				fmt.Sprintf("condition %q on edge %s failed to evaluate: %s", dp.Condition, dp.EdgeID, dp.Error))
		}
	}
	return ad
}

// Snapshot copies the context into a checkpoint with cursor as the resume
// point. elapsed is the running time of the current loop segment.
func (c *ExecutionContext) Snapshot(cursor string, elapsed time.Duration) *store.Checkpoint {
	results := make(map[string]*schema.StepResult, len(c.StepResults))
	for id, r := range c.StepResults {
		cp := *r
		results[id] = &cp
	}
	return &store.Checkpoint{
		CurrentStep:        cursor,
		CompletedSteps:     slices.Clone(c.CompletedSteps),
		FailedSteps:        slices.Clone(c.FailedSteps),
		Variables:          c.unboundVariables(),
		StepResults:        results,
		RetryCount:         c.RetryCount,
		Cost:               c.Cost,
		ExecutionTimeMs:    c.elapsedMs + elapsed.Milliseconds(),
		HITLRequests:       slices.Clone(c.HITLRequests),
		AgentExecutions:    slices.Clone(c.AgentExecutions),
		ToolExecutions:     slices.Clone(c.ToolExecutions),
		PerformanceMetrics: c.PerformanceMetrics(elapsed),
		AnalyticsData:      c.AnalyticsData(),
	}
}

// closeSegment folds a finished loop segment's running time into the total.
func (c *ExecutionContext) closeSegment(elapsed time.Duration) {
	c.elapsedMs += elapsed.Milliseconds()
}
