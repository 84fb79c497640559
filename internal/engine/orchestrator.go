// Package engine drives workflow executions: it walks the workflow graph
// node by node, runs each node under its error policy, checkpoints the
// execution context to the store and implements the pause, resume, cancel
// and human-approval lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/internal/hitl"
	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/mapping"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/internal/streaming"
	"github.com/rendis/agentflow/internal/validation"
	"github.com/rendis/agentflow/pkg/schema"
)

// DefaultPoolSize bounds the executions driven concurrently by Start and
// Resume.
const DefaultPoolSize = 16

// ErrShuttingDown is returned for executions stopped by Shutdown.
var ErrShuttingDown = schema.NewError(schema.ErrCodeInterrupted, "orchestrator is shutting down")

// Orchestrator runs workflow executions.
type Orchestrator interface {
	// Execute runs a workflow to completion (or pause) on the calling
	// goroutine. On failure both the result and the error are returned.
	Execute(ctx context.Context, workflowID string, input map[string]any, opts ExecuteOptions) (*ExecutionResult, error)
	// Start creates the execution and drives it in the background.
	Start(ctx context.Context, workflowID string, input map[string]any, opts ExecuteOptions) (string, error)
	// Wait blocks until the execution's current loop stops (terminal or paused).
	Wait(ctx context.Context, executionID string) (*ExecutionResult, error)
	Pause(ctx context.Context, executionID string) (*schema.WorkflowExecution, error)
	Resume(ctx context.Context, executionID string) (*schema.WorkflowExecution, error)
	Cancel(ctx context.Context, executionID string) (*schema.WorkflowExecution, error)
	// ResolveHITL applies a human decision and wakes or re-adopts the
	// execution waiting on it.
	ResolveHITL(ctx context.Context, requestID string, decision hitl.Decision) (*schema.HITLRequest, error)
	Status(ctx context.Context, executionID string) (*schema.WorkflowExecution, error)
	// Reconcile repairs executions left behind by a previous process.
	Reconcile(ctx context.Context) (*ReconcileReport, error)
	Shutdown()
}

// InputValidator checks execution input against a workflow's input schema.
type InputValidator interface {
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// ExecuteOptions carry caller-supplied execution parameters.
type ExecuteOptions struct {
	// Variables override workflow variables and input keys.
	Variables map[string]any
	SessionID string
	UserID    string
}

// ExecutionResult is the outcome of a driving loop.
type ExecutionResult struct {
	ExecutionID        string                     `json:"executionId"`
	WorkflowID         string                     `json:"workflowId"`
	Status             schema.ExecutionStatus     `json:"status"`
	Output             any                        `json:"output,omitempty"`
	PerformanceMetrics *schema.PerformanceMetrics `json:"performanceMetrics,omitempty"`
	AnalyticsData      *schema.AnalyticsData      `json:"analyticsData,omitempty"`
	Error              *schema.FlowError          `json:"error,omitempty"`
	Execution          *schema.WorkflowExecution  `json:"execution"`
}

// ReconcileReport lists what Reconcile changed.
type ReconcileReport struct {
	Interrupted     []string `json:"interrupted"`
	Resumed         []string `json:"resumed"`
	ExpiredRequests int      `json:"expiredRequests"`
}

// Config holds orchestrator dependencies. Only Store is required.
type Config struct {
	Store store.Store

	Agents AgentRunner
	Tools  ToolRunner

	// Gate defaults to a gate on Store sharing the orchestrator notifier.
	Gate      *hitl.Gate
	Approvals hitl.ApprovalService
	Notifier  streaming.Notifier
	Validator InputValidator

	Evaluator *expressions.Evaluator
	JQ        *expressions.JQEngine

	// Registerer receives the engine metrics when Metrics is nil.
	Metrics    *Metrics
	Registerer prometheus.Registerer
	Tracer     trace.Tracer

	PoolSize       int
	CircuitBreaker *CircuitBreakerConfig
	// RetryDelay is the first delay between retry attempts, growing
	// exponentially. Zero retries immediately.
	RetryDelay time.Duration
	// BottleneckThreshold defaults to schema.BottleneckThreshold.
	BottleneckThreshold time.Duration

	Logger *slog.Logger
}

type orchestrator struct {
	store    store.Store
	agents   AgentRunner
	tools    ToolRunner
	gate     *hitl.Gate
	notifier streaming.Notifier
	inputs   InputValidator
	eval     *expressions.Evaluator
	mapper   *mapping.Mapper
	breakers *CircuitBreakerRegistry
	metrics  *Metrics
	tracer   trace.Tracer
	pool     *WorkerPool
	fsm      *ExecutionFSM
	logger   *slog.Logger
	now      func() time.Time

	retryDelay time.Duration
	bottleneck time.Duration

	closing atomic.Bool

	mu     sync.Mutex
	active map[string]*run
	paused map[string]*run
}

// NewOrchestrator wires an Orchestrator from cfg.
func NewOrchestrator(cfg Config) (Orchestrator, error) {
	if cfg.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "orchestrator requires a store")
	}
	logger := logging.OrDiscard(cfg.Logger)

	eval := cfg.Evaluator
	if eval == nil {
		var err error
		if eval, err = expressions.NewEvaluator(0); err != nil {
			return nil, err
		}
	}
	notifier := streaming.NewFanOut(logger, cfg.Notifier, streaming.NewEventLogSink(cfg.Store))

	gate := cfg.Gate
	if gate == nil {
		var err error
		gate, err = hitl.NewGate(hitl.Config{
			Store:     cfg.Store,
			Approvals: cfg.Approvals,
			Notifier:  notifier,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
	}

	var inputs InputValidator = cfg.Validator
	if inputs == nil {
		jsv, err := validation.NewJSONSchemaValidator()
		if err != nil {
			return nil, err
		}
		inputs = jsv
	}

	metrics := cfg.Metrics
	if metrics == nil {
		var err error
		if metrics, err = NewMetrics(cfg.Registerer); err != nil {
			return nil, err
		}
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(TracerName)
	}

	breakerCfg := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		breakerCfg = *cfg.CircuitBreaker
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	bottleneck := cfg.BottleneckThreshold
	if bottleneck <= 0 {
		bottleneck = schema.BottleneckThreshold
	}
	pool := NewWorkerPool(poolSize, logger)
	if cfg.Registerer != nil {
		if err := cfg.Registerer.Register(pool); err != nil {
			return nil, fmt.Errorf("register pool metrics: %w", err)
		}
	}

	o := &orchestrator{
		store:      cfg.Store,
		agents:     cfg.Agents,
		tools:      cfg.Tools,
		gate:       gate,
		notifier:   notifier,
		inputs:     inputs,
		eval:       eval,
		mapper:     mapping.New(cfg.JQ),
		breakers:   NewCircuitBreakerRegistry(breakerCfg, logger, metrics.breakerChanged),
		metrics:    metrics,
		tracer:     tracer,
		pool:       pool,
		fsm:        NewExecutionFSM(cfg.Store),
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		retryDelay: cfg.RetryDelay,
		bottleneck: bottleneck,
		active:     make(map[string]*run),
		paused:     make(map[string]*run),
	}
	o.fsm.OnEvery(o.onTransition)
	return o, nil
}

func (o *orchestrator) Execute(ctx context.Context, workflowID string, input map[string]any, opts ExecuteOptions) (*ExecutionResult, error) {
	r, err := o.prepare(ctx, workflowID, input, opts)
	if err != nil {
		return nil, err
	}
	loopCtx, cancel := context.WithCancel(ctx)
	seg := r.beginSegment(cancel)
	return o.drive(loopCtx, r, seg)
}

func (o *orchestrator) Start(ctx context.Context, workflowID string, input map[string]any, opts ExecuteOptions) (string, error) {
	r, err := o.prepare(ctx, workflowID, input, opts)
	if err != nil {
		return "", err
	}
	if err := o.schedule(ctx, r); err != nil {
		_, ferr := o.fail(context.WithoutCancel(ctx), r, schema.AsFlowError(err, schema.ErrCodeInterrupted))
		return r.id, ferr
	}
	return r.id, nil
}

// prepare loads and checks the workflow, validates input, registers the
// run and persists the initial RUNNING record.
func (o *orchestrator) prepare(ctx context.Context, workflowID string, input map[string]any, opts ExecuteOptions) (*run, error) {
	if o.closing.Load() {
		return nil, ErrShuttingDown
	}
	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != schema.WorkflowStatusActive {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidWorkflow,
			"workflow %s is %s, not active", workflowID, wf.Status)
	}
	g, err := BuildGraph(wf)
	if err != nil {
		return nil, err
	}
	if len(wf.InputSchema) > 0 {
		if err := o.inputs.ValidateInput(input, wf.InputSchema); err != nil {
			return nil, err
		}
	}

	vars := expressions.CloneMap(wf.Variables)
	if vars == nil {
		vars = make(map[string]any)
	}
	maps.Copy(vars, expressions.CloneMap(input))
	maps.Copy(vars, expressions.CloneMap(opts.Variables))

	now := o.now()
	exec := &schema.WorkflowExecution{
		ID:             uuid.NewString(),
		WorkflowID:     wf.ID,
		SessionID:      opts.SessionID,
		UserID:         opts.UserID,
		Status:         schema.ExecutionRunning,
		Input:          input,
		CurrentStep:    g.Start,
		CompletedSteps: []string{},
		FailedSteps:    []string{},
		Variables:      vars,
		StepResults:    map[string]*schema.StepResult{},
		StartedAt:      now,
		UpdatedAt:      now,
	}
	r := newRun(o, exec, g, NewExecutionContext(exec.ID, wf.ID, expressions.CloneMap(vars)))
	r.segStart = now

	o.mu.Lock()
	o.active[exec.ID] = r
	o.mu.Unlock()
	if err := o.store.CreateExecution(ctx, exec); err != nil {
		o.forget(exec.ID)
		return nil, err
	}

	o.metrics.executionStarted()
	o.emit(ctx, schema.EventExecutionStarted, r, "", map[string]any{
		"input":           input,
		"workflowVersion": wf.Version,
	})
	o.logger.InfoContext(logging.WithExecution(ctx, exec.ID, wf.ID), "execution started", "start_step", g.Start)
	return r, nil
}

// schedule drives a new loop segment for r on the pool.
func (o *orchestrator) schedule(ctx context.Context, r *run) error {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	seg := r.beginSegment(cancel)
	err := o.pool.Submit(ctx, func(context.Context) error {
		_, err := o.drive(loopCtx, r, seg)
		return err
	})
	if err != nil {
		r.endSegment(seg, nil, err)
	}
	return err
}

func (o *orchestrator) Wait(ctx context.Context, executionID string) (*ExecutionResult, error) {
	if r := o.lookup(executionID); r != nil {
		r.mu.Lock()
		seg := r.seg
		r.mu.Unlock()
		if seg != nil {
			select {
			case <-seg.done:
				return seg.result, seg.err
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if fe := resultError(exec); fe != nil {
		return o.result(exec, fe), fe
	}
	return o.result(exec, nil), nil
}

func (o *orchestrator) Pause(ctx context.Context, executionID string) (*schema.WorkflowExecution, error) {
	o.mu.Lock()
	r := o.active[executionID]
	o.mu.Unlock()
	if r == nil {
		exec, err := o.store.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState,
			"execution %s is %s and not running in this process", executionID, exec.Status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.pauseRequested:
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState, "execution %s is already pausing", executionID)
	case r.awaitingHITL != "":
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState,
			"execution %s is awaiting hitl request %s", executionID, r.awaitingHITL)
	case r.finishing:
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState, "execution %s is finishing", executionID)
	}
	now := o.now()
	exec, err := o.fsm.Transition(ctx, executionID, schema.ExecutionPaused, store.ExecutionUpdate{PausedAt: &now})
	if err != nil {
		return nil, err
	}
	r.pauseRequested = true
	return exec, nil
}

func (o *orchestrator) Resume(ctx context.Context, executionID string) (*schema.WorkflowExecution, error) {
	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != schema.ExecutionPaused {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState,
			"execution %s is %s, not PAUSED", executionID, exec.Status)
	}
	if exec.PendingHITL != "" {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState,
			"execution %s is awaiting hitl request %s", executionID, exec.PendingHITL)
	}

	o.mu.Lock()
	r := o.paused[executionID]
	o.mu.Unlock()
	if r == nil {
		return o.adopt(ctx, exec, "")
	}

	r.mu.Lock()
	now := o.now()
	updated, err := o.fsm.Transition(ctx, executionID, schema.ExecutionRunning, store.ExecutionUpdate{ResumedAt: &now})
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.pauseRequested = false
	needLoop := !r.loopRunning
	r.mu.Unlock()

	if needLoop {
		if err := o.schedule(ctx, r); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

// adopt takes ownership of a PAUSED execution found only in the store and
// schedules it from its checkpoint. With a pending request id the loop
// reattaches to that request instead of resuming immediately.
func (o *orchestrator) adopt(ctx context.Context, exec *schema.WorkflowExecution, pendingHITL string) (*schema.WorkflowExecution, error) {
	wf, err := o.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return nil, err
	}
	g, err := BuildGraph(wf)
	if err != nil {
		return nil, err
	}
	r := newRun(o, exec, g, RehydrateContext(exec))
	r.reattachHITL = pendingHITL
	r.heldPaused = pendingHITL != ""

	o.mu.Lock()
	if _, owned := o.active[exec.ID]; owned || o.paused[exec.ID] != nil {
		o.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState, "execution %s is already owned", exec.ID)
	}
	o.paused[exec.ID] = r
	o.mu.Unlock()
	o.metrics.adopted(schema.ExecutionPaused)

	ctx = logging.WithExecution(ctx, exec.ID, exec.WorkflowID)
	updated := exec
	if pendingHITL == "" {
		now := o.now()
		if updated, err = o.fsm.Transition(ctx, exec.ID, schema.ExecutionRunning, store.ExecutionUpdate{ResumedAt: &now}); err != nil {
			o.forget(exec.ID)
			o.metrics.released(schema.ExecutionPaused)
			return nil, err
		}
	}
	o.logger.InfoContext(ctx, "execution adopted from store",
		"current_step", r.cursor, "pending_hitl", pendingHITL)
	if err := o.schedule(ctx, r); err != nil {
		return nil, err
	}
	return updated, nil
}

func (o *orchestrator) Cancel(ctx context.Context, executionID string) (*schema.WorkflowExecution, error) {
	r := o.lookup(executionID)
	if r != nil {
		// Held across the transition so a paused run cannot be resumed
		// between the status change and the cancel flag.
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	now := o.now()
	exec, err := o.fsm.Transition(ctx, executionID, schema.ExecutionCancelled, store.ExecutionUpdate{CompletedAt: &now})
	if err != nil {
		return nil, err
	}
	if r != nil {
		r.cancelled = true
		if r.seg != nil {
			r.seg.cancel()
		}
	}
	o.logger.InfoContext(logging.WithExecution(ctx, exec.ID, exec.WorkflowID), "execution cancelled")
	return exec, nil
}

func (o *orchestrator) ResolveHITL(ctx context.Context, requestID string, decision hitl.Decision) (*schema.HITLRequest, error) {
	req, applied, err := o.gate.Resolve(ctx, requestID, decision)
	if err != nil || !applied {
		return req, err
	}
	if o.gate.HasWaiter(requestID) || o.lookup(req.ExecutionID) != nil {
		return req, nil
	}

	exec, err := o.store.GetExecution(ctx, req.ExecutionID)
	if err != nil {
		o.logger.WarnContext(ctx, "hitl resolved for unknown execution",
			"request_id", requestID, "execution_id", req.ExecutionID, "error", err)
		return req, nil
	}
	if exec.Status == schema.ExecutionPaused && exec.PendingHITL == requestID {
		if _, err := o.adopt(ctx, exec, requestID); err != nil {
			return req, err
		}
	}
	return req, nil
}

func (o *orchestrator) Status(ctx context.Context, executionID string) (*schema.WorkflowExecution, error) {
	return o.store.GetExecution(ctx, executionID)
}

// Reconcile fails RUNNING executions no process owns, expires overdue hitl
// requests and resumes paused executions whose request was resolved while
// nobody was waiting.
func (o *orchestrator) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{Interrupted: []string{}, Resumed: []string{}}

	runningStatus := schema.ExecutionRunning
	running, err := o.store.ListExecutions(ctx, store.ExecutionFilter{Status: &runningStatus})
	if err != nil {
		return nil, err
	}
	for _, exec := range running {
		if o.lookup(exec.ID) != nil {
			continue
		}
		now := o.now()
		failed := schema.ExecutionFailed
		msg := "execution interrupted: no process owns it"
		updated, err := o.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
			ExpectStatus: []schema.ExecutionStatus{schema.ExecutionRunning},
			Status:       &failed,
			Error:        &msg,
			ErrorDetails: &schema.ErrorDetails{
				StepID:      exec.CurrentStep,
				Kind:        schema.ErrCodeInterrupted,
				RetryCount:  exec.RetryCount,
				Recoverable: true,
			},
			CompletedAt: &now,
		})
		if err != nil {
			if schema.CodeOf(err) == schema.ErrCodeConflict {
				continue
			}
			return report, err
		}
		report.Interrupted = append(report.Interrupted, exec.ID)
		o.logger.WarnContext(logging.WithExecution(ctx, exec.ID, exec.WorkflowID),
			"orphaned execution marked failed", "current_step", exec.CurrentStep)
		o.emitEvent(ctx, streaming.NewEvent(schema.EventExecutionReconciled, updated.ID, updated.WorkflowID,
			updated.CurrentStep, map[string]any{"status": string(updated.Status), "error": msg}))
	}

	expired, err := o.gate.ExpireOverdue(ctx, o.now())
	if err != nil {
		return report, err
	}
	report.ExpiredRequests = expired

	pausedStatus := schema.ExecutionPaused
	paused, err := o.store.ListExecutions(ctx, store.ExecutionFilter{Status: &pausedStatus})
	if err != nil {
		return report, err
	}
	for _, exec := range paused {
		if exec.PendingHITL == "" || o.lookup(exec.ID) != nil {
			continue
		}
		req, err := o.store.GetHITLRequest(ctx, exec.PendingHITL)
		if err != nil || req.Status == schema.HITLPending {
			continue
		}
		if _, err := o.adopt(ctx, exec, req.ID); err != nil {
			o.logger.WarnContext(ctx, "reattach after hitl resolution failed",
				"execution_id", exec.ID, "request_id", req.ID, "error", err)
			continue
		}
		report.Resumed = append(report.Resumed, exec.ID)
	}
	return report, nil
}

// Shutdown stops accepting executions, stops every loop at its next
// boundary and waits for pool workers. Records are left as they are for
// Reconcile or a later resume.
func (o *orchestrator) Shutdown() {
	o.closing.Store(true)
	o.mu.Lock()
	runs := make([]*run, 0, len(o.active)+len(o.paused))
	for _, r := range o.active {
		runs = append(runs, r)
	}
	for _, r := range o.paused {
		runs = append(runs, r)
	}
	o.mu.Unlock()
	for _, r := range runs {
		r.mu.Lock()
		if r.seg != nil {
			r.seg.cancel()
		}
		r.mu.Unlock()
	}
	o.pool.Shutdown()
}

// onTransition keeps the in-memory sets and gauges in line with persisted
// status changes and announces them.
func (o *orchestrator) onTransition(ctx context.Context, exec *schema.WorkflowExecution, from, to schema.ExecutionStatus) {
	o.mu.Lock()
	r := o.active[exec.ID]
	if r == nil {
		r = o.paused[exec.ID]
	}
	if r != nil {
		delete(o.active, exec.ID)
		delete(o.paused, exec.ID)
		switch to {
		case schema.ExecutionRunning:
			o.active[exec.ID] = r
		case schema.ExecutionPaused:
			o.paused[exec.ID] = r
		}
	}
	o.mu.Unlock()
	if r != nil {
		o.metrics.transition(from, to)
	}

	payload := map[string]any{
		"from":        string(from),
		"status":      string(to),
		"currentStep": exec.CurrentStep,
		"cost":        exec.Cost,
	}
	if exec.PendingHITL != "" {
		payload["pendingHitlRequestId"] = exec.PendingHITL
	}
	if to == schema.ExecutionFailed {
		payload["error"] = exec.Error
		payload["errorDetails"] = exec.ErrorDetails
	}
	if to == schema.ExecutionCompleted {
		payload["output"] = exec.Output
	}
	o.emitEvent(ctx, streaming.NewEvent(schema.ExecutionEventType(to), exec.ID, exec.WorkflowID, "", payload))
}

func (o *orchestrator) emit(ctx context.Context, eventType string, r *run, stepID string, payload map[string]any) {
	o.emitEvent(ctx, streaming.NewEvent(eventType, r.id, r.workflowID, stepID, payload))
}

func (o *orchestrator) emitEvent(ctx context.Context, event streaming.Event) {
	if err := o.notifier.Notify(context.WithoutCancel(ctx), event); err != nil {
		o.logger.WarnContext(ctx, "event notification failed", "event_type", event.Type, "error", err)
	}
}

func (o *orchestrator) lookup(id string) *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r := o.active[id]; r != nil {
		return r
	}
	return o.paused[id]
}

func (o *orchestrator) forget(id string) {
	o.mu.Lock()
	delete(o.active, id)
	delete(o.paused, id)
	o.mu.Unlock()
}

func (o *orchestrator) result(exec *schema.WorkflowExecution, fe *schema.FlowError) *ExecutionResult {
	res := &ExecutionResult{
		ExecutionID:        exec.ID,
		WorkflowID:         exec.WorkflowID,
		Status:             exec.Status,
		Output:             exec.Output,
		PerformanceMetrics: exec.PerformanceMetrics,
		AnalyticsData:      exec.AnalyticsData,
		Execution:          exec,
	}
	if fe != nil {
		res.Error = fe
	}
	return res
}

// IsNotFound reports whether err is a NOT_FOUND FlowError.
func IsNotFound(err error) bool {
	var fe *schema.FlowError
	return errors.As(err, &fe) && fe.Code == schema.ErrCodeNotFound
}
