package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// errDetached reports that the execution record moved to a state this run
// did not put it in (typically a concurrent cancel), so the run must stop.
var errDetached = errors.New("execution record changed outside this run")

// errPausedInLoop unwinds a loop node whose body stopped at a requested
// pause. The loop stack keeps the position to resume from.
var errPausedInLoop = errors.New("loop body stopped for pause")

// run is the in-memory state of one execution owned by this process.
// The driving goroutine alone touches ec, cursor, loops, resumeLoops and
// segStart; everything under mu is shared with the lifecycle operations.
type run struct {
	id         string
	workflowID string
	sessionID  string
	userID     string
	graph      *Graph
	settings   schema.Settings
	router     *Router
	ec         *ExecutionContext
	cursor     string
	segStart   time.Time

	// loops is the position in every loop node running around the current
	// step, outermost first. resumeLoops is a stack restored from a pause
	// or a checkpoint, consumed as the loops are re-entered.
	loops       []schema.LoopPosition
	resumeLoops []schema.LoopPosition

	mu             sync.Mutex
	seg            *segment
	loopRunning    bool
	pauseRequested bool
	finishing      bool
	cancelled      bool
	awaitingHITL   string
	reattachHITL   string
	// heldPaused is set while an adopted execution runs towards the hitl
	// step it was paused on; the store still says PAUSED.
	heldPaused bool
}

// segment is one stretch of the step loop, from a start or resume to the
// next pause or terminal status.
type segment struct {
	done   chan struct{}
	cancel context.CancelFunc
	result *ExecutionResult
	err    error
}

func newRun(o *orchestrator, exec *schema.WorkflowExecution, g *Graph, ec *ExecutionContext) *run {
	cursor := exec.CurrentStep
	if cursor == "" {
		cursor = g.Start
	}
	return &run{
		id:         exec.ID,
		workflowID: exec.WorkflowID,
		sessionID:  exec.SessionID,
		userID:     exec.UserID,
		graph:      g,
		settings:   g.Workflow.Settings,
		router:     NewRouter(o.eval, g.Workflow.Settings.StrictConditions, o.logger),
		ec:         ec,
		cursor:     cursor,

		resumeLoops: slices.Clone(exec.LoopStack),
	}
}

// snapshot checkpoints the context at the current cursor and loop stack.
func (r *run) snapshot(elapsed time.Duration) *store.Checkpoint {
	cp := r.ec.Snapshot(r.cursor, elapsed)
	cp.LoopStack = slices.Clone(r.loops)
	return cp
}

// output is the execution output: the last producing step's output, or a
// copy of the variables when no agent, tool or hitl step ran.
func (r *run) output() any {
	if r.ec.LastOutput != nil {
		return r.ec.LastOutput
	}
	return expressions.CloneMap(r.ec.Variables)
}

func (r *run) beginSegment(cancel context.CancelFunc) *segment {
	seg := &segment{done: make(chan struct{}), cancel: cancel}
	r.mu.Lock()
	r.seg = seg
	r.loopRunning = true
	cancelled := r.cancelled
	r.mu.Unlock()
	if cancelled {
		cancel()
	}
	return seg
}

func (r *run) endSegment(seg *segment, res *ExecutionResult, err error) {
	r.mu.Lock()
	seg.result, seg.err = res, err
	if r.seg == seg {
		r.loopRunning = false
	}
	r.mu.Unlock()
	seg.cancel()
	close(seg.done)
}

// pauseBoundary reports whether the loop must stop for a requested pause.
// Entering the end node closes the window for new pauses.
func (r *run) pauseBoundary(seg *segment, atEnd bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pauseRequested {
		if r.seg == seg {
			r.loopRunning = false
		}
		return true
	}
	if atEnd {
		r.finishing = true
	}
	return false
}

// pausePending reports a requested pause without ending the segment; loop
// bodies unwind to the pause boundary in drive when it is set.
func (r *run) pausePending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pauseRequested
}

func (r *run) takeReattach() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.reattachHITL
	r.reattachHITL = ""
	return id
}

func (r *run) clearHITLWait() {
	r.mu.Lock()
	r.awaitingHITL = ""
	r.mu.Unlock()
}

// drive runs the step loop from r.cursor until the execution finishes,
// pauses, or is cancelled.
func (o *orchestrator) drive(ctx context.Context, r *run, seg *segment) (res *ExecutionResult, err error) {
	ctx = logging.WithExecution(ctx, r.id, r.workflowID)
	ctx, span := o.tracer.Start(ctx, "agentflow.execution", trace.WithAttributes(
		attribute.String("agentflow.execution_id", r.id),
		attribute.String("agentflow.workflow_id", r.workflowID),
		attribute.String("agentflow.start_step", r.cursor),
	))
	r.segStart = o.now()
	defer func() {
		if res != nil {
			span.SetAttributes(attribute.String("agentflow.status", string(res.Status)))
		}
		endSpan(span, err)
		r.endSegment(seg, res, err)
	}()
	bg := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil {
			return o.interrupted(bg, r)
		}
		node, spec, err := r.graph.Node(r.cursor)
		if err != nil {
			return o.fail(bg, r, err)
		}
		atEnd := node.Type == schema.NodeTypeEnd
		if r.pauseBoundary(seg, atEnd) {
			return o.stoppedForPause(bg, r)
		}

		next, err := o.runStep(ctx, r, node, spec)
		switch {
		case ctx.Err() != nil:
			return o.interrupted(bg, r)
		case errors.Is(err, errDetached):
			return o.settled(bg, r, err)
		case errors.Is(err, errPausedInLoop):
			// The loop node stays the cursor; the boundary above stops the
			// run, or re-enters the loop if a resume already withdrew the pause.
			if err := o.checkpoint(bg, r); err != nil {
				return o.settled(bg, r, err)
			}
			r.resumeLoops, r.loops = r.loops, nil
			continue
		case err != nil:
			return o.fail(bg, r, err)
		case atEnd || next == "":
			return o.complete(bg, r)
		}

		r.cursor = next
		if err := o.afterStep(ctx, r); err != nil {
			return o.settled(bg, r, err)
		}
	}
}

// runStep executes one node under its error policy, records the result and
// routes. It returns the next node id, or "" when the node has no exit.
func (o *orchestrator) runStep(ctx context.Context, r *run, node *schema.Node, spec schema.NodeSpec) (next string, err error) {
	ctx = logging.WithStepID(ctx, node.ID)
	ctx, span := o.tracer.Start(ctx, "agentflow.step", trace.WithAttributes(
		attribute.String("agentflow.step_id", node.ID),
		attribute.String("agentflow.node_type", string(node.Type)),
	))
	defer func() { endSpan(span, err) }()

	started := o.now()
	r.ec.enter(node, started)
	o.emit(ctx, schema.EventStepStarted, r, node.ID, map[string]any{"nodeType": string(node.Type)})

	out, attempts, discarded, stepErr := o.attempts(ctx, r, node, spec)
	elapsed := o.now().Sub(started)
	if stepErr != nil && (ctx.Err() != nil || errors.Is(stepErr, errDetached) || errors.Is(stepErr, errPausedInLoop)) {
		return "", stepErr
	}
	span.SetAttributes(attribute.Int("agentflow.attempts", attempts))

	res := &schema.StepResult{
		StepID:          node.ID,
		NodeType:        node.Type,
		Status:          schema.StepCompleted,
		Output:          out.Output,
		Cost:            out.Cost,
		ExecutionTimeMs: elapsed.Milliseconds(),
		Attempts:        attempts,
		Metadata:        out.Metadata,
	}
	if discarded > 0 {
		if res.Metadata == nil {
			res.Metadata = make(map[string]any)
		}
		res.Metadata["discardedCost"] = discarded
	}
	switch {
	case stepErr != nil:
		res.Status = schema.StepFailed
		res.Error = stepErr.Error()
	case out.Failed:
		res.Status = schema.StepFailed
		res.Error = out.Error
	}
	if stepErr == nil && out.Produces {
		r.ec.LastOutput = out.Output
	}

	if r.ec.record(res, out.Tokens, o.bottleneck) {
		o.metrics.bottleneck()
		o.logger.WarnContext(ctx, "step exceeded bottleneck threshold",
			"step_id", node.ID, "duration_ms", res.ExecutionTimeMs, "threshold", o.bottleneck)
		o.emit(ctx, schema.EventStepBottleneck, r, node.ID, map[string]any{
			"durationMs":  res.ExecutionTimeMs,
			"thresholdMs": o.bottleneck.Milliseconds(),
		})
	}
	o.metrics.stepFinished(node.Type, res.Status, elapsed)

	if res.Status == schema.StepFailed {
		o.emit(ctx, schema.EventStepFailed, r, node.ID, map[string]any{
			"nodeType": string(node.Type),
			"error":    res.Error,
			"attempts": attempts,
		})
	} else {
		o.emit(ctx, schema.EventStepCompleted, r, node.ID, map[string]any{
			"nodeType":      string(node.Type),
			"cost":          res.Cost,
			"executionTime": res.ExecutionTimeMs,
			"attempts":      attempts,
		})
	}

	if stepErr != nil && spec.Options().Policy() != schema.ErrorPolicyContinue {
		return "", stepErr
	}
	if node.Type == schema.NodeTypeEnd {
		return "", nil
	}

	next, decisions, routeErr := r.router.Next(ctx, node.ID, r.graph.Exits(node.ID), r.ec.Scope())
	r.ec.addDecisions(decisions)
	if stepErr != nil {
		o.logger.WarnContext(ctx, "step failed, continuing", "step_id", node.ID, "error", stepErr)
		return continueAfter(stepErr, next, routeErr)
	}
	return next, routeErr
}

// afterStep checkpoints the context and reports progress.
func (o *orchestrator) afterStep(ctx context.Context, r *run) error {
	if err := o.checkpoint(ctx, r); err != nil {
		return err
	}
	o.progress(ctx, r)
	return nil
}

func (o *orchestrator) progress(ctx context.Context, r *run) {
	o.emit(ctx, schema.EventExecutionProgress, r, "", map[string]any{
		"progress":       r.ec.Progress(len(r.graph.Nodes)),
		"currentStep":    r.cursor,
		"completedSteps": len(r.ec.CompletedSteps),
		"cost":           r.ec.Cost,
	})
}

// checkpoint persists the context. A store failure is logged and retried
// at the next checkpoint; a record no longer RUNNING or PAUSED detaches
// the run.
func (o *orchestrator) checkpoint(ctx context.Context, r *run) error {
	_, err := o.store.UpdateExecution(context.WithoutCancel(ctx), r.id, store.ExecutionUpdate{
		ExpectStatus: []schema.ExecutionStatus{schema.ExecutionRunning, schema.ExecutionPaused},
		Checkpoint:   r.snapshot(o.now().Sub(r.segStart)),
	})
	if err == nil {
		return nil
	}
	if schema.CodeOf(err) == schema.ErrCodeConflict {
		return fmt.Errorf("%w: %v", errDetached, err)
	}
	o.logger.WarnContext(ctx, "checkpoint failed", "current_step", r.cursor, "error", err)
	return nil
}

func (o *orchestrator) complete(ctx context.Context, r *run) (*ExecutionResult, error) {
	r.mu.Lock()
	r.finishing = true
	pauseLost := r.pauseRequested
	r.pauseRequested = false
	r.mu.Unlock()

	// A pause requested while the last step ran is overtaken by completion.
	if pauseLost {
		now := o.now()
		if _, err := o.fsm.Transition(ctx, r.id, schema.ExecutionRunning, store.ExecutionUpdate{ResumedAt: &now}); err != nil {
			return o.settled(ctx, r, err)
		}
	}

	o.progress(ctx, r)
	elapsed := o.now().Sub(r.segStart)
	now := o.now()
	exec, err := o.fsm.Transition(ctx, r.id, schema.ExecutionCompleted, store.ExecutionUpdate{
		Checkpoint:  r.snapshot(elapsed),
		Output:      r.output(),
		CompletedAt: &now,
	})
	if err != nil {
		return o.settled(ctx, r, err)
	}
	r.ec.closeSegment(elapsed)
	o.logger.InfoContext(ctx, "execution completed",
		"steps", len(r.ec.CompletedSteps), "failed_steps", len(r.ec.FailedSteps), "cost", r.ec.Cost)
	return o.result(exec, nil), nil
}

func (o *orchestrator) fail(ctx context.Context, r *run, cause error) (*ExecutionResult, error) {
	fe := stepFailure(cause, r.cursor)
	msg := fe.Error()
	elapsed := o.now().Sub(r.segStart)
	now := o.now()
	exec, err := o.fsm.Transition(ctx, r.id, schema.ExecutionFailed, store.ExecutionUpdate{
		Checkpoint:   r.snapshot(elapsed),
		Error:        &msg,
		ErrorDetails: errorDetails(fe, r.ec.RetryCount),
		CompletedAt:  &now,
	})
	if err != nil {
		return o.settled(ctx, r, fe)
	}
	r.ec.closeSegment(elapsed)
	o.logger.ErrorContext(ctx, "execution failed", "step_id", fe.StepID, "code", fe.Code, "error", fe.Message)
	return o.result(exec, fe), fe
}

// interrupted handles a loop whose context is done: cancellation and
// shutdown leave the record to whoever changed it, anything else fails the
// execution as interrupted.
func (o *orchestrator) interrupted(ctx context.Context, r *run) (*ExecutionResult, error) {
	r.mu.Lock()
	cancelled := r.cancelled
	r.mu.Unlock()
	if cancelled || o.closing.Load() {
		return o.settled(ctx, r, nil)
	}
	return o.fail(ctx, r, schema.NewError(schema.ErrCodeInterrupted, "execution interrupted before completion"))
}

func (o *orchestrator) stoppedForPause(ctx context.Context, r *run) (*ExecutionResult, error) {
	r.ec.closeSegment(o.now().Sub(r.segStart))
	exec, err := o.store.GetExecution(ctx, r.id)
	if err != nil {
		return nil, err
	}
	o.logger.InfoContext(ctx, "execution loop stopped for pause", "current_step", r.cursor)
	return o.result(exec, nil), nil
}

// settled reports the stored outcome after the run lost a race with
// another state change.
func (o *orchestrator) settled(ctx context.Context, r *run, cause error) (*ExecutionResult, error) {
	exec, err := o.store.GetExecution(ctx, r.id)
	if err != nil {
		return nil, err
	}
	switch exec.Status {
	case schema.ExecutionCancelled, schema.ExecutionFailed:
		fe := resultError(exec)
		return o.result(exec, fe), fe
	case schema.ExecutionCompleted, schema.ExecutionPaused:
		return o.result(exec, nil), nil
	}
	if o.closing.Load() {
		return o.result(exec, nil), ErrShuttingDown
	}
	return o.result(exec, nil), cause
}

// enterHITLWait persists the pending request and pauses the execution for
// the duration of the wait.
func (o *orchestrator) enterHITLWait(ctx context.Context, r *run, requestID string) error {
	ctx = context.WithoutCancel(ctx)
	r.mu.Lock()
	r.awaitingHITL = requestID
	alreadyPaused := r.pauseRequested || r.heldPaused
	r.mu.Unlock()

	pending := requestID
	update := store.ExecutionUpdate{
		PendingHITL: &pending,
		Checkpoint:  r.snapshot(o.now().Sub(r.segStart)),
	}
	if alreadyPaused {
		update.ExpectStatus = []schema.ExecutionStatus{schema.ExecutionPaused}
		_, err := o.store.UpdateExecution(ctx, r.id, update)
		return err
	}
	now := o.now()
	update.PausedAt = &now
	_, err := o.fsm.Transition(ctx, r.id, schema.ExecutionPaused, update)
	return err
}

// exitHITLWait clears the pending request and, unless a manual pause is
// pending, resumes the execution.
func (o *orchestrator) exitHITLWait(ctx context.Context, r *run) error {
	ctx = context.WithoutCancel(ctx)
	r.mu.Lock()
	r.awaitingHITL = ""
	r.heldPaused = false
	manual := r.pauseRequested
	r.mu.Unlock()

	none := ""
	if manual {
		_, err := o.store.UpdateExecution(ctx, r.id, store.ExecutionUpdate{
			ExpectStatus: []schema.ExecutionStatus{schema.ExecutionPaused},
			PendingHITL:  &none,
		})
		return err
	}
	now := o.now()
	_, err := o.fsm.Transition(ctx, r.id, schema.ExecutionRunning, store.ExecutionUpdate{
		PendingHITL: &none,
		ResumedAt:   &now,
	})
	return err
}
