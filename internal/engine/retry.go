package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rendis/agentflow/pkg/schema"
)

// IsRetryableError classifies whether a failed attempt may be re-run.
// Structural failures (bad workflow, bad mapping, strict condition errors,
// authorization) fail the same way on every attempt and are not retried.
// Collaborator failures and step timeouts are.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Cancelled means the execution is being torn down.
	if errors.Is(err, context.Canceled) || errors.Is(err, errDetached) || errors.Is(err, errPausedInLoop) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	switch schema.CodeOf(err) {
	case schema.ErrCodeInvalidWorkflow,
		schema.ErrCodeUnknownStep,
		schema.ErrCodeValidation,
		schema.ErrCodeConditionEval,
		schema.ErrCodeNoValidPath,
		schema.ErrCodeForbidden,
		schema.ErrCodeCancelled:
		return false
	}
	return true
}

// retryBackoff returns the delay schedule between attempts of one step.
// A zero base retries immediately.
func retryBackoff(base time.Duration) backoff.BackOff {
	if base <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = 30 * base
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// waitForBackoff sleeps for delay or returns early if ctx is done.
func waitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attempts runs a node under its error policy. With the retry policy a
// failing node is re-run while fewer than RetryLimit retries were made, so
// a limit of 3 means at most 4 invocations. Only the returned attempt's cost
// belongs to the step; the cost of discarded attempts is reported separately.
func (o *orchestrator) attempts(ctx context.Context, r *run, node *schema.Node, spec schema.NodeSpec) (out stepOutput, n int, discarded float64, err error) {
	opts := spec.Options()
	limit := 0
	if opts.Policy() == schema.ErrorPolicyRetry {
		limit = opts.RetryLimit(r.settings)
	}
	schedule := retryBackoff(o.retryDelay)

	for n = 1; ; n++ {
		out, err = o.invoke(ctx, r, node, spec)
		if err == nil {
			return out, n, discarded, nil
		}
		if n-1 >= limit || !IsRetryableError(err) || ctx.Err() != nil {
			return out, n, discarded, err
		}

		discarded += out.Cost
		r.ec.RetryCount++
		o.metrics.stepRetried(node.Type)
		o.logger.WarnContext(ctx, "step failed, retrying",
			"step_id", node.ID, "attempt", n, "max_retries", limit, "error", err)
		o.emit(ctx, schema.EventStepRetrying, r, node.ID, map[string]any{
			"attempt":    n,
			"maxRetries": limit,
			"error":      err.Error(),
		})

		if werr := waitForBackoff(ctx, schedule.NextBackOff()); werr != nil {
			return out, n, discarded, werr
		}
	}
}

// invoke runs a single attempt of node.
func (o *orchestrator) invoke(ctx context.Context, r *run, node *schema.Node, spec schema.NodeSpec) (stepOutput, error) {
	v := &stepVisitor{o: o, r: r, ctx: ctx, node: node}
	err := spec.Accept(v)
	return v.out, err
}
