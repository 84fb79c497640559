package engine

import (
	"context"
	"errors"

	"github.com/rendis/agentflow/pkg/schema"
)

// stepFailure converts the error a step ended with into the FlowError that
// terminates the execution, making sure it names the step.
func stepFailure(err error, stepID string) *schema.FlowError {
	var fe *schema.FlowError
	switch {
	case errors.As(err, &fe):
	case errors.Is(err, context.DeadlineExceeded):
		fe = schema.NewError(schema.ErrCodeInterrupted, "step timeout exceeded").WithCause(err)
	case errors.Is(err, context.Canceled):
		fe = schema.NewError(schema.ErrCodeInterrupted, "execution interrupted").WithCause(err)
	default:
		fe = schema.AsFlowError(err, schema.ErrCodeInvalidState)
	}
	if fe.StepID == "" && stepID != "" {
		fe = fe.WithStep(stepID)
	}
	return fe
}

// errorDetails classifies a terminal failure for the execution record.
func errorDetails(fe *schema.FlowError, retryCount int) *schema.ErrorDetails {
	return &schema.ErrorDetails{
		StepID:      fe.StepID,
		Kind:        fe.Code,
		RetryCount:  retryCount,
		Recoverable: fe.Code == schema.ErrCodeInterrupted || fe.Recoverable(),
	}
}

// continueAfter decides where an execution goes after a step failed under
// the continue policy: along the route the step would have taken had it
// succeeded. With no route to take the original failure escalates.
func continueAfter(stepErr error, next string, routeErr error) (string, error) {
	if routeErr != nil || next == "" {
		return "", stepErr
	}
	return next, nil
}

// resultError rebuilds the FlowError of a persisted failed execution.
func resultError(exec *schema.WorkflowExecution) *schema.FlowError {
	switch exec.Status {
	case schema.ExecutionCancelled:
		return schema.NewErrorf(schema.ErrCodeCancelled, "execution %s was cancelled", exec.ID)
	case schema.ExecutionFailed:
		code, step := schema.ErrCodeInvalidState, exec.CurrentStep
		if d := exec.ErrorDetails; d != nil {
			code = d.Kind
			if d.StepID != "" {
				step = d.StepID
			}
		}
		msg := exec.Error
		if msg == "" {
			msg = "execution failed"
		}
		return schema.NewError(code, msg).WithStep(step)
	}
	return nil
}
