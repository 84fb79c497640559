package schema

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes for structured error reporting.
const (
	ErrCodeInvalidWorkflow   = "INVALID_WORKFLOW"
	ErrCodeUnknownStep       = "UNKNOWN_STEP"
	ErrCodeNoValidPath       = "NO_VALID_PATH"
	ErrCodeAgentFailed       = "AGENT_EXECUTION_FAILED"
	ErrCodeToolFailed        = "TOOL_EXECUTION_FAILED"
	ErrCodeConditionEval     = "CONDITION_EVALUATION_ERROR"
	ErrCodeHITLRejected      = "HITL_REJECTED"
	ErrCodeHITLTimeout       = "HITL_TIMEOUT"
	ErrCodeInvalidState      = "INVALID_STATE"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeInterrupted       = "INTERRUPTED"
	ErrCodeCancelled         = "CANCELLED"
)

// recoverableKeywords mark an error message as transient.
var recoverableKeywords = []string{"timeout", "rate_limit", "network", "temporary"}

// FlowError is the structured error type returned across package boundaries.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"stepId,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// Recoverable reports whether the error message (including its cause chain)
// matches one of the transient keywords.
func (e *FlowError) Recoverable() bool {
	return IsRecoverable(e)
}

// IsRecoverable classifies err by a fixed keyword match against its message.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range recoverableKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// CodeOf returns the code of the first FlowError in err's chain, or "".
func CodeOf(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// StepOf returns the step ID of the first FlowError in err's chain carrying one.
func StepOf(err error) string {
	for err != nil {
		var fe *FlowError
		if !errors.As(err, &fe) {
			return ""
		}
		if fe.StepID != "" {
			return fe.StepID
		}
		err = fe.Cause
	}
	return ""
}

// AsFlowError converts any error into a FlowError, keeping an existing one as-is.
func AsFlowError(err error, fallbackCode string) *FlowError {
	if err == nil {
		return nil
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return NewError(fallbackCode, err.Error()).WithCause(err)
}
