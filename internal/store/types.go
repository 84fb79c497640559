package store

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/rendis/agentflow/pkg/schema"
)

// Event is an immutable entry in an execution's event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// Checkpoint carries the arena-owned fields of an execution record.
type Checkpoint struct {
	CurrentStep        string
	CompletedSteps     []string
	FailedSteps        []string
	Variables          map[string]any
	StepResults        map[string]*schema.StepResult
	RetryCount         int
	Cost               float64
	ExecutionTimeMs    int64
	HITLRequests       []string
	AgentExecutions    []schema.AgentExecutionRecord
	ToolExecutions     []schema.ToolExecutionRecord
	PerformanceMetrics *schema.PerformanceMetrics
	AnalyticsData      *schema.AnalyticsData
	LoopStack          []schema.LoopPosition
}

// ExecutionUpdate is a partial update of an execution record. Nil fields are
// left unchanged. When ExpectStatus is non-empty the update only applies if
// the stored status is one of them; otherwise it fails with CONFLICT.
type ExecutionUpdate struct {
	ExpectStatus []schema.ExecutionStatus
	Status       *schema.ExecutionStatus
	Checkpoint   *Checkpoint
	Output       any
	Error        *string
	ErrorDetails *schema.ErrorDetails
	PendingHITL  *string
	PausedAt     *time.Time
	ResumedAt    *time.Time
	CompletedAt  *time.Time
}

// Apply validates the expected status and mutates exec in place.
func (u ExecutionUpdate) Apply(exec *schema.WorkflowExecution, now time.Time) error {
	if len(u.ExpectStatus) > 0 && !slices.Contains(u.ExpectStatus, exec.Status) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s is %s, expected one of %v", exec.ID, exec.Status, u.ExpectStatus).
			WithDetails(map[string]any{"status": string(exec.Status)})
	}
	if u.Status != nil {
		exec.Status = *u.Status
	}
	if cp := u.Checkpoint; cp != nil {
		exec.CurrentStep = cp.CurrentStep
		exec.CompletedSteps = cp.CompletedSteps
		exec.FailedSteps = cp.FailedSteps
		exec.Variables = cp.Variables
		exec.StepResults = cp.StepResults
		exec.RetryCount = cp.RetryCount
		exec.Cost = cp.Cost
		exec.ExecutionTimeMs = cp.ExecutionTimeMs
		exec.HITLRequests = cp.HITLRequests
		exec.AgentExecutions = cp.AgentExecutions
		exec.ToolExecutions = cp.ToolExecutions
		exec.PerformanceMetrics = cp.PerformanceMetrics
		exec.AnalyticsData = cp.AnalyticsData
		exec.LoopStack = cp.LoopStack
	}
	if u.Output != nil {
		exec.Output = u.Output
	}
	if u.Error != nil {
		exec.Error = *u.Error
	}
	if u.ErrorDetails != nil {
		exec.ErrorDetails = u.ErrorDetails
	}
	if u.PendingHITL != nil {
		exec.PendingHITL = *u.PendingHITL
	}
	if u.PausedAt != nil {
		exec.PausedAt = u.PausedAt
	}
	if u.ResumedAt != nil {
		exec.ResumedAt = u.ResumedAt
	}
	if u.CompletedAt != nil {
		exec.CompletedAt = u.CompletedAt
	}
	exec.UpdatedAt = now
	return nil
}

// HITLResolution is a transition of a pending request to a final status.
type HITLResolution struct {
	Status     schema.HITLStatus
	ResolvedBy string
	ResolvedAt time.Time
	Resolution *schema.HITLResolution
}

// --- Filter types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Status *schema.WorkflowStatus `json:"status,omitempty"`
	Limit  int                    `json:"limit,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	WorkflowID string                  `json:"workflow_id,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
}

// HITLFilter specifies criteria for listing HITL requests.
type HITLFilter struct {
	ExecutionID   string             `json:"execution_id,omitempty"`
	Status        *schema.HITLStatus `json:"status,omitempty"`
	ExpiresBefore *time.Time         `json:"expires_before,omitempty"`
	Limit         int                `json:"limit,omitempty"`
}
