package schema

import "time"

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionPaused    ExecutionStatus = "PAUSED"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// StepStatus is the outcome of one step invocation.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// WorkflowExecution is the persisted record of one run.
type WorkflowExecution struct {
	ID                 string                 `json:"id"`
	WorkflowID         string                 `json:"workflowId"`
	SessionID          string                 `json:"sessionId,omitempty"`
	UserID             string                 `json:"userId,omitempty"`
	Status             ExecutionStatus        `json:"status"`
	Input              map[string]any         `json:"input,omitempty"`
	Output             any                    `json:"output,omitempty"`
	CurrentStep        string                 `json:"currentStep,omitempty"`
	CompletedSteps     []string               `json:"completedSteps"`
	FailedSteps        []string               `json:"failedSteps"`
	Variables          map[string]any         `json:"variables"`
	StepResults        map[string]*StepResult `json:"stepResults"`
	RetryCount         int                    `json:"retryCount"`
	Cost               float64                `json:"cost"`
	ExecutionTimeMs    int64                  `json:"executionTimeMs"`
	PerformanceMetrics *PerformanceMetrics    `json:"performanceMetrics,omitempty"`
	AnalyticsData      *AnalyticsData         `json:"analyticsData,omitempty"`
	Error              string                 `json:"error,omitempty"`
	ErrorDetails       *ErrorDetails          `json:"errorDetails,omitempty"`
	HITLRequests       []string               `json:"hitlRequests,omitempty"`
	AgentExecutions    []AgentExecutionRecord `json:"agentExecutions,omitempty"`
	ToolExecutions     []ToolExecutionRecord  `json:"toolExecutions,omitempty"`
	PendingHITL        string                 `json:"pendingHitlRequestId,omitempty"`
	LoopStack          []LoopPosition         `json:"loopStack,omitempty"`
	StartedAt          time.Time              `json:"startedAt"`
	PausedAt           *time.Time             `json:"pausedAt,omitempty"`
	ResumedAt          *time.Time             `json:"resumedAt,omitempty"`
	CompletedAt        *time.Time             `json:"completedAt,omitempty"`
	UpdatedAt          time.Time              `json:"updatedAt"`
}

// LoopPosition is the resume point inside a loop node that was running at
// the last checkpoint. Step is the body node to run next in Iteration; an
// empty Step means the iteration has not started. Items holds the array a
// forEach loop iterates over, as resolved when the loop was entered.
type LoopPosition struct {
	LoopID    string `json:"loopId"`
	Iteration int    `json:"iteration"`
	Step      string `json:"step,omitempty"`
	Items     []any  `json:"items,omitempty"`
}

// ErrorDetails classifies the failure that terminated an execution.
type ErrorDetails struct {
	StepID      string `json:"stepId,omitempty"`
	Kind        string `json:"kind"`
	RetryCount  int    `json:"retryCount"`
	Recoverable bool   `json:"recoverable"`
}

// StepResult is the last recorded outcome of a node.
type StepResult struct {
	StepID          string         `json:"stepId"`
	NodeType        NodeType       `json:"nodeType"`
	Status          StepStatus     `json:"status"`
	Output          any            `json:"output,omitempty"`
	Cost            float64        `json:"cost"`
	ExecutionTimeMs int64          `json:"executionTime"`
	Attempts        int            `json:"attempts,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// AgentExecutionRecord is an audit entry for one agent invocation.
type AgentExecutionRecord struct {
	StepID     string    `json:"stepId"`
	AgentID    string    `json:"agentId"`
	RunID      string    `json:"runId,omitempty"`
	At         time.Time `json:"at"`
	DurationMs int64     `json:"durationMs"`
	TokensUsed int       `json:"tokensUsed"`
	Cost       float64   `json:"cost"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
}

// ToolExecutionRecord is an audit entry for one tool invocation.
type ToolExecutionRecord struct {
	StepID       string    `json:"stepId"`
	ToolID       string    `json:"toolId"`
	FunctionName string    `json:"functionName"`
	RunID        string    `json:"runId,omitempty"`
	At           time.Time `json:"at"`
	DurationMs   int64     `json:"durationMs"`
	Cost         float64   `json:"cost"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
}

// PerformanceMetrics summarises step timings of an execution.
type PerformanceMetrics struct {
	TotalSteps      int              `json:"totalSteps"`
	TotalTimeMs     int64            `json:"totalTimeMs"`
	AverageStepMs   float64          `json:"averageStepMs"`
	SlowestStepID   string           `json:"slowestStepId,omitempty"`
	SlowestStepMs   int64            `json:"slowestStepMs"`
	StepTimings     map[string]int64 `json:"stepTimings"`
	Bottlenecks     []Bottleneck     `json:"bottlenecks,omitempty"`
	TotalCost       float64          `json:"totalCost"`
	TotalTokensUsed int              `json:"totalTokensUsed"`
}

// Bottleneck flags a step whose duration exceeded BottleneckThreshold.
type Bottleneck struct {
	StepID     string `json:"stepId"`
	DurationMs int64  `json:"durationMs"`
}

// AnalyticsData describes the path an execution took.
type AnalyticsData struct {
	ExecutionPath           []PathEntry     `json:"executionPath"`
	DecisionPoints          []DecisionPoint `json:"decisionPoints"`
	OptimizationSuggestions []string        `json:"optimizationSuggestions"`
	// ParallelExecutions is reserved; steps never run in parallel.
	ParallelExecutions []any `json:"parallelExecutions"`
}

// PathEntry records entry into a node.
type PathEntry struct {
	StepID    string    `json:"stepId"`
	NodeType  NodeType  `json:"nodeType"`
	EnteredAt time.Time `json:"enteredAt"`
}

// DecisionPoint records one guard evaluation made by the router.
type DecisionPoint struct {
	StepID           string  `json:"stepId"`
	EdgeID           string  `json:"edgeId"`
	Condition        string  `json:"condition"`
	Result           bool    `json:"result"`
	EvaluationTimeMs float64 `json:"evaluationTimeMs"`
	Error            string  `json:"error,omitempty"`
}
