package schema

// Event type constants for lifecycle notifications and the event log.
const (
	EventExecutionStarted    = "execution.started"
	EventExecutionProgress   = "execution.progress"
	EventExecutionPaused     = "execution.paused"
	EventExecutionResumed    = "execution.resumed"
	EventExecutionCompleted  = "execution.completed"
	EventExecutionFailed     = "execution.failed"
	EventExecutionCancelled  = "execution.cancelled"
	EventExecutionReconciled = "execution.reconciled"

	EventStepStarted    = "step.started"
	EventStepCompleted  = "step.completed"
	EventStepFailed     = "step.failed"
	EventStepRetrying   = "step.retrying"
	EventStepBottleneck = "step.bottleneck"

	EventHITLRequested = "hitl.requested"
	EventHITLResolved  = "hitl.resolved"
	EventHITLExpired   = "hitl.expired"
)

// ExecutionEventType maps a status to the lifecycle event emitted on entry.
func ExecutionEventType(to ExecutionStatus) string {
	switch to {
	case ExecutionRunning:
		return EventExecutionResumed
	case ExecutionPaused:
		return EventExecutionPaused
	case ExecutionCompleted:
		return EventExecutionCompleted
	case ExecutionFailed:
		return EventExecutionFailed
	case ExecutionCancelled:
		return EventExecutionCancelled
	}
	return ""
}
