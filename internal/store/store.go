package store

import (
	"context"

	"github.com/rendis/agentflow/pkg/schema"
)

// Store defines the persistence layer contract. The store is the single
// source of truth for execution state.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	SaveWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)

	// Executions
	CreateExecution(ctx context.Context, exec *schema.WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*schema.WorkflowExecution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) (*schema.WorkflowExecution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.WorkflowExecution, error)

	// HITL requests
	CreateHITLRequest(ctx context.Context, req *schema.HITLRequest) error
	GetHITLRequest(ctx context.Context, id string) (*schema.HITLRequest, error)
	ResolveHITLRequest(ctx context.Context, id string, res HITLResolution) (*schema.HITLRequest, error)
	ListHITLRequests(ctx context.Context, filter HITLFilter) ([]*schema.HITLRequest, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
