// Package panel serves the operator HTTP API: workflow definitions,
// executions, approval requests, scheduled jobs and a live event stream.
package panel

import (
	"log/slog"
	"net/http"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/scheduler"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/internal/streaming"
	"github.com/rendis/agentflow/pkg/schema"
)

// Validator checks a workflow definition before it is stored.
type Validator interface {
	Validate(wf *schema.Workflow) *schema.ValidationResult
}

// PanelDeps holds the dependencies for the panel server. Hub and Scheduler
// are optional; their routes answer 503 when unset.
type PanelDeps struct {
	Store        store.Store
	Orchestrator engine.Orchestrator
	Validator    Validator
	Hub          streaming.EventHub
	Scheduler    *scheduler.Scheduler
	Logger       *slog.Logger
}

// PanelServer serves the operator API.
type PanelServer struct {
	deps PanelDeps
}

// NewPanelServer creates a new PanelServer.
func NewPanelServer(deps PanelDeps) *PanelServer {
	deps.Logger = logging.OrDiscard(deps.Logger)
	return &PanelServer{deps: deps}
}

// Handler returns the HTTP handler for the panel routes.
func (s *PanelServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// Reads.
	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}/diagram", s.handleWorkflowDiagram)
	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /api/executions/{id}/events", s.handleExecutionEvents)
	mux.HandleFunc("GET /api/executions/{id}/diagram", s.handleExecutionDiagram)
	mux.HandleFunc("GET /api/hitl", s.handleListHITL)
	mux.HandleFunc("GET /api/scheduler", s.handleListJobs)

	// Live events.
	mux.HandleFunc("GET /sse/events", s.handleSSE)

	// Mutations.
	mux.HandleFunc("POST /api/workflows", s.handleDefineWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/executions", s.handleStartExecution)
	mux.HandleFunc("POST /api/executions/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /api/executions/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /api/executions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/hitl/{id}/resolve", s.handleResolveHITL)
	mux.HandleFunc("POST /api/scheduler", s.handleCreateJob)
	mux.HandleFunc("DELETE /api/scheduler/{id}", s.handleDeleteJob)

	return mux
}

func (s *PanelServer) handleSSE(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}
	streaming.NewSSEHandler(s.deps.Hub, s.deps.Logger).ServeHTTP(w, r)
}
