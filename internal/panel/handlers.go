package panel

import (
	"net/http"

	"github.com/rendis/agentflow/internal/diagram"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// handleListWorkflows lists workflow definitions, optionally by ?status=.
func (s *PanelServer) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	filter := store.WorkflowFilter{Limit: queryInt(r, "limit", 50)}
	if status := r.URL.Query().Get("status"); status != "" {
		ws := schema.WorkflowStatus(status)
		filter.Status = &ws
	}

	workflows, err := s.deps.Store.ListWorkflows(r.Context(), filter)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

func (s *PanelServer) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Store.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// handleListExecutions lists executions by ?status= and ?workflow_id=.
func (s *PanelServer) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ExecutionFilter{
		WorkflowID: q.Get("workflow_id"),
		Limit:      queryInt(r, "limit", 50),
	}
	if status := q.Get("status"); status != "" {
		es := schema.ExecutionStatus(status)
		filter.Status = &es
	}

	execs, err := s.deps.Store.ListExecutions(r.Context(), filter)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *PanelServer) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Store.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// handleExecutionEvents returns the event log after ?since= (a sequence).
func (s *PanelServer) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Store.GetEvents(r.Context(), r.PathValue("id"), int64(queryInt(r, "since", 0)))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleListHITL lists approval requests, pending ones by default.
func (s *PanelServer) handleListHITL(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := schema.HITLPending
	if v := q.Get("status"); v != "" {
		status = schema.HITLStatus(v)
	}
	filter := store.HITLFilter{
		ExecutionID: q.Get("execution_id"),
		Status:      &status,
		Limit:       queryInt(r, "limit", 50),
	}

	requests, err := s.deps.Store.ListHITLRequests(r.Context(), filter)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
}

func (s *PanelServer) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.deps.Scheduler.Jobs()})
}

func (s *PanelServer) handleWorkflowDiagram(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Store.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	s.renderDiagram(w, r, wf, nil)
}

func (s *PanelServer) handleExecutionDiagram(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Store.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	wf, err := s.deps.Store.GetWorkflow(r.Context(), exec.WorkflowID)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	s.renderDiagram(w, r, wf, exec)
}

// renderDiagram writes the diagram in ?format= (mermaid, ascii, svg or png).
func (s *PanelServer) renderDiagram(w http.ResponseWriter, r *http.Request, wf *schema.Workflow, exec *schema.WorkflowExecution) {
	model, err := diagram.Build(wf, exec)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(diagram.RenderMermaid(model)))
	case "ascii":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(diagram.RenderASCII(model)))
	case "svg", "png":
		render, contentType := diagram.RenderSVG, "image/svg+xml"
		if format == "png" {
			render, contentType = diagram.RenderImage, "image/png"
		}
		data, renderErr := render(model)
		if renderErr != nil {
			s.deps.Logger.Error("diagram render failed", "workflow_id", wf.ID, "format", format, "error", renderErr)
			writeError(w, http.StatusInternalServerError, renderErr.Error())
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Write(data)
	default:
		writeError(w, http.StatusBadRequest, "format must be mermaid, ascii, svg or png")
	}
}
