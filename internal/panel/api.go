package panel

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/hitl"
	"github.com/rendis/agentflow/internal/scheduler"
	"github.com/rendis/agentflow/pkg/schema"
)

// handleDefineWorkflow validates and stores a workflow. Re-defining an id
// bumps its version. ?activate=false stores it as a draft.
func (s *PanelServer) handleDefineWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var wf schema.Workflow
	if err := decodeBody(r, &wf); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if wf.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	var warnings []schema.ValidationIssue
	if s.deps.Validator != nil {
		vr := s.deps.Validator.Validate(&wf)
		if !vr.Valid() {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"valid": false, "errors": vr.Errors, "warnings": vr.Warnings})
			return
		}
		warnings = vr.Warnings
	}

	wf.Version = 1
	if prev, err := s.deps.Store.GetWorkflow(ctx, wf.ID); err == nil {
		wf.Version = prev.Version + 1
	}
	wf.Status = schema.WorkflowStatusActive
	if r.URL.Query().Get("activate") == "false" {
		wf.Status = schema.WorkflowStatusDraft
	}

	if err := s.deps.Store.SaveWorkflow(ctx, &wf); err != nil {
		writeFlowError(w, err)
		return
	}
	s.deps.Logger.InfoContext(ctx, "workflow defined via panel", "workflow_id", wf.ID, "version", wf.Version)

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       wf.ID,
		"version":  wf.Version,
		"status":   wf.Status,
		"warnings": warnings,
	})
}

// handleStartExecution starts an execution in the background.
func (s *PanelServer) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Input     map[string]any `json:"input"`
		Variables map[string]any `json:"variables"`
		SessionID string         `json:"sessionId"`
		UserID    string         `json:"userId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	workflowID := r.PathValue("id")
	execID, err := s.deps.Orchestrator.Start(r.Context(), workflowID, body.Input, engine.ExecuteOptions{
		Variables: body.Variables,
		SessionID: body.SessionID,
		UserID:    body.UserID,
	})
	if err != nil {
		writeFlowError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"executionId": execID,
		"workflowId":  workflowID,
		"status":      schema.ExecutionRunning,
	})
}

func (s *PanelServer) handlePause(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.deps.Orchestrator.Pause)
}

func (s *PanelServer) handleResume(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.deps.Orchestrator.Resume)
}

func (s *PanelServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.deps.Orchestrator.Cancel)
}

func (s *PanelServer) control(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*schema.WorkflowExecution, error)) {
	exec, err := op(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executionId": exec.ID, "status": exec.Status})
}

// handleResolveHITL applies a human decision to a pending request.
func (s *PanelServer) handleResolveHITL(w http.ResponseWriter, r *http.Request) {
	var d hitl.Decision
	if err := decodeBody(r, &d); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if d.ResolvedBy == "" {
		writeError(w, http.StatusBadRequest, "resolvedBy is required")
		return
	}

	req, err := s.deps.Orchestrator.ResolveHITL(r.Context(), r.PathValue("id"), d)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// handleCreateJob registers a cron-triggered execution.
func (s *PanelServer) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler disabled")
		return
	}

	var spec scheduler.JobSpec
	if err := decodeBody(r, &spec); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if spec.WorkflowID == "" || spec.Cron == "" {
		writeError(w, http.StatusBadRequest, "workflowId and cron are required")
		return
	}

	job, err := s.deps.Scheduler.AddJob(spec)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *PanelServer) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler disabled")
		return
	}
	jobID := r.PathValue("id")
	if !s.deps.Scheduler.RemoveJob(jobID) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", jobID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "id": jobID})
}
