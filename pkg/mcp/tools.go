package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentflow/internal/diagram"
	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/hitl"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// handleExecute runs a workflow. By default it waits for the execution to
// complete or pause; with wait=false it returns as soon as the execution is
// created.
func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)
	opts := engine.ExecuteOptions{
		Variables: mcp.ParseStringMap(req, "variables", nil),
		SessionID: req.GetString("session_id", ""),
		UserID:    req.GetString("user_id", ""),
	}

	if !req.GetBool("wait", true) {
		execID, startErr := s.orch.Start(ctx, workflowID, input, opts)
		if startErr != nil {
			return flowErrorResult("execution failed to start", startErr)
		}
		s.captureSession(ctx, execID)
		return marshalResult(map[string]any{
			"executionId": execID,
			"workflowId":  workflowID,
			"status":      schema.ExecutionRunning,
		})
	}

	result, runErr := s.orch.Execute(ctx, workflowID, input, opts)
	if result == nil {
		return flowErrorResult("execution failed", runErr)
	}
	s.captureSession(ctx, result.ExecutionID)
	// A failed execution still has a result; report it as data.
	return marshalResult(result)
}

// handleStatus returns the persisted state of an execution.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	exec, statusErr := s.orch.Status(ctx, execID)
	if statusErr != nil {
		return flowErrorResult("status query failed", statusErr)
	}
	return marshalResult(exec)
}

func (s *Server) handlePause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(ctx, req, "pause", s.orch.Pause)
}

func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(ctx, req, "resume", s.orch.Resume)
}

func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(ctx, req, "cancel", s.orch.Cancel)
}

func (s *Server) control(ctx context.Context, req mcp.CallToolRequest, verb string,
	op func(context.Context, string) (*schema.WorkflowExecution, error),
) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	exec, opErr := op(ctx, execID)
	if opErr != nil {
		return flowErrorResult(verb+" failed", opErr)
	}
	s.captureSession(ctx, execID)
	return marshalResult(map[string]any{
		"ok":          true,
		"executionId": exec.ID,
		"status":      exec.Status,
	})
}

// handleResolveHITL applies a human decision to a pending request.
func (s *Server) handleResolveHITL(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID, err := req.RequireString("request_id")
	if err != nil {
		return mcp.NewToolResultError("request_id is required"), nil
	}
	approved, err := req.RequireBool("approved")
	if err != nil {
		return mcp.NewToolResultError("approved is required"), nil
	}
	resolvedBy, err := req.RequireString("resolved_by")
	if err != nil {
		return mcp.NewToolResultError("resolved_by is required"), nil
	}

	decision := hitl.Decision{
		Approved:      approved,
		ResolvedBy:    resolvedBy,
		ResolverRoles: req.GetStringSlice("roles", nil),
		Reason:        req.GetString("reason", ""),
		DecisionData:  mcp.ParseStringMap(req, "decision_data", nil),
	}

	resolved, resolveErr := s.orch.ResolveHITL(ctx, requestID, decision)
	if resolveErr != nil {
		return flowErrorResult("resolve failed", resolveErr)
	}
	return marshalResult(resolved)
}

// handleDefine validates and stores a workflow definition. Re-defining an
// existing id increments its version.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "workflow", nil)
	if raw == nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}

	// Round-trip through JSON to get a typed Workflow.
	data, marshalErr := json.Marshal(raw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", marshalErr)), nil
	}
	var wf schema.Workflow
	if unmarshalErr := json.Unmarshal(data, &wf); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", unmarshalErr)), nil
	}

	var warnings []schema.ValidationIssue
	if s.validator != nil {
		vr := s.validator.Validate(&wf)
		if !vr.Valid() {
			res, resErr := marshalResult(map[string]any{"valid": false, "errors": vr.Errors, "warnings": vr.Warnings})
			if res != nil {
				res.IsError = true
			}
			return res, resErr
		}
		warnings = vr.Warnings
	}

	wf.Version = s.nextVersion(ctx, wf.ID)
	if req.GetBool("activate", true) {
		wf.Status = schema.WorkflowStatusActive
	}

	if saveErr := s.store.SaveWorkflow(ctx, &wf); saveErr != nil {
		return flowErrorResult("failed to store workflow", saveErr)
	}
	s.logger.InfoContext(ctx, "workflow defined", "workflow_id", wf.ID, "version", wf.Version, "status", wf.Status)

	return marshalResult(map[string]any{
		"valid":    true,
		"id":       wf.ID,
		"version":  wf.Version,
		"status":   wf.Status,
		"warnings": warnings,
	})
}

// handleQuery lists executions, workflows, HITL requests or events.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	f := queryFilter(mcp.ParseStringMap(req, "filter", nil))

	var rows any
	switch resource {
	case "executions":
		ef := store.ExecutionFilter{Limit: f.number("limit", 50), WorkflowID: f.str("workflow_id")}
		if st := f.str("status"); st != "" {
			ef.Status = ptr(schema.ExecutionStatus(st))
		}
		rows, err = s.store.ListExecutions(ctx, ef)
	case "workflows":
		wf := store.WorkflowFilter{Limit: f.number("limit", 50)}
		if st := f.str("status"); st != "" {
			wf.Status = ptr(schema.WorkflowStatus(st))
		}
		rows, err = s.store.ListWorkflows(ctx, wf)
	case "hitl_requests":
		hf := store.HITLFilter{Limit: f.number("limit", 50), ExecutionID: f.str("execution_id")}
		if st := f.str("status"); st != "" {
			hf.Status = ptr(schema.HITLStatus(st))
		}
		rows, err = s.store.ListHITLRequests(ctx, hf)
	case "events":
		execID := f.str("execution_id")
		if execID == "" {
			return mcp.NewToolResultError("event query requires 'execution_id' in filter"), nil
		}
		var events []*store.Event
		events, err = s.store.GetEvents(ctx, execID, int64(f.number("since", 0)))
		if limit := f.number("limit", 0); limit > 0 && len(events) > limit {
			events = events[:limit]
		}
		rows = events
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
	if err != nil {
		return flowErrorResult("query failed", err)
	}
	return marshalResult(map[string]any{resource: rows})
}

// handleDiagram renders a workflow, optionally with an execution's status.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	switch format {
	case "ascii", "mermaid", "svg", "image":
	default:
		return mcp.NewToolResultError("format must be ascii, mermaid, svg, or image"), nil
	}

	workflowID := req.GetString("workflow_id", "")
	execID := req.GetString("execution_id", "")
	if workflowID == "" && execID == "" {
		return mcp.NewToolResultError("at least one of workflow_id or execution_id is required"), nil
	}

	var exec *schema.WorkflowExecution
	if execID != "" {
		e, execErr := s.store.GetExecution(ctx, execID)
		if execErr != nil {
			return flowErrorResult("execution not found", execErr)
		}
		workflowID = e.WorkflowID
		if req.GetBool("include_status", true) {
			exec = e
		}
	}

	wf, wfErr := s.store.GetWorkflow(ctx, workflowID)
	if wfErr != nil {
		return flowErrorResult("workflow not found", wfErr)
	}

	model, buildErr := diagram.Build(wf, exec)
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", buildErr)), nil
	}

	text, renderErr := renderDiagram(model, format)
	if renderErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s render failed: %v", format, renderErr)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// renderDiagram renders model as text. Binary formats are base64 encoded.
func renderDiagram(model *diagram.DiagramModel, format string) (string, error) {
	switch format {
	case "ascii":
		return diagram.RenderASCII(model), nil
	case "mermaid":
		return diagram.RenderMermaid(model), nil
	case "svg":
		svg, err := diagram.RenderSVG(model)
		return string(svg), err
	default:
		png, err := diagram.RenderImage(model)
		if err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString(png), nil
	}
}

// --- Internal helpers ---

// nextVersion returns the version a new definition of id receives.
func (s *Server) nextVersion(ctx context.Context, id string) int {
	prev, err := s.store.GetWorkflow(ctx, id)
	if err != nil || prev == nil {
		return 1
	}
	return prev.Version + 1
}

// captureSession maps the execution to the caller's MCP session so that its
// lifecycle events reach the caller.
func (s *Server) captureSession(ctx context.Context, executionID string) {
	if executionID == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
}

// queryFilter is the loosely typed filter object of the query tool.
type queryFilter map[string]any

// number reads key as an integer. JSON numbers and numeric strings are
// accepted; anything else yields def.
func (f queryFilter) number(key string, def int) int {
	switch v := f[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func (f queryFilter) str(key string) string {
	v, _ := f[key].(string)
	return v
}

func ptr[T any](v T) *T { return &v }

// flowErrorResult reports err as a tool error. FlowErrors carry their code
// in the message.
func flowErrorResult(prefix string, err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err)), nil
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
