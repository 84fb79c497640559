package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// WorkflowValidator checks a workflow definition before it is stored.
type WorkflowValidator interface {
	Validate(wf *schema.Workflow) *schema.ValidationResult
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Orchestrator engine.Orchestrator
	Store        store.Store
	Validator    WorkflowValidator
	// Sessions defaults to a new registry.
	Sessions *SessionRegistry
	Logger   *slog.Logger
}

// Server wraps an MCP server with agentflow tool handlers.
type Server struct {
	orch      engine.Orchestrator
	store     store.Store
	validator WorkflowValidator
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}

	s := &Server{
		orch:      deps.Orchestrator,
		store:     deps.Store,
		validator: deps.Validator,
		sessions:  sessions,
		logger:    logging.OrDiscard(deps.Logger),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"agentflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithLogging(),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("agentflow runs no-code AI agent workflows. Use agentflow.define to register a workflow, "+
			"agentflow.execute to run it, agentflow.status to follow an execution, agentflow.resolve_hitl to answer "+
			"human approval requests and agentflow.query to list executions, workflows, approval requests or events."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler returns a streamable HTTP transport for the server.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the execution-to-session registry used for notifications.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: controlTool("agentflow.pause", "Pause a running execution at the next step boundary"), Handler: s.handlePause},
		{Tool: controlTool("agentflow.resume", "Resume a paused execution"), Handler: s.handleResume},
		{Tool: controlTool("agentflow.cancel", "Cancel a running or paused execution"), Handler: s.handleCancel},
		{Tool: resolveHITLTool(), Handler: s.handleResolveHITL},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func executeTool() mcp.Tool {
	return mcp.NewTool("agentflow.execute",
		mcp.WithDescription("Execute a registered workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to execute")),
		mcp.WithObject("input", mcp.Description("Execution input, validated against the workflow input schema")),
		mcp.WithObject("variables", mcp.Description("Variables overriding workflow defaults and input keys")),
		mcp.WithString("session_id", mcp.Description("Session forwarded to agents")),
		mcp.WithString("user_id", mcp.Description("ID of the user or agent starting the execution")),
		mcp.WithBoolean("wait", mcp.Description("Wait for the execution to complete or pause (default: true)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("agentflow.status",
		mcp.WithDescription("Get the persisted state of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func controlTool(name, description string) mcp.Tool {
	return mcp.NewTool(name,
		mcp.WithDescription(description),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func resolveHITLTool() mcp.Tool {
	return mcp.NewTool("agentflow.resolve_hitl",
		mcp.WithDescription("Approve or reject a pending human approval request"),
		mcp.WithString("request_id", mcp.Required(), mcp.Description("ID of the approval request")),
		mcp.WithBoolean("approved", mcp.Required(), mcp.Description("Whether the request is approved")),
		mcp.WithString("resolved_by", mcp.Required(), mcp.Description("ID of the person resolving the request")),
		mcp.WithArray("roles", mcp.WithStringItems(), mcp.Description("Roles of the resolver, checked by assignee rules")),
		mcp.WithString("reason", mcp.Description("Reason for the decision")),
		mcp.WithObject("decision_data", mcp.Description("Structured data recorded with the decision")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("agentflow.define",
		mcp.WithDescription("Validate and register a workflow definition. Re-defining an id bumps its version"),
		mcp.WithObject("workflow", mcp.Required(), mcp.Description("Workflow definition object (id, nodes, edges, settings, inputSchema)")),
		mcp.WithBoolean("activate", mcp.Description("Mark the workflow active so it can be executed (default: true)")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("agentflow.query",
		mcp.WithDescription("Query executions, workflows, approval requests or events"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("executions", "workflows", "hitl_requests", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, workflow_id, execution_id, since, limit)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("agentflow.diagram",
		mcp.WithDescription("Generate a diagram of a workflow. Returns ASCII art, Mermaid flowchart syntax, SVG or a base64-encoded PNG image"),
		mcp.WithString("workflow_id", mcp.Description("Workflow to diagram")),
		mcp.WithString("execution_id", mcp.Description("Execution to diagram (includes runtime status by default)")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "svg", "image"),
			mcp.Description("Output format"),
		),
		mcp.WithBoolean("include_status", mcp.Description("Include the runtime status overlay for execution_id (default: true)")),
	)
}
