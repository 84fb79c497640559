package runners

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/pkg/schema"
)

// MCPServerConfig describes an MCP server launched as a subprocess. Its ID
// is the tool id workflows reference; the tool node's function names the
// MCP tool to call.
type MCPServerConfig struct {
	ID      string   `mapstructure:"id"`
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Env     []string `mapstructure:"env"`
}

// Dialer opens an initialized-ready client for a server config.
type Dialer func(ctx context.Context, cfg MCPServerConfig) (*client.Client, error)

// StdioDialer launches cfg.Command and talks MCP over its stdio.
func StdioDialer(_ context.Context, cfg MCPServerConfig) (*client.Client, error) {
	return client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
}

// MCPTools calls tools hosted by MCP servers. Connections open on first use
// and are dropped after a transport failure, so the next call reconnects.
type MCPTools struct {
	dial    Dialer
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	servers map[string]*mcpServer
}

type mcpServer struct {
	cfg     MCPServerConfig
	client  *client.Client
	status  string
	lastErr string
}

// MCP server connection states reported by Status.
const (
	MCPStatusIdle      = "idle"
	MCPStatusConnected = "connected"
	MCPStatusFailed    = "failed"
)

// NewMCPTools registers servers. dial defaults to StdioDialer.
func NewMCPTools(servers []MCPServerConfig, dial Dialer, logger *slog.Logger) (*MCPTools, error) {
	if dial == nil {
		dial = StdioDialer
	}
	t := &MCPTools{
		dial:    dial,
		logger:  logging.OrDiscard(logger),
		timeout: 30 * time.Second,
		servers: make(map[string]*mcpServer, len(servers)),
	}
	for _, cfg := range servers {
		if cfg.ID == "" {
			return nil, fmt.Errorf("mcp server: id is required")
		}
		if _, dup := t.servers[cfg.ID]; dup {
			return nil, fmt.Errorf("mcp server %q defined twice", cfg.ID)
		}
		t.servers[cfg.ID] = &mcpServer{cfg: cfg, status: MCPStatusIdle}
	}
	return t, nil
}

// IDs returns the configured server ids, sorted.
func (t *MCPTools) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.servers))
	for id := range t.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Status reports the connection state of every server.
func (t *MCPTools) Status() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.servers))
	for id, s := range t.servers {
		out[id] = s.status
	}
	return out
}

// connect returns the live client for id, dialing and initializing it when
// needed.
func (t *MCPTools) connect(ctx context.Context, id string) (*client.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.servers[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "mcp server %q is not configured", id)
	}
	if s.client != nil {
		return s.client, nil
	}

	c, err := t.dial(ctx, s.cfg)
	if err != nil {
		s.status, s.lastErr = MCPStatusFailed, err.Error()
		return nil, schema.NewErrorf(schema.ErrCodeToolFailed, "start mcp server %q", id).WithCause(err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "agentflow", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		s.status, s.lastErr = MCPStatusFailed, err.Error()
		return nil, schema.NewErrorf(schema.ErrCodeToolFailed, "initialize mcp server %q", id).WithCause(err)
	}

	s.client, s.status, s.lastErr = c, MCPStatusConnected, ""
	t.logger.Info("mcp server connected", slog.String("server", id))
	return c, nil
}

// drop closes the client of id after a transport failure.
func (t *MCPTools) drop(id string, c *client.Client, cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.servers[id]
	if s == nil || s.client != c {
		return
	}
	_ = c.Close()
	s.client, s.status, s.lastErr = nil, MCPStatusFailed, cause.Error()
	t.logger.Warn("mcp server disconnected", slog.String("server", id), slog.String("error", cause.Error()))
}

// ListTools returns the tool names a server exposes.
func (t *MCPTools) ListTools(ctx context.Context, id string) ([]string, error) {
	c, err := t.connect(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		t.drop(id, c, err)
		return nil, schema.NewErrorf(schema.ErrCodeToolFailed, "list tools of %q", id).WithCause(err)
	}
	names := make([]string, 0, len(res.Tools))
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	return names, nil
}

// Execute implements engine.ToolRunner.
func (t *MCPTools) Execute(ctx context.Context, toolID string, req engine.ToolRequest) (*engine.ToolResponse, error) {
	if req.FunctionName == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "mcp tool %q needs a function name", toolID)
	}
	timeout := t.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, err := t.connect(ctx, toolID)
	if err != nil {
		return nil, err
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = req.FunctionName
	callReq.Params.Arguments = req.Parameters

	res, err := c.CallTool(ctx, callReq)
	if err != nil {
		if ctx.Err() == nil {
			t.drop(toolID, c, err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeToolFailed, "call %s.%s", toolID, req.FunctionName).WithCause(err)
	}

	resp := &engine.ToolResponse{Result: callResult(res), Status: "success"}
	if res.IsError {
		resp.Status = "error"
		return resp, schema.NewErrorf(schema.ErrCodeToolFailed, "tool %s.%s reported an error", toolID, req.FunctionName).
			WithDetails(map[string]any{"result": resp.Result})
	}
	return resp, nil
}

// Close disconnects every server.
func (t *MCPTools) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for _, s := range t.servers {
		if s.client == nil {
			continue
		}
		if err := s.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.client, s.status = nil, MCPStatusIdle
	}
	return firstErr
}

// callResult prefers structured content. Otherwise text blocks are joined,
// and decoded when they hold JSON.
func callResult(res *mcp.CallToolResult) any {
	if res.StructuredContent != nil {
		return res.StructuredContent
	}
	var parts []string
	for _, content := range res.Content {
		switch c := content.(type) {
		case mcp.TextContent:
			parts = append(parts, c.Text)
		case *mcp.TextContent:
			parts = append(parts, c.Text)
		}
	}
	text := strings.Join(parts, "\n")
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		return decoded
	}
	return text
}

var _ engine.ToolRunner = (*MCPTools)(nil)
