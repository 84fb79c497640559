package engine

import (
	"context"
	"time"
)

// AgentRequest is the payload handed to an agent collaborator.
type AgentRequest struct {
	Input     map[string]any `json:"input"`
	SessionID string         `json:"sessionId,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// AgentResponse is an agent collaborator's reply.
type AgentResponse struct {
	ID                string  `json:"id"`
	Output            any     `json:"output"`
	Cost              float64 `json:"cost"`
	TokensUsed        int     `json:"tokensUsed"`
	Status            string  `json:"status"`
	ToolCalls         []any   `json:"toolCalls,omitempty"`
	KnowledgeSearches []any   `json:"knowledgeSearches,omitempty"`
}

// AgentRunner invokes agents. A runner may return a non-nil response
// together with an error to report the cost of a failed attempt.
type AgentRunner interface {
	Execute(ctx context.Context, agentID string, req AgentRequest) (*AgentResponse, error)
}

// ToolRequest is the payload handed to a tool collaborator.
type ToolRequest struct {
	FunctionName string         `json:"functionName"`
	Parameters   map[string]any `json:"parameters"`
	CallerType   string         `json:"callerType"`
	CallerID     string         `json:"callerId"`
	Timeout      time.Duration  `json:"-"`
	TimeoutMs    int64          `json:"timeout"`
}

// ToolResponse is a tool collaborator's reply.
type ToolResponse struct {
	ID     string  `json:"id"`
	Result any     `json:"result"`
	Cost   float64 `json:"cost"`
	Status string  `json:"status"`
}

// ToolRunner invokes tools. Like AgentRunner, a response may accompany an
// error.
type ToolRunner interface {
	Execute(ctx context.Context, toolID string, req ToolRequest) (*ToolResponse, error)
}

// AgentRunnerFunc adapts a function to AgentRunner.
type AgentRunnerFunc func(ctx context.Context, agentID string, req AgentRequest) (*AgentResponse, error)

// Execute calls f.
func (f AgentRunnerFunc) Execute(ctx context.Context, agentID string, req AgentRequest) (*AgentResponse, error) {
	return f(ctx, agentID, req)
}

// ToolRunnerFunc adapts a function to ToolRunner.
type ToolRunnerFunc func(ctx context.Context, toolID string, req ToolRequest) (*ToolResponse, error)

// Execute calls f.
func (f ToolRunnerFunc) Execute(ctx context.Context, toolID string, req ToolRequest) (*ToolResponse, error) {
	return f(ctx, toolID, req)
}

// CallerTypeWorkflow identifies the engine as the caller of a tool.
const CallerTypeWorkflow = "workflow"
