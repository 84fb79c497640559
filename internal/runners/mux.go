package runners

import (
	"context"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/pkg/schema"
)

// ToolMux routes tool calls by tool id. Ids without a route go to the
// fallback runner.
type ToolMux struct {
	routes   map[string]engine.ToolRunner
	fallback engine.ToolRunner
}

// NewToolMux creates a ToolMux. fallback may be nil.
func NewToolMux(fallback engine.ToolRunner) *ToolMux {
	return &ToolMux{routes: make(map[string]engine.ToolRunner), fallback: fallback}
}

// Handle routes toolID to runner.
func (m *ToolMux) Handle(toolID string, runner engine.ToolRunner) {
	m.routes[toolID] = runner
}

// Routes returns the ids with a dedicated runner.
func (m *ToolMux) Routes() []string {
	ids := make([]string, 0, len(m.routes))
	for id := range m.routes {
		ids = append(ids, id)
	}
	return ids
}

// Execute implements engine.ToolRunner.
func (m *ToolMux) Execute(ctx context.Context, toolID string, req engine.ToolRequest) (*engine.ToolResponse, error) {
	if r, ok := m.routes[toolID]; ok {
		return r.Execute(ctx, toolID, req)
	}
	if m.fallback == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no runner serves tool %q", toolID)
	}
	return m.fallback.Execute(ctx, toolID, req)
}

var _ engine.ToolRunner = (*ToolMux)(nil)
