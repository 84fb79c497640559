package runners

import "github.com/rendis/agentflow/internal/validation"

// Catalog lists the agent and tool ids a deployment serves. An empty list
// leaves that kind unrestricted.
type Catalog struct {
	agents map[string]struct{}
	tools  map[string]struct{}
}

// NewCatalog builds a Catalog from configured ids.
func NewCatalog(agents, tools []string) *Catalog {
	c := &Catalog{agents: make(map[string]struct{}, len(agents)), tools: make(map[string]struct{}, len(tools))}
	for _, id := range agents {
		c.agents[id] = struct{}{}
	}
	for _, id := range tools {
		c.tools[id] = struct{}{}
	}
	return c
}

// HasAgent reports whether agent id is served.
func (c *Catalog) HasAgent(id string) bool {
	if len(c.agents) == 0 {
		return true
	}
	_, ok := c.agents[id]
	return ok
}

// HasTool reports whether tool id is served.
func (c *Catalog) HasTool(id string) bool {
	if len(c.tools) == 0 {
		return true
	}
	_, ok := c.tools[id]
	return ok
}

var _ validation.Catalog = (*Catalog)(nil)
