package engine

import (
	"github.com/rendis/agentflow/pkg/schema"
)

// Graph is the decoded, indexed form of a workflow used by an execution.
// Built once per run; it is read-only afterwards.
type Graph struct {
	Workflow *schema.Workflow
	Start    string
	Nodes    map[string]*schema.Node
	Specs    map[string]schema.NodeSpec
	Out      map[string][]schema.Edge
}

// BuildGraph decodes every node and checks the invariants an execution
// relies on: exactly one start node, at least one end node, unique node ids,
// edges between existing nodes and well-formed payloads. Violations fail
// with INVALID_WORKFLOW, unknown node types with UNKNOWN_STEP.
func BuildGraph(wf *schema.Workflow) (*Graph, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeInvalidWorkflow, "workflow is nil")
	}
	start, err := wf.StartNode()
	if err != nil {
		return nil, err
	}

	g := &Graph{
		Workflow: wf,
		Start:    start.ID,
		Nodes:    make(map[string]*schema.Node, len(wf.Nodes)),
		Specs:    make(map[string]schema.NodeSpec, len(wf.Nodes)),
		Out:      make(map[string][]schema.Edge, len(wf.Nodes)),
	}

	ends := 0
	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		if node.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidWorkflow, "node at index %d has empty id", i)
		}
		if _, dup := g.Nodes[node.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidWorkflow, "duplicate node id %q", node.ID)
		}
		spec, err := node.Decode()
		if err != nil {
			return nil, err
		}
		if node.Type == schema.NodeTypeEnd {
			ends++
		}
		g.Nodes[node.ID] = node
		g.Specs[node.ID] = spec
	}
	if ends == 0 {
		return nil, schema.NewError(schema.ErrCodeInvalidWorkflow, "workflow has no end node")
	}

	for _, e := range wf.Edges {
		if _, ok := g.Nodes[e.Source]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidWorkflow, "edge %q references unknown source %q", e.ID, e.Source)
		}
		if _, ok := g.Nodes[e.Target]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidWorkflow, "edge %q references unknown target %q", e.ID, e.Target)
		}
		g.Out[e.Source] = append(g.Out[e.Source], e)
	}

	for id, spec := range g.Specs {
		if err := g.checkPayload(id, spec); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *Graph) checkPayload(id string, spec schema.NodeSpec) error {
	missing := func(field string) error {
		return schema.NewErrorf(schema.ErrCodeInvalidWorkflow, "%s node requires %s", spec.Type(), field).WithStep(id)
	}
	switch n := spec.(type) {
	case *schema.AgentNode:
		if n.AgentID == "" {
			return missing("agentId")
		}
	case *schema.ToolNode:
		if n.ToolID == "" {
			return missing("toolId")
		}
	case *schema.ConditionNode:
		if n.Condition == "" {
			return missing("condition")
		}
	case *schema.LoopNode:
		if n.Loop.BodyStepID == "" {
			return missing("loop.bodyStepId")
		}
		if _, ok := g.Nodes[n.Loop.BodyStepID]; !ok {
			return schema.NewErrorf(schema.ErrCodeInvalidWorkflow,
				"loop body %q does not exist", n.Loop.BodyStepID).WithStep(id)
		}
		switch n.Loop.Type {
		case schema.LoopForEach:
			if n.Loop.Items == nil {
				return missing("loop.items")
			}
		case schema.LoopWhile:
			if n.Loop.Condition == "" {
				return missing("loop.condition")
			}
		default:
			return schema.NewErrorf(schema.ErrCodeInvalidWorkflow,
				"unknown loop type %q", n.Loop.Type).WithStep(id)
		}
	}
	return nil
}

// Node returns the node with id or UNKNOWN_STEP.
func (g *Graph) Node(id string) (*schema.Node, schema.NodeSpec, error) {
	node, ok := g.Nodes[id]
	if !ok {
		return nil, nil, schema.NewErrorf(schema.ErrCodeUnknownStep, "node %q not found", id).WithStep(id)
	}
	return node, g.Specs[id], nil
}

// Exits returns the edges the router considers when leaving id. A loop
// node's edge into its own body is not an exit; the body is entered by the
// loop runner.
func (g *Graph) Exits(id string) []schema.Edge {
	loop, ok := g.Specs[id].(*schema.LoopNode)
	if !ok {
		return g.Out[id]
	}
	var out []schema.Edge
	for _, e := range g.Out[id] {
		if e.Target != loop.Loop.BodyStepID {
			out = append(out, e)
		}
	}
	return out
}
