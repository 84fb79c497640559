package diagram

import (
	"fmt"
	"slices"

	"github.com/rendis/agentflow/pkg/schema"
)

// Build constructs a DiagramModel from a workflow and an optional execution.
// Nodes are leveled by breadth-first distance from the start node; nodes
// the start node cannot reach share one trailing level. When exec is given,
// each node that has run carries its last recorded outcome.
func Build(wf *schema.Workflow, exec *schema.WorkflowExecution) (*DiagramModel, error) {
	if wf == nil {
		return nil, fmt.Errorf("diagram: workflow is nil")
	}

	byID := make(map[string]*Node, len(wf.Nodes))
	order := make(map[string]int, len(wf.Nodes))
	startID := ""
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if _, dup := byID[n.ID]; dup {
			return nil, fmt.Errorf("diagram: duplicate node id %q", n.ID)
		}
		byID[n.ID] = toNode(n)
		order[n.ID] = i
		if n.Type == schema.NodeTypeStart && startID == "" {
			startID = n.ID
		}
	}

	edges, err := buildEdges(wf, byID)
	if err != nil {
		return nil, err
	}

	levels := buildLevels(startID, edges, wf.Nodes)
	nodes := make([]*Node, 0, len(byID))
	for _, level := range levels {
		for _, id := range level {
			nodes = append(nodes, byID[id])
		}
	}

	if exec != nil {
		overlayStatus(byID, exec)
	}

	return &DiagramModel{
		Title:  title(wf),
		Nodes:  nodes,
		Edges:  edges,
		Levels: levels,
	}, nil
}

// toNode maps a workflow node to a diagram Node. Payloads that fail to
// decode still render, without the detail line.
func toNode(n *schema.Node) *Node {
	label := n.Label
	if label == "" {
		label = n.ID
	}
	if detail := nodeDetail(n); detail != "" {
		label += "\n(" + detail + ")"
	}
	return &Node{ID: n.ID, Label: label, Kind: NodeKind(n.Type)}
}

func nodeDetail(n *schema.Node) string {
	spec, err := n.Decode()
	if err != nil {
		return ""
	}
	switch s := spec.(type) {
	case *schema.AgentNode:
		return "agent " + s.AgentID
	case *schema.ToolNode:
		return "tool " + s.ToolID + "." + s.Function()
	case *schema.ConditionNode:
		return s.Condition
	case *schema.LoopNode:
		return string(s.Loop.Type)
	case *schema.HITLNode:
		return s.Title
	}
	return ""
}

// buildEdges converts workflow edges and adds one body link per loop node.
func buildEdges(wf *schema.Workflow, byID map[string]*Node) ([]Edge, error) {
	edges := make([]Edge, 0, len(wf.Edges))
	for _, e := range wf.Edges {
		if byID[e.Source] == nil || byID[e.Target] == nil {
			return nil, fmt.Errorf("diagram: edge %q references unknown node", e.ID)
		}
		label := e.Label
		if label == "" {
			label = e.Condition
		}
		edges = append(edges, Edge{From: e.Source, To: e.Target, Label: label})
	}

	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if n.Type != schema.NodeTypeLoop {
			continue
		}
		spec, err := n.Decode()
		if err != nil {
			continue
		}
		loop := spec.(*schema.LoopNode)
		if byID[loop.Loop.BodyStepID] == nil {
			continue
		}
		edges = append(edges, Edge{From: n.ID, To: loop.Loop.BodyStepID, Label: "body", Body: true})
	}
	return edges, nil
}

// buildLevels groups node IDs by breadth-first depth from startID. Within a
// level, nodes keep their declaration order.
func buildLevels(startID string, edges []Edge, nodes []schema.Node) [][]string {
	out := make(map[string][]string)
	for _, e := range edges {
		out[e.From] = append(out[e.From], e.To)
	}

	depth := make(map[string]int, len(nodes))
	if startID != "" {
		depth[startID] = 0
		queue := []string{startID}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			for _, next := range out[id] {
				if _, seen := depth[next]; seen {
					continue
				}
				depth[next] = depth[id] + 1
				queue = append(queue, next)
			}
		}
	}

	maxDepth := -1
	for _, d := range depth {
		maxDepth = max(maxDepth, d)
	}
	levels := make([][]string, maxDepth+1)
	var unreachable []string
	for _, n := range nodes {
		d, ok := depth[n.ID]
		if !ok {
			unreachable = append(unreachable, n.ID)
			continue
		}
		levels[d] = append(levels[d], n.ID)
	}
	if len(unreachable) > 0 {
		levels = append(levels, unreachable)
	}
	return slices.DeleteFunc(levels, func(l []string) bool { return len(l) == 0 })
}

// overlayStatus applies recorded step results to nodes. The current step of
// a running execution shows as running, or waiting while it is paused on a
// human decision.
func overlayStatus(byID map[string]*Node, exec *schema.WorkflowExecution) {
	for id, res := range exec.StepResults {
		node := byID[id]
		if node == nil || res == nil {
			continue
		}
		retries := 0
		if res.Attempts > 1 {
			retries = res.Attempts - 1
		}
		node.Status = &StatusOverlay{
			Status:     string(res.Status),
			DurationMs: res.ExecutionTimeMs,
			RetryCount: retries,
			Error:      res.Error,
		}
	}

	node := byID[exec.CurrentStep]
	if node == nil || exec.Status.Terminal() {
		return
	}
	status := StatusRunning
	if exec.Status == schema.ExecutionPaused {
		status = StatusWaiting
	}
	if node.Status == nil {
		node.Status = &StatusOverlay{}
	}
	node.Status.Status = status
}

// title picks the diagram title from workflow metadata.
func title(wf *schema.Workflow) string {
	if wf.Name != "" {
		return wf.Name
	}
	if wf.ID != "" {
		return wf.ID
	}
	return "Workflow"
}
