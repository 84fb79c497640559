package schema

import (
	"encoding/json"
	"time"
)

// Defaults applied when a workflow or node leaves a setting unset.
const (
	DefaultStepTimeout      = 30 * time.Second
	DefaultRetryAttempts    = 3
	DefaultMaxIterations    = 100
	DefaultToolFunctionName = "execute"
	BottleneckThreshold     = 30 * time.Second
)

// WorkflowStatus is the publication state of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusArchived WorkflowStatus = "archived"
)

// NodeType identifies the kind of a workflow node.
type NodeType string

const (
	NodeTypeStart     NodeType = "start"
	NodeTypeEnd       NodeType = "end"
	NodeTypeAgent     NodeType = "agent"
	NodeTypeTool      NodeType = "tool"
	NodeTypeCondition NodeType = "condition"
	NodeTypeLoop      NodeType = "loop"
	NodeTypeHITL      NodeType = "hitl"
)

// Workflow is an immutable-per-version graph definition.
type Workflow struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	Version     int             `json:"version,omitempty"`
	Status      WorkflowStatus  `json:"status,omitempty"`
	Nodes       []Node          `json:"nodes"`
	Edges       []Edge          `json:"edges"`
	Variables   map[string]any  `json:"variables,omitempty"`
	Settings    Settings        `json:"settings,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	CreatedAt   time.Time       `json:"createdAt,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt,omitempty"`
}

// Node is one vertex of the workflow graph. Data holds the typed payload
// for Type; decode it with Decode.
type Node struct {
	ID       string          `json:"id"`
	Type     NodeType        `json:"type"`
	Label    string          `json:"label,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Position *Position       `json:"position,omitempty"`
}

// Position is the canvas location of a node. It has no effect on execution.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Edge is a directed, optionally guarded connection between two nodes.
type Edge struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition,omitempty"`
	Label     string `json:"label,omitempty"`
}

// Settings holds workflow-wide execution defaults.
type Settings struct {
	DefaultTimeout       int  `json:"defaultTimeout,omitempty"`       // milliseconds
	DefaultRetryAttempts *int `json:"defaultRetryAttempts,omitempty"`
	StrictConditions     bool `json:"strictConditions,omitempty"`
	MaxLoopIterations    int  `json:"maxLoopIterations,omitempty"`
}

// RetryAttempts returns the workflow default retry budget.
func (s Settings) RetryAttempts() int {
	if s.DefaultRetryAttempts != nil && *s.DefaultRetryAttempts >= 0 {
		return *s.DefaultRetryAttempts
	}
	return DefaultRetryAttempts
}

// StepTimeout returns the workflow default per-step timeout.
func (s Settings) StepTimeout() time.Duration {
	if s.DefaultTimeout > 0 {
		return time.Duration(s.DefaultTimeout) * time.Millisecond
	}
	return DefaultStepTimeout
}

// NodeByID returns the node with the given id.
func (w *Workflow) NodeByID(id string) (*Node, bool) {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}

// StartNode returns the single start node. It fails with INVALID_WORKFLOW
// when there is none or more than one.
func (w *Workflow) StartNode() (*Node, error) {
	var found *Node
	for i := range w.Nodes {
		if w.Nodes[i].Type != NodeTypeStart {
			continue
		}
		if found != nil {
			return nil, NewError(ErrCodeInvalidWorkflow, "workflow has more than one start node")
		}
		found = &w.Nodes[i]
	}
	if found == nil {
		return nil, NewError(ErrCodeInvalidWorkflow, "workflow has no start node")
	}
	return found, nil
}

// OutgoingEdges returns the edges leaving nodeID in declaration order.
func (w *Workflow) OutgoingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range w.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}
