// Package diagram renders workflow graphs, optionally overlaid with the
// progress of one execution, as Mermaid, ASCII, SVG or PNG.
package diagram

// NodeKind classifies a diagram node by its workflow node type.
type NodeKind string

const (
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
	NodeKindAgent     NodeKind = "agent"
	NodeKindTool      NodeKind = "tool"
	NodeKindCondition NodeKind = "condition"
	NodeKindLoop      NodeKind = "loop"
	NodeKindHITL      NodeKind = "hitl"
)

// Overlay states. Completed and failed come from step results; running and
// waiting mark the current step of a live or HITL-paused execution.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusRunning   = "running"
	StatusWaiting   = "waiting"
)

// style is how every renderer paints one overlay state.
type style struct {
	fill   string
	stroke string
	tag    string
}

// overlayStates lists the painted states in legend order.
var overlayStates = []string{StatusCompleted, StatusFailed, StatusRunning, StatusWaiting}

var styles = map[string]style{
	StatusCompleted: {fill: "#2d6a2d", stroke: "#1a4a1a", tag: "OK"},
	StatusFailed:    {fill: "#8b1a1a", stroke: "#5c0e0e", tag: "FAIL"},
	StatusRunning:   {fill: "#1a5276", stroke: "#0e3a52", tag: "RUN"},
	StatusWaiting:   {fill: "#b7791a", stroke: "#8a5c14", tag: "WAIT"},
}

// styleOf reports the style of status, if it is painted at all.
func styleOf(status string) (style, bool) {
	s, ok := styles[status]
	return s, ok
}

// DiagramModel is the intermediate representation every renderer reads.
// Nodes are ordered level by level.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// node returns the node with id, or nil.
func (m *DiagramModel) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

type Node struct {
	ID string
	// Label is the display name, optionally followed by a detail line.
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// Title is the first line of the label.
func (n *Node) Title() string {
	return firstLine(n.Label)
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string
	DurationMs int64
	RetryCount int
	Error      string
}

// Edge is a transition between two nodes. Body marks the link from a loop
// node to its body entry, which is not a workflow edge.
type Edge struct {
	From  string
	To    string
	Label string
	Body  bool
}
