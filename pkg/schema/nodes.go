package schema

import (
	"encoding/json"
	"time"
)

// ErrorPolicy selects how a failing step is handled.
type ErrorPolicy string

const (
	ErrorPolicyFail     ErrorPolicy = "fail"
	ErrorPolicyRetry    ErrorPolicy = "retry"
	ErrorPolicyContinue ErrorPolicy = "continue"
)

// LoopKind selects the iteration strategy of a loop node.
type LoopKind string

const (
	LoopForEach LoopKind = "forEach"
	LoopWhile   LoopKind = "while"
)

// NodeOptions are the per-node execution options shared by every payload.
type NodeOptions struct {
	ErrorHandling ErrorPolicy `json:"errorHandling,omitempty"`
	MaxRetries    *int        `json:"maxRetries,omitempty"`
	Timeout       int         `json:"timeout,omitempty"` // milliseconds
}

// Options returns the shared options. Promoted to every payload type.
func (o NodeOptions) Options() NodeOptions { return o }

// Policy returns the effective error policy, defaulting to fail.
func (o NodeOptions) Policy() ErrorPolicy {
	switch o.ErrorHandling {
	case ErrorPolicyRetry, ErrorPolicyContinue:
		return o.ErrorHandling
	default:
		return ErrorPolicyFail
	}
}

// RetryLimit resolves the retry budget: node override, then workflow default.
func (o NodeOptions) RetryLimit(s Settings) int {
	if o.MaxRetries != nil && *o.MaxRetries >= 0 {
		return *o.MaxRetries
	}
	return s.RetryAttempts()
}

// TimeoutOr returns the node timeout or def when unset.
func (o NodeOptions) TimeoutOr(def time.Duration) time.Duration {
	if o.Timeout > 0 {
		return time.Duration(o.Timeout) * time.Millisecond
	}
	return def
}

// NodeSpec is the decoded, typed payload of a node. The set of
// implementations is closed: every NodeVisitor must handle each of them.
type NodeSpec interface {
	Type() NodeType
	Options() NodeOptions
	Accept(v NodeVisitor) error
}

// NodeVisitor dispatches on the concrete node payload.
type NodeVisitor interface {
	VisitStart(n *StartNode) error
	VisitEnd(n *EndNode) error
	VisitAgent(n *AgentNode) error
	VisitTool(n *ToolNode) error
	VisitCondition(n *ConditionNode) error
	VisitLoop(n *LoopNode) error
	VisitHITL(n *HITLNode) error
}

// StartNode marks the single entry point of a workflow.
type StartNode struct {
	NodeOptions
}

func (*StartNode) Type() NodeType               { return NodeTypeStart }
func (n *StartNode) Accept(v NodeVisitor) error { return v.VisitStart(n) }

// EndNode terminates an execution successfully.
type EndNode struct {
	NodeOptions
}

func (*EndNode) Type() NodeType               { return NodeTypeEnd }
func (n *EndNode) Accept(v NodeVisitor) error { return v.VisitEnd(n) }

// AgentNode invokes an agent collaborator.
type AgentNode struct {
	NodeOptions
	AgentID       string            `json:"agentId"`
	SessionID     string            `json:"sessionId,omitempty"`
	InputMapping  map[string]any    `json:"inputMapping,omitempty"`
	OutputMapping map[string]string `json:"outputMapping,omitempty"`
}

func (*AgentNode) Type() NodeType               { return NodeTypeAgent }
func (n *AgentNode) Accept(v NodeVisitor) error { return v.VisitAgent(n) }

// ToolNode invokes a tool collaborator.
type ToolNode struct {
	NodeOptions
	ToolID           string            `json:"toolId"`
	FunctionName     string            `json:"functionName,omitempty"`
	ParameterMapping map[string]any    `json:"parameterMapping,omitempty"`
	OutputMapping    map[string]string `json:"outputMapping,omitempty"`
}

func (*ToolNode) Type() NodeType               { return NodeTypeTool }
func (n *ToolNode) Accept(v NodeVisitor) error { return v.VisitTool(n) }

// Function returns the configured function name or "execute".
func (n *ToolNode) Function() string {
	if n.FunctionName == "" {
		return DefaultToolFunctionName
	}
	return n.FunctionName
}

// ConditionNode evaluates a boolean expression into <nodeId>_result.
type ConditionNode struct {
	NodeOptions
	Condition string `json:"condition"`
}

func (*ConditionNode) Type() NodeType               { return NodeTypeCondition }
func (n *ConditionNode) Accept(v NodeVisitor) error { return v.VisitCondition(n) }

// LoopSpec configures a loop node.
type LoopSpec struct {
	Type          LoopKind `json:"type"`
	Items         any      `json:"items,omitempty"`
	ItemVariable  string   `json:"itemVariable,omitempty"`
	IndexVariable string   `json:"indexVariable,omitempty"`
	Condition     string   `json:"condition,omitempty"`
	MaxIterations int      `json:"maxIterations,omitempty"`
	BodyStepID    string   `json:"bodyStepId"`
}

// LoopNode repeatedly runs the sub-graph rooted at Loop.BodyStepID.
type LoopNode struct {
	NodeOptions
	Loop LoopSpec `json:"loop"`
}

func (*LoopNode) Type() NodeType               { return NodeTypeLoop }
func (n *LoopNode) Accept(v NodeVisitor) error { return v.VisitLoop(n) }

// ItemVar returns the item binding name.
func (n *LoopNode) ItemVar() string {
	if n.Loop.ItemVariable == "" {
		return "item"
	}
	return n.Loop.ItemVariable
}

// IndexVar returns the index binding name.
func (n *LoopNode) IndexVar() string {
	if n.Loop.IndexVariable == "" {
		return "index"
	}
	return n.Loop.IndexVariable
}

// MaxIterations returns the iteration bound, falling back to the workflow
// setting and then to DefaultMaxIterations.
func (n *LoopNode) MaxIterations(s Settings) int {
	if n.Loop.MaxIterations > 0 {
		return n.Loop.MaxIterations
	}
	if s.MaxLoopIterations > 0 {
		return s.MaxLoopIterations
	}
	return DefaultMaxIterations
}

// HITLNode suspends the execution until a human decision arrives.
type HITLNode struct {
	NodeOptions
	Title        string   `json:"title,omitempty"`
	Description  string   `json:"description,omitempty"`
	Assignees    []string `json:"assignees,omitempty"`
	AssigneeRule string   `json:"assigneeRule,omitempty"`
}

func (*HITLNode) Type() NodeType               { return NodeTypeHITL }
func (n *HITLNode) Accept(v NodeVisitor) error { return v.VisitHITL(n) }

// Decode converts a node's raw data into its typed payload.
func (n *Node) Decode() (NodeSpec, error) {
	var spec NodeSpec
	switch n.Type {
	case NodeTypeStart:
		spec = &StartNode{}
	case NodeTypeEnd:
		spec = &EndNode{}
	case NodeTypeAgent:
		spec = &AgentNode{}
	case NodeTypeTool:
		spec = &ToolNode{}
	case NodeTypeCondition:
		spec = &ConditionNode{}
	case NodeTypeLoop:
		spec = &LoopNode{}
	case NodeTypeHITL:
		spec = &HITLNode{}
	default:
		return nil, NewErrorf(ErrCodeUnknownStep, "unknown node type %q", n.Type).WithStep(n.ID)
	}
	if len(n.Data) > 0 && string(n.Data) != "null" {
		if err := json.Unmarshal(n.Data, spec); err != nil {
			return nil, NewErrorf(ErrCodeInvalidWorkflow, "decode %s node data: %s", n.Type, err.Error()).
				WithStep(n.ID).WithCause(err)
		}
	}
	return spec, nil
}
