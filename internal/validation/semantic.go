package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/pkg/schema"
)

// highRetryThreshold is the retry budget above which a warning is raised.
const highRetryThreshold = 10

// Catalog reports which agents and tools a deployment can reach.
// A nil Catalog skips existence checks.
type Catalog interface {
	HasAgent(id string) bool
	HasTool(id string) bool
}

// checker carries the compilers the semantic stage uses.
type checker struct {
	eval    *expressions.Evaluator
	rules   *expressions.RuleEngine
	jq      *expressions.JQEngine
	catalog Catalog
}

// index is the node table built by the semantic stage and reused by the
// graph stage.
type index struct {
	ids   map[string]int
	specs map[string]schema.NodeSpec
	out   map[string][]schema.Edge
	in    map[string]int
}

// validateSemantic checks node payloads, edge references, expressions and
// mappings. Checks: exactly one start node, at least one end node, unique
// ids, edges between existing nodes, compilable guards, conditions, loop
// sources and assignee rules.
func validateSemantic(wf *schema.Workflow, c *checker) (*schema.ValidationResult, *index) {
	result := &schema.ValidationResult{}
	idx := &index{
		ids:   make(map[string]int, len(wf.Nodes)),
		specs: make(map[string]schema.NodeSpec, len(wf.Nodes)),
		out:   make(map[string][]schema.Edge, len(wf.Nodes)),
		in:    make(map[string]int, len(wf.Nodes)),
	}

	starts, ends := 0, 0
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		path := fmt.Sprintf("nodes[%d]", i)
		if n.ID == "" {
			result.AddError(path+".id", schema.ErrCodeInvalidWorkflow, "node id is empty")
			continue
		}
		if first, dup := idx.ids[n.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeInvalidWorkflow,
				fmt.Sprintf("duplicate node id %q (first declared at nodes[%d])", n.ID, first))
			continue
		}
		idx.ids[n.ID] = i

		switch n.Type {
		case schema.NodeTypeStart:
			starts++
		case schema.NodeTypeEnd:
			ends++
		}

		spec, err := n.Decode()
		if err != nil {
			fe := schema.AsFlowError(err, schema.ErrCodeInvalidWorkflow)
			result.AddError(path+".data", fe.Code, fe.Message)
			continue
		}
		idx.specs[n.ID] = spec
	}

	switch {
	case starts == 0:
		result.AddError("nodes", schema.ErrCodeInvalidWorkflow, "workflow has no start node")
	case starts > 1:
		result.AddError("nodes", schema.ErrCodeInvalidWorkflow,
			fmt.Sprintf("workflow has %d start nodes, want exactly one", starts))
	}
	if ends == 0 {
		result.AddError("nodes", schema.ErrCodeInvalidWorkflow, "workflow has no end node")
	}

	for i, e := range wf.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		_, srcOK := idx.ids[e.Source]
		_, dstOK := idx.ids[e.Target]
		if !srcOK {
			result.AddError(path+".source", schema.ErrCodeInvalidWorkflow,
				fmt.Sprintf("references non-existent node %q", e.Source))
		}
		if !dstOK {
			result.AddError(path+".target", schema.ErrCodeInvalidWorkflow,
				fmt.Sprintf("references non-existent node %q", e.Target))
		}
		if e.Condition != "" {
			c.checkCondition(path+".condition", e.Condition, idx, result)
		}
		if srcOK && dstOK {
			idx.out[e.Source] = append(idx.out[e.Source], e)
			idx.in[e.Target]++
		}
	}

	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		spec, ok := idx.specs[n.ID]
		if !ok || idx.ids[n.ID] != i {
			continue
		}
		nc := &nodeChecker{
			checker:  c,
			path:     fmt.Sprintf("nodes[%d]", i),
			id:       n.ID,
			idx:      idx,
			settings: wf.Settings,
			result:   result,
		}
		// Visitors only record issues; they never return errors.
		_ = spec.Accept(nc)
		nc.checkOptions(spec.Options())
	}

	return result, idx
}

// exits returns the edges the router considers when leaving id; a loop
// node's edge into its body is entered by the loop, not routed.
func (idx *index) exits(id string) []schema.Edge {
	loop, ok := idx.specs[id].(*schema.LoopNode)
	if !ok {
		return idx.out[id]
	}
	var out []schema.Edge
	for _, e := range idx.out[id] {
		if e.Target != loop.Loop.BodyStepID {
			out = append(out, e)
		}
	}
	return out
}

// checkCondition compiles a guard or condition expression and warns about
// references to steps that do not exist.
func (c *checker) checkCondition(path, expression string, idx *index, result *schema.ValidationResult) {
	compiled, err := c.eval.Compile(expression)
	if err != nil {
		fe := schema.AsFlowError(err, schema.ErrCodeConditionEval)
		result.AddError(path, fe.Code, fe.Message)
		return
	}
	checkStepRefs(path, compiled.Refs, idx, result)
}

// checkSource validates a mapping source the way the mapper resolves it:
// ${...} templates, jq queries starting with "." and nested maps or arrays.
func (c *checker) checkSource(path string, src any, idx *index, result *schema.ValidationResult) {
	switch v := src.(type) {
	case string:
		switch {
		case expressions.HasReference(v):
			_, refs, err := expressions.RewriteReferences(v)
			if err != nil {
				result.AddError(path, schema.ErrCodeValidation, schema.AsFlowError(err, schema.ErrCodeValidation).Message)
				return
			}
			checkStepRefs(path, refs, idx, result)
		case strings.HasPrefix(v, ".") && len(v) > 1:
			if err := c.jq.Check(v); err != nil {
				result.AddError(path, schema.ErrCodeValidation, schema.AsFlowError(err, schema.ErrCodeValidation).Message)
			}
		}
	case map[string]any:
		for k, item := range v {
			c.checkSource(path+"."+k, item, idx, result)
		}
	case []any:
		for i, item := range v {
			c.checkSource(fmt.Sprintf("%s[%d]", path, i), item, idx, result)
		}
	}
}

func (c *checker) checkOutputMapping(path string, mapping map[string]string, result *schema.ValidationResult) {
	for target, src := range mapping {
		if strings.TrimSpace(target) == "" {
			result.AddError(path, schema.ErrCodeValidation, "output mapping has an empty target variable")
			continue
		}
		src = strings.TrimSpace(src)
		if strings.HasPrefix(src, ".") && len(src) > 1 {
			if err := c.jq.Check(src); err != nil {
				result.AddError(path+"."+target, schema.ErrCodeValidation,
					schema.AsFlowError(err, schema.ErrCodeValidation).Message)
			}
		}
	}
}

func checkStepRefs(path string, refs []expressions.Reference, idx *index, result *schema.ValidationResult) {
	for _, ref := range refs {
		if ref.Root != expressions.RootSteps {
			continue
		}
		if _, ok := idx.ids[ref.Path[0]]; !ok {
			result.AddWarning(path, schema.ErrCodeUnknownStep,
				fmt.Sprintf("reference ${%s} names unknown step %q and always resolves to null", ref.Raw, ref.Path[0]))
		}
	}
}

// nodeChecker validates one decoded node payload.
type nodeChecker struct {
	*checker
	path     string
	id       string
	idx      *index
	settings schema.Settings
	result   *schema.ValidationResult
}

func (nc *nodeChecker) VisitStart(*schema.StartNode) error {
	if nc.idx.in[nc.id] > 0 {
		nc.result.AddWarning(nc.path, schema.ErrCodeInvalidWorkflow, "start node has incoming edges")
	}
	if len(nc.idx.out[nc.id]) == 0 {
		nc.result.AddWarning(nc.path, schema.ErrCodeInvalidWorkflow,
			"start node has no outgoing edge; executions complete immediately")
	}
	return nil
}

func (nc *nodeChecker) VisitEnd(*schema.EndNode) error {
	if len(nc.idx.out[nc.id]) > 0 {
		nc.result.AddWarning(nc.path, schema.ErrCodeInvalidWorkflow, "edges leaving an end node are never followed")
	}
	return nil
}

func (nc *nodeChecker) VisitAgent(n *schema.AgentNode) error {
	if nc.catalog != nil && n.AgentID != "" && !nc.catalog.HasAgent(n.AgentID) {
		nc.result.AddError(nc.path+".data.agentId", schema.ErrCodeNotFound,
			fmt.Sprintf("agent %q is not registered", n.AgentID))
	}
	for k, src := range n.InputMapping {
		nc.checkSource(nc.path+".data.inputMapping."+k, src, nc.idx, nc.result)
	}
	nc.checkOutputMapping(nc.path+".data.outputMapping", n.OutputMapping, nc.result)
	return nil
}

func (nc *nodeChecker) VisitTool(n *schema.ToolNode) error {
	if nc.catalog != nil && n.ToolID != "" && !nc.catalog.HasTool(n.ToolID) {
		nc.result.AddError(nc.path+".data.toolId", schema.ErrCodeNotFound,
			fmt.Sprintf("tool %q is not registered", n.ToolID))
	}
	for k, src := range n.ParameterMapping {
		nc.checkSource(nc.path+".data.parameterMapping."+k, src, nc.idx, nc.result)
	}
	nc.checkOutputMapping(nc.path+".data.outputMapping", n.OutputMapping, nc.result)
	return nil
}

func (nc *nodeChecker) VisitCondition(n *schema.ConditionNode) error {
	if n.Condition == "" {
		nc.result.AddError(nc.path+".data.condition", schema.ErrCodeInvalidWorkflow, "condition node requires a condition")
		return nil
	}
	nc.checkCondition(nc.path+".data.condition", n.Condition, nc.idx, nc.result)
	return nil
}

func (nc *nodeChecker) VisitLoop(n *schema.LoopNode) error {
	path := nc.path + ".data.loop"
	body := n.Loop.BodyStepID
	switch {
	case body == "":
		nc.result.AddError(path+".bodyStepId", schema.ErrCodeInvalidWorkflow, "loop node requires bodyStepId")
	case body == nc.id:
		nc.result.AddError(path+".bodyStepId", schema.ErrCodeInvalidWorkflow, "loop body cannot be the loop node itself")
	default:
		if _, ok := nc.idx.ids[body]; !ok {
			nc.result.AddError(path+".bodyStepId", schema.ErrCodeInvalidWorkflow,
				fmt.Sprintf("references non-existent node %q", body))
		}
	}

	switch n.Loop.Type {
	case schema.LoopForEach:
		if n.Loop.Items == nil {
			nc.result.AddError(path+".items", schema.ErrCodeInvalidWorkflow, "forEach loop requires items")
		} else {
			nc.checkSource(path+".items", n.Loop.Items, nc.idx, nc.result)
		}
	case schema.LoopWhile:
		if n.Loop.Condition == "" {
			nc.result.AddError(path+".condition", schema.ErrCodeInvalidWorkflow, "while loop requires a condition")
		} else {
			nc.checkCondition(path+".condition", n.Loop.Condition, nc.idx, nc.result)
		}
	default:
		nc.result.AddError(path+".type", schema.ErrCodeInvalidWorkflow,
			fmt.Sprintf("unknown loop type %q", n.Loop.Type))
	}

	if n.Loop.MaxIterations == 0 && nc.settings.MaxLoopIterations == 0 && n.Loop.Type == schema.LoopWhile {
		nc.result.AddWarning(path+".maxIterations", schema.ErrCodeValidation,
			fmt.Sprintf("while loop without maxIterations stops after %d iterations", schema.DefaultMaxIterations))
	}
	return nil
}

func (nc *nodeChecker) VisitHITL(n *schema.HITLNode) error {
	if n.AssigneeRule != "" && nc.rules != nil {
		if err := nc.rules.Check(n.AssigneeRule); err != nil {
			nc.result.AddError(nc.path+".data.assigneeRule", schema.ErrCodeValidation,
				schema.AsFlowError(err, schema.ErrCodeValidation).Message)
		}
	}
	if len(n.Assignees) == 0 && n.AssigneeRule == "" {
		nc.result.AddWarning(nc.path+".data.assignees", schema.ErrCodeValidation,
			"approval has no assignees or assignee rule; any resolver may decide it")
	}
	return nil
}

// checkOptions inspects the per-node execution options shared by every payload.
func (nc *nodeChecker) checkOptions(opts schema.NodeOptions) {
	if opts.MaxRetries != nil && *opts.MaxRetries > highRetryThreshold {
		nc.result.AddWarning(nc.path+".data.maxRetries", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", *opts.MaxRetries))
	}
	if opts.Policy() == schema.ErrorPolicyRetry && opts.RetryLimit(nc.settings) == 0 {
		nc.result.AddWarning(nc.path+".data.errorHandling", schema.ErrCodeValidation,
			"retry policy with a zero retry budget behaves like fail")
	}
	if opts.ErrorHandling != "" && opts.Policy() != opts.ErrorHandling {
		nc.result.AddWarning(nc.path+".data.errorHandling", schema.ErrCodeValidation,
			fmt.Sprintf("unknown error policy %q falls back to fail", opts.ErrorHandling))
	}

	out := nc.idx.exits(nc.id)
	if len(out) == 1 && out[0].Condition != "" {
		nc.result.AddWarning(nc.path, schema.ErrCodeValidation,
			"condition on the only outgoing edge is never evaluated")
	}
}
