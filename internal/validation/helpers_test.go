package validation

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/pkg/schema"
)

type wfBuilder struct {
	wf *schema.Workflow
}

func newWF(id string) *wfBuilder {
	return &wfBuilder{wf: &schema.Workflow{ID: id, Name: id, Version: 1, Status: schema.WorkflowStatusActive}}
}

func (b *wfBuilder) node(id string, typ schema.NodeType, data any) *wfBuilder {
	n := schema.Node{ID: id, Type: typ}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			panic(err)
		}
		n.Data = raw
	}
	b.wf.Nodes = append(b.wf.Nodes, n)
	return b
}

func (b *wfBuilder) edge(source, target string, condition ...string) *wfBuilder {
	e := schema.Edge{ID: fmt.Sprintf("%s->%s", source, target), Source: source, Target: target}
	if len(condition) > 0 {
		e.Condition = condition[0]
	}
	b.wf.Edges = append(b.wf.Edges, e)
	return b
}

func (b *wfBuilder) build() *schema.Workflow { return b.wf }

// linear builds start -> agent a -> end.
func linear() *wfBuilder {
	return newWF("wf").
		node("start", schema.NodeTypeStart, nil).
		node("a", schema.NodeTypeAgent, map[string]any{"agentId": "writer"}).
		node("end", schema.NodeTypeEnd, nil).
		edge("start", "a").
		edge("a", "end")
}

type mockCatalog struct {
	agents map[string]bool
	tools  map[string]bool
}

func newMockCatalog(agents, tools []string) *mockCatalog {
	c := &mockCatalog{agents: map[string]bool{}, tools: map[string]bool{}}
	for _, a := range agents {
		c.agents[a] = true
	}
	for _, t := range tools {
		c.tools[t] = true
	}
	return c
}

func (c *mockCatalog) HasAgent(id string) bool { return c.agents[id] }
func (c *mockCatalog) HasTool(id string) bool  { return c.tools[id] }

func newTestChecker(t *testing.T, catalog Catalog) *checker {
	t.Helper()
	eval, err := expressions.NewEvaluator(0)
	require.NoError(t, err)
	rules, err := expressions.NewRuleEngine()
	require.NoError(t, err)
	return &checker{eval: eval, rules: rules, jq: expressions.NewJQEngine(), catalog: catalog}
}

func issueCodes(issues []schema.ValidationIssue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Code)
	}
	return out
}

func issuePaths(issues []schema.ValidationIssue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Path)
	}
	return out
}
