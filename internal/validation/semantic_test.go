package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/pkg/schema"
)

func semantic(t *testing.T, wf *schema.Workflow, catalog Catalog) *schema.ValidationResult {
	t.Helper()
	result, _ := validateSemantic(wf, newTestChecker(t, catalog))
	return result
}

func TestSemantic_ValidLinear(t *testing.T) {
	result := semantic(t, linear().build(), nil)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

// --- start/end and ids ---

func TestSemantic_StartAndEndCounts(t *testing.T) {
	t.Run("no start", func(t *testing.T) {
		wf := newWF("wf").node("a", schema.NodeTypeAgent, map[string]any{"agentId": "x"}).
			node("end", schema.NodeTypeEnd, nil).edge("a", "end").build()
		result := semantic(t, wf, nil)
		require.False(t, result.Valid())
		assert.Contains(t, result.Errors[0].Message, "no start node")
	})
	t.Run("two starts", func(t *testing.T) {
		wf := linear().node("start2", schema.NodeTypeStart, nil).edge("start2", "a").build()
		result := semantic(t, wf, nil)
		require.Len(t, result.Errors, 1)
		assert.Contains(t, result.Errors[0].Message, "2 start nodes")
	})
	t.Run("no end", func(t *testing.T) {
		wf := newWF("wf").node("start", schema.NodeTypeStart, nil).
			node("a", schema.NodeTypeAgent, map[string]any{"agentId": "x"}).edge("start", "a").build()
		result := semantic(t, wf, nil)
		require.Len(t, result.Errors, 1)
		assert.Contains(t, result.Errors[0].Message, "no end node")
	})
}

func TestSemantic_DuplicateNodeID(t *testing.T) {
	wf := linear().node("a", schema.NodeTypeTool, map[string]any{"toolId": "t"}).build()
	result := semantic(t, wf, nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "nodes[3].id", result.Errors[0].Path)
	assert.Contains(t, result.Errors[0].Message, "nodes[1]")
}

func TestSemantic_UnknownNodeType(t *testing.T) {
	wf := linear().node("x", "webhook", nil).build()
	result := semantic(t, wf, nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeUnknownStep, result.Errors[0].Code)
	assert.Equal(t, "nodes[3].data", result.Errors[0].Path)
}

// --- edges ---

func TestSemantic_DanglingEdges(t *testing.T) {
	wf := linear().edge("ghost", "a").edge("a", "nowhere").build()
	result := semantic(t, wf, nil)
	assert.ElementsMatch(t, []string{"edges[2].source", "edges[3].target"}, issuePaths(result.Errors))
}

func TestSemantic_GuardExpressions(t *testing.T) {
	base := func() *wfBuilder {
		return newWF("wf").
			node("start", schema.NodeTypeStart, nil).
			node("a", schema.NodeTypeAgent, map[string]any{"agentId": "x"}).
			node("b", schema.NodeTypeAgent, map[string]any{"agentId": "y"}).
			node("end", schema.NodeTypeEnd, nil).
			edge("start", "a").
			edge("a", "end").
			edge("b", "end")
	}

	t.Run("valid guards", func(t *testing.T) {
		wf := base().edge("start", "b", "${score} > 0.5").build()
		wf.Edges[0].Condition = "${score} <= 0.5"
		result := semantic(t, wf, nil)
		assert.True(t, result.Valid())
		assert.Empty(t, result.Warnings)
	})
	t.Run("parse error", func(t *testing.T) {
		wf := base().edge("start", "b", "${score} >").build()
		result := semantic(t, wf, nil)
		require.Len(t, result.Errors, 1)
		assert.Equal(t, schema.ErrCodeConditionEval, result.Errors[0].Code)
		assert.Equal(t, "edges[3].condition", result.Errors[0].Path)
	})
	t.Run("disallowed construct", func(t *testing.T) {
		wf := base().edge("start", "b", "len(${items}) > 1").build()
		result := semantic(t, wf, nil)
		require.Len(t, result.Errors, 1)
		assert.Equal(t, schema.ErrCodeConditionEval, result.Errors[0].Code)
	})
	t.Run("unknown step reference", func(t *testing.T) {
		wf := base().edge("start", "b", "${steps.ghost.score} > 1").build()
		result := semantic(t, wf, nil)
		assert.True(t, result.Valid())
		assert.Contains(t, issueCodes(result.Warnings), schema.ErrCodeUnknownStep)
	})
}

func TestSemantic_SingleGuardedEdgeWarns(t *testing.T) {
	wf := linear().build()
	wf.Edges[1].Condition = "${done} == true"
	result := semantic(t, wf, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "nodes[1]", result.Warnings[0].Path)
	assert.Contains(t, result.Warnings[0].Message, "never evaluated")
}

func TestSemantic_StartAndEndEdges(t *testing.T) {
	wf := linear().edge("end", "a").edge("a", "start", "${x} == 1").build()
	wf.Edges[1].Condition = "${x} != 1"
	result := semantic(t, wf, nil)
	assert.True(t, result.Valid())
	assert.ElementsMatch(t, []string{"nodes[0]", "nodes[2]"}, issuePaths(result.Warnings))
}

// --- agents and tools ---

func TestSemantic_Catalog(t *testing.T) {
	catalog := newMockCatalog([]string{"writer"}, []string{"search"})
	wf := linear().
		node("t", schema.NodeTypeTool, map[string]any{"toolId": "search"}).
		node("t2", schema.NodeTypeTool, map[string]any{"toolId": "scrape"}).
		node("a2", schema.NodeTypeAgent, map[string]any{"agentId": "critic"}).
		build()

	result := semantic(t, wf, catalog)
	assert.ElementsMatch(t, []string{"nodes[4].data.toolId", "nodes[5].data.agentId"}, issuePaths(result.Errors))
	for _, e := range result.Errors {
		assert.Equal(t, schema.ErrCodeNotFound, e.Code)
	}

	assert.True(t, semantic(t, wf, nil).Valid(), "nil catalog skips existence checks")
}

func TestSemantic_Mappings(t *testing.T) {
	wf := linear().
		node("t", schema.NodeTypeTool, map[string]any{
			"toolId": "search",
			"parameterMapping": map[string]any{
				"query":   "${topic",
				"filters": map[string]any{"lang": ".lang |"},
				"pages":   []any{"${page}", 2},
				"literal": "plain text",
			},
			"outputMapping": map[string]string{"hits": ".[[", "raw": "", "first": "results.0"},
		}).
		build()

	result := semantic(t, wf, nil)
	assert.ElementsMatch(t, []string{
		"nodes[3].data.parameterMapping.query",
		"nodes[3].data.parameterMapping.filters.lang",
		"nodes[3].data.outputMapping.hits",
	}, issuePaths(result.Errors))
}

func TestSemantic_OutputMappingEmptyTarget(t *testing.T) {
	wf := linear().node("b", schema.NodeTypeAgent, map[string]any{
		"agentId":       "x",
		"outputMapping": map[string]string{" ": "summary"},
	}).build()
	result := semantic(t, wf, nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "nodes[3].data.outputMapping", result.Errors[0].Path)
}

// --- condition, loop, hitl ---

func TestSemantic_ConditionNode(t *testing.T) {
	wf := linear().node("c", schema.NodeTypeCondition, map[string]any{"condition": "${x} =="}).build()
	result := semantic(t, wf, nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "nodes[3].data.condition", result.Errors[0].Path)
}

func TestSemantic_Loops(t *testing.T) {
	loop := func(spec map[string]any) *schema.Workflow {
		return linear().node("l", schema.NodeTypeLoop, map[string]any{"loop": spec}).build()
	}

	tests := []struct {
		name   string
		spec   map[string]any
		errors []string
	}{
		{"valid forEach", map[string]any{"type": "forEach", "items": "${list}", "bodyStepId": "a"}, nil},
		{"valid jq items", map[string]any{"type": "forEach", "items": ".variables.list", "bodyStepId": "a"}, nil},
		{"missing body", map[string]any{"type": "forEach", "items": "${list}"}, []string{"nodes[3].data.loop.bodyStepId"}},
		{"self body", map[string]any{"type": "forEach", "items": "${list}", "bodyStepId": "l"}, []string{"nodes[3].data.loop.bodyStepId"}},
		{"ghost body", map[string]any{"type": "forEach", "items": "${list}", "bodyStepId": "ghost"}, []string{"nodes[3].data.loop.bodyStepId"}},
		{"missing items", map[string]any{"type": "forEach", "bodyStepId": "a"}, []string{"nodes[3].data.loop.items"}},
		{"bad items", map[string]any{"type": "forEach", "items": "${}", "bodyStepId": "a"}, []string{"nodes[3].data.loop.items"}},
		{"while without condition", map[string]any{"type": "while", "bodyStepId": "a", "maxIterations": 5}, []string{"nodes[3].data.loop.condition"}},
		{"while bad condition", map[string]any{"type": "while", "condition": "${n} <", "bodyStepId": "a", "maxIterations": 5}, []string{"nodes[3].data.loop.condition"}},
		{"unknown type", map[string]any{"type": "until", "bodyStepId": "a"}, []string{"nodes[3].data.loop.type"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := semantic(t, loop(tt.spec), nil)
			if tt.errors == nil {
				assert.True(t, result.Valid(), "%v", result.Errors)
				return
			}
			assert.ElementsMatch(t, tt.errors, issuePaths(result.Errors))
		})
	}
}

func TestSemantic_WhileLoopWithoutBoundWarns(t *testing.T) {
	wf := linear().node("l", schema.NodeTypeLoop, map[string]any{
		"loop": map[string]any{"type": "while", "condition": "${n} < 3", "bodyStepId": "a"},
	}).build()
	result := semantic(t, wf, nil)
	assert.True(t, result.Valid())
	assert.Contains(t, issuePaths(result.Warnings), "nodes[3].data.loop.maxIterations")

	wf.Settings.MaxLoopIterations = 10
	result = semantic(t, wf, nil)
	assert.NotContains(t, issuePaths(result.Warnings), "nodes[3].data.loop.maxIterations")
}

func TestSemantic_HITL(t *testing.T) {
	t.Run("assignees", func(t *testing.T) {
		wf := linear().node("h", schema.NodeTypeHITL, map[string]any{"assignees": []string{"alice"}}).build()
		result := semantic(t, wf, nil)
		assert.True(t, result.Valid())
		assert.NotContains(t, issuePaths(result.Warnings), "nodes[3].data.assignees")
	})
	t.Run("valid rule", func(t *testing.T) {
		wf := linear().node("h", schema.NodeTypeHITL, map[string]any{
			"assigneeRule": `"admin" in resolver.roles`,
		}).build()
		assert.True(t, semantic(t, wf, nil).Valid())
	})
	t.Run("bad rule", func(t *testing.T) {
		wf := linear().node("h", schema.NodeTypeHITL, map[string]any{"assigneeRule": "resolver.roles.exists("}).build()
		result := semantic(t, wf, nil)
		require.Len(t, result.Errors, 1)
		assert.Equal(t, "nodes[3].data.assigneeRule", result.Errors[0].Path)
	})
	t.Run("open approval warns", func(t *testing.T) {
		wf := linear().node("h", schema.NodeTypeHITL, nil).build()
		result := semantic(t, wf, nil)
		assert.True(t, result.Valid())
		assert.Contains(t, issuePaths(result.Warnings), "nodes[3].data.assignees")
	})
}

// --- options ---

func TestSemantic_Options(t *testing.T) {
	t.Run("high retry count", func(t *testing.T) {
		wf := linear().node("b", schema.NodeTypeAgent, map[string]any{"agentId": "x", "maxRetries": 25}).build()
		result := semantic(t, wf, nil)
		assert.True(t, result.Valid())
		assert.Contains(t, issuePaths(result.Warnings), "nodes[3].data.maxRetries")
	})
	t.Run("retry with zero budget", func(t *testing.T) {
		wf := linear().node("b", schema.NodeTypeAgent, map[string]any{
			"agentId": "x", "errorHandling": "retry", "maxRetries": 0,
		}).build()
		result := semantic(t, wf, nil)
		assert.Contains(t, issuePaths(result.Warnings), "nodes[3].data.errorHandling")
	})
	t.Run("unknown policy", func(t *testing.T) {
		wf := linear().node("b", schema.NodeTypeAgent, map[string]any{"agentId": "x", "errorHandling": "ignore"}).build()
		result := semantic(t, wf, nil)
		assert.True(t, result.Valid())
		assert.Contains(t, issuePaths(result.Warnings), "nodes[3].data.errorHandling")
	})
}
