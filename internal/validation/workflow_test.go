package validation

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/pkg/schema"
)

func TestWorkflowValidator_ImplementsValidator(t *testing.T) {
	var _ Validator = (*WorkflowValidator)(nil)
}

func TestWorkflowValidator_FullValid(t *testing.T) {
	wv, err := NewWorkflowValidator(newMockCatalog([]string{"writer"}, nil))
	require.NoError(t, err)

	result := wv.Validate(linear().build())
	assert.True(t, result.Valid())
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)
	assert.NoError(t, wv.ValidateWorkflow(linear().build()))
}

func TestWorkflowValidator_Nil(t *testing.T) {
	wv, err := NewWorkflowValidator(nil)
	require.NoError(t, err)

	result := wv.Validate(nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "nil")
}

func TestWorkflowValidator_StructuralShortCircuits(t *testing.T) {
	wv, err := NewWorkflowValidator(nil)
	require.NoError(t, err)

	// Unknown type fails structurally; the semantic stage would also flag the
	// dangling edge but never runs.
	wf := linear().node("x", "webhook", nil).edge("x", "ghost").build()
	result := wv.Validate(wf)
	require.False(t, result.Valid())
	for _, issue := range result.Errors {
		assert.Equal(t, schema.ErrCodeValidation, issue.Code)
		assert.True(t, strings.HasPrefix(issue.Path, "/"), "structural issues carry instance paths: %s", issue.Path)
	}
}

func TestWorkflowValidator_SemanticErrorsSkipGraphStage(t *testing.T) {
	wv, err := NewWorkflowValidator(nil)
	require.NoError(t, err)

	wf := linear().
		node("orphan", schema.NodeTypeAgent, map[string]any{"agentId": "x"}).
		edge("a", "ghost").
		build()
	result := wv.Validate(wf)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "edges[2].target", result.Errors[0].Path)
	assert.NotContains(t, issuePaths(result.Warnings), "nodes[3]", "reachability is not reported")
}

func TestWorkflowValidator_GraphWarnings(t *testing.T) {
	wv, err := NewWorkflowValidator(nil)
	require.NoError(t, err)

	wf := linear().node("orphan", schema.NodeTypeAgent, map[string]any{"agentId": "x"}).build()
	result := wv.Validate(wf)
	assert.True(t, result.Valid())
	assert.Contains(t, issuePaths(result.Warnings), "nodes[3]")
	assert.NoError(t, wv.ValidateWorkflow(wf), "warnings do not fail validation")
}

func TestWorkflowValidator_CatalogErrors(t *testing.T) {
	wv, err := NewWorkflowValidator(newMockCatalog(nil, nil))
	require.NoError(t, err)

	err = wv.ValidateWorkflow(linear().build())
	require.Error(t, err)
	fe := schema.AsFlowError(err, "")
	assert.Equal(t, schema.ErrCodeInvalidWorkflow, fe.Code)
	assert.Contains(t, fe.Message, "writer")
	assert.Equal(t, 1, fe.Details["errorCount"])
}

func TestWorkflowValidator_InputSchemaMustCompile(t *testing.T) {
	wv, err := NewWorkflowValidator(nil)
	require.NoError(t, err)

	wf := linear().build()
	wf.InputSchema = json.RawMessage(`{"type": "nonsense"}`)
	result := wv.Validate(wf)
	require.False(t, result.Valid())
	assert.Equal(t, "inputSchema", result.Errors[0].Path)
}

func TestWorkflowValidator_ValidateInput(t *testing.T) {
	wv, err := NewWorkflowValidator(nil)
	require.NoError(t, err)

	inputSchema := []byte(`{"type": "object", "required": ["topic"]}`)
	assert.NoError(t, wv.ValidateInput(map[string]any{"topic": "go"}, inputSchema))

	err = wv.ValidateInput(map[string]any{}, inputSchema)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}
