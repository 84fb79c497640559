package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleEngine_Allows(t *testing.T) {
	e, err := NewRuleEngine()
	require.NoError(t, err)
	ctx := context.Background()

	resolver := map[string]any{"id": "alice", "roles": []any{"manager"}}
	request := map[string]any{"stepId": "approve", "title": "Ship it"}

	ok, err := e.Allows(ctx, `"manager" in resolver.roles`, resolver, request)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Allows(ctx, `resolver.id == "bob"`, resolver, request)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.Allows(ctx, `request.stepId == "approve" && resolver.id != ""`, resolver, request)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRuleEngine_Errors(t *testing.T) {
	e, err := NewRuleEngine()
	require.NoError(t, err)
	ctx := context.Background()

	_, err = e.Allows(ctx, `resolver.id`, map[string]any{"id": "x"}, nil)
	assert.Error(t, err, "non-bool result")

	assert.Error(t, e.Check(`resolver.id ==`))
	assert.Error(t, e.Check(`unknown_var == 1`))
	assert.NoError(t, e.Check(`resolver.id == "x"`))

	_, err = e.Evaluate(ctx, "", nil)
	assert.Error(t, err)
}
