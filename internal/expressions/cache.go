package expressions

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rendis/agentflow/pkg/schema"
)

// compileCache memoizes compile in a bounded LRU. Failed compilations are
// not cached.
type compileCache[T any] struct {
	entries *lru.Cache[string, T]
	compile func(string) (T, error)
}

func newCompileCache[T any](size int, compile func(string) (T, error)) *compileCache[T] {
	entries, err := lru.New[string, T](max(size, 1))
	if err != nil {
		// lru.New fails only for a non-positive size.
		panic(err)
	}
	return &compileCache[T]{entries: entries, compile: compile}
}

func (c *compileCache[T]) get(expression string) (T, error) {
	if v, ok := c.entries.Get(expression); ok {
		return v, nil
	}
	v, err := c.compile(expression)
	if err != nil {
		return v, err
	}
	c.entries.Add(expression, v)
	return v, nil
}

// expressionError wraps a compile or runtime failure of expression as a
// VALIDATION_ERROR carrying the expression in its details.
func expressionError(what, expression string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s in %q: %s", what, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}
