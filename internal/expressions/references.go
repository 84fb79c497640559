package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rendis/agentflow/pkg/schema"
)

// Reference roots.
const (
	RootVars  = "variables"
	RootSteps = "steps"
)

// Reference is a parsed ${...} token. ${a.b} addresses variables;
// ${steps.<id>.<prop>} addresses the step view.
type Reference struct {
	Raw  string
	Root string
	Path []string
}

// ParseReference parses the text between "${" and "}".
func ParseReference(raw string) (Reference, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Reference{}, schema.NewError(schema.ErrCodeConditionEval, "empty reference ${}")
	}
	segments := strings.Split(raw, ".")
	for i, seg := range segments {
		if seg == "" {
			return Reference{}, schema.NewErrorf(schema.ErrCodeConditionEval,
				"empty segment in reference ${%s} at position %d", raw, i)
		}
		if strings.ContainsAny(seg, " \t\n\"'`()[]{}$") {
			return Reference{}, schema.NewErrorf(schema.ErrCodeConditionEval,
				"invalid segment %q in reference ${%s}", seg, raw)
		}
	}
	if segments[0] == RootSteps && len(segments) > 1 {
		return Reference{Raw: raw, Root: RootSteps, Path: segments[1:]}, nil
	}
	return Reference{Raw: raw, Root: RootVars, Path: segments}, nil
}

// HasReference reports whether s contains a ${...} token.
func HasReference(s string) bool {
	return strings.Contains(s, "${")
}

// scanTemplate splits input into literal text and references.
func scanTemplate(input string, lit func(string), ref func(Reference) error) error {
	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${")
		if idx == -1 {
			lit(input[i:])
			return nil
		}
		lit(input[i : i+idx])
		start := i + idx + 2
		end := strings.IndexByte(input[start:], '}')
		if end == -1 {
			return schema.NewErrorf(schema.ErrCodeConditionEval, "unclosed ${ in %q", input)
		}
		end += start
		if strings.Contains(input[start:end], "${") {
			return schema.NewErrorf(schema.ErrCodeConditionEval, "nested reference in %q", input)
		}
		r, err := ParseReference(input[start:end])
		if err != nil {
			return err
		}
		if err := ref(r); err != nil {
			return err
		}
		i = end + 1
	}
	return nil
}

// bindingName is the identifier a rewritten reference is bound to.
func bindingName(i int) string {
	return "__ref" + strconv.Itoa(i)
}

// RewriteReferences replaces each ${...} token with a generated identifier
// and returns the references in binding order. Values are bound at
// evaluation time, never spliced into the source text.
func RewriteReferences(expression string) (string, []Reference, error) {
	var b strings.Builder
	var refs []Reference
	err := scanTemplate(expression,
		func(s string) { b.WriteString(s) },
		func(r Reference) error {
			b.WriteString(bindingName(len(refs)))
			refs = append(refs, r)
			return nil
		})
	if err != nil {
		return "", nil, err
	}
	return b.String(), refs, nil
}

// Interpolate resolves references in template against scope. A template that
// is exactly one reference yields the referenced value with its type intact;
// otherwise the result is a string with each value stringified. Missing
// references resolve to nil.
func Interpolate(scope *Scope, template string) (any, error) {
	trimmed := strings.TrimSpace(template)
	if strings.HasPrefix(trimmed, "${") && strings.IndexByte(trimmed, '}') == len(trimmed)-1 {
		r, err := ParseReference(trimmed[2 : len(trimmed)-1])
		if err != nil {
			return nil, err
		}
		v, _ := scope.Resolve(r)
		return v, nil
	}

	var b strings.Builder
	err := scanTemplate(template,
		func(s string) { b.WriteString(s) },
		func(r Reference) error {
			v, _ := scope.Resolve(r)
			b.WriteString(stringify(v))
			return nil
		})
	if err != nil {
		return nil, err
	}
	return b.String(), nil
}

// stringify renders a resolved value inline.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
