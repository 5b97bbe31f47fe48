package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/maestro/pkg/errors"
)

func testContext() *Context {
	return &Context{
		Input: map[string]any{
			"name": "ada",
			"tags": []any{"a", "b"},
			"nested": map[string]any{
				"deep": map[string]any{"value": float64(42)},
			},
		},
		State: map[string]any{"draft": "hello"},
		Outputs: map[string]any{
			"upper": map[string]any{"output": "ADA"},
		},
		Env:      map[string]any{"REGION": "eu-west-1"},
		Bindings: map[string]any{"item": "x", "index": 0},
	}
}

func TestResolveSingleRefPreservesType(t *testing.T) {
	in := New()
	ctx := testContext()

	tests := []struct {
		name     string
		template any
		want     any
	}{
		{"string", "${input.name}", "ada"},
		{"number", "${input.nested.deep.value}", float64(42)},
		{"array", "${input.tags}", []any{"a", "b"}},
		{"object", "${input.nested.deep}", map[string]any{"value": float64(42)}},
		{"state", "${state.draft}", "hello"},
		{"output", "${upper.output}", "ADA"},
		{"env", "${env.REGION}", "eu-west-1"},
		{"binding item", "${item}", "x"},
		{"binding index", "${index}", 0},
		{"unresolved", "${input.missing}", nil},
		{"empty path", "${}", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := in.Resolve(tt.template, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveEmbeddedRefs(t *testing.T) {
	in := New()
	ctx := testContext()

	got, err := in.Resolve("Hello, ${input.name}! You are in ${env.REGION}.", ctx)
	require.NoError(t, err)
	assert.Equal(t, "Hello, ada! You are in eu-west-1.", got)
}

func TestResolveEmbeddedStringification(t *testing.T) {
	in := New()
	ctx := testContext()

	got, err := in.Resolve("value=${input.nested.deep.value}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "value=42", got)

	got, err = in.Resolve("tags=${input.tags}", ctx)
	require.NoError(t, err)
	assert.Equal(t, `tags=["a","b"]`, got)
}

func TestUnresolvedEmbeddedRefStaysLiteral(t *testing.T) {
	in := New()
	got, err := in.Resolve("hi ${missing.ref}", testContext())
	require.NoError(t, err)
	assert.Equal(t, "hi ${missing.ref}", got)
}

func TestResolveRecursesCollections(t *testing.T) {
	in := New()
	ctx := testContext()

	tmpl := map[string]any{
		"greeting": "Hello, ${input.name}",
		"raw":      "${input.tags}",
		"list":     []any{"${input.name}", "literal", float64(7)},
		"n":        float64(3),
	}
	got, err := in.Resolve(tmpl, ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"greeting": "Hello, ada",
		"raw":      []any{"a", "b"},
		"list":     []any{"ada", "literal", float64(7)},
		"n":        float64(3),
	}, got)
}

func TestResolveNoRefsIsIdentity(t *testing.T) {
	in := New()
	tmpl := map[string]any{
		"a": "plain",
		"b": []any{float64(1), true, nil},
	}
	got, err := in.Resolve(tmpl, testContext())
	require.NoError(t, err)
	assert.Equal(t, tmpl, got)
}

func TestInvalidTemplateSyntax(t *testing.T) {
	in := New()

	_, err := in.Resolve("${unterminated", testContext())
	var templateErr *errors.TemplateError
	require.ErrorAs(t, err, &templateErr)

	_, err = in.Resolve("${a..b}", testContext())
	require.ErrorAs(t, err, &templateErr)
	assert.Equal(t, errors.KindInvalidTemplate, errors.Classify(err))
}

func TestInvalidSyntaxInsideCollection(t *testing.T) {
	in := New()
	_, err := in.Resolve(map[string]any{"x": []any{"${a..b}"}}, testContext())
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidTemplate, errors.Classify(err))
}

func TestChildBindings(t *testing.T) {
	in := New()
	ctx := testContext()
	child := ctx.Child(map[string]any{"item": "y", "total": 3})

	got, err := in.Resolve("${item}/${total}", child)
	require.NoError(t, err)
	assert.Equal(t, "y/3", got)

	// Parent bindings unchanged.
	got, err = in.Resolve("${item}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "x", got)
}

func TestLookupThroughNonObjectFails(t *testing.T) {
	ctx := testContext()
	_, ok := ctx.Lookup([]string{"input", "name", "deeper"})
	assert.False(t, ok)
}

func TestExtendChain(t *testing.T) {
	// A resolver that handles a custom marker type takes precedence
	// over the standard chain.
	type secret struct{ key string }
	secrets := resolverFunc(func(v any, _ *Context, _ func(any) (any, error)) (any, bool, error) {
		s, ok := v.(secret)
		if !ok {
			return nil, false, nil
		}
		return "resolved:" + s.key, true, nil
	})

	in := New().Extend(secrets)
	got, err := in.Resolve(secret{key: "db"}, testContext())
	require.NoError(t, err)
	assert.Equal(t, "resolved:db", got)
}

// resolverFunc adapts a function to the Resolver interface.
type resolverFunc func(any, *Context, func(any) (any, error)) (any, bool, error)

func (f resolverFunc) Resolve(v any, ctx *Context, next func(any) (any, error)) (any, bool, error) {
	return f(v, ctx, next)
}

func TestStringify(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  string
	}{
		{"nil", nil, ""},
		{"string", "x", "x"},
		{"bool", true, "true"},
		{"int", 7, "7"},
		{"whole float", float64(7), "7"},
		{"fraction", 1.5, "1.5"},
		{"array", []any{float64(1), "a"}, `[1,"a"]`},
		{"object", map[string]any{"k": "v"}, `{"k":"v"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Stringify(tt.input))
		})
	}
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(false))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy(float64(0)))
	assert.False(t, Truthy([]any{}))
	assert.False(t, Truthy(map[string]any{}))
	assert.True(t, Truthy(true))
	assert.True(t, Truthy("x"))
	assert.True(t, Truthy(float64(0.1)))
	assert.True(t, Truthy([]any{1}))
}
