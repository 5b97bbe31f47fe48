package template

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Resolver inspects a value and either handles it or defers to the next
// resolver in the chain.
type Resolver interface {
	// Resolve returns the resolved value and true when handled, or
	// false to defer.
	Resolve(value any, ctx *Context, next func(any) (any, error)) (any, bool, error)
}

// Interpolator resolves arbitrary values by walking them through an
// ordered resolver chain.
type Interpolator struct {
	chain []Resolver
}

// New creates an interpolator with the standard chain: string, array,
// object, passthrough.
func New() *Interpolator {
	return &Interpolator{
		chain: []Resolver{
			stringResolver{},
			arrayResolver{},
			objectResolver{},
		},
	}
}

// Extend returns an interpolator with extra resolvers consulted before
// the standard chain. Used to add resolvers (secrets, functions)
// without modifying callers.
func (in *Interpolator) Extend(resolvers ...Resolver) *Interpolator {
	chain := make([]Resolver, 0, len(resolvers)+len(in.chain))
	chain = append(chain, resolvers...)
	chain = append(chain, in.chain...)
	return &Interpolator{chain: chain}
}

// Resolve walks a value recursively, resolving ${path} references
// against the context. Values no resolver claims pass through unchanged.
func (in *Interpolator) Resolve(value any, ctx *Context) (any, error) {
	recurse := func(v any) (any, error) {
		return in.Resolve(v, ctx)
	}
	for _, r := range in.chain {
		resolved, handled, err := r.Resolve(value, ctx, recurse)
		if err != nil {
			return nil, err
		}
		if handled {
			return resolved, nil
		}
	}
	// Passthrough: primitives and unknown types resolve to themselves.
	return value, nil
}

// ResolveMap resolves every value of a template map, preserving keys.
func (in *Interpolator) ResolveMap(m map[string]any, ctx *Context) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	resolved, err := in.Resolve(m, ctx)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

// stringResolver parses and resolves template strings.
type stringResolver struct{}

func (stringResolver) Resolve(value any, ctx *Context, _ func(any) (any, error)) (any, bool, error) {
	s, ok := value.(string)
	if !ok {
		return nil, false, nil
	}
	parsed, err := ParseString(s)
	if err != nil {
		return nil, false, err
	}
	if !parsed.HasRefs() {
		return s, true, nil
	}
	return parsed.Resolve(ctx), true, nil
}

// arrayResolver maps resolution over array elements.
type arrayResolver struct{}

func (arrayResolver) Resolve(value any, _ *Context, next func(any) (any, error)) (any, bool, error) {
	arr, ok := value.([]any)
	if !ok {
		return nil, false, nil
	}
	resolved := make([]any, len(arr))
	for i, elem := range arr {
		v, err := next(elem)
		if err != nil {
			return nil, false, fmt.Errorf("at index %d: %w", i, err)
		}
		resolved[i] = v
	}
	return resolved, true, nil
}

// objectResolver recurses into map values; keys are literal.
type objectResolver struct{}

func (objectResolver) Resolve(value any, _ *Context, next func(any) (any, error)) (any, bool, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return nil, false, nil
	}
	resolved := make(map[string]any, len(m))
	for k, elem := range m {
		v, err := next(elem)
		if err != nil {
			return nil, false, fmt.Errorf("in field %q: %w", k, err)
		}
		resolved[k] = v
	}
	return resolved, true, nil
}

// Stringify renders a referenced value for substring substitution.
// Strings pass through; numbers and booleans use their canonical form;
// nil renders empty; composites render as compact JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return formatFloat(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}

// formatFloat renders floats without a trailing ".0" for integral
// values, matching YAML/JSON round-tripping of whole numbers.
func formatFloat(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Truthy casts a resolved value to boolean for when/branch/while
// conditions. nil, false, zero numbers, empty strings, and empty
// collections are false; everything else is true.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
