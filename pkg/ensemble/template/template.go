// Package template resolves ${path} references against a layered
// execution context.
//
// A template value is any YAML-decoded value. Strings may contain
// ${path} references; a string that is exactly one reference resolves to
// the raw referenced value, preserving its type. Embedded references are
// replaced by the stringified value. Unresolved references are left
// literal so failures stay visible. Arrays and objects resolve
// element-wise; other values pass through unchanged.
//
// Resolution is performed by an ordered chain of resolvers (string,
// array, object, passthrough); new resolvers can be added without
// touching callers.
package template

import (
	"strings"

	"github.com/tombee/maestro/pkg/errors"
)

// Context is the layered lookup context for ${path} references.
//
// The first path segment selects the layer: "input", "state", and "env"
// address their maps; binding names (item, index, error, ...) address
// Bindings; any other name addresses a step output by step ID.
type Context struct {
	// Input is the caller's arguments (frozen)
	Input map[string]any

	// State is the step's permitted view of shared state
	State map[string]any

	// Outputs maps step IDs to recorded results
	Outputs map[string]any

	// Env is the frozen map of deployment-time bindings
	Env map[string]any

	// Bindings carries block-scoped values such as item, index, total,
	// error, and items
	Bindings map[string]any
}

// Child returns a copy of the context with additional bindings layered
// on top. The underlying maps are shared; bindings are copied.
func (c *Context) Child(bindings map[string]any) *Context {
	merged := make(map[string]any, len(c.Bindings)+len(bindings))
	for k, v := range c.Bindings {
		merged[k] = v
	}
	for k, v := range bindings {
		merged[k] = v
	}
	return &Context{
		Input:    c.Input,
		State:    c.State,
		Outputs:  c.Outputs,
		Env:      c.Env,
		Bindings: merged,
	}
}

// Lookup navigates a parsed path against the context. The second return
// is false when any segment is missing.
func (c *Context) Lookup(path []string) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}

	var current any
	rest := path[1:]

	switch path[0] {
	case "input":
		current = c.Input
	case "state":
		current = c.State
	case "env":
		current = c.Env
	default:
		if v, ok := c.Bindings[path[0]]; ok {
			current = v
			break
		}
		v, ok := c.Outputs[path[0]]
		if !ok {
			return nil, false
		}
		current = v
	}

	for _, segment := range rest {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// ToMap flattens the context for expression evaluation. Step outputs
// appear at the top level keyed by step ID alongside input/state/env.
func (c *Context) ToMap() map[string]any {
	data := make(map[string]any, len(c.Outputs)+len(c.Bindings)+4)
	for k, v := range c.Outputs {
		data[k] = v
	}
	for k, v := range c.Bindings {
		data[k] = v
	}
	data["input"] = c.Input
	data["inputs"] = c.Input
	data["state"] = c.State
	data["env"] = c.Env
	return data
}

// Part is one segment of a parsed template string.
type Part struct {
	// Literal is the verbatim text when Ref is nil
	Literal string

	// Ref is the parsed reference path, nil for literal parts
	Ref []string

	// Raw is the original ${...} text of a reference, used to keep
	// unresolved references visible
	Raw string
}

// Parsed is a template string parsed into literal and reference parts.
type Parsed struct {
	parts []Part
}

// IsSingleRef reports whether the template is exactly one ${path}
// reference with no surrounding text.
func (p *Parsed) IsSingleRef() bool {
	return len(p.parts) == 1 && p.parts[0].Ref != nil
}

// HasRefs reports whether the template contains any reference.
func (p *Parsed) HasRefs() bool {
	for _, part := range p.parts {
		if part.Ref != nil {
			return true
		}
	}
	return false
}

// ParseString parses a template string into parts. Returns a
// TemplateError for invalid reference syntax (unterminated ${, empty
// path segments).
func ParseString(s string) (*Parsed, error) {
	var parts []Part
	var literal strings.Builder

	flush := func() {
		if literal.Len() > 0 {
			parts = append(parts, Part{Literal: literal.String()})
			literal.Reset()
		}
	}

	for i := 0; i < len(s); {
		if s[i] == '$' && i+1 < len(s) && s[i+1] == '{' {
			end := strings.IndexByte(s[i+2:], '}')
			if end < 0 {
				return nil, &errors.TemplateError{
					Reference: s[i:],
					Message:   "unterminated ${ reference",
				}
			}
			raw := s[i : i+2+end+1]
			inner := s[i+2 : i+2+end]

			ref, err := parsePath(inner, raw)
			if err != nil {
				return nil, err
			}
			flush()
			parts = append(parts, Part{Ref: ref, Raw: raw})
			i += 2 + end + 1
			continue
		}
		literal.WriteByte(s[i])
		i++
	}
	flush()

	if parts == nil {
		parts = []Part{{Literal: ""}}
	}
	return &Parsed{parts: parts}, nil
}

// parsePath splits a dot-separated reference path. An empty path is
// legal (it resolves to undefined); empty segments are not.
func parsePath(inner, raw string) ([]string, error) {
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return []string{}, nil
	}
	segments := strings.Split(inner, ".")
	for _, seg := range segments {
		if seg == "" {
			return nil, &errors.TemplateError{
				Reference: raw,
				Message:   "empty path segment",
			}
		}
	}
	return segments, nil
}

// Resolve resolves a parsed template against a context.
//
// Single-reference templates return the raw referenced value preserving
// its type; an empty or unresolved path yields nil. Mixed templates
// stringify each resolved reference and leave unresolved references
// literal.
func (p *Parsed) Resolve(ctx *Context) any {
	if p.IsSingleRef() {
		part := p.parts[0]
		if len(part.Ref) == 0 {
			return nil
		}
		v, ok := ctx.Lookup(part.Ref)
		if !ok {
			return nil
		}
		return v
	}

	var b strings.Builder
	for _, part := range p.parts {
		if part.Ref == nil {
			b.WriteString(part.Literal)
			continue
		}
		if len(part.Ref) == 0 {
			b.WriteString(part.Raw)
			continue
		}
		v, ok := ctx.Lookup(part.Ref)
		if !ok {
			// Unresolved references stay visible rather than
			// disappearing from the output.
			b.WriteString(part.Raw)
			continue
		}
		b.WriteString(Stringify(v))
	}
	return b.String()
}
