// Package state implements the shared mutable state bag for an
// execution.
//
// All access goes through short-lived handles scoped to a step's
// declared permissions: a step reads only keys it listed in state_use
// and writes only keys it listed in state_set. Writes buffer in the
// handle and become visible atomically on commit. The backing map is
// never shared directly.
package state

import (
	"context"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tombee/maestro/pkg/errors"
)

// Store owns the state map for one execution.
type Store struct {
	mu      sync.Mutex
	data    map[string]any
	schemas map[string]*jsonschema.Schema
	types   map[string]string
	sealed  bool
}

// New creates a store, compiles per-key schemas from the declared
// key→type map, and applies initial values. Initial values are
// type-checked like writes.
func New(schema map[string]string, initial map[string]any) (*Store, error) {
	s := &Store{
		data:    make(map[string]any),
		schemas: make(map[string]*jsonschema.Schema, len(schema)),
		types:   make(map[string]string, len(schema)),
	}
	for key, typ := range schema {
		compiled, err := compileType(key, typ)
		if err != nil {
			return nil, err
		}
		s.schemas[key] = compiled
		s.types[key] = typ
	}
	for key, value := range initial {
		if err := s.check(key, value); err != nil {
			return nil, err
		}
		s.data[key] = clone(value)
	}
	return s, nil
}

// compileType builds a single-type JSON schema for one state key.
func compileType(key, typ string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := "maestro:state/" + key
	doc := map[string]any{"type": typ}
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, &errors.ConfigError{Key: "state.schema." + key, Reason: "invalid type schema", Cause: err}
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, &errors.ConfigError{Key: "state.schema." + key, Reason: "invalid type schema", Cause: err}
	}
	return compiled, nil
}

// check validates a value against the key's declared type. Keys with no
// declared type accept any value.
func (s *Store) check(key string, value any) error {
	compiled, ok := s.schemas[key]
	if !ok {
		return nil
	}
	if err := compiled.Validate(value); err != nil {
		return &errors.StateTypeError{
			Key:  key,
			Got:  typeName(value),
			Want: s.types[key],
		}
	}
	return nil
}

// Snapshot returns a deep copy of the committed state.
func (s *Store) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := make(map[string]any, len(s.data))
	for k, v := range s.data {
		snap[k] = clone(v)
	}
	return snap
}

// Restore replaces the committed state wholesale. Used when resuming a
// suspended execution from its frame. Values are type-checked.
func (s *Store) Restore(snapshot map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := make(map[string]any, len(snapshot))
	for k, v := range snapshot {
		if err := s.check(k, v); err != nil {
			return err
		}
		data[k] = clone(v)
	}
	s.data = data
	return nil
}

// PutInternal writes an engine-owned key outside any handle, bypassing
// declared permissions. Used for score tracking keys; never available
// to members.
func (s *Store) PutInternal(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = clone(value)
}

// Seal rejects all further commits. Called when the execution scope
// terminates so cancelled tasks cannot leak writes into final state.
func (s *Store) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
}

// BeginStep opens a permission-scoped handle. The handle observes the
// useKeys values as of the last committed writer at call time.
func (s *Store) BeginStep(stepID string, useKeys, setKeys []string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := &Handle{
		store:  s,
		stepID: stepID,
		use:    make(map[string]bool, len(useKeys)),
		set:    make(map[string]bool, len(setKeys)),
		view:   make(map[string]any, len(useKeys)),
		writes: make(map[string]any),
	}
	for _, k := range useKeys {
		h.use[k] = true
		if v, ok := s.data[k]; ok {
			h.view[k] = clone(v)
		}
	}
	for _, k := range setKeys {
		h.set[k] = true
	}
	return h
}

// Handle is a short-lived, permission-scoped view of the store for one
// step invocation.
type Handle struct {
	store  *Store
	stepID string
	use    map[string]bool
	set    map[string]bool
	view   map[string]any
	writes map[string]any
	closed bool
}

// Read returns the value of a declared use key as of handle creation.
func (h *Handle) Read(key string) (any, error) {
	if !h.use[key] {
		return nil, &errors.PermissionError{Key: key, Op: "read", StepID: h.stepID}
	}
	return h.view[key], nil
}

// View returns the full permitted read view, for template resolution.
func (h *Handle) View() map[string]any {
	out := make(map[string]any, len(h.view))
	for k, v := range h.view {
		out[k] = v
	}
	return out
}

// Write buffers a value for a declared set key. The write is not
// visible to other steps until Commit.
func (h *Handle) Write(key string, value any) error {
	if !h.set[key] {
		return &errors.PermissionError{Key: key, Op: "write", StepID: h.stepID}
	}
	if err := h.store.check(key, value); err != nil {
		return err
	}
	h.writes[key] = clone(value)
	return nil
}

// Commit applies all buffered writes atomically. A cancelled context or
// a sealed store rejects the commit and no write becomes visible.
// Commit and Abort are single-shot.
func (h *Handle) Commit(ctx context.Context) error {
	if h.closed {
		return errors.New("state handle already closed")
	}
	h.closed = true

	if err := ctx.Err(); err != nil {
		return err
	}

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if h.store.sealed {
		return errors.New("state store sealed, commit rejected")
	}
	for k, v := range h.writes {
		h.store.data[k] = v
	}
	return nil
}

// Abort discards all buffered writes.
func (h *Handle) Abort() {
	h.closed = true
	h.writes = make(map[string]any)
}

// clone deep-copies YAML/JSON-shaped values. Other types are assumed
// immutable and returned as-is.
func clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = clone(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = clone(e)
		}
		return out
	default:
		return v
	}
}

// typeName maps a Go value to its schema type name for error messages.
func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case int, int64, float64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
