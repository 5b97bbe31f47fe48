// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents a malformed ensemble or member definition.
// Validation errors are detected before any step runs.
type ValidationError struct {
	// Field identifies which definition field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// TemplateError represents invalid ${...} reference syntax encountered at
// resolution time.
type TemplateError struct {
	// Reference is the offending template reference (e.g. "${a..b}")
	Reference string

	// Message explains what is wrong with the reference
	Message string
}

// Error implements the error interface.
func (e *TemplateError) Error() string {
	return fmt.Sprintf("invalid template %s: %s", e.Reference, e.Message)
}

// PermissionError represents a state access outside the step's declared
// stateUse/stateSet permissions.
type PermissionError struct {
	// Key is the state key that was accessed
	Key string

	// Op is the attempted operation: "read" or "write"
	Op string

	// StepID identifies the step that attempted the access
	StepID string
}

// Error implements the error interface.
func (e *PermissionError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("step %s: %s of state key %q not declared", e.StepID, e.Op, e.Key)
	}
	return fmt.Sprintf("%s of state key %q not declared", e.Op, e.Key)
}

// StateTypeError represents a state write that violates the declared
// state schema.
// Security: does not include the rejected value to prevent credential leakage.
type StateTypeError struct {
	// Key is the state key being written
	Key string

	// Got is the actual type received (string representation)
	Got string

	// Want is the declared type for the key
	Want string
}

// Error implements the error interface.
func (e *StateTypeError) Error() string {
	return fmt.Sprintf("state key %q is %s, not %s", e.Key, e.Got, e.Want)
}

// NotFoundError represents a resource that could not be resolved.
// Use this for member references, ensembles, and suspended frames.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "member", "ensemble", "frame")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// MemberError represents a member invocation that returned ok: false
// or panicked.
type MemberError struct {
	// Member is the member reference (name or name@version)
	Member string

	// StepID identifies the step that invoked the member
	StepID string

	// Message is the member-reported error message
	Message string

	// Transient marks errors that may succeed on retry
	Transient bool

	// Cause is the underlying error, if any
	Cause error
}

// Error implements the error interface.
func (e *MemberError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("member %s failed in step %s: %s", e.Member, e.StepID, e.Message)
	}
	return fmt.Sprintf("member %s failed: %s", e.Member, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *MemberError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents a step that exceeded its deadline.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "member invocation", "step draft")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ScoringError represents a scoring gate whose retries were exhausted
// under an abort policy.
type ScoringError struct {
	// StepID identifies the scored step
	StepID string

	// Score is the last observed aggregate score
	Score float64

	// Threshold is the minimum score required to pass
	Threshold float64

	// Attempts is the number of attempts made
	Attempts int
}

// Error implements the error interface.
func (e *ScoringError) Error() string {
	return fmt.Sprintf("step %s scored %.3f after %d attempts, below minimum %.3f",
		e.StepID, e.Score, e.Attempts, e.Threshold)
}

// CycleError represents a dependency cycle detected at planning time.
type CycleError struct {
	// Nodes lists the node IDs participating in the cycle, in order
	Nodes []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %v", e.Nodes)
}

// ConflictError represents overlapping stateSet declarations on concurrent
// siblings, detected at planning time.
type ConflictError struct {
	// Key is the state key with conflicting writers
	Key string

	// Steps lists the sibling step IDs that both declare the key
	Steps []string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("state key %q has conflicting concurrent writers: %v", e.Key, e.Steps)
}

// TokenError represents a resumption token that is absent or expired.
type TokenError struct {
	// Token is the resumption token. Safe to log: a token is invalid by
	// the time this error is produced.
	Token string

	// Reason explains why the token was rejected
	Reason string
}

// Error implements the error interface.
func (e *TokenError) Error() string {
	return fmt.Sprintf("resumption token rejected: %s", e.Reason)
}

// TransitionError represents an invalid approval state transition on a
// suspended frame. Transitions are single-shot: only pending frames may
// be approved, rejected, or resumed.
type TransitionError struct {
	// Token is the resumption token
	Token string

	// From is the frame's current status
	From string

	// To is the attempted status
	To string
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid frame transition %s -> %s", e.From, e.To)
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid
// config values.
type ConfigError struct {
	// Key is the configuration key that has the problem
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}
