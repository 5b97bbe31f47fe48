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
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "validation with field",
			err:  &ValidationError{Field: "flow", Message: "must not be empty"},
			want: "validation failed on flow: must not be empty",
		},
		{
			name: "validation without field",
			err:  &ValidationError{Message: "bad definition"},
			want: "validation failed: bad definition",
		},
		{
			name: "template",
			err:  &TemplateError{Reference: "${a..b}", Message: "empty path segment"},
			want: "invalid template ${a..b}: empty path segment",
		},
		{
			name: "permission with step",
			err:  &PermissionError{Key: "draft", Op: "read", StepID: "polish"},
			want: `step polish: read of state key "draft" not declared`,
		},
		{
			name: "state type",
			err:  &StateTypeError{Key: "count", Got: "string", Want: "number"},
			want: `state key "count" is string, not number`,
		},
		{
			name: "not found",
			err:  &NotFoundError{Resource: "member", ID: "upper@v2.0.0"},
			want: "member not found: upper@v2.0.0",
		},
		{
			name: "member with step",
			err:  &MemberError{Member: "fetch", StepID: "load", Message: "connection refused"},
			want: "member fetch failed in step load: connection refused",
		},
		{
			name: "timeout",
			err:  &TimeoutError{Operation: "member invocation", Duration: 5 * time.Second},
			want: "member invocation timed out after 5s",
		},
		{
			name: "conflict",
			err:  &ConflictError{Key: "summary", Steps: []string{"a", "b"}},
			want: `state key "summary" has conflicting concurrent writers: [a b]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Kind("")},
		{"validation", &ValidationError{Message: "x"}, KindValidation},
		{"template", &TemplateError{}, KindInvalidTemplate},
		{"permission", &PermissionError{}, KindPermissionDenied},
		{"type", &StateTypeError{}, KindTypeError},
		{"member not found", &NotFoundError{Resource: "member", ID: "x"}, KindMemberNotFound},
		{"other not found", &NotFoundError{Resource: "frame", ID: "x"}, KindUnknown},
		{"member failure", &MemberError{Member: "m"}, KindMemberFailure},
		{"timeout", &TimeoutError{Operation: "step"}, KindTimeout},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"scoring", &ScoringError{}, KindScoringFailure},
		{"cycle", &CycleError{Nodes: []string{"a", "b"}}, KindCyclicDependency},
		{"conflict", &ConflictError{Key: "k"}, KindConflictingWrites},
		{"iteration", &IterationLimitError{}, KindIterationLimit},
		{"token", &TokenError{Reason: "expired"}, KindTokenExpired},
		{"transition", &TransitionError{From: "approved", To: "rejected"}, KindInvalidStateTransition},
		{"cancelled", context.Canceled, KindCancelled},
		{"plain", New("boom"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifyWrapped(t *testing.T) {
	err := fmt.Errorf("running step draft: %w", &MemberError{Member: "llm", Message: "rate limited", Transient: true})
	assert.Equal(t, KindMemberFailure, Classify(err))
	assert.True(t, IsRetryable(err))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&MemberError{Transient: true}))
	assert.False(t, IsRetryable(&MemberError{Transient: false}))
	assert.True(t, IsRetryable(&TimeoutError{Operation: "step"}))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.False(t, IsRetryable(&ValidationError{Message: "x"}))
	assert.False(t, IsRetryable(&CycleError{}))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))

	base := &NotFoundError{Resource: "member", ID: "upper"}
	wrapped := Wrap(base, "resolving step greet")
	assert.Equal(t, "resolving step greet: member not found: upper", wrapped.Error())
	assert.Equal(t, KindMemberNotFound, Classify(wrapped))
}
