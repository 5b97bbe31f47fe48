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
	"errors"
)

// Kind is the machine-readable error category reported in run results
// and events.
type Kind string

const (
	// KindValidation is a malformed ensemble or member definition.
	KindValidation Kind = "ValidationError"
	// KindInvalidTemplate is bad ${...} reference syntax at resolution time.
	KindInvalidTemplate Kind = "InvalidTemplate"
	// KindPermissionDenied is a state access outside declared permissions.
	KindPermissionDenied Kind = "PermissionDenied"
	// KindTypeError is a state write violating the state schema.
	KindTypeError Kind = "TypeError"
	// KindMemberNotFound is an unresolvable member reference.
	KindMemberNotFound Kind = "MemberNotFound"
	// KindMemberFailure is a member that returned ok: false.
	KindMemberFailure Kind = "MemberFailure"
	// KindTimeout is a step that exceeded its deadline.
	KindTimeout Kind = "Timeout"
	// KindScoringFailure is exhausted scoring retries under onFailure: abort.
	KindScoringFailure Kind = "ScoringFailure"
	// KindCyclicDependency is a dependency cycle in the flow graph.
	KindCyclicDependency Kind = "CyclicDependency"
	// KindConflictingWrites is overlapping stateSet on concurrent siblings.
	KindConflictingWrites Kind = "ConflictingWrites"
	// KindIterationLimit is a while loop that exceeded maxIterations.
	KindIterationLimit Kind = "IterationLimit"
	// KindTokenExpired is an absent or expired resumption token.
	KindTokenExpired Kind = "TokenExpired"
	// KindInvalidStateTransition is a non-pending frame transition.
	KindInvalidStateTransition Kind = "InvalidStateTransition"
	// KindCancelled is a scope terminated externally.
	KindCancelled Kind = "Cancelled"
	// KindUnknown is any error outside the taxonomy.
	KindUnknown Kind = "Unknown"
)

// IterationLimitError represents a while loop that exceeded its
// maxIterations safety cap.
type IterationLimitError struct {
	// StepID identifies the while element
	StepID string

	// MaxIterations is the configured cap
	MaxIterations int
}

// Error implements the error interface.
func (e *IterationLimitError) Error() string {
	if e.StepID != "" {
		return "while " + e.StepID + ": iteration limit exceeded"
	}
	return "while: iteration limit exceeded"
}

// Classify maps an error to its Kind. Wrapped errors are unwrapped via
// errors.As, so callers may classify errors that passed through fmt.Errorf.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var classifier Classifier
	if errors.As(err, &classifier) {
		return classifier.ErrorKind()
	}

	var (
		validationErr *ValidationError
		templateErr   *TemplateError
		permErr       *PermissionError
		typeErr       *StateTypeError
		notFoundErr   *NotFoundError
		memberErr     *MemberError
		timeoutErr    *TimeoutError
		scoringErr    *ScoringError
		cycleErr      *CycleError
		conflictErr   *ConflictError
		iterErr       *IterationLimitError
		tokenErr      *TokenError
		transErr      *TransitionError
	)

	switch {
	case errors.As(err, &validationErr):
		return KindValidation
	case errors.As(err, &templateErr):
		return KindInvalidTemplate
	case errors.As(err, &permErr):
		return KindPermissionDenied
	case errors.As(err, &typeErr):
		return KindTypeError
	case errors.As(err, &notFoundErr):
		if notFoundErr.Resource == "member" {
			return KindMemberNotFound
		}
		return KindUnknown
	case errors.As(err, &timeoutErr), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &memberErr):
		return KindMemberFailure
	case errors.As(err, &scoringErr):
		return KindScoringFailure
	case errors.As(err, &cycleErr):
		return KindCyclicDependency
	case errors.As(err, &conflictErr):
		return KindConflictingWrites
	case errors.As(err, &iterErr):
		return KindIterationLimit
	case errors.As(err, &tokenErr):
		return KindTokenExpired
	case errors.As(err, &transErr):
		return KindInvalidStateTransition
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether the error may succeed on a retry of the
// same step. Only transient member failures and timeouts are retryable;
// policy and planning errors never are.
func IsRetryable(err error) bool {
	var memberErr *MemberError
	if errors.As(err, &memberErr) {
		return memberErr.Transient
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
