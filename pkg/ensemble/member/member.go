// Package member defines the member contract and the registry that
// resolves member references to factories.
//
// A member is the unit of reusable work an ensemble step invokes. It is
// pure with respect to its input and config: identical values produce
// equivalent data, which is what makes step results cacheable.
package member

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/tombee/maestro/pkg/errors"
)

// Request carries the resolved invocation arguments for one execution.
type Request struct {
	// Input is the step's resolved input template
	Input map[string]any

	// Env is the frozen map of deployment-time bindings
	Env map[string]any

	// Emit publishes a member-level progress event into the execution
	// trace. May be nil.
	Emit func(name string, data map[string]any)
}

// Suspend is a member's request to pause the execution for an external
// decision. The engine captures a frame and returns a resumption token
// to the caller.
type Suspend struct {
	// Reason is shown to whoever reviews the pending frame
	Reason string

	// TTL bounds how long the frame stays resumable; zero uses the
	// engine default
	TTL time.Duration

	// Metadata travels with the frame and is visible on inspection
	Metadata map[string]any
}

// Response is the outcome of one member execution.
type Response struct {
	OK         bool
	Data       any
	Error      string
	DurationMs int64
	Metadata   map[string]any

	// Suspend, when non-nil, asks the engine to pause here. OK is
	// ignored for suspending responses.
	Suspend *Suspend
}

// Member executes work against a resolved request. Implementations
// must honor context cancellation on blocking operations.
type Member interface {
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// Func adapts a function to the Member interface.
type Func func(ctx context.Context, req *Request) (*Response, error)

func (f Func) Execute(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Invoke runs a member and normalizes every failure mode into a
// Response. A panic or a returned error becomes ok=false; DurationMs is
// always populated.
func Invoke(ctx context.Context, m Member, req *Request) (resp *Response) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			resp = &Response{
				OK:         false,
				Error:      fmt.Sprintf("member panicked: %v", r),
				DurationMs: time.Since(start).Milliseconds(),
				Metadata:   map[string]any{"stack": string(debug.Stack())},
			}
		}
	}()

	resp, err := m.Execute(ctx, req)
	if err != nil {
		return &Response{
			OK:         false,
			Error:      err.Error(),
			DurationMs: time.Since(start).Milliseconds(),
		}
	}
	if resp == nil {
		return &Response{
			OK:         false,
			Error:      "member returned no response",
			DurationMs: time.Since(start).Milliseconds(),
		}
	}
	if resp.DurationMs == 0 {
		resp.DurationMs = time.Since(start).Milliseconds()
	}
	return resp
}

// Err converts a failed response into a MemberError for the step
// pipeline. Returns nil for successful responses.
func (r *Response) Err(memberName, stepID string) error {
	if r.OK || r.Suspend != nil {
		return nil
	}
	return &errors.MemberError{
		Member:  memberName,
		StepID:  stepID,
		Message: r.Error,
	}
}
