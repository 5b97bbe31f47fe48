package engine

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/maestro/internal/historystore"
	"github.com/tombee/maestro/pkg/ensemble"
	"github.com/tombee/maestro/pkg/ensemble/member"
	"github.com/tombee/maestro/pkg/errors"
)

// testRegistry installs small deterministic members used across the
// engine tests.
func testRegistry(t *testing.T) (*member.Registry, *atomic.Int64) {
	t.Helper()
	invocations := &atomic.Int64{}

	r := member.NewRegistry()
	register := func(name string, fn func(ctx context.Context, req *member.Request) (*member.Response, error)) {
		require.NoError(t, r.Register(
			member.Metadata{Name: name, Version: "1.0.0"},
			func(_, _ map[string]any) (member.Member, error) {
				return member.Func(func(ctx context.Context, req *member.Request) (*member.Response, error) {
					invocations.Add(1)
					return fn(ctx, req)
				}), nil
			}))
	}

	register("upper", func(_ context.Context, req *member.Request) (*member.Response, error) {
		text, _ := req.Input["text"].(string)
		return &member.Response{OK: true, Data: map[string]any{"output": strings.ToUpper(text)}}, nil
	})
	register("join", func(_ context.Context, req *member.Request) (*member.Response, error) {
		a, _ := req.Input["a"].(string)
		b, _ := req.Input["b"].(string)
		return &member.Response{OK: true, Data: map[string]any{"output": a + b}}, nil
	})
	register("echo", func(_ context.Context, req *member.Request) (*member.Response, error) {
		return &member.Response{OK: true, Data: req.Input}, nil
	})
	register("fail", func(_ context.Context, _ *member.Request) (*member.Response, error) {
		return &member.Response{OK: false, Error: "deliberate failure"}, nil
	})
	register("gate", func(_ context.Context, req *member.Request) (*member.Response, error) {
		return &member.Response{Suspend: &member.Suspend{Reason: "human-approval"}}, nil
	})

	return r, invocations
}

func newTestEngine(t *testing.T) (*Engine, *atomic.Int64, *historystore.Memory) {
	t.Helper()
	registry, invocations := testRegistry(t)
	history := historystore.NewMemory()
	e, err := New(Config{Registry: registry, History: history})
	require.NoError(t, err)
	return e, invocations, history
}

func parseDef(t *testing.T, src string) *ensemble.Definition {
	t.Helper()
	def, err := ensemble.Parse([]byte(src))
	require.NoError(t, err)
	return def
}

const greetYAML = `
name: greet
flow:
  - member: upper
    input:
      text: "${input.name}"
  - member: join
    input:
      a: "Hello, "
      b: "${upper.output}"
output:
  msg: "${join.output}"
`

// Scenario: linear flow with interpolation.
func TestLinearWithInterpolation(t *testing.T) {
	e, _, _ := newTestEngine(t)
	def := parseDef(t, greetYAML)

	result, err := e.Execute(context.Background(), def, map[string]any{"name": "ada"})
	require.NoError(t, err)
	require.True(t, result.OK, "error: %+v", result.Error)
	assert.Equal(t, map[string]any{"msg": "Hello, ADA"}, result.Data)
	assert.NotEmpty(t, result.ExecutionID)
}

// Scenario: caching needs no opt-in; a second run of an unannotated
// flow hits the cache for both steps and invokes no members.
func TestCacheHitAcrossExecutions(t *testing.T) {
	e, invocations, _ := newTestEngine(t)
	def := parseDef(t, greetYAML)

	input := map[string]any{"name": "ada"}
	first, err := e.Execute(context.Background(), def, input)
	require.NoError(t, err)
	require.True(t, first.OK)
	assert.EqualValues(t, 2, invocations.Load())

	second, err := e.Execute(context.Background(), def, input)
	require.NoError(t, err)
	require.True(t, second.OK)
	assert.Equal(t, first.Data, second.Data)
	assert.EqualValues(t, 2, invocations.Load(), "second run must not invoke members")
	assert.Equal(t, 2, second.Metrics.CacheHits)
}

func TestCacheOptOut(t *testing.T) {
	e, invocations, _ := newTestEngine(t)
	def := parseDef(t, `
name: uncached
flow:
  - member: upper
    cache: {enabled: false}
    input:
      text: "${input.name}"
output:
  msg: "${upper.output}"
`)

	input := map[string]any{"name": "ada"}
	for i := 0; i < 2; i++ {
		result, err := e.Execute(context.Background(), def, input)
		require.NoError(t, err)
		require.True(t, result.OK, "error: %+v", result.Error)
		assert.Equal(t, 0, result.Metrics.CacheHits)
	}
	assert.EqualValues(t, 2, invocations.Load(), "opted-out step recomputes every run")
}

func TestEmptyFlowReturnsEmptyObject(t *testing.T) {
	e, _, _ := newTestEngine(t)
	def := &ensemble.Definition{Name: "empty", Flow: []ensemble.FlowElement{}}

	result, err := e.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, map[string]any{}, result.Data)
}

func TestUnknownMemberFailsBeforeExecution(t *testing.T) {
	e, invocations, _ := newTestEngine(t)
	def := parseDef(t, `
name: broken
flow:
  - member: ghost
`)
	result, err := e.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Equal(t, errors.KindMemberNotFound, result.Error.Kind)
	assert.EqualValues(t, 0, invocations.Load())
}

func TestStateFlowBetweenSteps(t *testing.T) {
	e, _, _ := newTestEngine(t)
	def := parseDef(t, `
name: stateful
state:
  schema:
    draft: string
flow:
  - member: upper
    input:
      text: "${input.name}"
  - member: echo
    id: writer
    state_set: [draft]
    input:
      draft: "${upper.output}"
  - member: echo
    id: reader
    state_use: [draft]
    input:
      copy: "${state.draft}"
output:
  final: "${reader.copy}"
`)

	result, err := e.Execute(context.Background(), def, map[string]any{"name": "ada"})
	require.NoError(t, err)
	require.True(t, result.OK, "error: %+v", result.Error)
	assert.Equal(t, map[string]any{"final": "ADA"}, result.Data)
}

func TestStatePermissionDenied(t *testing.T) {
	e, _, _ := newTestEngine(t)
	def := parseDef(t, `
name: stateful
state:
  initial:
    secret: hidden
flow:
  - member: echo
    id: reader
    input:
      leaked: "${state.secret}"
output:
  leaked: "${reader.leaked}"
`)

	// The step does not declare state_use, so the template sees no
	// state and the reference resolves to nil rather than leaking.
	result, err := e.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	require.True(t, result.OK)
	data := result.Data.(map[string]any)
	assert.Nil(t, data["leaked"])
}

func TestWhenSkipsStep(t *testing.T) {
	e, invocations, history := newTestEngine(t)
	def := parseDef(t, `
name: conditional
flow:
  - member: upper
    when: "input.enabled == true"
    input:
      text: "x"
`)

	result, err := e.Execute(context.Background(), def, map[string]any{"enabled": false})
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.EqualValues(t, 0, invocations.Load())

	trace, err := history.Trace(context.Background(), result.ExecutionID)
	require.NoError(t, err)
	kinds := make([]string, len(trace))
	for i, rec := range trace {
		kinds[i] = rec.Kind
	}
	assert.Contains(t, kinds, "StepSkipped")
}

// Scenario: scoring retry until the threshold passes.
func TestScoringRetryUntilThreshold(t *testing.T) {
	registry, _ := testRegistry(t)
	lengths := []int{20, 30, 50}
	var call int32
	require.NoError(t, registry.Register(
		member.Metadata{Name: "draft", Version: "1.0.0"},
		func(_, _ map[string]any) (member.Member, error) {
			return member.Func(func(_ context.Context, _ *member.Request) (*member.Response, error) {
				n := lengths[atomic.AddInt32(&call, 1)-1]
				return &member.Response{OK: true, Data: strings.Repeat("a", n)}, nil
			}), nil
		}))

	e, err := New(Config{Registry: registry})
	require.NoError(t, err)

	def := parseDef(t, `
name: scored
flow:
  - member: draft
    scoring:
      evaluator: rule
      criteria:
        - name: long_enough
          expression: "length >= 40"
      threshold:
        minimum: 1.0
      retry_limit: 3
      initial_backoff: 0.001
output:
  text: "${draft}"
`)

	result, err := e.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	require.True(t, result.OK, "error: %+v", result.Error)
	assert.EqualValues(t, 3, atomic.LoadInt32(&call))
	assert.Equal(t, 2, result.Metrics.Retries)
}

func TestScoringAbortSurfacesScoringFailure(t *testing.T) {
	e, _, _ := newTestEngine(t)
	def := parseDef(t, `
name: scored
flow:
  - member: echo
    input: {content: "tiny"}
    scoring:
      evaluator: rule
      criteria:
        - name: long_enough
          expression: "length >= 400"
      threshold:
        minimum: 1.0
      retry_limit: 2
      initial_backoff: 0.001
      on_failure: abort
`)

	result, err := e.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Equal(t, errors.KindScoringFailure, result.Error.Kind)
}

func TestMemberRetryPolicy(t *testing.T) {
	registry, _ := testRegistry(t)
	var call int32
	require.NoError(t, registry.Register(
		member.Metadata{Name: "flaky", Version: "1.0.0"},
		func(_, _ map[string]any) (member.Member, error) {
			return member.Func(func(_ context.Context, _ *member.Request) (*member.Response, error) {
				if atomic.AddInt32(&call, 1) < 3 {
					return &member.Response{OK: false, Error: "transient"}, nil
				}
				return &member.Response{OK: true, Data: "recovered"}, nil
			}), nil
		}))

	e, err := New(Config{Registry: registry})
	require.NoError(t, err)

	def := parseDef(t, `
name: retried
flow:
  - member: flaky
    retry:
      attempts: 3
      initial_delay: 0.001
output:
  out: "${flaky}"
`)

	result, err := e.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	require.True(t, result.OK, "error: %+v", result.Error)
	assert.Equal(t, map[string]any{"out": "recovered"}, result.Data)
	assert.EqualValues(t, 3, atomic.LoadInt32(&call))
	assert.Equal(t, 2, result.Metrics.Retries)
}

func TestMemberFailureAborts(t *testing.T) {
	e, _, _ := newTestEngine(t)
	def := parseDef(t, `
name: failing
flow:
  - member: fail
  - member: upper
    input: {text: "never"}
`)

	result, err := e.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Equal(t, errors.KindMemberFailure, result.Error.Kind)
	assert.Equal(t, "fail", result.Error.Step)
}

func TestEventSequenceIsMonotonic(t *testing.T) {
	e, _, history := newTestEngine(t)
	def := parseDef(t, greetYAML)

	result, err := e.Execute(context.Background(), def, map[string]any{"name": "ada"})
	require.NoError(t, err)
	require.True(t, result.OK)

	trace, err := history.Trace(context.Background(), result.ExecutionID)
	require.NoError(t, err)
	require.NotEmpty(t, trace)

	assert.Equal(t, "EnsembleStarted", trace[0].Kind)
	assert.Equal(t, "EnsembleCompleted", trace[len(trace)-1].Kind)
	for i := 1; i < len(trace); i++ {
		assert.Equal(t, trace[i-1].Seq+1, trace[i].Seq)
	}
}

// Scenario: suspend, approve, resume; same final output as an
// unsuspended run.
func TestSuspendApproveResume(t *testing.T) {
	e, _, _ := newTestEngine(t)
	def := parseDef(t, `
name: gated
flow:
  - member: upper
    input:
      text: "${input.name}"
  - member: gate
    input:
      reason: "publish?"
  - member: join
    input:
      a: "approved: "
      b: "${upper.output}"
output:
  msg: "${join.output}"
`)

	ctx := context.Background()
	result, err := e.Execute(ctx, def, map[string]any{"name": "ada"})
	require.NoError(t, err)
	require.True(t, result.OK)
	assert.Equal(t, StatusSuspended, result.Status)
	assert.True(t, strings.HasPrefix(result.Token, "resume_"), result.Token)
	assert.True(t, result.ExpiresAt.After(time.Now()))

	// Resuming a pending frame is rejected.
	_, err = e.Resume(ctx, def, result.Token)
	require.Error(t, err)

	require.NoError(t, e.Suspends().Approve(ctx, result.Token, "alice", nil))

	final, err := e.Resume(ctx, def, result.Token)
	require.NoError(t, err)
	require.True(t, final.OK, "error: %+v", final.Error)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, map[string]any{"msg": "approved: ADA"}, final.Data)

	// The frame is consumed.
	_, err = e.Resume(ctx, def, result.Token)
	require.Error(t, err)
}

func TestResumeAppliesApprovalStateWrites(t *testing.T) {
	e, _, _ := newTestEngine(t)
	def := parseDef(t, `
name: gated
state:
  schema:
    decision: string
flow:
  - member: gate
    state_set: [decision]
  - member: echo
    id: record
    state_use: [decision]
    input:
      note: "${state.decision}"
output:
  note: "${record.note}"
`)

	ctx := context.Background()
	result, err := e.Execute(ctx, def, nil)
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, result.Status)

	require.NoError(t, e.Suspends().Approve(ctx, result.Token, "alice",
		map[string]any{"decision": "ship"}))

	final, err := e.Resume(ctx, def, result.Token)
	require.NoError(t, err)
	require.True(t, final.OK, "error: %+v", final.Error)
	assert.Equal(t, map[string]any{"note": "ship"}, final.Data)
}

func TestRejectBlocksResume(t *testing.T) {
	e, _, _ := newTestEngine(t)
	def := parseDef(t, `
name: gated
flow:
  - member: gate
`)

	ctx := context.Background()
	result, err := e.Execute(ctx, def, nil)
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, result.Status)

	require.NoError(t, e.Suspends().Reject(ctx, result.Token, "bob", "not ready"))

	_, err = e.Resume(ctx, def, result.Token)
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidStateTransition, errors.Classify(err))

	// Transitions are single-shot.
	err = e.Suspends().Approve(ctx, result.Token, "alice", nil)
	assert.Equal(t, errors.KindInvalidStateTransition, errors.Classify(err))
}

func TestUnknownTokenIsTokenExpired(t *testing.T) {
	e, _, _ := newTestEngine(t)
	def := parseDef(t, `
name: gated
flow:
  - member: gate
`)
	_, err := e.Resume(context.Background(), def, "resume_nope")
	assert.Equal(t, errors.KindTokenExpired, errors.Classify(err))
}
