package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/pkg/ensemble"
	"github.com/tombee/maestro/pkg/ensemble/cache"
	"github.com/tombee/maestro/pkg/ensemble/member"
	"github.com/tombee/maestro/pkg/ensemble/scoring"
	"github.com/tombee/maestro/pkg/ensemble/state"
	"github.com/tombee/maestro/pkg/ensemble/template"
	"github.com/tombee/maestro/pkg/errors"
)

// suspendError carries a member's suspend signal up the call stack to
// the driver, which captures the frame.
type suspendError struct {
	stepID  string
	signal  *member.Suspend
	payload map[string]any
}

func (s *suspendError) Error() string {
	return "execution suspended at step " + s.stepID
}

// stepError wraps a step failure with its step ID for the final error
// report.
type stepError struct {
	stepID string
	err    error
}

func (s *stepError) Error() string { return s.err.Error() }
func (s *stepError) Unwrap() error { return s.err }

// runStep executes one step end to end: condition, input resolution,
// cache, member invocation with retries and scoring, state commit, and
// output recording.
func (e *Engine) runStep(ctx context.Context, ex *execution, step *ensemble.Step, bindings map[string]any) error {
	if ex.isCompleted(step.ID) {
		// Already completed in the run this one resumes.
		return nil
	}

	handle := ex.state.BeginStep(step.ID, step.StateUse, step.StateSet)
	tmplCtx := ex.templateContext(handle.View(), bindings)

	// Condition gate.
	if step.When != "" {
		pass, err := e.exprEval.Evaluate(step.When, tmplCtx.ToMap())
		if err != nil {
			handle.Abort()
			return &stepError{stepID: step.ID, err: err}
		}
		if !pass {
			handle.Abort()
			ex.emitter.Emit(ctx, EventStepSkipped, step.ID, map[string]any{"when": step.When})
			return nil
		}
	}

	input, err := e.interp.ResolveMap(step.Input, tmplCtx)
	if err != nil {
		handle.Abort()
		return &stepError{stepID: step.ID, err: err}
	}

	m, meta, err := e.registry.Create(step.Member, nil, ex.env)
	if err != nil {
		handle.Abort()
		return &stepError{stepID: step.ID, err: err}
	}

	ex.emitter.Emit(ctx, EventStepStarted, step.ID, map[string]any{
		"member": meta.Name + "@" + meta.Version,
	})
	started := time.Now()

	output, cacheHit, err := e.computeStep(ctx, ex, step, m, meta, input, tmplCtx)
	if err != nil {
		handle.Abort()
		if suspend, ok := err.(*suspendError); ok {
			ex.emitter.Emit(ctx, EventSuspended, step.ID, suspend.payload)
			return suspend
		}
		ex.emitter.Emit(ctx, EventStepFailed, step.ID, map[string]any{
			"error": err.Error(),
			"kind":  string(errors.Classify(err)),
		})
		if _, ok := err.(*stepError); ok {
			return err
		}
		return &stepError{stepID: step.ID, err: err}
	}

	ex.metrics.recordTiming(MemberTiming{
		StepID:     step.ID,
		Member:     meta.Name,
		DurationMs: time.Since(started).Milliseconds(),
		CacheHit:   cacheHit,
	})

	if err := e.applyStateWrites(handle, step, output); err != nil {
		handle.Abort()
		return &stepError{stepID: step.ID, err: err}
	}
	if err := handle.Commit(ctx); err != nil {
		return &stepError{stepID: step.ID, err: err}
	}

	ex.recordOutput(step.ID, output)
	ex.emitter.Emit(ctx, EventStepCompleted, step.ID, map[string]any{
		"cacheHit":   cacheHit,
		"durationMs": time.Since(started).Milliseconds(),
	})
	return nil
}

// computeStep produces the step output through the shared cache.
// Caching is on by default; a step opts out with enabled: false. The
// compute path applies scoring and member retries.
func (e *Engine) computeStep(ctx context.Context, ex *execution, step *ensemble.Step, m member.Member, meta *member.Metadata, input map[string]any, tmplCtx *template.Context) (any, bool, error) {
	compute := func() (any, error) {
		return e.executeWithScoring(ctx, ex, step, m, meta, input, tmplCtx)
	}

	if step.Cache.Disabled() {
		out, err := compute()
		return out, false, err
	}

	fingerprint := cache.Fingerprint(meta.Name, meta.Version, input, meta.Config)

	// Within one execution a fingerprint always yields the value first
	// observed, even if the shared entry expires mid-run.
	if v, ok := ex.cacheSeen(fingerprint); ok {
		ex.metrics.recordTiming(MemberTiming{StepID: step.ID, Member: meta.Name, CacheHit: true})
		return v, true, nil
	}

	var bypass bool
	var opts cache.Options
	if step.Cache != nil {
		bypass = step.Cache.Bypass
		opts = cache.Options{
			TTL:  time.Duration(step.Cache.TTL) * time.Second,
			Tags: step.Cache.Tags,
		}
	}
	out, hit, err := e.cache.Do(ctx, fingerprint, bypass, opts, compute)
	if err != nil {
		return nil, false, err
	}
	ex.rememberCache(fingerprint, out)
	return out, hit, nil
}

// executeWithScoring wraps the retried member invocation in the
// scoring controller's loop when the step declares a policy.
func (e *Engine) executeWithScoring(ctx context.Context, ex *execution, step *ensemble.Step, m member.Member, meta *member.Metadata, input map[string]any, tmplCtx *template.Context) (any, error) {
	execute := func(ctx context.Context) (any, error) {
		return e.invokeWithRetry(ctx, ex, step, m, meta, input)
	}

	if step.Scoring == nil {
		return execute(ctx)
	}

	policy, err := e.scoringPolicy(ex, step, tmplCtx)
	if err != nil {
		return nil, err
	}

	outcome, err := e.scorer.Run(ctx, step.ID, policy, execute)
	if err != nil {
		return nil, err
	}
	ex.recordScore(step.ID, outcome.Report)
	ex.metrics.recordRetries(outcome.RetryCount)

	if policy.TrackInState {
		ex.state.PutInternal("scoring."+step.ID, map[string]any{
			"score":      outcome.Report.Average,
			"passed":     outcome.Report.Passed,
			"retryCount": outcome.RetryCount,
		})
	}
	return outcome.Output, nil
}

// scoringPolicy merges the step's scoring definition with ensemble
// defaults and resolves the reference template.
func (e *Engine) scoringPolicy(ex *execution, step *ensemble.Step, tmplCtx *template.Context) (*scoring.Policy, error) {
	def := step.Scoring

	policy := &scoring.Policy{
		Evaluator:          def.Evaluator,
		Judge:              def.Judge,
		Aggregation:        def.Aggregation,
		RetryLimit:         def.RetryLimit,
		Backoff:            def.Backoff,
		InitialBackoff:     time.Duration(def.InitialBackoff * float64(time.Second)),
		RequireImprovement: def.RequireImprovement,
		MinImprovement:     def.MinImprovement,
		OnFailure:          def.OnFailure,
		TrackInState:       def.TrackInState,
	}
	for _, criterion := range def.Criteria {
		policy.Criteria = append(policy.Criteria, scoring.Criterion{
			Name:       criterion.Name,
			Expression: criterion.Expression,
			Metric:     criterion.Metric,
			Weight:     criterion.Weight,
		})
	}

	threshold := def.Threshold
	defaults := ex.def.Scoring
	if threshold == nil && defaults != nil {
		threshold = defaults.Threshold
	}
	if threshold != nil {
		policy.Threshold = scoring.Threshold{
			Minimum:   threshold.Minimum,
			Target:    threshold.Target,
			Excellent: threshold.Excellent,
		}
	}
	if policy.RetryLimit == 0 && defaults != nil {
		policy.RetryLimit = defaults.RetryLimit
	}
	if !policy.TrackInState && defaults != nil {
		policy.TrackInState = defaults.TrackInState
	}

	if def.Reference != "" {
		resolved, err := e.interp.Resolve(def.Reference, tmplCtx)
		if err != nil {
			return nil, err
		}
		policy.Reference = template.Stringify(resolved)
	}
	return policy, nil
}

// invokeWithRetry performs one logical member invocation, applying the
// step's retry policy for transient errors. Each attempt gets a fresh
// deadline.
func (e *Engine) invokeWithRetry(ctx context.Context, ex *execution, step *ensemble.Step, m member.Member, meta *member.Metadata, input map[string]any) (any, error) {
	attempts := 1
	var retry *ensemble.RetryDefinition
	if step.Retry != nil {
		retry = step.Retry
		if retry.Attempts > 1 {
			attempts = retry.Attempts
		}
	}

	timeout := time.Duration(step.Timeout) * time.Second
	if timeout == 0 && ex.def.DefaultTimeout > 0 {
		timeout = time.Duration(ex.def.DefaultTimeout) * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := e.invokeOnce(ctx, ex, step, m, input, timeout)
		if err != nil {
			lastErr = err
		} else if resp.Suspend != nil {
			return nil, &suspendError{
				stepID: step.ID,
				signal: resp.Suspend,
				payload: map[string]any{
					"reason": resp.Suspend.Reason,
				},
			}
		} else if resp.OK {
			return resp.Data, nil
		} else {
			lastErr = resp.Err(meta.Name, step.ID)
		}

		if attempt < attempts && retryable(lastErr, retry) {
			ex.metrics.recordRetries(1)
			e.logger.Debug("retrying member after transient failure",
				slog.String(log.ExecutionIDKey, ex.id),
				slog.String(log.StepIDKey, step.ID),
				slog.String(log.MemberKey, meta.Name),
				slog.Int("attempt", attempt),
				slog.String("error", lastErr.Error()))
			if err := sleepContext(ctx, retryDelay(retry, attempt)); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	return nil, lastErr
}

// invokeOnce runs a single member attempt under its deadline. A
// deadline overrun surfaces as a TimeoutError, which is retryable.
func (e *Engine) invokeOnce(ctx context.Context, ex *execution, step *ensemble.Step, m member.Member, input map[string]any, timeout time.Duration) (*member.Response, error) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req := &member.Request{
		Input: input,
		Env:   ex.env,
		Emit: func(name string, data map[string]any) {
			payload := map[string]any{"name": name}
			for k, v := range data {
				payload[k] = v
			}
			ex.emitter.Emit(ctx, EventKind("Member:"+name), step.ID, payload)
		},
	}

	resp := member.Invoke(attemptCtx, m, req)
	if !resp.OK && resp.Suspend == nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return nil, &errors.TimeoutError{Operation: "step " + step.ID, Duration: timeout}
	}
	return resp, nil
}

// retryable decides whether an error qualifies for another attempt
// under the step's retry policy.
func retryable(err error, retry *ensemble.RetryDefinition) bool {
	if err == nil {
		return false
	}
	kind := errors.Classify(err)
	if retry != nil && len(retry.RetryOn) > 0 {
		for _, k := range retry.RetryOn {
			if string(kind) == k {
				return true
			}
		}
		return false
	}
	return kind == errors.KindMemberFailure || kind == errors.KindTimeout
}

func retryDelay(retry *ensemble.RetryDefinition, attempt int) time.Duration {
	initial := time.Second
	strategy := ""
	if retry != nil {
		strategy = retry.Backoff
		if retry.InitialDelay > 0 {
			initial = time.Duration(retry.InitialDelay * float64(time.Second))
		}
	}
	switch strategy {
	case "linear":
		return initial * time.Duration(attempt)
	case "exponential":
		return initial * time.Duration(1<<(attempt-1))
	default:
		return initial
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// applyStateWrites maps the member output onto the step's declared set
// keys: a map output contributes matching fields; otherwise a single
// declared key receives the whole output.
func (e *Engine) applyStateWrites(handle *state.Handle, step *ensemble.Step, output any) error {
	if len(step.StateSet) == 0 {
		return nil
	}

	outMap, isMap := output.(map[string]any)
	for _, key := range step.StateSet {
		var value any
		switch {
		case isMap:
			v, ok := outMap[key]
			if !ok {
				continue
			}
			value = v
		case len(step.StateSet) == 1:
			value = output
		default:
			continue
		}
		if err := handle.Write(key, value); err != nil {
			return err
		}
	}
	return nil
}
