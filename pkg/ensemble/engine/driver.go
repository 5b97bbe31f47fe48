// Package engine executes ensemble definitions: it resolves member
// references, walks linear or graph flows, enforces state permissions
// and scoring gates, and manages suspension and resumption.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/maestro/internal/historystore"
	"github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/pkg/ensemble"
	"github.com/tombee/maestro/pkg/ensemble/cache"
	"github.com/tombee/maestro/pkg/ensemble/expression"
	"github.com/tombee/maestro/pkg/ensemble/member"
	"github.com/tombee/maestro/pkg/ensemble/scoring"
	"github.com/tombee/maestro/pkg/ensemble/state"
	"github.com/tombee/maestro/pkg/ensemble/template"
	"github.com/tombee/maestro/pkg/errors"

	"github.com/tombee/maestro/internal/framestore"
)

// Result statuses.
const (
	StatusCompleted = "completed"
	StatusSuspended = "suspended"
	StatusFailed    = "failed"
)

// ErrorDetail is the structured failure reported in a Result.
type ErrorDetail struct {
	Kind    errors.Kind    `json:"kind"`
	Message string         `json:"message"`
	Step    string         `json:"step,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Result is the final outcome of an execution.
type Result struct {
	OK          bool         `json:"ok"`
	Status      string       `json:"status"`
	Data        any          `json:"data,omitempty"`
	Error       *ErrorDetail `json:"error,omitempty"`
	Metrics     *Metrics     `json:"metrics"`
	ExecutionID string       `json:"executionId"`

	// Suspension fields, set when Status is "suspended"
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`

	// PartialOutputs carries committed step outputs of a failed run
	PartialOutputs map[string]any `json:"partialOutputs,omitempty"`
}

// Config wires an Engine's collaborators.
type Config struct {
	Registry *member.Registry
	Frames   framestore.Store
	History  historystore.Store
	Logger   *slog.Logger

	// Env is the frozen deployment environment visible to templates
	// and members
	Env map[string]any
}

// Engine runs ensembles. One engine serves many concurrent executions;
// the cache is shared across them.
type Engine struct {
	registry *member.Registry
	cache    *cache.Cache
	interp   *template.Interpolator
	exprEval *expression.Evaluator
	scorer   *scoring.Controller
	suspends *SuspendManager
	history  historystore.Store
	logger   *slog.Logger
	env      map[string]any
}

// New creates an engine. A nil frame store falls back to an in-memory
// one; a nil registry gets the builtin members.
func New(cfg Config) (*Engine, error) {
	registry := cfg.Registry
	if registry == nil {
		registry = member.NewRegistry()
		if err := member.RegisterBuiltins(registry); err != nil {
			return nil, err
		}
	}
	frames := cfg.Frames
	if frames == nil {
		frames = framestore.NewMemory()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		registry: registry,
		cache:    cache.New(),
		interp:   template.New(),
		exprEval: expression.New(),
		scorer:   scoring.NewController(registry, logger),
		suspends: NewSuspendManager(frames),
		history:  cfg.History,
		logger:   logger,
		env:      cfg.Env,
	}, nil
}

// Cache exposes the shared step cache for tag invalidation.
func (e *Engine) Cache() *cache.Cache { return e.cache }

// Suspends exposes the suspend manager for the approval protocol.
func (e *Engine) Suspends() *SuspendManager { return e.suspends }

// Trace returns an execution's event history.
func (e *Engine) Trace(ctx context.Context, executionID string) ([]historystore.Record, error) {
	if e.history == nil {
		return nil, nil
	}
	return e.history.Trace(ctx, executionID)
}

// Execute runs an ensemble with the given input and returns its
// result. Validation failures surface before any step runs.
func (e *Engine) Execute(ctx context.Context, def *ensemble.Definition, input map[string]any) (*Result, error) {
	executionID := uuid.NewString()

	if err := e.prepare(def); err != nil {
		return failedResult(executionID, err, nil), nil
	}

	ex, err := e.newExecution(executionID, def, input, nil)
	if err != nil {
		return failedResult(executionID, err, nil), nil
	}

	ex.emitter.Emit(ctx, EventEnsembleStarted, "", map[string]any{
		"ensemble": def.Name,
		"input":    input,
	})
	return e.run(ctx, ex, 0), nil
}

// Resume continues a suspended execution from its frame. Only approved
// frames proceed; the approval data becomes the suspended step's
// output, and the step's declared state writes commit from it exactly
// as they would from a member response.
func (e *Engine) Resume(ctx context.Context, def *ensemble.Definition, token string) (*Result, error) {
	frame, err := e.suspends.Get(ctx, token)
	if err != nil {
		return nil, err
	}

	switch frame.Status {
	case FrameRejected:
		return nil, &errors.TransitionError{Token: token, From: FrameRejected, To: "resumed"}
	case FramePending:
		return nil, &errors.TokenError{Token: token, Reason: "frame is pending approval"}
	}

	if def.Name != frame.Ensemble {
		return nil, &errors.ValidationError{
			Field:   "ensemble",
			Message: "definition does not match the suspended frame",
		}
	}
	if err := e.prepare(def); err != nil {
		return nil, err
	}

	ex, err := e.newExecution(frame.ExecutionID, def, frame.Input, frame)
	if err != nil {
		return nil, err
	}

	// The gate step completes with the reviewer's data as its output.
	var approvalOutput any = map[string]any{"approved": true, "actor": frame.Actor}
	if frame.ApprovalData != nil {
		approvalOutput = frame.ApprovalData
	}
	ex.recordOutput(frame.SuspendedBy, approvalOutput)

	if step := findStep(def.Flow, frame.SuspendedBy); step != nil && len(step.StateSet) > 0 {
		handle := ex.state.BeginStep(step.ID, step.StateUse, step.StateSet)
		if err := e.applyStateWrites(handle, step, approvalOutput); err != nil {
			handle.Abort()
			return nil, err
		}
		if err := handle.Commit(ctx); err != nil {
			return nil, err
		}
	}

	ex.emitter.Emit(ctx, EventResumed, frame.SuspendedBy, map[string]any{
		"token": token,
		"actor": frame.Actor,
	})

	result := e.run(ctx, ex, frame.ResumeAtIndex+1)
	if result.Status != StatusSuspended {
		if err := e.suspends.Delete(ctx, token); err != nil {
			e.logger.Warn("failed to delete consumed frame",
				slog.String(log.TokenKey, token),
				slog.String("error", err.Error()))
		}
	}
	return result, nil
}

// prepare validates a definition and checks that every member
// reference resolves.
func (e *Engine) prepare(def *ensemble.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	for _, ref := range collectMemberRefs(def.Flow) {
		if _, err := e.registry.Resolve(ref); err != nil {
			return err
		}
	}
	if !isLinear(def) {
		return planGraph(def)
	}
	return nil
}

func (e *Engine) newExecution(executionID string, def *ensemble.Definition, input map[string]any, frame *SuspendedFrame) (*execution, error) {
	var schema map[string]string
	var initial map[string]any
	if def.State != nil {
		schema = def.State.Schema
		initial = def.State.Initial
	}
	st, err := state.New(schema, initial)
	if err != nil {
		return nil, err
	}

	ex := &execution{
		id:        executionID,
		def:       def,
		input:     input,
		env:       e.env,
		state:     st,
		outputs:   make(map[string]any),
		scores:    make(map[string]*scoring.ScoreReport),
		completed: make(map[string]bool),
		emitter:   NewEmitter(executionID, e.history, e.logger),
		metrics:   &Metrics{StartTime: time.Now().UTC()},
		pins:      &cachePins{seen: make(map[string]any)},
	}

	if frame != nil {
		if err := st.Restore(frame.State); err != nil {
			return nil, err
		}
		for id, output := range frame.Outputs {
			ex.recordOutput(id, output)
		}
		for id, report := range frame.Scores {
			ex.recordScore(id, report)
		}
		if frame.Metrics != nil {
			ex.metrics.CacheHits = frame.Metrics.CacheHits
			ex.metrics.Retries = frame.Metrics.Retries
			ex.metrics.MemberTimings = frame.Metrics.MemberTimings
		}
	}
	return ex, nil
}

// run drives the flow, handles suspension, and projects the output.
func (e *Engine) run(ctx context.Context, ex *execution, startIndex int) *Result {
	var err error
	if isLinear(ex.def) {
		err = e.runLinear(ctx, ex, startIndex)
	} else {
		err = e.runGraph(ctx, ex)
	}

	// Reject late commits from cancelled stragglers.
	ex.state.Seal()
	ex.metrics.DurationMs = time.Since(ex.metrics.StartTime).Milliseconds()

	if suspend, ok := err.(*suspendError); ok {
		return e.suspendResult(ctx, ex, suspend)
	}
	if err != nil {
		detail := &ErrorDetail{
			Kind:    errors.Classify(err),
			Message: err.Error(),
		}
		if stepErr, ok := err.(*stepError); ok {
			detail.Step = stepErr.stepID
		}
		if suggestion := errors.Suggestion(err); suggestion != "" {
			detail.Details = map[string]any{"suggestion": suggestion}
		}
		ex.emitter.Emit(ctx, EventEnsembleFailed, detail.Step, map[string]any{
			"kind":    string(detail.Kind),
			"message": detail.Message,
		})
		return &Result{
			OK:             false,
			Status:         StatusFailed,
			Error:          detail,
			Metrics:        ex.metrics,
			ExecutionID:    ex.id,
			PartialOutputs: ex.outputsSnapshot(),
		}
	}

	data, projErr := e.projectOutput(ex)
	if projErr != nil {
		return failedResult(ex.id, projErr, ex.metrics)
	}

	ex.emitter.Emit(ctx, EventEnsembleCompleted, "", map[string]any{
		"durationMs": ex.metrics.DurationMs,
	})
	return &Result{
		OK:          true,
		Status:      StatusCompleted,
		Data:        data,
		Metrics:     ex.metrics,
		ExecutionID: ex.id,
	}
}

// suspendResult captures a frame for a suspend signal and reports the
// token to the caller.
func (e *Engine) suspendResult(ctx context.Context, ex *execution, suspend *suspendError) *Result {
	resumeAt := 0
	if idx, ok := suspend.payload["resumeAtIndex"].(int); ok {
		resumeAt = idx
	}

	var completed []string
	ex.mu.Lock()
	for id, done := range ex.completed {
		if done {
			completed = append(completed, id)
		}
	}
	ex.mu.Unlock()

	frame := &SuspendedFrame{
		Ensemble:      ex.def.Name,
		Version:       ex.def.Version,
		ExecutionID:   ex.id,
		Reason:        suspend.signal.Reason,
		SuspendedBy:   suspend.stepID,
		ResumeAtIndex: resumeAt,
		Completed:     completed,
		Input:         ex.input,
		Env:           nil, // env is re-injected by the engine on resume
		State:         ex.state.Snapshot(),
		Outputs:       ex.outputsSnapshot(),
		Scores:        ex.scores,
		Metrics:       ex.metrics,
		Metadata:      suspend.signal.Metadata,
	}

	token, expiresAt, err := e.suspends.Suspend(ctx, frame, suspend.signal.TTL)
	if err != nil {
		return failedResult(ex.id, err, ex.metrics)
	}

	e.logger.Info("execution suspended",
		slog.String(log.ExecutionIDKey, ex.id),
		slog.String(log.StepIDKey, suspend.stepID),
		slog.String(log.TokenKey, token))

	return &Result{
		OK:          true,
		Status:      StatusSuspended,
		Token:       token,
		ExpiresAt:   expiresAt,
		Metrics:     ex.metrics,
		ExecutionID: ex.id,
	}
}

// projectOutput resolves the ensemble's output template. An absent
// template yields an empty object.
func (e *Engine) projectOutput(ex *execution) (any, error) {
	if ex.def.Output == nil {
		return map[string]any{}, nil
	}
	tmplCtx := ex.templateContext(ex.state.Snapshot(), nil)
	return e.interp.ResolveMap(ex.def.Output, tmplCtx)
}

func failedResult(executionID string, err error, metrics *Metrics) *Result {
	if metrics == nil {
		metrics = &Metrics{StartTime: time.Now().UTC()}
	}
	detail := &ErrorDetail{
		Kind:    errors.Classify(err),
		Message: err.Error(),
	}
	if stepErr, ok := err.(*stepError); ok {
		detail.Step = stepErr.stepID
	}
	return &Result{
		OK:          false,
		Status:      StatusFailed,
		Error:       detail,
		Metrics:     metrics,
		ExecutionID: executionID,
	}
}

// findStep locates a step by ID anywhere in a flow, including inside
// nested blocks.
func findStep(elements []ensemble.FlowElement, id string) *ensemble.Step {
	for i := range elements {
		el := &elements[i]
		var found *ensemble.Step
		switch {
		case el.Step != nil:
			if el.Step.ID == id {
				found = el.Step
			}
		case el.Parallel != nil:
			found = findStep(el.Parallel.Steps, id)
		case el.Branch != nil:
			if found = findStep(el.Branch.Then, id); found == nil {
				found = findStep(el.Branch.Else, id)
			}
		case el.Foreach != nil:
			found = findStep(el.Foreach.Steps, id)
		case el.While != nil:
			found = findStep(el.While.Steps, id)
		case el.Try != nil:
			if found = findStep(el.Try.Steps, id); found == nil {
				if found = findStep(el.Try.Catch, id); found == nil {
					found = findStep(el.Try.Finally, id)
				}
			}
		case el.Switch != nil:
			for _, block := range el.Switch.Cases {
				if found = findStep(block, id); found != nil {
					break
				}
			}
			if found == nil {
				found = findStep(el.Switch.Default, id)
			}
		case el.MapReduce != nil:
			if found = findStep(el.MapReduce.Map, id); found == nil {
				found = findStep(el.MapReduce.Reduce, id)
			}
		}
		if found != nil {
			return found
		}
	}
	return nil
}

// collectMemberRefs walks a flow and returns every member reference,
// including those nested in blocks.
func collectMemberRefs(elements []ensemble.FlowElement) []string {
	var refs []string
	for i := range elements {
		el := &elements[i]
		switch {
		case el.Step != nil:
			refs = append(refs, el.Step.Member)
		case el.Parallel != nil:
			refs = append(refs, collectMemberRefs(el.Parallel.Steps)...)
		case el.Branch != nil:
			refs = append(refs, collectMemberRefs(el.Branch.Then)...)
			refs = append(refs, collectMemberRefs(el.Branch.Else)...)
		case el.Foreach != nil:
			refs = append(refs, collectMemberRefs(el.Foreach.Steps)...)
		case el.While != nil:
			refs = append(refs, collectMemberRefs(el.While.Steps)...)
		case el.Try != nil:
			refs = append(refs, collectMemberRefs(el.Try.Steps)...)
			refs = append(refs, collectMemberRefs(el.Try.Catch)...)
			refs = append(refs, collectMemberRefs(el.Try.Finally)...)
		case el.Switch != nil:
			for _, block := range el.Switch.Cases {
				refs = append(refs, collectMemberRefs(block)...)
			}
			refs = append(refs, collectMemberRefs(el.Switch.Default)...)
		case el.MapReduce != nil:
			refs = append(refs, collectMemberRefs(el.MapReduce.Map)...)
			refs = append(refs, collectMemberRefs(el.MapReduce.Reduce)...)
		}
	}
	return refs
}
