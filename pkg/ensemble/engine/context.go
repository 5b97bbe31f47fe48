package engine

import (
	"sync"
	"time"

	"github.com/tombee/maestro/pkg/ensemble"
	"github.com/tombee/maestro/pkg/ensemble/scoring"
	"github.com/tombee/maestro/pkg/ensemble/state"
	"github.com/tombee/maestro/pkg/ensemble/template"
)

// MemberTiming records one member invocation for metrics.
type MemberTiming struct {
	StepID     string `json:"stepId"`
	Member     string `json:"member"`
	DurationMs int64  `json:"durationMs"`
	CacheHit   bool   `json:"cacheHit"`
}

// Metrics accumulates counters over one execution.
type Metrics struct {
	mu            sync.Mutex
	StartTime     time.Time      `json:"startTime"`
	DurationMs    int64          `json:"durationMs"`
	CacheHits     int            `json:"cacheHits"`
	Retries       int            `json:"retries"`
	MemberTimings []MemberTiming `json:"memberTimings"`
}

func (m *Metrics) recordTiming(t MemberTiming) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MemberTimings = append(m.MemberTimings, t)
	if t.CacheHit {
		m.CacheHits++
	}
}

func (m *Metrics) recordRetries(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Retries += n
}

// execution is the mutable per-run context. Outputs and scoring are
// guarded by mu because graph blocks write them concurrently.
type execution struct {
	id  string
	def *ensemble.Definition

	input map[string]any
	env   map[string]any
	state *state.Store

	mu        sync.Mutex
	outputs   map[string]any
	scores    map[string]*scoring.ScoreReport
	completed map[string]bool

	emitter *Emitter
	metrics *Metrics

	// pins holds cache observations for the run, so a TTL expiry
	// mid-run cannot produce two different values for one fingerprint.
	pins *cachePins
}

// cachePins is shared across child scopes of one execution.
type cachePins struct {
	mu   sync.Mutex
	seen map[string]any
}

func (ex *execution) recordOutput(stepID string, output any) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.outputs[stepID] = output
	ex.completed[stepID] = true
}

func (ex *execution) recordScore(stepID string, report *scoring.ScoreReport) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.scores[stepID] = report
}

func (ex *execution) clearCompleted(stepIDs []string) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	for _, id := range stepIDs {
		delete(ex.completed, id)
	}
}

func (ex *execution) isCompleted(stepID string) bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.completed[stepID]
}

// outputsSnapshot copies the outputs map for template resolution.
func (ex *execution) outputsSnapshot() map[string]any {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	snap := make(map[string]any, len(ex.outputs))
	for k, v := range ex.outputs {
		snap[k] = v
	}
	return snap
}

// templateContext builds the layered lookup context for a step. The
// state layer is the step's permitted view; bindings carry
// block-scoped values.
func (ex *execution) templateContext(stateView map[string]any, bindings map[string]any) *template.Context {
	return &template.Context{
		Input:    ex.input,
		State:    stateView,
		Outputs:  ex.outputsSnapshot(),
		Env:      ex.env,
		Bindings: bindings,
	}
}

// childScope clones the execution with an isolated copy of outputs and
// completion tracking, sharing state, cache pins, metrics, and the
// emitter. Concurrent foreach and map iterations run in child scopes
// so instances of the same body never observe each other's outputs.
func (ex *execution) childScope() *execution {
	ex.mu.Lock()
	outputs := make(map[string]any, len(ex.outputs))
	for k, v := range ex.outputs {
		outputs[k] = v
	}
	completed := make(map[string]bool, len(ex.completed))
	for k, v := range ex.completed {
		completed[k] = v
	}
	ex.mu.Unlock()

	child := &execution{
		id:        ex.id,
		def:       ex.def,
		input:     ex.input,
		env:       ex.env,
		state:     ex.state,
		outputs:   outputs,
		scores:    make(map[string]*scoring.ScoreReport),
		completed: completed,
		emitter:   ex.emitter,
		metrics:   ex.metrics,
		// Cache pins stay shared so I2 holds across scopes.
		pins: ex.pins,
	}
	return child
}

func (ex *execution) cacheSeen(fingerprint string) (any, bool) {
	ex.pins.mu.Lock()
	defer ex.pins.mu.Unlock()
	v, ok := ex.pins.seen[fingerprint]
	return v, ok
}

func (ex *execution) rememberCache(fingerprint string, value any) {
	ex.pins.mu.Lock()
	defer ex.pins.mu.Unlock()
	ex.pins.seen[fingerprint] = value
}
