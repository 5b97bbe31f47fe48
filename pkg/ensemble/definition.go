// Package ensemble provides the data model for YAML-defined ensembles.
//
// An ensemble is a declarative pipeline of member invocations. The flow is
// either a linear sequence of steps or a graph of typed elements (parallel,
// branch, foreach, while, try, switch, map_reduce). Definitions are decoded
// from YAML, normalized (step IDs auto-assigned from member names) and
// validated before execution.
package ensemble

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tombee/maestro/pkg/errors"
)

// Definition represents a YAML-based ensemble definition.
//
// Name and Flow are required; everything else is optional. A definition
// whose flow contains only plain steps executes linearly in declared
// order; any typed element routes the ensemble to the graph scheduler.
type Definition struct {
	// Name is the ensemble identifier, unique within a project
	Name string `yaml:"name" json:"name"`

	// Description provides human-readable context about the ensemble
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Version tracks the ensemble definition version (optional)
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// State declares the shared state schema and initial values
	State *StateDefinition `yaml:"state,omitempty" json:"state,omitempty"`

	// Scoring is the default scoring policy inherited by scored steps
	Scoring *ScoringPolicy `yaml:"scoring,omitempty" json:"scoring,omitempty"`

	// Flow is the ordered sequence or graph of elements to execute
	Flow []FlowElement `yaml:"flow" json:"flow"`

	// Output is the template projected through the interpolator to
	// produce the final result
	Output map[string]any `yaml:"output,omitempty" json:"output,omitempty"`

	// Webhooks bind HTTP endpoints to this ensemble
	Webhooks []WebhookDefinition `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`

	// Schedules define cron-triggered invocations of this ensemble
	Schedules []ScheduleDefinition `yaml:"schedules,omitempty" json:"schedules,omitempty"`

	// DefaultTimeout is the per-step timeout in seconds when a step does
	// not declare its own (0 means no default)
	DefaultTimeout int `yaml:"default_timeout,omitempty" json:"default_timeout,omitempty"`
}

// StateDefinition declares the shared state bag.
type StateDefinition struct {
	// Schema maps state keys to their declared types
	// (string, number, boolean, object, array, null)
	Schema map[string]string `yaml:"schema,omitempty" json:"schema,omitempty"`

	// Initial provides initial values applied at ensemble start
	Initial map[string]any `yaml:"initial,omitempty" json:"initial,omitempty"`
}

// Step is one entry in an ensemble's flow, referencing a member.
type Step struct {
	// ID is the unique step identifier within this ensemble.
	// Optional: defaults to the member name, disambiguated by index
	// on repeats (see Definition.normalize).
	ID string `yaml:"id,omitempty" json:"id,omitempty"`

	// Member references the member to invoke: "name" or "name@version".
	// The version may be semver ("v1.2.3"), "latest", or a deployment label.
	Member string `yaml:"member" json:"member"`

	// Input is the input template resolved against the execution context
	Input map[string]any `yaml:"input,omitempty" json:"input,omitempty"`

	// StateUse lists the state keys this step may read
	StateUse []string `yaml:"state_use,omitempty" json:"state_use,omitempty"`

	// StateSet lists the state keys this step may write
	StateSet []string `yaml:"state_set,omitempty" json:"state_set,omitempty"`

	// Cache configures per-step result caching
	Cache *CacheDefinition `yaml:"cache,omitempty" json:"cache,omitempty"`

	// Scoring configures the quality gate for this step's output
	Scoring *ScoringDefinition `yaml:"scoring,omitempty" json:"scoring,omitempty"`

	// When is a condition controlling whether the step runs.
	// Accepts an expression ("inputs.mode == 'strict'") or a ${path}
	// reference whose resolved value is cast to boolean.
	When string `yaml:"when,omitempty" json:"when,omitempty"`

	// Timeout bounds a single member invocation, in seconds
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Retry configures retry behavior for transient member failures
	Retry *RetryDefinition `yaml:"retry,omitempty" json:"retry,omitempty"`

	// DependsOn lists step IDs that must complete before this step starts.
	// Only meaningful in graph flows.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
}

// CacheDefinition configures per-step result caching. Steps are cached
// by default; a cache block tunes TTL, tags, and bypass, or opts the
// step out with enabled: false.
type CacheDefinition struct {
	// Enabled turns caching off for this step when false; unset means on
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Bypass forces recomputation; the fresh result refreshes the cache
	Bypass bool `yaml:"bypass,omitempty" json:"bypass,omitempty"`

	// TTL is the entry lifetime in seconds (0 means no expiry)
	TTL int `yaml:"ttl,omitempty" json:"ttl,omitempty"`

	// Tags label the entry for tag-based invalidation
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// Disabled reports whether the step opted out of caching.
func (c *CacheDefinition) Disabled() bool {
	return c != nil && c.Enabled != nil && !*c.Enabled
}

// RetryDefinition configures member retry behavior for transient errors.
type RetryDefinition struct {
	// Attempts is the maximum number of attempts (including the first)
	Attempts int `yaml:"attempts" json:"attempts"`

	// Backoff is the delay strategy: "fixed", "linear", or "exponential"
	Backoff string `yaml:"backoff,omitempty" json:"backoff,omitempty"`

	// InitialDelay is the first retry delay in seconds
	InitialDelay float64 `yaml:"initial_delay,omitempty" json:"initial_delay,omitempty"`

	// RetryOn restricts retries to the listed error kinds
	// (e.g. "MemberFailure", "Timeout"). Empty means all transient errors.
	RetryOn []string `yaml:"retry_on,omitempty" json:"retry_on,omitempty"`
}

// ScoringPolicy is the ensemble-level default scoring configuration.
type ScoringPolicy struct {
	// Threshold is the default threshold applied to scored steps
	Threshold *ThresholdDefinition `yaml:"threshold,omitempty" json:"threshold,omitempty"`

	// RetryLimit is the default maximum scoring attempts per step
	RetryLimit int `yaml:"retry_limit,omitempty" json:"retry_limit,omitempty"`

	// TrackInState mirrors scores into reserved state keys
	TrackInState bool `yaml:"track_in_state,omitempty" json:"track_in_state,omitempty"`
}

// ScoringDefinition configures the quality gate for one step.
type ScoringDefinition struct {
	// Evaluator selects the evaluator kind: "rule", "nlp", "embedding", "judge"
	Evaluator string `yaml:"evaluator" json:"evaluator"`

	// Criteria are the weighted criteria evaluated against the output
	Criteria []CriterionDefinition `yaml:"criteria,omitempty" json:"criteria,omitempty"`

	// Reference is the reference text for nlp/embedding evaluators.
	// Supports ${...} interpolation.
	Reference string `yaml:"reference,omitempty" json:"reference,omitempty"`

	// Judge is the member reference for the judge evaluator
	Judge string `yaml:"judge,omitempty" json:"judge,omitempty"`

	// Threshold overrides the ensemble-level threshold
	Threshold *ThresholdDefinition `yaml:"threshold,omitempty" json:"threshold,omitempty"`

	// Aggregation combines criterion scores: "weighted-average" (default),
	// "minimum", or "geometric-mean"
	Aggregation string `yaml:"aggregation,omitempty" json:"aggregation,omitempty"`

	// RetryLimit is the maximum number of attempts (including the first)
	RetryLimit int `yaml:"retry_limit,omitempty" json:"retry_limit,omitempty"`

	// Backoff is the delay strategy between scoring attempts:
	// "fixed", "linear", or "exponential"
	Backoff string `yaml:"backoff,omitempty" json:"backoff,omitempty"`

	// InitialBackoff is the first retry delay in seconds
	InitialBackoff float64 `yaml:"initial_backoff,omitempty" json:"initial_backoff,omitempty"`

	// RequireImprovement aborts retries that do not improve the score
	RequireImprovement bool `yaml:"require_improvement,omitempty" json:"require_improvement,omitempty"`

	// MinImprovement is the minimum score delta a retry must achieve
	// when RequireImprovement is set
	MinImprovement float64 `yaml:"min_improvement,omitempty" json:"min_improvement,omitempty"`

	// OnFailure decides the outcome after retries are exhausted:
	// "continue", "abort" (default), or "retry"
	OnFailure string `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`

	// TrackInState mirrors the step score into reserved state keys
	TrackInState bool `yaml:"track_in_state,omitempty" json:"track_in_state,omitempty"`
}

// CriterionDefinition is one weighted scoring criterion.
type CriterionDefinition struct {
	// Name identifies the criterion in score breakdowns
	Name string `yaml:"name" json:"name"`

	// Expression is the rule expression for rule evaluators
	// (e.g. "length >= 40 && includes('summary')")
	Expression string `yaml:"expression,omitempty" json:"expression,omitempty"`

	// Metric selects the nlp metric for nlp evaluators: "bleu", "rouge-l",
	// "length-ratio". Empty means all three, averaged.
	Metric string `yaml:"metric,omitempty" json:"metric,omitempty"`

	// Weight is the criterion weight in aggregation (default 1.0)
	Weight float64 `yaml:"weight,omitempty" json:"weight,omitempty"`
}

// ThresholdDefinition declares score thresholds, all in [0,1] with
// minimum <= target <= excellent.
type ThresholdDefinition struct {
	Minimum   float64  `yaml:"minimum" json:"minimum"`
	Target    *float64 `yaml:"target,omitempty" json:"target,omitempty"`
	Excellent *float64 `yaml:"excellent,omitempty" json:"excellent,omitempty"`
}

// WebhookDefinition binds an HTTP endpoint to ensemble invocation or
// resumption.
type WebhookDefinition struct {
	// Path is the URL path the daemon serves
	Path string `yaml:"path" json:"path"`

	// Method is the HTTP method: POST or GET
	Method string `yaml:"method,omitempty" json:"method,omitempty"`

	// Auth selects the authentication scheme: "bearer", "signature", "basic"
	Auth string `yaml:"auth,omitempty" json:"auth,omitempty"`

	// Mode is "trigger" (body becomes ensemble input) or "resume"
	// (URL carries a resumption token, body becomes approval data)
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty"`

	// Async returns 202 immediately instead of waiting for completion
	Async bool `yaml:"async,omitempty" json:"async,omitempty"`

	// Timeout bounds synchronous handling, in seconds
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// ScheduleDefinition defines a cron-triggered invocation.
type ScheduleDefinition struct {
	// Name is the unique schedule identifier
	Name string `yaml:"name" json:"name"`

	// Cron is the standard 5-field cron expression
	Cron string `yaml:"cron" json:"cron"`

	// Input is the input map passed at each firing
	Input map[string]any `yaml:"input,omitempty" json:"input,omitempty"`

	// Enabled indicates if the schedule is active (default true)
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Timezone for cron evaluation (defaults to UTC)
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`
}

// ElementType tags the flow element variants.
type ElementType string

const (
	// ElementStep is a plain member invocation.
	ElementStep ElementType = "step"
	// ElementParallel executes children concurrently.
	ElementParallel ElementType = "parallel"
	// ElementBranch executes then/else based on a condition.
	ElementBranch ElementType = "branch"
	// ElementForeach instantiates its body per array item.
	ElementForeach ElementType = "foreach"
	// ElementWhile loops its body while a condition holds.
	ElementWhile ElementType = "while"
	// ElementTry runs steps with catch/finally handling.
	ElementTry ElementType = "try"
	// ElementSwitch dispatches on a resolved value.
	ElementSwitch ElementType = "switch"
	// ElementMapReduce maps over items then reduces the collected results.
	ElementMapReduce ElementType = "map_reduce"
)

// FlowElement is the tagged union of flow entries. Exactly one variant
// field is non-nil after decoding.
//
// In YAML, a mapping with a "member" key decodes as a Step; otherwise the
// "type" key selects the variant.
type FlowElement struct {
	Step      *Step             `json:"step,omitempty"`
	Parallel  *ParallelElement  `json:"parallel,omitempty"`
	Branch    *BranchElement    `json:"branch,omitempty"`
	Foreach   *ForeachElement   `json:"foreach,omitempty"`
	While     *WhileElement     `json:"while,omitempty"`
	Try       *TryElement       `json:"try,omitempty"`
	Switch    *SwitchElement    `json:"switch,omitempty"`
	MapReduce *MapReduceElement `json:"map_reduce,omitempty"`
}

// Type returns the element's type tag.
func (e *FlowElement) Type() ElementType {
	switch {
	case e.Step != nil:
		return ElementStep
	case e.Parallel != nil:
		return ElementParallel
	case e.Branch != nil:
		return ElementBranch
	case e.Foreach != nil:
		return ElementForeach
	case e.While != nil:
		return ElementWhile
	case e.Try != nil:
		return ElementTry
	case e.Switch != nil:
		return ElementSwitch
	case e.MapReduce != nil:
		return ElementMapReduce
	default:
		return ""
	}
}

// ID returns the element's identifier, empty if unset.
func (e *FlowElement) ID() string {
	switch {
	case e.Step != nil:
		return e.Step.ID
	case e.Parallel != nil:
		return e.Parallel.ID
	case e.Branch != nil:
		return e.Branch.ID
	case e.Foreach != nil:
		return e.Foreach.ID
	case e.While != nil:
		return e.While.ID
	case e.Try != nil:
		return e.Try.ID
	case e.Switch != nil:
		return e.Switch.ID
	case e.MapReduce != nil:
		return e.MapReduce.ID
	default:
		return ""
	}
}

// UnmarshalYAML decodes the union: a mapping with a "member" key is a
// Step; otherwise "type" selects the element variant.
func (e *FlowElement) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return &errors.ValidationError{
			Field:      "flow",
			Message:    "flow entries must be mappings",
			Suggestion: "each flow entry is a step (with a 'member' key) or a typed element (with a 'type' key)",
		}
	}

	var probe struct {
		Member string `yaml:"member"`
		Type   string `yaml:"type"`
	}
	if err := node.Decode(&probe); err != nil {
		return err
	}

	if probe.Member != "" {
		var step Step
		if err := node.Decode(&step); err != nil {
			return err
		}
		e.Step = &step
		return nil
	}

	switch ElementType(probe.Type) {
	case ElementParallel:
		var v ParallelElement
		if err := node.Decode(&v); err != nil {
			return err
		}
		e.Parallel = &v
	case ElementBranch:
		var v BranchElement
		if err := node.Decode(&v); err != nil {
			return err
		}
		e.Branch = &v
	case ElementForeach:
		var v ForeachElement
		if err := node.Decode(&v); err != nil {
			return err
		}
		e.Foreach = &v
	case ElementWhile:
		var v WhileElement
		if err := node.Decode(&v); err != nil {
			return err
		}
		e.While = &v
	case ElementTry:
		var v TryElement
		if err := node.Decode(&v); err != nil {
			return err
		}
		e.Try = &v
	case ElementSwitch:
		var v SwitchElement
		if err := node.Decode(&v); err != nil {
			return err
		}
		e.Switch = &v
	case ElementMapReduce:
		var v MapReduceElement
		if err := node.Decode(&v); err != nil {
			return err
		}
		e.MapReduce = &v
	case "", ElementStep:
		return &errors.ValidationError{
			Field:      "flow",
			Message:    "flow entry has neither 'member' nor a recognized 'type'",
			Suggestion: "add a 'member' key for a step, or set type to one of: parallel, branch, foreach, while, try, switch, map_reduce",
		}
	default:
		return &errors.ValidationError{
			Field:      "flow",
			Message:    fmt.Sprintf("unknown flow element type: %s", probe.Type),
			Suggestion: "use one of: parallel, branch, foreach, while, try, switch, map_reduce",
		}
	}

	return nil
}

// MarshalYAML re-emits the active variant as a plain mapping.
func (e FlowElement) MarshalYAML() (any, error) {
	switch {
	case e.Step != nil:
		return e.Step, nil
	case e.Parallel != nil:
		return withType(ElementParallel, e.Parallel)
	case e.Branch != nil:
		return withType(ElementBranch, e.Branch)
	case e.Foreach != nil:
		return withType(ElementForeach, e.Foreach)
	case e.While != nil:
		return withType(ElementWhile, e.While)
	case e.Try != nil:
		return withType(ElementTry, e.Try)
	case e.Switch != nil:
		return withType(ElementSwitch, e.Switch)
	case e.MapReduce != nil:
		return withType(ElementMapReduce, e.MapReduce)
	default:
		return nil, fmt.Errorf("empty flow element")
	}
}

// withType re-marshals an element variant with its type tag restored.
func withType(t ElementType, v any) (any, error) {
	raw, err := yaml.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	m["type"] = string(t)
	return m, nil
}

// ParallelElement executes its children concurrently.
type ParallelElement struct {
	ID string `yaml:"id,omitempty" json:"id,omitempty"`

	// WaitFor is "all" (default; fail if any child fails) or "any"
	// (first success wins, siblings are cancelled)
	WaitFor string `yaml:"wait_for,omitempty" json:"wait_for,omitempty"`

	// MaxConcurrency caps simultaneous children (0 means unbounded)
	MaxConcurrency int `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`

	// Steps are the children executed concurrently
	Steps []FlowElement `yaml:"steps" json:"steps"`

	// Timeout bounds the whole block, in seconds
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// BranchElement evaluates a condition and executes then or else.
type BranchElement struct {
	ID string `yaml:"id,omitempty" json:"id,omitempty"`

	// Condition is an expression or ${path} reference cast to boolean
	Condition string `yaml:"condition" json:"condition"`

	Then []FlowElement `yaml:"then,omitempty" json:"then,omitempty"`
	Else []FlowElement `yaml:"else,omitempty" json:"else,omitempty"`
}

// ForeachElement instantiates its body once per item of a resolved array.
// The body sees ${item}, ${index} and ${total} bindings.
type ForeachElement struct {
	ID string `yaml:"id,omitempty" json:"id,omitempty"`

	// Items is a ${path} reference or expression resolving to an array
	Items string `yaml:"items" json:"items"`

	// MaxConcurrency caps simultaneous iterations (0 means unbounded)
	MaxConcurrency int `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`

	// BreakWhen stops issuing new items once it resolves to true;
	// in-flight items run to completion
	BreakWhen string `yaml:"break_when,omitempty" json:"break_when,omitempty"`

	// Steps are the body executed per item
	Steps []FlowElement `yaml:"steps" json:"steps"`
}

// WhileElement loops its body while a condition holds.
type WhileElement struct {
	ID string `yaml:"id,omitempty" json:"id,omitempty"`

	// Condition is re-evaluated before each iteration
	Condition string `yaml:"condition" json:"condition"`

	// MaxIterations is a mandatory safety cap (default 1000);
	// exceeding it is a terminal error
	MaxIterations int `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`

	// Steps are the loop body
	Steps []FlowElement `yaml:"steps" json:"steps"`
}

// DefaultMaxIterations is the while safety cap applied when the
// definition does not declare one.
const DefaultMaxIterations = 1000

// TryElement runs steps with failure handling. Catch runs on failure with
// the error bound to ${error}; Finally always runs on exit.
type TryElement struct {
	ID string `yaml:"id,omitempty" json:"id,omitempty"`

	Steps   []FlowElement `yaml:"steps" json:"steps"`
	Catch   []FlowElement `yaml:"catch,omitempty" json:"catch,omitempty"`
	Finally []FlowElement `yaml:"finally,omitempty" json:"finally,omitempty"`
}

// SwitchElement dispatches on a resolved value. Case keys are compared
// as strings.
type SwitchElement struct {
	ID string `yaml:"id,omitempty" json:"id,omitempty"`

	// Value is a ${path} reference or expression
	Value string `yaml:"value" json:"value"`

	Cases   map[string][]FlowElement `yaml:"cases" json:"cases"`
	Default []FlowElement            `yaml:"default,omitempty" json:"default,omitempty"`
}

// MapReduceElement runs map per item bounded by MaxConcurrency, collects
// results into an array, then runs reduce once with ${items} bound to
// that array.
type MapReduceElement struct {
	ID string `yaml:"id,omitempty" json:"id,omitempty"`

	// Items is a ${path} reference or expression resolving to an array
	Items string `yaml:"items" json:"items"`

	// MaxConcurrency caps simultaneous map executions (0 means unbounded)
	MaxConcurrency int `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`

	Map    []FlowElement `yaml:"map" json:"map"`
	Reduce []FlowElement `yaml:"reduce" json:"reduce"`
}

// Parse decodes and normalizes an ensemble definition from YAML.
// The returned definition has step IDs assigned but is not yet validated;
// call Validate before executing.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &errors.ValidationError{
			Field:      "yaml",
			Message:    fmt.Sprintf("failed to parse ensemble definition: %s", err.Error()),
			Suggestion: "check YAML syntax and indentation",
		}
	}
	def.normalize()
	return &def, nil
}

// Load reads and parses an ensemble definition from a file.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.ConfigError{
			Key:    "ensemble",
			Reason: fmt.Sprintf("cannot read %s", path),
			Cause:  err,
		}
	}
	return Parse(data)
}

// HasGraphConstructs reports whether the flow contains any typed element
// or dependsOn declaration, requiring the graph scheduler.
func (d *Definition) HasGraphConstructs() bool {
	for i := range d.Flow {
		e := &d.Flow[i]
		if e.Type() != ElementStep {
			return true
		}
		if len(e.Step.DependsOn) > 0 {
			return true
		}
	}
	return false
}

// normalize assigns IDs to steps and elements that lack one. A step's ID
// defaults to its member name (without version); repeats are disambiguated
// by index: "upper", "upper_2", "upper_3".
func (d *Definition) normalize() {
	seen := make(map[string]int)
	var walk func(elems []FlowElement)

	assign := func(id *string, base string) {
		if *id != "" {
			// Explicit IDs still claim their name so later auto-IDs
			// do not collide with them.
			seen[*id]++
			return
		}
		seen[base]++
		if n := seen[base]; n > 1 {
			*id = fmt.Sprintf("%s_%d", base, n)
		} else {
			*id = base
		}
	}

	walk = func(elems []FlowElement) {
		for i := range elems {
			e := &elems[i]
			switch {
			case e.Step != nil:
				name, _ := SplitMemberRef(e.Step.Member)
				assign(&e.Step.ID, name)
			case e.Parallel != nil:
				assign(&e.Parallel.ID, "parallel")
				walk(e.Parallel.Steps)
			case e.Branch != nil:
				assign(&e.Branch.ID, "branch")
				walk(e.Branch.Then)
				walk(e.Branch.Else)
			case e.Foreach != nil:
				assign(&e.Foreach.ID, "foreach")
				walk(e.Foreach.Steps)
			case e.While != nil:
				assign(&e.While.ID, "while")
				walk(e.While.Steps)
			case e.Try != nil:
				assign(&e.Try.ID, "try")
				walk(e.Try.Steps)
				walk(e.Try.Catch)
				walk(e.Try.Finally)
			case e.Switch != nil:
				assign(&e.Switch.ID, "switch")
				for _, caseElems := range e.Switch.Cases {
					walk(caseElems)
				}
				walk(e.Switch.Default)
			case e.MapReduce != nil:
				assign(&e.MapReduce.ID, "map_reduce")
				walk(e.MapReduce.Map)
				walk(e.MapReduce.Reduce)
			}
		}
	}

	walk(d.Flow)
}
