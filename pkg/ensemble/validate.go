package ensemble

import (
	"fmt"

	"github.com/tombee/maestro/pkg/errors"
)

// stateTypes is the set of types a state schema may declare.
var stateTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "null": true,
}

// Validate checks the definition for structural problems. It covers
// everything detectable without executing: identifier uniqueness, member
// reference grammar, threshold ordering, element shape, webhook and
// schedule fields. Graph-level checks (cycles, conflicting concurrent
// writers) happen at planning time.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return &errors.ValidationError{
			Field:   "name",
			Message: "ensemble name is required",
		}
	}
	if len(d.Flow) == 0 {
		// An empty flow is legal: it returns {} immediately. But a nil
		// flow key in YAML usually signals a typo, so only allow the
		// explicit empty list.
		if d.Flow == nil {
			return &errors.ValidationError{
				Field:      "flow",
				Message:    "flow is required",
				Suggestion: "add a flow list with at least one step, or an explicit empty list",
			}
		}
	}

	if d.State != nil {
		for key, typ := range d.State.Schema {
			if !stateTypes[typ] {
				return &errors.ValidationError{
					Field:      fmt.Sprintf("state.schema.%s", key),
					Message:    fmt.Sprintf("unknown state type: %s", typ),
					Suggestion: "use one of: string, number, boolean, object, array, null",
				}
			}
		}
	}

	if d.Scoring != nil && d.Scoring.Threshold != nil {
		if err := d.Scoring.Threshold.validate("scoring.threshold"); err != nil {
			return err
		}
	}

	ids := make(map[string]bool)
	if err := validateElements(d.Flow, ids); err != nil {
		return err
	}

	for i := range d.Webhooks {
		if err := d.Webhooks[i].validate(); err != nil {
			return err
		}
	}
	for i := range d.Schedules {
		if err := d.Schedules[i].validate(); err != nil {
			return err
		}
	}

	return nil
}

// validate checks threshold ordering: minimum <= target <= excellent,
// all in [0,1].
func (t *ThresholdDefinition) validate(field string) error {
	inRange := func(v float64) bool { return v >= 0 && v <= 1 }

	if !inRange(t.Minimum) {
		return &errors.ValidationError{
			Field:   field + ".minimum",
			Message: fmt.Sprintf("threshold %.3f outside [0,1]", t.Minimum),
		}
	}
	prev := t.Minimum
	if t.Target != nil {
		if !inRange(*t.Target) || *t.Target < prev {
			return &errors.ValidationError{
				Field:      field + ".target",
				Message:    "target must be in [0,1] and >= minimum",
				Suggestion: "order thresholds as minimum <= target <= excellent",
			}
		}
		prev = *t.Target
	}
	if t.Excellent != nil {
		if !inRange(*t.Excellent) || *t.Excellent < prev {
			return &errors.ValidationError{
				Field:      field + ".excellent",
				Message:    "excellent must be in [0,1] and >= target",
				Suggestion: "order thresholds as minimum <= target <= excellent",
			}
		}
	}
	return nil
}

// validateElements walks the flow tree checking each element and
// collecting IDs for uniqueness.
func validateElements(elems []FlowElement, ids map[string]bool) error {
	claim := func(id string) error {
		if id == "" {
			return nil
		}
		if ids[id] {
			return &errors.ValidationError{
				Field:      "flow",
				Message:    fmt.Sprintf("duplicate step id: %s", id),
				Suggestion: "give each flow element a unique id",
			}
		}
		ids[id] = true
		return nil
	}

	for i := range elems {
		e := &elems[i]
		if err := claim(e.ID()); err != nil {
			return err
		}

		switch {
		case e.Step != nil:
			if err := validateStep(e.Step); err != nil {
				return err
			}
		case e.Parallel != nil:
			p := e.Parallel
			if p.WaitFor != "" && p.WaitFor != "all" && p.WaitFor != "any" {
				return &errors.ValidationError{
					Field:      fmt.Sprintf("flow.%s.wait_for", p.ID),
					Message:    fmt.Sprintf("unknown wait_for: %s", p.WaitFor),
					Suggestion: "use 'all' or 'any'",
				}
			}
			if len(p.Steps) == 0 {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("flow.%s.steps", p.ID),
					Message: "parallel element has no children",
				}
			}
			if err := validateElements(p.Steps, ids); err != nil {
				return err
			}
		case e.Branch != nil:
			b := e.Branch
			if b.Condition == "" {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("flow.%s.condition", b.ID),
					Message: "branch requires a condition",
				}
			}
			if err := validateElements(b.Then, ids); err != nil {
				return err
			}
			if err := validateElements(b.Else, ids); err != nil {
				return err
			}
		case e.Foreach != nil:
			f := e.Foreach
			if f.Items == "" {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("flow.%s.items", f.ID),
					Message: "foreach requires items",
				}
			}
			if len(f.Steps) == 0 {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("flow.%s.steps", f.ID),
					Message: "foreach element has no body",
				}
			}
			if err := validateElements(f.Steps, ids); err != nil {
				return err
			}
		case e.While != nil:
			w := e.While
			if w.Condition == "" {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("flow.%s.condition", w.ID),
					Message: "while requires a condition",
				}
			}
			if w.MaxIterations < 0 {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("flow.%s.max_iterations", w.ID),
					Message: "max_iterations must be positive",
				}
			}
			if err := validateElements(w.Steps, ids); err != nil {
				return err
			}
		case e.Try != nil:
			t := e.Try
			if len(t.Steps) == 0 {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("flow.%s.steps", t.ID),
					Message: "try element has no body",
				}
			}
			if err := validateElements(t.Steps, ids); err != nil {
				return err
			}
			if err := validateElements(t.Catch, ids); err != nil {
				return err
			}
			if err := validateElements(t.Finally, ids); err != nil {
				return err
			}
		case e.Switch != nil:
			s := e.Switch
			if s.Value == "" {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("flow.%s.value", s.ID),
					Message: "switch requires a value",
				}
			}
			for _, caseElems := range s.Cases {
				if err := validateElements(caseElems, ids); err != nil {
					return err
				}
			}
			if err := validateElements(s.Default, ids); err != nil {
				return err
			}
		case e.MapReduce != nil:
			m := e.MapReduce
			if m.Items == "" {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("flow.%s.items", m.ID),
					Message: "map_reduce requires items",
				}
			}
			if len(m.Map) == 0 {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("flow.%s.map", m.ID),
					Message: "map_reduce requires a map phase",
				}
			}
			if len(m.Reduce) == 0 {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("flow.%s.reduce", m.ID),
					Message: "map_reduce requires a reduce phase",
				}
			}
			if err := validateElements(m.Map, ids); err != nil {
				return err
			}
			if err := validateElements(m.Reduce, ids); err != nil {
				return err
			}
		default:
			return &errors.ValidationError{
				Field:   "flow",
				Message: "empty flow element",
			}
		}
	}
	return nil
}

// validateStep checks a single step definition.
func validateStep(s *Step) error {
	if err := ValidateMemberRef(s.Member); err != nil {
		return err
	}
	if s.Timeout < 0 {
		return &errors.ValidationError{
			Field:   fmt.Sprintf("flow.%s.timeout", s.ID),
			Message: "timeout must not be negative",
		}
	}
	if s.Retry != nil && s.Retry.Attempts < 1 {
		return &errors.ValidationError{
			Field:      fmt.Sprintf("flow.%s.retry.attempts", s.ID),
			Message:    "retry attempts must be at least 1",
			Suggestion: "attempts includes the first execution",
		}
	}
	if s.Retry != nil {
		switch s.Retry.Backoff {
		case "", "fixed", "linear", "exponential":
		default:
			return &errors.ValidationError{
				Field:      fmt.Sprintf("flow.%s.retry.backoff", s.ID),
				Message:    fmt.Sprintf("unknown backoff: %s", s.Retry.Backoff),
				Suggestion: "use fixed, linear, or exponential",
			}
		}
	}
	if s.Scoring != nil {
		if err := validateScoring(s.ID, s.Scoring); err != nil {
			return err
		}
	}
	// A key written this invocation may also be read; duplicate
	// declarations within one list are harmless but flag confusion.
	seen := make(map[string]bool)
	for _, k := range s.StateSet {
		if seen[k] {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("flow.%s.state_set", s.ID),
				Message: fmt.Sprintf("duplicate state key: %s", k),
			}
		}
		seen[k] = true
	}
	return nil
}

// validateScoring checks a step's scoring definition.
func validateScoring(stepID string, sc *ScoringDefinition) error {
	switch sc.Evaluator {
	case "rule", "nlp", "embedding", "judge":
	default:
		return &errors.ValidationError{
			Field:      fmt.Sprintf("flow.%s.scoring.evaluator", stepID),
			Message:    fmt.Sprintf("unknown evaluator: %s", sc.Evaluator),
			Suggestion: "use rule, nlp, embedding, or judge",
		}
	}
	if sc.Evaluator == "judge" && sc.Judge == "" {
		return &errors.ValidationError{
			Field:      fmt.Sprintf("flow.%s.scoring.judge", stepID),
			Message:    "judge evaluator requires a judge member reference",
			Suggestion: "set judge to a member like 'quality-judge@latest'",
		}
	}
	if (sc.Evaluator == "nlp" || sc.Evaluator == "embedding") && sc.Reference == "" {
		return &errors.ValidationError{
			Field:      fmt.Sprintf("flow.%s.scoring.reference", stepID),
			Message:    fmt.Sprintf("%s evaluator requires a reference text", sc.Evaluator),
			Suggestion: "set reference, optionally using ${...} interpolation",
		}
	}
	if sc.Threshold != nil {
		if err := sc.Threshold.validate(fmt.Sprintf("flow.%s.scoring.threshold", stepID)); err != nil {
			return err
		}
	}
	switch sc.Aggregation {
	case "", "weighted-average", "minimum", "geometric-mean":
	default:
		return &errors.ValidationError{
			Field:      fmt.Sprintf("flow.%s.scoring.aggregation", stepID),
			Message:    fmt.Sprintf("unknown aggregation: %s", sc.Aggregation),
			Suggestion: "use weighted-average, minimum, or geometric-mean",
		}
	}
	switch sc.OnFailure {
	case "", "continue", "abort", "retry":
	default:
		return &errors.ValidationError{
			Field:      fmt.Sprintf("flow.%s.scoring.on_failure", stepID),
			Message:    fmt.Sprintf("unknown on_failure: %s", sc.OnFailure),
			Suggestion: "use continue, abort, or retry",
		}
	}
	switch sc.Backoff {
	case "", "fixed", "linear", "exponential":
	default:
		return &errors.ValidationError{
			Field:      fmt.Sprintf("flow.%s.scoring.backoff", stepID),
			Message:    fmt.Sprintf("unknown backoff: %s", sc.Backoff),
			Suggestion: "use fixed, linear, or exponential",
		}
	}
	if sc.RetryLimit < 0 {
		return &errors.ValidationError{
			Field:   fmt.Sprintf("flow.%s.scoring.retry_limit", stepID),
			Message: "retry_limit must not be negative",
		}
	}
	for i, c := range sc.Criteria {
		if c.Name == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("flow.%s.scoring.criteria[%d].name", stepID, i),
				Message: "criterion name is required",
			}
		}
		if c.Weight < 0 {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("flow.%s.scoring.criteria[%d].weight", stepID, i),
				Message: "criterion weight must not be negative",
			}
		}
		if sc.Evaluator == "rule" && c.Expression == "" {
			return &errors.ValidationError{
				Field:      fmt.Sprintf("flow.%s.scoring.criteria[%d].expression", stepID, i),
				Message:    "rule criteria require an expression",
				Suggestion: "e.g. \"length >= 40 && includes('summary')\"",
			}
		}
	}
	return nil
}

// validate checks a webhook binding.
func (w *WebhookDefinition) validate() error {
	if w.Path == "" {
		return &errors.ValidationError{
			Field:   "webhooks.path",
			Message: "webhook path is required",
		}
	}
	switch w.Method {
	case "", "POST", "GET":
	default:
		return &errors.ValidationError{
			Field:      fmt.Sprintf("webhooks.%s.method", w.Path),
			Message:    fmt.Sprintf("unsupported method: %s", w.Method),
			Suggestion: "use POST or GET",
		}
	}
	switch w.Auth {
	case "", "bearer", "signature", "basic":
	default:
		return &errors.ValidationError{
			Field:      fmt.Sprintf("webhooks.%s.auth", w.Path),
			Message:    fmt.Sprintf("unsupported auth scheme: %s", w.Auth),
			Suggestion: "use bearer, signature, or basic",
		}
	}
	switch w.Mode {
	case "", "trigger", "resume":
	default:
		return &errors.ValidationError{
			Field:      fmt.Sprintf("webhooks.%s.mode", w.Path),
			Message:    fmt.Sprintf("unsupported mode: %s", w.Mode),
			Suggestion: "use trigger or resume",
		}
	}
	return nil
}

// validate checks a schedule definition. Cron syntax is validated by the
// scheduler at registration time.
func (s *ScheduleDefinition) validate() error {
	if s.Name == "" {
		return &errors.ValidationError{
			Field:   "schedules.name",
			Message: "schedule name is required",
		}
	}
	if s.Cron == "" {
		return &errors.ValidationError{
			Field:      fmt.Sprintf("schedules.%s.cron", s.Name),
			Message:    "cron expression is required",
			Suggestion: "use standard 5-field cron, e.g. '0 9 * * 1-5'",
		}
	}
	return nil
}
