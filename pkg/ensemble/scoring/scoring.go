// Package scoring gates step outputs on quality thresholds.
//
// A step with a scoring policy executes, has its content evaluated
// into a ScoreReport, and commits only when the aggregate score meets
// the minimum threshold. Failed attempts retry with backoff up to the
// policy's retry limit.
package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/tombee/maestro/pkg/ensemble/expression"
	"github.com/tombee/maestro/pkg/ensemble/member"
	"github.com/tombee/maestro/pkg/errors"
)

// ScoreReport is the outcome of evaluating one piece of content.
type ScoreReport struct {
	// Average is the aggregate score in [0,1]
	Average float64 `json:"average"`

	// Breakdown maps criterion name to its score in [0,1]
	Breakdown map[string]float64 `json:"breakdown"`

	// Threshold is the minimum that was applied
	Threshold float64 `json:"threshold"`

	// Passed reports Average >= Threshold
	Passed bool `json:"passed"`

	// Detail carries evaluator-specific diagnostics
	Detail string `json:"detail,omitempty"`
}

// Criterion is one evaluation dimension.
type Criterion struct {
	Name       string
	Expression string
	Metric     string
	Weight     float64
}

// Evaluator scores content against criteria.
type Evaluator interface {
	Evaluate(ctx context.Context, content string, criteria []Criterion) (*ScoreReport, error)
}

// Threshold bounds acceptable scores. Target and Excellent are
// reporting tiers; only Minimum gates commits.
type Threshold struct {
	Minimum   float64
	Target    *float64
	Excellent *float64
}

// Policy is a step's resolved scoring configuration.
type Policy struct {
	Evaluator          string
	Criteria           []Criterion
	Reference          string
	Judge              string
	Threshold          Threshold
	Aggregation        string
	RetryLimit         int
	Backoff            string
	InitialBackoff     time.Duration
	RequireImprovement bool
	MinImprovement     float64
	OnFailure          string
	TrackInState       bool
}

// Outcome is the result of running the scoring retry loop.
type Outcome struct {
	// Output is the member output of the final attempt
	Output any

	// Report is the score of the final attempt
	Report *ScoreReport

	// RetryCount is the number of re-executions (attempts minus one)
	RetryCount int

	// Passed reports whether the final attempt met the minimum
	Passed bool
}

// Controller runs the scoring retry loop for steps that declare a
// policy.
type Controller struct {
	registry *member.Registry
	exprEval *expression.Evaluator
	embedder Embedder
	logger   *slog.Logger

	// sleep is replaceable in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewController creates a controller. The registry is used by the
// judge evaluator to create its delegate member and may be nil when no
// policy uses a judge.
func NewController(registry *member.Registry, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		registry: registry,
		exprEval: expression.New(),
		embedder: termFrequencyEmbedder{},
		logger:   logger,
		sleep:    sleepContext,
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

// Run executes a step under the policy's retry loop. The execute
// callback performs one full step attempt and returns the member
// output. Returns a ScoringError when the policy says to abort.
func (c *Controller) Run(ctx context.Context, stepID string, policy *Policy, execute func(ctx context.Context) (any, error)) (*Outcome, error) {
	eval, err := c.evaluator(policy)
	if err != nil {
		return nil, err
	}

	attempts := policy.RetryLimit
	if attempts < 1 {
		attempts = 1
	}

	outcome, err := c.attemptLoop(ctx, stepID, policy, eval, execute, attempts, -1)
	if err != nil || outcome.Passed {
		return outcome, err
	}

	switch policy.OnFailure {
	case "continue":
		c.logger.Warn("scoring failed, continuing per policy",
			slog.String("step_id", stepID),
			slog.Float64("score", outcome.Report.Average))
		return outcome, nil
	case "retry":
		// One extra round of attempts before giving up.
		retried, err := c.attemptLoop(ctx, stepID, policy, eval, execute, attempts, outcome.Report.Average)
		retried.RetryCount += outcome.RetryCount + 1
		if err != nil || retried.Passed {
			return retried, err
		}
		return retried, c.failure(stepID, policy, retried)
	default:
		return outcome, c.failure(stepID, policy, outcome)
	}
}

func (c *Controller) failure(stepID string, policy *Policy, outcome *Outcome) error {
	return &errors.ScoringError{
		StepID:    stepID,
		Score:     outcome.Report.Average,
		Threshold: policy.Threshold.Minimum,
		Attempts:  outcome.RetryCount + 1,
	}
}

// attemptLoop runs up to maxAttempts execute+evaluate cycles, applying
// backoff between attempts. prevScore seeds the improvement check; a
// negative value means no prior attempt.
func (c *Controller) attemptLoop(ctx context.Context, stepID string, policy *Policy, eval Evaluator, execute func(ctx context.Context) (any, error), maxAttempts int, prevScore float64) (*Outcome, error) {
	outcome := &Outcome{}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		output, err := execute(ctx)
		if err != nil {
			return outcome, err
		}

		report, err := eval.Evaluate(ctx, ContentOf(output), policy.Criteria)
		if err != nil {
			return outcome, err
		}
		report.Threshold = policy.Threshold.Minimum
		report.Passed = report.Average >= policy.Threshold.Minimum

		outcome.Output = output
		outcome.Report = report
		outcome.RetryCount = attempt - 1
		outcome.Passed = report.Passed

		c.logger.Debug("scoring attempt evaluated",
			slog.String("step_id", stepID),
			slog.Int("attempt", attempt),
			slog.Float64("score", report.Average),
			slog.Bool("passed", report.Passed))

		if report.Passed {
			return outcome, nil
		}

		if policy.RequireImprovement && prevScore >= 0 {
			if report.Average-prevScore < policy.MinImprovement {
				return outcome, &errors.ScoringError{
					StepID:    stepID,
					Score:     report.Average,
					Threshold: policy.Threshold.Minimum,
					Attempts:  attempt,
				}
			}
		}
		prevScore = report.Average

		if attempt < maxAttempts {
			if err := c.sleep(ctx, backoffDelay(policy.Backoff, policy.InitialBackoff, attempt)); err != nil {
				return outcome, err
			}
		}
	}
	return outcome, nil
}

// backoffDelay computes the pause before the next attempt.
func backoffDelay(strategy string, initial time.Duration, attempt int) time.Duration {
	if initial <= 0 {
		initial = time.Second
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

// evaluator builds the evaluator the policy names.
func (c *Controller) evaluator(policy *Policy) (Evaluator, error) {
	switch policy.Evaluator {
	case "rule", "":
		return &RuleEvaluator{eval: c.exprEval}, nil
	case "nlp":
		return &NLPEvaluator{Reference: policy.Reference, Aggregation: policy.Aggregation}, nil
	case "embedding":
		return &EmbeddingEvaluator{Reference: policy.Reference, Embedder: c.embedder}, nil
	case "judge":
		if c.registry == nil {
			return nil, &errors.ConfigError{Key: "scoring.judge", Reason: "no member registry available"}
		}
		m, meta, err := c.registry.Create(policy.Judge, nil, nil)
		if err != nil {
			return nil, err
		}
		return &JudgeEvaluator{
			Member:      m,
			MemberName:  meta.Name,
			Reference:   policy.Reference,
			Aggregation: policy.Aggregation,
		}, nil
	default:
		return nil, &errors.ValidationError{
			Field:      "scoring.evaluator",
			Message:    fmt.Sprintf("unknown evaluator: %s", policy.Evaluator),
			Suggestion: "use one of: rule, nlp, embedding, judge",
		}
	}
}

// ContentOf extracts the scoreable text from a member output. Strings
// pass through; maps prefer content/output/text fields; anything else
// renders as JSON.
func ContentOf(output any) string {
	switch t := output.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any:
		for _, key := range []string{"content", "output", "text"} {
			if s, ok := t[key].(string); ok {
				return s
			}
		}
	}
	raw, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprintf("%v", output)
	}
	return string(raw)
}

// aggregate folds per-criterion scores into a single value.
func aggregate(strategy string, scores map[string]float64, weights map[string]float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	switch strategy {
	case "minimum":
		min := 1.0
		for _, s := range scores {
			if s < min {
				min = s
			}
		}
		return min
	case "geometric-mean":
		product := 1.0
		for _, s := range scores {
			product *= s
		}
		return math.Pow(product, 1/float64(len(scores)))
	default:
		var sum, totalWeight float64
		for name, s := range scores {
			w := 1.0
			if weights != nil {
				if ww, ok := weights[name]; ok && ww > 0 {
					w = ww
				}
			}
			sum += s * w
			totalWeight += w
		}
		if totalWeight == 0 {
			return 0
		}
		return sum / totalWeight
	}
}

// clamp01 bounds a score to [0,1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
