package scoring

import (
	"context"
	"fmt"
	"strings"

	"github.com/tombee/maestro/pkg/ensemble/expression"
	"github.com/tombee/maestro/pkg/errors"
)

// RuleEvaluator scores content with boolean expressions over simple
// text metrics. Each criterion's expression sees content, length,
// wordCount, and lineCount, plus the includes helper.
type RuleEvaluator struct {
	eval *expression.Evaluator
}

// NewRuleEvaluator creates a standalone rule evaluator.
func NewRuleEvaluator() *RuleEvaluator {
	return &RuleEvaluator{eval: expression.New()}
}

func (r *RuleEvaluator) Evaluate(ctx context.Context, content string, criteria []Criterion) (*ScoreReport, error) {
	if len(criteria) == 0 {
		return nil, &errors.ValidationError{
			Field:   "scoring.criteria",
			Message: "rule evaluator requires at least one criterion",
		}
	}

	env := map[string]any{
		"content":   content,
		"length":    len(content),
		"wordCount": len(strings.Fields(content)),
		"lineCount": lineCount(content),
	}

	breakdown := make(map[string]float64, len(criteria))
	weights := make(map[string]float64, len(criteria))
	for _, criterion := range criteria {
		result, err := r.eval.EvaluateValue(criterion.Expression, env)
		if err != nil {
			return nil, errors.Wrapf(err, "criterion %q", criterion.Name)
		}

		var score float64
		switch v := result.(type) {
		case bool:
			if v {
				score = 1
			}
		case int:
			score = clamp01(float64(v))
		case float64:
			score = clamp01(v)
		default:
			return nil, &errors.ValidationError{
				Field:   "scoring.criteria." + criterion.Name,
				Message: fmt.Sprintf("rule expression must return boolean or number, got %T", result),
			}
		}
		breakdown[criterion.Name] = score
		weights[criterion.Name] = criterion.Weight
	}

	return &ScoreReport{
		Average:   aggregate("weighted-average", breakdown, weights),
		Breakdown: breakdown,
	}, nil
}

func lineCount(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}
