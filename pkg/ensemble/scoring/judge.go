package scoring

import (
	"context"
	"fmt"

	"github.com/tombee/maestro/pkg/ensemble/member"
	"github.com/tombee/maestro/pkg/errors"
)

// JudgeEvaluator delegates scoring to a member, typically an LLM
// prompted to grade the content per criterion.
//
// The delegate receives {content, reference?, criteria: [{name,
// description}]} and must return data shaped as either
// {scores: {criterion: number}} or a single {score: number}.
type JudgeEvaluator struct {
	Member      member.Member
	MemberName  string
	Reference   string
	Aggregation string
}

func (j *JudgeEvaluator) Evaluate(ctx context.Context, content string, criteria []Criterion) (*ScoreReport, error) {
	input := map[string]any{"content": content}
	if j.Reference != "" {
		input["reference"] = j.Reference
	}
	if len(criteria) > 0 {
		list := make([]any, len(criteria))
		for i, criterion := range criteria {
			list[i] = map[string]any{
				"name":        criterion.Name,
				"description": criterion.Expression,
			}
		}
		input["criteria"] = list
	}

	resp := member.Invoke(ctx, j.Member, &member.Request{Input: input})
	if !resp.OK {
		return nil, &errors.MemberError{
			Member:  j.MemberName,
			Message: "judge failed: " + resp.Error,
		}
	}

	return j.parse(resp.Data, criteria)
}

// parse extracts per-criterion scores from the judge's response.
func (j *JudgeEvaluator) parse(data any, criteria []Criterion) (*ScoreReport, error) {
	obj, ok := data.(map[string]any)
	if !ok {
		return nil, &errors.ValidationError{
			Field:   "scoring.judge",
			Message: fmt.Sprintf("judge returned %T, want object with scores", data),
		}
	}

	breakdown := make(map[string]float64)
	weights := make(map[string]float64)

	if scores, ok := obj["scores"].(map[string]any); ok {
		for name, raw := range scores {
			score, ok := toFloat(raw)
			if !ok {
				return nil, &errors.ValidationError{
					Field:   "scoring.judge",
					Message: fmt.Sprintf("score for %q is %T, want number", name, raw),
				}
			}
			breakdown[name] = clamp01(score)
		}
		for _, criterion := range criteria {
			weights[criterion.Name] = criterion.Weight
		}
	} else if raw, ok := obj["score"]; ok {
		score, ok := toFloat(raw)
		if !ok {
			return nil, &errors.ValidationError{
				Field:   "scoring.judge",
				Message: fmt.Sprintf("score is %T, want number", raw),
			}
		}
		breakdown["overall"] = clamp01(score)
	} else {
		return nil, &errors.ValidationError{
			Field:      "scoring.judge",
			Message:    "judge response has neither scores nor score",
			Suggestion: "return {scores: {criterion: number}} or {score: number}",
		}
	}

	detail, _ := obj["reasoning"].(string)
	return &ScoreReport{
		Average:   aggregate(j.Aggregation, breakdown, weights),
		Breakdown: breakdown,
		Detail:    detail,
	}, nil
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
