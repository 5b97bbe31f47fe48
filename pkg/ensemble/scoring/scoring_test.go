package scoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/maestro/pkg/ensemble/member"
	"github.com/tombee/maestro/pkg/errors"
)

func noSleep(c *Controller) *Controller {
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestRuleEvaluator(t *testing.T) {
	eval := NewRuleEvaluator()
	report, err := eval.Evaluate(context.Background(), "hello world\nsecond line", []Criterion{
		{Name: "long_enough", Expression: "length >= 10", Weight: 1},
		{Name: "has_greeting", Expression: `includes(content, "hello")`, Weight: 1},
		{Name: "multi_line", Expression: "lineCount >= 5", Weight: 2},
	})
	require.NoError(t, err)

	assert.Equal(t, 1.0, report.Breakdown["long_enough"])
	assert.Equal(t, 1.0, report.Breakdown["has_greeting"])
	assert.Equal(t, 0.0, report.Breakdown["multi_line"])
	// Weighted average: (1 + 1 + 0*2) / 4.
	assert.InDelta(t, 0.5, report.Average, 0.001)
}

func TestRuleEvaluatorNumericScore(t *testing.T) {
	eval := NewRuleEvaluator()
	report, err := eval.Evaluate(context.Background(), "short", []Criterion{
		{Name: "partial", Expression: "length / 10.0"},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, report.Breakdown["partial"], 0.001)
}

func TestNLPEvaluator(t *testing.T) {
	eval := &NLPEvaluator{Reference: "the quick brown fox"}
	report, err := eval.Evaluate(context.Background(), "the quick brown fox", nil)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, report.Breakdown["bleu"], 0.001)
	assert.InDelta(t, 1.0, report.Breakdown["rouge-l"], 0.001)
	assert.InDelta(t, 1.0, report.Breakdown["length-ratio"], 0.001)
	assert.InDelta(t, 1.0, report.Average, 0.001)

	report, err = eval.Evaluate(context.Background(), "completely unrelated words here", nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, report.Breakdown["bleu"], 0.001)
}

func TestNLPEvaluatorMetricSelection(t *testing.T) {
	eval := &NLPEvaluator{Reference: "a b c d"}
	report, err := eval.Evaluate(context.Background(), "a b x y", []Criterion{
		{Name: "precision", Metric: "bleu"},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, report.Average, 0.001)

	_, err = eval.Evaluate(context.Background(), "x", []Criterion{{Name: "bogus", Metric: "meteor"}})
	assert.Error(t, err)
}

func TestEmbeddingEvaluator(t *testing.T) {
	eval := &EmbeddingEvaluator{Reference: "alpha beta gamma"}

	report, err := eval.Evaluate(context.Background(), "alpha beta gamma", nil)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, report.Average, 0.001)

	report, err = eval.Evaluate(context.Background(), "delta epsilon", nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, report.Average, 0.001)
}

func TestJudgeEvaluator(t *testing.T) {
	judge := member.Func(func(_ context.Context, req *member.Request) (*member.Response, error) {
		assert.Equal(t, "essay text", req.Input["content"])
		return &member.Response{OK: true, Data: map[string]any{
			"scores":    map[string]any{"clarity": 0.8, "accuracy": 0.6},
			"reasoning": "solid but imprecise",
		}}, nil
	})

	eval := &JudgeEvaluator{Member: judge, MemberName: "grader"}
	report, err := eval.Evaluate(context.Background(), "essay text", []Criterion{
		{Name: "clarity", Weight: 1}, {Name: "accuracy", Weight: 1},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.7, report.Average, 0.001)
	assert.Equal(t, "solid but imprecise", report.Detail)
}

func TestJudgeEvaluatorSingleScore(t *testing.T) {
	judge := member.Func(func(_ context.Context, _ *member.Request) (*member.Response, error) {
		return &member.Response{OK: true, Data: map[string]any{"score": 0.9}}, nil
	})
	eval := &JudgeEvaluator{Member: judge}
	report, err := eval.Evaluate(context.Background(), "x", nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, report.Average, 0.001)
}

func TestJudgeEvaluatorMalformedResponse(t *testing.T) {
	judge := member.Func(func(_ context.Context, _ *member.Request) (*member.Response, error) {
		return &member.Response{OK: true, Data: "just text"}, nil
	})
	eval := &JudgeEvaluator{Member: judge}
	_, err := eval.Evaluate(context.Background(), "x", nil)
	assert.Error(t, err)
}

func TestAggregateStrategies(t *testing.T) {
	scores := map[string]float64{"a": 0.4, "b": 0.9}
	assert.InDelta(t, 0.65, aggregate("weighted-average", scores, nil), 0.001)
	assert.InDelta(t, 0.4, aggregate("minimum", scores, nil), 0.001)
	assert.InDelta(t, 0.6, aggregate("geometric-mean", scores, nil), 0.001)
}

// Retry loop: lengths 20, 30, 50 against minimum length 40 commits on
// the third attempt with two retries.
func TestControllerRetryUntilThreshold(t *testing.T) {
	c := noSleep(NewController(nil, nil))
	outputs := []string{
		"aaaaaaaaaaaaaaaaaaaa",
		"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	}
	call := 0
	execute := func(context.Context) (any, error) {
		out := outputs[call]
		call++
		return out, nil
	}

	policy := &Policy{
		Evaluator:  "rule",
		Criteria:   []Criterion{{Name: "len", Expression: "length >= 40"}},
		Threshold:  Threshold{Minimum: 1.0},
		RetryLimit: 3,
	}
	outcome, err := c.Run(context.Background(), "draft", policy, execute)
	require.NoError(t, err)
	assert.True(t, outcome.Passed)
	assert.Equal(t, 2, outcome.RetryCount)
	assert.Equal(t, 3, call)
}

func TestControllerAbortAfterExhaustion(t *testing.T) {
	c := noSleep(NewController(nil, nil))
	execute := func(context.Context) (any, error) { return "short", nil }

	policy := &Policy{
		Evaluator:  "rule",
		Criteria:   []Criterion{{Name: "len", Expression: "length >= 40"}},
		Threshold:  Threshold{Minimum: 1.0},
		RetryLimit: 2,
		OnFailure:  "abort",
	}
	_, err := c.Run(context.Background(), "draft", policy, execute)
	var scoringErr *errors.ScoringError
	require.ErrorAs(t, err, &scoringErr)
	assert.Equal(t, "draft", scoringErr.StepID)
	assert.Equal(t, 2, scoringErr.Attempts)
	assert.Equal(t, errors.KindScoringFailure, errors.Classify(err))
}

func TestControllerContinueRecordsFailure(t *testing.T) {
	c := noSleep(NewController(nil, nil))
	execute := func(context.Context) (any, error) { return "short", nil }

	policy := &Policy{
		Evaluator:  "rule",
		Criteria:   []Criterion{{Name: "len", Expression: "length >= 40"}},
		Threshold:  Threshold{Minimum: 1.0},
		RetryLimit: 1,
		OnFailure:  "continue",
	}
	outcome, err := c.Run(context.Background(), "draft", policy, execute)
	require.NoError(t, err)
	assert.False(t, outcome.Passed)
	assert.Equal(t, "short", outcome.Output)
}

func TestControllerRequireImprovement(t *testing.T) {
	c := noSleep(NewController(nil, nil))
	// Scores stall: 0.0, 0.0 -> aborts on the stalled retry.
	execute := func(context.Context) (any, error) { return "short", nil }

	policy := &Policy{
		Evaluator:          "rule",
		Criteria:           []Criterion{{Name: "len", Expression: "length >= 40"}},
		Threshold:          Threshold{Minimum: 1.0},
		RetryLimit:         5,
		RequireImprovement: true,
		MinImprovement:     0.1,
	}
	calls := 0
	countingExecute := func(ctx context.Context) (any, error) {
		calls++
		return execute(ctx)
	}
	_, err := c.Run(context.Background(), "draft", policy, countingExecute)
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestBackoffDelay(t *testing.T) {
	base := 100 * time.Millisecond
	assert.Equal(t, base, backoffDelay("fixed", base, 3))
	assert.Equal(t, 300*time.Millisecond, backoffDelay("linear", base, 3))
	assert.Equal(t, 400*time.Millisecond, backoffDelay("exponential", base, 3))
}

func TestContentOf(t *testing.T) {
	assert.Equal(t, "plain", ContentOf("plain"))
	assert.Equal(t, "from field", ContentOf(map[string]any{"content": "from field"}))
	assert.Equal(t, "out", ContentOf(map[string]any{"output": "out"}))
	assert.Equal(t, "", ContentOf(nil))
	assert.Equal(t, `{"n":1}`, ContentOf(map[string]any{"n": 1}))
}
