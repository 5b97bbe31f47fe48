package scoring

import (
	"context"
	"strings"

	"github.com/tombee/maestro/pkg/errors"
)

// NLPEvaluator scores content against a reference text with lexical
// similarity metrics: unigram BLEU precision, ROUGE-L F1, and length
// ratio. With no criteria all three metrics contribute equally;
// criteria may select a subset via their metric field.
type NLPEvaluator struct {
	Reference   string
	Aggregation string
}

func (n *NLPEvaluator) Evaluate(_ context.Context, content string, criteria []Criterion) (*ScoreReport, error) {
	if n.Reference == "" {
		return nil, &errors.ValidationError{
			Field:   "scoring.reference",
			Message: "nlp evaluator requires a reference text",
		}
	}

	candidate := tokenize(content)
	reference := tokenize(n.Reference)

	metrics := map[string]float64{
		"bleu":         bleuUnigram(candidate, reference),
		"rouge-l":      rougeLF1(candidate, reference),
		"length-ratio": lengthRatio(candidate, reference),
	}

	breakdown := make(map[string]float64)
	weights := make(map[string]float64)
	if len(criteria) == 0 {
		breakdown = metrics
	} else {
		for _, criterion := range criteria {
			metric := criterion.Metric
			if metric == "" {
				metric = criterion.Name
			}
			score, ok := metrics[metric]
			if !ok {
				return nil, &errors.ValidationError{
					Field:      "scoring.criteria." + criterion.Name,
					Message:    "unknown nlp metric: " + metric,
					Suggestion: "use one of: bleu, rouge-l, length-ratio",
				}
			}
			breakdown[criterion.Name] = score
			weights[criterion.Name] = criterion.Weight
		}
	}

	return &ScoreReport{
		Average:   aggregate(n.Aggregation, breakdown, weights),
		Breakdown: breakdown,
	}, nil
}

func tokenize(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

// bleuUnigram is clipped unigram precision: the fraction of candidate
// tokens that appear in the reference, each reference token usable at
// most as often as it occurs.
func bleuUnigram(candidate, reference []string) float64 {
	if len(candidate) == 0 {
		return 0
	}
	refCounts := make(map[string]int, len(reference))
	for _, tok := range reference {
		refCounts[tok]++
	}
	matched := 0
	for _, tok := range candidate {
		if refCounts[tok] > 0 {
			refCounts[tok]--
			matched++
		}
	}
	return float64(matched) / float64(len(candidate))
}

// rougeLF1 is the F1 score over the longest common subsequence of the
// token sequences.
func rougeLF1(candidate, reference []string) float64 {
	if len(candidate) == 0 || len(reference) == 0 {
		return 0
	}
	lcs := lcsLength(candidate, reference)
	if lcs == 0 {
		return 0
	}
	precision := float64(lcs) / float64(len(candidate))
	recall := float64(lcs) / float64(len(reference))
	return 2 * precision * recall / (precision + recall)
}

func lcsLength(a, b []string) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// lengthRatio scores how close the candidate length is to the
// reference length, 1.0 at parity.
func lengthRatio(candidate, reference []string) float64 {
	if len(reference) == 0 {
		return 0
	}
	ratio := float64(len(candidate)) / float64(len(reference))
	if ratio > 1 {
		ratio = 1 / ratio
	}
	return ratio
}
