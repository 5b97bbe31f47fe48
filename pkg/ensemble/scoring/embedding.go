package scoring

import (
	"context"
	"math"
	"strings"

	"github.com/tombee/maestro/pkg/errors"
)

// Embedder maps text to a vector. The default is a local
// term-frequency embedder; deployments with an embedding model can
// substitute their own.
type Embedder interface {
	Embed(ctx context.Context, text string) (map[string]float64, error)
}

// EmbeddingEvaluator scores content by cosine similarity between the
// embeddings of the content and the reference, clamped to [0,1].
type EmbeddingEvaluator struct {
	Reference string
	Embedder  Embedder
}

func (e *EmbeddingEvaluator) Evaluate(ctx context.Context, content string, _ []Criterion) (*ScoreReport, error) {
	if e.Reference == "" {
		return nil, &errors.ValidationError{
			Field:   "scoring.reference",
			Message: "embedding evaluator requires a reference text",
		}
	}

	embedder := e.Embedder
	if embedder == nil {
		embedder = termFrequencyEmbedder{}
	}

	a, err := embedder.Embed(ctx, content)
	if err != nil {
		return nil, errors.Wrap(err, "embedding content")
	}
	b, err := embedder.Embed(ctx, e.Reference)
	if err != nil {
		return nil, errors.Wrap(err, "embedding reference")
	}

	score := clamp01(cosine(a, b))
	return &ScoreReport{
		Average:   score,
		Breakdown: map[string]float64{"similarity": score},
	}, nil
}

// termFrequencyEmbedder embeds text as a sparse token-count vector.
type termFrequencyEmbedder struct{}

func (termFrequencyEmbedder) Embed(_ context.Context, text string) (map[string]float64, error) {
	vec := make(map[string]float64)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		vec[tok]++
	}
	return vec, nil
}

func cosine(a, b map[string]float64) float64 {
	var dot, normA, normB float64
	for k, va := range a {
		normA += va * va
		if vb, ok := b[k]; ok {
			dot += va * vb
		}
	}
	for _, vb := range b {
		normB += vb * vb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
