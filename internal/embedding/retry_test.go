package embedding

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cogkernel/internal/errkind"
)

type stubEngine struct {
	name      string
	failCount int
	calls     int
	dim       int
}

func (s *stubEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	s.calls++
	if s.calls <= s.failCount {
		return nil, errors.New("stub transient failure")
	}
	return make([]float32, s.dim), nil
}

func (s *stubEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	s.calls++
	if s.calls <= s.failCount {
		return nil, errors.New("stub transient batch failure")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, s.dim)
	}
	return out, nil
}

func (s *stubEngine) Dimensions() int { return s.dim }
func (s *stubEngine) Name() string    { return s.name }

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		BaseInterval:    time.Millisecond,
		Multiplier:      1.5,
		MaxAttempts:     5,
		RandomizationPc: 0.1,
		RateLimitRPS:    1000,
	}
}

func TestRetryingEmbedderRetriesThenSucceeds(t *testing.T) {
	primary := &stubEngine{name: "primary", failCount: 2, dim: Dim}
	r := NewRetryingEmbedder(primary, nil, fastRetryConfig())

	vec, err := r.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec, Dim)
	assert.Equal(t, 3, primary.calls)
}

func TestRetryingEmbedderFailsOverToFallback(t *testing.T) {
	primary := &stubEngine{name: "primary", failCount: 999, dim: Dim}
	fallback := &stubEngine{name: "fallback", failCount: 0, dim: Dim}
	r := NewRetryingEmbedder(primary, fallback, fastRetryConfig())

	vec, err := r.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec, Dim)
	assert.Equal(t, 1, fallback.calls)
}

func TestRetryingEmbedderDegradedWhenBothExhausted(t *testing.T) {
	primary := &stubEngine{name: "primary", failCount: 999, dim: Dim}
	fallback := &stubEngine{name: "fallback", failCount: 999, dim: Dim}
	cfg := fastRetryConfig()
	cfg.MaxAttempts = 2
	r := NewRetryingEmbedder(primary, fallback, cfg)

	_, err := r.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, errkind.Degraded, errkind.Of(err))
}

func TestRetryingEmbedderEmbedBatchRoundTrip(t *testing.T) {
	primary := &stubEngine{name: "primary", dim: Dim}
	r := NewRetryingEmbedder(primary, nil, fastRetryConfig())

	out, err := r.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, out, 3)
}

func TestRetryingEmbedderRespectsContextCancellation(t *testing.T) {
	primary := &stubEngine{name: "primary", failCount: 999, dim: Dim}
	r := NewRetryingEmbedder(primary, nil, fastRetryConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Embed(ctx, "hello")
	require.Error(t, err)
}

func TestCosineSimilarityIdenticalVectors(t *testing.T) {
	v := []float32{1, 2, 3}
	sim, err := CosineSimilarity(v, v)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-6)
}

func TestCosineSimilarityDimensionMismatch(t *testing.T) {
	_, err := CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3})
	require.Error(t, err)
}

func TestFindTopKOrdersDescending(t *testing.T) {
	query := []float32{1, 0}
	corpus := [][]float32{{0, 1}, {1, 0}, {0.7, 0.7}}

	results, err := FindTopK(query, corpus, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].Index)
	assert.GreaterOrEqual(t, results[0].Similarity, results[1].Similarity)
}
