package embedding

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"cogkernel/internal/errkind"
	"cogkernel/internal/logging"
)

// RetryingEmbedder decorates an EmbeddingEngine with exponential-backoff
// retry, a token-bucket rate limiter, and primary/fallback endpoint
// failover, per spec.md §4.3. When both the primary and fallback engines
// are exhausted, calls fail with ErrorKind::Degraded rather than blocking
// the caller indefinitely — embedding is an external dependency the rest of
// the kernel must be able to run without.
type RetryingEmbedder struct {
	primary  EmbeddingEngine
	fallback EmbeddingEngine
	limiter  *rate.Limiter
	maxTries uint64
	cfg      RetryConfig
}

// RetryConfig tunes the decorator. Zero values fall back to spec.md §4.3's
// defaults: base 250ms, factor 2, 5 max attempts, ±10% jitter, 100 rps.
type RetryConfig struct {
	BaseInterval    time.Duration
	Multiplier      float64
	MaxAttempts     uint64
	RandomizationPc float64
	RateLimitRPS    float64
}

// NewRetryingEmbedder wraps primary (required) and an optional fallback
// engine with retry and rate limiting.
func NewRetryingEmbedder(primary, fallback EmbeddingEngine, cfg RetryConfig) *RetryingEmbedder {
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = 250 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RandomizationPc <= 0 {
		cfg.RandomizationPc = 0.1
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}

	return &RetryingEmbedder{
		primary:  primary,
		fallback: fallback,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), int(cfg.RateLimitRPS)),
		maxTries: cfg.MaxAttempts,
		cfg:      cfg,
	}
}

// Embed generates a single embedding, retrying the primary engine with
// exponential backoff before failing over to the fallback.
func (r *RetryingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := r.embedWith(ctx, r.primary, func(ctx context.Context) ([]float32, error) {
		return r.primary.Embed(ctx, text)
	})
	if err == nil {
		return result, nil
	}
	if r.fallback == nil {
		return nil, errkind.Wrap(errkind.Degraded, "embedder primary exhausted, no fallback configured", err)
	}

	logging.Get(logging.CategoryEmbedding).Warn("embedder primary failed, failing over to fallback: %v", err)
	result, err2 := r.embedWith(ctx, r.fallback, func(ctx context.Context) ([]float32, error) {
		return r.fallback.Embed(ctx, text)
	})
	if err2 != nil {
		return nil, errkind.Wrap(errkind.Degraded, "embedder primary and fallback both exhausted", err2)
	}
	return result, nil
}

// EmbedBatch generates embeddings for up to 32 texts, matching spec.md
// §4.3's embed_batch contract, with the same retry/failover discipline.
func (r *RetryingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	result, err := r.embedBatchWith(ctx, r.primary, texts)
	if err == nil {
		return result, nil
	}
	if r.fallback == nil {
		return nil, errkind.Wrap(errkind.Degraded, "embedder primary exhausted, no fallback configured", err)
	}

	logging.Get(logging.CategoryEmbedding).Warn("embedder primary batch failed, failing over to fallback: %v", err)
	result, err2 := r.embedBatchWith(ctx, r.fallback, texts)
	if err2 != nil {
		return nil, errkind.Wrap(errkind.Degraded, "embedder primary and fallback both exhausted", err2)
	}
	return result, nil
}

func (r *RetryingEmbedder) embedWith(ctx context.Context, engine EmbeddingEngine, call func(context.Context) ([]float32, error)) ([]float32, error) {
	if engine == nil {
		return nil, errkind.New(errkind.Degraded, "no embedding engine configured")
	}

	var result []float32
	op := func() error {
		if err := r.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		v, err := call(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	}

	bo := backoff.WithContext(r.newBackoff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *RetryingEmbedder) embedBatchWith(ctx context.Context, engine EmbeddingEngine, texts []string) ([][]float32, error) {
	if engine == nil {
		return nil, errkind.New(errkind.Degraded, "no embedding engine configured")
	}

	var result [][]float32
	op := func() error {
		if err := r.limiter.WaitN(ctx, max(1, len(texts))); err != nil {
			return backoff.Permanent(err)
		}
		v, err := engine.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		result = v
		return nil
	}

	bo := backoff.WithContext(r.newBackoff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *RetryingEmbedder) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.BaseInterval
	b.Multiplier = r.cfg.Multiplier
	b.RandomizationFactor = r.cfg.RandomizationPc
	b.MaxElapsedTime = 0
	// WithMaxRetries counts retries after the first call, so maxTries
	// attempts in total means maxTries-1 retries.
	return backoff.WithMaxRetries(b, r.maxTries-1)
}

// Dimensions returns the primary engine's dimensionality.
func (r *RetryingEmbedder) Dimensions() int { return r.primary.Dimensions() }

// Name identifies the decorated engine pair for logs.
func (r *RetryingEmbedder) Name() string {
	if r.fallback == nil {
		return "retrying(" + r.primary.Name() + ")"
	}
	return "retrying(" + r.primary.Name() + "->" + r.fallback.Name() + ")"
}

