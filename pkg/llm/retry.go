package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/harunnryd/kamishibai/pkg/resilience"
)

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	IsRetryable func(error) bool
}

func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) (Response, error)) (Response, error) {
	cfg = cfg.withDefaults()
	var lastErr error
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < cfg.MaxAttempts; i++ {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		resp, err := fn(ctx)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !cfg.IsRetryable(err) || i == cfg.MaxAttempts-1 {
			break
		}
		t := time.NewTimer(backoffDelay(cfg.BaseDelay, cfg.MaxDelay, cfg.Jitter, i, r))
		select {
		case <-ctx.Done():
			t.Stop()
			return Response{}, ctx.Err()
		case <-t.C:
		}
	}
	return Response{}, fmt.Errorf("llm retry failed: %w", lastErr)
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = DefaultIsRetryable
	}
	return cfg
}

// PermanentError marks an upstream failure that retrying cannot fix,
// such as a rejected request or bad credentials.
type PermanentError struct {
	Err error
}

func (e PermanentError) Error() string { return e.Err.Error() }
func (e PermanentError) Unwrap() error { return e.Err }

func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var perm PermanentError
	if errors.As(err, &perm) {
		return false
	}
	return true
}

func backoffDelay(base, max time.Duration, jitter float64, attempt int, r *rand.Rand) time.Duration {
	pow := math.Pow(2, float64(attempt))
	d := time.Duration(float64(base) * pow)
	if d > max {
		d = max
	}
	if jitter > 0 {
		j := time.Duration(float64(d) * jitter * r.Float64())
		return d + j
	}
	return d
}

// RetryAdapter retries Generate on transient failures.
type RetryAdapter struct {
	inner LLMAdapter
	cfg   RetryConfig
}

func NewRetryAdapter(inner LLMAdapter, cfg RetryConfig) *RetryAdapter {
	return &RetryAdapter{inner: inner, cfg: cfg}
}

// NewRetryAdapterFromPolicy builds a RetryAdapter from the shared retry policy knobs.
func NewRetryAdapterFromPolicy(inner LLMAdapter, p resilience.RetryPolicy) *RetryAdapter {
	return NewRetryAdapter(inner, RetryConfig{
		MaxAttempts: p.MaxRetries + 1,
		BaseDelay:   p.Backoff,
		MaxDelay:    p.Backoff * 8,
		Jitter:      0.2,
	})
}

func (a *RetryAdapter) Name() string { return a.inner.Name() }

func (a *RetryAdapter) Generate(ctx context.Context, req Request) (Response, error) {
	return Retry(ctx, a.cfg, func(ctx context.Context) (Response, error) {
		return a.inner.Generate(ctx, req)
	})
}
