package llm

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/kamishibai/pkg/errorsx"
	"github.com/harunnryd/kamishibai/pkg/metrics"
	"github.com/harunnryd/kamishibai/pkg/resilience"
)

// CircuitBreakerAdapter wraps an LLMAdapter with rate-limit circuit breaking.
type CircuitBreakerAdapter struct {
	inner   LLMAdapter
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
	open    bool
	mu      sync.Mutex
}

func NewCircuitBreakerAdapter(inner LLMAdapter, breaker *resilience.CircuitBreaker) *CircuitBreakerAdapter {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &CircuitBreakerAdapter{inner: inner, breaker: breaker}
}

func (a *CircuitBreakerAdapter) Name() string { return a.inner.Name() }

// SetObserver allows metrics emission for breaker events.
func (a *CircuitBreakerAdapter) SetObserver(obs metrics.Observer) { a.obs = obs }

func (a *CircuitBreakerAdapter) Generate(ctx context.Context, req Request) (Response, error) {
	if !a.breaker.Allow() {
		a.setOpen(true)
		a.record(metrics.EventBreakerDenied)
		err := resilience.RateLimitError{Provider: a.Name(), Message: "degraded"}
		return Response{}, errorsx.Wrap(err, errorsx.ReasonLLMCircuitOpen)
	}
	a.setOpen(false)
	resp, err := a.inner.Generate(ctx, req)
	if err != nil {
		if resilience.IsRateLimit(err) {
			a.record(metrics.EventRateLimit)
			err = errorsx.Wrap(err, errorsx.ReasonLLMRateLimit)
		}
		a.breaker.OnError(err)
		return Response{}, err
	}
	a.breaker.OnSuccess()
	return resp, nil
}

func (a *CircuitBreakerAdapter) record(name string) {
	metrics.Count(a.obs, name, map[string]string{
		"provider":  a.inner.Name(),
		"component": "llm",
	})
}

func (a *CircuitBreakerAdapter) setOpen(open bool) {
	a.mu.Lock()
	changed := a.open != open
	a.open = open
	a.mu.Unlock()
	if !changed {
		return
	}
	if open {
		a.record(metrics.EventBreakerOpen)
		return
	}
	a.record(metrics.EventBreakerClose)
}
