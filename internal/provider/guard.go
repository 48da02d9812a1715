package provider

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/sells-group/geoinsight/internal/resilience"
)

// GuardConfig bounds a provider's outbound call behavior.
type GuardConfig struct {
	// Concurrency caps in-flight calls to the provider. Zero means 4.
	Concurrency int64
	// RPS is the sustained request rate. Zero disables rate limiting.
	RPS float64
	// Burst is the limiter's burst size. Zero means 1 when RPS is set.
	Burst int
	// Timeout bounds each individual attempt. Zero means 90s.
	Timeout time.Duration
	// CacheTTL controls response reuse. Zero disables the cache.
	CacheTTL time.Duration

	Breaker resilience.CircuitBreakerConfig
	Retry   resilience.RetryConfig
}

// DefaultGuardConfig returns the per-provider defaults used when config
// leaves a provider section empty.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Concurrency: 4,
		RPS:         2,
		Burst:       4,
		Timeout:     90 * time.Second,
		CacheTTL:    15 * time.Minute,
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		},
		Retry: resilience.DefaultRetryConfig(),
	}
}

// CallResult carries a completion plus the call metadata the orchestrator
// records per provider call.
type CallResult struct {
	Completion *Completion
	CacheHit   bool
	Attempts   int
}

// Guard wraps a Provider with the full protection chain: response cache,
// concurrency semaphore, rate limiter, circuit breaker, and retry.
type Guard struct {
	provider Provider
	cfg      GuardConfig
	cache    *ResponseCache
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	breaker  *resilience.CircuitBreaker
}

// NewGuard builds the guard chain around a provider.
func NewGuard(p Provider, cfg GuardConfig, breakers *resilience.ProviderBreakers) *Guard {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}

	return &Guard{
		provider: p,
		cfg:      cfg,
		cache:    NewResponseCache(cfg.CacheTTL),
		sem:      semaphore.NewWeighted(cfg.Concurrency),
		limiter:  limiter,
		breaker:  breakers.Get(p.Name(), cfg.Breaker),
	}
}

// Name returns the wrapped provider's name.
func (g *Guard) Name() string { return g.provider.Name() }

// Breaker exposes the provider's circuit breaker for state inspection.
func (g *Guard) Breaker() *resilience.CircuitBreaker { return g.breaker }

// Complete runs a prompt through the guard chain. A cache hit bypasses the
// chain entirely and consumes no provider budget.
func (g *Guard) Complete(ctx context.Context, p Prompt) (*CallResult, error) {
	key := cacheKey(g.provider.Name(), p)
	if cached := g.cache.Get(key); cached != nil {
		zap.L().Debug("provider: cache hit",
			zap.String("provider", g.provider.Name()),
		)
		return &CallResult{Completion: cached, CacheHit: true}, nil
	}

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, eris.Wrap(err, "provider: acquire slot")
	}
	defer g.sem.Release(1)

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "provider: rate limit wait")
		}
	}

	var attempts int
	retryCfg := g.cfg.Retry
	prevOnRetry := retryCfg.OnRetry
	retryCfg.OnRetry = func(attempt int, err error) {
		if prevOnRetry != nil {
			prevOnRetry(attempt, err)
		}
		zap.L().Warn("provider: retrying call",
			zap.String("provider", g.provider.Name()),
			zap.Int("attempt", attempt),
			zap.String("error", err.Error()),
		)
	}

	completion, err := resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) (*Completion, error) {
		return resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*Completion, error) {
			attempts++
			callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
			defer cancel()
			return g.provider.Complete(callCtx, p)
		})
	})
	if err != nil {
		return &CallResult{Attempts: attempts}, err
	}

	g.cache.Put(key, completion)
	return &CallResult{Completion: completion, Attempts: attempts}, nil
}
