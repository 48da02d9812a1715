package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sells-group/geoinsight/internal/resilience"
)

type fakeProvider struct {
	name  string
	calls int
	fn    func(call int) (*Completion, error)
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(_ context.Context, _ Prompt) (*Completion, error) {
	f.calls++
	return f.fn(f.calls)
}

func okCompletion(text string) *Completion {
	return &Completion{Text: text, InputTokens: 10, OutputTokens: 20}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeProvider{name: "beta"})
	r.Register(&fakeProvider{name: "alpha"})

	if r.Get("alpha") == nil {
		t.Error("expected alpha registered")
	}
	if r.Get("missing") != nil {
		t.Error("expected nil for unknown provider")
	}

	names := r.List()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("unexpected names: %v", names)
	}
}

func TestResponseCache_TTL(t *testing.T) {
	now := time.Now()
	c := NewResponseCache(time.Minute)
	c.nowFunc = func() time.Time { return now }

	key := cacheKey("anthropic", Prompt{Text: "best crm for smb"})
	if c.Get(key) != nil {
		t.Error("expected miss on empty cache")
	}

	c.Put(key, okCompletion("answer"))
	if got := c.Get(key); got == nil || got.Text != "answer" {
		t.Errorf("expected hit, got %+v", got)
	}

	now = now.Add(2 * time.Minute)
	if c.Get(key) != nil {
		t.Error("expected miss after TTL expiry")
	}
	if removed := c.Prune(); removed != 1 {
		t.Errorf("expected 1 pruned, got %d", removed)
	}
}

func TestResponseCache_Disabled(t *testing.T) {
	c := NewResponseCache(0)
	key := cacheKey("openai", Prompt{Text: "q"})
	c.Put(key, okCompletion("answer"))
	if c.Get(key) != nil {
		t.Error("zero TTL must disable caching")
	}
}

func TestCacheKey_DistinguishesProviderAndPrompt(t *testing.T) {
	base := cacheKey("anthropic", Prompt{Text: "q", System: "s"})
	if cacheKey("openai", Prompt{Text: "q", System: "s"}) == base {
		t.Error("different providers must not share keys")
	}
	if cacheKey("anthropic", Prompt{Text: "q2", System: "s"}) == base {
		t.Error("different prompts must not share keys")
	}
	if cacheKey("anthropic", Prompt{Text: "q", System: "s"}) != base {
		t.Error("identical inputs must produce identical keys")
	}
}

func testGuardConfig() GuardConfig {
	cfg := DefaultGuardConfig()
	cfg.RPS = 0 // no limiter delays in tests
	cfg.Retry = resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
	return cfg
}

func TestGuard_CacheHitBypassesProvider(t *testing.T) {
	fake := &fakeProvider{name: "anthropic", fn: func(int) (*Completion, error) {
		return okCompletion("answer"), nil
	}}
	g := NewGuard(fake, testGuardConfig(), resilience.NewProviderBreakers())

	prompt := Prompt{Text: "best crm for smb"}
	first, err := g.Complete(context.Background(), prompt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.CacheHit {
		t.Error("first call must not be a cache hit")
	}

	second, err := g.Complete(context.Background(), prompt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.CacheHit {
		t.Error("second call should hit the cache")
	}
	if fake.calls != 1 {
		t.Errorf("expected 1 provider call, got %d", fake.calls)
	}
}

func TestGuard_RetriesTransientFailure(t *testing.T) {
	fake := &fakeProvider{name: "openai", fn: func(call int) (*Completion, error) {
		if call < 3 {
			return nil, resilience.NewTransientError(errors.New("overloaded"), 503)
		}
		return okCompletion("answer"), nil
	}}
	g := NewGuard(fake, testGuardConfig(), resilience.NewProviderBreakers())

	res, err := g.Complete(context.Background(), Prompt{Text: "q"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", res.Attempts)
	}
	if res.Completion.Text != "answer" {
		t.Errorf("unexpected text: %q", res.Completion.Text)
	}
}

// slowProvider records the peak number of concurrent Complete calls.
type slowProvider struct {
	inFlight atomic.Int64
	peak     atomic.Int64
	total    atomic.Int64
}

func (s *slowProvider) Name() string { return "anthropic" }

func (s *slowProvider) Complete(_ context.Context, p Prompt) (*Completion, error) {
	cur := s.inFlight.Add(1)
	for {
		prev := s.peak.Load()
		if cur <= prev || s.peak.CompareAndSwap(prev, cur) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	s.inFlight.Add(-1)
	s.total.Add(1)
	return okCompletion("answer to " + p.Text), nil
}

func TestGuard_ConcurrencyCeiling(t *testing.T) {
	fake := &slowProvider{}
	cfg := testGuardConfig()
	cfg.Concurrency = 5
	g := NewGuard(fake, cfg, resilience.NewProviderBreakers())

	const calls = 48
	errs := make(chan error, calls)
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := g.Complete(context.Background(), Prompt{Text: fmt.Sprintf("query %d", i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := fake.total.Load(); got != calls {
		t.Errorf("expected %d completions, got %d", calls, got)
	}
	if peak := fake.peak.Load(); peak > 5 {
		t.Errorf("peak in-flight calls %d exceeded concurrency limit 5", peak)
	}
}

func TestGuard_OpenBreakerFailsFast(t *testing.T) {
	fake := &fakeProvider{name: "perplexity", fn: func(int) (*Completion, error) {
		return nil, resilience.NewTransientError(errors.New("down"), 503)
	}}
	cfg := testGuardConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.Breaker.FailureThreshold = 2
	cfg.Breaker.Cooldown = time.Hour
	g := NewGuard(fake, cfg, resilience.NewProviderBreakers())

	for i := 0; i < 2; i++ {
		if _, err := g.Complete(context.Background(), Prompt{Text: "q"}); err == nil {
			t.Fatal("expected failure")
		}
	}

	callsBefore := fake.calls
	_, err := g.Complete(context.Background(), Prompt{Text: "q"})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if fake.calls != callsBefore {
		t.Error("open breaker must not reach the provider")
	}
}

func TestGuard_SharedBreakerAcrossGuards(t *testing.T) {
	breakers := resilience.NewProviderBreakers()
	cfg := testGuardConfig()

	a := NewGuard(&fakeProvider{name: "anthropic", fn: func(int) (*Completion, error) {
		return okCompletion("a"), nil
	}}, cfg, breakers)
	b := NewGuard(&fakeProvider{name: "anthropic", fn: func(int) (*Completion, error) {
		return okCompletion("b"), nil
	}}, cfg, breakers)

	if a.Breaker() != b.Breaker() {
		t.Error("guards for the same provider must share one breaker")
	}
}
