package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCircuitBreaker_ClosedState_PassesThrough(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	var calls int
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state, got %s", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cfg := CircuitBreakerConfig{
		FailureThreshold: 3,
		Cooldown:         1 * time.Minute,
	}
	cb := NewCircuitBreaker(cfg)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return errors.New("fail")
		})
	}

	if cb.State() != CircuitOpen {
		t.Errorf("expected open state after %d failures, got %s", cfg.FailureThreshold, cb.State())
	}

	// Next call should fail fast without invoking the function.
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		t.Error("should not be called when circuit is open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cfg := CircuitBreakerConfig{
		FailureThreshold: 3,
		Cooldown:         1 * time.Minute,
	}
	cb := NewCircuitBreaker(cfg)

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return errors.New("fail")
		})
	}

	failures, state := cb.Counters()
	if failures != 2 {
		t.Errorf("expected 2 consecutive failures, got %d", failures)
	}
	if state != CircuitClosed {
		t.Errorf("expected closed state, got %s", state)
	}

	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return nil
	})

	failures, _ = cb.Counters()
	if failures != 0 {
		t.Errorf("expected 0 consecutive failures after success, got %d", failures)
	}
}

func TestCircuitBreaker_HalfOpenProbeCloses(t *testing.T) {
	now := time.Now()
	cfg := CircuitBreakerConfig{
		FailureThreshold: 2,
		Cooldown:         100 * time.Millisecond,
	}
	cb := NewCircuitBreaker(cfg)
	cb.nowFunc = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return errors.New("fail")
		})
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open state, got %s", cb.State())
	}

	// Advance past the cooldown.
	cb.nowFunc = func() time.Time { return now.Add(200 * time.Millisecond) }

	if cb.State() != CircuitHalfOpen {
		t.Errorf("expected half-open state after cooldown, got %s", cb.State())
	}

	// A single successful probe fully closes the circuit.
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state after successful probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailure_DoublesCooldown(t *testing.T) {
	now := time.Now()
	cfg := CircuitBreakerConfig{
		FailureThreshold: 2,
		Cooldown:         100 * time.Millisecond,
		MaxCooldown:      300 * time.Millisecond,
	}
	cb := NewCircuitBreaker(cfg)
	cb.nowFunc = func() time.Time { return now }

	trip := func() {
		for i := 0; i < 2; i++ {
			_ = cb.Execute(context.Background(), func(_ context.Context) error {
				return errors.New("fail")
			})
		}
	}
	trip()

	if got := cb.Cooldown(); got != 100*time.Millisecond {
		t.Fatalf("expected base cooldown, got %v", got)
	}

	// Fail the half-open probe: cooldown doubles.
	cb.nowFunc = func() time.Time { return now.Add(150 * time.Millisecond) }
	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return errors.New("still failing")
	})
	if got := cb.Cooldown(); got != 200*time.Millisecond {
		t.Errorf("expected doubled cooldown 200ms, got %v", got)
	}

	// Fail another probe: doubling is capped at MaxCooldown.
	cb.nowFunc = func() time.Time { return now.Add(400 * time.Millisecond) }
	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return errors.New("still failing")
	})
	if got := cb.Cooldown(); got != 300*time.Millisecond {
		t.Errorf("expected capped cooldown 300ms, got %v", got)
	}

	// A successful probe restores the base cooldown.
	cb.nowFunc = func() time.Time { return now.Add(800 * time.Millisecond) }
	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return nil
	})
	if got := cb.Cooldown(); got != 100*time.Millisecond {
		t.Errorf("expected base cooldown restored, got %v", got)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state, got %s", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var transitions []struct{ from, to CircuitState }
	cfg := CircuitBreakerConfig{
		FailureThreshold: 2,
		Cooldown:         1 * time.Minute,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, struct{ from, to CircuitState }{from, to})
		},
	}
	cb := NewCircuitBreaker(cfg)

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return errors.New("fail")
		})
	}

	if len(transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(transitions))
	}
	if transitions[0].from != CircuitClosed || transitions[0].to != CircuitOpen {
		t.Errorf("expected closed→open, got %s→%s", transitions[0].from, transitions[0].to)
	}
}

func TestCircuitBreaker_ShouldTrip(t *testing.T) {
	cfg := CircuitBreakerConfig{
		FailureThreshold: 2,
		Cooldown:         1 * time.Minute,
		ShouldTrip:       IsTransient,
	}
	cb := NewCircuitBreaker(cfg)

	// Permanent errors don't count toward the threshold.
	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return NewPermanentError(errors.New("bad auth"), 401)
		})
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed (permanent errors), got %s", cb.State())
	}

	// Transient errors trip.
	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return NewTransientError(errors.New("503"), 503)
		})
	}
	if cb.State() != CircuitOpen {
		t.Errorf("expected open after transient errors, got %s", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cfg := CircuitBreakerConfig{
		FailureThreshold: 2,
		Cooldown:         1 * time.Hour,
	}
	cb := NewCircuitBreaker(cfg)

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return errors.New("fail")
		})
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	cb.Reset()
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after reset, got %s", cb.State())
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	t.Parallel()
	cfg := CircuitBreakerConfig{
		FailureThreshold: 100,
		Cooldown:         1 * time.Minute,
	}
	cb := NewCircuitBreaker(cfg)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(context.Background(), func(_ context.Context) error {
				if i%2 == 0 {
					return errors.New("fail")
				}
				return nil
			})
		}()
	}
	wg.Wait()
	// Just verifying no race/panic.
}

func TestExecuteVal_CircuitOpen(t *testing.T) {
	cfg := CircuitBreakerConfig{
		FailureThreshold: 1,
		Cooldown:         1 * time.Hour,
	}
	cb := NewCircuitBreaker(cfg)

	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return errors.New("fail")
	})

	val, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) {
		return 42, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if val != 0 {
		t.Errorf("expected zero value, got %d", val)
	}
}

func TestProviderBreakers_GetOrCreate(t *testing.T) {
	pb := NewProviderBreakers()
	cfg := DefaultCircuitBreakerConfig()

	cb1 := pb.Get("anthropic", cfg)
	cb2 := pb.Get("anthropic", cfg)
	cb3 := pb.Get("perplexity", cfg)

	if cb1 != cb2 {
		t.Error("expected same breaker for same provider")
	}
	if cb1 == cb3 {
		t.Error("expected different breakers for different providers")
	}
}

func TestProviderBreakers_States(t *testing.T) {
	pb := NewProviderBreakers()
	cfg := CircuitBreakerConfig{
		FailureThreshold: 1,
		Cooldown:         1 * time.Hour,
	}

	cb := pb.Get("anthropic", cfg)
	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return errors.New("fail")
	})
	_ = pb.Get("perplexity", cfg)

	states := pb.States()
	if states["anthropic"] != CircuitOpen {
		t.Errorf("expected anthropic=open, got %s", states["anthropic"])
	}
	if states["perplexity"] != CircuitClosed {
		t.Errorf("expected perplexity=closed, got %s", states["perplexity"])
	}
}
