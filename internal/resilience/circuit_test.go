package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errUnavailable = &ExternalCallError{Service: "eln", Status: 503, Err: errors.New("service unavailable")}

func failN(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return errUnavailable
		})
	}
}

func TestCircuitBreaker_ClosedState_PassesThrough(t *testing.T) {
	cb := NewCircuitBreaker("eln", DefaultCircuitBreakerConfig())

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
	cb := NewCircuitBreaker("eln", CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	failN(cb, 3)

	if cb.State() != CircuitOpen {
		t.Fatalf("expected open state, got %s", cb.State())
	}

	err := cb.Execute(context.Background(), func(_ context.Context) error {
		t.Error("should not be called when circuit is open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	cb := NewCircuitBreaker("eln", CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return &ExternalCallError{Service: "eln", Status: 401, Err: errors.New("bad token")}
		})
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state after 4xx errors, got %s", cb.State())
	}
}

func TestCircuitBreaker_SuccessResetsCounter(t *testing.T) {
	cb := NewCircuitBreaker("eln", CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	failN(cb, 2)

	failures, state := cb.Counters()
	if failures != 2 || state != CircuitClosed {
		t.Fatalf("expected 2 failures while closed, got %d %s", failures, state)
	}

	_ = cb.Execute(context.Background(), func(_ context.Context) error { return nil })
	failures, _ = cb.Counters()
	if failures != 0 {
		t.Errorf("expected counter reset, got %d", failures)
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker("sharepoint", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 100 * time.Millisecond})
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }
	failN(cb, 1)

	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	cb.nowFunc = func() time.Time { return now.Add(200 * time.Millisecond) }
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open after reset timeout, got %s", cb.State())
	}

	err := cb.Execute(context.Background(), func(_ context.Context) error { return nil })
	if err != nil {
		t.Fatalf("probe should pass: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after successful probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("sharepoint", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 100 * time.Millisecond})
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }
	failN(cb, 1)

	now = now.Add(200 * time.Millisecond)
	failN(cb, 1)

	_, state := cb.Counters()
	if state != CircuitOpen {
		t.Errorf("expected reopened circuit, got %s", state)
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var mu sync.Mutex
	var changes []string
	cb := NewCircuitBreaker("eln", CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange: func(service string, from, to CircuitState) {
			mu.Lock()
			defer mu.Unlock()
			changes = append(changes, service+":"+from.String()+"->"+to.String())
		},
	})
	failN(cb, 1)
	cb.Reset()

	want := []string{"eln:closed->open", "eln:open->closed"}
	if len(changes) != len(want) {
		t.Fatalf("expected %v, got %v", want, changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change %d: expected %q, got %q", i, want[i], changes[i])
		}
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker("eln", CircuitBreakerConfig{FailureThreshold: 1000, ResetTimeout: time.Minute})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = cb.Execute(context.Background(), func(_ context.Context) error {
				if i%2 == 0 {
					return errUnavailable
				}
				return nil
			})
		}(i)
	}
	wg.Wait()
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestExecuteVal_ReturnsValue(t *testing.T) {
	cb := NewCircuitBreaker("eln", DefaultCircuitBreakerConfig())
	id, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (string, error) {
		return "entry-1", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "entry-1" {
		t.Errorf("expected entry-1, got %q", id)
	}
}

func TestServiceBreakers(t *testing.T) {
	sb := NewServiceBreakers(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	eln := sb.Get("eln")
	if sb.Get("eln") != eln {
		t.Error("expected the same breaker for the same service")
	}
	failN(eln, 1)
	sb.Get("sharepoint")

	states := sb.States()
	if states["eln"] != CircuitOpen {
		t.Errorf("expected eln open, got %s", states["eln"])
	}
	if states["sharepoint"] != CircuitClosed {
		t.Errorf("expected sharepoint closed, got %s", states["sharepoint"])
	}
}

func TestFromCircuitConfig(t *testing.T) {
	cfg := FromCircuitConfig(7, 45)
	if cfg.FailureThreshold != 7 || cfg.ResetTimeout != 45*time.Second {
		t.Errorf("unexpected config %+v", cfg)
	}
	cfg = FromCircuitConfig(0, 0)
	if cfg.FailureThreshold != 5 || cfg.ResetTimeout != 30*time.Second {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestCircuitState_String(t *testing.T) {
	tests := map[CircuitState]string{
		CircuitClosed:    "closed",
		CircuitOpen:      "open",
		CircuitHalfOpen:  "half-open",
		CircuitState(42): "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("expected %q, got %q", want, s.String())
		}
	}
}
