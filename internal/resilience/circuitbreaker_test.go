package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func failing(ctx context.Context) error { return errBoom }
func passing(ctx context.Context) error { return nil }

func TestCircuitOpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	var transitions []CircuitState
	cb := NewCircuitBreaker("broker", CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
		OnStateChange: func(name string, from, to CircuitState) {
			transitions = append(transitions, to)
		},
	}).WithClock(clock.now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, failing); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: got %v", i, err)
		}
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %s, want OPEN", cb.State())
	}
	if err := cb.Execute(ctx, passing); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("open circuit should refuse, got %v", err)
	}

	clock.advance(2 * time.Minute)
	if err := cb.Execute(ctx, passing); err != nil {
		t.Fatalf("probe after reset timeout: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("state = %s, want CLOSED", cb.State())
	}

	want := []CircuitState{CircuitOpen, CircuitHalfOpen, CircuitClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}

	stats := cb.Stats()
	if stats.Refused != 1 || stats.Failures != 3 || stats.Calls != 5 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("broker", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second}).WithClock(clock.now)
	ctx := context.Background()

	cb.Execute(ctx, failing)
	clock.advance(2 * time.Second)
	cb.Execute(ctx, failing)
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %s, want OPEN", cb.State())
	}
	if err := cb.Execute(ctx, passing); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("reopened circuit should refuse, got %v", err)
	}
}

func TestIgnoredErrorsDoNotTrip(t *testing.T) {
	cb := NewCircuitBreaker("broker", CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		IsFailure:        func(err error) bool { return !errors.Is(err, errBoom) },
	})

	for i := 0; i < 5; i++ {
		cb.Execute(context.Background(), failing)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("non-counted errors opened the circuit")
	}
}

func TestExecuteWithResult(t *testing.T) {
	cb := NewCircuitBreaker("broker", DefaultCircuitBreakerConfig())
	v, err := ExecuteWithResult(cb, context.Background(), func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Errorf("got %d, %v", v, err)
	}
	if rate := cb.Stats().FailureRate(); rate != 0 {
		t.Errorf("failure rate = %v", rate)
	}
}
