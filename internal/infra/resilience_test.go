package infra

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDeduplicator_SingleCall(t *testing.T) {
	d := NewDeduplicator[string]()

	got, shared, err := d.Do(context.Background(), "ns", func() (string, error) {
		return "namespaces", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if shared {
		t.Error("first call should not be shared")
	}
	if got != "namespaces" {
		t.Errorf("got %q, want namespaces", got)
	}
	if d.InFlight() != 0 {
		t.Errorf("expected no in-flight calls, got %d", d.InFlight())
	}
}

func TestDeduplicator_ConcurrentCallsShareResult(t *testing.T) {
	d := NewDeduplicator[int]()
	var calls int32
	release := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]int, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, _ := d.Do(context.Background(), "rev:7", func() (int, error) {
				if atomic.AddInt32(&calls, 1) == 1 {
					close(started)
				}
				<-release
				return 7, nil
			})
			results[i] = v
		}(i)
	}

	<-started
	// Give the waiters time to join the in-flight call.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected fn to run once, ran %d times", n)
	}
	for i, v := range results {
		if v != 7 {
			t.Errorf("result[%d] = %d, want 7", i, v)
		}
	}
}

func TestDeduplicator_ErrorPropagation(t *testing.T) {
	d := NewDeduplicator[int]()
	want := errors.New("boom")
	_, _, err := d.Do(context.Background(), "k", func() (int, error) { return 0, want })
	if !errors.Is(err, want) {
		t.Errorf("expected %v, got %v", want, err)
	}
}

func TestDeduplicator_WaiterContextCancellation(t *testing.T) {
	d := NewDeduplicator[int]()
	release := make(chan struct{})
	started := make(chan struct{})
	defer close(release)

	go d.Do(context.Background(), "slow", func() (int, error) {
		close(started)
		<-release
		return 1, nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, shared, err := d.Do(ctx, "slow", func() (int, error) { return 2, nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if shared {
		t.Error("canceled waiter should not report a shared result")
	}
}

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: 10 * time.Second, HalfOpenMax: 1})
	cb.now = clock.Now
	return cb
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{})
	if cb.cfg != DefaultBreakerConfig() {
		t.Errorf("expected defaults, got %+v", cb.cfg)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %v", cb.State())
	}
}

func TestCircuitBreaker_Lifecycle(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		if err := cb.Allow(); err != nil {
			t.Fatalf("closed breaker rejected request %d: %v", i, err)
		}
		cb.RecordFailure()
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open after threshold, got %v", cb.State())
	}

	err := cb.Allow()
	var open *ErrCircuitOpen
	if !errors.As(err, &open) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if open.Failures != 3 {
		t.Errorf("Failures = %d, want 3", open.Failures)
	}

	clock.Advance(11 * time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatalf("expected probe to be allowed, got %v", err)
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %v", cb.State())
	}
	if err := cb.Allow(); err == nil {
		t.Error("half-open breaker should only allow HalfOpenMax probes")
	}

	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after successful probe, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	clock.Advance(11 * time.Second)
	_ = cb.Allow()
	cb.RecordFailure()

	if cb.State() != CircuitOpen {
		t.Errorf("expected open after failed probe, got %v", cb.State())
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := newTestBreaker(newFakeClock())
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()

	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %v", cb.State())
	}
	if s := cb.Stats(); s.ConsecutiveFails != 1 || s.State != "closed" {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestCircuitState_String(t *testing.T) {
	tests := map[CircuitState]string{
		CircuitClosed:    "closed",
		CircuitOpen:      "open",
		CircuitHalfOpen:  "half-open",
		CircuitState(99): "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}

func TestErrCircuitOpen_Error(t *testing.T) {
	err := &ErrCircuitOpen{State: "open", RetryAt: time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC)}
	if !strings.Contains(err.Error(), "2024-01-01T00:00:30Z") {
		t.Errorf("error should mention retry time: %s", err.Error())
	}
}

func TestCircuitBreaker_ConcurrencySafety(t *testing.T) {
	cb := NewCircuitBreaker(DefaultBreakerConfig())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = cb.Allow()
			if n%2 == 0 {
				cb.RecordFailure()
			} else {
				cb.RecordSuccess()
			}
			_ = cb.Stats()
		}(i)
	}
	wg.Wait()
}
