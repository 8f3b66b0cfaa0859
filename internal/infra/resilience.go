// Package infra provides resilience building blocks shared by the wiki API
// clients: a circuit breaker per endpoint, in-flight request coalescing and a
// TTL cache.
package infra

import (
	"context"
	"sync"
	"time"
)

// Deduplicator coalesces identical in-flight lookups against a wiki.
// When several goroutines ask for the same key at the same time, fn runs
// once and every waiter receives its result.
type Deduplicator[V any] struct {
	mu       sync.Mutex
	inflight map[string]*call[V]
}

type call[V any] struct {
	done    chan struct{}
	result  V
	err     error
	waiters int
}

// NewDeduplicator creates an empty Deduplicator.
func NewDeduplicator[V any]() *Deduplicator[V] {
	return &Deduplicator[V]{inflight: make(map[string]*call[V])}
}

// Do executes fn unless a call with the same key is already running, in which
// case it waits for that call. The boolean reports whether the result was shared.
func (d *Deduplicator[V]) Do(ctx context.Context, key string, fn func() (V, error)) (V, bool, error) {
	d.mu.Lock()
	if c, ok := d.inflight[key]; ok {
		c.waiters++
		d.mu.Unlock()

		select {
		case <-c.done:
			return c.result, true, c.err
		case <-ctx.Done():
			var zero V
			return zero, false, ctx.Err()
		}
	}

	c := &call[V]{done: make(chan struct{}), waiters: 1}
	d.inflight[key] = c
	d.mu.Unlock()

	c.result, c.err = fn()
	close(c.done)

	d.mu.Lock()
	delete(d.inflight, key)
	d.mu.Unlock()

	return c.result, false, c.err
}

// InFlight returns the number of keys currently being fetched.
func (d *Deduplicator[V]) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // requests flow
	CircuitOpen                         // failing fast
	CircuitHalfOpen                     // probing for recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a CircuitBreaker.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	ResetTimeout     time.Duration // time in open state before probing
	HalfOpenMax      int           // probe requests allowed while half-open
}

// DefaultBreakerConfig opens after 5 consecutive failures and probes again after 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HalfOpenMax:      2,
	}
}

// CircuitBreaker stops hammering a wiki endpoint that keeps failing.
type CircuitBreaker struct {
	mu  sync.Mutex
	cfg BreakerConfig
	now func() time.Time

	state            CircuitState
	consecutiveFails int
	lastFailure      time.Time
	halfOpenCount    int
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultBreakerConfig().ResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = DefaultBreakerConfig().HalfOpenMax
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now, state: CircuitClosed}
}

// Allow reports whether a request may be sent. It returns an *ErrCircuitOpen
// while the breaker is rejecting requests.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailure) > cb.cfg.ResetTimeout {
			cb.state = CircuitHalfOpen
			cb.halfOpenCount = 1
			return nil
		}
	case CircuitHalfOpen:
		if cb.halfOpenCount < cb.cfg.HalfOpenMax {
			cb.halfOpenCount++
			return nil
		}
	}
	return &ErrCircuitOpen{
		State:    cb.state.String(),
		RetryAt:  cb.lastFailure.Add(cb.cfg.ResetTimeout),
		Failures: cb.consecutiveFails,
	}
}

// RecordSuccess resets the failure count and closes a half-open breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFails = 0
	if cb.state == CircuitHalfOpen {
		cb.state = CircuitClosed
		cb.halfOpenCount = 0
	}
}

// RecordFailure counts a failure and opens the breaker when the threshold is hit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFails++
	cb.lastFailure = cb.now()

	switch cb.state {
	case CircuitClosed:
		if cb.consecutiveFails >= cb.cfg.FailureThreshold {
			cb.state = CircuitOpen
		}
	case CircuitHalfOpen:
		cb.state = CircuitOpen
		cb.halfOpenCount = 0
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot for diagnostics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:            cb.state.String(),
		ConsecutiveFails: cb.consecutiveFails,
		LastFailure:      cb.lastFailure,
	}
}

// CircuitBreakerStats contains circuit breaker statistics.
type CircuitBreakerStats struct {
	State            string    `json:"state"`
	ConsecutiveFails int       `json:"consecutive_failures"`
	LastFailure      time.Time `json:"last_failure,omitempty"`
}

// ErrCircuitOpen is returned while a breaker rejects requests.
type ErrCircuitOpen struct {
	State    string
	RetryAt  time.Time
	Failures int
}

func (e *ErrCircuitOpen) Error() string {
	return "circuit breaker is " + e.State + ": wiki endpoint is failing, retry after " + e.RetryAt.Format(time.RFC3339)
}
