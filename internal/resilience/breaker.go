package resilience

import (
	"context"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips
	// a closed breaker open.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes in
	// half-open that closes the breaker again.
	SuccessThreshold int

	// ResetTimeout is how long an open breaker rejects requests before
	// allowing a half-open probe.
	ResetTimeout time.Duration

	// OnStateChange, if set, is called after each transition. Used for
	// metrics; must not block.
	OnStateChange func(service string, from, to BreakerState)
}

// DefaultBreakerConfig returns the breaker tuning used when a service
// has no explicit configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
	}
}

// BreakerStats is a point-in-time snapshot of a breaker's counters.
type BreakerStats struct {
	Service              string
	State                BreakerState
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	TotalRequests        int64
	TotalFailures        int64
	TotalSuccesses       int64
	LastFailure          time.Time
}

// Breaker is a per-service failure-tracking state machine. All counter
// access is serialized; a single breaker may be shared by concurrent
// pipeline runs. Breakers are owned by the Registry that created them.
type Breaker struct {
	service string
	cfg     BreakerConfig

	mu                   sync.Mutex
	state                BreakerState
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailure          time.Time
	totalRequests        int64
	totalFailures        int64
	totalSuccesses       int64

	now func() time.Time // injected for tests
}

// NewBreaker creates a closed breaker for the named service.
func NewBreaker(service string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultBreakerConfig().SuccessThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultBreakerConfig().ResetTimeout
	}
	return &Breaker{service: service, cfg: cfg, now: time.Now}
}

// Service returns the service key this breaker guards.
func (b *Breaker) Service() string { return b.service }

// Allow reports whether a request may proceed. For an open breaker
// whose reset timeout has elapsed, the check itself transitions the
// breaker to half-open and returns true.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowLocked()
}

func (b *Breaker) allowLocked() bool {
	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
			b.transitionLocked(StateHalfOpen)
			b.consecutiveSuccesses = 0
			return true
		}
		return false
	}
	return false
}

// RetryAfter returns the remaining reset timeout for an open breaker,
// zero otherwise.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	remaining := b.cfg.ResetTimeout - b.now().Sub(b.lastFailure)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// RecordSuccess notes a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalRequests++
	b.totalSuccesses++
	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed)
			b.consecutiveFailures = 0
			b.consecutiveSuccesses = 0
		}
	}
}

// RecordFailure notes a failed request. A half-open breaker reopens on
// the first failure.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalRequests++
	b.totalFailures++
	b.lastFailure = b.now()
	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.transitionLocked(StateOpen)
		b.consecutiveFailures = 0
		b.consecutiveSuccesses = 0
	}
}

func (b *Breaker) transitionLocked(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.service, from, to)
	}
}

// Execute runs op through the breaker. An open breaker fails fast with
// CircuitOpenError without invoking op; otherwise the outcome of op is
// recorded and its error re-raised unchanged. This is the only way
// success and failure are recorded.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if !b.Allow() {
		return &CircuitOpenError{Service: b.service, RetryAfter: b.RetryAfter()}
	}
	err := op(ctx)
	if err != nil {
		// Caller-initiated aborts say nothing about service health.
		if IsCancelled(err) {
			return err
		}
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current state, applying the open to half-open
// timeout transition if due.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		b.transitionLocked(StateHalfOpen)
		b.consecutiveSuccesses = 0
	}
	return b.state
}

// Stats returns a snapshot of the breaker counters.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		Service:              b.service,
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		TotalRequests:        b.totalRequests,
		TotalFailures:        b.totalFailures,
		TotalSuccesses:       b.totalSuccesses,
		LastFailure:          b.lastFailure,
	}
}

// Reset returns the breaker to a fresh closed state. Lifetime counters
// are preserved.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateClosed)
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.lastFailure = time.Time{}
}
