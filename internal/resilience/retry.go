package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures bounded exponential backoff with jitter.
// Policies are immutable; construct one per call-site category.
type RetryPolicy struct {
	// MaxRetries is the number of retry attempts after the initial call.
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the computed backoff delay.
	MaxDelay time.Duration

	// BackoffMultiplier controls exponential growth between attempts.
	BackoffMultiplier float64

	// JitterFactor applies multiplicative jitter: the computed delay is
	// perturbed by delay * JitterFactor * uniform(-1, 1), floored at zero.
	JitterFactor float64

	// IsRetryable decides whether a failure is worth retrying. Nil means
	// DefaultRetryable.
	IsRetryable func(error) bool

	// OnRetry, if set, is invoked before each backoff sleep with the
	// attempt number, the computed delay and the triggering error. It is
	// for observability only and must never affect control flow.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// LLMRetryPolicy returns the retry policy used for LLM generation calls.
func LLMRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.2,
	}
}

// SearchRetryPolicy returns the retry policy used for web search calls.
func SearchRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        2,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.2,
	}
}

// Delay computes the backoff delay for a given attempt (0-indexed),
// capped at MaxDelay, with multiplicative jitter applied.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}
	if p.JitterFactor > 0 {
		base += base * p.JitterFactor * (rand.Float64()*2 - 1)
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

func (p RetryPolicy) retryable(err error) bool {
	if p.IsRetryable != nil {
		return p.IsRetryable(err)
	}
	return DefaultRetryable(err)
}

// Retry executes op, retrying retryable failures up to MaxRetries times
// with exponential backoff. Non-retryable failures and exhausted
// budgets propagate the original error unchanged.
func Retry[T any](ctx context.Context, policy RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= policy.MaxRetries || !policy.retryable(err) {
			return zero, err
		}
		delay := policy.Delay(attempt)
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, delay, err)
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
	}
}
