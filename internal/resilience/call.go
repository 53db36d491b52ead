package resilience

import (
	"context"
	"time"
)

// CallOptions configures a resilient call.
type CallOptions struct {
	// Name identifies the call for logging and observer callbacks.
	Name string

	// Timeout bounds each individual attempt. Zero disables the wrapper.
	Timeout time.Duration

	// Retry is the backoff policy applied across attempts.
	Retry RetryPolicy

	// Breaker, if non-nil, wraps the whole retry loop so a trip is
	// informed by the retries' final outcome, not each attempt.
	Breaker *Breaker
}

// Call is the unit every external request goes through: timeout per
// attempt, retry across attempts, and optionally a circuit breaker
// around the composition.
func Call[T any](ctx context.Context, opts CallOptions, op func(context.Context) (T, error)) (T, error) {
	attempt := func(ctx context.Context) (T, error) {
		return WithTimeout(ctx, opts.Timeout, op)
	}
	if opts.Breaker == nil {
		return Retry(ctx, opts.Retry, attempt)
	}

	var result T
	err := opts.Breaker.Execute(ctx, func(ctx context.Context) error {
		v, err := Retry(ctx, opts.Retry, attempt)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
