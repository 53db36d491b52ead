package resilience

import (
	"context"
	"errors"
	"time"
)

// WithTimeout races op against a timer of duration d. If the timer
// fires first the operation is abandoned (its context is cancelled,
// best effort) and a TimeoutError carrying d is returned. A
// cancellation of the parent context is reported as the parent's error,
// not as a timeout.
func WithTimeout[T any](ctx context.Context, d time.Duration, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if d <= 0 {
		return op(ctx)
	}

	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := op(cctx)
		ch <- outcome{v: v, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, &TimeoutError{Duration: d}
		}
		return out.v, out.err
	case <-cctx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, &TimeoutError{Duration: d}
	}
}
