package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryNonRetryableCallsOnce(t *testing.T) {
	calls := 0
	policy := RetryPolicy{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffMultiplier: 2}
	_, err := Retry(context.Background(), policy, func(ctx context.Context) (int, error) {
		calls++
		return 0, &HTTPStatusError{Status: 400}
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly one call, got %d", calls)
	}
}

func TestRetryPropagatesOriginalError(t *testing.T) {
	sentinel := errors.New("boom")
	policy := RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 2, IsRetryable: func(error) bool { return true }}
	_, err := Retry(context.Background(), policy, func(ctx context.Context) (int, error) {
		return 0, sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected original error to propagate unchanged, got %v", err)
	}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	policy := RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffMultiplier: 2, IsRetryable: func(error) bool { return true }}
	v, err := Retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "ok" || calls != 3 {
		t.Fatalf("expected success on third call, got %q after %d calls", v, calls)
	}
}

func TestRetryObserverSeesEachSleep(t *testing.T) {
	var attempts []int
	policy := RetryPolicy{
		MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 2,
		IsRetryable: func(error) bool { return true },
		OnRetry: func(attempt int, delay time.Duration, err error) {
			attempts = append(attempts, attempt)
			if err == nil {
				t.Errorf("observer called without triggering error")
			}
		},
	}
	_, _ = Retry(context.Background(), policy, func(ctx context.Context) (int, error) {
		return 0, errors.New("always")
	})
	if len(attempts) != 2 || attempts[0] != 0 || attempts[1] != 1 {
		t.Fatalf("expected observer for attempts [0 1], got %v", attempts)
	}
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxRetries: 10, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffMultiplier: 2, IsRetryable: func(error) bool { return true }}
	done := make(chan error, 1)
	go func() {
		_, err := Retry(ctx, policy, func(ctx context.Context) (int, error) {
			return 0, errors.New("transient")
		})
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("retry did not observe cancellation")
	}
}

func TestDelayBoundedAndNonDecreasing(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries:        50,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.25,
	}
	// Expected (jitter-free) delay must be non-decreasing; the jittered
	// delay must never exceed MaxDelay plus the jitter band.
	upper := time.Duration(float64(policy.MaxDelay) * (1 + policy.JitterFactor))
	prevExpected := time.Duration(0)
	for attempt := 0; attempt <= 50; attempt++ {
		noJitter := policy
		noJitter.JitterFactor = 0
		expected := noJitter.Delay(attempt)
		if expected < prevExpected {
			t.Fatalf("expected delay decreased at attempt %d: %s < %s", attempt, expected, prevExpected)
		}
		prevExpected = expected

		for i := 0; i < 20; i++ {
			d := policy.Delay(attempt)
			if d < 0 {
				t.Fatalf("negative delay at attempt %d: %s", attempt, d)
			}
			if d > upper {
				t.Fatalf("delay exceeds cap at attempt %d: %s > %s", attempt, d, upper)
			}
		}
	}
	if prevExpected != policy.MaxDelay {
		t.Fatalf("expected terminal delay to settle at MaxDelay, got %s", prevExpected)
	}
}
