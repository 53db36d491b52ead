package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCallComposesRetryAndTimeout(t *testing.T) {
	calls := 0
	opts := CallOptions{
		Name:    "flaky",
		Timeout: time.Second,
		Retry:   RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 2, IsRetryable: func(error) bool { return true }},
	}
	v, err := Call(context.Background(), opts, func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("unexpected result: %q, %v", v, err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestCallBreakerSeesFinalOutcomeNotEachAttempt(t *testing.T) {
	b := NewBreaker("svc", BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, ResetTimeout: time.Minute})
	opts := CallOptions{
		Timeout: time.Second,
		Retry:   RetryPolicy{MaxRetries: 4, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 2, IsRetryable: func(error) bool { return true }},
		Breaker: b,
	}
	_, err := Call(context.Background(), opts, func(ctx context.Context) (int, error) {
		return 0, errors.New("always failing")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	// Five attempts happened, but the breaker records one failure: the
	// retries' final outcome.
	if st := b.Stats(); st.TotalFailures != 1 || st.ConsecutiveFailures != 1 {
		t.Fatalf("breaker should record final outcome only: %+v", st)
	}
}

func TestCallFailsFastOnOpenBreaker(t *testing.T) {
	b := NewBreaker("svc", BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Minute})
	b.RecordFailure()
	invoked := false
	opts := CallOptions{Timeout: time.Second, Retry: SearchRetryPolicy(), Breaker: b}
	_, err := Call(context.Background(), opts, func(ctx context.Context) (int, error) {
		invoked = true
		return 1, nil
	})
	var co *CircuitOpenError
	if !errors.As(err, &co) {
		t.Fatalf("expected CircuitOpenError, got %v", err)
	}
	if invoked {
		t.Fatalf("operation must not run against an open breaker")
	}
}

func TestCallEachAttemptIndependentlyTimedOut(t *testing.T) {
	calls := 0
	opts := CallOptions{
		Timeout: 15 * time.Millisecond,
		Retry:   RetryPolicy{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 2},
	}
	start := time.Now()
	_, err := Call(context.Background(), opts, func(ctx context.Context) (int, error) {
		calls++
		<-ctx.Done()
		return 0, ctx.Err()
	})
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("timeouts are retryable by default, expected 2 attempts, got %d", calls)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("attempts not bounded individually")
	}
}
