package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestBreaker(cfg BreakerConfig) (*Breaker, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := NewBreaker("test-service", cfg)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	for _, k := range []int{1, 3, 5} {
		b, _ := newTestBreaker(BreakerConfig{FailureThreshold: k, SuccessThreshold: 2, ResetTimeout: 30 * time.Second})
		for i := 0; i < k-1; i++ {
			b.RecordFailure()
			if !b.Allow() {
				t.Fatalf("threshold %d: breaker opened after %d failures", k, i+1)
			}
		}
		b.RecordFailure()
		if b.Allow() {
			t.Fatalf("threshold %d: breaker still closed after %d failures", k, k)
		}
		if st := b.Stats(); st.LastFailure.IsZero() {
			t.Fatalf("open breaker must record last failure timestamp")
		}
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, ResetTimeout: time.Second})
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if !b.Allow() {
		t.Fatalf("success should have reset consecutive failures")
	}
	b.RecordFailure()
	if b.Allow() {
		t.Fatalf("expected open after three consecutive failures")
	}
}

func TestBreakerHalfOpenAfterResetTimeout(t *testing.T) {
	b, now := newTestBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, ResetTimeout: 30 * time.Second})
	b.RecordFailure()
	if b.Allow() {
		t.Fatalf("expected open")
	}
	*now = now.Add(29 * time.Second)
	if b.Allow() {
		t.Fatalf("reset timeout not elapsed yet")
	}
	*now = now.Add(time.Second)
	// The allowance check itself performs the transition.
	if !b.Allow() {
		t.Fatalf("expected half-open probe to be allowed")
	}
	if st := b.State(); st != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", st)
	}
}

func TestBreakerHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b, now := newTestBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, ResetTimeout: time.Second})
	b.RecordFailure()
	*now = now.Add(2 * time.Second)
	if !b.Allow() {
		t.Fatalf("expected probe allowed")
	}
	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatalf("one success should not close yet")
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("expected closed after success threshold")
	}
	st := b.Stats()
	if st.ConsecutiveFailures != 0 || st.ConsecutiveSuccesses != 0 {
		t.Fatalf("expected counters reset on close, got %+v", st)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(BreakerConfig{FailureThreshold: 2, SuccessThreshold: 2, ResetTimeout: 10 * time.Second})
	b.RecordFailure()
	b.RecordFailure()
	*now = now.Add(11 * time.Second)
	if !b.Allow() {
		t.Fatalf("expected probe allowed")
	}
	reopenedAt := *now
	b.RecordFailure()
	if b.Allow() {
		t.Fatalf("single half-open failure must reopen immediately")
	}
	st := b.Stats()
	if st.State != StateOpen {
		t.Fatalf("expected open, got %s", st.State)
	}
	if st.ConsecutiveFailures != 0 || st.ConsecutiveSuccesses != 0 {
		t.Fatalf("reopen must look like a fresh open transition, got %+v", st)
	}
	if !st.LastFailure.Equal(reopenedAt) {
		t.Fatalf("reopen must refresh last failure timestamp")
	}
	// Full reset timeout applies again from the new failure.
	*now = now.Add(9 * time.Second)
	if b.Allow() {
		t.Fatalf("reset timeout must restart from reopen")
	}
}

func TestBreakerExecuteFailsFastWhenOpen(t *testing.T) {
	b, now := newTestBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: 30 * time.Second})
	b.RecordFailure()
	*now = now.Add(10 * time.Second)
	invoked := false
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if invoked {
		t.Fatalf("open breaker must not invoke the operation")
	}
	var co *CircuitOpenError
	if !errors.As(err, &co) {
		t.Fatalf("expected CircuitOpenError, got %v", err)
	}
	if co.RetryAfter != 20*time.Second {
		t.Fatalf("expected retry-after of remaining reset timeout, got %s", co.RetryAfter)
	}
}

func TestBreakerExecuteRecordsOutcome(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, ResetTimeout: time.Second})
	sentinel := errors.New("downstream")
	if err := b.Execute(context.Background(), func(ctx context.Context) error { return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("expected original error re-raised, got %v", err)
	}
	if st := b.Stats(); st.TotalFailures != 1 || st.ConsecutiveFailures != 1 {
		t.Fatalf("failure not recorded: %+v", st)
	}
	if err := b.Execute(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st := b.Stats(); st.TotalSuccesses != 1 || st.ConsecutiveFailures != 0 {
		t.Fatalf("success not recorded: %+v", st)
	}
}

func TestBreakerExecuteIgnoresCancellation(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Second})
	err := b.Execute(context.Background(), func(ctx context.Context) error { return context.Canceled })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation to propagate, got %v", err)
	}
	if st := b.Stats(); st.State != StateClosed || st.ConsecutiveFailures != 0 {
		t.Fatalf("cancellation must not count against service health: %+v", st)
	}
}

func TestBreakerStateChangeHook(t *testing.T) {
	var transitions []string
	cfg := BreakerConfig{
		FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Second,
		OnStateChange: func(service string, from, to BreakerState) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	}
	b, now := newTestBreaker(cfg)
	b.RecordFailure()
	*now = now.Add(2 * time.Second)
	b.Allow()
	b.RecordSuccess()
	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, transitions)
		}
	}
}
