package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind is a stable classification of a terminal failure. Callers route
// on kinds, never on concrete error types or message text.
type Kind string

const (
	KindNetwork             Kind = "network_error"
	KindTimeout             Kind = "timeout"
	KindRateLimited         Kind = "rate_limited"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindQuotaInsufficient   Kind = "quota_insufficient"
	KindNoResults           Kind = "no_results"
	KindValidation          Kind = "upstream_validation_error"
	KindCancelled           Kind = "cancelled"
	KindUnknown             Kind = "unknown"
)

// Error is the typed failure surfaced to callers of the pipeline. It
// carries a stable kind, a human-readable reason and a retry hint.
type Error struct {
	Kind       Kind
	Message    string
	CanRetry   bool
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed error wrapping cause.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, CanRetry: kindRetryable(kind), Err: cause}
}

func kindRetryable(kind Kind) bool {
	switch kind {
	case KindNetwork, KindTimeout, KindRateLimited, KindProviderUnavailable:
		return true
	default:
		return false
	}
}

// HTTPStatusError represents a non-2xx response from an upstream service.
type HTTPStatusError struct {
	Status int
	Body   string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("upstream status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("upstream status %d", e.Status)
}

// TimeoutError indicates an operation was abandoned after running past
// its configured deadline.
type TimeoutError struct {
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation timed out after %s", e.Duration)
}

// CircuitOpenError is returned without invoking the operation when the
// breaker for a service is open.
type CircuitOpenError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry after %s", e.Service, e.RetryAfter.Round(time.Second))
}

// DefaultRetryable is the default retryability predicate: network
// failures, timeouts, 429 and 5xx responses retry; other 4xx and
// context cancellation do not.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *HTTPStatusError
	if errors.As(err, &se) {
		if se.Status == 429 || se.Status >= 500 {
			return true
		}
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return true
	}
	return false
}

// Classify maps an arbitrary failure onto the error taxonomy. Typed
// errors pass through unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	var co *CircuitOpenError
	if errors.As(err, &co) {
		return &Error{Kind: KindProviderUnavailable, Message: co.Error(), CanRetry: true, RetryAfter: co.RetryAfter, Err: err}
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return &Error{Kind: KindTimeout, Message: te.Error(), CanRetry: true, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCancelled, Message: "cancelled", Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: "deadline exceeded", CanRetry: true, Err: err}
	}
	var se *HTTPStatusError
	if errors.As(err, &se) {
		switch {
		case se.Status == 429:
			return &Error{Kind: KindRateLimited, Message: se.Error(), CanRetry: true, Err: err}
		case se.Status >= 500:
			return &Error{Kind: KindNetwork, Message: se.Error(), CanRetry: true, Err: err}
		default:
			return &Error{Kind: KindValidation, Message: se.Error(), Err: err}
		}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return &Error{Kind: KindNetwork, Message: err.Error(), CanRetry: true, Err: err}
	}
	return &Error{Kind: KindUnknown, Message: err.Error(), Err: err}
}

// IsCancelled reports whether err stems from caller-initiated abort.
// Cancellation is never reported to the user as a pipeline error.
func IsCancelled(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var typed *Error
	return errors.As(err, &typed) && typed.Kind == KindCancelled
}
