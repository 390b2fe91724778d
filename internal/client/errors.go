package client

import (
	"errors"
	"fmt"
	"time"
)

// NetworkError is a transport-level or transient upstream failure (connection refused,
// reset, 5xx, open circuit). Retryable.
type NetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("network error: %s: HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("network error: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Retryable reports that network errors are transient.
func (e *NetworkError) Retryable() bool { return true }

// TimeoutError is returned when a request exceeds its deadline. Retryable.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("request timeout: %v", e.Err) }

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) Retryable() bool { return true }

// RateLimitError is returned on HTTP 429. RetryAfter carries the server hint when sent.
// Retryable with a minimum backoff.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

func (e *RateLimitError) Retryable() bool { return true }

// MalformedResponseError is returned when the response does not match the expected schema
// or the upstream rejects the request as invalid. Not retryable.
type MalformedResponseError struct {
	Reason     string
	StatusCode int
	Err        error
}

func (e *MalformedResponseError) Error() string {
	msg := "malformed response: " + e.Reason
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

func (e *MalformedResponseError) Retryable() bool { return false }

// ValidationError is returned for invalid request input (horizon, coordinates). Not retryable.
type ValidationError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%v: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Retryable() bool { return false }

type retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err belongs to the transient part of the taxonomy.
// Unknown errors are not retried.
func IsRetryable(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// RetryAfter returns the server supplied delay for a rate-limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
