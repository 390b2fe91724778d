package client

import (
	"context"
	"errors"

	"github.com/sony/gobreaker"
)

// ErrorCategory is a stable label for error classification in metrics and batch failure reasons.
type ErrorCategory string

// Error category constants used as metric labels and FailureReason.Category.
const (
	ErrorCategoryNetwork           ErrorCategory = "network"
	ErrorCategoryTimeout           ErrorCategory = "timeout"
	ErrorCategoryRateLimited       ErrorCategory = "rate_limited"
	ErrorCategoryMalformedResponse ErrorCategory = "malformed_response"
	ErrorCategoryValidation        ErrorCategory = "validation"
	ErrorCategoryCircuitOpen       ErrorCategory = "circuit_open"
	ErrorCategoryDeadlineExceeded  ErrorCategory = "deadline_exceeded"
	ErrorCategoryCanceled          ErrorCategory = "canceled"
	ErrorCategoryStorage           ErrorCategory = "storage"
	ErrorCategoryUnknown           ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrorCategoryCircuitOpen
	}

	var (
		netErr       *NetworkError
		timeoutErr   *TimeoutError
		rateErr      *RateLimitError
		malformedErr *MalformedResponseError
		validErr     *ValidationError
	)
	switch {
	case errors.As(err, &rateErr):
		return ErrorCategoryRateLimited
	case errors.As(err, &malformedErr):
		return ErrorCategoryMalformedResponse
	case errors.As(err, &validErr):
		return ErrorCategoryValidation
	case errors.As(err, &timeoutErr):
		return ErrorCategoryTimeout
	case errors.As(err, &netErr):
		return ErrorCategoryNetwork
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorCategoryDeadlineExceeded
	case errors.Is(err, context.Canceled):
		return ErrorCategoryCanceled
	}
	return ErrorCategoryUnknown
}
