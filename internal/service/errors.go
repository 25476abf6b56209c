package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/chatrelay/internal/ratelimit"
)

// Domain error kinds. Callers attach detail with fmt.Errorf("%w: ...", Err...)
// and boundaries classify with errors.Is.
var (
	ErrValidation          = errors.New("validation error")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrNotFound            = errors.New("not found")
	ErrOperationNotAllowed = errors.New("operation not allowed")
	ErrRateLimitExceeded   = ratelimit.ErrRateLimitExceeded
)

// RateLimitError carries the back-off hint of a rejected attempt.
type RateLimitError struct {
	Policy     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: %s, retry after %s", ErrRateLimitExceeded, e.Policy, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimitExceeded }

// Error codes shared by the HTTP and websocket boundaries.
const (
	CodeValidation          = "validation_error"
	CodeUnauthorized        = "unauthorized"
	CodeNotFound            = "not_found"
	CodeOperationNotAllowed = "operation_not_allowed"
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeInternal            = "internal_error"
)

// Code classifies err into one of the Code* constants.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrOperationNotAllowed):
		return CodeOperationNotAllowed
	case errors.Is(err, ErrRateLimitExceeded):
		return CodeRateLimitExceeded
	default:
		return CodeInternal
	}
}

// IsExpected reports whether err is one of the domain kinds rather than an internal fault.
func IsExpected(err error) bool {
	return Code(err) != CodeInternal
}
