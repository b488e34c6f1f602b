package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a unified error code across the service.
type ErrorCode string

// Caller-facing error codes.
const (
	ErrValidation        ErrorCode = "VALIDATION_ERROR"
	ErrJobNotFound       ErrorCode = "JOB_NOT_FOUND"
	ErrDuplicateID       ErrorCode = "DUPLICATE_ID"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrUnauthorized      ErrorCode = "UNAUTHORIZED"
)

// Provider failure codes. These are the retryable unit-level failures the
// orchestrator absorbs; they never surface to the caller directly.
const (
	ErrThrottled     ErrorCode = "THROTTLED"
	ErrTimeout       ErrorCode = "TIMEOUT"
	ErrProviderError ErrorCode = "PROVIDER_ERROR"
)

// Internal error codes.
const (
	ErrInternal      ErrorCode = "INTERNAL_ERROR"
	ErrConfiguration ErrorCode = "CONFIGURATION_ERROR"
	ErrStoreClosed   ErrorCode = "STORE_CLOSED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	// RetryAfter carries an explicit provider-supplied backoff hint.
	// Zero means the provider gave none.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Cause      error         `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: defaultRetryable(code)}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithRetryAfter records an explicit retry-after hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

func defaultRetryable(code ErrorCode) bool {
	switch code {
	case ErrThrottled, ErrTimeout, ErrProviderError:
		return true
	}
	return false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// RetryAfterHint extracts a provider-supplied retry-after hint, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}
