package models

import (
	"errors"
	"fmt"
)

// ErrorCode is the machine-readable code carried on every surfaced error.
type ErrorCode string

const (
	ErrAuthFailed        ErrorCode = "AUTH_FAILED"
	ErrTokenExpired      ErrorCode = "TOKEN_EXPIRED"
	ErrRateLimited       ErrorCode = "RATE_LIMITED"
	ErrQueryFailed       ErrorCode = "QUERY_FAILED"
	ErrLogTooLarge       ErrorCode = "LOG_TOO_LARGE"
	ErrTraceFlagConflict ErrorCode = "TRACE_FLAG_CONFLICT"
	ErrCancelled         ErrorCode = "CANCELLED"
	ErrTimeout           ErrorCode = "TIMEOUT"
	ErrSchemaUnsupported ErrorCode = "SCHEMA_UNSUPPORTED"
)

// AppError is the typed error crossing every service boundary. Expected
// conditions are modelled as values; panic-style unwinding is reserved
// for invariant violations.
type AppError struct {
	Code       ErrorCode
	Message    string
	Suggestion string // Short human-readable next step
	Retryable  bool   // Transient errors the caller may retry
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

// NewError constructs an AppError with no cause.
func NewError(code ErrorCode, message, suggestion string) *AppError {
	return &AppError{Code: code, Message: message, Suggestion: suggestion}
}

// WrapError attaches a code and message to an underlying cause.
func WrapError(code ErrorCode, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Cause: cause}
}

// Retryable marks the error as transient and returns it.
func (e *AppError) AsRetryable() *AppError {
	e.Retryable = true
	return e
}

// CodeOf extracts the ErrorCode from err, or "" when err carries none.
func CodeOf(err error) ErrorCode {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether err is a transient error worth retrying.
func IsRetryable(err error) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}
