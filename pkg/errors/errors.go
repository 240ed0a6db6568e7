package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the failure classes the sync engine distinguishes
type ErrorType string

const (
	ErrorTypeTransientNetwork       ErrorType = "transient_network"
	ErrorTypeRateLimited            ErrorType = "rate_limited"
	ErrorTypeSessionInvalid         ErrorType = "session_invalid"
	ErrorTypeValidation             ErrorType = "validation"
	ErrorTypePermanentTargetMissing ErrorType = "permanent_target_missing"
	ErrorTypeNotFound               ErrorType = "not_found"
	ErrorTypeAuth                   ErrorType = "auth"
	ErrorTypeCanceled               ErrorType = "canceled"
	ErrorTypeConfig                 ErrorType = "config"
	ErrorTypeUnknown                ErrorType = "unknown"
)

// Error is the typed failure returned by every component. Callers branch on
// Type instead of relying on panics or sentinel empty results.
type Error struct {
	Type    ErrorType
	Op      string
	Message string
	Code    int
	// RetryAfter is the server supplied delay for rate limited responses.
	RetryAfter time.Duration
	// Payload holds the offending request body for validation failures.
	Payload  string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	prefix := string(e.Type)
	if e.Op != "" {
		prefix = e.Op + ": " + prefix
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s error (code %d): %s", prefix, e.Code, msg)
	}
	return fmt.Sprintf("%s error: %s", prefix, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a typed error
func New(t ErrorType, op, message string) *Error {
	return &Error{Type: t, Op: op, Message: message}
}

// Wrap attaches a type and operation to an underlying error
func Wrap(t ErrorType, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Type: t, Op: op, Err: err}
}

// TypeOf returns the type of the first *Error in the chain, or
// ErrorTypeUnknown when err carries no type information.
func TypeOf(err error) ErrorType {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	if stderrors.Is(err, ErrCanceled) {
		return ErrorTypeCanceled
	}
	return ErrorTypeUnknown
}

// Is reports whether err is classified as t
func Is(err error, t ErrorType) bool {
	return err != nil && TypeOf(err) == t
}

// As is re-exported so callers do not need both errors packages
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// IsRetryable checks if an error type should be retried
func IsRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeTransientNetwork, ErrorTypeRateLimited:
		return true
	case ErrorTypeSessionInvalid, ErrorTypeValidation, ErrorTypePermanentTargetMissing,
		ErrorTypeNotFound, ErrorTypeAuth, ErrorTypeCanceled, ErrorTypeConfig:
		return false
	default:
		return false
	}
}

// IsRetryableError classifies an arbitrary error
func IsRetryableError(err error) bool {
	return err != nil && IsRetryable(TypeOf(err))
}

// IsRetryableStatusCode checks if an HTTP status code indicates a retryable error
func IsRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case 0: // Network error
		return true
	case 429: // Too Many Requests
		return true
	case 500, 502, 503, 504: // Server errors
		return true
	case 400, 401, 403, 404, 422:
		return false
	default:
		return statusCode >= 500
	}
}

// FromStatus maps an HTTP response from the record store to a typed error
func FromStatus(op string, statusCode int, retryAfter time.Duration, body string) *Error {
	e := &Error{Op: op, Code: statusCode, Message: body}
	switch {
	case statusCode == 429:
		e.Type = ErrorTypeRateLimited
		e.RetryAfter = retryAfter
	case statusCode == 401 || statusCode == 403:
		e.Type = ErrorTypeAuth
	case statusCode == 404:
		e.Type = ErrorTypeNotFound
	case statusCode == 400 || statusCode == 422:
		e.Type = ErrorTypeValidation
	case statusCode == 0 || statusCode >= 500:
		e.Type = ErrorTypeTransientNetwork
	default:
		e.Type = ErrorTypeUnknown
	}
	if e.Message == "" {
		e.Message = fmt.Sprintf("unexpected status %d", statusCode)
	}
	return e
}

// ErrCanceled marks work abandoned because the run context ended
var ErrCanceled = stderrors.New("operation canceled")
