package extraction

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a class of extraction failure. The coordinator keys
// its fatal-vs-requeue decisions off these codes.
type ErrorCode string

const (
	ErrServiceUnavailable  ErrorCode = "SERVICE_UNAVAILABLE"
	ErrServiceRateLimited  ErrorCode = "SERVICE_RATE_LIMITED"
	ErrServiceTimeout      ErrorCode = "SERVICE_TIMEOUT"
	ErrMalformedOutput     ErrorCode = "MALFORMED_OUTPUT"
	ErrSchemaViolation     ErrorCode = "SCHEMA_VIOLATION"
	ErrUnsupportedDocument ErrorCode = "UNSUPPORTED_DOCUMENT"
	ErrServiceRejected     ErrorCode = "SERVICE_REJECTED"
)

// Error is a structured error for extraction failures.
type Error struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether this error may succeed on a later attempt.
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// CodeOf returns the extraction error code embedded in err, or "".
func CodeOf(err error) ErrorCode {
	var extErr *Error
	if errors.As(err, &extErr) {
		return extErr.Code
	}
	return ""
}

// IsOverloaded reports whether err carries a "service overloaded" signature:
// the narrow transient class the coordinator may convert into a scheduled
// re-queue after in-call retries are exhausted.
func IsOverloaded(err error) bool {
	switch CodeOf(err) {
	case ErrServiceRateLimited, ErrServiceUnavailable:
		return true
	}
	return false
}
