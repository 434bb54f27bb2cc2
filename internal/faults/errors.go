package faults

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Recovery is the outcome of a recovery action run for one error.
type Recovery struct {
	Action    string `json:"action"`
	Attempted bool   `json:"attempted"`
	Succeeded bool   `json:"succeeded"`
	Detail    string `json:"detail,omitempty"`
}

// Error is a classified failure. Message is safe to show to clients; the
// wrapped cause is kept for server-side logs only.
type Error struct {
	Code       Code
	Category   Category
	Severity   Severity
	Message    string
	SessionID  string
	UserID     string
	Dependency string
	Timestamp  time.Time
	RetryAfter time.Duration
	Recovery   *Recovery

	cause error
	retry func(context.Context) error
}

// New builds an Error for code. An empty msg uses the code's default message.
func New(code Code, msg string) *Error {
	info := code.info()
	if msg == "" {
		msg = info.message
	}
	return &Error{
		Code:     code,
		Category: info.category,
		Severity: info.severity,
		Message:  msg,
	}
}

// Newf is New with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap classifies cause as code. The cause stays reachable through
// errors.Is and errors.As.
func Wrap(code Code, cause error, msg string) *Error {
	e := New(code, msg)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code.Name(), e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code.Name(), e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches another *Error by code, so sentinel values such as
// ErrCircuitOpen work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// Cause returns the wrapped error, if any.
func (e *Error) Cause() error { return e.cause }

// Recoverable reports whether the client may retry.
func (e *Error) Recoverable() bool { return e.Code.Recoverable() }

func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithDependency names the downstream dependency that failed. Critical
// errors force that dependency's breaker open.
func (e *Error) WithDependency(name string) *Error {
	e.Dependency = name
	return e
}

// WithRetry attaches the operation to re-run if a wait-and-retry recovery
// is registered for the code.
func (e *Error) WithRetry(fn func(context.Context) error) *Error {
	e.retry = fn
	return e
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the taxonomy code of err, or CodeInternal when err was
// never classified.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}
