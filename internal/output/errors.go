package output

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error is a structured error with code, message, and optional hint.
type Error struct {
	Code       string
	Message    string
	Hint       string
	HTTPStatus int
	Retryable  bool
	Cause      error
}

func (e *Error) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Hint)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// ExitCode returns the appropriate exit code for this error.
func (e *Error) ExitCode() int {
	return ExitCodeFor(e.Code)
}

// Error constructors for common cases.

func ErrUsage(msg string) *Error {
	return &Error{Code: CodeUsage, Message: msg}
}

func ErrUsageHint(msg, hint string) *Error {
	return &Error{Code: CodeUsage, Message: msg, Hint: hint}
}

func ErrNotFound(resource, identifier string) *Error {
	return &Error{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found: %s", resource, identifier),
		HTTPStatus: 404,
	}
}

// ErrAuth reports a missing or rejected token for server.
func ErrAuth(server, msg string) *Error {
	return &Error{
		Code:       CodeAuth,
		Message:    msg,
		Hint:       "Run: pipeboard auth login " + server,
		HTTPStatus: 401,
	}
}

func ErrForbidden(msg string) *Error {
	return &Error{
		Code:       CodeForbidden,
		Message:    msg,
		HTTPStatus: 403,
	}
}

func ErrRateLimit(retryAfter int) *Error {
	hint := "Try again later"
	if retryAfter > 0 {
		hint = fmt.Sprintf("Try again in %d seconds", retryAfter)
	}
	return &Error{
		Code:       CodeRateLimit,
		Message:    "Rate limited",
		Hint:       hint,
		HTTPStatus: 429,
		Retryable:  true,
	}
}

func ErrNetwork(cause error) *Error {
	return &Error{
		Code:      CodeNetwork,
		Message:   "Network error",
		Hint:      cause.Error(),
		Retryable: true,
		Cause:     cause,
	}
}

func ErrUnavailable(status int) *Error {
	return &Error{
		Code:       CodeUnavailable,
		Message:    fmt.Sprintf("Upstream unavailable (HTTP %d)", status),
		HTTPStatus: status,
		Retryable:  true,
	}
}

// ErrCircuitOpen reports that requests to server are paused after repeated
// upstream failures.
func ErrCircuitOpen(server string, retryIn time.Duration) *Error {
	return &Error{
		Code:       CodeUnavailable,
		Message:    server + " is failing, requests paused",
		Hint:       fmt.Sprintf("Retrying in %s", retryIn.Round(time.Second)),
		HTTPStatus: 503,
	}
}

func ErrAPI(status int, msg string) *Error {
	return &Error{
		Code:       CodeAPI,
		Message:    msg,
		HTTPStatus: status,
	}
}

func ErrStorage(cause error) *Error {
	return &Error{
		Code:    CodeStorage,
		Message: "Cache storage unavailable",
		Hint:    cause.Error(),
		Cause:   cause,
	}
}

// AsError attempts to convert an error to an *Error.
// Context cancellation and deadline errors classify as network errors.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrNetwork(err)
	}
	return &Error{
		Code:    CodeAPI,
		Message: err.Error(),
		Cause:   err,
	}
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
