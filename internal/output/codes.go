// Package output provides the JSON envelope, styled terminal output and the
// structured error taxonomy shared by the CLI and the dashboard API.
package output

import "net/http"

// Exit codes.
const (
	ExitOK          = 0 // Success
	ExitUsage       = 1 // Invalid arguments or flags
	ExitNotFound    = 2 // Resource not found
	ExitAuth        = 3 // Token missing or rejected
	ExitForbidden   = 4 // Access denied
	ExitRateLimit   = 5 // Rate limited (429)
	ExitNetwork     = 6 // Connection/DNS/timeout error
	ExitAPI         = 7 // Upstream returned error
	ExitUnavailable = 8 // Upstream temporarily unavailable (5xx)
	ExitStorage     = 9 // Cache directory unusable
)

// Error codes for the JSON envelope.
const (
	CodeUsage       = "usage"
	CodeNotFound    = "not_found"
	CodeAuth        = "auth_required"
	CodeForbidden   = "forbidden"
	CodeRateLimit   = "rate_limit"
	CodeNetwork     = "network"
	CodeAPI         = "api_error"
	CodeUnavailable = "unavailable"
	CodeStorage     = "storage"
)

// ExitCodeFor returns the exit code for a given error code.
func ExitCodeFor(code string) int {
	switch code {
	case CodeUsage:
		return ExitUsage
	case CodeNotFound:
		return ExitNotFound
	case CodeAuth:
		return ExitAuth
	case CodeForbidden:
		return ExitForbidden
	case CodeRateLimit:
		return ExitRateLimit
	case CodeNetwork:
		return ExitNetwork
	case CodeUnavailable:
		return ExitUnavailable
	case CodeStorage:
		return ExitStorage
	default:
		return ExitAPI
	}
}

// HTTPStatusFor returns the status the dashboard answers with for an error code.
func HTTPStatusFor(code string) int {
	switch code {
	case CodeUsage:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAuth, CodeForbidden, CodeAPI, CodeNetwork:
		// Upstream problems are the gateway's, not the dashboard client's.
		return http.StatusBadGateway
	case CodeRateLimit:
		return http.StatusTooManyRequests
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
