// Package apierr defines the error taxonomy produced at the gateway boundary
// and the JSON envelope every early-exit failure is written with. Pipeline
// code branches on the stable Code field instead of error types.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Stable machine-readable codes.
const (
	CodeRouteNotFound     = "ROUTE_NOT_FOUND"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeAuthFailed        = "AUTH_FAILED"
	CodeCircuitOpen       = "CIRCUIT_OPEN"
	CodeUpstreamError     = "UPSTREAM_ERROR"
	CodeInternalError     = "INTERNAL_ERROR"
)

// Error is a gateway-boundary error with a stable code and an HTTP status.
type Error struct {
	Code       string
	Message    string
	StatusCode int
	Details    map[string]any
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// RouteNotFound maps a route table miss to a 404.
func RouteNotFound(method, path string) *Error {
	return &Error{
		Code:       CodeRouteNotFound,
		Message:    fmt.Sprintf("no route for %s %s", method, path),
		StatusCode: http.StatusNotFound,
	}
}

// RateLimited maps a rate limit denial to a 429.
func RateLimited(scope string, retryAfter time.Duration) *Error {
	return &Error{
		Code:       CodeRateLimitExceeded,
		Message:    fmt.Sprintf("rate limit exceeded for scope %q", scope),
		StatusCode: http.StatusTooManyRequests,
		Details:    map[string]any{"scope": scope, "retryAfterMs": retryAfter.Milliseconds()},
	}
}

// AuthFailed maps an auth collaborator rejection to a 401.
func AuthFailed(cause error) *Error {
	return &Error{
		Code:       CodeAuthFailed,
		Message:    "authentication failed",
		StatusCode: http.StatusUnauthorized,
		cause:      cause,
	}
}

// CircuitOpen is the synthesized upstream-unavailable failure produced when
// the breaker refuses a call. No upstream request was attempted.
func CircuitOpen(service string) *Error {
	return &Error{
		Code:       CodeCircuitOpen,
		Message:    fmt.Sprintf("service %q is temporarily unavailable", service),
		StatusCode: http.StatusServiceUnavailable,
		Details:    map[string]any{"service": service},
	}
}

// Upstream wraps a transport-level upstream failure. status mirrors the
// upstream response when one was received, or 500 when it was unreachable.
func Upstream(service string, status int, cause error) *Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return &Error{
		Code:       CodeUpstreamError,
		Message:    fmt.Sprintf("upstream call to %q failed", service),
		StatusCode: status,
		Details:    map[string]any{"service": service},
		cause:      cause,
	}
}

// Internal wraps a defect in the pipeline itself.
func Internal(cause error) *Error {
	return &Error{
		Code:       CodeInternalError,
		Message:    "internal gateway error",
		StatusCode: http.StatusInternalServerError,
		cause:      cause,
	}
}

// Envelope is the wire form of every gateway-produced error.
type Envelope struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	StatusCode int            `json:"statusCode"`
	Timestamp  string         `json:"timestamp"`
	RequestID  string         `json:"requestId"`
	Details    map[string]any `json:"details,omitempty"`
}

// Write renders err as the standard envelope. Unknown error values are
// reported as INTERNAL_ERROR. Cause details are only exposed when
// includeDetails is set (development mode).
func Write(w http.ResponseWriter, requestID string, err error, includeDetails bool) {
	var ae *Error
	if !errors.As(err, &ae) {
		ae = Internal(err)
	}
	env := Envelope{
		Code:       ae.Code,
		Message:    ae.Message,
		StatusCode: ae.StatusCode,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		RequestID:  requestID,
		Details:    ae.Details,
	}
	if includeDetails && ae.cause != nil {
		if env.Details == nil {
			env.Details = make(map[string]any)
		}
		env.Details["cause"] = ae.cause.Error()
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(ae.StatusCode)
	_ = json.NewEncoder(w).Encode(env)
}
