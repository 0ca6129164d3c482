package models

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Common sentinel errors shared across orchestration layers.
var (
	// ErrMaxIterations indicates a tool-use loop exceeded its iteration limit.
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrSessionClosed indicates a provider session was closed mid-use.
	ErrSessionClosed = errors.New("provider session closed")

	// ErrNoReasoner indicates no reasoner backend is configured.
	ErrNoReasoner = errors.New("no reasoner configured")

	// ErrNotFound indicates a cache or store lookup found nothing.
	ErrNotFound = errors.New("not found")
)

// Code identifies one failure class in the flat error taxonomy. Every error
// surfaced by the orchestrator carries exactly one code; transport layers map
// codes to HTTP statuses with HTTPStatus.
type Code string

const (
	CodeAuthTokenMissing Code = "AUTH_TOKEN_MISSING"
	CodeAuthTokenInvalid Code = "AUTH_TOKEN_INVALID"
	CodeAuthTokenExpired Code = "AUTH_TOKEN_EXPIRED"
	CodeUserNotFound     Code = "USER_NOT_FOUND"
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeInvalidProvider  Code = "INVALID_PROVIDER"
	CodeMissingCreds     Code = "MISSING_CREDENTIALS"
	CodeToolExecution    Code = "TOOL_EXECUTION_ERROR"
	CodeConnectorDown    Code = "CONNECTOR_UNREACHABLE"
	CodeCircuitOpen      Code = "CIRCUIT_OPEN"
	CodeRateLimited      Code = "RATE_LIMIT_EXCEEDED"
	CodeUpstreamLimited  Code = "UPSTREAM_RATE_LIMIT"
	CodeDatabase         Code = "DATABASE_ERROR"
	CodeInternal         Code = "INTERNAL_ERROR"
)

// HTTPStatus maps the code to the transport status used by the HTTP surface.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeAuthTokenMissing, CodeAuthTokenInvalid, CodeAuthTokenExpired:
		return http.StatusUnauthorized
	case CodeMissingCreds:
		return http.StatusForbidden
	case CodeUserNotFound:
		return http.StatusNotFound
	case CodeValidation, CodeInvalidProvider:
		return http.StatusUnprocessableEntity
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeConnectorDown:
		return http.StatusBadGateway
	case CodeCircuitOpen, CodeUpstreamLimited:
		return http.StatusServiceUnavailable
	case CodeToolExecution, CodeDatabase, CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a caller may reasonably retry after this code.
func (c Code) Retryable() bool {
	switch c {
	case CodeConnectorDown, CodeCircuitOpen, CodeRateLimited, CodeUpstreamLimited:
		return true
	default:
		return false
	}
}

// Error is the structured error value used across every component. It wraps
// an optional cause for errors.Is/As chains while keeping the wire shape
// (code, message, details) free of internal frames.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail attaches one structured detail and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// NewError builds a typed error with the given code and message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf builds a typed error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a typed error around a cause. A nil cause yields a plain
// typed error.
func WrapError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the taxonomy code from any error. Untyped errors classify
// as INTERNAL_ERROR; nil returns the empty code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// AsError normalizes any error into a typed *Error, wrapping untyped errors
// as INTERNAL_ERROR. A nil error returns nil.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(CodeInternal, "request deadline exceeded", err).WithDetail("reason", "deadline")
	}
	if errors.Is(err, context.Canceled) {
		return WrapError(CodeInternal, "request cancelled", err).WithDetail("reason", "cancelled")
	}
	return WrapError(CodeInternal, "internal error", err)
}

// ClassifyUpstream maps a connector- or reasoner-native error onto the
// taxonomy by message content. It is the wrapping boundary: nothing upstream
// of the gateway or reasoner should see a provider-native error.
func ClassifyUpstream(err error) Code {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CodeInternal
	}

	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "quota") {
		return CodeUpstreamLimited
	}

	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "unreachable") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "eof") ||
		strings.Contains(msg, "transport not connected") ||
		strings.Contains(msg, "dial") {
		return CodeConnectorDown
	}

	if strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") {
		return CodeConnectorDown
	}

	return CodeToolExecution
}
