package models

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestError_ErrorString(t *testing.T) {
	err := NewError(CodeCircuitOpen, "breaker open for mail")
	want := "[CIRCUIT_OPEN] breaker open for mail"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}

	wrapped := WrapError(CodeConnectorDown, "connector call failed", errors.New("dial tcp: refused"))
	if got := wrapped.Error(); got != "[CONNECTOR_UNREACHABLE] connector call failed: dial tcp: refused" {
		t.Errorf("unexpected wrapped message: %q", got)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := WrapError(CodeToolExecution, "tool failed", cause)

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}

	var te *Error
	outer := fmt.Errorf("leg failed: %w", err)
	if !errors.As(outer, &te) {
		t.Fatal("expected errors.As to find *Error through wrapping")
	}
	if te.Code != CodeToolExecution {
		t.Errorf("expected TOOL_EXECUTION_ERROR, got %s", te.Code)
	}
}

func TestCode_HTTPStatus(t *testing.T) {
	cases := []struct {
		code Code
		want int
	}{
		{CodeAuthTokenMissing, http.StatusUnauthorized},
		{CodeAuthTokenInvalid, http.StatusUnauthorized},
		{CodeAuthTokenExpired, http.StatusUnauthorized},
		{CodeMissingCreds, http.StatusForbidden},
		{CodeUserNotFound, http.StatusNotFound},
		{CodeValidation, http.StatusUnprocessableEntity},
		{CodeInvalidProvider, http.StatusUnprocessableEntity},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeConnectorDown, http.StatusBadGateway},
		{CodeCircuitOpen, http.StatusServiceUnavailable},
		{CodeUpstreamLimited, http.StatusServiceUnavailable},
		{CodeToolExecution, http.StatusInternalServerError},
		{CodeDatabase, http.StatusInternalServerError},
		{CodeInternal, http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := c.code.HTTPStatus(); got != c.want {
			t.Errorf("%s: expected %d, got %d", c.code, c.want, got)
		}
	}
}

func TestCodeOf_UntypedError(t *testing.T) {
	if got := CodeOf(errors.New("plain")); got != CodeInternal {
		t.Errorf("expected INTERNAL_ERROR for untyped error, got %s", got)
	}
	if got := CodeOf(nil); got != "" {
		t.Errorf("expected empty code for nil, got %s", got)
	}
}

func TestAsError_ContextErrors(t *testing.T) {
	err := AsError(context.DeadlineExceeded)
	if err.Code != CodeInternal {
		t.Fatalf("expected INTERNAL_ERROR, got %s", err.Code)
	}
	if err.Details["reason"] != "deadline" {
		t.Errorf("expected reason=deadline, got %v", err.Details["reason"])
	}

	err = AsError(context.Canceled)
	if err.Details["reason"] != "cancelled" {
		t.Errorf("expected reason=cancelled, got %v", err.Details["reason"])
	}

	if AsError(nil) != nil {
		t.Error("expected nil for nil error")
	}
}

func TestClassifyUpstream(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{errors.New("dial tcp 10.0.0.1:8080: connection refused"), CodeConnectorDown},
		{errors.New("read: connection reset by peer"), CodeConnectorDown},
		{errors.New("lookup connector: no such host"), CodeConnectorDown},
		{errors.New("call timeout after 60s"), CodeConnectorDown},
		{errors.New("upstream returned 429"), CodeUpstreamLimited},
		{errors.New("rate limit exceeded, slow down"), CodeUpstreamLimited},
		{errors.New("quota exhausted for project"), CodeUpstreamLimited},
		{errors.New("tool blew up: index out of range"), CodeToolExecution},
	}
	for _, c := range cases {
		if got := ClassifyUpstream(c.err); got != c.want {
			t.Errorf("%q: expected %s, got %s", c.err, c.want, got)
		}
	}
}

func TestClassifyUpstream_PreservesTypedCode(t *testing.T) {
	err := NewError(CodeValidation, "bad args")
	if got := ClassifyUpstream(err); got != CodeValidation {
		t.Errorf("expected typed code to pass through, got %s", got)
	}
}

func TestError_WithDetail(t *testing.T) {
	err := NewError(CodeValidation, "bad field").WithDetail("field", "max_sources")
	if err.Details["field"] != "max_sources" {
		t.Errorf("expected detail to be set, got %v", err.Details)
	}
}
