package connector

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDefinition_ValidateStdio(t *testing.T) {
	def := &Definition{
		ID:        "tickets",
		Transport: TransportStdio,
		Command:   "./connectors/tickets",
	}

	if err := def.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDefinition_ValidateHTTP(t *testing.T) {
	def := &Definition{
		ID:        "mail",
		Transport: TransportHTTP,
		URL:       "https://mail-connector.internal:8443/rpc",
	}

	if err := def.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDefinition_ValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		def  Definition
	}{
		{"missing id", Definition{Transport: TransportStdio, Command: "echo"}},
		{"unknown provider", Definition{ID: "jira", Transport: TransportStdio, Command: "echo"}},
		{"missing command", Definition{ID: "tickets", Transport: TransportStdio}},
		{"path traversal", Definition{ID: "tickets", Transport: TransportStdio, Command: "../../bin/evil"}},
		{"shell metachars", Definition{ID: "tickets", Transport: TransportStdio, Command: "echo", Args: []string{"a; rm -rf /"}}},
		{"missing url", Definition{ID: "mail", Transport: TransportHTTP}},
		{"bad scheme", Definition{ID: "mail", Transport: TransportHTTP, URL: "ftp://mail.internal"}},
		{"unknown transport", Definition{ID: "mail", Transport: "grpc", URL: "https://x"}},
		{"keyword weight", Definition{ID: "tickets", Transport: TransportStdio, Command: "echo", Keywords: map[string]float64{"bug": 1.5}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.def.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tc.name)
			}
		})
	}
}

func TestDefinition_DefaultsToStdio(t *testing.T) {
	def := &Definition{ID: "db", Command: "./connectors/db"}

	if err := def.Validate(); err != nil {
		t.Errorf("expected empty transport to default to stdio, got %v", err)
	}
}

func TestDefinition_IsEnabled(t *testing.T) {
	var def Definition
	if !def.IsEnabled() {
		t.Error("expected absent enabled to mean enabled")
	}

	off := false
	def.Enabled = &off
	if def.IsEnabled() {
		t.Error("expected enabled=false to disable")
	}
}

func TestDefinition_TimeoutDefault(t *testing.T) {
	var def Definition
	if got := def.Timeout(); got != 30*time.Second {
		t.Errorf("expected 30s default timeout, got %v", got)
	}

	def.TimeoutSeconds = 5
	if got := def.Timeout(); got != 5*time.Second {
		t.Errorf("expected 5s timeout, got %v", got)
	}
}

func TestCallResult_Text(t *testing.T) {
	result := CallResult{
		Content: []ResultContent{
			{Type: "text", Text: "first"},
			{Type: "image", Data: "base64..."},
			{Type: "text", Text: "second"},
		},
	}

	if got := result.Text(); got != "first\nsecond" {
		t.Errorf("expected joined text pieces, got %q", got)
	}
}

func TestTool_Descriptor(t *testing.T) {
	tool := Tool{
		Name:        "search_issues",
		Description: "Search the issue tracker",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}

	desc := tool.Descriptor()
	if desc.Name != "search_issues" {
		t.Errorf("expected name preserved, got %s", desc.Name)
	}
	if string(desc.InputSchema) != `{"type":"object"}` {
		t.Errorf("expected schema preserved, got %s", desc.InputSchema)
	}
}

func TestRPCError_Error(t *testing.T) {
	err := &RPCError{Code: ErrCodeToolNotFound, Message: "no such tool"}
	if err.Error() != "rpc error -32002: no such tool" {
		t.Errorf("unexpected error string: %s", err.Error())
	}
}
