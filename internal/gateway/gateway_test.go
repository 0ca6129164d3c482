package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/crossquery/internal/config"
	"github.com/haasonsaas/crossquery/internal/connector"
	"github.com/haasonsaas/crossquery/internal/creds"
	"github.com/haasonsaas/crossquery/pkg/models"
)

// fakeConnector is a JSON-RPC tool server the gateway talks to over HTTP.
type fakeConnector struct {
	mu        sync.Mutex
	initCalls int
	listCalls int
	callCalls int

	tools    []*connector.Tool
	onCall   func(connector.CallToolParams) (*connector.CallResult, *connector.RPCError)
	wantAuth string
	delay    time.Duration
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		tools: []*connector.Tool{
			{
				Name:        "search",
				Description: "Search records",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"},"limit":{"type":"integer"}},"required":["query"]}`),
			},
			{Name: "echo", Description: "Echo arguments back"},
		},
		onCall: func(params connector.CallToolParams) (*connector.CallResult, *connector.RPCError) {
			return &connector.CallResult{
				Content: []connector.ResultContent{{Type: "text", Text: "3 open tickets"}},
			}, nil
		},
	}
}

func (f *fakeConnector) counts() (init, list, call int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initCalls, f.listCalls, f.callCalls
}

func (f *fakeConnector) setDelay(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

func (f *fakeConnector) setOnCall(fn func(connector.CallToolParams) (*connector.CallResult, *connector.RPCError)) {
	f.mu.Lock()
	f.onCall = fn
	f.mu.Unlock()
}

func (f *fakeConnector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/sse") {
		http.NotFound(w, r)
		return
	}
	if f.wantAuth != "" && r.Header.Get("Authorization") != f.wantAuth {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var req connector.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.ID == nil {
		// Notification; nothing to send back.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	f.mu.Lock()
	delay := f.delay
	onCall := f.onCall
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	resp := connector.Response{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		f.mu.Lock()
		f.initCalls++
		f.mu.Unlock()
		resp.Result = mustMarshal(connector.InitializeResult{
			ProtocolVersion: connector.ProtocolVersion,
			ServerInfo:      connector.ServerInfo{Name: "fake-connector", Version: "0.1.0"},
		})
	case "tools/list":
		f.mu.Lock()
		f.listCalls++
		f.mu.Unlock()
		resp.Result = mustMarshal(connector.ListToolsResult{Tools: f.tools})
	case "tools/call":
		f.mu.Lock()
		f.callCalls++
		f.mu.Unlock()
		var params connector.CallToolParams
		_ = json.Unmarshal(req.Params, &params)
		result, rpcErr := onCall(params)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result = mustMarshal(result)
		}
	default:
		resp.Error = &connector.RPCError{Code: connector.ErrCodeMethodNotFound, Message: "method not found"}
	}

	_ = json.NewEncoder(w).Encode(resp)
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func testRegistry(t *testing.T, yaml string) *connector.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "connectors.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write connectors file: %v", err)
	}
	reg, err := connector.NewRegistry(path, nil)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return reg
}

func singleProviderYAML(id, url string) string {
	return fmt.Sprintf(`providers:
  - id: %s
    transport: http
    url: %s
`, id, url)
}

type gwOption func(*Options)

func newTestGateway(t *testing.T, fc *fakeConnector, opts ...gwOption) *Gateway {
	t.Helper()

	server := httptest.NewServer(fc)
	t.Cleanup(server.Close)

	options := Options{
		Registry: testRegistry(t, singleProviderYAML("tickets", server.URL)),
		Creds: creds.NewStatic(map[string]map[string]map[string]string{
			"user-1":    {"tickets": {"api_token": "tok-1"}},
			"user-2":    {"tickets": {"api_token": "tok-2"}},
			"anonymous": {"tickets": {"api_token": "tok-anon"}},
		}),
		Breaker: config.BreakerConfig{
			FailureThreshold:   3,
			SuccessThreshold:   2,
			OpenTimeoutSeconds: 60,
			ExcludedErrors:     []string{"VALIDATION_ERROR"},
		},
		Gateway:         config.GatewayConfig{SessionIdleSeconds: 900, PayloadCapBytes: 65536},
		ToolCallTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}

	g, err := New(options)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	t.Cleanup(g.Shutdown)
	return g
}

func TestGateway_ListTools(t *testing.T) {
	fc := newFakeConnector()
	g := newTestGateway(t, fc)

	tools, err := g.ListTools(context.Background(), "user-1", models.ProviderTickets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}
	if tools[0].Name != "search" || len(tools[0].InputSchema) == 0 {
		t.Errorf("expected search tool with schema, got %+v", tools[0])
	}

	// Second listing is served from the tools namespace.
	if _, err := g.ListTools(context.Background(), "user-1", models.ProviderTickets); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, list, _ := fc.counts(); list != 1 {
		t.Errorf("expected 1 upstream tools/list, got %d", list)
	}
}

func TestGateway_ListToolsInvalidProvider(t *testing.T) {
	g := newTestGateway(t, newFakeConnector())

	_, err := g.ListTools(context.Background(), "user-1", "warehouse")
	if !models.IsCode(err, models.CodeInvalidProvider) {
		t.Fatalf("expected INVALID_PROVIDER for unknown id, got %v", err)
	}

	// Known id, but not configured in the connectors file.
	_, err = g.ListTools(context.Background(), "user-1", models.ProviderDB)
	if !models.IsCode(err, models.CodeInvalidProvider) {
		t.Fatalf("expected INVALID_PROVIDER for unconfigured provider, got %v", err)
	}
}

func TestGateway_CallTool(t *testing.T) {
	fc := newFakeConnector()
	g := newTestGateway(t, fc)

	result, err := g.CallTool(context.Background(), "user-1", models.ProviderTickets, "search", json.RawMessage(`{"query": "refund"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "3 open tickets" {
		t.Errorf("expected content from connector, got %q", result.Content)
	}
	if result.Cached {
		t.Error("first call must not be cached")
	}
	if result.Fingerprint == "" {
		t.Error("expected a fingerprint on the result")
	}
	if _, _, calls := fc.counts(); calls != 1 {
		t.Errorf("expected 1 upstream call, got %d", calls)
	}
}

func TestGateway_CallToolResultCached(t *testing.T) {
	fc := newFakeConnector()
	g := newTestGateway(t, fc)

	first, err := g.CallTool(context.Background(), "user-1", models.ProviderTickets, "search", json.RawMessage(`{"query": "refund", "limit": 5}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Same arguments, different key order: same fingerprint, served from
	// cache without another upstream call.
	second, err := g.CallTool(context.Background(), "user-1", models.ProviderTickets, "search", json.RawMessage(`{"limit": 5, "query": "refund"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.Cached {
		t.Error("expected second call to be served from cache")
	}
	if second.Fingerprint != first.Fingerprint {
		t.Errorf("expected matching fingerprints, got %s vs %s", first.Fingerprint, second.Fingerprint)
	}
	if second.Content != first.Content {
		t.Errorf("cached content diverged: %q vs %q", first.Content, second.Content)
	}
	if _, _, calls := fc.counts(); calls != 1 {
		t.Errorf("expected 1 upstream call, got %d", calls)
	}
}

func TestGateway_CallToolUnknownTool(t *testing.T) {
	fc := newFakeConnector()
	g := newTestGateway(t, fc)

	_, err := g.CallTool(context.Background(), "user-1", models.ProviderTickets, "teleport", nil)
	if !models.IsCode(err, models.CodeValidation) {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
	if me := models.AsError(err); me.Details["tool_name"] != "teleport" {
		t.Errorf("expected tool_name detail, got %v", me.Details)
	}
	if _, _, calls := fc.counts(); calls != 0 {
		t.Errorf("unknown tool must not reach the connector, got %d calls", calls)
	}
}

func TestGateway_SchemaFailureConsumesNoBreakerSlot(t *testing.T) {
	fc := newFakeConnector()
	g := newTestGateway(t, fc)

	for i := 0; i < 5; i++ {
		_, err := g.CallTool(context.Background(), "user-1", models.ProviderTickets, "search", json.RawMessage(`{"limit": 3}`))
		if !models.IsCode(err, models.CodeValidation) {
			t.Fatalf("expected VALIDATION_ERROR for missing required field, got %v", err)
		}
	}

	if _, _, calls := fc.counts(); calls != 0 {
		t.Errorf("invalid arguments must not reach the connector, got %d calls", calls)
	}
	for _, st := range g.BreakerStats() {
		if st.TotalFailures != 0 {
			t.Errorf("breaker %s recorded %d failures for validation errors", st.Name, st.TotalFailures)
		}
		if st.State != "closed" {
			t.Errorf("breaker %s left closed state: %s", st.Name, st.State)
		}
	}
}

func TestGateway_MissingCredentials(t *testing.T) {
	fc := newFakeConnector()
	g := newTestGateway(t, fc)

	_, err := g.CallTool(context.Background(), "stranger", models.ProviderTickets, "echo", nil)
	if !models.IsCode(err, models.CodeMissingCreds) {
		t.Fatalf("expected MISSING_CREDENTIALS, got %v", err)
	}
}

func TestGateway_CredentialPlaceholders(t *testing.T) {
	fc := newFakeConnector()
	fc.wantAuth = "Bearer tok-1"

	server := httptest.NewServer(fc)
	t.Cleanup(server.Close)

	yaml := fmt.Sprintf(`providers:
  - id: tickets
    transport: http
    url: %s
    headers:
      Authorization: "Bearer {{api_token}}"
`, server.URL)

	g, err := New(Options{
		Registry: testRegistry(t, yaml),
		Creds: creds.NewStatic(map[string]map[string]map[string]string{
			"user-1": {"tickets": {"api_token": "tok-1"}},
			"user-3": {"tickets": {"other": "x"}},
		}),
		ToolCallTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	t.Cleanup(g.Shutdown)

	if _, err := g.ListTools(context.Background(), "user-1", models.ProviderTickets); err != nil {
		t.Fatalf("expected expanded credentials to authenticate, got %v", err)
	}

	// A principal whose credentials lack the referenced key cannot start a
	// session.
	_, err = g.ListTools(context.Background(), "user-3", models.ProviderTickets)
	if !models.IsCode(err, models.CodeMissingCreds) {
		t.Fatalf("expected MISSING_CREDENTIALS for unresolved placeholder, got %v", err)
	}
	if me := models.AsError(err); me.Details["credential_key"] != "api_token" {
		t.Errorf("expected credential_key detail, got %v", me.Details)
	}
}

func TestGateway_BreakerOpensAndEvictsSessions(t *testing.T) {
	fc := newFakeConnector()
	fc.onCall = func(connector.CallToolParams) (*connector.CallResult, *connector.RPCError) {
		return nil, &connector.RPCError{Code: connector.ErrCodeInternalError, Message: "backend exploded"}
	}
	g := newTestGateway(t, fc)

	for i := 0; i < 3; i++ {
		_, err := g.CallTool(context.Background(), "user-1", models.ProviderTickets, "echo", json.RawMessage(fmt.Sprintf(`{"n": %d}`, i)))
		if !models.IsCode(err, models.CodeToolExecution) {
			t.Fatalf("call %d: expected TOOL_EXECUTION_ERROR, got %v", i, err)
		}
	}

	// Third failure opened the circuit and dropped the provider's sessions.
	if n := g.SessionCount(); n != 0 {
		t.Errorf("expected sessions evicted on open circuit, got %d live", n)
	}

	_, err := g.CallTool(context.Background(), "user-1", models.ProviderTickets, "echo", json.RawMessage(`{"n": 99}`))
	if !models.IsCode(err, models.CodeCircuitOpen) {
		t.Fatalf("expected CIRCUIT_OPEN, got %v", err)
	}
	me := models.AsError(err)
	if me.Details["provider"] != "tickets" {
		t.Errorf("expected provider detail, got %v", me.Details)
	}
	if _, ok := me.Details["retry_after_seconds"]; !ok {
		t.Errorf("expected retry_after_seconds detail, got %v", me.Details)
	}

	if _, _, calls := fc.counts(); calls != 3 {
		t.Errorf("rejected call must not reach the connector, got %d calls", calls)
	}
}

func TestGateway_PerCallTimeout(t *testing.T) {
	fc := newFakeConnector()
	g := newTestGateway(t, fc, func(o *Options) {
		o.ToolCallTimeout = 40 * time.Millisecond
	})

	// Warm the session and tool list before the connector turns slow.
	if _, err := g.ListTools(context.Background(), "user-1", models.ProviderTickets); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fc.setDelay(150 * time.Millisecond)

	_, err := g.CallTool(context.Background(), "user-1", models.ProviderTickets, "echo", nil)
	if !models.IsCode(err, models.CodeToolExecution) {
		t.Fatalf("expected TOOL_EXECUTION_ERROR for timeout, got %v", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("expected timeout message, got %q", err.Error())
	}
}

func TestGateway_SessionsNotSharedAcrossPrincipals(t *testing.T) {
	fc := newFakeConnector()
	g := newTestGateway(t, fc)

	if _, err := g.CallTool(context.Background(), "user-1", models.ProviderTickets, "echo", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := g.CallTool(context.Background(), "user-2", models.ProviderTickets, "echo", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if n := g.SessionCount(); n != 2 {
		t.Errorf("expected one session per principal, got %d", n)
	}
	if init, _, _ := fc.counts(); init != 2 {
		t.Errorf("expected 2 handshakes, got %d", init)
	}
}

func TestGateway_PayloadCapSkipsCaching(t *testing.T) {
	fc := newFakeConnector()
	fc.onCall = func(connector.CallToolParams) (*connector.CallResult, *connector.RPCError) {
		return &connector.CallResult{
			Content: []connector.ResultContent{{Type: "text", Text: strings.Repeat("x", 100)}},
		}, nil
	}
	g := newTestGateway(t, fc, func(o *Options) {
		o.Gateway.PayloadCapBytes = 10
	})

	for i := 0; i < 2; i++ {
		result, err := g.CallTool(context.Background(), "user-1", models.ProviderTickets, "echo", nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Cached {
			t.Error("oversized results must not be served from cache")
		}
	}
	if _, _, calls := fc.counts(); calls != 2 {
		t.Errorf("expected 2 upstream calls for uncacheable result, got %d", calls)
	}
}

func TestGateway_ToolLevelErrorNotCachedNotCountedAsFailure(t *testing.T) {
	fc := newFakeConnector()
	fc.onCall = func(connector.CallToolParams) (*connector.CallResult, *connector.RPCError) {
		return &connector.CallResult{
			Content: []connector.ResultContent{{Type: "text", Text: "no such record"}},
			IsError: true,
		}, nil
	}
	g := newTestGateway(t, fc)

	for i := 0; i < 2; i++ {
		result, err := g.CallTool(context.Background(), "user-1", models.ProviderTickets, "echo", nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.IsError {
			t.Error("expected IsError result")
		}
		if result.ErrorCode != models.CodeToolExecution {
			t.Errorf("expected TOOL_EXECUTION_ERROR code, got %s", result.ErrorCode)
		}
		if result.Cached {
			t.Error("error results must not be cached")
		}
	}
	if _, _, calls := fc.counts(); calls != 2 {
		t.Errorf("expected 2 upstream calls, got %d", calls)
	}

	for _, st := range g.BreakerStats() {
		if st.TotalFailures != 0 {
			t.Errorf("tool-level errors are not protocol failures, breaker %s saw %d", st.Name, st.TotalFailures)
		}
	}
}

func TestGateway_PrewarmFailuresIgnored(t *testing.T) {
	fc := newFakeConnector()
	g := newTestGateway(t, fc)

	// db is not configured, mail has no credentials, tickets warms.
	g.Prewarm(context.Background(), []models.ProviderID{
		models.ProviderDB,
		models.ProviderMail,
		models.ProviderTickets,
	})

	if n := g.SessionCount(); n != 1 {
		t.Errorf("expected 1 prewarmed session, got %d", n)
	}
}

func TestGateway_ShutdownIdempotent(t *testing.T) {
	fc := newFakeConnector()
	g := newTestGateway(t, fc)

	if _, err := g.CallTool(context.Background(), "user-1", models.ProviderTickets, "echo", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := g.SessionCount(); n != 1 {
		t.Fatalf("expected 1 live session, got %d", n)
	}

	g.Shutdown()
	if n := g.SessionCount(); n != 0 {
		t.Errorf("expected all sessions closed, got %d", n)
	}
	g.Shutdown() // must not panic or block
}

func TestGateway_ManualBreakerReset(t *testing.T) {
	fc := newFakeConnector()
	fc.onCall = func(connector.CallToolParams) (*connector.CallResult, *connector.RPCError) {
		return nil, &connector.RPCError{Code: connector.ErrCodeInternalError, Message: "down"}
	}
	g := newTestGateway(t, fc)

	for i := 0; i < 3; i++ {
		g.CallTool(context.Background(), "user-1", models.ProviderTickets, "echo", json.RawMessage(fmt.Sprintf(`{"n": %d}`, i))) //nolint:errcheck
	}
	if _, err := g.CallTool(context.Background(), "user-1", models.ProviderTickets, "echo", nil); !models.IsCode(err, models.CodeCircuitOpen) {
		t.Fatalf("expected CIRCUIT_OPEN, got %v", err)
	}

	if err := g.ResetBreaker("tickets"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fc.setOnCall(func(connector.CallToolParams) (*connector.CallResult, *connector.RPCError) {
		return &connector.CallResult{Content: []connector.ResultContent{{Type: "text", Text: "ok"}}}, nil
	})
	result, err := g.CallTool(context.Background(), "user-1", models.ProviderTickets, "echo", json.RawMessage(`{"fresh": true}`))
	if err != nil {
		t.Fatalf("expected call to pass after reset, got %v", err)
	}
	if result.Content != "ok" {
		t.Errorf("expected ok, got %q", result.Content)
	}

	if err := g.ResetBreaker("unknown"); !models.IsCode(err, models.CodeInvalidProvider) {
		t.Errorf("expected INVALID_PROVIDER for unknown breaker, got %v", err)
	}
}

func TestGateway_MaintenanceSweepsIdleSessions(t *testing.T) {
	fc := newFakeConnector()
	g := newTestGateway(t, fc)
	g.sessions.idle = 20 * time.Millisecond
	g.maintSpec = "@every 25ms"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := g.Start(ctx); err != nil {
		t.Fatalf("start gateway: %v", err)
	}

	if _, err := g.CallTool(ctx, "user-1", models.ProviderTickets, "echo", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := g.SessionCount(); n != 1 {
		t.Fatalf("expected 1 live session, got %d", n)
	}

	deadline := time.After(2 * time.Second)
	for g.SessionCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("idle session was never swept")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
