package connector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/crossquery/internal/observability"
	"github.com/haasonsaas/crossquery/pkg/models"
)

// HTTPTransport reaches the connector over HTTP POST, with an optional SSE
// side channel for notifications.
type HTTPTransport struct {
	def    *Definition
	logger *observability.Logger
	client *http.Client

	events    chan *Notification
	connected atomic.Bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewHTTPTransport creates an HTTP transport for the definition.
func NewHTTPTransport(def *Definition) *HTTPTransport {
	// No client-level timeout: request contexts bound calls, and the SSE
	// stream must stay open indefinitely.
	return &HTTPTransport{
		def:      def,
		logger:   observability.NewLogger(observability.LogConfig{}).WithFields("connector", string(def.ID), "transport", "http"),
		client:   &http.Client{},
		events:   make(chan *Notification, 100),
		stopChan: make(chan struct{}),
	}
}

// SetLogger replaces the transport logger.
func (t *HTTPTransport) SetLogger(logger *observability.Logger) {
	if logger != nil {
		t.logger = logger.WithFields("connector", string(t.def.ID), "transport", "http")
	}
}

// Connect marks the transport ready and starts the SSE listener. The
// endpoint is not probed here; initialize does that.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	if t.def.URL == "" {
		return fmt.Errorf("URL is required for http transport")
	}

	t.connected.Store(true)
	t.logger.Info(ctx, "http transport ready", "url", t.def.URL)

	t.wg.Add(1)
	go t.sseLoop(ctx)

	return nil
}

// Close closes the transport.
func (t *HTTPTransport) Close() error {
	if !t.connected.Swap(false) {
		return nil
	}
	close(t.stopChan)
	t.wg.Wait()
	return nil
}

// Call sends a request and waits for a response.
func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, models.NewError(models.CodeConnectorDown, "connector not connected").
			WithDetail("provider", string(t.def.ID))
	}

	// The definition timeout is a fallback for callers that bring no
	// deadline of their own.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.def.Timeout())
		defer cancel()
	}

	req := Request{
		JSONRPC: "2.0",
		ID:      uuid.New().String(),
		Method:  method,
	}

	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	body, _ := json.Marshal(req)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", t.def.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.def.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, models.WrapError(models.CodeConnectorDown, "http request", err).
			WithDetail("provider", string(t.def.ID))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, models.NewError(models.CodeUpstreamLimited, "connector returned 429").
			WithDetail("provider", string(t.def.ID))
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, models.NewError(models.CodeToolExecution,
			fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(respBody))).
			WithDetail("provider", string(t.def.ID))
	}

	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

// Notify sends a notification (no response expected).
func (t *HTTPTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return models.NewError(models.CodeConnectorDown, "connector not connected").
			WithDetail("provider", string(t.def.ID))
	}

	notif := Notification{
		JSONRPC: "2.0",
		Method:  method,
	}

	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}

	body, _ := json.Marshal(notif)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", t.def.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.def.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	resp.Body.Close()

	return nil
}

// Events returns the notification channel.
func (t *HTTPTransport) Events() <-chan *Notification {
	return t.events
}

// Connected returns whether the transport is connected.
func (t *HTTPTransport) Connected() bool {
	return t.connected.Load()
}

// sseLoop listens for server-sent notifications, reconnecting with a fixed
// backoff.
func (t *HTTPTransport) sseLoop(ctx context.Context) {
	defer t.wg.Done()

	sseURL := strings.TrimSuffix(t.def.URL, "/") + "/sse"

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopChan:
			return
		default:
		}

		t.connectSSE(ctx, sseURL)

		select {
		case <-ctx.Done():
			return
		case <-t.stopChan:
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// connectSSE establishes one SSE connection and pumps its events.
func (t *HTTPTransport) connectSSE(ctx context.Context, sseURL string) {
	req, err := http.NewRequestWithContext(ctx, "GET", sseURL, nil)
	if err != nil {
		t.logger.Debug(ctx, "failed to create SSE request", "error", err)
		return
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.def.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug(ctx, "SSE connection failed", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.logger.Debug(ctx, "SSE returned non-200", "status", resp.StatusCode)
		return
	}

	t.logger.Debug(ctx, "SSE connected", "url", sseURL)

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-t.stopChan:
			return
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		var notif Notification
		if err := json.Unmarshal([]byte(data), &notif); err != nil || notif.Method == "" {
			continue
		}
		select {
		case t.events <- &notif:
		default:
			t.logger.Warn(ctx, "notification channel full, dropping")
		}
	}

	if err := scanner.Err(); err != nil {
		t.logger.Debug(ctx, "SSE scanner error", "error", err)
	}
}
