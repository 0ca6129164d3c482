package connector

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/crossquery/internal/observability"
	"github.com/haasonsaas/crossquery/pkg/models"
)

// StdioTransport runs the connector as a subprocess and frames JSON-RPC
// messages as newline-delimited JSON on its stdin/stdout.
type StdioTransport struct {
	def    *Definition
	logger *observability.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Scanner
	stderr  io.ReadCloser

	pending   map[int64]chan *Response
	pendingMu sync.Mutex
	events    chan *Notification
	nextID    atomic.Int64

	connected atomic.Bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewStdioTransport creates a stdio transport for the definition.
func NewStdioTransport(def *Definition) *StdioTransport {
	return &StdioTransport{
		def:      def,
		logger:   observability.NewLogger(observability.LogConfig{}).WithFields("connector", string(def.ID), "transport", "stdio"),
		pending:  make(map[int64]chan *Response),
		events:   make(chan *Notification, 100),
		stopChan: make(chan struct{}),
	}
}

// SetLogger replaces the transport logger, normally with the process-wide
// one so redaction patterns apply.
func (t *StdioTransport) SetLogger(logger *observability.Logger) {
	if logger != nil {
		t.logger = logger.WithFields("connector", string(t.def.ID), "transport", "stdio")
	}
}

// Connect starts the subprocess and the read loops.
func (t *StdioTransport) Connect(ctx context.Context) error {
	if t.def.Command == "" {
		return fmt.Errorf("command is required for stdio transport")
	}

	t.process = exec.CommandContext(ctx, t.def.Command, t.def.Args...)

	t.process.Env = os.Environ()
	for k, v := range t.def.Env {
		t.process.Env = append(t.process.Env, fmt.Sprintf("%s=%s", k, v))
	}

	if t.def.WorkDir != "" {
		t.process.Dir = t.def.WorkDir
	}

	var err error
	t.stdin, err = t.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	t.stdout = bufio.NewScanner(stdout)
	t.stdout.Buffer(make([]byte, 1024*1024), 1024*1024) // 1MB line budget

	t.stderr, _ = t.process.StderrPipe()

	if err := t.process.Start(); err != nil {
		return fmt.Errorf("start connector: %w", err)
	}

	t.connected.Store(true)
	t.logger.Info(ctx, "started connector process",
		"command", t.def.Command,
		"pid", t.process.Process.Pid)

	t.wg.Add(1)
	go t.readLoop()

	if t.stderr != nil {
		t.wg.Add(1)
		go t.logStderr()
	}

	return nil
}

// Close stops the subprocess.
func (t *StdioTransport) Close() error {
	if !t.connected.Swap(false) {
		return nil
	}
	close(t.stopChan)

	if t.stdin != nil {
		t.stdin.Close()
	}

	if t.process != nil && t.process.Process != nil {
		t.process.Process.Kill()
	}

	t.wg.Wait()
	return nil
}

// Call sends a request and waits for a response.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, models.NewError(models.CodeConnectorDown, "connector not connected").
			WithDetail("provider", string(t.def.ID))
	}

	id := t.nextID.Add(1)

	req := Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
	}

	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	respChan := make(chan *Response, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	data, _ := json.Marshal(req)
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return nil, models.WrapError(models.CodeConnectorDown, "write request", err).
			WithDetail("provider", string(t.def.ID))
	}

	// The definition timeout is a fallback for callers that bring no
	// deadline of their own.
	var timeoutCh <-chan time.Time
	if _, ok := ctx.Deadline(); !ok {
		timer := time.NewTimer(t.def.Timeout())
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeoutCh:
		return nil, models.NewError(models.CodeConnectorDown, fmt.Sprintf("request timeout after %v", t.def.Timeout())).
			WithDetail("provider", string(t.def.ID)).
			WithDetail("method", method)
	case <-t.stopChan:
		return nil, models.NewError(models.CodeConnectorDown, "transport closed").
			WithDetail("provider", string(t.def.ID))
	}
}

// Notify sends a notification (no response expected).
func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
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

	data, _ := json.Marshal(notif)
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}

	return nil
}

// Events returns the notification channel.
func (t *StdioTransport) Events() <-chan *Notification {
	return t.events
}

// Connected returns whether the transport is connected.
func (t *StdioTransport) Connected() bool {
	return t.connected.Load()
}

// readLoop reads messages from stdout.
func (t *StdioTransport) readLoop() {
	defer t.wg.Done()
	defer t.connected.Store(false)

	for t.stdout.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}

		line := t.stdout.Text()
		if line == "" {
			continue
		}

		t.processLine(line)
	}

	if err := t.stdout.Err(); err != nil {
		t.logger.Error(context.Background(), "stdout scanner error", "error", err)
	}
}

// processLine handles a single JSON-RPC message.
func (t *StdioTransport) processLine(line string) {
	// A response carries an ID.
	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err == nil && resp.ID != nil {
		var id int64
		switch v := resp.ID.(type) {
		case float64:
			id = int64(v)
		case int64:
			id = v
		case int:
			id = int64(v)
		default:
			t.logger.Warn(context.Background(), "unexpected response ID type", "id", resp.ID)
			return
		}

		t.pendingMu.Lock()
		if ch, ok := t.pending[id]; ok {
			select {
			case ch <- &resp:
			default:
			}
			delete(t.pending, id)
		}
		t.pendingMu.Unlock()
		return
	}

	// A notification has a method but no ID.
	var notif Notification
	if err := json.Unmarshal([]byte(line), &notif); err == nil && notif.Method != "" {
		select {
		case t.events <- &notif:
		default:
			t.logger.Warn(context.Background(), "notification channel full, dropping")
		}
	}
}

// logStderr forwards connector stderr to the log at debug level.
func (t *StdioTransport) logStderr() {
	defer t.wg.Done()

	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}

		line := scanner.Text()
		if line != "" {
			t.logger.Debug(context.Background(), "connector stderr", "message", line)
		}
	}
}
