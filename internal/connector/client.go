package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/crossquery/internal/observability"
	"github.com/haasonsaas/crossquery/pkg/models"
)

// Client speaks the tool protocol to a single connector.
type Client struct {
	def       *Definition
	transport Transport
	logger    *observability.Logger

	serverInfo ServerInfo
}

// NewClient creates a client for the definition. The transport is chosen
// from the definition; tests may swap it with NewClientWithTransport.
func NewClient(def *Definition, logger *observability.Logger) *Client {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}

	transport := NewTransport(def)
	if s, ok := transport.(interface {
		SetLogger(*observability.Logger)
	}); ok {
		s.SetLogger(logger)
	}

	return &Client{
		def:       def,
		transport: transport,
		logger:    logger.WithFields("connector", string(def.ID)),
	}
}

// NewClientWithTransport creates a client over a caller-supplied transport.
func NewClientWithTransport(def *Definition, transport Transport, logger *observability.Logger) *Client {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Client{
		def:       def,
		transport: transport,
		logger:    logger.WithFields("connector", string(def.ID)),
	}
}

// Connect establishes the transport and performs the initialize handshake.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return models.WrapError(models.CodeConnectorDown, "transport connect", err).
			WithDetail("provider", string(c.def.ID))
	}

	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"clientInfo": map[string]any{
			"name":    "crossquery",
			"version": "1.0.0",
		},
	})
	if err != nil {
		c.transport.Close()
		return c.mapError(err, "initialize")
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		c.transport.Close()
		return models.WrapError(models.CodeConnectorDown, "parse initialize result", err).
			WithDetail("provider", string(c.def.ID))
	}

	c.serverInfo = initResult.ServerInfo
	c.logger.Info(ctx, "connected to connector",
		"name", c.serverInfo.Name,
		"version", c.serverInfo.Version,
		"protocol", initResult.ProtocolVersion)

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn(ctx, "failed to send initialized notification", "error", err)
	}

	return nil
}

// Close closes the connection to the connector.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Definition returns the connector definition.
func (c *Client) Definition() *Definition {
	return c.def
}

// ServerInfo returns the connector identity from the handshake.
func (c *Client) ServerInfo() ServerInfo {
	return c.serverInfo
}

// Connected returns whether the client is connected.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// ListTools requests the connector's tool descriptors.
func (c *Client) ListTools(ctx context.Context) ([]models.ToolDescriptor, error) {
	result, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, c.mapError(err, "tools/list")
	}

	var resp ListToolsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, models.WrapError(models.CodeToolExecution, "parse tools/list result", err).
			WithDetail("provider", string(c.def.ID))
	}

	descriptors := make([]models.ToolDescriptor, 0, len(resp.Tools))
	for _, tool := range resp.Tools {
		if tool == nil {
			continue
		}
		descriptors = append(descriptors, tool.Descriptor())
	}
	return descriptors, nil
}

// CallTool invokes one tool with pre-serialised arguments.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (*CallResult, error) {
	params := CallToolParams{
		Name:      name,
		Arguments: args,
	}

	result, err := c.transport.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, c.mapError(err, name)
	}

	var callResult CallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, models.WrapError(models.CodeToolExecution, "parse tools/call result", err).
			WithDetail("provider", string(c.def.ID)).
			WithDetail("tool", name)
	}

	return &callResult, nil
}

// Events returns the notification channel.
func (c *Client) Events() <-chan *Notification {
	return c.transport.Events()
}

// mapError converts transport and JSON-RPC failures to the error taxonomy.
// Typed errors pass through untouched.
func (c *Client) mapError(err error, op string) error {
	var me *models.Error
	if errors.As(err, &me) {
		return err
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		switch {
		case rpcErr.Code == ErrCodeRateLimited || strings.Contains(strings.ToLower(rpcErr.Message), "rate limit"):
			return models.WrapError(models.CodeUpstreamLimited, fmt.Sprintf("%s: %s", op, rpcErr.Message), rpcErr).
				WithDetail("provider", string(c.def.ID))
		case rpcErr.Code == ErrCodeToolNotFound, rpcErr.Code == ErrCodeMethodNotFound, rpcErr.Code == ErrCodeInvalidParams:
			return models.WrapError(models.CodeValidation, fmt.Sprintf("%s: %s", op, rpcErr.Message), rpcErr).
				WithDetail("provider", string(c.def.ID))
		default:
			return models.WrapError(models.CodeToolExecution, fmt.Sprintf("%s: %s", op, rpcErr.Message), rpcErr).
				WithDetail("provider", string(c.def.ID))
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	code := models.ClassifyUpstream(err)
	return models.WrapError(code, op+" failed", err).
		WithDetail("provider", string(c.def.ID))
}
