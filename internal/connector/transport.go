package connector

import (
	"context"
	"encoding/json"
)

// Transport carries JSON-RPC traffic to one connector.
type Transport interface {
	// Connect establishes the transport connection.
	Connect(ctx context.Context) error

	// Close closes the transport connection.
	Close() error

	// Call sends a request and waits for a response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Events returns a channel for receiving notifications from the
	// connector, such as tool-list change announcements.
	Events() <-chan *Notification

	// Connected returns whether the transport is connected.
	Connected() bool
}

// NewTransport creates a transport for the definition.
func NewTransport(def *Definition) Transport {
	switch def.Transport {
	case TransportHTTP:
		return NewHTTPTransport(def)
	default:
		return NewStdioTransport(def)
	}
}
