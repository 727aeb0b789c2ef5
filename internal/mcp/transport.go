package mcp

import (
	"context"
	"encoding/json"
)

// Transport carries JSON-RPC traffic to one server.
type Transport interface {
	// Connect establishes the connection.
	Connect(ctx context.Context) error

	// Close tears the connection down.
	Close() error

	// Call sends a request and waits for its response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Events delivers server-initiated notifications.
	Events() <-chan *JSONRPCNotification

	// Connected reports whether the transport is usable.
	Connected() bool
}

// NewTransport builds the transport the config calls for.
func NewTransport(cfg *ServerConfig) Transport {
	if cfg.EffectiveTransport() == TransportHTTP {
		return NewHTTPTransport(cfg)
	}
	return NewStdioTransport(cfg)
}
