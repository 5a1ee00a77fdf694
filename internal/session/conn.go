package session

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

// DefaultReadLimit is the largest inbound frame accepted by the default dialer.
const DefaultReadLimit = 4 << 20

// Conn defines the interface for a WebSocket connection.
// This abstraction enables testing with mock connections.
type Conn interface {
	// Read reads a message from the connection.
	// Returns message type, payload, and any error.
	Read(ctx context.Context) (websocket.MessageType, []byte, error)

	// Write writes a message to the connection.
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error

	// Close closes the connection with a status code and reason.
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc opens a connection to address. The context bounds the handshake.
type DialFunc func(ctx context.Context, address string) (Conn, error)

// WebsocketDialer returns a DialFunc backed by websocket.Dial.
// opts may be nil.
func WebsocketDialer(opts *websocket.DialOptions) DialFunc {
	return func(ctx context.Context, address string) (Conn, error) {
		conn, resp, err := websocket.Dial(ctx, address, opts)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("failed to connect to %s (status: %s): %w", address, resp.Status, err)
			}
			return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
		}
		conn.SetReadLimit(DefaultReadLimit)
		return conn, nil
	}
}
