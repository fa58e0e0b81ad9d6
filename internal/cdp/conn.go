// Package cdp provides a Chrome DevTools Protocol client: one WebSocket
// to a browser target, command/reply correlation with deadlines, and
// idempotent domain enabling.
package cdp

import (
	"context"

	"github.com/coder/websocket"
)

// Conn is the WebSocket connection the client reads frames from and
// writes frames to. Abstracted so tests can substitute an in-memory pipe.
type Conn interface {
	// Read reads one message from the connection.
	// Returns message type, payload, and any error.
	Read(ctx context.Context) (websocket.MessageType, []byte, error)

	// Write writes one message to the connection.
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error

	// Close closes the connection with a status code and reason.
	Close(code websocket.StatusCode, reason string) error
}
