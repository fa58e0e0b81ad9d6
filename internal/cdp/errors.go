package cdp

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotConnected indicates a command was issued after the transport
	// went down or was never established.
	ErrNotConnected = errors.New("cdp: not connected")

	// ErrClosed indicates the transport shut down while a caller was
	// waiting for a reply.
	ErrClosed = errors.New("cdp: connection closed")

	// ErrTimeout indicates a command deadline expired before the reply
	// arrived. The waiter is removed; a late reply is dropped.
	ErrTimeout = errors.New("cdp: command timed out")
)

// contextLostCode is the error code Chrome returns for commands that
// reference object ids from a cleared execution context.
const contextLostCode = -32000

// IsContextLost reports whether err stems from an execution context that
// was destroyed by navigation. These errors are expected while a page is
// loading and are handled silently.
func IsContextLost(err error) bool {
	var perr *Error
	if errors.As(err, &perr) {
		if perr.Code == contextLostCode {
			return true
		}
		return strings.Contains(perr.Message, "Cannot find context")
	}
	return false
}

// IsTimeout reports whether err is a command deadline expiry.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
