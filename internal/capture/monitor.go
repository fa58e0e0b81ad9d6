package capture

import (
	"context"

	"github.com/webtap/webtap/internal/cdp"
)

// monitor is one of the session's event consumers. The set is closed:
// network, storage, window properties, interactions.
//
// handle runs on the read-loop goroutine and must never block on a CDP
// round trip; monitors that need replies spawn goroutines for them.
type monitor interface {
	name() string

	// start enables the monitor's CDP domains and kicks off any
	// background work.
	start(ctx context.Context) error

	// handles reports whether this monitor consumes the given CDP method.
	handles(method string) bool

	// handle consumes one inbound event previously claimed by handles.
	handle(evt cdp.Event)

	// finalize flushes in-flight aggregates. It must tolerate partially
	// populated state and being called after transport failure.
	finalize(ctx context.Context)
}
