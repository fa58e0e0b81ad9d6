package capture

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/webtap/webtap/internal/cdp"
)

// fakeConn is an in-memory CDP endpoint. Every command written to it is
// answered by the handler; events are injected with event().
type fakeConn struct {
	mu      sync.Mutex
	handler func(method string, params json.RawMessage) (any, *cdp.Error)

	readCh    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn(handler func(method string, params json.RawMessage) (any, *cdp.Error)) *fakeConn {
	return &fakeConn{
		handler: handler,
		readCh:  make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-c.readCh:
		return websocket.MessageText, data, nil
	case <-c.closed:
		return 0, nil, io.EOF
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	select {
	case <-c.closed:
		return io.EOF
	default:
	}

	var req struct {
		ID     int64           `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()

	result, cerr := handler(req.Method, req.Params)
	if result == nil && cerr == nil {
		// No reply at all: the command times out on the client side.
		return nil
	}

	reply := map[string]any{"id": req.ID}
	if cerr != nil {
		reply["error"] = cerr
	} else {
		reply["result"] = result
	}
	out, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	c.push(out)
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) setHandler(h func(method string, params json.RawMessage) (any, *cdp.Error)) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// event injects one CDP event frame.
func (c *fakeConn) event(t *testing.T, method string, params any) {
	t.Helper()
	frame, err := json.Marshal(map[string]any{"method": method, "params": params})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	c.push(frame)
}

func (c *fakeConn) push(data []byte) {
	select {
	case c.readCh <- data:
	case <-c.closed:
	}
}

// okHandler answers every command with an empty result and sensible
// defaults for the setup probes.
func okHandler(method string, params json.RawMessage) (any, *cdp.Error) {
	switch method {
	case "Runtime.evaluate":
		var p struct {
			Expression string `json:"expression"`
		}
		json.Unmarshal(params, &p)
		if p.Expression == "window" {
			return map[string]any{
				"result": map[string]any{"type": "object", "className": "Window", "objectId": "win0"},
			}, nil
		}
		if p.Expression == `JSON.stringify({state: document.readyState, url: location.href})` {
			return map[string]any{
				"result": map[string]any{"type": "string", "value": `{"state":"loading","url":"https://example.test/"}`},
			}, nil
		}
		return map[string]any{"result": map[string]any{}}, nil
	case "Runtime.getProperties":
		return map[string]any{"result": []any{}}, nil
	case "Network.getCookies":
		return map[string]any{"cookies": []any{}}, nil
	}
	return map[string]any{}, nil
}

// collector gathers emitted capture events.
type collector struct {
	mu     sync.Mutex
	events []capturedEvent
	ch     chan capturedEvent
}

type capturedEvent struct {
	category Category
	event    any
}

func newCollector() *collector {
	return &collector{ch: make(chan capturedEvent, 128)}
}

func (c *collector) emit(category Category, event any) error {
	ce := capturedEvent{category: category, event: event}
	c.mu.Lock()
	c.events = append(c.events, ce)
	c.mu.Unlock()
	select {
	case c.ch <- ce:
	default:
	}
	return nil
}

// wait blocks until an event matching pred arrives.
func (c *collector) wait(t *testing.T, pred func(capturedEvent) bool) capturedEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ce := <-c.ch:
			if pred(ce) {
				return ce
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func (c *collector) all() []capturedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]capturedEvent, len(c.events))
	copy(out, c.events)
	return out
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// newTestClient builds a cdp client over a fake connection and registers
// cleanup.
func newTestClient(t *testing.T, conn *fakeConn) *cdp.Client {
	t.Helper()
	client := cdp.NewClient(conn, testLogger())
	t.Cleanup(func() { client.Close() })
	return client
}

var errCallback = errors.New("callback rejected event")

func contextWithTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
