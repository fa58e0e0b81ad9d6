package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// mockConn implements the Conn interface with channel-based message delivery.
type mockConn struct {
	mu      sync.Mutex
	readCh  chan []byte
	written [][]byte
	closed  bool
	closeCh chan struct{}

	// reply, when set, is called with each written request; a non-nil
	// return value is queued as the next inbound frame.
	reply func(req Request) []byte
}

func newMockConn(messages ...[]byte) *mockConn {
	m := &mockConn{
		readCh:  make(chan []byte, len(messages)+100),
		closeCh: make(chan struct{}),
	}
	for _, msg := range messages {
		m.readCh <- msg
	}
	return m
}

// newEchoConn replies to every request with the given result payload.
func newEchoConn(result string) *mockConn {
	m := newMockConn()
	m.reply = func(req Request) []byte {
		data, _ := json.Marshal(Response{ID: req.ID, Result: json.RawMessage(result)})
		return data
	}
	return m
}

func (m *mockConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case msg := <-m.readCh:
		return websocket.MessageText, msg, nil
	case <-m.closeCh:
		return 0, nil, errors.New("connection closed")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (m *mockConn) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("connection closed")
	}
	m.written = append(m.written, data)
	reply := m.reply
	m.mu.Unlock()

	if reply != nil {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return err
		}
		if resp := reply(req); resp != nil {
			m.readCh <- resp
		}
	}
	return nil
}

func (m *mockConn) Close(code websocket.StatusCode, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closeCh)
	}
	return nil
}

func (m *mockConn) getWritten() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([][]byte, len(m.written))
	copy(result, m.written)
	return result
}

func TestClient_SendAndWait_CorrelatesReplyByID(t *testing.T) {
	t.Parallel()

	conn := newEchoConn(`{"frameId":"ABC123"}`)
	client := NewClient(conn, nil)
	defer client.Close()

	result, err := client.SendAndWait(context.Background(), "Page.navigate", map[string]string{"url": "https://example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result) != `{"frameId":"ABC123"}` {
		t.Errorf("unexpected result: %s", string(result))
	}

	written := conn.getWritten()
	if len(written) != 1 {
		t.Fatalf("expected 1 written message, got %d", len(written))
	}

	var req Request
	if err := json.Unmarshal(written[0], &req); err != nil {
		t.Fatalf("failed to unmarshal request: %v", err)
	}
	if req.ID != 1 {
		t.Errorf("expected request ID 1, got %d", req.ID)
	}
	if req.Method != "Page.navigate" {
		t.Errorf("expected method Page.navigate, got %s", req.Method)
	}
}

func TestClient_SendAndWait_ReturnsProtocolError(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	conn.reply = func(req Request) []byte {
		data, _ := json.Marshal(Response{ID: req.ID, Error: &Error{Code: -32000, Message: "Target closed"}})
		return data
	}
	client := NewClient(conn, nil)
	defer client.Close()

	_, err := client.SendAndWait(context.Background(), "Page.navigate", nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var cdpErr *Error
	if !errors.As(err, &cdpErr) {
		t.Fatalf("expected protocol error, got %T: %v", err, err)
	}
	if cdpErr.Code != -32000 {
		t.Errorf("expected error code -32000, got %d", cdpErr.Code)
	}
}

func TestClient_SendAndWait_Timeout(t *testing.T) {
	t.Parallel()

	// No reply is ever produced.
	conn := newMockConn()
	client := NewClient(conn, nil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.SendAndWait(ctx, "Page.navigate", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestClient_SendAndWait_ZeroTimeoutFailsImmediately(t *testing.T) {
	t.Parallel()

	conn := newEchoConn(`{}`)
	client := NewClient(conn, nil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()

	// Repeat so a fast echoed reply racing the deadline cannot slip
	// through as a success.
	for i := 0; i < 500; i++ {
		if _, err := client.SendAndWait(ctx, "Page.navigate", nil); !errors.Is(err, ErrTimeout) {
			t.Fatalf("attempt %d: expected ErrTimeout, got %v", i, err)
		}
	}

	// An expired context never puts the command on the wire.
	if written := conn.getWritten(); len(written) != 0 {
		t.Errorf("expected no frames written, got %d", len(written))
	}
}

func TestClient_SendAndWait_ClosedWhileWaiting(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	client := NewClient(conn, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		client.Close()
	}()

	_, err := client.SendAndWait(context.Background(), "Page.navigate", nil)
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestClient_Send_FailsWhenNotConnected(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	client := NewClient(conn, nil)
	client.Close()

	if _, err := client.Send("Page.enable", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if _, err := client.SendAndWait(context.Background(), "Page.enable", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestClient_EnableDomain_Idempotent(t *testing.T) {
	t.Parallel()

	conn := newEchoConn(`{}`)
	client := NewClient(conn, nil)
	defer client.Close()

	for i := 0; i < 5; i++ {
		if err := client.EnableDomain(context.Background(), "Network", nil); err != nil {
			t.Fatalf("enable attempt %d failed: %v", i, err)
		}
	}

	written := conn.getWritten()
	if len(written) != 1 {
		t.Fatalf("expected exactly 1 Network.enable on the wire, got %d frames", len(written))
	}

	var req Request
	if err := json.Unmarshal(written[0], &req); err != nil {
		t.Fatalf("failed to unmarshal request: %v", err)
	}
	if req.Method != "Network.enable" {
		t.Errorf("expected Network.enable, got %s", req.Method)
	}
	if !client.DomainEnabled("Network") {
		t.Error("expected Network in enabled set")
	}
}

func TestClient_EnableDomain_NotRecordedOnFailure(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	conn.reply = func(req Request) []byte {
		data, _ := json.Marshal(Response{ID: req.ID, Error: &Error{Code: -32601, Message: "not found"}})
		return data
	}
	client := NewClient(conn, nil)
	defer client.Close()

	if err := client.EnableDomain(context.Background(), "IndexedDB", nil); err == nil {
		t.Fatal("expected enable error, got nil")
	}
	if client.DomainEnabled("IndexedDB") {
		t.Error("failed domain must not be in the enabled set")
	}
}

func TestClient_UseSession_AttachesSessionID(t *testing.T) {
	t.Parallel()

	conn := newEchoConn(`{}`)
	client := NewClient(conn, nil)
	defer client.Close()

	if _, err := client.SendAndWait(context.Background(), "Target.getTargets", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	client.UseSession("SESSION-1")
	if _, err := client.SendAndWait(context.Background(), "Runtime.evaluate", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	client.ClearSession()
	if _, err := client.SendAndWait(context.Background(), "Page.enable", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	written := conn.getWritten()
	if len(written) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(written))
	}

	var reqs [3]Request
	for i, data := range written {
		if err := json.Unmarshal(data, &reqs[i]); err != nil {
			t.Fatalf("failed to unmarshal request %d: %v", i, err)
		}
	}
	if reqs[0].SessionID != "" {
		t.Errorf("expected no session id before UseSession, got %q", reqs[0].SessionID)
	}
	if reqs[1].SessionID != "SESSION-1" {
		t.Errorf("expected SESSION-1, got %q", reqs[1].SessionID)
	}
	if reqs[2].SessionID != "" {
		t.Errorf("expected no session id after ClearSession, got %q", reqs[2].SessionID)
	}
}

func TestClient_OnEvent_ReceivesEvents(t *testing.T) {
	t.Parallel()

	evtData := []byte(`{"method":"Page.loadEventFired","params":{"timestamp":123.456},"sessionId":"S1"}`)
	conn := newMockConn(evtData)

	client := NewClient(conn, nil)
	defer client.Close()

	received := make(chan Event, 1)
	client.OnEvent(func(e Event) {
		received <- e
	})

	select {
	case e := <-received:
		if e.Method != "Page.loadEventFired" {
			t.Errorf("expected Page.loadEventFired, got %s", e.Method)
		}
		if e.SessionID != "S1" {
			t.Errorf("expected session id S1, got %q", e.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestClient_ConcurrentSendAndWait(t *testing.T) {
	t.Parallel()

	const numRequests = 16

	conn := newEchoConn(`{"ok":true}`)
	client := NewClient(conn, nil)
	defer client.Close()

	var wg sync.WaitGroup
	errCh := make(chan error, numRequests)

	for i := 0; i < numRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.SendAndWait(context.Background(), "Test.method", nil); err != nil {
				errCh <- err
			}
		}()
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent send error: %v", err)
	}
}

func TestClient_LateReplyIsDropped(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	client := NewClient(conn, nil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := client.SendAndWait(ctx, "Slow.method", nil); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// The reply arrives after the waiter gave up; it must not panic or block.
	conn.readCh <- []byte(`{"id":1,"result":{}}`)

	// A follow-up command still works.
	conn.reply = func(req Request) []byte {
		data, _ := json.Marshal(Response{ID: req.ID, Result: json.RawMessage(`{}`)})
		return data
	}
	if _, err := client.SendAndWait(context.Background(), "Fast.method", nil); err != nil {
		t.Errorf("follow-up command failed: %v", err)
	}
}

func TestClient_Close_Idempotent(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	client := NewClient(conn, nil)

	if err := client.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("double close returned error: %v", err)
	}

	select {
	case <-client.Done():
	default:
		t.Error("expected Done channel to be closed")
	}
}

func TestClient_RemoteClose_SignalsDone(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	client := NewClient(conn, nil)
	defer client.Close()

	// Simulate the browser dropping the connection.
	conn.Close(websocket.StatusNormalClosure, "remote")

	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Done to close after remote disconnect")
	}
	if client.Err() == nil {
		t.Error("expected a close error after remote disconnect")
	}
}
