package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout is the default deadline for CDP commands.
const DefaultTimeout = 10 * time.Second

// Client speaks CDP over a single WebSocket. It correlates replies to
// pending commands by id and hands every unsolicited event to a single
// handler installed with OnEvent. One goroutine reads frames; writes from
// any goroutine are serialized through a mutex.
type Client struct {
	conn    Conn
	log     logrus.FieldLogger
	writeMu sync.Mutex
	msgID   atomic.Int64

	// pending maps command ids to one-shot reply channels.
	pending sync.Map // map[int64]chan *Response

	// handler receives every inbound event frame. Installed once before
	// traffic starts.
	handler atomic.Value // func(Event)

	// sessionID, when set, is attached to every outbound envelope.
	sessionID atomic.Value // string

	// enabled is the set of CDP domains that completed <Domain>.enable.
	enabledMu sync.Mutex
	enabled   map[string]bool

	closed    atomic.Bool
	closeOnce sync.Once
	closedCh  chan struct{}
	closeErr  error
	closeMu   sync.Mutex

	// done signals that the read loop has exited.
	done chan struct{}
}

// NewClient creates a client on an established connection and starts its
// read loop.
func NewClient(conn Conn, log logrus.FieldLogger) *Client {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = l
	}
	c := &Client{
		conn:     conn,
		log:      log,
		enabled:  make(map[string]bool),
		closedCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Dial connects to a CDP WebSocket endpoint and returns a new client.
// The URL is typically ws://host:port/devtools/page/<targetId>.
func Dial(ctx context.Context, wsURL string, log logrus.FieldLogger) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to CDP endpoint: %w", err)
	}
	conn.SetReadLimit(-1)
	return NewClient(conn, log), nil
}

// OnEvent installs the inbound event handler. The handler runs on the
// read-loop goroutine and must not issue blocking CDP calls directly.
func (c *Client) OnEvent(h func(Event)) {
	c.handler.Store(h)
}

// UseSession attaches sessionID to every subsequent outbound envelope.
func (c *Client) UseSession(sessionID string) {
	c.sessionID.Store(sessionID)
}

// ClearSession stops attaching a session id to outbound envelopes.
func (c *Client) ClearSession() {
	c.sessionID.Store("")
}

// SessionID returns the page session id currently attached to commands.
func (c *Client) SessionID() string {
	if v := c.sessionID.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Send assigns the next sequence id, writes the envelope, and returns the
// id without waiting for a reply.
func (c *Client) Send(method string, params any) (int64, error) {
	if c.closed.Load() {
		return 0, ErrNotConnected
	}

	id := c.msgID.Add(1)
	if err := c.write(id, method, params); err != nil {
		return 0, err
	}
	return id, nil
}

// SendAndWait sends a command and blocks until the reply arrives, the
// context expires, or the transport shuts down. A context that is already
// done fails immediately with ErrTimeout.
func (c *Client) SendAndWait(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrNotConnected
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %s", ErrTimeout, method)
	}

	id := c.msgID.Add(1)

	// Register the waiter before writing so a fast reply cannot race it.
	respCh := make(chan *Response, 1)
	c.pending.Store(id, respCh)
	defer c.pending.Delete(id)

	if err := c.write(id, method, params); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.log.WithField("method", method).Debug("command deadline expired")
		return nil, fmt.Errorf("%w: %s", ErrTimeout, method)
	case <-c.closedCh:
		return nil, ErrClosed
	}
}

// EnableDomain issues <domain>.enable once. Repeat calls for a domain
// already in the enabled set return immediately. The check-then-set is
// held under a mutex so concurrent callers produce a single wire command.
func (c *Client) EnableDomain(ctx context.Context, domain string, params any) error {
	c.enabledMu.Lock()
	defer c.enabledMu.Unlock()

	if c.enabled[domain] {
		return nil
	}

	if _, err := c.SendAndWait(ctx, domain+".enable", params); err != nil {
		return fmt.Errorf("enable %s: %w", domain, err)
	}
	c.enabled[domain] = true
	return nil
}

// DomainEnabled reports whether the domain completed its enable command.
func (c *Client) DomainEnabled(domain string) bool {
	c.enabledMu.Lock()
	defer c.enabledMu.Unlock()
	return c.enabled[domain]
}

// write marshals and writes one command envelope.
func (c *Client) write(id int64, method string, params any) error {
	req := Request{
		ID:        id,
		Method:    method,
		Params:    params,
		SessionID: c.SessionID(),
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	c.writeMu.Lock()
	err = c.conn.Write(context.Background(), websocket.MessageText, data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

// Close closes the transport and waits for the read loop to exit.
// Safe to call more than once.
func (c *Client) Close() error {
	alreadyClosed := c.closed.Swap(true)
	c.closeOnce.Do(func() { close(c.closedCh) })
	if alreadyClosed {
		<-c.done
		return nil
	}

	c.closeMu.Lock()
	err := c.conn.Close(websocket.StatusNormalClosure, "client closing")
	c.closeMu.Unlock()

	<-c.done
	return err
}

// Done returns a channel closed when the transport is no longer usable,
// whether by Close or by a remote disconnect.
func (c *Client) Done() <-chan struct{} {
	return c.closedCh
}

// Err returns the error that caused the client to close, if any.
func (c *Client) Err() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeErr
}

// readLoop reads frames until the connection dies, dispatching replies to
// waiters and events to the installed handler.
func (c *Client) readLoop() {
	defer close(c.done)

	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if !c.closed.Load() {
				c.closeMu.Lock()
				c.closeErr = err
				c.closeMu.Unlock()
				c.closed.Store(true)
				c.closeOnce.Do(func() { close(c.closedCh) })
			}
			return
		}

		resp, evt, err := parseMessage(data)
		if err != nil {
			c.log.WithError(err).Debug("dropping malformed frame")
			continue
		}

		if resp != nil {
			c.dispatchResponse(resp)
		} else if evt != nil {
			c.dispatchEvent(evt)
		}
	}
}

// dispatchResponse resolves the waiter registered for the reply id.
// Replies with no waiter were fire-and-forget or arrived after a timeout.
func (c *Client) dispatchResponse(resp *Response) {
	ch, ok := c.pending.Load(resp.ID)
	if !ok {
		c.log.WithField("id", resp.ID).Warn("dropping late or unsolicited reply")
		return
	}
	select {
	case ch.(chan *Response) <- resp:
	default:
	}
}

// dispatchEvent hands the event to the installed handler, if any.
func (c *Client) dispatchEvent(evt *Event) {
	if h := c.handler.Load(); h != nil {
		h.(func(Event))(*evt)
	}
}

// Domain extracts the domain prefix of a CDP method name
// ("Network.requestWillBeSent" → "Network").
func Domain(method string) string {
	if i := strings.IndexByte(method, '.'); i > 0 {
		return method[:i]
	}
	return method
}
