package capture

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/webtap/webtap/internal/cdp"
)

// networkMonitor assembles the fragmented CDP network events into complete
// transactions. Entries are keyed by requestId and emitted exactly once,
// always in a terminal state.
type networkMonitor struct {
	client  *cdp.Client
	cfg     Config
	log     logrus.FieldLogger
	emit    EventFunc
	nextSeq func() uint64

	// captureTypes holds the resource types whose bodies are fetched.
	captureTypes map[string]bool

	mu       sync.Mutex
	inflight map[string]*transaction

	completed uint64
	failed    uint64

	// wg tracks body fetches and deferred terminal emits so finalize can
	// wait for them within the grace period.
	wg sync.WaitGroup
}

// transaction is one in-flight network exchange.
type transaction struct {
	evt NetworkTransactionEvent

	// bodyDone is non-nil once a body fetch has been scheduled and is
	// closed when the fetch resolves either way.
	bodyDone chan struct{}

	emitted bool
}

func newNetworkMonitor(client *cdp.Client, cfg Config, emit EventFunc, nextSeq func() uint64, log logrus.FieldLogger) *networkMonitor {
	types := make(map[string]bool, len(cfg.CaptureResourceTypes))
	for _, t := range cfg.CaptureResourceTypes {
		types[t] = true
	}
	return &networkMonitor{
		client:       client,
		cfg:          cfg,
		log:          log.WithField("monitor", "network"),
		emit:         emit,
		nextSeq:      nextSeq,
		captureTypes: types,
		inflight:     make(map[string]*transaction),
	}
}

func (m *networkMonitor) name() string { return "network" }

func (m *networkMonitor) start(ctx context.Context) error {
	return m.client.EnableDomain(ctx, "Network", nil)
}

func (m *networkMonitor) handles(method string) bool {
	switch method {
	case "Network.requestWillBeSent",
		"Network.requestWillBeSentExtraInfo",
		"Network.responseReceived",
		"Network.responseReceivedExtraInfo",
		"Network.loadingFinished",
		"Network.loadingFailed":
		return true
	}
	return false
}

// requestParams covers the requestWillBeSent payload.
type requestParams struct {
	RequestID string `json:"requestId"`
	Request   struct {
		URL      string            `json:"url"`
		Method   string            `json:"method"`
		Headers  map[string]string `json:"headers"`
		PostData string            `json:"postData"`
	} `json:"request"`
	Type string `json:"type"`
}

// extraInfoParams covers both *ExtraInfo payloads.
type extraInfoParams struct {
	RequestID string            `json:"requestId"`
	Headers   map[string]string `json:"headers"`
}

// responseParams covers the responseReceived payload.
type responseParams struct {
	RequestID string `json:"requestId"`
	Response  struct {
		URL      string            `json:"url"`
		Status   int               `json:"status"`
		Headers  map[string]string `json:"headers"`
		MimeType string            `json:"mimeType"`
	} `json:"response"`
	Type string `json:"type"`
}

// loadingParams covers loadingFinished and loadingFailed payloads.
type loadingParams struct {
	RequestID string `json:"requestId"`
	ErrorText string `json:"errorText"`
	Canceled  bool   `json:"canceled"`
}

func (m *networkMonitor) handle(evt cdp.Event) {
	switch evt.Method {
	case "Network.requestWillBeSent":
		var p requestParams
		if err := json.Unmarshal(evt.Params, &p); err != nil {
			m.log.WithError(err).Warn("bad requestWillBeSent payload")
			return
		}
		m.onRequest(p)

	case "Network.requestWillBeSentExtraInfo":
		var p extraInfoParams
		if err := json.Unmarshal(evt.Params, &p); err != nil {
			return
		}
		m.mergeHeaders(p.RequestID, p.Headers, true)

	case "Network.responseReceived":
		var p responseParams
		if err := json.Unmarshal(evt.Params, &p); err != nil {
			m.log.WithError(err).Warn("bad responseReceived payload")
			return
		}
		m.onResponse(p)

	case "Network.responseReceivedExtraInfo":
		var p extraInfoParams
		if err := json.Unmarshal(evt.Params, &p); err != nil {
			return
		}
		m.mergeHeaders(p.RequestID, p.Headers, false)

	case "Network.loadingFinished":
		var p loadingParams
		if err := json.Unmarshal(evt.Params, &p); err != nil {
			return
		}
		m.onFinished(p.RequestID)

	case "Network.loadingFailed":
		var p loadingParams
		if err := json.Unmarshal(evt.Params, &p); err != nil {
			return
		}
		m.onFailed(p)
	}
}

// getOrCreate returns the transaction for id, creating a pending shell if
// the first event observed for it was an ExtraInfo variant. Callers hold
// m.mu.
func (m *networkMonitor) getOrCreate(id string) *transaction {
	txn, ok := m.inflight[id]
	if !ok {
		txn = &transaction{evt: NetworkTransactionEvent{
			RequestID: id,
			State:     StatePending,
			Timing:    &Timing{RequestTime: time.Now()},
		}}
		m.inflight[id] = txn
	}
	return txn
}

func (m *networkMonitor) onRequest(p requestParams) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.getOrCreate(p.RequestID)
	txn.evt.Method = p.Request.Method
	txn.evt.URL = p.Request.URL
	txn.evt.RequestBody = p.Request.PostData
	txn.evt.ResourceType = p.Type
	if txn.evt.RequestHeaders == nil {
		txn.evt.RequestHeaders = make(map[string]string, len(p.Request.Headers))
	}
	for k, v := range p.Request.Headers {
		txn.evt.RequestHeaders[k] = v
	}
}

func (m *networkMonitor) mergeHeaders(id string, headers map[string]string, request bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.getOrCreate(id)
	dst := &txn.evt.ResponseHeaders
	if request {
		dst = &txn.evt.RequestHeaders
	}
	if *dst == nil {
		*dst = make(map[string]string, len(headers))
	}
	for k, v := range headers {
		(*dst)[k] = v
	}
}

func (m *networkMonitor) onResponse(p responseParams) {
	m.mu.Lock()
	txn := m.getOrCreate(p.RequestID)
	txn.evt.Status = p.Response.Status
	txn.evt.MimeType = p.Response.MimeType
	if txn.evt.URL == "" {
		txn.evt.URL = p.Response.URL
	}
	if txn.evt.ResourceType == "" {
		txn.evt.ResourceType = p.Type
	}
	if txn.evt.ResponseHeaders == nil {
		txn.evt.ResponseHeaders = make(map[string]string, len(p.Response.Headers))
	}
	for k, v := range p.Response.Headers {
		txn.evt.ResponseHeaders[k] = v
	}
	txn.evt.Timing.ResponseTime = time.Now()
	txn.evt.State = StateHeaders

	fetch := m.captureTypes[p.Type] && txn.bodyDone == nil
	if fetch {
		txn.bodyDone = make(chan struct{})
		m.wg.Add(1)
	}
	m.mu.Unlock()

	if fetch {
		// The reply to getResponseBody arrives through the same read
		// loop this handler runs on, so the fetch must leave it.
		go m.fetchBody(p.RequestID)
	}
}

// fetchBody retrieves the response body for one transaction. Best-effort:
// the browser evicts bodies it no longer needs, in which case the
// transaction is emitted without one.
func (m *networkMonitor) fetchBody(id string) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CommandTimeout)
	defer cancel()

	result, err := m.client.SendAndWait(ctx, "Network.getResponseBody", map[string]string{"requestId": id})

	m.mu.Lock()
	txn, ok := m.inflight[id]
	if ok {
		if err != nil {
			m.log.WithField("requestId", id).WithError(err).Debug("response body unavailable")
			txn.evt.BodyMissing = true
		} else {
			var body struct {
				Body          string `json:"body"`
				Base64Encoded bool   `json:"base64Encoded"`
			}
			if err := json.Unmarshal(result, &body); err != nil {
				txn.evt.BodyMissing = true
			} else {
				txn.evt.ResponseBody = body.Body
				txn.evt.BodyBase64 = body.Base64Encoded
				txn.evt.State = StateBodyFetched
			}
		}
		done := txn.bodyDone
		m.mu.Unlock()
		close(done)
		return
	}
	m.mu.Unlock()
}

func (m *networkMonitor) onFinished(id string) {
	m.mu.Lock()
	txn, ok := m.inflight[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	txn.evt.Timing.EndTime = time.Now()
	bodyDone := txn.bodyDone
	m.mu.Unlock()

	if bodyDone == nil {
		m.emitTerminal(id, StateCompleted, nil)
		return
	}

	// Wait for the body fetch off the read loop, then emit.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		<-bodyDone
		m.emitTerminal(id, StateCompleted, nil)
	}()
}

func (m *networkMonitor) onFailed(p loadingParams) {
	m.mu.Lock()
	if txn, ok := m.inflight[p.RequestID]; ok {
		txn.evt.Timing.EndTime = time.Now()
	}
	m.mu.Unlock()

	m.emitTerminal(p.RequestID, StateFailed, &Failure{
		ErrorText: p.ErrorText,
		Canceled:  p.Canceled,
	})
}

// emitTerminal moves a transaction to its terminal state and emits it.
// The emitted guard makes this exactly-once even when loadingFinished and
// finalize race.
func (m *networkMonitor) emitTerminal(id string, state TransactionState, failure *Failure) {
	m.mu.Lock()
	txn, ok := m.inflight[id]
	if !ok || txn.emitted {
		m.mu.Unlock()
		return
	}
	txn.emitted = true
	delete(m.inflight, id)

	txn.evt.Sequence = m.nextSeq()
	txn.evt.Timestamp = time.Now()
	txn.evt.State = state
	txn.evt.Failure = failure
	if state == StateCompleted {
		m.completed++
	} else {
		m.failed++
	}
	out := txn.evt
	m.mu.Unlock()

	if err := m.emit(CategoryNetwork, out); err != nil {
		m.log.WithError(err).Warn("event callback failed")
	}
}

// finalize waits briefly for outstanding body fetches, then emits every
// transaction still in flight as failed/canceled.
func (m *networkMonitor) finalize(ctx context.Context) {
	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
	case <-time.After(m.cfg.FinalizeGrace):
	}

	m.mu.Lock()
	remaining := make([]string, 0, len(m.inflight))
	for id := range m.inflight {
		remaining = append(remaining, id)
	}
	m.mu.Unlock()

	for _, id := range remaining {
		m.emitTerminal(id, StateFailed, &Failure{ErrorText: "canceled", Canceled: true})
	}
}

// counts returns the in-flight, completed, and failed totals.
func (m *networkMonitor) counts() (inFlight int, completed, failed uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight), m.completed, m.failed
}
