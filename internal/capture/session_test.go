package capture

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/webtap/webtap/internal/cdp"
)

func newTestSession(t *testing.T, conn *fakeConn, events *collector) *Session {
	t.Helper()
	s := NewSession(DefaultConfig(), events.emit, testLogger())
	client := cdp.NewClient(conn, testLogger())
	if err := s.attach(context.Background(), client); err != nil {
		client.Close()
		t.Fatalf("attach: %v", err)
	}
	t.Cleanup(func() { s.Finalize(context.Background()) })
	return s
}

func TestSessionStartupEnablesDomains(t *testing.T) {
	conn := newFakeConn(okHandler)
	events := newCollector()
	s := newTestSession(t, conn, events)

	for _, domain := range []string{"Page", "Runtime", "Network", "DOMStorage", "DOM"} {
		if !s.client.DomainEnabled(domain) {
			t.Errorf("domain %s not enabled", domain)
		}
	}
}

func TestSessionTargetAttachRouting(t *testing.T) {
	conn := newFakeConn(okHandler)
	events := newCollector()
	s := newTestSession(t, conn, events)

	conn.event(t, "Target.attachedToTarget", map[string]any{
		"sessionId":  "SESS-1",
		"targetInfo": map[string]any{"type": "page"},
	})
	waitFor(t, func() bool { return s.client.SessionID() == "SESS-1" })

	// Non-page attachments must not steal the session id.
	conn.event(t, "Target.attachedToTarget", map[string]any{
		"sessionId":  "SESS-2",
		"targetInfo": map[string]any{"type": "service_worker"},
	})
	conn.event(t, "Target.detachedFromTarget", map[string]any{"sessionId": "SESS-1"})
	waitFor(t, func() bool { return s.client.SessionID() == "" })
}

func TestSessionRoutesNetworkEvents(t *testing.T) {
	conn := newFakeConn(okHandler)
	events := newCollector()
	newTestSession(t, conn, events)

	conn.event(t, "Network.requestWillBeSent", map[string]any{
		"requestId": "R1",
		"request":   map[string]any{"url": "https://x/", "method": "GET"},
		"type":      "Document",
	})
	conn.event(t, "Network.loadingFailed", map[string]any{
		"requestId": "R1", "errorText": "net::ERR_FAILED",
	})

	ce := events.wait(t, isNetworkEvent("R1"))
	if ce.category != CategoryNetwork {
		t.Errorf("category = %q", ce.category)
	}
}

func TestSessionFrameNavigatedFansOut(t *testing.T) {
	conn := newFakeConn(okHandler)
	events := newCollector()
	s := newTestSession(t, conn, events)

	conn.event(t, "Page.frameNavigated", map[string]any{
		"frame": map[string]any{"url": "https://x/next"},
	})

	waitFor(t, func() bool {
		s.storage.mu.Lock()
		defer s.storage.mu.Unlock()
		return s.storage.currentURL == "https://x/next"
	})
	waitFor(t, func() bool {
		s.windowProps.mu.Lock()
		defer s.windowProps.mu.Unlock()
		return s.windowProps.currentURL == "https://x/next"
	})

	// Subframe navigations are ignored.
	conn.event(t, "Page.frameNavigated", map[string]any{
		"frame": map[string]any{"parentId": "top", "url": "https://ads.example/"},
	})
	time.Sleep(20 * time.Millisecond)
	s.storage.mu.Lock()
	url := s.storage.currentURL
	s.storage.mu.Unlock()
	if url != "https://x/next" {
		t.Errorf("subframe navigation changed url to %q", url)
	}
}

func TestSessionSummaryAndFinalizeIdempotent(t *testing.T) {
	conn := newFakeConn(okHandler)
	events := newCollector()
	s := newTestSession(t, conn, events)

	conn.event(t, "Network.requestWillBeSent", map[string]any{
		"requestId": "R2",
		"request":   map[string]any{"url": "https://x/", "method": "GET"},
		"type":      "XHR",
	})
	waitForInFlight(t, s.network, 1)

	if sum := s.Summary(); sum.Network.InFlight != 1 {
		t.Errorf("in-flight = %d, want 1", sum.Network.InFlight)
	}

	first := s.Finalize(context.Background())
	if first.Network.InFlight != 0 || first.Network.Failed != 1 {
		t.Errorf("final summary = %+v", first.Network)
	}

	second := s.Finalize(context.Background())
	if second != first {
		t.Errorf("second finalize = %+v, want %+v", second, first)
	}
}

func TestSessionFinalizeAfterTransportFailure(t *testing.T) {
	conn := newFakeConn(okHandler)
	events := newCollector()
	s := newTestSession(t, conn, events)

	conn.event(t, "Network.requestWillBeSent", map[string]any{
		"requestId": "R3",
		"request":   map[string]any{"url": "https://x/", "method": "GET"},
		"type":      "XHR",
	})
	waitForInFlight(t, s.network, 1)

	// The browser goes away mid-session.
	conn.Close(0, "")
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session never observed transport failure")
	}

	sum := s.Finalize(context.Background())
	if sum.Network.Failed != 1 {
		t.Errorf("failed = %d, want the in-flight request flushed", sum.Network.Failed)
	}
}

func TestSessionCallbackFailureDoesNotDestabilize(t *testing.T) {
	conn := newFakeConn(okHandler)
	events := newCollector()
	failing := func(category Category, event any) error {
		events.emit(category, event)
		return errCallback
	}

	s := NewSession(DefaultConfig(), failing, testLogger())
	client := cdp.NewClient(conn, testLogger())
	if err := s.attach(context.Background(), client); err != nil {
		client.Close()
		t.Fatalf("attach: %v", err)
	}
	t.Cleanup(func() { s.Finalize(context.Background()) })

	for _, id := range []string{"F1", "F2"} {
		conn.event(t, "Network.requestWillBeSent", map[string]any{
			"requestId": id,
			"request":   map[string]any{"url": "https://x/", "method": "GET"},
			"type":      "XHR",
		})
		conn.event(t, "Network.loadingFailed", map[string]any{
			"requestId": id, "errorText": "net::ERR_FAILED",
		})
	}

	events.wait(t, isNetworkEvent("F1"))
	events.wait(t, isNetworkEvent("F2"))
}

func TestSessionProbeArmsReadinessOnLoadedPage(t *testing.T) {
	conn := newFakeConn(func(method string, params json.RawMessage) (any, *cdp.Error) {
		if method == "Runtime.evaluate" {
			var p struct {
				Expression string `json:"expression"`
			}
			json.Unmarshal(params, &p)
			if p.Expression == `JSON.stringify({state: document.readyState, url: location.href})` {
				return map[string]any{
					"result": map[string]any{"type": "string", "value": `{"state":"complete","url":"https://x/app"}`},
				}, nil
			}
		}
		return okHandler(method, params)
	})
	events := newCollector()
	s := newTestSession(t, conn, events)

	if !s.windowProps.ready.Load() {
		t.Error("readiness not armed for an already-loaded page")
	}
	s.windowProps.mu.Lock()
	url := s.windowProps.currentURL
	s.windowProps.mu.Unlock()
	if url != "https://x/app" {
		t.Errorf("url = %q", url)
	}
}

func TestSessionProbePrefersFrameTreeURL(t *testing.T) {
	conn := newFakeConn(func(method string, params json.RawMessage) (any, *cdp.Error) {
		switch method {
		case "Page.getFrameTree":
			return map[string]any{
				"frameTree": map[string]any{
					"frame": map[string]any{"id": "top", "url": "https://x/canonical"},
				},
			}, nil
		case "Runtime.evaluate":
			var p struct {
				Expression string `json:"expression"`
			}
			json.Unmarshal(params, &p)
			if p.Expression == `JSON.stringify({state: document.readyState, url: location.href})` {
				return map[string]any{
					"result": map[string]any{"type": "string", "value": `{"state":"complete","url":"https://x/stale"}`},
				}, nil
			}
		}
		return okHandler(method, params)
	})
	events := newCollector()
	s := newTestSession(t, conn, events)

	s.windowProps.mu.Lock()
	url := s.windowProps.currentURL
	s.windowProps.mu.Unlock()
	if url != "https://x/canonical" {
		t.Errorf("url = %q, want the frame tree URL", url)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
