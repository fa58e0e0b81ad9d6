package browser

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
)

func testEndpoint(t *testing.T, server *httptest.Server) Endpoint {
	t.Helper()
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return Endpoint{Host: u.Hostname(), Port: port}
}

func TestTargetsParsesResponse(t *testing.T) {
	t.Parallel()

	targets := []Target{
		{
			ID:           "ABC123",
			Type:         "page",
			Title:        "Test Page",
			URL:          "https://example.com",
			WebSocketURL: "ws://127.0.0.1:9222/devtools/page/ABC123",
		},
		{ID: "DEF456", Type: "background_page"},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(targets)
	}))
	defer server.Close()

	result, err := testEndpoint(t, server).Targets(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(result))
	}
	if result[0].ID != "ABC123" {
		t.Errorf("expected ID ABC123, got %s", result[0].ID)
	}
	if result[0].WebSocketURL != "ws://127.0.0.1:9222/devtools/page/ABC123" {
		t.Errorf("unexpected WebSocket URL: %s", result[0].WebSocketURL)
	}
}

func TestTargetsUnreachableServer(t *testing.T) {
	t.Parallel()

	e := Endpoint{Host: "127.0.0.1", Port: 59999}
	if _, err := e.Targets(context.Background()); err == nil {
		t.Fatal("expected error for unreachable server")
	}
}

func TestVersionParsesResponse(t *testing.T) {
	t.Parallel()

	info := Version{
		Browser:      "Chrome/120.0.0.0",
		ProtocolVer:  "1.3",
		UserAgent:    "Mozilla/5.0",
		WebSocketURL: "ws://127.0.0.1:9222/devtools/browser/abc",
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/version" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(info)
	}))
	defer server.Close()

	result, err := testEndpoint(t, server).Version(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Browser != "Chrome/120.0.0.0" {
		t.Errorf("expected Chrome/120.0.0.0, got %s", result.Browser)
	}
}

func TestNewTabUsesPut(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/new" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = json.NewEncoder(w).Encode(Target{
			ID:           "NEW1",
			Type:         "page",
			WebSocketURL: "ws://127.0.0.1:9222/devtools/page/NEW1",
		})
	}))
	defer server.Close()

	target, err := testEndpoint(t, server).NewTab(context.Background(), "https://example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target.ID != "NEW1" {
		t.Errorf("expected ID NEW1, got %s", target.ID)
	}
}

func TestPageWebSocketURL(t *testing.T) {
	t.Parallel()

	targets := []Target{
		{ID: "1", Type: "service_worker"},
		{ID: "2", Type: "page", WebSocketURL: "ws://127.0.0.1:9222/devtools/page/2"},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(targets)
	}))
	defer server.Close()

	wsURL, err := testEndpoint(t, server).PageWebSocketURL(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wsURL != "ws://127.0.0.1:9222/devtools/page/2" {
		t.Errorf("unexpected url: %s", wsURL)
	}
}

func TestPageWebSocketURLNoPage(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]Target{{ID: "1", Type: "background_page"}})
	}))
	defer server.Close()

	_, err := testEndpoint(t, server).PageWebSocketURL(context.Background())
	if err != ErrNoPageTarget {
		t.Errorf("expected ErrNoPageTarget, got %v", err)
	}
}

func TestFirstPage(t *testing.T) {
	t.Parallel()

	targets := []Target{
		{ID: "1", Type: "background_page"},
		{ID: "2", Type: "page", Title: "First Page"},
		{ID: "3", Type: "page", Title: "Second Page"},
	}
	if target := FirstPage(targets); target == nil || target.ID != "2" {
		t.Errorf("FirstPage = %+v, want ID 2", target)
	}
	if target := FirstPage([]Target{{ID: "1", Type: "service_worker"}}); target != nil {
		t.Error("expected nil for no page targets")
	}
	if target := FirstPage(nil); target != nil {
		t.Error("expected nil for empty list")
	}
}
