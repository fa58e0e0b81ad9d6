// Package browser locates, launches, and talks to the HTTP side of a
// Chromium debugging endpoint: target discovery, tab creation, and the
// page WebSocket URL that capture attaches to.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// ErrNoPageTarget is returned when the browser exposes no page target.
var ErrNoPageTarget = errors.New("no page target found")

// Target is one entry from the /json target list.
type Target struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Title        string `json:"title"`
	URL          string `json:"url"`
	Description  string `json:"description,omitempty"`
	WebSocketURL string `json:"webSocketDebuggerUrl"`
}

// Version is the /json/version payload.
type Version struct {
	Browser       string `json:"Browser"`
	ProtocolVer   string `json:"Protocol-Version"`
	UserAgent     string `json:"User-Agent"`
	V8Version     string `json:"V8-Version"`
	WebKitVersion string `json:"WebKit-Version"`
	WebSocketURL  string `json:"webSocketDebuggerUrl"`
}

// Endpoint addresses one browser's debugging HTTP server. The zero Port
// means the default debugging port.
type Endpoint struct {
	Host string
	Port int
}

// DefaultPort is the conventional CDP debugging port.
const DefaultPort = 9222

func (e Endpoint) base() string {
	host := e.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := e.Port
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

// get issues one request against the endpoint and decodes the JSON body.
// http.DefaultClient carries no timeout; callers bound the context. Local
// CDP endpoints either answer promptly or are down.
func (e Endpoint) get(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, e.base()+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse %s response: %w", path, err)
	}
	return nil
}

// Targets lists the browser's current targets.
func (e Endpoint) Targets(ctx context.Context) ([]Target, error) {
	var targets []Target
	if err := e.get(ctx, http.MethodGet, "/json", &targets); err != nil {
		return nil, err
	}
	return targets, nil
}

// Version fetches the browser version block.
func (e Endpoint) Version(ctx context.Context) (*Version, error) {
	var info Version
	if err := e.get(ctx, http.MethodGet, "/json/version", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// NewTab opens a tab at pageURL and returns its target. Newer Chromium
// requires PUT for /json/new.
func (e Endpoint) NewTab(ctx context.Context, pageURL string) (*Target, error) {
	path := "/json/new"
	if pageURL != "" {
		path += "?" + url.QueryEscape(pageURL)
	}
	var target Target
	if err := e.get(ctx, http.MethodPut, path, &target); err != nil {
		return nil, err
	}
	return &target, nil
}

// CloseTab asks the browser to close the target.
func (e Endpoint) CloseTab(ctx context.Context, targetID string) error {
	return e.get(ctx, http.MethodGet, "/json/close/"+targetID, nil)
}

// PageWebSocketURL returns the WebSocket URL of the first page target,
// the URL capture sessions dial.
func (e Endpoint) PageWebSocketURL(ctx context.Context) (string, error) {
	targets, err := e.Targets(ctx)
	if err != nil {
		return "", err
	}
	page := FirstPage(targets)
	if page == nil {
		return "", ErrNoPageTarget
	}
	if page.WebSocketURL == "" {
		return "", fmt.Errorf("page target %s has no WebSocket URL", page.ID)
	}
	return page.WebSocketURL, nil
}

// FirstPage returns the first page-type target, or nil.
func FirstPage(targets []Target) *Target {
	for i := range targets {
		if targets[i].Type == "page" {
			return &targets[i]
		}
	}
	return nil
}
