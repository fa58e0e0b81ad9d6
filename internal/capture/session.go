package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/webtap/webtap/internal/cdp"
)

// NetworkSummary counts network transactions by state.
type NetworkSummary struct {
	InFlight  int    `json:"in_flight"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

// StorageSummary counts tracked value timelines per scope.
type StorageSummary struct {
	Cookies int `json:"cookies"`
	Local   int `json:"local"`
	Session int `json:"session"`
}

// WindowPropertySummary counts tracked paths and history entries.
type WindowPropertySummary struct {
	Paths          int `json:"paths"`
	HistoryEntries int `json:"history_entries"`
}

// InteractionSummary counts emitted interactions.
type InteractionSummary struct {
	Count uint64 `json:"count"`
}

// Summary is a cheap point-in-time read of capture progress.
type Summary struct {
	Network          NetworkSummary        `json:"network"`
	Storage          StorageSummary        `json:"storage"`
	WindowProperties WindowPropertySummary `json:"window_properties"`
	Interactions     InteractionSummary    `json:"interactions"`
}

// Session owns one CDP connection to a page target and the four monitors
// that observe it. Inbound frames are parsed once by the transport client;
// replies resolve pending commands there, and every event lands in route,
// which hands it to the first monitor that claims its method.
type Session struct {
	cfg       Config
	emit      EventFunc
	log       logrus.FieldLogger
	startedAt time.Time

	client *cdp.Client
	seq    atomic.Uint64

	network     *networkMonitor
	storage     *storageMonitor
	windowProps *windowPropsMonitor
	interaction *interactionMonitor
	monitors    []monitor

	finalizeOnce sync.Once
	finalSummary Summary
}

// NewSession creates a session. emit receives every capture event; it must
// return promptly. A nil log gets a warn-level default.
func NewSession(cfg Config, emit EventFunc, log logrus.FieldLogger) *Session {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = l
	}
	return &Session{
		cfg:       cfg.withDefaults(),
		emit:      emit,
		log:       log,
		startedAt: time.Now(),
	}
}

// Start connects to the page WebSocket URL and brings up capture. An
// enable timeout during setup is fatal and tears the session down.
func (s *Session) Start(ctx context.Context, wsURL string) error {
	client, err := cdp.Dial(ctx, wsURL, s.log)
	if err != nil {
		return err
	}
	if err := s.attach(ctx, client); err != nil {
		client.Close()
		return err
	}
	return nil
}

// attach wires the session onto an established client and runs the
// startup sequence. Split from Start so tests can drive a fake transport.
func (s *Session) attach(ctx context.Context, client *cdp.Client) error {
	s.client = client

	s.network = newNetworkMonitor(client, s.cfg, s.emit, s.nextSeq, s.log)
	s.storage = newStorageMonitor(client, s.cfg, s.emit, s.nextSeq, s.log)
	s.windowProps = newWindowPropsMonitor(client, s.cfg, s.emit, s.log)
	s.interaction = newInteractionMonitor(client, s.cfg, s.emit, s.log)
	s.monitors = []monitor{s.network, s.storage, s.windowProps, s.interaction}

	// The handler must be in place before any enable command, or events
	// racing the setup replies would be lost.
	client.OnEvent(s.route)

	setupCtx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()

	for _, domain := range []string{"Page", "Runtime", "Network", "DOMStorage", "DOM"} {
		if err := client.EnableDomain(setupCtx, domain, nil); err != nil {
			return err
		}
	}
	if _, err := client.SendAndWait(setupCtx, "Target.setDiscoverTargets", map[string]bool{"discover": true}); err != nil {
		return fmt.Errorf("discover targets: %w", err)
	}
	if _, err := client.SendAndWait(setupCtx, "Page.setLifecycleEventsEnabled", map[string]bool{"enabled": true}); err != nil {
		s.log.WithError(err).Debug("lifecycle events unavailable")
	}

	for _, m := range s.monitors {
		if err := m.start(setupCtx); err != nil {
			return fmt.Errorf("start %s monitor: %w", m.name(), err)
		}
	}

	s.probeReadiness(setupCtx)

	s.log.WithField("started", s.startedAt.Format(time.RFC3339)).Debug("capture session ready")
	return nil
}

// probeReadiness checks whether the page already finished loading before
// we attached, in which case no load event will ever arrive.
func (s *Session) probeReadiness(ctx context.Context) {
	result, err := s.client.SendAndWait(ctx, "Runtime.evaluate", map[string]any{
		"expression":    `JSON.stringify({state: document.readyState, url: location.href})`,
		"returnByValue": true,
	})
	if err != nil {
		s.log.WithError(err).Debug("readiness probe failed")
		return
	}

	var eval struct {
		Result struct {
			Value string `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(result, &eval); err != nil {
		return
	}
	var page struct {
		State string `json:"state"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal([]byte(eval.Result.Value), &page); err != nil {
		return
	}

	if page.State == "complete" || page.State == "interactive" {
		url := s.frameTreeURL(ctx)
		if url == "" {
			url = page.URL
		}
		s.noteNavigation(url)
	}
}

// frameTreeURL asks the browser for the top frame's URL. Returns "" when
// the call fails; location.href from the evaluate serves as fallback.
func (s *Session) frameTreeURL(ctx context.Context) string {
	result, err := s.client.SendAndWait(ctx, "Page.getFrameTree", nil)
	if err != nil {
		s.log.WithError(err).Debug("frame tree unavailable")
		return ""
	}
	var tree struct {
		FrameTree struct {
			Frame struct {
				URL string `json:"url"`
			} `json:"frame"`
		} `json:"frameTree"`
	}
	if err := json.Unmarshal(result, &tree); err != nil {
		return ""
	}
	return tree.FrameTree.Frame.URL
}

// nextSeq hands out session-wide event sequence numbers.
func (s *Session) nextSeq() uint64 {
	return s.seq.Add(1)
}

// noteNavigation fans a navigation out to the monitors that care.
func (s *Session) noteNavigation(url string) {
	s.storage.onNavigated(url)
	s.windowProps.onNavigated(url)
}

// targetParams covers attachedToTarget and detachedFromTarget payloads.
type targetParams struct {
	SessionID  string `json:"sessionId"`
	TargetInfo struct {
		Type string `json:"type"`
	} `json:"targetInfo"`
}

// frameNavigatedParams covers the Page.frameNavigated payload.
type frameNavigatedParams struct {
	Frame struct {
		ParentID string `json:"parentId"`
		URL      string `json:"url"`
	} `json:"frame"`
}

// route dispatches one inbound event. Runs on the read-loop goroutine, so
// no path through it may block on a CDP round trip.
func (s *Session) route(evt cdp.Event) {
	switch evt.Method {
	case "Target.attachedToTarget":
		var p targetParams
		if err := json.Unmarshal(evt.Params, &p); err == nil && p.TargetInfo.Type == "page" {
			s.client.UseSession(p.SessionID)
		}
		return

	case "Target.detachedFromTarget":
		var p targetParams
		if err := json.Unmarshal(evt.Params, &p); err == nil && p.SessionID == s.client.SessionID() {
			s.client.ClearSession()
		}
		return

	case "Page.frameNavigated":
		var p frameNavigatedParams
		if err := json.Unmarshal(evt.Params, &p); err != nil {
			return
		}
		// Subframe navigations do not invalidate the top-level context.
		if p.Frame.ParentID == "" {
			s.noteNavigation(p.Frame.URL)
		}
		return
	}

	for _, m := range s.monitors {
		if m.handles(evt.Method) {
			m.handle(evt)
			return
		}
	}
	s.log.WithField("method", evt.Method).Debug("unrouted event")
}

// Done is closed when the transport is no longer usable.
func (s *Session) Done() <-chan struct{} {
	return s.client.Done()
}

// Summary is a cheap read of capture progress; it never traverses emitted
// event history.
func (s *Session) Summary() Summary {
	var sum Summary
	sum.Network.InFlight, sum.Network.Completed, sum.Network.Failed = s.network.counts()
	sum.Storage.Cookies, sum.Storage.Local, sum.Storage.Session = s.storage.counts()
	sum.WindowProperties.Paths, sum.WindowProperties.HistoryEntries = s.windowProps.counts()
	sum.Interactions.Count = s.interaction.interactions()
	return sum
}

// Finalize flushes every monitor, closes the transport, and returns the
// final summary. Idempotent: repeat calls return the same summary. Safe
// to call after a transport failure.
func (s *Session) Finalize(ctx context.Context) Summary {
	s.finalizeOnce.Do(func() {
		graceCtx, cancel := context.WithTimeout(ctx, s.cfg.FinalizeGrace)
		defer cancel()

		for _, m := range s.monitors {
			m.finalize(graceCtx)
		}
		s.finalSummary = s.Summary()

		if err := s.client.Close(); err != nil {
			s.log.WithError(err).Debug("transport close")
		}
	})
	return s.finalSummary
}

// Run attaches to wsURL and captures until the context is canceled or the
// browser goes away, then finalizes.
func (s *Session) Run(ctx context.Context, wsURL string) (Summary, error) {
	if err := s.Start(ctx, wsURL); err != nil {
		return Summary{}, err
	}

	select {
	case <-ctx.Done():
	case <-s.Done():
	}
	return s.Finalize(context.Background()), nil
}
