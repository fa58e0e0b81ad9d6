package capture

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/webtap/webtap/internal/cdp"
)

// retriggerDelay lets a fresh page settle before the post-navigation walk.
const retriggerDelay = 500 * time.Millisecond

// windowPropsMonitor periodically walks the JS global object and tracks
// the value history of every application-defined property path. Walks run
// off the read loop, observe an abort flag armed on navigation, and use
// short per-call deadlines so a walk caught by a context teardown fails
// fast instead of hanging on dead object ids.
type windowPropsMonitor struct {
	client *cdp.Client
	cfg    Config
	log    logrus.FieldLogger
	emit   EventFunc

	// ready gates collection until the first load event. Context-cleared
	// events reset it; navigations and load events re-arm it.
	ready      atomic.Bool
	abort      atomic.Bool
	pendingNav atomic.Bool
	collecting atomic.Bool

	mu         sync.Mutex
	history    map[string][]PropertyHistoryEntry
	prevKeys   map[string]bool
	currentURL string

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

func newWindowPropsMonitor(client *cdp.Client, cfg Config, emit EventFunc, log logrus.FieldLogger) *windowPropsMonitor {
	return &windowPropsMonitor{
		client:   client,
		cfg:      cfg,
		log:      log.WithField("monitor", "window_properties"),
		emit:     emit,
		history:  make(map[string][]PropertyHistoryEntry),
		prevKeys: make(map[string]bool),
		stop:     make(chan struct{}),
	}
}

func (m *windowPropsMonitor) name() string { return "window_properties" }

func (m *windowPropsMonitor) start(ctx context.Context) error {
	if err := m.client.EnableDomain(ctx, "Page", nil); err != nil {
		return err
	}
	if err := m.client.EnableDomain(ctx, "Runtime", nil); err != nil {
		return err
	}
	go m.tickLoop()
	return nil
}

func (m *windowPropsMonitor) handles(method string) bool {
	switch method {
	case "Page.loadEventFired",
		"Page.domContentEventFired",
		"Runtime.executionContextsCleared":
		return true
	}
	return false
}

func (m *windowPropsMonitor) handle(evt cdp.Event) {
	switch evt.Method {
	case "Page.loadEventFired", "Page.domContentEventFired":
		m.ready.Store(true)
		m.triggerCollect()

	case "Runtime.executionContextsCleared":
		m.ready.Store(false)
		if m.collecting.Load() {
			// Object ids from the torn-down context are invalid now.
			m.abort.Store(true)
			m.pendingNav.Store(true)
		}
	}
}

// onNavigated is called by the session on frame navigation. Must not
// block.
func (m *windowPropsMonitor) onNavigated(url string) {
	m.mu.Lock()
	m.currentURL = url
	m.mu.Unlock()

	m.ready.Store(true)
	if m.collecting.Load() {
		m.abort.Store(true)
		m.pendingNav.Store(true)
		return
	}
	m.triggerCollect()
}

// tickLoop starts a periodic collection when none is running.
func (m *windowPropsMonitor) tickLoop() {
	ticker := time.NewTicker(m.cfg.WindowPropertyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-m.client.Done():
			return
		case <-ticker.C:
			m.triggerCollect()
		}
	}
}

// triggerCollect starts a walk unless one is already in flight or the
// readiness gate is down.
func (m *windowPropsMonitor) triggerCollect() {
	if !m.ready.Load() {
		return
	}
	if !m.collecting.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.collect()
	}()
}

// collect runs one walk and hands off to a pending navigation if one
// arrived mid-walk.
func (m *windowPropsMonitor) collect() {
	m.runWalk()

	m.abort.Store(false)
	m.collecting.Store(false)

	if m.pendingNav.Swap(false) {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			select {
			case <-time.After(retriggerDelay):
				m.triggerCollect()
			case <-m.stop:
			}
		}()
	}
}

// remoteObject is the subset of Runtime.RemoteObject the walker needs.
type remoteObject struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	ClassName string          `json:"className"`
	Value     json.RawMessage `json:"value"`
	ObjectID  string          `json:"objectId"`
}

// runWalk takes one snapshot of the application window properties and
// folds it into the history. An aborted or failed walk records nothing.
func (m *windowPropsMonitor) runWalk() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CommandTimeout)
	defer cancel()

	result, err := m.client.SendAndWait(ctx, "Runtime.evaluate", map[string]any{
		"expression": "window",
	})
	if err != nil {
		m.walkError(err)
		return
	}

	var eval struct {
		Result remoteObject `json:"result"`
	}
	if err := json.Unmarshal(result, &eval); err != nil || eval.Result.ObjectID == "" {
		return
	}

	snapshot := make(map[string]any)
	visited := make(map[string]bool)
	if !m.walkObject(eval.Result.ObjectID, "", 0, snapshot, visited) {
		// Aborted mid-walk; a partial snapshot would fabricate
		// tombstones for paths the walk never reached.
		return
	}

	m.updateHistory(snapshot)
}

// walkObject enumerates one object's own properties into snapshot, keyed
// by dotted path. Returns false if the walk was aborted.
func (m *windowPropsMonitor) walkObject(objectID, prefix string, depth int, snapshot map[string]any, visited map[string]bool) bool {
	if m.abort.Load() {
		return false
	}
	if visited[objectID] {
		return true
	}
	visited[objectID] = true

	// The top-level enumeration of window is large; give it more room
	// than the nested calls.
	deadline := m.cfg.WindowPropertyCallTimeout
	if depth == 0 {
		deadline = 2 * m.cfg.WindowPropertyCallTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	result, err := m.client.SendAndWait(ctx, "Runtime.getProperties", map[string]any{
		"objectId":      objectID,
		"ownProperties": true,
	})
	if err != nil {
		m.walkError(err)
		return false
	}

	var props struct {
		Result []struct {
			Name  string        `json:"name"`
			Value *remoteObject `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(result, &props); err != nil {
		return false
	}

	for _, prop := range props.Result {
		if m.abort.Load() {
			return false
		}
		if prop.Value == nil {
			continue
		}
		v := prop.Value
		if v.Type == "function" {
			continue
		}
		if !isApplicationProperty(prop.Name, v.ClassName, depth == 0) {
			continue
		}

		path := prop.Name
		if prefix != "" {
			path = prefix + "." + prop.Name
		}

		switch {
		case v.Type == "string" || v.Type == "number" || v.Type == "boolean":
			var scalar any
			if err := json.Unmarshal(v.Value, &scalar); err == nil {
				snapshot[path] = scalar
			}
		case v.Subtype == "null":
			snapshot[path] = nil
		case v.Type == "object" && v.ObjectID != "":
			if depth+1 < m.cfg.WindowPropertyMaxDepth {
				if !m.walkObject(v.ObjectID, path, depth+1, snapshot, visited) {
					return false
				}
			}
		}
	}
	return true
}

// walkError classifies a walk failure. Context-lost and timeout errors are
// routine during navigation and stay at debug level.
func (m *windowPropsMonitor) walkError(err error) {
	if cdp.IsContextLost(err) || cdp.IsTimeout(err) {
		m.log.WithError(err).Debug("walk interrupted")
		return
	}
	m.log.WithError(err).Warn("window property walk failed")
}

// updateHistory folds a fresh snapshot into the per-path histories.
// A path present before and absent now gets a null tombstone; consecutive
// equal values are never appended twice.
func (m *windowPropsMonitor) updateHistory(snapshot map[string]any) {
	now := time.Now()

	m.mu.Lock()
	url := m.currentURL

	var changes []PropertyChange
	for path, value := range snapshot {
		hist := m.history[path]
		if len(hist) == 0 {
			m.history[path] = append(hist, PropertyHistoryEntry{Timestamp: now, Value: value, URL: url})
			changes = append(changes, PropertyChange{Path: path, Kind: PropertyAdded, Value: value})
			continue
		}
		if hist[len(hist)-1].Value != value {
			m.history[path] = append(hist, PropertyHistoryEntry{Timestamp: now, Value: value, URL: url})
			changes = append(changes, PropertyChange{Path: path, Kind: PropertyUpdated, Value: value})
		}
	}
	for path := range m.prevKeys {
		if _, ok := snapshot[path]; ok {
			continue
		}
		hist := m.history[path]
		if len(hist) > 0 && hist[len(hist)-1].Value == nil {
			continue
		}
		m.history[path] = append(hist, PropertyHistoryEntry{Timestamp: now, Value: nil, URL: url})
		changes = append(changes, PropertyChange{Path: path, Kind: PropertyRemoved, Value: nil})
	}

	keys := make(map[string]bool, len(snapshot))
	for path := range snapshot {
		keys[path] = true
	}
	m.prevKeys = keys
	m.mu.Unlock()

	if len(changes) == 0 {
		return
	}
	if err := m.emit(CategoryWindowProperties, WindowPropertyEvent{
		Timestamp: now,
		URL:       url,
		Changes:   changes,
	}); err != nil {
		m.log.WithError(err).Warn("event callback failed")
	}
}

// historyFor returns a copy of one path's history.
func (m *windowPropsMonitor) historyFor(path string) []PropertyHistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.history[path]
	out := make([]PropertyHistoryEntry, len(src))
	copy(out, src)
	return out
}

// finalize aborts any in-flight walk, waits it out, then takes one last
// snapshot if the readiness gate permits.
func (m *windowPropsMonitor) finalize(ctx context.Context) {
	m.abort.Store(true)
	m.stopOnce.Do(func() { close(m.stop) })

	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return
	}

	m.abort.Store(false)
	if m.ready.Load() && m.collecting.CompareAndSwap(false, true) {
		m.runWalk()
		m.collecting.Store(false)
	}
}

// counts returns the tracked path count and total history entries.
func (m *windowPropsMonitor) counts() (paths, entries int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths = len(m.history)
	for _, h := range m.history {
		entries += len(h)
	}
	return
}
