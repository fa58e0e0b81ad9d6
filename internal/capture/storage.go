package capture

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/webtap/webtap/internal/cdp"
)

// cookieKey identifies one cookie across polls.
type cookieKey struct {
	Domain string
	Path   string
	Name   string
}

// domKey identifies one DOM storage slot.
type domKey struct {
	Origin  string
	IsLocal bool
	Key     string
}

// timelineKey addresses one value timeline.
type timelineKey struct {
	Scope Scope
	Key   string
}

// storageMonitor tracks cookies, DOM storage, and IndexedDB. Cookies are
// polled and diffed because HTTP-only cookies never surface through DOM
// events. Every observed mutation is appended to a per-key value timeline.
type storageMonitor struct {
	client  *cdp.Client
	cfg     Config
	log     logrus.FieldLogger
	emit    EventFunc
	nextSeq func() uint64

	mu             sync.Mutex
	cookies        map[cookieKey]Cookie
	domValues      map[domKey]string
	timelines      map[timelineKey][]TimelineEntry
	trackedOrigins map[string]bool
	currentURL     string

	pollNow  chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newStorageMonitor(client *cdp.Client, cfg Config, emit EventFunc, nextSeq func() uint64, log logrus.FieldLogger) *storageMonitor {
	return &storageMonitor{
		client:    client,
		cfg:       cfg,
		log:       log.WithField("monitor", "storage"),
		emit:      emit,
		nextSeq:   nextSeq,
		cookies:        make(map[cookieKey]Cookie),
		domValues:      make(map[domKey]string),
		timelines:      make(map[timelineKey][]TimelineEntry),
		trackedOrigins: make(map[string]bool),
		pollNow:        make(chan struct{}, 1),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

func (m *storageMonitor) name() string { return "storage" }

func (m *storageMonitor) start(ctx context.Context) error {
	if err := m.client.EnableDomain(ctx, "Network", nil); err != nil {
		return err
	}
	if err := m.client.EnableDomain(ctx, "DOMStorage", nil); err != nil {
		return err
	}
	// Not every browser build exposes IndexedDB over CDP.
	if err := m.client.EnableDomain(ctx, "IndexedDB", nil); err != nil {
		m.log.WithError(err).Debug("IndexedDB domain unavailable")
	}

	m.pollCookies()
	go m.pollLoop()
	return nil
}

func (m *storageMonitor) handles(method string) bool {
	switch method {
	case "DOMStorage.domStorageItemAdded",
		"DOMStorage.domStorageItemUpdated",
		"DOMStorage.domStorageItemRemoved",
		"DOMStorage.domStorageItemsCleared",
		"Storage.indexedDBContentUpdated":
		return true
	}
	return false
}

// storageID is the DOMStorage event target descriptor.
type storageID struct {
	SecurityOrigin string `json:"securityOrigin"`
	IsLocalStorage bool   `json:"isLocalStorage"`
}

type domStorageParams struct {
	StorageID storageID `json:"storageId"`
	Key       string    `json:"key"`
	OldValue  string    `json:"oldValue"`
	NewValue  string    `json:"newValue"`
}

type indexedDBParams struct {
	Origin          string `json:"origin"`
	DatabaseName    string `json:"databaseName"`
	ObjectStoreName string `json:"objectStoreName"`
}

func (m *storageMonitor) handle(evt cdp.Event) {
	if evt.Method == "Storage.indexedDBContentUpdated" {
		var p indexedDBParams
		if err := json.Unmarshal(evt.Params, &p); err != nil {
			return
		}
		m.emitEvent(StorageEvent{
			Kind:            IndexedDBChanged,
			Origin:          p.Origin,
			DatabaseName:    p.DatabaseName,
			ObjectStoreName: p.ObjectStoreName,
		})
		return
	}

	var p domStorageParams
	if err := json.Unmarshal(evt.Params, &p); err != nil {
		m.log.WithError(err).Warn("bad DOMStorage payload")
		return
	}

	switch evt.Method {
	case "DOMStorage.domStorageItemAdded":
		m.onDOMItem(StorageKeyAdded, p.StorageID, p.Key, nil, &p.NewValue)
	case "DOMStorage.domStorageItemUpdated":
		m.onDOMItem(StorageKeyUpdated, p.StorageID, p.Key, &p.OldValue, &p.NewValue)
	case "DOMStorage.domStorageItemRemoved":
		m.onDOMItem(StorageKeyRemoved, p.StorageID, p.Key, nil, nil)
	case "DOMStorage.domStorageItemsCleared":
		m.onCleared(p.StorageID)
	}
}

// onDOMItem records one DOM storage mutation and appends to the slot's
// timeline.
func (m *storageMonitor) onDOMItem(kind StorageEventKind, id storageID, key string, oldValue, newValue *string) {
	dk := domKey{Origin: id.SecurityOrigin, IsLocal: id.IsLocalStorage, Key: key}

	m.mu.Lock()
	if oldValue == nil && kind != StorageKeyAdded {
		if prev, ok := m.domValues[dk]; ok {
			oldValue = &prev
		}
	}
	if newValue != nil {
		m.domValues[dk] = *newValue
	} else {
		delete(m.domValues, dk)
	}
	m.appendTimelineLocked(domScope(id.IsLocalStorage), key, newValue)
	m.mu.Unlock()

	m.emitEvent(StorageEvent{
		Kind:           kind,
		Origin:         id.SecurityOrigin,
		Key:            key,
		IsLocalStorage: id.IsLocalStorage,
		OldValue:       oldValue,
		NewValue:       newValue,
	})
}

// onCleared expands a clear into one removal per currently-known key under
// that origin and scope.
func (m *storageMonitor) onCleared(id storageID) {
	m.mu.Lock()
	var cleared []domKey
	for dk := range m.domValues {
		if dk.Origin == id.SecurityOrigin && dk.IsLocal == id.IsLocalStorage {
			cleared = append(cleared, dk)
		}
	}
	m.mu.Unlock()

	for _, dk := range cleared {
		m.onDOMItem(StorageKeyRemoved, id, dk.Key, nil, nil)
	}
}

func domScope(isLocal bool) Scope {
	if isLocal {
		return ScopeLocalStorage
	}
	return ScopeSessionStorage
}

// pollLoop polls cookies on a fixed interval and on demand after
// navigations.
func (m *storageMonitor) pollLoop() {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.CookiePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-m.client.Done():
			return
		case <-ticker.C:
		case <-m.pollNow:
		}
		m.pollCookies()
	}
}

// onNavigated records the new page URL and schedules an immediate cookie
// poll. Called by the session on frame navigation; must not block.
func (m *storageMonitor) onNavigated(pageURL string) {
	origin := originOf(pageURL)

	m.mu.Lock()
	m.currentURL = pageURL
	track := origin != "" && !m.trackedOrigins[origin]
	if track {
		m.trackedOrigins[origin] = true
	}
	m.mu.Unlock()

	if track {
		go m.trackIndexedDB(origin)
	}

	select {
	case m.pollNow <- struct{}{}:
	default:
	}
}

// trackIndexedDB registers an origin for indexedDBContentUpdated
// notifications; the browser only emits them for tracked origins.
func (m *storageMonitor) trackIndexedDB(origin string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CommandTimeout)
	defer cancel()

	params := map[string]string{"origin": origin}
	if _, err := m.client.SendAndWait(ctx, "Storage.trackIndexedDBForOrigin", params); err != nil {
		m.log.WithError(err).Debug("IndexedDB tracking unavailable")
	}
}

// originOf reduces a page URL to its scheme://host origin.
func originOf(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// pollCookies fetches the full cookie jar and diffs it against the
// previous snapshot. The diff is exact on value, expiry, httpOnly, secure,
// and sameSite.
func (m *storageMonitor) pollCookies() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CommandTimeout)
	defer cancel()

	result, err := m.client.SendAndWait(ctx, "Network.getCookies", nil)
	if err != nil {
		m.log.WithError(err).Debug("cookie poll failed")
		return
	}

	var payload struct {
		Cookies []Cookie `json:"cookies"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		m.log.WithError(err).Warn("bad getCookies payload")
		return
	}

	fresh := make(map[cookieKey]Cookie, len(payload.Cookies))
	for _, c := range payload.Cookies {
		fresh[cookieKey{Domain: c.Domain, Path: c.Path, Name: c.Name}] = c
	}

	type change struct {
		action   CookieAction
		cookie   Cookie
		oldValue *string
	}
	var changes []change

	m.mu.Lock()
	for k, c := range fresh {
		prev, ok := m.cookies[k]
		if !ok {
			changes = append(changes, change{action: CookieAdded, cookie: c})
			v := c.Value
			m.appendTimelineLocked(ScopeCookie, c.Domain+"/"+c.Name, &v)
			continue
		}
		if prev.Value != c.Value || prev.Expires != c.Expires ||
			prev.HTTPOnly != c.HTTPOnly || prev.Secure != c.Secure ||
			prev.SameSite != c.SameSite {
			old := prev.Value
			changes = append(changes, change{action: CookieModified, cookie: c, oldValue: &old})
			if prev.Value != c.Value {
				v := c.Value
				m.appendTimelineLocked(ScopeCookie, c.Domain+"/"+c.Name, &v)
			}
		}
	}
	for k, prev := range m.cookies {
		if _, ok := fresh[k]; !ok {
			old := prev.Value
			changes = append(changes, change{action: CookieRemoved, cookie: prev, oldValue: &old})
			m.appendTimelineLocked(ScopeCookie, prev.Domain+"/"+prev.Name, nil)
		}
	}
	m.cookies = fresh
	m.mu.Unlock()

	for _, ch := range changes {
		c := ch.cookie
		m.emitEvent(StorageEvent{
			Kind:     CookieChanged,
			Origin:   c.Domain,
			Action:   ch.action,
			Cookie:   &c,
			OldValue: ch.oldValue,
		})
	}
}

// appendTimelineLocked appends one observation to a key's timeline.
// Callers hold m.mu.
func (m *storageMonitor) appendTimelineLocked(scope Scope, key string, value *string) {
	tk := timelineKey{Scope: scope, Key: key}
	m.timelines[tk] = append(m.timelines[tk], TimelineEntry{
		Timestamp: time.Now(),
		Value:     value,
		SourceURL: m.currentURL,
	})
}

// Timeline returns a copy of the value timeline for one (scope, key).
func (m *storageMonitor) timeline(scope Scope, key string) []TimelineEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.timelines[timelineKey{Scope: scope, Key: key}]
	out := make([]TimelineEntry, len(src))
	copy(out, src)
	return out
}

func (m *storageMonitor) emitEvent(evt StorageEvent) {
	evt.Sequence = m.nextSeq()
	evt.Timestamp = time.Now()
	if err := m.emit(CategoryStorage, evt); err != nil {
		m.log.WithError(err).Warn("event callback failed")
	}
}

// finalize stops the poller after one last best-effort diff.
func (m *storageMonitor) finalize(ctx context.Context) {
	m.pollCookies()
	m.stopOnce.Do(func() { close(m.stop) })
	select {
	case <-m.done:
	case <-ctx.Done():
	}
}

// counts returns the number of tracked timelines per scope.
func (m *storageMonitor) counts() (cookies, local, session int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tk := range m.timelines {
		switch tk.Scope {
		case ScopeCookie:
			cookies++
		case ScopeLocalStorage:
			local++
		case ScopeSessionStorage:
			session++
		}
	}
	return
}
