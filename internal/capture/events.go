package capture

import "time"

// Category identifies which monitor produced an event.
type Category string

const (
	CategoryNetwork          Category = "network"
	CategoryStorage          Category = "storage"
	CategoryWindowProperties Category = "window_properties"
	CategoryInteraction      Category = "interaction"
)

// EventFunc receives every capture event. The host supplies it at
// construction time; it takes ownership of the event value. A returned
// error is logged and never destabilizes capture.
type EventFunc func(category Category, event any) error

// TransactionState tracks a network transaction through its lifecycle.
type TransactionState string

const (
	StatePending     TransactionState = "pending"
	StateHeaders     TransactionState = "headers"
	StateBodyFetched TransactionState = "body_fetched"
	StateCompleted   TransactionState = "completed"
	StateFailed      TransactionState = "failed"
)

// Failure describes why a network transaction failed.
type Failure struct {
	ErrorText string `json:"error_text"`
	Canceled  bool   `json:"canceled"`
}

// NetworkTransactionEvent is one complete HTTP exchange assembled from the
// fragmented CDP network events. Exactly one is emitted per requestId,
// always in a terminal state (completed or failed).
type NetworkTransactionEvent struct {
	Sequence        uint64            `json:"sequence"`
	Timestamp       time.Time         `json:"timestamp"`
	RequestID       string            `json:"request_id"`
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty"`
	RequestBody     string            `json:"request_body,omitempty"`
	ResourceType    string            `json:"resource_type,omitempty"`
	Timing          *Timing           `json:"timing,omitempty"`
	Status          int               `json:"status,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	MimeType        string            `json:"mime_type,omitempty"`
	ResponseBody    string            `json:"response_body,omitempty"`
	BodyBase64      bool              `json:"body_base64,omitempty"`
	// BodyMissing is set when a body fetch was attempted but the browser
	// had already evicted the body.
	BodyMissing bool             `json:"body_missing,omitempty"`
	Failure     *Failure         `json:"failure,omitempty"`
	State       TransactionState `json:"state"`
}

// Timing carries the wall-clock bounds of a transaction.
type Timing struct {
	RequestTime  time.Time `json:"request_time"`
	ResponseTime time.Time `json:"response_time,omitzero"`
	EndTime      time.Time `json:"end_time,omitzero"`
}

// StorageEventKind tags the storage event union.
type StorageEventKind string

const (
	CookieChanged     StorageEventKind = "cookie_changed"
	StorageKeyAdded   StorageEventKind = "storage_key_added"
	StorageKeyRemoved StorageEventKind = "storage_key_removed"
	StorageKeyUpdated StorageEventKind = "storage_key_updated"
	IndexedDBChanged  StorageEventKind = "indexeddb_changed"
)

// CookieAction distinguishes CookieChanged events.
type CookieAction string

const (
	CookieAdded    CookieAction = "added"
	CookieModified CookieAction = "modified"
	CookieRemoved  CookieAction = "removed"
)

// Cookie is the subset of CDP cookie fields the diff is exact on.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// StorageEvent is one mutation observed on cookies, DOM storage, or
// IndexedDB. Sequence numbers increase monotonically across the session.
type StorageEvent struct {
	Sequence  uint64           `json:"sequence"`
	Kind      StorageEventKind `json:"kind"`
	Timestamp time.Time        `json:"timestamp"`
	Origin    string           `json:"origin,omitempty"`

	// CookieChanged fields.
	Action   CookieAction `json:"action,omitempty"`
	Cookie   *Cookie      `json:"cookie,omitempty"`
	OldValue *string      `json:"old_value,omitempty"`

	// StorageKey* fields.
	Key            string  `json:"key,omitempty"`
	IsLocalStorage bool    `json:"is_local_storage,omitempty"`
	NewValue       *string `json:"new_value,omitempty"`

	// IndexedDBChanged fields.
	DatabaseName    string `json:"database_name,omitempty"`
	ObjectStoreName string `json:"object_store_name,omitempty"`
}

// Scope identifies which storage surface a timeline key belongs to.
type Scope string

const (
	ScopeCookie         Scope = "cookie"
	ScopeLocalStorage   Scope = "localStorage"
	ScopeSessionStorage Scope = "sessionStorage"
)

// TimelineEntry is one observation in a storage key's value timeline.
// A nil Value records that the key disappeared.
type TimelineEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Value     *string   `json:"value"`
	SourceURL string    `json:"source_url,omitempty"`
}

// PropertyChangeKind tags a window-property change.
type PropertyChangeKind string

const (
	PropertyAdded   PropertyChangeKind = "added"
	PropertyUpdated PropertyChangeKind = "updated"
	PropertyRemoved PropertyChangeKind = "removed"
)

// PropertyChange is one delta between consecutive window-property
// snapshots. Value is a scalar (string, float64, bool) or nil.
type PropertyChange struct {
	Path  string             `json:"path"`
	Kind  PropertyChangeKind `json:"kind"`
	Value any                `json:"value"`
}

// WindowPropertyEvent lists the paths that changed since the previous
// collection cycle.
type WindowPropertyEvent struct {
	Timestamp time.Time        `json:"timestamp"`
	URL       string           `json:"url"`
	Changes   []PropertyChange `json:"changes"`
}

// PropertyHistoryEntry is one observation in a window-property history.
// A nil Value is a tombstone: the path was present before and is gone now.
type PropertyHistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Value     any       `json:"value"`
	URL       string    `json:"url,omitempty"`
}

// EventDetail carries the input-event specifics of an interaction.
type EventDetail struct {
	Button    *int    `json:"button,omitempty"`
	Key       string  `json:"key,omitempty"`
	Code      string  `json:"code,omitempty"`
	Modifiers int     `json:"modifiers"`
	ClientX   *float64 `json:"clientX,omitempty"`
	ClientY   *float64 `json:"clientY,omitempty"`
	PageX     *float64 `json:"pageX,omitempty"`
	PageY     *float64 `json:"pageY,omitempty"`
}

// InteractionEvent is one user interaction bound to the element it
// targeted.
type InteractionEvent struct {
	Type        string      `json:"type"`
	TimestampMS int64       `json:"timestamp_ms"`
	URL         string      `json:"url"`
	EventDetail EventDetail `json:"event_detail"`
	Target      UiElement   `json:"target"`
}
