// Package capture attaches to a Chromium page target over CDP and records
// the session's observable behavior: network transactions, cookie and web
// storage timelines, window-property histories, and user interactions.
package capture

import "time"

// Config controls capture behavior. Zero values are replaced by the
// corresponding defaults when the session starts.
type Config struct {
	// CaptureResourceTypes lists the CDP resource types whose response
	// bodies are fetched. Requests of other types are still tracked so
	// request/response pairing works, but their bodies are skipped.
	CaptureResourceTypes []string

	// WindowPropertyInterval is the periodic window-property collection
	// interval.
	WindowPropertyInterval time.Duration

	// WindowPropertyMaxDepth bounds recursion into nested objects during
	// a window-property walk.
	WindowPropertyMaxDepth int

	// WindowPropertyCallTimeout is the per-command deadline used inside a
	// window-property walk. Kept short so a walk caught by navigation
	// fails fast instead of hanging.
	WindowPropertyCallTimeout time.Duration

	// CookiePollInterval is how often Network.getCookies is polled and
	// diffed. HTTP-only cookies never fire DOM events, so polling is the
	// only way to observe them.
	CookiePollInterval time.Duration

	// CommandTimeout is the default deadline for setup and monitor
	// commands.
	CommandTimeout time.Duration

	// FinalizeGrace bounds how long finalize waits for in-flight work
	// before proceeding regardless.
	FinalizeGrace time.Duration

	// LocatorPriorities overrides the default priority per locator type
	// (smaller = tried first).
	LocatorPriorities map[LocatorType]int
}

// DefaultConfig returns the default capture configuration.
func DefaultConfig() Config {
	return Config{
		CaptureResourceTypes:      []string{"XHR", "Fetch", "Document"},
		WindowPropertyInterval:    10 * time.Second,
		WindowPropertyMaxDepth:    10,
		WindowPropertyCallTimeout: 500 * time.Millisecond,
		CookiePollInterval:        time.Second,
		CommandTimeout:            10 * time.Second,
		FinalizeGrace:             5 * time.Second,
	}
}

// withDefaults fills in zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if len(c.CaptureResourceTypes) == 0 {
		c.CaptureResourceTypes = def.CaptureResourceTypes
	}
	if c.WindowPropertyInterval <= 0 {
		c.WindowPropertyInterval = def.WindowPropertyInterval
	}
	if c.WindowPropertyMaxDepth <= 0 {
		c.WindowPropertyMaxDepth = def.WindowPropertyMaxDepth
	}
	if c.WindowPropertyCallTimeout <= 0 {
		c.WindowPropertyCallTimeout = def.WindowPropertyCallTimeout
	}
	if c.CookiePollInterval <= 0 {
		c.CookiePollInterval = def.CookiePollInterval
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = def.CommandTimeout
	}
	if c.FinalizeGrace <= 0 {
		c.FinalizeGrace = def.FinalizeGrace
	}
	return c
}
