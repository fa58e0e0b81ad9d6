package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/webtap/webtap/internal/cdp"
)

// bindingName is the runtime binding the injected script reports through.
const bindingName = "__webtapReport"

// interactionScript runs in every document before any page script. It
// listens for user input in the capture phase, serializes each event with
// a descriptor of its target element, and forwards it through the
// pre-registered binding.
const interactionScript = `(() => {
  if (window.__webtapInstalled) return;
  window.__webtapInstalled = true;

  const TYPES = ['click','dblclick','mousedown','mouseup','contextmenu',
    'mouseover','keydown','keyup','keypress','input','change','focus','blur'];

  const cssPath = (el) => {
    const parts = [];
    while (el && el.nodeType === 1 && parts.length < 8) {
      let part = el.tagName.toLowerCase();
      if (el.id) { parts.unshift(part + '#' + el.id); break; }
      let i = 1, sib = el;
      while ((sib = sib.previousElementSibling)) {
        if (sib.tagName === el.tagName) i++;
      }
      if (i > 1) part += ':nth-of-type(' + i + ')';
      parts.unshift(part);
      el = el.parentElement;
    }
    return parts.join(' > ');
  };

  const xpath = (el) => {
    const parts = [];
    while (el && el.nodeType === 1) {
      let i = 1, sib = el;
      while ((sib = sib.previousElementSibling)) {
        if (sib.tagName === el.tagName) i++;
      }
      parts.unshift(el.tagName.toLowerCase() + '[' + i + ']');
      el = el.parentElement;
    }
    return '/' + parts.join('/');
  };

  const describe = (el) => {
    const attrs = {};
    for (const a of el.attributes) attrs[a.name] = a.value;
    const r = el.getBoundingClientRect();
    return {
      tag: el.tagName.toLowerCase(),
      id: el.id || '',
      name: el.getAttribute('name') || '',
      classes: Array.from(el.classList),
      type: el.getAttribute('type') || '',
      role: el.getAttribute('role') || '',
      aria_label: el.getAttribute('aria-label') || '',
      placeholder: el.getAttribute('placeholder') || '',
      href: el.getAttribute('href') || '',
      src: el.getAttribute('src') || '',
      value: typeof el.value === 'string' ? el.value : '',
      title: el.getAttribute('title') || '',
      attributes: attrs,
      text: (el.textContent || '').trim().slice(0, 200),
      bounding_box: {x: r.x, y: r.y, width: r.width, height: r.height},
      css_path: cssPath(el),
      xpath: xpath(el)
    };
  };

  const detail = (e) => {
    const d = {modifiers: (e.altKey ? 1 : 0) | (e.ctrlKey ? 2 : 0) |
      (e.metaKey ? 4 : 0) | (e.shiftKey ? 8 : 0)};
    if (typeof e.button === 'number') d.button = e.button;
    if (typeof e.key === 'string') d.key = e.key;
    if (typeof e.code === 'string') d.code = e.code;
    if (typeof e.clientX === 'number') {
      d.clientX = e.clientX; d.clientY = e.clientY;
      d.pageX = e.pageX; d.pageY = e.pageY;
    }
    return d;
  };

  for (const t of TYPES) {
    window.addEventListener(t, (e) => {
      try {
        const el = e.target instanceof Element ? e.target : document.documentElement;
        window.` + bindingName + `(JSON.stringify({
          type: e.type,
          timestamp_ms: Date.now(),
          url: location.href,
          event_detail: detail(e),
          target: describe(el)
        }));
      } catch (err) {}
    }, {capture: true, passive: true});
  }
})();`

// interactionMonitor injects the listener bundle and turns binding calls
// back into typed interaction events.
type interactionMonitor struct {
	client *cdp.Client
	cfg    Config
	log    logrus.FieldLogger
	emit   EventFunc

	count atomic.Uint64
}

func newInteractionMonitor(client *cdp.Client, cfg Config, emit EventFunc, log logrus.FieldLogger) *interactionMonitor {
	return &interactionMonitor{
		client: client,
		cfg:    cfg,
		log:    log.WithField("monitor", "interaction"),
		emit:   emit,
	}
}

func (m *interactionMonitor) name() string { return "interaction" }

func (m *interactionMonitor) start(ctx context.Context) error {
	if err := m.client.EnableDomain(ctx, "Runtime", nil); err != nil {
		return err
	}
	if err := m.client.EnableDomain(ctx, "Page", nil); err != nil {
		return err
	}

	if _, err := m.client.SendAndWait(ctx, "Runtime.addBinding", map[string]string{"name": bindingName}); err != nil {
		return fmt.Errorf("register binding: %w", err)
	}
	if _, err := m.client.SendAndWait(ctx, "Page.addScriptToEvaluateOnNewDocument", map[string]string{"source": interactionScript}); err != nil {
		return fmt.Errorf("install listener script: %w", err)
	}
	// Cover the document that is already loaded.
	if _, err := m.client.SendAndWait(ctx, "Runtime.evaluate", map[string]string{"expression": interactionScript}); err != nil {
		m.log.WithError(err).Debug("could not install listeners on current document")
	}
	return nil
}

func (m *interactionMonitor) handles(method string) bool {
	return method == "Runtime.bindingCalled"
}

// wireInteraction mirrors the JSON produced by the injected script.
type wireInteraction struct {
	Type        string      `json:"type"`
	TimestampMS int64       `json:"timestamp_ms"`
	URL         string      `json:"url"`
	EventDetail EventDetail `json:"event_detail"`
	Target      struct {
		Tag         string            `json:"tag"`
		ID          string            `json:"id"`
		Name        string            `json:"name"`
		Classes     []string          `json:"classes"`
		Type        string            `json:"type"`
		Role        string            `json:"role"`
		AriaLabel   string            `json:"aria_label"`
		Placeholder string            `json:"placeholder"`
		Href        string            `json:"href"`
		Src         string            `json:"src"`
		Value       string            `json:"value"`
		Title       string            `json:"title"`
		Attributes  map[string]string `json:"attributes"`
		Text        string            `json:"text"`
		BoundingBox *BoundingBox      `json:"bounding_box"`
		CSSPath     string            `json:"css_path"`
		XPath       string            `json:"xpath"`
	} `json:"target"`
}

func (m *interactionMonitor) handle(evt cdp.Event) {
	var call struct {
		Name    string `json:"name"`
		Payload string `json:"payload"`
	}
	if err := json.Unmarshal(evt.Params, &call); err != nil || call.Name != bindingName {
		return
	}

	var wire wireInteraction
	if err := json.Unmarshal([]byte(call.Payload), &wire); err != nil {
		m.log.WithError(err).Warn("bad interaction payload")
		return
	}

	el := UiElement{
		Tag:         wire.Target.Tag,
		ID:          wire.Target.ID,
		Name:        wire.Target.Name,
		Classes:     wire.Target.Classes,
		TypeAttr:    wire.Target.Type,
		Role:        wire.Target.Role,
		AriaLabel:   wire.Target.AriaLabel,
		Placeholder: wire.Target.Placeholder,
		Href:        wire.Target.Href,
		Src:         wire.Target.Src,
		Value:       wire.Target.Value,
		Title:       wire.Target.Title,
		Attributes:  wire.Target.Attributes,
		Text:        wire.Target.Text,
		BoundingBox: wire.Target.BoundingBox,
		CSSPath:     wire.Target.CSSPath,
		XPath:       wire.Target.XPath,
	}
	el.buildLocators(m.cfg.LocatorPriorities)

	m.count.Add(1)
	if err := m.emit(CategoryInteraction, InteractionEvent{
		Type:        wire.Type,
		TimestampMS: wire.TimestampMS,
		URL:         wire.URL,
		EventDetail: wire.EventDetail,
		Target:      el,
	}); err != nil {
		m.log.WithError(err).Warn("event callback failed")
	}
}

func (m *interactionMonitor) finalize(ctx context.Context) {}

func (m *interactionMonitor) interactions() uint64 {
	return m.count.Load()
}
