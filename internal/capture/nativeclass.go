package capture

import "strings"

// nativeClassPrefixes covers the browser's built-in class surface. Remote
// objects whose className starts with one of these are skipped by the
// window-property walker.
var nativeClassPrefixes = []string{
	"HTML", "SVG", "RTC", "IDB", "WebGL", "Media", "Audio", "Video",
	"Performance", "Navigator", "Screen", "Location", "History",
	"Storage", "Window", "Document", "Element", "Node", "Event",
	"Promise", "Map", "Set", "Array", "String", "Number", "Boolean",
	"Date", "RegExp", "Error", "Function", "URL", "Headers", "Request",
	"Response", "Worker", "ServiceWorker", "Cache", "IndexedDB",
	"Crypto", "CSS", "DOM", "File", "Blob", "Image", "Canvas",
	"Mutation", "Intersection", "Resize", "Text", "Selection", "Range",
	"XMLHttp", "WebSocket", "Notification", "Geolocation", "Speech",
	"Gamepad", "Battery", "Clipboard", "Credential", "Payment",
	"Presentation", "Sensor", "Touch", "Pointer", "Keyboard", "Mouse",
	"Wheel", "Drag", "Focus", "Input", "Animation", "Transition",
}

// nativeGlobalNames lists global built-ins skipped at the top level of a
// walk regardless of className.
var nativeGlobalNames = map[string]bool{
	"window": true, "document": true, "navigator": true, "location": true,
	"history": true, "screen": true, "console": true, "self": true,
	"top": true, "parent": true, "frames": true, "opener": true,
	"frameElement": true, "localStorage": true, "sessionStorage": true,
	"indexedDB": true, "caches": true, "performance": true,
	"crypto": true, "speechSynthesis": true, "visualViewport": true,
	"customElements": true, "clientInformation": true, "styleMedia": true,
	"external": true, "chrome": true, "menubar": true, "toolbar": true,
	"locationbar": true, "personalbar": true, "scrollbars": true,
	"statusbar": true, "fetch": true, "XMLHttpRequest": true,
	"WebSocket": true, "Blob": true, "File": true, "FileReader": true,
	"FormData": true, "URL": true, "URLSearchParams": true,
	"Headers": true, "Request": true, "Response": true,
	"AbortController": true, "AbortSignal": true, "Event": true,
	"CustomEvent": true, "EventTarget": true, "Promise": true,
	"Map": true, "Set": true, "WeakMap": true, "WeakSet": true,
	"WeakRef": true, "Proxy": true, "Reflect": true, "Symbol": true,
	"Intl": true, "JSON": true, "Math": true, "Date": true,
	"RegExp": true, "Error": true, "TypeError": true, "RangeError": true,
	"SyntaxError": true, "ReferenceError": true, "EvalError": true,
	"URIError": true, "AggregateError": true, "Array": true,
	"String": true, "Number": true, "Boolean": true, "Object": true,
	"Function": true, "BigInt": true, "ArrayBuffer": true,
	"SharedArrayBuffer": true, "DataView": true, "Atomics": true,
	"Int8Array": true, "Uint8Array": true, "Uint8ClampedArray": true,
	"Int16Array": true, "Uint16Array": true, "Int32Array": true,
	"Uint32Array": true, "Float32Array": true, "Float64Array": true,
	"BigInt64Array": true, "BigUint64Array": true,
	"globalThis": true, "undefined": true, "NaN": true, "Infinity": true,
	"eval": true, "isNaN": true, "isFinite": true, "parseInt": true,
	"parseFloat": true, "encodeURI": true, "decodeURI": true,
	"encodeURIComponent": true, "decodeURIComponent": true,
	"escape": true, "unescape": true, "atob": true, "btoa": true,
	"setTimeout": true, "clearTimeout": true, "setInterval": true,
	"clearInterval": true, "queueMicrotask": true, "structuredClone": true,
	"requestAnimationFrame": true, "cancelAnimationFrame": true,
	"requestIdleCallback": true, "cancelIdleCallback": true,
	"getComputedStyle": true, "matchMedia": true, "alert": true,
	"confirm": true, "prompt": true, "print": true, "open": true,
	"close": true, "focus": true, "blur": true, "scroll": true,
	"scrollTo": true, "scrollBy": true, "postMessage": true,
	"addEventListener": true, "removeEventListener": true,
	"dispatchEvent": true, "getSelection": true, "stop": true,
}

// hasNativeClassPrefix reports whether className belongs to the built-in
// browser surface.
func hasNativeClassPrefix(className string) bool {
	for _, p := range nativeClassPrefixes {
		if strings.HasPrefix(className, p) {
			return true
		}
	}
	return false
}

// isApplicationProperty classifies one remote property. Natives are
// rejected by global name or by className prefix. What survives, notably
// plain Objects and unclassed values, is application state worth walking.
func isApplicationProperty(name, className string, topLevel bool) bool {
	if topLevel && nativeGlobalNames[name] {
		return false
	}
	if className != "" && className != "Object" && hasNativeClassPrefix(className) {
		return false
	}
	return true
}
