package capture

import (
	"sort"
	"strings"
)

// LocatorType names a strategy for re-identifying a DOM element.
type LocatorType string

const (
	LocatorCSS   LocatorType = "css"
	LocatorXPath LocatorType = "xpath"
	LocatorText  LocatorType = "text"
	LocatorRole  LocatorType = "role"
	LocatorName  LocatorType = "name"
	LocatorID    LocatorType = "id"
)

// DefaultLocatorPriorities maps locator types to their default priority.
// Smaller means tried first: ids are unique, names are stable for form
// controls, XPath is brittle and comes last.
var DefaultLocatorPriorities = map[LocatorType]int{
	LocatorID:    10,
	LocatorName:  20,
	LocatorCSS:   30,
	LocatorRole:  40,
	LocatorText:  50,
	LocatorXPath: 80,
}

// Locator is a single prioritized way to find an element again.
type Locator struct {
	Type     LocatorType `json:"type"`
	Value    string      `json:"value"`
	Priority int         `json:"priority"`
}

// BoundingBox is an element's viewport-relative geometry.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// UiElement describes an interaction target well enough for later replay:
// raw DOM identity, common attributes, trimmed text, geometry, and a
// priority-ordered list of locators.
type UiElement struct {
	Tag         string            `json:"tag"`
	ID          string            `json:"id,omitempty"`
	Name        string            `json:"name,omitempty"`
	Classes     []string          `json:"classes,omitempty"`
	TypeAttr    string            `json:"type,omitempty"`
	Role        string            `json:"role,omitempty"`
	AriaLabel   string            `json:"aria_label,omitempty"`
	Placeholder string            `json:"placeholder,omitempty"`
	Href        string            `json:"href,omitempty"`
	Src         string            `json:"src,omitempty"`
	Value       string            `json:"value,omitempty"`
	Title       string            `json:"title,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Text        string            `json:"text,omitempty"`
	BoundingBox *BoundingBox      `json:"bounding_box,omitempty"`
	CSSPath     string            `json:"css_path,omitempty"`
	XPath       string            `json:"xpath,omitempty"`
	Locators    []Locator         `json:"locators,omitempty"`
}

// locatorPriority resolves the priority for a locator type, preferring
// host overrides.
func locatorPriority(t LocatorType, overrides map[LocatorType]int) int {
	if overrides != nil {
		if p, ok := overrides[t]; ok {
			return p
		}
	}
	if p, ok := DefaultLocatorPriorities[t]; ok {
		return p
	}
	return 100
}

// buildLocators populates el.Locators from the element's known fields and
// sorts them by priority. Existing locators are left untouched.
func (el *UiElement) buildLocators(overrides map[LocatorType]int) {
	if len(el.Locators) > 0 {
		return
	}

	add := func(t LocatorType, value string) {
		el.Locators = append(el.Locators, Locator{
			Type:     t,
			Value:    value,
			Priority: locatorPriority(t, overrides),
		})
	}

	if el.ID != "" {
		add(LocatorID, el.ID)
	}
	if el.Name != "" {
		add(LocatorName, el.Name)
	}
	if el.Placeholder != "" {
		add(LocatorCSS, strings.ToLower(el.Tag)+`[placeholder="`+el.Placeholder+`"]`)
	}
	if el.Role != "" {
		add(LocatorRole, el.Role)
	}
	if text := strings.TrimSpace(el.Text); text != "" {
		add(LocatorText, text)
	}
	// The structural nth-of-type path is as brittle as the xpath, so it
	// ranks with it rather than with attribute-based css selectors.
	if el.CSSPath != "" {
		el.Locators = append(el.Locators, Locator{
			Type:     LocatorCSS,
			Value:    el.CSSPath,
			Priority: locatorPriority(LocatorXPath, overrides),
		})
	}
	if el.XPath != "" {
		add(LocatorXPath, el.XPath)
	}

	// Fallback: first stable-looking class.
	if len(el.Locators) == 0 {
		for _, c := range el.Classes {
			if isGeneratedClass(c) {
				continue
			}
			add(LocatorCSS, "."+c)
			break
		}
	}

	sort.SliceStable(el.Locators, func(i, j int) bool {
		return el.Locators[i].Priority < el.Locators[j].Priority
	})
}

// isGeneratedClass reports whether a class name looks machine-generated
// (styled-components, CSS-in-JS hashes, long alphanumeric blobs).
func isGeneratedClass(c string) bool {
	if strings.HasPrefix(c, "sc-") || strings.HasPrefix(c, "css-") {
		return true
	}
	if len(c) >= 10 && isAlnum(c) {
		return true
	}
	return false
}

func isAlnum(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return len(s) > 0
}
