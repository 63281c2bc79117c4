// Package dom resolves semantic selector keys against a live page and wraps
// the waits, clicks and scroll loading the workflow needs.
package dom

// Scope is anything selectors can be evaluated under.
type Scope interface {
	// Query returns the matches of a CSS selector in document order. A
	// selector list joined with commas is a union query.
	Query(selector string) ([]Element, error)
}

// Element is one node of the page.
type Element interface {
	Scope
	Text() (string, error)
	// Attribute returns the attribute value and whether it is present.
	Attribute(name string) (string, bool, error)
	// ComputedStyle returns the resolved value of a CSS property.
	ComputedStyle(property string) (string, error)
	Enabled() (bool, error)
	Click() error
}

// Document is the page the content runtime is attached to.
type Document interface {
	Scope
	URL() string
	// ScrollBy scrolls the window vertically by dy pixels.
	ScrollBy(dy int) error
	ScrollToBottom() error
	ScrollHeight() (int, error)
	PressEscape() error
	// Exec runs a script in the page, ignoring its result.
	Exec(script string) error
}

// SelectorSource maps a semantic key to an ordered list of CSS selectors.
type SelectorSource interface {
	Candidates(key string) []string
}

// Reporter receives fire-and-forget diagnostics.
type Reporter interface {
	Broadcast(msgType string, payload any)
}
