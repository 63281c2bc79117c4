// Package domtest provides an in-memory dom.Document for tests.
package domtest

import (
	"strings"
	"sync"

	"github.com/xpzouying/tiktok-repost-cleaner/dom"
)

// Node is a fake element. It matches a selector when the selector is listed
// in Matches.
type Node struct {
	Matches  []string
	Text     string
	Attrs    map[string]string
	Styles   map[string]string
	Disabled bool
	Children []*Node
	// OnClick runs after the click is counted, without the page lock held.
	OnClick func()

	clicks int
}

func (n *Node) matches(selector string) bool {
	for _, part := range strings.Split(selector, ",") {
		part = strings.TrimSpace(part)
		for _, m := range n.Matches {
			if m == part {
				return true
			}
		}
	}
	return false
}

// Page is a thread-safe fake document.
type Page struct {
	mu       sync.Mutex
	url      string
	nodes    []*Node
	scrollY  int
	escapes  int
	scripts  []string
	OnScroll func()
	OnEscape func()
	// Height overrides the computed scroll height when non-zero.
	Height int
}

var _ dom.Document = (*Page)(nil)

func NewPage(url string, nodes ...*Node) *Page {
	return &Page{url: url, nodes: nodes}
}

func (p *Page) SetURL(u string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = u
}

func (p *Page) Append(nodes ...*Node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes = append(p.nodes, nodes...)
}

// Remove drops every top-level node matching selector.
func (p *Page) Remove(selector string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.nodes[:0]
	for _, n := range p.nodes {
		if !n.matches(selector) {
			kept = append(kept, n)
		}
	}
	p.nodes = kept
}

// Update runs fn with the page lock held, for mutating nodes in place.
func (p *Page) Update(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn()
}

func (p *Page) Clicks(n *Node) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return n.clicks
}

func (p *Page) Escapes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.escapes
}

func (p *Page) Scripts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.scripts...)
}

func (p *Page) Query(selector string) ([]dom.Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.collect(p.nodes, selector), nil
}

func (p *Page) collect(nodes []*Node, selector string) []dom.Element {
	var out []dom.Element
	for _, n := range nodes {
		if n.matches(selector) {
			out = append(out, &element{page: p, node: n})
		}
		out = append(out, p.collect(n.Children, selector)...)
	}
	return out
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) ScrollBy(dy int) error {
	p.mu.Lock()
	p.scrollY += dy
	p.mu.Unlock()
	return nil
}

func (p *Page) ScrollToBottom() error {
	p.mu.Lock()
	hook := p.OnScroll
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (p *Page) ScrollHeight() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Height > 0 {
		return p.Height, nil
	}
	return len(p.nodes) * 100, nil
}

func (p *Page) PressEscape() error {
	p.mu.Lock()
	p.escapes++
	hook := p.OnEscape
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (p *Page) Exec(script string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts = append(p.scripts, script)
	return nil
}

type element struct {
	page *Page
	node *Node
}

func (e *element) Query(selector string) ([]dom.Element, error) {
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	return e.page.collect(e.node.Children, selector), nil
}

func (e *element) Text() (string, error) {
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	return e.node.Text, nil
}

func (e *element) Attribute(name string) (string, bool, error) {
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	v, ok := e.node.Attrs[name]
	return v, ok, nil
}

func (e *element) ComputedStyle(property string) (string, error) {
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	return e.node.Styles[property], nil
}

func (e *element) Enabled() (bool, error) {
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	return !e.node.Disabled, nil
}

func (e *element) Click() error {
	e.page.mu.Lock()
	e.node.clicks++
	hook := e.node.OnClick
	e.page.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

// Selectors is a static dom.SelectorSource.
type Selectors map[string][]string

func (s Selectors) Candidates(key string) []string { return s[key] }

// Recorder is a dom.Reporter that keeps every broadcast.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

type Event struct {
	Type    string
	Payload any
}

func (r *Recorder) Broadcast(msgType string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Type: msgType, Payload: payload})
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
