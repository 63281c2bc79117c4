package messaging

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrNoReceiver is returned when no endpoint is attached for a target.
	ErrNoReceiver = errors.New("messaging: no receiving end for target")
	// ErrClosed is returned by deliveries to a router that has stopped.
	ErrClosed = errors.New("messaging: router closed")
)

// Endpoint is anything that can receive bus deliveries.
type Endpoint interface {
	// Deliver hands msg over and waits for the reply.
	Deliver(ctx context.Context, msg Message) (Reply, error)
	// Notify hands msg over without waiting for a reply.
	Notify(msg Message) error
}

// Bus connects the endpoints of every context. It plays the role of the
// browser runtime channel: it only routes, it never interprets messages.
type Bus struct {
	mu        sync.RWMutex
	endpoints map[Target]Endpoint
}

func NewBus() *Bus {
	return &Bus{endpoints: make(map[Target]Endpoint)}
}

// Attach registers e under t, replacing any previous endpoint.
func (b *Bus) Attach(t Target, e Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.endpoints[t] = e
}

// Detach removes the endpoint for t if it is still e.
func (b *Bus) Detach(t Target, e Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.endpoints[t]; ok && cur == e {
		delete(b.endpoints, t)
	}
}

func (b *Bus) Lookup(t Target) (Endpoint, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.endpoints[t]
	return e, ok
}

// Tabs lists the tabs that currently have a content endpoint attached.
func (b *Bus) Tabs() []TabID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	tabs := make([]TabID, 0, len(b.endpoints))
	for t := range b.endpoints {
		if t.IsTab() {
			tabs = append(tabs, t.Tab)
		}
	}
	sort.Slice(tabs, func(i, j int) bool { return tabs[i] < tabs[j] })
	return tabs
}
