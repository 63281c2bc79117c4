// Package apptest provides an in-memory browser hosting a scripted TikTok
// profile, for tests that drive the whole app.
package apptest

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/xpzouying/tiktok-repost-cleaner/app"
	"github.com/xpzouying/tiktok-repost-cleaner/browser"
	"github.com/xpzouying/tiktok-repost-cleaner/content"
	"github.com/xpzouying/tiktok-repost-cleaner/messaging"
	"github.com/xpzouying/tiktok-repost-cleaner/selectors"
	"github.com/xpzouying/tiktok-repost-cleaner/state"
)

// PNG is the screenshot every fake tab returns.
var PNG = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

// Browser opens profiles whose reposts list holds one entry per element of
// Reposted. The selectors match the bundled selector document.
type Browser struct {
	ctx  context.Context
	bus  *messaging.Bus
	sel  *selectors.Config
	opts []content.Option

	Reposted []bool

	mu       sync.Mutex
	next     int
	tabs     map[messaging.TabID]*Profile
	runtimes []*content.Runtime
	listener browser.Listener
}

var _ app.Browser = (*Browser)(nil)

// Factory returns an app.BrowserFactory building a Browser whose profiles
// carry reposted.
func Factory(reposted ...bool) (app.BrowserFactory, func() *Browser) {
	var b *Browser
	f := func(ctx context.Context, bus *messaging.Bus, sel *selectors.Config, opts []content.Option) app.Browser {
		b = &Browser{ctx: ctx, bus: bus, sel: sel, opts: opts, Reposted: reposted, tabs: map[messaging.TabID]*Profile{}}
		return b
	}
	return f, func() *Browser { return b }
}

func (b *Browser) FindTab(ctx context.Context, host string) (messaging.TabID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, p := range b.tabs {
		if state.MatchesSite(p.Page.URL(), host) {
			return id, true
		}
	}
	return "", false
}

func (b *Browser) OpenTab(ctx context.Context, url string) (messaging.TabID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := messaging.TabID(fmt.Sprintf("tab-%d", b.next))
	b.tabs[id] = NewProfile(url, b.Reposted)
	return id, nil
}

func (b *Browser) Inject(ctx context.Context, tab messaging.TabID) error {
	b.mu.Lock()
	p, ok := b.tabs[tab]
	b.mu.Unlock()
	if !ok {
		return errors.Errorf("unknown tab %s", tab)
	}
	rt := content.Attach(b.ctx, b.bus, tab, p.Page, b.sel, b.opts...)
	b.mu.Lock()
	b.runtimes = append(b.runtimes, rt)
	b.mu.Unlock()
	return nil
}

func (b *Browser) SetListener(l browser.Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = l
}

func (b *Browser) IsSiteTab(tab messaging.TabID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.tabs[tab]
	return ok && state.MatchesSite(p.Page.URL(), state.DefaultTargetHost)
}

func (b *Browser) Screenshot(ctx context.Context, tab messaging.TabID) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tabs[tab]; !ok {
		return nil, browser.ErrUnknownTab
	}
	return PNG, nil
}

// CloseTab drops tab and reports it to the listener like a user closing it.
func (b *Browser) CloseTab(tab messaging.TabID) {
	b.mu.Lock()
	delete(b.tabs, tab)
	l := b.listener
	b.mu.Unlock()
	if l != nil {
		l.TabRemoved(b.ctx, tab)
	}
}

// Profile returns the page behind tab.
func (b *Browser) Profile(tab messaging.TabID) *Profile {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tabs[tab]
}

func (b *Browser) Close() {
	b.mu.Lock()
	rts := b.runtimes
	b.runtimes = nil
	b.mu.Unlock()
	for _, rt := range rts {
		rt.Detach()
	}
}
