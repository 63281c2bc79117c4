package apptest

import (
	"strconv"
	"sync"

	"github.com/xpzouying/tiktok-repost-cleaner/dom/domtest"
)

const (
	selRepostTab   = `[data-e2e="repost-tab"]`
	selTab         = `[role="tab"]`
	selList        = `[data-e2e="user-repost-item-list"]`
	selItem        = `[data-e2e="user-repost-item"]`
	selRepostBtn   = `[data-e2e="video-share-repost"]`
	selNext        = `[data-e2e="arrow-right"]`
	selClose       = `[data-e2e="browse-close"]`
	selTitle       = `[data-e2e="browse-video-desc"]`
	selAuthor      = `[data-e2e="browse-username"]`
	repostedMarker = "aria-pressed"
)

// Profile is a TikTok profile page already showing its tabs.
type Profile struct {
	Page *domtest.Page

	mu       sync.Mutex
	reposted []bool
	cur      int
	loaded   bool

	button, next, title *domtest.Node
}

func NewProfile(url string, reposted []bool) *Profile {
	p := &Profile{Page: domtest.NewPage(url), reposted: append([]bool(nil), reposted...)}

	tab := &domtest.Node{Matches: []string{selRepostTab, selTab}, Text: "Reposts"}
	tab.OnClick = p.openList
	p.Page.Append(tab)

	p.button = &domtest.Node{Matches: []string{selRepostBtn}, Attrs: map[string]string{}}
	p.button.OnClick = func() {
		p.Page.Update(func() {
			p.mu.Lock()
			p.reposted[p.cur] = false
			p.mu.Unlock()
			p.render()
		})
	}
	p.next = &domtest.Node{Matches: []string{selNext}}
	p.next.OnClick = func() {
		p.Page.Update(func() {
			p.mu.Lock()
			if p.cur < len(p.reposted)-1 {
				p.cur++
			}
			p.mu.Unlock()
			p.render()
		})
	}
	p.title = &domtest.Node{Matches: []string{selTitle}}
	return p
}

func (p *Profile) openList() {
	p.mu.Lock()
	first := !p.loaded
	p.loaded = true
	n := len(p.reposted)
	p.mu.Unlock()
	if !first {
		return
	}

	items := make([]*domtest.Node, 0, n)
	for i := 0; i < n; i++ {
		idx := i
		items = append(items, &domtest.Node{Matches: []string{selItem}, OnClick: func() { p.openDetail(idx) }})
	}
	p.Page.Append(&domtest.Node{Matches: []string{selList}, Children: items})
}

func (p *Profile) openDetail(i int) {
	p.Page.Update(func() {
		p.mu.Lock()
		p.cur = i
		p.mu.Unlock()
		p.render()
	})
	closeBtn := &domtest.Node{Matches: []string{selClose}}
	closeBtn.OnClick = func() {
		for _, s := range []string{selRepostBtn, selNext, selClose, selTitle, selAuthor} {
			p.Page.Remove(s)
		}
	}
	p.Page.Append(p.button, p.next, closeBtn, p.title, &domtest.Node{Matches: []string{selAuthor}, Text: "creator"})
}

// render refreshes the detail view; the page lock is held.
func (p *Profile) render() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.button.Attrs[repostedMarker] = strconv.FormatBool(p.reposted[p.cur])
	p.title.Text = "Video " + strconv.Itoa(p.cur)
	p.next.Disabled = p.cur >= len(p.reposted)-1
}

// Remaining counts entries still reposted.
func (p *Profile) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.reposted {
		if r {
			n++
		}
	}
	return n
}
