package dom_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpzouying/tiktok-repost-cleaner/dom"
	"github.com/xpzouying/tiktok-repost-cleaner/dom/domtest"
	"github.com/xpzouying/tiktok-repost-cleaner/messaging"
)

func newAccessor(page *domtest.Page, sel domtest.Selectors, rec *domtest.Recorder) *dom.Accessor {
	a := dom.NewAccessor(page, sel, rec)
	a.PollInterval = 5 * time.Millisecond
	a.ScrollInterval = 5 * time.Millisecond
	return a
}

func TestFindElementPrefersEarlierCandidate(t *testing.T) {
	first := &domtest.Node{Matches: []string{".b"}, Text: "fallback"}
	second := &domtest.Node{Matches: []string{".a"}, Text: "preferred"}
	page := domtest.NewPage("https://www.tiktok.com/", first, second)
	a := newAccessor(page, domtest.Selectors{"x": {".a", ".b"}}, nil)

	el := a.FindElement("x", nil)
	require.NotNil(t, el)
	text, _ := el.Text()
	assert.Equal(t, "preferred", text)

	assert.Nil(t, a.FindElement("unknown", nil))
}

func TestFindElementUnderRoot(t *testing.T) {
	inner := &domtest.Node{Matches: []string{".title"}, Text: "inside"}
	outer := &domtest.Node{Matches: []string{".title"}, Text: "outside"}
	card := &domtest.Node{Matches: []string{".card"}, Children: []*domtest.Node{inner}}
	page := domtest.NewPage("", outer, card)
	a := newAccessor(page, domtest.Selectors{"card": {".card"}, "title": {".title"}}, nil)

	root := a.FindElement("card", nil)
	require.NotNil(t, root)
	assert.Equal(t, "inside", a.Text("title", root))
	assert.Equal(t, "outside", a.Text("title", nil))
}

func TestFindAllUnionsCandidates(t *testing.T) {
	page := domtest.NewPage("",
		&domtest.Node{Matches: []string{".a"}},
		&domtest.Node{Matches: []string{".b"}},
		&domtest.Node{Matches: []string{".c"}},
	)
	a := newAccessor(page, domtest.Selectors{"items": {".a", ".b"}}, nil)
	assert.Len(t, a.FindAll("items", nil), 2)
	assert.Empty(t, a.FindAll("missing", nil))
}

func TestFindByText(t *testing.T) {
	page := domtest.NewPage("",
		&domtest.Node{Matches: []string{"[role=tab]"}, Text: " Videos "},
		&domtest.Node{Matches: []string{"[role=tab]"}, Text: "  Reposts 12 "},
	)
	a := newAccessor(page, domtest.Selectors{"tabs": {"[role=tab]"}}, nil)

	el := a.FindByText("tabs", "reposts", false)
	require.NotNil(t, el)
	text, _ := el.Text()
	assert.Contains(t, text, "Reposts")

	assert.Nil(t, a.FindByText("tabs", "reposts", true))
}

func TestWaitForElementTimesOutWithOneDiagnostic(t *testing.T) {
	page := domtest.NewPage("https://www.tiktok.com/@me")
	rec := &domtest.Recorder{}
	a := newAccessor(page, domtest.Selectors{"x": {".never"}}, rec)

	start := time.Now()
	el := a.WaitForElement(context.Background(), "x", 40*time.Millisecond)
	assert.Nil(t, el)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, messaging.TypeSelectorTimeout, events[0].Type)
	assert.Equal(t, messaging.SelectorTimeoutEvent{
		Key:       "x",
		TimeoutMs: 40,
		URL:       "https://www.tiktok.com/@me",
	}, events[0].Payload)
}

func TestWaitForElementSeesLateNode(t *testing.T) {
	page := domtest.NewPage("")
	rec := &domtest.Recorder{}
	a := newAccessor(page, domtest.Selectors{"x": {".late"}}, rec)

	go func() {
		time.Sleep(20 * time.Millisecond)
		page.Append(&domtest.Node{Matches: []string{".late"}})
	}()

	assert.NotNil(t, a.WaitForElement(context.Background(), "x", time.Second))
	assert.Empty(t, rec.Events())
}

func TestClick(t *testing.T) {
	btn := &domtest.Node{Matches: []string{"button"}}
	page := domtest.NewPage("", btn)
	a := newAccessor(page, domtest.Selectors{"btn": {"button"}, "none": {".none"}}, &domtest.Recorder{})

	assert.True(t, a.Click(context.Background(), "btn", time.Second))
	assert.Equal(t, 1, page.Clicks(btn))
	assert.False(t, a.Click(context.Background(), "none", 10*time.Millisecond))
}

type progressLog struct {
	mu    sync.Mutex
	calls []string
}

func (p *progressLog) record(count int, final bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, fmt.Sprintf("%d/%v", count, final))
}

func (p *progressLog) get() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func item() *domtest.Node {
	return &domtest.Node{Matches: []string{".item"}}
}

func TestAutoScrollStopsWhenStable(t *testing.T) {
	page := domtest.NewPage("", item(), item())
	grows := 3
	page.OnScroll = func() {
		if grows > 0 {
			grows--
			page.Append(item(), item())
		}
	}
	a := newAccessor(page, domtest.Selectors{"items": {".item"}}, nil)
	a.ScrollCeiling = time.Minute

	log := &progressLog{}
	start := time.Now()
	n := a.AutoScrollToBottom(context.Background(), "items", 100, log.record)

	assert.Equal(t, 8, n)
	assert.Less(t, time.Since(start), 5*time.Second)

	calls := log.get()
	require.NotEmpty(t, calls)
	assert.Equal(t, "8/true", calls[len(calls)-1])
	for _, c := range calls[:len(calls)-1] {
		assert.NotContains(t, c, "true")
	}
}

func TestAutoScrollStableThresholdByBatchSize(t *testing.T) {
	tests := []struct {
		name     string
		maxItems int
		want     int
	}{
		{"small batch", 100, 3},
		{"at the boundary", 200, 3},
		{"large batch", 300, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := domtest.NewPage("", item())
			grown, sinceGrowth := false, 0
			page.OnScroll = func() {
				if !grown {
					grown = true
					page.Append(item(), item())
					return
				}
				sinceGrowth++
			}
			a := newAccessor(page, domtest.Selectors{"items": {".item"}}, nil)
			a.ScrollCeiling = time.Minute

			n := a.AutoScrollToBottom(context.Background(), "items", tt.maxItems, nil)
			assert.Equal(t, 3, n)
			assert.Equal(t, tt.want, sinceGrowth)
		})
	}
}

func TestAutoScrollCapsAtMaxPlusOvershoot(t *testing.T) {
	page := domtest.NewPage("")
	page.OnScroll = func() {
		for i := 0; i < 5; i++ {
			page.Append(item())
		}
	}
	a := newAccessor(page, domtest.Selectors{"items": {".item"}}, nil)

	n := a.AutoScrollToBottom(context.Background(), "items", 10, nil)
	assert.GreaterOrEqual(t, n, 20)
	assert.Less(t, n, 25)
}

func TestAutoScrollCeiling(t *testing.T) {
	page := domtest.NewPage("")
	page.OnScroll = func() { page.Append(item()) }
	a := newAccessor(page, domtest.Selectors{"items": {".item"}}, nil)
	a.ScrollCeiling = 30 * time.Millisecond

	log := &progressLog{}
	n := a.AutoScrollToBottom(context.Background(), "items", 0, log.record)
	assert.Positive(t, n)
	calls := log.get()
	assert.Equal(t, fmt.Sprintf("%d/true", n), calls[len(calls)-1])
}

func TestBorderIndicator(t *testing.T) {
	page := domtest.NewPage("")
	ind := dom.NewBorderIndicator(page)
	ind.Show()
	ind.Hide()

	scripts := page.Scripts()
	require.Len(t, scripts, 2)
	assert.Contains(t, scripts[0], "createElement")
	assert.Contains(t, scripts[1], "remove()")
}
