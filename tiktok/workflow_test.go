package tiktok_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpzouying/tiktok-repost-cleaner/dom"
	"github.com/xpzouying/tiktok-repost-cleaner/dom/domtest"
	"github.com/xpzouying/tiktok-repost-cleaner/messaging"
	"github.com/xpzouying/tiktok-repost-cleaner/quota"
	"github.com/xpzouying/tiktok-repost-cleaner/state"
	"github.com/xpzouying/tiktok-repost-cleaner/storage"
	"github.com/xpzouying/tiktok-repost-cleaner/tiktok"
)

var testSelectors = domtest.Selectors{
	tiktok.KeyProfileButton:     {"#profile-btn"},
	tiktok.KeyRepostTab:         {"#repost-tab"},
	tiktok.KeyTabs:              {"[role=tab]"},
	tiktok.KeyRepostTabText:     {"Reposts"},
	tiktok.KeyVideoList:         {"#list"},
	tiktok.KeyVideoItem:         {".item"},
	tiktok.KeyRepostButton:      {"#repost-btn"},
	tiktok.KeyRepostedAttribute: {"aria-pressed"},
	tiktok.KeyRepostedIcon:      {".filled"},
	tiktok.KeyDefaultTextColors: {"rgb(22, 24, 35)"},
	tiktok.KeyNextButton:        {"#next"},
	tiktok.KeyCloseButton:       {"#close"},
	tiktok.KeyTitle:             {"#title"},
	tiktok.KeyAuthor:            {"#author"},
}

// site is a scripted TikTok profile: a reposts tab, a list of n items and a
// detail view walking them with a next button.
type site struct {
	page *domtest.Page

	reposted []bool
	removed  []int
	cur      int
	loaded   bool

	profileBtn, repostTab, button, next, closeBtn, title, author *domtest.Node
}

func newSite(n int, isRepost func(i int) bool, onProfile bool) *site {
	s := &site{reposted: make([]bool, n)}
	for i := range s.reposted {
		s.reposted[i] = isRepost(i)
	}
	s.page = domtest.NewPage("https://www.tiktok.com/")

	s.repostTab = &domtest.Node{Matches: []string{"#repost-tab", "[role=tab]"}, Text: "Reposts"}
	s.repostTab.OnClick = s.openList

	s.profileBtn = &domtest.Node{Matches: []string{"#profile-btn"}}
	s.profileBtn.OnClick = func() {
		s.page.Append(s.repostTab)
		s.page.SetURL("https://www.tiktok.com/@me")
	}
	if onProfile {
		s.page.Append(s.repostTab)
	} else {
		s.page.Append(s.profileBtn)
	}

	s.button = &domtest.Node{Matches: []string{"#repost-btn"}, Attrs: map[string]string{}}
	s.button.OnClick = func() {
		s.page.Update(func() {
			if s.reposted[s.cur] {
				s.reposted[s.cur] = false
				s.removed = append(s.removed, s.cur)
			}
			s.render()
		})
	}
	s.next = &domtest.Node{Matches: []string{"#next"}}
	s.next.OnClick = func() {
		s.page.Update(func() {
			if s.cur < len(s.reposted)-1 {
				s.cur++
			}
			s.render()
		})
	}
	s.closeBtn = &domtest.Node{Matches: []string{"#close"}}
	s.closeBtn.OnClick = func() {
		for _, sel := range []string{"#repost-btn", "#next", "#close", "#title", "#author"} {
			s.page.Remove(sel)
		}
	}
	s.title = &domtest.Node{Matches: []string{"#title"}}
	s.author = &domtest.Node{Matches: []string{"#author"}, Text: "creator"}
	return s
}

func (s *site) openList() {
	var first bool
	s.page.Update(func() {
		first = !s.loaded
		s.loaded = true
	})
	if !first {
		return
	}
	items := make([]*domtest.Node, 0, len(s.reposted))
	for i := range s.reposted {
		idx := i
		items = append(items, &domtest.Node{
			Matches: []string{".item"},
			OnClick: func() { s.openDetail(idx) },
		})
	}
	s.page.Append(&domtest.Node{Matches: []string{"#list"}, Children: items})
}

func (s *site) openDetail(i int) {
	s.page.Update(func() {
		s.cur = i
		s.render()
	})
	s.page.Append(s.button, s.next, s.closeBtn, s.title, s.author)
}

// render refreshes the detail nodes; the page lock must be held.
func (s *site) render() {
	s.button.Attrs["aria-pressed"] = strconv.FormatBool(s.reposted[s.cur])
	s.title.Text = fmt.Sprintf("  Video   number %d ", s.cur)
	s.next.Disabled = s.cur >= len(s.reposted)-1
}

func (s *site) removedCount() int {
	var n int
	s.page.Update(func() { n = len(s.removed) })
	return n
}

type eventLog struct {
	mu     sync.Mutex
	order  []string
	last   map[string]json.RawMessage
	counts map[string]int
}

func (l *eventLog) handler(typ string) messaging.Handler {
	return func(ctx context.Context, msg messaging.Message) (any, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.order = append(l.order, typ)
		l.last[typ] = msg.Payload
		l.counts[typ]++
		return nil, nil
	}
}

func (l *eventLog) count(typ string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[typ]
}

func (l *eventLog) decode(t *testing.T, typ string, out any) {
	t.Helper()
	l.mu.Lock()
	raw := l.last[typ]
	l.mu.Unlock()
	require.NotNil(t, raw, "no %s event", typ)
	require.NoError(t, json.Unmarshal(raw, out))
}

type harness struct {
	manager *state.Manager
	store   *state.Store
	site    *site
	events  *eventLog
	wf      *tiktok.Workflow
}

func fastConfig() tiktok.Config {
	cfg := tiktok.DefaultConfig()
	cfg.BatchSize = 50
	cfg.ProfileTimeout = 300 * time.Millisecond
	cfg.ListTimeout = 300 * time.Millisecond
	cfg.DetailTimeout = 300 * time.Millisecond
	cfg.ActionTimeout = 300 * time.Millisecond
	cfg.RenavigateTimeout = 100 * time.Millisecond
	fast := tiktok.DelayRange{Min: time.Millisecond, Max: 2 * time.Millisecond}
	cfg.RemovalDelay, cfg.ItemDelay, cfg.ShortBreak, cfg.LongBreak = fast, fast, fast, fast
	return cfg
}

func newHarness(t *testing.T, s *site, cfg tiktok.Config, opts ...tiktok.Option) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	bus := messaging.NewBus()
	bg := messaging.NewRouter(bus, messaging.ToBackground())
	popup := messaging.NewRouter(bus, messaging.ToPopup())
	tab := messaging.NewRouter(bus, messaging.ToTab("tab-1"))

	events := &eventLog{last: map[string]json.RawMessage{}, counts: map[string]int{}}
	for _, typ := range []string{
		messaging.TypeStatusUpdate, messaging.TypeProgressUpdate, messaging.TypeVideoRemoved,
		messaging.TypeVideoSkipped, messaging.TypeProcessComplete, messaging.TypeProcessError,
		messaging.TypeNoVideosFound, messaging.TypeLimitReached, messaging.TypeSelectorTimeout,
	} {
		popup.On(typ, events.handler(typ))
	}

	manager := state.NewManager(ctx, storage.NewMemoryStore(), bg)
	for _, r := range []*messaging.Router{bg, popup, tab} {
		r := r
		go func() { _ = r.Run(ctx) }()
	}
	t.Cleanup(func() {
		cancel()
		<-bg.Done()
		<-popup.Done()
		<-tab.Done()
	})

	_, err := manager.Claim(ctx, "tab-1")
	require.NoError(t, err)
	store := state.NewStore(ctx, tab)

	acc := dom.NewAccessor(s.page, testSelectors, tab)
	acc.PollInterval = 2 * time.Millisecond
	acc.ScrollInterval = 2 * time.Millisecond

	sig := tiktok.NewSignal(store)
	sig.Step = 5 * time.Millisecond
	sig.PausePoll = 5 * time.Millisecond

	opts = append([]tiktok.Option{tiktok.WithConfig(cfg), tiktok.WithSignal(sig)}, opts...)
	wf := tiktok.NewWorkflow(acc, testSelectors, store, tab, opts...)
	return &harness{manager: manager, store: store, site: s, events: events, wf: wf}
}

func allReposts(int) bool { return true }

func TestWorkflowStopsAtQuota(t *testing.T) {
	s := newSite(10, allReposts, true)
	h := newHarness(t, s, fastConfig(), tiktok.WithQuota(quota.Static{Remaining: 3}))

	require.NoError(t, h.wf.Start(context.Background()))

	assert.Equal(t, 3, s.removedCount())
	snap := h.manager.Snapshot()
	assert.False(t, snap.Process.IsRunning)
	assert.Equal(t, 3, snap.Stats.Removed)
	assert.Equal(t, 3, snap.Stats.Processed)
	assert.Equal(t, 10, snap.Stats.TotalFound)
	assert.Len(t, snap.RemovedList, 3)

	require.Eventually(t, func() bool {
		return h.events.count(messaging.TypeProcessComplete) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.events.count(messaging.TypeLimitReached))
	assert.Equal(t, 3, h.events.count(messaging.TypeVideoRemoved))
	assert.Zero(t, h.events.count(messaging.TypeProcessError))

	var done messaging.CompleteEvent
	h.events.decode(t, messaging.TypeProcessComplete, &done)
	assert.Equal(t, 3, done.RemovedCount)
	assert.Equal(t, 10, done.TotalCount)
	assert.True(t, done.Success)
	assert.Equal(t, 1, s.page.Clicks(s.closeBtn))
	assert.Equal(t, tiktok.PhaseIdle, h.wf.Phase())
}

func TestWorkflowWalksWholeList(t *testing.T) {
	s := newSite(4, func(i int) bool { return i%2 == 0 }, true)
	h := newHarness(t, s, fastConfig())

	require.NoError(t, h.wf.Start(context.Background()))

	assert.Equal(t, 2, s.removedCount())
	snap := h.manager.Snapshot()
	assert.Equal(t, state.Stats{TotalFound: 4, Processed: 4, Removed: 2, Skipped: 2}, snap.Stats)
	require.Len(t, snap.RemovedList, 2)
	assert.Equal(t, "Video number 0", snap.RemovedList[0].Title)
	assert.Equal(t, "@creator", snap.RemovedList[0].Author)

	require.Eventually(t, func() bool {
		return h.events.count(messaging.TypeProcessComplete) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.events.count(messaging.TypeLimitReached))
	assert.Equal(t, 2, h.events.count(messaging.TypeVideoSkipped))

	var skipped messaging.VideoEvent
	h.events.decode(t, messaging.TypeVideoSkipped, &skipped)
	assert.Equal(t, "not reposted", skipped.Reason)

	scripts := s.page.Scripts()
	require.NotEmpty(t, scripts)
	assert.Contains(t, scripts[0], "createElement")
	assert.Contains(t, scripts[len(scripts)-1], "remove()")
}

func TestWorkflowNavigatesToProfile(t *testing.T) {
	s := newSite(2, allReposts, false)
	h := newHarness(t, s, fastConfig())

	require.NoError(t, h.wf.Start(context.Background()))
	assert.Equal(t, 1, s.page.Clicks(s.profileBtn))
	assert.Equal(t, 2, s.removedCount())
}

func TestWorkflowProfileMissingIsAnError(t *testing.T) {
	s := newSite(2, allReposts, false)
	s.page.Remove("#profile-btn")
	h := newHarness(t, s, fastConfig())

	err := h.wf.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logged in")
	assert.False(t, h.manager.Snapshot().Process.IsRunning)
	assert.Equal(t, tiktok.PhaseError, h.wf.Phase())

	require.Eventually(t, func() bool {
		return h.events.count(messaging.TypeProcessError) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.events.count(messaging.TypeProcessComplete))
	assert.Positive(t, h.events.count(messaging.TypeSelectorTimeout))
}

func TestWorkflowEmptyListCompletes(t *testing.T) {
	s := newSite(0, allReposts, true)
	h := newHarness(t, s, fastConfig())

	require.NoError(t, h.wf.Start(context.Background()))

	require.Eventually(t, func() bool {
		return h.events.count(messaging.TypeProcessComplete) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.events.count(messaging.TypeNoVideosFound))
	assert.Zero(t, h.events.count(messaging.TypeProcessError))
	assert.False(t, h.manager.Snapshot().Process.IsRunning)
}

func TestWorkflowStartIsIdempotent(t *testing.T) {
	s := newSite(3, allReposts, true)
	h := newHarness(t, s, fastConfig())
	ctx := context.Background()

	running := true
	h.manager.Update(ctx, state.Patch{Process: &state.ProcessPatch{IsRunning: &running}})
	before := h.manager.Snapshot()

	assert.ErrorIs(t, h.wf.Start(ctx), tiktok.ErrAlreadyRunning)
	assert.Equal(t, before, h.manager.Snapshot())
	assert.Zero(t, s.page.Clicks(s.repostTab))
	assert.Zero(t, s.removedCount())
}

func TestWorkflowPauseHoldsAndStopEnds(t *testing.T) {
	s := newSite(40, allReposts, true)
	cfg := fastConfig()
	cfg.ItemDelay = tiktok.DelayRange{Min: 20 * time.Millisecond, Max: 20 * time.Millisecond}
	h := newHarness(t, s, cfg)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- h.wf.Start(ctx) }()

	require.Eventually(t, func() bool { return s.removedCount() >= 2 }, 5*time.Second, 2*time.Millisecond)

	paused := true
	h.manager.Update(ctx, state.Patch{Process: &state.ProcessPatch{IsPaused: &paused}})

	// let an action already past its last check land
	time.Sleep(50 * time.Millisecond)
	removed := s.removedCount()
	acted := h.events.count(messaging.TypeVideoRemoved) + h.events.count(messaging.TypeVideoSkipped)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, removed, s.removedCount())
	assert.Equal(t, acted, h.events.count(messaging.TypeVideoRemoved)+h.events.count(messaging.TypeVideoSkipped))

	assert.ErrorIs(t, h.wf.Start(ctx), tiktok.ErrAlreadyRunning)

	paused = false
	h.manager.Update(ctx, state.Patch{Process: &state.ProcessPatch{IsPaused: &paused}})
	require.Eventually(t, func() bool { return s.removedCount() > removed }, 5*time.Second, 2*time.Millisecond)

	stop := false
	h.manager.Update(ctx, state.Patch{Process: &state.ProcessPatch{IsRunning: &stop}})

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("workflow did not observe the stop")
	}
	assert.Less(t, s.removedCount(), 40)

	require.Eventually(t, func() bool {
		return h.events.count(messaging.TypeProcessComplete) == 1
	}, 2*time.Second, 5*time.Millisecond)
	var done2 messaging.CompleteEvent
	h.events.decode(t, messaging.TypeProcessComplete, &done2)
	assert.False(t, done2.Success)
}
