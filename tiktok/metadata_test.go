package tiktok

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xpzouying/tiktok-repost-cleaner/dom"
	"github.com/xpzouying/tiktok-repost-cleaner/dom/domtest"
	"github.com/xpzouying/tiktok-repost-cleaner/state"
)

func TestTruncateTitle(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", placeholderTitle},
		{"short", "a short title", "a short title"},
		{"exactly fifty", strings.Repeat("x", 50), strings.Repeat("x", 50)},
		{"long", strings.Repeat("y", 60), strings.Repeat("y", 50) + "..."},
		{"wide runes under limit", strings.Repeat("猫", 30), strings.Repeat("猫", 30)},
		{"wide runes over limit", strings.Repeat("好", 55), strings.Repeat("好", 50) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, truncateTitle(tt.in))
		})
	}
}

func TestParseVideoURL(t *testing.T) {
	tests := []struct {
		url        string
		wantAuthor string
		wantID     string
	}{
		{"https://www.tiktok.com/@someone/video/7312345678901234567", "@someone", "7312345678901234567"},
		{"https://www.tiktok.com/@someone/video/731?is_from_webapp=1", "@someone", "731"},
		{"https://www.tiktok.com/@someone", "@someone", ""},
		{"https://www.tiktok.com/foryou", "", ""},
		{"::not a url", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			author, id := parseVideoURL(tt.url)
			assert.Equal(t, tt.wantAuthor, author)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func TestReadMetadataFallsBackToURL(t *testing.T) {
	page := domtest.NewPage("https://www.tiktok.com/@dancer/video/42")
	sel := domtest.Selectors{KeyTitle: {"#title"}, KeyAuthor: {"#author"}}
	w := &Workflow{acc: dom.NewAccessor(page, sel, nil), sel: sel}

	assert.Equal(t, Metadata{
		Title:  "Video 42",
		Author: "@dancer",
		URL:    "https://www.tiktok.com/@dancer/video/42",
	}, w.readMetadata())

	page.SetURL("https://www.tiktok.com/")
	m := w.readMetadata()
	assert.Equal(t, placeholderTitle, m.Title)
	assert.Equal(t, placeholderAuthor, m.Author)

	page.Append(
		&domtest.Node{Matches: []string{"#title"}, Text: "\n  hello \t world "},
		&domtest.Node{Matches: []string{"#author"}, Text: "someone"},
	)
	m = w.readMetadata()
	assert.Equal(t, "hello world", m.Title)
	assert.Equal(t, "@someone", m.Author)
}

func TestSignalDetector(t *testing.T) {
	sel := domtest.Selectors{
		KeyRepostedAttribute: {"aria-pressed"},
		KeyRepostedIcon:      {".filled"},
		KeyDefaultTextColors: {"rgb(22, 24, 35)", "rgba(255,255,255,0.9)"},
	}
	tests := []struct {
		name string
		node *domtest.Node
		want bool
		via  string
	}{
		{"plain", &domtest.Node{Styles: map[string]string{"color": "rgb(22,24,35)"}}, false, ""},
		{"pressed", &domtest.Node{Attrs: map[string]string{"aria-pressed": "true"}}, true, "attribute"},
		{"not pressed", &domtest.Node{Attrs: map[string]string{"aria-pressed": "false"}}, false, ""},
		{"highlighted", &domtest.Node{Styles: map[string]string{"color": "rgb(250, 206, 21)"}}, true, "color"},
		{"default white", &domtest.Node{Styles: map[string]string{"color": "rgba(255, 255, 255, 0.9)"}}, false, ""},
		{"icon", &domtest.Node{Children: []*domtest.Node{{Matches: []string{".filled"}}}}, true, "icon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.node.Matches = append(tt.node.Matches, "#btn")
			page := domtest.NewPage("", tt.node)
			acc := dom.NewAccessor(page, sel, nil)
			els, _ := page.Query("#btn")

			got, via := NewSignalDetector(acc, sel).IsReposted(els[0])
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.via, via)
		})
	}
}

type scriptedState struct {
	running atomic.Bool
	paused  atomic.Bool
	reads   atomic.Int32
}

func (s *scriptedState) GetState(ctx context.Context, force bool) state.ProcessState {
	s.reads.Add(1)
	return state.ProcessState{Process: state.Process{IsRunning: s.running.Load(), IsPaused: s.paused.Load()}}
}

func TestSignalSleepStopsWithinOneStep(t *testing.T) {
	st := &scriptedState{}
	st.running.Store(true)
	sig := NewSignal(st)
	sig.Step = 10 * time.Millisecond

	go func() {
		time.Sleep(30 * time.Millisecond)
		st.running.Store(false)
	}()

	start := time.Now()
	err := sig.Sleep(context.Background(), 5*time.Second)
	assert.ErrorIs(t, err, ErrStopped)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSignalCheckBlocksWhilePaused(t *testing.T) {
	st := &scriptedState{}
	st.running.Store(true)
	st.paused.Store(true)
	sig := NewSignal(st)
	sig.PausePoll = 5 * time.Millisecond

	released := make(chan error, 1)
	go func() { released <- sig.Check(context.Background()) }()

	select {
	case <-released:
		t.Fatal("check returned while paused")
	case <-time.After(50 * time.Millisecond):
	}
	st.paused.Store(false)
	select {
	case err := <-released:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("check did not resume")
	}
	assert.Greater(t, st.reads.Load(), int32(2))
}

func TestSignalHonoursContext(t *testing.T) {
	st := &scriptedState{}
	st.running.Store(true)
	sig := NewSignal(st)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sig.Sleep(ctx, time.Second), context.Canceled)
}

func TestDelayRangePick(t *testing.T) {
	r := DelayRange{Min: 300 * time.Millisecond, Max: 900 * time.Millisecond}
	for i := 0; i < 100; i++ {
		d := r.Pick()
		assert.GreaterOrEqual(t, d, r.Min)
		assert.LessOrEqual(t, d, r.Max)
	}
	assert.Equal(t, time.Second, DelayRange{Min: time.Second}.Pick())
}
