package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startRouter(t *testing.T, r *Router) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-r.Done()
	})
}

func TestNormalizeType(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"STATE_CHANGED", "STATE_CHANGED"},
		{"stateChanged", "STATE_CHANGED"},
		{"state-changed", "STATE_CHANGED"},
		{"state.changed", "STATE_CHANGED"},
		{" ping ", "PING"},
		{"videoRemoved", "VIDEO_REMOVED"},
		{"update__state", "UPDATE_STATE"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeType(tt.in))
		})
	}
}

func TestRouterSendReply(t *testing.T) {
	bus := NewBus()
	bg := NewRouter(bus, ToBackground())
	popup := NewRouter(bus, ToPopup())
	startRouter(t, bg)
	startRouter(t, popup)

	bg.On("getState", func(ctx context.Context, msg Message) (any, error) {
		var in struct{ N int }
		require.NoError(t, msg.Decode(&in))
		return map[string]int{"double": in.N * 2}, nil
	})

	var out map[string]int
	err := popup.Request(context.Background(), ToBackground(), "GET_STATE", struct{ N int }{N: 21}, &out)
	require.NoError(t, err)
	assert.Equal(t, 42, out["double"])
}

func TestRouterReRegistrationReplaces(t *testing.T) {
	bus := NewBus()
	bg := NewRouter(bus, ToBackground())
	popup := NewRouter(bus, ToPopup())
	startRouter(t, bg)
	startRouter(t, popup)

	bg.On(TypeGetState, func(context.Context, Message) (any, error) { return "first", nil })
	bg.On("get-state", func(context.Context, Message) (any, error) { return "second", nil })

	var out string
	require.NoError(t, popup.Request(context.Background(), ToBackground(), TypeGetState, nil, &out))
	assert.Equal(t, "second", out)
}

func TestRouterHandlerErrorsBecomeFailureReplies(t *testing.T) {
	bus := NewBus()
	bg := NewRouter(bus, ToBackground())
	popup := NewRouter(bus, ToPopup())
	startRouter(t, bg)
	startRouter(t, popup)

	bg.On("boom", func(context.Context, Message) (any, error) { return nil, errors.New("bad input") })
	bg.On("panic", func(context.Context, Message) (any, error) { panic("kaboom") })

	_, err := popup.Send(context.Background(), ToBackground(), "boom", nil)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "bad input", remote.Message)

	_, err = popup.Send(context.Background(), ToBackground(), "panic", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	// the router keeps serving after a panic
	assert.True(t, popup.Ping(context.Background(), ToBackground()))
}

func TestRouterCarriesErrorCodes(t *testing.T) {
	bus := NewBus()
	bg := NewRouter(bus, ToBackground())
	popup := NewRouter(bus, ToPopup())
	startRouter(t, bg)
	startRouter(t, popup)

	busy := NewCodedError(CodeAlreadyRunning, "busy")
	bg.On("coded", func(context.Context, Message) (any, error) { return nil, errors.Wrap(busy, "start") })
	bg.On("plain", func(context.Context, Message) (any, error) { return nil, errors.New("busy") })

	_, err := popup.Send(context.Background(), ToBackground(), "coded", nil)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "start: busy", remote.Message)
	assert.Equal(t, CodeAlreadyRunning, remote.Code)
	assert.Equal(t, CodeAlreadyRunning, ErrorCode(err))

	_, err = popup.Send(context.Background(), ToBackground(), "plain", nil)
	require.Error(t, err)
	assert.Empty(t, ErrorCode(err))

	assert.Equal(t, CodeNotRunning, ErrorCode(NewCodedError(CodeNotRunning, "idle")))
}

func TestRouterPingAlwaysAnswered(t *testing.T) {
	bus := NewBus()
	tab := NewRouter(bus, ToTab("t1"))
	bg := NewRouter(bus, ToBackground())
	startRouter(t, tab)
	startRouter(t, bg)

	tab.On(TypePing, func(context.Context, Message) (any, error) { return "nope", nil })
	assert.True(t, bg.Ping(context.Background(), ToTab("t1")))
	assert.False(t, bg.Ping(context.Background(), ToTab("missing")))
}

func TestRouterNoReceiver(t *testing.T) {
	bus := NewBus()
	bg := NewRouter(bus, ToBackground())
	startRouter(t, bg)

	_, err := bg.Send(context.Background(), ToTab("gone"), TypePing, nil)
	assert.True(t, errors.Is(err, ErrNoReceiver))
	assert.True(t, errors.Is(bg.Post(ToPopup(), TypeStatusUpdate, nil), ErrNoReceiver))
}

func TestRouterHandlesInArrivalOrder(t *testing.T) {
	bus := NewBus()
	popup := NewRouter(bus, ToPopup())
	bg := NewRouter(bus, ToBackground())

	var (
		mu   sync.Mutex
		seen []int
		wg   sync.WaitGroup
	)
	wg.Add(50)
	popup.On(TypeProgressUpdate, func(ctx context.Context, msg Message) (any, error) {
		var ev ProgressEvent
		_ = msg.Decode(&ev)
		mu.Lock()
		seen = append(seen, ev.Current)
		mu.Unlock()
		wg.Done()
		return nil, nil
	})

	for i := 0; i < 50; i++ {
		require.NoError(t, bg.Post(ToPopup(), TypeProgressUpdate, ProgressEvent{Current: i}))
	}
	startRouter(t, popup)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i, v := range seen {
		assert.Equal(t, i, v)
	}
}

func TestBroadcastFromBackgroundFansOutToMatchingTabs(t *testing.T) {
	bus := NewBus()
	bg := NewRouter(bus, ToBackground(), WithTabFilter(func(tab TabID) bool { return tab != "other" }))
	popup := NewRouter(bus, ToPopup())
	t1 := NewRouter(bus, ToTab("t1"))
	other := NewRouter(bus, ToTab("other"))

	got := make(chan Target, 4)
	record := func(self Target) Handler {
		return func(context.Context, Message) (any, error) {
			got <- self
			return nil, nil
		}
	}
	for _, r := range []*Router{popup, t1, other} {
		r.On(TypeStateChanged, record(r.Self()))
		startRouter(t, r)
	}
	startRouter(t, bg)

	bg.Broadcast(TypeStateChanged, map[string]bool{"ok": true})

	received := map[Target]bool{}
	timeout := time.After(2 * time.Second)
	for len(received) < 2 {
		select {
		case tgt := <-got:
			received[tgt] = true
		case <-timeout:
			t.Fatalf("broadcast not delivered, got %v", received)
		}
	}
	assert.True(t, received[ToPopup()])
	assert.True(t, received[ToTab("t1")])

	select {
	case tgt := <-got:
		t.Fatalf("unexpected delivery to %s", tgt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcastFromContentOnlyReachesPopup(t *testing.T) {
	bus := NewBus()
	content := NewRouter(bus, ToTab("t1"))
	popup := NewRouter(bus, ToPopup())
	got := make(chan string, 1)
	popup.On(TypeStatusUpdate, func(ctx context.Context, msg Message) (any, error) {
		var ev StatusEvent
		_ = msg.Decode(&ev)
		got <- ev.Message
		return nil, nil
	})
	startRouter(t, content)
	startRouter(t, popup)

	content.Broadcast("statusUpdate", StatusEvent{Message: "hello", Kind: StatusInfo})
	select {
	case m := <-got:
		assert.Equal(t, "hello", m)
	case <-time.After(2 * time.Second):
		t.Fatal("status not delivered")
	}
}

func TestSendToStoppedRouterFails(t *testing.T) {
	bus := NewBus()
	bg := NewRouter(bus, ToBackground())
	tab := NewRouter(bus, ToTab("t1"))
	startRouter(t, bg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = tab.Run(ctx) }()
	cancel()
	<-tab.Done()

	_, err := bg.Send(context.Background(), ToTab("t1"), TypePing, nil)
	assert.True(t, errors.Is(err, ErrNoReceiver))
}
