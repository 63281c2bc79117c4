// Package popup is the control-surface context: it keeps a bounded log of the
// events the other contexts report and sends control commands to the
// background.
package popup

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/xpzouying/tiktok-repost-cleaner/background"
	"github.com/xpzouying/tiktok-repost-cleaner/messaging"
	"github.com/xpzouying/tiktok-repost-cleaner/selectors"
	"github.com/xpzouying/tiktok-repost-cleaner/state"
)

const (
	DefaultLogSize = 200
	subscriberBuf  = 64
)

// Event is one entry of the popup log.
type Event struct {
	Seq     int64           `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Time    time.Time       `json:"time"`
}

// Decode unmarshals the payload into out.
func (e Event) Decode(out any) error {
	return errors.Wrapf(json.Unmarshal(e.Payload, out), "decode %s", e.Type)
}

// Terminal reports whether e ends a run.
func (e Event) Terminal() bool {
	switch e.Type {
	case messaging.TypeProcessComplete, messaging.TypeProcessError, messaging.TypeTabClosed:
		return true
	}
	return false
}

var logged = []string{
	messaging.TypeStatusUpdate,
	messaging.TypeProgressUpdate,
	messaging.TypeVideoRemoved,
	messaging.TypeVideoSkipped,
	messaging.TypeProcessComplete,
	messaging.TypeProcessError,
	messaging.TypeNoVideosFound,
	messaging.TypeLimitReached,
	messaging.TypeTabClosed,
	messaging.TypeSelectorTimeout,
}

type Popup struct {
	router *messaging.Router
	size   int

	mu    sync.Mutex
	log   []Event
	seq   int64
	state state.ProcessState
	subs  map[chan Event]struct{}
}

type Option func(*Popup)

// WithLogSize bounds the event log.
func WithLogSize(n int) Option {
	return func(p *Popup) {
		if n > 0 {
			p.size = n
		}
	}
}

// New attaches the popup router to bus. Call Run to start receiving.
func New(bus *messaging.Bus, opts ...Option) *Popup {
	p := &Popup{
		router: messaging.NewRouter(bus, messaging.ToPopup()),
		size:   DefaultLogSize,
		subs:   map[chan Event]struct{}{},
	}
	for _, opt := range opts {
		opt(p)
	}

	for _, typ := range logged {
		typ := typ
		p.router.On(typ, func(ctx context.Context, msg messaging.Message) (any, error) {
			p.record(typ, msg)
			return nil, nil
		})
	}
	p.router.On(messaging.TypeStateChanged, func(ctx context.Context, msg messaging.Message) (any, error) {
		var s state.ProcessState
		if err := msg.Decode(&s); err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.state = s
		p.mu.Unlock()
		p.fanout(Event{Type: messaging.TypeStateChanged, Payload: msg.Payload, Time: time.UnixMilli(msg.Timestamp)})
		return nil, nil
	})
	return p
}

func (p *Popup) Router() *messaging.Router { return p.router }

func (p *Popup) Run(ctx context.Context) error { return p.router.Run(ctx) }

func (p *Popup) record(typ string, msg messaging.Message) {
	p.mu.Lock()
	p.seq++
	ev := Event{Seq: p.seq, Type: typ, Payload: msg.Payload, Time: time.UnixMilli(msg.Timestamp)}
	p.log = append(p.log, ev)
	if over := len(p.log) - p.size; over > 0 {
		p.log = append(p.log[:0:0], p.log[over:]...)
	}
	p.mu.Unlock()

	logrus.WithField("type", typ).Debug("popup event")
	p.fanout(ev)
}

func (p *Popup) fanout(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ch := range p.subs {
		select {
		case ch <- ev:
		default:
			logrus.WithField("type", ev.Type).Warn("slow subscriber, event dropped")
		}
	}
}

// Events returns the logged events with Seq greater than since, oldest first.
func (p *Popup) Events(since int64) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, 0, len(p.log))
	for _, ev := range p.log {
		if ev.Seq > since {
			out = append(out, ev)
		}
	}
	return out
}

// LastState is the most recent STATE_CHANGED push.
func (p *Popup) LastState() state.ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Clone()
}

// Subscribe streams every event (including state pushes) until cancel is
// called.
func (p *Popup) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuf)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, ch)
			p.mu.Unlock()
			close(ch)
		})
	}
}

// Seq is the sequence number of the newest logged event.
func (p *Popup) Seq() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// Wait returns the first terminal event with Seq greater than since, looking
// at the log before blocking for new events. Take since from Seq before
// issuing the command whose outcome is awaited.
func (p *Popup) Wait(ctx context.Context, since int64) (Event, error) {
	ch, cancel := p.Subscribe()
	defer cancel()
	for _, ev := range p.Events(since) {
		if ev.Terminal() {
			return ev, nil
		}
	}
	for {
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case ev := <-ch:
			if ev.Seq > since && ev.Terminal() {
				return ev, nil
			}
		}
	}
}

func (p *Popup) Start(ctx context.Context) (background.StartReply, error) {
	var out background.StartReply
	err := p.router.Request(ctx, messaging.ToBackground(), messaging.TypeStartProcess, nil, &out)
	return out, err
}

func (p *Popup) TogglePause(ctx context.Context) (state.ProcessState, error) {
	return p.command(ctx, messaging.TypeTogglePause)
}

func (p *Popup) Stop(ctx context.Context) (state.ProcessState, error) {
	return p.command(ctx, messaging.TypeStopProcess)
}

func (p *Popup) Restart(ctx context.Context) (state.ProcessState, error) {
	return p.command(ctx, messaging.TypeRestartProcess)
}

// State reads the canonical state.
func (p *Popup) State(ctx context.Context) (state.ProcessState, error) {
	return p.command(ctx, messaging.TypeGetState)
}

func (p *Popup) ReloadSelectors(ctx context.Context) (selectors.ReloadReply, error) {
	var out selectors.ReloadReply
	err := p.router.Request(ctx, messaging.ToBackground(), messaging.TypeReloadSelectors, nil, &out)
	return out, err
}

func (p *Popup) command(ctx context.Context, typ string) (state.ProcessState, error) {
	var out state.ProcessState
	err := p.router.Request(ctx, messaging.ToBackground(), typ, nil, &out)
	return out, err
}
