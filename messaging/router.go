package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const DefaultSendTimeout = 30 * time.Second

// Handler handles one message type. The returned value becomes the reply data.
type Handler func(ctx context.Context, msg Message) (any, error)

// RemoteError is returned by Send when the receiving handler failed.
type RemoteError struct {
	Type    string
	Target  Target
	Message string
	// Code is set when the handler failed with a CodedError.
	Code string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s -> %s: %s", e.Type, e.Target, e.Message)
}

type envelope struct {
	msg   Message
	reply chan Reply
}

// Router dispatches the messages of one context. Messages are handled one at
// a time, in arrival order, by the goroutine running Run.
type Router struct {
	self        Target
	bus         *Bus
	sendTimeout time.Duration
	tabFilter   func(TabID) bool

	mu       sync.RWMutex
	handlers map[string]Handler

	qmu    sync.Mutex
	queue  []envelope
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

type RouterOption func(*Router)

// WithTabFilter restricts background broadcasts to tabs accepted by f.
func WithTabFilter(f func(TabID) bool) RouterOption {
	return func(r *Router) {
		r.tabFilter = f
	}
}

func WithSendTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.sendTimeout = d
		}
	}
}

// NewRouter creates a router for self and attaches it to bus. Deliveries
// queue up until Run is called.
func NewRouter(bus *Bus, self Target, opts ...RouterOption) *Router {
	r := &Router{
		self:        self,
		bus:         bus,
		sendTimeout: DefaultSendTimeout,
		handlers:    make(map[string]Handler),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	bus.Attach(self, r)
	return r
}

func (r *Router) Self() Target { return r.self }

// On registers h for msgType. A second registration replaces the first.
func (r *Router) On(msgType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[NormalizeType(msgType)] = h
}

func (r *Router) Off(msgType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, NormalizeType(msgType))
}

func (r *Router) handler(msgType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[NormalizeType(msgType)]
	return h, ok
}

// Deliver implements Endpoint.
func (r *Router) Deliver(ctx context.Context, msg Message) (Reply, error) {
	ch := make(chan Reply, 1)
	if err := r.enqueue(envelope{msg: msg, reply: ch}); err != nil {
		return Reply{}, err
	}
	select {
	case rep := <-ch:
		return rep, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case <-r.done:
		return Reply{}, ErrClosed
	}
}

// Notify implements Endpoint.
func (r *Router) Notify(msg Message) error {
	return r.enqueue(envelope{msg: msg})
}

func (r *Router) enqueue(env envelope) error {
	r.qmu.Lock()
	if r.closed {
		r.qmu.Unlock()
		return ErrClosed
	}
	r.queue = append(r.queue, env)
	r.qmu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

func (r *Router) next() (envelope, bool) {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	if len(r.queue) == 0 {
		return envelope{}, false
	}
	env := r.queue[0]
	r.queue[0] = envelope{}
	r.queue = r.queue[1:]
	return env, true
}

// Run dispatches queued messages until ctx is done, then detaches the router
// from the bus. Pending direct sends fail with ErrClosed.
func (r *Router) Run(ctx context.Context) error {
	defer r.close()
	for {
		for {
			env, ok := r.next()
			if !ok {
				break
			}
			rep := r.invoke(ctx, env.msg)
			if env.reply != nil {
				env.reply <- rep
			}
			if ctx.Err() != nil {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-r.wake:
		}
	}
}

// Done is closed once Run has returned.
func (r *Router) Done() <-chan struct{} { return r.done }

func (r *Router) close() {
	r.qmu.Lock()
	if r.closed {
		r.qmu.Unlock()
		return
	}
	r.closed = true
	r.queue = nil
	r.qmu.Unlock()
	r.bus.Detach(r.self, r)
	close(r.done)
}

func (r *Router) invoke(ctx context.Context, msg Message) (rep Reply) {
	defer func() {
		if p := recover(); p != nil {
			logrus.WithFields(logrus.Fields{
				"context": r.self.String(),
				"type":    msg.Type,
			}).Errorf("message handler panicked: %v", p)
			rep = Reply{Success: false, Error: fmt.Sprintf("handler panic: %v", p)}
		}
	}()

	if NormalizeType(msg.Type) == TypePing {
		data, _ := json.Marshal(PongReply)
		return Reply{Success: true, Data: data}
	}

	h, ok := r.handler(msg.Type)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"context": r.self.String(),
			"type":    msg.Type,
		}).Debug("no handler registered")
		return Reply{Success: false, Error: "unknown message type: " + msg.Type}
	}

	out, err := h(ctx, msg)
	if err != nil {
		return Reply{Success: false, Error: err.Error(), Code: ErrorCode(err)}
	}
	data, err := encode(out)
	if err != nil {
		return Reply{Success: false, Error: errors.Wrap(err, "encode reply").Error()}
	}
	return Reply{Success: true, Data: data}
}

// Send delivers a message to target and waits for the handler's reply data.
// When ctx carries no deadline the router's send timeout applies.
func (r *Router) Send(ctx context.Context, target Target, msgType string, payload any) (json.RawMessage, error) {
	msg, err := newMessage(r.self, msgType, payload)
	if err != nil {
		return nil, err
	}
	ep, ok := r.bus.Lookup(target)
	if !ok {
		return nil, errors.Wrapf(ErrNoReceiver, "%s -> %s", msg.Type, target)
	}
	if _, has := ctx.Deadline(); !has {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.sendTimeout)
		defer cancel()
	}

	rep, err := ep.Deliver(ctx, msg)
	if err != nil {
		return nil, errors.Wrapf(err, "deliver %s to %s", msg.Type, target)
	}
	if !rep.Success {
		return nil, &RemoteError{Type: msg.Type, Target: target, Message: rep.Error, Code: rep.Code}
	}
	return rep.Data, nil
}

// Request is Send followed by decoding the reply data into out.
func (r *Router) Request(ctx context.Context, target Target, msgType string, payload, out any) error {
	data, err := r.Send(ctx, target, msgType, payload)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(data, out), "decode %s reply", NormalizeType(msgType))
}

// Post delivers a message to target without waiting for a reply.
func (r *Router) Post(target Target, msgType string, payload any) error {
	msg, err := newMessage(r.self, msgType, payload)
	if err != nil {
		return err
	}
	ep, ok := r.bus.Lookup(target)
	if !ok {
		return errors.Wrapf(ErrNoReceiver, "%s -> %s", msg.Type, target)
	}
	return ep.Notify(msg)
}

// Ping reports whether target answers PING with the fixed acknowledgment.
func (r *Router) Ping(ctx context.Context, target Target) bool {
	var ack string
	if err := r.Request(ctx, target, TypePing, nil, &ack); err != nil {
		return false
	}
	return ack == PongReply
}

// Broadcast posts to the popup and, from the background context, to every
// attached tab the tab filter accepts. Delivery failures are swallowed.
func (r *Router) Broadcast(msgType string, payload any) {
	raw, err := encode(payload)
	if err != nil {
		logrus.WithError(err).Warnf("broadcast %s: encode payload", msgType)
		return
	}
	if r.self.Context != Popup {
		if err := r.Post(ToPopup(), msgType, raw); err != nil {
			logrus.WithError(err).Debugf("broadcast %s to popup dropped", msgType)
		}
	}
	if r.self.Context != Background {
		return
	}
	for _, tab := range r.bus.Tabs() {
		if r.tabFilter != nil && !r.tabFilter(tab) {
			continue
		}
		if err := r.Post(ToTab(tab), msgType, raw); err != nil {
			logrus.WithError(err).Debugf("broadcast %s to tab %s dropped", msgType, tab)
		}
	}
}
