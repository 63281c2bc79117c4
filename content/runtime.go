// Package content is the automation runtime attached to one browser tab. It
// owns the tab's router, its state replica and the cleanup workflow.
package content

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/xpzouying/tiktok-repost-cleaner/dom"
	"github.com/xpzouying/tiktok-repost-cleaner/messaging"
	"github.com/xpzouying/tiktok-repost-cleaner/state"
	"github.com/xpzouying/tiktok-repost-cleaner/tiktok"
)

// StartReply answers START_WORKFLOW.
type StartReply struct {
	Started bool   `json:"started"`
	Reason  string `json:"reason,omitempty"`
}

type Runtime struct {
	tab      messaging.TabID
	router   *messaging.Router
	store    *state.Store
	acc      *dom.Accessor
	workflow *tiktok.Workflow

	cancel context.CancelFunc
	runs   sync.WaitGroup
	once   sync.Once
}

type Option func(*config)

type config struct {
	workflow []tiktok.Option
	accessor func(*dom.Accessor)
}

// WithWorkflowOptions passes options through to the workflow.
func WithWorkflowOptions(opts ...tiktok.Option) Option {
	return func(c *config) { c.workflow = append(c.workflow, opts...) }
}

// WithAccessor lets callers tune the accessor, e.g. its poll intervals.
func WithAccessor(fn func(*dom.Accessor)) Option {
	return func(c *config) { c.accessor = fn }
}

// Attach builds the runtime for tab over doc and starts its router. The
// background must already be reachable on bus: the state replica seeds
// itself from it.
func Attach(ctx context.Context, bus *messaging.Bus, tab messaging.TabID, doc dom.Document, sel dom.SelectorSource, opts ...Option) *Runtime {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(ctx)
	router := messaging.NewRouter(bus, messaging.ToTab(tab))
	go func() {
		if err := router.Run(ctx); err != nil {
			logrus.WithError(err).WithField("tab", tab).Warn("content router stopped")
		}
	}()

	acc := dom.NewAccessor(doc, sel, router)
	if cfg.accessor != nil {
		cfg.accessor(acc)
	}
	store := state.NewStore(ctx, router)

	rt := &Runtime{
		tab:      tab,
		router:   router,
		store:    store,
		acc:      acc,
		workflow: tiktok.NewWorkflow(acc, sel, store, router, cfg.workflow...),
		cancel:   cancel,
	}
	router.On(messaging.TypeStartWorkflow, func(_ context.Context, msg messaging.Message) (any, error) {
		return rt.startWorkflow(ctx), nil
	})

	logrus.WithField("tab", tab).Info("content runtime attached")
	return rt
}

// startWorkflow launches the run off the router goroutine so the router keeps
// serving state pushes while the workflow waits on the page.
func (rt *Runtime) startWorkflow(ctx context.Context) StartReply {
	if rt.workflow.Active() {
		return StartReply{Started: false, Reason: "workflow already active"}
	}
	rt.runs.Add(1)
	go func() {
		defer rt.runs.Done()
		err := rt.workflow.Start(ctx)
		switch {
		case errors.Is(err, tiktok.ErrAlreadyRunning):
			logrus.WithField("tab", rt.tab).Info("duplicate start ignored")
		case err != nil:
			logrus.WithError(err).WithField("tab", rt.tab).Warn("workflow ended with error")
		}
	}()
	return StartReply{Started: true}
}

func (rt *Runtime) Tab() messaging.TabID       { return rt.tab }
func (rt *Runtime) Router() *messaging.Router  { return rt.router }
func (rt *Runtime) Store() *state.Store        { return rt.store }
func (rt *Runtime) Workflow() *tiktok.Workflow { return rt.workflow }
func (rt *Runtime) Accessor() *dom.Accessor    { return rt.acc }

// Detach cancels any run in progress, waits for it and stops the router.
func (rt *Runtime) Detach() {
	rt.once.Do(func() {
		rt.cancel()
		rt.runs.Wait()
		<-rt.router.Done()
		logrus.WithField("tab", rt.tab).Info("content runtime detached")
	})
}
