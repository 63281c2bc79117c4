// Package app wires the cleaner's contexts together: the background (state
// owner, tab control), one content runtime per target tab and the popup.
package app

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/xpzouying/tiktok-repost-cleaner/background"
	"github.com/xpzouying/tiktok-repost-cleaner/browser"
	"github.com/xpzouying/tiktok-repost-cleaner/configs"
	"github.com/xpzouying/tiktok-repost-cleaner/content"
	"github.com/xpzouying/tiktok-repost-cleaner/messaging"
	"github.com/xpzouying/tiktok-repost-cleaner/popup"
	"github.com/xpzouying/tiktok-repost-cleaner/quota"
	"github.com/xpzouying/tiktok-repost-cleaner/selectors"
	"github.com/xpzouying/tiktok-repost-cleaner/state"
	"github.com/xpzouying/tiktok-repost-cleaner/storage"
	"github.com/xpzouying/tiktok-repost-cleaner/tiktok"
)

var ErrNoTarget = errors.New("app: no target tab")

// Browser is the tab host the background drives.
type Browser interface {
	background.Tabs
	SetListener(l browser.Listener)
	IsSiteTab(tab messaging.TabID) bool
	Screenshot(ctx context.Context, tab messaging.TabID) ([]byte, error)
	Close()
}

// BrowserFactory builds the Browser. contentOpts configure every runtime the
// browser injects.
type BrowserFactory func(ctx context.Context, bus *messaging.Bus, sel *selectors.Config, contentOpts []content.Option) Browser

type App struct {
	cfg configs.Config

	bus        *messaging.Bus
	bgRouter   *messaging.Router
	store      storage.Store
	manager    *state.Manager
	selectors  *selectors.Config
	quota      quota.Provider
	browser    Browser
	background *background.Service
	popup      *popup.Popup
}

type Option func(*options)

type options struct {
	browser     BrowserFactory
	store       storage.Store
	quota       quota.Provider
	contentOpts []content.Option
}

func WithBrowser(f BrowserFactory) Option {
	return func(o *options) { o.browser = f }
}

// WithStore uses s instead of opening the configured backend.
func WithStore(s storage.Store) Option {
	return func(o *options) { o.store = s }
}

func WithQuota(p quota.Provider) Option {
	return func(o *options) { o.quota = p }
}

// WithContentOptions adds options for every content runtime.
func WithContentOptions(opts ...content.Option) Option {
	return func(o *options) { o.contentOpts = append(o.contentOpts, opts...) }
}

// New builds every context. Nothing receives messages until Run.
func New(ctx context.Context, cfg configs.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.browser == nil {
		o.browser = func(ctx context.Context, bus *messaging.Bus, sel *selectors.Config, contentOpts []content.Option) Browser {
			return browser.NewTabManager(ctx, bus, sel,
				browser.WithHost(cfg.Browser.TargetHost),
				browser.WithContentOptions(contentOpts...),
			)
		}
	}

	a := &App{cfg: cfg, bus: messaging.NewBus()}

	if o.store == nil {
		s, err := storage.Open(cfg.Storage.Backend, cfg.Storage.Path)
		if err != nil {
			return nil, errors.Wrap(err, "open storage")
		}
		o.store = s
	}
	a.store = o.store

	a.bgRouter = messaging.NewRouter(a.bus, messaging.ToBackground(), messaging.WithTabFilter(a.isSiteTab))
	a.manager = state.NewManager(ctx, a.store, a.bgRouter, state.WithTargetHost(cfg.Browser.TargetHost))

	sel, err := selectors.Load(ctx, a.store,
		selectors.WithRemoteURL(cfg.Selectors.RemoteURL),
		selectors.WithOverrideFile(cfg.Selectors.OverrideFile),
	)
	if err != nil {
		a.store.Close()
		return nil, errors.Wrap(err, "load selectors")
	}
	sel.Register(a.bgRouter)
	a.selectors = sel

	a.quota = o.quota
	if a.quota == nil {
		a.quota = newQuota(cfg.Quota)
	}

	wf := tiktok.DefaultConfig()
	if cfg.Workflow.BatchSize > 0 {
		wf.BatchSize = cfg.Workflow.BatchSize
	}
	contentOpts := append([]content.Option{
		content.WithWorkflowOptions(tiktok.WithConfig(wf), tiktok.WithQuota(a.quota)),
	}, o.contentOpts...)

	a.browser = o.browser(ctx, a.bus, sel, contentOpts)
	a.background = background.New(ctx, a.bgRouter, a.manager, a.browser,
		background.WithStartURL(cfg.Browser.StartURL),
		background.WithTargetHost(cfg.Browser.TargetHost),
	)
	a.browser.SetListener(a.background)
	a.popup = popup.New(a.bus)
	return a, nil
}

func newQuota(cfg configs.QuotaConfig) quota.Provider {
	if cfg.URL == "" {
		logrus.Info("no quota service configured, runs are unlimited")
		return quota.Static(quota.Unlimited())
	}
	return quota.NewHTTPProvider(cfg.URL, quota.WithToken(cfg.Token), quota.WithCacheTTL(cfg.CacheTTL))
}

func (a *App) isSiteTab(tab messaging.TabID) bool {
	return a.browser != nil && a.browser.IsSiteTab(tab)
}

// Run serves every context until ctx is done, then persists and shuts the
// browser down.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.bgRouter.Run(ctx) })
	g.Go(func() error { return a.popup.Run(ctx) })
	g.Go(func() error { return a.manager.Run(ctx) })

	if a.cfg.Selectors.Watch && a.cfg.Selectors.OverrideFile != "" {
		w, err := a.selectors.Watch(ctx)
		if err != nil {
			logrus.WithError(err).Warn("selector hot reload disabled")
		} else {
			g.Go(func() error {
				<-ctx.Done()
				w.Stop()
				return nil
			})
		}
	}

	logrus.Info("repost cleaner ready")
	return g.Wait()
}

func (a *App) close() {
	a.browser.Close()
	if err := a.store.Close(); err != nil {
		logrus.WithError(err).Warn("failed to close storage")
	}
}

func (a *App) Popup() *popup.Popup             { return a.popup }
func (a *App) Manager() *state.Manager         { return a.manager }
func (a *App) Selectors() *selectors.Config    { return a.selectors }
func (a *App) Background() *background.Service { return a.background }

// Screenshot captures the current target tab.
func (a *App) Screenshot(ctx context.Context) ([]byte, error) {
	tab := a.manager.Snapshot().Process.TargetTab
	if tab == "" {
		return nil, ErrNoTarget
	}
	return a.browser.Screenshot(ctx, tab)
}
