package browser

import (
	"context"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/xpzouying/headless_browser"

	"github.com/xpzouying/tiktok-repost-cleaner/configs"
	"github.com/xpzouying/tiktok-repost-cleaner/content"
	"github.com/xpzouying/tiktok-repost-cleaner/dom"
	"github.com/xpzouying/tiktok-repost-cleaner/messaging"
	"github.com/xpzouying/tiktok-repost-cleaner/state"
)

var ErrUnknownTab = errors.New("browser: unknown tab")

// Listener 接收标签页生命周期事件。
type Listener interface {
	TabUpdated(ctx context.Context, tab messaging.TabID, url string, complete bool)
	TabRemoved(ctx context.Context, tab messaging.TabID)
}

type tab struct {
	page    *rod.Page
	url     string
	runtime *content.Runtime
	cancel  context.CancelFunc
}

// TabManager 管理唯一的自动化浏览器实例。它打开的每个页面都是总线上可寻址的标签页，
// Inject 会为其挂载内容运行时。
type TabManager struct {
	ctx       context.Context
	bus       *messaging.Bus
	selectors dom.SelectorSource
	host      string
	launch    func() *headless_browser.Browser
	content   []content.Option

	mu       sync.Mutex
	browser  *headless_browser.Browser
	rod      *rod.Browser
	tabs     map[messaging.TabID]*tab
	listener Listener
}

type TabOption func(*TabManager)

// WithLauncher 替换默认的浏览器创建函数。
func WithLauncher(fn func() *headless_browser.Browser) TabOption {
	return func(m *TabManager) { m.launch = fn }
}

func WithContentOptions(opts ...content.Option) TabOption {
	return func(m *TabManager) { m.content = append(m.content, opts...) }
}

func WithHost(host string) TabOption {
	return func(m *TabManager) {
		if host != "" {
			m.host = host
		}
	}
}

// NewTabManager 创建管理器。浏览器在第一次 OpenTab 时才启动，
// ctx 决定所有运行时和事件监听的生命周期。
func NewTabManager(ctx context.Context, bus *messaging.Bus, sel dom.SelectorSource, opts ...TabOption) *TabManager {
	m := &TabManager{
		ctx:       ctx,
		bus:       bus,
		selectors: sel,
		host:      state.DefaultTargetHost,
		tabs:      map[messaging.TabID]*tab{},
		launch: func() *headless_browser.Browser {
			return NewBrowser(configs.IsHeadless(),
				WithBinPath(configs.GetBinPath()),
				WithCookiesPath(configs.GetCookiesPath()),
			)
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetListener 设置标签页事件的接收方。后台服务在管理器之后创建，所以不作为构造参数。
func (m *TabManager) SetListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = l
}

func (m *TabManager) acquire() *headless_browser.Browser {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser == nil {
		logrus.Info("starting browser")
		m.browser = m.launch()
		logrus.Info("browser started")
	}
	return m.browser
}

func (m *TabManager) FindTab(ctx context.Context, host string) (messaging.TabID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tabs {
		if state.MatchesSite(t.url, host) {
			return id, true
		}
	}
	return "", false
}

func (m *TabManager) OpenTab(ctx context.Context, url string) (messaging.TabID, error) {
	page := m.acquire().NewPage()
	ConfigurePage(page)

	if err := page.Context(ctx).Navigate(url); err != nil {
		_ = page.Close()
		return "", errors.Wrapf(err, "navigate to %s", url)
	}
	if err := page.Context(ctx).WaitLoad(); err != nil {
		logrus.WithError(err).Warn("page load not confirmed")
	}

	id := messaging.TabID(page.TargetID)
	watchCtx, cancel := context.WithCancel(m.ctx)

	m.mu.Lock()
	m.tabs[id] = &tab{page: page, url: url, cancel: cancel}
	first := m.rod == nil
	if first {
		m.rod = page.Browser()
	}
	m.mu.Unlock()

	if first {
		m.watchTargets(page.Browser())
	}
	m.watchPage(watchCtx, id, page)
	logrus.WithFields(logrus.Fields{"tab": id, "url": url}).Info("tab opened")
	return id, nil
}

// Inject 为标签页挂载新的内容运行时，并替换旧的运行时。
func (m *TabManager) Inject(ctx context.Context, id messaging.TabID) error {
	m.mu.Lock()
	t, ok := m.tabs[id]
	var old *content.Runtime
	if ok {
		old, t.runtime = t.runtime, nil
	}
	m.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrUnknownTab, "inject %s", id)
	}
	if old != nil {
		old.Detach()
	}

	rt := content.Attach(m.ctx, m.bus, id, dom.NewRodDocument(t.page), m.selectors, m.content...)

	m.mu.Lock()
	t.runtime = rt
	m.mu.Unlock()
	return nil
}

// IsSiteTab 判断标签页当前是否在目标站点，用作后台路由器的广播过滤。
func (m *TabManager) IsSiteTab(id messaging.TabID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tabs[id]
	return ok && state.MatchesSite(t.url, m.host)
}

// Screenshot 截取标签页的可见区域。
func (m *TabManager) Screenshot(ctx context.Context, id messaging.TabID) ([]byte, error) {
	m.mu.Lock()
	t, ok := m.tabs[id]
	m.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTab, "screenshot %s", id)
	}
	data, err := t.page.Context(ctx).Screenshot(false, nil)
	return data, errors.Wrap(err, "screenshot")
}

// CloseTab 关闭页面，清理工作由 target 销毁事件完成。
func (m *TabManager) CloseTab(id messaging.TabID) error {
	m.mu.Lock()
	t, ok := m.tabs[id]
	m.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrUnknownTab, "close %s", id)
	}
	return errors.Wrap(t.page.Close(), "close page")
}

func (m *TabManager) watchTargets(b *rod.Browser) {
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		logrus.WithError(err).Warn("target discovery not enabled")
	}
	go b.Context(m.ctx).EachEvent(func(e *proto.TargetTargetDestroyed) {
		m.removed(messaging.TabID(e.TargetID))
	}, func(e *proto.TargetTargetCrashed) {
		logrus.WithField("tab", e.TargetID).Warn("tab crashed")
		m.removed(messaging.TabID(e.TargetID))
	})()
}

func (m *TabManager) watchPage(ctx context.Context, id messaging.TabID, page *rod.Page) {
	go page.Context(ctx).EachEvent(func(e *proto.PageFrameNavigated) {
		if e.Frame.ParentID == "" {
			m.updated(id, e.Frame.URL, false)
		}
	}, func(e *proto.PageNavigatedWithinDocument) {
		m.updated(id, e.URL, true)
	}, func(e *proto.PageLoadEventFired) {
		m.updated(id, "", true)
	})()
}

// updated 记录一次导航，url 为空时保留上次的地址。
func (m *TabManager) updated(id messaging.TabID, url string, complete bool) {
	m.mu.Lock()
	t, ok := m.tabs[id]
	if ok && url != "" {
		t.url = url
	}
	if ok {
		url = t.url
	}
	l := m.listener
	m.mu.Unlock()

	if ok && l != nil {
		l.TabUpdated(m.ctx, id, url, complete)
	}
}

func (m *TabManager) removed(id messaging.TabID) {
	m.mu.Lock()
	t, ok := m.tabs[id]
	delete(m.tabs, id)
	l := m.listener
	m.mu.Unlock()
	if !ok {
		return
	}

	logrus.WithField("tab", id).Info("tab closed")
	t.cancel()
	if l != nil {
		l.TabRemoved(m.ctx, id)
	}
	if t.runtime != nil {
		go t.runtime.Detach()
	}
}

// Close 保存 cookies，卸载所有运行时并关闭浏览器。
func (m *TabManager) Close() {
	m.mu.Lock()
	tabs := m.tabs
	m.tabs = map[messaging.TabID]*tab{}
	b := m.browser
	m.browser, m.rod = nil, nil
	m.mu.Unlock()

	saved := false
	for id, t := range tabs {
		if !saved {
			if err := SaveCookies(t.page, configs.GetCookiesPath()); err != nil {
				logrus.WithError(err).Warn("failed to save cookies")
			}
			saved = true
		}
		t.cancel()
		if t.runtime != nil {
			t.runtime.Detach()
		}
		logrus.WithField("tab", id).Debug("tab released")
	}
	if b != nil {
		logrus.Info("closing browser")
		b.Close()
	}
}
