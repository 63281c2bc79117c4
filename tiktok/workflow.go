// Package tiktok drives the repost cleanup on a TikTok page: it navigates to
// the profile, loads the repost list and walks the detail view removing every
// active repost.
package tiktok

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/xpzouying/tiktok-repost-cleaner/dom"
	"github.com/xpzouying/tiktok-repost-cleaner/messaging"
	"github.com/xpzouying/tiktok-repost-cleaner/quota"
	"github.com/xpzouying/tiktok-repost-cleaner/state"
)

// Selector keys.
const (
	KeyProfileButton     = "navigation.profileButton"
	KeyRepostTab         = "profile.repostTab"
	KeyTabs              = "profile.tabs"
	KeyRepostTabText     = "profile.repostTabText"
	KeyVideoList         = "profile.videoList"
	KeyVideoItem         = "profile.videoItem"
	KeyRepostButton      = "video.repostButton"
	KeyRepostedAttribute = "video.repostedAttribute"
	KeyRepostedIcon      = "video.repostedIcon"
	KeyDefaultTextColors = "video.defaultTextColors"
	KeyNextButton        = "video.nextButton"
	KeyCloseButton       = "video.closeButton"
	KeyTitle             = "video.title"
	KeyAuthor            = "video.author"
)

type Phase string

const (
	PhaseIdle                Phase = "idle"
	PhaseNavigatingToProfile Phase = "navigating_to_profile"
	PhaseLoadingRepostList   Phase = "loading_repost_list"
	PhaseOpeningFirstItem    Phase = "opening_first_item"
	PhaseProcessingQueue     Phase = "processing_queue"
	PhaseFinishing           Phase = "finishing"
	PhaseError               Phase = "error"
)

var ErrAlreadyRunning = errors.New("tiktok: workflow already running")

// StateStore is the state replica the workflow reports through.
type StateStore interface {
	StateReader
	StartProcess(ctx context.Context) error
	StopProcess(ctx context.Context) error
	SetTotal(ctx context.Context, total int) error
	SetCurrentVideo(ctx context.Context, item state.CurrentItem) error
	IncrementRemoved(ctx context.Context, item state.RemovedItem) error
	IncrementSkipped(ctx context.Context) error
	Duration() time.Duration
}

// Indicator shows that a run owns the page.
type Indicator interface {
	Show()
	Hide()
}

type Config struct {
	BatchSize int

	ProfileTimeout    time.Duration
	ListTimeout       time.Duration
	DetailTimeout     time.Duration
	ActionTimeout     time.Duration
	RenavigateTimeout time.Duration

	RemovalDelay DelayRange
	ItemDelay    DelayRange
	ShortBreak   DelayRange
	LongBreak    DelayRange

	ShortBreakEvery int
	LongBreakEvery  int
}

func DefaultConfig() Config {
	return Config{
		BatchSize:         quota.DefaultBatch,
		ProfileTimeout:    7 * time.Second,
		ListTimeout:       15 * time.Second,
		DetailTimeout:     7 * time.Second,
		ActionTimeout:     5 * time.Second,
		RenavigateTimeout: 5 * time.Second,
		RemovalDelay:      DelayRange{Min: 200 * time.Millisecond, Max: 400 * time.Millisecond},
		ItemDelay:         DelayRange{Min: 300 * time.Millisecond, Max: 900 * time.Millisecond},
		ShortBreak:        DelayRange{Min: 700 * time.Millisecond, Max: 1500 * time.Millisecond},
		LongBreak:         DelayRange{Min: 1500 * time.Millisecond, Max: 4 * time.Second},
		ShortBreakEvery:   10,
		LongBreakEvery:    35,
	}
}

// Workflow runs one cleanup at a time on one page.
type Workflow struct {
	acc       *dom.Accessor
	sel       dom.SelectorSource
	store     StateStore
	events    dom.Reporter
	quota     quota.Provider
	indicator Indicator
	detector  RepostDetector
	cfg       Config
	signal    *Signal

	active atomic.Bool

	mu    sync.Mutex
	phase Phase
}

type Option func(*Workflow)

func WithConfig(cfg Config) Option {
	return func(w *Workflow) { w.cfg = cfg }
}

func WithQuota(p quota.Provider) Option {
	return func(w *Workflow) { w.quota = p }
}

func WithIndicator(i Indicator) Option {
	return func(w *Workflow) { w.indicator = i }
}

func WithDetector(d RepostDetector) Option {
	return func(w *Workflow) { w.detector = d }
}

// WithSignal replaces the cancellation token, mostly to shorten its polling.
func WithSignal(s *Signal) Option {
	return func(w *Workflow) { w.signal = s }
}

func NewWorkflow(acc *dom.Accessor, sel dom.SelectorSource, store StateStore, events dom.Reporter, opts ...Option) *Workflow {
	w := &Workflow{
		acc:    acc,
		sel:    sel,
		store:  store,
		events: events,
		cfg:    DefaultConfig(),
		phase:  PhaseIdle,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.quota == nil {
		w.quota = quota.Static(quota.Unlimited())
	}
	if w.indicator == nil {
		w.indicator = dom.NewBorderIndicator(acc.Document())
	}
	if w.detector == nil {
		w.detector = NewSignalDetector(acc, sel)
	}
	if w.signal == nil {
		w.signal = NewSignal(store)
	}
	return w
}

// Active reports whether Start is currently executing.
func (w *Workflow) Active() bool { return w.active.Load() }

func (w *Workflow) Phase() Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

func (w *Workflow) setPhase(p Phase) {
	w.mu.Lock()
	w.phase = p
	w.mu.Unlock()
	logrus.WithField("phase", p).Debug("workflow phase")
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeLimit
	outcomeEmpty
	outcomeStopped
)

type runResult struct {
	outcome outcome
	removed int
	total   int
}

// Start runs a whole cleanup and returns when it is over. A stop request is
// not an error. It returns ErrAlreadyRunning without touching any state when
// a run is active.
func (w *Workflow) Start(ctx context.Context) (err error) {
	if !w.active.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer w.active.Store(false)

	if w.store.GetState(ctx, true).Process.IsRunning {
		logrus.Info("start ignored, a run is already active")
		return ErrAlreadyRunning
	}
	if err := w.store.StartProcess(ctx); err != nil {
		return errors.Wrap(err, "start process")
	}

	logrus.Info("repost cleanup started")
	w.status("Starting repost cleanup", messaging.StatusInfo)
	w.indicator.Show()

	res := &runResult{}
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("workflow panic: %v", p)
		}
		w.finish(ctx, res, err)
		if errors.Is(err, ErrStopped) {
			err = nil
		}
	}()
	return w.run(ctx, res)
}

func (w *Workflow) run(ctx context.Context, res *runResult) error {
	w.setPhase(PhaseNavigatingToProfile)
	if err := w.navigateToProfile(ctx); err != nil {
		return err
	}

	w.setPhase(PhaseLoadingRepostList)
	limit, err := w.loadRepostList(ctx, res)
	if err != nil || res.outcome != outcomeDone {
		return err
	}

	w.setPhase(PhaseOpeningFirstItem)
	if err := w.openFirstItem(ctx); err != nil {
		return err
	}

	w.setPhase(PhaseProcessingQueue)
	return w.processQueue(ctx, res, limit)
}

func (w *Workflow) navigateToProfile(ctx context.Context) error {
	if w.repostTab() != nil {
		logrus.Debug("already on the profile page")
		return nil
	}
	w.status("Opening your profile", messaging.StatusWaiting)
	if !w.acc.Click(ctx, KeyProfileButton, w.cfg.ProfileTimeout) {
		return errors.New("cannot find profile, are you logged in?")
	}
	if w.acc.WaitForElement(ctx, KeyRepostTab, w.cfg.ProfileTimeout) == nil && w.repostTab() == nil {
		return errors.New("cannot find profile, are you logged in?")
	}
	return ctx.Err()
}

func (w *Workflow) repostTab() dom.Element {
	if el := w.acc.FindElement(KeyRepostTab, nil); el != nil {
		return el
	}
	return w.acc.FindByText(KeyTabs, w.label(KeyRepostTabText), false)
}

// label returns the first entry of a text-valued selector key.
func (w *Workflow) label(key string) string {
	if c := w.sel.Candidates(key); len(c) > 0 {
		return c[0]
	}
	return ""
}

func (w *Workflow) clickRepostTab() error {
	tab := w.repostTab()
	if tab == nil {
		return errors.New("cannot find the reposts tab")
	}
	return errors.Wrap(tab.Click(), "click reposts tab")
}

// loadRepostList opens the reposts tab and scroll-loads the first batch. It
// returns how many removals the quota allows for the run.
func (w *Workflow) loadRepostList(ctx context.Context, res *runResult) (int, error) {
	w.status("Opening reposts", messaging.StatusWaiting)
	if err := w.clickRepostTab(); err != nil {
		return 0, err
	}
	if w.acc.WaitForElement(ctx, KeyVideoList, w.cfg.ListTimeout) == nil {
		return 0, errors.New("repost list did not load")
	}

	snap := w.quota.Snapshot(ctx)
	limit := snap.Allowance()
	if limit == 0 {
		w.limitReached(0)
		res.outcome = outcomeLimit
		return 0, nil
	}

	w.status("Loading reposts", messaging.StatusWaiting)
	total := w.acc.AutoScrollToBottom(ctx, KeyVideoItem, quota.Cap(snap, w.cfg.BatchSize), func(count int, final bool) {
		phase := messaging.PhaseFirst
		if final {
			phase = messaging.PhaseFinal
		}
		w.emit(messaging.TypeProgressUpdate, messaging.ProgressEvent{Current: count, Total: count, Phase: phase})
	})
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	res.total = total
	w.logStateErr(w.store.SetTotal(ctx, total), "set total")

	if total == 0 {
		w.emit(messaging.TypeNoVideosFound, messaging.StatusEvent{Message: "No reposts found", Kind: messaging.StatusWarning})
		w.status("No reposts found", messaging.StatusWarning)
		res.outcome = outcomeEmpty
		return limit, nil
	}
	w.status(fmt.Sprintf("Found %d reposts", total), messaging.StatusInfo)
	return limit, nil
}

func (w *Workflow) openFirstItem(ctx context.Context) error {
	if !w.acc.Click(ctx, KeyVideoItem, w.cfg.ListTimeout) {
		return errors.New("cannot open the first repost")
	}
	if w.acc.WaitForElement(ctx, KeyRepostButton, w.cfg.DetailTimeout) == nil {
		return errors.New("video view did not load")
	}
	return nil
}

func (w *Workflow) processQueue(ctx context.Context, res *runResult, limit int) error {
	defer w.closeDetail()

	cursor := 0
	for {
		if err := w.signal.Check(ctx); err != nil {
			return err
		}

		if cursor >= res.total {
			w.loadMore(ctx, res)
		}

		if res.removed >= limit {
			w.limitReached(res.removed)
			res.outcome = outcomeLimit
			return nil
		}

		cursor++
		if cursor > res.total {
			res.total = cursor
			w.logStateErr(w.store.SetTotal(ctx, res.total), "set total")
		}
		w.status(fmt.Sprintf("Processing video %d of %d", cursor, res.total), messaging.StatusInfo)
		w.emit(messaging.TypeProgressUpdate, messaging.ProgressEvent{Current: cursor, Total: res.total, Phase: messaging.PhaseBatch})

		if err := w.handleItem(ctx, cursor, res); err != nil {
			return err
		}

		next := w.acc.FindElement(KeyNextButton, nil)
		if next == nil {
			logrus.WithField("cursor", cursor).Info("no next control, end of list")
			return nil
		}
		if enabled, err := next.Enabled(); err != nil || !enabled {
			logrus.WithField("cursor", cursor).Info("next control disabled, end of list")
			return nil
		}
		if err := next.Click(); err != nil {
			logrus.WithError(err).Warn("next click failed, stopping here")
			return nil
		}
		if err := w.signal.Sleep(ctx, w.itemDelay(cursor)); err != nil {
			return err
		}
	}
}

func (w *Workflow) loadMore(ctx context.Context, res *runResult) {
	target := res.total + w.cfg.BatchSize
	n := w.acc.AutoScrollToBottom(ctx, KeyVideoItem, target, func(count int, final bool) {
		if count > res.total {
			w.emit(messaging.TypeProgressUpdate, messaging.ProgressEvent{Current: res.total, Total: count, Phase: messaging.PhaseBatch})
		}
	})
	if n > res.total {
		logrus.WithFields(logrus.Fields{"from": res.total, "to": n}).Info("loaded another batch")
		res.total = n
		w.logStateErr(w.store.SetTotal(ctx, n), "set total")
	}
}

func (w *Workflow) handleItem(ctx context.Context, cursor int, res *runResult) error {
	meta := w.readMetadata()
	w.logStateErr(w.store.SetCurrentVideo(ctx, state.CurrentItem{
		Index:  cursor,
		Title:  meta.Title,
		Author: meta.Author,
		URL:    meta.URL,
	}), "set current video")

	button := w.acc.WaitForElement(ctx, KeyRepostButton, w.cfg.ActionTimeout)
	// a pause issued during the wait holds here, before anything is clicked
	if err := w.signal.Check(ctx); err != nil {
		return err
	}
	if button == nil {
		w.skip(ctx, meta, "action button not found")
		return nil
	}

	reposted, via := w.detector.IsReposted(button)
	if !reposted {
		w.skip(ctx, meta, "not reposted")
		return nil
	}
	if err := button.Click(); err != nil {
		w.skip(ctx, meta, "remove click failed")
		return nil
	}

	res.removed++
	w.logStateErr(w.store.IncrementRemoved(ctx, state.RemovedItem{
		Title:     meta.Title,
		Author:    meta.Author,
		URL:       meta.URL,
		RemovedAt: time.Now(),
	}), "increment removed")
	w.emit(messaging.TypeVideoRemoved, messaging.VideoEvent{Title: meta.Title, Author: meta.Author, URL: meta.URL})
	logrus.WithFields(logrus.Fields{"title": meta.Title, "signal": via}).Info("repost removed")

	return w.signal.Sleep(ctx, w.cfg.RemovalDelay.Pick())
}

func (w *Workflow) skip(ctx context.Context, meta Metadata, reason string) {
	w.logStateErr(w.store.IncrementSkipped(ctx), "increment skipped")
	w.emit(messaging.TypeVideoSkipped, messaging.VideoEvent{
		Title:  meta.Title,
		Author: meta.Author,
		URL:    meta.URL,
		Reason: reason,
	})
}

func (w *Workflow) itemDelay(cursor int) time.Duration {
	switch {
	case w.cfg.LongBreakEvery > 0 && cursor%w.cfg.LongBreakEvery == 0:
		return w.cfg.LongBreak.Pick()
	case w.cfg.ShortBreakEvery > 0 && cursor%w.cfg.ShortBreakEvery == 0:
		return w.cfg.ShortBreak.Pick()
	default:
		return w.cfg.ItemDelay.Pick()
	}
}

func (w *Workflow) limitReached(removed int) {
	msg := fmt.Sprintf("Daily limit reached after %d removals", removed)
	w.emit(messaging.TypeLimitReached, messaging.StatusEvent{Message: msg, Kind: messaging.StatusWarning})
	w.status(msg, messaging.StatusWarning)
}

func (w *Workflow) closeDetail() {
	if el := w.acc.FindElement(KeyCloseButton, nil); el != nil {
		if err := el.Click(); err == nil {
			return
		}
	}
	w.acc.PressEscape()
}

// finish always runs: it stops the process, hides the indicator and reports
// the outcome.
func (w *Workflow) finish(ctx context.Context, res *runResult, err error) {
	w.setPhase(PhaseFinishing)
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	duration := w.store.Duration()
	w.logStateErr(w.store.StopProcess(fctx), "stop process")
	w.indicator.Hide()

	stopped := errors.Is(err, ErrStopped) || errors.Is(err, context.Canceled)
	if err != nil && !stopped {
		w.setPhase(PhaseError)
		logrus.WithError(err).Error("repost cleanup failed")
		w.emit(messaging.TypeProcessError, messaging.ErrorEvent{Message: "Cleanup failed: " + errors.Cause(err).Error(), Detail: err.Error()})
		w.status(err.Error(), messaging.StatusError)
		return
	}
	if stopped {
		res.outcome = outcomeStopped
	}

	success := res.outcome != outcomeStopped
	w.emit(messaging.TypeProcessComplete, messaging.CompleteEvent{
		RemovedCount: res.removed,
		TotalCount:   res.total,
		DurationMs:   duration.Milliseconds(),
		Duration:     duration.Round(time.Second).String(),
		Success:      success,
	})
	logrus.WithFields(logrus.Fields{
		"removed":  res.removed,
		"total":    res.total,
		"duration": duration.Round(time.Second),
		"stopped":  stopped,
	}).Info("repost cleanup finished")

	if !success {
		w.status("Cleanup stopped", messaging.StatusWarning)
		w.setPhase(PhaseIdle)
		return
	}
	w.status(fmt.Sprintf("Done, removed %d reposts", res.removed), messaging.StatusSuccess)
	if res.outcome != outcomeEmpty {
		w.renavigate(fctx)
	}
	w.setPhase(PhaseIdle)
}

// renavigate shows the refreshed reposts tab once the run is done.
func (w *Workflow) renavigate(ctx context.Context) {
	if w.acc.WaitForElement(ctx, KeyRepostTab, w.cfg.RenavigateTimeout) == nil && w.repostTab() == nil {
		return
	}
	if err := w.clickRepostTab(); err != nil {
		logrus.WithError(err).Debug("reposts tab not re-opened")
	}
}

func (w *Workflow) status(msg string, kind messaging.StatusKind) {
	w.emit(messaging.TypeStatusUpdate, messaging.StatusEvent{Message: msg, Kind: kind})
}

func (w *Workflow) emit(msgType string, payload any) {
	if w.events != nil {
		w.events.Broadcast(msgType, payload)
	}
}

func (w *Workflow) logStateErr(err error, op string) {
	if err != nil {
		logrus.WithError(err).WithField("op", op).Warn("state update not confirmed")
	}
}
