// Package background is the coordinating context: it owns the canonical state
// and the target tab, and turns control commands into workflow runs.
package background

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/xpzouying/tiktok-repost-cleaner/messaging"
	"github.com/xpzouying/tiktok-repost-cleaner/state"
)

const (
	DefaultStartURL = "https://www.tiktok.com/"

	pingTimeout  = 2 * time.Second
	pingAttempts = 10
	pingBackoff  = 200 * time.Millisecond
	setupTimeout = 90 * time.Second
)

var (
	ErrNotRunning = messaging.NewCodedError(messaging.CodeNotRunning, "background: no run is active")
	ErrStarting   = messaging.NewCodedError(messaging.CodeAlreadyRunning, "background: a run is being prepared")

	errStartCancelled = errors.New("background: start cancelled by stop")
)

// Tabs is the browser the background drives.
type Tabs interface {
	// FindTab returns an open tab on host.
	FindTab(ctx context.Context, host string) (messaging.TabID, bool)
	OpenTab(ctx context.Context, url string) (messaging.TabID, error)
	// Inject attaches the content runtime to tab.
	Inject(ctx context.Context, tab messaging.TabID) error
}

// StartReply answers START_PROCESS.
type StartReply struct {
	Accepted bool `json:"accepted"`
}

type Service struct {
	router   *messaging.Router
	manager  *state.Manager
	tabs     Tabs
	host     string
	startURL string

	starting atomic.Bool
	ctx      context.Context

	// mu orders Stop against the claim and START_WORKFLOW of a launch.
	mu           sync.Mutex
	cancelLaunch context.CancelFunc
}

type Option func(*Service)

func WithStartURL(u string) Option {
	return func(s *Service) {
		if u != "" {
			s.startURL = u
		}
	}
}

func WithTargetHost(host string) Option {
	return func(s *Service) {
		if host != "" {
			s.host = host
		}
	}
}

// New registers the control handlers on router. ctx bounds the background
// work started by START_PROCESS.
func New(ctx context.Context, router *messaging.Router, manager *state.Manager, tabs Tabs, opts ...Option) *Service {
	s := &Service{
		router:   router,
		manager:  manager,
		tabs:     tabs,
		host:     state.DefaultTargetHost,
		startURL: DefaultStartURL,
		ctx:      ctx,
	}
	for _, opt := range opts {
		opt(s)
	}

	router.On(messaging.TypeStartProcess, func(ctx context.Context, msg messaging.Message) (any, error) {
		if err := s.Start(); err != nil {
			return nil, err
		}
		return StartReply{Accepted: true}, nil
	})
	router.On(messaging.TypeTogglePause, func(ctx context.Context, msg messaging.Message) (any, error) {
		return s.TogglePause(ctx)
	})
	router.On(messaging.TypeStopProcess, func(ctx context.Context, msg messaging.Message) (any, error) {
		return s.Stop(ctx), nil
	})
	router.On(messaging.TypeRestartProcess, func(ctx context.Context, msg messaging.Message) (any, error) {
		return s.Restart(ctx), nil
	})
	return s
}

// Start validates the request and prepares the target tab in the
// background. Preparation talks to the new content runtime, which in turn
// needs this router, so it cannot run inside the handler.
func (s *Service) Start() error {
	if s.manager.Snapshot().Process.IsRunning {
		return state.ErrAlreadyRunning
	}
	if !s.starting.CompareAndSwap(false, true) {
		return ErrStarting
	}
	ctx, cancel := context.WithTimeout(s.ctx, setupTimeout)
	s.mu.Lock()
	s.cancelLaunch = cancel
	s.mu.Unlock()

	go func() {
		defer s.starting.Store(false)
		defer func() {
			s.mu.Lock()
			s.cancelLaunch = nil
			s.mu.Unlock()
			cancel()
		}()
		err := s.launch(ctx)
		switch {
		case err == nil:
		case errors.Is(err, errStartCancelled):
			logrus.Info("cleanup start cancelled")
			s.status("Start cancelled", messaging.StatusInfo)
		default:
			logrus.WithError(err).Error("failed to start cleanup")
			s.notify(messaging.TypeProcessError, messaging.ErrorEvent{
				Message: "Could not start the cleanup",
				Detail:  err.Error(),
			})
		}
	}()
	return nil
}

func (s *Service) launch(ctx context.Context) error {
	s.status("Preparing TikTok tab", messaging.StatusWaiting)

	tab, ok := s.tabs.FindTab(ctx, s.host)
	if ok {
		logrus.WithField("tab", tab).Info("reusing open tab")
	} else {
		var err error
		if tab, err = s.tabs.OpenTab(ctx, s.startURL); err != nil {
			return errors.Wrap(err, "open tab")
		}
		logrus.WithField("tab", tab).Info("opened tab")
	}

	if err := s.ensureRuntime(ctx, tab); err != nil {
		if s.cancelled(ctx) {
			return errStartCancelled
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled(ctx) {
		return errStartCancelled
	}
	if _, err := s.manager.Claim(ctx, tab); err != nil {
		return err
	}
	return errors.Wrap(
		s.router.Post(messaging.ToTab(tab), messaging.TypeStartWorkflow, nil),
		"start workflow",
	)
}

// cancelled reports whether Stop ended the launch owning ctx.
func (s *Service) cancelled(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled) && s.ctx.Err() == nil
}

// ensureRuntime injects the content runtime unless tab already answers PING.
func (s *Service) ensureRuntime(ctx context.Context, tab messaging.TabID) error {
	if s.ping(ctx, tab) {
		return nil
	}
	if err := s.tabs.Inject(ctx, tab); err != nil {
		return errors.Wrap(err, "inject content runtime")
	}
	for i := 0; i < pingAttempts; i++ {
		if s.ping(ctx, tab) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pingBackoff):
		}
	}
	return errors.Errorf("tab %s does not respond", tab)
}

func (s *Service) ping(ctx context.Context, tab messaging.TabID) bool {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return s.router.Ping(ctx, messaging.ToTab(tab))
}

// TogglePause flips isPaused of the active run.
func (s *Service) TogglePause(ctx context.Context) (state.ProcessState, error) {
	cur := s.manager.Snapshot()
	if !cur.Process.IsRunning {
		return cur, ErrNotRunning
	}
	paused := !cur.Process.IsPaused
	next := s.manager.Update(ctx, state.Patch{Process: &state.ProcessPatch{IsPaused: &paused}})
	if paused {
		s.broadcastStatus("Paused", messaging.StatusWarning)
	} else {
		s.broadcastStatus("Resumed", messaging.StatusInfo)
	}
	return next, nil
}

// Stop asks the active run to end. The workflow notices at its next check.
// A launch still preparing the tab is cancelled and never claims it.
func (s *Service) Stop(ctx context.Context) state.ProcessState {
	s.mu.Lock()
	if s.cancelLaunch != nil {
		s.cancelLaunch()
	}
	s.mu.Unlock()

	no := false
	next := s.manager.Update(ctx, state.Patch{Process: &state.ProcessPatch{IsRunning: &no, IsPaused: &no}})
	s.broadcastStatus("Stopping", messaging.StatusInfo)
	return next
}

// Restart stops any run and clears all state for a fresh start.
func (s *Service) Restart(ctx context.Context) state.ProcessState {
	s.Stop(ctx)
	next := s.manager.Reset(ctx)
	s.status("Ready for a new run", messaging.StatusInfo)
	return next
}

// TabUpdated forwards a navigation of tab to the state owner.
func (s *Service) TabUpdated(ctx context.Context, tab messaging.TabID, url string, complete bool) {
	s.manager.OnTabUpdated(ctx, tab, url, complete)
}

// TabRemoved forwards the closing of tab to the state owner.
func (s *Service) TabRemoved(ctx context.Context, tab messaging.TabID) {
	s.manager.OnTabRemoved(ctx, tab)
}

func (s *Service) status(msg string, kind messaging.StatusKind) {
	s.notify(messaging.TypeStatusUpdate, messaging.StatusEvent{Message: msg, Kind: kind})
}

func (s *Service) broadcastStatus(msg string, kind messaging.StatusKind) {
	s.router.Broadcast(messaging.TypeStatusUpdate, messaging.StatusEvent{Message: msg, Kind: kind})
}

func (s *Service) notify(msgType string, payload any) {
	if err := s.router.Post(messaging.ToPopup(), msgType, payload); err != nil {
		logrus.WithError(err).Debugf("%s not delivered to popup", msgType)
	}
}
