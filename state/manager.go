package state

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/xpzouying/tiktok-repost-cleaner/messaging"
	"github.com/xpzouying/tiktok-repost-cleaner/storage"
)

const (
	SnapshotKey            = "processSnapshot"
	DefaultPersistInterval = 30 * time.Second
	DefaultTargetHost      = "tiktok.com"
)

var ErrAlreadyRunning = messaging.NewCodedError(messaging.CodeAlreadyRunning, "state: a run is already active")

// Manager owns the canonical ProcessState. Every change is pushed to the
// popup and the target tab as STATE_CHANGED.
type Manager struct {
	store      storage.Store
	router     *messaging.Router
	interval   time.Duration
	targetHost string
	now        func() time.Time

	mu    sync.Mutex
	state ProcessState
}

type ManagerOption func(*Manager)

func WithPersistInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

func WithTargetHost(host string) ManagerOption {
	return func(m *Manager) {
		if host != "" {
			m.targetHost = host
		}
	}
}

// NewManager restores the persisted snapshot (stats and removed list only;
// the process always starts idle) and registers the state handlers on router.
func NewManager(ctx context.Context, store storage.Store, router *messaging.Router, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:      store,
		router:     router,
		interval:   DefaultPersistInterval,
		targetHost: DefaultTargetHost,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.restore(ctx)
	m.register()
	return m
}

func (m *Manager) restore(ctx context.Context) {
	if m.store == nil {
		return
	}
	data, err := m.store.Get(ctx, SnapshotKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logrus.WithError(err).Warn("failed to load state snapshot")
		}
		return
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		logrus.WithError(err).Warn("discarding unreadable state snapshot")
		return
	}
	m.state.Stats = snap.Stats
	m.state.RemovedList = snap.RemovedList
	logrus.WithFields(logrus.Fields{
		"removed": snap.Stats.Removed,
		"saved":   snap.SavedAt.Format(time.RFC3339),
	}).Info("restored state snapshot")
}

func (m *Manager) register() {
	m.router.On(messaging.TypeGetState, func(ctx context.Context, msg messaging.Message) (any, error) {
		return m.Snapshot(), nil
	})
	m.router.On(messaging.TypeUpdateState, func(ctx context.Context, msg messaging.Message) (any, error) {
		var p Patch
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}
		return m.Update(ctx, p), nil
	})
	m.router.On(messaging.TypeResetState, func(ctx context.Context, msg messaging.Message) (any, error) {
		var req ResetRequest
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		switch req.Scope {
		case ResetAll:
			return m.Reset(ctx), nil
		case ResetKeepStats:
			return m.ResetProcessKeepStats(ctx), nil
		default:
			return m.ResetProcess(ctx, req.KeepTargetTab), nil
		}
	})
}

// ResetScope selects what RESET_STATE clears.
type ResetScope string

const (
	ResetProcessOnly ResetScope = "process"
	ResetKeepStats   ResetScope = "keepStats"
	ResetAll         ResetScope = "all"
)

type ResetRequest struct {
	Scope         ResetScope `json:"scope,omitempty"`
	KeepTargetTab bool       `json:"keepTargetTab,omitempty"`
}

// Snapshot returns a copy of the canonical state.
func (m *Manager) Snapshot() ProcessState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// Update merges p into the canonical state and pushes the result.
func (m *Manager) Update(ctx context.Context, p Patch) ProcessState {
	if p.IsZero() {
		return m.Snapshot()
	}
	return m.mutate(ctx, func(s ProcessState) ProcessState { return Apply(s, p) })
}

// Begin marks a new run as started on tab and returns the new state.
func (m *Manager) Begin(ctx context.Context, tab messaging.TabID) ProcessState {
	now := m.now()
	runID := uuid.NewString()
	return m.mutate(ctx, func(s ProcessState) ProcessState {
		return Apply(s, Patch{
			Process: &ProcessPatch{
				IsRunning: boolPtr(true),
				IsPaused:  boolPtr(false),
				TargetTab: &tab,
				StartTime: &now,
				RunID:     &runID,
			},
			Stats:       &StatsPatch{TotalFound: intPtr(0), Processed: intPtr(0), Removed: intPtr(0), Skipped: intPtr(0)},
			CurrentItem: &CurrentItem{},
		})
	})
}

// Claim makes tab the target of the next run without starting it: counters
// and the current item are cleared and a fresh run id is assigned. The
// workflow on tab flips the process to running. Claim fails while a run is
// active.
func (m *Manager) Claim(ctx context.Context, tab messaging.TabID) (ProcessState, error) {
	runID := uuid.NewString()
	out, ok := m.mutateIf(ctx, func(s ProcessState) (ProcessState, bool) {
		if s.Process.IsRunning {
			return s, false
		}
		return Apply(s, Patch{
			Process: &ProcessPatch{
				IsPaused:  boolPtr(false),
				TargetTab: &tab,
				StartTime: &time.Time{},
				RunID:     &runID,
			},
			Stats:       &StatsPatch{TotalFound: intPtr(0), Processed: intPtr(0), Removed: intPtr(0), Skipped: intPtr(0)},
			CurrentItem: &CurrentItem{},
		}), true
	})
	if !ok {
		return out, ErrAlreadyRunning
	}
	return out, nil
}

// ResetProcess clears running, paused, start time and the current item. The
// target tab survives when keepTarget is set.
func (m *Manager) ResetProcess(ctx context.Context, keepTarget bool) ProcessState {
	return m.mutate(ctx, func(s ProcessState) ProcessState {
		out := s.Clone()
		tab := out.Process.TargetTab
		out.Process = Process{}
		if keepTarget {
			out.Process.TargetTab = tab
		}
		out.CurrentItem = CurrentItem{}
		return out
	})
}

// ResetProcessKeepStats is the tab-closed recovery path: the run stops and the
// target is forgotten, but stats, removed list and start time stay so the
// popup can still show a summary. The result is persisted immediately.
func (m *Manager) ResetProcessKeepStats(ctx context.Context) ProcessState {
	out := m.mutate(ctx, keepStats)
	m.persistLogged(ctx)
	return out
}

// Reset clears everything, including stats and the removed list.
func (m *Manager) Reset(ctx context.Context) ProcessState {
	out := m.mutate(ctx, func(ProcessState) ProcessState { return ProcessState{} })
	m.persistLogged(ctx)
	return out
}

func (m *Manager) mutate(ctx context.Context, fn func(ProcessState) ProcessState) ProcessState {
	out, _ := m.mutateIf(ctx, func(s ProcessState) (ProcessState, bool) { return fn(s), true })
	return out
}

// mutateIf applies fn atomically; nothing is pushed when fn reports no change.
func (m *Manager) mutateIf(ctx context.Context, fn func(ProcessState) (ProcessState, bool)) (ProcessState, bool) {
	m.mu.Lock()
	prev := m.state
	next, changed := fn(m.state)
	if !changed {
		out := m.state.Clone()
		m.mu.Unlock()
		return out, false
	}
	m.state = next
	out := m.state.Clone()
	m.pushLocked(prev.Process.TargetTab, out)
	m.mu.Unlock()

	// a run just ended: that is a terminal event
	if prev.Process.IsRunning && !out.Process.IsRunning {
		m.persistLogged(ctx)
	}
	return out, true
}

// pushLocked posts the full state. Posting only enqueues, so doing it under
// the lock keeps pushes in mutation order.
func (m *Manager) pushLocked(prevTab messaging.TabID, s ProcessState) {
	if err := m.router.Post(messaging.ToPopup(), messaging.TypeStateChanged, s); err != nil {
		logrus.WithError(err).Debug("state push to popup dropped")
	}
	tab := s.Process.TargetTab
	if tab == "" {
		// let the tab that just lost ownership observe the reset
		tab = prevTab
	}
	if tab == "" {
		return
	}
	if err := m.router.Post(messaging.ToTab(tab), messaging.TypeStateChanged, s); err != nil {
		logrus.WithError(err).WithField("tab", tab).Debug("state push to tab dropped")
	}
}

// Persist writes the durable part of the state.
func (m *Manager) Persist(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	m.mu.Lock()
	snap := Snapshot{
		Stats:       m.state.Stats,
		RemovedList: append([]RemovedItem(nil), m.state.RemovedList...),
		SavedAt:     m.now(),
	}
	m.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "encode snapshot")
	}
	return errors.Wrap(m.store.Set(ctx, SnapshotKey, data), "save snapshot")
}

func (m *Manager) persistLogged(ctx context.Context) {
	if err := m.Persist(ctx); err != nil {
		logrus.WithError(err).Warn("failed to persist state snapshot")
	}
}

// Run persists the snapshot periodically until ctx is done, then once more.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.persistLogged(context.Background())
			return nil
		case <-ticker.C:
			m.persistLogged(ctx)
		}
	}
}

// OnTabUpdated reacts to a navigation in tab. When the target tab finished
// loading a page off the target site the process is reset and the target
// is dropped.
func (m *Manager) OnTabUpdated(ctx context.Context, tab messaging.TabID, rawURL string, complete bool) {
	if !complete || tab == "" || MatchesSite(rawURL, m.targetHost) {
		return
	}
	_, reset := m.mutateIf(ctx, func(s ProcessState) (ProcessState, bool) {
		if s.Process.TargetTab != tab {
			return s, false
		}
		out := s.Clone()
		out.Process = Process{}
		out.CurrentItem = CurrentItem{}
		return out, true
	})
	if reset {
		logrus.WithFields(logrus.Fields{"tab": tab, "url": rawURL}).Info("target tab left the site, process reset")
	}
}

// OnTabRemoved recovers from the target tab being closed and tells the popup
// once, with the last known stats.
func (m *Manager) OnTabRemoved(ctx context.Context, tab messaging.TabID) {
	if tab == "" {
		return
	}
	s, matched := m.mutateIf(ctx, func(s ProcessState) (ProcessState, bool) {
		if s.Process.TargetTab != tab {
			return s, false
		}
		return keepStats(s), true
	})
	if !matched {
		return
	}
	m.persistLogged(ctx)

	logrus.WithField("tab", tab).Warn("target tab closed, stats kept")
	ev := TabClosedEvent{
		Tab:          tab,
		Stats:        s.Stats,
		RemovedCount: len(s.RemovedList),
		DurationMs:   s.Duration(m.now()).Milliseconds(),
	}
	if err := m.router.Post(messaging.ToPopup(), messaging.TypeTabClosed, ev); err != nil {
		logrus.WithError(err).Debug("tab closed event dropped")
	}
}

func keepStats(s ProcessState) ProcessState {
	out := s.Clone()
	out.Process.IsRunning = false
	out.Process.IsPaused = false
	out.Process.TargetTab = ""
	return out
}
