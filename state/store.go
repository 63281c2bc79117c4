package state

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xpzouying/tiktok-repost-cleaner/messaging"
)

// Store is the content-side replica of the canonical state. Mutations are
// applied to the local copy first and then forwarded to the Manager; pushes
// from the Manager overwrite the local copy.
//
// Decisions about whether to keep running must use GetState(ctx, true).
type Store struct {
	router *messaging.Router
	now    func() time.Time

	mu    sync.RWMutex
	cache ProcessState
}

// NewStore registers the STATE_CHANGED handler on router and seeds the cache
// from the background. A failed seed is logged; the cache then starts empty.
func NewStore(ctx context.Context, router *messaging.Router) *Store {
	s := &Store{router: router, now: time.Now}
	router.On(messaging.TypeStateChanged, func(ctx context.Context, msg messaging.Message) (any, error) {
		var next ProcessState
		if err := msg.Decode(&next); err != nil {
			return nil, err
		}
		s.replace(next)
		return nil, nil
	})
	if _, err := s.refresh(ctx); err != nil {
		logrus.WithError(err).Warn("state store: initial sync failed")
	}
	return s
}

func (s *Store) replace(next ProcessState) {
	s.mu.Lock()
	s.cache = next
	s.mu.Unlock()
}

func (s *Store) refresh(ctx context.Context) (ProcessState, error) {
	var next ProcessState
	if err := s.router.Request(ctx, messaging.ToBackground(), messaging.TypeGetState, nil, &next); err != nil {
		return ProcessState{}, err
	}
	s.replace(next)
	return next.Clone(), nil
}

// GetState returns the cached copy, refreshing it from the background first
// when forceRefresh is set. A failed refresh falls back to the cache.
func (s *Store) GetState(ctx context.Context, forceRefresh bool) ProcessState {
	if forceRefresh {
		st, err := s.refresh(ctx)
		if err == nil {
			return st
		}
		logrus.WithError(err).Debug("state store: refresh failed, using cache")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache.Clone()
}

// Update applies p locally and forwards it to the background.
func (s *Store) Update(ctx context.Context, p Patch) error {
	if p.IsZero() {
		return nil
	}
	s.mu.Lock()
	s.cache = Apply(s.cache, p)
	s.mu.Unlock()

	_, err := s.router.Send(ctx, messaging.ToBackground(), messaging.TypeUpdateState, p)
	if err != nil {
		logrus.WithError(err).Warn("state store: forward update failed")
	}
	return err
}

// Set updates a single dotted path, see PatchFromPath.
func (s *Store) Set(ctx context.Context, path string, value any) error {
	p, err := PatchFromPath(path, value)
	if err != nil {
		return err
	}
	return s.Update(ctx, p)
}

func (s *Store) StartProcess(ctx context.Context) error {
	now := s.now()
	return s.Update(ctx, Patch{Process: &ProcessPatch{
		IsRunning: boolPtr(true),
		IsPaused:  boolPtr(false),
		StartTime: &now,
	}})
}

func (s *Store) StopProcess(ctx context.Context) error {
	return s.Update(ctx, Patch{Process: &ProcessPatch{
		IsRunning: boolPtr(false),
		IsPaused:  boolPtr(false),
	}})
}

func (s *Store) SetPaused(ctx context.Context, paused bool) error {
	return s.Update(ctx, Patch{Process: &ProcessPatch{IsPaused: &paused}})
}

func (s *Store) SetTotal(ctx context.Context, total int) error {
	return s.Update(ctx, Patch{Stats: &StatsPatch{TotalFound: &total}})
}

// SetCurrentVideo records the item under the cursor and counts it as processed.
func (s *Store) SetCurrentVideo(ctx context.Context, item CurrentItem) error {
	return s.Update(ctx, Patch{
		CurrentItem: &item,
		Stats:       &StatsPatch{ProcessedDelta: 1},
	})
}

// IncrementRemoved counts one removal and appends it to the removed list.
func (s *Store) IncrementRemoved(ctx context.Context, item RemovedItem) error {
	if item.RemovedAt.IsZero() {
		item.RemovedAt = s.now()
	}
	return s.Update(ctx, Patch{
		Stats:         &StatsPatch{RemovedDelta: 1},
		AppendRemoved: []RemovedItem{item},
	})
}

func (s *Store) IncrementSkipped(ctx context.Context) error {
	return s.Update(ctx, Patch{Stats: &StatsPatch{SkippedDelta: 1}})
}

// Reset asks the background to reset the process slice and mirrors it locally.
func (s *Store) Reset(ctx context.Context) error {
	var next ProcessState
	err := s.router.Request(ctx, messaging.ToBackground(), messaging.TypeResetState,
		ResetRequest{Scope: ResetProcessOnly, KeepTargetTab: true}, &next)
	if err != nil {
		return err
	}
	s.replace(next)
	return nil
}

// Duration is the elapsed time of the current run per the cached start time.
func (s *Store) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache.Duration(s.now())
}
