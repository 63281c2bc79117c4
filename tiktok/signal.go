package tiktok

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/xpzouying/tiktok-repost-cleaner/state"
)

const (
	DefaultSleepStep = 100 * time.Millisecond
	DefaultPausePoll = 500 * time.Millisecond
)

// ErrStopped reports that the canonical state says the run is over.
var ErrStopped = errors.New("tiktok: process stopped")

// StateReader is the part of the state replica the signal needs.
type StateReader interface {
	GetState(ctx context.Context, forceRefresh bool) state.ProcessState
}

// Signal is the cooperative cancellation token of one run. Every check
// reads canonical state, never the cache.
type Signal struct {
	state     StateReader
	Step      time.Duration
	PausePoll time.Duration
}

func NewSignal(r StateReader) *Signal {
	return &Signal{state: r, Step: DefaultSleepStep, PausePoll: DefaultPausePoll}
}

// Check blocks while the run is paused and returns ErrStopped once it is
// no longer running.
func (s *Signal) Check(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := s.state.GetState(ctx, true).Process
		if !p.IsRunning {
			return ErrStopped
		}
		if !p.IsPaused {
			return nil
		}
		if err := wait(ctx, s.PausePoll); err != nil {
			return err
		}
	}
}

// Sleep waits d in Step increments, checking before and after each one.
func (s *Signal) Sleep(ctx context.Context, d time.Duration) error {
	if err := s.Check(ctx); err != nil {
		return err
	}
	for d > 0 {
		step := min(s.Step, d)
		if err := wait(ctx, step); err != nil {
			return err
		}
		d -= step
		if err := s.Check(ctx); err != nil {
			return err
		}
	}
	return nil
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// DelayRange is a closed interval random delays are drawn from.
type DelayRange struct {
	Min time.Duration
	Max time.Duration
}

func (r DelayRange) Pick() time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + time.Duration(rand.Int63n(int64(r.Max-r.Min)+1))
}
