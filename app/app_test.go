package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpzouying/tiktok-repost-cleaner/app"
	"github.com/xpzouying/tiktok-repost-cleaner/app/apptest"
	"github.com/xpzouying/tiktok-repost-cleaner/configs"
	"github.com/xpzouying/tiktok-repost-cleaner/messaging"
	"github.com/xpzouying/tiktok-repost-cleaner/quota"
	"github.com/xpzouying/tiktok-repost-cleaner/storage"
)

func newApp(t *testing.T, opts ...app.Option) (*app.App, func() *apptest.Browser) {
	t.Helper()
	factory, get := apptest.Factory(true, false, true)
	cfg := configs.Default()
	cfg.Storage.Backend = "memory"

	ctx, cancel := context.WithCancel(context.Background())
	a, err := app.New(ctx, cfg, append([]app.Option{app.WithBrowser(factory), apptest.Fast()}, opts...)...)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("app did not stop")
		}
	})
	return a, get
}

func TestRunRemovesReposts(t *testing.T) {
	a, browser := newApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := a.Screenshot(ctx)
	assert.ErrorIs(t, err, app.ErrNoTarget)

	since := a.Popup().Seq()
	reply, err := a.Popup().Start(ctx)
	require.NoError(t, err)
	assert.True(t, reply.Accepted)
	ev, err := a.Popup().Wait(ctx, since)
	require.NoError(t, err)
	assert.Equal(t, messaging.TypeProcessComplete, ev.Type)

	s := a.Manager().Snapshot()
	assert.False(t, s.Process.IsRunning)
	assert.Equal(t, 2, s.Stats.Removed)
	assert.Equal(t, 1, s.Stats.Skipped)
	assert.Equal(t, 3, s.Stats.TotalFound)
	assert.Len(t, s.RemovedList, 2)
	assert.Zero(t, browser().Profile(s.Process.TargetTab).Remaining())

	png, err := a.Screenshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, apptest.PNG, png)
}

func TestQuotaStopsRun(t *testing.T) {
	a, _ := newApp(t, app.WithQuota(quota.Static{DailyLimit: 5, DailyUsed: 4, Remaining: 1, Authenticated: true}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := a.Popup().Start(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, ev := range a.Popup().Events(0) {
			if ev.Type == messaging.TypeProcessComplete {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, a.Manager().Snapshot().Stats.Removed)
	var limited bool
	for _, ev := range a.Popup().Events(0) {
		limited = limited || ev.Type == messaging.TypeLimitReached
	}
	assert.True(t, limited)
}

func TestClosingTargetTabNotifiesPopup(t *testing.T) {
	a, browser := newApp(t)
	ctx := context.Background()
	_, err := a.Manager().Claim(ctx, "tab-x")
	require.NoError(t, err)

	browser().CloseTab("tab-x")
	require.Eventually(t, func() bool {
		evs := a.Popup().Events(0)
		return len(evs) > 0 && evs[len(evs)-1].Type == messaging.TypeTabClosed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNewRejectsUnknownStorage(t *testing.T) {
	cfg := configs.Default()
	cfg.Storage.Backend = "redis"
	_, err := app.New(context.Background(), cfg)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}
