package apptest

import (
	"time"

	"github.com/xpzouying/tiktok-repost-cleaner/app"
	"github.com/xpzouying/tiktok-repost-cleaner/content"
	"github.com/xpzouying/tiktok-repost-cleaner/dom"
	"github.com/xpzouying/tiktok-repost-cleaner/tiktok"
)

// Fast shrinks every wait and delay of the content runtimes so a run takes
// milliseconds.
func Fast() app.Option {
	cfg := tiktok.DefaultConfig()
	cfg.ProfileTimeout = 300 * time.Millisecond
	cfg.ListTimeout = 300 * time.Millisecond
	cfg.DetailTimeout = 300 * time.Millisecond
	cfg.ActionTimeout = 300 * time.Millisecond
	cfg.RenavigateTimeout = 100 * time.Millisecond
	fast := tiktok.DelayRange{Min: time.Millisecond, Max: 2 * time.Millisecond}
	cfg.RemovalDelay, cfg.ItemDelay, cfg.ShortBreak, cfg.LongBreak = fast, fast, fast, fast

	return app.WithContentOptions(
		content.WithWorkflowOptions(tiktok.WithConfig(cfg)),
		content.WithAccessor(func(a *dom.Accessor) {
			a.PollInterval = 2 * time.Millisecond
			a.ScrollInterval = 2 * time.Millisecond
		}),
	)
}
