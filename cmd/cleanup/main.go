// 这个 CLI 程序直接从命令行运行一次转发清理任务，完成后退出，
// 复用服务层的逻辑，而不依赖 HTTP 或 MCP 客户端。
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/xpzouying/tiktok-repost-cleaner/app"
	"github.com/xpzouying/tiktok-repost-cleaner/configs"
	"github.com/xpzouying/tiktok-repost-cleaner/cookies"
	"github.com/xpzouying/tiktok-repost-cleaner/messaging"
	"github.com/xpzouying/tiktok-repost-cleaner/popup"
	"github.com/xpzouying/tiktok-repost-cleaner/state"
)

const titleWidth = 48

type flags struct {
	config       string
	headless     bool
	binPath      string
	timeout      time.Duration
	resetCookies bool
	logLevel     string
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var f flags
	cmd := &cobra.Command{
		Use:          "cleanup",
		Short:        "Remove every repost from the logged-in TikTok profile, then exit",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, f)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&f.config, "config", "", "YAML config file")
	fs.BoolVar(&f.headless, "headless", false, "run the browser without a window (log in with a window first)")
	fs.StringVar(&f.binPath, "bin", "", "browser binary path (default $ROD_BROWSER_BIN)")
	fs.DurationVar(&f.timeout, "timeout", 2*time.Hour, "give up after this long")
	fs.BoolVar(&f.resetCookies, "reset-cookies", false, "delete saved cookies and log in again")
	fs.StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, f flags) error {
	cfg, err := configs.Load(f.config)
	if err != nil {
		return err
	}
	cfg.Browser.Headless = f.headless
	if f.binPath != "" {
		cfg.Browser.BinPath = f.binPath
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	cfg.Apply()

	if f.resetCookies {
		path := cookies.GetCookiesFilePath()
		if cfg.Browser.CookiesPath != "" {
			path = cfg.Browser.CookiesPath
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "reset cookies")
		}
		logrus.Infof("removed cookies at %s, log in again in the browser window", path)
	}
	if cfg.Browser.Headless {
		logrus.Warn("running headless: the first run needs a logged-in cookie file")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "init app")
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			logrus.WithError(err).Warn("shutdown")
		}
	}()

	events, unsubscribe := a.Popup().Subscribe()
	defer unsubscribe()
	go printEvents(events)

	since := a.Popup().Seq()
	if _, err := a.Popup().Start(ctx); err != nil {
		return errors.Wrap(err, "start")
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, f.timeout)
	defer waitCancel()
	ev, err := a.Popup().Wait(waitCtx, since)
	if err != nil {
		if _, stopErr := a.Popup().Stop(context.Background()); stopErr != nil {
			logrus.WithError(stopErr).Warn("stop")
		}
		return errors.Wrap(err, "wait for cleanup")
	}

	st, err := a.Popup().State(ctx)
	if err != nil {
		st = a.Popup().LastState()
	}
	printSummary(os.Stdout, st)

	switch ev.Type {
	case messaging.TypeProcessError:
		var e messaging.ErrorEvent
		_ = ev.Decode(&e)
		return errors.Errorf("%s: %s", e.Message, e.Detail)
	case messaging.TypeTabClosed:
		return errors.New("the TikTok tab was closed")
	}
	return nil
}

func printEvents(ch <-chan popup.Event) {
	for ev := range ch {
		switch ev.Type {
		case messaging.TypeStatusUpdate:
			var s messaging.StatusEvent
			if ev.Decode(&s) == nil {
				logrus.Info(s.Message)
			}
		case messaging.TypeVideoRemoved, messaging.TypeVideoSkipped:
			var v messaging.VideoEvent
			if ev.Decode(&v) == nil {
				logrus.WithField("author", v.Author).Infof("%s: %s", ev.Type, v.Title)
			}
		case messaging.TypeLimitReached:
			logrus.Warn("daily removal limit reached")
		case messaging.TypeSelectorTimeout:
			var s messaging.SelectorTimeoutEvent
			if ev.Decode(&s) == nil {
				logrus.Warnf("page element %q did not appear within %dms", s.Key, s.TimeoutMs)
			}
		}
	}
}

// printSummary 输出统计信息，每个已删除的视频一行并按显示宽度对齐。
// 作者名保存时已带有前缀 "@"。
func printSummary(w io.Writer, st state.ProcessState) {
	fmt.Fprintf(w, "\nremoved %d, skipped %d, found %d\n",
		st.Stats.Removed, st.Stats.Skipped, st.Stats.TotalFound)
	for i, item := range st.RemovedList {
		title := runewidth.Truncate(item.Title, titleWidth, "...")
		fmt.Fprintf(w, "%3d  %s  %s\n", i+1, runewidth.FillRight(title, titleWidth), item.Author)
	}
}
