package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xpzouying/tiktok-repost-cleaner/app"
	"github.com/xpzouying/tiktok-repost-cleaner/configs"
	"github.com/xpzouying/tiktok-repost-cleaner/selectors"
)

type serveFlags struct {
	config    string
	headless  bool
	binPath   string
	port      string
	stdioMode bool
	logLevel  string
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f serveFlags
	root := &cobra.Command{
		Use:          "tiktok-repost-cleaner",
		Short:        "Remove reposts from a TikTok profile through an automated browser",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, f)
		},
	}
	flags := root.Flags()
	flags.StringVar(&f.config, "config", "", "YAML config file")
	flags.BoolVar(&f.headless, "headless", true, "run the browser without a window")
	flags.StringVar(&f.binPath, "bin", "", "browser binary path (default $ROD_BROWSER_BIN)")
	flags.StringVar(&f.port, "port", ":18060", "HTTP listen address")
	flags.BoolVar(&f.stdioMode, "stdio", false, "serve MCP over stdio instead of HTTP")
	flags.StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(newValidateCmd())
	return root
}

// loadConfig 读取配置文件，显式设置的命令行参数优先。
func loadConfig(cmd *cobra.Command, f serveFlags) (configs.Config, error) {
	cfg, err := configs.Load(f.config)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("headless") {
		cfg.Browser.Headless = f.headless
	}
	if flags.Changed("bin") {
		cfg.Browser.BinPath = f.binPath
	}
	if flags.Changed("port") || cfg.Addr == "" {
		cfg.Addr = f.port
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if len(cfg.Browser.BinPath) == 0 {
		cfg.Browser.BinPath = os.Getenv("ROD_BROWSER_BIN")
	}
	return cfg, nil
}

func serve(cmd *cobra.Command, f serveFlags) error {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}
	cfg.Apply()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "init app")
	}
	appServer := NewAppServer(a)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(ctx) })
	g.Go(func() error {
		if f.stdioMode {
			// 客户端断开后 stdio 结束，应用随之退出
			defer stop()
			logrus.Info("serving MCP over stdio")
			return appServer.StartSTDIO(ctx)
		}
		return appServer.Start(ctx, cfg.Addr)
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-selectors [file]",
		Short: "Check a selector document against the schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			doc, err := selectors.Validate(data)
			if err != nil {
				return err
			}
			cmd.Printf("%s: valid, version %s\n", args[0], doc.Version)
			return nil
		},
	}
}
