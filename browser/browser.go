// Package browser 负责启动自动化 Chrome，并管理清理任务所在的标签页。
package browser

import (
	"encoding/json"
	"runtime"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/xpzouying/headless_browser"

	"github.com/xpzouying/tiktok-repost-cleaner/cookies"
)

const windowsUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type browserConfig struct {
	binPath    string
	cookiePath string
}

type Option func(*browserConfig)

func WithBinPath(binPath string) Option {
	return func(c *browserConfig) {
		c.binPath = binPath
	}
}

// WithCookiesPath 指定新浏览器实例启动时要加载的 cookies 文件路径。
func WithCookiesPath(path string) Option {
	return func(c *browserConfig) {
		c.cookiePath = path
	}
}

func NewBrowser(headless bool, options ...Option) *headless_browser.Browser {
	cfg := &browserConfig{}
	for _, opt := range options {
		opt(cfg)
	}

	opts := []headless_browser.Option{
		headless_browser.WithHeadless(headless),
	}
	if cfg.binPath != "" {
		opts = append(opts, headless_browser.WithChromeBinPath(cfg.binPath))
	}

	cookiePath := cookiesPath(cfg.cookiePath)
	if data, err := cookies.NewLoadCookie(cookiePath).LoadCookies(); err == nil {
		opts = append(opts, headless_browser.WithCookies(string(data)))
		logrus.WithField("cookies_path", cookiePath).Debug("loaded cookies from file")
	} else {
		logrus.WithField("cookies_path", cookiePath).Warnf("no cookies loaded, TikTok login required: %v", err)
	}

	return headless_browser.New(opts...)
}

func cookiesPath(p string) string {
	if p == "" {
		return cookies.GetCookiesFilePath()
	}
	return p
}

// ConfigurePage 配置页面，应用针对特定平台的补丁。
// headless_browser 内部的 stealth 库会把 UA 伪装成 Mac Chrome，Windows 下会被 TikTok 识别为设备不一致。
func ConfigurePage(page *rod.Page) {
	if runtime.GOOS != "windows" {
		return
	}

	// 页面可能已经在关闭，忽略错误
	_ = page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent: windowsUA,
		Platform:  "Windows",
	})

	_, err := page.EvalOnNewDocument(`
		Object.defineProperty(navigator, 'platform', { get: () => 'Win32' });
		Object.defineProperty(navigator, 'userAgent', { get: () => '` + windowsUA + `' });
		Object.defineProperty(navigator, 'vendor', { get: () => 'Google Inc.' });
	`)
	if err != nil {
		logrus.Warnf("failed to set user agent script: %v", err)
		return
	}
	logrus.Info("applied Windows user agent")
}

// SaveCookies 通过 page 读取浏览器 cookies 并写入 path。
func SaveCookies(page *rod.Page, path string) error {
	cks, err := page.Browser().GetCookies()
	if err != nil {
		return errors.Wrap(err, "read browser cookies")
	}
	data, err := json.Marshal(cks)
	if err != nil {
		return errors.Wrap(err, "encode cookies")
	}
	return cookies.NewLoadCookie(cookiesPath(path)).SaveCookies(data)
}
