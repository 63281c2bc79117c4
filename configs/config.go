package configs

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the server configuration file. Command line flags override it.
type Config struct {
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"log_level"`

	Browser   BrowserConfig   `yaml:"browser"`
	Storage   StorageConfig   `yaml:"storage"`
	Quota     QuotaConfig     `yaml:"quota"`
	Selectors SelectorsConfig `yaml:"selectors"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
}

type BrowserConfig struct {
	Headless    bool   `yaml:"headless"`
	BinPath     string `yaml:"bin_path"`
	CookiesPath string `yaml:"cookies_path"`
	StartURL    string `yaml:"start_url"`
	TargetHost  string `yaml:"target_host"`
}

type StorageConfig struct {
	// Backend is "file", "sqlite" or "memory".
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type QuotaConfig struct {
	URL      string        `yaml:"url"`
	Token    string        `yaml:"token"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type SelectorsConfig struct {
	RemoteURL    string `yaml:"remote_url"`
	OverrideFile string `yaml:"override_file"`
	Watch        bool   `yaml:"watch"`
}

type WorkflowConfig struct {
	BatchSize int `yaml:"batch_size"`
}

func Default() Config {
	return Config{
		Addr:     ":18060",
		LogLevel: "info",
		Browser: BrowserConfig{
			Headless:   true,
			StartURL:   "https://www.tiktok.com/",
			TargetHost: "tiktok.com",
		},
		Storage: StorageConfig{
			Backend: "file",
			Path:    "data/state.json",
		},
		Quota:    QuotaConfig{CacheTTL: time.Minute},
		Workflow: WorkflowConfig{BatchSize: 100},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	if cfg.Browser.BinPath == "" {
		cfg.Browser.BinPath = os.Getenv("ROD_BROWSER_BIN")
	}
	logrus.WithField("path", path).Info("loaded config file")
	return cfg, nil
}

// Apply pushes the browser section into the process-wide switches and sets
// the log level.
func (c Config) Apply() {
	InitHeadless(c.Browser.Headless)
	SetBinPath(c.Browser.BinPath)
	SetCookiesPath(c.Browser.CookiesPath)

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		logrus.Warnf("unknown log level %q, keeping %s", c.LogLevel, logrus.GetLevel())
		return
	}
	logrus.SetLevel(level)
}
