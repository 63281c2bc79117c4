// Package cookies persists the browser session so a logged-in TikTok account
// survives restarts.
package cookies

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Cookier loads and saves the raw cookies JSON.
type Cookier interface {
	LoadCookies() ([]byte, error)
	SaveCookies(data []byte) error
}

type localCookie struct {
	path string
}

func NewLoadCookie(path string) Cookier {
	if path == "" {
		panic("path is required")
	}
	return &localCookie{path: path}
}

func (c *localCookie) LoadCookies() ([]byte, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read cookies from file")
	}
	return data, nil
}

// SaveCookies writes through a temp file so a crash never leaves half a file.
func (c *localCookie) SaveCookies(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return errors.Wrap(err, "create cookies dir")
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "write cookies")
	}
	return errors.Wrap(os.Rename(tmp, c.path), "replace cookies")
}

// GetCookiesFilePath returns COOKIES_PATH when set, else cookies.json in the
// temp dir.
func GetCookiesFilePath() string {
	if p := os.Getenv("COOKIES_PATH"); p != "" {
		return p
	}
	return filepath.Join(os.TempDir(), "tiktok-repost-cleaner", "cookies.json")
}
