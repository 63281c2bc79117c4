// Package configs holds process-wide settings: the browser switches read by
// package browser and the YAML file the server starts from.
package configs

import "sync"

var (
	mu          sync.RWMutex
	useHeadless = true
	binPath     string
	cookiePath  string
)

func InitHeadless(h bool) {
	mu.Lock()
	defer mu.Unlock()
	useHeadless = h
}

// IsHeadless reports whether the browser runs without a window.
func IsHeadless() bool {
	mu.RLock()
	defer mu.RUnlock()
	return useHeadless
}

func SetBinPath(b string) {
	mu.Lock()
	defer mu.Unlock()
	binPath = b
}

func GetBinPath() string {
	mu.RLock()
	defer mu.RUnlock()
	return binPath
}

// SetCookiesPath overrides the cookies file; empty restores the default.
func SetCookiesPath(p string) {
	mu.Lock()
	defer mu.Unlock()
	cookiePath = p
}

func GetCookiesPath() string {
	mu.RLock()
	defer mu.RUnlock()
	return cookiePath
}
