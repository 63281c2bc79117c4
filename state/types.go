// Package state holds the process state of a cleanup run: the authoritative
// Manager living in the background context and the Store replica used by the
// content runtime.
package state

import (
	"net/url"
	"strings"
	"time"

	"github.com/xpzouying/tiktok-repost-cleaner/messaging"
)

// MaxRemovedList bounds the removed list kept in state and snapshots.
const MaxRemovedList = 500

type Process struct {
	IsRunning bool            `json:"isRunning"`
	IsPaused  bool            `json:"isPaused"`
	TargetTab messaging.TabID `json:"tabId,omitempty"`
	StartTime *time.Time      `json:"startTime,omitempty"`
	RunID     string          `json:"runId,omitempty"`
}

type Stats struct {
	TotalFound int `json:"totalVideos"`
	Processed  int `json:"processedVideos"`
	Removed    int `json:"removedVideos"`
	Skipped    int `json:"skippedVideos"`
}

type CurrentItem struct {
	Index  int    `json:"index"`
	Title  string `json:"title"`
	Author string `json:"author"`
	URL    string `json:"url"`
}

type RemovedItem struct {
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	URL       string    `json:"url"`
	RemovedAt time.Time `json:"removedAt"`
}

type ProcessState struct {
	Process     Process       `json:"process"`
	Stats       Stats         `json:"stats"`
	CurrentItem CurrentItem   `json:"currentItem"`
	RemovedList []RemovedItem `json:"removedList"`
}

// Clone returns a deep copy.
func (s ProcessState) Clone() ProcessState {
	out := s
	if s.Process.StartTime != nil {
		t := *s.Process.StartTime
		out.Process.StartTime = &t
	}
	out.RemovedList = append([]RemovedItem(nil), s.RemovedList...)
	return out
}

// Duration is the wall-clock time since StartTime, zero if never started.
func (s ProcessState) Duration(now time.Time) time.Duration {
	if s.Process.StartTime == nil || s.Process.StartTime.IsZero() {
		return 0
	}
	d := now.Sub(*s.Process.StartTime)
	if d < 0 {
		return 0
	}
	return d
}

// Snapshot is the persisted part of the state.
type Snapshot struct {
	Stats       Stats         `json:"stats"`
	RemovedList []RemovedItem `json:"removedList"`
	SavedAt     time.Time     `json:"savedAt"`
}

// TabClosedEvent is sent to the popup when the target tab goes away mid-run.
type TabClosedEvent struct {
	Tab          messaging.TabID `json:"tabId"`
	Stats        Stats           `json:"stats"`
	RemovedCount int             `json:"removedCount"`
	DurationMs   int64           `json:"durationMs"`
}

// MatchesSite reports whether rawURL points at host or one of its subdomains.
func MatchesSite(rawURL, host string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	h := strings.ToLower(u.Hostname())
	host = strings.ToLower(strings.TrimPrefix(host, "www."))
	return h == host || strings.HasSuffix(h, "."+host)
}
