package state

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/xpzouying/tiktok-repost-cleaner/messaging"
)

var ErrUnknownPath = errors.New("state: unknown path")

// ProcessPatch changes individual process fields. A pointer to the zero value
// clears TargetTab and StartTime.
type ProcessPatch struct {
	IsRunning *bool            `json:"isRunning,omitempty"`
	IsPaused  *bool            `json:"isPaused,omitempty"`
	TargetTab *messaging.TabID `json:"tabId,omitempty"`
	StartTime *time.Time       `json:"startTime,omitempty"`
	RunID     *string          `json:"runId,omitempty"`
}

// StatsPatch sets counters and then adds the deltas.
type StatsPatch struct {
	TotalFound *int `json:"totalVideos,omitempty"`
	Processed  *int `json:"processedVideos,omitempty"`
	Removed    *int `json:"removedVideos,omitempty"`
	Skipped    *int `json:"skippedVideos,omitempty"`

	ProcessedDelta int `json:"processedDelta,omitempty"`
	RemovedDelta   int `json:"removedDelta,omitempty"`
	SkippedDelta   int `json:"skippedDelta,omitempty"`
}

// Patch is a partial update, one optional slot per state slice. Lists are
// never merged positionally: RemovedList replaces, AppendRemoved appends.
type Patch struct {
	Process       *ProcessPatch  `json:"process,omitempty"`
	Stats         *StatsPatch    `json:"stats,omitempty"`
	CurrentItem   *CurrentItem   `json:"currentItem,omitempty"`
	RemovedList   *[]RemovedItem `json:"removedList,omitempty"`
	AppendRemoved []RemovedItem  `json:"appendRemoved,omitempty"`
}

func (p Patch) IsZero() bool {
	return p.Process == nil && p.Stats == nil && p.CurrentItem == nil &&
		p.RemovedList == nil && len(p.AppendRemoved) == 0
}

// Apply returns s with p applied. s is not modified.
func Apply(s ProcessState, p Patch) ProcessState {
	out := s.Clone()

	if pp := p.Process; pp != nil {
		if pp.IsRunning != nil {
			out.Process.IsRunning = *pp.IsRunning
		}
		if pp.IsPaused != nil {
			out.Process.IsPaused = *pp.IsPaused
		}
		if pp.TargetTab != nil {
			out.Process.TargetTab = *pp.TargetTab
		}
		if pp.StartTime != nil {
			if pp.StartTime.IsZero() {
				out.Process.StartTime = nil
			} else {
				t := *pp.StartTime
				out.Process.StartTime = &t
			}
		}
		if pp.RunID != nil {
			out.Process.RunID = *pp.RunID
		}
	}

	if sp := p.Stats; sp != nil {
		if sp.TotalFound != nil {
			out.Stats.TotalFound = *sp.TotalFound
		}
		if sp.Processed != nil {
			out.Stats.Processed = *sp.Processed
		}
		if sp.Removed != nil {
			out.Stats.Removed = *sp.Removed
		}
		if sp.Skipped != nil {
			out.Stats.Skipped = *sp.Skipped
		}
		out.Stats.Processed += sp.ProcessedDelta
		out.Stats.Removed += sp.RemovedDelta
		out.Stats.Skipped += sp.SkippedDelta
	}

	if p.CurrentItem != nil {
		out.CurrentItem = *p.CurrentItem
	}
	if p.RemovedList != nil {
		out.RemovedList = append([]RemovedItem(nil), (*p.RemovedList)...)
	}
	if len(p.AppendRemoved) > 0 {
		out.RemovedList = append(out.RemovedList, p.AppendRemoved...)
	}
	if n := len(out.RemovedList); n > MaxRemovedList {
		out.RemovedList = append([]RemovedItem(nil), out.RemovedList[n-MaxRemovedList:]...)
	}

	// paused only means something while running
	if !out.Process.IsRunning {
		out.Process.IsPaused = false
	}
	return out
}

// PatchFromPath builds a patch setting one dotted path, e.g.
// "stats.removedVideos" or "process.isPaused". value may be any JSON-compatible
// Go value.
func PatchFromPath(path string, value any) (Patch, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Patch{}, errors.Wrapf(err, "encode value for %s", path)
	}
	decode := func(dst any) error {
		return errors.Wrapf(json.Unmarshal(raw, dst), "decode value for %s", path)
	}

	var p Patch
	switch path {
	case "process.isRunning", "process.isPaused":
		var b bool
		if err := decode(&b); err != nil {
			return Patch{}, err
		}
		if path == "process.isRunning" {
			p.Process = &ProcessPatch{IsRunning: &b}
		} else {
			p.Process = &ProcessPatch{IsPaused: &b}
		}
	case "process.tabId":
		var tab messaging.TabID
		if value != nil {
			if err := decode(&tab); err != nil {
				return Patch{}, err
			}
		}
		p.Process = &ProcessPatch{TargetTab: &tab}
	case "process.startTime":
		var t time.Time
		if value != nil {
			if err := decode(&t); err != nil {
				return Patch{}, err
			}
		}
		p.Process = &ProcessPatch{StartTime: &t}
	case "stats.totalVideos", "stats.processedVideos", "stats.removedVideos", "stats.skippedVideos":
		var n int
		if err := decode(&n); err != nil {
			return Patch{}, err
		}
		sp := &StatsPatch{}
		switch path {
		case "stats.totalVideos":
			sp.TotalFound = &n
		case "stats.processedVideos":
			sp.Processed = &n
		case "stats.removedVideos":
			sp.Removed = &n
		default:
			sp.Skipped = &n
		}
		p.Stats = sp
	case "currentItem":
		var item CurrentItem
		if err := decode(&item); err != nil {
			return Patch{}, err
		}
		p.CurrentItem = &item
	case "removedList":
		var list []RemovedItem
		if err := decode(&list); err != nil {
			return Patch{}, err
		}
		p.RemovedList = &list
	default:
		return Patch{}, errors.Wrap(ErrUnknownPath, path)
	}
	return p, nil
}

func boolPtr(b bool) *bool { return &b }
func intPtr(n int) *int    { return &n }
