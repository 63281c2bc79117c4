package messaging

// Message types. Any casing or separator style is accepted on the wire, see
// NormalizeType.
const (
	TypePing = "PING"

	// state replication
	TypeGetState     = "GET_STATE"
	TypeUpdateState  = "UPDATE_STATE"
	TypeResetState   = "RESET_STATE"
	TypeStateChanged = "STATE_CHANGED"

	// control commands (popup -> background)
	TypeStartProcess   = "START_PROCESS"
	TypeTogglePause    = "TOGGLE_PAUSE"
	TypeStopProcess    = "STOP_PROCESS"
	TypeRestartProcess = "RESTART_PROCESS"

	// background -> content
	TypeStartWorkflow   = "START_WORKFLOW"
	TypeReloadSelectors = "RELOAD_SELECTORS"

	// events for the control surface
	TypeStatusUpdate    = "STATUS_UPDATE"
	TypeProgressUpdate  = "PROGRESS_UPDATE"
	TypeVideoRemoved    = "VIDEO_REMOVED"
	TypeVideoSkipped    = "VIDEO_SKIPPED"
	TypeProcessComplete = "PROCESS_COMPLETE"
	TypeProcessError    = "PROCESS_ERROR"
	TypeNoVideosFound   = "NO_VIDEOS_FOUND"
	TypeLimitReached    = "LIMIT_REACHED"
	TypeTabClosed       = "TAB_CLOSED"
	TypeSelectorTimeout = "SELECTOR_TIMEOUT"
)

// PongReply is the fixed acknowledgment to PING.
const PongReply = "PONG"

// StatusKind classifies a status line shown by the control surface.
type StatusKind string

const (
	StatusInfo    StatusKind = "info"
	StatusSuccess StatusKind = "success"
	StatusWarning StatusKind = "warning"
	StatusError   StatusKind = "error"
	StatusWaiting StatusKind = "waiting"
)

type StatusEvent struct {
	Message string     `json:"message"`
	Kind    StatusKind `json:"kind"`
}

// ProgressPhase tags progress events from the scroll loader and the queue.
type ProgressPhase string

const (
	PhaseFirst ProgressPhase = "first"
	PhaseBatch ProgressPhase = "batch"
	PhaseFinal ProgressPhase = "final"
)

type ProgressEvent struct {
	Current int           `json:"current"`
	Total   int           `json:"total"`
	Phase   ProgressPhase `json:"phase"`
}

type VideoEvent struct {
	Title  string `json:"title"`
	Author string `json:"author"`
	URL    string `json:"url"`
	Reason string `json:"reason,omitempty"`
}

type CompleteEvent struct {
	RemovedCount int    `json:"removedCount"`
	TotalCount   int    `json:"totalCount"`
	DurationMs   int64  `json:"durationMs"`
	Duration     string `json:"duration"`
	Success      bool   `json:"success"`
}

type ErrorEvent struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type SelectorTimeoutEvent struct {
	Key       string `json:"key"`
	TimeoutMs int64  `json:"timeoutMs"`
	URL       string `json:"url"`
}
