package main

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/h2non/filetype"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/xpzouying/tiktok-repost-cleaner/app"
	"github.com/xpzouying/tiktok-repost-cleaner/browser"
	"github.com/xpzouying/tiktok-repost-cleaner/messaging"
)

type SuccessResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data"`
	Message string `json:"message,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

func respondSuccess(c *gin.Context, data any, message string) {
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: data, Message: message})
}

func respondError(c *gin.Context, statusCode int, code, message string, details any) {
	logrus.Errorf("%s %s: %s %v", c.Request.Method, c.Request.URL.Path, message, details)
	c.JSON(statusCode, ErrorResponse{Error: message, Code: code, Details: details})
}

// respondCommandError maps a failed control command to a status code by the
// code the background attached to the error.
func respondCommandError(c *gin.Context, err error) {
	msg := err.Error()
	var remote *messaging.RemoteError
	if errors.As(err, &remote) {
		msg = remote.Message
	}
	switch code := messaging.ErrorCode(err); code {
	case messaging.CodeAlreadyRunning:
		respondError(c, http.StatusConflict, code, "a cleanup is already active", msg)
	case messaging.CodeNotRunning:
		respondError(c, http.StatusConflict, code, "no cleanup is active", msg)
	default:
		respondError(c, http.StatusInternalServerError, "COMMAND_FAILED", "command failed", msg)
	}
}

func (s *AppServer) healthHandler(c *gin.Context) {
	respondSuccess(c, map[string]any{
		"status":    "healthy",
		"service":   serverName,
		"selectors": s.app.Selectors().Version(),
	}, "service is healthy")
}

func (s *AppServer) stateHandler(c *gin.Context) {
	st, err := s.app.Popup().State(c.Request.Context())
	if err != nil {
		respondCommandError(c, err)
		return
	}
	respondSuccess(c, st, "")
}

func (s *AppServer) startHandler(c *gin.Context) {
	reply, err := s.app.Popup().Start(c.Request.Context())
	if err != nil {
		respondCommandError(c, err)
		return
	}
	respondSuccess(c, reply, "cleanup starting")
}

func (s *AppServer) togglePauseHandler(c *gin.Context) {
	st, err := s.app.Popup().TogglePause(c.Request.Context())
	if err != nil {
		respondCommandError(c, err)
		return
	}
	msg := "resumed"
	if st.Process.IsPaused {
		msg = "paused"
	}
	respondSuccess(c, st, msg)
}

func (s *AppServer) stopHandler(c *gin.Context) {
	st, err := s.app.Popup().Stop(c.Request.Context())
	if err != nil {
		respondCommandError(c, err)
		return
	}
	respondSuccess(c, st, "stopping")
}

func (s *AppServer) restartHandler(c *gin.Context) {
	st, err := s.app.Popup().Restart(c.Request.Context())
	if err != nil {
		respondCommandError(c, err)
		return
	}
	respondSuccess(c, st, "ready for a new run")
}

// eventsHandler returns the event log, optionally after ?since=<seq>.
func (s *AppServer) eventsHandler(c *gin.Context) {
	var since int64
	if v := c.Query("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "since must be an integer", v)
			return
		}
		since = n
	}
	respondSuccess(c, s.app.Popup().Events(since), "")
}

func (s *AppServer) eventsStreamHandler(c *gin.Context) {
	s.app.Popup().ServeWS(c.Writer, c.Request)
}

func (s *AppServer) reloadSelectorsHandler(c *gin.Context) {
	reply, err := s.app.Popup().ReloadSelectors(c.Request.Context())
	if err != nil {
		respondCommandError(c, err)
		return
	}
	if !reply.Reloaded {
		respondError(c, http.StatusBadGateway, "RELOAD_FAILED", "selector reload failed", reply)
		return
	}
	respondSuccess(c, reply, "selectors reloaded")
}

func (s *AppServer) screenshotHandler(c *gin.Context) {
	data, err := s.app.Screenshot(c.Request.Context())
	switch {
	case errors.Is(err, app.ErrNoTarget), errors.Is(err, browser.ErrUnknownTab):
		respondError(c, http.StatusNotFound, "NO_TARGET_TAB", "no target tab to capture", err.Error())
		return
	case err != nil:
		respondError(c, http.StatusInternalServerError, "SCREENSHOT_FAILED", "screenshot failed", err.Error())
		return
	}
	c.Data(http.StatusOK, imageMIME(data), data)
}

func imageMIME(data []byte) string {
	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown {
		return "application/octet-stream"
	}
	return kind.MIME.Value
}
