package main

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// NoArgs is the input of tools that take no arguments.
type NoArgs struct{}

// EventsArgs selects part of the event log.
type EventsArgs struct {
	Since int64 `json:"since,omitempty" jsonschema:"only return events with a sequence number above this"`
}

func (s *AppServer) newMCPServer() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: serverVersion,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "start_repost_cleanup",
		Description: "Open TikTok in the automated browser and remove every repost from the logged-in profile",
	}, s.handleStartCleanup)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "toggle_pause_cleanup",
		Description: "Pause the running cleanup, or resume it when paused",
	}, s.handleTogglePause)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "stop_repost_cleanup",
		Description: "Stop the running cleanup after the current video",
	}, s.handleStopCleanup)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_cleanup_state",
		Description: "Return the cleanup progress: running flags, counters and the removed videos",
	}, s.handleGetState)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_cleanup_events",
		Description: "Return the recent status, progress and result events of the cleanup",
	}, s.handleGetEvents)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "screenshot_target_tab",
		Description: "Capture the TikTok tab the cleanup is working in",
	}, s.handleScreenshot)

	return server
}
