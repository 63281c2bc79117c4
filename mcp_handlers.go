package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/xpzouying/tiktok-repost-cleaner/state"
)

// MCP 工具处理函数

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func errorResult(prefix string, err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: prefix + ": " + err.Error()}},
		IsError: true,
	}
}

func jsonResult(prefix string, v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(prefix+", but encoding failed", err)
	}
	return textResult(string(data))
}

// handleStartCleanup 处理开始清理请求
func (s *AppServer) handleStartCleanup(ctx context.Context, _ *mcp.CallToolRequest, _ NoArgs) (*mcp.CallToolResult, any, error) {
	logrus.Info("MCP: start repost cleanup")

	if _, err := s.app.Popup().Start(ctx); err != nil {
		return errorResult("Could not start the cleanup", err), nil, nil
	}
	return textResult("Cleanup started. Poll get_cleanup_state or get_cleanup_events for progress."), nil, nil
}

// handleTogglePause 处理暂停/继续
func (s *AppServer) handleTogglePause(ctx context.Context, _ *mcp.CallToolRequest, _ NoArgs) (*mcp.CallToolResult, any, error) {
	logrus.Info("MCP: toggle pause")

	st, err := s.app.Popup().TogglePause(ctx)
	if err != nil {
		return errorResult("Could not toggle pause", err), nil, nil
	}
	if st.Process.IsPaused {
		return textResult("Cleanup paused."), nil, nil
	}
	return textResult("Cleanup resumed."), nil, nil
}

// handleStopCleanup 处理停止清理
func (s *AppServer) handleStopCleanup(ctx context.Context, _ *mcp.CallToolRequest, _ NoArgs) (*mcp.CallToolResult, any, error) {
	logrus.Info("MCP: stop repost cleanup")

	st, err := s.app.Popup().Stop(ctx)
	if err != nil {
		return errorResult("Could not stop the cleanup", err), nil, nil
	}
	return textResult("Stopping. " + summary(st)), nil, nil
}

// handleGetState 返回当前进度和完整状态
func (s *AppServer) handleGetState(ctx context.Context, _ *mcp.CallToolRequest, _ NoArgs) (*mcp.CallToolResult, any, error) {
	st, err := s.app.Popup().State(ctx)
	if err != nil {
		return errorResult("Could not read the state", err), nil, nil
	}
	res := jsonResult("Read the state", st)
	res.Content = append([]mcp.Content{&mcp.TextContent{Text: summary(st)}}, res.Content...)
	return res, nil, nil
}

func (s *AppServer) handleGetEvents(ctx context.Context, _ *mcp.CallToolRequest, args EventsArgs) (*mcp.CallToolResult, any, error) {
	return jsonResult("Read the events", s.app.Popup().Events(args.Since)), nil, nil
}

// handleScreenshot 截取目标标签页，返回图片内容
func (s *AppServer) handleScreenshot(ctx context.Context, _ *mcp.CallToolRequest, _ NoArgs) (*mcp.CallToolResult, any, error) {
	data, err := s.app.Screenshot(ctx)
	if err != nil {
		return errorResult("Could not capture the tab", err), nil, nil
	}
	return &mcp.CallToolResult{Content: []mcp.Content{
		&mcp.ImageContent{Data: data, MIMEType: imageMIME(data)},
	}}, nil, nil
}

// summary 生成弹窗中展示的统计信息。
func summary(st state.ProcessState) string {
	var sb strings.Builder
	switch {
	case st.Process.IsRunning && st.Process.IsPaused:
		sb.WriteString("Paused. ")
	case st.Process.IsRunning:
		sb.WriteString("Running. ")
	default:
		sb.WriteString("Idle. ")
	}
	fmt.Fprintf(&sb, "Removed %d, skipped %d, processed %d of %d",
		st.Stats.Removed, st.Stats.Skipped, st.Stats.Processed, st.Stats.TotalFound)
	if d := st.Duration(time.Now()); d > 0 {
		fmt.Fprintf(&sb, " in %s", d.Round(time.Second))
	}
	sb.WriteString(".")
	return sb.String()
}
