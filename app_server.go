package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/xpzouying/tiktok-repost-cleaner/app"
)

const (
	serverName      = "tiktok-repost-cleaner"
	serverVersion   = "1.0.0"
	shutdownTimeout = 10 * time.Second
)

// AppServer 通过 HTTP 和 MCP 暴露弹窗的控制命令。
type AppServer struct {
	app        *app.App
	router     *gin.Engine
	mcpServer  *mcp.Server
	httpServer *http.Server
}

func NewAppServer(a *app.App) *AppServer {
	s := &AppServer{app: a}
	s.mcpServer = s.newMCPServer()
	s.router = s.setupRoutes()
	return s
}

// Start 在 addr 上启动 HTTP 服务，直到 ctx 结束。
func (s *AppServer) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("HTTP server listening on %s", addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	logrus.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP server shutdown")
		return err
	}
	return nil
}

// StartSTDIO 通过 stdin/stdout 提供 MCP 服务，直到客户端断开。
func (s *AppServer) StartSTDIO(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcp.StdioTransport{})
}
