package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"
)

func (s *AppServer) setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/health", s.healthHandler)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)
	router.Any("/mcp", gin.WrapH(mcpHandler))
	router.Any("/mcp/*path", gin.WrapH(mcpHandler))

	api := router.Group("/api/v1")
	{
		api.GET("/state", s.stateHandler)
		api.POST("/process/start", s.startHandler)
		api.POST("/process/pause", s.togglePauseHandler)
		api.POST("/process/stop", s.stopHandler)
		api.POST("/process/restart", s.restartHandler)
		api.GET("/events", s.eventsHandler)
		api.GET("/events/ws", s.eventsStreamHandler)
		api.POST("/selectors/reload", s.reloadSelectorsHandler)
		api.GET("/tab/screenshot", s.screenshotHandler)
	}
	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logrus.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("http request")
	}
}
