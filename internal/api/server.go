// Package api exposes the REST gateway: submission, queries, cancellation,
// queue statistics, and a websocket watch endpoint for job progress.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/freqsearch/internal/config"
)

const idleTimeoutSeconds = 120

// Server wraps the gin engine and its HTTP listener.
type Server struct {
	cfg    *config.Config
	router *gin.Engine
	server *http.Server
	log    *logrus.Entry
}

// NewServer builds the gateway server and registers all routes.
func NewServer(cfg *config.Config, backtests BacktestAPI, baseLogger *logrus.Logger) *Server {
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	log := baseLogger.WithField("component", "api")

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	handler := NewBacktestHandler(backtests, baseLogger)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/backtests", handler.Submit)
		v1.POST("/backtests/batch", handler.SubmitBatch)
		v1.GET("/backtests", handler.Query)
		v1.GET("/backtests/:id", handler.GetJob)
		v1.GET("/backtests/:id/result", handler.GetResult)
		v1.POST("/backtests/:id/cancel", handler.Cancel)
		v1.GET("/backtests/:id/watch", handler.Watch)
		v1.GET("/queue/stats", handler.QueueStats)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.API.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.API.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  idleTimeoutSeconds * time.Second,
	}

	return &Server{
		cfg:    cfg,
		router: router,
		server: server,
		log:    log,
	}
}

// Router returns the underlying engine, used by tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.log.WithField("addr", s.server.Addr).Info("API server starting")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("API server error")
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("API server shutting down")
	return s.server.Shutdown(ctx)
}

// requestLogger logs one line per request in the structured format the rest
// of the daemon uses.
func requestLogger(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        path,
			"status":      c.Writer.Status(),
			"client_ip":   c.ClientIP(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("Request handled")
	}
}
