// Package api exposes configurations, sessions and lifecycle events over
// HTTP and websocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kandev/runctl/internal/common/config"
	"github.com/kandev/runctl/internal/common/logger"
	"github.com/kandev/runctl/internal/events/bus"
	"github.com/kandev/runctl/internal/execution"
	"github.com/kandev/runctl/internal/profiles"
)

const (
	shutdownTimeout    = 10 * time.Second
	maxGoroutinesAlive = 10000
)

// Deps are the services the API serves.
type Deps struct {
	Manager  *execution.Manager
	Catalog  *profiles.Catalog
	Bus      bus.EventBus
	Gatherer prometheus.Gatherer
}

// Server is the runctl HTTP server.
type Server struct {
	cfg    config.ServerConfig
	router *gin.Engine
	hub    *Hub
	logger *logger.Logger
}

func NewServer(cfg config.ServerConfig, deps Deps, log *logger.Logger) *Server {
	hub := NewHub(deps.Bus, log)
	return &Server{
		cfg:    cfg,
		router: NewRouter(deps, hub, log),
		hub:    hub,
		logger: log.WithFields(zap.String("component", "http-server")),
	}
}

// NewRouter wires every route. The hub must be running for /api/v1/events
// to accept clients.
func NewRouter(deps Deps, hub *Hub, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestLogger(log))

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutinesAlive))
	health.AddReadinessCheck("event-bus", func() error {
		if !deps.Bus.IsConnected() {
			return errors.New("event bus disconnected")
		}
		return nil
	})
	health.AddReadinessCheck("workspace", func() error {
		if deps.Manager.Workspace().IsDisposed() {
			return execution.ErrWorkspaceDisposed
		}
		return nil
	})
	router.GET("/live", gin.WrapF(health.LiveEndpoint))
	router.GET("/ready", gin.WrapF(health.ReadyEndpoint))

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	h := NewHandler(deps.Manager, deps.Catalog, log)
	v1 := router.Group("/api/v1")
	v1.GET("/configurations", h.ListConfigurations)
	v1.POST("/configurations/:name/run", h.RunConfiguration)
	v1.GET("/sessions", h.ListSessions)
	v1.GET("/sessions/:id", h.GetSession)
	v1.POST("/sessions/:id/stop", h.StopSession)
	v1.DELETE("/sessions/:id", h.DisposeSession)
	v1.GET("/events", hub.Stream)
	return router
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	hubErr := make(chan error, 1)
	go func() { hubErr <- s.hub.Run(hubCtx) }()

	server := &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.WriteTimeoutDuration(),
	}

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-hubErr:
		if err != nil {
			_ = server.Close()
			return fmt.Errorf("websocket hub: %w", err)
		}
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", zap.Error(err))
		return err
	}
	s.logger.Info("HTTP server stopped")
	return nil
}
