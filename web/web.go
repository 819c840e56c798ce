// Package web exposes the HTTP surface: vendor webhook receivers and
// the task endpoints mirroring the queue handlers.
package web

import (
	"context"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/bikebuds/bikebuds/conns"
	"github.com/bikebuds/bikebuds/queue/tasks"
)

// Config holds the web server configuration.
type Config struct {
	Addr  string
	Debug bool

	// StravaVerifyToken answers the webhook validation challenge.
	StravaVerifyToken string
}

// Server wires the webhook and task endpoints.
type Server struct {
	cfg      Config
	registry *conns.Registry
	handler  *tasks.Handler
	logger   *zap.Logger
}

// NewServer builds the server.
func NewServer(cfg Config, registry *conns.Registry, handler *tasks.Handler, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		handler:  handler,
		logger:   logger,
	}
}

// Start runs the server until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	e := echo.New()
	e.Debug = s.cfg.Debug
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.Logger.SetOutput(os.Stderr)

	s.registerRoutes(e)

	go func() {
		<-ctx.Done()

		_ = e.Shutdown(context.Background())
	}()

	err := e.Start(s.cfg.Addr)
	if err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

func (s *Server) registerRoutes(e *echo.Echo) {
	e.GET("/health", s.handleHealth)

	e.GET("/webhooks/strava", s.handleStravaChallenge)
	e.POST("/webhooks/strava", s.handleStravaEvent)

	e.HEAD("/webhooks/withings", s.handleWithingsVerify)
	e.POST("/webhooks/withings", s.handleWithingsEvent)

	e.POST("/tasks/sync", s.handleSyncTask)
	e.POST("/tasks/sync_all", s.handleSyncAllTask)
	e.POST("/tasks/process_events", s.handleProcessEventsTask)
	e.POST("/tasks/backfill", s.handleBackfillTask)

	e.POST("/services/:service/connect", s.handleConnect)
	e.POST("/services/:service/disconnect", s.handleDisconnect)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
