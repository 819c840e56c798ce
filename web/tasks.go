package web

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/bikebuds/bikebuds/conns"
	"github.com/bikebuds/bikebuds/models"
	"github.com/bikebuds/bikebuds/queue/tasks"
	"github.com/bikebuds/bikebuds/syncer"
)

// The task endpoints run the same orchestrators as the queue handlers
// and answer with the orchestration outcome. All outcomes are 2xx so
// callers distinguish them by body and exact code, not by error class.

type taskResponse struct {
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

func outcomeResponse(c echo.Context, result syncer.Result) error {
	resp := taskResponse{Outcome: result.Outcome.String()}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}

	return c.JSON(result.Outcome.StatusCode(), resp)
}

func (s *Server) handleSyncTask(c echo.Context) error {
	var payload tasks.SyncPayload
	if err := c.Bind(&payload); err != nil || payload.ServiceKey == "" {
		return c.NoContent(http.StatusBadRequest)
	}

	return outcomeResponse(c, s.handler.RunSync(c.Request().Context(), payload.ServiceKey))
}

func (s *Server) handleSyncAllTask(c echo.Context) error {
	var payload tasks.SyncAllPayload
	if err := c.Bind(&payload); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	if err := s.handler.RunSyncAll(c.Request().Context(), payload.Force); err != nil {
		return c.JSON(http.StatusInternalServerError, taskResponse{Outcome: "ERROR", Error: err.Error()})
	}

	return c.JSON(http.StatusOK, taskResponse{Outcome: "OK"})
}

func (s *Server) handleProcessEventsTask(c echo.Context) error {
	var payload tasks.ProcessEventsPayload
	if err := c.Bind(&payload); err != nil || payload.ServiceKey == "" {
		return c.NoContent(http.StatusBadRequest)
	}

	return outcomeResponse(c, s.handler.RunProcessEvents(c.Request().Context(), payload.ServiceKey))
}

func (s *Server) handleBackfillTask(c echo.Context) error {
	var payload tasks.BackfillPayload
	if err := c.Bind(&payload); err != nil || payload.SourceKey == "" || payload.DestKey == "" {
		return c.NoContent(http.StatusBadRequest)
	}

	return outcomeResponse(c, s.handler.RunBackfill(c.Request().Context(), payload))
}

// handleConnect stores a credential blob for one connection: passwords
// for the write-path vendors, or externally obtained OAuth tokens. The
// values merge into whatever is already stored.
func (s *Server) handleConnect(c echo.Context) error {
	uid := c.QueryParam("uid")
	serviceName := c.Param("service")

	if uid == "" || !knownService(serviceName) {
		return c.NoContent(http.StatusBadRequest)
	}

	var credentials models.Credentials
	if err := c.Bind(&credentials); err != nil || len(credentials) == 0 {
		return c.NoContent(http.StatusBadRequest)
	}

	ctx := c.Request().Context()

	conn, err := s.registry.Get(ctx, conns.UserKey(uid), serviceName)
	if err != nil {
		return c.NoContent(http.StatusInternalServerError)
	}

	if err := s.registry.UpdateCredentials(ctx, conn, credentials); err != nil {
		return c.NoContent(http.StatusInternalServerError)
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "connected"})
}

// handleDisconnect drops the stored credentials of one connection.
// Subsequent syncs fast-fail with a no-credentials outcome.
func (s *Server) handleDisconnect(c echo.Context) error {
	uid := c.QueryParam("uid")
	serviceName := c.Param("service")

	if uid == "" || !knownService(serviceName) {
		return c.NoContent(http.StatusBadRequest)
	}

	ctx := c.Request().Context()

	conn, err := s.registry.Get(ctx, conns.UserKey(uid), serviceName)
	if err != nil {
		return c.NoContent(http.StatusInternalServerError)
	}

	if err := s.registry.ClearCredentials(ctx, conn); err != nil {
		return c.NoContent(http.StatusInternalServerError)
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "disconnected"})
}

func knownService(name string) bool {
	switch name {
	case models.ServiceStrava, models.ServiceWithings, models.ServiceFitbit,
		models.ServiceGarmin, models.ServiceTrainerRoad:
		return true
	default:
		return false
	}
}
