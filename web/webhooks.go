package web

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/bikebuds/bikebuds/conns"
	"github.com/bikebuds/bikebuds/models"
)

// handleStravaChallenge answers the subscription validation handshake:
// the vendor sends its verify token and expects the challenge echoed
// back.
func (s *Server) handleStravaChallenge(c echo.Context) error {
	if c.QueryParam("hub.verify_token") != s.cfg.StravaVerifyToken {
		return c.NoContent(http.StatusUnauthorized)
	}

	return c.JSON(http.StatusOK, map[string]string{
		"hub.challenge": c.QueryParam("hub.challenge"),
	})
}

type stravaEventPayload struct {
	ObjectID       int64             `json:"object_id"`
	ObjectType     string            `json:"object_type"`
	AspectType     string            `json:"aspect_type"`
	EventTime      int64             `json:"event_time"`
	OwnerID        int64             `json:"owner_id"`
	SubscriptionID int64             `json:"subscription_id"`
	Updates        map[string]string `json:"updates"`
}

// handleStravaEvent stores an inbound notification and schedules a
// drain. The receiver always acknowledges: vendors drop subscriptions
// that see repeated errors, and a stored duplicate is harmless.
func (s *Server) handleStravaEvent(c echo.Context) error {
	uid := c.QueryParam("uid")
	if uid == "" {
		return c.NoContent(http.StatusBadRequest)
	}

	var payload stravaEventPayload
	if err := c.Bind(&payload); err != nil {
		// Record the delivery as a failure event so it is visible, and
		// acknowledge: vendors drop subscriptions that see errors.
		s.logger.Warn("undecodable webhook payload",
			zap.String("service", models.ServiceStrava),
			zap.Error(err),
		)

		return s.ingest(c, uid, models.ServiceStrava, &models.SubscriptionEvent{
			Failure: true,
			URL:     c.Request().URL.String(),
		})
	}

	event := models.SubscriptionEvent{
		ObjectID:       payload.ObjectID,
		ObjectType:     payload.ObjectType,
		AspectType:     payload.AspectType,
		EventTime:      payload.EventTime,
		OwnerID:        payload.OwnerID,
		SubscriptionID: payload.SubscriptionID,
		Updates:        payload.Updates,
		URL:            c.Request().URL.String(),
	}

	return s.ingest(c, uid, models.ServiceStrava, &event)
}

// handleWithingsVerify answers the vendor's callback liveness probe.
func (s *Server) handleWithingsVerify(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// handleWithingsEvent stores a measurement notification. The payload is
// an opaque form; its fields become the event's dedup identity.
func (s *Server) handleWithingsEvent(c echo.Context) error {
	uid := c.QueryParam("uid")
	if uid == "" {
		return c.NoContent(http.StatusBadRequest)
	}

	form, err := c.FormParams()
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	eventData := make(map[string]string, len(form))
	for k := range form {
		eventData[k] = form.Get(k)
	}

	event := models.SubscriptionEvent{
		EventData: eventData,
		URL:       c.Request().URL.String(),
	}

	return s.ingest(c, uid, models.ServiceWithings, &event)
}

func (s *Server) ingest(c echo.Context, uid, serviceName string, event *models.SubscriptionEvent) error {
	ctx := c.Request().Context()
	serviceKey := conns.ServiceKey(conns.UserKey(uid), serviceName)
	event.Date = time.Now().UTC()

	created, err := s.registry.IngestEvent(ctx, serviceKey, event)
	if err != nil {
		s.logger.Error("failed to store event",
			zap.String("service", serviceKey.String()),
			zap.Error(err),
		)

		return c.NoContent(http.StatusInternalServerError)
	}

	if created {
		if err := s.handler.EnqueueProcessEvents(ctx, serviceKey); err != nil {
			// The event document is durable; the next drain picks it up.
			s.logger.Warn("failed to enqueue event processing",
				zap.String("service", serviceKey.String()),
				zap.Error(err),
			)
		}
	}

	return c.NoContent(http.StatusOK)
}
