package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bikebuds/bikebuds/conns"
	"github.com/bikebuds/bikebuds/datastore"
	"github.com/bikebuds/bikebuds/models"
	"github.com/bikebuds/bikebuds/queue/tasks"
	"github.com/bikebuds/bikebuds/services"
)

type fakeEnqueuer struct {
	types []string
}

func (f *fakeEnqueuer) EnqueueTask(_ context.Context, taskType string, _ []byte, _ ...asynq.Option) error {
	f.types = append(f.types, taskType)

	return nil
}

type fixture struct {
	echo     *echo.Echo
	store    datastore.Store
	registry *conns.Registry
	enqueuer *fakeEnqueuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := datastore.NewMemory()
	registry := conns.NewRegistry(store, zap.NewNop())
	enqueuer := &fakeEnqueuer{}

	factory := services.NewFactory(services.Config{}, store, registry, nil, zap.NewNop())
	handler := tasks.NewHandler(store, registry, factory, zap.NewNop(), tasks.WithEnqueuer(enqueuer))

	srv := NewServer(Config{StravaVerifyToken: "verify-me"}, registry, handler, zap.NewNop())

	e := echo.New()
	srv.registerRoutes(e)

	return &fixture{echo: e, store: store, registry: registry, enqueuer: enqueuer}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)

	return rec
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	return req
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStravaChallenge(t *testing.T) {
	f := newFixture(t)

	t.Run("echoes the challenge for the right token", func(t *testing.T) {
		rec := f.do(httptest.NewRequest(http.MethodGet,
			"/webhooks/strava?hub.verify_token=verify-me&hub.challenge=abc123", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "abc123", body["hub.challenge"])
	})

	t.Run("rejects the wrong token", func(t *testing.T) {
		rec := f.do(httptest.NewRequest(http.MethodGet,
			"/webhooks/strava?hub.verify_token=nope&hub.challenge=abc123", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestStravaEvent(t *testing.T) {
	payload := `{"object_id":42,"object_type":"activity","aspect_type":"create","event_time":1700000000,"owner_id":7}`

	t.Run("stores the event and schedules a drain", func(t *testing.T) {
		f := newFixture(t)

		rec := f.do(jsonRequest(http.MethodPost, "/webhooks/strava?uid=jane", payload))
		require.Equal(t, http.StatusOK, rec.Code)

		serviceKey := conns.ServiceKey(conns.UserKey("jane"), models.ServiceStrava)
		records, err := f.store.Query(context.Background(), conns.KindSubscriptionEvent, serviceKey)
		require.NoError(t, err)
		require.Len(t, records, 1)

		var event models.SubscriptionEvent
		require.NoError(t, records[0].Decode(&event))
		assert.Equal(t, int64(42), event.ObjectID)
		assert.Equal(t, "create", event.AspectType)

		assert.Equal(t, []string{tasks.TypeProcessEvents}, f.enqueuer.types)
	})

	t.Run("redelivery acknowledges without a second document", func(t *testing.T) {
		f := newFixture(t)

		for i := 0; i < 2; i++ {
			rec := f.do(jsonRequest(http.MethodPost, "/webhooks/strava?uid=jane", payload))
			require.Equal(t, http.StatusOK, rec.Code)
		}

		serviceKey := conns.ServiceKey(conns.UserKey("jane"), models.ServiceStrava)
		records, err := f.store.Query(context.Background(), conns.KindSubscriptionEvent, serviceKey)
		require.NoError(t, err)
		assert.Len(t, records, 1)

		// Only the first delivery schedules a drain.
		assert.Len(t, f.enqueuer.types, 1)
	})

	t.Run("missing uid is rejected", func(t *testing.T) {
		f := newFixture(t)

		rec := f.do(jsonRequest(http.MethodPost, "/webhooks/strava", payload))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("undecodable payload is recorded as a failure event", func(t *testing.T) {
		f := newFixture(t)

		rec := f.do(jsonRequest(http.MethodPost, "/webhooks/strava?uid=jane", `{"object_id":"not a number"}`))
		require.Equal(t, http.StatusOK, rec.Code)

		serviceKey := conns.ServiceKey(conns.UserKey("jane"), models.ServiceStrava)
		records, err := f.store.Query(context.Background(), conns.KindSubscriptionEvent, serviceKey)
		require.NoError(t, err)
		require.Len(t, records, 1)

		var event models.SubscriptionEvent
		require.NoError(t, records[0].Decode(&event))
		assert.True(t, event.Failure)
	})

	t.Run("repeated malformed deliveries are each recorded", func(t *testing.T) {
		f := newFixture(t)

		for i := 0; i < 2; i++ {
			rec := f.do(jsonRequest(http.MethodPost, "/webhooks/strava?uid=jane", `{"object_id":"not a number"}`))
			require.Equal(t, http.StatusOK, rec.Code)
		}

		serviceKey := conns.ServiceKey(conns.UserKey("jane"), models.ServiceStrava)
		records, err := f.store.Query(context.Background(), conns.KindSubscriptionEvent, serviceKey)
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})
}

func TestWithingsWebhook(t *testing.T) {
	t.Run("liveness probe", func(t *testing.T) {
		f := newFixture(t)

		rec := f.do(httptest.NewRequest(http.MethodHead, "/webhooks/withings", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("form payload becomes the event identity", func(t *testing.T) {
		f := newFixture(t)

		form := url.Values{
			"userid":    {"123"},
			"startdate": {"1700000000"},
			"enddate":   {"1700003600"},
			"appli":     {"1"},
		}

		req := httptest.NewRequest(http.MethodPost, "/webhooks/withings?uid=jane",
			strings.NewReader(form.Encode()))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)

		rec := f.do(req)
		require.Equal(t, http.StatusOK, rec.Code)

		serviceKey := conns.ServiceKey(conns.UserKey("jane"), models.ServiceWithings)
		records, err := f.store.Query(context.Background(), conns.KindSubscriptionEvent, serviceKey)
		require.NoError(t, err)
		require.Len(t, records, 1)

		var event models.SubscriptionEvent
		require.NoError(t, records[0].Decode(&event))
		assert.Equal(t, "1700000000", event.EventData["startdate"])
		assert.Equal(t, "1700003600", event.EventData["enddate"])
	})
}

func TestTaskEndpoints(t *testing.T) {
	t.Run("sync of an unknown connection answers no service", func(t *testing.T) {
		f := newFixture(t)

		rec := f.do(jsonRequest(http.MethodPost, "/tasks/sync",
			`{"service_key":"User/jane/Service/withings"}`))
		require.Equal(t, 210, rec.Code)

		var body taskResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "NO SERVICE", body.Outcome)
	})

	t.Run("sync without credentials answers no credentials", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.registry.Get(context.Background(), conns.UserKey("jane"), models.ServiceWithings)
		require.NoError(t, err)

		rec := f.do(jsonRequest(http.MethodPost, "/tasks/sync",
			`{"service_key":"User/jane/Service/withings"}`))
		assert.Equal(t, 220, rec.Code)
	})

	t.Run("empty payload is a bad request", func(t *testing.T) {
		f := newFixture(t)

		rec := f.do(jsonRequest(http.MethodPost, "/tasks/sync", `{}`))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("sync all fans out", func(t *testing.T) {
		f := newFixture(t)

		conn, err := f.registry.Get(context.Background(), conns.UserKey("jane"), models.ServiceWithings)
		require.NoError(t, err)
		require.NoError(t, f.registry.UpdateCredentials(context.Background(), conn, models.Credentials{
			"access_token": "a", "refresh_token": "r",
		}))

		rec := f.do(jsonRequest(http.MethodPost, "/tasks/sync_all", `{}`))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{tasks.TypeSync}, f.enqueuer.types)
	})

	t.Run("backfill requires both keys", func(t *testing.T) {
		f := newFixture(t)

		rec := f.do(jsonRequest(http.MethodPost, "/tasks/backfill",
			`{"source_key":"User/jane/Service/withings"}`))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestConnect(t *testing.T) {
	t.Run("stores the posted credentials", func(t *testing.T) {
		f := newFixture(t)

		rec := f.do(jsonRequest(http.MethodPost, "/services/garmin/connect?uid=jane",
			`{"username":"jane","password":"hunter2"}`))
		require.Equal(t, http.StatusOK, rec.Code)

		conn, err := f.registry.GetByKey(context.Background(),
			conns.ServiceKey(conns.UserKey("jane"), models.ServiceGarmin))
		require.NoError(t, err)
		assert.Equal(t, "hunter2", conn.Credentials.Password())
		assert.True(t, conn.HasCredentials(models.CredentialKeyPassword))
	})

	t.Run("empty credential payload is rejected", func(t *testing.T) {
		f := newFixture(t)

		rec := f.do(jsonRequest(http.MethodPost, "/services/garmin/connect?uid=jane", `{}`))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown services are rejected", func(t *testing.T) {
		f := newFixture(t)

		rec := f.do(jsonRequest(http.MethodPost, "/services/polar/connect?uid=jane",
			`{"password":"x"}`))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestDisconnect(t *testing.T) {
	t.Run("clears the stored credentials", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		conn, err := f.registry.Get(ctx, conns.UserKey("jane"), models.ServiceStrava)
		require.NoError(t, err)
		require.NoError(t, f.registry.UpdateCredentials(ctx, conn, models.Credentials{
			"access_token": "a", "refresh_token": "r",
		}))

		rec := f.do(httptest.NewRequest(http.MethodPost, "/services/strava/disconnect?uid=jane", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		stored, err := f.registry.GetByKey(ctx, conn.Key)
		require.NoError(t, err)
		assert.Empty(t, stored.Credentials)
	})

	t.Run("unknown services are rejected", func(t *testing.T) {
		f := newFixture(t)

		rec := f.do(httptest.NewRequest(http.MethodPost, "/services/polar/disconnect?uid=jane", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
