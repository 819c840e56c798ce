package withings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bikebuds/bikebuds/conns"
	"github.com/bikebuds/bikebuds/datastore"
	"github.com/bikebuds/bikebuds/models"
	"github.com/bikebuds/bikebuds/tokenguard"
	"github.com/bikebuds/bikebuds/vendors"
)

type fakeVendor struct {
	measures      []models.Measure
	windows       []vendors.Window
	fetchErr      error
	subscriptions []models.Subscription
	subscribed    []string
	revoked       []string
}

func (f *fakeVendor) FetchMeasurements(_ context.Context, window vendors.Window) ([]models.Measure, error) {
	f.windows = append(f.windows, window)

	if f.fetchErr != nil {
		return nil, f.fetchErr
	}

	return f.measures, nil
}

func (f *fakeVendor) ListSubscriptions(context.Context) ([]models.Subscription, error) {
	return f.subscriptions, nil
}

func (f *fakeVendor) Subscribe(_ context.Context, callbackURL, _ string) error {
	f.subscribed = append(f.subscribed, callbackURL)

	return nil
}

func (f *fakeVendor) Revoke(_ context.Context, callbackURL string) error {
	f.revoked = append(f.revoked, callbackURL)

	return nil
}

type staticRefresher struct{}

func (staticRefresher) RefreshToken(context.Context, string) (models.Credentials, error) {
	return models.Credentials{"access_token": "fresh"}, nil
}

func day(n int) time.Time {
	return time.Date(2026, time.August, n, 12, 0, 0, 0, time.UTC)
}

func newWorkerFixture(t *testing.T, vendor *fakeVendor, callbackURL string) (*Worker, *conns.Connection, *conns.Registry, datastore.Store) {
	t.Helper()

	ctx := context.Background()
	store := datastore.NewMemory()
	registry := conns.NewRegistry(store, zap.NewNop())

	conn, err := registry.Get(ctx, conns.UserKey("jane"), models.ServiceWithings)
	require.NoError(t, err)
	require.NoError(t, registry.UpdateCredentials(ctx, conn, models.Credentials{
		"access_token":  "good",
		"refresh_token": "r1",
	}))

	guard := tokenguard.New(conn, registry, staticRefresher{}, zap.NewNop())

	return NewWorker(conn, registry, guard, vendor, callbackURL, zap.NewNop()), conn, registry, store
}

func TestWorkerSync(t *testing.T) {
	ctx := context.Background()

	t.Run("replaces the series wholesale", func(t *testing.T) {
		vendor := &fakeVendor{measures: []models.Measure{
			{Date: day(1), Weight: 70},
			{Date: day(2), Weight: 70.5},
		}}
		worker, conn, registry, _ := newWorkerFixture(t, vendor, "")

		require.NoError(t, registry.PutSeries(ctx, conn.Key, &models.Series{
			Measures: []models.Measure{{Date: day(20), Weight: 99}},
		}))

		require.NoError(t, worker.Sync(ctx))

		series, err := registry.GetSeries(ctx, conn.Key)
		require.NoError(t, err)
		require.Len(t, series.Measures, 2)
		assert.Equal(t, 70.0, series.Measures[0].Weight)

		// Full sync fetches the whole history.
		require.Len(t, vendor.windows, 1)
		assert.True(t, vendor.windows[0].Start.IsZero())
		assert.True(t, vendor.windows[0].End.IsZero())
	})

	t.Run("fetch failure leaves the series untouched", func(t *testing.T) {
		vendor := &fakeVendor{fetchErr: assert.AnError}
		worker, conn, registry, _ := newWorkerFixture(t, vendor, "")

		require.NoError(t, registry.PutSeries(ctx, conn.Key, &models.Series{
			Measures: []models.Measure{{Date: day(1), Weight: 70}},
		}))

		require.Error(t, worker.Sync(ctx))

		series, err := registry.GetSeries(ctx, conn.Key)
		require.NoError(t, err)
		assert.Len(t, series.Measures, 1)
	})

	t.Run("registers a missing webhook subscription", func(t *testing.T) {
		vendor := &fakeVendor{}
		worker, conn, _, store := newWorkerFixture(t, vendor, "https://backend.example.com/webhooks/withings?uid=jane")

		require.NoError(t, worker.Sync(ctx))
		require.Len(t, vendor.subscribed, 1)
		assert.Equal(t, "https://backend.example.com/webhooks/withings?uid=jane", vendor.subscribed[0])

		var sub models.Subscription
		require.NoError(t, store.Get(ctx, conns.SubscriptionKey(conn.Key), &sub))
		assert.Equal(t, "bikebuds", sub.Comment)
		assert.False(t, sub.Date.IsZero())
	})

	t.Run("existing subscription is not re-registered", func(t *testing.T) {
		callback := "https://backend.example.com/webhooks/withings?uid=jane"
		vendor := &fakeVendor{subscriptions: []models.Subscription{{CallbackURL: callback}}}
		worker, _, _, _ := newWorkerFixture(t, vendor, callback)

		require.NoError(t, worker.Sync(ctx))
		assert.Empty(t, vendor.subscribed)
	})

	t.Run("stale own registrations are revoked", func(t *testing.T) {
		callback := "https://backend.example.com/webhooks/withings?uid=jane"
		vendor := &fakeVendor{subscriptions: []models.Subscription{
			{CallbackURL: "https://old.example.com/hooks?uid=jane", Comment: "bikebuds"},
			{CallbackURL: "https://other-app.example.com/hooks", Comment: "someapp"},
		}}
		worker, _, _, _ := newWorkerFixture(t, vendor, callback)

		require.NoError(t, worker.Sync(ctx))

		assert.Equal(t, []string{"https://old.example.com/hooks?uid=jane"}, vendor.revoked)
		assert.Equal(t, []string{callback}, vendor.subscribed)
	})

	t.Run("no callback url skips reconciliation", func(t *testing.T) {
		vendor := &fakeVendor{}
		worker, _, _, _ := newWorkerFixture(t, vendor, "")

		require.NoError(t, worker.Sync(ctx))
		assert.Empty(t, vendor.subscribed)
	})
}
