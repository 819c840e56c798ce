package strava

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bikebuds/bikebuds/conns"
	"github.com/bikebuds/bikebuds/datastore"
	"github.com/bikebuds/bikebuds/models"
	"github.com/bikebuds/bikebuds/tokenguard"
)

type countingRefresher struct {
	mu    sync.Mutex
	calls int
}

func (c *countingRefresher) RefreshToken(context.Context, string) (models.Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++

	return models.Credentials{"access_token": "fresh", "refresh_token": "r2"}, nil
}

func (c *countingRefresher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.calls
}

func TestWorkerSync(t *testing.T) {
	ctx := context.Background()

	newFixture := func(t *testing.T, source *fakeActivitySource) (*Worker, *conns.Connection, datastore.Store) {
		t.Helper()

		store := datastore.NewMemory()
		registry := conns.NewRegistry(store, zap.NewNop())

		conn, err := registry.Get(ctx, conns.UserKey("jane"), models.ServiceStrava)
		require.NoError(t, err)
		require.NoError(t, registry.UpdateCredentials(ctx, conn, models.Credentials{
			"access_token":  "good",
			"refresh_token": "r1",
		}))

		guard := tokenguard.New(conn, registry, staticRefresher{}, zap.NewNop())

		return NewWorker(conn, store, guard, source, zap.NewNop()), conn, store
	}

	t.Run("stores a detailed document per listed activity", func(t *testing.T) {
		source := &fakeActivitySource{activities: map[int64]*models.Activity{
			1: {ID: 1, Name: "Morning ride", Distance: 20000},
			2: {ID: 2, Name: "Evening run", Distance: 5000},
		}}
		worker, conn, store := newFixture(t, source)

		require.NoError(t, worker.Sync(ctx))

		var activity models.Activity
		require.NoError(t, store.Get(ctx, ActivityKey(conn.Key, 1), &activity))
		assert.Equal(t, "Morning ride", activity.Name)
		require.NoError(t, store.Get(ctx, ActivityKey(conn.Key, 2), &activity))
		assert.Equal(t, 5000.0, activity.Distance)
	})

	t.Run("resync keeps activities the vendor no longer lists", func(t *testing.T) {
		source := &fakeActivitySource{activities: map[int64]*models.Activity{
			1: {ID: 1, Name: "Kept"},
		}}
		worker, conn, store := newFixture(t, source)
		require.NoError(t, store.Put(ctx, ActivityKey(conn.Key, 99), &models.Activity{ID: 99, Name: "Old"}))

		require.NoError(t, worker.Sync(ctx))

		var activity models.Activity
		require.NoError(t, store.Get(ctx, ActivityKey(conn.Key, 99), &activity))
		assert.Equal(t, "Old", activity.Name)
	})

	t.Run("token rejection mid run refreshes and retries", func(t *testing.T) {
		source := &fakeActivitySource{
			activities: map[int64]*models.Activity{
				1: {ID: 1, Name: "Morning ride"},
			},
			unauthorizedFetches: 1,
		}

		store := datastore.NewMemory()
		registry := conns.NewRegistry(store, zap.NewNop())

		conn, err := registry.Get(ctx, conns.UserKey("jane"), models.ServiceStrava)
		require.NoError(t, err)
		require.NoError(t, registry.UpdateCredentials(ctx, conn, models.Credentials{
			"access_token":  "stale",
			"refresh_token": "r1",
		}))

		refresher := &countingRefresher{}
		worker := NewWorker(conn, store, tokenguard.New(conn, registry, refresher, zap.NewNop()), source, zap.NewNop())

		require.NoError(t, worker.Sync(ctx))
		assert.Equal(t, 1, refresher.count())

		var activity models.Activity
		require.NoError(t, store.Get(ctx, ActivityKey(conn.Key, 1), &activity))
		assert.Equal(t, "Morning ride", activity.Name)
	})

	t.Run("list failure surfaces", func(t *testing.T) {
		source := &fakeActivitySource{fetchErr: assert.AnError}
		worker, _, _ := newFixture(t, source)

		assert.ErrorIs(t, worker.Sync(ctx), assert.AnError)
	})

	t.Run("empty listing is a successful no-op", func(t *testing.T) {
		source := &fakeActivitySource{activities: map[int64]*models.Activity{}}
		worker, _, _ := newFixture(t, source)

		require.NoError(t, worker.Sync(ctx))
		assert.Empty(t, source.fetches)
	})
}
