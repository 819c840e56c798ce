package datastore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bikebuds/bikebuds/datastore"
	"github.com/bikebuds/bikebuds/testcontainers"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := testcontainers.NewPostgresContainer(ctx)
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}

	defer func() { _ = container.Terminate(ctx) }()

	store, err := datastore.OpenPostgres(ctx, container.GetDSN())
	require.NoError(t, err)

	defer store.Close()

	type doc struct {
		Name string `json:"name"`
	}

	jane := datastore.NewKey("User", "jane", nil)
	strava := datastore.NewKey("Service", "strava", jane)
	withings := datastore.NewKey("Service", "withings", jane)

	t.Run("put and get", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, strava, &doc{Name: "first"}))
		require.NoError(t, store.Put(ctx, strava, &doc{Name: "second"}))

		var got doc
		require.NoError(t, store.Get(ctx, strava, &got))
		assert.Equal(t, "second", got.Name)
	})

	t.Run("get missing", func(t *testing.T) {
		var got doc
		err := store.Get(ctx, datastore.NewKey("User", "nobody", nil), &got)
		assert.ErrorIs(t, err, datastore.ErrNoSuchEntity)
	})

	t.Run("create is first writer wins", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, withings, &doc{Name: "original"}))

		err := store.Create(ctx, withings, &doc{Name: "duplicate"})
		assert.ErrorIs(t, err, datastore.ErrAlreadyExists)

		var got doc
		require.NoError(t, store.Get(ctx, withings, &got))
		assert.Equal(t, "original", got.Name)
	})

	t.Run("ancestor query", func(t *testing.T) {
		records, err := store.Query(ctx, "Service", jane)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "User/jane/Service/strava", records[0].Key.Path())
		assert.Equal(t, "User/jane/Service/withings", records[1].Key.Path())
	})

	t.Run("ancestor ids match literally", func(t *testing.T) {
		// "ja_e" would match "jane" through the LIKE wildcard if the
		// pattern were unescaped.
		wildcard := datastore.NewKey("User", "ja_e", nil)
		garmin := datastore.NewKey("Service", "garmin", wildcard)
		require.NoError(t, store.Put(ctx, garmin, &doc{Name: "other"}))

		records, err := store.Query(ctx, "Service", wildcard)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "User/ja_e/Service/garmin", records[0].Key.Path())
	})

	t.Run("transaction rollback", func(t *testing.T) {
		key := datastore.NewKey("User", "tx", nil)
		require.NoError(t, store.Put(ctx, key, &doc{Name: "before"}))

		err := store.RunInTransaction(ctx, func(tx datastore.Tx) error {
			if err := tx.Put(ctx, key, &doc{Name: "inside"}); err != nil {
				return err
			}

			return assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)

		var got doc
		require.NoError(t, store.Get(ctx, key, &got))
		assert.Equal(t, "before", got.Name)
	})

	t.Run("transactional delete multi", func(t *testing.T) {
		keys := []*datastore.Key{
			datastore.NewKey("SubscriptionEvent", "e1", strava),
			datastore.NewKey("SubscriptionEvent", "e2", strava),
		}

		for _, key := range keys {
			require.NoError(t, store.Put(ctx, key, &doc{Name: key.Name}))
		}

		err := store.RunInTransaction(ctx, func(tx datastore.Tx) error {
			return tx.DeleteMulti(ctx, keys)
		})
		require.NoError(t, err)

		records, err := store.Query(ctx, "SubscriptionEvent", strava)
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}
