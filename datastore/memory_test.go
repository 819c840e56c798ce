package datastore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDoc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestMemoryStoreCRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	key := NewKey("User", "jane", nil)

	t.Run("get missing", func(t *testing.T) {
		var doc testDoc
		err := store.Get(ctx, key, &doc)
		assert.ErrorIs(t, err, ErrNoSuchEntity)
	})

	t.Run("put then get", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, key, &testDoc{Name: "jane", Count: 1}))

		var doc testDoc
		require.NoError(t, store.Get(ctx, key, &doc))
		assert.Equal(t, "jane", doc.Name)
		assert.Equal(t, 1, doc.Count)
	})

	t.Run("put replaces", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, key, &testDoc{Name: "jane", Count: 2}))

		var doc testDoc
		require.NoError(t, store.Get(ctx, key, &doc))
		assert.Equal(t, 2, doc.Count)
	})

	t.Run("create occupied key", func(t *testing.T) {
		err := store.Create(ctx, key, &testDoc{Name: "other"})
		assert.ErrorIs(t, err, ErrAlreadyExists)

		var doc testDoc
		require.NoError(t, store.Get(ctx, key, &doc))
		assert.Equal(t, "jane", doc.Name)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, key))

		var doc testDoc
		assert.ErrorIs(t, store.Get(ctx, key, &doc), ErrNoSuchEntity)
	})

	t.Run("delete absent key is not an error", func(t *testing.T) {
		assert.NoError(t, store.Delete(ctx, key))
	})
}

func TestMemoryStoreQuery(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	jane := NewKey("User", "jane", nil)
	bob := NewKey("User", "bob", nil)

	require.NoError(t, store.Put(ctx, NewKey("Service", "strava", jane), &testDoc{Name: "a"}))
	require.NoError(t, store.Put(ctx, NewKey("Service", "withings", jane), &testDoc{Name: "b"}))
	require.NoError(t, store.Put(ctx, NewKey("Service", "strava", bob), &testDoc{Name: "c"}))
	require.NoError(t, store.Put(ctx, jane, &testDoc{Name: "user"}))

	t.Run("ancestor query", func(t *testing.T) {
		records, err := store.Query(ctx, "Service", jane)
		require.NoError(t, err)
		require.Len(t, records, 2)

		// Ordered by path.
		assert.Equal(t, "User/jane/Service/strava", records[0].Key.Path())
		assert.Equal(t, "User/jane/Service/withings", records[1].Key.Path())
	})

	t.Run("kind query without ancestor", func(t *testing.T) {
		records, err := store.Query(ctx, "Service", nil)
		require.NoError(t, err)
		assert.Len(t, records, 3)
	})

	t.Run("no matches", func(t *testing.T) {
		records, err := store.Query(ctx, "Series", jane)
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

func TestMemoryStoreTransaction(t *testing.T) {
	ctx := context.Background()

	t.Run("commit applies all writes", func(t *testing.T) {
		store := NewMemory()
		a := NewKey("User", "a", nil)
		b := NewKey("User", "b", nil)

		err := store.RunInTransaction(ctx, func(tx Tx) error {
			if err := tx.Put(ctx, a, &testDoc{Name: "a"}); err != nil {
				return err
			}

			return tx.Put(ctx, b, &testDoc{Name: "b"})
		})
		require.NoError(t, err)

		var doc testDoc
		assert.NoError(t, store.Get(ctx, a, &doc))
		assert.NoError(t, store.Get(ctx, b, &doc))
	})

	t.Run("failure discards all writes", func(t *testing.T) {
		store := NewMemory()
		key := NewKey("User", "jane", nil)
		require.NoError(t, store.Put(ctx, key, &testDoc{Count: 1}))

		boom := errors.New("boom")

		err := store.RunInTransaction(ctx, func(tx Tx) error {
			if err := tx.Put(ctx, key, &testDoc{Count: 99}); err != nil {
				return err
			}

			return boom
		})
		assert.ErrorIs(t, err, boom)

		var doc testDoc
		require.NoError(t, store.Get(ctx, key, &doc))
		assert.Equal(t, 1, doc.Count)
	})

	t.Run("reads see earlier writes in the same transaction", func(t *testing.T) {
		store := NewMemory()
		key := NewKey("User", "jane", nil)

		err := store.RunInTransaction(ctx, func(tx Tx) error {
			if err := tx.Put(ctx, key, &testDoc{Count: 7}); err != nil {
				return err
			}

			var doc testDoc
			if err := tx.Get(ctx, key, &doc); err != nil {
				return err
			}

			assert.Equal(t, 7, doc.Count)

			return nil
		})
		require.NoError(t, err)
	})
}
