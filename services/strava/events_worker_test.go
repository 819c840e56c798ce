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
	"github.com/bikebuds/bikebuds/vendors"
)

type fakeActivitySource struct {
	mu         sync.Mutex
	activities map[int64]*models.Activity
	fetches    []int64
	fetchErr   error

	// unauthorizedFetches rejects the first N detail fetches, simulating
	// a token that expires mid-run.
	unauthorizedFetches int
}

func (f *fakeActivitySource) FetchActivities(_ context.Context) ([]models.Activity, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}

	ans := make([]models.Activity, 0, len(f.activities))
	for _, a := range f.activities {
		ans = append(ans, *a)
	}

	return ans, nil
}

func (f *fakeActivitySource) FetchActivity(_ context.Context, id int64) (*models.Activity, error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, id)

	reject := f.unauthorizedFetches > 0
	if reject {
		f.unauthorizedFetches--
	}
	f.mu.Unlock()

	if reject {
		return nil, vendors.ErrUnauthorized
	}

	if f.fetchErr != nil {
		return nil, f.fetchErr
	}

	a, ok := f.activities[id]
	if !ok {
		return nil, vendors.ErrUnauthorized
	}

	cp := *a

	return &cp, nil
}

type staticRefresher struct{}

func (staticRefresher) RefreshToken(context.Context, string) (models.Credentials, error) {
	return models.Credentials{"access_token": "fresh"}, nil
}

type eventsFixture struct {
	store    datastore.Store
	registry *conns.Registry
	conn     *conns.Connection
	worker   *EventsWorker
	source   *fakeActivitySource
}

func newEventsFixture(t *testing.T) *eventsFixture {
	t.Helper()

	ctx := context.Background()
	store := datastore.NewMemory()
	registry := conns.NewRegistry(store, zap.NewNop())

	conn, err := registry.Get(ctx, conns.UserKey("jane"), models.ServiceStrava)
	require.NoError(t, err)
	require.NoError(t, registry.UpdateCredentials(ctx, conn, models.Credentials{
		"access_token":  "good",
		"refresh_token": "r1",
	}))

	source := &fakeActivitySource{activities: map[int64]*models.Activity{}}
	guard := tokenguard.New(conn, registry, staticRefresher{}, zap.NewNop())

	return &eventsFixture{
		store:    store,
		registry: registry,
		conn:     conn,
		worker:   NewEventsWorker(conn, registry, store, guard, source, zap.NewNop()),
		source:   source,
	}
}

func (f *eventsFixture) ingest(t *testing.T, event models.SubscriptionEvent) {
	t.Helper()

	created, err := f.registry.IngestEvent(context.Background(), f.conn.Key, &event)
	require.NoError(t, err)
	require.True(t, created)
}

func (f *eventsFixture) pendingEvents(t *testing.T) []datastore.Record {
	t.Helper()

	records, err := f.store.Query(context.Background(), conns.KindSubscriptionEvent, f.conn.Key)
	require.NoError(t, err)

	return records
}

func TestEventsWorkerSync(t *testing.T) {
	ctx := context.Background()

	t.Run("create event fetches and stores the activity", func(t *testing.T) {
		f := newEventsFixture(t)
		f.source.activities[42] = &models.Activity{ID: 42, Name: "Lunch ride"}
		f.ingest(t, models.SubscriptionEvent{
			ObjectID: 42, ObjectType: ObjectActivity, AspectType: AspectCreate, EventTime: 10,
		})

		require.NoError(t, f.worker.Sync(ctx))

		var activity models.Activity
		require.NoError(t, f.store.Get(ctx, ActivityKey(f.conn.Key, 42), &activity))
		assert.Equal(t, "Lunch ride", activity.Name)
		assert.Empty(t, f.pendingEvents(t))
	})

	t.Run("burst for one activity costs one fetch", func(t *testing.T) {
		f := newEventsFixture(t)
		f.source.activities[42] = &models.Activity{ID: 42, Name: "Renamed"}
		f.ingest(t, models.SubscriptionEvent{
			ObjectID: 42, ObjectType: ObjectActivity, AspectType: AspectCreate, EventTime: 10,
		})
		f.ingest(t, models.SubscriptionEvent{
			ObjectID: 42, ObjectType: ObjectActivity, AspectType: AspectUpdate, EventTime: 11,
			Updates: map[string]string{"title": "Renamed"},
		})

		require.NoError(t, f.worker.Sync(ctx))

		assert.Len(t, f.source.fetches, 1)
		assert.Empty(t, f.pendingEvents(t))
	})

	t.Run("delete wins over create and update siblings", func(t *testing.T) {
		f := newEventsFixture(t)
		require.NoError(t, f.store.Put(ctx, ActivityKey(f.conn.Key, 42), &models.Activity{ID: 42}))

		f.ingest(t, models.SubscriptionEvent{
			ObjectID: 42, ObjectType: ObjectActivity, AspectType: AspectDelete, EventTime: 10,
		})
		f.ingest(t, models.SubscriptionEvent{
			ObjectID: 42, ObjectType: ObjectActivity, AspectType: AspectUpdate, EventTime: 11,
			Updates: map[string]string{"title": "Too late"},
		})

		require.NoError(t, f.worker.Sync(ctx))

		var activity models.Activity
		err := f.store.Get(ctx, ActivityKey(f.conn.Key, 42), &activity)
		assert.ErrorIs(t, err, datastore.ErrNoSuchEntity)
		assert.Empty(t, f.source.fetches)
		assert.Empty(t, f.pendingEvents(t))
	})

	t.Run("failing batch keeps its events for the next run", func(t *testing.T) {
		f := newEventsFixture(t)
		f.source.activities[1] = &models.Activity{ID: 1}
		f.ingest(t, models.SubscriptionEvent{
			ObjectID: 1, ObjectType: ObjectActivity, AspectType: AspectCreate, EventTime: 10,
		})
		f.ingest(t, models.SubscriptionEvent{
			ObjectID: 2, ObjectType: ObjectActivity, AspectType: AspectCreate, EventTime: 10,
		})

		// Activity 2 is unknown to the vendor; its batch fails while the
		// other still lands.
		err := f.worker.Sync(ctx)
		require.Error(t, err)

		var activity models.Activity
		require.NoError(t, f.store.Get(ctx, ActivityKey(f.conn.Key, 1), &activity))
		assert.Len(t, f.pendingEvents(t), 1)
	})

	t.Run("athlete deauthorization clears credentials", func(t *testing.T) {
		f := newEventsFixture(t)
		f.ingest(t, models.SubscriptionEvent{
			ObjectID: 7, ObjectType: ObjectAthlete, AspectType: AspectUpdate, EventTime: 10,
			Updates: map[string]string{"authorized": "false"},
		})

		require.NoError(t, f.worker.Sync(ctx))

		stored, err := f.registry.GetByKey(ctx, f.conn.Key)
		require.NoError(t, err)
		assert.Empty(t, stored.Credentials)
		assert.Empty(t, f.pendingEvents(t))
	})

	t.Run("unknown object types are consumed", func(t *testing.T) {
		f := newEventsFixture(t)
		f.ingest(t, models.SubscriptionEvent{
			ObjectID: 9, ObjectType: "segment", AspectType: AspectCreate, EventTime: 10,
		})

		require.NoError(t, f.worker.Sync(ctx))
		assert.Empty(t, f.pendingEvents(t))
	})

	t.Run("failure records survive the drain", func(t *testing.T) {
		f := newEventsFixture(t)
		f.source.activities[42] = &models.Activity{ID: 42, Name: "Lunch ride"}
		f.ingest(t, models.SubscriptionEvent{Failure: true, URL: "/webhooks/strava?uid=jane"})
		f.ingest(t, models.SubscriptionEvent{
			ObjectID: 42, ObjectType: ObjectActivity, AspectType: AspectCreate, EventTime: 10,
		})

		require.NoError(t, f.worker.Sync(ctx))

		// The real event is consumed; the failure record stays behind.
		records := f.pendingEvents(t)
		require.Len(t, records, 1)

		var event models.SubscriptionEvent
		require.NoError(t, records[0].Decode(&event))
		assert.True(t, event.Failure)
	})

	t.Run("no pending events is a no-op", func(t *testing.T) {
		f := newEventsFixture(t)
		require.NoError(t, f.worker.Sync(ctx))
		assert.Empty(t, f.source.fetches)
	})
}

func TestGroupEvents(t *testing.T) {
	f := newEventsFixture(t)
	f.ingest(t, models.SubscriptionEvent{ObjectID: 2, ObjectType: ObjectActivity, AspectType: AspectCreate, EventTime: 10})
	f.ingest(t, models.SubscriptionEvent{ObjectID: 1, ObjectType: ObjectActivity, AspectType: AspectCreate, EventTime: 20})
	f.ingest(t, models.SubscriptionEvent{ObjectID: 1, ObjectType: ObjectActivity, AspectType: AspectUpdate, EventTime: 30})
	f.ingest(t, models.SubscriptionEvent{ObjectID: 7, ObjectType: ObjectAthlete, AspectType: AspectUpdate, EventTime: 5})

	batches, err := groupEvents(f.pendingEvents(t))
	require.NoError(t, err)
	require.Len(t, batches, 3)

	// Ordered by object type then id; events inside a batch newest first.
	assert.Equal(t, ObjectActivity, batches[0].objectType)
	assert.Equal(t, int64(1), batches[0].objectID)
	require.Len(t, batches[0].events, 2)
	assert.Equal(t, int64(30), batches[0].events[0].EventTime)

	assert.Equal(t, int64(2), batches[1].objectID)
	assert.Equal(t, ObjectAthlete, batches[2].objectType)
}
