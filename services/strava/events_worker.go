package strava

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/bikebuds/bikebuds/conns"
	"github.com/bikebuds/bikebuds/datastore"
	"github.com/bikebuds/bikebuds/models"
	"github.com/bikebuds/bikebuds/tokenguard"
	"github.com/bikebuds/bikebuds/vendors"
)

// Aspect types carried by webhook notifications.
const (
	AspectCreate = "create"
	AspectUpdate = "update"
	AspectDelete = "delete"
)

// Object types carried by webhook notifications.
const (
	ObjectActivity = "activity"
	ObjectAthlete  = "athlete"
)

// EventsWorker drains the pending subscription events of one connection.
// Events are batched per (object id, object type) so a burst of
// notifications for the same activity costs one vendor fetch, and the
// consumed event documents are deleted in the same transaction that
// applies their effect.
type EventsWorker struct {
	conn     *conns.Connection
	registry *conns.Registry
	store    datastore.Store
	guard    *tokenguard.Guard
	client   vendors.ActivitySource
	logger   *zap.Logger
}

// NewEventsWorker builds the events worker.
func NewEventsWorker(conn *conns.Connection, registry *conns.Registry, store datastore.Store, guard *tokenguard.Guard, client vendors.ActivitySource, logger *zap.Logger) *EventsWorker {
	return &EventsWorker{
		conn:     conn,
		registry: registry,
		store:    store,
		guard:    guard,
		client:   client,
		logger:   logger,
	}
}

type eventBatch struct {
	objectID   int64
	objectType string
	keys       []*datastore.Key
	events     []models.SubscriptionEvent
}

// Sync processes every pending event batch. A failing batch leaves its
// events in place for the next run; the remaining batches still get
// processed and the failures come back combined.
func (w *EventsWorker) Sync(ctx context.Context) error {
	records, err := w.store.Query(ctx, conns.KindSubscriptionEvent, w.conn.Key)
	if err != nil {
		return fmt.Errorf("failed to list events: %w", err)
	}

	batches, err := groupEvents(records)
	if err != nil {
		return err
	}

	w.logger.Info("processing event batches",
		zap.String("service", w.conn.Key.String()),
		zap.Int("events", len(records)),
		zap.Int("batches", len(batches)),
	)

	var errs error

	for _, batch := range batches {
		if err := w.processBatch(ctx, batch); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("batch %s/%d: %w", batch.objectType, batch.objectID, err))
		}
	}

	return errs
}

func groupEvents(records []datastore.Record) ([]*eventBatch, error) {
	type batchKey struct {
		objectID   int64
		objectType string
	}

	grouped := make(map[batchKey]*eventBatch)

	for _, record := range records {
		var event models.SubscriptionEvent
		if err := record.Decode(&event); err != nil {
			return nil, fmt.Errorf("failed to decode event %s: %w", record.Key, err)
		}

		// Failure records mark deliveries that never decoded; they stay
		// behind for inspection rather than being consumed.
		if event.Failure {
			continue
		}

		k := batchKey{objectID: event.ObjectID, objectType: event.ObjectType}

		batch, ok := grouped[k]
		if !ok {
			batch = &eventBatch{objectID: k.objectID, objectType: k.objectType}
			grouped[k] = batch
		}

		batch.keys = append(batch.keys, record.Key)
		batch.events = append(batch.events, event)
	}

	ans := make([]*eventBatch, 0, len(grouped))
	for _, batch := range grouped {
		// Newest notification first: when create/update and delete tie on
		// the same object, the delete still wins regardless of order, but
		// a deterministic order keeps logs and tests stable.
		sort.Slice(batch.events, func(i, j int) bool {
			return batch.events[i].EventTime > batch.events[j].EventTime
		})

		ans = append(ans, batch)
	}

	sort.Slice(ans, func(i, j int) bool {
		if ans[i].objectType != ans[j].objectType {
			return ans[i].objectType < ans[j].objectType
		}

		return ans[i].objectID < ans[j].objectID
	})

	return ans, nil
}

func (w *EventsWorker) processBatch(ctx context.Context, batch *eventBatch) error {
	switch batch.objectType {
	case ObjectActivity:
		return w.processActivityBatch(ctx, batch)
	case ObjectAthlete:
		return w.processAthleteBatch(ctx, batch)
	default:
		w.logger.Warn("dropping events for unknown object type",
			zap.String("object_type", batch.objectType),
			zap.Int("count", len(batch.keys)),
		)

		return w.store.RunInTransaction(ctx, func(tx datastore.Tx) error {
			return tx.DeleteMulti(ctx, batch.keys)
		})
	}
}

// processActivityBatch collapses the batch into one net effect. Any
// delete among the siblings wins over creates and updates.
func (w *EventsWorker) processActivityBatch(ctx context.Context, batch *eventBatch) error {
	deleted := false

	for i := range batch.events {
		if batch.events[i].AspectType == AspectDelete {
			deleted = true

			break
		}
	}

	activityKey := ActivityKey(w.conn.Key, batch.objectID)

	if deleted {
		return w.store.RunInTransaction(ctx, func(tx datastore.Tx) error {
			if err := tx.Delete(ctx, activityKey); err != nil {
				return err
			}

			return tx.DeleteMulti(ctx, batch.keys)
		})
	}

	// Fetch outside the transaction; the write inside stays cheap.
	var detail *models.Activity

	err := w.guard.Do(ctx, func(ctx context.Context) error {
		var fetchErr error
		detail, fetchErr = w.client.FetchActivity(ctx, batch.objectID)

		return fetchErr
	})
	if err != nil {
		return fmt.Errorf("failed to fetch activity: %w", err)
	}

	return w.store.RunInTransaction(ctx, func(tx datastore.Tx) error {
		if err := tx.Put(ctx, activityKey, detail); err != nil {
			return err
		}

		return tx.DeleteMulti(ctx, batch.keys)
	})
}

// processAthleteBatch handles account-level notifications. The only one
// acted on is deauthorization, which drops the stored credentials.
func (w *EventsWorker) processAthleteBatch(ctx context.Context, batch *eventBatch) error {
	deauthorized := false

	for i := range batch.events {
		if batch.events[i].Updates["authorized"] == "false" {
			deauthorized = true

			break
		}
	}

	if deauthorized {
		w.logger.Info("athlete deauthorized, clearing credentials",
			zap.String("service", w.conn.Key.String()),
		)

		if err := w.registry.ClearCredentials(ctx, w.conn); err != nil {
			return err
		}
	}

	return w.store.RunInTransaction(ctx, func(tx datastore.Tx) error {
		return tx.DeleteMulti(ctx, batch.keys)
	})
}
