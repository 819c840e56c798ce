package strava

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bikebuds/bikebuds/conns"
	"github.com/bikebuds/bikebuds/datastore"
	"github.com/bikebuds/bikebuds/models"
	"github.com/bikebuds/bikebuds/tokenguard"
	"github.com/bikebuds/bikebuds/vendors"
)

// Worker performs a full activity sync for one connection: every summary
// the vendor lists is refetched in detail and written as an activity
// document under the connection.
type Worker struct {
	conn   *conns.Connection
	store  datastore.Store
	guard  *tokenguard.Guard
	client vendors.ActivitySource
	logger *zap.Logger
}

// NewWorker builds the full-sync worker.
func NewWorker(conn *conns.Connection, store datastore.Store, guard *tokenguard.Guard, client vendors.ActivitySource, logger *zap.Logger) *Worker {
	return &Worker{
		conn:   conn,
		store:  store,
		guard:  guard,
		client: client,
		logger: logger,
	}
}

// detailFetchConcurrency bounds parallel detail fetches; the vendor rate
// limits aggressively.
const detailFetchConcurrency = 4

// ActivityKey returns the document key of one activity under a
// connection.
func ActivityKey(serviceKey *datastore.Key, activityID int64) *datastore.Key {
	return datastore.NewKey(conns.KindActivity, strconv.FormatInt(activityID, 10), serviceKey)
}

// Sync fetches the activity list and upserts a detailed document per
// activity. Activities no longer listed by the vendor are left in place;
// deletions only arrive through subscription events.
func (w *Worker) Sync(ctx context.Context) error {
	var summaries []models.Activity

	err := w.guard.Do(ctx, func(ctx context.Context) error {
		var fetchErr error
		summaries, fetchErr = w.client.FetchActivities(ctx)

		return fetchErr
	})
	if err != nil {
		return fmt.Errorf("failed to list activities: %w", err)
	}

	w.logger.Info("syncing activities",
		zap.String("service", w.conn.Key.String()),
		zap.Int("count", len(summaries)),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(detailFetchConcurrency)

	for i := range summaries {
		id := summaries[i].ID

		group.Go(func() error {
			// Each fetch goes through the guard: when the token expires
			// mid-run, one goroutine refreshes and the rest retry on the
			// new token.
			var detail *models.Activity

			err := w.guard.Do(groupCtx, func(ctx context.Context) error {
				var fetchErr error
				detail, fetchErr = w.client.FetchActivity(ctx, id)

				return fetchErr
			})
			if err != nil {
				return fmt.Errorf("failed to fetch activity %d: %w", id, err)
			}

			if err := w.store.Put(groupCtx, ActivityKey(w.conn.Key, id), detail); err != nil {
				return fmt.Errorf("failed to store activity %d: %w", id, err)
			}

			return nil
		})
	}

	return group.Wait()
}
