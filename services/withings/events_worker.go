package withings

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/bikebuds/bikebuds/conns"
	"github.com/bikebuds/bikebuds/datastore"
	"github.com/bikebuds/bikebuds/models"
	"github.com/bikebuds/bikebuds/tokenguard"
	"github.com/bikebuds/bikebuds/vendors"
)

// MeasureEnqueuer schedules the cross-service fan-out of a fresh weight
// sample. Implemented by the task queue; nil disables fan-out.
type MeasureEnqueuer interface {
	EnqueueProcessMeasure(ctx context.Context, userKey *datastore.Key, measure models.Measure) error
}

// EventsWorker drains the pending subscription events of one connection.
// Sibling events are collapsed into a single fetch over the union of
// their windows, the affected slice of the series is replaced, and the
// consumed event documents are deleted in the same transaction.
type EventsWorker struct {
	conn     *conns.Connection
	registry *conns.Registry
	store    datastore.Store
	guard    *tokenguard.Guard
	client   vendors.MeasurementSource
	enqueuer MeasureEnqueuer
	logger   *zap.Logger
}

// NewEventsWorker builds the events worker.
func NewEventsWorker(conn *conns.Connection, registry *conns.Registry, store datastore.Store, guard *tokenguard.Guard, client vendors.MeasurementSource, enqueuer MeasureEnqueuer, logger *zap.Logger) *EventsWorker {
	return &EventsWorker{
		conn:     conn,
		registry: registry,
		store:    store,
		guard:    guard,
		client:   client,
		enqueuer: enqueuer,
		logger:   logger,
	}
}

func (w *EventsWorker) Sync(ctx context.Context) error {
	records, err := w.store.Query(ctx, conns.KindSubscriptionEvent, w.conn.Key)
	if err != nil {
		return fmt.Errorf("failed to list events: %w", err)
	}

	if len(records) == 0 {
		return nil
	}

	window, keys, err := collapseEvents(records)
	if err != nil {
		return err
	}

	w.logger.Info("processing measurement events",
		zap.String("service", w.conn.Key.String()),
		zap.Int("events", len(records)),
		zap.Time("window_start", window.Start),
		zap.Time("window_end", window.End),
	)

	var fetched []models.Measure

	err = w.guard.Do(ctx, func(ctx context.Context) error {
		var fetchErr error
		fetched, fetchErr = w.client.FetchMeasurements(ctx, window)

		return fetchErr
	})
	if err != nil {
		return fmt.Errorf("failed to fetch measurements: %w", err)
	}

	err = w.store.RunInTransaction(ctx, func(tx datastore.Tx) error {
		seriesKey := conns.SeriesKey(w.conn.Key)

		var series models.Series
		if err := tx.Get(ctx, seriesKey, &series); err != nil && !errors.Is(err, datastore.ErrNoSuchEntity) {
			return err
		}

		series.Measures = spliceWindow(series.Measures, fetched, window)

		if err := tx.Put(ctx, seriesKey, &series); err != nil {
			return err
		}

		return tx.DeleteMulti(ctx, keys)
	})
	if err != nil {
		return err
	}

	return w.fanOut(ctx, fetched)
}

// collapseEvents returns the union window of the sibling events and their
// document keys. An event without window bounds widens to an open fetch.
func collapseEvents(records []datastore.Record) (vendors.Window, []*datastore.Key, error) {
	var window vendors.Window

	keys := make([]*datastore.Key, 0, len(records))
	first := true

	for _, record := range records {
		var event models.SubscriptionEvent
		if err := record.Decode(&event); err != nil {
			return window, nil, fmt.Errorf("failed to decode event %s: %w", record.Key, err)
		}

		keys = append(keys, record.Key)

		start := unixField(event.EventData, "startdate")
		end := unixField(event.EventData, "enddate")

		if first {
			window = vendors.Window{Start: start, End: end}
			first = false

			continue
		}

		if start.IsZero() || (!window.Start.IsZero() && start.Before(window.Start)) {
			window.Start = start
		}

		if end.IsZero() || (!window.End.IsZero() && end.After(window.End)) {
			window.End = end
		}
	}

	return window, keys, nil
}

func unixField(data map[string]string, key string) time.Time {
	raw, ok := data[key]
	if !ok {
		return time.Time{}
	}

	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}

	return time.Unix(seconds, 0).UTC()
}

// spliceWindow drops the stored measures inside the window and inserts
// the fetched ones, keeping the series sorted by date. Measures the
// vendor deleted inside the window disappear with the old slice.
func spliceWindow(stored, fetched []models.Measure, window vendors.Window) []models.Measure {
	ans := make([]models.Measure, 0, len(stored)+len(fetched))

	for _, m := range stored {
		if !window.Contains(m.Date) {
			ans = append(ans, m)
		}
	}

	ans = append(ans, fetched...)

	sort.Slice(ans, func(i, j int) bool { return ans[i].Date.Before(ans[j].Date) })

	return ans
}

// fanOut forwards the newest weight sample to the cross-service measure
// pipeline when the owning user opted in.
func (w *EventsWorker) fanOut(ctx context.Context, fetched []models.Measure) error {
	if w.enqueuer == nil {
		return nil
	}

	var latest *models.Measure

	for i := range fetched {
		if fetched[i].Weight == 0 {
			continue
		}

		if latest == nil || fetched[i].Date.After(latest.Date) {
			latest = &fetched[i]
		}
	}

	if latest == nil {
		return nil
	}

	userKey := w.conn.Key.Parent

	user, err := w.registry.GetUser(ctx, userKey)
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}

	if !user.Preferences.SyncWeight {
		return nil
	}

	w.logger.Info("enqueueing measure fan-out",
		zap.String("user", userKey.String()),
		zap.Time("measure_date", latest.Date),
	)

	return w.enqueuer.EnqueueProcessMeasure(ctx, userKey, *latest)
}
