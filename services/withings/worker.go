package withings

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/bikebuds/bikebuds/conns"
	"github.com/bikebuds/bikebuds/models"
	"github.com/bikebuds/bikebuds/tokenguard"
	"github.com/bikebuds/bikebuds/vendors"
)

// Vendor is the API surface the workers consume; satisfied by Client.
type Vendor interface {
	vendors.MeasurementSource

	ListSubscriptions(ctx context.Context) ([]models.Subscription, error)
	Subscribe(ctx context.Context, callbackURL, comment string) error
	Revoke(ctx context.Context, callbackURL string) error
}

// subscriptionComment tags the registrations this backend owns at the
// vendor, so stale ones can be told apart from the user's other apps.
const subscriptionComment = "bikebuds"

// Worker performs a full measurement sync for one connection. The stored
// series is replaced wholesale with the vendor's current history, so a
// sync after any missed events still converges, and the webhook
// registration is reconciled on every run.
type Worker struct {
	conn        *conns.Connection
	registry    *conns.Registry
	guard       *tokenguard.Guard
	client      Vendor
	callbackURL string
	logger      *zap.Logger
}

// NewWorker builds the full-sync worker. An empty callbackURL disables
// subscription reconciliation.
func NewWorker(conn *conns.Connection, registry *conns.Registry, guard *tokenguard.Guard, client Vendor, callbackURL string, logger *zap.Logger) *Worker {
	return &Worker{
		conn:        conn,
		registry:    registry,
		guard:       guard,
		client:      client,
		callbackURL: callbackURL,
		logger:      logger,
	}
}

func (w *Worker) Sync(ctx context.Context) error {
	if err := w.syncMeasures(ctx); err != nil {
		return err
	}

	return w.syncSubscription(ctx)
}

func (w *Worker) syncMeasures(ctx context.Context) error {
	var measures []models.Measure

	err := w.guard.Do(ctx, func(ctx context.Context) error {
		var fetchErr error
		measures, fetchErr = w.client.FetchMeasurements(ctx, vendors.Window{})

		return fetchErr
	})
	if err != nil {
		return fmt.Errorf("failed to fetch measurements: %w", err)
	}

	w.logger.Info("replacing measurement series",
		zap.String("service", w.conn.Key.String()),
		zap.Int("measures", len(measures)),
	)

	return w.registry.PutSeries(ctx, w.conn.Key, &models.Series{Measures: measures})
}

// syncSubscription makes sure the vendor notifies our callback URL. The
// registration record is stored alongside the connection so operators can
// see what the vendor holds.
func (w *Worker) syncSubscription(ctx context.Context) error {
	if w.callbackURL == "" {
		return nil
	}

	var existing []models.Subscription

	err := w.guard.Do(ctx, func(ctx context.Context) error {
		var listErr error
		existing, listErr = w.client.ListSubscriptions(ctx)

		return listErr
	})
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}

	registered := false

	for _, sub := range existing {
		if sub.CallbackURL == w.callbackURL {
			registered = true

			continue
		}

		if sub.Comment != subscriptionComment {
			continue
		}

		// One of ours, pointing at an old callback URL.
		w.logger.Info("revoking stale webhook subscription",
			zap.String("service", w.conn.Key.String()),
			zap.String("callback_url", sub.CallbackURL),
		)

		callbackURL := sub.CallbackURL

		err := w.guard.Do(ctx, func(ctx context.Context) error {
			return w.client.Revoke(ctx, callbackURL)
		})
		if err != nil {
			return fmt.Errorf("failed to revoke subscription: %w", err)
		}
	}

	if !registered {
		w.logger.Info("registering webhook subscription",
			zap.String("service", w.conn.Key.String()),
			zap.String("callback_url", w.callbackURL),
		)

		err := w.guard.Do(ctx, func(ctx context.Context) error {
			return w.client.Subscribe(ctx, w.callbackURL, subscriptionComment)
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe: %w", err)
		}
	}

	sub := models.Subscription{CallbackURL: w.callbackURL, Comment: subscriptionComment}

	return w.registry.PutSubscription(ctx, w.conn.Key, &sub)
}
