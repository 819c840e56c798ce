package fitbit

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/bikebuds/bikebuds/conns"
	"github.com/bikebuds/bikebuds/models"
	"github.com/bikebuds/bikebuds/tokenguard"
	"github.com/bikebuds/bikebuds/vendors"
)

// Worker performs a full measurement sync: the stored series is replaced
// wholesale with the vendor's history.
type Worker struct {
	conn     *conns.Connection
	registry *conns.Registry
	guard    *tokenguard.Guard
	client   vendors.MeasurementSource
	logger   *zap.Logger
}

// NewWorker builds the full-sync worker.
func NewWorker(conn *conns.Connection, registry *conns.Registry, guard *tokenguard.Guard, client vendors.MeasurementSource, logger *zap.Logger) *Worker {
	return &Worker{
		conn:     conn,
		registry: registry,
		guard:    guard,
		client:   client,
		logger:   logger,
	}
}

func (w *Worker) Sync(ctx context.Context) error {
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
