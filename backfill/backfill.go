// Package backfill copies the measurement history of one connection into
// a write-path vendor, slowly: vendors that accept weight writes tolerate
// neither bursts nor partial-failure retries at full speed.
package backfill

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/bikebuds/bikebuds/conns"
	"github.com/bikebuds/bikebuds/models"
	"github.com/bikebuds/bikebuds/vendors"
)

// Retry pacing for individual writes.
const (
	retryInitialInterval = 2 * time.Second
	retryMaxInterval     = 30 * time.Minute
)

// Inter-item delay bounds.
const (
	delayMin = 1 * time.Second
	delayMax = 2 * time.Second
)

// Worker replays the source connection's series into the destination
// vendor, oldest sample first.
type Worker struct {
	source   *conns.Connection
	dest     *conns.Connection
	registry *conns.Registry
	window   vendors.Window
	logger   *zap.Logger

	// newWriter is called once the replay is known non-empty; an empty
	// replay never builds a destination client at all.
	newWriter func() (vendors.WeightWriter, error)

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWorker builds a backfill worker copying source's series into dest
// through the writer newWriter produces. Only measures inside window are
// replayed; a zero window replays everything.
func NewWorker(source, dest *conns.Connection, registry *conns.Registry, newWriter func() (vendors.WeightWriter, error), window vendors.Window, logger *zap.Logger) *Worker {
	return &Worker{
		source:    source,
		dest:      dest,
		registry:  registry,
		newWriter: newWriter,
		window:    window,
		logger:    logger,
		sleep:     sleepCtx,
	}
}

// Sync validates both connections' credentials, then replays the
// filtered series FIFO. A missing credential on either side is fatal up
// front; an empty or fully-filtered source series succeeds without
// touching the destination at all.
func (w *Worker) Sync(ctx context.Context) error {
	sourceKey := models.RequiredCredentialKey(w.source.ServiceName())
	if !w.source.HasCredentials(sourceKey) {
		return fmt.Errorf("source %s has no %s credential", w.source.Key, sourceKey)
	}

	destKey := models.RequiredCredentialKey(w.dest.ServiceName())
	if !w.dest.HasCredentials(destKey) {
		return fmt.Errorf("destination %s has no %s credential", w.dest.Key, destKey)
	}

	series, err := w.registry.GetSeries(ctx, w.source.Key)
	if err != nil {
		return fmt.Errorf("failed to load source series: %w", err)
	}

	measures := w.filter(series.Measures)

	w.logger.Info("backfill starting",
		zap.String("source", w.source.Key.String()),
		zap.String("dest", w.dest.Key.String()),
		zap.Int("total", len(series.Measures)),
		zap.Int("selected", len(measures)),
	)

	if len(measures) == 0 {
		return nil
	}

	writer, err := w.newWriter()
	if err != nil {
		return fmt.Errorf("failed to build destination client: %w", err)
	}

	for i, measure := range measures {
		if err := w.writeWithRetry(ctx, writer, measure); err != nil {
			return fmt.Errorf("failed to write measure %s: %w", measure.Date.Format(time.RFC3339), err)
		}

		if i < len(measures)-1 {
			if err := w.sleep(ctx, randomDelay()); err != nil {
				return err
			}
		}
	}

	w.logger.Info("backfill finished",
		zap.String("dest", w.dest.Key.String()),
		zap.Int("written", len(measures)),
	)

	return nil
}

// filter keeps weight-bearing measures inside the window, preserving the
// stored oldest-first order.
func (w *Worker) filter(measures []models.Measure) []models.Measure {
	ans := make([]models.Measure, 0, len(measures))

	for _, m := range measures {
		if m.Weight == 0 {
			continue
		}

		if !w.window.Contains(m.Date) {
			continue
		}

		ans = append(ans, m)
	}

	return ans
}

func (w *Worker) writeWithRetry(ctx context.Context, writer vendors.WeightWriter, measure models.Measure) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.MaxInterval = retryMaxInterval
	policy.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		err := writer.SetWeight(ctx, measure.Weight, measure.Date)
		if err == nil {
			return nil
		}

		// A credential rejection will not heal by waiting.
		if vendors.IsUnauthorized(err) {
			return backoff.Permanent(err)
		}

		w.logger.Warn("weight write failed, backing off",
			zap.String("dest", w.dest.Key.String()),
			zap.Time("measure_date", measure.Date),
			zap.Error(err),
		)

		return err
	}, backoff.WithContext(policy, ctx))
}

func randomDelay() time.Duration {
	return delayMin + time.Duration(rand.Int63n(int64(delayMax-delayMin)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
