package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/bikebuds/bikebuds/conns"
	"github.com/bikebuds/bikebuds/datastore"
	"github.com/bikebuds/bikebuds/models"
)

// RunSyncAll fans a sync task out to every syncable connection. The
// syncing flag is advisory: it is read and raised in separate writes, so
// two overlapping fan-outs can both enqueue the same connection. That
// costs a redundant sync, not correctness, since workers converge on
// vendor state.
func (h *Handler) RunSyncAll(ctx context.Context, force bool) error {
	if h.enqueuer == nil {
		return errors.New("no enqueuer configured")
	}

	connections, err := h.registry.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to list connections: %w", err)
	}

	var errs error

	enqueued := 0

	for _, conn := range connections {
		ok, err := h.maybeEnqueueSync(ctx, conn, force)
		if err != nil {
			errs = multierr.Append(errs, err)

			continue
		}

		if ok {
			enqueued++
		}
	}

	h.logger.Info("sync fan-out finished",
		zap.Int("connections", len(connections)),
		zap.Int("enqueued", enqueued),
		zap.Bool("force", force),
	)

	return errs
}

func (h *Handler) maybeEnqueueSync(ctx context.Context, conn *conns.Connection, force bool) (bool, error) {
	if !conn.SyncEnabled {
		return false, nil
	}

	if !conn.HasCredentials(models.RequiredCredentialKey(conn.ServiceName())) {
		return false, nil
	}

	if conn.SyncState.Syncing && !force {
		if !h.syncAbandoned(conn) {
			h.logger.Debug("skipping, sync in flight", zap.String("service", conn.Key.String()))

			return false, nil
		}

		// Reclaim a connection whose worker died without finishing.
		h.logger.Warn("reclaiming abandoned sync", zap.String("service", conn.Key.String()))

		if err := h.registry.SetSyncFinished(ctx, conn, errors.New("sync abandoned")); err != nil {
			return false, err
		}
	}

	if err := h.registry.SetSyncEnqueued(ctx, conn); err != nil {
		return false, err
	}

	if err := h.EnqueueSync(ctx, conn.Key); err != nil {
		return false, err
	}

	return true, nil
}

// syncAbandoned reports whether the raised syncing flag is old enough to
// treat the owning worker as dead.
func (h *Handler) syncAbandoned(conn *conns.Connection) bool {
	updatedAt := conn.SyncState.UpdatedAt
	if updatedAt == nil {
		return true
	}

	return h.now().Sub(*updatedAt) >= h.stuckSyncAge
}

func (h *Handler) processSyncAllTask(ctx context.Context, task *asynq.Task) error {
	var payload SyncAllPayload
	if err := decodePayload(task, &payload); err != nil {
		return err
	}

	return h.RunSyncAll(ctx, payload.Force)
}

// EnqueueSync schedules a full sync of one connection.
func (h *Handler) EnqueueSync(ctx context.Context, serviceKey *datastore.Key) error {
	return h.enqueue(ctx, TypeSync, SyncPayload{ServiceKey: serviceKey.Path()}, QueueDefault)
}

// eventDrainDelay lets a vendor's notification burst land before the
// drain runs, so sibling events collapse into one batch.
const eventDrainDelay = 5 * time.Second

// EnqueueProcessEvents schedules a drain of the pending events of one
// connection.
func (h *Handler) EnqueueProcessEvents(ctx context.Context, serviceKey *datastore.Key) error {
	return h.enqueue(ctx, TypeProcessEvents,
		ProcessEventsPayload{ServiceKey: serviceKey.Path()}, QueueEvents,
		asynq.ProcessIn(eventDrainDelay))
}

// EnqueueBackfill schedules a measurement replay.
func (h *Handler) EnqueueBackfill(ctx context.Context, payload BackfillPayload) error {
	return h.enqueue(ctx, TypeBackfill, payload, QueueLow)
}

// EnqueueProcessMeasure schedules the cross-service fan-out of a fresh
// weight sample. Satisfies the measure enqueuer surface of the
// measurement events worker.
func (h *Handler) EnqueueProcessMeasure(ctx context.Context, userKey *datastore.Key, measure models.Measure) error {
	return h.enqueue(ctx, TypeProcessMeasure,
		ProcessMeasurePayload{UserKey: userKey.Path(), Measure: measure}, QueueEvents)
}

func (h *Handler) enqueue(ctx context.Context, taskType string, payload any, queueName string, opts ...asynq.Option) error {
	if h.enqueuer == nil {
		return errors.New("no enqueuer configured")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return h.enqueuer.EnqueueTask(ctx, taskType, raw, append([]asynq.Option{asynq.Queue(queueName)}, opts...)...)
}
