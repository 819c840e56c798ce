package tasks

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"

	"github.com/bikebuds/bikebuds/backfill"
	"github.com/bikebuds/bikebuds/conns"
	"github.com/bikebuds/bikebuds/datastore"
	"github.com/bikebuds/bikebuds/models"
	"github.com/bikebuds/bikebuds/syncer"
	"github.com/bikebuds/bikebuds/vendors"
)

// RunBackfill replays the source connection's measurement series into
// the destination vendor. The status bracket runs on the destination
// connection, since that is the side being written.
func (h *Handler) RunBackfill(ctx context.Context, payload BackfillPayload) syncer.Result {
	source, result := h.loadConn(ctx, payload.SourceKey)
	if source == nil {
		return result
	}

	dest, result := h.loadConn(ctx, payload.DestKey)
	if dest == nil {
		return result
	}

	// Both sides are validated before anything is enqueued or written.
	if !source.HasCredentials(models.RequiredCredentialKey(source.ServiceName())) {
		return syncer.Result{Outcome: syncer.NoCredentials}
	}

	if !dest.HasCredentials(models.RequiredCredentialKey(dest.ServiceName())) {
		return syncer.Result{Outcome: syncer.NoCredentials}
	}

	return h.runWorker(ctx, dest, "backfill", func() (syncer.Worker, error) {
		newWriter := func() (vendors.WeightWriter, error) {
			return h.factory.NewWeightWriter(dest)
		}

		window := vendors.Window{Start: payload.Start, End: payload.End}

		return backfill.NewWorker(source, dest, h.registry, newWriter, window, h.logger), nil
	})
}

func (h *Handler) loadConn(ctx context.Context, keyPath string) (*conns.Connection, syncer.Result) {
	key, err := datastore.ParseKey(keyPath)
	if err != nil {
		return nil, syncer.Result{Outcome: syncer.NoService, Err: err}
	}

	conn, err := h.registry.GetByKey(ctx, key)
	if err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, syncer.Result{Outcome: syncer.NoService}
		}

		return nil, syncer.Result{Outcome: syncer.Failed, Err: err}
	}

	return conn, syncer.Result{}
}

func (h *Handler) processBackfillTask(ctx context.Context, task *asynq.Task) error {
	var payload BackfillPayload
	if err := decodePayload(task, &payload); err != nil {
		return err
	}

	result := h.RunBackfill(ctx, payload)
	h.logResult(task.Type(), payload.SourceKey+" -> "+payload.DestKey, result)

	return nil
}
