package tasks

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/bikebuds/bikebuds/conns"
	"github.com/bikebuds/bikebuds/datastore"
	"github.com/bikebuds/bikebuds/models"
)

// weightDestinations are the vendors a fresh weight sample fans out to.
var weightDestinations = []string{models.ServiceGarmin, models.ServiceTrainerRoad}

// RunProcessMeasure pushes one weight sample into every connected
// write-path vendor of the user. Vendors without a connection or without
// credentials are skipped silently; write failures are combined and
// surfaced so the queue retries the task.
func (h *Handler) RunProcessMeasure(ctx context.Context, payload ProcessMeasurePayload) error {
	if payload.Measure.Weight == 0 {
		return nil
	}

	userKey, err := datastore.ParseKey(payload.UserKey)
	if err != nil {
		return err
	}

	user, err := h.registry.GetUser(ctx, userKey)
	if err != nil {
		return err
	}

	if !user.Preferences.SyncWeight {
		h.logger.Debug("weight sync disabled, dropping measure",
			zap.String("user", userKey.String()),
		)

		return nil
	}

	var errs error

	for _, serviceName := range weightDestinations {
		conn, err := h.registry.GetByKey(ctx, conns.ServiceKey(userKey, serviceName))
		if err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				continue
			}

			errs = multierr.Append(errs, err)

			continue
		}

		if !conn.HasCredentials(models.RequiredCredentialKey(serviceName)) {
			continue
		}

		writer, err := h.factory.NewWeightWriter(conn)
		if err != nil {
			errs = multierr.Append(errs, err)

			continue
		}

		if err := writer.SetWeight(ctx, payload.Measure.Weight, payload.Measure.Date); err != nil {
			errs = multierr.Append(errs, err)

			continue
		}

		h.logger.Info("weight pushed",
			zap.String("dest", conn.Key.String()),
			zap.Float64("weight", payload.Measure.Weight),
		)
	}

	return errs
}

func (h *Handler) processMeasureTask(ctx context.Context, task *asynq.Task) error {
	var payload ProcessMeasurePayload
	if err := decodePayload(task, &payload); err != nil {
		return err
	}

	return h.RunProcessMeasure(ctx, payload)
}
