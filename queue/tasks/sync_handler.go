package tasks

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/bikebuds/bikebuds/conns"
	"github.com/bikebuds/bikebuds/models"
	"github.com/bikebuds/bikebuds/syncer"
)

// RunSync orchestrates one full sync of a connection: resolve, check
// credentials, bracket the worker run with the status transitions and
// record the outcome. The result never raises an error for business
// failures; those live on the connection's sync state.
func (h *Handler) RunSync(ctx context.Context, serviceKeyPath string) syncer.Result {
	conn, result := h.resolve(ctx, serviceKeyPath)
	if conn == nil {
		return result
	}

	result = h.runWorker(ctx, conn, "sync", func() (syncer.Worker, error) {
		return h.factory.NewSyncWorker(conn)
	})

	if result.OK() {
		h.maybeArchive(ctx, conn)
	}

	return result
}

// maybeArchive snapshots the series of a measurement connection after a
// completed sync.
func (h *Handler) maybeArchive(ctx context.Context, conn *conns.Connection) {
	if h.archiver == nil {
		return
	}

	switch conn.ServiceName() {
	case models.ServiceWithings, models.ServiceFitbit:
	default:
		return
	}

	series, err := h.registry.GetSeries(ctx, conn.Key)
	if err != nil {
		h.logger.Warn("failed to load series for archiving",
			zap.String("service", conn.Key.String()),
			zap.Error(err),
		)

		return
	}

	h.archiver.Snapshot(ctx, conn.Key, series)
}

// RunProcessEvents drains the pending subscription events of a
// connection under the same orchestration bracket as a full sync.
func (h *Handler) RunProcessEvents(ctx context.Context, serviceKeyPath string) syncer.Result {
	conn, result := h.resolve(ctx, serviceKeyPath)
	if conn == nil {
		return result
	}

	return h.runWorker(ctx, conn, "events", func() (syncer.Worker, error) {
		return h.factory.NewEventsWorker(conn)
	})
}

// resolve loads the connection and checks its credential precondition.
// A nil connection means the returned result is final.
func (h *Handler) resolve(ctx context.Context, serviceKeyPath string) (*conns.Connection, syncer.Result) {
	conn, result := h.loadConn(ctx, serviceKeyPath)
	if conn == nil {
		return nil, result
	}

	requiredKey := models.RequiredCredentialKey(conn.ServiceName())
	if !conn.HasCredentials(requiredKey) {
		h.logger.Info("skipping sync, no credentials",
			zap.String("service", conn.Key.String()),
			zap.String("required_key", requiredKey),
		)

		// The worker never runs, but an enqueue may have raised the
		// syncing flag; lower it so the connection is not stuck.
		if conn.SyncState.Syncing {
			err := h.registry.SetSyncFinished(ctx, conn, fmt.Errorf("no %s credential stored", requiredKey))
			if err != nil {
				return nil, syncer.Result{Outcome: syncer.Failed, Err: err}
			}
		}

		return nil, syncer.Result{Outcome: syncer.NoCredentials}
	}

	return conn, syncer.Result{}
}

// runWorker is the status bracket shared by sync and event processing:
// started, work, finished with exactly one of success or error.
func (h *Handler) runWorker(ctx context.Context, conn *conns.Connection, workName string, build func() (syncer.Worker, error)) syncer.Result {
	if err := h.registry.SetSyncStarted(ctx, conn); err != nil {
		return syncer.Result{Outcome: syncer.Failed, Err: err}
	}

	worker, err := build()
	if err == nil {
		err = syncer.Do(ctx, h.logger, workName, conn.Key.String(), worker)
	}

	if finishErr := h.registry.SetSyncFinished(ctx, conn, err); finishErr != nil {
		return syncer.Result{Outcome: syncer.Failed, Err: finishErr}
	}

	if err != nil {
		return syncer.Result{Outcome: syncer.Failed, Err: err}
	}

	return syncer.Result{Outcome: syncer.Completed}
}

func (h *Handler) processSyncTask(ctx context.Context, task *asynq.Task) error {
	var payload SyncPayload
	if err := decodePayload(task, &payload); err != nil {
		return err
	}

	result := h.RunSync(ctx, payload.ServiceKey)
	h.logResult(task.Type(), payload.ServiceKey, result)

	return nil
}

func (h *Handler) processEventsTask(ctx context.Context, task *asynq.Task) error {
	var payload ProcessEventsPayload
	if err := decodePayload(task, &payload); err != nil {
		return err
	}

	result := h.RunProcessEvents(ctx, payload.ServiceKey)
	h.logResult(task.Type(), payload.ServiceKey, result)

	return nil
}

func (h *Handler) logResult(taskType, workKey string, result syncer.Result) {
	fields := []zap.Field{
		zap.String("task", taskType),
		zap.String("work_key", workKey),
		zap.String("outcome", result.Outcome.String()),
		zap.Int("status", result.Outcome.StatusCode()),
	}

	if result.Err != nil {
		fields = append(fields, zap.Error(result.Err))
	}

	if result.OK() {
		h.logger.Info("task completed", fields...)
	} else {
		h.logger.Warn("task did not complete", fields...)
	}
}
