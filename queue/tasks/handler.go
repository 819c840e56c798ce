// Package tasks implements the queue task handlers: sync orchestration,
// event draining, backfills and the cross-service measure fan-out.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/bikebuds/bikebuds/archiver"
	"github.com/bikebuds/bikebuds/conns"
	"github.com/bikebuds/bikebuds/datastore"
	"github.com/bikebuds/bikebuds/services"
)

// Enqueuer is the producer surface the handlers schedule follow-up work
// through. Implemented by the queue client.
type Enqueuer interface {
	EnqueueTask(ctx context.Context, taskType string, payload []byte, opts ...asynq.Option) error
}

// Handler processes queue tasks. Business outcomes are recorded on the
// connection's sync state and never bounce a task back to the queue;
// only malformed payloads and infrastructure failures surface as task
// errors.
type Handler struct {
	store    datastore.Store
	registry *conns.Registry
	factory  *services.Factory
	enqueuer Enqueuer
	archiver *archiver.Archiver
	logger   *zap.Logger

	taskTimeout  time.Duration
	stuckSyncAge time.Duration
	now          func() time.Time
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithTaskTimeout bounds the processing time of a single task.
func WithTaskTimeout(timeout time.Duration) HandlerOption {
	return func(h *Handler) {
		h.taskTimeout = timeout
	}
}

// WithEnqueuer wires the producer used for fan-out and follow-up tasks.
func WithEnqueuer(enqueuer Enqueuer) HandlerOption {
	return func(h *Handler) {
		h.enqueuer = enqueuer
	}
}

// WithStuckSyncAge sets how old a raised syncing flag must be before the
// fan-out treats the sync as abandoned and reclaims the connection.
func WithStuckSyncAge(age time.Duration) HandlerOption {
	return func(h *Handler) {
		h.stuckSyncAge = age
	}
}

// WithArchiver snapshots measurement series to blob storage after each
// completed sync.
func WithArchiver(a *archiver.Archiver) HandlerOption {
	return func(h *Handler) {
		h.archiver = a
	}
}

// NewHandler creates a task handler.
func NewHandler(store datastore.Store, registry *conns.Registry, factory *services.Factory, logger *zap.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		store:        store,
		registry:     registry,
		factory:      factory,
		logger:       logger,
		taskTimeout:  10 * time.Minute,
		stuckSyncAge: 4 * time.Hour,
		now:          func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// ProcessTask dispatches a task based on its type.
func (h *Handler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	ctx, cancel := context.WithTimeout(ctx, h.taskTimeout)
	defer cancel()

	switch task.Type() {
	case TypeSync:
		return h.processSyncTask(ctx, task)
	case TypeSyncAll:
		return h.processSyncAllTask(ctx, task)
	case TypeProcessEvents:
		return h.processEventsTask(ctx, task)
	case TypeBackfill:
		return h.processBackfillTask(ctx, task)
	case TypeProcessMeasure:
		return h.processMeasureTask(ctx, task)
	case TypeHealthCheck, TypeConnectionTest:
		return nil
	default:
		return fmt.Errorf("unknown task type %q: %w", task.Type(), asynq.SkipRetry)
	}
}

func decodePayload(task *asynq.Task, dest any) error {
	if err := json.Unmarshal(task.Payload(), dest); err != nil {
		return fmt.Errorf("invalid %s payload: %v: %w", task.Type(), err, asynq.SkipRetry)
	}

	return nil
}
