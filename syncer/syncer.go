// Package syncer runs a vendor worker's unit of work bracketed by status
// bookkeeping and normalizes every failure into a single wrapped sync
// error.
package syncer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Worker is one vendor-specific unit of work: fetch, normalize, store.
type Worker interface {
	Sync(ctx context.Context) error
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc func(ctx context.Context) error

func (f WorkerFunc) Sync(ctx context.Context) error {
	return f(ctx)
}

// SyncError is the single failure type a worker run surfaces. It carries
// the worker name and work key so the connection's error field and the
// logs identify the failing unit.
type SyncError struct {
	WorkName string
	WorkKey  string
	Err      error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("worker failed: %s/%s: %v", e.WorkName, e.WorkKey, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// AsSyncError extracts a SyncError from an error chain.
func AsSyncError(err error) (*SyncError, bool) {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr, true
	}

	return nil, false
}

// Do runs the worker to completion. Any failure, including ones raised
// deep inside vendor client calls, comes back as a *SyncError naming the
// worker and its work key. The bracket itself never touches connection
// status; the orchestrating caller owns those writes.
func Do(ctx context.Context, logger *zap.Logger, workName, workKey string, worker Worker) error {
	logger.Debug("worker starting",
		zap.String("worker", workName),
		zap.String("work_key", workKey),
	)

	if err := worker.Sync(ctx); err != nil {
		logger.Error("worker failed",
			zap.String("worker", workName),
			zap.String("work_key", workKey),
			zap.Error(err),
		)

		return &SyncError{WorkName: workName, WorkKey: workKey, Err: err}
	}

	logger.Info("worker completed",
		zap.String("worker", workName),
		zap.String("work_key", workKey),
	)

	return nil
}
