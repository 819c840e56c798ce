// Package workerrunner runs the queue consumer and the periodic sync
// scheduler.
package workerrunner

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/bikebuds/bikebuds/queue"
	"github.com/bikebuds/bikebuds/queue/tasks"
	"github.com/bikebuds/bikebuds/runner"
	"github.com/bikebuds/bikebuds/tlmt"
)

type workerRunner struct {
	cfg       *runner.Config
	deps      *runner.Deps
	server    *queue.Server
	scheduler *asynq.Scheduler
}

// New builds the worker run mode.
func New(cfg *runner.Config) (runner.Runner, error) {
	logger, err := runner.NewLogger(cfg.Debug)
	if err != nil {
		return nil, err
	}

	deps, err := runner.NewDeps(context.Background(), cfg, logger)
	if err != nil {
		return nil, err
	}

	server := queue.NewServer(deps.RedisCfg, logger)

	scheduler := asynq.NewScheduler(asynq.RedisClientOpt{
		Addr:     deps.RedisCfg.GetRedisAddr(),
		Password: deps.RedisCfg.Password,
		DB:       deps.RedisCfg.DB,
	}, nil)

	payload, err := json.Marshal(tasks.SyncAllPayload{})
	if err != nil {
		return nil, err
	}

	_, err = scheduler.Register(cfg.SyncSchedule,
		asynq.NewTask(tasks.TypeSyncAll, payload),
		asynq.Queue(tasks.QueueDefault))
	if err != nil {
		return nil, err
	}

	return &workerRunner{
		cfg:       cfg,
		deps:      deps,
		server:    server,
		scheduler: scheduler,
	}, nil
}

func (r *workerRunner) Run(ctx context.Context) error {
	evt := tlmt.NewEvent("worker_start", map[string]any{
		"schedule": r.cfg.SyncSchedule,
		"workers":  r.deps.RedisCfg.Workers,
	})
	_ = runner.Telemetry().Send(ctx, evt)

	mux := asynq.NewServeMux()
	for _, taskType := range []string{
		tasks.TypeSync,
		tasks.TypeSyncAll,
		tasks.TypeProcessEvents,
		tasks.TypeBackfill,
		tasks.TypeProcessMeasure,
		tasks.TypeHealthCheck,
		tasks.TypeConnectionTest,
	} {
		mux.HandleFunc(taskType, r.deps.Handler.ProcessTask)
	}

	if err := r.scheduler.Start(); err != nil {
		return err
	}

	if err := r.server.Start(mux); err != nil {
		r.scheduler.Shutdown()

		return err
	}

	<-ctx.Done()

	r.deps.Logger.Info("shutting down worker", zap.Error(ctx.Err()))

	r.scheduler.Shutdown()

	return r.server.Shutdown(context.Background())
}

func (r *workerRunner) Close(context.Context) error {
	return r.deps.Close()
}
