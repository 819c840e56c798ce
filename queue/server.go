package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/bikebuds/bikebuds/queue/config"
)

// Server wraps the asynq consumer side.
type Server struct {
	server *asynq.Server
	cfg    *config.RedisConfig
	logger *zap.Logger
}

// NewServer creates a queue server with the configured concurrency and
// queue priorities. Sync outcomes are recorded on the connection's sync
// state, so task handlers return nil for business failures; only
// infrastructure errors reach the retry policy here.
func NewServer(cfg *config.RedisConfig, logger *zap.Logger) *Server {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:         cfg.GetRedisAddr(),
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		asynq.Config{
			Concurrency: cfg.Workers,
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				if n >= cfg.MaxRetries {
					logger.Error("task exhausted retries",
						zap.String("type", task.Type()),
						zap.Error(err),
					)

					return -1 * time.Second
				}

				delay := time.Duration(1<<uint(n)) * time.Second
				if delay > cfg.RetryInterval {
					delay = cfg.RetryInterval
				}

				logger.Warn("task failed, retry scheduled",
					zap.String("type", task.Type()),
					zap.Int("attempt", n),
					zap.Duration("delay", delay),
					zap.Error(err),
				)

				return delay
			},
			Queues:         cfg.QueuePriorities,
			StrictPriority: true,
		},
	)

	return &Server{server: srv, cfg: cfg, logger: logger}
}

// Start starts consuming with the provided mux.
func (s *Server) Start(mux *asynq.ServeMux) error {
	return s.server.Start(mux)
}

// Shutdown drains in-flight tasks and stops the server.
func (s *Server) Shutdown(_ context.Context) error {
	s.server.Shutdown()

	return nil
}
