// Package queue wraps the asynq client and server used to schedule and
// run sync work.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"

	"github.com/bikebuds/bikebuds/queue/config"
)

// Client wraps the asynq producer side.
type Client struct {
	client *asynq.Client
	cfg    *config.RedisConfig
	mu     sync.RWMutex
}

// NewClient creates a queue client and verifies the connection.
func NewClient(cfg *config.RedisConfig) (*Client, error) {
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if _, err := client.Enqueue(asynq.NewTask("connection:test", nil)); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{client: client, cfg: cfg}, nil
}

// EnqueueTask enqueues a task with the given type and payload.
func (c *Client) EnqueueTask(ctx context.Context, taskType string, payload []byte, opts ...asynq.Option) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	task := asynq.NewTask(taskType, payload)
	if _, err := c.client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	return nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close queue client: %w", err)
	}

	return nil
}
