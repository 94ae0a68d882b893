// Package redis wraps the asynq task queue used for scheduled
// reconciliation and receipt archival.
package redis

import (
	"context"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"

	"github.com/pulsemetrics/sync-engine/redis/config"
	"github.com/pulsemetrics/sync-engine/redis/tasks"
)

// Client enqueues tasks onto the Redis-backed queue.
type Client struct {
	client *asynq.Client
	cfg    *config.RedisConfig
	mu     sync.RWMutex
}

// NewClient creates a queue client and verifies the connection by
// enqueueing a connection test task.
func NewClient(cfg *config.RedisConfig) (*Client, error) {
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if _, err := client.EnqueueContext(context.Background(), asynq.NewTask(tasks.TypeConnectionTest, nil)); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{client: client, cfg: cfg}, nil
}

// EnqueueTask enqueues a task. Options such as asynq.Queue, asynq.MaxRetry
// and asynq.ProcessIn pass through to asynq.
func (c *Client) EnqueueTask(ctx context.Context, task *asynq.Task, opts ...asynq.Option) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, err := c.client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", task.Type(), err)
	}

	return nil
}

// IsHealthy reports whether the queue connection is usable.
func (c *Client) IsHealthy(ctx context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, err := c.client.EnqueueContext(ctx, asynq.NewTask(tasks.TypeHealthCheck, nil))

	return err == nil
}

// Close closes the underlying queue connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}

	return nil
}
