package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/openctemio/stigmap/pkg/logger"
)

// Client manages enqueueing background jobs using Asynq.
type Client struct {
	client *asynq.Client
	logger *logger.Logger
}

// ClientConfig contains configuration for the job client.
type ClientConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// NewClient creates a new job client for enqueueing tasks.
func NewClient(cfg ClientConfig, log *logger.Logger) (*Client, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	client := asynq.NewClient(redisOpt)

	return &Client{
		client: client,
		logger: log.With("component", "job_client"),
	}, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// EnqueueImportSource enqueues a source import and returns the task id.
func (c *Client) EnqueueImportSource(ctx context.Context, payload ImportSourcePayload) (string, error) {
	task, err := NewImportSourceTask(payload)
	if err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}

	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		c.logger.Error("failed to enqueue source import",
			"system_id", payload.SystemID,
			"dir", payload.Dir,
			"error", err,
		)
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}

	c.logger.Info("source import queued",
		"task_id", info.ID,
		"system_id", payload.SystemID,
		"queue", info.Queue,
	)
	return info.ID, nil
}

// EnqueueCatalogRefresh enqueues a catalog refresh. A refresh that is
// already pending is not duplicated and is not an error.
func (c *Client) EnqueueCatalogRefresh(ctx context.Context) error {
	info, err := c.client.EnqueueContext(ctx, NewCatalogRefreshTask())
	if err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) {
			c.logger.Debug("catalog refresh already queued")
			return nil
		}
		c.logger.Error("failed to enqueue catalog refresh", "error", err)
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	c.logger.Info("catalog refresh queued",
		"task_id", info.ID,
		"queue", info.Queue,
	)
	return nil
}
