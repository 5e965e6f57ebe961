package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

// EnqueueGenerateThumbnail schedules one conversion. Retries cover transient
// fetch/upload failures only; the worker skips retries for deterministic
// decode errors.
func (c *Client) EnqueueGenerateThumbnail(ctx context.Context, payload GenerateThumbnailPayload) (*asynq.TaskInfo, error) {
	task, err := NewGenerateThumbnailTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.MaxRetry(3),
		asynq.Timeout(3*time.Minute),
	)
}

func (c *Client) Close() error {
	return c.client.Close()
}
