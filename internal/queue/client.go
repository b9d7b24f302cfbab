package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

// taskGrace is added to the per-sheet timeout so the worker's own deadline
// fires before asynq abandons the task.
const taskGrace = 30 * time.Second

type Client struct {
	client     *asynq.Client
	queue      string
	jobTimeout time.Duration
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string, jobTimeout time.Duration) *Client {
	if jobTimeout <= 0 {
		jobTimeout = 2 * time.Minute
	}
	return &Client{
		client:     asynq.NewClient(redisOpt),
		queue:      queueName,
		jobTimeout: jobTimeout,
	}
}

// EnqueueNormalizeSheet never retries: a failed sheet is a terminal job state.
func (c *Client) EnqueueNormalizeSheet(ctx context.Context, payload NormalizeSheetPayload) (*asynq.TaskInfo, error) {
	task, err := NewNormalizeSheetTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.MaxRetry(0),
		asynq.Timeout(c.jobTimeout+taskGrace),
	)
}

func (c *Client) Close() error {
	return c.client.Close()
}
