package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// ErrWaitTimeout is returned by WaitForTask when the task has not finished
// within the wait budget. Callers generally proceed with stale data.
var ErrWaitTimeout = errors.New("timed out waiting for task")

// How long finished tasks stay inspectable. Needed so WaitForTask can
// observe completion rather than a vanished task.
const taskRetention = time.Hour

const defaultMaxRetry = 3

const waitPollInterval = 500 * time.Millisecond

// Client enqueues tasks and polls their completion state. It is safe for
// concurrent use.
type Client struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewClient connects to the Redis instance behind redisURL.
func NewClient(redisURL string) (*Client, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Client{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
	}, nil
}

func (c *Client) Close() error {
	ierr := c.inspector.Close()
	if err := c.client.Close(); err != nil {
		return err
	}
	return ierr
}

func (c *Client) enqueue(ctx context.Context, task *asynq.Task, queue string, extra ...asynq.Option) (*asynq.TaskInfo, error) {
	opts := []asynq.Option{
		asynq.Queue(queue),
		asynq.Timeout(QueueTimeouts[queue]),
		asynq.MaxRetry(defaultMaxRetry),
		asynq.Retention(taskRetention),
	}
	opts = append(opts, extra...)
	info, err := c.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}
	return info, nil
}

// EnqueueFetchBatch submits a feed fetch batch on the given queue and
// returns the task id for status polling.
func (c *Client) EnqueueFetchBatch(ctx context.Context, feedIDs []int64, queue string) (string, error) {
	task, err := NewFetchBatchTask(feedIDs)
	if err != nil {
		return "", err
	}
	info, err := c.enqueue(ctx, task, queue)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

func (c *Client) EnqueueEmbed(ctx context.Context, articleIDs []int64) error {
	task, err := NewEmbedTask(articleIDs)
	if err != nil {
		return err
	}
	_, err = c.enqueue(ctx, task, QueueGPU)
	return err
}

func (c *Client) EnqueueClick(ctx context.Context, userID string, articleID int64, url string) error {
	task, err := NewClickTask(userID, articleID, url)
	if err != nil {
		return err
	}
	_, err = c.enqueue(ctx, task, QueueMedium)
	return err
}

// EnqueueRecluster schedules a cluster recompute for the user. Repeated
// enqueues while one is pending collapse onto the same task id.
func (c *Client) EnqueueRecluster(ctx context.Context, userID string) error {
	task, err := NewReclusterTask(userID)
	if err != nil {
		return err
	}
	// No retention: the id must free up on completion so the next click
	// can trigger another recompute.
	_, err = c.enqueue(ctx, task, QueueMedium,
		asynq.TaskID("recluster:"+userID), asynq.Retention(0))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// WaitForTask polls the task until it completes, fails, or timeout passes.
func (c *Client) WaitForTask(ctx context.Context, queue, taskID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		info, err := c.inspector.GetTaskInfo(queue, taskID)
		switch {
		case errors.Is(err, asynq.ErrTaskNotFound):
			// Retention expired or the task was never stored; nothing
			// left to wait for.
			return nil
		case err != nil:
			return fmt.Errorf("task %s status: %w", taskID, err)
		}

		switch info.State {
		case asynq.TaskStateCompleted:
			return nil
		case asynq.TaskStateArchived:
			return fmt.Errorf("task %s failed: %s", taskID, info.LastErr)
		}

		if time.Now().After(deadline) {
			return ErrWaitTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
