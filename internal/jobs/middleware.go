package jobs

import (
	"context"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/sgn/rssfilter/internal/storage"
)

const (
	busyBaseDelay  = 100 * time.Millisecond
	busyMaxDelay   = 2 * time.Second
	busyMaxRetries = 5
)

// RetryBusy re-runs a handler when it fails on SQLite write contention,
// backing off exponentially. Other errors pass through to asynq's own retry
// budget.
func RetryBusy(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		delay := busyBaseDelay
		var err error
		for attempt := 0; ; attempt++ {
			err = next.ProcessTask(ctx, t)
			if err == nil || !storage.IsBusy(err) || attempt >= busyMaxRetries {
				return err
			}
			log.Printf("rssfilter: task %s hit database contention, retrying in %v", t.Type(), delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			if delay *= 2; delay > busyMaxDelay {
				delay = busyMaxDelay
			}
		}
	})
}

// Logging wraps a handler with start/finish log lines, the worker-side
// counterpart of the HTTP request log.
func Logging(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		start := time.Now()
		err := next.ProcessTask(ctx, t)
		if err != nil {
			log.Printf("rssfilter: task %s failed after %v: %v", t.Type(), time.Since(start), err)
			return err
		}
		log.Printf("rssfilter: task %s done in %v", t.Type(), time.Since(start))
		return nil
	})
}
