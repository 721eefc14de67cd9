package jobs

import (
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
)

// Cron entries, all UTC.
const (
	fetchAllSpec      = "0 * * * *" // hourly
	maintenanceSpec   = "0 4 * * *" // daily 04:00
	retryDisabledSpec = "0 3 * * 0" // Sunday 03:00
)

// NewScheduler builds the cron scheduler that feeds the periodic tasks into
// the queues. It runs as its own process.
func NewScheduler(redisURL string) (*asynq.Scheduler, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{
		Location: time.UTC,
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err != nil {
				log.Printf("rssfilter: scheduler enqueue failed: %v", err)
				return
			}
			log.Printf("rssfilter: scheduled %s on %s", info.Type, info.Queue)
		},
	})

	entries := []struct {
		spec  string
		task  *asynq.Task
		queue string
	}{
		{fetchAllSpec, NewFetchAllTask(), QueueLow},
		{maintenanceSpec, NewMaintenanceTask(), QueueLow},
		{retryDisabledSpec, NewRetryDisabledTask(), QueueLow},
	}
	for _, e := range entries {
		_, err := scheduler.Register(e.spec, e.task,
			asynq.Queue(e.queue), asynq.Timeout(QueueTimeouts[e.queue]))
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", e.task.Type(), err)
		}
	}
	return scheduler, nil
}

// NewServer builds the worker server pulling from the given queues with
// their weights.
func NewServer(redisURL string, concurrency int, queues map[string]int) (*asynq.Server, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      queues,
	}), nil
}
