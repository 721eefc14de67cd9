// Package jobs defines the background task types, the queue client, and the
// asynq handlers that process them.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Task type names. The prefix groups related tasks in queue dashboards.
const (
	TypeFetchBatch    = "feed:fetch_batch"
	TypeEmbedArticles = "article:embed"
	TypeLogClick      = "click:log"
	TypeRecluster     = "user:recluster"
	TypeMaintenance   = "maintenance:full"
	TypeFetchAll      = "feeds:fetch_all"
	TypeRetryDisabled = "feeds:retry_disabled"
)

// Queue names, in priority order.
const (
	QueueHigh   = "high"   // synchronous-path work, a user is waiting
	QueueMedium = "medium" // click logging, cluster recompute
	QueueLow    = "low"    // bulk fetch, scheduled maintenance
	QueueGPU    = "gpu"    // embedding compute, serialized on the GPU worker
)

// QueueTimeouts are the default per-task timeouts by queue.
var QueueTimeouts = map[string]time.Duration{
	QueueHigh:   20 * time.Second,
	QueueMedium: 60 * time.Second,
	QueueLow:    180 * time.Second,
	QueueGPU:    300 * time.Second,
}

// QueuePriorities is the default weight map for worker processes serving
// all queues.
var QueuePriorities = map[string]int{
	QueueHigh:   6,
	QueueMedium: 3,
	QueueLow:    2,
	QueueGPU:    1,
}

type FetchBatchPayload struct {
	FeedIDs []int64 `json:"feed_ids"`
}

type EmbedPayload struct {
	ArticleIDs []int64 `json:"article_ids"`
}

type ClickPayload struct {
	UserID    string `json:"user_id"`
	ArticleID int64  `json:"article_id"`
	URL       string `json:"url"`
}

type ReclusterPayload struct {
	UserID string `json:"user_id"`
}

func newTask(typename string, payload any) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typename, err)
	}
	return asynq.NewTask(typename, data), nil
}

func NewFetchBatchTask(feedIDs []int64) (*asynq.Task, error) {
	return newTask(TypeFetchBatch, FetchBatchPayload{FeedIDs: feedIDs})
}

func NewEmbedTask(articleIDs []int64) (*asynq.Task, error) {
	return newTask(TypeEmbedArticles, EmbedPayload{ArticleIDs: articleIDs})
}

func NewClickTask(userID string, articleID int64, url string) (*asynq.Task, error) {
	return newTask(TypeLogClick, ClickPayload{UserID: userID, ArticleID: articleID, URL: url})
}

func NewReclusterTask(userID string) (*asynq.Task, error) {
	return newTask(TypeRecluster, ReclusterPayload{UserID: userID})
}

func NewMaintenanceTask() *asynq.Task {
	return asynq.NewTask(TypeMaintenance, nil)
}

func NewFetchAllTask() *asynq.Task {
	return asynq.NewTask(TypeFetchAll, nil)
}

func NewRetryDisabledTask() *asynq.Task {
	return asynq.NewTask(TypeRetryDisabled, nil)
}
