package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/sgn/rssfilter/internal/config"
	"github.com/sgn/rssfilter/internal/feeds"
	"github.com/sgn/rssfilter/internal/storage"
)

type fakeQueue struct {
	fetchBatches [][]int64
	embedded     [][]int64
	reclustered  []string
}

func (q *fakeQueue) EnqueueFetchBatch(_ context.Context, ids []int64, _ string) (string, error) {
	q.fetchBatches = append(q.fetchBatches, ids)
	return fmt.Sprintf("task-%d", len(q.fetchBatches)), nil
}

func (q *fakeQueue) EnqueueEmbed(_ context.Context, ids []int64) error {
	q.embedded = append(q.embedded, ids)
	return nil
}

func (q *fakeQueue) EnqueueRecluster(_ context.Context, userID string) error {
	q.reclustered = append(q.reclustered, userID)
	return nil
}

type fakeFetcher struct {
	feeds map[string]*feeds.ParsedFeed
	err   error
}

func (f *fakeFetcher) FetchFeed(_ context.Context, url string) (*feeds.ParsedFeed, error) {
	if f.err != nil {
		return nil, f.err
	}
	if feed, ok := f.feeds[url]; ok {
		return feed, nil
	}
	return nil, &feeds.UpstreamError{URL: url, Status: 404}
}

type countingEmbedder struct {
	calls int
}

func (e *countingEmbedder) Model() string { return "test" }

func (e *countingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), float32(i), 1}
	}
	return out, nil
}

func testHandlers(t *testing.T) (*Handlers, *storage.Store, *fakeQueue, *fakeFetcher) {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	queue := &fakeQueue{}
	fetcher := &fakeFetcher{feeds: map[string]*feeds.ParsedFeed{}}
	h := NewHandlers(store, fetcher, &countingEmbedder{}, queue, config.Default())
	return h, store, queue, fetcher
}

func mustTask(t *testing.T, task *asynq.Task, err error) *asynq.Task {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func TestHandleFetchBatch(t *testing.T) {
	h, store, queue, fetcher := testHandlers(t)

	feed, err := store.UpsertFeed("https://example.com/rss")
	if err != nil {
		t.Fatal(err)
	}
	pub := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	fetcher.feeds[feed.URL] = &feeds.ParsedFeed{
		URL:         feed.URL,
		Title:       "Example",
		Description: "A feed",
		Language:    "en",
		Articles: []feeds.ParsedArticle{
			{Title: "one", URL: "https://example.com/1", PubDate: &pub},
			{Title: "two", URL: "https://example.com/2"},
		},
	}

	taskRaw, taskErr := NewFetchBatchTask([]int64{feed.ID})
	task := mustTask(t, taskRaw, taskErr)
	if err := h.HandleFetchBatch(context.Background(), task); err != nil {
		t.Fatalf("HandleFetchBatch: %v", err)
	}

	articles, err := store.ListRecentArticles(feed.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(articles) != 2 {
		t.Errorf("articles = %d, want 2", len(articles))
	}

	updated, err := store.GetFeed(feed.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Title != "Example" {
		t.Errorf("title = %q, metadata not stored", updated.Title)
	}
	if updated.ConsecutiveFailures != 0 {
		t.Errorf("failures = %d", updated.ConsecutiveFailures)
	}

	// New articles go to the embedding queue.
	if len(queue.embedded) != 1 || len(queue.embedded[0]) != 2 {
		t.Errorf("embed enqueues = %v", queue.embedded)
	}

	// A second run inserts nothing new and enqueues nothing.
	if err := h.HandleFetchBatch(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	if len(queue.embedded) != 1 {
		t.Errorf("duplicate fetch enqueued embeds: %v", queue.embedded)
	}
}

func TestHandleFetchBatchFailureAccounting(t *testing.T) {
	h, store, _, fetcher := testHandlers(t)

	feed, err := store.UpsertFeed("https://dead.example.com/rss")
	if err != nil {
		t.Fatal(err)
	}
	fetcher.err = &feeds.UpstreamError{URL: feed.URL, Status: 500}

	taskRaw, taskErr := NewFetchBatchTask([]int64{feed.ID})
	task := mustTask(t, taskRaw, taskErr)
	for i := 0; i < h.cfg.Fetch.MaxFailures; i++ {
		if err := h.HandleFetchBatch(context.Background(), task); err != nil {
			t.Fatalf("HandleFetchBatch: %v", err)
		}
	}

	updated, err := store.GetFeed(feed.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !updated.IsDisabled {
		t.Error("feed should be disabled after max failures")
	}
	if updated.LastError == nil {
		t.Error("last_error not recorded")
	}
}

func TestHandleFetchBatchURLChange(t *testing.T) {
	h, store, _, fetcher := testHandlers(t)

	feed, err := store.UpsertFeed("https://example.com/rss")
	if err != nil {
		t.Fatal(err)
	}
	// Same-host redirect: canonical URL moves, original kept for lookups.
	fetcher.feeds[feed.URL] = &feeds.ParsedFeed{
		URL:   "https://example.com/feed.xml",
		Title: "Moved",
	}

	taskRaw, taskErr := NewFetchBatchTask([]int64{feed.ID})
	task := mustTask(t, taskRaw, taskErr)
	if err := h.HandleFetchBatch(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	byOld, err := store.FindFeed("https://example.com/rss")
	if err != nil {
		t.Fatal(err)
	}
	if byOld.URL != "https://example.com/feed.xml" {
		t.Errorf("url = %q, want new canonical", byOld.URL)
	}
}

func TestHandleFetchBatchCrossHostRedirectKeepsURL(t *testing.T) {
	h, store, _, fetcher := testHandlers(t)

	feed, err := store.UpsertFeed("https://example.com/rss")
	if err != nil {
		t.Fatal(err)
	}
	fetcher.feeds[feed.URL] = &feeds.ParsedFeed{
		URL:   "https://evil.example.org/rss",
		Title: "Elsewhere",
	}

	taskRaw, taskErr := NewFetchBatchTask([]int64{feed.ID})
	task := mustTask(t, taskRaw, taskErr)
	if err := h.HandleFetchBatch(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	updated, err := store.GetFeed(feed.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.URL != "https://example.com/rss" {
		t.Errorf("url = %q, cross-host redirect must not move the canonical URL", updated.URL)
	}
}

func TestHandleLogClick(t *testing.T) {
	h, store, queue, _ := testHandlers(t)

	if _, err := store.UpsertUser("alice"); err != nil {
		t.Fatal(err)
	}
	feed, err := store.UpsertFeed("https://example.com/rss")
	if err != nil {
		t.Fatal(err)
	}
	var ids []int64
	for i := 0; i < 10; i++ {
		id, _, err := store.InsertArticleIfAbsent(feed.ID, &storage.Article{
			URL: fmt.Sprintf("https://example.com/%d", i),
		})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	// Nine clicks: recorded, but below the clustering threshold.
	for _, id := range ids[:9] {
		taskRaw, taskErr := NewClickTask("alice", id, "https://example.com/x")
		task := mustTask(t, taskRaw, taskErr)
		if err := h.HandleLogClick(context.Background(), task); err != nil {
			t.Fatalf("HandleLogClick: %v", err)
		}
	}
	if len(queue.reclustered) != 0 {
		t.Errorf("recluster enqueued early: %v", queue.reclustered)
	}

	// The tenth click crosses it.
	taskRaw, taskErr := NewClickTask("alice", ids[9], "https://example.com/x")
	task := mustTask(t, taskRaw, taskErr)
	if err := h.HandleLogClick(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	if len(queue.reclustered) != 1 || queue.reclustered[0] != "alice" {
		t.Errorf("reclustered = %v, want [alice]", queue.reclustered)
	}

	n, err := store.CountUserArticles("alice")
	if err != nil {
		t.Fatal(err)
	}
	if n != 10 {
		t.Errorf("clicks = %d, want 10", n)
	}
}

func TestHandleRecluster(t *testing.T) {
	h, store, _, _ := testHandlers(t)

	if _, err := store.UpsertUser("alice"); err != nil {
		t.Fatal(err)
	}
	feed, err := store.UpsertFeed("https://example.com/rss")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 12; i++ {
		id, _, err := store.InsertArticleIfAbsent(feed.ID, &storage.Article{
			Title: fmt.Sprintf("title %d", i),
			URL:   fmt.Sprintf("https://example.com/%d", i),
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := store.LinkUserArticle("alice", id); err != nil {
			t.Fatal(err)
		}
	}

	taskRaw, taskErr := NewReclusterTask("alice")
	task := mustTask(t, taskRaw, taskErr)
	if err := h.HandleRecluster(context.Background(), task); err != nil {
		t.Fatalf("HandleRecluster: %v", err)
	}

	u, err := store.GetUser("alice")
	if err != nil {
		t.Fatal(err)
	}
	if u.Clusters == nil {
		t.Fatal("clusters not stored")
	}
	if u.ClustersUpdatedAt == nil {
		t.Error("clusters_updated_at not set")
	}
}

func TestHandleReclusterTooFewClicks(t *testing.T) {
	h, store, _, _ := testHandlers(t)

	if _, err := store.UpsertUser("bob"); err != nil {
		t.Fatal(err)
	}
	feed, err := store.UpsertFeed("https://example.com/rss")
	if err != nil {
		t.Fatal(err)
	}
	id, _, err := store.InsertArticleIfAbsent(feed.ID, &storage.Article{URL: "https://example.com/1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.LinkUserArticle("bob", id); err != nil {
		t.Fatal(err)
	}

	// Not an error: repeated enqueues with thin history stay harmless.
	taskRaw, taskErr := NewReclusterTask("bob")
	task := mustTask(t, taskRaw, taskErr)
	if err := h.HandleRecluster(context.Background(), task); err != nil {
		t.Fatalf("HandleRecluster: %v", err)
	}
	u, err := store.GetUser("bob")
	if err != nil {
		t.Fatal(err)
	}
	if u.Clusters != nil {
		t.Error("clusters stored despite too few clicks")
	}
}

func TestHandleFetchAll(t *testing.T) {
	h, store, queue, _ := testHandlers(t)

	if _, err := store.UpsertUser("alice"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 25; i++ {
		feed, err := store.UpsertFeed(fmt.Sprintf("https://example.com/%d", i))
		if err != nil {
			t.Fatal(err)
		}
		if err := store.LinkUserFeed("alice", feed.ID); err != nil {
			t.Fatal(err)
		}
	}

	if err := h.HandleFetchAll(context.Background(), NewFetchAllTask()); err != nil {
		t.Fatalf("HandleFetchAll: %v", err)
	}
	// 25 feeds at batch size 10: three batches.
	if len(queue.fetchBatches) != 3 {
		t.Fatalf("batches = %d, want 3", len(queue.fetchBatches))
	}
	total := 0
	for _, b := range queue.fetchBatches {
		total += len(b)
	}
	if total != 25 {
		t.Errorf("total feeds = %d, want 25", total)
	}
}

func TestHandleFetchAllSkipsFrozenOnlyFeeds(t *testing.T) {
	h, store, queue, _ := testHandlers(t)

	for _, u := range []string{"warm", "cold"} {
		if _, err := store.UpsertUser(u); err != nil {
			t.Fatal(err)
		}
	}
	active, err := store.UpsertFeed("https://example.com/active")
	if err != nil {
		t.Fatal(err)
	}
	dormant, err := store.UpsertFeed("https://example.com/dormant")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.LinkUserFeed("warm", active.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.LinkUserFeed("cold", dormant.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.FreezeUsers([]string{"cold"}); err != nil {
		t.Fatal(err)
	}

	if err := h.HandleFetchAll(context.Background(), NewFetchAllTask()); err != nil {
		t.Fatalf("HandleFetchAll: %v", err)
	}
	if len(queue.fetchBatches) != 1 || len(queue.fetchBatches[0]) != 1 {
		t.Fatalf("batches = %v, want one batch of one", queue.fetchBatches)
	}
	if queue.fetchBatches[0][0] != active.ID {
		t.Errorf("scheduled feed %d, want %d", queue.fetchBatches[0][0], active.ID)
	}
}

func TestHandleRetryDisabled(t *testing.T) {
	h, store, queue, _ := testHandlers(t)

	feed, err := store.UpsertFeed("https://example.com/rss")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < h.cfg.Fetch.MaxFailures; i++ {
		if err := store.RecordFeedFailure(feed.ID, "boom", h.cfg.Fetch.MaxFailures); err != nil {
			t.Fatal(err)
		}
	}

	if err := h.HandleRetryDisabled(context.Background(), NewRetryDisabledTask()); err != nil {
		t.Fatalf("HandleRetryDisabled: %v", err)
	}

	updated, err := store.GetFeed(feed.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.IsDisabled || updated.ConsecutiveFailures != 0 {
		t.Errorf("feed not reset: %+v", updated)
	}
	if len(queue.fetchBatches) != 1 {
		t.Errorf("fetch batches = %v, want one", queue.fetchBatches)
	}
}

func TestRetryBusyMiddleware(t *testing.T) {
	calls := 0
	inner := asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		calls++
		return errors.New("permanent")
	})
	h := RetryBusy(inner)

	err := h.ProcessTask(context.Background(), asynq.NewTask("x", nil))
	if err == nil {
		t.Fatal("expected error")
	}
	// Non-busy errors are not retried here; asynq owns that budget.
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
