package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/hibiken/asynq"
	embedding "github.com/matthewjhunter/go-embedding"
	"golang.org/x/sync/errgroup"

	"github.com/sgn/rssfilter/internal/config"
	"github.com/sgn/rssfilter/internal/feeds"
	"github.com/sgn/rssfilter/internal/maintenance"
	"github.com/sgn/rssfilter/internal/recommend"
	"github.com/sgn/rssfilter/internal/storage"
)

// Enqueuer is the slice of Client the handlers need to chain follow-up
// work. Split out so handler tests run without Redis.
type Enqueuer interface {
	EnqueueFetchBatch(ctx context.Context, feedIDs []int64, queue string) (string, error)
	EnqueueEmbed(ctx context.Context, articleIDs []int64) error
	EnqueueRecluster(ctx context.Context, userID string) error
}

// FeedFetcher is what the fetch handlers need from feeds.Fetcher.
type FeedFetcher interface {
	FetchFeed(ctx context.Context, url string) (*feeds.ParsedFeed, error)
}

// Handlers processes the background tasks. One instance serves a worker
// process; all fields are safe for concurrent use.
type Handlers struct {
	store    *storage.Store
	fetcher  FeedFetcher
	embedder embedding.Embedder
	queue    Enqueuer
	maint    *maintenance.Runner
	cfg      *config.Config
}

func NewHandlers(store *storage.Store, fetcher FeedFetcher, embedder embedding.Embedder, queue Enqueuer, cfg *config.Config) *Handlers {
	return &Handlers{
		store:    store,
		fetcher:  fetcher,
		embedder: embedder,
		queue:    queue,
		maint:    maintenance.NewRunner(store, cfg),
		cfg:      cfg,
	}
}

// Mux routes task types to handlers, wrapped in the logging and
// busy-retry middleware.
func (h *Handlers) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Use(Logging, RetryBusy)
	mux.HandleFunc(TypeFetchBatch, h.HandleFetchBatch)
	mux.HandleFunc(TypeEmbedArticles, h.HandleEmbed)
	mux.HandleFunc(TypeLogClick, h.HandleLogClick)
	mux.HandleFunc(TypeRecluster, h.HandleRecluster)
	mux.HandleFunc(TypeMaintenance, h.HandleMaintenance)
	mux.HandleFunc(TypeFetchAll, h.HandleFetchAll)
	mux.HandleFunc(TypeRetryDisabled, h.HandleRetryDisabled)
	return mux
}

// HandleFetchBatch fetches every feed in the payload concurrently, records
// per-feed success or failure, and enqueues embedding work for the new
// articles. A single bad feed does not fail the batch.
func (h *Handlers) HandleFetchBatch(ctx context.Context, t *asynq.Task) error {
	var p FetchBatchPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("%s payload: %w", t.Type(), err)
	}

	var mu sync.Mutex
	var newArticles []int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.cfg.Fetch.BatchSize)
	for _, feedID := range p.FeedIDs {
		feedID := feedID
		g.Go(func() error {
			ids, err := h.fetchOne(gctx, feedID)
			if err != nil {
				return err
			}
			mu.Lock()
			newArticles = append(newArticles, ids...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if len(newArticles) > 0 {
		if err := h.queue.EnqueueEmbed(ctx, newArticles); err != nil {
			return fmt.Errorf("enqueue embed: %w", err)
		}
	}
	return nil
}

// fetchOne fetches a single feed and stores its articles. Fetch and parse
// problems are recorded on the feed row and do not propagate; only storage
// errors do.
func (h *Handlers) fetchOne(ctx context.Context, feedID int64) ([]int64, error) {
	feed, err := h.store.GetFeed(feedID)
	if err != nil {
		return nil, err
	}

	parsed, err := h.fetcher.FetchFeed(ctx, feed.URL)
	if err != nil {
		log.Printf("rssfilter: feed %d (%s) fetch failed: %v", feed.ID, feed.URL, err)
		if rerr := h.store.RecordFeedFailure(feed.ID, err.Error(), h.cfg.Fetch.MaxFailures); rerr != nil {
			return nil, rerr
		}
		return nil, nil
	}

	// Adopt a changed canonical URL only when the redirect stayed on the
	// same site or went through a known feed proxy.
	if parsed.URL != feed.URL && feeds.SameHost(feed.URL, parsed.URL) {
		if err := h.store.RecordFeedURLChange(feed.ID, parsed.URL); err != nil {
			return nil, err
		}
	}

	if err := h.store.UpdateFeedMetadata(feed.ID, parsed.Title, parsed.Description, parsed.Language, parsed.Logo); err != nil {
		return nil, err
	}

	var created []int64
	for _, pa := range parsed.Articles {
		a := &storage.Article{
			Title:       pa.Title,
			Description: pa.Description,
			URL:         pa.URL,
			PubDate:     pa.PubDate,
		}
		if pa.CommentsURL != "" {
			c := pa.CommentsURL
			a.CommentsURL = &c
		}
		id, isNew, err := h.store.InsertArticleIfAbsent(feed.ID, a)
		if err != nil {
			return nil, err
		}
		if isNew {
			created = append(created, id)
		}
	}

	if err := h.store.RecordFeedSuccess(feed.ID); err != nil {
		return nil, err
	}
	return created, nil
}

// HandleEmbed computes embeddings for the payload's articles that still
// lack one.
func (h *Handlers) HandleEmbed(ctx context.Context, t *asynq.Task) error {
	var p EmbedPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("%s payload: %w", t.Type(), err)
	}

	pending, err := h.store.ListArticlesWithoutEmbedding(p.ArticleIDs)
	if err != nil {
		return err
	}
	n, err := recommend.ComputeEmbeddings(ctx, h.embedder, h.store, pending)
	if err != nil {
		return fmt.Errorf("compute embeddings: %w", err)
	}
	log.Printf("rssfilter: embedded %d of %d articles", n, len(p.ArticleIDs))
	return nil
}

// HandleLogClick records a click event: the user is touched (and unfrozen),
// the click row appended, the article kept out of retention, and a cluster
// recompute scheduled once the user has enough history.
func (h *Handlers) HandleLogClick(ctx context.Context, t *asynq.Task) error {
	var p ClickPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("%s payload: %w", t.Type(), err)
	}

	if _, err := h.store.UpsertUser(p.UserID); err != nil {
		return err
	}
	if err := h.store.TouchUser(p.UserID); err != nil {
		return err
	}
	if _, err := h.store.GetArticle(p.ArticleID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Printf("rssfilter: click on unknown article %d by %s", p.ArticleID, p.UserID)
			return nil
		}
		return err
	}
	if err := h.store.LinkUserArticle(p.UserID, p.ArticleID); err != nil {
		return err
	}
	if err := h.store.TouchArticle(p.ArticleID); err != nil {
		return err
	}

	count, err := h.store.CountUserArticles(p.UserID)
	if err != nil {
		return err
	}
	if count >= recommend.DefaultClusterCount {
		if err := h.queue.EnqueueRecluster(ctx, p.UserID); err != nil {
			return fmt.Errorf("enqueue recluster: %w", err)
		}
	}
	return nil
}

// HandleRecluster recomputes a user's interest centers from their clicked
// articles. Users with too little history are skipped, not failed, so
// repeated enqueues stay harmless.
func (h *Handlers) HandleRecluster(ctx context.Context, t *asynq.Task) error {
	var p ReclusterPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("%s payload: %w", t.Type(), err)
	}

	clicked, err := h.store.ListUserArticles(p.UserID)
	if err != nil {
		return err
	}
	if _, err := recommend.ComputeEmbeddings(ctx, h.embedder, h.store, clicked); err != nil {
		return fmt.Errorf("embed clicked articles: %w", err)
	}

	var vectors [][]float32
	for _, a := range clicked {
		raw := a.Embedding
		if raw == nil {
			fresh, err := h.store.GetArticle(a.ID)
			if err != nil {
				return err
			}
			raw = fresh.Embedding
		}
		if raw == nil {
			continue
		}
		v, err := recommend.DecodeVector(*raw)
		if err != nil {
			return err
		}
		vectors = append(vectors, v)
	}

	centers, err := recommend.Cluster(vectors, recommend.DefaultClusterCount)
	if err != nil {
		if errors.Is(err, recommend.ErrTooFewArticles) {
			log.Printf("rssfilter: user %s has %d embedded clicks, skipping recluster", p.UserID, len(vectors))
			return nil
		}
		return err
	}

	encoded, err := recommend.EncodeCenters(centers)
	if err != nil {
		return err
	}
	return h.store.SetUserClusters(p.UserID, encoded)
}

// HandleMaintenance runs the daily full maintenance sequence.
func (h *Handlers) HandleMaintenance(ctx context.Context, t *asynq.Task) error {
	_, err := h.maint.RunFull()
	return err
}

// HandleFetchAll splits the enabled feeds into fetch batches on the low
// queue. Feeds subscribed to only by frozen users are skipped.
func (h *Handlers) HandleFetchAll(ctx context.Context, t *asynq.Task) error {
	ids, err := h.store.ListActiveFeedIDs()
	if err != nil {
		return err
	}
	for start := 0; start < len(ids); start += h.cfg.Fetch.BatchSize {
		end := start + h.cfg.Fetch.BatchSize
		if end > len(ids) {
			end = len(ids)
		}
		if _, err := h.queue.EnqueueFetchBatch(ctx, ids[start:end], QueueLow); err != nil {
			return fmt.Errorf("enqueue fetch batch: %w", err)
		}
	}
	log.Printf("rssfilter: scheduled fetch of %d feeds", len(ids))
	return nil
}

// HandleRetryDisabled gives disabled feeds another chance: failure budgets
// are reset and one fetch is scheduled.
func (h *Handlers) HandleRetryDisabled(ctx context.Context, t *asynq.Task) error {
	ids, err := h.store.ListDisabledFeedIDs()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		if err := h.store.ResetDisabledFeed(id); err != nil {
			return err
		}
	}
	if _, err := h.queue.EnqueueFetchBatch(ctx, ids, QueueLow); err != nil {
		return fmt.Errorf("enqueue fetch batch: %w", err)
	}
	log.Printf("rssfilter: re-enabled %d feeds", len(ids))
	return nil
}
