// Package rssfilter is the core of the personalizing feed proxy. The Engine
// wraps storage, the SSRF-hardened fetcher, the task queue, and the feed
// rewriter behind the operations the HTTP API exposes.
package rssfilter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sgn/rssfilter/internal/config"
	"github.com/sgn/rssfilter/internal/feeds"
	"github.com/sgn/rssfilter/internal/jobs"
	"github.com/sgn/rssfilter/internal/recommend"
	"github.com/sgn/rssfilter/internal/rewrite"
	"github.com/sgn/rssfilter/internal/storage"
)

const (
	// How many of a feed's newest articles go into a rendered document
	// before personalization.
	recentArticleCount = 30

	// How long a feed request waits for a background refresh before
	// serving the stored articles anyway.
	refreshWait = 10 * time.Second
)

// Queue is the slice of jobs.Client the engine needs. Split out so engine
// tests run without Redis.
type Queue interface {
	EnqueueFetchBatch(ctx context.Context, feedIDs []int64, queue string) (string, error)
	EnqueueEmbed(ctx context.Context, articleIDs []int64) error
	EnqueueClick(ctx context.Context, userID string, articleID int64, url string) error
	WaitForTask(ctx context.Context, queue, taskID string, timeout time.Duration) error
}

// FeedFetcher is what the engine needs from feeds.Fetcher.
type FeedFetcher interface {
	FetchFeed(ctx context.Context, url string) (*feeds.ParsedFeed, error)
}

// Engine implements the proxy's operations. One instance serves the API
// process; all fields are safe for concurrent use.
type Engine struct {
	store    *storage.Store
	fetcher  FeedFetcher
	queue    Queue
	rewriter *rewrite.Rewriter
	cfg      *config.Config
}

// NewEngine opens the database and connects to Redis per cfg.
func NewEngine(cfg *config.Config) (*Engine, error) {
	store, err := storage.NewStore(cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	fetcher, err := feeds.NewFetcher(cfg.Fetch.FeedProxy)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create fetcher: %w", err)
	}
	queue, err := jobs.NewClient(cfg.Redis.URL)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("connect queue: %w", err)
	}
	return &Engine{
		store:    store,
		fetcher:  fetcher,
		queue:    queue,
		rewriter: rewrite.NewRewriter(cfg.LogPrefix(), cfg.FeedPrefix()),
		cfg:      cfg,
	}, nil
}

// Close releases the engine's resources.
func (e *Engine) Close() error {
	if c, ok := e.queue.(io.Closer); ok {
		if err := c.Close(); err != nil {
			e.store.Close()
			return err
		}
	}
	return e.store.Close()
}

// Path cleaning in HTTP routers collapses the "//" after the scheme of a
// URL embedded in a path. Repair either form back to scheme://.
var schemeRe = regexp.MustCompile(`^(https?):/+`)

// NormalizeURL repairs a URL recovered from a request path and rejects
// anything that is not plain http(s).
func NormalizeURL(raw string) (string, error) {
	raw = schemeRe.ReplaceAllString(strings.TrimSpace(raw), "$1://")
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%q: %w", raw, ErrInvalidURL)
	}
	return u.String(), nil
}

// GetFeed returns the personalized RSS document for one user and one
// upstream feed. Unknown feeds are subscribed on the spot, which fetches the
// upstream synchronously; known feeds serve stored articles and refresh in
// the background when stale.
func (e *Engine) GetFeed(ctx context.Context, userID, rawURL string) ([]byte, error) {
	feedURL, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}

	user, err := e.store.UpsertUser(userID)
	if err != nil {
		return nil, err
	}
	if err := e.store.TouchUser(userID); err != nil {
		return nil, err
	}

	feed, err := e.store.FindFeed(feedURL)
	if errors.Is(err, storage.ErrNotFound) {
		feed, err = e.subscribe(ctx, feedURL)
	}
	if err != nil {
		return nil, err
	}

	if err := e.store.LinkUserFeed(userID, feed.ID); err != nil {
		return nil, err
	}

	if !feed.IsDisabled && time.Since(feed.UpdatedAt) > e.cfg.Fetch.RefreshInterval {
		feed = e.refresh(ctx, feed)
	}

	articles, err := e.store.ListRecentArticles(feed.ID, recentArticleCount)
	if err != nil {
		return nil, err
	}

	if user.Clusters != nil {
		if centers, err := recommend.DecodeCenters(*user.Clusters); err == nil {
			articles = recommend.Rank(articles, centers,
				recommend.DefaultFilterRatio, recommend.DefaultRandomRatio)
		}
	}

	return e.rewriter.Render(userID, feed, articles)
}

// subscribe fetches a feed seen for the first time and stores it with its
// current articles. Fetch errors propagate to the caller: the subscriber
// should learn right away that a URL is dead or not a feed.
func (e *Engine) subscribe(ctx context.Context, feedURL string) (*storage.Feed, error) {
	parsed, err := e.fetcher.FetchFeed(ctx, feedURL)
	if err != nil {
		return nil, err
	}

	feed, err := e.store.UpsertFeed(feedURL)
	if err != nil {
		return nil, err
	}

	// Adopt a changed canonical URL only when the redirect stayed on the
	// same site or went through a known feed proxy.
	if parsed.URL != feedURL && feeds.SameHost(feedURL, parsed.URL) {
		if err := e.store.RecordFeedURLChange(feed.ID, parsed.URL); err != nil {
			return nil, err
		}
	}

	if err := e.store.UpdateFeedMetadata(feed.ID, parsed.Title, parsed.Description, parsed.Language, parsed.Logo); err != nil {
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
		id, isNew, err := e.store.InsertArticleIfAbsent(feed.ID, a)
		if err != nil {
			return nil, err
		}
		if isNew {
			created = append(created, id)
		}
	}
	if err := e.store.RecordFeedSuccess(feed.ID); err != nil {
		return nil, err
	}

	if len(created) > 0 {
		if err := e.queue.EnqueueEmbed(ctx, created); err != nil {
			log.Printf("rssfilter: enqueue embed for feed %d: %v", feed.ID, err)
		}
	}
	return e.store.GetFeed(feed.ID)
}

// refresh schedules a fetch on the high queue and waits briefly for it.
// Every failure mode degrades to serving the stored articles.
func (e *Engine) refresh(ctx context.Context, feed *storage.Feed) *storage.Feed {
	taskID, err := e.queue.EnqueueFetchBatch(ctx, []int64{feed.ID}, jobs.QueueHigh)
	if err != nil {
		log.Printf("rssfilter: refresh enqueue for feed %d: %v", feed.ID, err)
		return feed
	}
	if err := e.queue.WaitForTask(ctx, jobs.QueueHigh, taskID, refreshWait); err != nil {
		log.Printf("rssfilter: refresh wait for feed %d: %v", feed.ID, err)
		return feed
	}
	if fresh, err := e.store.GetFeed(feed.ID); err == nil {
		return fresh
	}
	return feed
}

// LogClick validates the link target and queues the click for recording.
// The returned URL is where the caller should redirect; a queue problem
// loses the click, never the redirect.
func (e *Engine) LogClick(ctx context.Context, userID string, articleID int64, rawURL string) (string, error) {
	target, err := NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}
	if err := e.queue.EnqueueClick(ctx, userID, articleID, target); err != nil {
		log.Printf("rssfilter: enqueue click for %s: %v", userID, err)
	}
	return target, nil
}

// RegisterUser creates a user under a fresh random id and returns the id.
func (e *Engine) RegisterUser() (string, error) {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	if _, err := e.store.UpsertUser(id); err != nil {
		return "", err
	}
	return id, nil
}

// RewriteOPML rewrites every rss outline of an OPML export to go through the
// proxy for the given user. An empty userID registers a new user first. The
// rewritten document and the effective user id are returned.
func (e *Engine) RewriteOPML(r io.Reader, userID string) ([]byte, string, error) {
	if userID == "" {
		var err error
		userID, err = e.RegisterUser()
		if err != nil {
			return nil, "", err
		}
	} else if _, err := e.store.UpsertUser(userID); err != nil {
		return nil, "", err
	}

	doc, err := parseOPML(r)
	if err != nil {
		return nil, "", err
	}
	rewriteOutlines(doc.Body.Outlines, e.cfg.FeedPrefix()+"/"+userID+"/")

	out, err := renderOPML(doc)
	if err != nil {
		return nil, "", err
	}
	return out, userID, nil
}

// UserClusters groups the user's clicked articles by their nearest interest
// center. Returns storage.ErrNotFound for unknown users and
// ErrClustersNotReady while the cluster model or embeddings are missing.
func (e *Engine) UserClusters(userID string) (*ClusterResult, error) {
	user, err := e.store.GetUser(userID)
	if err != nil {
		return nil, err
	}
	clicked, err := e.store.ListUserArticles(userID)
	if err != nil {
		return nil, err
	}

	var embedded []storage.Article
	var vectors [][]float32
	for _, a := range clicked {
		if a.Embedding == nil {
			continue
		}
		v, err := recommend.DecodeVector(*a.Embedding)
		if err != nil {
			continue
		}
		embedded = append(embedded, a)
		vectors = append(vectors, v)
	}
	if len(embedded) == 0 || user.Clusters == nil {
		return nil, ErrClustersNotReady
	}

	centers, err := recommend.DecodeCenters(*user.Clusters)
	if err != nil {
		return nil, fmt.Errorf("decode clusters for %s: %w", userID, err)
	}

	groups := make(map[int][]ClusterArticle, len(centers))
	for i := range centers {
		groups[i] = []ClusterArticle{}
	}
	for i, a := range embedded {
		c := recommend.NearestCenter(vectors[i], centers)
		groups[c] = append(groups[c], ClusterArticle{
			Title:       a.Title,
			Description: a.Description,
			URL:         a.URL,
		})
	}
	return &ClusterResult{UserID: userID, Clusters: groups}, nil
}

// Stats reports row counts for the operational endpoints and the CLI.
func (e *Engine) Stats() (*storage.DatabaseStats, error) {
	return e.store.Stats()
}
