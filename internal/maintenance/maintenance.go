// Package maintenance bundles the periodic database upkeep operations: user
// freezing, retention sweeps, orphan link cleanup, and vacuuming.
package maintenance

import (
	"fmt"
	"log"
	"time"

	"github.com/sgn/rssfilter/internal/config"
	"github.com/sgn/rssfilter/internal/storage"
)

type Runner struct {
	store *storage.Store
	cfg   *config.Config
}

func NewRunner(store *storage.Store, cfg *config.Config) *Runner {
	return &Runner{store: store, cfg: cfg}
}

// Summary reports what a full maintenance run did.
type Summary struct {
	FrozenUsers        int           `json:"frozen_users"`
	EmbeddingsCleared  int64         `json:"embeddings_cleared"`
	ArticlesDeleted    int64         `json:"articles_deleted"`
	OrphanArticleLinks int64         `json:"orphan_article_links"`
	OrphanFeedLinks    int64         `json:"orphan_feed_links"`
	Duration           time.Duration `json:"duration"`
}

func (r *Runner) cutoff(days int) time.Time {
	return time.Now().UTC().AddDate(0, 0, -days)
}

// FreezeDormantUsers freezes users who have not polled any feed within the
// dormant threshold. Frozen users' feeds drop out of the periodic fetch.
func (r *Runner) FreezeDormantUsers() (int, error) {
	ids, err := r.store.ListFrozenCandidates(r.cutoff(r.cfg.Retention.DormantThresholdDays))
	if err != nil {
		return 0, err
	}
	return r.store.FreezeUsers(ids)
}

// UnfreezeUser manually reactivates a frozen user.
func (r *Runner) UnfreezeUser(id string) (bool, error) {
	return r.store.UnfreezeUser(id)
}

// CleanupOldArticles deletes articles past the retention window that no
// user ever clicked.
func (r *Runner) CleanupOldArticles() (int64, error) {
	return r.store.DeleteOldUnreadArticles(r.cutoff(r.cfg.Retention.ArticleRetentionDays))
}

// CleanupOrphanLinks removes link rows whose user, feed, or article is gone.
func (r *Runner) CleanupOrphanLinks() (articleLinks, feedLinks int64, err error) {
	articleLinks, err = r.store.DeleteOrphanUserArticleLinks()
	if err != nil {
		return 0, 0, err
	}
	feedLinks, err = r.store.DeleteOrphanUserFeedLinks()
	if err != nil {
		return articleLinks, 0, err
	}
	return articleLinks, feedLinks, nil
}

// CleanupInactiveUsers deletes users idle past the threshold with no feed
// or article links left.
func (r *Runner) CleanupInactiveUsers() (int64, error) {
	return r.store.DeleteInactiveUsers(r.cutoff(r.cfg.Retention.InactiveUserDays))
}

// RemoveOldEmbeddings nulls embeddings of articles past the embedding
// retention window.
func (r *Runner) RemoveOldEmbeddings() (int64, error) {
	return r.store.ClearOldEmbeddings(r.cutoff(r.cfg.Retention.EmbeddingRetentionDays))
}

// VacuumDatabase reclaims space and refreshes planner statistics.
func (r *Runner) VacuumDatabase() error {
	return r.store.Vacuum()
}

// Stats returns table row counts.
func (r *Runner) Stats() (*storage.DatabaseStats, error) {
	return r.store.Stats()
}

// RunFull executes the daily maintenance sequence: freeze dormant users,
// clear old embeddings, delete old unread articles, clean orphan links,
// vacuum.
func (r *Runner) RunFull() (*Summary, error) {
	start := time.Now()
	s := &Summary{}
	var err error

	if s.FrozenUsers, err = r.FreezeDormantUsers(); err != nil {
		return s, fmt.Errorf("freeze dormant users: %w", err)
	}
	if s.EmbeddingsCleared, err = r.RemoveOldEmbeddings(); err != nil {
		return s, fmt.Errorf("remove old embeddings: %w", err)
	}
	if s.ArticlesDeleted, err = r.CleanupOldArticles(); err != nil {
		return s, fmt.Errorf("cleanup old articles: %w", err)
	}
	if s.OrphanArticleLinks, s.OrphanFeedLinks, err = r.CleanupOrphanLinks(); err != nil {
		return s, fmt.Errorf("cleanup orphan links: %w", err)
	}
	if err = r.VacuumDatabase(); err != nil {
		return s, fmt.Errorf("vacuum: %w", err)
	}

	s.Duration = time.Since(start)
	log.Printf("rssfilter: maintenance frozen=%d embeddings=%d articles=%d orphans=%d/%d in %v",
		s.FrozenUsers, s.EmbeddingsCleared, s.ArticlesDeleted,
		s.OrphanArticleLinks, s.OrphanFeedLinks, s.Duration)
	return s, nil
}
