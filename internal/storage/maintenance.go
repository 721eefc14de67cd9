package storage

import (
	"fmt"
	"time"
)

// DatabaseStats is a snapshot of table sizes for observability.
type DatabaseStats struct {
	Users            int64 `json:"users"`
	FrozenUsers      int64 `json:"frozen_users"`
	Feeds            int64 `json:"feeds"`
	DisabledFeeds    int64 `json:"disabled_feeds"`
	Articles         int64 `json:"articles"`
	EmbeddedArticles int64 `json:"embedded_articles"`
	UserFeedLinks    int64 `json:"user_feed_links"`
	UserArticleLinks int64 `json:"user_article_links"`
}

// DeleteOldUnreadArticles removes articles last updated before cutoff that
// no user has ever clicked. Returns the number deleted.
func (s *Store) DeleteOldUnreadArticles(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM articles
		 WHERE updated < ?
		   AND NOT EXISTS (SELECT 1 FROM user_articles WHERE article_id = articles.id)`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete old unread articles: %w", err)
	}
	return res.RowsAffected()
}

// DeleteOrphanUserArticleLinks removes click rows whose article or user row
// is gone.
func (s *Store) DeleteOrphanUserArticleLinks() (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM user_articles
		 WHERE NOT EXISTS (SELECT 1 FROM articles WHERE id = user_articles.article_id)
		    OR NOT EXISTS (SELECT 1 FROM users WHERE id = user_articles.user_id)`,
	)
	if err != nil {
		return 0, fmt.Errorf("delete orphan user article links: %w", err)
	}
	return res.RowsAffected()
}

// DeleteOrphanUserFeedLinks removes subscriptions whose feed or user row is
// gone.
func (s *Store) DeleteOrphanUserFeedLinks() (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM user_feeds
		 WHERE NOT EXISTS (SELECT 1 FROM feeds WHERE id = user_feeds.feed_id)
		    OR NOT EXISTS (SELECT 1 FROM users WHERE id = user_feeds.user_id)`,
	)
	if err != nil {
		return 0, fmt.Errorf("delete orphan user feed links: %w", err)
	}
	return res.RowsAffected()
}

// ClearOldEmbeddings nulls out embeddings of articles last updated before
// cutoff. The vectors are recomputed on demand if the article resurfaces.
func (s *Store) ClearOldEmbeddings(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE articles SET embedding = NULL WHERE updated < ? AND embedding IS NOT NULL`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("clear old embeddings: %w", err)
	}
	return res.RowsAffected()
}

// Vacuum reclaims free pages and refreshes the query planner statistics.
func (s *Store) Vacuum() error {
	if _, err := s.db.Exec(`VACUUM`); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	if _, err := s.db.Exec(`ANALYZE`); err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	return nil
}

// Stats returns row counts for the main tables.
func (s *Store) Stats() (*DatabaseStats, error) {
	var st DatabaseStats
	counts := []struct {
		query string
		dst   *int64
	}{
		{`SELECT COUNT(*) FROM users`, &st.Users},
		{`SELECT COUNT(*) FROM users WHERE is_frozen = 1`, &st.FrozenUsers},
		{`SELECT COUNT(*) FROM feeds`, &st.Feeds},
		{`SELECT COUNT(*) FROM feeds WHERE is_disabled = 1`, &st.DisabledFeeds},
		{`SELECT COUNT(*) FROM articles`, &st.Articles},
		{`SELECT COUNT(*) FROM articles WHERE embedding IS NOT NULL`, &st.EmbeddedArticles},
		{`SELECT COUNT(*) FROM user_feeds`, &st.UserFeedLinks},
		{`SELECT COUNT(*) FROM user_articles`, &st.UserArticleLinks},
	}
	for _, c := range counts {
		if err := s.db.QueryRow(c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("database stats: %w", err)
		}
	}
	return &st, nil
}
