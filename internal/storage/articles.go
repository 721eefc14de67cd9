package storage

import (
	"database/sql"
	"fmt"
)

const articleColumns = `id, feed_id, title, description, url, comments_url,
	pub_date, updated, embedding`

func scanArticles(rows *sql.Rows) ([]Article, error) {
	var articles []Article
	for rows.Next() {
		var a Article
		if err := rows.Scan(&a.ID, &a.FeedID, &a.Title, &a.Description, &a.URL,
			&a.CommentsURL, &a.PubDate, &a.Updated, &a.Embedding); err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		articles = append(articles, a)
	}
	return articles, rows.Err()
}

// InsertArticleIfAbsent stores the article, idempotent on (feed_id, url).
// When the row already exists, missing title/description/comments fields are
// filled in from the new data and `updated` is bumped if anything changed.
// Returns the stored row's id and whether a new row was created.
func (s *Store) InsertArticleIfAbsent(feedID int64, a *Article) (int64, bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO articles (feed_id, title, description, url, comments_url, pub_date, updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(feed_id, url) DO NOTHING`,
		feedID, a.Title, a.Description, a.URL, a.CommentsURL, a.PubDate, now(),
	)
	if err != nil {
		return 0, false, fmt.Errorf("insert article: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, false, fmt.Errorf("insert article: %w", err)
		}
		return id, true, nil
	}

	// Existing row: backfill fields the earlier fetch lacked.
	existing, err := s.GetArticleByURL(feedID, a.URL)
	if err != nil {
		return 0, false, err
	}
	modified := false
	if existing.Title == "" && a.Title != "" {
		existing.Title = a.Title
		modified = true
	}
	if existing.Description == "" && a.Description != "" {
		existing.Description = a.Description
		modified = true
	}
	if existing.CommentsURL == nil && a.CommentsURL != nil {
		existing.CommentsURL = a.CommentsURL
		modified = true
	}
	if modified {
		_, err = s.db.Exec(
			`UPDATE articles SET title = ?, description = ?, comments_url = ?, updated = ? WHERE id = ?`,
			existing.Title, existing.Description, existing.CommentsURL, now(), existing.ID,
		)
		if err != nil {
			return 0, false, fmt.Errorf("backfill article %d: %w", existing.ID, err)
		}
	}
	return existing.ID, false, nil
}

// GetArticle returns the article with the given id.
func (s *Store) GetArticle(id int64) (*Article, error) {
	var a Article
	err := s.db.QueryRow(
		`SELECT `+articleColumns+` FROM articles WHERE id = ?`, id,
	).Scan(&a.ID, &a.FeedID, &a.Title, &a.Description, &a.URL,
		&a.CommentsURL, &a.PubDate, &a.Updated, &a.Embedding)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("article %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get article %d: %w", id, err)
	}
	return &a, nil
}

// GetArticleByURL returns the article identified by (feed_id, url).
func (s *Store) GetArticleByURL(feedID int64, url string) (*Article, error) {
	var a Article
	err := s.db.QueryRow(
		`SELECT `+articleColumns+` FROM articles WHERE feed_id = ? AND url = ?`, feedID, url,
	).Scan(&a.ID, &a.FeedID, &a.Title, &a.Description, &a.URL,
		&a.CommentsURL, &a.PubDate, &a.Updated, &a.Embedding)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("article %s: %w", url, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get article by url: %w", err)
	}
	return &a, nil
}

// ListRecentArticles returns the n newest articles of a feed by pub_date,
// ties broken by id. Articles without a pub_date sort last.
func (s *Store) ListRecentArticles(feedID int64, n int) ([]Article, error) {
	rows, err := s.db.Query(
		`SELECT `+articleColumns+` FROM articles
		 WHERE feed_id = ?
		 ORDER BY pub_date DESC, id DESC
		 LIMIT ?`,
		feedID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("list recent articles: %w", err)
	}
	defer rows.Close()
	return scanArticles(rows)
}

// ListArticlesWithoutEmbedding returns articles from the given set that have
// no embedding yet.
func (s *Store) ListArticlesWithoutEmbedding(ids []int64) ([]Article, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + articleColumns + ` FROM articles WHERE embedding IS NULL AND id IN (`
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i] = id
	}
	query += ")"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list articles without embedding: %w", err)
	}
	defer rows.Close()
	return scanArticles(rows)
}

// ListAllArticlesWithoutEmbedding returns every article missing an
// embedding, up to limit. Used by the admin CLI backfill.
func (s *Store) ListAllArticlesWithoutEmbedding(limit int) ([]Article, error) {
	rows, err := s.db.Query(
		`SELECT `+articleColumns+` FROM articles WHERE embedding IS NULL ORDER BY id LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list articles without embedding: %w", err)
	}
	defer rows.Close()
	return scanArticles(rows)
}

// SetArticleEmbedding stores the serialized embedding vector.
func (s *Store) SetArticleEmbedding(id int64, embedding string) error {
	_, err := s.db.Exec(`UPDATE articles SET embedding = ? WHERE id = ?`, embedding, id)
	if err != nil {
		return fmt.Errorf("set article embedding: %w", err)
	}
	return nil
}

// TouchArticle bumps an article's updated timestamp. Clicked articles stay
// out of the retention sweeps this way.
func (s *Store) TouchArticle(id int64) error {
	_, err := s.db.Exec(`UPDATE articles SET updated = ? WHERE id = ?`, now(), id)
	if err != nil {
		return fmt.Errorf("touch article %d: %w", id, err)
	}
	return nil
}
