package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertUser creates the user if absent and returns the stored row. An
// existing user is returned unchanged; use TouchUser to bump last_request.
func (s *Store) UpsertUser(id string) (*User, error) {
	_, err := s.db.Exec(
		`INSERT INTO users (id, created_at, last_request) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, now(), now(),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return s.GetUser(id)
}

// GetUser returns the user with the given id, or ErrNotFound.
func (s *Store) GetUser(id string) (*User, error) {
	var u User
	err := s.db.QueryRow(
		`SELECT id, created_at, last_request, clusters, clusters_updated_at, is_frozen, frozen_at
		 FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.CreatedAt, &u.LastRequest, &u.Clusters, &u.ClustersUpdatedAt, &u.IsFrozen, &u.FrozenAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return &u, nil
}

// TouchUser updates last_request and clears the frozen flag. Any request
// from a frozen user brings them back into the periodic fetch set.
func (s *Store) TouchUser(id string) error {
	_, err := s.db.Exec(
		`UPDATE users SET last_request = ?, is_frozen = 0, frozen_at = NULL WHERE id = ?`,
		now(), id,
	)
	if err != nil {
		return fmt.Errorf("touch user %s: %w", id, err)
	}
	return nil
}

// SetUserClusters stores the serialized cluster centers for a user.
func (s *Store) SetUserClusters(id, clusters string) error {
	_, err := s.db.Exec(
		`UPDATE users SET clusters = ?, clusters_updated_at = ? WHERE id = ?`,
		clusters, now(), id,
	)
	if err != nil {
		return fmt.Errorf("set user clusters: %w", err)
	}
	return nil
}

// LinkUserFeed subscribes the user to the feed. Idempotent.
func (s *Store) LinkUserFeed(userID string, feedID int64) error {
	_, err := s.db.Exec(
		`INSERT INTO user_feeds (user_id, feed_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, feed_id) DO NOTHING`,
		userID, feedID, now(),
	)
	if err != nil {
		return fmt.Errorf("link user %s feed %d: %w", userID, feedID, err)
	}
	return nil
}

// LinkUserArticle records a click event. Each distinct click is its own row;
// created_at is part of the primary key.
func (s *Store) LinkUserArticle(userID string, articleID int64) error {
	_, err := s.db.Exec(
		`INSERT INTO user_articles (user_id, article_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, article_id, created_at) DO NOTHING`,
		userID, articleID, now(),
	)
	if err != nil {
		return fmt.Errorf("link user %s article %d: %w", userID, articleID, err)
	}
	return nil
}

// CountUserArticles returns how many distinct articles the user has clicked.
func (s *Store) CountUserArticles(userID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(DISTINCT article_id) FROM user_articles WHERE user_id = ?`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count user articles: %w", err)
	}
	return n, nil
}

// ListUserArticles returns the distinct articles the user has clicked,
// oldest click first.
func (s *Store) ListUserArticles(userID string) ([]Article, error) {
	rows, err := s.db.Query(
		`SELECT a.id, a.feed_id, a.title, a.description, a.url, a.comments_url,
		        a.pub_date, a.updated, a.embedding
		 FROM articles a
		 JOIN (SELECT article_id, MIN(created_at) AS first_click
		       FROM user_articles WHERE user_id = ? GROUP BY article_id) ua
		   ON ua.article_id = a.id
		 ORDER BY ua.first_click, a.id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list user articles: %w", err)
	}
	defer rows.Close()
	return scanArticles(rows)
}

// ListFrozenCandidates returns ids of users whose last_request is older than
// cutoff and who are not already frozen.
func (s *Store) ListFrozenCandidates(cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT id FROM users WHERE last_request < ? AND is_frozen = 0`, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list frozen candidates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FreezeUsers marks the given users as frozen.
func (s *Store) FreezeUsers(ids []string) (int, error) {
	frozen := 0
	for _, id := range ids {
		res, err := s.db.Exec(
			`UPDATE users SET is_frozen = 1, frozen_at = ? WHERE id = ? AND is_frozen = 0`,
			now(), id,
		)
		if err != nil {
			return frozen, fmt.Errorf("freeze user %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			frozen++
		}
	}
	return frozen, nil
}

// UnfreezeUser clears the frozen flag. Returns false when the user does not
// exist or was not frozen.
func (s *Store) UnfreezeUser(id string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE users SET is_frozen = 0, frozen_at = NULL WHERE id = ? AND is_frozen = 1`, id,
	)
	if err != nil {
		return false, fmt.Errorf("unfreeze user %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("unfreeze user %s: %w", id, err)
	}
	return n > 0, nil
}

// DeleteInactiveUsers removes users whose last_request is older than cutoff
// and who have no feed or article links left. Returns the number deleted.
func (s *Store) DeleteInactiveUsers(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM users
		 WHERE last_request < ?
		   AND NOT EXISTS (SELECT 1 FROM user_feeds WHERE user_id = users.id)
		   AND NOT EXISTS (SELECT 1 FROM user_articles WHERE user_id = users.id)`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete inactive users: %w", err)
	}
	return res.RowsAffected()
}
