package storage

import (
	"database/sql"
	"fmt"
)

const feedColumns = `id, url, original_url, title, description, language, logo,
	created_at, updated_at, consecutive_failures, last_error, is_disabled`

func scanFeed(row *sql.Row) (*Feed, error) {
	var f Feed
	err := row.Scan(&f.ID, &f.URL, &f.OriginalURL, &f.Title, &f.Description,
		&f.Language, &f.Logo, &f.CreatedAt, &f.UpdatedAt,
		&f.ConsecutiveFailures, &f.LastError, &f.IsDisabled)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// UpsertFeed creates a feed row for the canonical URL if absent and returns
// the stored row either way.
func (s *Store) UpsertFeed(url string) (*Feed, error) {
	_, err := s.db.Exec(
		`INSERT INTO feeds (url, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(url) DO NOTHING`,
		url, now(), now(),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert feed: %w", err)
	}
	return s.FindFeed(url)
}

// FindFeed resolves a URL against both url and original_url, so a feed whose
// canonical URL moved is still found under the address the user subscribed
// with.
func (s *Store) FindFeed(url string) (*Feed, error) {
	f, err := scanFeed(s.db.QueryRow(
		`SELECT `+feedColumns+` FROM feeds WHERE url = ? OR original_url = ? LIMIT 1`,
		url, url,
	))
	if err == ErrNotFound {
		return nil, fmt.Errorf("feed %s: %w", url, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find feed %s: %w", url, err)
	}
	return f, nil
}

// GetFeed returns the feed with the given id.
func (s *Store) GetFeed(id int64) (*Feed, error) {
	f, err := scanFeed(s.db.QueryRow(
		`SELECT `+feedColumns+` FROM feeds WHERE id = ?`, id,
	))
	if err == ErrNotFound {
		return nil, fmt.Errorf("feed %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get feed %d: %w", id, err)
	}
	return f, nil
}

// ListFeedIDs returns ids of all feeds that are not disabled.
func (s *Store) ListFeedIDs() ([]int64, error) {
	rows, err := s.db.Query(`SELECT id FROM feeds WHERE is_disabled = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list feed ids: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ListActiveFeedIDs returns ids of feeds that are not disabled and have at
// least one subscriber who is not frozen. Feeds whose subscribers are all
// frozen sit out the periodic fetch until one of them returns.
func (s *Store) ListActiveFeedIDs() ([]int64, error) {
	rows, err := s.db.Query(`
		SELECT f.id FROM feeds f
		WHERE f.is_disabled = 0
		  AND EXISTS (
		    SELECT 1 FROM user_feeds uf
		    JOIN users u ON u.id = uf.user_id
		    WHERE uf.feed_id = f.id AND u.is_frozen = 0
		  )
		ORDER BY f.id`)
	if err != nil {
		return nil, fmt.Errorf("list active feed ids: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ListDisabledFeedIDs returns ids of feeds disabled by the failure budget.
func (s *Store) ListDisabledFeedIDs() ([]int64, error) {
	rows, err := s.db.Query(`SELECT id FROM feeds WHERE is_disabled = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list disabled feed ids: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateFeedMetadata stores the descriptive fields taken from a parsed feed.
func (s *Store) UpdateFeedMetadata(id int64, title, description, language, logo string) error {
	_, err := s.db.Exec(
		`UPDATE feeds SET title = ?, description = ?, language = ?, logo = ? WHERE id = ?`,
		title, description, language, logo, id,
	)
	if err != nil {
		return fmt.Errorf("update feed metadata: %w", err)
	}
	return nil
}

// RecordFeedSuccess resets the failure counters and bumps updated_at after a
// successful fetch.
func (s *Store) RecordFeedSuccess(id int64) error {
	_, err := s.db.Exec(
		`UPDATE feeds SET consecutive_failures = 0, last_error = NULL, is_disabled = 0,
		        updated_at = ?
		 WHERE id = ?`,
		now(), id,
	)
	if err != nil {
		return fmt.Errorf("record feed success: %w", err)
	}
	return nil
}

// RecordFeedFailure increments consecutive_failures and records the error.
// Once the count reaches maxFailures the feed is disabled until the weekly
// retry task resets it.
func (s *Store) RecordFeedFailure(id int64, errMsg string, maxFailures int) error {
	_, err := s.db.Exec(
		`UPDATE feeds
		 SET consecutive_failures = consecutive_failures + 1,
		     last_error = ?,
		     is_disabled = CASE WHEN consecutive_failures + 1 >= ? THEN 1 ELSE is_disabled END
		 WHERE id = ?`,
		errMsg, maxFailures, id,
	)
	if err != nil {
		return fmt.Errorf("record feed failure: %w", err)
	}
	return nil
}

// RecordFeedURLChange moves a feed to a new canonical URL after a permanent
// redirect. original_url is populated once, on the first change. If another
// feed already owns the new URL the feed is disabled instead, with an
// explanatory last_error, so the unique constraint holds.
func (s *Store) RecordFeedURLChange(id int64, newURL string) error {
	var existingID int64
	err := s.db.QueryRow(`SELECT id FROM feeds WHERE url = ? AND id != ?`, newURL, id).Scan(&existingID)
	switch {
	case err == sql.ErrNoRows:
		// no collision
	case err != nil:
		return fmt.Errorf("check feed url collision: %w", err)
	default:
		msg := fmt.Sprintf("redirects to %s which is already feed %d", newURL, existingID)
		if _, err := s.db.Exec(
			`UPDATE feeds SET is_disabled = 1, last_error = ? WHERE id = ?`, msg, id,
		); err != nil {
			return fmt.Errorf("disable colliding feed: %w", err)
		}
		return nil
	}

	_, err = s.db.Exec(
		`UPDATE feeds
		 SET original_url = COALESCE(original_url, url), url = ?
		 WHERE id = ?`,
		newURL, id,
	)
	if err != nil {
		return fmt.Errorf("record feed url change: %w", err)
	}
	return nil
}

// ResetDisabledFeed clears the failure budget so the feed is fetched again.
func (s *Store) ResetDisabledFeed(id int64) error {
	_, err := s.db.Exec(
		`UPDATE feeds SET consecutive_failures = 0, is_disabled = 0, last_error = NULL WHERE id = ?`, id,
	)
	if err != nil {
		return fmt.Errorf("reset disabled feed: %w", err)
	}
	return nil
}
