package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a user, feed, or article does not exist.
var ErrNotFound = errors.New("not found")

// Store is the SQLite-backed persistence layer shared by the API server,
// workers, and the admin CLI.
type Store struct {
	db *sql.DB
}

// User is a proxy user. The id is an opaque client-chosen token.
type User struct {
	ID                string
	CreatedAt         time.Time
	LastRequest       time.Time
	Clusters          *string // JSON array of cluster center vectors
	ClustersUpdatedAt *time.Time
	IsFrozen          bool
	FrozenAt          *time.Time
}

// Feed is a subscribed upstream feed identified by its canonical URL.
type Feed struct {
	ID                  int64
	URL                 string
	OriginalURL         *string // URL first subscribed to, if redirects changed URL
	Title               string
	Description         string
	Language            string
	Logo                string
	CreatedAt           time.Time
	UpdatedAt           time.Time // last successful fetch
	ConsecutiveFailures int
	LastError           *string
	IsDisabled          bool
}

// Article is one item of a feed, unique per (feed_id, url).
type Article struct {
	ID          int64
	FeedID      int64
	Title       string
	Description string
	URL         string
	CommentsURL *string
	PubDate     *time.Time
	Updated     time.Time
	Embedding   *string // JSON array of floats
}

// NewStore opens (and if necessary initializes) the database at path.
func NewStore(path string) (*Store, error) {
	dsn := path + "?_time_format=sqlite&_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// now returns the current time in UTC truncated to whole seconds, matching
// SQLite's datetime resolution so round-tripped values compare equal.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
