package storage

const Schema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_request DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    clusters TEXT,
    clusters_updated_at DATETIME,
    is_frozen BOOLEAN NOT NULL DEFAULT 0,
    frozen_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_users_is_frozen ON users(is_frozen);
CREATE INDEX IF NOT EXISTS idx_users_last_request ON users(last_request);

CREATE TABLE IF NOT EXISTS feeds (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    url TEXT NOT NULL UNIQUE,
    original_url TEXT,
    title TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    language TEXT NOT NULL DEFAULT '',
    logo TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    is_disabled BOOLEAN NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_feeds_original_url ON feeds(original_url);
CREATE INDEX IF NOT EXISTS idx_feeds_is_disabled ON feeds(is_disabled);

CREATE TABLE IF NOT EXISTS articles (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    feed_id INTEGER NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    url TEXT NOT NULL,
    comments_url TEXT,
    pub_date DATETIME,
    updated DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    embedding TEXT,
    FOREIGN KEY (feed_id) REFERENCES feeds(id) ON DELETE CASCADE,
    UNIQUE(feed_id, url)
);

CREATE INDEX IF NOT EXISTS idx_articles_feed_id ON articles(feed_id);
CREATE INDEX IF NOT EXISTS idx_articles_pub_date ON articles(pub_date DESC);
CREATE INDEX IF NOT EXISTS idx_articles_updated ON articles(updated);

CREATE TABLE IF NOT EXISTS user_feeds (
    user_id TEXT NOT NULL,
    feed_id INTEGER NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (user_id, feed_id)
);

CREATE INDEX IF NOT EXISTS idx_user_feeds_feed ON user_feeds(feed_id);

CREATE TABLE IF NOT EXISTS user_articles (
    user_id TEXT NOT NULL,
    article_id INTEGER NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (user_id, article_id, created_at)
);

CREATE INDEX IF NOT EXISTS idx_user_articles_article ON user_articles(article_id);
CREATE INDEX IF NOT EXISTS idx_user_articles_user ON user_articles(user_id);
`
