package main

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rendered feed documents are cached per (user, feed) so aggressive reader
// polling does not hammer the database and the ranker.
const feedCacheTTL = 5 * time.Minute

// feedCache is a Redis-backed response cache. A nil *feedCache is valid and
// caches nothing, so the server runs without Redis degraded, not broken.
type feedCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func newFeedCache(redisURL string, ttl time.Duration) (*feedCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &feedCache{rdb: redis.NewClient(opt), ttl: ttl}, nil
}

func (c *feedCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	body, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Printf("rssfilter-api: cache get: %v", err)
		}
		return nil, false
	}
	return body, true
}

func (c *feedCache) Set(ctx context.Context, key string, body []byte) {
	if c == nil {
		return
	}
	if err := c.rdb.Set(ctx, key, body, c.ttl).Err(); err != nil {
		log.Printf("rssfilter-api: cache set: %v", err)
	}
}

func feedCacheKey(userID, feedURL string) string {
	return "feedcache:" + userID + ":" + feedURL
}
