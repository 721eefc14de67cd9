// Package output renders admin CLI results in json, text, or human form.
// json is the default so the commands compose with cron and jq.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/sgn/rssfilter/internal/maintenance"
	"github.com/sgn/rssfilter/internal/storage"
)

type Format string

const (
	FormatJSON  Format = "json"
	FormatText  Format = "text"
	FormatHuman Format = "human"
)

type Formatter struct {
	format Format
	out    io.Writer
	err    io.Writer
}

// NewFormatter creates a new output formatter
func NewFormatter(format Format) *Formatter {
	return &Formatter{
		format: format,
		out:    os.Stdout,
		err:    os.Stderr,
	}
}

// NewFormatterWithWriters creates a formatter with custom output writers for testability
func NewFormatterWithWriters(format Format, out, errW io.Writer) *Formatter {
	return &Formatter{
		format: format,
		out:    out,
		err:    errW,
	}
}

// OutputStats outputs a database size snapshot
func (f *Formatter) OutputStats(stats *storage.DatabaseStats) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(stats)
	case FormatText:
		fmt.Fprintf(f.out, "users=%d\n", stats.Users)
		fmt.Fprintf(f.out, "frozen_users=%d\n", stats.FrozenUsers)
		fmt.Fprintf(f.out, "feeds=%d\n", stats.Feeds)
		fmt.Fprintf(f.out, "disabled_feeds=%d\n", stats.DisabledFeeds)
		fmt.Fprintf(f.out, "articles=%d\n", stats.Articles)
		fmt.Fprintf(f.out, "embedded_articles=%d\n", stats.EmbeddedArticles)
		fmt.Fprintf(f.out, "user_feed_links=%d\n", stats.UserFeedLinks)
		fmt.Fprintf(f.out, "user_article_links=%d\n", stats.UserArticleLinks)
		return nil
	case FormatHuman:
		fmt.Fprintf(f.out, "Users: %d (%d frozen)\n", stats.Users, stats.FrozenUsers)
		fmt.Fprintf(f.out, "Feeds: %d (%d disabled)\n", stats.Feeds, stats.DisabledFeeds)
		fmt.Fprintf(f.out, "Articles: %d (%d embedded)\n", stats.Articles, stats.EmbeddedArticles)
		fmt.Fprintf(f.out, "Subscriptions: %d\n", stats.UserFeedLinks)
		fmt.Fprintf(f.out, "Clicks: %d\n", stats.UserArticleLinks)
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputMaintenance outputs a maintenance run summary
func (f *Formatter) OutputMaintenance(s *maintenance.Summary) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(s)
	case FormatText:
		fmt.Fprintf(f.out, "frozen_users=%d\n", s.FrozenUsers)
		fmt.Fprintf(f.out, "embeddings_cleared=%d\n", s.EmbeddingsCleared)
		fmt.Fprintf(f.out, "articles_deleted=%d\n", s.ArticlesDeleted)
		fmt.Fprintf(f.out, "orphan_article_links=%d\n", s.OrphanArticleLinks)
		fmt.Fprintf(f.out, "orphan_feed_links=%d\n", s.OrphanFeedLinks)
		fmt.Fprintf(f.out, "duration=%s\n", s.Duration)
		return nil
	case FormatHuman:
		fmt.Fprintf(f.out, "Froze %d dormant users\n", s.FrozenUsers)
		fmt.Fprintf(f.out, "Cleared %d old embeddings\n", s.EmbeddingsCleared)
		fmt.Fprintf(f.out, "Deleted %d old articles\n", s.ArticlesDeleted)
		fmt.Fprintf(f.out, "Removed %d orphan click links, %d orphan subscriptions\n",
			s.OrphanArticleLinks, s.OrphanFeedLinks)
		fmt.Fprintf(f.out, "Took %s\n", s.Duration.Round(1e6))
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputCount outputs a single named counter, for the cleanup commands
func (f *Formatter) OutputCount(key string, n int64) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(map[string]int64{key: n})
	case FormatText:
		fmt.Fprintf(f.out, "%s=%d\n", key, n)
		return nil
	case FormatHuman:
		fmt.Fprintf(f.out, "%s: %d\n", key, n)
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// Error outputs an error message to stderr
func (f *Formatter) Error(format string, args ...interface{}) {
	fmt.Fprintf(f.err, format+"\n", args...)
}

// Warning outputs a warning message to stderr
func (f *Formatter) Warning(format string, args ...interface{}) {
	fmt.Fprintf(f.err, "Warning: "+format+"\n", args...)
}
