package rewrite

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/sgn/rssfilter/internal/storage"
)

const (
	logPrefix  = "https://proxy.example.com/v1/log"
	feedPrefix = "https://proxy.example.com/v1/feed"
)

func TestTrackerURLRoundTrip(t *testing.T) {
	r := NewRewriter(logPrefix, feedPrefix)
	original := "https://news.ycombinator.com/item?id=42"

	tracker := r.TrackerURL("u1", 7, original)
	if !strings.HasPrefix(tracker, logPrefix+"/u1/7/") {
		t.Fatalf("tracker = %q", tracker)
	}

	// The encoded URL must be a single path segment: no raw / or ?.
	encoded := strings.TrimPrefix(tracker, logPrefix+"/u1/7/")
	if strings.ContainsAny(encoded, "/?") {
		t.Errorf("encoded segment contains raw separators: %q", encoded)
	}
	decoded, err := url.PathUnescape(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if decoded != original {
		t.Errorf("decoded = %q, want %q", decoded, original)
	}
}

func TestRender(t *testing.T) {
	r := NewRewriter(logPrefix, feedPrefix)
	feed := &storage.Feed{
		ID:          1,
		URL:         "https://example.com/rss",
		Title:       "Example Blog",
		Description: "Posts",
		Language:    "en",
		Logo:        "https://example.com/logo.png",
	}
	pub := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	comments := "https://example.com/post/1#comments"
	articles := []storage.Article{
		{
			ID:          11,
			FeedID:      1,
			Title:       "First post",
			URL:         "https://example.com/post/1",
			Description: `Hello <a href="https://example.com/about">world</a>`,
			CommentsURL: &comments,
			PubDate:     &pub,
		},
		{
			ID:      12,
			FeedID:  1,
			URL:     "https://example.com/post/2",
			Title:   "Second post",
			Updated: time.Date(2025, 7, 2, 8, 0, 0, 0, time.UTC),
		},
	}

	out, err := r.Render("u1", feed, articles)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	xml := string(out)

	for _, want := range []string{
		`<rss version="2.0"`,
		`<title>Example Blog</title>`,
		`<atom:link href="` + feedPrefix + `/u1/https://example.com/rss" rel="self"`,
		// guid keeps the original URL
		`>https://example.com/post/1</guid>`,
		// item link is the tracker
		`<link>` + r.TrackerURL("u1", 11, "https://example.com/post/1") + `</link>`,
		`<comments>` + r.TrackerURL("u1", 11, comments) + `</comments>`,
		`<pubDate>Tue, 01 Jul 2025 10:00:00 +0000</pubDate>`,
		// missing pub_date falls back to updated
		`<pubDate>Wed, 02 Jul 2025 08:00:00 +0000</pubDate>`,
		`<image>`,
	} {
		if !strings.Contains(xml, want) {
			t.Errorf("output missing %q\n%s", want, xml)
		}
	}

	// The href inside the description is rewritten (and XML-escaped).
	if strings.Contains(xml, `href=&#34;https://example.com/about&#34;`) {
		t.Error("description href left unrewritten")
	}
	rewritten := r.TrackerURL("u1", 11, "https://example.com/about")
	if !strings.Contains(xml, rewritten) {
		t.Errorf("output missing rewritten description href %q", rewritten)
	}
}

func TestRenderEmptyFeed(t *testing.T) {
	r := NewRewriter(logPrefix, feedPrefix)
	out, err := r.Render("u1", &storage.Feed{URL: "https://example.com/rss", Title: "Empty"}, nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(string(out), "<channel>") {
		t.Errorf("output = %s", out)
	}
	if strings.Contains(string(out), "<item>") {
		t.Error("empty feed should have no items")
	}
}
