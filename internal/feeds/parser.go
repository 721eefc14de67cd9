package feeds

import (
	"bytes"
	"fmt"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/mmcdole/gofeed/rss"
)

// ParsedFeed is the canonical form of an RSS or Atom document.
type ParsedFeed struct {
	URL         string
	Title       string
	Description string
	Language    string
	Logo        string
	Articles    []ParsedArticle
}

// ParsedArticle is one item or entry of a parsed feed.
type ParsedArticle struct {
	Title       string
	URL         string
	Description string
	CommentsURL string
	PubDate     *time.Time
}

// commentsTranslator carries the RSS <comments> element into the universal
// item, which otherwise drops it.
type commentsTranslator struct {
	defaultTranslator *gofeed.DefaultRSSTranslator
}

func (t *commentsTranslator) Translate(feed interface{}) (*gofeed.Feed, error) {
	rssFeed, ok := feed.(*rss.Feed)
	if !ok {
		return nil, fmt.Errorf("feed is not an rss feed")
	}
	f, err := t.defaultTranslator.Translate(rssFeed)
	if err != nil {
		return nil, err
	}
	for i, item := range rssFeed.Items {
		if item.Comments == "" || i >= len(f.Items) {
			continue
		}
		if f.Items[i].Custom == nil {
			f.Items[i].Custom = make(map[string]string)
		}
		f.Items[i].Custom["comments"] = item.Comments
	}
	return f, nil
}

func newParser() *gofeed.Parser {
	p := gofeed.NewParser()
	p.RSSTranslator = &commentsTranslator{defaultTranslator: &gofeed.DefaultRSSTranslator{}}
	return p
}

// ParseFeed parses an RSS or Atom document into its canonical form. feedURL
// is recorded as the feed's URL; it does not affect parsing.
func ParseFeed(body []byte, feedURL string) (*ParsedFeed, error) {
	parsed, err := newParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", feedURL, err)
	}

	feed := &ParsedFeed{
		URL:         feedURL,
		Title:       parsed.Title,
		Description: parsed.Description,
		Language:    parsed.Language,
	}
	if parsed.Image != nil {
		feed.Logo = parsed.Image.URL
	}

	for _, item := range parsed.Items {
		if item.Link == "" {
			continue
		}
		a := ParsedArticle{
			Title:       item.Title,
			URL:         item.Link,
			Description: item.Description,
			CommentsURL: item.Custom["comments"],
		}
		if a.Description == "" {
			a.Description = item.Content
		}
		if item.PublishedParsed != nil {
			t := item.PublishedParsed.UTC()
			a.PubDate = &t
		} else if item.UpdatedParsed != nil {
			t := item.UpdatedParsed.UTC()
			a.PubDate = &t
		}
		feed.Articles = append(feed.Articles, a)
	}
	return feed, nil
}
