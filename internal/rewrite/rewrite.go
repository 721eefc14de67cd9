// Package rewrite renders a stored feed back out as RSS 2.0 with every
// article link replaced by a per-user tracker URL, so clicks route through
// the proxy before redirecting to the original page.
package rewrite

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/sgn/rssfilter/internal/storage"
)

// Rewriter builds personalized RSS documents. logPrefix and feedPrefix are
// the absolute URL prefixes of the click-log and feed endpoints.
type Rewriter struct {
	logPrefix  string
	feedPrefix string
}

func NewRewriter(logPrefix, feedPrefix string) *Rewriter {
	return &Rewriter{logPrefix: logPrefix, feedPrefix: feedPrefix}
}

// TrackerURL is the proxied form of an article link. The original URL is
// path-escaped so it survives as a single path segment, query string
// included.
func (r *Rewriter) TrackerURL(userID string, articleID int64, original string) string {
	return fmt.Sprintf("%s/%s/%d/%s", r.logPrefix, userID, articleID, url.PathEscape(original))
}

var hrefRe = regexp.MustCompile(`href="([^"]*)"`)

// rewriteHrefs replaces every href in an HTML fragment with the article's
// tracker URL.
func (r *Rewriter) rewriteHrefs(html, userID string, articleID int64) string {
	return hrefRe.ReplaceAllStringFunc(html, func(m string) string {
		sub := hrefRe.FindStringSubmatch(m)
		return `href="` + r.TrackerURL(userID, articleID, sub[1]) + `"`
	})
}

type rssDoc struct {
	XMLName xml.Name   `xml:"rss"`
	Version string     `xml:"version,attr"`
	AtomNS  string     `xml:"xmlns:atom,attr"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title       string   `xml:"title"`
	Link        string   `xml:"link"`
	Description string   `xml:"description"`
	Language    string   `xml:"language,omitempty"`
	Image       *rssImg  `xml:"image"`
	SelfLink    atomLink `xml:"atom:link"`
	Items       []rssItem
}

type rssImg struct {
	URL   string `xml:"url"`
	Title string `xml:"title"`
	Link  string `xml:"link"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
	Type string `xml:"type,attr"`
}

type rssItem struct {
	XMLName     xml.Name `xml:"item"`
	Title       string   `xml:"title"`
	Link        string   `xml:"link"`
	GUID        rssGUID  `xml:"guid"`
	Description string   `xml:"description,omitempty"`
	Comments    string   `xml:"comments,omitempty"`
	PubDate     string   `xml:"pubDate,omitempty"`
}

type rssGUID struct {
	IsPermaLink string `xml:"isPermaLink,attr"`
	Value       string `xml:",chardata"`
}

// Render produces the personalized RSS 2.0 document for one user.
func (r *Rewriter) Render(userID string, feed *storage.Feed, articles []storage.Article) ([]byte, error) {
	ch := rssChannel{
		Title:       feed.Title,
		Link:        feed.URL,
		Description: feed.Description,
		Language:    feed.Language,
		SelfLink: atomLink{
			Href: fmt.Sprintf("%s/%s/%s", r.feedPrefix, userID, feed.URL),
			Rel:  "self",
			Type: "application/rss+xml",
		},
	}
	if feed.Logo != "" {
		ch.Image = &rssImg{URL: feed.Logo, Title: feed.Title, Link: feed.URL}
	}

	for _, a := range articles {
		item := rssItem{
			Title: a.Title,
			Link:  r.TrackerURL(userID, a.ID, a.URL),
			// The guid stays the original URL so readers dedupe across
			// proxied and unproxied subscriptions.
			GUID:        rssGUID{IsPermaLink: "false", Value: a.URL},
			Description: r.rewriteHrefs(a.Description, userID, a.ID),
		}
		if a.CommentsURL != nil && *a.CommentsURL != "" {
			item.Comments = r.TrackerURL(userID, a.ID, *a.CommentsURL)
		}
		when := a.Updated
		if a.PubDate != nil {
			when = *a.PubDate
		}
		item.PubDate = when.UTC().Format(time.RFC1123Z)
		ch.Items = append(ch.Items, item)
	}

	out, err := xml.MarshalIndent(rssDoc{
		Version: "2.0",
		AtomNS:  "http://www.w3.org/2005/Atom",
		Channel: ch,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render feed %s: %w", feed.URL, err)
	}
	return append([]byte(xml.Header), out...), nil
}
