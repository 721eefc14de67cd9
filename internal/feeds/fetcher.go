package feeds

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	userAgent    = "Mozilla/5.0"
	maxRedirects = 10
)

// ErrTooManyRedirects is returned when a fetch exceeds the redirect limit.
var ErrTooManyRedirects = errors.New("too many redirects")

// UpstreamError is any transport or HTTP failure talking to the remote
// feed. Status is zero for transport errors.
type UpstreamError struct {
	URL    string
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("upstream %s: %v", e.URL, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Fetcher retrieves remote feeds without letting requests reach private
// infrastructure. With a proxy URL configured all traffic goes through the
// egress gateway and in-process IP checks are off; otherwise every dial is
// validated after DNS resolution.
type Fetcher struct {
	client *http.Client
	direct bool
}

// NewFetcher builds a Fetcher. proxyURL selects proxy mode when non-empty.
func NewFetcher(proxyURL string) (*Fetcher, error) {
	transport := &http.Transport{
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	direct := proxyURL == ""
	if direct {
		dialer := &net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
			Control:   dialControl,
		}
		transport.DialContext = dialer.DialContext
	} else {
		proxy, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
		transport.DialContext = (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext
	}

	f := &Fetcher{direct: direct}
	f.client = &http.Client{
		Transport:     transport,
		CheckRedirect: f.checkRedirect,
	}
	return f, nil
}

func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return ErrTooManyRedirects
	}
	return f.validateRequestURL(req.URL)
}

func (f *Fetcher) validateRequestURL(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q: %w", u.Scheme, ErrSSRF)
	}
	if f.direct {
		return validateHost(u.Hostname())
	}
	return nil
}

// Fetch retrieves rawURL following up to 10 redirects, each hop validated.
// It returns the body and the final URL after redirects.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", &UpstreamError{URL: rawURL, Err: err}
	}
	if err := f.validateRequestURL(u); err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", &UpstreamError{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		// Client errors wrap the redirect and dial failures; surface the
		// SSRF and redirect-limit kinds instead of a generic upstream one.
		if errors.Is(err, ErrSSRF) {
			return nil, "", fmt.Errorf("fetch %s: %w", rawURL, ErrSSRF)
		}
		if errors.Is(err, ErrTooManyRedirects) {
			return nil, "", fmt.Errorf("fetch %s: %w", rawURL, ErrTooManyRedirects)
		}
		return nil, "", &UpstreamError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	final := resp.Request.URL
	if err := f.validateRequestURL(final); err != nil {
		return nil, "", err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", &UpstreamError{URL: final.String(), Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &UpstreamError{URL: final.String(), Err: err}
	}
	return body, final.String(), nil
}

// FetchFeed fetches rawURL and parses it as a feed. When the body is an HTML
// page rather than a feed, the first alternate feed link is discovered and
// fetched once. The returned feed's URL is the final URL after redirects and
// discovery.
func (f *Fetcher) FetchFeed(ctx context.Context, rawURL string) (*ParsedFeed, error) {
	body, finalURL, err := f.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	feed, perr := ParseFeed(body, finalURL)
	if perr == nil && feed.Title != "" {
		return feed, nil
	}

	discovered := discoverFeedURL(body, finalURL)
	if discovered == "" || discovered == finalURL {
		return nil, &UpstreamError{URL: finalURL, Err: errors.New("not a valid feed")}
	}

	body, finalURL, err = f.Fetch(ctx, discovered)
	if err != nil {
		return nil, err
	}
	feed, perr = ParseFeed(body, finalURL)
	if perr != nil || feed.Title == "" {
		return nil, &UpstreamError{URL: finalURL, Err: errors.New("not a valid feed")}
	}
	return feed, nil
}

var feedTypeRe = regexp.MustCompile(`application/(rss|atom|feed)\+`)

// discoverFeedURL extracts the first alternate feed link from an HTML page,
// resolved against base. Empty when none is found.
func discoverFeedURL(body []byte, base string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	var found string
	doc.Find(`link[rel="alternate"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		typ, _ := s.Attr("type")
		href, ok := s.Attr("href")
		if !ok || !feedTypeRe.MatchString(typ) {
			return true
		}
		ref, err := url.Parse(href)
		if err != nil {
			return true
		}
		found = baseURL.ResolveReference(ref).String()
		return false
	})
	return found
}
