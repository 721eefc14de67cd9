package feeds

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// testFetcher skips the dial-time IP checks so httptest's loopback servers
// are reachable. Redirect handling is the production path.
func testFetcher() *Fetcher {
	f := &Fetcher{}
	f.client = &http.Client{CheckRedirect: f.checkRedirect}
	return f
}

const sampleRSS = `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>Example Blog</title>
    <description>Posts about things</description>
    <language>en</language>
    <item>
      <title>First post</title>
      <link>https://example.com/post/1</link>
      <description>Hello &lt;a href="https://example.com/about"&gt;world&lt;/a&gt;</description>
      <comments>https://example.com/post/1#comments</comments>
      <pubDate>Tue, 01 Jul 2025 10:00:00 +0000</pubDate>
    </item>
    <item>
      <title>Second post</title>
      <link>https://example.com/post/2</link>
    </item>
  </channel>
</rss>`

const sampleAtom = `<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Example Atom</title>
  <entry>
    <title>Entry one</title>
    <link rel="alternate" href="https://example.com/entry/1"/>
    <content type="html">some content</content>
    <updated>2025-07-01T10:00:00Z</updated>
  </entry>
</feed>`

func TestIsSafeIP(t *testing.T) {
	tests := []struct {
		ip   string
		safe bool
	}{
		{"93.184.216.34", true},
		{"8.8.8.8", true},
		{"2606:4700::1111", true},
		{"10.1.2.3", false},
		{"172.16.0.1", false},
		{"192.168.1.1", false},
		{"127.0.0.1", false},
		{"0.0.0.0", false},
		{"0.1.2.3", false},
		{"100.64.0.1", false},      // CGNAT
		{"169.254.169.254", false}, // link-local, cloud metadata
		{"198.18.0.1", false},
		{"224.0.0.1", false},
		{"240.0.0.1", false},
		{"255.255.255.255", false},
		{"::1", false},
		{"::", false},
		{"fe80::1", false},
		{"fc00::1", false},
		{"ff02::1", false},
		{"::ffff:10.0.0.1", false}, // IPv4-mapped private
		{"::ffff:8.8.8.8", true},
	}
	for _, tt := range tests {
		ip := net.ParseIP(tt.ip)
		if ip == nil {
			t.Fatalf("bad test ip %q", tt.ip)
		}
		if got := IsSafeIP(ip); got != tt.safe {
			t.Errorf("IsSafeIP(%s) = %v, want %v", tt.ip, got, tt.safe)
		}
	}
}

func TestDirectModeBlocksPrivateLiteral(t *testing.T) {
	f, err := NewFetcher("")
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = f.Fetch(context.Background(), "http://192.168.1.1/feed")
	if !errors.Is(err, ErrSSRF) {
		t.Errorf("Fetch private literal = %v, want ErrSSRF", err)
	}
	_, _, err = f.Fetch(context.Background(), "ftp://example.com/feed")
	if !errors.Is(err, ErrSSRF) {
		t.Errorf("Fetch bad scheme = %v, want ErrSSRF", err)
	}
}

func TestFetchFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	body, final, err := testFetcher().Fetch(context.Background(), srv.URL+"/old")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(body) != "payload" {
		t.Errorf("body = %q", body)
	}
	if final != srv.URL+"/new" {
		t.Errorf("final = %q, want %q", final, srv.URL+"/new")
	}
}

func TestFetchTooManyRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	}))
	defer srv.Close()

	_, _, err := testFetcher().Fetch(context.Background(), srv.URL)
	if !errors.Is(err, ErrTooManyRedirects) {
		t.Errorf("err = %v, want ErrTooManyRedirects", err)
	}
}

func TestFetchUpstreamStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, _, err := testFetcher().Fetch(context.Background(), srv.URL)
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want *UpstreamError", err)
	}
	if ue.Status != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", ue.Status)
	}
}

func TestFetchFeedRSS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleRSS))
	}))
	defer srv.Close()

	feed, err := testFetcher().FetchFeed(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("FetchFeed: %v", err)
	}
	if feed.Title != "Example Blog" {
		t.Errorf("title = %q", feed.Title)
	}
	if feed.URL != srv.URL {
		t.Errorf("url = %q, want %q", feed.URL, srv.URL)
	}
	if len(feed.Articles) != 2 {
		t.Fatalf("articles = %d, want 2", len(feed.Articles))
	}
	a := feed.Articles[0]
	if a.URL != "https://example.com/post/1" {
		t.Errorf("article url = %q", a.URL)
	}
	if a.CommentsURL != "https://example.com/post/1#comments" {
		t.Errorf("comments = %q", a.CommentsURL)
	}
	want := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	if a.PubDate == nil || !a.PubDate.Equal(want) {
		t.Errorf("pub date = %v, want %v", a.PubDate, want)
	}
	if feed.Articles[1].PubDate != nil {
		t.Errorf("second article should have no pub date")
	}
}

func TestFetchFeedDiscovery(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head>
			<link rel="alternate" type="application/rss+xml" href="/feed.xml">
			</head><body>a blog</body></html>`))
	})
	mux.HandleFunc("/feed.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleRSS))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	feed, err := testFetcher().FetchFeed(context.Background(), srv.URL+"/")
	if err != nil {
		t.Fatalf("FetchFeed: %v", err)
	}
	if feed.Title != "Example Blog" {
		t.Errorf("title = %q", feed.Title)
	}
	if feed.URL != srv.URL+"/feed.xml" {
		t.Errorf("url = %q, want discovered feed url", feed.URL)
	}
}

func TestFetchFeedNotAFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>nope</title></head></html>`))
	}))
	defer srv.Close()

	_, err := testFetcher().FetchFeed(context.Background(), srv.URL)
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want *UpstreamError", err)
	}
	if !strings.Contains(err.Error(), "not a valid feed") {
		t.Errorf("err = %v", err)
	}
}

func TestParseFeedAtom(t *testing.T) {
	feed, err := ParseFeed([]byte(sampleAtom), "https://example.com/atom")
	if err != nil {
		t.Fatalf("ParseFeed: %v", err)
	}
	if feed.Title != "Example Atom" {
		t.Errorf("title = %q", feed.Title)
	}
	if len(feed.Articles) != 1 {
		t.Fatalf("articles = %d, want 1", len(feed.Articles))
	}
	a := feed.Articles[0]
	if a.URL != "https://example.com/entry/1" {
		t.Errorf("url = %q", a.URL)
	}
	if a.Description != "some content" {
		t.Errorf("description = %q", a.Description)
	}
	if a.PubDate == nil {
		t.Error("pub date missing, should fall back to updated")
	}
}

func TestSameHost(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"https://example.com/rss", "https://example.com/feed", true},
		{"https://www.example.com/rss", "https://example.com/feed", true},
		{"https://EXAMPLE.com/rss", "https://example.COM/feed", true},
		{"https://blog.example.com/rss", "https://example.com/feed", true},
		{"https://a.example.com/rss", "https://b.example.com/feed", true},
		{"https://example.com/rss", "https://example.org/feed", false},
		{"https://example.co.uk/rss", "https://example.org.uk/feed", false},
		{"https://feeds.feedburner.com/Example", "https://example.com/rss", true},
		{"https://example.com/rss", "https://feedproxy.google.com/x", true},
		{"https://example.com/rss", "https://feedpress.me/example", true},
		{"", "https://example.com", false},
	}
	for _, tt := range tests {
		if got := SameHost(tt.a, tt.b); got != tt.want {
			t.Errorf("SameHost(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
