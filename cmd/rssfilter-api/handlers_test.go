package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	rssfilter "github.com/sgn/rssfilter"
	"github.com/sgn/rssfilter/internal/feeds"
	"github.com/sgn/rssfilter/internal/storage"
)

type fakeEngine struct {
	feedBody    []byte
	feedErr     error
	gotUser     string
	gotFeedURL  string
	gotLinkURL  string
	gotArticle  int64
	opmlUser    string
	clusters    *rssfilter.ClusterResult
	clustersErr error
}

func (f *fakeEngine) GetFeed(ctx context.Context, userID, rawURL string) ([]byte, error) {
	f.gotUser, f.gotFeedURL = userID, rawURL
	return f.feedBody, f.feedErr
}

func (f *fakeEngine) LogClick(ctx context.Context, userID string, articleID int64, rawURL string) (string, error) {
	f.gotUser, f.gotArticle, f.gotLinkURL = userID, articleID, rawURL
	norm, err := rssfilter.NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}
	return norm, nil
}

func (f *fakeEngine) RegisterUser() (string, error) {
	return "0123456789abcdef0123456789abcdef", nil
}

func (f *fakeEngine) RewriteOPML(r io.Reader, userID string) ([]byte, string, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, "", err
	}
	if userID == "" {
		userID = "generated"
	}
	f.opmlUser = userID
	return append([]byte("rewritten:"), body...), userID, nil
}

func (f *fakeEngine) UserClusters(userID string) (*rssfilter.ClusterResult, error) {
	f.gotUser = userID
	return f.clusters, f.clustersErr
}

func serve(t *testing.T, engine engineAPI, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, body)
	newRouter(engine, nil).ServeHTTP(rec, req)
	return rec
}

func TestHandleFeed(t *testing.T) {
	engine := &fakeEngine{feedBody: []byte("<rss/>")}

	rec := serve(t, engine, "GET", "/v1/feed/alice/https:/example.com/rss?page=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != contentTypeRSS {
		t.Errorf("content type = %q", ct)
	}
	if rec.Body.String() != "<rss/>" {
		t.Errorf("body = %q", rec.Body)
	}
	if engine.gotUser != "alice" {
		t.Errorf("user = %q", engine.gotUser)
	}
	// Query string survives; scheme repair is the engine's job.
	if engine.gotFeedURL != "https:/example.com/rss?page=2" {
		t.Errorf("feed url = %q", engine.gotFeedURL)
	}
}

func TestHandleFeedErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid url", rssfilter.ErrInvalidURL, http.StatusUnprocessableEntity},
		{"ssrf", feeds.ErrSSRF, http.StatusForbidden},
		{"redirect loop", feeds.ErrTooManyRedirects, http.StatusBadGateway},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"upstream 404", &feeds.UpstreamError{URL: "https://example.com/rss", Status: 404}, http.StatusBadGateway},
		{"upstream 500", &feeds.UpstreamError{URL: "https://example.com/rss", Status: 500}, http.StatusBadGateway},
		{"upstream transport", &feeds.UpstreamError{URL: "https://example.com/rss"}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{feedErr: tt.err}
			rec := serve(t, engine, "GET", "/v1/feed/alice/https:/example.com/rss", nil)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestHandleLog(t *testing.T) {
	engine := &fakeEngine{}

	rec := serve(t, engine, "GET", "/v1/log/alice/7/https:%2F%2Fexample.com%2Fstory%3Fid=3", nil)
	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if loc := rec.Header().Get("Location"); loc != "https://example.com/story?id=3" {
		t.Errorf("location = %q", loc)
	}
	if engine.gotUser != "alice" || engine.gotArticle != 7 {
		t.Errorf("logged %q article %d", engine.gotUser, engine.gotArticle)
	}
}

func TestHandleLogBadArticleID(t *testing.T) {
	rec := serve(t, &fakeEngine{}, "GET", "/v1/log/alice/seven/https:%2F%2Fexample.com", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

func TestHandleSignup(t *testing.T) {
	rec := serve(t, &fakeEngine{}, "POST", "/v1/signup/user", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	var res rssfilter.SignupResult
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if len(res.UserID) != 32 {
		t.Errorf("user_id = %q", res.UserID)
	}
}

func TestHandleProcessOPML(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "subs.opml")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(part, "<opml/>")
	mw.WriteField("user_id", "u1")
	mw.Close()

	engine := &fakeEngine{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/signup/process_opml", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	newRouter(engine, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if engine.opmlUser != "u1" {
		t.Errorf("user = %q", engine.opmlUser)
	}
	if rec.Header().Get("X-User-Id") != "u1" {
		t.Errorf("X-User-Id = %q", rec.Header().Get("X-User-Id"))
	}
	if !strings.HasPrefix(rec.Body.String(), "rewritten:") {
		t.Errorf("body = %q", rec.Body)
	}
}

func TestHandleProcessOPMLMissingFile(t *testing.T) {
	rec := serve(t, &fakeEngine{}, "POST", "/v1/signup/process_opml", strings.NewReader(""))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

func TestHandleClusters(t *testing.T) {
	engine := &fakeEngine{clusters: &rssfilter.ClusterResult{
		UserID: "alice",
		Clusters: map[int][]rssfilter.ClusterArticle{
			0: {{Title: "Alpha", URL: "https://example.com/alpha"}},
			1: {},
		},
	}}

	rec := serve(t, engine, "GET", "/v1/user/alice/clusters", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var res rssfilter.ClusterResult
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.UserID != "alice" || len(res.Clusters) != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestHandleClustersStatuses(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{rssfilter.ErrClustersNotReady, http.StatusServiceUnavailable},
		{storage.ErrNotFound, http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := serve(t, &fakeEngine{clustersErr: tt.err}, "GET", "/v1/user/alice/clusters", nil)
		if rec.Code != tt.status {
			t.Errorf("err %v: status = %d, want %d", tt.err, rec.Code, tt.status)
		}
	}
}
