package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	rssfilter "github.com/sgn/rssfilter"
	"github.com/sgn/rssfilter/internal/feeds"
	"github.com/sgn/rssfilter/internal/storage"
)

// engineAPI is the slice of rssfilter.Engine the handlers use. Split out so
// handler tests run against a fake.
type engineAPI interface {
	GetFeed(ctx context.Context, userID, rawURL string) ([]byte, error)
	LogClick(ctx context.Context, userID string, articleID int64, rawURL string) (string, error)
	RegisterUser() (string, error)
	RewriteOPML(r io.Reader, userID string) ([]byte, string, error)
	UserClusters(userID string) (*rssfilter.ClusterResult, error)
}

// handlers holds dependencies for all HTTP handler methods.
type handlers struct {
	engine engineAPI
	cache  *feedCache
}

const contentTypeRSS = "application/rss+xml; charset=utf-8"

// pathURL reassembles a URL embedded in the request path. The wildcard
// covers the path part; a query string on the original URL becomes the
// request's query string and is glued back on.
func pathURL(r *http.Request, wildcard string) string {
	u := r.PathValue(wildcard)
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}
	return u
}

// handleFeed serves the personalized feed document.
// GET /v1/feed/{userID}/{feedURL...}
func (h *handlers) handleFeed(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	feedURL := pathURL(r, "feedURL")

	key := feedCacheKey(userID, feedURL)
	if body, ok := h.cache.Get(r.Context(), key); ok {
		w.Header().Set("Content-Type", contentTypeRSS)
		w.Write(body)
		return
	}

	body, err := h.engine.GetFeed(r.Context(), userID, feedURL)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.cache.Set(r.Context(), key, body)

	w.Header().Set("Content-Type", contentTypeRSS)
	w.Write(body)
}

// handleLog records a click and redirects to the original link.
// GET /v1/log/{userID}/{articleID}/{linkURL...}
func (h *handlers) handleLog(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	articleID, err := strconv.ParseInt(r.PathValue("articleID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid article id", http.StatusUnprocessableEntity)
		return
	}

	target, err := h.engine.LogClick(r.Context(), userID, articleID, pathURL(r, "linkURL"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

// handleSignup registers a new user.
// POST /v1/signup/user
func (h *handlers) handleSignup(w http.ResponseWriter, r *http.Request) {
	id, err := h.engine.RegisterUser()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(rssfilter.SignupResult{UserID: id})
}

// handleProcessOPML rewrites an uploaded OPML export to go through the
// proxy. Without a user_id parameter a fresh user is registered; the id is
// returned in the X-User-Id header alongside the rewritten document.
// POST /v1/signup/process_opml
func (h *handlers) handleProcessOPML(w http.ResponseWriter, r *http.Request) {
	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file upload", http.StatusUnprocessableEntity)
		return
	}
	defer file.Close()

	out, userID, err := h.engine.RewriteOPML(file, r.FormValue("user_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="rssfilter.opml"`)
	w.Header().Set("X-User-Id", userID)
	w.Write(out)
}

// handleClusters returns the user's clicked articles grouped by interest
// center. 503 until the cluster model exists.
// GET /v1/user/{userID}/clusters
func (h *handlers) handleClusters(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.UserClusters(r.PathValue("userID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// writeError maps engine errors onto HTTP statuses. Every upstream failure,
// transport or HTTP, surfaces as 502; the origin's own status is only in the
// body.
func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ue *feeds.UpstreamError
	switch {
	case errors.Is(err, rssfilter.ErrInvalidURL):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, feeds.ErrSSRF):
		http.Error(w, "destination not allowed", http.StatusForbidden)
	case errors.Is(err, feeds.ErrTooManyRedirects):
		http.Error(w, err.Error(), http.StatusBadGateway)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
	case errors.As(err, &ue):
		http.Error(w, err.Error(), http.StatusBadGateway)
	case errors.Is(err, rssfilter.ErrClustersNotReady):
		http.Error(w, "clusters not ready, try again later", http.StatusServiceUnavailable)
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		log.Printf("rssfilter-api: %s %s: %v", r.Method, r.URL.Path, err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
