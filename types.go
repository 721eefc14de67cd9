package rssfilter

import "errors"

// ErrInvalidURL is returned when a feed or link URL cannot be repaired into
// a well-formed http(s) URL.
var ErrInvalidURL = errors.New("invalid url")

// ErrClustersNotReady is returned by UserClusters before the user has enough
// embedded click history for a cluster model.
var ErrClustersNotReady = errors.New("clusters not ready")

// SignupResult is the response body of the signup endpoint.
type SignupResult struct {
	UserID string `json:"user_id"`
}

// ClusterArticle is the article view exposed by the clusters endpoint.
type ClusterArticle struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

// ClusterResult groups a user's clicked articles by their nearest interest
// center. Every center gets an entry, empty ones included.
type ClusterResult struct {
	UserID   string                   `json:"user_id"`
	Clusters map[int][]ClusterArticle `json:"clustered_articles"`
}
