package main

import "net/http"

// newRouter sets up all routes using Go 1.22+ enhanced routing. The feed and
// log routes end in a wildcard because the upstream URL is embedded in the
// request path.
func newRouter(engine engineAPI, cache *feedCache) http.Handler {
	mux := http.NewServeMux()

	h := &handlers{engine: engine, cache: cache}

	mux.HandleFunc("GET /v1/feed/{userID}/{feedURL...}", h.handleFeed)
	mux.HandleFunc("GET /v1/log/{userID}/{articleID}/{linkURL...}", h.handleLog)
	mux.HandleFunc("POST /v1/signup/user", h.handleSignup)
	mux.HandleFunc("POST /v1/signup/process_opml", h.handleProcessOPML)
	mux.HandleFunc("GET /v1/user/{userID}/clusters", h.handleClusters)

	return mux
}
