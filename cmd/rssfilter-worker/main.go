package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sgn/rssfilter/internal/config"
	"github.com/sgn/rssfilter/internal/feeds"
	"github.com/sgn/rssfilter/internal/jobs"
	"github.com/sgn/rssfilter/internal/recommend"
	"github.com/sgn/rssfilter/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "config file path")
	concurrency := flag.Int("concurrency", 10, "number of concurrent task workers")
	queues := flag.String("queues", "", `queues to serve with weights, e.g. "high=6,medium=3" (default: all)`)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}

	queueWeights := jobs.QueuePriorities
	if *queues != "" {
		queueWeights, err = parseQueues(*queues)
		if err != nil {
			fatal(err)
		}
	}

	store, err := storage.NewStore(cfg.Database.URL)
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	fetcher, err := feeds.NewFetcher(cfg.Fetch.FeedProxy)
	if err != nil {
		fatal(err)
	}
	embedder := recommend.NewRemoteEmbedder(cfg.Embedding.URL, cfg.Embedding.Model)

	queue, err := jobs.NewClient(cfg.Redis.URL)
	if err != nil {
		fatal(err)
	}
	defer queue.Close()

	srv, err := jobs.NewServer(cfg.Redis.URL, *concurrency, queueWeights)
	if err != nil {
		fatal(err)
	}

	h := jobs.NewHandlers(store, fetcher, embedder, queue, cfg)
	log.Printf("rssfilter-worker: serving queues %v with concurrency %d", queueWeights, *concurrency)
	if err := srv.Run(h.Mux()); err != nil {
		fatal(err)
	}
}

// parseQueues turns "high=6,gpu=1" into asynq queue weights. A GPU host
// serves only the gpu queue this way, the general pool everything else.
func parseQueues(s string) (map[string]int, error) {
	weights := make(map[string]int)
	for _, part := range strings.Split(s, ",") {
		name, raw, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, fmt.Errorf("invalid queue spec %q", part)
		}
		w, err := strconv.Atoi(raw)
		if err != nil || w <= 0 {
			return nil, fmt.Errorf("invalid queue weight %q", part)
		}
		if _, known := jobs.QueuePriorities[name]; !known {
			return nil, fmt.Errorf("unknown queue %q", name)
		}
		weights[name] = w
	}
	return weights, nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "rssfilter-worker: %v\n", err)
	os.Exit(1)
}
