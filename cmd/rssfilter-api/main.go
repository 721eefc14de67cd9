package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	rssfilter "github.com/sgn/rssfilter"
	"github.com/sgn/rssfilter/internal/config"
)

func main() {
	configPath := flag.String("config", "", "config file path")
	addr := flag.String("addr", "", "listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rssfilter-api: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	engine, err := rssfilter.NewEngine(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rssfilter-api: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	cache, err := newFeedCache(cfg.Redis.URL, feedCacheTTL)
	if err != nil {
		log.Printf("rssfilter-api: feed cache disabled: %v", err)
	}

	var handler http.Handler = newRouter(engine, cache)
	if cfg.Server.RootPath != "" {
		outer := http.NewServeMux()
		outer.Handle("/"+cfg.Server.RootPath+"/", http.StripPrefix("/"+cfg.Server.RootPath, handler))
		handler = outer
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      logging(recovery(handler)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("rssfilter-api: listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("rssfilter-api: %v", err)
		}
	}()

	<-done
	log.Println("rssfilter-api: shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("rssfilter-api: shutdown error: %v", err)
	}
	log.Println("rssfilter-api: stopped")
}
