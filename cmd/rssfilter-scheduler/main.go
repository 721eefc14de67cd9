package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/sgn/rssfilter/internal/config"
	"github.com/sgn/rssfilter/internal/jobs"
)

func main() {
	configPath := flag.String("config", "", "config file path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rssfilter-scheduler: %v\n", err)
		os.Exit(1)
	}

	scheduler, err := jobs.NewScheduler(cfg.Redis.URL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rssfilter-scheduler: %v\n", err)
		os.Exit(1)
	}

	log.Println("rssfilter-scheduler: starting")
	if err := scheduler.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "rssfilter-scheduler: %v\n", err)
		os.Exit(1)
	}
}
