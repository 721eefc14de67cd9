package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sgn/rssfilter/internal/config"
	"github.com/sgn/rssfilter/internal/jobs"
	"github.com/sgn/rssfilter/internal/maintenance"
	"github.com/sgn/rssfilter/internal/output"
	"github.com/sgn/rssfilter/internal/recommend"
	"github.com/sgn/rssfilter/internal/storage"
)

var (
	configPath   string
	cfg          *config.Config
	outputFormat string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rssfilter",
		Short: "Admin tooling for the rssfilter feed proxy",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = "./config/config.yaml"
			}
			var err error
			cfg, err = config.Load(path)
			return err
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default: ./config/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", "json", "output format: json, text, human")

	rootCmd.AddCommand(fetchFeedsCmd())
	rootCmd.AddCommand(embedBackfillCmd())
	rootCmd.AddCommand(freezeUsersCmd())
	rootCmd.AddCommand(unfreezeCmd())
	rootCmd.AddCommand(cleanArticlesCmd())
	rootCmd.AddCommand(cleanEmbeddingsCmd())
	rootCmd.AddCommand(cleanOrphansCmd())
	rootCmd.AddCommand(cleanUsersCmd())
	rootCmd.AddCommand(vacuumCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(maintenanceCmd())
	rootCmd.AddCommand(initConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func openStore() (*storage.Store, error) {
	store, err := storage.NewStore(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store, nil
}

func formatter() *output.Formatter {
	return output.NewFormatter(output.Format(outputFormat))
}

// daysArg resolves an optional [days] positional argument, falling back to
// the configured threshold.
func daysArg(args []string, fallback int) (int, error) {
	if len(args) == 0 {
		return fallback, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid days %q: want a positive integer", args[0])
	}
	return n, nil
}

func fetchFeedsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch-feeds",
		Short: "Schedule a fetch of every enabled feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			queue, err := jobs.NewClient(cfg.Redis.URL)
			if err != nil {
				return fmt.Errorf("connect queue: %w", err)
			}
			defer queue.Close()

			ids, err := store.ListFeedIDs()
			if err != nil {
				return err
			}
			ctx := context.Background()
			for start := 0; start < len(ids); start += cfg.Fetch.BatchSize {
				end := start + cfg.Fetch.BatchSize
				if end > len(ids) {
					end = len(ids)
				}
				if _, err := queue.EnqueueFetchBatch(ctx, ids[start:end], jobs.QueueLow); err != nil {
					return fmt.Errorf("enqueue fetch batch: %w", err)
				}
			}
			return formatter().OutputCount("scheduled_feeds", int64(len(ids)))
		},
	}
}

func embedBackfillCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "embed-backfill",
		Short: "Compute embeddings for articles that lack one",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			pending, err := store.ListAllArticlesWithoutEmbedding(limit)
			if err != nil {
				return err
			}
			embedder := recommend.NewRemoteEmbedder(cfg.Embedding.URL, cfg.Embedding.Model)
			n, err := recommend.ComputeEmbeddings(context.Background(), embedder, store, pending)
			if err != nil {
				return fmt.Errorf("compute embeddings: %w", err)
			}
			return formatter().OutputCount("embedded_articles", int64(n))
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 1000, "maximum number of articles to embed")
	return cmd
}

func freezeUsersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "freeze-users [days]",
		Short: "Freeze users whose last request is past the dormancy threshold",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			days, err := daysArg(args, cfg.Retention.DormantThresholdDays)
			if err != nil {
				return err
			}
			cfg.Retention.DormantThresholdDays = days

			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := maintenance.NewRunner(store, cfg).FreezeDormantUsers()
			if err != nil {
				return err
			}
			return formatter().OutputCount("frozen_users", int64(n))
		},
	}
}

func unfreezeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unfreeze <user-id>",
		Short: "Clear a user's frozen flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ok, err := maintenance.NewRunner(store, cfg).UnfreezeUser(args[0])
			if err != nil {
				return err
			}
			if !ok {
				formatter().Warning("user %s was not frozen", args[0])
			}
			fmt.Printf("Unfroze user %s\n", args[0])
			return nil
		},
	}
}

func cleanArticlesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean-articles [days]",
		Short: "Delete old articles nobody ever clicked",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			days, err := daysArg(args, cfg.Retention.ArticleRetentionDays)
			if err != nil {
				return err
			}
			cfg.Retention.ArticleRetentionDays = days

			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := maintenance.NewRunner(store, cfg).CleanupOldArticles()
			if err != nil {
				return err
			}
			return formatter().OutputCount("deleted_articles", n)
		},
	}
}

func cleanEmbeddingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean-embeddings",
		Short: "Clear embeddings of articles past the embedding retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := maintenance.NewRunner(store, cfg).RemoveOldEmbeddings()
			if err != nil {
				return err
			}
			return formatter().OutputCount("cleared_embeddings", n)
		},
	}
}

func cleanOrphansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean-orphans",
		Short: "Remove click and subscription rows whose referent is gone",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			articleLinks, feedLinks, err := maintenance.NewRunner(store, cfg).CleanupOrphanLinks()
			if err != nil {
				return err
			}
			return formatter().OutputCount("deleted_links", articleLinks+feedLinks)
		},
	}
}

func cleanUsersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean-users [days]",
		Short: "Delete long-inactive users with no remaining links",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			days, err := daysArg(args, cfg.Retention.InactiveUserDays)
			if err != nil {
				return err
			}
			cfg.Retention.InactiveUserDays = days

			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := maintenance.NewRunner(store, cfg).CleanupInactiveUsers()
			if err != nil {
				return err
			}
			return formatter().OutputCount("deleted_users", n)
		},
	}
}

func vacuumCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vacuum",
		Short: "VACUUM and ANALYZE the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			start := time.Now()
			if err := maintenance.NewRunner(store, cfg).VacuumDatabase(); err != nil {
				return err
			}
			fmt.Printf("Vacuumed in %s\n", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show table sizes",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.Stats()
			if err != nil {
				return err
			}
			return formatter().OutputStats(stats)
		},
	}
}

func maintenanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintenance",
		Short: "Run the full maintenance sequence now",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			summary, err := maintenance.NewRunner(store, cfg).RunFull()
			if err != nil {
				return err
			}
			return formatter().OutputMaintenance(summary)
		},
	}
}

func initConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Create a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = "./config/config.yaml"
			}

			dir := filepath.Dir(configPath)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("create config directory: %w", err)
			}
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("config file already exists: %s", configPath)
			}

			data, err := yaml.Marshal(config.Default())
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			if err := os.WriteFile(configPath, data, 0644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}

			fmt.Printf("Created default config at %s\n", configPath)
			return nil
		},
	}
}
