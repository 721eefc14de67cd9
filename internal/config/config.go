package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime settings for the rssfilter services. Values come
// from defaults, then an optional YAML file, then environment variables, in
// that order of precedence.
type Config struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`

	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`

	Server struct {
		Addr       string `yaml:"addr"`
		APIBaseURL string `yaml:"api_base_url"`
		RootPath   string `yaml:"root_path"`
		WebURL     string `yaml:"web_url"`
	} `yaml:"server"`

	Fetch struct {
		FeedProxy       string        `yaml:"feed_proxy"`
		BatchSize       int           `yaml:"batch_size"`
		MaxFailures     int           `yaml:"max_failures"`
		RefreshInterval time.Duration `yaml:"refresh_interval"`
	} `yaml:"fetch"`

	Embedding struct {
		URL   string `yaml:"url"`
		Model string `yaml:"model"`
	} `yaml:"embedding"`

	Retention struct {
		DormantThresholdDays   int `yaml:"dormant_threshold_days"`
		ArticleRetentionDays   int `yaml:"article_retention_days"`
		EmbeddingRetentionDays int `yaml:"embedding_retention_days"`
		InactiveUserDays       int `yaml:"inactive_user_days"`
	} `yaml:"retention"`
}

// Default returns a config with sensible defaults for local development.
func Default() *Config {
	cfg := &Config{}
	cfg.Database.URL = "./data/rssfilter.db"
	cfg.Redis.URL = "redis://localhost:6379"
	cfg.Server.Addr = ":8000"
	cfg.Server.APIBaseURL = "http://localhost:8000"
	cfg.Server.RootPath = ""
	cfg.Server.WebURL = "http://localhost:8000"
	cfg.Fetch.BatchSize = 10
	cfg.Fetch.MaxFailures = 5
	cfg.Fetch.RefreshInterval = 24 * time.Hour
	cfg.Embedding.URL = "http://localhost:8080"
	cfg.Embedding.Model = "multilingual-e5-large-instruct"
	cfg.Retention.DormantThresholdDays = 90
	cfg.Retention.ArticleRetentionDays = 180
	cfg.Retention.EmbeddingRetentionDays = 30
	cfg.Retention.InactiveUserDays = 365
	return cfg
}

// Load builds the effective config. path may be empty, in which case only
// defaults and the environment apply. A missing file at the default location
// is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.Server.APIBaseURL = strings.TrimRight(cfg.Server.APIBaseURL, "/")
	cfg.Server.RootPath = strings.Trim(cfg.Server.RootPath, "/")
	cfg.Server.WebURL = strings.TrimRight(cfg.Server.WebURL, "/")
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Redis.URL, "REDIS_URL")
	setString(&c.Server.Addr, "LISTEN_ADDR")
	setString(&c.Server.APIBaseURL, "API_BASE_URL")
	setString(&c.Server.RootPath, "ROOT_PATH")
	setString(&c.Server.WebURL, "WEB_URL")
	setString(&c.Fetch.FeedProxy, "FEED_PROXY")
	setInt(&c.Fetch.BatchSize, "FEED_FETCH_BATCH_SIZE")
	setInt(&c.Fetch.MaxFailures, "FEED_MAX_FAILURES")
	setDuration(&c.Fetch.RefreshInterval, "FEED_REFRESH_INTERVAL")
	setString(&c.Embedding.URL, "EMBEDDING_URL")
	setString(&c.Embedding.Model, "EMBEDDING_MODEL")
	setInt(&c.Retention.DormantThresholdDays, "DORMANT_THRESHOLD_DAYS")
	setInt(&c.Retention.ArticleRetentionDays, "ARTICLE_RETENTION_DAYS")
	setInt(&c.Retention.EmbeddingRetentionDays, "EMBEDDING_RETENTION_DAYS")
	setInt(&c.Retention.InactiveUserDays, "INACTIVE_USER_DAYS")
}

// LogPrefix is the base URL prefix for rewritten tracker links, without the
// trailing user/article segments.
func (c *Config) LogPrefix() string {
	return c.apiURL("/v1/log")
}

// FeedPrefix is the base URL prefix for proxied feed URLs.
func (c *Config) FeedPrefix() string {
	return c.apiURL("/v1/feed")
}

func (c *Config) apiURL(suffix string) string {
	if c.Server.RootPath != "" {
		return c.Server.APIBaseURL + "/" + c.Server.RootPath + suffix
	}
	return c.Server.APIBaseURL + suffix
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
