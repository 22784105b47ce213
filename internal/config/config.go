// Package config loads the sendforge configuration from TOML.
package config

import (
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	// Server configuration
	Server struct {
		Hostname  string `toml:"hostname"`
		APIListen string `toml:"api_listen"`
	} `toml:"server"`

	// Logging configuration
	Logging struct {
		Type   string `toml:"type"` // "console" or "file"
		Level  string `toml:"level"`
		Format string `toml:"format"` // "text" or "json"
		File   string `toml:"file"`
	} `toml:"logging"`

	// Store configuration
	Store struct {
		Driver string `toml:"driver"` // "memory", "sqlite3", "postgres", "mysql"
		DSN    string `toml:"dsn"`
	} `toml:"store"`

	// Queue configuration
	Queue struct {
		BatchSize         int   `toml:"batch_size"`
		PollInterval      int   `toml:"poll_interval"` // seconds
		MaxRetries        int   `toml:"max_retries"`
		RetryDelays       []int `toml:"retry_delays"` // seconds, ordered backoff tiers
		ConcurrentWorkers int   `toml:"concurrent_workers"`
		SendTimeout       int   `toml:"send_timeout"`    // seconds
		StallThreshold    int   `toml:"stall_threshold"` // seconds
		RetentionDays     int   `toml:"retention_days"`
		CleanupInterval   int   `toml:"cleanup_interval"` // hours
		StaleAfter        int   `toml:"stale_after"`      // minutes, reconciliation threshold
	} `toml:"queue"`

	// Rate limiting configuration
	RateLimit struct {
		Enabled           bool             `toml:"enabled"`
		DefaultDailyLimit int64            `toml:"default_daily_limit"`
		AccountLimits     map[string]int64 `toml:"account_limits"`
		Cooldown          int              `toml:"cooldown"` // seconds
		CacheType         string           `toml:"cache_type"`
		CacheHost         string           `toml:"cache_host"`
		CachePort         int              `toml:"cache_port"`
		CachePassword     string           `toml:"cache_password"`
		CacheDatabase     int              `toml:"cache_database"`
	} `toml:"rate_limit"`

	// Provider configuration
	Provider struct {
		MessagesPerSecond float64 `toml:"messages_per_second"`
		Burst             int     `toml:"burst"`
		MockFailureRate   float64 `toml:"mock_failure_rate"`
	} `toml:"provider"`

	// Events configuration
	Events struct {
		Enabled       bool   `toml:"enabled"`
		RedisAddr     string `toml:"redis_addr"`
		RedisPassword string `toml:"redis_password"`
		RedisDatabase int    `toml:"redis_database"`
		ChannelPrefix string `toml:"channel_prefix"`
	} `toml:"events"`

	// Ingest configuration
	Ingest struct {
		Enabled   bool   `toml:"enabled"`
		URL       string `toml:"url"`
		QueueName string `toml:"queue_name"`
	} `toml:"ingest"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Hostname = "localhost"
	cfg.Server.APIListen = ":8025"

	cfg.Logging.Type = "console"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.Store.Driver = "sqlite3"
	cfg.Store.DSN = "sendforge.db"

	cfg.Queue.BatchSize = 10
	cfg.Queue.PollInterval = 5
	cfg.Queue.MaxRetries = 3
	cfg.Queue.RetryDelays = []int{60, 300, 900, 3600, 10800, 21600} // 1m, 5m, 15m, 1h, 3h, 6h
	cfg.Queue.ConcurrentWorkers = 5
	cfg.Queue.SendTimeout = 30
	cfg.Queue.StallThreshold = 120
	cfg.Queue.RetentionDays = 7
	cfg.Queue.CleanupInterval = 1
	cfg.Queue.StaleAfter = 15

	cfg.RateLimit.Enabled = true
	cfg.RateLimit.DefaultDailyLimit = 1000
	cfg.RateLimit.Cooldown = 60
	cfg.RateLimit.CacheType = "memory"

	cfg.Provider.MessagesPerSecond = 50
	cfg.Provider.Burst = 10

	cfg.Ingest.QueueName = "sendforge_enqueue"

	return cfg
}

// FindConfigFile looks for a configuration file in common locations
func FindConfigFile(configPath string) (string, error) {
	// If a specific path is provided, check only that
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./sendforge.toml",
		"./config/sendforge.toml",
		os.ExpandEnv("$HOME/.sendforge.toml"),
		"/etc/sendforge/sendforge.toml",
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}
	return "", nil // No config file found; defaults apply
}

// LoadConfig loads configuration from the given path, falling back to
// defaults for anything unset. An empty path triggers the search list.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	path, err := FindConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite3", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported store driver: %s", c.Store.Driver)
	}

	switch c.RateLimit.CacheType {
	case "", "memory", "redis", "memcached":
	default:
		return fmt.Errorf("unsupported rate limit cache type: %s", c.RateLimit.CacheType)
	}

	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue.max_retries must be at least 1")
	}
	if len(c.Queue.RetryDelays) == 0 {
		return fmt.Errorf("queue.retry_delays must have at least one tier")
	}
	for _, d := range c.Queue.RetryDelays {
		if d < 0 {
			return fmt.Errorf("queue.retry_delays must not contain negative delays")
		}
	}
	if c.Queue.ConcurrentWorkers < 1 {
		return fmt.Errorf("queue.concurrent_workers must be at least 1")
	}
	if c.Ingest.Enabled && c.Ingest.URL == "" {
		return fmt.Errorf("ingest.url is required when ingest is enabled")
	}
	if c.Events.Enabled && c.Events.RedisAddr == "" {
		return fmt.Errorf("events.redis_addr is required when events are enabled")
	}
	return nil
}

// RetryDelayDurations converts the configured backoff tiers to durations.
func (c *Config) RetryDelayDurations() []time.Duration {
	tiers := make([]time.Duration, len(c.Queue.RetryDelays))
	for i, seconds := range c.Queue.RetryDelays {
		tiers[i] = time.Duration(seconds) * time.Second
	}
	return tiers
}
