package commands

import (
	"fmt"
	"time"

	"github.com/sendforge/sendforge/internal/cache"
	"github.com/sendforge/sendforge/internal/config"
	"github.com/sendforge/sendforge/internal/events"
	"github.com/sendforge/sendforge/internal/provider"
	"github.com/sendforge/sendforge/internal/queue"
)

// buildStore opens the configured queue store.
func buildStore(cfg *config.Config) (queue.Store, error) {
	if cfg.Store.Driver == "memory" {
		return queue.NewMemoryStore(), nil
	}
	return queue.OpenSQLStore(cfg.Store.Driver, cfg.Store.DSN)
}

// buildLimiter wires the rate limiter onto its cache backend.
func buildLimiter(cfg *config.Config) (*queue.RateLimiter, error) {
	backend, err := cache.Factory(cache.Config{
		Type:     cfg.RateLimit.CacheType,
		Host:     cfg.RateLimit.CacheHost,
		Port:     cfg.RateLimit.CachePort,
		Password: cfg.RateLimit.CachePassword,
		Database: cfg.RateLimit.CacheDatabase,
	})
	if err != nil {
		return nil, err
	}
	if err := backend.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect rate limit cache: %w", err)
	}

	return queue.NewRateLimiter(queue.RateLimiterConfig{
		Enabled:           cfg.RateLimit.Enabled,
		DefaultDailyLimit: cfg.RateLimit.DefaultDailyLimit,
		Limits:            cfg.RateLimit.AccountLimits,
		Cooldown:          time.Duration(cfg.RateLimit.Cooldown) * time.Second,
	}, backend), nil
}

// buildBroadcaster returns the configured event broadcaster, or nil when
// real-time events are disabled.
func buildBroadcaster(cfg *config.Config) (events.Broadcaster, error) {
	if !cfg.Events.Enabled {
		return nil, nil
	}
	return events.NewRedisBroadcaster(events.RedisConfig{
		Addr:          cfg.Events.RedisAddr,
		Password:      cfg.Events.RedisPassword,
		Database:      cfg.Events.RedisDatabase,
		ChannelPrefix: cfg.Events.ChannelPrefix,
	})
}

// buildSender constructs the guarded provider client. The mock inner
// client stands in for the real provider integration, which lives outside
// this repository.
func buildSender(cfg *config.Config) queue.Sender {
	mock := provider.NewMock()
	mock.FailureRate = cfg.Provider.MockFailureRate

	return provider.NewClient(mock, provider.Config{
		MessagesPerSecond: cfg.Provider.MessagesPerSecond,
		Burst:             cfg.Provider.Burst,
	})
}

// buildSupervisor assembles the full dispatch engine from config.
func buildSupervisor(cfg *config.Config) (*queue.Supervisor, queue.Store, error) {
	store, err := buildStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	limiter, err := buildLimiter(cfg)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	broadcaster, err := buildBroadcaster(cfg)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	queueCfg := queue.Config{
		BatchSize:         cfg.Queue.BatchSize,
		PollInterval:      time.Duration(cfg.Queue.PollInterval) * time.Second,
		MaxRetries:        cfg.Queue.MaxRetries,
		Backoff:           queue.BackoffPolicy{Tiers: cfg.RetryDelayDurations(), Jitter: 0.1},
		ConcurrentWorkers: cfg.Queue.ConcurrentWorkers,
		SendTimeout:       time.Duration(cfg.Queue.SendTimeout) * time.Second,
		StallThreshold:    time.Duration(cfg.Queue.StallThreshold) * time.Second,
	}

	supervisor := queue.NewSupervisor(queueCfg, store, buildSender(cfg), limiter, broadcaster)
	return supervisor, store, nil
}
