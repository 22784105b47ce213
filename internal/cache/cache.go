package cache

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("key not found in cache")
	ErrNotConnected = errors.New("not connected to cache")
)

// Cache defines the interface that all cache implementations must satisfy.
// The rate limiter keeps its quota counters here, so Increment, Decrement,
// and SetNX must be atomic with respect to concurrent callers.
type Cache interface {
	// Connect establishes a connection to the cache
	Connect() error

	// Close closes the connection to the cache
	Close() error

	// IsConnected returns true if the cache is connected
	IsConnected() bool

	// Type returns the type of the cache (e.g., "redis", "memcached", "memory")
	Type() string

	// Get retrieves a counter value from the cache
	Get(ctx context.Context, key string) (int64, error)

	// Set stores a counter value with an optional expiration
	Set(ctx context.Context, key string, value int64, expiration time.Duration) error

	// SetNX sets a value only if the key does not exist, returning whether
	// the write happened
	SetNX(ctx context.Context, key string, value int64, expiration time.Duration) (bool, error)

	// Delete removes a value from the cache
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists in the cache
	Exists(ctx context.Context, key string) (bool, error)

	// Increment atomically increments a numeric value, creating it at
	// amount if absent, and returns the new value
	Increment(ctx context.Context, key string, amount int64) (int64, error)

	// Decrement atomically decrements a numeric value and returns the new
	// value
	Decrement(ctx context.Context, key string, amount int64) (int64, error)

	// Expire sets an expiration time on a key
	Expire(ctx context.Context, key string, expiration time.Duration) error
}

// Config represents the configuration for a cache
type Config struct {
	Type     string // Type of cache (memory, redis, memcached)
	Host     string // Hostname or IP address
	Port     int    // Port number
	Password string // Password for authentication
	Database int    // Database number (for Redis)
}

// Factory creates cache instances based on configuration
func Factory(config Config) (Cache, error) {
	switch config.Type {
	case "redis":
		return NewRedis(config), nil
	case "memcached":
		return NewMemcached(config), nil
	case "memory", "":
		return NewMemory(config), nil
	default:
		return nil, errors.New("unsupported cache type: " + config.Type)
	}
}
