package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached implements the Cache interface for Memcached
type Memcached struct {
	config    Config
	client    *memcache.Client
	connected bool
}

// NewMemcached creates a new Memcached cache
func NewMemcached(config Config) *Memcached {
	if config.Port == 0 {
		config.Port = 11211 // Default Memcached port
	}

	return &Memcached{
		config: config,
	}
}

// Connect establishes a connection to Memcached
func (m *Memcached) Connect() error {
	if m.connected {
		return nil
	}

	m.client = memcache.New(fmt.Sprintf("%s:%d", m.config.Host, m.config.Port))

	// Test the connection
	if err := m.client.Ping(); err != nil {
		return fmt.Errorf("failed to connect to Memcached: %w", err)
	}

	m.connected = true
	return nil
}

// Close closes the connection to Memcached
func (m *Memcached) Close() error {
	// The memcache client has no explicit close
	m.connected = false
	return nil
}

// IsConnected returns true if connected to Memcached
func (m *Memcached) IsConnected() bool {
	return m.connected
}

// Type returns the type of this cache
func (m *Memcached) Type() string {
	return "memcached"
}

func seconds(expiration time.Duration) int32 {
	if expiration <= 0 {
		return 0
	}
	return int32(expiration / time.Second)
}

// Get retrieves a counter value from Memcached
func (m *Memcached) Get(ctx context.Context, key string) (int64, error) {
	if !m.connected {
		return 0, ErrNotConnected
	}

	it, err := m.client.Get(key)
	if err == memcache.ErrCacheMiss {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("memcached get failed: %w", err)
	}

	value, err := strconv.ParseInt(string(it.Value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("memcached value for %s is not numeric: %w", key, err)
	}
	return value, nil
}

// Set stores a counter value with an optional expiration
func (m *Memcached) Set(ctx context.Context, key string, value int64, expiration time.Duration) error {
	if !m.connected {
		return ErrNotConnected
	}

	return m.client.Set(&memcache.Item{
		Key:        key,
		Value:      []byte(strconv.FormatInt(value, 10)),
		Expiration: seconds(expiration),
	})
}

// SetNX sets a value only if the key does not exist
func (m *Memcached) SetNX(ctx context.Context, key string, value int64, expiration time.Duration) (bool, error) {
	if !m.connected {
		return false, ErrNotConnected
	}

	err := m.client.Add(&memcache.Item{
		Key:        key,
		Value:      []byte(strconv.FormatInt(value, 10)),
		Expiration: seconds(expiration),
	})
	if err == memcache.ErrNotStored {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("memcached add failed: %w", err)
	}
	return true, nil
}

// Delete removes a value from Memcached
func (m *Memcached) Delete(ctx context.Context, key string) error {
	if !m.connected {
		return ErrNotConnected
	}

	err := m.client.Delete(key)
	if err == memcache.ErrCacheMiss {
		return nil
	}
	return err
}

// Exists checks if a key exists in Memcached
func (m *Memcached) Exists(ctx context.Context, key string) (bool, error) {
	if !m.connected {
		return false, ErrNotConnected
	}

	_, err := m.client.Get(key)
	if err == memcache.ErrCacheMiss {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("memcached get failed: %w", err)
	}
	return true, nil
}

// Increment atomically increments a counter, creating it if absent
func (m *Memcached) Increment(ctx context.Context, key string, amount int64) (int64, error) {
	if !m.connected {
		return 0, ErrNotConnected
	}

	value, err := m.client.Increment(key, uint64(amount))
	if err == memcache.ErrCacheMiss {
		// Key does not exist yet; Add wins exactly once under races
		addErr := m.client.Add(&memcache.Item{
			Key:   key,
			Value: []byte(strconv.FormatInt(amount, 10)),
		})
		if addErr == nil {
			return amount, nil
		}
		if addErr == memcache.ErrNotStored {
			value, err = m.client.Increment(key, uint64(amount))
			if err == nil {
				return int64(value), nil
			}
		}
		return 0, fmt.Errorf("memcached increment failed: %w", addErr)
	}
	if err != nil {
		return 0, fmt.Errorf("memcached increment failed: %w", err)
	}
	return int64(value), nil
}

// Decrement atomically decrements a counter. Memcached clamps at zero.
func (m *Memcached) Decrement(ctx context.Context, key string, amount int64) (int64, error) {
	if !m.connected {
		return 0, ErrNotConnected
	}

	value, err := m.client.Decrement(key, uint64(amount))
	if err == memcache.ErrCacheMiss {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("memcached decrement failed: %w", err)
	}
	return int64(value), nil
}

// Expire sets an expiration time on a key
func (m *Memcached) Expire(ctx context.Context, key string, expiration time.Duration) error {
	if !m.connected {
		return ErrNotConnected
	}

	err := m.client.Touch(key, seconds(expiration))
	if err == memcache.ErrCacheMiss {
		return ErrNotFound
	}
	return err
}
