package cache

import (
	"context"
	"sync"
	"time"
)

// item represents a cached counter with expiration
type item struct {
	value      int64
	expiration int64 // Unix timestamp in nanoseconds, 0 = no expiry
}

func (i item) expired(now int64) bool {
	return i.expiration > 0 && now > i.expiration
}

// Memory implements the Cache interface for in-process caching
type Memory struct {
	config    Config
	items     map[string]item
	mu        sync.Mutex
	connected bool
	janitor   *time.Ticker
	stopChan  chan struct{}
}

// NewMemory creates a new in-memory cache
func NewMemory(config Config) *Memory {
	return &Memory{
		config: config,
		items:  make(map[string]item),
	}
}

// Connect initializes the memory cache and starts the janitor
func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	m.janitor = time.NewTicker(time.Minute)
	m.stopChan = make(chan struct{})

	go func() {
		for {
			select {
			case <-m.janitor.C:
				m.deleteExpired()
			case <-m.stopChan:
				m.janitor.Stop()
				return
			}
		}
	}()

	m.connected = true
	return nil
}

// Close stops the janitor and clears the cache
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}

	close(m.stopChan)
	m.items = make(map[string]item)
	m.connected = false
	return nil
}

// IsConnected returns true if the cache is connected
func (m *Memory) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Type returns the type of this cache
func (m *Memory) Type() string {
	return "memory"
}

func (m *Memory) deleteExpired() {
	now := time.Now().UnixNano()

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, it := range m.items {
		if it.expired(now) {
			delete(m.items, key)
		}
	}
}

// Get retrieves a counter value from the cache
func (m *Memory) Get(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, ErrNotConnected
	}

	it, ok := m.items[key]
	if !ok || it.expired(time.Now().UnixNano()) {
		return 0, ErrNotFound
	}
	return it.value, nil
}

// Set stores a counter value with an optional expiration
func (m *Memory) Set(ctx context.Context, key string, value int64, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	m.items[key] = item{value: value, expiration: expirationAt(expiration)}
	return nil
}

// SetNX sets a value only if the key does not exist
func (m *Memory) SetNX(ctx context.Context, key string, value int64, expiration time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return false, ErrNotConnected
	}

	if it, ok := m.items[key]; ok && !it.expired(time.Now().UnixNano()) {
		return false, nil
	}
	m.items[key] = item{value: value, expiration: expirationAt(expiration)}
	return true, nil
}

// Delete removes a value from the cache
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	delete(m.items, key)
	return nil
}

// Exists checks if a key exists in the cache
func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return false, ErrNotConnected
	}

	it, ok := m.items[key]
	return ok && !it.expired(time.Now().UnixNano()), nil
}

// Increment atomically increments a counter, creating it if absent
func (m *Memory) Increment(ctx context.Context, key string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, ErrNotConnected
	}

	it, ok := m.items[key]
	if !ok || it.expired(time.Now().UnixNano()) {
		it = item{}
	}
	it.value += amount
	m.items[key] = it
	return it.value, nil
}

// Decrement atomically decrements a counter
func (m *Memory) Decrement(ctx context.Context, key string, amount int64) (int64, error) {
	return m.Increment(ctx, key, -amount)
}

// Expire sets an expiration time on a key
func (m *Memory) Expire(ctx context.Context, key string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	it, ok := m.items[key]
	if !ok {
		return ErrNotFound
	}
	it.expiration = expirationAt(expiration)
	m.items[key] = it
	return nil
}

func expirationAt(expiration time.Duration) int64 {
	if expiration <= 0 {
		return 0
	}
	return time.Now().Add(expiration).UnixNano()
}
