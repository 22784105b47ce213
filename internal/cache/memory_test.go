package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newConnectedMemory(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory(Config{})
	if err := m.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMemoryRequiresConnect(t *testing.T) {
	m := NewMemory(Config{})
	ctx := context.Background()

	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Get before Connect = %v, want ErrNotConnected", err)
	}
	if err := m.Set(ctx, "k", 1, 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Set before Connect = %v, want ErrNotConnected", err)
	}
}

func TestMemorySetGetDelete(t *testing.T) {
	m := newConnectedMemory(t)
	ctx := context.Background()

	if err := m.Set(ctx, "counter", 42, 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	value, err := m.Get(ctx, "counter")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if value != 42 {
		t.Errorf("Get = %d, want 42", value)
	}

	exists, _ := m.Exists(ctx, "counter")
	if !exists {
		t.Error("Exists = false for present key")
	}

	if err := m.Delete(ctx, "counter"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := m.Get(ctx, "counter"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}
}

func TestMemorySetNX(t *testing.T) {
	m := newConnectedMemory(t)
	ctx := context.Background()

	created, err := m.SetNX(ctx, "window", 100, 0)
	if err != nil {
		t.Fatalf("SetNX failed: %v", err)
	}
	if !created {
		t.Fatal("first SetNX did not create the key")
	}

	created, err = m.SetNX(ctx, "window", 200, 0)
	if err != nil {
		t.Fatalf("second SetNX failed: %v", err)
	}
	if created {
		t.Error("second SetNX overwrote an existing key")
	}

	value, _ := m.Get(ctx, "window")
	if value != 100 {
		t.Errorf("value = %d, want the original 100", value)
	}
}

func TestMemorySetNXReclaimsExpiredKey(t *testing.T) {
	m := newConnectedMemory(t)
	ctx := context.Background()

	m.SetNX(ctx, "window", 1, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	created, err := m.SetNX(ctx, "window", 2, 0)
	if err != nil {
		t.Fatalf("SetNX failed: %v", err)
	}
	if !created {
		t.Error("SetNX did not reclaim an expired key")
	}
}

func TestMemoryIncrementDecrement(t *testing.T) {
	m := newConnectedMemory(t)
	ctx := context.Background()

	value, err := m.Increment(ctx, "used", 1)
	if err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if value != 1 {
		t.Errorf("first Increment = %d, want 1 (created at amount)", value)
	}

	value, _ = m.Increment(ctx, "used", 5)
	if value != 6 {
		t.Errorf("Increment = %d, want 6", value)
	}

	value, err = m.Decrement(ctx, "used", 2)
	if err != nil {
		t.Fatalf("Decrement failed: %v", err)
	}
	if value != 4 {
		t.Errorf("Decrement = %d, want 4", value)
	}
}

func TestMemoryIncrementConcurrent(t *testing.T) {
	m := newConnectedMemory(t)
	ctx := context.Background()

	const goroutines = 50
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Increment(ctx, "counter", 1); err != nil {
				t.Errorf("Increment failed: %v", err)
			}
		}()
	}
	wg.Wait()

	value, _ := m.Get(ctx, "counter")
	if value != goroutines {
		t.Errorf("counter = %d, want %d", value, goroutines)
	}
}

func TestMemoryExpiration(t *testing.T) {
	m := newConnectedMemory(t)
	ctx := context.Background()

	m.Set(ctx, "short", 1, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	if _, err := m.Get(ctx, "short"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get of expired key = %v, want ErrNotFound", err)
	}

	if err := m.Expire(ctx, "missing", time.Minute); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expire on missing key = %v, want ErrNotFound", err)
	}

	m.Set(ctx, "long", 1, 0)
	if err := m.Expire(ctx, "long", 10*time.Millisecond); err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := m.Get(ctx, "long"); !errors.Is(err, ErrNotFound) {
		t.Error("key survived after Expire deadline")
	}
}

func TestFactory(t *testing.T) {
	tests := []struct {
		cacheType string
		wantType  string
		wantErr   bool
	}{
		{"memory", "memory", false},
		{"", "memory", false},
		{"redis", "redis", false},
		{"memcached", "memcached", false},
		{"bogus", "", true},
	}

	for _, tt := range tests {
		t.Run("type "+tt.cacheType, func(t *testing.T) {
			c, err := Factory(Config{Type: tt.cacheType})
			if tt.wantErr {
				if err == nil {
					t.Error("Factory accepted unsupported type")
				}
				return
			}
			if err != nil {
				t.Fatalf("Factory failed: %v", err)
			}
			if c.Type() != tt.wantType {
				t.Errorf("Type() = %s, want %s", c.Type(), tt.wantType)
			}
		})
	}
}
