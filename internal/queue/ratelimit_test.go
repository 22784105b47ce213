package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sendforge/sendforge/internal/cache"
)

func newTestCache(t *testing.T) cache.Cache {
	t.Helper()
	c := cache.NewMemory(cache.Config{})
	if err := c.Connect(); err != nil {
		t.Fatalf("failed to connect memory cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRateLimiterReserveWithinLimit(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{
		Enabled:           true,
		DefaultDailyLimit: 3,
	}, newTestCache(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, allowed, err := limiter.Reserve(ctx, "acct-1")
		if err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		if !allowed || res == nil {
			t.Fatalf("Reserve %d denied within limit", i+1)
		}
	}

	res, allowed, err := limiter.Reserve(ctx, "acct-1")
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if allowed || res != nil {
		t.Error("Reserve allowed past the daily limit")
	}

	used, limit, _, err := limiter.Usage(ctx, "acct-1")
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if used != 3 || limit != 3 {
		t.Errorf("usage = %d/%d, want 3/3", used, limit)
	}
}

func TestRateLimiterReleaseRefundsSlot(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{
		Enabled:           true,
		DefaultDailyLimit: 1,
	}, newTestCache(t))
	ctx := context.Background()

	res, allowed, _ := limiter.Reserve(ctx, "acct-1")
	if !allowed {
		t.Fatal("first Reserve denied")
	}
	if _, allowed, _ := limiter.Reserve(ctx, "acct-1"); allowed {
		t.Fatal("second Reserve allowed past limit")
	}

	// A failed send refunds its slot, so the quota is only consumed by
	// successful deliveries
	if err := limiter.Release(ctx, res); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, allowed, _ := limiter.Reserve(ctx, "acct-1"); !allowed {
		t.Error("Reserve denied after refund")
	}
}

// A refund that lands after the quota window rolled over must not touch
// the new window's counter: the new window still admits exactly the
// daily limit, never limit+1.
func TestRateLimiterLateReleaseDoesNotLeakIntoNextWindow(t *testing.T) {
	c := newTestCache(t)
	limiter := NewRateLimiter(RateLimiterConfig{
		Enabled:           true,
		DefaultDailyLimit: 1,
	}, c)
	ctx := context.Background()

	res, allowed, err := limiter.Reserve(ctx, "acct-1")
	if err != nil || !allowed {
		t.Fatalf("Reserve failed (allowed=%v err=%v)", allowed, err)
	}

	// Roll the account onto a later window
	oldWindow, err := c.Get(ctx, windowKey("acct-1"))
	if err != nil {
		t.Fatalf("failed to read window key: %v", err)
	}
	if err := c.Set(ctx, windowKey("acct-1"), oldWindow+3600, 0); err != nil {
		t.Fatalf("failed to advance window: %v", err)
	}

	// The new window grants its own full quota
	if _, allowed, _ := limiter.Reserve(ctx, "acct-1"); !allowed {
		t.Fatal("Reserve denied in the fresh window")
	}

	// The late refund belongs to the old window only
	if err := limiter.Release(ctx, res); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, allowed, _ := limiter.Reserve(ctx, "acct-1"); allowed {
		t.Error("late refund leaked into the new window, admitting limit+1 sends")
	}

	used, err := c.Get(ctx, usageKey("acct-1", oldWindow))
	if err != nil {
		t.Fatalf("failed to read old usage key: %v", err)
	}
	if used != 0 {
		t.Errorf("old window usage = %d after refund, want 0", used)
	}
}

func TestRateLimiterReleaseNilReservation(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{
		Enabled:           true,
		DefaultDailyLimit: 1,
	}, newTestCache(t))

	if err := limiter.Release(context.Background(), nil); err != nil {
		t.Errorf("Release(nil) = %v, want no-op", err)
	}
}

func TestRateLimiterPerAccountOverrides(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{
		Enabled:           true,
		DefaultDailyLimit: 100,
		Limits:            map[string]int64{"small": 1},
	}, newTestCache(t))

	if got := limiter.Limit("small"); got != 1 {
		t.Errorf("override limit = %d, want 1", got)
	}
	if got := limiter.Limit("other"); got != 100 {
		t.Errorf("default limit = %d, want 100", got)
	}

	ctx := context.Background()
	limiter.Reserve(ctx, "small")
	if _, allowed, _ := limiter.Reserve(ctx, "small"); allowed {
		t.Error("override account exceeded its limit")
	}
	if _, allowed, _ := limiter.Reserve(ctx, "other"); !allowed {
		t.Error("one account's exhaustion leaked into another account")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{
		Enabled:           false,
		DefaultDailyLimit: 1,
	}, newTestCache(t))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, allowed, err := limiter.Reserve(ctx, "acct-1")
		if err != nil || !allowed {
			t.Fatalf("disabled limiter denied Reserve (allowed=%v err=%v)", allowed, err)
		}
	}
}

// The quota bound must hold exactly under concurrent workers racing on
// the same account: with limit N, exactly N reservations succeed.
func TestRateLimiterConcurrentQuotaBound(t *testing.T) {
	const limit = 25
	const attempts = 200

	limiter := NewRateLimiter(RateLimiterConfig{
		Enabled:           true,
		DefaultDailyLimit: limit,
	}, newTestCache(t))
	ctx := context.Background()

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, allowed, err := limiter.Reserve(ctx, "acct-1")
			if err != nil {
				t.Errorf("Reserve failed: %v", err)
				return
			}
			if allowed {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if granted.Load() != limit {
		t.Errorf("granted %d reservations, want exactly %d", granted.Load(), limit)
	}
}

func TestRateLimiterWindowRollover(t *testing.T) {
	c := newTestCache(t)
	limiter := NewRateLimiter(RateLimiterConfig{
		Enabled:           true,
		DefaultDailyLimit: 1,
		Window:            time.Second,
	}, c)
	ctx := context.Background()

	if _, allowed, _ := limiter.Reserve(ctx, "acct-1"); !allowed {
		t.Fatal("first Reserve denied")
	}
	if _, allowed, _ := limiter.Reserve(ctx, "acct-1"); allowed {
		t.Fatal("Reserve allowed past limit")
	}

	// After the window expires a fresh quota opens
	time.Sleep(1500 * time.Millisecond)
	if _, allowed, err := limiter.Reserve(ctx, "acct-1"); err != nil || !allowed {
		t.Errorf("Reserve denied after window rollover (allowed=%v err=%v)", allowed, err)
	}
}

func TestRateLimiterCooldownDefault(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{Enabled: true, DefaultDailyLimit: 10}, newTestCache(t))
	if limiter.Cooldown() != time.Minute {
		t.Errorf("default cooldown = %v, want 1m", limiter.Cooldown())
	}
}
