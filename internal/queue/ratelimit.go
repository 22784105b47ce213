package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sendforge/sendforge/internal/cache"
)

// RateLimiterConfig configures per-account send quotas.
type RateLimiterConfig struct {
	Enabled bool
	// DefaultDailyLimit applies to accounts without an override.
	DefaultDailyLimit int64
	// Limits holds per-account overrides keyed by account ID.
	Limits map[string]int64
	// Window is the quota window length. Defaults to 24h.
	Window time.Duration
	// Cooldown is how long a quota-denied job waits before it becomes
	// eligible again. Quota denial never consumes retry budget.
	Cooldown time.Duration
}

// DefaultRateLimiterConfig returns the standard quota configuration.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Enabled:           true,
		DefaultDailyLimit: 1000,
		Window:            24 * time.Hour,
		Cooldown:          time.Minute,
	}
}

// RateLimiter tracks per-account quota consumption against a cache
// backend. Quota state is keyed by the current window's reset timestamp,
// so a window rolls over exactly once: the first reservation after expiry
// creates the next window with SetNX and older usage keys simply age out.
//
// Reservations keep the quota bound exact under concurrent workers: a slot
// is taken with an atomic increment before the send and refunded if the
// send does not succeed, so usage can never exceed the limit no matter how
// many workers race on the same account.
type RateLimiter struct {
	config RateLimiterConfig
	cache  cache.Cache
	logger *slog.Logger
}

// NewRateLimiter creates a rate limiter on the given cache backend.
func NewRateLimiter(config RateLimiterConfig, c cache.Cache) *RateLimiter {
	if config.Window <= 0 {
		config.Window = 24 * time.Hour
	}
	if config.Cooldown <= 0 {
		config.Cooldown = time.Minute
	}
	return &RateLimiter{
		config: config,
		cache:  c,
		logger: slog.Default().With("component", "rate-limiter"),
	}
}

// Cooldown returns the requeue delay applied on quota exhaustion.
func (rl *RateLimiter) Cooldown() time.Duration {
	return rl.config.Cooldown
}

// Limit returns the daily limit for an account.
func (rl *RateLimiter) Limit(accountID string) int64 {
	if limit, ok := rl.config.Limits[accountID]; ok {
		return limit
	}
	return rl.config.DefaultDailyLimit
}

func windowKey(accountID string) string {
	return "quota:window:" + accountID
}

func usageKey(accountID string, windowID int64) string {
	return fmt.Sprintf("quota:used:%s:%d", accountID, windowID)
}

// currentWindow returns the reset timestamp of the account's active quota
// window, creating the window lazily if none exists or the old one expired.
func (rl *RateLimiter) currentWindow(ctx context.Context, accountID string) (int64, error) {
	key := windowKey(accountID)

	windowID, err := rl.cache.Get(ctx, key)
	if err == nil {
		return windowID, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		return 0, fmt.Errorf("failed to read quota window: %w", err)
	}

	// No active window. SetNX guarantees exactly one caller creates it.
	resetAt := time.Now().Add(rl.config.Window).Unix()
	created, err := rl.cache.SetNX(ctx, key, resetAt, rl.config.Window)
	if err != nil {
		return 0, fmt.Errorf("failed to create quota window: %w", err)
	}
	if created {
		rl.logger.Debug("quota window opened",
			"account_id", accountID,
			"reset_at", time.Unix(resetAt, 0))
		return resetAt, nil
	}

	// Lost the race; read the winner's window
	windowID, err = rl.cache.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to read quota window after race: %w", err)
	}
	return windowID, nil
}

// Reservation is one held send slot, pinned to the quota window it was
// taken from. Pinning matters for refunds: a send that fails after the
// window rolled over must refund the old window's counter, never open or
// decrement the next one.
type Reservation struct {
	accountID string
	windowID  int64
}

// Reserve takes one send slot for the account. A false result means the
// daily limit is exhausted, in which case the caller requeues the job with
// the cooldown delay instead of failing it. The reservation (nil when
// denied or when limiting is disabled) is handed back to Release if the
// send does not succeed.
func (rl *RateLimiter) Reserve(ctx context.Context, accountID string) (*Reservation, bool, error) {
	if !rl.config.Enabled {
		return nil, true, nil
	}

	windowID, err := rl.currentWindow(ctx, accountID)
	if err != nil {
		return nil, false, err
	}

	key := usageKey(accountID, windowID)
	used, err := rl.cache.Increment(ctx, key, 1)
	if err != nil {
		return nil, false, fmt.Errorf("failed to reserve quota: %w", err)
	}
	if used == 1 {
		// First slot of the window; let the usage key age out after the
		// window plus slack for late refunds
		if err := rl.cache.Expire(ctx, key, rl.config.Window+time.Hour); err != nil {
			rl.logger.Debug("failed to set usage key expiry", "account_id", accountID, "error", err)
		}
	}

	limit := rl.Limit(accountID)
	if used > limit {
		if _, err := rl.cache.Decrement(ctx, key, 1); err != nil {
			rl.logger.Warn("failed to refund over-limit reservation",
				"account_id", accountID, "error", err)
		}
		return nil, false, nil
	}
	return &Reservation{accountID: accountID, windowID: windowID}, true, nil
}

// Release refunds a reservation after a send that did not succeed. The
// refund goes to the reservation's own window; if that window has already
// expired the usage key simply ages out with it. A nil reservation is a
// no-op.
func (rl *RateLimiter) Release(ctx context.Context, res *Reservation) error {
	if !rl.config.Enabled || res == nil {
		return nil
	}

	if _, err := rl.cache.Decrement(ctx, usageKey(res.accountID, res.windowID), 1); err != nil &&
		!errors.Is(err, cache.ErrNotFound) {
		return fmt.Errorf("failed to release quota: %w", err)
	}
	return nil
}

// Usage returns the account's consumed and allowed quota for the current
// window, plus the window reset time.
func (rl *RateLimiter) Usage(ctx context.Context, accountID string) (used, limit int64, resetAt time.Time, err error) {
	limit = rl.Limit(accountID)
	if !rl.config.Enabled {
		return 0, limit, time.Time{}, nil
	}

	windowID, err := rl.currentWindow(ctx, accountID)
	if err != nil {
		return 0, limit, time.Time{}, err
	}

	used, err = rl.cache.Get(ctx, usageKey(accountID, windowID))
	if errors.Is(err, cache.ErrNotFound) {
		return 0, limit, time.Unix(windowID, 0), nil
	}
	if err != nil {
		return 0, limit, time.Time{}, fmt.Errorf("failed to read quota usage: %w", err)
	}
	return used, limit, time.Unix(windowID, 0), nil
}
