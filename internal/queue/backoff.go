package queue

import (
	"math/rand"
	"time"
)

// BackoffPolicy decides how long a retryable failure waits before the job
// becomes eligible again. Delays come from a bounded tier table rather than
// unbounded exponential growth; attempts past the last tier stay at the
// last tier.
type BackoffPolicy struct {
	// Tiers is the ordered list of escalating delays.
	Tiers []time.Duration
	// Jitter is the fraction of random spread applied to each delay
	// (0.1 means ±10%).
	Jitter float64
}

// DefaultBackoffPolicy returns the standard delivery retry schedule:
// 1m, 5m, 15m, 1h, 3h, 6h with ±10% jitter.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Tiers: []time.Duration{
			time.Minute,
			5 * time.Minute,
			15 * time.Minute,
			time.Hour,
			3 * time.Hour,
			6 * time.Hour,
		},
		Jitter: 0.1,
	}
}

// Delay returns the wait before retry attempt n (1-indexed). Attempt 1 is
// the first retry after the initial failure.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if len(p.Tiers) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	idx := attempt - 1
	if idx >= len(p.Tiers) {
		idx = len(p.Tiers) - 1
	}
	delay := p.Tiers[idx]

	if p.Jitter > 0 {
		spread := float64(delay) * p.Jitter
		delay += time.Duration(spread * (2.0*rand.Float64() - 1.0))
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// NextAttempt returns the absolute eligibility time for retry attempt n.
func (p BackoffPolicy) NextAttempt(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}
