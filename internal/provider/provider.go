// Package provider wraps the external messaging provider client with the
// operational guards the dispatch engine requires: a bounded per-call
// timeout (enforced by the caller's context), a token-bucket throughput
// ceiling, and a circuit breaker that sheds load when the provider is
// failing hard.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sendforge/sendforge/internal/queue"
)

// Config configures the guarded provider client.
type Config struct {
	// MessagesPerSecond caps outbound throughput to the provider across
	// all workers. Zero disables the cap.
	MessagesPerSecond float64
	// Burst is the token bucket burst size.
	Burst int
	// BreakerName identifies the circuit breaker in logs.
	BreakerName string
}

// DefaultConfig returns standard guard settings.
func DefaultConfig() Config {
	return Config{
		MessagesPerSecond: 50,
		Burst:             10,
		BreakerName:       "provider",
	}
}

// Client guards an inner sender. It implements queue.Sender, so the
// supervisor never knows whether it talks to a raw client or a guarded
// one.
type Client struct {
	inner   queue.Sender
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

var _ queue.Sender = (*Client)(nil)

// NewClient wraps inner with throughput and breaker guards.
func NewClient(inner queue.Sender, config Config) *Client {
	logger := slog.Default().With("component", "provider-client")

	var limiter *rate.Limiter
	if config.MessagesPerSecond > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.MessagesPerSecond), burst)
	}

	name := config.BreakerName
	if name == "" {
		name = "provider"
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: name,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Open once half the recent calls fail, with a minimum sample
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("provider circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Client{
		inner:   inner,
		limiter: limiter,
		breaker: breaker,
		logger:  logger,
	}
}

// Send dispatches one message through the guards. A rejected call (open
// breaker or cancelled wait) is classified retryable: the provider being
// unreachable is a transient condition and must not consume a job's
// terminal state.
func (c *Client) Send(ctx context.Context, accountID, contactID, templateID string, params map[string]string) (*queue.SendResult, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, queue.Retryable("throughput_wait", err)
		}
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.inner.Send(ctx, accountID, contactID, templateID, params)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, queue.Retryable("breaker_open", err)
		}
		return nil, err
	}

	sendResult, ok := result.(*queue.SendResult)
	if !ok {
		return nil, queue.Retryable("bad_result", fmt.Errorf("unexpected result type %T", result))
	}
	return sendResult, nil
}

// BreakerState exposes the breaker state for health reporting.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}
