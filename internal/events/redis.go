package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis pub/sub broadcaster.
type RedisConfig struct {
	Addr          string
	Password      string
	Database      int
	ChannelPrefix string
}

// RedisBroadcaster publishes JSON envelopes on Redis pub/sub channels.
// Each scope maps to one channel under the configured prefix, so
// subscribers can watch a single campaign or a whole account.
type RedisBroadcaster struct {
	client *redis.Client
	prefix string
}

// NewRedisBroadcaster connects to Redis and verifies the connection.
func NewRedisBroadcaster(config RedisConfig) (*RedisBroadcaster, error) {
	if config.ChannelPrefix == "" {
		config.ChannelPrefix = "sendforge"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.Database,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis for events: %w", err)
	}

	return &RedisBroadcaster{
		client: client,
		prefix: config.ChannelPrefix,
	}, nil
}

// Emit publishes the event on the scope's channel.
func (b *RedisBroadcaster) Emit(ctx context.Context, scope, name string, payload interface{}) error {
	envelope := Envelope{
		Scope:   scope,
		Name:    name,
		Payload: payload,
		At:      time.Now(),
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	channel := b.prefix + ":" + scope
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event on %s: %w", channel, err)
	}
	return nil
}

// Close closes the Redis connection.
func (b *RedisBroadcaster) Close() error {
	return b.client.Close()
}
