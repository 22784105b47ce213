// Package ingest consumes enqueue requests from RabbitMQ and feeds them
// into the delivery queue. It is an optional collaborator: the supervisor
// runs identically when no broker is configured.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/streadway/amqp"

	"github.com/sendforge/sendforge/internal/queue"
)

// Config configures the AMQP consumer.
type Config struct {
	URL       string
	QueueName string
}

// request is the broker message payload: one or more jobs to enqueue.
type request struct {
	Messages []*queue.Job `json:"messages"`
}

// Consumer reads enqueue requests from a durable AMQP queue.
type Consumer struct {
	config     Config
	supervisor *queue.Supervisor
	logger     *slog.Logger

	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewConsumer creates an ingest consumer bound to the supervisor.
func NewConsumer(config Config, supervisor *queue.Supervisor) *Consumer {
	if config.QueueName == "" {
		config.QueueName = "sendforge_enqueue"
	}
	return &Consumer{
		config:     config,
		supervisor: supervisor,
		logger:     slog.Default().With("component", "ingest"),
	}
}

// Start connects to the broker and consumes until the context is
// cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	conn, err := amqp.Dial(c.config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	c.conn = conn

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	c.channel = channel

	q, err := channel.QueueDeclare(
		c.config.QueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		c.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	deliveries, err := channel.Consume(
		q.Name,
		"",    // consumer tag
		false, // manual ack for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		c.Close()
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("ingest consumer started", "queue", q.Name)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("ingest consumer stopping")
			return c.Close()
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("broker channel closed")
			}
			c.handle(ctx, delivery)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, delivery amqp.Delivery) {
	var req request
	if err := json.Unmarshal(delivery.Body, &req); err != nil {
		// Malformed payloads can never succeed; drop them
		c.logger.Warn("dropping malformed enqueue request", "error", err)
		_ = delivery.Ack(false)
		return
	}

	inserted, err := c.supervisor.AddBatchToQueue(ctx, req.Messages)
	if err != nil {
		// Store trouble is transient; requeue once, then drop
		if delivery.Redelivered {
			c.logger.Error("enqueue failed twice, dropping request", "error", err)
			_ = delivery.Ack(false)
			return
		}
		c.logger.Warn("enqueue failed, requeueing request", "error", err)
		_ = delivery.Nack(false, true)
		return
	}

	c.logger.Debug("enqueue request processed",
		"inserted", inserted,
		"skipped", len(req.Messages)-inserted)
	_ = delivery.Ack(false)
}

// Close tears down the broker connection.
func (c *Consumer) Close() error {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
