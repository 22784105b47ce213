// Package events provides the real-time broadcast fan-out for queue
// progress. Emission is fire-and-forget: a broadcaster that is down must
// never block or fail job processing, so callers log emit errors and
// continue.
package events

import (
	"context"
	"time"
)

// Event names emitted by the queue subsystem.
const (
	EventStatusUpdate  = "campaign:status"
	EventProgress      = "campaign:progress"
	EventContactStatus = "message:status"
	EventComplete      = "campaign:complete"
)

// Envelope is the wire form of a broadcast event.
type Envelope struct {
	Scope   string      `json:"scope"`
	Name    string      `json:"name"`
	Payload interface{} `json:"payload"`
	At      time.Time   `json:"at"`
}

// Broadcaster publishes events to subscribers on a named scope.
type Broadcaster interface {
	Emit(ctx context.Context, scope, name string, payload interface{}) error
	Close() error
}

// Nop is a broadcaster that discards all events. It stands in when
// real-time updates are disabled or the collaborator is absent.
type Nop struct{}

// Emit discards the event.
func (Nop) Emit(ctx context.Context, scope, name string, payload interface{}) error {
	return nil
}

// Close does nothing.
func (Nop) Close() error {
	return nil
}
