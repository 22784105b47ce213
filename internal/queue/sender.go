package queue

import (
	"context"
	"errors"
	"time"
)

// ErrorClass classifies a send failure for retry purposes.
type ErrorClass int

const (
	// ClassRetryable covers transient conditions: network timeouts,
	// provider 5xx responses, temporary provider-side throttling.
	ClassRetryable ErrorClass = iota
	// ClassPermanent covers conditions that will not improve with retry:
	// invalid recipients, unregistered senders, rejected templates.
	ClassPermanent
)

// SendError is a classified failure from the message sender.
type SendError struct {
	Class ErrorClass
	Code  string
	Err   error
}

func (e *SendError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Retryable wraps err as a transient send failure.
func Retryable(code string, err error) *SendError {
	return &SendError{Class: ClassRetryable, Code: code, Err: err}
}

// Permanent wraps err as a non-retryable send failure.
func Permanent(code string, err error) *SendError {
	return &SendError{Class: ClassPermanent, Code: code, Err: err}
}

// IsPermanent reports whether err is classified as non-retryable.
// Unclassified errors and timeouts are treated as retryable so that a
// flaky provider never burns a job's terminal state on a transient fault.
func IsPermanent(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Class == ClassPermanent
	}
	return false
}

// SendResult carries provider confirmation details for a delivered message.
type SendResult struct {
	MessageID string
	Duration  time.Duration
}

// Sender dispatches one message through the external provider. The context
// carries the per-send timeout; implementations must respect it so a
// worker never blocks indefinitely on a single job.
type Sender interface {
	Send(ctx context.Context, accountID, contactID, templateID string, params map[string]string) (*SendResult, error)
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, accountID, contactID, templateID string, params map[string]string) (*SendResult, error)

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, accountID, contactID, templateID string, params map[string]string) (*SendResult, error) {
	return f(ctx, accountID, contactID, templateID, params)
}
