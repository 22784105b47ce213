package provider

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sendforge/sendforge/internal/queue"
)

// Mock is a stand-in provider for development and tests. Failure behavior
// is configurable per contact so test scenarios can force specific
// classifications.
type Mock struct {
	mu sync.Mutex

	// FailureRate is the random retryable-failure probability (0..1).
	FailureRate float64
	// Latency is added to every call.
	Latency time.Duration

	permanentContacts map[string]bool
	retryableContacts map[string]bool
	sent              []MockSend
}

// MockSend records one successful mock delivery.
type MockSend struct {
	AccountID  string
	ContactID  string
	TemplateID string
	Params     map[string]string
}

var _ queue.Sender = (*Mock)(nil)

// NewMock creates a mock provider that succeeds every call.
func NewMock() *Mock {
	return &Mock{
		permanentContacts: make(map[string]bool),
		retryableContacts: make(map[string]bool),
	}
}

// RejectContact makes sends to the contact fail permanently, as an
// invalid-recipient rejection would.
func (m *Mock) RejectContact(contactID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.permanentContacts[contactID] = true
}

// ThrottleContact makes sends to the contact fail with a retryable error.
func (m *Mock) ThrottleContact(contactID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryableContacts[contactID] = true
}

// Sent returns the successful deliveries so far.
func (m *Mock) Sent() []MockSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockSend, len(m.sent))
	copy(out, m.sent)
	return out
}

// Send implements queue.Sender.
func (m *Mock) Send(ctx context.Context, accountID, contactID, templateID string, params map[string]string) (*queue.SendResult, error) {
	if m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.permanentContacts[contactID] {
		return nil, queue.Permanent("invalid_recipient",
			fmt.Errorf("recipient %s rejected by provider", contactID))
	}
	if m.retryableContacts[contactID] {
		return nil, queue.Retryable("provider_busy",
			fmt.Errorf("provider temporarily unavailable for %s", contactID))
	}
	if m.FailureRate > 0 && rand.Float64() < m.FailureRate {
		return nil, queue.Retryable("random_failure",
			fmt.Errorf("simulated transient failure"))
	}

	m.sent = append(m.sent, MockSend{
		AccountID:  accountID,
		ContactID:  contactID,
		TemplateID: templateID,
		Params:     params,
	})
	return &queue.SendResult{MessageID: "mock-" + uuid.NewString()}, nil
}
