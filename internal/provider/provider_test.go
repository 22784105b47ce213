package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/sendforge/sendforge/internal/queue"
)

func send(t *testing.T, sender queue.Sender, contactID string) (*queue.SendResult, error) {
	t.Helper()
	return sender.Send(context.Background(), "acct-1", contactID, "tmpl-1", nil)
}

func TestMockClassification(t *testing.T) {
	mock := NewMock()
	mock.RejectContact("bad-recipient")
	mock.ThrottleContact("busy-recipient")

	if _, err := send(t, mock, "ok-recipient"); err != nil {
		t.Fatalf("clean send failed: %v", err)
	}

	_, err := send(t, mock, "bad-recipient")
	if err == nil || !queue.IsPermanent(err) {
		t.Errorf("rejected contact error = %v, want permanent classification", err)
	}

	_, err = send(t, mock, "busy-recipient")
	if err == nil || queue.IsPermanent(err) {
		t.Errorf("throttled contact error = %v, want retryable classification", err)
	}

	sent := mock.Sent()
	if len(sent) != 1 || sent[0].ContactID != "ok-recipient" {
		t.Errorf("sent log = %+v, want only the clean delivery", sent)
	}
}

func TestClientPassesThroughSuccess(t *testing.T) {
	client := NewClient(NewMock(), Config{MessagesPerSecond: 1000, Burst: 100})

	result, err := send(t, client, "contact-1")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if result == nil || result.MessageID == "" {
		t.Error("Send returned no provider message ID")
	}
}

func TestClientPreservesInnerClassification(t *testing.T) {
	mock := NewMock()
	mock.RejectContact("bad-recipient")
	client := NewClient(mock, Config{})

	_, err := send(t, client, "bad-recipient")
	if err == nil || !queue.IsPermanent(err) {
		t.Errorf("error through guards = %v, want permanent classification preserved", err)
	}
}

func TestClientOpenBreakerIsRetryable(t *testing.T) {
	boom := queue.Retryable("provider_down", errors.New("connection refused"))
	inner := queue.SenderFunc(func(ctx context.Context, accountID, contactID, templateID string, params map[string]string) (*queue.SendResult, error) {
		return nil, boom
	})
	client := NewClient(inner, Config{})

	// Trip the breaker: at least five calls, all failing
	for i := 0; i < 10; i++ {
		send(t, client, "contact-1")
	}
	if client.BreakerState() != "open" {
		t.Fatalf("breaker state = %s, want open after sustained failures", client.BreakerState())
	}

	_, err := send(t, client, "contact-1")
	if err == nil {
		t.Fatal("open breaker allowed the call")
	}
	if queue.IsPermanent(err) {
		t.Error("open breaker classified permanent; shed load must stay retryable")
	}

	var se *queue.SendError
	if !errors.As(err, &se) || se.Code != "breaker_open" {
		t.Errorf("error = %v, want breaker_open code", err)
	}
}

func TestClientCancelledWaitIsRetryable(t *testing.T) {
	// Burst 1 at a tiny rate: the second call must wait, and a cancelled
	// context turns that wait into a retryable error
	client := NewClient(NewMock(), Config{MessagesPerSecond: 0.001, Burst: 1})

	if _, err := send(t, client, "contact-1"); err != nil {
		t.Fatalf("first send failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Send(ctx, "acct-1", "contact-2", "tmpl-1", nil)
	if err == nil {
		t.Fatal("cancelled wait did not fail")
	}
	if queue.IsPermanent(err) {
		t.Error("cancelled throughput wait classified permanent")
	}
}
