package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sendforge/sendforge/internal/events"
)

// captureBroadcaster records every emitted event for assertions.
type captureBroadcaster struct {
	mu     sync.Mutex
	events []capturedEvent
}

type capturedEvent struct {
	Scope   string
	Name    string
	Payload interface{}
}

func (b *captureBroadcaster) Emit(ctx context.Context, scope, name string, payload interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, capturedEvent{Scope: scope, Name: name, Payload: payload})
	return nil
}

func (b *captureBroadcaster) Close() error { return nil }

func (b *captureBroadcaster) byName(name string) []capturedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []capturedEvent
	for _, e := range b.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func finishJob(t *testing.T, store Store, id string, status Status) *Job {
	t.Helper()
	ctx := context.Background()
	if err := store.MarkResult(ctx, id, Outcome{Status: status, AttemptCount: 1}); err != nil {
		t.Fatalf("MarkResult failed: %v", err)
	}
	job, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return job
}

func TestProgressEmitsContactAndCampaignScopes(t *testing.T) {
	store := NewMemoryStore()
	broadcaster := &captureBroadcaster{}
	reporter := NewProgressReporter(store, broadcaster)
	ctx := context.Background()

	id, _ := store.Enqueue(ctx, testJob("camp-1", "contact-1"))
	store.ClaimBatch(ctx, 1, time.Now())
	job := finishJob(t, store, id, StatusSent)

	reporter.RecordSent(ctx, job)

	contactEvents := broadcaster.byName(events.EventContactStatus)
	if len(contactEvents) != 2 {
		t.Fatalf("contact status events = %d, want campaign and account scopes", len(contactEvents))
	}
	scopes := map[string]bool{}
	for _, e := range contactEvents {
		scopes[e.Scope] = true
	}
	if !scopes["campaign:camp-1"] || !scopes["account:acct-1"] {
		t.Errorf("event scopes = %v, want campaign:camp-1 and account:acct-1", scopes)
	}

	progress := broadcaster.byName(events.EventProgress)
	if len(progress) != 1 {
		t.Fatalf("progress events = %d, want 1", len(progress))
	}
	counts, ok := progress[0].Payload.(CampaignCounts)
	if !ok {
		t.Fatalf("progress payload type = %T", progress[0].Payload)
	}
	if counts.Sent != 1 || counts.Total != 1 || counts.Percentage != 100 {
		t.Errorf("progress counts = %+v, want 1/1 at 100%%", counts)
	}
}

func TestProgressTransactionalSendSkipsCampaignAggregate(t *testing.T) {
	store := NewMemoryStore()
	broadcaster := &captureBroadcaster{}
	reporter := NewProgressReporter(store, broadcaster)
	ctx := context.Background()

	id, _ := store.Enqueue(ctx, testJob("", "contact-1"))
	store.ClaimBatch(ctx, 1, time.Now())
	job := finishJob(t, store, id, StatusSent)

	reporter.RecordSent(ctx, job)

	contactEvents := broadcaster.byName(events.EventContactStatus)
	if len(contactEvents) != 1 || contactEvents[0].Scope != "account:acct-1" {
		t.Errorf("transactional send events = %+v, want account scope only", contactEvents)
	}
	if progress := broadcaster.byName(events.EventProgress); len(progress) != 0 {
		t.Errorf("transactional send produced campaign progress events")
	}
}

func TestProgressCompletionFiresExactlyOnce(t *testing.T) {
	store := NewMemoryStore()
	broadcaster := &captureBroadcaster{}
	reporter := NewProgressReporter(store, broadcaster)
	ctx := context.Background()

	sentID, _ := store.Enqueue(ctx, testJob("camp-1", "a"))
	failedID, _ := store.Enqueue(ctx, testJob("camp-1", "b"))
	store.ClaimBatch(ctx, 10, time.Now())

	job := finishJob(t, store, sentID, StatusSent)
	reporter.RecordSent(ctx, job)
	if complete := broadcaster.byName(events.EventComplete); len(complete) != 0 {
		t.Fatal("completion fired before all jobs finished")
	}

	job = finishJob(t, store, failedID, StatusFailed)
	reporter.RecordFailed(ctx, job, "provider rejected")
	if complete := broadcaster.byName(events.EventComplete); len(complete) != 1 {
		t.Fatalf("completion events = %d, want exactly 1", len(complete))
	}

	// A late duplicate outcome must not re-fire completion
	reporter.RecordFailed(ctx, job, "provider rejected")
	if complete := broadcaster.byName(events.EventComplete); len(complete) != 1 {
		t.Errorf("completion re-fired on duplicate outcome, want exactly once")
	}
}

func TestProgressRetryReopensCompletion(t *testing.T) {
	store := NewMemoryStore()
	broadcaster := &captureBroadcaster{}
	reporter := NewProgressReporter(store, broadcaster)
	ctx := context.Background()

	id, _ := store.Enqueue(ctx, testJob("camp-1", "a"))
	store.ClaimBatch(ctx, 1, time.Now())
	job := finishJob(t, store, id, StatusFailed)
	reporter.RecordFailed(ctx, job, "boom")
	if complete := broadcaster.byName(events.EventComplete); len(complete) != 1 {
		t.Fatalf("completion events = %d, want 1", len(complete))
	}

	// Requeue the failure and finish the campaign again
	store.BulkTransition(ctx, Filter{CampaignID: "camp-1", Statuses: []Status{StatusFailed}}, StatusPending)
	reporter.ReportStatusChange(ctx, "camp-1", "retrying", 1)

	store.ClaimBatch(ctx, 1, time.Now())
	job = finishJob(t, store, id, StatusSent)
	reporter.RecordSent(ctx, job)

	if complete := broadcaster.byName(events.EventComplete); len(complete) != 2 {
		t.Errorf("completion events after retry = %d, want 2", len(complete))
	}
}

func TestProgressEvictsFinishedCampaignState(t *testing.T) {
	store := NewMemoryStore()
	broadcaster := &captureBroadcaster{}
	reporter := NewProgressReporter(store, broadcaster)
	ctx := context.Background()

	id, _ := store.Enqueue(ctx, testJob("camp-1", "a"))
	store.ClaimBatch(ctx, 1, time.Now())
	job := finishJob(t, store, id, StatusSent)
	reporter.RecordSent(ctx, job)

	reporter.mu.Lock()
	_, throttled := reporter.lastLoggedPct["camp-1"]
	// Plant an entry old enough to fall past the retention horizon
	reporter.completed["long-done"] = time.Now().Add(-2 * completedTTL)
	reporter.mu.Unlock()

	if throttled {
		t.Error("log-throttle entry kept after campaign completion")
	}

	// The next completion prunes expired entries
	otherID, _ := store.Enqueue(ctx, testJob("camp-2", "b"))
	store.ClaimBatch(ctx, 1, time.Now())
	job = finishJob(t, store, otherID, StatusSent)
	reporter.RecordSent(ctx, job)

	reporter.mu.Lock()
	_, stale := reporter.completed["long-done"]
	_, fresh := reporter.completed["camp-2"]
	reporter.mu.Unlock()

	if stale {
		t.Error("expired completion entry survived pruning")
	}
	if !fresh {
		t.Error("recent completion entry missing; duplicate suppression needs it")
	}
}

func TestProgressStatusChangeEvent(t *testing.T) {
	store := NewMemoryStore()
	broadcaster := &captureBroadcaster{}
	reporter := NewProgressReporter(store, broadcaster)

	reporter.ReportStatusChange(context.Background(), "camp-1", "cancelled", 7)

	updates := broadcaster.byName(events.EventStatusUpdate)
	if len(updates) != 1 {
		t.Fatalf("status update events = %d, want 1", len(updates))
	}
	payload, ok := updates[0].Payload.(StatusUpdate)
	if !ok {
		t.Fatalf("payload type = %T", updates[0].Payload)
	}
	if payload.Status != "cancelled" || payload.Affected != 7 {
		t.Errorf("payload = %+v, want cancelled/7", payload)
	}

	// No campaign, no event
	reporter.ReportStatusChange(context.Background(), "", "cancelled", 1)
	if updates := broadcaster.byName(events.EventStatusUpdate); len(updates) != 1 {
		t.Error("status change without campaign emitted an event")
	}
}

func TestPercentageRounding(t *testing.T) {
	tests := []struct {
		done, total, want int
	}{
		{0, 0, 0},
		{0, 10, 0},
		{1, 3, 33},
		{2, 3, 67},
		{10, 10, 100},
	}
	for _, tt := range tests {
		if got := percentage(tt.done, tt.total); got != tt.want {
			t.Errorf("percentage(%d, %d) = %d, want %d", tt.done, tt.total, got, tt.want)
		}
	}
}
