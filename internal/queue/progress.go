package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sendforge/sendforge/internal/events"
)

// completedTTL is how long a finished campaign is remembered for
// duplicate-completion suppression before its entry is pruned.
const completedTTL = time.Hour

// ContactStatus is the per-contact event payload.
type ContactStatus struct {
	JobID      string `json:"job_id"`
	CampaignID string `json:"campaign_id,omitempty"`
	ContactID  string `json:"contact_id"`
	AccountID  string `json:"account_id"`
	Status     Status `json:"status"`
	Error      string `json:"error,omitempty"`
}

// StatusUpdate is the coarse campaign state-change payload.
type StatusUpdate struct {
	CampaignID string `json:"campaign_id"`
	Status     string `json:"status"`
	Affected   int    `json:"affected,omitempty"`
}

// ProgressReporter aggregates per-campaign delivery counts and emits
// events to subscribers. Event delivery is never throttled; only the
// diagnostic progress logging is, at 10% increments, so a million-message
// blast does not flood the logs.
type ProgressReporter struct {
	store       Store
	broadcaster events.Broadcaster
	logger      *slog.Logger

	// Both maps are bounded: a campaign's log-throttle entry is dropped
	// when it completes, and completed entries are pruned after
	// completedTTL, so long-lived supervisors do not accumulate state for
	// every campaign they ever dispatched.
	mu            sync.Mutex
	lastLoggedPct map[string]int
	completed     map[string]time.Time
}

// NewProgressReporter creates a reporter. A nil broadcaster disables
// real-time fan-out without changing any other behavior.
func NewProgressReporter(store Store, broadcaster events.Broadcaster) *ProgressReporter {
	if broadcaster == nil {
		broadcaster = events.Nop{}
	}
	return &ProgressReporter{
		store:         store,
		broadcaster:   broadcaster,
		logger:        slog.Default().With("component", "progress"),
		lastLoggedPct: make(map[string]int),
		completed:     make(map[string]time.Time),
	}
}

// RecordSent reports a successful delivery.
func (pr *ProgressReporter) RecordSent(ctx context.Context, job *Job) {
	pr.emitContact(ctx, job, StatusSent, "")
	pr.updateCampaign(ctx, job.CampaignID)
}

// RecordFailed reports a terminal delivery failure. It is not called for
// requeued retryable failures; only terminal outcomes reach subscribers.
func (pr *ProgressReporter) RecordFailed(ctx context.Context, job *Job, lastError string) {
	pr.emitContact(ctx, job, StatusFailed, lastError)
	pr.updateCampaign(ctx, job.CampaignID)
}

// ReportStatusChange emits a coarse campaign status-update event, used by
// control operations like cancel and retry-failed.
func (pr *ProgressReporter) ReportStatusChange(ctx context.Context, campaignID, status string, affected int) {
	if campaignID == "" {
		return
	}
	pr.emit(ctx, "campaign:"+campaignID, events.EventStatusUpdate, StatusUpdate{
		CampaignID: campaignID,
		Status:     status,
		Affected:   affected,
	})

	// A retry reopens the campaign, so completion may fire again
	if status == "retrying" {
		pr.mu.Lock()
		delete(pr.completed, campaignID)
		delete(pr.lastLoggedPct, campaignID)
		pr.mu.Unlock()
	}
}

func (pr *ProgressReporter) emitContact(ctx context.Context, job *Job, status Status, errMsg string) {
	payload := ContactStatus{
		JobID:      job.ID,
		CampaignID: job.CampaignID,
		ContactID:  job.ContactID,
		AccountID:  job.AccountID,
		Status:     status,
		Error:      errMsg,
	}
	if job.CampaignID != "" {
		pr.emit(ctx, "campaign:"+job.CampaignID, events.EventContactStatus, payload)
	}
	pr.emit(ctx, "account:"+job.AccountID, events.EventContactStatus, payload)
}

// updateCampaign recomputes aggregate counts, emits a progress event, and
// fires the completion event exactly once when all work is done.
func (pr *ProgressReporter) updateCampaign(ctx context.Context, campaignID string) {
	if campaignID == "" {
		return // transactional sends have no campaign aggregate
	}

	counts, err := pr.store.CampaignCounts(ctx, campaignID)
	if err != nil {
		pr.logger.Warn("failed to compute campaign progress",
			"campaign_id", campaignID, "error", err)
		return
	}

	scope := "campaign:" + campaignID
	pr.emit(ctx, scope, events.EventProgress, counts)
	pr.logThrottled(campaignID, counts)

	if counts.Done() {
		now := time.Now()
		pr.mu.Lock()
		_, already := pr.completed[campaignID]
		pr.completed[campaignID] = now
		delete(pr.lastLoggedPct, campaignID)
		pr.pruneCompletedLocked(now)
		pr.mu.Unlock()

		if !already {
			pr.logger.Info("campaign complete",
				"campaign_id", campaignID,
				"sent", counts.Sent,
				"failed", counts.Failed,
				"total", counts.Total)
			pr.emit(ctx, scope, events.EventComplete, counts)
		}
	}
}

// pruneCompletedLocked drops completion entries past the retention
// horizon. Caller holds pr.mu.
func (pr *ProgressReporter) pruneCompletedLocked(now time.Time) {
	for campaignID, at := range pr.completed {
		if now.Sub(at) > completedTTL {
			delete(pr.completed, campaignID)
		}
	}
}

// logThrottled logs detailed progress only at 10% increments.
func (pr *ProgressReporter) logThrottled(campaignID string, counts CampaignCounts) {
	bucket := counts.Percentage / 10 * 10

	pr.mu.Lock()
	last, seen := pr.lastLoggedPct[campaignID]
	if seen && bucket <= last {
		pr.mu.Unlock()
		return
	}
	pr.lastLoggedPct[campaignID] = bucket
	pr.mu.Unlock()

	pr.logger.Info("campaign progress",
		"campaign_id", campaignID,
		"percentage", counts.Percentage,
		"sent", counts.Sent,
		"failed", counts.Failed,
		"total", counts.Total)
}

func (pr *ProgressReporter) emit(ctx context.Context, scope, name string, payload interface{}) {
	if err := pr.broadcaster.Emit(ctx, scope, name, payload); err != nil {
		// Broadcast is best-effort; a down broadcaster must not stall sends
		pr.logger.Debug("event emit failed",
			"scope", scope, "event", name, "error", err)
	}
}
