package queue

import (
	"context"
	"time"
)

// Outcome describes the result of processing a claimed job. MarkResult
// applies it as a single transition out of the processing state.
type Outcome struct {
	Status        Status
	LastError     string
	AttemptCount  int
	NextAttemptAt time.Time
	Attempt       *Attempt
}

// Filter selects jobs for bulk operations.
type Filter struct {
	CampaignID string
	Statuses   []Status
}

// CampaignCounts holds aggregate delivery counts for one campaign.
type CampaignCounts struct {
	CampaignID string `json:"campaign_id"`
	Total      int    `json:"total"`
	Sent       int    `json:"sent"`
	Failed     int    `json:"failed"`
	Percentage int    `json:"percentage"`
}

// Done reports whether all work for the campaign has reached a sent or
// failed state.
func (c CampaignCounts) Done() bool {
	return c.Total > 0 && c.Sent+c.Failed >= c.Total
}

// percentage computes round(100 * done / total).
func percentage(done, total int) int {
	if total <= 0 {
		return 0
	}
	return int((float64(done)/float64(total))*100 + 0.5)
}

// Store is the durable queue storage contract. The claim semantics are the
// core correctness property of the subsystem: ClaimBatch must transition
// each returned job from pending to processing atomically, so that two
// workers can never claim the same job.
type Store interface {
	// Enqueue inserts a pending job and returns its ID.
	Enqueue(ctx context.Context, job *Job) (string, error)

	// EnqueueBatch inserts all jobs in one durable operation and returns
	// the number inserted.
	EnqueueBatch(ctx context.Context, jobs []*Job) (int, error)

	// Get retrieves a job by ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// ClaimBatch atomically claims up to limit eligible jobs: pending with
	// next_attempt_at unset or due, ordered by priority descending then
	// created_at ascending. Claimed jobs are returned in processing state.
	ClaimBatch(ctx context.Context, limit int, now time.Time) ([]*Job, error)

	// MarkResult transitions a processing job per the outcome. The
	// transition is persisted before the call returns.
	MarkResult(ctx context.Context, id string, out Outcome) error

	// CountByStatus returns job counts keyed by status.
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// CampaignCounts returns aggregate progress for one campaign.
	CampaignCounts(ctx context.Context, campaignID string) (CampaignCounts, error)

	// DeleteOlderThan deletes jobs in the given statuses whose updated_at
	// is before cutoff, returning the count removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time, statuses []Status) (int, error)

	// BulkTransition moves all jobs matching the filter to newStatus and
	// returns the count affected. Transitions into pending reset
	// attempt_count to zero and clear next_attempt_at and last_error.
	BulkTransition(ctx context.Context, filter Filter, newStatus Status) (int, error)

	// RequeueStale returns processing jobs whose claim is older than the
	// cutoff back to pending. Supports the at-least-once reconciliation
	// sweep after a crash between send confirmation and MarkResult.
	RequeueStale(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases store resources.
	Close() error
}
