package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store in process memory. It is the default store
// for tests and single-process development mode. All claim and transition
// operations happen under one mutex, which gives the same exclusivity
// guarantees the SQL store gets from conditional updates.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
	}
}

// Enqueue inserts a pending job and returns its ID.
func (s *MemoryStore) Enqueue(ctx context.Context, job *Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(job)
}

// EnqueueBatch inserts all jobs under a single lock acquisition.
func (s *MemoryStore) EnqueueBatch(ctx context.Context, jobs []*Job) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, job := range jobs {
		if _, err := s.insertLocked(job); err != nil {
			return inserted, err
		}
		inserted++
	}
	return inserted, nil
}

func (s *MemoryStore) insertLocked(job *Job) (string, error) {
	stored := job.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if _, exists := s.jobs[stored.ID]; exists {
		return "", fmt.Errorf("job %s already exists", stored.ID)
	}

	now := time.Now()
	stored.Status = StatusPending
	if stored.Priority == 0 {
		stored.Priority = PriorityNormal
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	s.jobs[stored.ID] = stored
	return stored.ID, nil
}

// Get retrieves a job by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job.Clone(), nil
}

// ClaimBatch atomically claims up to limit eligible jobs.
func (s *MemoryStore) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []*Job
	for _, job := range s.jobs {
		if job.Eligible(now) {
			eligible = append(eligible, job)
		}
	}

	// Priority descending, then oldest first within the same priority
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	claimed := make([]*Job, 0, len(eligible))
	for _, job := range eligible {
		job.Status = StatusProcessing
		job.UpdatedAt = now
		claimed = append(claimed, job.Clone())
	}
	return claimed, nil
}

// MarkResult transitions a processing job per the outcome.
func (s *MemoryStore) MarkResult(ctx context.Context, id string, out Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	job.Status = out.Status
	job.LastError = out.LastError
	job.AttemptCount = out.AttemptCount
	job.NextAttemptAt = out.NextAttemptAt
	job.UpdatedAt = time.Now()
	if out.Attempt != nil {
		job.Attempts = append(job.Attempts, *out.Attempt)
	}
	return nil
}

// CountByStatus returns job counts keyed by status.
func (s *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[Status]int)
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

// CampaignCounts returns aggregate progress for one campaign.
func (s *MemoryStore) CampaignCounts(ctx context.Context, campaignID string) (CampaignCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := CampaignCounts{CampaignID: campaignID}
	for _, job := range s.jobs {
		if job.CampaignID != campaignID {
			continue
		}
		counts.Total++
		switch job.Status {
		case StatusSent:
			counts.Sent++
		case StatusFailed:
			counts.Failed++
		}
	}
	counts.Percentage = percentage(counts.Sent+counts.Failed, counts.Total)
	return counts, nil
}

// DeleteOlderThan deletes jobs in the given statuses updated before cutoff.
func (s *MemoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, statuses []Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, job := range s.jobs {
		if !statusIn(job.Status, statuses) {
			continue
		}
		if job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

// BulkTransition moves all matching jobs to newStatus.
func (s *MemoryStore) BulkTransition(ctx context.Context, filter Filter, newStatus Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	affected := 0
	for _, job := range s.jobs {
		if filter.CampaignID != "" && job.CampaignID != filter.CampaignID {
			continue
		}
		if len(filter.Statuses) > 0 && !statusIn(job.Status, filter.Statuses) {
			continue
		}

		job.Status = newStatus
		job.UpdatedAt = now
		if newStatus == StatusPending {
			job.AttemptCount = 0
			job.NextAttemptAt = time.Time{}
			job.LastError = ""
		}
		affected++
	}
	return affected, nil
}

// RequeueStale returns stuck processing jobs to pending.
func (s *MemoryStore) RequeueStale(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	requeued := 0
	for _, job := range s.jobs {
		if job.Status != StatusProcessing || !job.UpdatedAt.Before(cutoff) {
			continue
		}
		job.Status = StatusPending
		job.NextAttemptAt = time.Time{}
		job.UpdatedAt = now
		requeued++
	}
	return requeued, nil
}

// Close releases store resources. A memory store has none.
func (s *MemoryStore) Close() error {
	return nil
}

func statusIn(status Status, statuses []Status) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
