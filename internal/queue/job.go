package queue

import (
	"errors"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a queued job
type Status string

const (
	// StatusPending means the job is waiting to be claimed by a worker
	StatusPending Status = "pending"
	// StatusProcessing means the job has been claimed by exactly one worker
	StatusProcessing Status = "processing"
	// StatusSent means the provider confirmed delivery
	StatusSent Status = "sent"
	// StatusFailed means the job failed terminally
	StatusFailed Status = "failed"
	// StatusCancelled means the job was cancelled before it was claimed
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions occur from this status.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// Priority represents job priority
type Priority int

const (
	// PriorityLow is for low priority jobs
	PriorityLow Priority = 1
	// PriorityNormal is for normal priority jobs
	PriorityNormal Priority = 2
	// PriorityHigh is for high priority jobs
	PriorityHigh Priority = 3
	// PriorityCritical is for critical jobs
	PriorityCritical Priority = 4
)

// Attempt represents a single send attempt
type Attempt struct {
	Time   time.Time `json:"time"`
	Result string    `json:"result"`
	Error  string    `json:"error,omitempty"`
}

// Job represents one unit of outbound message work in the queue
type Job struct {
	ID             string            `json:"id"`
	CampaignID     string            `json:"campaign_id,omitempty"`
	ContactID      string            `json:"contact_id"`
	AccountID      string            `json:"account_id"`
	TemplateID     string            `json:"template_id"`
	TemplateParams map[string]string `json:"template_params,omitempty"`
	Priority       Priority          `json:"priority"`
	Status         Status            `json:"status"`
	AttemptCount   int               `json:"attempt_count"`
	LastError      string            `json:"last_error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	NextAttemptAt  time.Time         `json:"next_attempt_at,omitempty"`
	Attempts       []Attempt         `json:"attempts,omitempty"`
}

// ErrValidation is returned when a job is rejected at enqueue time.
var ErrValidation = errors.New("job validation failed")

// ErrNotFound is returned when a job does not exist in the store.
var ErrNotFound = errors.New("job not found")

// Validate checks the fields required before a job may enter the queue.
// Malformed jobs are rejected here rather than failing at send time.
func (j *Job) Validate() error {
	if j.ContactID == "" {
		return fmt.Errorf("%w: contact_id is required", ErrValidation)
	}
	if j.AccountID == "" {
		return fmt.Errorf("%w: account_id is required", ErrValidation)
	}
	if j.TemplateID == "" {
		return fmt.Errorf("%w: template_id is required", ErrValidation)
	}
	for k := range j.TemplateParams {
		if k == "" {
			return fmt.Errorf("%w: template params must not contain empty keys", ErrValidation)
		}
	}
	return nil
}

// Eligible reports whether the job may be claimed at the given instant.
func (j *Job) Eligible(now time.Time) bool {
	if j.Status != StatusPending {
		return false
	}
	return j.NextAttemptAt.IsZero() || !j.NextAttemptAt.After(now)
}

// Clone returns a deep copy of the job. Stores hand out clones so callers
// never share memory with the stored record.
func (j *Job) Clone() *Job {
	c := *j
	if j.TemplateParams != nil {
		c.TemplateParams = make(map[string]string, len(j.TemplateParams))
		for k, v := range j.TemplateParams {
			c.TemplateParams[k] = v
		}
	}
	if j.Attempts != nil {
		c.Attempts = make([]Attempt, len(j.Attempts))
		copy(c.Attempts, j.Attempts)
	}
	return &c
}
