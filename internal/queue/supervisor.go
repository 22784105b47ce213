package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sendforge/sendforge/internal/events"
)

var processStart = time.Now()

// Config holds the dispatch engine configuration.
type Config struct {
	// BatchSize is the number of jobs claimed per poll.
	BatchSize int
	// PollInterval is how long an idle worker sleeps between polls.
	PollInterval time.Duration
	// MaxRetries caps retryable failures per job before terminal failure.
	MaxRetries int
	// Backoff is the tiered retry delay policy.
	Backoff BackoffPolicy
	// ConcurrentWorkers is the worker pool size.
	ConcurrentWorkers int
	// SendTimeout bounds a single provider call.
	SendTimeout time.Duration
	// StoreErrorBackoff is how long the whole poll loop backs off when the
	// store is unavailable.
	StoreErrorBackoff time.Duration
	// StallThreshold is how long workers may go without polling before the
	// supervisor reports unhealthy while jobs are pending.
	StallThreshold time.Duration
}

// DefaultConfig returns sensible defaults for the dispatch engine.
func DefaultConfig() Config {
	return Config{
		BatchSize:         10,
		PollInterval:      5 * time.Second,
		MaxRetries:        3,
		Backoff:           DefaultBackoffPolicy(),
		ConcurrentWorkers: 5,
		SendTimeout:       30 * time.Second,
		StoreErrorBackoff: 10 * time.Second,
		StallThreshold:    2 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if len(c.Backoff.Tiers) == 0 {
		c.Backoff = def.Backoff
	}
	if c.ConcurrentWorkers <= 0 {
		c.ConcurrentWorkers = def.ConcurrentWorkers
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	if c.StoreErrorBackoff <= 0 {
		c.StoreErrorBackoff = def.StoreErrorBackoff
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = def.StallThreshold
	}
}

// MetricsRecorder receives queue metrics. Implementations must be safe for
// concurrent use; a nil recorder disables metrics.
type MetricsRecorder interface {
	RecordEnqueued(n int)
	RecordOutcome(outcome string)
	ObserveSendDuration(d time.Duration)
	SetQueueDepth(status Status, n int)
	SetActiveWorkers(n int)
}

// Stats is a snapshot of queue state.
type Stats struct {
	Pending       int  `json:"pending"`
	Processing    int  `json:"processing"`
	Sent          int  `json:"sent"`
	Failed        int  `json:"failed"`
	Cancelled     int  `json:"cancelled"`
	Total         int  `json:"total"`
	IsRunning     bool `json:"is_running"`
	ActiveWorkers int  `json:"active_workers"`
}

// HealthStatus is a composite health snapshot.
type HealthStatus struct {
	Status        string    `json:"status"`
	Healthy       bool      `json:"healthy"`
	ActiveWorkers int       `json:"active_workers"`
	Stats         Stats     `json:"stats"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	LastPollAt    time.Time `json:"last_poll_at,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Supervisor owns the dispatch engine lifecycle and exposes its control
// operations. All operations are safe to call concurrently with the
// running worker pool. Construct one per queue; nothing here is global, so
// tests can run independent instances side by side.
type Supervisor struct {
	config   Config
	store    Store
	sender   Sender
	limiter  *RateLimiter
	progress *ProgressReporter
	logger   *slog.Logger
	metrics  MetricsRecorder

	lifecycle sync.Mutex
	running   atomic.Bool
	cancel    context.CancelFunc
	group     *errgroup.Group

	activeWorkers atomic.Int32
	lastPoll      atomic.Int64 // unix nanos of the most recent worker poll
}

// NewSupervisor creates a dispatch supervisor. The broadcaster is an
// optional collaborator: pass nil to run without real-time events.
func NewSupervisor(config Config, store Store, sender Sender, limiter *RateLimiter, broadcaster events.Broadcaster) *Supervisor {
	config.applyDefaults()
	return &Supervisor{
		config:   config,
		store:    store,
		sender:   sender,
		limiter:  limiter,
		progress: NewProgressReporter(store, broadcaster),
		logger:   slog.Default().With("component", "queue-supervisor"),
	}
}

// SetMetricsRecorder attaches a metrics recorder. Call before Start.
func (s *Supervisor) SetMetricsRecorder(recorder MetricsRecorder) {
	s.metrics = recorder
}

// Progress exposes the reporter for collaborators that record outcomes
// outside the worker loop.
func (s *Supervisor) Progress() *ProgressReporter {
	return s.progress
}

// Start spawns the worker pool. It is idempotent: calling Start on a
// running supervisor is a no-op and never double-spawns workers.
func (s *Supervisor) Start() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.running.Load() {
		s.logger.Debug("start ignored, already running")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	s.cancel = cancel
	s.group = group
	s.lastPoll.Store(time.Now().UnixNano())

	for i := 0; i < s.config.ConcurrentWorkers; i++ {
		w := &worker{
			id:     i,
			sup:    s,
			logger: s.logger.With("worker_id", i),
		}
		group.Go(func() error {
			return w.run(gctx)
		})
	}

	s.running.Store(true)
	s.logger.Info("queue supervisor started",
		"workers", s.config.ConcurrentWorkers,
		"batch_size", s.config.BatchSize,
		"poll_interval", s.config.PollInterval)
	return nil
}

// Stop signals all workers to stop and waits for them to drain. A worker
// finishes its claimed batch before exiting; no in-flight job is dropped
// or interrupted mid-send.
func (s *Supervisor) Stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if !s.running.Load() {
		return nil
	}

	s.logger.Info("stopping queue supervisor")
	s.cancel()
	err := s.group.Wait()
	s.running.Store(false)
	s.logger.Info("queue supervisor stopped")
	return err
}

// IsRunning reports whether the worker pool is active.
func (s *Supervisor) IsRunning() bool {
	return s.running.Load()
}

// AddToQueue validates and enqueues one job, returning its ID.
func (s *Supervisor) AddToQueue(ctx context.Context, job *Job) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}

	id, err := s.store.Enqueue(ctx, job)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordEnqueued(1)
	}
	s.logger.Debug("job enqueued",
		"job_id", id,
		"campaign_id", job.CampaignID,
		"account_id", job.AccountID)
	return id, nil
}

// AddBatchToQueue validates each job and inserts all valid ones in a
// single durable operation. Invalid entries are skipped, not coerced;
// the returned count is the number inserted.
func (s *Supervisor) AddBatchToQueue(ctx context.Context, jobs []*Job) (int, error) {
	valid := make([]*Job, 0, len(jobs))
	for _, job := range jobs {
		if err := job.Validate(); err != nil {
			s.logger.Warn("skipping invalid job in batch",
				"contact_id", job.ContactID,
				"campaign_id", job.CampaignID,
				"error", err)
			continue
		}
		valid = append(valid, job)
	}
	if len(valid) == 0 {
		return 0, nil
	}

	inserted, err := s.store.EnqueueBatch(ctx, valid)
	if err != nil {
		return inserted, fmt.Errorf("failed to enqueue batch: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordEnqueued(inserted)
	}
	s.logger.Info("batch enqueued", "inserted", inserted, "skipped", len(jobs)-len(valid))
	return inserted, nil
}

// GetQueueStats returns current counts by status from the durable store.
func (s *Supervisor) GetQueueStats(ctx context.Context) (Stats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count queue: %w", err)
	}

	stats := Stats{
		Pending:       counts[StatusPending],
		Processing:    counts[StatusProcessing],
		Sent:          counts[StatusSent],
		Failed:        counts[StatusFailed],
		Cancelled:     counts[StatusCancelled],
		IsRunning:     s.running.Load(),
		ActiveWorkers: int(s.activeWorkers.Load()),
	}
	stats.Total = stats.Pending + stats.Processing + stats.Sent + stats.Failed + stats.Cancelled

	if s.metrics != nil {
		for status, count := range counts {
			s.metrics.SetQueueDepth(status, count)
		}
	}
	return stats, nil
}

// CleanupOldMessages deletes terminal jobs older than daysOld days and
// returns the count removed. Pending and processing jobs are never
// deleted regardless of age.
func (s *Supervisor) CleanupOldMessages(ctx context.Context, daysOld int) (int, error) {
	if daysOld <= 0 {
		return 0, fmt.Errorf("daysOld must be positive")
	}

	cutoff := time.Now().AddDate(0, 0, -daysOld)
	deleted, err := s.store.DeleteOlderThan(ctx, cutoff,
		[]Status{StatusSent, StatusFailed, StatusCancelled})
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}

	if deleted > 0 {
		s.logger.Info("cleanup completed", "deleted", deleted, "days_old", daysOld)
	}
	return deleted, nil
}

// CancelPendingMessages cancels all pending jobs for a campaign. Jobs
// already claimed keep processing; in-flight sends always complete.
func (s *Supervisor) CancelPendingMessages(ctx context.Context, campaignID string) (int, error) {
	affected, err := s.store.BulkTransition(ctx, Filter{
		CampaignID: campaignID,
		Statuses:   []Status{StatusPending},
	}, StatusCancelled)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending messages: %w", err)
	}

	s.logger.Info("pending messages cancelled",
		"campaign_id", campaignID, "affected", affected)
	s.progress.ReportStatusChange(ctx, campaignID, "cancelled", affected)
	return affected, nil
}

// RetryFailedMessages resets failed jobs back to pending with their
// attempt count and backoff cleared. An empty campaignID retries failed
// jobs across all campaigns.
func (s *Supervisor) RetryFailedMessages(ctx context.Context, campaignID string) (int, error) {
	affected, err := s.store.BulkTransition(ctx, Filter{
		CampaignID: campaignID,
		Statuses:   []Status{StatusFailed},
	}, StatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed messages: %w", err)
	}

	s.logger.Info("failed messages requeued",
		"campaign_id", campaignID, "affected", affected)
	s.progress.ReportStatusChange(ctx, campaignID, "retrying", affected)
	return affected, nil
}

// ClearFailedMessages deletes all terminal failed jobs and returns the
// count removed. The cutoff is nudged past the current second so backends
// with second-resolution timestamps still catch jobs that failed within
// the same second.
func (s *Supervisor) ClearFailedMessages(ctx context.Context) (int, error) {
	deleted, err := s.store.DeleteOlderThan(ctx, time.Now().Add(time.Second), []Status{StatusFailed})
	if err != nil {
		return 0, fmt.Errorf("failed to clear failed messages: %w", err)
	}

	s.logger.Info("failed messages cleared", "deleted", deleted)
	return deleted, nil
}

// RequeueStale returns processing jobs stuck past the staleness threshold
// to pending. Meant for a periodic reconciliation sweep: a crash between
// provider confirmation and the sent transition leaves a job processing
// forever, and requeueing it trades a possible duplicate send for never
// losing a message (at-least-once delivery).
func (s *Supervisor) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	requeued, err := s.store.RequeueStale(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}

	if requeued > 0 {
		s.logger.Warn("stale processing jobs requeued",
			"requeued", requeued, "older_than", olderThan)
	}
	return requeued, nil
}

// GetHealthStatus returns a composite health snapshot. The supervisor is
// unhealthy when it is stopped while work is pending, or when workers have
// not polled within the stall threshold while work is pending.
func (s *Supervisor) GetHealthStatus(ctx context.Context) HealthStatus {
	now := time.Now()
	health := HealthStatus{
		ActiveWorkers: int(s.activeWorkers.Load()),
		UptimeSeconds: now.Sub(processStart).Seconds(),
		Timestamp:     now,
	}
	if nanos := s.lastPoll.Load(); nanos > 0 {
		health.LastPollAt = time.Unix(0, nanos)
	}

	stats, err := s.GetQueueStats(ctx)
	if err != nil {
		health.Status = "degraded"
		health.Healthy = false
		s.logger.Error("health check could not reach store", "error", err)
		return health
	}
	health.Stats = stats

	running := s.running.Load()
	switch {
	case !running && stats.Pending > 0:
		health.Status = "stopped_with_backlog"
		health.Healthy = false
	case !running:
		health.Status = "stopped"
		health.Healthy = true
	case stats.Pending > 0 && now.Sub(health.LastPollAt) > s.config.StallThreshold:
		health.Status = "stalled"
		health.Healthy = false
	default:
		health.Status = "running"
		health.Healthy = true
	}
	return health
}
