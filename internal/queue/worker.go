package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// worker is one pool slot running the poll-claim-process loop. Claimed
// jobs in a batch are processed sequentially; cross-worker parallelism
// provides the throughput, and sequential batches preserve oldest-first
// ordering within each claim.
type worker struct {
	id     int
	sup    *Supervisor
	logger *slog.Logger
}

// run executes the worker loop until the context is cancelled. A claimed
// batch always runs to completion: stop is only observed between polls,
// so no in-flight job is interrupted.
func (w *worker) run(ctx context.Context) error {
	w.logger.Debug("worker started")
	w.sup.activeWorkers.Add(1)
	if w.sup.metrics != nil {
		w.sup.metrics.SetActiveWorkers(int(w.sup.activeWorkers.Load()))
	}
	defer func() {
		w.sup.activeWorkers.Add(-1)
		if w.sup.metrics != nil {
			w.sup.metrics.SetActiveWorkers(int(w.sup.activeWorkers.Load()))
		}
		w.logger.Debug("worker stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		w.sup.lastPoll.Store(time.Now().UnixNano())

		batch, err := w.sup.store.ClaimBatch(ctx, w.sup.config.BatchSize, time.Now())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Store trouble backs off the whole loop, not just one job
			w.logger.Error("failed to claim batch", "error", err)
			w.sleep(ctx, w.sup.config.StoreErrorBackoff)
			continue
		}

		if len(batch) == 0 {
			w.sleep(ctx, w.sup.config.PollInterval)
			continue
		}

		w.logger.Debug("batch claimed", "count", len(batch))
		for _, job := range batch {
			w.process(job)
		}
	}
}

// sleep waits for d or until the context is cancelled.
func (w *worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// process runs one claimed job through rate limiting, the provider call,
// and result classification. It uses a background context so supervisor
// shutdown never cancels an in-flight send; the send is the atomic unit
// of work.
func (w *worker) process(job *Job) {
	ctx := context.Background()
	logger := w.logger.With(
		"job_id", job.ID,
		"campaign_id", job.CampaignID,
		"account_id", job.AccountID,
		"attempt_count", job.AttemptCount,
	)

	// Quota check first: exhaustion is transient, so the job goes back to
	// pending with a short cooldown and no attempt-count cost
	reservation, allowed, err := w.sup.limiter.Reserve(ctx, job.AccountID)
	if err != nil {
		logger.Warn("rate limiter unavailable, deferring job", "error", err)
		w.deferJob(ctx, job, logger)
		return
	}
	if !allowed {
		logger.Debug("account quota exhausted, deferring job")
		w.deferJob(ctx, job, logger)
		if w.sup.metrics != nil {
			w.sup.metrics.RecordOutcome("quota_deferred")
		}
		return
	}

	params := resolveParams(job)

	sendCtx, cancel := context.WithTimeout(ctx, w.sup.config.SendTimeout)
	start := time.Now()
	result, sendErr := w.sup.sender.Send(sendCtx, job.AccountID, job.ContactID, job.TemplateID, params)
	cancel()
	duration := time.Since(start)

	if w.sup.metrics != nil {
		w.sup.metrics.ObserveSendDuration(duration)
	}

	if sendErr == nil {
		w.markSent(ctx, job, result, duration, logger)
		return
	}

	// The reserved quota slot is refunded on any failure
	if rerr := w.sup.limiter.Release(ctx, reservation); rerr != nil {
		logger.Warn("failed to release quota reservation", "error", rerr)
	}
	w.markFailure(ctx, job, sendErr, logger)
}

// deferJob returns a job to pending with the quota cooldown, leaving its
// attempt count untouched.
func (w *worker) deferJob(ctx context.Context, job *Job, logger *slog.Logger) {
	out := Outcome{
		Status:        StatusPending,
		LastError:     job.LastError,
		AttemptCount:  job.AttemptCount,
		NextAttemptAt: time.Now().Add(w.sup.limiter.Cooldown()),
	}
	if err := w.sup.store.MarkResult(ctx, job.ID, out); err != nil {
		logger.Error("failed to defer job", "error", err)
	}
}

func (w *worker) markSent(ctx context.Context, job *Job, result *SendResult, duration time.Duration, logger *slog.Logger) {
	out := Outcome{
		Status:       StatusSent,
		AttemptCount: job.AttemptCount + 1,
		Attempt: &Attempt{
			Time:   time.Now(),
			Result: "sent",
		},
	}
	if err := w.sup.store.MarkResult(ctx, job.ID, out); err != nil {
		// The send succeeded but the transition did not persist. The job
		// stays processing until the reconciliation sweep requeues it;
		// this is the documented at-least-once window.
		logger.Error("send succeeded but result not persisted", "error", err)
		return
	}

	messageID := ""
	if result != nil {
		messageID = result.MessageID
	}
	logger.Info("message sent",
		"provider_message_id", messageID,
		"duration_ms", duration.Milliseconds())

	if w.sup.metrics != nil {
		w.sup.metrics.RecordOutcome("sent")
	}
	w.sup.progress.RecordSent(ctx, job)
}

func (w *worker) markFailure(ctx context.Context, job *Job, sendErr error, logger *slog.Logger) {
	attemptCount := job.AttemptCount + 1
	attempt := &Attempt{
		Time:   time.Now(),
		Result: "failed",
		Error:  sendErr.Error(),
	}

	permanent := IsPermanent(sendErr)
	if errors.Is(sendErr, context.DeadlineExceeded) {
		// A timed-out send is transient; never a hang, never terminal
		permanent = false
	}

	if permanent || attemptCount >= w.sup.config.MaxRetries {
		out := Outcome{
			Status:       StatusFailed,
			LastError:    sendErr.Error(),
			AttemptCount: attemptCount,
			Attempt:      attempt,
		}
		if err := w.sup.store.MarkResult(ctx, job.ID, out); err != nil {
			logger.Error("failed to mark job failed", "error", err)
			return
		}

		logger.Error("message failed terminally",
			"permanent", permanent,
			"attempt_count", attemptCount,
			"error", sendErr)
		if w.sup.metrics != nil {
			w.sup.metrics.RecordOutcome("failed")
		}
		w.sup.progress.RecordFailed(ctx, job, sendErr.Error())
		return
	}

	nextAttempt := w.sup.config.Backoff.NextAttempt(time.Now(), attemptCount)
	out := Outcome{
		Status:        StatusPending,
		LastError:     sendErr.Error(),
		AttemptCount:  attemptCount,
		NextAttemptAt: nextAttempt,
		Attempt:       attempt,
	}
	if err := w.sup.store.MarkResult(ctx, job.ID, out); err != nil {
		logger.Error("failed to requeue job", "error", err)
		return
	}

	logger.Warn("send failed, retry scheduled",
		"attempt_count", attemptCount,
		"next_attempt_at", nextAttempt,
		"error", sendErr)
	if w.sup.metrics != nil {
		w.sup.metrics.RecordOutcome("requeued")
	}
}

// resolveParams merges the stored template params into the payload handed
// to the provider. The stored job is never mutated.
func resolveParams(job *Job) map[string]string {
	params := make(map[string]string, len(job.TemplateParams))
	for k, v := range job.TemplateParams {
		params[k] = v
	}
	return params
}
