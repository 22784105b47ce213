// Package metrics exposes prometheus collectors for the dispatch engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sendforge/sendforge/internal/queue"
)

var (
	jobsEnqueuedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sendforge_jobs_enqueued_total",
		Help: "Total number of jobs accepted into the delivery queue",
	})

	jobOutcomesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sendforge_job_outcomes_total",
		Help: "Job processing outcomes (sent, failed, requeued, quota_deferred)",
	}, []string{"outcome"})

	queueDepthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sendforge_queue_depth",
		Help: "Number of jobs currently in each status",
	}, []string{"status"})

	activeWorkersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sendforge_active_workers",
		Help: "Number of running queue workers",
	})

	sendDurationHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sendforge_send_duration_seconds",
		Help:    "Provider send call duration",
		Buckets: prometheus.DefBuckets,
	})
)

// Recorder implements queue.MetricsRecorder on prometheus collectors.
type Recorder struct{}

var _ queue.MetricsRecorder = (*Recorder)(nil)

// NewRecorder returns the prometheus-backed recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordEnqueued counts accepted jobs.
func (r *Recorder) RecordEnqueued(n int) {
	jobsEnqueuedCounter.Add(float64(n))
}

// RecordOutcome counts one processing outcome.
func (r *Recorder) RecordOutcome(outcome string) {
	jobOutcomesCounter.WithLabelValues(outcome).Inc()
}

// ObserveSendDuration records one provider call duration.
func (r *Recorder) ObserveSendDuration(d time.Duration) {
	sendDurationHistogram.Observe(d.Seconds())
}

// SetQueueDepth sets the depth gauge for a status.
func (r *Recorder) SetQueueDepth(status queue.Status, n int) {
	queueDepthGauge.WithLabelValues(string(status)).Set(float64(n))
}

// SetActiveWorkers sets the worker gauge.
func (r *Recorder) SetActiveWorkers(n int) {
	activeWorkersGauge.Set(float64(n))
}

// Handler returns the prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
