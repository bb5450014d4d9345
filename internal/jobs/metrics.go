package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Dispatch outcomes reported through ObserveDispatch.
const (
	OutcomeEnqueued       = "enqueued"
	OutcomeEncryptFailed  = "encrypt_failed"
	OutcomeTransitFailed  = "transit_failed"
	OutcomeRetriedEnqueue = "enqueue_retried"
)

// Recurrence results reported through AddRecurrences.
const (
	RecurrenceFired   = "fired"
	RecurrenceSkipped = "skipped"
	RecurrenceFailed  = "failed"
)

// Metrics exposes Prometheus collectors for background jobs, the dispatch
// pipeline and the recurrence scheduler. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	runs        *prometheus.CounterVec
	failures    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	dispatches  *prometheus.CounterVec
	recurrences *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// ObserveDispatch counts one step dispatch attempt by outcome.
func (m *Metrics) ObserveDispatch(outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(outcome).Inc()
}

// AddRecurrences adds count recurrences to the result bucket for one tick.
func (m *Metrics) AddRecurrences(result string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.recurrences.WithLabelValues(result).Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "courier_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	dispatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_dispatch_steps_total",
		Help: "Step dispatch attempts grouped by outcome.",
	}, []string{"outcome"})
	recurrences := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_scheduler_recurrences_total",
		Help: "Recurrences handled by scheduler ticks grouped by result.",
	}, []string{"result"})
	registerer.MustRegister(runs, failures, duration, dispatches, recurrences)
	return &Metrics{runs: runs, failures: failures, duration: duration, dispatches: dispatches, recurrences: recurrences}
}
