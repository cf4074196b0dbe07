// Package metrics provides the centralized Prometheus metrics registry for the
// backtest scheduler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Global registry instance
var (
	registry *prometheus.Registry
	once     sync.Once
)

// Counter metrics
var (
	JobsSubmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "freqsearch",
		Name:      "jobs_submitted_total",
		Help:      "Total number of backtest jobs accepted, by submission source",
	}, []string{"source"})
	JobsDispatchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "freqsearch",
		Name:      "jobs_dispatched_total",
		Help:      "Total number of jobs claimed by the scheduler for execution",
	})
	JobRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "freqsearch",
		Name:      "job_retries_total",
		Help:      "Total number of jobs requeued for retry, by failure reason",
	}, []string{"reason"})
	JobsTerminalTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "freqsearch",
		Name:      "jobs_terminal_total",
		Help:      "Total number of jobs reaching a terminal state, by status",
	}, []string{"status"})
	DispatchConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "freqsearch",
		Name:      "dispatch_conflicts_total",
		Help:      "Total number of compare-and-swap conflicts lost during dispatch",
	})
	OrphanRequeuesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "freqsearch",
		Name:      "orphan_requeues_total",
		Help:      "Total number of orphaned running jobs requeued at startup",
	})
)

// Gauge metrics
var (
	QueuePendingJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "freqsearch",
		Name:      "queue_pending_jobs",
		Help:      "Number of jobs currently waiting in the queue",
	})
	QueueRunningJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "freqsearch",
		Name:      "queue_running_jobs",
		Help:      "Number of jobs currently executing",
	})
	ExecutionSlotsBusy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "freqsearch",
		Name:      "execution_slots_busy",
		Help:      "Number of execution slots currently held by workers",
	})
	ExecutionSlotsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "freqsearch",
		Name:      "execution_slots_total",
		Help:      "Configured maximum number of concurrent backtests",
	})
)

// Histogram metrics
var (
	JobWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "freqsearch",
		Name:      "job_wait_duration_seconds",
		Help:      "Time jobs spend queued before dispatch in seconds",
		Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
	})
	JobRunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "freqsearch",
		Name:      "job_run_duration_seconds",
		Help:      "Wall-clock duration of job execution in seconds",
		Buckets:   []float64{10, 30, 60, 300, 600, 1800, 3600},
	})
)

// InitRegistry initializes the global Prometheus registry.
func InitRegistry() *prometheus.Registry {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		// Register counter metrics
		registry.MustRegister(JobsSubmittedTotal)
		registry.MustRegister(JobsDispatchedTotal)
		registry.MustRegister(JobRetriesTotal)
		registry.MustRegister(JobsTerminalTotal)
		registry.MustRegister(DispatchConflictsTotal)
		registry.MustRegister(OrphanRequeuesTotal)

		// Register gauge metrics
		registry.MustRegister(QueuePendingJobs)
		registry.MustRegister(QueueRunningJobs)
		registry.MustRegister(ExecutionSlotsBusy)
		registry.MustRegister(ExecutionSlotsTotal)

		// Register histogram metrics
		registry.MustRegister(JobWaitDuration)
		registry.MustRegister(JobRunDuration)

		// Register sandbox metrics
		registry.MustRegister(SandboxLaunchesTotal)
		registry.MustRegister(SandboxLaunchFailuresTotal)
		registry.MustRegister(SandboxOutcomesTotal)
		registry.MustRegister(ContainersReapedTotal)
		registry.MustRegister(SandboxLogBytes)
		registry.MustRegister(ResultParseFailuresTotal)

		// Register event metrics
		registry.MustRegister(EventsPublishedTotal)
		registry.MustRegister(EventPublishFailuresTotal)
		registry.MustRegister(EventSweepRecoveredTotal)
		registry.MustRegister(BusMessagesTotal)
		registry.MustRegister(BusMessagesReclaimedTotal)
	})
	return registry
}

// GetRegistry returns the global Prometheus registry.
func GetRegistry() *prometheus.Registry {
	if registry == nil {
		return InitRegistry()
	}
	return registry
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(GetRegistry(), promhttp.HandlerOpts{})
}

// RecordJobSubmitted records an accepted job submission.
func RecordJobSubmitted(source string) {
	JobsSubmittedTotal.WithLabelValues(source).Inc()
}

// RecordJobDispatched records a job claimed for execution along with the time
// it spent waiting in the queue.
func RecordJobDispatched(waitSeconds float64) {
	JobsDispatchedTotal.Inc()
	JobWaitDuration.Observe(waitSeconds)
}

// RecordJobRetry records a job requeued for retry.
func RecordJobRetry(reason string) {
	JobRetriesTotal.WithLabelValues(reason).Inc()
}

// RecordJobTerminal records a job reaching a terminal state.
func RecordJobTerminal(status string) {
	JobsTerminalTotal.WithLabelValues(status).Inc()
}

// RecordJobRunDuration records the wall-clock duration of a finished run.
func RecordJobRunDuration(durationSeconds float64) {
	JobRunDuration.Observe(durationSeconds)
}

// RecordDispatchConflict records a lost compare-and-swap race during dispatch.
func RecordDispatchConflict() {
	DispatchConflictsTotal.Inc()
}

// RecordOrphanRequeues records orphaned jobs recovered at startup.
func RecordOrphanRequeues(count int) {
	OrphanRequeuesTotal.Add(float64(count))
}

// UpdateQueueDepth updates the pending and running queue gauges.
func UpdateQueueDepth(pending, running float64) {
	QueuePendingJobs.Set(pending)
	QueueRunningJobs.Set(running)
}

// UpdateExecutionSlots updates the slot occupancy gauges.
func UpdateExecutionSlots(busy, total float64) {
	ExecutionSlotsBusy.Set(busy)
	ExecutionSlotsTotal.Set(total)
}
