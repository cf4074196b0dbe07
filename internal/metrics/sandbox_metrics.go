// Package metrics defines sandbox-specific metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Sandbox-specific counter vectors
var (
	SandboxLaunchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "freqsearch",
		Name:      "sandbox_launches_total",
		Help:      "Total number of sandbox containers started",
	})
	SandboxLaunchFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "freqsearch",
		Name:      "sandbox_launch_failures_total",
		Help:      "Total number of sandbox container launches that failed",
	})
	SandboxOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "freqsearch",
		Name:      "sandbox_outcomes_total",
		Help:      "Total number of sandbox runs by outcome",
	}, []string{"outcome"})
	ContainersReapedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "freqsearch",
		Name:      "containers_reaped_total",
		Help:      "Total number of leftover sandbox containers removed",
	})
	ResultParseFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "freqsearch",
		Name:      "result_parse_failures_total",
		Help:      "Total number of result artifacts that failed to parse or validate",
	})
)

// Sandbox-specific histogram vectors
var (
	SandboxLogBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "freqsearch",
		Name:      "sandbox_log_bytes",
		Help:      "Size of captured sandbox logs in bytes",
		Buckets:   []float64{1024, 10240, 102400, 1048576, 10485760},
	})
)

// RecordSandboxLaunch records a successful container start.
func RecordSandboxLaunch() {
	SandboxLaunchesTotal.Inc()
}

// RecordSandboxLaunchFailure records a failed container start.
func RecordSandboxLaunchFailure() {
	SandboxLaunchFailuresTotal.Inc()
}

// RecordSandboxOutcome records the outcome of a finished sandbox run.
func RecordSandboxOutcome(outcome string) {
	SandboxOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordContainersReaped records leftover containers removed by the reaper.
func RecordContainersReaped(count int) {
	ContainersReapedTotal.Add(float64(count))
}

// RecordResultParseFailure records a result artifact rejected by the collector.
func RecordResultParseFailure() {
	ResultParseFailuresTotal.Inc()
}

// RecordSandboxLogSize records the size of a captured sandbox log.
func RecordSandboxLogSize(bytes int) {
	SandboxLogBytes.Observe(float64(bytes))
}
