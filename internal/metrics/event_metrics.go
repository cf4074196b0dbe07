// Package metrics defines event-bus metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Event-bus counter vectors
var (
	EventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "freqsearch",
		Name:      "events_published_total",
		Help:      "Total number of terminal events published, by stream",
	}, []string{"stream"})
	EventPublishFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "freqsearch",
		Name:      "event_publish_failures_total",
		Help:      "Total number of event publish attempts that failed",
	})
	EventSweepRecoveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "freqsearch",
		Name:      "event_sweep_recovered_total",
		Help:      "Total number of unpublished terminal events recovered by the sweep",
	})
	BusMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "freqsearch",
		Name:      "bus_messages_total",
		Help:      "Total number of inbound bus messages processed, by outcome",
	}, []string{"outcome"})
	BusMessagesReclaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "freqsearch",
		Name:      "bus_messages_reclaimed_total",
		Help:      "Total number of stalled bus messages reclaimed from other consumers",
	})
)

// RecordEventPublished records a successfully published terminal event.
func RecordEventPublished(stream string) {
	EventsPublishedTotal.WithLabelValues(stream).Inc()
}

// RecordEventPublishFailure records a failed publish attempt.
func RecordEventPublishFailure() {
	EventPublishFailuresTotal.Inc()
}

// RecordEventSweepRecovered records events republished by the recovery sweep.
func RecordEventSweepRecovered(count int) {
	EventSweepRecoveredTotal.Add(float64(count))
}

// RecordBusMessage records an inbound bus message by processing outcome.
func RecordBusMessage(outcome string) {
	BusMessagesTotal.WithLabelValues(outcome).Inc()
}

// RecordBusMessagesReclaimed records stalled messages claimed from dead consumers.
func RecordBusMessagesReclaimed(count int) {
	BusMessagesReclaimedTotal.Add(float64(count))
}
