// Package prometheus exposes CastKit runtime metrics.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "castkit"

// Status constants for metric labels.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

var (
	// tasksActive is a gauge of tasks currently queued or processing.
	tasksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_active",
			Help:      "Number of tasks currently queued or processing",
		},
	)

	// taskOutcomesTotal counts terminal task transitions by outcome.
	taskOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_outcomes_total",
			Help:      "Total terminal task transitions by outcome",
		},
		[]string{"outcome"}, // outcome: completed, failed, timeout
	)

	// taskDuration is a histogram of end-to-end task duration in seconds.
	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Histogram of end-to-end task duration in seconds",
			Buckets:   []float64{1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"strategy"}, // strategy: serial, parallel
	)

	// segmentsTotal counts synthesized segments by final status.
	segmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_total",
			Help:      "Total segments synthesized by final status",
		},
		[]string{"status"}, // status: success, error
	)

	// segmentRetriesTotal counts segment attempts beyond the first.
	segmentRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_retries_total",
			Help:      "Total segment attempts beyond the first",
		},
	)

	// providerRequestDuration is a histogram of provider session duration.
	providerRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of provider synthesis sessions in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"status"}, // status: success, error
	)

	// providerRequestsTotal counts provider synthesis sessions.
	providerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Total provider synthesis sessions",
		},
		[]string{"status"}, // status: success, error
	)

	// limiterSlotsInUse is a gauge of held global limiter slots.
	limiterSlotsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "limiter_slots_in_use",
			Help:      "Global limiter slots currently held by this process",
		},
	)

	// streamSubscribers is a gauge of open event stream subscriptions.
	streamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_subscribers",
			Help:      "Open task event stream subscriptions",
		},
	)

	// allMetrics is a list of all metrics for registration.
	allMetrics = []prometheus.Collector{
		tasksActive,
		taskOutcomesTotal,
		taskDuration,
		segmentsTotal,
		segmentRetriesTotal,
		providerRequestDuration,
		providerRequestsTotal,
		limiterSlotsInUse,
		streamSubscribers,
	}
)

// RecordTaskStart marks a task entering the queued or processing state.
func RecordTaskStart() {
	tasksActive.Inc()
}

// RecordTaskEnd marks a terminal transition with its outcome, strategy
// and total duration.
func RecordTaskEnd(outcome, strategy string, durationSeconds float64) {
	tasksActive.Dec()
	taskOutcomesTotal.WithLabelValues(outcome).Inc()
	taskDuration.WithLabelValues(strategy).Observe(durationSeconds)
}

// RecordSegment records a segment's final status.
func RecordSegment(status string) {
	segmentsTotal.WithLabelValues(status).Inc()
}

// RecordSegmentRetry records a segment attempt beyond the first.
func RecordSegmentRetry() {
	segmentRetriesTotal.Inc()
}

// RecordProviderRequest records one synthesis session.
func RecordProviderRequest(status string, durationSeconds float64) {
	providerRequestDuration.WithLabelValues(status).Observe(durationSeconds)
	providerRequestsTotal.WithLabelValues(status).Inc()
}

// RecordSlotAcquired marks a global limiter slot taken.
func RecordSlotAcquired() {
	limiterSlotsInUse.Inc()
}

// RecordSlotReleased marks a global limiter slot returned.
func RecordSlotReleased() {
	limiterSlotsInUse.Dec()
}

// RecordStreamOpened marks an event stream subscription opened.
func RecordStreamOpened() {
	streamSubscribers.Inc()
}

// RecordStreamClosed marks an event stream subscription closed.
func RecordStreamClosed() {
	streamSubscribers.Dec()
}
