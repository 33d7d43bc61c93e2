package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Recorder metrics
	ActiveContexts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coverage_active_contexts",
			Help: "Number of coverage contexts currently recording or pending drain",
		},
	)

	RecordingTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coverage_recording_transitions_total",
			Help: "Recording lifecycle transitions by kind",
		},
		[]string{"transition"},
	)

	PolledRecords = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coverage_polled_records_total",
			Help: "Total number of changed class records returned by coverage polls",
		},
	)

	// Sender metrics
	Batches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coverage_batches_total",
			Help: "Coverage batches by delivery result",
		},
		[]string{"result"},
	)

	BatchBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coverage_batch_bytes",
			Help:    "Size of serialized coverage batches in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		},
	)

	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coverage_send_duration_seconds",
			Help:    "Time taken to deliver a coverage batch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TransportAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coverage_transport_available",
			Help: "Whether the collector transport is available (1 = available, 0 = unavailable)",
		},
	)

	// Retention queue metrics
	QueueBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coverage_retention_queue_bytes",
			Help: "Bytes currently held by the retention queue",
		},
	)

	QueueBatches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coverage_retention_queue_batches",
			Help: "Batches currently held by the retention queue",
		},
	)

	QueueRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coverage_retention_queue_rejected_total",
			Help: "Batches rejected by the retention queue because the byte limit was reached",
		},
	)
)

// Batch results used as label values of Batches.
const (
	ResultSent         = "sent"
	ResultQueued       = "queued"
	ResultDropped      = "dropped"
	ResultEncodeFailed = "encode_failed"
)

// Recording transitions used as label values of RecordingTransitions.
const (
	TransitionStarted   = "started"
	TransitionStopped   = "stopped"
	TransitionCancelled = "cancelled"
	TransitionReleased  = "released"
)

func init() {
	prometheus.MustRegister(ActiveContexts)
	prometheus.MustRegister(RecordingTransitions)
	prometheus.MustRegister(PolledRecords)
	prometheus.MustRegister(Batches)
	prometheus.MustRegister(BatchBytes)
	prometheus.MustRegister(SendDuration)
	prometheus.MustRegister(TransportAvailable)
	prometheus.MustRegister(QueueBytes)
	prometheus.MustRegister(QueueBatches)
	prometheus.MustRegister(QueueRejected)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetAvailable records transport availability.
func SetAvailable(available bool) {
	if available {
		TransportAvailable.Set(1)
		return
	}
	TransportAvailable.Set(0)
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
