// Package metrics implements eventflow's MetricsSink using Prometheus
// client_golang, following the same package-level-vars-plus-init
// registration pattern the rest of the pack uses for its own metrics.
package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eventflow-io/eventflow/pkg/eventbus"
)

var (
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_events_published_total",
			Help: "Total number of events published, by event type",
		},
		[]string{"event_type"},
	)

	EventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_events_processed_total",
			Help: "Total number of successful deliveries, by event type",
		},
		[]string{"event_type"},
	)

	EventsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_events_failed_total",
			Help: "Total number of failed deliveries, by event type and failure kind",
		},
		[]string{"event_type", "kind"},
	)

	EventsDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_events_dead_lettered_total",
			Help: "Total number of events routed to the dead-letter queue, by event type and reason",
		},
		[]string{"event_type", "reason"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_retry_attempts_total",
			Help: "Total number of retry attempts, by event type",
		},
		[]string{"event_type"},
	)

	TimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_timeouts_total",
			Help: "Total number of delivery attempts that exceeded their subscription timeout",
		},
		[]string{"event_type"},
	)

	ProcessingTimeMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventbus_processing_time_ms",
			Help:    "Delivery attempt latency in milliseconds, by event type",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		},
		[]string{"event_type"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventbus_circuit_breaker_state",
			Help: "Current circuit breaker state per subscriber (0=CLOSED, 1=HALF_OPEN, 2=OPEN)",
		},
		[]string{"subscriber_id"},
	)
)

func init() {
	prometheus.MustRegister(
		EventsPublishedTotal,
		EventsProcessedTotal,
		EventsFailedTotal,
		EventsDeadLetteredTotal,
		RetryAttemptsTotal,
		TimeoutsTotal,
		ProcessingTimeMs,
		CircuitBreakerState,
	)
}

// Handler returns the Prometheus exposition HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a convenience wrapper for timing an operation and observing its
// duration against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new Timer, starting the clock immediately.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Sink implements eventbus.MetricsSink on top of the package's Prometheus
// collectors, and additionally keeps mutex-guarded counters for JSON export
// (the `/metrics.json` surface) alongside Prometheus scraping.
type Sink struct {
	mu       sync.Mutex
	counters map[string]int64
}

var _ eventbus.MetricsSink = (*Sink)(nil)

// NewSink builds a MetricsSink. A single process is expected to construct
// one Sink; the underlying Prometheus collectors are package-global.
func NewSink() *Sink {
	return &Sink{counters: make(map[string]int64)}
}

func typeLabel(eventType any) string {
	return fmt.Sprint(eventType)
}

func (s *Sink) bump(key string) {
	s.mu.Lock()
	s.counters[key]++
	s.mu.Unlock()
}

func (s *Sink) RecordPublished(eventType any) {
	label := typeLabel(eventType)
	EventsPublishedTotal.WithLabelValues(label).Inc()
	s.bump("published:" + label)
}

func (s *Sink) RecordProcessed(eventType any, latency time.Duration) {
	label := typeLabel(eventType)
	EventsProcessedTotal.WithLabelValues(label).Inc()
	ProcessingTimeMs.WithLabelValues(label).Observe(float64(latency.Milliseconds()))
	s.bump("processed:" + label)
}

func (s *Sink) RecordFailed(eventType any, kind eventbus.ErrorKind, latency time.Duration) {
	label := typeLabel(eventType)
	EventsFailedTotal.WithLabelValues(label, string(kind)).Inc()
	ProcessingTimeMs.WithLabelValues(label).Observe(float64(latency.Milliseconds()))
	s.bump("failed:" + label)
}

func (s *Sink) RecordDeadLetter(eventType any, reason eventbus.ErrorKind) {
	label := typeLabel(eventType)
	EventsDeadLetteredTotal.WithLabelValues(label, string(reason)).Inc()
	s.bump("dead_lettered:" + label)
}

func (s *Sink) RecordRetry(eventType any, attempt int) {
	label := typeLabel(eventType)
	RetryAttemptsTotal.WithLabelValues(label).Inc()
	s.bump("retry:" + label)
}

func (s *Sink) RecordTimeout(eventType any) {
	label := typeLabel(eventType)
	TimeoutsTotal.WithLabelValues(label).Inc()
	s.bump("timeout:" + label)
}

func (s *Sink) RecordCircuitTransition(subscriberID string, from, to string) {
	var value float64
	switch to {
	case "HALF_OPEN":
		value = 1
	case "OPEN":
		value = 2
	default:
		value = 0
	}
	CircuitBreakerState.WithLabelValues(subscriberID).Set(value)
}

// Snapshot is the JSON-serializable point-in-time view of every counter the
// Sink has observed, served from GET /metrics.json.
type Snapshot struct {
	Timestamp time.Time        `json:"timestamp"`
	Counters  map[string]int64 `json:"counters"`
}

// Snapshot returns a copy of the sink's counters for JSON export.
func (s *Sink) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	counters := make(map[string]int64, len(s.counters))
	for k, v := range s.counters {
		counters[k] = v
	}
	return Snapshot{Timestamp: time.Now().UTC(), Counters: counters}
}
