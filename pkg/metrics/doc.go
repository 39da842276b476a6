// Package metrics exposes eventflow's dispatch counters and latencies to
// Prometheus (GET /metrics) and as a JSON snapshot (GET /metrics.json).
//
// Counters: eventbus_events_published_total, eventbus_events_processed_total,
// eventbus_events_failed_total{kind}, eventbus_events_dead_lettered_total{reason},
// eventbus_retry_attempts_total, eventbus_timeouts_total. Histogram:
// eventbus_processing_time_ms. Gauge: eventbus_circuit_breaker_state per
// subscriber (0=CLOSED, 1=HALF_OPEN, 2=OPEN).
//
// Sink satisfies pkg/eventbus.MetricsSink; the bus depends only on that
// interface and never imports this package, so swapping Sink for another
// backend never touches the dispatch engine.
package metrics
