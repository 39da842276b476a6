package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DeadLetterSink receives events whose delivery terminated without success.
// pkg/deadletter.Queue implements this; the core only depends on the shape.
type DeadLetterSink interface {
	Store(ctx context.Context, original *Event, subscriptionID uuid.UUID, kind ErrorKind, message string) error
}

// PoisonHandler decides what happens to an event that looks unprocessable.
// handled=true means the handler took a terminal action (quarantine,
// discard, DLQ, manual intervention) and the dispatch engine must not
// attempt further delivery.
type PoisonHandler interface {
	Handle(ctx context.Context, original *Event, subscriptionID uuid.UUID, deliveryErr error) (handled bool, err error)
}

// MetricsSink is the external collaborator for counters/timers; a no-op
// implementation is the default so the core never requires Prometheus.
type MetricsSink interface {
	RecordPublished(eventType any)
	RecordProcessed(eventType any, latency time.Duration)
	RecordFailed(eventType any, kind ErrorKind, latency time.Duration)
	RecordDeadLetter(eventType any, reason ErrorKind)
	RecordRetry(eventType any, attempt int)
	RecordTimeout(eventType any)
	RecordCircuitTransition(subscriberID string, from, to string)
}

// TraceSink is the external collaborator for distributed-trace propagation.
type TraceSink interface {
	// InjectHeaders writes trace-context headers (x-trace-id, x-span-id,
	// x-sampled) derived from ctx onto headers.
	InjectHeaders(ctx context.Context, headers map[string]string)
	// StartSpan begins a span for delivering event to subscriberID, reading
	// any existing trace-context headers off the event. The returned func
	// ends the span.
	StartSpan(ctx context.Context, event *Event, subscriberID string) (context.Context, func(err error))
}

// NoopMetrics discards everything. It is the bus's default MetricsSink.
type NoopMetrics struct{}

func (NoopMetrics) RecordPublished(any)                             {}
func (NoopMetrics) RecordProcessed(any, time.Duration)               {}
func (NoopMetrics) RecordFailed(any, ErrorKind, time.Duration)        {}
func (NoopMetrics) RecordDeadLetter(any, ErrorKind)                  {}
func (NoopMetrics) RecordRetry(any, int)                             {}
func (NoopMetrics) RecordTimeout(any)                                {}
func (NoopMetrics) RecordCircuitTransition(string, string, string)   {}

// NoopTracer propagates nothing. It is the bus's default TraceSink.
type NoopTracer struct{}

func (NoopTracer) InjectHeaders(context.Context, map[string]string) {}
func (NoopTracer) StartSpan(ctx context.Context, _ *Event, _ string) (context.Context, func(err error)) {
	return ctx, func(error) {}
}

// noopDeadLetter is used when the bus is constructed without a DLQ; events
// that would have gone to the DLQ are simply dropped after being counted.
type noopDeadLetter struct{}

func (noopDeadLetter) Store(context.Context, *Event, uuid.UUID, ErrorKind, string) error {
	return nil
}

// noopPoisonHandler is used when the bus is constructed without a poison
// handler; every failure is treated as ordinary (unhandled) and falls
// through to the DLQ/aggregate-failure path.
type noopPoisonHandler struct{}

func (noopPoisonHandler) Handle(context.Context, *Event, uuid.UUID, error) (bool, error) {
	return false, nil
}
