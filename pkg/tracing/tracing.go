// Package tracing implements eventbus.TraceSink on top of OpenTelemetry's
// global TracerProvider. It propagates trace context across process
// boundaries (the Kafka bridge, the outbox) using eventflow's own header
// names rather than W3C traceparent, since eventflow.Event carries a flat
// string-to-string Headers map rather than a binary carrier.
package tracing

import (
	"context"
	"encoding/hex"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/eventflow-io/eventflow/pkg/eventbus"
)

const (
	headerTraceID  = "x-trace-id"
	headerSpanID   = "x-span-id"
	headerParentID = "x-parent-span-id"
	headerSampled  = "x-sampled"
)

// Tracer implements eventbus.TraceSink using a named OpenTelemetry tracer
// drawn from the global TracerProvider. Callers that want real export
// (Jaeger, Tempo, OTLP) configure the provider in main before constructing
// the bus; absent that, the global default is a no-op tracer and every
// method here is a cheap formality.
type Tracer struct {
	tracer trace.Tracer
}

var _ eventbus.TraceSink = (*Tracer)(nil)

// New builds a Tracer that reports spans under serviceName.
func New(serviceName string) *Tracer {
	return &Tracer{tracer: otel.GetTracerProvider().Tracer(serviceName)}
}

// InjectHeaders writes the current span context from ctx onto headers using
// eventflow's header names. A context with no active span injects nothing.
func (t *Tracer) InjectHeaders(ctx context.Context, headers map[string]string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || headers == nil {
		return
	}
	headers[headerTraceID] = sc.TraceID().String()
	headers[headerSpanID] = sc.SpanID().String()
	headers[headerSampled] = fmt.Sprintf("%t", sc.IsSampled())
}

// StartSpan begins a span for delivering event to subscriberID. If the
// event carries trace-context headers (set by a prior InjectHeaders, likely
// in another process via the Kafka bridge), the new span is linked as a
// child of that remote context; otherwise it starts a new trace.
func (t *Tracer) StartSpan(ctx context.Context, event *eventbus.Event, subscriberID string) (context.Context, func(err error)) {
	parentCtx := ctx
	if remote, ok := remoteSpanContext(event); ok {
		parentCtx = trace.ContextWithRemoteSpanContext(ctx, remote)
	}

	spanName := fmt.Sprintf("eventbus.deliver %v", event.Type)
	spanCtx, span := t.tracer.Start(parentCtx, spanName,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("eventbus.event_id", event.ID.String()),
			attribute.String("eventbus.subscriber_id", subscriberID),
			attribute.String("eventbus.source", event.Source),
		),
	)

	if event.Headers != nil {
		event.Headers[headerParentID] = span.SpanContext().SpanID().String()
	}

	return spanCtx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// remoteSpanContext reconstructs a trace.SpanContext from an event's
// trace-context headers, if present and well-formed.
func remoteSpanContext(event *eventbus.Event) (trace.SpanContext, bool) {
	if event == nil || event.Headers == nil {
		return trace.SpanContext{}, false
	}
	rawTraceID, ok := event.Headers[headerTraceID]
	if !ok {
		return trace.SpanContext{}, false
	}
	rawSpanID, ok := event.Headers[headerSpanID]
	if !ok {
		return trace.SpanContext{}, false
	}

	traceIDBytes, err := hex.DecodeString(rawTraceID)
	if err != nil || len(traceIDBytes) != 16 {
		return trace.SpanContext{}, false
	}
	spanIDBytes, err := hex.DecodeString(rawSpanID)
	if err != nil || len(spanIDBytes) != 8 {
		return trace.SpanContext{}, false
	}

	var traceID trace.TraceID
	var spanID trace.SpanID
	copy(traceID[:], traceIDBytes)
	copy(spanID[:], spanIDBytes)

	flags := trace.TraceFlags(0)
	if event.Headers[headerSampled] == "true" {
		flags = trace.FlagsSampled
	}

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	})
	if !sc.IsValid() {
		return trace.SpanContext{}, false
	}
	return sc, true
}
