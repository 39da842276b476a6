// Package eventbus implements eventflow's core: a generically typed,
// in-process event bus with priority/ordered dispatch, per-subscription
// retry, circuit breaking, and dead-letter routing. Collaborators such as
// metrics sinks, trace exporters, persistence stores, and the Kafka
// transport are injected rather than imported, so the core never depends
// on them directly.
package eventbus

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Priority orders delivery within a single publish round. Higher values are
// delivered first; ties fall back to registration order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Event is an immutable record delivered from a publisher to zero or more
// subscriptions. "Modification" is only ever producing a new Event with
// overridden fields (see Derive).
//
// Type is intentionally untyped (any): the core treats it as an opaque,
// comparable discriminator and never inspects it beyond equality and map
// lookups, so applications are free to use string constants, integer enums,
// or tagged structs as their event-type space.
type Event struct {
	ID            uuid.UUID
	Type          any
	Data          any
	Headers       map[string]string
	Source        string
	CorrelationID uuid.UUID
	CausationID   uuid.UUID
	Timestamp     time.Time
	Priority      Priority
	Version       string
}

// EventOption customizes a new Event at construction time.
type EventOption func(*Event)

// WithHeaders copies the given headers onto the event (iteration order is
// irrelevant; the map is copied so later caller mutation can't leak in).
func WithHeaders(headers map[string]string) EventOption {
	return func(e *Event) {
		if len(headers) == 0 {
			return
		}
		if e.Headers == nil {
			e.Headers = make(map[string]string, len(headers))
		}
		maps.Copy(e.Headers, headers)
	}
}

// WithHeader sets a single header.
func WithHeader(key, value string) EventOption {
	return func(e *Event) {
		if e.Headers == nil {
			e.Headers = make(map[string]string, 1)
		}
		e.Headers[key] = value
	}
}

// WithCorrelationID links this event to a workflow-spanning correlation id.
func WithCorrelationID(id uuid.UUID) EventOption {
	return func(e *Event) { e.CorrelationID = id }
}

// WithCausationID records the id of the event that directly triggered this one.
func WithCausationID(id uuid.UUID) EventOption {
	return func(e *Event) { e.CausationID = id }
}

// WithPriority overrides the default PriorityNormal.
func WithPriority(p Priority) EventOption {
	return func(e *Event) { e.Priority = p }
}

// WithVersion overrides the default schema version "1.0".
func WithVersion(version string) EventOption {
	return func(e *Event) { e.Version = version }
}

// NewEvent constructs an immutable Event. source must be non-empty; callers
// that fail this invariant get a VALIDATION error back from Publish, not a
// panic here, since construction itself is meant to be cheap and infallible.
func NewEvent(eventType any, data any, source string, opts ...EventOption) *Event {
	e := &Event{
		ID:        uuid.New(),
		Type:      eventType,
		Data:      data,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Priority:  PriorityNormal,
		Version:   "1.0",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Derive creates a new Event from e with opts applied, used when the bus or
// a collaborator needs to "modify" an event (e.g. the DLQ's requeue path
// sets a new causation id pointing back at the dead-letter record).
func (e *Event) Derive(opts ...EventOption) *Event {
	clone := *e
	clone.ID = uuid.New()
	clone.Headers = make(map[string]string, len(e.Headers))
	maps.Copy(clone.Headers, e.Headers)
	clone.Timestamp = time.Now().UTC()
	for _, opt := range opts {
		opt(&clone)
	}
	return &clone
}
