package kafkabridge

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eventflow-io/eventflow/pkg/eventbus"
)

// Envelope is the wire shape of an event crossing the Kafka bridge in
// either direction, per spec §6.
type Envelope struct {
	EventID       string            `json:"eventId"`
	EventType     string            `json:"eventType"`
	Data          any               `json:"data"`
	Source        string            `json:"source"`
	Timestamp     time.Time         `json:"timestamp"`
	Version       string            `json:"version"`
	CorrelationID string            `json:"correlationId,omitempty"`
	CausationID   string            `json:"causationId,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// toEnvelope serializes a core Event. event.Type is rendered via fmt.Sprint
// since the core treats it as an opaque, application-defined discriminator;
// the bridge needs a string to put both on the wire and into the topic name.
func toEnvelope(event *eventbus.Event) Envelope {
	env := Envelope{
		EventID:   event.ID.String(),
		EventType: fmt.Sprint(event.Type),
		Data:      event.Data,
		Source:    event.Source,
		Timestamp: event.Timestamp,
		Version:   event.Version,
		Headers:   event.Headers,
	}
	if event.CorrelationID != uuid.Nil {
		env.CorrelationID = event.CorrelationID.String()
	}
	if event.CausationID != uuid.Nil {
		env.CausationID = event.CausationID.String()
	}
	return env
}

// toEvent deserializes an Envelope back into a core Event. The resulting
// Event.Type is the raw string from the wire: a consumer that wants a
// richer type (an enum, a struct) is expected to map EventType itself
// before re-publishing, since the bridge has no schema registry.
func (env Envelope) toEvent() (*eventbus.Event, error) {
	id, err := uuid.Parse(env.EventID)
	if err != nil {
		return nil, fmt.Errorf("kafkabridge: invalid eventId %q: %w", env.EventID, err)
	}

	event := &eventbus.Event{
		ID:        id,
		Type:      env.EventType,
		Data:      env.Data,
		Source:    env.Source,
		Timestamp: env.Timestamp,
		Version:   env.Version,
		Headers:   env.Headers,
		Priority:  eventbus.PriorityNormal,
	}

	if env.CorrelationID != "" {
		if cid, err := uuid.Parse(env.CorrelationID); err == nil {
			event.CorrelationID = cid
		}
	}
	if env.CausationID != "" {
		if cid, err := uuid.Parse(env.CausationID); err == nil {
			event.CausationID = cid
		}
	}
	return event, nil
}

// TopicForType computes the outbound topic name for eventType under prefix,
// following spec §4.7: prefix + "." + lowercase(typeName with '_' -> '-').
func TopicForType(prefix string, eventType any) string {
	name := strings.ToLower(fmt.Sprint(eventType))
	name = strings.ReplaceAll(name, "_", "-")
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
