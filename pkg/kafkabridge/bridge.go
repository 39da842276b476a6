// Package kafkabridge connects eventflow's in-process bus to Kafka: events
// published locally can be mirrored out onto a topic, and events consumed
// from Kafka are handed to the local dispatch engine exactly as if a local
// caller had published them, per spec §4.7.
package kafkabridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/eventflow-io/eventflow/pkg/eventbus"
	eventflowlog "github.com/eventflow-io/eventflow/pkg/log"
)

// LocalPublisher is the subset of eventbus.Bus the bridge needs to hand off
// an inbound Kafka message to the dispatch engine.
type LocalPublisher interface {
	Publish(ctx context.Context, event *eventbus.Event) (*eventbus.Completion, error)
}

// Config parameterizes a Bridge.
type Config struct {
	Producer Producer
	Consumer Consumer

	// TopicPrefix namespaces every outbound topic computed by TopicForType.
	TopicPrefix string
	// TopicOverrides maps fmt.Sprint(event.Type) to an explicit topic name,
	// bypassing TopicForType for that type.
	TopicOverrides map[string]string

	Metrics eventbus.MetricsSink
}

// DefaultConfig returns a Bridge configuration wired to no-op transports,
// matching spec §9's guidance to default to an explicit no-op rather than
// requiring a live broker to construct a Bridge.
func DefaultConfig() Config {
	return Config{
		Producer: NoopProducer{},
		Consumer: NoopConsumer{},
		Metrics:  eventbus.NoopMetrics{},
	}
}

// Bridge is eventflow's Kafka transport. It implements outbox.Transport
// directly (see Publish), so an Outbox can be pointed at a Bridge to get
// durable, retried Kafka publication for free.
type Bridge struct {
	producer       Producer
	consumer       Consumer
	topicPrefix    string
	topicOverrides map[string]string
	metrics        eventbus.MetricsSink
	logger         zerolog.Logger
}

// New builds a Bridge from cfg.
func New(cfg Config) *Bridge {
	if cfg.Producer == nil {
		cfg.Producer = NoopProducer{}
	}
	if cfg.Consumer == nil {
		cfg.Consumer = NoopConsumer{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = eventbus.NoopMetrics{}
	}
	return &Bridge{
		producer:       cfg.Producer,
		consumer:       cfg.Consumer,
		topicPrefix:    cfg.TopicPrefix,
		topicOverrides: cfg.TopicOverrides,
		metrics:        cfg.Metrics,
		logger:         eventflowlog.WithComponent("kafkabridge"),
	}
}

func (b *Bridge) topicFor(eventType any) string {
	if topic, ok := b.topicOverrides[fmt.Sprint(eventType)]; ok {
		return topic
	}
	return TopicForType(b.topicPrefix, eventType)
}

// Publish serializes event to an Envelope and writes it to the topic
// computed for event.Type, keyed by event ID for consistent partitioning.
// It satisfies outbox.Transport, so the outbox's own retry/scheduling
// machinery covers Kafka delivery without the bridge reimplementing it.
func (b *Bridge) Publish(ctx context.Context, event *eventbus.Event) error {
	start := time.Now()
	topic := b.topicFor(event.Type)

	payload, err := json.Marshal(toEnvelope(event))
	if err != nil {
		b.metrics.RecordFailed(event.Type, eventbus.ErrNonRetryable, time.Since(start))
		return eventbus.NewDispatchError(eventbus.ErrNonRetryable, "kafkabridge: marshal envelope", err)
	}

	if err := b.producer.Publish(ctx, topic, event.ID.String(), payload); err != nil {
		b.metrics.RecordFailed(event.Type, eventbus.ErrTransportFailure, time.Since(start))
		return eventbus.NewDispatchError(eventbus.ErrTransportFailure, "kafkabridge: publish to "+topic, err)
	}

	b.metrics.RecordProcessed(event.Type, time.Since(start))
	b.logger.Debug().Str("topic", topic).Str("event_id", event.ID.String()).Msg("published event to kafka")
	return nil
}

// Close releases the underlying producer and consumer connections.
func (b *Bridge) Close() error {
	consumerErr := b.consumer.Close()
	if err := b.producer.Close(); err != nil {
		return err
	}
	return consumerErr
}

// Consume runs the inbound loop: every message received is deserialized to
// a core Event and handed to local via Publish, without being re-published
// back onto Kafka. It blocks until ctx is cancelled or the underlying
// Consumer returns an error.
func (b *Bridge) Consume(ctx context.Context, local LocalPublisher) error {
	return b.consumer.Consume(ctx, func(ctx context.Context, topic string, key, value []byte) error {
		var env Envelope
		if err := json.Unmarshal(value, &env); err != nil {
			b.logger.Error().Err(err).Str("topic", topic).Msg("discarding malformed kafka message")
			return nil // ack and drop; it will never parse on redelivery either
		}

		event, err := env.toEvent()
		if err != nil {
			b.logger.Error().Err(err).Str("topic", topic).Msg("discarding unparseable envelope")
			return nil
		}

		if _, err := local.Publish(ctx, event); err != nil {
			b.logger.Warn().Err(err).Str("event_id", event.ID.String()).Msg("local dispatch of inbound kafka event failed")
			return err
		}
		return nil
	})
}
