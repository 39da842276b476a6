package kafkabridge

import (
	"context"

	kafka "github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
)

// Producer is the outbound half of the Kafka transport. The bridge depends
// on this interface, not *kafka.Writer directly, so tests and deployments
// without a broker can swap in NoopProducer (spec §9: "depend on an
// explicit transport interface with a no-op implementation as the
// default").
type Producer interface {
	Publish(ctx context.Context, topic string, key string, value []byte) error
	Close() error
}

// MessageHandler processes one inbound Kafka message. Returning a non-nil
// error skips the offset commit, so the message is redelivered.
type MessageHandler func(ctx context.Context, topic string, key, value []byte) error

// Consumer is the inbound half of the Kafka transport.
type Consumer interface {
	Consume(ctx context.Context, handler MessageHandler) error
	Close() error
}

// KafkaProducer wraps segmentio/kafka-go's Writer.
type KafkaProducer struct {
	writer *kafka.Writer
}

var _ Producer = (*KafkaProducer)(nil)

// NewKafkaProducer builds a Producer writing synchronously to brokers,
// requiring acks from all in-sync replicas.
func NewKafkaProducer(brokers []string) *KafkaProducer {
	return &KafkaProducer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.LeastBytes{},
			RequiredAcks:           kafka.RequireAll,
			Async:                  false,
			AllowAutoTopicCreation: true,
		},
	}
}

func (p *KafkaProducer) Publish(ctx context.Context, topic, key string, value []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// KafkaConsumer wraps one or more segmentio/kafka-go Readers, one per
// subscribed topic, fanning all of them into a single handler.
type KafkaConsumer struct {
	readers []*kafka.Reader
}

var _ Consumer = (*KafkaConsumer)(nil)

// NewKafkaConsumer builds a Consumer reading topics as consumerGroup.
func NewKafkaConsumer(brokers []string, consumerGroup string, topics []string) *KafkaConsumer {
	readers := make([]*kafka.Reader, 0, len(topics))
	for _, topic := range topics {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			GroupID:     consumerGroup,
			Topic:       topic,
			MinBytes:    1,
			MaxBytes:    10e6,
			StartOffset: kafka.FirstOffset,
		}))
	}
	return &KafkaConsumer{readers: readers}
}

// Consume runs one fetch loop per topic concurrently until ctx is
// cancelled or a reader errors; the first reader error cancels the rest via
// errgroup's derived context.
func (c *KafkaConsumer) Consume(ctx context.Context, handler MessageHandler) error {
	grp, grpCtx := errgroup.WithContext(ctx)
	for _, reader := range c.readers {
		reader := reader
		grp.Go(func() error {
			return consumeLoop(grpCtx, reader, handler)
		})
	}
	return grp.Wait()
}

func consumeLoop(ctx context.Context, r *kafka.Reader, handler MessageHandler) error {
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := handler(ctx, msg.Topic, msg.Key, msg.Value); err != nil {
			continue // don't commit; message is redelivered
		}

		if err := r.CommitMessages(ctx, msg); err != nil {
			return err
		}
	}
}

func (c *KafkaConsumer) Close() error {
	var firstErr error
	for _, r := range c.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NoopProducer discards every publish; it is the bridge's default when no
// broker is configured.
type NoopProducer struct{}

func (NoopProducer) Publish(context.Context, string, string, []byte) error { return nil }
func (NoopProducer) Close() error                                         { return nil }

// NoopConsumer never delivers anything and returns immediately when ctx is
// cancelled.
type NoopConsumer struct{}

func (NoopConsumer) Consume(ctx context.Context, _ MessageHandler) error {
	<-ctx.Done()
	return nil
}
func (NoopConsumer) Close() error { return nil }
