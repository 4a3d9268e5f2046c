package bus

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/meridian-commerce/outbox"
)

// MessageWriter writes Kafka messages. *kafka.Writer implements it.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSubscriber forwards events to Kafka. Messages are keyed by aggregate id, so
// the events of one aggregate land in one partition and keep their order.
type KafkaSubscriber struct {
	writer MessageWriter
	topic  func(outbox.Event) string
}

// KafkaOption configures a KafkaSubscriber.
type KafkaOption func(*KafkaSubscriber)

// WithTopic sets a fixed topic on every message. Leave it unset when the writer is
// configured with a topic.
func WithTopic(topic string) KafkaOption {
	return func(s *KafkaSubscriber) {
		s.topic = func(outbox.Event) string { return topic }
	}
}

// WithTopicFunc picks the topic per event.
func WithTopicFunc(fn func(outbox.Event) string) KafkaOption {
	return func(s *KafkaSubscriber) {
		s.topic = fn
	}
}

// NewKafkaSubscriber creates a KafkaSubscriber writing through w.
func NewKafkaSubscriber(w MessageWriter, opts ...KafkaOption) *KafkaSubscriber {
	s := &KafkaSubscriber{writer: w}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle implements outbox.Subscriber.
func (s *KafkaSubscriber) Handle(ctx context.Context, e outbox.Event) error {
	hs := headers(e)
	kafkaHeaders := make([]kafka.Header, 0, len(hs))
	for _, h := range hs {
		kafkaHeaders = append(kafkaHeaders, kafka.Header{Key: h.key, Value: []byte(h.value)})
	}

	msg := kafka.Message{
		Key:     []byte(e.AggregateID),
		Value:   e.Payload,
		Headers: kafkaHeaders,
		Time:    e.OccurredAt,
	}
	if s.topic != nil {
		msg.Topic = s.topic(e)
	}

	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("writing event %s to kafka: %w", e.ID, err)
	}
	return nil
}
