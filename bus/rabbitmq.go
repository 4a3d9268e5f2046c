package bus

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/meridian-commerce/outbox"
)

// Publisher publishes AMQP messages. *amqp.Channel implements it.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitMQSubscriber forwards events to a RabbitMQ exchange as persistent messages
// routed by event type.
type RabbitMQSubscriber struct {
	publisher Publisher
	exchange  string
}

// NewRabbitMQSubscriber creates a RabbitMQSubscriber publishing to exchange.
func NewRabbitMQSubscriber(p Publisher, exchange string) *RabbitMQSubscriber {
	return &RabbitMQSubscriber{publisher: p, exchange: exchange}
}

// Handle implements outbox.Subscriber.
func (s *RabbitMQSubscriber) Handle(ctx context.Context, e outbox.Event) error {
	table := amqp.Table{}
	for _, h := range headers(e) {
		table[h.key] = h.value
	}

	err := s.publisher.PublishWithContext(
		ctx,
		s.exchange,
		e.EventType,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    e.ID.String(),
			Type:         e.EventType,
			Timestamp:    e.OccurredAt,
			Headers:      table,
			DeliveryMode: amqp.Persistent,
			Body:         e.Payload,
		},
	)
	if err != nil {
		return fmt.Errorf("publishing event %s to rabbitmq: %w", e.ID, err)
	}
	return nil
}
