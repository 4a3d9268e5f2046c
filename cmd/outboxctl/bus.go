package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/meridian-commerce/outbox"
	"github.com/meridian-commerce/outbox/bus"
	"github.com/meridian-commerce/outbox/config"
	"github.com/meridian-commerce/outbox/dedup"
)

// busSubscriberName is the name bus subscribers register and reserve events under.
func busSubscriberName(kind string) string {
	return "bus-" + kind
}

// newBusSubscriber connects to the configured bus. The returned close function
// releases the connection and is never nil.
func newBusSubscriber(cfg config.Bus, logger *zap.Logger) (outbox.Subscriber, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Kind {
	case config.BusKafka:
		w := &kafka.Writer{
			Addr:                   kafka.TCP(cfg.KafkaBrokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		}
		return bus.NewKafkaSubscriber(w, bus.WithTopic(cfg.KafkaTopic)), w.Close, nil

	case config.BusNATS:
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("outboxctl"))
		if err != nil {
			return nil, noop, fmt.Errorf("connecting to NATS: %w", err)
		}
		return bus.NewNATSSubscriber(nc, cfg.NATSPrefix), nc.Drain, nil

	case config.BusRabbitMQ:
		conn, err := amqp.Dial(cfg.RabbitMQURL)
		if err != nil {
			return nil, noop, fmt.Errorf("connecting to RabbitMQ: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, noop, fmt.Errorf("opening RabbitMQ channel: %w", err)
		}
		err = ch.ExchangeDeclare(cfg.RabbitMQExchange, "topic", true, false, false, false, nil)
		if err != nil {
			_ = conn.Close()
			return nil, noop, fmt.Errorf("declaring exchange %s: %w", cfg.RabbitMQExchange, err)
		}
		closeFn := func() error {
			return errors.Join(ch.Close(), conn.Close())
		}
		return bus.NewRabbitMQSubscriber(ch, cfg.RabbitMQExchange), closeFn, nil

	case config.BusLog:
		return logSubscriber(logger), noop, nil

	default:
		return nil, noop, fmt.Errorf("unsupported bus %q", cfg.Kind)
	}
}

// logSubscriber writes every event to the log instead of a broker.
func logSubscriber(logger *zap.Logger) outbox.Subscriber {
	return outbox.SubscriberFunc(func(ctx context.Context, e outbox.Event) error {
		logger.Info("event",
			zap.Stringer("event_id", e.ID),
			zap.String("event_type", e.EventType),
			zap.String("aggregate_type", e.AggregateType),
			zap.String("aggregate_id", e.AggregateID),
			zap.Time("occurred_at", e.OccurredAt),
			zap.ByteString("payload", e.Payload),
		)
		return nil
	})
}

// withDedup wraps s with a Redis backed deduplication store when one is configured.
// The returned close function is never nil.
func withDedup(cfg config.Dedup, name string, s outbox.Subscriber) (outbox.Subscriber, func() error) {
	if cfg.RedisAddr == "" {
		return s, func() error { return nil }
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	store := dedup.NewRedisStore(client, dedup.WithTTL(cfg.TTL))
	return dedup.Idempotent(name, store, s), client.Close
}

// newRegistry subscribes s to every configured event type.
func newRegistry(eventTypes []string, name string, s outbox.Subscriber) (*outbox.Registry, error) {
	registry := outbox.NewRegistry()
	for _, eventType := range eventTypes {
		if err := registry.Subscribe(eventType, name, s); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
