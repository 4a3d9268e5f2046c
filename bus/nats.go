package bus

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/meridian-commerce/outbox"
)

// MsgPublisher publishes NATS messages. *nats.Conn implements it.
type MsgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

type flusher interface {
	FlushWithContext(ctx context.Context) error
}

// NATSSubscriber forwards events to NATS on the subject "<prefix>.<event type>".
// The event id is also sent as Nats-Msg-Id, so JetStream streams drop redeliveries
// within their duplicate window.
type NATSSubscriber struct {
	publisher MsgPublisher
	prefix    string
}

// NewNATSSubscriber creates a NATSSubscriber. An empty prefix publishes on the bare
// event type.
func NewNATSSubscriber(p MsgPublisher, subjectPrefix string) *NATSSubscriber {
	return &NATSSubscriber{publisher: p, prefix: subjectPrefix}
}

// Handle implements outbox.Subscriber. When the publisher can flush, Handle waits
// for the server to acknowledge the flush before reporting success.
func (s *NATSSubscriber) Handle(ctx context.Context, e outbox.Event) error {
	msg := &nats.Msg{
		Subject: s.subject(e),
		Data:    e.Payload,
		Header:  make(nats.Header),
	}
	for _, h := range headers(e) {
		msg.Header.Set(h.key, h.value)
	}
	msg.Header.Set(nats.MsgIdHdr, e.ID.String())

	if err := s.publisher.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing event %s to nats: %w", e.ID, err)
	}

	if f, ok := s.publisher.(flusher); ok {
		if err := f.FlushWithContext(ctx); err != nil {
			return fmt.Errorf("flushing event %s to nats: %w", e.ID, err)
		}
	}
	return nil
}

func (s *NATSSubscriber) subject(e outbox.Event) string {
	if s.prefix == "" {
		return e.EventType
	}
	return s.prefix + "." + e.EventType
}
