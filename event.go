package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is an immutable fact raised by an aggregate.
// Events are buffered by the aggregate and persisted as outbox records
// by the unit of work that saves the aggregate.
type Event struct {
	// ID uniquely identifies the event. Subscribers use it for deduplication.
	ID uuid.UUID

	// OccurredAt is the UTC time the event was raised.
	OccurredAt time.Time

	AggregateID   string
	AggregateType string

	// EventType is the discriminator used to route the event to subscribers.
	EventType string

	// Payload holds the JSON encoded business data.
	Payload []byte

	// Metadata is optional JSON carrying correlation or trace identifiers.
	Metadata []byte
}

// EventOption configures an Event created by NewEvent.
type EventOption func(*Event)

// WithEventID sets the event id. A random UUID is used by default.
func WithEventID(id uuid.UUID) EventOption {
	return func(e *Event) {
		e.ID = id
	}
}

// WithOccurredAt sets the time the event occurred. The value is stored in UTC.
// The current time is used by default.
func WithOccurredAt(t time.Time) EventOption {
	return func(e *Event) {
		e.OccurredAt = t.UTC()
	}
}

// WithMetadata attaches metadata (e.g. correlation ID, trace ID) to the event.
// The metadata must be valid JSON.
func WithMetadata(metadata []byte) EventOption {
	return func(e *Event) {
		e.Metadata = metadata
	}
}

// NewEvent creates an event for the given aggregate. The payload is encoded as JSON
// unless it is already a []byte or json.RawMessage, in which case it must be valid JSON.
func NewEvent(aggregateType, aggregateID, eventType string, payload any, opts ...EventOption) (Event, error) {
	if eventType == "" {
		return Event{}, fmt.Errorf("%w: empty event type", ErrInvalidPayload)
	}

	data, err := encodePayload(payload)
	if err != nil {
		return Event{}, err
	}

	e := Event{
		ID:            uuid.New(),
		OccurredAt:    time.Now().UTC(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Payload:       data,
	}

	for _, opt := range opts {
		opt(&e)
	}

	if len(e.Metadata) > 0 && !json.Valid(e.Metadata) {
		return Event{}, fmt.Errorf("%w: metadata of %s is not valid JSON", ErrInvalidPayload, eventType)
	}

	return e, nil
}

// Decode unmarshals the event payload into v.
// Decoding failures are reported as ErrPoisonPayload.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: decoding %s event %s: %w", ErrPoisonPayload, e.EventType, e.ID, err)
	}
	return nil
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("null"), nil
	case json.RawMessage:
		return validJSON(p)
	case []byte:
		return validJSON(p)
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		return data, nil
	}
}

func validJSON(data []byte) ([]byte, error) {
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidPayload)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
