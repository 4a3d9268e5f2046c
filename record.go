package outbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the delivery status of an outbox record.
type Status string

// Record statuses. A Failed record with DeadLetteredAt set is terminal.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
)

// ParseStatus parses a status stored in the outbox table.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("unknown outbox status %q", s)
	}
	return st, nil
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusDelivered, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the relay may move a record from s to next.
//
//	pending    -> processing
//	failed     -> processing            (retry)
//	processing -> delivered | failed | pending (lease released or expired)
//
// Delivered is terminal. Dead-lettered failed records return to pending only
// through an explicit requeue, which is not a relay transition.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending, StatusFailed:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusDelivered || next == StatusFailed || next == StatusPending
	default:
		return false
	}
}

// Record is a persisted event together with its delivery state.
type Record struct {
	// Seq is the storage generated ordering key.
	Seq int64

	ID            uuid.UUID
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Metadata      []byte
	OccurredAt    time.Time
	CreatedAt     time.Time

	// Partition is derived from AggregateID when the record is written.
	Partition int

	Status         Status
	RetryCount     int
	LastError      string
	ProcessedAt    *time.Time
	NextAttemptAt  *time.Time
	ClaimedBy      string
	ClaimedAt      *time.Time
	LeaseExpiresAt *time.Time
	DeadLetteredAt *time.Time
}

// Event returns the domain event stored in the record.
func (r Record) Event() Event {
	return Event{
		ID:            r.ID,
		OccurredAt:    r.OccurredAt,
		AggregateID:   r.AggregateID,
		AggregateType: r.AggregateType,
		EventType:     r.EventType,
		Payload:       r.Payload,
		Metadata:      r.Metadata,
	}
}

// IsDeadLettered reports whether the record exhausted its attempts or was poisoned.
func (r Record) IsDeadLettered() bool {
	return r.Status == StatusFailed && r.DeadLetteredAt != nil
}
