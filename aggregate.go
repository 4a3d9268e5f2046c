package outbox

import "sync"

// Aggregate is implemented by domain objects tracked by a UnitOfWork.
// Embedding AggregateRoot satisfies it.
type Aggregate interface {
	// HasChanges reports whether the aggregate has state or events to persist.
	HasChanges() bool

	// PendingEvents returns a copy of the buffered events without clearing them.
	PendingEvents() []Event

	// AcceptEvents drops the first n buffered events once they are written.
	// Events raised after the PendingEvents snapshot stay buffered.
	AcceptEvents(n int)

	// AcceptChanges clears the change flag after a successful flush.
	AcceptChanges()
}

// AggregateRoot buffers domain events raised by an aggregate until they are
// persisted. Domain types embed it and call AddDomainEvent from their methods:
//
//	type Order struct {
//	    outbox.AggregateRoot
//	    ID     string
//	    Status string
//	}
//
//	func (o *Order) Cancel(reason string) error {
//	    if o.Status == "cancelled" {
//	        return ErrAlreadyCancelled
//	    }
//	    o.Status = "cancelled"
//	    return o.Raise("order", o.ID, "order.cancelled", OrderCancelled{Reason: reason})
//	}
//
// The zero value is ready to use.
type AggregateRoot struct {
	mu      sync.Mutex
	events  []Event
	changed bool
}

// AddDomainEvent appends e to the pending list and marks the aggregate as changed.
func (a *AggregateRoot) AddDomainEvent(e Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.events = append(a.events, e)
	a.changed = true
}

// Raise builds an event with NewEvent and appends it to the pending list.
func (a *AggregateRoot) Raise(aggregateType, aggregateID, eventType string, payload any, opts ...EventOption) error {
	e, err := NewEvent(aggregateType, aggregateID, eventType, payload, opts...)
	if err != nil {
		return err
	}
	a.AddDomainEvent(e)
	return nil
}

// MarkChanged flags a state change that raised no event.
func (a *AggregateRoot) MarkChanged() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.changed = true
}

// HasChanges implements Aggregate.
func (a *AggregateRoot) HasChanges() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.changed || len(a.events) > 0
}

// PendingEvents implements Aggregate.
func (a *AggregateRoot) PendingEvents() []Event {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.events) == 0 {
		return nil
	}
	out := make([]Event, len(a.events))
	copy(out, a.events)
	return out
}

// PullPendingEvents returns the buffered events and clears the buffer. Use it when
// storing events through an UnmanagedWriter.
func (a *AggregateRoot) PullPendingEvents() []Event {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := a.events
	a.events = nil
	return out
}

// AcceptEvents implements Aggregate.
func (a *AggregateRoot) AcceptEvents(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n >= len(a.events) {
		a.events = nil
		return
	}
	a.events = append([]Event(nil), a.events[n:]...)
}

// AcceptChanges implements Aggregate.
func (a *AggregateRoot) AcceptChanges() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.changed = false
}
