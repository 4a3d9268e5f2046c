package outbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Subscriber consumes relayed events.
//
// Delivery is at-least-once: Handle may be called more than once for the same event,
// including after it already succeeded, when another subscriber of the same event type
// failed. Implementations must be idempotent (see the dedup package). Returning an
// error marks the delivery attempt as failed.
type Subscriber interface {
	Handle(ctx context.Context, e Event) error
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(ctx context.Context, e Event) error

// Handle implements Subscriber.
func (f SubscriberFunc) Handle(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Handle returns a Subscriber that decodes the JSON payload into T before calling fn.
// A payload that cannot be decoded fails with ErrPoisonPayload, which makes the relay
// dead-letter the record instead of retrying it.
func Handle[T any](fn func(ctx context.Context, e Event, payload T) error) Subscriber {
	return SubscriberFunc(func(ctx context.Context, e Event) error {
		var payload T
		if err := e.Decode(&payload); err != nil {
			return err
		}
		return fn(ctx, e, payload)
	})
}

// NamedSubscriber is a Subscriber registered under a name.
type NamedSubscriber struct {
	Name       string
	Subscriber Subscriber
}

// Registry maps event types to the subscribers interested in them.
// It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	subscribers map[string][]NamedSubscriber
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		subscribers: make(map[string][]NamedSubscriber),
	}
}

// Subscribe registers s for eventType under name. Names are unique per event type.
// Subscribers are invoked in registration order.
func (r *Registry) Subscribe(eventType, name string, s Subscriber) error {
	eventType = strings.TrimSpace(eventType)
	name = strings.TrimSpace(name)

	if eventType == "" || name == "" || s == nil {
		return fmt.Errorf("%w: event type %q, name %q", ErrInvalidSubscriber, eventType, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.subscribers[eventType] {
		if existing.Name == name {
			return fmt.Errorf("%w: %s on %s", ErrSubscriberAlreadyRegistered, name, eventType)
		}
	}

	r.subscribers[eventType] = append(r.subscribers[eventType], NamedSubscriber{Name: name, Subscriber: s})
	return nil
}

// MustSubscribe is like Subscribe but panics on error.
func (r *Registry) MustSubscribe(eventType, name string, s Subscriber) {
	if err := r.Subscribe(eventType, name, s); err != nil {
		panic(err)
	}
}

// Subscribers returns the subscribers registered for eventType.
func (r *Registry) Subscribers(eventType string) []NamedSubscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.subscribers[eventType]
	if len(subs) == 0 {
		return nil
	}
	out := make([]NamedSubscriber, len(subs))
	copy(out, subs)
	return out
}

// EventTypes returns the registered event types, sorted.
func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.subscribers))
	for t := range r.subscribers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
