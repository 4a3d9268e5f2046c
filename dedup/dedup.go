// Package dedup makes outbox subscribers idempotent.
//
// The relay delivers at least once: a record is dispatched again when any of its
// subscribers failed, when its lease expired, or when a relay crashed before
// settling it. A Store remembers which (subscriber, event) pairs were handled so
// side effects run once per pair.
package dedup

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/meridian-commerce/outbox"
)

// Store records handled events per subscriber.
type Store interface {
	// Reserve marks the event as handled by subscriber. It reports false when the
	// pair was already reserved.
	Reserve(ctx context.Context, subscriber string, eventID uuid.UUID) (bool, error)

	// Release removes a reservation so the event can be handled again.
	Release(ctx context.Context, subscriber string, eventID uuid.UUID) error
}

// Idempotent wraps next so it runs at most once per event for the given subscriber
// name. When next fails the reservation is released and the error returned, so the
// next delivery attempt runs it again.
//
// The reservation and the side effect of next are not atomic: a crash between them
// loses the effect. Subscribers writing to the same database should use
// SQLStore.Transactional instead.
func Idempotent(name string, store Store, next outbox.Subscriber) outbox.Subscriber {
	return outbox.SubscriberFunc(func(ctx context.Context, e outbox.Event) error {
		reserved, err := store.Reserve(ctx, name, e.ID)
		if err != nil {
			return fmt.Errorf("reserving event %s for %s: %w", e.ID, name, err)
		}
		if !reserved {
			return nil
		}

		if err := next.Handle(ctx, e); err != nil {
			releaseErr := store.Release(context.WithoutCancel(ctx), name, e.ID)
			if releaseErr != nil {
				return fmt.Errorf("%w (releasing reservation: %v)", err, releaseErr)
			}
			return err
		}
		return nil
	})
}
