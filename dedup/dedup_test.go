package dedup

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-commerce/outbox"
)

type memStore struct {
	mu         sync.Mutex
	reserved   map[string]bool
	reserveErr error
	released   int
}

func newMemStore() *memStore {
	return &memStore{reserved: make(map[string]bool)}
}

func (s *memStore) Reserve(_ context.Context, subscriber string, eventID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reserveErr != nil {
		return false, s.reserveErr
	}
	key := subscriber + "/" + eventID.String()
	if s.reserved[key] {
		return false, nil
	}
	s.reserved[key] = true
	return true, nil
}

func (s *memStore) Release(_ context.Context, subscriber string, eventID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.released++
	delete(s.reserved, subscriber+"/"+eventID.String())
	return nil
}

func testEvent(t *testing.T) outbox.Event {
	t.Helper()

	e, err := outbox.NewEvent("order", "order-1", "OrderCancelled", map[string]string{"reason": "customer"})
	require.NoError(t, err)
	return e
}

func TestIdempotentRunsOncePerEvent(t *testing.T) {
	store := newMemStore()
	calls := 0
	s := Idempotent("email", store, outbox.SubscriberFunc(func(context.Context, outbox.Event) error {
		calls++
		return nil
	}))

	e := testEvent(t)
	require.NoError(t, s.Handle(context.Background(), e))
	require.NoError(t, s.Handle(context.Background(), e))

	assert.Equal(t, 1, calls)
}

func TestIdempotentReleasesOnFailure(t *testing.T) {
	store := newMemStore()
	handlerErr := errors.New("smtp unavailable")
	calls := 0
	s := Idempotent("email", store, outbox.SubscriberFunc(func(context.Context, outbox.Event) error {
		calls++
		if calls == 1 {
			return handlerErr
		}
		return nil
	}))

	e := testEvent(t)
	err := s.Handle(context.Background(), e)
	require.ErrorIs(t, err, handlerErr)
	assert.Equal(t, 1, store.released)

	require.NoError(t, s.Handle(context.Background(), e))
	require.NoError(t, s.Handle(context.Background(), e))
	assert.Equal(t, 2, calls)
}

func TestIdempotentSubscribersAreIndependent(t *testing.T) {
	store := newMemStore()
	var calls []string
	handler := func(name string) outbox.Subscriber {
		return Idempotent(name, store, outbox.SubscriberFunc(func(context.Context, outbox.Event) error {
			calls = append(calls, name)
			return nil
		}))
	}

	e := testEvent(t)
	require.NoError(t, handler("email").Handle(context.Background(), e))
	require.NoError(t, handler("ledger").Handle(context.Background(), e))

	assert.Equal(t, []string{"email", "ledger"}, calls)
}

func TestIdempotentReserveError(t *testing.T) {
	store := newMemStore()
	store.reserveErr = errors.New("connection refused")
	s := Idempotent("email", store, outbox.SubscriberFunc(func(context.Context, outbox.Event) error {
		t.Fatal("handler must not run")
		return nil
	}))

	err := s.Handle(context.Background(), testEvent(t))
	require.ErrorIs(t, err, store.reserveErr)
	assert.Contains(t, err.Error(), "for email")
}
