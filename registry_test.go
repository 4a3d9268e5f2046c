package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrySubscribe(t *testing.T) {
	r := NewRegistry()
	noop := SubscriberFunc(func(context.Context, Event) error { return nil })

	require.NoError(t, r.Subscribe("order.placed", "mailer", noop))
	require.NoError(t, r.Subscribe("order.placed", "erp", noop))
	require.NoError(t, r.Subscribe("order.cancelled", "mailer", noop))

	subs := r.Subscribers("order.placed")
	require.Len(t, subs, 2)
	assert.Equal(t, "mailer", subs[0].Name)
	assert.Equal(t, "erp", subs[1].Name)

	assert.Nil(t, r.Subscribers("stock.reserved"))
	assert.Equal(t, []string{"order.cancelled", "order.placed"}, r.EventTypes())

	err := r.Subscribe("order.placed", "mailer", noop)
	assert.ErrorIs(t, err, ErrSubscriberAlreadyRegistered)

	assert.ErrorIs(t, r.Subscribe(" ", "mailer", noop), ErrInvalidSubscriber)
	assert.ErrorIs(t, r.Subscribe("order.placed", "", noop), ErrInvalidSubscriber)
	assert.ErrorIs(t, r.Subscribe("order.placed", "nil", nil), ErrInvalidSubscriber)

	assert.Panics(t, func() { r.MustSubscribe("order.placed", "erp", noop) })
}

func TestHandleDecodesPayload(t *testing.T) {
	type placed struct {
		OrderID string `json:"order_id"`
	}

	var got placed
	s := Handle(func(_ context.Context, _ Event, p placed) error {
		got = p
		return nil
	})

	e, err := NewEvent("order", "order-1", "order.placed", placed{OrderID: "order-1"})
	require.NoError(t, err)
	require.NoError(t, s.Handle(context.Background(), e))
	assert.Equal(t, "order-1", got.OrderID)

	e.Payload = []byte(`{"order_id":1}`)
	err = s.Handle(context.Background(), e)
	assert.True(t, errors.Is(err, ErrPoisonPayload))
}
