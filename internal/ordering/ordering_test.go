package ordering_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-commerce/outbox"
	"github.com/meridian-commerce/outbox/dedup"
	"github.com/meridian-commerce/outbox/internal/ordering"
	"github.com/meridian-commerce/outbox/migrations"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []outbox.Event
}

func (r *recorder) Handle(_ context.Context, e outbox.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// typesOf returns the event types recorded for an aggregate, in delivery order.
func (r *recorder) typesOf(aggregateID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for _, e := range r.events {
		if e.AggregateID == aggregateID {
			out = append(out, e.EventType)
		}
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

var allEventTypes = []string{
	ordering.EventOrderPlaced,
	ordering.EventOrderApproved,
	ordering.EventOrderCancelled,
	ordering.EventStockReserved,
	ordering.EventStockRestored,
}

type fixture struct {
	db        *sql.DB
	dbCtx     *outbox.DBContext
	service   *ordering.Service
	repo      *ordering.Repository
	inspector *outbox.Inspector
	clock     *clock
}

func newFixture(t *testing.T, opts ...outbox.UnitOfWorkOption) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "shop.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, migrations.Up(db, "sqlite"))
	require.NoError(t, ordering.ApplySchema(ctx, db, outbox.SQLDialectSQLite))

	dbCtx := outbox.NewDBContext(db, outbox.SQLDialectSQLite)
	svc := ordering.NewService(dbCtx, zaptest.NewLogger(t), opts...)

	f := &fixture{
		db:        db,
		dbCtx:     dbCtx,
		service:   svc,
		repo:      svc.Repository(),
		inspector: outbox.NewInspector(dbCtx),
		clock:     &clock{now: time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)},
	}

	require.NoError(t, f.repo.CreateStockItem(ctx, db, "sku-1", 10))
	require.NoError(t, f.repo.CreateStockItem(ctx, db, "sku-2", 5))
	return f
}

func (f *fixture) newRelay(t *testing.T, registry *outbox.Registry, opts ...outbox.RelayOption) *outbox.Relay {
	t.Helper()

	opts = append([]outbox.RelayOption{
		outbox.WithClock(f.clock.Now),
		outbox.WithFixedDelay(time.Minute),
		outbox.WithLogger(zaptest.NewLogger(t)),
	}, opts...)

	relay, err := outbox.NewRelay(f.dbCtx, registry, opts...)
	require.NoError(t, err)
	return relay
}

func (f *fixture) notifications(t *testing.T, registry *outbox.Registry) {
	t.Helper()

	store := dedup.NewSQLStore(f.db, outbox.SQLDialectSQLite)
	require.NoError(t, ordering.NewNotifications(f.repo, store).Register(registry))
}

type row struct {
	id            uuid.UUID
	aggregateID   string
	eventType     string
	aggregateType string
}

func (f *fixture) rows(t *testing.T) []row {
	t.Helper()

	rows, err := f.db.Query("SELECT id, aggregate_type, aggregate_id, event_type FROM outbox ORDER BY seq")
	require.NoError(t, err)
	defer rows.Close()

	var out []row
	for rows.Next() {
		var r row
		require.NoError(t, rows.Scan(&r.id, &r.aggregateType, &r.aggregateID, &r.eventType))
		out = append(out, r)
	}
	require.NoError(t, rows.Err())
	return out
}

func (f *fixture) eventID(t *testing.T, eventType, aggregateID string) uuid.UUID {
	t.Helper()

	for _, r := range f.rows(t) {
		if r.eventType == eventType && r.aggregateID == aggregateID {
			return r.id
		}
	}
	t.Fatalf("no %s record for %s", eventType, aggregateID)
	return uuid.Nil
}

func (f *fixture) available(t *testing.T, sku string) int {
	t.Helper()

	item, err := f.repo.LoadStockItem(context.Background(), f.db, sku)
	require.NoError(t, err)
	return item.Available
}

func TestPlaceOrderWritesOneRecordPerEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.service.PlaceOrder(ctx, "order-1", "customer-1", []ordering.Line{
		{SKU: "sku-1", Quantity: 2},
		{SKU: "sku-2", Quantity: 1},
	})
	require.NoError(t, err)

	rows := f.rows(t)
	require.Len(t, rows, 3)
	assert.Equal(t, ordering.EventOrderPlaced, rows[0].eventType)
	assert.Equal(t, ordering.AggregateOrder, rows[0].aggregateType)
	assert.Equal(t, ordering.EventStockReserved, rows[1].eventType)
	assert.Equal(t, "sku-1", rows[1].aggregateID)
	assert.Equal(t, ordering.EventStockReserved, rows[2].eventType)
	assert.Equal(t, "sku-2", rows[2].aggregateID)

	assert.Equal(t, 8, f.available(t, "sku-1"))
	assert.Equal(t, 4, f.available(t, "sku-2"))

	stats, err := f.inspector.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.Stats{Pending: 3}, stats)
}

func TestCancelOrderIsRelayedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.PlaceOrder(ctx, "order-1", "customer-1", []ordering.Line{
		{SKU: "sku-1", Quantity: 2},
		{SKU: "sku-2", Quantity: 1},
	}))
	require.NoError(t, f.service.CancelOrder(ctx, "order-1", "customer request"))

	rows := f.rows(t)
	require.Len(t, rows, 6)
	assert.Equal(t, ordering.EventOrderCancelled, rows[3].eventType)
	assert.Equal(t, ordering.EventStockRestored, rows[4].eventType)
	assert.Equal(t, ordering.EventStockRestored, rows[5].eventType)

	order, err := f.repo.LoadOrder(ctx, f.db, "order-1")
	require.NoError(t, err)
	assert.Equal(t, ordering.OrderCancelledStatus, order.Status)
	assert.Equal(t, 2, order.Version)
	assert.Equal(t, 10, f.available(t, "sku-1"))
	assert.Equal(t, 5, f.available(t, "sku-2"))

	rec := &recorder{}
	registry := outbox.NewRegistry()
	for _, eventType := range allEventTypes {
		registry.MustSubscribe(eventType, "recorder", rec)
	}
	f.notifications(t, registry)
	relay := f.newRelay(t, registry)

	res, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Fetched)
	assert.Equal(t, 6, res.Delivered)

	res, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Fetched)

	assert.Equal(t, 6, rec.count())
	assert.Equal(t, []string{ordering.EventOrderPlaced, ordering.EventOrderCancelled}, rec.typesOf("order-1"))
	assert.Equal(t, []string{ordering.EventStockReserved, ordering.EventStockRestored}, rec.typesOf("sku-1"))

	notifications, err := f.repo.ListNotifications(ctx, f.db, "customer-1")
	require.NoError(t, err)
	require.Len(t, notifications, 2)
	assert.Equal(t, "order_cancelled", notifications[0].Kind)
	assert.Equal(t, "order_placed", notifications[1].Kind)

	rec1, err := f.inspector.Get(ctx, rows[3].id)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusDelivered, rec1.Status)
	assert.NotNil(t, rec1.ProcessedAt)
	assert.Empty(t, rec1.ClaimedBy)
}

func TestCancelOrderTwiceFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.PlaceOrder(ctx, "order-1", "customer-1", []ordering.Line{{SKU: "sku-1", Quantity: 1}}))
	require.NoError(t, f.service.CancelOrder(ctx, "order-1", "first"))

	err := f.service.CancelOrder(ctx, "order-1", "second")
	assert.ErrorIs(t, err, ordering.ErrOrderNotCancellable)
	assert.Len(t, f.rows(t), 4)
	assert.Equal(t, 10, f.available(t, "sku-1"))
}

func TestRolledBackOperationLeavesNoRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.service.PlaceOrder(ctx, "order-1", "customer-1", []ordering.Line{
		{SKU: "sku-1", Quantity: 2},
		{SKU: "sku-2", Quantity: 50},
	})
	assert.ErrorIs(t, err, ordering.ErrInsufficientStock)
	assert.Empty(t, f.rows(t))
	assert.Equal(t, 10, f.available(t, "sku-1"))

	_, err = f.repo.LoadOrder(ctx, f.db, "order-1")
	assert.ErrorIs(t, err, ordering.ErrOrderNotFound)
}

func TestDuplicateSKUIsRejectedWithoutRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.service.PlaceOrder(ctx, "order-1", "customer-1", []ordering.Line{
		{SKU: "sku-1", Quantity: 1},
		{SKU: "sku-1", Quantity: 2},
	})
	assert.ErrorIs(t, err, ordering.ErrDuplicateLine)
	assert.NotErrorIs(t, err, ordering.ErrRetryOperation)
	assert.Empty(t, f.rows(t))
	assert.Equal(t, 10, f.available(t, "sku-1"))
}

func TestExplicitRollbackDiscardsSavedEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.PlaceOrder(ctx, "order-1", "customer-1", []ordering.Line{{SKU: "sku-1", Quantity: 1}}))

	uow := outbox.NewUnitOfWork(f.dbCtx)
	require.NoError(t, uow.BeginTransaction(ctx))

	order, err := f.repo.LoadOrder(ctx, uow.Tx(), "order-1")
	require.NoError(t, err)
	require.NoError(t, order.Cancel("changed my mind"))
	uow.Track(order, f.repo.SaveOrder(order))

	_, err = uow.SaveChanges(ctx)
	require.NoError(t, err)
	require.NoError(t, uow.RollbackTransaction(ctx))

	assert.Len(t, f.rows(t), 2)

	stored, err := f.repo.LoadOrder(ctx, f.db, "order-1")
	require.NoError(t, err)
	assert.Equal(t, ordering.OrderPlacedStatus, stored.Status)
}

func TestStaleOrderIsAConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.PlaceOrder(ctx, "order-1", "customer-1", []ordering.Line{{SKU: "sku-1", Quantity: 1}}))

	stale, err := f.repo.LoadOrder(ctx, f.db, "order-1")
	require.NoError(t, err)

	require.NoError(t, f.service.ApproveOrder(ctx, "order-1"))

	uow := outbox.NewUnitOfWork(f.dbCtx)
	require.NoError(t, stale.Cancel("late"))
	uow.Track(stale, f.repo.SaveOrder(stale))

	_, err = uow.SaveChanges(ctx)
	assert.True(t, outbox.IsConflict(err))
	assert.ErrorIs(t, err, outbox.ErrConcurrencyConflict)

	// placed, reserved and approved only
	assert.Len(t, f.rows(t), 3)
	assert.Len(t, stale.PendingEvents(), 1)
}

func TestFailedDeliveryIsRetriedAndAppliedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.PlaceOrder(ctx, "order-1", "customer-1", []ordering.Line{{SKU: "sku-1", Quantity: 1}}))

	registry := outbox.NewRegistry()
	f.notifications(t, registry)

	var calls atomic.Int32
	registry.MustSubscribe(ordering.EventOrderPlaced, "mailer", outbox.SubscriberFunc(func(context.Context, outbox.Event) error {
		if calls.Add(1) == 1 {
			return errors.New("smtp unavailable")
		}
		return nil
	}))

	relay := f.newRelay(t, registry, outbox.WithMaxAttempts(3))
	placed := f.eventID(t, ordering.EventOrderPlaced, "order-1")

	res, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Failed)

	rec, err := f.inspector.Get(ctx, placed)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailed, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Contains(t, rec.LastError, "smtp unavailable")
	assert.Nil(t, rec.DeadLetteredAt)
	require.NotNil(t, rec.NextAttemptAt)
	assert.True(t, f.clock.Now().Add(time.Minute).Equal(*rec.NextAttemptAt))

	select {
	case err := <-relay.Errors():
		var dispatchErr *outbox.DispatchError
		require.ErrorAs(t, err, &dispatchErr)
		assert.Equal(t, placed, dispatchErr.Record.ID)

		var subErr *outbox.SubscriberError
		require.ErrorAs(t, err, &subErr)
		assert.Equal(t, "mailer", subErr.Subscriber)
	default:
		t.Fatal("expected a dispatch error")
	}

	res, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Fetched, "backoff has not elapsed")

	f.clock.Advance(time.Minute)

	res, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	rec, err = f.inspector.Get(ctx, placed)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusDelivered, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)

	notifications, err := f.repo.ListNotifications(ctx, f.db, "customer-1")
	require.NoError(t, err)
	assert.Len(t, notifications, 1)
	assert.EqualValues(t, 2, calls.Load())
}

func TestExhaustedRecordIsDeadLetteredAndRequeued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.PlaceOrder(ctx, "order-1", "customer-1", []ordering.Line{{SKU: "sku-1", Quantity: 1}}))

	var failing atomic.Bool
	failing.Store(true)

	registry := outbox.NewRegistry()
	registry.MustSubscribe(ordering.EventOrderPlaced, "erp", outbox.SubscriberFunc(func(context.Context, outbox.Event) error {
		if failing.Load() {
			return errors.New("erp rejected order")
		}
		return nil
	}))

	relay := f.newRelay(t, registry, outbox.WithMaxAttempts(2))
	placed := f.eventID(t, ordering.EventOrderPlaced, "order-1")

	res, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	f.clock.Advance(time.Minute)

	res, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)

	select {
	case rec := <-relay.DeadLetters():
		assert.Equal(t, placed, rec.ID)
		assert.Equal(t, 2, rec.RetryCount)
		assert.True(t, rec.IsDeadLettered())
	default:
		t.Fatal("expected a dead-lettered record")
	}

	f.clock.Advance(time.Hour)

	res, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Fetched)

	dead, err := f.inspector.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, placed, dead[0].ID)
	assert.Contains(t, dead[0].LastError, "erp rejected order")

	stats, err := f.inspector.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.Stats{Delivered: 1, Failed: 1, DeadLettered: 1}, stats)

	require.NoError(t, f.inspector.Requeue(ctx, placed))
	assert.ErrorIs(t, f.inspector.Requeue(ctx, placed), outbox.ErrNotDeadLettered)
	assert.ErrorIs(t, f.inspector.Requeue(ctx, uuid.New()), outbox.ErrRecordNotFound)

	failing.Store(false)

	res, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	rec, err := f.inspector.Get(ctx, placed)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusDelivered, rec.Status)
	assert.Zero(t, rec.RetryCount)
}

func TestPoisonPayloadIsDeadLetteredImmediately(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"invalid JSON", []byte(`{"order_id":`)},
		{"wrong shape", []byte(`{"order_id":42}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			require.NoError(t, f.service.PlaceOrder(ctx, "order-1", "customer-1", []ordering.Line{{SKU: "sku-1", Quantity: 1}}))
			placed := f.eventID(t, ordering.EventOrderPlaced, "order-1")

			_, err := f.db.Exec("UPDATE outbox SET payload = ? WHERE id = ?", tt.payload, placed.String())
			require.NoError(t, err)

			registry := outbox.NewRegistry()
			f.notifications(t, registry)
			relay := f.newRelay(t, registry, outbox.WithMaxAttempts(10))

			res, err := relay.RunOnce(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, res.DeadLettered)
			assert.Equal(t, 1, res.Delivered)

			rec, err := f.inspector.Get(ctx, placed)
			require.NoError(t, err)
			assert.True(t, rec.IsDeadLettered())
			assert.Equal(t, 1, rec.RetryCount)
			assert.Contains(t, rec.LastError, "poison payload")

			notifications, err := f.repo.ListNotifications(ctx, f.db, "customer-1")
			require.NoError(t, err)
			assert.Empty(t, notifications)
		})
	}
}

func TestFailedRecordHoldsBackLaterRecordsOfItsAggregate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.PlaceOrder(ctx, "order-1", "customer-1", []ordering.Line{{SKU: "sku-1", Quantity: 1}}))
	require.NoError(t, f.service.PlaceOrder(ctx, "order-2", "customer-2", []ordering.Line{{SKU: "sku-2", Quantity: 1}}))
	require.NoError(t, f.service.CancelOrder(ctx, "order-1", "duplicate"))

	rec := &recorder{}
	var calls atomic.Int32

	registry := outbox.NewRegistry()
	registry.MustSubscribe(ordering.EventOrderPlaced, "flaky", outbox.SubscriberFunc(func(_ context.Context, e outbox.Event) error {
		if e.AggregateID == "order-1" && calls.Add(1) == 1 {
			return errors.New("timeout")
		}
		return nil
	}))
	for _, eventType := range allEventTypes {
		registry.MustSubscribe(eventType, "recorder", rec)
	}

	relay := f.newRelay(t, registry, outbox.WithWorkers(4))

	res, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Fetched)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 4, res.Delivered)

	res, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Fetched)

	f.clock.Advance(time.Minute)

	res, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)

	// The failed attempt still reached the recorder, so order.placed shows up twice.
	assert.Equal(t, []string{
		ordering.EventOrderPlaced,
		ordering.EventOrderPlaced,
		ordering.EventOrderCancelled,
	}, rec.typesOf("order-1"))
	assert.Equal(t, []string{ordering.EventOrderPlaced}, rec.typesOf("order-2"))
}

func TestConcurrentRelaysDeliverEachRecordOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := range 5 {
		orderID := "order-" + string(rune('a'+i))
		require.NoError(t, f.service.PlaceOrder(ctx, orderID, "customer-1", []ordering.Line{
			{SKU: "sku-1", Quantity: 1},
			{SKU: "sku-2", Quantity: 1},
		}))
	}
	total := len(f.rows(t))
	require.Equal(t, 15, total)

	var (
		mu         sync.Mutex
		deliveries = make(map[uuid.UUID]int)
	)
	counter := outbox.SubscriberFunc(func(_ context.Context, e outbox.Event) error {
		mu.Lock()
		defer mu.Unlock()
		deliveries[e.ID]++
		return nil
	})

	registry := outbox.NewRegistry()
	for _, eventType := range allEventTypes {
		registry.MustSubscribe(eventType, "counter", counter)
	}

	relays := []*outbox.Relay{
		f.newRelay(t, registry, outbox.WithWorkers(4), outbox.WithWorkerID("relay-a")),
		f.newRelay(t, registry, outbox.WithWorkers(4), outbox.WithWorkerID("relay-b")),
	}

	var g errgroup.Group
	for _, relay := range relays {
		g.Go(func() error {
			for range 5 {
				if _, err := relay.RunOnce(ctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for range 10 {
		res, err := relays[0].RunOnce(ctx)
		require.NoError(t, err)
		if res.Fetched == 0 {
			break
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, deliveries, total)
	for id, n := range deliveries {
		assert.Equal(t, 1, n, "record %s delivered %d times", id, n)
	}

	stats, err := f.inspector.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.Stats{Delivered: int64(total)}, stats)
}

func TestCommitWakesStartedRelay(t *testing.T) {
	registry := outbox.NewRegistry()
	rec := &recorder{}
	for _, eventType := range allEventTypes {
		registry.MustSubscribe(eventType, "recorder", rec)
	}

	var relay *outbox.Relay
	f := newFixture(t, outbox.WithNotifier(notifierFunc(func() { relay.Notify() })))
	relay = f.newRelay(t, registry, outbox.WithInterval(time.Hour))

	relay.Start()
	t.Cleanup(func() {
		require.NoError(t, relay.Stop(context.Background()))
	})

	require.NoError(t, f.service.PlaceOrder(context.Background(), "order-1", "customer-1", []ordering.Line{{SKU: "sku-1", Quantity: 1}}))

	require.Eventually(t, func() bool {
		return rec.count() == 2
	}, 5*time.Second, 10*time.Millisecond)
}

type notifierFunc func()

func (f notifierFunc) Notify() { f() }
