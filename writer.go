package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Writer runs business operations inside a managed unit of work.
//
// It begins a transaction, hands a UnitOfWork to the callback, saves the tracked
// aggregates together with their events and commits. The transaction is rolled back
// if the callback returns an error or panics.
type Writer struct {
	dbCtx           *DBContext
	uowOpts         []UnitOfWorkOption
	unmanagedWriter *UnmanagedWriter
}

// UnmanagedWriter provides low-level access to outbox table persistence.
//
// Unlike Writer, UnmanagedWriter does not start, commit, or rollback
// transactions. It is intended for users who want to manage the transaction
// lifecycle themselves and only need to persist events.
//
// An UnmanagedWriter must be obtained via Writer.Unmanaged() function.
type UnmanagedWriter struct {
	writer *eventWriter
}

// WorkFunc is the user supplied callback for [Writer.Write].
// It loads aggregates, tracks them in the unit of work and calls their domain methods.
type WorkFunc func(ctx context.Context, uow *UnitOfWork) error

// NewWriter creates a new Writer. The options are applied to every unit of work it creates.
func NewWriter(dbCtx *DBContext, opts ...UnitOfWorkOption) *Writer {
	return &Writer{
		dbCtx:           dbCtx,
		uowOpts:         opts,
		unmanagedWriter: &UnmanagedWriter{writer: newEventWriter(dbCtx)},
	}
}

// Write executes fn inside a new unit of work and commits it.
//
// The transaction commits if the callback returns nil and saving succeeds, or rolls
// back if either returns an error or the callback panics. Events raised by tracked
// aggregates are committed atomically with their state.
//
// Example:
//
//	err := writer.Write(ctx, func(ctx context.Context, uow *outbox.UnitOfWork) error {
//	    order, err := orders.Load(ctx, uow.Tx(), orderID)
//	    if err != nil {
//	        return err
//	    }
//	    uow.Track(order, orders.Save(order))
//	    return order.Cancel("customer request")
//	})
//	if outbox.IsConflict(err) {
//	    // retry the whole operation
//	}
func (w *Writer) Write(ctx context.Context, fn WorkFunc) error {
	uow := NewUnitOfWork(w.dbCtx, w.uowOpts...)

	err := uow.BeginTransaction(ctx)
	if err != nil {
		return err
	}

	var committed bool
	defer func() {
		if !committed {
			_ = uow.RollbackTransaction(context.WithoutCancel(ctx))
		}
	}()

	err = fn(ctx, uow)
	if err != nil {
		return err
	}

	_, err = uow.SaveChanges(ctx)
	if err != nil {
		return err
	}

	err = uow.CommitTransaction(ctx)
	committed = err == nil

	return err
}

// Unmanaged returns an UnmanagedWriter that does not manage the transaction lifecycle.
func (w *Writer) Unmanaged() *UnmanagedWriter {
	return w.unmanagedWriter
}

// Store persists events into the outbox table using a user provided transaction.
//
// The events are only visible to relays once the provided transaction commits.
// It is the responsibility of the caller to commit or rollback the transaction.
func (w *UnmanagedWriter) Store(ctx context.Context, tx TxQueryer, events ...Event) error {
	return w.writer.write(ctx, tx, events)
}

// eventWriter turns events into pending outbox records.
type eventWriter struct {
	dbCtx *DBContext
	now   func() time.Time
}

func newEventWriter(dbCtx *DBContext) *eventWriter {
	return &eventWriter{
		dbCtx: dbCtx,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// write inserts one pending record per event, in order. Every event is validated
// before the first insert so an invalid event writes nothing.
func (w *eventWriter) write(ctx context.Context, tx TxQueryer, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	for _, e := range events {
		if e.EventType == "" {
			return fmt.Errorf("%w: event %s has no type", ErrInvalidPayload, e.ID)
		}
		if !json.Valid(e.Payload) {
			return fmt.Errorf("%w: event %s (%s) payload is not valid JSON", ErrInvalidPayload, e.ID, e.EventType)
		}
	}

	query := w.insertQuery()
	createdAt := w.now()

	for _, e := range events {
		var metadata any
		if len(e.Metadata) > 0 {
			metadata = e.Metadata
		}
		occurredAt := e.OccurredAt
		if occurredAt.IsZero() {
			occurredAt = createdAt
		}

		_, err := tx.ExecContext(ctx, query,
			w.dbCtx.formatEventIDForDB(e.ID),
			e.AggregateType,
			e.AggregateID,
			e.EventType,
			e.Payload,
			metadata,
			w.dbCtx.partitionFor(e.AggregateID),
			string(StatusPending),
			0,
			occurredAt.UTC(),
			createdAt,
		)
		if err != nil {
			return fmt.Errorf("storing event %s in outbox: %w", e.ID, err)
		}
	}

	if w.dbCtx.notifyChannel != "" {
		_, err := tx.ExecContext(ctx, "SELECT pg_notify($1, '')", w.dbCtx.notifyChannel)
		if err != nil {
			return fmt.Errorf("notifying outbox channel: %w", err)
		}
	}

	return nil
}

func (w *eventWriter) insertQuery() string {
	c := w.dbCtx
	// nolint:gosec
	return fmt.Sprintf(`INSERT INTO %s (id, aggregate_type, aggregate_id, event_type, payload, metadata,
		partition_key, status, retry_count, occurred_at, created_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		c.tableName,
		c.getSQLPlaceholder(1),
		c.getSQLPlaceholder(2),
		c.getSQLPlaceholder(3),
		c.getSQLPlaceholder(4),
		c.getSQLPlaceholder(5),
		c.getSQLPlaceholder(6),
		c.getSQLPlaceholder(7),
		c.getSQLPlaceholder(8),
		c.getSQLPlaceholder(9),
		c.getSQLPlaceholder(10),
		c.getSQLPlaceholder(11))
}
