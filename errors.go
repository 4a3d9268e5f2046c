package outbox

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meridian-commerce/outbox/internal/sqlerr"
)

var (
	// ErrConcurrencyConflict is returned when an optimistic concurrency check fails while
	// saving an aggregate. Callers should roll back and retry the whole operation.
	ErrConcurrencyConflict = errors.New("outbox: concurrency conflict")

	// ErrTransactionAlreadyActive is returned by BeginTransaction when the unit of work
	// already owns a transaction. Nested transactions are not supported.
	ErrTransactionAlreadyActive = errors.New("outbox: transaction already active")

	// ErrNoActiveTransaction is returned when committing or rolling back without a transaction.
	ErrNoActiveTransaction = errors.New("outbox: no active transaction")

	// ErrTransactionAborted is returned after a failed SaveChanges. The transaction has been
	// rolled back and can only be discarded.
	ErrTransactionAborted = errors.New("outbox: transaction aborted")

	// ErrUnsavedChanges is returned by CommitTransaction when tracked aggregates still hold
	// changes or events that were not saved.
	ErrUnsavedChanges = errors.New("outbox: tracked aggregates have unsaved changes")

	// ErrInvalidPayload is returned when an event payload is not valid JSON.
	ErrInvalidPayload = errors.New("outbox: invalid event payload")

	// ErrPoisonPayload marks a record whose payload cannot be decoded. Such records are
	// dead-lettered without further attempts.
	ErrPoisonPayload = errors.New("outbox: poison payload")

	// ErrLeaseLost is returned when a relay tries to settle a record it no longer holds.
	ErrLeaseLost = errors.New("outbox: lease lost")

	// ErrRecordNotFound is returned when no outbox record matches the given id.
	ErrRecordNotFound = errors.New("outbox: record not found")

	// ErrNotDeadLettered is returned when requeueing a record that is not dead-lettered.
	ErrNotDeadLettered = errors.New("outbox: record is not dead-lettered")

	// ErrSubscriberAlreadyRegistered is returned when a subscriber name is reused for an event type.
	ErrSubscriberAlreadyRegistered = errors.New("outbox: subscriber already registered")

	// ErrInvalidSubscriber is returned when registering a nil subscriber or an empty name.
	ErrInvalidSubscriber = errors.New("outbox: invalid subscriber")
)

// IsConflict reports whether err is a concurrency conflict, either raised by an
// optimistic version check or reported by the database as a serialization failure.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || sqlerr.IsConflict(err)
}

// ExpectAffected returns ErrConcurrencyConflict when the statement did not affect exactly
// want rows. It is meant for versioned UPDATE statements:
//
//	res, err := tx.ExecContext(ctx,
//	    "UPDATE orders SET status = $1, version = version + 1 WHERE id = $2 AND version = $3",
//	    o.Status, o.ID, o.Version)
//	if err != nil {
//	    return 0, err
//	}
//	return want, outbox.ExpectAffected(res, 1)
func ExpectAffected(res sql.Result, want int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n != want {
		return fmt.Errorf("%w: expected %d affected rows, got %d", ErrConcurrencyConflict, want, n)
	}
	return nil
}

func classifyConflict(err error) error {
	if err == nil || errors.Is(err, ErrConcurrencyConflict) {
		return err
	}
	if sqlerr.IsConflict(err) {
		return fmt.Errorf("%w: %w", ErrConcurrencyConflict, err)
	}
	return err
}
