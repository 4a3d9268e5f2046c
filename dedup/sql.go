package dedup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-commerce/outbox"
	"github.com/meridian-commerce/outbox/internal/sqlerr"
	"github.com/meridian-commerce/outbox/internal/sqlident"
)

// Execer executes a statement. Both *sql.DB and *sql.Tx implement it.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLStore keeps reservations in the processed_events table created by the
// migrations package.
type SQLStore struct {
	db        *sql.DB
	dialect   outbox.SQLDialect
	tableName string
	now       func() time.Time
}

// SQLStoreOption configures a SQLStore.
type SQLStoreOption func(*SQLStore)

// WithTableName sets the reservation table. Default is "processed_events".
// The name must match [a-zA-Z_][a-zA-Z0-9_]*.
func WithTableName(name string) SQLStoreOption {
	return func(s *SQLStore) {
		if name != "" {
			s.tableName = name
		}
	}
}

// WithClock sets the clock used for processed_at.
func WithClock(now func() time.Time) SQLStoreOption {
	return func(s *SQLStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSQLStore creates a SQLStore on db. An invalid table name causes a panic.
func NewSQLStore(db *sql.DB, dialect outbox.SQLDialect, opts ...SQLStoreOption) *SQLStore {
	s := &SQLStore{
		db:        db,
		dialect:   dialect,
		tableName: "processed_events",
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := sqlident.Validate("table name", s.tableName); err != nil {
		panic(err)
	}
	return s
}

// Reserve implements Store.
func (s *SQLStore) Reserve(ctx context.Context, subscriber string, eventID uuid.UUID) (bool, error) {
	return s.ReserveTx(ctx, s.db, subscriber, eventID)
}

// ReserveTx reserves the event with q, typically the transaction that also applies
// the side effect of the subscriber.
func (s *SQLStore) ReserveTx(ctx context.Context, q Execer, subscriber string, eventID uuid.UUID) (bool, error) {
	res, err := q.ExecContext(ctx, s.insertQuery(), subscriber, eventID.String(), s.now())
	if err != nil {
		if sqlerr.IsUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n == 1, nil
}

// Release implements Store.
func (s *SQLStore) Release(ctx context.Context, subscriber string, eventID uuid.UUID) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE subscriber = %s AND event_id = %s",
		s.tableName, s.dialect.Placeholder(1), s.dialect.Placeholder(2))

	_, err := s.db.ExecContext(ctx, query, subscriber, eventID.String())
	return err
}

func (s *SQLStore) insertQuery() string {
	values := fmt.Sprintf("(subscriber, event_id, processed_at) VALUES (%s, %s, %s)",
		s.dialect.Placeholder(1), s.dialect.Placeholder(2), s.dialect.Placeholder(3))

	switch s.dialect {
	case outbox.SQLDialectPostgres:
		return fmt.Sprintf("INSERT INTO %s %s ON CONFLICT DO NOTHING", s.tableName, values)

	case outbox.SQLDialectMySQL, outbox.SQLDialectMariaDB:
		return fmt.Sprintf("INSERT IGNORE INTO %s %s", s.tableName, values)

	case outbox.SQLDialectSQLite:
		return fmt.Sprintf("INSERT OR IGNORE INTO %s %s", s.tableName, values)

	default:
		return fmt.Sprintf("INSERT INTO %s %s", s.tableName, values)
	}
}

// ApplyFunc applies the side effect of an event inside tx.
type ApplyFunc func(ctx context.Context, tx *sql.Tx, e outbox.Event) error

// Transactional returns a subscriber that reserves the event and runs apply in the
// same transaction, so the side effect and its reservation commit or roll back
// together. Events already reserved by name are acknowledged without calling apply.
func (s *SQLStore) Transactional(name string, apply ApplyFunc) outbox.Subscriber {
	return outbox.SubscriberFunc(func(ctx context.Context, e outbox.Event) (err error) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer func() {
			if err != nil {
				if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
					err = errors.Join(err, rbErr)
				}
			}
		}()

		reserved, err := s.ReserveTx(ctx, tx, name, e.ID)
		if err != nil {
			return fmt.Errorf("reserving event %s for %s: %w", e.ID, name, err)
		}
		if !reserved {
			err = tx.Rollback()
			return err
		}

		if err = apply(ctx, tx, e); err != nil {
			return err
		}

		if err = tx.Commit(); err != nil {
			return fmt.Errorf("committing transaction: %w", err)
		}
		return nil
	})
}
