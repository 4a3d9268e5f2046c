package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// SaveFunc writes the state of one aggregate inside the unit of work transaction
// and returns the number of persisted state changes (usually rows affected).
// It should return ErrConcurrencyConflict (see ExpectAffected) when an optimistic
// version check fails.
type SaveFunc func(ctx context.Context, tx TxQueryer) (int64, error)

// Notifier is woken up after a unit of work commits events. *Relay implements it.
type Notifier interface {
	Notify()
}

// UnitOfWork scopes one business operation. It owns at most one transaction and
// persists tracked aggregates together with the events they raised.
//
// A UnitOfWork is not meant to be shared between operations. Its methods are safe
// for concurrent use, but a second BeginTransaction fails instead of nesting.
type UnitOfWork struct {
	dbCtx     *DBContext
	writer    *eventWriter
	notifier  Notifier
	txOptions *sql.TxOptions
	logger    *zap.Logger

	mu                  sync.Mutex
	tx                  Tx
	tracked             []trackedAggregate
	aborted             bool
	implicitCommitted   bool
	pendingNotification bool // active transaction holds events
}

type trackedAggregate struct {
	agg  Aggregate
	save SaveFunc
}

// flushed records how many events of an aggregate a flush wrote.
type flushed struct {
	agg    Aggregate
	events int
}

// UnitOfWorkOption configures a UnitOfWork.
type UnitOfWorkOption func(*UnitOfWork)

// WithNotifier sets a Notifier called after every commit that stored events.
// Use it to wake an in-process Relay instead of waiting for its next poll.
func WithNotifier(n Notifier) UnitOfWorkOption {
	return func(u *UnitOfWork) {
		u.notifier = n
	}
}

// WithTxOptions sets the options used to begin transactions, e.g. the isolation level.
func WithTxOptions(opts *sql.TxOptions) UnitOfWorkOption {
	return func(u *UnitOfWork) {
		u.txOptions = opts
	}
}

// WithUnitOfWorkLogger sets the logger. Default is a no-op logger.
func WithUnitOfWorkLogger(logger *zap.Logger) UnitOfWorkOption {
	return func(u *UnitOfWork) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// NewUnitOfWork creates a unit of work bound to the given database context.
func NewUnitOfWork(dbCtx *DBContext, opts ...UnitOfWorkOption) *UnitOfWork {
	u := &UnitOfWork{
		dbCtx:  dbCtx,
		writer: newEventWriter(dbCtx),
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(u)
	}

	return u
}

// Track registers an aggregate and the function that writes its state.
// save may be nil for aggregates that only raise events. Tracking the same
// aggregate again replaces its save function.
func (u *UnitOfWork) Track(agg Aggregate, save SaveFunc) {
	u.mu.Lock()
	defer u.mu.Unlock()

	for i := range u.tracked {
		if u.tracked[i].agg == agg {
			u.tracked[i].save = save
			return
		}
	}
	u.tracked = append(u.tracked, trackedAggregate{agg: agg, save: save})
}

// Tx returns the active transaction, or nil when none is active.
func (u *UnitOfWork) Tx() TxQueryer {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.tx == nil {
		return nil
	}
	return u.tx
}

// Queryer returns the active transaction, or the database when none is active.
func (u *UnitOfWork) Queryer() Queryer {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.tx == nil {
		return u.dbCtx.db
	}
	return u.tx
}

// BeginTransaction starts the transaction owned by this unit of work.
// It fails with ErrTransactionAlreadyActive if one is already active.
func (u *UnitOfWork) BeginTransaction(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.tx != nil {
		return ErrTransactionAlreadyActive
	}

	tx, err := u.dbCtx.db.BeginTx(ctx, u.txOptions)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	u.tx = tx
	u.aborted = false
	u.implicitCommitted = false
	return nil
}

// SaveChanges writes the state of every changed aggregate and one outbox record per
// pending event, in a single atomic write. It uses the active transaction, or runs
// and commits an implicit one when none is active.
//
// Events are removed from the aggregates only after they were written, so calling
// SaveChanges again only persists new changes. It returns the number of persisted
// state changes.
//
// A failure inside an explicit transaction rolls it back; subsequent calls return
// ErrTransactionAborted. Concurrency conflicts wrap ErrConcurrencyConflict.
func (u *UnitOfWork) SaveChanges(ctx context.Context) (int64, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.aborted {
		return 0, ErrTransactionAborted
	}

	if u.tx != nil {
		n, err := u.flush(ctx, u.tx)
		if err != nil {
			u.abort()
			return 0, err
		}
		return n, nil
	}

	tx, err := u.dbCtx.db.BeginTx(ctx, u.txOptions)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}

	n, done, err := u.flushPrepared(ctx, tx)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}

	err = tx.Commit()
	if err != nil {
		return 0, fmt.Errorf("committing transaction: %w", classifyConflict(err))
	}

	written := drain(done)
	u.implicitCommitted = true
	u.notify(written)

	return n, nil
}

// CommitTransaction commits the active transaction, making its outbox records
// visible to relays.
//
// Without an active transaction it returns nil if the last SaveChanges committed
// implicitly, and ErrNoActiveTransaction otherwise. It refuses to commit, and rolls
// back, when tracked aggregates still hold unsaved changes.
func (u *UnitOfWork) CommitTransaction(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.tx == nil {
		switch {
		case u.aborted:
			return ErrTransactionAborted
		case u.implicitCommitted:
			return nil
		default:
			return ErrNoActiveTransaction
		}
	}

	if err := ctx.Err(); err != nil {
		u.abort()
		return fmt.Errorf("committing transaction: %w", err)
	}

	if u.hasUnsavedChanges() {
		u.abort()
		return ErrUnsavedChanges
	}

	tx := u.tx
	written := u.pendingNotification
	u.tx = nil
	u.pendingNotification = false
	u.tracked = nil

	err := tx.Commit()
	if err != nil {
		return fmt.Errorf("committing transaction: %w", classifyConflict(err))
	}

	u.notify(written)
	return nil
}

// RollbackTransaction discards the active transaction together with every outbox
// record written in it. Rolling back an aborted unit of work only clears its state.
func (u *UnitOfWork) RollbackTransaction(_ context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.tx == nil {
		if u.aborted {
			u.aborted = false
			u.tracked = nil
			return nil
		}
		return ErrNoActiveTransaction
	}

	tx := u.tx
	u.tx = nil
	u.tracked = nil
	u.pendingNotification = false

	err := tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rolling back transaction: %w", err)
	}
	return nil
}

// flush writes pending changes in the explicit transaction and, on success,
// transfers the events out of the aggregates.
func (u *UnitOfWork) flush(ctx context.Context, tx Tx) (int64, error) {
	n, done, err := u.flushPrepared(ctx, tx)
	if err != nil {
		return 0, err
	}
	if drain(done) {
		u.pendingNotification = true
	}
	return n, nil
}

// flushPrepared writes state and events without touching the aggregates. It reports
// how many events of each changed aggregate were written.
func (u *UnitOfWork) flushPrepared(ctx context.Context, tx Tx) (int64, []flushed, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, fmt.Errorf("saving changes: %w", err)
	}

	var (
		affected int64
		events   []Event
		done     []flushed
	)

	for _, t := range u.tracked {
		if !t.agg.HasChanges() {
			continue
		}

		if t.save != nil {
			n, err := t.save(ctx, tx)
			if err != nil {
				return 0, nil, fmt.Errorf("saving %T: %w", t.agg, classifyConflict(err))
			}
			affected += n
		}

		pending := t.agg.PendingEvents()
		events = append(events, pending...)
		done = append(done, flushed{agg: t.agg, events: len(pending)})
	}

	err := u.writer.write(ctx, tx, events)
	if err != nil {
		return 0, nil, classifyConflict(err)
	}

	u.logger.Debug("saved changes",
		zap.Int64("state_changes", affected),
		zap.Int("events", len(events)))

	return affected, done, nil
}

// drain removes the written events from their aggregates and reports whether any
// event was transferred.
func drain(done []flushed) bool {
	var moved bool
	for _, f := range done {
		if f.events > 0 {
			f.agg.AcceptEvents(f.events)
			moved = true
		}
		f.agg.AcceptChanges()
	}
	return moved
}

func (u *UnitOfWork) hasUnsavedChanges() bool {
	for _, t := range u.tracked {
		if t.agg.HasChanges() {
			return true
		}
	}
	return false
}

// abort rolls back the active transaction and poisons the unit of work.
func (u *UnitOfWork) abort() {
	if u.tx != nil {
		if err := u.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			u.logger.Warn("rolling back aborted transaction", zap.Error(err))
		}
	}
	u.tx = nil
	u.aborted = true
	u.pendingNotification = false
}

func (u *UnitOfWork) notify(written bool) {
	if written && u.notifier != nil {
		u.notifier.Notify()
	}
}
