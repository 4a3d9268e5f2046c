package outbox

import (
	"context"
	"database/sql"
)

type fakeDB struct {
	beginTxErr error
	tx         *fakeTx
	begun      int
}

func (f *fakeDB) BeginTx(_ context.Context, _ *sql.TxOptions) (Tx, error) {
	if f.beginTxErr != nil {
		return nil, f.beginTxErr
	}
	f.begun++
	return f.tx, nil
}

func (f *fakeDB) ExecContext(_ context.Context, _ string, _ ...any) (sql.Result, error) {
	return nil, nil
}

func (f *fakeDB) QueryContext(_ context.Context, _ string, _ ...any) (*sql.Rows, error) {
	return nil, nil
}

type execCall struct {
	query string
	args  []any
}

type fakeTx struct {
	execErr      error
	commitErr    error
	rollbackErr  error
	rowsAffected int64
	onExec       func(n int)

	execs      []execCall
	committed  bool
	rolledBack bool
}

func (f *fakeTx) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.execs = append(f.execs, execCall{query: query, args: args})
	if f.onExec != nil {
		f.onExec(len(f.execs))
	}
	if f.execErr != nil {
		return nil, f.execErr
	}
	return fakeResult(f.rowsAffected), nil
}

func (f *fakeTx) QueryContext(_ context.Context, _ string, _ ...any) (*sql.Rows, error) {
	return nil, nil
}

func (f *fakeTx) QueryRowContext(_ context.Context, _ string, _ ...any) *sql.Row {
	return nil
}

func (f *fakeTx) Commit() error {
	f.committed = true
	return f.commitErr
}

func (f *fakeTx) Rollback() error {
	f.rolledBack = true
	return f.rollbackErr
}

type fakeResult int64

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }

func (r fakeResult) RowsAffected() (int64, error) { return int64(r), nil }

type testAggregate struct {
	AggregateRoot
	ID string
}

func (a *testAggregate) raise(eventType string) {
	if err := a.Raise("test", a.ID, eventType, map[string]string{"id": a.ID}); err != nil {
		panic(err)
	}
}

type countingNotifier struct {
	calls int
}

func (n *countingNotifier) Notify() { n.calls++ }
