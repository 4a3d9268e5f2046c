// Package outbox implements the transactional outbox pattern: domain events are stored in an
// outbox table in the same database transaction as the state change that raised them, and a
// relay later hands them to subscribers.
//
// The core of the pattern involves two main operations:
//
//  1. Writing: aggregates buffer events (AggregateRoot) and a UnitOfWork persists their state
//     and one outbox record per event in a single transaction. Either both are committed or
//     neither is.
//
//  2. Relaying: a background Relay polls the outbox table for eligible records, claims each
//     one with a time-bound lease, dispatches it to every subscriber registered for its event
//     type and marks it delivered, or failed with a backoff. Records that exhaust their attempts
//     are dead-lettered and can be requeued through the Inspector.
//
// This package provides the following components to integrate this pattern:
//   - A `UnitOfWork` with explicit Begin/SaveChanges/Commit/Rollback, and a `Writer` that runs
//     a function inside a managed unit of work.
//   - An `UnmanagedWriter` storing events in a transaction owned by the caller.
//   - A `Registry` mapping event types to named subscribers.
//   - A `Relay` delivering records at least once, in order per aggregate.
//   - An `Inspector` listing dead letters, requeueing them and counting records per status.
//
// Delivery is at least once; subscribers deduplicate by Event.ID (see package dedup).
// PostgreSQL, MySQL, MariaDB, SQLite, Oracle and SQL Server are supported through SQLDialect.
package outbox
