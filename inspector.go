package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Inspector gives operators read access to the outbox table and lets them
// requeue dead-lettered records.
type Inspector struct {
	dbCtx *DBContext
	store *store
}

// Stats counts outbox records per status. DeadLettered is a subset of Failed.
type Stats struct {
	Pending      int64
	Processing   int64
	Delivered    int64
	Failed       int64
	DeadLettered int64
}

// NewInspector creates an Inspector for the given database context.
func NewInspector(dbCtx *DBContext) *Inspector {
	return &Inspector{
		dbCtx: dbCtx,
		store: &store{dbCtx: dbCtx},
	}
}

// Get returns the record stored for the given event id.
func (i *Inspector) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	c := i.dbCtx
	a := c.newArgs()

	rest := fmt.Sprintf("FROM %s WHERE id = %s ORDER BY seq ASC", c.tableName, a.add(c.formatEventIDForDB(id)))
	query := c.limitQuery(selectColumns(""), rest, a.add(1))

	records, err := i.store.queryRecords(ctx, query, a.values...)
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{}, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return records[0], nil
}

// ListDeadLetters returns up to limit dead-lettered records, oldest first.
func (i *Inspector) ListDeadLetters(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	c := i.dbCtx
	a := c.newArgs()

	rest := fmt.Sprintf("FROM %s WHERE status = %s AND dead_lettered_at IS NOT NULL ORDER BY seq ASC",
		c.tableName, a.add(string(StatusFailed)))
	query := c.limitQuery(selectColumns(""), rest, a.add(limit))

	return i.store.queryRecords(ctx, query, a.values...)
}

// Requeue moves a dead-lettered record back to pending and resets its retry count.
func (i *Inspector) Requeue(ctx context.Context, id uuid.UUID) error {
	c := i.dbCtx
	a := c.newArgs()

	// nolint:gosec
	query := fmt.Sprintf(`UPDATE %s SET status = %s, retry_count = 0, last_error = NULL, next_attempt_at = NULL,
		dead_lettered_at = NULL WHERE id = %s AND status = %s AND dead_lettered_at IS NOT NULL`,
		c.tableName, a.add(string(StatusPending)), a.add(c.formatEventIDForDB(id)), a.add(string(StatusFailed)))

	n, err := i.store.exec(ctx, query, a.values...)
	if err != nil {
		return fmt.Errorf("requeueing record %s: %w", id, err)
	}
	if n > 0 {
		return nil
	}

	_, err = i.Get(ctx, id)
	if errors.Is(err, ErrRecordNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("requeueing record %s: %w", id, err)
	}
	return fmt.Errorf("%w: %s", ErrNotDeadLettered, id)
}

// Stats counts records per status.
func (i *Inspector) Stats(ctx context.Context) (Stats, error) {
	c := i.dbCtx

	// nolint:gosec
	query := fmt.Sprintf(`SELECT status, COUNT(*), SUM(CASE WHEN dead_lettered_at IS NULL THEN 0 ELSE 1 END)
		FROM %s GROUP BY status`, c.tableName)

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return Stats{}, fmt.Errorf("querying outbox stats: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var stats Stats
	for rows.Next() {
		var (
			status       string
			count        int64
			deadLettered int64
		)
		if err := rows.Scan(&status, &count, &deadLettered); err != nil {
			return Stats{}, fmt.Errorf("scanning outbox stats: %w", err)
		}

		switch Status(status) {
		case StatusPending:
			stats.Pending = count
		case StatusProcessing:
			stats.Processing = count
		case StatusDelivered:
			stats.Delivered = count
		case StatusFailed:
			stats.Failed = count
			stats.DeadLettered = deadLettered
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterating outbox stats: %w", err)
	}
	return stats, nil
}
