package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

var recordColumns = []string{
	"seq", "id", "aggregate_type", "aggregate_id", "event_type", "payload", "metadata",
	"partition_key", "status", "retry_count", "last_error", "occurred_at", "created_at",
	"processed_at", "next_attempt_at", "claimed_by", "claimed_at", "lease_expires_at",
	"dead_lettered_at",
}

func selectColumns(alias string) string {
	if alias == "" {
		return strings.Join(recordColumns, ", ")
	}
	cols := make([]string, len(recordColumns))
	for i, c := range recordColumns {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

// store holds the single-statement operations the relay and the inspector run
// against the outbox table. Every state change is a conditional UPDATE on the
// expected status, so concurrent relays never need row locks.
type store struct {
	dbCtx *DBContext
}

// fetchQuery describes an eligibility scan.
type fetchQuery struct {
	now        time.Time
	limit      int
	partitions []int
	strict     bool
}

// fetchEligible returns pending records and failed records whose backoff elapsed,
// ordered by seq. With strict ordering a record is skipped while an earlier record of
// the same aggregate is being processed or waits for a retry.
func (s *store) fetchEligible(ctx context.Context, q fetchQuery) ([]Record, error) {
	c := s.dbCtx
	a := c.newArgs()

	where := fmt.Sprintf("(o.status = %s OR (o.status = %s AND o.dead_lettered_at IS NULL AND o.next_attempt_at <= %s))",
		a.add(string(StatusPending)), a.add(string(StatusFailed)), a.add(q.now))

	if len(q.partitions) > 0 {
		placeholders := make([]string, 0, len(q.partitions))
		for _, p := range q.partitions {
			placeholders = append(placeholders, a.add(p))
		}
		where += fmt.Sprintf(" AND o.partition_key IN (%s)", strings.Join(placeholders, ", "))
	}

	// Earlier eligible records of the aggregate sort first in the same batch; only
	// earlier records in flight or waiting for their backoff hold a record back.
	if q.strict {
		where += fmt.Sprintf(` AND NOT EXISTS (SELECT 1 FROM %s p
			WHERE p.aggregate_id = o.aggregate_id AND p.seq < o.seq
			AND (p.status = %s OR (p.status = %s AND p.dead_lettered_at IS NULL AND p.next_attempt_at > %s)))`,
			c.tableName, a.add(string(StatusProcessing)), a.add(string(StatusFailed)), a.add(q.now))
	}

	rest := fmt.Sprintf("FROM %s o WHERE %s ORDER BY o.seq ASC", c.tableName, where)
	query := c.limitQuery(selectColumns("o"), rest, a.add(q.limit))

	return s.queryRecords(ctx, query, a.values...)
}

// claim moves a record to processing if it is still eligible. It reports whether
// this caller won the claim.
func (s *store) claim(ctx context.Context, rec *Record, workerID string, now, leaseExpiresAt time.Time) (bool, error) {
	c := s.dbCtx
	a := c.newArgs()

	// nolint:gosec
	query := fmt.Sprintf(`UPDATE %s SET status = %s, claimed_by = %s, claimed_at = %s, lease_expires_at = %s
		WHERE seq = %s AND (status = %s OR (status = %s AND dead_lettered_at IS NULL AND next_attempt_at <= %s))`,
		c.tableName,
		a.add(string(StatusProcessing)), a.add(workerID), a.add(now), a.add(leaseExpiresAt),
		a.add(rec.Seq), a.add(string(StatusPending)), a.add(string(StatusFailed)), a.add(now))

	n, err := s.exec(ctx, query, a.values...)
	if err != nil {
		return false, fmt.Errorf("claiming record %s: %w", rec.ID, err)
	}
	if n != 1 {
		return false, nil
	}

	rec.Status = StatusProcessing
	rec.ClaimedBy = workerID
	rec.ClaimedAt = &now
	rec.LeaseExpiresAt = &leaseExpiresAt
	return true, nil
}

// markDelivered settles a claimed record as delivered.
func (s *store) markDelivered(ctx context.Context, rec *Record, now time.Time) error {
	c := s.dbCtx
	a := c.newArgs()

	// nolint:gosec
	query := fmt.Sprintf(`UPDATE %s SET status = %s, processed_at = %s, next_attempt_at = NULL,
		claimed_by = NULL, claimed_at = NULL, lease_expires_at = NULL
		WHERE seq = %s AND status = %s AND claimed_by = %s`,
		c.tableName,
		a.add(string(StatusDelivered)), a.add(now),
		a.add(rec.Seq), a.add(string(StatusProcessing)), a.add(rec.ClaimedBy))

	err := s.execOwned(ctx, rec, query, a.values...)
	if err != nil {
		return err
	}

	rec.Status = StatusDelivered
	rec.ProcessedAt = &now
	rec.clearClaim()
	return nil
}

// failure describes a failed delivery attempt.
type failure struct {
	lastError      string
	nextAttemptAt  time.Time
	deadLetteredAt *time.Time
}

// markFailed records a failed attempt on a claimed record and either schedules the
// next attempt or dead-letters it.
func (s *store) markFailed(ctx context.Context, rec *Record, f failure) error {
	c := s.dbCtx
	a := c.newArgs()

	var deadLetteredAt any
	if f.deadLetteredAt != nil {
		deadLetteredAt = *f.deadLetteredAt
	}

	// nolint:gosec
	query := fmt.Sprintf(`UPDATE %s SET status = %s, retry_count = retry_count + 1, last_error = %s,
		next_attempt_at = %s, dead_lettered_at = %s,
		claimed_by = NULL, claimed_at = NULL, lease_expires_at = NULL
		WHERE seq = %s AND status = %s AND claimed_by = %s`,
		c.tableName,
		a.add(string(StatusFailed)), a.add(f.lastError), a.add(f.nextAttemptAt), a.add(deadLetteredAt),
		a.add(rec.Seq), a.add(string(StatusProcessing)), a.add(rec.ClaimedBy))

	err := s.execOwned(ctx, rec, query, a.values...)
	if err != nil {
		return err
	}

	next := f.nextAttemptAt
	rec.Status = StatusFailed
	rec.RetryCount++
	rec.LastError = f.lastError
	rec.NextAttemptAt = &next
	rec.DeadLetteredAt = f.deadLetteredAt
	rec.clearClaim()
	return nil
}

// release hands a claimed record back to pending without counting an attempt.
func (s *store) release(ctx context.Context, rec *Record) error {
	c := s.dbCtx
	a := c.newArgs()

	// nolint:gosec
	query := fmt.Sprintf(`UPDATE %s SET status = %s, claimed_by = NULL, claimed_at = NULL, lease_expires_at = NULL
		WHERE seq = %s AND status = %s AND claimed_by = %s`,
		c.tableName,
		a.add(string(StatusPending)),
		a.add(rec.Seq), a.add(string(StatusProcessing)), a.add(rec.ClaimedBy))

	err := s.execOwned(ctx, rec, query, a.values...)
	if err != nil {
		return err
	}

	rec.Status = StatusPending
	rec.clearClaim()
	return nil
}

// reclaimExpired returns processing records whose lease expired to pending.
func (s *store) reclaimExpired(ctx context.Context, now time.Time) (int64, error) {
	c := s.dbCtx
	a := c.newArgs()

	// nolint:gosec
	query := fmt.Sprintf(`UPDATE %s SET status = %s, claimed_by = NULL, claimed_at = NULL, lease_expires_at = NULL
		WHERE status = %s AND lease_expires_at < %s`,
		c.tableName,
		a.add(string(StatusPending)), a.add(string(StatusProcessing)), a.add(now))

	n, err := s.exec(ctx, query, a.values...)
	if err != nil {
		return 0, fmt.Errorf("reclaiming expired leases: %w", err)
	}
	return n, nil
}

func (s *store) execOwned(ctx context.Context, rec *Record, query string, args ...any) error {
	n, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating record %s: %w", rec.ID, err)
	}
	if n != 1 {
		return fmt.Errorf("updating record %s: %w", rec.ID, ErrLeaseLost)
	}
	return nil
}

func (s *store) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.dbCtx.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *store) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.dbCtx.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying outbox records: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox records: %w", err)
	}
	return records, nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		rec            Record
		status         string
		lastError      sql.NullString
		claimedBy      sql.NullString
		processedAt    sql.NullTime
		nextAttemptAt  sql.NullTime
		claimedAt      sql.NullTime
		leaseExpiresAt sql.NullTime
		deadLettered   sql.NullTime
	)

	err := rows.Scan(
		&rec.Seq, &rec.ID, &rec.AggregateType, &rec.AggregateID, &rec.EventType, &rec.Payload, &rec.Metadata,
		&rec.Partition, &status, &rec.RetryCount, &lastError, &rec.OccurredAt, &rec.CreatedAt,
		&processedAt, &nextAttemptAt, &claimedBy, &claimedAt, &leaseExpiresAt, &deadLettered,
	)
	if err != nil {
		return Record{}, fmt.Errorf("scanning outbox record: %w", err)
	}

	rec.Status, err = ParseStatus(status)
	if err != nil {
		return Record{}, fmt.Errorf("scanning outbox record %s: %w", rec.ID, err)
	}

	rec.LastError = lastError.String
	rec.ClaimedBy = claimedBy.String
	rec.OccurredAt = rec.OccurredAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ProcessedAt = timePtr(processedAt)
	rec.NextAttemptAt = timePtr(nextAttemptAt)
	rec.ClaimedAt = timePtr(claimedAt)
	rec.LeaseExpiresAt = timePtr(leaseExpiresAt)
	rec.DeadLetteredAt = timePtr(deadLettered)

	return rec, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func (r *Record) clearClaim() {
	r.ClaimedBy = ""
	r.ClaimedAt = nil
	r.LeaseExpiresAt = nil
}
