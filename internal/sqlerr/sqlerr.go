// Package sqlerr classifies driver errors shared by the outbox packages.
package sqlerr

import (
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// PostgreSQL SQLSTATE codes.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// MySQL server error numbers.
const (
	mysqlDeadlock        = 1213
	mysqlLockWaitTimeout = 1205
	mysqlDuplicateEntry  = 1062
)

// IsConflict reports whether err is a serialization failure or deadlock reported by
// PostgreSQL (lib/pq or pgx) or MySQL.
func IsConflict(err error) bool {
	switch code := pgCode(err); code {
	case pgSerializationFailure, pgDeadlockDetected:
		return true
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDeadlock || myErr.Number == mysqlLockWaitTimeout
	}

	return false
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	if pgCode(err) == pgUniqueViolation {
		return true
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}

	return false
}

func pgCode(err error) string {
	if err == nil {
		return ""
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}

	return ""
}
