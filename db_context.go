package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"

	"github.com/meridian-commerce/outbox/internal/sqlident"
)

// SQLDialect represents a SQL database dialect.
type SQLDialect string

// Supported database dialects.
const (
	SQLDialectPostgres  SQLDialect = "postgres"
	SQLDialectMySQL     SQLDialect = "mysql"
	SQLDialectMariaDB   SQLDialect = "mariadb"
	SQLDialectSQLite    SQLDialect = "sqlite"
	SQLDialectOracle    SQLDialect = "oracle"
	SQLDialectSQLServer SQLDialect = "sqlserver"
)

// Placeholder returns the bind parameter marker for the given 1-based index.
func (d SQLDialect) Placeholder(index int) string {
	switch d {
	case SQLDialectPostgres:
		return fmt.Sprintf("$%d", index)

	case SQLDialectOracle:
		return fmt.Sprintf(":%d", index)

	case SQLDialectSQLServer:
		return fmt.Sprintf("@p%d", index)

	default:
		return "?"
	}
}

// Queryer represents a query executor.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// TxQueryer represents a query executor inside a transaction.
type TxQueryer interface {
	Queryer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx represents a database transaction.
// It is compatible with the standard sql.Tx type.
type Tx interface {
	Commit() error
	Rollback() error
	TxQueryer
}

// DB represents a database connection.
// It is compatible with the standard sql.DB type.
type DB interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error)
	Queryer
}

// DefaultPartitionCount is the number of partitions records are spread over.
const DefaultPartitionCount = 16

// DBContext holds the database connection, the SQL dialect and the outbox table layout.
type DBContext struct {
	db             DB
	dialect        SQLDialect
	tableName      string
	partitionCount int
	notifyChannel  string
}

// DBContextOption is a function that configures a DBContext instance.
type DBContextOption func(*DBContext)

// WithTableName sets a custom table name for the outbox table.
// Default is "outbox".
// The table name must be a valid SQL identifier matching the pattern [a-zA-Z_][a-zA-Z0-9_]*
// (must start with a letter or underscore, followed by letters, digits, or underscores).
// An invalid table name will cause a panic when creating the DBContext.
func WithTableName(tableName string) DBContextOption {
	return func(c *DBContext) {
		c.tableName = tableName
	}
}

// WithPartitionCount sets the number of partitions used to route records to relay workers.
// Records of the same aggregate always land in the same partition.
// Default is DefaultPartitionCount. Must be positive.
func WithPartitionCount(n int) DBContextOption {
	return func(c *DBContext) {
		if n > 0 {
			c.partitionCount = n
		}
	}
}

// WithCommitNotification makes the writer issue pg_notify on the given channel inside
// every transaction that stores events, so listening relays wake up as soon as it commits.
// Only supported with SQLDialectPostgres. The channel must be a valid SQL identifier.
func WithCommitNotification(channel string) DBContextOption {
	return func(c *DBContext) {
		c.notifyChannel = channel
	}
}

// NewDBContext creates a new DBContext from a standard *sql.DB.
func NewDBContext(db *sql.DB, dialect SQLDialect, opts ...DBContextOption) *DBContext {
	return NewDBContextWithDB(&dbAdapter{DB: db}, dialect, opts...)
}

// NewDBContextWithDB creates a new DBContext with a custom DB implementation.
// This is useful for users who want to provide their own database abstraction or for testing.
func NewDBContextWithDB(db DB, dialect SQLDialect, opts ...DBContextOption) *DBContext {
	c := &DBContext{
		db:             db,
		dialect:        dialect,
		tableName:      "outbox",
		partitionCount: DefaultPartitionCount,
	}

	for _, opt := range opts {
		opt(c)
	}

	err := sqlident.Validate("table name", c.tableName)
	if err != nil {
		panic(err)
	}

	if c.notifyChannel != "" {
		if err := sqlident.Validate("notification channel", c.notifyChannel); err != nil {
			panic(err)
		}
		if c.dialect != SQLDialectPostgres {
			panic(fmt.Errorf("commit notification is not supported by dialect %q", c.dialect))
		}
	}

	return c
}

// Dialect returns the SQL dialect.
func (c *DBContext) Dialect() SQLDialect { return c.dialect }

// TableName returns the outbox table name.
func (c *DBContext) TableName() string { return c.tableName }

// PartitionCount returns the number of partitions records are spread over.
func (c *DBContext) PartitionCount() int { return c.partitionCount }

// formatEventIDForDB formats the event ID based on the SQL dialect.
func (c *DBContext) formatEventIDForDB(id uuid.UUID) any {
	switch c.dialect {
	case SQLDialectMySQL, SQLDialectOracle, SQLDialectSQLServer:
		bytes, _ := id.MarshalBinary() // Convert UUID to binary for better storage
		return bytes
	case SQLDialectPostgres, SQLDialectMariaDB:
		return id // Native support
	default:
		return id.String()
	}
}

// getSQLPlaceholder returns the appropriate SQL placeholder for the given index.
func (c *DBContext) getSQLPlaceholder(index int) string {
	return c.dialect.Placeholder(index)
}

// partitionFor maps an aggregate id to a partition in [0, partitionCount).
func (c *DBContext) partitionFor(aggregateID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(aggregateID))
	return int(h.Sum32() % uint32(c.partitionCount)) // nolint:gosec
}

// limitQuery wraps a SELECT body ("<columns> FROM ... ORDER BY ...") with the
// dialect specific row limit.
func (c *DBContext) limitQuery(columns, rest, limitPlaceholder string) string {
	switch c.dialect {
	case SQLDialectOracle:
		return fmt.Sprintf("SELECT %s %s FETCH FIRST %s ROWS ONLY", columns, rest, limitPlaceholder)

	case SQLDialectSQLServer:
		return fmt.Sprintf("SELECT TOP (%s) %s %s", limitPlaceholder, columns, rest)

	default:
		return fmt.Sprintf("SELECT %s %s LIMIT %s", columns, rest, limitPlaceholder)
	}
}

// sqlArgs collects bind arguments and hands out the matching placeholders.
type sqlArgs struct {
	dialect SQLDialect
	values  []any
}

func (c *DBContext) newArgs() *sqlArgs {
	return &sqlArgs{dialect: c.dialect}
}

func (a *sqlArgs) add(v any) string {
	a.values = append(a.values, v)
	return a.dialect.Placeholder(len(a.values))
}

// txAdapter is a wrapper around a sql.Tx that implements the Tx interface.
type txAdapter struct {
	tx *sql.Tx
}

func (a *txAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.tx.ExecContext(ctx, query, args...)
}

func (a *txAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.tx.QueryContext(ctx, query, args...)
}

func (a *txAdapter) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return a.tx.QueryRowContext(ctx, query, args...)
}

func (a *txAdapter) Commit() error {
	return a.tx.Commit()
}

func (a *txAdapter) Rollback() error {
	return a.tx.Rollback()
}

// dbAdapter is a wrapper around a sql.DB that implements the DB interface.
type dbAdapter struct {
	DB *sql.DB
}

func (a *dbAdapter) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	tx, err := a.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &txAdapter{tx}, nil
}

func (a *dbAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.DB.ExecContext(ctx, query, args...)
}

func (a *dbAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.DB.QueryContext(ctx, query, args...)
}
