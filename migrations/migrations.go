// Package migrations creates the outbox and processed_events tables.
//
// The SQL files are embedded per dialect and applied with golang-migrate. They
// create the default "outbox" table; deployments using a custom table name keep
// their own migrations.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed postgres/*.sql mysql/*.sql mariadb/*.sql sqlite/*.sql
var migrationsFS embed.FS

// Up applies every pending migration for the dialect ("postgres", "mysql",
// "mariadb" or "sqlite"). It is a no-op when the schema is current.
//
// The database handle stays open; closing it is up to the caller.
func Up(db *sql.DB, dialect string) error {
	m, done, err := newMigrator(db, dialect)
	if err != nil {
		return err
	}
	defer done()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Down reverts every migration for the dialect.
func Down(db *sql.DB, dialect string) error {
	m, done, err := newMigrator(db, dialect)
	if err != nil {
		return err
	}
	defer done()

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("revert migrations: %w", err)
	}
	return nil
}

// Version returns the applied schema version and whether the last migration
// left the schema dirty. It returns 0 when nothing was applied yet.
func Version(db *sql.DB, dialect string) (uint, bool, error) {
	m, done, err := newMigrator(db, dialect)
	if err != nil {
		return 0, false, err
	}
	defer done()

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}
	return v, dirty, nil
}

// Supported reports whether migrations exist for the dialect.
func Supported(dialect string) bool {
	_, ok := sourceDirs[dialect]
	return ok
}

var sourceDirs = map[string]string{
	"postgres": "postgres",
	"mysql":    "mysql",
	"mariadb":  "mariadb",
	"sqlite":   "sqlite",
}

// newMigrator builds a migrator on db. The returned func releases what the
// migrator holds without closing db.
func newMigrator(db *sql.DB, dialect string) (*migrate.Migrate, func(), error) {
	dir, ok := sourceDirs[dialect]
	if !ok {
		return nil, nil, fmt.Errorf("no migrations for dialect %q", dialect)
	}

	sourceDriver, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return nil, nil, fmt.Errorf("create migration source: %w", err)
	}

	// The postgres and mysql drivers run on a dedicated connection which Close
	// returns to the pool. The sqlite3 driver closes the whole handle instead, so
	// it is never closed here.
	var (
		dbDriver database.Driver
		conn     *sql.Conn
	)
	switch dialect {
	case "postgres", "mysql", "mariadb":
		conn, err = db.Conn(context.Background())
		if err != nil {
			return nil, nil, fmt.Errorf("acquire migration connection: %w", err)
		}
		if dialect == "postgres" {
			dbDriver, err = postgres.WithConnection(context.Background(), conn, &postgres.Config{})
		} else {
			dbDriver, err = mysql.WithConnection(context.Background(), conn, &mysql.Config{})
		}
	case "sqlite":
		dbDriver, err = sqlite3.WithInstance(db, &sqlite3.Config{})
	}
	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		return nil, nil, fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, dialect, dbDriver)
	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		return nil, nil, fmt.Errorf("create migrator: %w", err)
	}

	done := func() {
		if conn != nil {
			_, _ = m.Close()
		}
	}
	return m, done, nil
}
