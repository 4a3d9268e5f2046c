package ordering

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"

	"github.com/meridian-commerce/outbox"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// ApplySchema creates the ordering tables. Only the postgres and sqlite dialects
// are supported.
func ApplySchema(ctx context.Context, db *sql.DB, dialect outbox.SQLDialect) error {
	var file string
	switch dialect {
	case outbox.SQLDialectPostgres:
		file = "schema/postgres.sql"
	case outbox.SQLDialectSQLite:
		file = "schema/sqlite.sql"
	default:
		return fmt.Errorf("ordering - ApplySchema: unsupported dialect %q", dialect)
	}

	data, err := schemaFS.ReadFile(file)
	if err != nil {
		return fmt.Errorf("ordering - ApplySchema - ReadFile: %w", err)
	}

	for _, stmt := range strings.Split(string(data), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ordering - ApplySchema - ExecContext: %w", err)
		}
	}
	return nil
}
