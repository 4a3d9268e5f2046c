package outbox

import (
	"fmt"
	"strings"
	"testing"
)

func TestWithTableName(t *testing.T) {
	t.Run("uses default table name when no option provided", func(t *testing.T) {
		dbCtx := NewDBContextWithDB(&fakeDB{}, SQLDialectPostgres)

		if dbCtx.TableName() != "outbox" {
			t.Errorf("expected default table name 'outbox', got %q", dbCtx.TableName())
		}
		if dbCtx.PartitionCount() != DefaultPartitionCount {
			t.Errorf("expected %d partitions, got %d", DefaultPartitionCount, dbCtx.PartitionCount())
		}
	})

	t.Run("uses custom table name in queries", func(t *testing.T) {
		customTable := "custom_events"

		dbCtx := NewDBContextWithDB(&fakeDB{}, SQLDialectPostgres, WithTableName(customTable))

		if dbCtx.TableName() != customTable {
			t.Errorf("expected table name %q, got %q", customTable, dbCtx.TableName())
		}

		insert := newEventWriter(dbCtx).insertQuery()
		if !strings.HasPrefix(insert, "INSERT INTO custom_events ") {
			t.Errorf("expected insert into %q, got %q", customTable, insert)
		}
	})
}

func TestValidateTableName(t *testing.T) {
	tests := []struct {
		name      string
		tableName string
		panicMsg  string
	}{
		{
			name:      "valid table name with letters",
			tableName: "outbox",
		},
		{
			name:      "valid table name with underscore",
			tableName: "outbox_table",
		},
		{
			name:      "valid table name starting with underscore",
			tableName: "_outbox",
		},
		{
			name:      "valid table name with numbers",
			tableName: "outbox123",
		},
		{
			name:      "valid table name with mixed case",
			tableName: "OutboxTable",
		},
		{
			name:      "empty table name",
			tableName: "",
			panicMsg:  "table name cannot be empty",
		},
		{
			name:      "table name starting with number",
			tableName: "123outbox",
			panicMsg:  "invalid table name",
		},
		{
			name:      "table name with dash",
			tableName: "outbox-table",
			panicMsg:  "invalid table name",
		},
		{
			name:      "table name with space",
			tableName: "outbox table",
			panicMsg:  "invalid table name",
		},
		{
			name:      "table name with dot",
			tableName: "schema.outbox",
			panicMsg:  "invalid table name",
		},
		{
			name:      "table name with special characters",
			tableName: "outbox@table",
			panicMsg:  "invalid table name",
		},
		{
			name:      "table name with only numbers",
			tableName: "123",
			panicMsg:  "invalid table name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				r := recover()
				if tt.panicMsg != "" {
					if r == nil {
						t.Errorf("expected panic for table name %q, but got none", tt.tableName)
						return
					}
					errMsg := r.(error).Error()
					if tt.panicMsg != "" && !strings.Contains(errMsg, tt.panicMsg) {
						t.Errorf("expected panic message to contain %q, got %q", tt.panicMsg, errMsg)
					}
				} else if r != nil {
					t.Errorf("unexpected panic for table name %q: %v", tt.tableName, r)
				}
			}()

			_ = NewDBContextWithDB(&fakeDB{}, SQLDialectPostgres, WithTableName(tt.tableName))
		})
	}
}

func TestCommitNotificationValidation(t *testing.T) {
	tests := []struct {
		name     string
		dialect  SQLDialect
		channel  string
		panicMsg string
	}{
		{name: "postgres", dialect: SQLDialectPostgres, channel: "outbox_events"},
		{name: "invalid channel", dialect: SQLDialectPostgres, channel: "outbox events", panicMsg: "invalid notification channel"},
		{name: "unsupported dialect", dialect: SQLDialectMySQL, channel: "outbox_events", panicMsg: "not supported by dialect"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				r := recover()
				if tt.panicMsg == "" {
					if r != nil {
						t.Errorf("unexpected panic: %v", r)
					}
					return
				}
				if r == nil {
					t.Fatal("expected panic, got none")
				}
				if msg := r.(error).Error(); !strings.Contains(msg, tt.panicMsg) {
					t.Errorf("expected panic message to contain %q, got %q", tt.panicMsg, msg)
				}
			}()

			_ = NewDBContextWithDB(&fakeDB{}, tt.dialect, WithCommitNotification(tt.channel))
		})
	}
}

func TestPlaceholder(t *testing.T) {
	tests := []struct {
		dialect SQLDialect
		want    string
	}{
		{SQLDialectPostgres, "$3"},
		{SQLDialectMySQL, "?"},
		{SQLDialectMariaDB, "?"},
		{SQLDialectSQLite, "?"},
		{SQLDialectOracle, ":3"},
		{SQLDialectSQLServer, "@p3"},
	}

	for _, tt := range tests {
		if got := tt.dialect.Placeholder(3); got != tt.want {
			t.Errorf("%s: expected %q, got %q", tt.dialect, tt.want, got)
		}
	}
}

func TestLimitQuery(t *testing.T) {
	tests := []struct {
		dialect SQLDialect
		want    string
	}{
		{SQLDialectPostgres, "SELECT seq FROM outbox ORDER BY seq LIMIT $1"},
		{SQLDialectOracle, "SELECT seq FROM outbox ORDER BY seq FETCH FIRST :1 ROWS ONLY"},
		{SQLDialectSQLServer, "SELECT TOP (@p1) seq FROM outbox ORDER BY seq"},
	}

	for _, tt := range tests {
		c := NewDBContextWithDB(&fakeDB{}, tt.dialect)
		a := c.newArgs()
		if got := c.limitQuery("seq", "FROM outbox ORDER BY seq", a.add(10)); got != tt.want {
			t.Errorf("%s: expected %q, got %q", tt.dialect, tt.want, got)
		}
	}
}

func TestPartitionFor(t *testing.T) {
	c := NewDBContextWithDB(&fakeDB{}, SQLDialectPostgres, WithPartitionCount(8))

	seen := make(map[int]bool)
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("order-%d", i)
		p := c.partitionFor(id)
		if p < 0 || p >= 8 {
			t.Fatalf("partition %d of %q out of range", p, id)
		}
		if p != c.partitionFor(id) {
			t.Fatalf("partition of %q is not stable", id)
		}
		seen[p] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected aggregates to spread over partitions, got %v", seen)
	}

	if NewDBContextWithDB(&fakeDB{}, SQLDialectPostgres, WithPartitionCount(0)).PartitionCount() != DefaultPartitionCount {
		t.Fatal("expected a non-positive partition count to be ignored")
	}
}
