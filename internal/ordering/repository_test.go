package ordering

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-commerce/outbox"
)

func TestRepositoryPlaceholders(t *testing.T) {
	tests := []struct {
		dialect  outbox.SQLDialect
		expected string
	}{
		{outbox.SQLDialectPostgres, "SELECT sku FROM stock_items WHERE sku = $1"},
		{outbox.SQLDialectMySQL, "SELECT sku FROM stock_items WHERE sku = ?"},
		{outbox.SQLDialectSQLite, "SELECT sku FROM stock_items WHERE sku = ?"},
		{outbox.SQLDialectOracle, "SELECT sku FROM stock_items WHERE sku = :1"},
		{outbox.SQLDialectSQLServer, "SELECT sku FROM stock_items WHERE sku = @p1"},
	}

	for _, tt := range tests {
		t.Run(string(tt.dialect), func(t *testing.T) {
			r := NewRepository(tt.dialect)

			query, args, err := r.Builder.Select(skuColumn).From(stockItemsTable).Where("sku = ?", "sku-1").ToSql()
			require.NoError(t, err)
			assert.Equal(t, tt.expected, query)
			assert.Equal(t, []any{"sku-1"}, args)
		})
	}
}
