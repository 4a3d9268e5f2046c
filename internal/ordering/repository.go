package ordering

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"

	"github.com/meridian-commerce/outbox"
)

const (
	// Tables
	ordersTable        = "orders"
	orderLinesTable    = "order_lines"
	stockItemsTable    = "stock_items"
	notificationsTable = "customer_notifications"

	// Columns
	idColumn         = "id"
	customerIDColumn = "customer_id"
	statusColumn     = "status"
	versionColumn    = "version"
	orderIDColumn    = "order_id"
	skuColumn        = "sku"
	quantityColumn   = "quantity"
	availableColumn  = "available"
	eventIDColumn    = "event_id"
	kindColumn       = "kind"
)

// Repository loads and saves the ordering aggregates. Saving happens through the
// SaveFuncs it returns, which the unit of work runs in its transaction.
type Repository struct {
	Builder squirrel.StatementBuilderType
}

// NewRepository creates a Repository emitting placeholders for dialect.
func NewRepository(dialect outbox.SQLDialect) *Repository {
	var format squirrel.PlaceholderFormat
	switch dialect {
	case outbox.SQLDialectPostgres:
		format = squirrel.Dollar
	case outbox.SQLDialectOracle:
		format = squirrel.Colon
	case outbox.SQLDialectSQLServer:
		format = squirrel.AtP
	default:
		format = squirrel.Question
	}

	return &Repository{
		Builder: squirrel.StatementBuilder.PlaceholderFormat(format),
	}
}

// LoadOrder reads an order and its lines with q.
func (r *Repository) LoadOrder(ctx context.Context, q outbox.Queryer, id string) (*Order, error) {
	sql, args, err := r.Builder.
		Select(idColumn, customerIDColumn, statusColumn, versionColumn).
		From(ordersTable).
		Where(squirrel.Eq{idColumn: id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("Repository - LoadOrder - r.Builder.ToSql: %w", err)
	}

	rows, err := q.QueryContext(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("Repository - LoadOrder - q.QueryContext: %w", err)
	}

	var (
		o     Order
		found bool
	)
	for rows.Next() {
		var status string
		if err := rows.Scan(&o.ID, &o.CustomerID, &status, &o.Version); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("Repository - LoadOrder - rows.Scan: %w", err)
		}
		o.Status = OrderStatus(status)
		found = true
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, fmt.Errorf("Repository - LoadOrder - rows.Err: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}

	o.Lines, err = r.loadLines(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *Repository) loadLines(ctx context.Context, q outbox.Queryer, orderID string) ([]Line, error) {
	sql, args, err := r.Builder.
		Select(skuColumn, quantityColumn).
		From(orderLinesTable).
		Where(squirrel.Eq{orderIDColumn: orderID}).
		OrderBy(skuColumn).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("Repository - loadLines - r.Builder.ToSql: %w", err)
	}

	rows, err := q.QueryContext(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("Repository - loadLines - q.QueryContext: %w", err)
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.SKU, &l.Quantity); err != nil {
			return nil, fmt.Errorf("Repository - loadLines - rows.Scan: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Repository - loadLines - rows.Err: %w", err)
	}
	return lines, nil
}

// SaveOrder returns the SaveFunc storing o. New orders are inserted with their
// lines; stored orders are updated only if their version did not change since they
// were loaded.
func (r *Repository) SaveOrder(o *Order) outbox.SaveFunc {
	return func(ctx context.Context, tx outbox.TxQueryer) (int64, error) {
		if o.Version == 0 {
			return r.insertOrder(ctx, tx, o)
		}

		sql, args, err := r.Builder.
			Update(ordersTable).
			Set(statusColumn, string(o.Status)).
			Set(versionColumn, squirrel.Expr(versionColumn+" + 1")).
			Where(squirrel.Eq{idColumn: o.ID, versionColumn: o.Version}).
			ToSql()
		if err != nil {
			return 0, fmt.Errorf("Repository - SaveOrder - r.Builder.ToSql: %w", err)
		}

		res, err := tx.ExecContext(ctx, sql, args...)
		if err != nil {
			return 0, fmt.Errorf("Repository - SaveOrder - tx.ExecContext: %w", err)
		}
		if err := outbox.ExpectAffected(res, 1); err != nil {
			return 0, fmt.Errorf("Repository - SaveOrder - order %s: %w", o.ID, err)
		}

		o.Version++
		return 1, nil
	}
}

func (r *Repository) insertOrder(ctx context.Context, tx outbox.TxQueryer, o *Order) (int64, error) {
	sql, args, err := r.Builder.
		Insert(ordersTable).
		Columns(idColumn, customerIDColumn, statusColumn, versionColumn).
		Values(o.ID, o.CustomerID, string(o.Status), 1).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("Repository - insertOrder - r.Builder.ToSql: %w", err)
	}

	if _, err := tx.ExecContext(ctx, sql, args...); err != nil {
		return 0, fmt.Errorf("Repository - insertOrder - tx.ExecContext: %w", err)
	}

	lines := r.Builder.
		Insert(orderLinesTable).
		Columns(orderIDColumn, skuColumn, quantityColumn)
	for _, l := range o.Lines {
		lines = lines.Values(o.ID, l.SKU, l.Quantity)
	}

	sql, args, err = lines.ToSql()
	if err != nil {
		return 0, fmt.Errorf("Repository - insertOrder - lines.ToSql: %w", err)
	}

	if _, err := tx.ExecContext(ctx, sql, args...); err != nil {
		return 0, fmt.Errorf("Repository - insertOrder - tx.ExecContext lines: %w", err)
	}

	o.Version = 1
	return int64(1 + len(o.Lines)), nil
}

// CreateStockItem inserts a stock item outside of any unit of work. It is meant
// for seeding.
func (r *Repository) CreateStockItem(ctx context.Context, q outbox.Queryer, sku string, available int) error {
	sql, args, err := r.Builder.
		Insert(stockItemsTable).
		Columns(skuColumn, availableColumn, versionColumn).
		Values(sku, available, 1).
		ToSql()
	if err != nil {
		return fmt.Errorf("Repository - CreateStockItem - r.Builder.ToSql: %w", err)
	}

	if _, err := q.ExecContext(ctx, sql, args...); err != nil {
		return fmt.Errorf("Repository - CreateStockItem - q.ExecContext: %w", err)
	}
	return nil
}

// LoadStockItem reads a stock item with q.
func (r *Repository) LoadStockItem(ctx context.Context, q outbox.Queryer, sku string) (*StockItem, error) {
	sql, args, err := r.Builder.
		Select(skuColumn, availableColumn, versionColumn).
		From(stockItemsTable).
		Where(squirrel.Eq{skuColumn: sku}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("Repository - LoadStockItem - r.Builder.ToSql: %w", err)
	}

	rows, err := q.QueryContext(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("Repository - LoadStockItem - q.QueryContext: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("Repository - LoadStockItem - rows.Err: %w", err)
		}
		return nil, fmt.Errorf("%w: %s", ErrStockItemNotFound, sku)
	}

	var s StockItem
	if err := rows.Scan(&s.SKU, &s.Available, &s.Version); err != nil {
		return nil, fmt.Errorf("Repository - LoadStockItem - rows.Scan: %w", err)
	}
	return &s, nil
}

// SaveStockItem returns the SaveFunc storing s under its optimistic lock.
func (r *Repository) SaveStockItem(s *StockItem) outbox.SaveFunc {
	return func(ctx context.Context, tx outbox.TxQueryer) (int64, error) {
		sql, args, err := r.Builder.
			Update(stockItemsTable).
			Set(availableColumn, s.Available).
			Set(versionColumn, squirrel.Expr(versionColumn+" + 1")).
			Where(squirrel.Eq{skuColumn: s.SKU, versionColumn: s.Version}).
			ToSql()
		if err != nil {
			return 0, fmt.Errorf("Repository - SaveStockItem - r.Builder.ToSql: %w", err)
		}

		res, err := tx.ExecContext(ctx, sql, args...)
		if err != nil {
			return 0, fmt.Errorf("Repository - SaveStockItem - tx.ExecContext: %w", err)
		}
		if err := outbox.ExpectAffected(res, 1); err != nil {
			return 0, fmt.Errorf("Repository - SaveStockItem - stock item %s: %w", s.SKU, err)
		}

		s.Version++
		return 1, nil
	}
}
