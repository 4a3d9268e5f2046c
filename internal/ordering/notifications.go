package ordering

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Masterminds/squirrel"

	"github.com/meridian-commerce/outbox"
	"github.com/meridian-commerce/outbox/dedup"
)

// NotificationsSubscriber is the name the customer notification projection
// registers and reserves events under.
const NotificationsSubscriber = "customer-notifications"

// Notification is a row of the customer_notifications projection.
type Notification struct {
	EventID    string
	CustomerID string
	OrderID    string
	Kind       string
}

// Notifications projects order events into customer_notifications. Each event is
// applied at most once: its reservation in processed_events and the projected row
// commit in the same transaction.
type Notifications struct {
	repo  *Repository
	store *dedup.SQLStore
}

// NewNotifications creates the projection on the database behind store.
func NewNotifications(repo *Repository, store *dedup.SQLStore) *Notifications {
	return &Notifications{repo: repo, store: store}
}

// Register subscribes the projection to the order events it projects.
func (n *Notifications) Register(registry *outbox.Registry) error {
	s := n.store.Transactional(NotificationsSubscriber, n.apply)

	for _, eventType := range []string{EventOrderPlaced, EventOrderCancelled} {
		if err := registry.Subscribe(eventType, NotificationsSubscriber, s); err != nil {
			return err
		}
	}
	return nil
}

func (n *Notifications) apply(ctx context.Context, tx *sql.Tx, e outbox.Event) error {
	var notification Notification

	switch e.EventType {
	case EventOrderPlaced:
		var p OrderPlaced
		if err := e.Decode(&p); err != nil {
			return err
		}
		notification = Notification{CustomerID: p.CustomerID, OrderID: p.OrderID, Kind: "order_placed"}

	case EventOrderCancelled:
		var p OrderCancelled
		if err := e.Decode(&p); err != nil {
			return err
		}
		notification = Notification{CustomerID: p.CustomerID, OrderID: p.OrderID, Kind: "order_cancelled"}

	default:
		return nil
	}
	notification.EventID = e.ID.String()

	query, args, err := n.repo.Builder.
		Insert(notificationsTable).
		Columns(eventIDColumn, customerIDColumn, orderIDColumn, kindColumn).
		Values(notification.EventID, notification.CustomerID, notification.OrderID, notification.Kind).
		ToSql()
	if err != nil {
		return fmt.Errorf("Notifications - apply - ToSql: %w", err)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("Notifications - apply - tx.ExecContext: %w", err)
	}
	return nil
}

// ListNotifications returns the notifications projected for a customer.
func (r *Repository) ListNotifications(ctx context.Context, q outbox.Queryer, customerID string) ([]Notification, error) {
	query, args, err := r.Builder.
		Select(eventIDColumn, customerIDColumn, orderIDColumn, kindColumn).
		From(notificationsTable).
		Where(squirrel.Eq{customerIDColumn: customerID}).
		OrderBy(orderIDColumn, kindColumn).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("Repository - ListNotifications - r.Builder.ToSql: %w", err)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("Repository - ListNotifications - q.QueryContext: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.EventID, &n.CustomerID, &n.OrderID, &n.Kind); err != nil {
			return nil, fmt.Errorf("Repository - ListNotifications - rows.Scan: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
