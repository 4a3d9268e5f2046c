// Package ordering is a small ordering domain that exercises the outbox: orders
// reserve stock when placed and give it back when cancelled, and every change is
// published through outbox records written in the same transaction.
package ordering

import (
	"errors"
	"fmt"

	"github.com/meridian-commerce/outbox"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

// Order statuses.
const (
	OrderPlacedStatus    OrderStatus = "placed"
	OrderApprovedStatus  OrderStatus = "approved"
	OrderCancelledStatus OrderStatus = "cancelled"
)

// Domain errors. Retrying an operation that failed with one of them fails again.
var (
	ErrEmptyOrder          = errors.New("ordering: order has no lines")
	ErrInvalidQuantity     = errors.New("ordering: quantity must be positive")
	ErrDuplicateLine       = errors.New("ordering: sku appears on more than one line")
	ErrOrderNotCancellable = errors.New("ordering: order cannot be cancelled")
	ErrOrderNotApprovable  = errors.New("ordering: order cannot be approved")
	ErrInsufficientStock   = errors.New("ordering: insufficient stock")
	ErrOrderNotFound       = errors.New("ordering: order not found")
	ErrStockItemNotFound   = errors.New("ordering: stock item not found")
)

// Line is a quantity of one stock item on an order.
type Line struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// Order is the order aggregate. Version is the optimistic lock; 0 means the order
// was never stored.
type Order struct {
	outbox.AggregateRoot

	ID         string
	CustomerID string
	Status     OrderStatus
	Lines      []Line
	Version    int
}

// PlaceOrder creates a new order and raises OrderPlaced. Each SKU may appear on
// one line only.
func PlaceOrder(id, customerID string, lines []Line) (*Order, error) {
	if len(lines) == 0 {
		return nil, ErrEmptyOrder
	}
	seen := make(map[string]struct{}, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidQuantity, l.SKU)
		}
		if _, ok := seen[l.SKU]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateLine, l.SKU)
		}
		seen[l.SKU] = struct{}{}
	}

	o := &Order{
		ID:         id,
		CustomerID: customerID,
		Status:     OrderPlacedStatus,
		Lines:      append([]Line(nil), lines...),
	}

	err := o.Raise(AggregateOrder, o.ID, EventOrderPlaced, OrderPlaced{
		OrderID:    o.ID,
		CustomerID: o.CustomerID,
		Lines:      o.Lines,
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Approve moves a placed order to approved.
func (o *Order) Approve() error {
	if o.Status != OrderPlacedStatus {
		return fmt.Errorf("%w: order %s is %s", ErrOrderNotApprovable, o.ID, o.Status)
	}

	o.Status = OrderApprovedStatus
	return o.Raise(AggregateOrder, o.ID, EventOrderApproved, OrderApproved{OrderID: o.ID})
}

// Cancel cancels a placed or approved order. The stock of its lines is given back
// by the caller through StockItem.Restore.
func (o *Order) Cancel(reason string) error {
	if o.Status == OrderCancelledStatus {
		return fmt.Errorf("%w: order %s is already cancelled", ErrOrderNotCancellable, o.ID)
	}

	o.Status = OrderCancelledStatus
	return o.Raise(AggregateOrder, o.ID, EventOrderCancelled, OrderCancelled{
		OrderID:    o.ID,
		CustomerID: o.CustomerID,
		Reason:     reason,
	})
}
