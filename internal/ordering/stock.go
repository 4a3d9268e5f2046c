package ordering

import (
	"fmt"

	"github.com/meridian-commerce/outbox"
)

// StockItem tracks the available quantity of one SKU.
type StockItem struct {
	outbox.AggregateRoot

	SKU       string
	Available int
	Version   int
}

// Reserve takes qty units for an order.
func (s *StockItem) Reserve(orderID string, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidQuantity, s.SKU)
	}
	if s.Available < qty {
		return fmt.Errorf("%w: %s has %d, %d requested", ErrInsufficientStock, s.SKU, s.Available, qty)
	}

	s.Available -= qty
	return s.Raise(AggregateStock, s.SKU, EventStockReserved, StockReserved{
		SKU:      s.SKU,
		OrderID:  orderID,
		Quantity: qty,
	})
}

// Restore gives qty units of a cancelled order back.
func (s *StockItem) Restore(orderID string, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidQuantity, s.SKU)
	}

	s.Available += qty
	return s.Raise(AggregateStock, s.SKU, EventStockRestored, StockRestored{
		SKU:      s.SKU,
		OrderID:  orderID,
		Quantity: qty,
	})
}
