package ordering

// Aggregate types.
const (
	AggregateOrder = "order"
	AggregateStock = "stock_item"
)

// Event types raised by the ordering aggregates.
const (
	EventOrderPlaced    = "order.placed"
	EventOrderApproved  = "order.approved"
	EventOrderCancelled = "order.cancelled"
	EventStockReserved  = "stock.reserved"
	EventStockRestored  = "stock.restored"
)

// OrderPlaced is the payload of order.placed.
type OrderPlaced struct {
	OrderID    string `json:"order_id"`
	CustomerID string `json:"customer_id"`
	Lines      []Line `json:"lines"`
}

// OrderApproved is the payload of order.approved.
type OrderApproved struct {
	OrderID string `json:"order_id"`
}

// OrderCancelled is the payload of order.cancelled.
type OrderCancelled struct {
	OrderID    string `json:"order_id"`
	CustomerID string `json:"customer_id"`
	Reason     string `json:"reason"`
}

// StockReserved is the payload of stock.reserved, raised once per order line.
type StockReserved struct {
	SKU      string `json:"sku"`
	OrderID  string `json:"order_id"`
	Quantity int    `json:"quantity"`
}

// StockRestored is the payload of stock.restored.
type StockRestored struct {
	SKU      string `json:"sku"`
	OrderID  string `json:"order_id"`
	Quantity int    `json:"quantity"`
}
