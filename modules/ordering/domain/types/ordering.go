package types

import "time"

// MenuItem is one dish or drink a tenant offers.
type MenuItem struct {
	UUID       string
	Name       string
	Category   string
	PriceCents int64
	Available  bool
	CreatedAt  time.Time
}

// OrderLine is a snapshot of a menu item at ordering time. Name and
// price are copied so later menu edits never rewrite old orders.
type OrderLine struct {
	MenuItemUUID string
	Name         string
	Quantity     int
	PriceCents   int64
}

// Order is one dine-in order for a table.
type Order struct {
	UUID        string
	TableNumber int
	Status      string
	Lines       []OrderLine
	TotalCents  int64
	CreatedAt   time.Time
}

const (
	OrderStatusOpen      = "open"
	OrderStatusSubmitted = "submitted"
	OrderStatusFulfilled = "fulfilled"
	OrderStatusCancelled = "cancelled"
)

// NextStatuses is the order lifecycle: open orders can be submitted or
// cancelled, submitted orders fulfilled or cancelled, and the terminal
// states go nowhere.
var NextStatuses = map[string][]string{
	OrderStatusOpen:      {OrderStatusSubmitted, OrderStatusCancelled},
	OrderStatusSubmitted: {OrderStatusFulfilled, OrderStatusCancelled},
	OrderStatusFulfilled: nil,
	OrderStatusCancelled: nil,
}

func CanTransition(from string, to string) bool {
	for _, s := range NextStatuses[from] {
		if s == to {
			return true
		}
	}
	return false
}
