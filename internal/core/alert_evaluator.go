package core

import "time"

type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// StockAlert is raised when a record crosses into low_stock or out_of_stock.
type StockAlert struct {
	InventoryID       string        `json:"inventory_id"`
	ProductID         string        `json:"product_id"`
	WarehouseID       string        `json:"warehouse_id"`
	AlertType         StockStatus   `json:"alert_type"`
	PreviousStatus    StockStatus   `json:"previous_status,omitempty"`
	Severity          AlertSeverity `json:"severity"`
	QuantityOnHand    int64         `json:"quantity_on_hand"`
	QuantityAvailable int64         `json:"quantity_available"`
	ReorderPoint      int64         `json:"reorder_point"`
	ReorderQuantity   int64         `json:"reorder_quantity"`
	RaisedAt          time.Time     `json:"raised_at"`
}

// Classify derives the stock status of a record from its quantities.
func Classify(r InventoryRecord) StockStatus {
	switch {
	case r.QuantityOnHand == 0:
		return OutOfStock
	case r.QuantityAvailable <= r.ReorderPoint:
		return LowStock
	default:
		return InStock
	}
}

// Evaluate compares the status a record had before a committed mutation with
// the status it has now. An alert is returned only when the status changed and
// the new status is low_stock or out_of_stock; a record that stays in the same
// band never alerts again. prev is empty for a record created by this mutation.
func Evaluate(prev StockStatus, r InventoryRecord, now time.Time) (*StockAlert, bool) {
	next := Classify(r)
	if next == prev || next == InStock {
		return nil, false
	}
	return &StockAlert{
		InventoryID:       r.ID,
		ProductID:         r.ProductID,
		WarehouseID:       r.WarehouseID,
		AlertType:         next,
		PreviousStatus:    prev,
		Severity:          Severity(r),
		QuantityOnHand:    r.QuantityOnHand,
		QuantityAvailable: r.QuantityAvailable,
		ReorderPoint:      r.ReorderPoint,
		ReorderQuantity:   r.ReorderQuantity,
		RaisedAt:          now,
	}, true
}

// Severity scales with how far available stock has fallen below the reorder point.
func Severity(r InventoryRecord) AlertSeverity {
	if Classify(r) == OutOfStock || r.QuantityAvailable <= 0 {
		return SeverityCritical
	}
	if r.ReorderPoint <= 0 {
		return SeverityLow
	}
	// Integer form of available/reorderPoint <= 0.25 and <= 0.5.
	switch {
	case r.QuantityAvailable*4 <= r.ReorderPoint:
		return SeverityHigh
	case r.QuantityAvailable*2 <= r.ReorderPoint:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
