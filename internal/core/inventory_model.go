package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type StockStatus string

const (
	InStock    StockStatus = "in_stock"
	LowStock   StockStatus = "low_stock"
	OutOfStock StockStatus = "out_of_stock"
)

// InventoryRecord is the authoritative stock state of one product in one warehouse.
// QuantityOnHand always equals QuantityAvailable + QuantityReserved.
type InventoryRecord struct {
	ID                string          `json:"id"`
	ProductID         string          `json:"product_id"`
	WarehouseID       string          `json:"warehouse_id"`
	QuantityOnHand    int64           `json:"quantity_on_hand"`
	QuantityAvailable int64           `json:"quantity_available"`
	QuantityReserved  int64           `json:"quantity_reserved"`
	QuantityInTransit int64           `json:"quantity_in_transit"`
	ReorderPoint      int64           `json:"reorder_point"`
	ReorderQuantity   int64           `json:"reorder_quantity"`
	MinStockLevel     int64           `json:"min_stock_level"`
	AverageCost       decimal.Decimal `json:"average_cost"`
	LastPurchaseCost  decimal.Decimal `json:"last_purchase_cost"`
	StockStatus       StockStatus     `json:"stock_status"`
	LastMovement      *time.Time      `json:"last_movement,omitempty"`
	Metadata          map[string]any  `json:"metadata"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type MovementType string

const (
	MovementPurchase     MovementType = "purchase"
	MovementSale         MovementType = "sale"
	MovementAdjustment   MovementType = "adjustment"
	MovementReturn       MovementType = "return"
	MovementDamage       MovementType = "damage"
	MovementExpiry       MovementType = "expiry"
	MovementSync         MovementType = "sync"
	MovementInitialStock MovementType = "initial_stock"
)

func (t MovementType) Valid() bool {
	switch t {
	case MovementPurchase, MovementSale, MovementAdjustment, MovementReturn,
		MovementDamage, MovementExpiry, MovementSync, MovementInitialStock:
		return true
	}
	return false
}

// Movement is one immutable, signed entry in the audit ledger.
// RunningTotal mirrors QuantityAfter.
type Movement struct {
	ID              string          `json:"id"`
	Seq             int64           `json:"seq"`
	InventoryID     string          `json:"inventory_id"`
	ProductID       string          `json:"product_id"`
	WarehouseID     string          `json:"warehouse_id"`
	MovementType    MovementType    `json:"movement_type"`
	Quantity        int64           `json:"quantity"`
	UnitCost        decimal.Decimal `json:"unit_cost"`
	TotalCost       decimal.Decimal `json:"total_cost"`
	ReferenceType   string          `json:"reference_type"`
	ReferenceNumber string          `json:"reference_number"`
	PerformedBy     string          `json:"performed_by"`
	Notes           string          `json:"notes"`
	QuantityAfter   int64           `json:"quantity_after"`
	RunningTotal    int64           `json:"running_total"`
	CreatedAt       time.Time       `json:"created_at"`
}

type MovementFilter struct {
	InventoryID  string
	ProductID    string
	WarehouseID  string
	MovementType MovementType
	From         *time.Time
	To           *time.Time
	Page         int
	PageSize     int
}

type MovementPage struct {
	Movements []Movement `json:"movements"`
	Total     int        `json:"total"`
	Page      int        `json:"page"`
	PageSize  int        `json:"page_size"`
}

// ── Coordinator inputs ────────────────────────────────────────────────────────

type PurchaseItem struct {
	ProductID   string          `json:"product_id"`
	WarehouseID string          `json:"warehouse_id"`
	Quantity    int64           `json:"quantity"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
}

type ReceivePurchaseInput struct {
	SupplierID      string         `json:"supplier_id"`
	ReferenceNumber string         `json:"reference_number"`
	Items           []PurchaseItem `json:"items"`
	PerformedBy     string         `json:"performed_by"`
}

type SaleItem struct {
	ProductID   string          `json:"product_id"`
	WarehouseID string          `json:"warehouse_id"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

type RecordSaleInput struct {
	CustomerID      string     `json:"customer_id"`
	Items           []SaleItem `json:"items"`
	ReferenceNumber string     `json:"reference_number"`
	PerformedBy     string     `json:"performed_by"`
}

type AdjustStockInput struct {
	InventoryID       string `json:"inventory_id"`
	NewQuantityOnHand int64  `json:"new_quantity_on_hand"`
	Reason            string `json:"reason"`
	PerformedBy       string `json:"performed_by"`
	Notes             string `json:"notes"`
}

type RecordMovementInput struct {
	InventoryID     string          `json:"inventory_id"`
	MovementType    MovementType    `json:"movement_type"`
	Quantity        int64           `json:"quantity"`
	UnitCost        decimal.Decimal `json:"unit_cost"`
	ReferenceType   string          `json:"reference_type"`
	ReferenceNumber string          `json:"reference_number"`
	PerformedBy     string          `json:"performed_by"`
	Notes           string          `json:"notes"`
}

// StockChange pairs a record after a committed mutation with the movement that caused it.
type StockChange struct {
	Inventory InventoryRecord `json:"inventory"`
	Movement  Movement        `json:"movement"`
	Alert     *StockAlert     `json:"alert,omitempty"`
}

// TransactionResult is returned by every multi-item Coordinator operation.
type TransactionResult struct {
	ReferenceNumber string        `json:"reference_number"`
	Changes         []StockChange `json:"changes"`
}

// CustomerPurchaseHistory aggregates a customer's completed sales.
type CustomerPurchaseHistory struct {
	CustomerID     string          `json:"customer_id"`
	TotalOrders    int64           `json:"total_orders"`
	TotalUnits     int64           `json:"total_units"`
	TotalSpent     decimal.Decimal `json:"total_spent"`
	LastPurchaseAt *time.Time      `json:"last_purchase_at,omitempty"`
}

// ReconcileResult is the outcome of replaying an inventory record's ledger.
type ReconcileResult struct {
	InventoryID    string `json:"inventory_id"`
	Movements      int    `json:"movements"`
	ReplayedOnHand int64  `json:"replayed_on_hand"`
	CurrentOnHand  int64  `json:"current_on_hand"`
	// BrokenAtSeq is the first movement whose quantity_after does not follow its predecessor.
	BrokenAtSeq *int64 `json:"broken_at_seq,omitempty"`
	Consistent  bool   `json:"consistent"`
}
