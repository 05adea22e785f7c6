package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// pgxQuerier is satisfied by both *pgxpool.Pool and pgx.Tx, enabling shared query helpers.
type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// RecordDefaults seeds the thresholds of records created on first receipt.
type RecordDefaults struct {
	ReorderPoint    int64
	ReorderQuantity int64
	MinStockLevel   int64
}

// InventoryStore owns the inventory table. Methods suffixed Tx run inside the
// caller's transaction and expect the caller to commit or roll back.
type InventoryStore struct {
	pool     *pgxpool.Pool
	defaults RecordDefaults
	now      func() time.Time
}

func NewInventoryStore(pool *pgxpool.Pool, defaults RecordDefaults) *InventoryStore {
	return &InventoryStore{pool: pool, defaults: defaults, now: time.Now}
}

const inventoryColumns = `id::text, product_id, warehouse_id,
	quantity_on_hand, quantity_available, quantity_reserved, quantity_in_transit,
	reorder_point, reorder_quantity, min_stock_level,
	average_cost, last_purchase_cost, stock_status, last_movement, metadata,
	created_at, updated_at`

func scanInventory(row pgx.Row) (InventoryRecord, error) {
	var r InventoryRecord
	var status string
	err := row.Scan(
		&r.ID, &r.ProductID, &r.WarehouseID,
		&r.QuantityOnHand, &r.QuantityAvailable, &r.QuantityReserved, &r.QuantityInTransit,
		&r.ReorderPoint, &r.ReorderQuantity, &r.MinStockLevel,
		&r.AverageCost, &r.LastPurchaseCost, &status, &r.LastMovement, &r.Metadata,
		&r.CreatedAt, &r.UpdatedAt,
	)
	r.StockStatus = StockStatus(status)
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	return r, err
}

func (s *InventoryStore) getOne(ctx context.Context, q pgxQuerier, what, query string, args ...any) (InventoryRecord, error) {
	rec, err := scanInventory(q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return InventoryRecord{}, fmt.Errorf("inventory %s: %w", what, ErrNotFound)
		}
		return InventoryRecord{}, fmt.Errorf("failed to load inventory %s: %w", what, err)
	}
	return rec, nil
}

// Get returns the record for a product in a warehouse.
func (s *InventoryStore) Get(ctx context.Context, productID, warehouseID string) (InventoryRecord, error) {
	return s.getOne(ctx, s.pool, fmt.Sprintf("for product %s in warehouse %s", productID, warehouseID),
		`SELECT `+inventoryColumns+` FROM inventory WHERE product_id = $1 AND warehouse_id = $2`,
		productID, warehouseID)
}

// GetByID returns the record with the given inventory id.
func (s *InventoryStore) GetByID(ctx context.Context, inventoryID string) (InventoryRecord, error) {
	if _, err := uuid.Parse(inventoryID); err != nil {
		return InventoryRecord{}, fmt.Errorf("inventory %s: %w", inventoryID, ErrNotFound)
	}
	return s.getOne(ctx, s.pool, inventoryID,
		`SELECT `+inventoryColumns+` FROM inventory WHERE id = $1`, inventoryID)
}

// LockTx takes the row lock on an inventory record for the rest of tx.
func (s *InventoryStore) LockTx(ctx context.Context, tx pgx.Tx, inventoryID string) (InventoryRecord, error) {
	if _, err := uuid.Parse(inventoryID); err != nil {
		return InventoryRecord{}, fmt.Errorf("inventory %s: %w", inventoryID, ErrNotFound)
	}
	return s.getOne(ctx, tx, inventoryID,
		`SELECT `+inventoryColumns+` FROM inventory WHERE id = $1 FOR UPDATE`, inventoryID)
}

// LockByKeyTx takes the row lock on the record for a product in a warehouse.
func (s *InventoryStore) LockByKeyTx(ctx context.Context, tx pgx.Tx, productID, warehouseID string) (InventoryRecord, error) {
	return s.getOne(ctx, tx, fmt.Sprintf("for product %s in warehouse %s", productID, warehouseID),
		`SELECT `+inventoryColumns+` FROM inventory WHERE product_id = $1 AND warehouse_id = $2 FOR UPDATE`,
		productID, warehouseID)
}

// EnsureOnReceiptTx books received stock into a record, creating the record on
// first receipt. created reports whether the record did not exist before.
func (s *InventoryStore) EnsureOnReceiptTx(ctx context.Context, tx pgx.Tx, productID, warehouseID string,
	quantity int64, unitCost decimal.Decimal) (before, after InventoryRecord, created bool, err error) {

	if err := s.checkReferencesTx(ctx, tx, productID, warehouseID); err != nil {
		return before, after, false, err
	}

	// Insert an empty row if absent; a concurrent inserter blocks here until
	// the other transaction finishes.
	var newID string
	err = tx.QueryRow(ctx, `
		INSERT INTO inventory (id, product_id, warehouse_id, reorder_point, reorder_quantity, min_stock_level, stock_status)
		VALUES ($1, $2, $3, $4, $5, $6, 'out_of_stock')
		ON CONFLICT (product_id, warehouse_id) DO NOTHING
		RETURNING id::text
	`, uuid.NewString(), productID, warehouseID,
		s.defaults.ReorderPoint, s.defaults.ReorderQuantity, s.defaults.MinStockLevel,
	).Scan(&newID)
	switch {
	case err == nil:
		created = true
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return before, after, false, fmt.Errorf("failed to upsert inventory for product %s: %w", productID, err)
	}

	before, err = s.LockByKeyTx(ctx, tx, productID, warehouseID)
	if err != nil {
		return before, after, created, err
	}

	after = before
	after.AverageCost = WeightedAverageCost(before.QuantityOnHand, before.AverageCost, quantity, unitCost)
	after.LastPurchaseCost = unitCost.RoundBank(2)
	after.QuantityOnHand += quantity
	after.QuantityAvailable += quantity
	if err := s.writeTx(ctx, tx, &after); err != nil {
		return before, after, created, err
	}
	return before, after, created, nil
}

// ApplyDeltaTx locks the record and applies the three quantity deltas atomically.
// It fails with ErrInsufficientStock when available stock would go negative.
func (s *InventoryStore) ApplyDeltaTx(ctx context.Context, tx pgx.Tx, inventoryID string,
	deltaOnHand, deltaAvailable, deltaReserved int64) (before, after InventoryRecord, err error) {

	before, err = s.LockTx(ctx, tx, inventoryID)
	if err != nil {
		return before, after, err
	}
	after, err = applyDelta(before, deltaOnHand, deltaAvailable, deltaReserved)
	if err != nil {
		return before, after, err
	}
	if err := s.writeTx(ctx, tx, &after); err != nil {
		return before, after, err
	}
	return before, after, nil
}

// applyDelta computes the post-change record without touching storage.
func applyDelta(r InventoryRecord, deltaOnHand, deltaAvailable, deltaReserved int64) (InventoryRecord, error) {
	next := r
	next.QuantityOnHand += deltaOnHand
	next.QuantityAvailable += deltaAvailable
	next.QuantityReserved += deltaReserved

	if next.QuantityAvailable < 0 {
		return r, &InsufficientStockError{Shortages: []Shortage{{
			InventoryID: r.ID,
			ProductID:   r.ProductID,
			WarehouseID: r.WarehouseID,
			Available:   r.QuantityAvailable,
			Requested:   -deltaAvailable,
		}}}
	}
	if next.QuantityOnHand < 0 || next.QuantityReserved < 0 {
		return r, invalid("quantity", "delta would make stock negative for inventory %s", r.ID)
	}
	if next.QuantityOnHand != next.QuantityAvailable+next.QuantityReserved {
		return r, invalid("quantity", "on hand %d must equal available %d plus reserved %d",
			next.QuantityOnHand, next.QuantityAvailable, next.QuantityReserved)
	}
	return next, nil
}

// writeTx persists the quantities, costs and recomputed status of a locked record.
func (s *InventoryStore) writeTx(ctx context.Context, tx pgx.Tx, r *InventoryRecord) error {
	now := s.now().UTC()
	r.StockStatus = Classify(*r)
	r.LastMovement = &now
	r.UpdatedAt = now

	_, err := tx.Exec(ctx, `
		UPDATE inventory
		SET quantity_on_hand   = $2,
		    quantity_available = $3,
		    quantity_reserved  = $4,
		    average_cost       = $5,
		    last_purchase_cost = $6,
		    stock_status       = $7,
		    last_movement      = $8,
		    updated_at         = $8
		WHERE id = $1
	`, r.ID, r.QuantityOnHand, r.QuantityAvailable, r.QuantityReserved,
		r.AverageCost, r.LastPurchaseCost, string(r.StockStatus), now)
	if err != nil {
		return fmt.Errorf("failed to update inventory %s: %w", r.ID, err)
	}
	return nil
}

func (s *InventoryStore) checkReferencesTx(ctx context.Context, tx pgx.Tx, productID, warehouseID string) error {
	var productOK, warehouseOK bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM products WHERE id = $1 AND is_active),
		       EXISTS (SELECT 1 FROM warehouses WHERE id = $2 AND is_active)
	`, productID, warehouseID).Scan(&productOK, &warehouseOK)
	if err != nil {
		return fmt.Errorf("failed to resolve product and warehouse: %w", err)
	}
	if !productOK {
		return fmt.Errorf("product %s: %w", productID, ErrNotFound)
	}
	if !warehouseOK {
		return fmt.Errorf("warehouse %s: %w", warehouseID, ErrNotFound)
	}
	return nil
}

// WeightedAverageCost blends the current average with a receipt, rounding half
// to even at two decimal places.
func WeightedAverageCost(onHand int64, averageCost decimal.Decimal, quantity int64, unitCost decimal.Decimal) decimal.Decimal {
	if onHand == 0 || onHand+quantity == 0 {
		return unitCost.RoundBank(2)
	}
	oldQty := decimal.NewFromInt(onHand)
	newQty := decimal.NewFromInt(quantity)
	return averageCost.Mul(oldQty).
		Add(unitCost.Mul(newQty)).
		Div(oldQty.Add(newQty)).
		RoundBank(2)
}
