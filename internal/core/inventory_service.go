package core

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"inventory-ledger/internal/events"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// InventoryService coordinates every stock-changing operation. Each mutating
// call runs as one database transaction that row-locks the inventory records
// it touches; events are published only after that transaction commits.
type InventoryService interface {
	// ReceivePurchase books a supplier receipt. Records are created on first receipt
	// and their average cost is re-weighted. All items land together or not at all.
	ReceivePurchase(ctx context.Context, in ReceivePurchaseInput) (*TransactionResult, error)
	// RecordSale checks availability for every item before writing anything and
	// aborts the whole sale with *InsufficientStockError if any line is short.
	RecordSale(ctx context.Context, in RecordSaleInput) (*TransactionResult, error)
	// AdjustStock sets on-hand to an absolute count; reserved stock is untouched.
	AdjustStock(ctx context.Context, in AdjustStockInput) (*StockChange, error)
	// RecordMovement books a return, damage, expiry, sync or initial_stock delta.
	RecordMovement(ctx context.Context, in RecordMovementInput) (*StockChange, error)

	GetInventoryByID(ctx context.Context, inventoryID string) (*InventoryRecord, error)
	// GetInventory looks a record up by its (product, warehouse) key.
	GetInventory(ctx context.Context, productID, warehouseID string) (*InventoryRecord, error)
	GetMovements(ctx context.Context, f MovementFilter) (*MovementPage, error)
	GetInventoryAnalytics(ctx context.Context, f AnalyticsFilter) (*InventoryAnalytics, error)
	GetCustomerHistory(ctx context.Context, customerID string) (*CustomerPurchaseHistory, error)
	// Reconcile replays the ledger of one record against its current on-hand.
	Reconcile(ctx context.Context, inventoryID string) (*ReconcileResult, error)
}

type Option func(*inventoryService)

// WithLockTimeout bounds how long a transaction waits for a row lock before
// failing with ErrLockTimeout. Non-positive values keep the default.
func WithLockTimeout(d time.Duration) Option {
	return func(s *inventoryService) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

func WithAnalyticsCache(c AnalyticsCache) Option {
	return func(s *inventoryService) { s.cache = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *inventoryService) { s.now = now }
}

type inventoryService struct {
	pool        *pgxpool.Pool
	store       *InventoryStore
	ledger      *MovementLedger
	publisher   events.Publisher
	cache       AnalyticsCache
	log         *zap.Logger
	lockTimeout time.Duration
	now         func() time.Time
	gate        commitGate
}

func NewInventoryService(pool *pgxpool.Pool, store *InventoryStore, ledger *MovementLedger,
	publisher events.Publisher, log *zap.Logger, opts ...Option) InventoryService {

	if publisher == nil {
		publisher = events.Discard{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &inventoryService{
		pool:        pool,
		store:       store,
		ledger:      ledger,
		publisher:   publisher,
		log:         log,
		lockTimeout: 5 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if store != nil {
		store.now = s.now
	}
	return s
}

// txOutcome is what a transaction body hands back for post-commit work.
type txOutcome struct {
	touched []string
	events  []events.Event
}

func (o *txOutcome) record(change StockChange, now time.Time) {
	o.touched = append(o.touched, change.Inventory.ID)
	o.events = append(o.events,
		events.Event{Type: events.InventoryChange, Timestamp: now, Data: change.Inventory},
		events.Event{Type: events.InventoryMovement, Timestamp: now, Data: change.Movement},
	)
	if change.Alert != nil {
		o.events = append(o.events, events.Event{
			Type:      events.StockAlert,
			Timestamp: now,
			Priority:  string(change.Alert.Severity),
			Data:      change.Alert,
		})
	}
}

// inTx runs fn in a read-committed transaction with a bounded lock wait, then
// commits and publishes fn's events in commit order.
func (s *inventoryService) inTx(ctx context.Context, op string, fn func(tx pgx.Tx, out *txOutcome) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classifyPgError(err))
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, lockTimeoutStatement(s.lockTimeout)); err != nil {
		return fmt.Errorf("failed to set lock timeout: %w", err)
	}

	var out txOutcome
	if err := fn(tx, &out); err != nil {
		return classifyPgError(err)
	}

	release := s.gate.enter(out.touched)
	defer release()
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit %s: %w", op, classifyPgError(err))
	}
	s.publisher.Publish(out.events...)
	release()

	s.log.Debug("inventory transaction committed",
		zap.String("op", op),
		zap.Strings("inventory_ids", out.touched),
		zap.Int("events", len(out.events)),
	)
	s.invalidateAnalytics(ctx)
	return nil
}

// lockTimeoutStatement never renders 0ms, which Postgres reads as no limit.
func lockTimeoutStatement(d time.Duration) string {
	ms := max(d.Milliseconds(), 1)
	return fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ms)
}

func (s *inventoryService) invalidateAnalytics(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(context.WithoutCancel(ctx)); err != nil {
		s.log.Warn("failed to invalidate analytics cache", zap.Error(err))
	}
}

// ── Mutating operations ───────────────────────────────────────────────────────

func (s *inventoryService) ReceivePurchase(ctx context.Context, in ReceivePurchaseInput) (*TransactionResult, error) {
	if err := validatePurchase(in); err != nil {
		return nil, err
	}
	if in.ReferenceNumber == "" {
		in.ReferenceNumber = "PO-" + shortID()
	}

	// Deterministic lock order across concurrent multi-item calls.
	items := slices.Clone(in.Items)
	slices.SortStableFunc(items, func(a, b PurchaseItem) int {
		return cmp.Or(cmp.Compare(a.ProductID, b.ProductID), cmp.Compare(a.WarehouseID, b.WarehouseID))
	})

	result := &TransactionResult{ReferenceNumber: in.ReferenceNumber}
	err := s.inTx(ctx, "purchase receipt", func(tx pgx.Tx, out *txOutcome) error {
		now := s.now().UTC()
		for _, item := range items {
			before, after, created, err := s.store.EnsureOnReceiptTx(ctx, tx, item.ProductID, item.WarehouseID, item.Quantity, item.UnitCost)
			if err != nil {
				return err
			}
			m, err := s.ledger.AppendTx(ctx, tx, Movement{
				MovementType:    MovementPurchase,
				Quantity:        item.Quantity,
				UnitCost:        item.UnitCost,
				TotalCost:       item.UnitCost.Mul(decimal.NewFromInt(item.Quantity)),
				ReferenceType:   "purchase",
				ReferenceNumber: in.ReferenceNumber,
				PerformedBy:     in.PerformedBy,
				Notes:           fmt.Sprintf("Received from supplier %s", in.SupplierID),
			}, after)
			if err != nil {
				return err
			}
			prev := before.StockStatus
			if created {
				prev = ""
			}
			change := StockChange{Inventory: after, Movement: m}
			change.Alert, _ = Evaluate(prev, after, now)
			result.Changes = append(result.Changes, change)
			out.record(change, now)
		}
		return nil
	})
	if err != nil {
		s.log.Warn("purchase receipt rejected",
			zap.String("reference_number", in.ReferenceNumber),
			zap.String("supplier_id", in.SupplierID),
			zap.Error(err))
		return nil, err
	}
	s.log.Info("purchase received",
		zap.String("reference_number", in.ReferenceNumber),
		zap.String("supplier_id", in.SupplierID),
		zap.Int("items", len(items)))
	return result, nil
}

func (s *inventoryService) RecordSale(ctx context.Context, in RecordSaleInput) (*TransactionResult, error) {
	if err := validateSale(in); err != nil {
		return nil, err
	}
	if in.ReferenceNumber == "" {
		in.ReferenceNumber = "SO-" + shortID()
	}

	items := slices.Clone(in.Items)
	slices.SortStableFunc(items, func(a, b SaleItem) int {
		return cmp.Or(cmp.Compare(a.ProductID, b.ProductID), cmp.Compare(a.WarehouseID, b.WarehouseID))
	})

	result := &TransactionResult{ReferenceNumber: in.ReferenceNumber}
	err := s.inTx(ctx, "sale", func(tx pgx.Tx, out *txOutcome) error {
		now := s.now().UTC()

		// Phase 1: lock every row and check availability before any write.
		type lineKey struct{ productID, warehouseID string }
		locked := make(map[lineKey]InventoryRecord)
		requested := make(map[lineKey]int64)
		var order []lineKey
		for _, item := range items {
			k := lineKey{item.ProductID, item.WarehouseID}
			if _, ok := locked[k]; !ok {
				rec, err := s.store.LockByKeyTx(ctx, tx, item.ProductID, item.WarehouseID)
				switch {
				case errors.Is(err, ErrNotFound):
					// Never stocked here: nothing is available.
					rec = InventoryRecord{ProductID: item.ProductID, WarehouseID: item.WarehouseID}
				case err != nil:
					return err
				}
				locked[k] = rec
				order = append(order, k)
			}
			requested[k] += item.Quantity
		}
		var shortages []Shortage
		for _, k := range order {
			rec := locked[k]
			if rec.QuantityAvailable < requested[k] {
				shortages = append(shortages, Shortage{
					InventoryID: rec.ID,
					ProductID:   rec.ProductID,
					WarehouseID: rec.WarehouseID,
					Available:   rec.QuantityAvailable,
					Requested:   requested[k],
				})
			}
		}
		if len(shortages) > 0 {
			return &InsufficientStockError{Shortages: shortages}
		}

		// Phase 2: apply.
		var units int64
		spent := decimal.Zero
		for _, item := range items {
			rec := locked[lineKey{item.ProductID, item.WarehouseID}]
			before, after, err := s.store.ApplyDeltaTx(ctx, tx, rec.ID, -item.Quantity, -item.Quantity, 0)
			if err != nil {
				return err
			}
			lineTotal := item.UnitPrice.Mul(decimal.NewFromInt(item.Quantity))
			m, err := s.ledger.AppendTx(ctx, tx, Movement{
				MovementType:    MovementSale,
				Quantity:        -item.Quantity,
				UnitCost:        before.AverageCost,
				TotalCost:       lineTotal,
				ReferenceType:   "sale",
				ReferenceNumber: in.ReferenceNumber,
				PerformedBy:     in.PerformedBy,
				Notes:           fmt.Sprintf("Sold to customer %s", in.CustomerID),
			}, after)
			if err != nil {
				return err
			}
			change := StockChange{Inventory: after, Movement: m}
			change.Alert, _ = Evaluate(before.StockStatus, after, now)
			result.Changes = append(result.Changes, change)
			out.record(change, now)

			units += item.Quantity
			spent = spent.Add(lineTotal)
		}

		return upsertCustomerHistoryTx(ctx, tx, in.CustomerID, units, spent, now)
	})
	if err != nil {
		s.log.Warn("sale rejected",
			zap.String("reference_number", in.ReferenceNumber),
			zap.String("customer_id", in.CustomerID),
			zap.Error(err))
		return nil, err
	}
	s.log.Info("sale recorded",
		zap.String("reference_number", in.ReferenceNumber),
		zap.String("customer_id", in.CustomerID),
		zap.Int("items", len(items)))
	return result, nil
}

func (s *inventoryService) AdjustStock(ctx context.Context, in AdjustStockInput) (*StockChange, error) {
	if err := validateAdjustment(in); err != nil {
		return nil, err
	}

	var change StockChange
	err := s.inTx(ctx, "adjustment", func(tx pgx.Tx, out *txOutcome) error {
		now := s.now().UTC()
		current, err := s.store.LockTx(ctx, tx, in.InventoryID)
		if err != nil {
			return err
		}
		delta := in.NewQuantityOnHand - current.QuantityOnHand
		before, after, err := s.store.ApplyDeltaTx(ctx, tx, in.InventoryID, delta, delta, 0)
		if err != nil {
			return err
		}
		notes := in.Reason
		if in.Notes != "" {
			notes += ": " + in.Notes
		}
		m, err := s.ledger.AppendTx(ctx, tx, Movement{
			MovementType:  MovementAdjustment,
			Quantity:      delta,
			UnitCost:      after.AverageCost,
			TotalCost:     after.AverageCost.Mul(decimal.NewFromInt(delta)),
			ReferenceType: "manual_adjustment",
			PerformedBy:   in.PerformedBy,
			Notes:         notes,
		}, after)
		if err != nil {
			return err
		}
		change = StockChange{Inventory: after, Movement: m}
		change.Alert, _ = Evaluate(before.StockStatus, after, now)
		out.record(change, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("stock adjusted",
		zap.String("inventory_id", in.InventoryID),
		zap.Int64("quantity_on_hand", change.Inventory.QuantityOnHand),
		zap.Int64("delta", change.Movement.Quantity),
		zap.String("performed_by", in.PerformedBy))
	return &change, nil
}

func (s *inventoryService) RecordMovement(ctx context.Context, in RecordMovementInput) (*StockChange, error) {
	if err := validateMovement(in); err != nil {
		return nil, err
	}

	var change StockChange
	err := s.inTx(ctx, string(in.MovementType), func(tx pgx.Tx, out *txOutcome) error {
		now := s.now().UTC()
		before, after, err := s.store.ApplyDeltaTx(ctx, tx, in.InventoryID, in.Quantity, in.Quantity, 0)
		if err != nil {
			return err
		}
		abs := in.Quantity
		if abs < 0 {
			abs = -abs
		}
		m, err := s.ledger.AppendTx(ctx, tx, Movement{
			MovementType:    in.MovementType,
			Quantity:        in.Quantity,
			UnitCost:        in.UnitCost,
			TotalCost:       in.UnitCost.Mul(decimal.NewFromInt(abs)),
			ReferenceType:   in.ReferenceType,
			ReferenceNumber: in.ReferenceNumber,
			PerformedBy:     in.PerformedBy,
			Notes:           in.Notes,
		}, after)
		if err != nil {
			return err
		}
		change = StockChange{Inventory: after, Movement: m}
		change.Alert, _ = Evaluate(before.StockStatus, after, now)
		out.record(change, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("movement recorded",
		zap.String("inventory_id", in.InventoryID),
		zap.String("movement_type", string(in.MovementType)),
		zap.Int64("quantity", in.Quantity))
	return &change, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

func (s *inventoryService) GetInventoryByID(ctx context.Context, inventoryID string) (*InventoryRecord, error) {
	rec, err := s.store.GetByID(ctx, inventoryID)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *inventoryService) GetInventory(ctx context.Context, productID, warehouseID string) (*InventoryRecord, error) {
	if productID == "" {
		return nil, invalid("product_id", "is required")
	}
	if warehouseID == "" {
		return nil, invalid("warehouse_id", "is required")
	}
	rec, err := s.store.Get(ctx, productID, warehouseID)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *inventoryService) GetMovements(ctx context.Context, f MovementFilter) (*MovementPage, error) {
	return s.ledger.Query(ctx, f)
}

func (s *inventoryService) GetInventoryAnalytics(ctx context.Context, f AnalyticsFilter) (*InventoryAnalytics, error) {
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, invalid("to", "must not be before from")
	}
	if s.cache == nil {
		return computeAnalytics(ctx, s.pool, f, s.now().UTC())
	}

	key := f.cacheKey()
	gen, err := s.cache.Generation(ctx)
	if err != nil {
		s.log.Warn("analytics cache unavailable", zap.Error(err))
		return computeAnalytics(ctx, s.pool, f, s.now().UTC())
	}
	cached, ok, err := s.cache.GetAnalytics(ctx, gen, key)
	if err != nil {
		s.log.Warn("analytics cache read failed", zap.Error(err))
	} else if ok {
		return cached, nil
	}

	a, err := computeAnalytics(ctx, s.pool, f, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetAnalytics(ctx, gen, key, a); err != nil {
		s.log.Warn("analytics cache write failed", zap.Error(err))
	}
	return a, nil
}

func (s *inventoryService) GetCustomerHistory(ctx context.Context, customerID string) (*CustomerPurchaseHistory, error) {
	h := CustomerPurchaseHistory{CustomerID: customerID}
	err := s.pool.QueryRow(ctx, `
		SELECT total_orders, total_units, total_spent, last_purchase_at
		FROM customer_purchase_history
		WHERE customer_id = $1
	`, customerID).Scan(&h.TotalOrders, &h.TotalUnits, &h.TotalSpent, &h.LastPurchaseAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("purchase history for customer %s: %w", customerID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load purchase history: %w", err)
	}
	return &h, nil
}

func (s *inventoryService) Reconcile(ctx context.Context, inventoryID string) (*ReconcileResult, error) {
	res, err := s.ledger.Replay(ctx, s.store, inventoryID)
	if err != nil {
		return nil, err
	}
	if !res.Consistent {
		s.log.Error("ledger replay does not match inventory",
			zap.String("inventory_id", inventoryID),
			zap.Int64("replayed_on_hand", res.ReplayedOnHand),
			zap.Int64("current_on_hand", res.CurrentOnHand))
	}
	return res, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func upsertCustomerHistoryTx(ctx context.Context, tx pgx.Tx, customerID string, units int64, spent decimal.Decimal, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO customer_purchase_history (customer_id, total_orders, total_units, total_spent, last_purchase_at, updated_at)
		VALUES ($1, 1, $2, $3, $4, $4)
		ON CONFLICT (customer_id) DO UPDATE SET
			total_orders     = customer_purchase_history.total_orders + 1,
			total_units      = customer_purchase_history.total_units + EXCLUDED.total_units,
			total_spent      = customer_purchase_history.total_spent + EXCLUDED.total_spent,
			last_purchase_at = EXCLUDED.last_purchase_at,
			updated_at       = EXCLUDED.updated_at
	`, customerID, units, spent.RoundBank(2), at)
	if err != nil {
		return fmt.Errorf("failed to update purchase history for customer %s: %w", customerID, err)
	}
	return nil
}

func shortID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}
