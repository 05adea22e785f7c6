package core_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"inventory-ledger/internal/core"
	"inventory-ledger/internal/db"
	"inventory-ledger/internal/events"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder captures published events in publication order.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(evs ...events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evs...)
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type testEnv struct {
	ctx  context.Context
	pool *pgxpool.Pool
	svc  core.InventoryService
	rec  *recorder
}

func setupInventoryDB(t *testing.T) *testEnv {
	t.Helper()
	_ = godotenv.Load("../../.env")

	// Use a dedicated TEST database; every run truncates the inventory tables.
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err, "failed to connect to test database")
	t.Cleanup(pool.Close)

	require.NoError(t, db.Migrate(ctx, pool))
	_, err = pool.Exec(ctx, `
		TRUNCATE TABLE inventory_movements, inventory, customer_purchase_history, products, warehouses CASCADE;

		INSERT INTO products (id, sku, name) VALUES
		('P1', 'SKU-LAPTOP', 'Laptop'),
		('P2', 'SKU-MOUSE',  'Mouse'),
		('P3', 'SKU-CABLE',  'Cable');
		INSERT INTO products (id, sku, name, is_active) VALUES ('P9', 'SKU-RETIRED', 'Retired', false);

		INSERT INTO warehouses (id, code, name) VALUES
		('W1', 'MAIN',  'Main Warehouse'),
		('W2', 'NORTH', 'North Warehouse');
	`)
	require.NoError(t, err, "failed to seed test database")

	rec := &recorder{}
	store := core.NewInventoryStore(pool, core.RecordDefaults{ReorderPoint: 10, ReorderQuantity: 50, MinStockLevel: 5})
	ledger := core.NewMovementLedger(pool)
	svc := core.NewInventoryService(pool, store, ledger, rec, nil, core.WithLockTimeout(5*time.Second))
	return &testEnv{ctx: ctx, pool: pool, svc: svc, rec: rec}
}

func (e *testEnv) receive(t *testing.T, productID, warehouseID string, qty int64, cost string) core.StockChange {
	t.Helper()
	res, err := e.svc.ReceivePurchase(e.ctx, core.ReceivePurchaseInput{
		SupplierID:  "SUP-1",
		PerformedBy: "receiver",
		Items: []core.PurchaseItem{
			{ProductID: productID, WarehouseID: warehouseID, Quantity: qty, UnitCost: decimal.RequireFromString(cost)},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Changes, 1)
	return res.Changes[0]
}

func (e *testEnv) assertInvariants(t *testing.T, inventoryID string) {
	t.Helper()
	rec, err := e.svc.GetInventoryByID(e.ctx, inventoryID)
	require.NoError(t, err)
	assert.Equal(t, rec.QuantityOnHand, rec.QuantityAvailable+rec.QuantityReserved)
	assert.GreaterOrEqual(t, rec.QuantityAvailable, int64(0))
	assert.Equal(t, core.Classify(*rec), rec.StockStatus)

	res, err := e.svc.Reconcile(e.ctx, inventoryID)
	require.NoError(t, err)
	assert.True(t, res.Consistent, "ledger replay %d != on hand %d", res.ReplayedOnHand, res.CurrentOnHand)
	assert.Nil(t, res.BrokenAtSeq)
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestInventory_ReceivePurchase_WeightedAverage(t *testing.T) {
	env := setupInventoryDB(t)

	first := env.receive(t, "P1", "W1", 50, "750.00")
	assert.Equal(t, int64(50), first.Inventory.QuantityOnHand)
	assert.True(t, first.Inventory.AverageCost.Equal(decimal.RequireFromString("750.00")))
	assert.Equal(t, core.InStock, first.Inventory.StockStatus)
	assert.Nil(t, first.Alert)

	second := env.receive(t, "P1", "W1", 30, "740.00")
	assert.Equal(t, first.Inventory.ID, second.Inventory.ID)
	assert.Equal(t, int64(80), second.Inventory.QuantityOnHand)
	assert.Equal(t, int64(80), second.Inventory.QuantityAvailable)
	assert.True(t, second.Inventory.AverageCost.Equal(decimal.RequireFromString("746.25")),
		"got average cost %s", second.Inventory.AverageCost)
	assert.True(t, second.Inventory.LastPurchaseCost.Equal(decimal.RequireFromString("740.00")))

	assert.Equal(t, core.MovementPurchase, second.Movement.MovementType)
	assert.Equal(t, int64(30), second.Movement.Quantity)
	assert.Equal(t, int64(80), second.Movement.QuantityAfter)
	assert.True(t, second.Movement.TotalCost.Equal(decimal.RequireFromString("22200.00")))

	env.assertInvariants(t, second.Inventory.ID)
}

func TestInventory_ReceivePurchase_UnknownProduct(t *testing.T) {
	env := setupInventoryDB(t)

	_, err := env.svc.ReceivePurchase(env.ctx, core.ReceivePurchaseInput{
		SupplierID:  "SUP-1",
		PerformedBy: "receiver",
		Items: []core.PurchaseItem{
			{ProductID: "P1", WarehouseID: "W1", Quantity: 5, UnitCost: decimal.NewFromInt(1)},
			{ProductID: "P9", WarehouseID: "W1", Quantity: 5, UnitCost: decimal.NewFromInt(1)},
		},
	})
	assert.ErrorIs(t, err, core.ErrNotFound)

	// The valid line was rolled back with the rest.
	var n int
	require.NoError(t, env.pool.QueryRow(env.ctx, "SELECT count(*) FROM inventory").Scan(&n))
	assert.Zero(t, n)
	assert.Empty(t, env.rec.ofType(events.InventoryChange))
}

func TestInventory_RecordSale(t *testing.T) {
	env := setupInventoryDB(t)
	stocked := env.receive(t, "P2", "W1", 190, "12.50")

	res, err := env.svc.RecordSale(env.ctx, core.RecordSaleInput{
		CustomerID:  "CUST-42",
		PerformedBy: "cashier",
		Items: []core.SaleItem{
			{ProductID: "P2", WarehouseID: "W1", Quantity: 15, UnitPrice: decimal.RequireFromString("29.99")},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Changes, 1)
	assert.NotEmpty(t, res.ReferenceNumber)

	change := res.Changes[0]
	assert.Equal(t, stocked.Inventory.ID, change.Inventory.ID)
	assert.Equal(t, int64(175), change.Inventory.QuantityOnHand)
	assert.Equal(t, int64(175), change.Inventory.QuantityAvailable)
	assert.True(t, change.Inventory.AverageCost.Equal(stocked.Inventory.AverageCost), "sales do not move average cost")

	assert.Equal(t, core.MovementSale, change.Movement.MovementType)
	assert.Equal(t, int64(-15), change.Movement.Quantity)
	assert.Equal(t, int64(175), change.Movement.QuantityAfter)
	assert.True(t, change.Movement.UnitCost.Equal(decimal.RequireFromString("12.50")))
	assert.True(t, change.Movement.TotalCost.Equal(decimal.RequireFromString("449.85")))
	assert.Equal(t, res.ReferenceNumber, change.Movement.ReferenceNumber)

	hist, err := env.svc.GetCustomerHistory(env.ctx, "CUST-42")
	require.NoError(t, err)
	assert.Equal(t, int64(1), hist.TotalOrders)
	assert.Equal(t, int64(15), hist.TotalUnits)
	assert.True(t, hist.TotalSpent.Equal(decimal.RequireFromString("449.85")))

	env.assertInvariants(t, change.Inventory.ID)
}

func TestInventory_RecordSale_InsufficientStock(t *testing.T) {
	env := setupInventoryDB(t)
	stocked := env.receive(t, "P3", "W1", 20, "3.00")
	published := len(env.rec.ofType(events.InventoryChange))

	_, err := env.svc.RecordSale(env.ctx, core.RecordSaleInput{
		CustomerID:  "CUST-1",
		PerformedBy: "cashier",
		Items:       []core.SaleItem{{ProductID: "P3", WarehouseID: "W1", Quantity: 25, UnitPrice: decimal.NewFromInt(5)}},
	})
	require.ErrorIs(t, err, core.ErrInsufficientStock)

	var ise *core.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	require.Len(t, ise.Shortages, 1)
	assert.Equal(t, int64(20), ise.Shortages[0].Available)
	assert.Equal(t, int64(25), ise.Shortages[0].Requested)

	rec, err := env.svc.GetInventoryByID(env.ctx, stocked.Inventory.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), rec.QuantityOnHand)
	assert.Len(t, env.rec.ofType(events.InventoryChange), published, "no events for a rejected sale")

	_, err = env.svc.GetCustomerHistory(env.ctx, "CUST-1")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestInventory_RecordSale_AllOrNothing(t *testing.T) {
	env := setupInventoryDB(t)
	a := env.receive(t, "P1", "W1", 40, "10.00")
	b := env.receive(t, "P2", "W1", 5, "10.00")

	// First line fits, second is short, third was never stocked.
	_, err := env.svc.RecordSale(env.ctx, core.RecordSaleInput{
		CustomerID:  "CUST-1",
		PerformedBy: "cashier",
		Items: []core.SaleItem{
			{ProductID: "P1", WarehouseID: "W1", Quantity: 10, UnitPrice: decimal.NewFromInt(20)},
			{ProductID: "P2", WarehouseID: "W1", Quantity: 6, UnitPrice: decimal.NewFromInt(20)},
			{ProductID: "P3", WarehouseID: "W2", Quantity: 1, UnitPrice: decimal.NewFromInt(20)},
		},
	})
	var ise *core.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Len(t, ise.Shortages, 2, "every short line is reported")

	for _, id := range []string{a.Inventory.ID, b.Inventory.ID} {
		page, err := env.svc.GetMovements(env.ctx, core.MovementFilter{InventoryID: id})
		require.NoError(t, err)
		assert.Equal(t, 1, page.Total, "only the receipt is in the ledger")
	}
	rec, err := env.svc.GetInventoryByID(env.ctx, a.Inventory.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), rec.QuantityOnHand)

	// Same key twice sums the requested quantity.
	_, err = env.svc.RecordSale(env.ctx, core.RecordSaleInput{
		CustomerID:  "CUST-1",
		PerformedBy: "cashier",
		Items: []core.SaleItem{
			{ProductID: "P2", WarehouseID: "W1", Quantity: 3, UnitPrice: decimal.NewFromInt(20)},
			{ProductID: "P2", WarehouseID: "W1", Quantity: 3, UnitPrice: decimal.NewFromInt(20)},
		},
	})
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, int64(6), ise.Shortages[0].Requested)
}

func TestInventory_AdjustStock(t *testing.T) {
	env := setupInventoryDB(t)
	stocked := env.receive(t, "P1", "W1", 80, "746.25")

	change, err := env.svc.AdjustStock(env.ctx, core.AdjustStockInput{
		InventoryID:       stocked.Inventory.ID,
		NewQuantityOnHand: 72,
		Reason:            "cycle count",
		PerformedBy:       "auditor",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(72), change.Inventory.QuantityOnHand)
	assert.Equal(t, int64(-8), change.Movement.Quantity)
	assert.Equal(t, core.MovementAdjustment, change.Movement.MovementType)
	assert.Equal(t, "cycle count", change.Movement.Notes)

	// A no-op count is still audited.
	change, err = env.svc.AdjustStock(env.ctx, core.AdjustStockInput{
		InventoryID:       stocked.Inventory.ID,
		NewQuantityOnHand: 72,
		Reason:            "recount",
		PerformedBy:       "auditor",
	})
	require.NoError(t, err)
	assert.Zero(t, change.Movement.Quantity)
	assert.Equal(t, int64(72), change.Movement.QuantityAfter)

	_, err = env.svc.AdjustStock(env.ctx, core.AdjustStockInput{
		InventoryID:       "8c1f8a55-0000-4000-8000-000000000000",
		NewQuantityOnHand: 1,
		Reason:            "count",
		PerformedBy:       "auditor",
	})
	assert.ErrorIs(t, err, core.ErrNotFound)

	env.assertInvariants(t, stocked.Inventory.ID)
}

func TestInventory_GetInventoryByKey(t *testing.T) {
	env := setupInventoryDB(t)
	stocked := env.receive(t, "P2", "W2", 12, "4.00")

	rec, err := env.svc.GetInventory(env.ctx, "P2", "W2")
	require.NoError(t, err)
	assert.Equal(t, stocked.Inventory.ID, rec.ID)
	assert.Equal(t, int64(12), rec.QuantityOnHand)

	_, err = env.svc.GetInventory(env.ctx, "P2", "W1")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestInventory_LockTimeoutIsRetryable(t *testing.T) {
	env := setupInventoryDB(t)
	stocked := env.receive(t, "P3", "W2", 40, "2.00")
	id := stocked.Inventory.ID

	store := core.NewInventoryStore(env.pool, core.RecordDefaults{ReorderPoint: 10, ReorderQuantity: 50, MinStockLevel: 5})
	rec := &recorder{}
	svc := core.NewInventoryService(env.pool, store, core.NewMovementLedger(env.pool), rec, nil,
		core.WithLockTimeout(100*time.Millisecond))

	// Another session holds the row lock for the duration of the call.
	holder, err := env.pool.Begin(env.ctx)
	require.NoError(t, err)
	defer holder.Rollback(env.ctx)
	_, err = holder.Exec(env.ctx, `SELECT id FROM inventory WHERE id = $1 FOR UPDATE`, id)
	require.NoError(t, err)

	started := time.Now()
	_, err = svc.AdjustStock(env.ctx, core.AdjustStockInput{
		InventoryID:       id,
		NewQuantityOnHand: 10,
		Reason:            "count",
		PerformedBy:       "auditor",
	})
	require.Error(t, err)
	assert.True(t, core.IsRetryable(err))
	assert.ErrorIs(t, err, core.ErrLockTimeout)
	assert.Less(t, time.Since(started), 5*time.Second)
	assert.Empty(t, rec.events)

	require.NoError(t, holder.Rollback(env.ctx))

	page, err := env.svc.GetMovements(env.ctx, core.MovementFilter{InventoryID: id})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total, "only the receipt is ledgered")
	env.assertInvariants(t, id)
}

func TestInventory_RecordMovement(t *testing.T) {
	env := setupInventoryDB(t)
	stocked := env.receive(t, "P2", "W2", 30, "4.00")

	change, err := env.svc.RecordMovement(env.ctx, core.RecordMovementInput{
		InventoryID:  stocked.Inventory.ID,
		MovementType: core.MovementDamage,
		Quantity:     -4,
		UnitCost:     decimal.NewFromInt(4),
		PerformedBy:  "picker",
		Notes:        "dropped pallet",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(26), change.Inventory.QuantityOnHand)
	assert.True(t, change.Movement.TotalCost.Equal(decimal.NewFromInt(16)))

	_, err = env.svc.RecordMovement(env.ctx, core.RecordMovementInput{
		InventoryID:  stocked.Inventory.ID,
		MovementType: core.MovementExpiry,
		Quantity:     -27,
		PerformedBy:  "picker",
	})
	assert.ErrorIs(t, err, core.ErrInsufficientStock)

	change, err = env.svc.RecordMovement(env.ctx, core.RecordMovementInput{
		InventoryID:  stocked.Inventory.ID,
		MovementType: core.MovementReturn,
		Quantity:     2,
		PerformedBy:  "cashier",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(28), change.Movement.QuantityAfter)

	env.assertInvariants(t, stocked.Inventory.ID)
}

func TestInventory_StockAlertIsEdgeTriggered(t *testing.T) {
	env := setupInventoryDB(t)
	stocked := env.receive(t, "P1", "W2", 20, "1.00")
	id := stocked.Inventory.ID

	adjust := func(n int64) *core.StockChange {
		t.Helper()
		c, err := env.svc.AdjustStock(env.ctx, core.AdjustStockInput{
			InventoryID: id, NewQuantityOnHand: n, Reason: "count", PerformedBy: "auditor",
		})
		require.NoError(t, err)
		return c
	}

	c := adjust(8) // in_stock -> low_stock
	require.NotNil(t, c.Alert)
	assert.Equal(t, core.LowStock, c.Alert.AlertType)
	assert.Equal(t, core.SeverityLow, c.Alert.Severity)

	c = adjust(5) // still low_stock
	assert.Nil(t, c.Alert)

	c = adjust(0) // low_stock -> out_of_stock
	require.NotNil(t, c.Alert)
	assert.Equal(t, core.OutOfStock, c.Alert.AlertType)
	assert.Equal(t, core.SeverityCritical, c.Alert.Severity)

	c = adjust(50) // recovery does not alert
	assert.Nil(t, c.Alert)

	alerts := env.rec.ofType(events.StockAlert)
	require.Len(t, alerts, 2)
	assert.Equal(t, string(core.SeverityLow), alerts[0].Priority)
	assert.Equal(t, string(core.SeverityCritical), alerts[1].Priority)
}

func TestInventory_ConcurrentAdjustmentsSerialize(t *testing.T) {
	env := setupInventoryDB(t)
	stocked := env.receive(t, "P3", "W1", 100, "2.00")
	id := stocked.Inventory.ID

	targets := []int64{11, 22, 33, 44, 55, 66, 77, 88}
	var wg sync.WaitGroup
	errs := make(chan error, len(targets))
	for _, n := range targets {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			_, err := env.svc.AdjustStock(env.ctx, core.AdjustStockInput{
				InventoryID: id, NewQuantityOnHand: n, Reason: "count", PerformedBy: "auditor",
			})
			errs <- err
		}(n)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rec, err := env.svc.GetInventoryByID(env.ctx, id)
	require.NoError(t, err)
	assert.Contains(t, targets, rec.QuantityOnHand)

	page, err := env.svc.GetMovements(env.ctx, core.MovementFilter{InventoryID: id, MovementType: core.MovementAdjustment})
	require.NoError(t, err)
	assert.Equal(t, len(targets), page.Total)

	env.assertInvariants(t, id)
}

func TestInventory_ConcurrentSalesNeverOversell(t *testing.T) {
	env := setupInventoryDB(t)
	stocked := env.receive(t, "P1", "W1", 100, "5.00")

	const buyers = 30
	var wg sync.WaitGroup
	var mu sync.Mutex
	var sold, rejected int
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.RecordSale(env.ctx, core.RecordSaleInput{
				CustomerID:  "CUST-RUSH",
				PerformedBy: "web",
				Items:       []core.SaleItem{{ProductID: "P1", WarehouseID: "W1", Quantity: 5, UnitPrice: decimal.NewFromInt(9)}},
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				sold++
			case errors.Is(err, core.ErrInsufficientStock):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, sold)
	assert.Equal(t, buyers-20, rejected)

	rec, err := env.svc.GetInventoryByID(env.ctx, stocked.Inventory.ID)
	require.NoError(t, err)
	assert.Zero(t, rec.QuantityOnHand)
	assert.Equal(t, core.OutOfStock, rec.StockStatus)

	// Change events reach the publisher in commit order.
	var levels []int64
	for _, ev := range env.rec.ofType(events.InventoryChange) {
		if r := ev.Data.(core.InventoryRecord); r.ID == stocked.Inventory.ID {
			levels = append(levels, r.QuantityOnHand)
		}
	}
	require.Len(t, levels, 21)
	for i := 1; i < len(levels); i++ {
		assert.Less(t, levels[i], levels[i-1])
	}

	hist, err := env.svc.GetCustomerHistory(env.ctx, "CUST-RUSH")
	require.NoError(t, err)
	assert.Equal(t, int64(20), hist.TotalOrders)
	assert.Equal(t, int64(100), hist.TotalUnits)

	env.assertInvariants(t, stocked.Inventory.ID)
}

func TestInventory_MovementQueryAndAnalytics(t *testing.T) {
	env := setupInventoryDB(t)
	a := env.receive(t, "P1", "W1", 50, "750.00")
	env.receive(t, "P1", "W1", 30, "740.00")
	env.receive(t, "P2", "W2", 8, "10.00")

	page, err := env.svc.GetMovements(env.ctx, core.MovementFilter{ProductID: "P1", PageSize: 1, Page: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Movements, 1)
	assert.Equal(t, int64(80), page.Movements[0].QuantityAfter)
	assert.Equal(t, a.Inventory.ID, page.Movements[0].InventoryID)

	_, err = env.svc.GetMovements(env.ctx, core.MovementFilter{MovementType: "theft"})
	assert.ErrorIs(t, err, core.ErrValidation)

	an, err := env.svc.GetInventoryAnalytics(env.ctx, core.AnalyticsFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), an.Records)
	assert.Equal(t, int64(88), an.TotalOnHand)
	assert.True(t, an.StockValue.Equal(decimal.RequireFromString("59780.00")), "got %s", an.StockValue)
	assert.Equal(t, int64(1), an.StatusCounts[core.LowStock])
	require.Len(t, an.LowStockItems, 1)
	assert.Equal(t, "P2", an.LowStockItems[0].ProductID)

	an, err = env.svc.GetInventoryAnalytics(env.ctx, core.AnalyticsFilter{WarehouseID: "W2"})
	require.NoError(t, err)
	assert.Equal(t, int64(8), an.TotalOnHand)
}
