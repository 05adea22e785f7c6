package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const lowStockListLimit = 50

// AnalyticsCache stores computed analytics between commits. Entries are keyed
// by a generation that Invalidate advances after every committed stock change;
// callers read the generation before querying the database and write back under it.
type AnalyticsCache interface {
	Generation(ctx context.Context) (int64, error)
	GetAnalytics(ctx context.Context, generation int64, key string) (*InventoryAnalytics, bool, error)
	SetAnalytics(ctx context.Context, generation int64, key string, a *InventoryAnalytics) error
	Invalidate(ctx context.Context) error
}

type AnalyticsFilter struct {
	WarehouseID string
	ProductID   string
	From        *time.Time
	To          *time.Time
}

func (f AnalyticsFilter) cacheKey() string {
	ts := func(t *time.Time) string {
		if t == nil {
			return "-"
		}
		return t.UTC().Format(time.RFC3339Nano)
	}
	return strings.Join([]string{f.WarehouseID, f.ProductID, ts(f.From), ts(f.To)}, "|")
}

type MovementSummary struct {
	MovementType MovementType    `json:"movement_type"`
	Count        int64           `json:"count"`
	NetQuantity  int64           `json:"net_quantity"`
	TotalCost    decimal.Decimal `json:"total_cost"`
}

type InventoryAnalytics struct {
	Records         int64                 `json:"records"`
	TotalOnHand     int64                 `json:"total_on_hand"`
	TotalAvailable  int64                 `json:"total_available"`
	TotalReserved   int64                 `json:"total_reserved"`
	StockValue      decimal.Decimal       `json:"stock_value"`
	StatusCounts    map[StockStatus]int64 `json:"status_counts"`
	LowStockItems   []InventoryRecord     `json:"low_stock_items"`
	MovementSummary []MovementSummary     `json:"movement_summary"`
	GeneratedAt     time.Time             `json:"generated_at"`
}

// computeAnalytics aggregates stock levels and the movement mix for f.
func computeAnalytics(ctx context.Context, pool *pgxpool.Pool, f AnalyticsFilter, now time.Time) (*InventoryAnalytics, error) {
	var conds []string
	var args []any
	if f.WarehouseID != "" {
		args = append(args, f.WarehouseID)
		conds = append(conds, fmt.Sprintf("warehouse_id = $%d", len(args)))
	}
	if f.ProductID != "" {
		args = append(args, f.ProductID)
		conds = append(conds, fmt.Sprintf("product_id = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	a := &InventoryAnalytics{
		StatusCounts:    map[StockStatus]int64{InStock: 0, LowStock: 0, OutOfStock: 0},
		LowStockItems:   []InventoryRecord{},
		MovementSummary: []MovementSummary{},
		GeneratedAt:     now,
	}

	err := pool.QueryRow(ctx, `
		SELECT count(*),
		       COALESCE(sum(quantity_on_hand), 0)::bigint,
		       COALESCE(sum(quantity_available), 0)::bigint,
		       COALESCE(sum(quantity_reserved), 0)::bigint,
		       COALESCE(sum(quantity_on_hand * average_cost), 0)
		FROM inventory`+where, args...,
	).Scan(&a.Records, &a.TotalOnHand, &a.TotalAvailable, &a.TotalReserved, &a.StockValue)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate inventory: %w", err)
	}
	a.StockValue = a.StockValue.RoundBank(2)

	rows, err := pool.Query(ctx, "SELECT stock_status, count(*) FROM inventory"+where+" GROUP BY stock_status", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count stock statuses: %w", err)
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		a.StatusCounts[StockStatus(status)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}

	lowWhere := " WHERE stock_status <> 'in_stock'"
	if where != "" {
		lowWhere = where + " AND stock_status <> 'in_stock'"
	}
	rows, err = pool.Query(ctx, "SELECT "+inventoryColumns+" FROM inventory"+lowWhere+
		fmt.Sprintf(" ORDER BY quantity_available - reorder_point, product_id LIMIT %d", lowStockListLimit), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query low stock items: %w", err)
	}
	for rows.Next() {
		rec, err := scanInventory(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan low stock item: %w", err)
		}
		a.LowStockItems = append(a.LowStockItems, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating low stock items: %w", err)
	}

	mConds := append([]string(nil), conds...)
	mArgs := append([]any(nil), args...)
	if f.From != nil {
		mArgs = append(mArgs, *f.From)
		mConds = append(mConds, fmt.Sprintf("created_at >= $%d", len(mArgs)))
	}
	if f.To != nil {
		mArgs = append(mArgs, *f.To)
		mConds = append(mConds, fmt.Sprintf("created_at < $%d", len(mArgs)))
	}
	mWhere := ""
	if len(mConds) > 0 {
		mWhere = " WHERE " + strings.Join(mConds, " AND ")
	}
	rows, err = pool.Query(ctx, `
		SELECT movement_type, count(*), COALESCE(sum(quantity), 0)::bigint, COALESCE(sum(total_cost), 0)
		FROM inventory_movements`+mWhere+`
		GROUP BY movement_type
		ORDER BY movement_type`, mArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize movements: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s MovementSummary
		var movementType string
		if err := rows.Scan(&movementType, &s.Count, &s.NetQuantity, &s.TotalCost); err != nil {
			return nil, fmt.Errorf("failed to scan movement summary: %w", err)
		}
		s.MovementType = MovementType(movementType)
		a.MovementSummary = append(a.MovementSummary, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating movement summary: %w", err)
	}

	return a, nil
}
