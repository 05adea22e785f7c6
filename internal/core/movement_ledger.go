package core

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	// maxOffset bounds (page-1)*pageSize.
	maxOffset = math.MaxInt32
)

// MovementLedger is the append-only audit log of accepted stock changes.
// It only ever inserts and reads; rows are never updated or deleted.
type MovementLedger struct {
	pool *pgxpool.Pool
}

func NewMovementLedger(pool *pgxpool.Pool) *MovementLedger {
	return &MovementLedger{pool: pool}
}

const movementColumns = `id::text, seq, inventory_id::text, product_id, warehouse_id, movement_type,
	quantity, unit_cost, total_cost, reference_type, reference_number, performed_by, notes,
	quantity_after, running_total, created_at`

func scanMovement(row pgx.Row) (Movement, error) {
	var m Movement
	var movementType string
	err := row.Scan(
		&m.ID, &m.Seq, &m.InventoryID, &m.ProductID, &m.WarehouseID, &movementType,
		&m.Quantity, &m.UnitCost, &m.TotalCost, &m.ReferenceType, &m.ReferenceNumber, &m.PerformedBy, &m.Notes,
		&m.QuantityAfter, &m.RunningTotal, &m.CreatedAt,
	)
	m.MovementType = MovementType(movementType)
	return m, err
}

// AppendTx records m against the post-apply state of its inventory record.
// QuantityAfter (and its mirror RunningTotal) are taken from after.QuantityOnHand.
func (l *MovementLedger) AppendTx(ctx context.Context, tx pgx.Tx, m Movement, after InventoryRecord) (Movement, error) {
	if !m.MovementType.Valid() {
		return m, invalid("movement_type", "unknown movement type %q", m.MovementType)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.InventoryID = after.ID
	m.ProductID = after.ProductID
	m.WarehouseID = after.WarehouseID
	m.QuantityAfter = after.QuantityOnHand
	m.RunningTotal = after.QuantityOnHand
	m.UnitCost = m.UnitCost.RoundBank(2)
	m.TotalCost = m.TotalCost.RoundBank(2)

	err := tx.QueryRow(ctx, `
		INSERT INTO inventory_movements (
			id, inventory_id, product_id, warehouse_id, movement_type, quantity,
			unit_cost, total_cost, reference_type, reference_number, performed_by, notes,
			quantity_after, running_total
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING seq, created_at
	`, m.ID, m.InventoryID, m.ProductID, m.WarehouseID, string(m.MovementType), m.Quantity,
		m.UnitCost, m.TotalCost, m.ReferenceType, m.ReferenceNumber, m.PerformedBy, m.Notes,
		m.QuantityAfter, m.RunningTotal,
	).Scan(&m.Seq, &m.CreatedAt)
	if err != nil {
		return m, fmt.Errorf("failed to insert %s movement for inventory %s: %w", m.MovementType, m.InventoryID, err)
	}
	return m, nil
}

// Query returns one page of movements matching f, oldest first.
func (l *MovementLedger) Query(ctx context.Context, f MovementFilter) (*MovementPage, error) {
	if f.MovementType != "" && !f.MovementType.Valid() {
		return nil, invalid("movement_type", "unknown movement type %q", f.MovementType)
	}
	if f.InventoryID != "" {
		if _, err := uuid.Parse(f.InventoryID); err != nil {
			return nil, invalid("inventory_id", "must be a UUID")
		}
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, invalid("to", "must not be before from")
	}
	page, pageSize := normalizePage(f.Page, f.PageSize)
	if page-1 > maxOffset/pageSize {
		return nil, invalid("page", "must be at most %d for page_size %d", maxOffset/pageSize+1, pageSize)
	}

	var conditions []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}
	if f.InventoryID != "" {
		add("inventory_id = $%d", f.InventoryID)
	}
	if f.ProductID != "" {
		add("product_id = $%d", f.ProductID)
	}
	if f.WarehouseID != "" {
		add("warehouse_id = $%d", f.WarehouseID)
	}
	if f.MovementType != "" {
		add("movement_type = $%d", string(f.MovementType))
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at < $%d", *f.To)
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := l.pool.QueryRow(ctx, "SELECT count(*) FROM inventory_movements"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count movements: %w", err)
	}

	query := "SELECT " + movementColumns + " FROM inventory_movements" + where +
		fmt.Sprintf(" ORDER BY created_at, seq LIMIT %d OFFSET %d", pageSize, (page-1)*pageSize)
	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", err)
	}
	defer rows.Close()

	movements := make([]Movement, 0, pageSize)
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan movement: %w", err)
		}
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating movements: %w", err)
	}

	return &MovementPage{Movements: movements, Total: total, Page: page, PageSize: pageSize}, nil
}

// Replay re-applies every movement of an inventory record in creation order and
// compares the result with the record's current on-hand quantity. Both reads
// share one repeatable-read snapshot.
func (l *MovementLedger) Replay(ctx context.Context, store *InventoryStore, inventoryID string) (*ReconcileResult, error) {
	if _, err := uuid.Parse(inventoryID); err != nil {
		return nil, fmt.Errorf("inventory %s: %w", inventoryID, ErrNotFound)
	}

	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := store.getOne(ctx, tx, inventoryID,
		`SELECT `+inventoryColumns+` FROM inventory WHERE id = $1`, inventoryID)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx,
		"SELECT "+movementColumns+" FROM inventory_movements WHERE inventory_id = $1 ORDER BY seq", inventoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements for inventory %s: %w", inventoryID, err)
	}
	var movements []Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan movement: %w", err)
		}
		movements = append(movements, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating movements: %w", err)
	}

	result := replayMovements(movements)
	result.InventoryID = inventoryID
	result.CurrentOnHand = rec.QuantityOnHand
	result.Consistent = result.BrokenAtSeq == nil && result.ReplayedOnHand == rec.QuantityOnHand
	return &result, nil
}

// replayMovements folds movements (already in creation order) into a running
// on-hand value and records the first break in the quantity_after chain.
func replayMovements(movements []Movement) ReconcileResult {
	var res ReconcileResult
	var onHand int64
	for _, m := range movements {
		onHand += m.Quantity
		if res.BrokenAtSeq == nil && m.QuantityAfter != onHand {
			seq := m.Seq
			res.BrokenAtSeq = &seq
		}
	}
	res.Movements = len(movements)
	res.ReplayedOnHand = onHand
	return res
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}
