package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	gen     int64
	entries map[string]*InventoryAnalytics
	genErr  error
}

func (c *fakeCache) Generation(context.Context) (int64, error) { return c.gen, c.genErr }

func (c *fakeCache) GetAnalytics(_ context.Context, gen int64, key string) (*InventoryAnalytics, bool, error) {
	a, ok := c.entries[key]
	return a, ok && gen == c.gen, nil
}

func (c *fakeCache) SetAnalytics(_ context.Context, _ int64, key string, a *InventoryAnalytics) error {
	c.entries[key] = a
	return nil
}

func (c *fakeCache) Invalidate(context.Context) error {
	c.gen++
	return nil
}

func TestGetInventoryAnalytics_ServedFromCache(t *testing.T) {
	f := AnalyticsFilter{WarehouseID: "W1"}
	want := &InventoryAnalytics{Records: 3, TotalOnHand: 42}
	cache := &fakeCache{entries: map[string]*InventoryAnalytics{f.cacheKey(): want}}

	svc := NewInventoryService(nil, nil, nil, nil, nil, WithAnalyticsCache(cache))
	got, err := svc.GetInventoryAnalytics(context.Background(), f)
	require.NoError(t, err)
	assert.Same(t, want, got)
}

func TestGetInventoryAnalytics_RejectsInvertedRange(t *testing.T) {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(-time.Hour)

	svc := NewInventoryService(nil, nil, nil, nil, nil)
	_, err := svc.GetInventoryAnalytics(context.Background(), AnalyticsFilter{From: &from, To: &to})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAnalyticsFilter_CacheKey(t *testing.T) {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.FixedZone("IST", 5*3600+1800))
	a := AnalyticsFilter{WarehouseID: "W1", From: &from}
	utc := from.UTC()
	b := AnalyticsFilter{WarehouseID: "W1", From: &utc}

	assert.Equal(t, a.cacheKey(), b.cacheKey(), "same instant, same key")
	assert.NotEqual(t, a.cacheKey(), AnalyticsFilter{WarehouseID: "W2", From: &from}.cacheKey())
	assert.NotEqual(t, AnalyticsFilter{}.cacheKey(), AnalyticsFilter{ProductID: "P1"}.cacheKey())
}

func TestMutationsValidateBeforeTouchingStorage(t *testing.T) {
	// A nil pool would panic if any of these reached the database.
	svc := NewInventoryService(nil, nil, nil, nil, nil)
	ctx := context.Background()

	_, err := svc.ReceivePurchase(ctx, ReceivePurchaseInput{})
	assert.True(t, errors.Is(err, ErrValidation))
	_, err = svc.RecordSale(ctx, RecordSaleInput{CustomerID: "C1", PerformedBy: "x"})
	assert.True(t, errors.Is(err, ErrValidation))
	_, err = svc.AdjustStock(ctx, AdjustStockInput{InventoryID: "inv", NewQuantityOnHand: -1, Reason: "r", PerformedBy: "x"})
	assert.True(t, errors.Is(err, ErrValidation))
	_, err = svc.RecordMovement(ctx, RecordMovementInput{InventoryID: "inv", MovementType: MovementSale, Quantity: -1, PerformedBy: "x"})
	assert.True(t, errors.Is(err, ErrValidation))
	_, err = svc.GetInventory(ctx, "P1", "")
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestLockTimeoutIsAlwaysBounded(t *testing.T) {
	assert.Equal(t, "SET LOCAL lock_timeout = '5000ms'", lockTimeoutStatement(5*time.Second))
	assert.Equal(t, "SET LOCAL lock_timeout = '1ms'", lockTimeoutStatement(0))
	assert.Equal(t, "SET LOCAL lock_timeout = '1ms'", lockTimeoutStatement(500*time.Microsecond))

	svc := NewInventoryService(nil, nil, nil, nil, nil, WithLockTimeout(0)).(*inventoryService)
	assert.Equal(t, 5*time.Second, svc.lockTimeout)
	svc = NewInventoryService(nil, nil, nil, nil, nil, WithLockTimeout(100*time.Millisecond)).(*inventoryService)
	assert.Equal(t, 100*time.Millisecond, svc.lockTimeout)
}
