package core

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePurchase(t *testing.T) {
	valid := ReceivePurchaseInput{
		SupplierID:  "SUP-1",
		PerformedBy: "alice",
		Items: []PurchaseItem{
			{ProductID: "P1", WarehouseID: "W1", Quantity: 50, UnitCost: decimal.NewFromInt(750)},
		},
	}
	require.NoError(t, validatePurchase(valid))

	tests := []struct {
		name   string
		mutate func(in *ReceivePurchaseInput)
		field  string
	}{
		{"missing supplier", func(in *ReceivePurchaseInput) { in.SupplierID = "" }, "supplier_id"},
		{"missing performer", func(in *ReceivePurchaseInput) { in.PerformedBy = " " }, "performed_by"},
		{"no items", func(in *ReceivePurchaseInput) { in.Items = nil }, "items"},
		{"zero quantity", func(in *ReceivePurchaseInput) { in.Items[0].Quantity = 0 }, "items[0].quantity"},
		{"negative cost", func(in *ReceivePurchaseInput) { in.Items[0].UnitCost = decimal.NewFromInt(-1) }, "items[0].unit_cost"},
		{"missing warehouse", func(in *ReceivePurchaseInput) { in.Items[0].WarehouseID = "" }, "items[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			in.Items = append([]PurchaseItem(nil), valid.Items...)
			tt.mutate(&in)

			err := validatePurchase(in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestValidateSale(t *testing.T) {
	valid := RecordSaleInput{
		CustomerID:  "CUST-1",
		PerformedBy: "bob",
		Items: []SaleItem{
			{ProductID: "P1", WarehouseID: "W1", Quantity: 15, UnitPrice: decimal.RequireFromString("29.99")},
		},
	}
	require.NoError(t, validateSale(valid))

	in := valid
	in.CustomerID = ""
	assert.ErrorIs(t, validateSale(in), ErrValidation)

	in = valid
	in.Items = []SaleItem{{ProductID: "P1", WarehouseID: "W1", Quantity: -3}}
	assert.ErrorIs(t, validateSale(in), ErrValidation)

	in = valid
	in.Items = []SaleItem{{ProductID: "P1", WarehouseID: "W1", Quantity: 1, UnitPrice: decimal.NewFromInt(-5)}}
	assert.ErrorIs(t, validateSale(in), ErrValidation)
}

func TestValidateAdjustment(t *testing.T) {
	valid := AdjustStockInput{InventoryID: "inv", NewQuantityOnHand: 0, Reason: "cycle count", PerformedBy: "carol"}
	require.NoError(t, validateAdjustment(valid))

	in := valid
	in.NewQuantityOnHand = -1
	assert.ErrorIs(t, validateAdjustment(in), ErrValidation)

	in = valid
	in.Reason = ""
	assert.ErrorIs(t, validateAdjustment(in), ErrValidation)
}

func TestValidateMovement(t *testing.T) {
	base := RecordMovementInput{InventoryID: "inv", PerformedBy: "dave"}

	tests := []struct {
		typ      MovementType
		quantity int64
		ok       bool
	}{
		{MovementReturn, 3, true},
		{MovementReturn, -3, false},
		{MovementInitialStock, 100, true},
		{MovementInitialStock, 0, false},
		{MovementDamage, -2, true},
		{MovementDamage, 2, false},
		{MovementExpiry, -1, true},
		{MovementSync, -7, true},
		{MovementSync, 7, true},
		{MovementSync, 0, false},
		{MovementPurchase, 5, false},
		{MovementSale, -5, false},
		{MovementAdjustment, 1, false},
		{MovementType("theft"), -1, false},
	}
	for _, tt := range tests {
		in := base
		in.MovementType = tt.typ
		in.Quantity = tt.quantity
		err := validateMovement(in)
		if tt.ok {
			assert.NoError(t, err, "%s %d", tt.typ, tt.quantity)
		} else {
			assert.ErrorIs(t, err, ErrValidation, "%s %d", tt.typ, tt.quantity)
		}
	}
}
