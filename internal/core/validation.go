package core

import (
	"fmt"
	"strings"
)

func validatePurchase(in ReceivePurchaseInput) error {
	if strings.TrimSpace(in.SupplierID) == "" {
		return invalid("supplier_id", "is required")
	}
	if strings.TrimSpace(in.PerformedBy) == "" {
		return invalid("performed_by", "is required")
	}
	if len(in.Items) == 0 {
		return invalid("items", "at least one item is required")
	}
	for i, item := range in.Items {
		field := fmt.Sprintf("items[%d]", i)
		if item.ProductID == "" || item.WarehouseID == "" {
			return invalid(field, "product_id and warehouse_id are required")
		}
		if item.Quantity <= 0 {
			return invalid(field+".quantity", "must be positive, got %d", item.Quantity)
		}
		if item.UnitCost.IsNegative() {
			return invalid(field+".unit_cost", "must not be negative")
		}
	}
	return nil
}

func validateSale(in RecordSaleInput) error {
	if strings.TrimSpace(in.CustomerID) == "" {
		return invalid("customer_id", "is required")
	}
	if strings.TrimSpace(in.PerformedBy) == "" {
		return invalid("performed_by", "is required")
	}
	if len(in.Items) == 0 {
		return invalid("items", "at least one item is required")
	}
	for i, item := range in.Items {
		field := fmt.Sprintf("items[%d]", i)
		if item.ProductID == "" || item.WarehouseID == "" {
			return invalid(field, "product_id and warehouse_id are required")
		}
		if item.Quantity <= 0 {
			return invalid(field+".quantity", "must be positive, got %d", item.Quantity)
		}
		if item.UnitPrice.IsNegative() {
			return invalid(field+".unit_price", "must not be negative")
		}
	}
	return nil
}

func validateAdjustment(in AdjustStockInput) error {
	if in.InventoryID == "" {
		return invalid("inventory_id", "is required")
	}
	if in.NewQuantityOnHand < 0 {
		return invalid("new_quantity_on_hand", "must not be negative, got %d", in.NewQuantityOnHand)
	}
	if strings.TrimSpace(in.Reason) == "" {
		return invalid("reason", "is required")
	}
	if strings.TrimSpace(in.PerformedBy) == "" {
		return invalid("performed_by", "is required")
	}
	return nil
}

// validateMovement accepts only the movement types that have no dedicated
// operation, each with the sign its type implies.
func validateMovement(in RecordMovementInput) error {
	if in.InventoryID == "" {
		return invalid("inventory_id", "is required")
	}
	if strings.TrimSpace(in.PerformedBy) == "" {
		return invalid("performed_by", "is required")
	}
	if in.UnitCost.IsNegative() {
		return invalid("unit_cost", "must not be negative")
	}
	switch in.MovementType {
	case MovementReturn, MovementInitialStock:
		if in.Quantity <= 0 {
			return invalid("quantity", "%s must be positive, got %d", in.MovementType, in.Quantity)
		}
	case MovementDamage, MovementExpiry:
		if in.Quantity >= 0 {
			return invalid("quantity", "%s must be negative, got %d", in.MovementType, in.Quantity)
		}
	case MovementSync:
		if in.Quantity == 0 {
			return invalid("quantity", "sync must not be zero")
		}
	case MovementPurchase, MovementSale, MovementAdjustment:
		return invalid("movement_type", "%s has its own operation", in.MovementType)
	default:
		return invalid("movement_type", "unknown movement type %q", in.MovementType)
	}
	return nil
}
