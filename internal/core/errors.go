package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	// ErrConflict and ErrLockTimeout are retryable: the caller may back off and try again.
	ErrConflict    = errors.New("concurrent update conflict")
	ErrLockTimeout = errors.New("inventory row lock timeout")
)

// ValidationError describes malformed input rejected before any mutation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Shortage is one line item that could not be satisfied.
type Shortage struct {
	InventoryID string `json:"inventory_id"`
	ProductID   string `json:"product_id"`
	WarehouseID string `json:"warehouse_id"`
	Available   int64  `json:"available"`
	Requested   int64  `json:"requested"`
}

// InsufficientStockError lists every line of a request that failed its availability check.
type InsufficientStockError struct {
	Shortages []Shortage
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, fmt.Sprintf("product %s in warehouse %s: available %d, requested %d",
			s.ProductID, s.WarehouseID, s.Available, s.Requested))
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// IsRetryable reports whether err is a contention failure worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrLockTimeout)
}

const (
	pgLockNotAvailable     = "55P03"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgForeignKeyViolation  = "23503"
	pgCheckViolation       = "23514"
)

// classifyPgError maps storage-level failures onto the package sentinels.
// Errors it does not recognise are returned unchanged.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgLockNotAvailable:
		return fmt.Errorf("%w: %w", ErrLockTimeout, err)
	case pgSerializationFailure, pgDeadlockDetected:
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case pgForeignKeyViolation:
		return fmt.Errorf("%w: %s", ErrNotFound, pgErr.Detail)
	case pgCheckViolation:
		return fmt.Errorf("%w: constraint %s violated", ErrValidation, pgErr.ConstraintName)
	}
	return err
}
