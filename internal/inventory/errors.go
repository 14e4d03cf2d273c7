package inventory

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAdjustment matches every InvalidAdjustmentError.
	ErrInvalidAdjustment = errors.New("inventory: invalid adjustment")
	// ErrInsufficientStock matches every InsufficientStockError.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrConcurrentModification matches every ConcurrentModificationError.
	ErrConcurrentModification = errors.New("inventory: concurrent modification")
	// ErrLedgerCorruption matches every LedgerCorruptionError.
	ErrLedgerCorruption = errors.New("inventory: ledger corruption")
)

// InvalidAdjustmentError rejects an adjustment before anything is read or written.
type InvalidAdjustmentError struct {
	Field  string
	Reason string
}

func (e *InvalidAdjustmentError) Error() string {
	return fmt.Sprintf("inventory: invalid adjustment: %s: %s", e.Field, e.Reason)
}

func (e *InvalidAdjustmentError) Is(target error) bool {
	return target == ErrInvalidAdjustment
}

// InsufficientStockError means the delta would drive the line below zero.
type InsufficientStockError struct {
	StoreID   string
	ProductID string
	Available int64
	Delta     int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("inventory: insufficient stock for %s/%s: available %d, delta %d", e.StoreID, e.ProductID, e.Available, e.Delta)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// ConcurrentModificationError is returned once the retry budget is spent.
type ConcurrentModificationError struct {
	StoreID   string
	ProductID string
	Attempts  int
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("inventory: %s/%s modified concurrently, gave up after %d attempts", e.StoreID, e.ProductID, e.Attempts)
}

func (e *ConcurrentModificationError) Is(target error) bool {
	return target == ErrConcurrentModification
}

// LedgerCorruptionError reports a snapshot that disagrees with its ledger, or a
// ledger whose running totals do not chain.
type LedgerCorruptionError struct {
	StoreID   string `json:"store_id"`
	ProductID string `json:"product_id"`
	EventID   string `json:"event_id,omitempty"`
	Stored    int64  `json:"stored"`
	Folded    int64  `json:"folded"`
	Detail    string `json:"detail"`
}

func (e *LedgerCorruptionError) Error() string {
	msg := fmt.Sprintf("inventory: ledger corruption on %s/%s: %s", e.StoreID, e.ProductID, e.Detail)
	if e.EventID != "" {
		msg += fmt.Sprintf(" (event %s)", e.EventID)
	}
	return msg
}

func (e *LedgerCorruptionError) Is(target error) bool {
	return target == ErrLedgerCorruption
}

func invalidAdjustment(field, reason string) error {
	return &InvalidAdjustmentError{Field: field, Reason: reason}
}
