package inventory

import (
	"errors"
	"time"
)

// Reason enumerates why a stock line changed.
type Reason string

const (
	// ReasonSale records stock leaving through an order.
	ReasonSale Reason = "SALE"
	// ReasonRestock records inbound stock.
	ReasonRestock Reason = "RESTOCK"
	// ReasonCorrection records a manual count correction in either direction.
	ReasonCorrection Reason = "CORRECTION"
	// ReasonReturn records stock coming back from a customer.
	ReasonReturn Reason = "RETURN"
)

// Valid reports whether the reason is one of the known kinds.
func (r Reason) Valid() bool {
	switch r {
	case ReasonSale, ReasonRestock, ReasonCorrection, ReasonReturn:
		return true
	}
	return false
}

// Reasons lists every supported reason.
func Reasons() []Reason {
	return []Reason{ReasonSale, ReasonRestock, ReasonCorrection, ReasonReturn}
}

// LineKey identifies a stock line.
type LineKey struct {
	StoreID   string `json:"store_id"`
	ProductID string `json:"product_id"`
}

// StockEvent is an immutable ledger entry.
type StockEvent struct {
	ID                string    `json:"id"`
	StoreID           string    `json:"store_id"`
	ProductID         string    `json:"product_id"`
	Delta             int64     `json:"delta"`
	Reason            Reason    `json:"reason"`
	ResultingQuantity int64     `json:"resulting_quantity"`
	ActorID           string    `json:"actor_id"`
	IdempotencyKey    string    `json:"idempotency_key,omitempty"`
	Note              string    `json:"note,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Key returns the line the event belongs to.
func (e StockEvent) Key() LineKey {
	return LineKey{StoreID: e.StoreID, ProductID: e.ProductID}
}

// StockSnapshot is the materialised current state of a stock line.
type StockSnapshot struct {
	StoreID           string    `json:"store_id"`
	ProductID         string    `json:"product_id"`
	Quantity          int64     `json:"quantity"`
	LastEventID       string    `json:"last_event_id,omitempty"`
	LastEventAt       time.Time `json:"last_event_at,omitempty"`
	LowStockThreshold int64     `json:"low_stock_threshold"`
	Version           int64     `json:"version"`
	Corrupted         bool      `json:"corrupted"`
	UpdatedAt         time.Time `json:"updated_at,omitempty"`
}

// ZeroSnapshot is the state of a line that has never been recorded.
func ZeroSnapshot(storeID, productID string) StockSnapshot {
	return StockSnapshot{StoreID: storeID, ProductID: productID}
}

// LowStockAlert reports a line at or below its threshold.
type LowStockAlert struct {
	StoreID   string `json:"store_id"`
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
	Threshold int64  `json:"threshold"`
}

// Shortfall is quantity minus threshold; lower is more urgent.
func (a LowStockAlert) Shortfall() int64 {
	return a.Quantity - a.Threshold
}

// AdjustmentInput describes a single signed stock change.
type AdjustmentInput struct {
	StoreID        string
	ProductID      string
	Delta          int64
	Reason         Reason
	ActorID        string
	IdempotencyKey string
	Note           string
}

// HistoryQuery selects one page of a line's history.
type HistoryQuery struct {
	Cursor   string
	PageSize int
}

// HistoryPage is one page of events, most recent first.
type HistoryPage struct {
	Events     []StockEvent `json:"events"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// HistoryFilter is the repository-level form of HistoryQuery.
type HistoryFilter struct {
	StoreID   string
	ProductID string
	// Before excludes events at or after this position when set.
	Before *HistoryPosition
	Limit  int
}

// HistoryPosition is a point in the (created_at, id) ordering.
type HistoryPosition struct {
	CreatedAt time.Time
	ID        string
}

const (
	defaultHistoryPageSize = 50
	maxHistoryPageSize     = 500
)

var (
	// ErrSnapshotNotFound indicates no snapshot row exists for a line.
	ErrSnapshotNotFound = errors.New("inventory: snapshot not found")
	// ErrEventNotFound indicates no ledger event matched.
	ErrEventNotFound = errors.New("inventory: event not found")
	// ErrVersionConflict indicates a concurrent writer changed the snapshot first.
	ErrVersionConflict = errors.New("inventory: snapshot version conflict")
	// ErrDuplicateIdempotencyKey indicates the key was committed by another writer.
	ErrDuplicateIdempotencyKey = errors.New("inventory: idempotency key already used")
	// ErrInvalidCursor indicates a malformed history cursor.
	ErrInvalidCursor = errors.New("inventory: invalid history cursor")
	// ErrLineRetired indicates the line was removed from the store catalog.
	ErrLineRetired = errors.New("inventory: line retired from catalog")
	// ErrInvalidThreshold indicates a negative low-stock threshold.
	ErrInvalidThreshold = errors.New("inventory: threshold must be >= 0")
)
