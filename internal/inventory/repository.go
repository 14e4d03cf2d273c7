package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

const idempotencyConstraint = "stock_events_idempotency_key"

// Repository persists the ledger and snapshots in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
// Serialization failures surface as ErrVersionConflict so callers retry.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
	if err != nil && db.IsRetryable(err) {
		return fmt.Errorf("%w: %v", ErrVersionConflict, err)
	}
	return err
}

const snapshotColumns = `store_id, product_id, quantity, last_event_id, last_event_at, low_stock_threshold, version, corrupted, updated_at`

const eventColumns = `id, store_id, product_id, delta, reason, resulting_quantity, actor_id, COALESCE(idempotency_key, ''), note, created_at`

// GetSnapshot returns the committed snapshot of a line.
func (r *Repository) GetSnapshot(ctx context.Context, storeID, productID string) (StockSnapshot, error) {
	return getSnapshot(ctx, r.pool, storeID, productID)
}

// FindEventByIdempotencyKey returns the event recorded under key.
func (r *Repository) FindEventByIdempotencyKey(ctx context.Context, storeID, productID, key string) (StockEvent, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM stock_events
WHERE store_id = $1 AND product_id = $2 AND idempotency_key = $3`, storeID, productID, key)
	evt, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return StockEvent{}, ErrEventNotFound
	}
	return evt, err
}

// ListHistory returns events newest first, strictly before filter.Before.
func (r *Repository) ListHistory(ctx context.Context, filter HistoryFilter) ([]StockEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultHistoryPageSize
	}
	var (
		rows pgx.Rows
		err  error
	)
	if filter.Before == nil {
		rows, err = r.pool.Query(ctx, `SELECT `+eventColumns+` FROM stock_events
WHERE store_id = $1 AND product_id = $2
ORDER BY created_at DESC, id DESC
LIMIT $3`, filter.StoreID, filter.ProductID, limit)
	} else {
		rows, err = r.pool.Query(ctx, `SELECT `+eventColumns+` FROM stock_events
WHERE store_id = $1 AND product_id = $2 AND (created_at, id) < ($3, $4::uuid)
ORDER BY created_at DESC, id DESC
LIMIT $5`, filter.StoreID, filter.ProductID, filter.Before.CreatedAt, filter.Before.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// ListLowStock returns lines at or below their threshold. An empty storeID
// covers every store.
func (r *Repository) ListLowStock(ctx context.Context, storeID string) ([]LowStockAlert, error) {
	rows, err := r.pool.Query(ctx, `SELECT store_id, product_id, quantity, low_stock_threshold
FROM stock_snapshots
WHERE quantity <= low_stock_threshold AND ($1 = '' OR store_id = $1)
ORDER BY quantity - low_stock_threshold, product_id, store_id`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var alerts []LowStockAlert
	for rows.Next() {
		var a LowStockAlert
		if err := rows.Scan(&a.StoreID, &a.ProductID, &a.Quantity, &a.Threshold); err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// ListLineKeys returns every catalog line that has a snapshot or a ledger
// event. Ledgers of lines removed from store_products are skipped.
func (r *Repository) ListLineKeys(ctx context.Context, storeID string) ([]LineKey, error) {
	rows, err := r.pool.Query(ctx, `SELECT k.store_id, k.product_id
FROM (
    SELECT store_id, product_id FROM stock_snapshots WHERE $1 = '' OR store_id = $1
    UNION
    SELECT DISTINCT store_id, product_id FROM stock_events WHERE $1 = '' OR store_id = $1
) k
JOIN store_products sp ON sp.store_id = k.store_id AND sp.product_id = k.product_id
ORDER BY k.store_id, k.product_id`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []LineKey
	for rows.Next() {
		var k LineKey
		if err := rows.Scan(&k.StoreID, &k.ProductID); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (t *txRepo) GetSnapshot(ctx context.Context, storeID, productID string) (StockSnapshot, error) {
	return getSnapshot(ctx, t.tx, storeID, productID)
}

func (t *txRepo) ListEvents(ctx context.Context, storeID, productID string) ([]StockEvent, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+eventColumns+` FROM stock_events
WHERE store_id = $1 AND product_id = $2
ORDER BY created_at, id`, storeID, productID)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

func (t *txRepo) InsertEvent(ctx context.Context, evt StockEvent) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO stock_events
(id, store_id, product_id, delta, reason, resulting_quantity, actor_id, idempotency_key, note, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)`,
		evt.ID, evt.StoreID, evt.ProductID, evt.Delta, string(evt.Reason), evt.ResultingQuantity,
		evt.ActorID, evt.IdempotencyKey, evt.Note, evt.CreatedAt)
	switch {
	case err == nil:
		return nil
	case db.IsUniqueViolation(err, idempotencyConstraint):
		return ErrDuplicateIdempotencyKey
	case db.IsRetryable(err):
		return fmt.Errorf("%w: %v", ErrVersionConflict, err)
	}
	return fmt.Errorf("inventory: insert event: %w", err)
}

func (t *txRepo) SaveSnapshot(ctx context.Context, snap StockSnapshot, expectedVersion int64) error {
	tag, err := t.tx.Exec(ctx, `INSERT INTO stock_snapshots
(store_id, product_id, quantity, last_event_id, last_event_at, low_stock_threshold, version, corrupted, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (store_id, product_id) DO UPDATE SET
    quantity = EXCLUDED.quantity,
    last_event_id = EXCLUDED.last_event_id,
    last_event_at = EXCLUDED.last_event_at,
    version = EXCLUDED.version,
    corrupted = EXCLUDED.corrupted,
    updated_at = EXCLUDED.updated_at
WHERE stock_snapshots.version = $10`,
		snap.StoreID, snap.ProductID, snap.Quantity, nullUUID(snap.LastEventID), nullTime(snap.LastEventAt),
		snap.LowStockThreshold, snap.Version, snap.Corrupted, updatedAt(snap.UpdatedAt), expectedVersion)
	switch {
	case err == nil:
	case db.IsRetryable(err), db.IsUniqueViolation(err, ""):
		return fmt.Errorf("%w: %v", ErrVersionConflict, err)
	case db.IsForeignKeyViolation(err):
		return invalidAdjustment("product_id", "line is not part of the store catalog")
	default:
		return fmt.Errorf("inventory: save snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (t *txRepo) SetThreshold(ctx context.Context, storeID, productID string, threshold int64) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO stock_snapshots (store_id, product_id, low_stock_threshold, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (store_id, product_id) DO UPDATE SET
    low_stock_threshold = EXCLUDED.low_stock_threshold,
    updated_at = EXCLUDED.updated_at`, storeID, productID, threshold)
	switch {
	case err == nil:
		return nil
	case db.IsForeignKeyViolation(err):
		return invalidAdjustment("product_id", "line is not part of the store catalog")
	case db.IsRetryable(err):
		return fmt.Errorf("%w: %v", ErrVersionConflict, err)
	}
	return fmt.Errorf("inventory: set threshold: %w", err)
}

func (t *txRepo) SetCorrupted(ctx context.Context, storeID, productID string, corrupted bool) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO stock_snapshots (store_id, product_id, corrupted, version, updated_at)
VALUES ($1, $2, $3, 1, NOW())
ON CONFLICT (store_id, product_id) DO UPDATE SET
    corrupted = EXCLUDED.corrupted,
    version = stock_snapshots.version + 1,
    updated_at = EXCLUDED.updated_at`, storeID, productID, corrupted)
	switch {
	case err == nil:
		return nil
	case db.IsForeignKeyViolation(err):
		return ErrLineRetired
	case db.IsRetryable(err):
		return fmt.Errorf("%w: %v", ErrVersionConflict, err)
	}
	return fmt.Errorf("inventory: set corrupted: %w", err)
}

// rowQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getSnapshot(ctx context.Context, q rowQuerier, storeID, productID string) (StockSnapshot, error) {
	row := q.QueryRow(ctx, `SELECT `+snapshotColumns+` FROM stock_snapshots WHERE store_id = $1 AND product_id = $2`, storeID, productID)
	var (
		snap        StockSnapshot
		lastEventID pgtype.UUID
		lastEventAt pgtype.Timestamptz
	)
	err := row.Scan(&snap.StoreID, &snap.ProductID, &snap.Quantity, &lastEventID, &lastEventAt,
		&snap.LowStockThreshold, &snap.Version, &snap.Corrupted, &snap.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return StockSnapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return StockSnapshot{}, err
	}
	if lastEventID.Valid {
		snap.LastEventID = uuidString(lastEventID)
	}
	if lastEventAt.Valid {
		snap.LastEventAt = lastEventAt.Time.UTC()
	}
	snap.UpdatedAt = snap.UpdatedAt.UTC()
	return snap, nil
}

func scanEvent(row pgx.Row) (StockEvent, error) {
	var (
		evt    StockEvent
		id     pgtype.UUID
		reason string
	)
	if err := row.Scan(&id, &evt.StoreID, &evt.ProductID, &evt.Delta, &reason, &evt.ResultingQuantity,
		&evt.ActorID, &evt.IdempotencyKey, &evt.Note, &evt.CreatedAt); err != nil {
		return StockEvent{}, err
	}
	evt.ID = uuidString(id)
	evt.Reason = Reason(reason)
	evt.CreatedAt = evt.CreatedAt.UTC()
	return evt, nil
}

func collectEvents(rows pgx.Rows) ([]StockEvent, error) {
	defer rows.Close()
	var events []StockEvent
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

func uuidString(id pgtype.UUID) string {
	if !id.Valid {
		return ""
	}
	return uuid.UUID(id.Bytes).String()
}

func nullUUID(id string) any {
	if id == "" {
		return nil
	}
	return id
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func updatedAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
