package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// RepositoryPort abstracts ledger and snapshot storage for the services.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSnapshot(ctx context.Context, storeID, productID string) (StockSnapshot, error)
	FindEventByIdempotencyKey(ctx context.Context, storeID, productID, key string) (StockEvent, error)
	ListHistory(ctx context.Context, filter HistoryFilter) ([]StockEvent, error)
	ListLowStock(ctx context.Context, storeID string) ([]LowStockAlert, error)
	ListLineKeys(ctx context.Context, storeID string) ([]LineKey, error)
}

// TxRepository exposes the operations allowed inside one atomic unit.
type TxRepository interface {
	GetSnapshot(ctx context.Context, storeID, productID string) (StockSnapshot, error)
	ListEvents(ctx context.Context, storeID, productID string) ([]StockEvent, error)
	InsertEvent(ctx context.Context, evt StockEvent) error
	// SaveSnapshot writes quantity, last event, version and corruption flag
	// only if the stored version still equals expectedVersion (0 when absent).
	// The threshold column is left untouched on update.
	SaveSnapshot(ctx context.Context, snap StockSnapshot, expectedVersion int64) error
	// SetThreshold creates the row when absent and never changes the version.
	SetThreshold(ctx context.Context, storeID, productID string, threshold int64) error
	// SetCorrupted bumps the version so in-flight adjustments re-read the flag.
	SetCorrupted(ctx context.Context, storeID, productID string, corrupted bool) error
}

// Catalog reports whether a store sells a product.
type Catalog interface {
	IsActive(ctx context.Context, storeID, productID string) (bool, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig groups tuning knobs.
type ServiceConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Service applies stock adjustments and serves line reads.
type Service struct {
	repo    RepositoryPort
	catalog Catalog
	cache   *Cache
	metrics *Metrics
	logger  *slog.Logger

	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration

	clock func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewService builds Service. cache, metrics and logger may be nil.
func NewService(repo RepositoryPort, catalog Catalog, cache *Cache, metrics *Metrics, logger *slog.Logger, cfg ServiceConfig) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 10 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = 20 * cfg.BackoffBase
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		catalog:     catalog,
		cache:       cache,
		metrics:     metrics,
		logger:      logger,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		backoffMax:  cfg.BackoffMax,
		clock:       func() time.Time { return time.Now().UTC() },
		sleep:       sleepContext,
	}
}

// ApplyAdjustment validates the input and atomically appends a ledger event
// and moves the snapshot to the event's resulting quantity.
func (s *Service) ApplyAdjustment(ctx context.Context, input AdjustmentInput) (StockEvent, error) {
	input.StoreID = strings.TrimSpace(input.StoreID)
	input.ProductID = strings.TrimSpace(input.ProductID)
	input.IdempotencyKey = strings.TrimSpace(input.IdempotencyKey)
	if err := s.validate(ctx, input); err != nil {
		s.metrics.observeAdjustment(input.Reason, err)
		return StockEvent{}, err
	}

	if input.IdempotencyKey != "" {
		evt, err := s.repo.FindEventByIdempotencyKey(ctx, input.StoreID, input.ProductID, input.IdempotencyKey)
		if err == nil {
			s.metrics.observeReplay()
			return evt, nil
		}
		if !errors.Is(err, ErrEventNotFound) {
			return StockEvent{}, err
		}
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return StockEvent{}, err
		}
		evt, err := s.tryApply(ctx, input)
		switch {
		case err == nil:
			s.metrics.observeAdjustment(input.Reason, nil)
			s.afterCommit(ctx, evt)
			return evt, nil
		case errors.Is(err, ErrDuplicateIdempotencyKey):
			// Another request with the same key won the race.
			existing, findErr := s.repo.FindEventByIdempotencyKey(ctx, input.StoreID, input.ProductID, input.IdempotencyKey)
			if findErr != nil {
				return StockEvent{}, findErr
			}
			s.metrics.observeReplay()
			return existing, nil
		case !errors.Is(err, ErrVersionConflict):
			s.metrics.observeAdjustment(input.Reason, err)
			return StockEvent{}, err
		}
		s.metrics.observeConflict()
		if attempt >= s.maxAttempts {
			err := &ConcurrentModificationError{StoreID: input.StoreID, ProductID: input.ProductID, Attempts: attempt}
			s.metrics.observeAdjustment(input.Reason, err)
			return StockEvent{}, err
		}
		if err := s.sleep(ctx, s.backoff(attempt)); err != nil {
			return StockEvent{}, err
		}
	}
}

func (s *Service) tryApply(ctx context.Context, input AdjustmentInput) (StockEvent, error) {
	var evt StockEvent
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		snap, err := tx.GetSnapshot(ctx, input.StoreID, input.ProductID)
		if errors.Is(err, ErrSnapshotNotFound) {
			snap = ZeroSnapshot(input.StoreID, input.ProductID)
		} else if err != nil {
			return err
		}
		if snap.Corrupted {
			return &LedgerCorruptionError{
				StoreID:   input.StoreID,
				ProductID: input.ProductID,
				Stored:    snap.Quantity,
				Detail:    "snapshot flagged corrupted; rebuild required",
			}
		}
		newQty := snap.Quantity + input.Delta
		if newQty < 0 {
			return &InsufficientStockError{
				StoreID:   input.StoreID,
				ProductID: input.ProductID,
				Available: snap.Quantity,
				Delta:     input.Delta,
			}
		}
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("inventory: event id: %w", err)
		}
		evt = StockEvent{
			ID:                id.String(),
			StoreID:           input.StoreID,
			ProductID:         input.ProductID,
			Delta:             input.Delta,
			Reason:            input.Reason,
			ResultingQuantity: newQty,
			ActorID:           input.ActorID,
			IdempotencyKey:    input.IdempotencyKey,
			Note:              input.Note,
			CreatedAt:         nextEventTime(s.clock(), snap.LastEventAt),
		}
		if err := tx.InsertEvent(ctx, evt); err != nil {
			return err
		}
		next := snap
		next.Quantity = newQty
		next.LastEventID = evt.ID
		next.LastEventAt = evt.CreatedAt
		next.Version = snap.Version + 1
		next.UpdatedAt = evt.CreatedAt
		return tx.SaveSnapshot(ctx, next, snap.Version)
	})
	if err != nil {
		return StockEvent{}, err
	}
	return evt, nil
}

func (s *Service) validate(ctx context.Context, input AdjustmentInput) error {
	if input.StoreID == "" {
		return invalidAdjustment("store_id", "required")
	}
	if input.ProductID == "" {
		return invalidAdjustment("product_id", "required")
	}
	if input.Delta == 0 {
		return invalidAdjustment("delta", "must be non-zero")
	}
	if !input.Reason.Valid() {
		return invalidAdjustment("reason", fmt.Sprintf("unknown reason %q", input.Reason))
	}
	if s.catalog == nil {
		return nil
	}
	active, err := s.catalog.IsActive(ctx, input.StoreID, input.ProductID)
	if err != nil {
		return err
	}
	if !active {
		return invalidAdjustment("product_id", fmt.Sprintf("product %s is not active in store %s", input.ProductID, input.StoreID))
	}
	return nil
}

func (s *Service) afterCommit(ctx context.Context, evt StockEvent) {
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("bump low stock cache",
			slog.String("store_id", evt.StoreID),
			slog.String("product_id", evt.ProductID),
			slog.Any("error", err))
	}
}

// GetSnapshot returns the current state of a line, zero when never recorded.
func (s *Service) GetSnapshot(ctx context.Context, storeID, productID string) (StockSnapshot, error) {
	if storeID == "" || productID == "" {
		return StockSnapshot{}, invalidAdjustment("store_id/product_id", "required")
	}
	snap, err := s.repo.GetSnapshot(ctx, storeID, productID)
	if errors.Is(err, ErrSnapshotNotFound) {
		return ZeroSnapshot(storeID, productID), nil
	}
	return snap, err
}

// GetHistory pages through a line's ledger, most recent first.
func (s *Service) GetHistory(ctx context.Context, storeID, productID string, query HistoryQuery) (HistoryPage, error) {
	if storeID == "" || productID == "" {
		return HistoryPage{}, invalidAdjustment("store_id/product_id", "required")
	}
	size := shared.ClampPageSize(query.PageSize, defaultHistoryPageSize, maxHistoryPageSize)
	filter := HistoryFilter{StoreID: storeID, ProductID: productID, Limit: size + 1}
	if query.Cursor != "" {
		pos, err := decodeHistoryCursor(query.Cursor)
		if err != nil {
			return HistoryPage{}, err
		}
		filter.Before = &pos
	}
	events, err := s.repo.ListHistory(ctx, filter)
	if err != nil {
		return HistoryPage{}, err
	}
	page := HistoryPage{Events: events}
	if len(events) > size {
		page.Events = events[:size]
		last := page.Events[size-1]
		page.NextCursor = encodeHistoryCursor(HistoryPosition{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	if page.Events == nil {
		page.Events = []StockEvent{}
	}
	return page, nil
}

// backoff returns a full-jitter exponential delay for the given attempt.
func (s *Service) backoff(attempt int) time.Duration {
	ceiling := s.backoffBase << (attempt - 1)
	if ceiling <= 0 || ceiling > s.backoffMax {
		ceiling = s.backoffMax
	}
	return time.Duration(rand.Int64N(int64(ceiling)) + 1)
}

// nextEventTime keeps created_at strictly increasing per line at the
// microsecond precision Postgres stores.
func nextEventTime(now, last time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if !last.IsZero() && !now.After(last) {
		return last.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
	}
	return now
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func encodeHistoryCursor(pos HistoryPosition) string {
	return shared.EncodeCursor(strconv.FormatInt(pos.CreatedAt.UnixMicro(), 10), pos.ID)
}

func decodeHistoryCursor(cursor string) (HistoryPosition, error) {
	parts, err := shared.DecodeCursor(cursor, 2)
	if err != nil {
		return HistoryPosition{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	micros, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return HistoryPosition{}, ErrInvalidCursor
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return HistoryPosition{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return HistoryPosition{CreatedAt: time.UnixMicro(micros).UTC(), ID: id.String()}, nil
}
