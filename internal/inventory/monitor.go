package inventory

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Monitor derives low-stock alerts from snapshots and manages thresholds.
type Monitor struct {
	repo    RepositoryPort
	audit   AuditPort
	cache   *Cache
	metrics *Metrics
	logger  *slog.Logger
	group   singleflight.Group
}

// NewMonitor builds Monitor. audit, cache, metrics and logger may be nil.
func NewMonitor(repo RepositoryPort, audit AuditPort, cache *Cache, metrics *Metrics, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{repo: repo, audit: audit, cache: cache, metrics: metrics, logger: logger}
}

// Scan lists every line whose quantity is at or below its threshold, most
// urgent shortfall first. An empty storeID scans all stores.
const lowStockLoadTimeout = 30 * time.Second

func (m *Monitor) Scan(ctx context.Context, storeID string) ([]LowStockAlert, error) {
	storeID = strings.TrimSpace(storeID)
	cache := m.cache
	key, err := cache.BuildKey(ctx, keyLowStock(storeID)...)
	if err != nil {
		m.logger.Warn("low stock cache unavailable", slog.Any("error", err))
		cache = nil
		key, _ = cache.BuildKey(ctx, keyLowStock(storeID)...)
	}
	ch := m.group.DoChan(key, func() (any, error) {
		// The load is shared by every caller of key, so it must not inherit
		// the cancellation of whichever caller started it.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lowStockLoadTimeout)
		defer cancel()
		var alerts []LowStockAlert
		err := cache.FetchJSON(loadCtx, key, &alerts, func(ctx context.Context) (any, error) {
			return m.load(ctx, storeID)
		})
		return alerts, err
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		cached := res.Val.([]LowStockAlert)
		alerts := make([]LowStockAlert, len(cached))
		copy(alerts, cached)
		m.metrics.observeLowStock(storeID, len(alerts))
		return alerts, nil
	}
}

func (m *Monitor) load(ctx context.Context, storeID string) ([]LowStockAlert, error) {
	rows, err := m.repo.ListLowStock(ctx, storeID)
	if err != nil {
		return nil, err
	}
	SortAlerts(rows)
	if rows == nil {
		rows = []LowStockAlert{}
	}
	return rows, nil
}

// SetThreshold configures the low-stock threshold of a line.
func (m *Monitor) SetThreshold(ctx context.Context, storeID, productID string, threshold int64, actorID string) (StockSnapshot, error) {
	storeID = strings.TrimSpace(storeID)
	productID = strings.TrimSpace(productID)
	if storeID == "" || productID == "" {
		return StockSnapshot{}, invalidAdjustment("store_id/product_id", "required")
	}
	if threshold < 0 {
		return StockSnapshot{}, ErrInvalidThreshold
	}
	var snap StockSnapshot
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.SetThreshold(ctx, storeID, productID, threshold); err != nil {
			return err
		}
		var err error
		snap, err = tx.GetSnapshot(ctx, storeID, productID)
		return err
	})
	if err != nil {
		return StockSnapshot{}, err
	}
	if m.audit != nil {
		if err := m.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "inventory:threshold",
			Entity:   "stock_snapshot",
			EntityID: storeID + ":" + productID,
			Meta:     map[string]any{"threshold": threshold},
		}); err != nil {
			m.logger.Warn("audit threshold", slog.Any("error", err))
		}
	}
	if err := m.cache.Bump(ctx); err != nil {
		m.logger.Warn("bump low stock cache", slog.Any("error", err))
	}
	return snap, nil
}

// SortAlerts orders alerts by shortfall, then product, then store.
func SortAlerts(alerts []LowStockAlert) {
	slices.SortStableFunc(alerts, func(a, b LowStockAlert) int {
		return cmp.Or(
			cmp.Compare(a.Shortfall(), b.Shortfall()),
			strings.Compare(a.ProductID, b.ProductID),
			strings.Compare(a.StoreID, b.StoreID),
		)
	})
}

// IsLow reports whether a snapshot belongs in a low-stock report.
func IsLow(snap StockSnapshot) bool {
	return snap.Quantity <= snap.LowStockThreshold
}
