package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Fold replays a line's events, oldest first, from zero and returns the
// resulting quantity. It fails on any break in the running-total chain.
func Fold(events []StockEvent) (int64, error) {
	var qty int64
	for i, evt := range events {
		if evt.Delta == 0 {
			return qty, chainBroken(evt, qty, "zero delta in ledger")
		}
		if i > 0 {
			prev := events[i-1]
			if evt.CreatedAt.Before(prev.CreatedAt) || (evt.CreatedAt.Equal(prev.CreatedAt) && evt.ID <= prev.ID) {
				return qty, chainBroken(evt, qty, "events out of order")
			}
		}
		qty += evt.Delta
		if qty < 0 {
			return qty, chainBroken(evt, qty, "running quantity below zero")
		}
		if evt.ResultingQuantity != qty {
			return qty, chainBroken(evt, qty, fmt.Sprintf("resulting quantity %d does not match running total %d", evt.ResultingQuantity, qty))
		}
	}
	return qty, nil
}

func chainBroken(evt StockEvent, folded int64, detail string) error {
	return &LedgerCorruptionError{
		StoreID:   evt.StoreID,
		ProductID: evt.ProductID,
		EventID:   evt.ID,
		Stored:    evt.ResultingQuantity,
		Folded:    folded,
		Detail:    detail,
	}
}

// VerifyReport summarises a verification sweep.
type VerifyReport struct {
	Checked   int                      `json:"checked"`
	Corrupted []*LedgerCorruptionError `json:"corrupted"`
}

// Projector checks and repairs snapshots against the ledger.
type Projector struct {
	repo        RepositoryPort
	audit       AuditPort
	cache       *Cache
	metrics     *Metrics
	logger      *slog.Logger
	concurrency int
}

// NewProjector builds Projector. audit, cache, metrics and logger may be nil.
func NewProjector(repo RepositoryPort, audit AuditPort, cache *Cache, metrics *Metrics, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{repo: repo, audit: audit, cache: cache, metrics: metrics, logger: logger, concurrency: 4}
}

// Verify folds the full ledger and compares it with the stored snapshot. A
// mismatch flags the snapshot corrupted, which blocks further adjustments
// until Rebuild is run. The ledger is never modified.
func (p *Projector) Verify(ctx context.Context, storeID, productID string) error {
	var corruption *LedgerCorruptionError
	err := p.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		corruption = nil
		snap, err := tx.GetSnapshot(ctx, storeID, productID)
		if errors.Is(err, ErrSnapshotNotFound) {
			snap = ZeroSnapshot(storeID, productID)
		} else if err != nil {
			return err
		}
		events, err := tx.ListEvents(ctx, storeID, productID)
		if err != nil {
			return err
		}
		folded, foldErr := Fold(events)
		switch {
		case foldErr != nil:
			errors.As(foldErr, &corruption)
		case folded != snap.Quantity:
			corruption = &LedgerCorruptionError{
				StoreID:   storeID,
				ProductID: productID,
				EventID:   snap.LastEventID,
				Stored:    snap.Quantity,
				Folded:    folded,
				Detail:    fmt.Sprintf("snapshot quantity %d diverges from ledger total %d", snap.Quantity, folded),
			}
		case len(events) > 0 && snap.LastEventID != events[len(events)-1].ID:
			corruption = &LedgerCorruptionError{
				StoreID:   storeID,
				ProductID: productID,
				EventID:   snap.LastEventID,
				Stored:    snap.Quantity,
				Folded:    folded,
				Detail:    "snapshot does not point at the latest event",
			}
		}
		if corruption == nil || snap.Corrupted {
			return nil
		}
		return tx.SetCorrupted(ctx, storeID, productID, true)
	})
	if err != nil {
		return err
	}
	if corruption != nil {
		p.metrics.observeCorruption()
		return corruption
	}
	return nil
}

// Rebuild recomputes a snapshot from its ledger and clears the corruption
// flag. It refuses when the ledger chain itself is inconsistent.
func (p *Projector) Rebuild(ctx context.Context, storeID, productID, actorID string) (StockSnapshot, error) {
	var rebuilt StockSnapshot
	var previous int64
	err := p.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		snap, err := tx.GetSnapshot(ctx, storeID, productID)
		if errors.Is(err, ErrSnapshotNotFound) {
			snap = ZeroSnapshot(storeID, productID)
		} else if err != nil {
			return err
		}
		events, err := tx.ListEvents(ctx, storeID, productID)
		if err != nil {
			return err
		}
		folded, err := Fold(events)
		if err != nil {
			return err
		}
		previous = snap.Quantity
		next := snap
		next.Quantity = folded
		next.Corrupted = false
		next.Version = snap.Version + 1
		if len(events) > 0 {
			last := events[len(events)-1]
			next.LastEventID = last.ID
			next.LastEventAt = last.CreatedAt
			next.UpdatedAt = last.CreatedAt
		}
		if err := tx.SaveSnapshot(ctx, next, snap.Version); err != nil {
			return err
		}
		rebuilt = next
		return nil
	})
	if err != nil {
		return StockSnapshot{}, err
	}
	if p.audit != nil {
		if err := p.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "inventory:rebuild",
			Entity:   "stock_snapshot",
			EntityID: storeID + ":" + productID,
			Meta: map[string]any{
				"previous_quantity": previous,
				"rebuilt_quantity":  rebuilt.Quantity,
				"last_event_id":     rebuilt.LastEventID,
			},
		}); err != nil {
			p.logger.Warn("audit rebuild", slog.Any("error", err))
		}
	}
	if err := p.cache.Bump(ctx); err != nil {
		p.logger.Warn("bump low stock cache", slog.Any("error", err))
	}
	return rebuilt, nil
}

// VerifyAll verifies every line, optionally limited to one store.
func (p *Projector) VerifyAll(ctx context.Context, storeID string) (VerifyReport, error) {
	keys, err := p.repo.ListLineKeys(ctx, storeID)
	if err != nil {
		return VerifyReport{}, err
	}
	report := VerifyReport{Corrupted: []*LedgerCorruptionError{}}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, key := range keys {
		g.Go(func() error {
			err := p.Verify(gctx, key.StoreID, key.ProductID)
			if errors.Is(err, ErrLineRetired) {
				p.logger.Info("skip retired line",
					slog.String("store_id", key.StoreID),
					slog.String("product_id", key.ProductID),
				)
				return nil
			}
			var corruption *LedgerCorruptionError
			if err != nil && !errors.As(err, &corruption) {
				return err
			}
			mu.Lock()
			report.Checked++
			if corruption != nil {
				report.Corrupted = append(report.Corrupted, corruption)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, nil
}
