package inventory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// memoryRepo is an optimistic in-memory store: transactions buffer their
// writes and validate snapshot versions when they commit.
type memoryRepo struct {
	mu        sync.Mutex
	snapshots map[LineKey]StockSnapshot
	events    map[LineKey][]StockEvent

	// forcedConflicts makes the next N SaveSnapshot calls report a conflict.
	forcedConflicts int
	// afterRead runs inside each transaction right after the snapshot read.
	afterRead func()
	// beforeLowStock runs ahead of ListLowStock; an error aborts the query.
	beforeLowStock func(ctx context.Context) error
	// retired lines lost their catalog row; listStale keeps them listed as
	// if they were removed after ListLineKeys ran.
	retired   map[LineKey]bool
	listStale bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		snapshots: make(map[LineKey]StockSnapshot),
		events:    make(map[LineKey][]StockEvent),
		retired:   make(map[LineKey]bool),
	}
}

type pendingSave struct {
	snap     StockSnapshot
	expected int64
}

type memoryTx struct {
	repo       *memoryRepo
	events     []StockEvent
	saves      map[LineKey]pendingSave
	thresholds map[LineKey]int64
	corrupted  map[LineKey]bool
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &memoryTx{
		repo:       r,
		saves:      make(map[LineKey]pendingSave),
		thresholds: make(map[LineKey]int64),
		corrupted:  make(map[LineKey]bool),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit()
}

func (tx *memoryTx) commit() error {
	r := tx.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, save := range tx.saves {
		current := r.snapshots[key]
		if current.Version != save.expected {
			return ErrVersionConflict
		}
	}
	for _, evt := range tx.events {
		if evt.IdempotencyKey != "" && r.findByKeyLocked(evt.StoreID, evt.ProductID, evt.IdempotencyKey) != nil {
			return ErrDuplicateIdempotencyKey
		}
	}
	for _, evt := range tx.events {
		r.events[evt.Key()] = append(r.events[evt.Key()], evt)
	}
	for key, save := range tx.saves {
		snap := save.snap
		snap.LowStockThreshold = r.snapshots[key].LowStockThreshold
		r.snapshots[key] = snap
	}
	for key, threshold := range tx.thresholds {
		snap, ok := r.snapshots[key]
		if !ok {
			snap = ZeroSnapshot(key.StoreID, key.ProductID)
		}
		snap.LowStockThreshold = threshold
		r.snapshots[key] = snap
	}
	for key, flag := range tx.corrupted {
		snap, ok := r.snapshots[key]
		if !ok {
			snap = ZeroSnapshot(key.StoreID, key.ProductID)
		}
		snap.Corrupted = flag
		snap.Version++
		r.snapshots[key] = snap
	}
	return nil
}

func (tx *memoryTx) GetSnapshot(ctx context.Context, storeID, productID string) (StockSnapshot, error) {
	key := LineKey{StoreID: storeID, ProductID: productID}
	if save, ok := tx.saves[key]; ok {
		return save.snap, nil
	}
	snap, err := tx.repo.GetSnapshot(ctx, storeID, productID)
	if tx.repo.afterRead != nil {
		tx.repo.afterRead()
	}
	threshold, hasThreshold := tx.thresholds[key]
	flag, hasFlag := tx.corrupted[key]
	if err != nil && (hasThreshold || hasFlag) {
		snap, err = ZeroSnapshot(storeID, productID), nil
	}
	if hasThreshold {
		snap.LowStockThreshold = threshold
	}
	if hasFlag {
		snap.Corrupted = flag
		snap.Version++
	}
	return snap, err
}

func (tx *memoryTx) ListEvents(ctx context.Context, storeID, productID string) ([]StockEvent, error) {
	key := LineKey{StoreID: storeID, ProductID: productID}
	tx.repo.mu.Lock()
	events := slices.Clone(tx.repo.events[key])
	tx.repo.mu.Unlock()
	for _, evt := range tx.events {
		if evt.Key() == key {
			events = append(events, evt)
		}
	}
	return events, nil
}

func (tx *memoryTx) InsertEvent(ctx context.Context, evt StockEvent) error {
	if evt.IdempotencyKey != "" {
		tx.repo.mu.Lock()
		dup := tx.repo.findByKeyLocked(evt.StoreID, evt.ProductID, evt.IdempotencyKey)
		tx.repo.mu.Unlock()
		if dup != nil {
			return ErrDuplicateIdempotencyKey
		}
	}
	tx.events = append(tx.events, evt)
	return nil
}

func (tx *memoryTx) SaveSnapshot(ctx context.Context, snap StockSnapshot, expectedVersion int64) error {
	tx.repo.mu.Lock()
	if tx.repo.forcedConflicts > 0 {
		tx.repo.forcedConflicts--
		tx.repo.mu.Unlock()
		return ErrVersionConflict
	}
	tx.repo.mu.Unlock()
	tx.saves[LineKey{StoreID: snap.StoreID, ProductID: snap.ProductID}] = pendingSave{snap: snap, expected: expectedVersion}
	return nil
}

func (tx *memoryTx) SetThreshold(ctx context.Context, storeID, productID string, threshold int64) error {
	tx.thresholds[LineKey{StoreID: storeID, ProductID: productID}] = threshold
	return nil
}

func (tx *memoryTx) SetCorrupted(ctx context.Context, storeID, productID string, corrupted bool) error {
	key := LineKey{StoreID: storeID, ProductID: productID}
	tx.repo.mu.Lock()
	retired := tx.repo.retired[key]
	tx.repo.mu.Unlock()
	if retired {
		return ErrLineRetired
	}
	tx.corrupted[key] = corrupted
	return nil
}

func (r *memoryRepo) GetSnapshot(ctx context.Context, storeID, productID string) (StockSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.snapshots[LineKey{StoreID: storeID, ProductID: productID}]
	if !ok {
		return StockSnapshot{}, ErrSnapshotNotFound
	}
	return snap, nil
}

func (r *memoryRepo) FindEventByIdempotencyKey(ctx context.Context, storeID, productID, key string) (StockEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if evt := r.findByKeyLocked(storeID, productID, key); evt != nil {
		return *evt, nil
	}
	return StockEvent{}, ErrEventNotFound
}

func (r *memoryRepo) findByKeyLocked(storeID, productID, key string) *StockEvent {
	for _, evt := range r.events[LineKey{StoreID: storeID, ProductID: productID}] {
		if evt.IdempotencyKey == key {
			return &evt
		}
	}
	return nil
}

func (r *memoryRepo) ListHistory(ctx context.Context, filter HistoryFilter) ([]StockEvent, error) {
	r.mu.Lock()
	events := slices.Clone(r.events[LineKey{StoreID: filter.StoreID, ProductID: filter.ProductID}])
	r.mu.Unlock()
	slices.SortFunc(events, func(a, b StockEvent) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), strings.Compare(b.ID, a.ID))
	})
	var out []StockEvent
	for _, evt := range events {
		if filter.Before != nil {
			c := cmp.Or(evt.CreatedAt.Compare(filter.Before.CreatedAt), strings.Compare(evt.ID, filter.Before.ID))
			if c >= 0 {
				continue
			}
		}
		out = append(out, evt)
		if len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (r *memoryRepo) ListLowStock(ctx context.Context, storeID string) ([]LowStockAlert, error) {
	if r.beforeLowStock != nil {
		if err := r.beforeLowStock(ctx); err != nil {
			return nil, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var alerts []LowStockAlert
	for _, snap := range r.snapshots {
		if storeID != "" && snap.StoreID != storeID {
			continue
		}
		if IsLow(snap) {
			alerts = append(alerts, LowStockAlert{
				StoreID:   snap.StoreID,
				ProductID: snap.ProductID,
				Quantity:  snap.Quantity,
				Threshold: snap.LowStockThreshold,
			})
		}
	}
	return alerts, nil
}

func (r *memoryRepo) ListLineKeys(ctx context.Context, storeID string) ([]LineKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[LineKey]struct{}{}
	for key := range r.snapshots {
		seen[key] = struct{}{}
	}
	for key := range r.events {
		seen[key] = struct{}{}
	}
	var keys []LineKey
	for key := range seen {
		if r.retired[key] && !r.listStale {
			continue
		}
		if storeID == "" || key.StoreID == storeID {
			keys = append(keys, key)
		}
	}
	slices.SortFunc(keys, func(a, b LineKey) int {
		return cmp.Or(strings.Compare(a.StoreID, b.StoreID), strings.Compare(a.ProductID, b.ProductID))
	})
	return keys, nil
}

// retire drops a line from the catalog; the snapshot cascades away and the
// ledger stays.
func (r *memoryRepo) retire(storeID, productID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := LineKey{StoreID: storeID, ProductID: productID}
	delete(r.snapshots, key)
	r.retired[key] = true
}

// tamper overwrites a snapshot quantity without a ledger event.
func (r *memoryRepo) tamper(storeID, productID string, quantity int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := LineKey{StoreID: storeID, ProductID: productID}
	snap := r.snapshots[key]
	snap.StoreID, snap.ProductID = storeID, productID
	snap.Quantity = quantity
	r.snapshots[key] = snap
}

func (r *memoryRepo) setThreshold(storeID, productID string, threshold int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := LineKey{StoreID: storeID, ProductID: productID}
	snap, ok := r.snapshots[key]
	if !ok {
		snap = ZeroSnapshot(storeID, productID)
	}
	snap.LowStockThreshold = threshold
	r.snapshots[key] = snap
}

type staticCatalog struct {
	inactive map[LineKey]bool
}

func (c staticCatalog) IsActive(ctx context.Context, storeID, productID string) (bool, error) {
	return !c.inactive[LineKey{StoreID: storeID, ProductID: productID}], nil
}

type memoryAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *memoryAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}
