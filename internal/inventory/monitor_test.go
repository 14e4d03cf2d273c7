package inventory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Minute), mr
}

func seedLine(repo *memoryRepo, storeID, productID string, qty, threshold int64) {
	repo.tamper(storeID, productID, qty)
	repo.setThreshold(storeID, productID, threshold)
}

func TestScanOrdersByUrgency(t *testing.T) {
	repo := newMemoryRepo()
	seedLine(repo, "S1", "A", 2, 5)
	seedLine(repo, "S1", "B", 10, 5)
	seedLine(repo, "S1", "C", 5, 5)
	monitor := NewMonitor(repo, nil, nil, nil, nil)

	alerts, err := monitor.Scan(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, []LowStockAlert{
		{StoreID: "S1", ProductID: "A", Quantity: 2, Threshold: 5},
		{StoreID: "S1", ProductID: "C", Quantity: 5, Threshold: 5},
	}, alerts)
}

func TestScanFiltersByStoreAndBreaksTies(t *testing.T) {
	repo := newMemoryRepo()
	seedLine(repo, "S2", "B", 1, 3)
	seedLine(repo, "S1", "B", 1, 3)
	seedLine(repo, "S1", "A", 4, 6)
	monitor := NewMonitor(repo, nil, nil, nil, nil)

	alerts, err := monitor.Scan(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, []LowStockAlert{
		{StoreID: "S1", ProductID: "A", Quantity: 4, Threshold: 6},
		{StoreID: "S1", ProductID: "B", Quantity: 1, Threshold: 3},
		{StoreID: "S2", ProductID: "B", Quantity: 1, Threshold: 3},
	}, alerts)

	alerts, err = monitor.Scan(context.Background(), "S2")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, "S2", alerts[0].StoreID)

	alerts, err = monitor.Scan(context.Background(), "S404")
	require.NoError(t, err)
	require.NotNil(t, alerts)
	require.Empty(t, alerts)
}

func TestScanServesCachedReportUntilBumped(t *testing.T) {
	repo := newMemoryRepo()
	seedLine(repo, "S1", "A", 1, 5)
	cache, _ := newTestCache(t)
	metrics := NewMetrics(prometheus.NewRegistry())
	monitor := NewMonitor(repo, nil, cache, metrics, nil)

	alerts, err := monitor.Scan(context.Background(), "S1")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.lowStock.WithLabelValues("S1")))

	seedLine(repo, "S1", "B", 0, 2)
	alerts, err = monitor.Scan(context.Background(), "S1")
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	require.NoError(t, cache.Bump(context.Background()))
	alerts, err = monitor.Scan(context.Background(), "S1")
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.lowStock.WithLabelValues("S1")))
}

func TestScanFallsBackWhenCacheIsDown(t *testing.T) {
	repo := newMemoryRepo()
	seedLine(repo, "S1", "A", 1, 5)
	cache, mr := newTestCache(t)
	mr.Close()
	monitor := NewMonitor(repo, nil, cache, nil, nil)

	alerts, err := monitor.Scan(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
}

func TestAdjustmentsInvalidateCachedScan(t *testing.T) {
	repo := newMemoryRepo()
	cache, _ := newTestCache(t)
	svc := NewService(repo, staticCatalog{}, cache, nil, nil, ServiceConfig{})
	monitor := NewMonitor(repo, nil, cache, nil, nil)
	adjust(t, svc, "S1", "P1", 10, ReasonRestock)
	_, err := monitor.SetThreshold(context.Background(), "S1", "P1", 5, "mgr")
	require.NoError(t, err)

	alerts, err := monitor.Scan(context.Background(), "S1")
	require.NoError(t, err)
	require.Empty(t, alerts)

	adjust(t, svc, "S1", "P1", -6, ReasonSale)
	alerts, err = monitor.Scan(context.Background(), "S1")
	require.NoError(t, err)
	require.Equal(t, []LowStockAlert{{StoreID: "S1", ProductID: "P1", Quantity: 4, Threshold: 5}}, alerts)
}

func TestSetThreshold(t *testing.T) {
	repo := newMemoryRepo()
	audit := &memoryAudit{}
	svc := newTestService(repo, ServiceConfig{})
	monitor := NewMonitor(repo, audit, nil, nil, nil)

	snap, err := monitor.SetThreshold(context.Background(), "S1", "P1", 3, "mgr")
	require.NoError(t, err)
	require.Equal(t, int64(3), snap.LowStockThreshold)
	require.Equal(t, int64(0), snap.Version)
	require.True(t, IsLow(snap))
	require.Equal(t, []string{"inventory:threshold"}, audit.actions())

	evt := adjust(t, svc, "S1", "P1", 7, ReasonRestock)
	require.Equal(t, int64(7), evt.ResultingQuantity)
	stored, err := svc.GetSnapshot(context.Background(), "S1", "P1")
	require.NoError(t, err)
	require.Equal(t, int64(3), stored.LowStockThreshold)

	_, err = monitor.SetThreshold(context.Background(), "S1", "P1", -1, "mgr")
	require.ErrorIs(t, err, ErrInvalidThreshold)
	_, err = monitor.SetThreshold(context.Background(), "", "P1", 1, "mgr")
	require.ErrorIs(t, err, ErrInvalidAdjustment)
}

func TestScanSurvivesCacheFailureMidScan(t *testing.T) {
	repo := newMemoryRepo()
	seedLine(repo, "S1", "A", 1, 5)
	cache, mr := newTestCache(t)
	repo.beforeLowStock = func(context.Context) error {
		mr.SetError("READONLY You can't write against a read only replica.")
		return nil
	}
	monitor := NewMonitor(repo, nil, cache, nil, nil)

	alerts, err := monitor.Scan(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
}

func TestScanSharedLoadOutlivesCanceledCaller(t *testing.T) {
	repo := newMemoryRepo()
	seedLine(repo, "S1", "A", 1, 5)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	repo.beforeLowStock = func(ctx context.Context) error {
		once.Do(func() { close(started) })
		<-release
		return ctx.Err()
	}
	monitor := NewMonitor(repo, nil, nil, nil, nil)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := monitor.Scan(first, "S1")
		firstErr <- err
	}()
	<-started

	type result struct {
		alerts []LowStockAlert
		err    error
	}
	second := make(chan result, 1)
	go func() {
		alerts, err := monitor.Scan(context.Background(), "S1")
		second <- result{alerts: alerts, err: err}
	}()
	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	// Give the second caller time to join the in-flight load.
	time.Sleep(20 * time.Millisecond)
	close(release)
	got := <-second
	require.NoError(t, got.err)
	require.Len(t, got.alerts, 1)
}

func TestScanMetricsIgnoreUnknownStores(t *testing.T) {
	repo := newMemoryRepo()
	seedLine(repo, "S1", "A", 1, 5)
	metrics := NewMetrics(prometheus.NewRegistry())
	monitor := NewMonitor(repo, nil, nil, metrics, nil)
	ctx := context.Background()

	for _, store := range []string{"S404", "bogus-1", "bogus-2"} {
		_, err := monitor.Scan(ctx, store)
		require.NoError(t, err)
	}
	require.Equal(t, 0, testutil.CollectAndCount(metrics.lowStock))

	_, err := monitor.Scan(ctx, "")
	require.NoError(t, err)
	_, err = monitor.Scan(ctx, "S1")
	require.NoError(t, err)
	require.Equal(t, 2, testutil.CollectAndCount(metrics.lowStock))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.lowStock.WithLabelValues("all")))

	seedLine(repo, "S1", "A", 9, 5)
	_, err = monitor.Scan(ctx, "S1")
	require.NoError(t, err)
	require.Equal(t, 1, testutil.CollectAndCount(metrics.lowStock))
}
