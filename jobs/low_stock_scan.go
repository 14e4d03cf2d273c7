package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

// LowStockScanner produces the low-stock report.
type LowStockScanner interface {
	Scan(ctx context.Context, storeID string) ([]inventory.LowStockAlert, error)
}

// LowStockScanJob runs the low-stock monitor and reports every alert.
type LowStockScanJob struct {
	Scanner LowStockScanner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewLowStockScanJob initialises the low-stock scan handler.
func NewLowStockScanJob(scanner LowStockScanner, logger *slog.Logger, metrics *jobmetrics.Metrics) *LowStockScanJob {
	return &LowStockScanJob{
		Scanner: scanner,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the scan.
func (j *LowStockScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Scanner == nil {
		return errors.New("low stock scan: handler not configured")
	}
	var payload LowStockScanPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	start := j.now()
	tracker := j.metrics().Track(jobLowStockScan)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(
		slog.String("store_id", payload.StoreID),
		slog.String("requested_by", payload.RequestedBy),
	)
	logger.Info("starting low stock scan")

	alerts, err := j.Scanner.Scan(ctx, payload.StoreID)
	if err != nil {
		resultErr = err
		logger.Error("scan failed", slog.Any("error", err))
		return resultErr
	}

	for _, a := range alerts {
		logger.Warn("low stock",
			slog.String("alert_store_id", a.StoreID),
			slog.String("product_id", a.ProductID),
			slog.Int64("quantity", a.Quantity),
			slog.Int64("threshold", a.Threshold),
			slog.Int64("shortfall", a.Shortfall()),
		)
	}
	j.metrics().AddFindings(jobLowStockScan, "low_stock", len(alerts))

	logger.Info("completed low stock scan",
		slog.Int("alerts", len(alerts)),
		slog.Duration("duration", j.now().Sub(start)),
	)
	return resultErr
}

func (j *LowStockScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", jobLowStockScan))
	}
	return slog.Default().With(slog.String("job", jobLowStockScan))
}

func (j *LowStockScanJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *LowStockScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
