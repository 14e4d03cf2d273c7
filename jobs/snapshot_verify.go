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

// SnapshotVerifier checks snapshots against their ledgers.
type SnapshotVerifier interface {
	VerifyAll(ctx context.Context, storeID string) (inventory.VerifyReport, error)
}

// SnapshotVerifyJob sweeps every stock line and flags divergent snapshots.
// Repair stays an explicit operator action.
type SnapshotVerifyJob struct {
	Verifier SnapshotVerifier
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewSnapshotVerifyJob initialises the verification handler.
func NewSnapshotVerifyJob(verifier SnapshotVerifier, logger *slog.Logger, metrics *jobmetrics.Metrics) *SnapshotVerifyJob {
	return &SnapshotVerifyJob{Verifier: verifier, Logger: logger, Metrics: metrics}
}

// Handle executes the sweep.
func (j *SnapshotVerifyJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Verifier == nil {
		return errors.New("snapshot verify: handler not configured")
	}
	var payload SnapshotVerifyPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	start := time.Now()
	tracker := j.metrics().Track(jobSnapshotVerify)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("store_id", payload.StoreID))
	report, err := j.Verifier.VerifyAll(ctx, payload.StoreID)
	if err != nil {
		resultErr = err
		logger.Error("verification failed", slog.Int("checked", report.Checked), slog.Any("error", err))
		return resultErr
	}
	for _, c := range report.Corrupted {
		logger.Error("ledger corruption",
			slog.String("line_store_id", c.StoreID),
			slog.String("product_id", c.ProductID),
			slog.Int64("stored", c.Stored),
			slog.Int64("folded", c.Folded),
			slog.String("detail", c.Detail),
		)
	}
	j.metrics().AddFindings(jobSnapshotVerify, "corrupted", len(report.Corrupted))
	logger.Info("completed snapshot verification",
		slog.Int("checked", report.Checked),
		slog.Int("corrupted", len(report.Corrupted)),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *SnapshotVerifyJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", jobSnapshotVerify))
	}
	return slog.Default().With(slog.String("job", jobSnapshotVerify))
}

func (j *SnapshotVerifyJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
