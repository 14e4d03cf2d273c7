package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskInventoryLowStockScan scans snapshots for lines at or below threshold.
	TaskInventoryLowStockScan = "inventory:low_stock_scan"
	// TaskInventorySnapshotVerify folds every ledger and flags divergent snapshots.
	TaskInventorySnapshotVerify = "inventory:snapshot_verify"
)

// Job names used as metric and log labels.
const (
	jobLowStockScan   = "low_stock_scan"
	jobSnapshotVerify = "snapshot_verify"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// LowStockScanPayload scopes a scan to one store; empty means all stores.
type LowStockScanPayload struct {
	StoreID     string    `json:"store_id,omitempty"`
	RequestedBy string    `json:"requested_by,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// SnapshotVerifyPayload scopes verification to one store; empty means all stores.
type SnapshotVerifyPayload struct {
	StoreID string `json:"store_id,omitempty"`
}

// NewLowStockScanTask constructs an Asynq task for the low-stock scan.
func NewLowStockScanTask(payload LowStockScanPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInventoryLowStockScan, body, asynq.Queue(QueueDefault)), nil
}

// NewSnapshotVerifyTask constructs an Asynq task for snapshot verification.
func NewSnapshotVerifyTask(storeID string) (*asynq.Task, error) {
	body, err := json.Marshal(SnapshotVerifyPayload{StoreID: storeID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInventorySnapshotVerify, body, asynq.Queue(QueueDefault), asynq.Timeout(30*time.Minute)), nil
}
