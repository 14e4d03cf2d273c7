package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

type stubScanner struct {
	storeID string
	alerts  []inventory.LowStockAlert
	err     error
}

func (s *stubScanner) Scan(_ context.Context, storeID string) ([]inventory.LowStockAlert, error) {
	s.storeID = storeID
	return s.alerts, s.err
}

type stubVerifier struct {
	storeID string
	report  inventory.VerifyReport
	err     error
}

func (s *stubVerifier) VerifyAll(_ context.Context, storeID string) (inventory.VerifyReport, error) {
	s.storeID = storeID
	return s.report, s.err
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matchLabels(m *dto.Metric, labels map[string]string) bool {
	found := 0
	for _, lp := range m.GetLabel() {
		if want, ok := labels[lp.GetName()]; ok {
			if lp.GetValue() != want {
				return false
			}
			found++
		}
	}
	return found == len(labels)
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestLowStockScanJobReportsAlerts(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	scanner := &stubScanner{alerts: []inventory.LowStockAlert{
		{StoreID: "s1", ProductID: "C", Quantity: 0, Threshold: 3},
		{StoreID: "s1", ProductID: "A", Quantity: 2, Threshold: 5},
	}}
	var logs bytes.Buffer
	job := NewLowStockScanJob(scanner, newTestLogger(&logs), metrics)

	task, err := NewLowStockScanTask(LowStockScanPayload{StoreID: "s1", RequestedBy: "u-1"})
	require.NoError(t, err)
	require.Equal(t, TaskInventoryLowStockScan, task.Type())

	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, "s1", scanner.storeID)
	require.Contains(t, logs.String(), `"product_id":"C"`)
	require.Contains(t, logs.String(), `"shortfall":-3`)

	expected := `
# HELP stockledger_job_findings_total Items reported by background jobs grouped by job and kind.
# TYPE stockledger_job_findings_total counter
stockledger_job_findings_total{job="low_stock_scan",kind="low_stock"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, bytes.NewBufferString(expected), "stockledger_job_findings_total"))
	require.Equal(t, 1.0, counterValue(t, reg, "stockledger_jobs_total", map[string]string{"job": jobLowStockScan, "status": "success"}))
}

func TestLowStockScanJobFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	scanner := &stubScanner{err: errors.New("db down")}
	job := NewLowStockScanJob(scanner, slog.New(slog.NewTextHandler(io.Discard, nil)), metrics)

	err := job.Handle(context.Background(), asynq.NewTask(TaskInventoryLowStockScan, nil))
	require.Error(t, err)
	require.Equal(t, "", scanner.storeID)
	require.Equal(t, 1.0, counterValue(t, reg, "stockledger_jobs_total", map[string]string{"job": jobLowStockScan, "status": "failure"}))
}

func TestLowStockScanJobRejectsBadPayload(t *testing.T) {
	job := NewLowStockScanJob(&stubScanner{}, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	err := job.Handle(context.Background(), asynq.NewTask(TaskInventoryLowStockScan, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestSnapshotVerifyJobRecordsCorruption(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	verifier := &stubVerifier{report: inventory.VerifyReport{
		Checked: 3,
		Corrupted: []*inventory.LedgerCorruptionError{
			{StoreID: "s1", ProductID: "p1", Stored: 9, Folded: 7, Detail: "snapshot diverges from ledger"},
		},
	}}
	var logs bytes.Buffer
	job := NewSnapshotVerifyJob(verifier, newTestLogger(&logs), metrics)

	task, err := NewSnapshotVerifyTask("s1")
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, "s1", verifier.storeID)
	require.Contains(t, logs.String(), "ledger corruption")
	require.Equal(t, 1.0, counterValue(t, reg, "stockledger_job_findings_total", map[string]string{"job": jobSnapshotVerify, "kind": "corrupted"}))
}

func TestSnapshotVerifyJobUnconfigured(t *testing.T) {
	var job *SnapshotVerifyJob
	require.Error(t, job.Handle(context.Background(), asynq.NewTask(TaskInventorySnapshotVerify, nil)))
}

func TestTaskPayloadRoundTrip(t *testing.T) {
	task, err := NewLowStockScanTask(LowStockScanPayload{StoreID: "s2", RequestedBy: "ops"})
	require.NoError(t, err)
	var payload LowStockScanPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, "s2", payload.StoreID)
	require.Equal(t, "ops", payload.RequestedBy)
}

func TestHandlerHealthWithoutInspector(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(nil, slog.Default()).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"queue":"default","paused":false,"pending":0,"active":0,"scheduled":0,"retry":0,"archived":0,"failed_today":0}`, rec.Body.String())
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func TestHandlerHealthReportsQueue(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(stubInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 3, Retry: 1}}, nil).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.EqualValues(t, 3, body["pending"])
	require.EqualValues(t, 1, body["retry"])
}

func TestHandlerHealthQueueUnavailable(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(stubInspector{err: errors.New("redis down")}, slog.New(slog.NewTextHandler(io.Discard, nil))).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNewWorkerRejectsInvalidCron(t *testing.T) {
	task, err := NewSnapshotVerifyTask("")
	require.NoError(t, err)

	_, err = NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: "127.0.0.1:0"},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Cron:      []CronRegistration{{Spec: "not a cron", Task: task}},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), TaskInventorySnapshotVerify)
}

func TestWorkerRunRequiresConfiguration(t *testing.T) {
	var w *Worker
	require.Error(t, w.Run(context.Background()))
}
