package inventory

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for stock mutations.
type Metrics struct {
	adjustments *prometheus.CounterVec
	conflicts   prometheus.Counter
	replays     prometheus.Counter
	corruptions prometheus.Counter
	lowStock    *prometheus.GaugeVec
}

// NewMetrics registers inventory collectors. A nil registerer uses the
// Prometheus default registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		adjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockledger_adjustments_total",
			Help: "Stock adjustments partitioned by reason and outcome.",
		}, []string{"reason", "outcome"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockledger_adjustment_conflicts_total",
			Help: "Optimistic concurrency conflicts that triggered a retry or gave up.",
		}),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockledger_idempotent_replays_total",
			Help: "Adjustments answered from an existing idempotency key.",
		}),
		corruptions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockledger_ledger_corruptions_total",
			Help: "Snapshots found diverging from their ledger.",
		}),
		lowStock: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stockledger_low_stock_lines",
			Help: "Lines at or below their threshold in the latest scan.",
		}, []string{"store"}),
	}
	registerer.MustRegister(m.adjustments, m.conflicts, m.replays, m.corruptions, m.lowStock)
	return m
}

func (m *Metrics) observeAdjustment(reason Reason, err error) {
	if m == nil {
		return
	}
	label := string(reason)
	if !reason.Valid() {
		label = "unknown"
	}
	m.adjustments.WithLabelValues(label, outcome(err)).Inc()
}

func (m *Metrics) observeConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

func (m *Metrics) observeReplay() {
	if m == nil {
		return
	}
	m.replays.Inc()
}

func (m *Metrics) observeCorruption() {
	if m == nil {
		return
	}
	m.corruptions.Inc()
}

func (m *Metrics) observeLowStock(storeID string, count int) {
	if m == nil {
		return
	}
	if storeID == "" {
		m.lowStock.WithLabelValues("all").Set(float64(count))
		return
	}
	// Store series exist only while the store has low lines, so arbitrary
	// store ids from callers never add label values.
	if count == 0 {
		m.lowStock.DeleteLabelValues(storeID)
		return
	}
	m.lowStock.WithLabelValues(storeID).Set(float64(count))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "applied"
	case errors.Is(err, ErrInvalidAdjustment):
		return "invalid"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient"
	case errors.Is(err, ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, ErrLedgerCorruption):
		return "corrupted"
	default:
		return "error"
	}
}
