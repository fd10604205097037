package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type LedgerMetrics struct {
	transactions  *prometheus.CounterVec
	instructions  *prometheus.CounterVec
	compensations *prometheus.CounterVec
	guard         *prometheus.CounterVec
	guardEntries  prometheus.Gauge
	mutations     *prometheus.CounterVec
	submitLatency *prometheus.HistogramVec
	pruned        prometheus.Counter
}

var (
	ledgerOnce     sync.Once
	ledgerRegistry *LedgerMetrics
)

// Ledger returns the lazily registered ledger metrics.
func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ledger_tx_total",
				Help: "Transactions finalized by the orchestrator by intent and terminal status.",
			}, []string{"intent", "status"}),
			instructions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ledger_instruction_total",
				Help: "Shard instruction steps executed by operation, phase, and result.",
			}, []string{"op", "phase", "result"}),
			compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ledger_compensation_total",
				Help: "Compensating actions executed by result.",
			}, []string{"result"}),
			guard: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ledger_guard_total",
				Help: "Idempotency guard events (acquired, retried, busy, evicted, mismatched).",
			}, []string{"event"}),
			guardEntries: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "ledger_guard_entries",
				Help: "Entries currently held by the idempotency guard.",
			}),
			mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ledger_shard_mutation_total",
				Help: "Mutations processed by storage shards by operation and result.",
			}, []string{"op", "result"}),
			submitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "ledger_submit_duration_seconds",
				Help:    "Latency of orchestrator submissions by intent.",
				Buckets: prometheus.DefBuckets,
			}, []string{"intent"}),
			pruned: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "ledger_shard_applied_pruned_total",
				Help: "Applied-set entries removed by shard pruning.",
			}),
		}
		prometheus.MustRegister(
			ledgerRegistry.transactions,
			ledgerRegistry.instructions,
			ledgerRegistry.compensations,
			ledgerRegistry.guard,
			ledgerRegistry.guardEntries,
			ledgerRegistry.mutations,
			ledgerRegistry.submitLatency,
			ledgerRegistry.pruned,
		)
	})
	return ledgerRegistry
}

func (m *LedgerMetrics) RecordTransaction(intent, status string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(intent, status).Inc()
}

func (m *LedgerMetrics) RecordInstruction(op, phase, result string) {
	if m == nil {
		return
	}
	m.instructions.WithLabelValues(op, phase, result).Inc()
}

func (m *LedgerMetrics) RecordCompensation(result string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(result).Inc()
}

func (m *LedgerMetrics) RecordGuard(event string, entries int) {
	if m == nil {
		return
	}
	m.guard.WithLabelValues(event).Inc()
	m.guardEntries.Set(float64(entries))
}

func (m *LedgerMetrics) RecordMutation(op, result string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(op, result).Inc()
}

func (m *LedgerMetrics) ObserveSubmit(intent string, d time.Duration) {
	if m == nil {
		return
	}
	m.submitLatency.WithLabelValues(intent).Observe(d.Seconds())
}

func (m *LedgerMetrics) RecordPruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pruned.Add(float64(n))
}
