package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EscrowMetrics captures the engine's setup, signing, submission and phase
// reconciliation activity.
type EscrowMetrics struct {
	setups      *prometheus.CounterVec
	setupTime   prometheus.Histogram
	signatures  *prometheus.CounterVec
	submissions *prometheus.CounterVec
	updates     *prometheus.CounterVec
	sweeps      *prometheus.CounterVec
	lag         prometheus.Gauge
}

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// Escrow returns the lazily-initialised escrow metrics registry.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			setups: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowlane",
				Subsystem: "engine",
				Name:      "setups_total",
				Help:      "Contract setups segmented by result.",
			}, []string{"result"}),
			setupTime: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "escrowlane",
				Subsystem: "engine",
				Name:      "setup_duration_seconds",
				Help:      "Latency of contract setup including ledger round trips.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			}),
			signatures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowlane",
				Subsystem: "engine",
				Name:      "signatures_total",
				Help:      "Signature attempts segmented by outcome and result.",
			}, []string{"outcome", "result"}),
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowlane",
				Subsystem: "ledger",
				Name:      "submissions_total",
				Help:      "Setup transactions submitted to the ledger segmented by step and result.",
			}, []string{"step", "result"}),
			updates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowlane",
				Subsystem: "engine",
				Name:      "phase_updates_total",
				Help:      "Phase reconciliations segmented by phase and whether the contract advanced.",
			}, []string{"phase", "advanced"}),
			sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowlane",
				Subsystem: "watcher",
				Name:      "sweeps_total",
				Help:      "Watcher sweeps segmented by result.",
			}, []string{"result"}),
			lag: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrowlane",
				Subsystem: "watcher",
				Name:      "open_contracts",
				Help:      "Contracts still awaiting a terminal outcome at the last sweep.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.setups,
			escrowRegistry.setupTime,
			escrowRegistry.signatures,
			escrowRegistry.submissions,
			escrowRegistry.updates,
			escrowRegistry.sweeps,
			escrowRegistry.lag,
		)
	})
	return escrowRegistry
}

func label(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}

// ObserveSetup records a contract setup attempt.
func (m *EscrowMetrics) ObserveSetup(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.setups.WithLabelValues(label(result, "unknown")).Inc()
	m.setupTime.Observe(elapsed.Seconds())
}

// RecordSignature records a signature attempt.
func (m *EscrowMetrics) RecordSignature(outcome, result string) {
	if m == nil {
		return
	}
	m.signatures.WithLabelValues(label(outcome, "unknown"), label(result, "unknown")).Inc()
}

// RecordSubmission records a ledger submission made during setup.
func (m *EscrowMetrics) RecordSubmission(step, result string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(label(step, "unknown"), label(result, "unknown")).Inc()
}

// RecordPhaseUpdate records a phase reconciliation.
func (m *EscrowMetrics) RecordPhaseUpdate(phase string, advanced bool) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(label(phase, "unknown"), strconv.FormatBool(advanced)).Inc()
}

// RecordSweep records a watcher pass and the number of open contracts it saw.
func (m *EscrowMetrics) RecordSweep(open int, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.sweeps.WithLabelValues(result).Inc()
	m.lag.Set(float64(open))
}
