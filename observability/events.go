package observability

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"escrowlane/escrow"
)

type eventMetrics struct {
	events *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking contract events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowlane",
				Subsystem: "events",
				Name:      "contract_events_total",
				Help:      "Count of contract events segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.events)
	})
	return eventRegistry
}

// RecordEvent increments the counter for the supplied event type.
func (m *eventMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	if normalized == "" {
		normalized = "unknown"
	}
	m.events.WithLabelValues(normalized).Inc()
}

// LogEmitter writes contract events to a structured logger and counts them.
type LogEmitter struct {
	Logger  *slog.Logger
	Metrics *eventMetrics
}

// Emit implements escrow.Emitter.
func (e LogEmitter) Emit(evt escrow.Event) {
	e.Metrics.RecordEvent(evt.Type)
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keys := make([]string, 0, len(evt.Attributes))
	for key := range evt.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)+1)
	args = append(args, slog.String("event", evt.Type))
	for _, key := range keys {
		args = append(args, slog.String(key, evt.Attributes[key]))
	}
	logger.Info("contract event", args...)
}
