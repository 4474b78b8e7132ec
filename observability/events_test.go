package observability

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"escrowlane/escrow"
)

func TestLogEmitterCountsAndLogs(t *testing.T) {
	var buf bytes.Buffer
	metrics := Events()
	before := testutil.ToFloat64(metrics.events.WithLabelValues("escrow.contract.disputed"))

	emitter := LogEmitter{Logger: slog.New(slog.NewTextHandler(&buf, nil)), Metrics: metrics}
	emitter.Emit(escrow.Event{Type: escrow.EventTypeContractDisputed, Attributes: map[string]string{"state": "DISPUTED", "id": "c1"}})

	require.Equal(t, before+1, testutil.ToFloat64(metrics.events.WithLabelValues("escrow.contract.disputed")))
	require.Contains(t, buf.String(), "event=escrow.contract.disputed")
	require.Contains(t, buf.String(), "id=c1")
}

func TestEscrowMetricsNilSafe(t *testing.T) {
	var m *EscrowMetrics
	m.ObserveSetup("success", time.Second)
	m.RecordSignature("fund", "signed")
	m.RecordSubmission("create_account", "accepted")
	m.RecordPhaseUpdate("RECEIPT", true)
	m.RecordSweep(3, nil)
}

func TestEscrowMetricsRecord(t *testing.T) {
	m := Escrow()
	require.Same(t, m, Escrow())
	before := testutil.ToFloat64(m.updates.WithLabelValues("RECEIPT", "true"))
	m.RecordPhaseUpdate("RECEIPT", true)
	require.Equal(t, before+1, testutil.ToFloat64(m.updates.WithLabelValues("RECEIPT", "true")))

	m.RecordSignature("", "")
	require.GreaterOrEqual(t, testutil.ToFloat64(m.signatures.WithLabelValues("unknown", "unknown")), 1.0)

	m.RecordSweep(4, nil)
	require.Equal(t, 4.0, testutil.ToFloat64(m.lag))
}
