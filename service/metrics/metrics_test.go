package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CountersRegisteredAndIncremented(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveTransition("Polling", "Processing")
	m.ObserveTransition("Polling", "Processing")
	m.ObserveRunFinished("failed", "EvaluationFailed")
	m.ObserveDispatch("capacity")
	m.ObserveAlert("sent")
	m.ObserveDecision("approved")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transitions.WithLabelValues("Polling", "Processing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsFinished.WithLabelValues("failed", "EvaluationFailed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatchAttempts.WithLabelValues("capacity")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsEmitted.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ApprovalDecisions.WithLabelValues("approved")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 5)
}

func TestMetrics_NilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveTransition("a", "b")
		m.ObserveRunFinished("completed", "")
		m.ObserveDispatch("accepted")
		m.ObserveAlert("failed")
		m.ObserveDecision("rejected")
	})
}
