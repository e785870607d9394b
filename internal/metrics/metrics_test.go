package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.SnapshotCaptured()
	m.SnapshotRestored(3)
	m.SnapshotStale()
	m.AIRequest(OutcomeSuccess)
	m.HistoryOp("undo")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.snapshotCaptures))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.modifiedSlices))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.snapshotRestores.WithLabelValues("stale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.aiRequests.WithLabelValues(OutcomeSuccess)))
}

func TestNew_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := New(reg)
	require.NoError(t, err)
	second, err := New(reg)
	require.NoError(t, err)

	first.DerivedAllocated(2)
	second.DerivedAllocated(1)
	assert.Equal(t, 3.0, testutil.ToFloat64(first.derivedAllocated))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SnapshotCaptured()
		m.SnapshotRestored(1)
		m.CacheEvicted()
		m.ObserveInference(0.1)
	})
}
