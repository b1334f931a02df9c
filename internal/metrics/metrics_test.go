package metrics

import (
	"testing"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/internal/assert"
)

// value returns the value of the first series of a gathered metric.
func value(t *testing.T, m *Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	assert.NilErr(t, err)
	for _, f := range families {
		if f.GetName() != name || len(f.GetMetric()) == 0 {
			continue
		}
		metric := f.GetMetric()[0]
		if c := metric.GetCounter(); c != nil {
			return c.GetValue()
		}
		return metric.GetGauge().GetValue()
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

// TestMetricsRecord tests that recorded values reach the registry.
func TestMetricsRecord(t *testing.T) {
	t.Parallel()

	m := New()
	m.SetCapture("mic", 3200, 64, true, 0.5)
	m.CaptureStopped("mic")
	m.CaptureStopped("mic")
	m.SetWriter(4, 800)
	m.ChunkEmitted()

	assert.DeepEqual(t, value(t, m, "livecaption_captured_bytes"), 3200.0)
	assert.DeepEqual(t, value(t, m, "livecaption_dropped_bytes"), 64.0)
	assert.DeepEqual(t, value(t, m, "livecaption_capturing"), 1.0)
	assert.DeepEqual(t, value(t, m, "livecaption_branch_volume"), 0.5)
	assert.DeepEqual(t, value(t, m, "livecaption_capture_stops"), 2.0)
	assert.DeepEqual(t, value(t, m, "livecaption_frames_written"), 4.0)
	assert.DeepEqual(t, value(t, m, "livecaption_padded_bytes"), 800.0)
	assert.DeepEqual(t, value(t, m, "livecaption_chunks_emitted"), 1.0)
}

// TestNilMetrics tests that a nil *Metrics can be used freely.
func TestNilMetrics(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.SetCapture("loopback", 1, 1, false, 0)
	m.CaptureStopped("loopback")
	m.SetWriter(1, 1)
	m.SetLevels(1, 1)
	m.ChunkEmitted()
	m.SetDroppedChunks(1)
	m.ChunkRelayed()
	m.RelayError()
	assert.BoolIs(t, m.Registry() == nil, true)
}
