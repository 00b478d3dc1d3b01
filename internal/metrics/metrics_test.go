package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("locks_acquired_total", nil, 1)
	r.IncCounter("locks_acquired_total", nil, 2)
	r.IncCounter("recovery_attempts_total", map[string]string{"outcome": "failure"}, 1)
	r.IncCounter("recovery_attempts_total", map[string]string{"outcome": "success"}, 1)
	r.IncCounter("ignored_total", nil, 0)
	r.SetGauge("bridge_active", nil, 4)
	r.SetGauge("bridge_active", nil, 3)

	assert.Equal(t, 3.0, r.Counter("locks_acquired_total", nil))
	assert.Equal(t, 1.0, r.Counter("recovery_attempts_total", map[string]string{"outcome": "failure"}))
	assert.Equal(t, 3.0, r.Gauge("bridge_active", nil))

	snap := r.Snapshot()
	require.Len(t, snap.Counters, 3)
	assert.Equal(t, "locks_acquired_total", snap.Counters[0].Name)
	assert.Equal(t, "failure", snap.Counters[1].Labels["outcome"])
	assert.Equal(t, "success", snap.Counters[2].Labels["outcome"])
	require.Len(t, snap.Gauges, 1)
}

func TestSnapshotIsCopy(t *testing.T) {
	r := NewRegistry()
	labels := map[string]string{"agent": "alice"}
	r.SetGauge("progress", labels, 50)
	labels["agent"] = "bob"

	snap := r.Snapshot()
	snap.Gauges[0].Labels["agent"] = "carol"
	assert.Equal(t, 50.0, r.Gauge("progress", map[string]string{"agent": "alice"}))
}

func TestOrNop(t *testing.T) {
	assert.IsType(t, Nop{}, OrNop(nil))
	r := NewRegistry()
	assert.Same(t, r, OrNop(r))
}
