package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveSearch("github", true)
	m.ObserveSearch("github", false)
	m.ObserveResolveFailure("github")
	m.ObserveStore("copied", true, 128)
	m.ObserveFetch("api.github.com", 200, 10*time.Millisecond)
	m.SetPoolSize(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.searches.WithLabelValues("github", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resolveFailures.WithLabelValues("github")))
	assert.Equal(t, 128.0, testutil.ToFloat64(m.storedBytes))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.poolManifests))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveSearch("x", true)
		m.ObservePrepare("x", false, time.Second)
		m.ObserveStore("metadata", true, 0)
		m.ObserveFetch("h", 0, 0)
		m.SetPoolSize(1)
	})
}
