package health

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetBackendHealthDefaultsToHealthy(t *testing.T) {
	s := NewStore()
	h := s.GetBackendHealth("unknown")
	require.True(t, h.Healthy, "expected fail-open default of healthy for an unrecorded backend")
}

func TestSetAndGetBackendHealth(t *testing.T) {
	s := NewStore()
	s.SetBackendHealth(BackendHealth{BackendID: "b1", Healthy: false, ConsecutiveFailures: 3})
	h := s.GetBackendHealth("b1")
	require.False(t, h.Healthy)
	require.Equal(t, 3, h.ConsecutiveFailures)
}

func TestAllHealthyFiltersUnhealthy(t *testing.T) {
	s := NewStore()
	s.SetBackendHealth(BackendHealth{BackendID: "b1", Healthy: true})
	s.SetBackendHealth(BackendHealth{BackendID: "b2", Healthy: false})

	got := s.AllHealthy([]string{"b1", "b2", "b3"})
	require.ElementsMatch(t, []string{"b1", "b3"}, got, "b3 is unrecorded and counts as healthy by default")
}

func TestPercentilesEmptySamples(t *testing.T) {
	p50, p95, p99 := percentiles(nil)
	require.Zero(t, p50)
	require.Zero(t, p95)
	require.Zero(t, p99)
}

func TestPercentilesOrdering(t *testing.T) {
	samples := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	p50, p95, p99 := percentiles(samples)
	require.LessOrEqual(t, p50, p95)
	require.LessOrEqual(t, p95, p99)
}
