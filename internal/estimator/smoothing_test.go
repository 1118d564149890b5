package estimator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddSampleConstant(t *testing.T) {
	e := newTestEstimator(t)

	var smoothed float64
	for i := 0; i < 10; i++ {
		smoothed = e.AddSample("peer-a", 4.2)
	}
	assert.InDelta(t, 4.2, smoothed, 1e-9)
}

func TestAddSampleFewSamplesUsesMean(t *testing.T) {
	e := newTestEstimator(t)

	assert.InDelta(t, 2.0, e.AddSample("peer-a", 2.0), 1e-9)
	assert.InDelta(t, 3.0, e.AddSample("peer-a", 4.0), 1e-9)
}

func TestAddSampleRejectsOutlier(t *testing.T) {
	e := newTestEstimator(t)

	// Stable samples around 5.0 with a small spread.
	for _, v := range []float64{4.9, 5.0, 5.1, 5.0} {
		e.AddSample("peer-a", v)
	}
	smoothed := e.AddSample("peer-a", 40.0)

	// The outlier must not move the output beyond the stable samples'
	// own spread.
	assert.InDelta(t, 5.0, smoothed, 0.2)
}

func TestAddSampleWindowEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SmoothingWindow = 3
	e, err := New(cfg)
	require.NoError(t, err)

	e.AddSample("peer-a", 100)
	e.AddSample("peer-a", 100)
	// After three more samples the early values are evicted.
	e.AddSample("peer-a", 2.0)
	e.AddSample("peer-a", 2.0)
	smoothed := e.AddSample("peer-a", 2.0)
	assert.InDelta(t, 2.0, smoothed, 1e-9)
}

func TestAddSampleStdDevPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SmoothingPolicy = PolicyStdDev
	cfg.SmoothingWindow = 10
	e, err := New(cfg)
	require.NoError(t, err)

	for i := 0; i < 9; i++ {
		e.AddSample("peer-a", 5.0)
	}
	// With a wide window the lone outlier sits beyond two standard
	// deviations and is rejected.
	smoothed := e.AddSample("peer-a", 50.0)
	assert.InDelta(t, 5.0, smoothed, 1e-9)
}

func TestAddSamplePerPeerIsolation(t *testing.T) {
	e := newTestEstimator(t)

	e.AddSample("peer-a", 1.0)
	got := e.AddSample("peer-b", 9.0)
	assert.InDelta(t, 9.0, got, 1e-9)
}

func TestRemovePeerDiscardsState(t *testing.T) {
	e := newTestEstimator(t)

	e.AddSample("peer-a", 100)
	e.AddSample("peer-a", 100)
	e.RemovePeer("peer-a")

	// A fresh buffer: the single new sample is returned as-is.
	assert.InDelta(t, 3.0, e.AddSample("peer-a", 3.0), 1e-9)
}
