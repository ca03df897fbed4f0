package metrics

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowSnapshot(t *testing.T) {
	var w Window
	w.Record(64, 20*time.Millisecond, 1.2)
	w.Record(64, 10*time.Millisecond, 0.8)
	assert.Equal(t, 30*time.Millisecond, w.Elapsed())
	assert.Equal(t, 128, w.Samples())

	snap := w.Snapshot()
	if math.Abs(snap.ImagesPerSec-4266.6667) > 1 {
		t.Fatalf("unexpected throughput %.2f", snap.ImagesPerSec)
	}
	assert.InDelta(t, 15.0, snap.AvgBatchMS, 1e-9)
	assert.InDelta(t, 15.0, snap.MedianBatchMS, 1e-9)
	if w.samples != 0 || w.steps != 0 || len(w.durations) != 0 {
		t.Fatalf("window was not reset")
	}
	if snap.LastLoss != 0.8 {
		t.Fatalf("expected last loss 0.8, got %.2f", snap.LastLoss)
	}
}

func TestEmptyWindow(t *testing.T) {
	var w Window
	snap := w.Snapshot()
	assert.Zero(t, snap.ImagesPerSec)
	assert.Zero(t, snap.AvgBatchMS)
}

func TestWeightedAverage(t *testing.T) {
	var acc WeightedAverage
	assert.Zero(t, acc.Eval())

	values := []float64{0.5, 1.0, 0.25}
	weights := []float64{128, 64, 8}
	for i := range values {
		require.NoError(t, acc.Add(values[i], weights[i]))
	}
	want := (0.5*128 + 1.0*64 + 0.25*8) / (128 + 64 + 8)
	assert.InDelta(t, want, acc.Eval(), 1e-12)
	assert.Equal(t, 3, acc.Count())
	assert.Equal(t, 200.0, acc.Weight())

	// replaying the same sequence after a reset gives the same result
	acc.Reset()
	assert.Zero(t, acc.Eval())
	for i := range values {
		require.NoError(t, acc.Add(values[i], weights[i]))
	}
	assert.InDelta(t, want, acc.Eval(), 1e-12)
}

func TestWeightedAverageRejectsNegativeWeight(t *testing.T) {
	var acc WeightedAverage
	err := acc.Add(1, -1)
	assert.ErrorIs(t, err, ErrNegativeWeight)
	assert.Zero(t, acc.Count())
}

func TestWeightedAverageZeroWeights(t *testing.T) {
	var acc WeightedAverage
	require.NoError(t, acc.Add(0.7, 0))
	assert.Zero(t, acc.Eval())
}

func TestMean(t *testing.T) {
	assert.Zero(t, Mean(nil))
	assert.InDelta(t, 2.0, Mean([]float64{1, 2, 3}), 1e-12)
}
