package metrics

import (
	"time"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
)

// ErrNegativeWeight is returned when a negative weight is added to a
// WeightedAverage.
var ErrNegativeWeight = errors.New("metrics: weight must be >= 0")

// WeightedAverage accumulates a running weighted mean, e.g. batch accuracy
// weighted by batch size.
type WeightedAverage struct {
	numerator   float64
	denominator float64
	count       int
}

// Add accumulates value with the given weight.
func (w *WeightedAverage) Add(value, weight float64) error {
	if weight < 0 {
		return errors.Wrapf(ErrNegativeWeight, "got %g", weight)
	}
	w.numerator += value * weight
	w.denominator += weight
	w.count++
	return nil
}

// Eval returns sum(value*weight)/sum(weight), or 0 if nothing with a
// positive weight has been added.
func (w *WeightedAverage) Eval() float64 {
	if w.denominator == 0 {
		return 0
	}
	return w.numerator / w.denominator
}

// Count returns the number of Add calls since the last Reset.
func (w *WeightedAverage) Count() int { return w.count }

// Weight returns the accumulated weight.
func (w *WeightedAverage) Weight() float64 { return w.denominator }

// Reset clears the accumulator.
func (w *WeightedAverage) Reset() {
	w.numerator = 0
	w.denominator = 0
	w.count = 0
}

// Window accumulates timing stats across the batches of one pass.
type Window struct {
	samples   int
	elapsed   time.Duration
	durations []float64
	steps     int
	lastLoss  float64
}

// Record adds one timed batch to the window.
func (w *Window) Record(batchSize int, elapsed time.Duration, loss float64) {
	w.samples += batchSize
	w.elapsed += elapsed
	w.durations = append(w.durations, elapsed.Seconds())
	w.steps++
	w.lastLoss = loss
}

// Elapsed returns the accumulated duration without resetting the window.
func (w *Window) Elapsed() time.Duration { return w.elapsed }

// Samples returns the accumulated sample count without resetting.
func (w *Window) Samples() int { return w.samples }

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{
		Samples:  w.samples,
		Steps:    w.steps,
		Elapsed:  w.elapsed,
		LastLoss: w.lastLoss,
	}
	if w.elapsed > 0 {
		snap.ImagesPerSec = float64(w.samples) / w.elapsed.Seconds()
	}
	if w.steps > 0 {
		snap.AvgBatchMS = (w.elapsed.Seconds() * 1000) / float64(w.steps)
		if median, err := stats.Median(w.durations); err == nil {
			snap.MedianBatchMS = median * 1000
		}
	}

	w.samples = 0
	w.elapsed = 0
	w.durations = w.durations[:0]
	w.steps = 0
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	Samples       int
	Steps         int
	Elapsed       time.Duration
	ImagesPerSec  float64
	AvgBatchMS    float64
	MedianBatchMS float64
	LastLoss      float64
}

// Mean returns the arithmetic mean of values, or 0 for an empty slice.
func Mean(values []float64) float64 {
	m, err := stats.Mean(values)
	if err != nil {
		return 0
	}
	return m
}
