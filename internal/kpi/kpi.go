package kpi

import (
	"github.com/pkg/errors"
)

// Kind decides which direction of change counts as a regression.
type Kind int

const (
	// Cost values regress when they grow.
	Cost Kind = iota
	// Duration values regress when they grow.
	Duration
	// Accuracy values regress when they shrink. Throughput uses it too.
	Accuracy
)

func (k Kind) String() string {
	switch k {
	case Cost:
		return "cost"
	case Duration:
		return "duration"
	case Accuracy:
		return "acc"
	default:
		return "unknown"
	}
}

// GreaterIsWorse reports whether an increase of the value is a regression.
func (k Kind) GreaterIsWorse() bool {
	return k != Accuracy
}

// ErrNoStore is returned by Persist on a KPI that was not registered with a
// store.
var ErrNoStore = errors.New("kpi: no store attached")

// KPI is one named metric tracked across runs.
type KPI struct {
	Name      string
	Kind      Kind
	Threshold float64
	Baseline  float64
	Active    bool

	records []float64
	store   Store
}

// AddRecord appends one value to the in-memory history.
func (k *KPI) AddRecord(v float64) {
	k.records = append(k.records, v)
}

// Records returns a copy of the values added so far.
func (k *KPI) Records() []float64 {
	return append([]float64(nil), k.records...)
}

// Persist writes the full record list to the attached store as the latest
// values for the KPI.
func (k *KPI) Persist() error {
	if k.store == nil {
		return errors.Wrap(ErrNoStore, k.Name)
	}
	if err := k.store.WriteLatest(k.Name, k.records); err != nil {
		return errors.Wrapf(err, "persist %s", k.Name)
	}
	return nil
}
