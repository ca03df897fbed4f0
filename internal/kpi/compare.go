package kpi

import (
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
)

// Comparison is the outcome of checking one KPI against its history.
type Comparison struct {
	Name      string
	Kind      Kind
	Active    bool
	Current   float64
	Reference float64
	// Diff is the relative change, signed so that positive means worse.
	Diff      float64
	Threshold float64
	// Skipped is set when there are no latest records to compare.
	Skipped bool
	Pass    bool
}

// Compare checks the mean of latest against the mean of history, or the
// KPI baseline when there is no history. Inactive KPIs always pass.
func Compare(k *KPI, latest, history []float64) Comparison {
	c := Comparison{Name: k.Name, Kind: k.Kind, Active: k.Active, Threshold: k.Threshold, Pass: true}
	if len(latest) == 0 {
		c.Skipped = true
		return c
	}
	c.Current, _ = stats.Mean(latest)
	c.Reference = k.Baseline
	if len(history) > 0 {
		c.Reference, _ = stats.Mean(history)
	}
	if c.Reference != 0 {
		if k.Kind.GreaterIsWorse() {
			c.Diff = (c.Current - c.Reference) / c.Reference
		} else {
			c.Diff = (c.Reference - c.Current) / c.Reference
		}
	}
	if k.Active {
		c.Pass = c.Diff < k.Threshold
	}
	return c
}

// CheckAll compares every tracked KPI in the registry against store.
func CheckAll(r *Registry, store Store) ([]Comparison, error) {
	var out []Comparison
	for _, k := range r.Tracking() {
		latest, err := store.ReadLatest(k.Name)
		if err != nil {
			return nil, err
		}
		history, err := store.ReadHistory(k.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, Compare(k, latest, history))
	}
	return out, nil
}

// Promote copies the latest records of each KPI into its history. KPIs
// without latest records are left untouched.
func Promote(r *Registry, store Store) error {
	for _, k := range r.Tracking() {
		latest, err := store.ReadLatest(k.Name)
		if err != nil {
			return err
		}
		if len(latest) == 0 {
			continue
		}
		if err := store.WriteHistory(k.Name, latest); err != nil {
			return errors.Wrapf(err, "promote %s", k.Name)
		}
	}
	return nil
}
