package trainer

import (
	"github.com/pkg/errors"

	"resnet-ce/internal/kpi"
)

// RecordKPIs appends the run's final metrics to the registry's loop KPIs
// under prefix and persists each one. The speed KPI is only written when
// some batch was timed.
func RecordKPIs(reg *kpi.Registry, prefix string, res *Result) error {
	if res == nil || !res.Completed {
		return errors.New("trainer: run did not complete")
	}
	record := func(suffix string, v float64) error {
		k := reg.Get(kpi.Name(prefix, suffix))
		if k == nil {
			return errors.Errorf("trainer: kpi %s is not registered", kpi.Name(prefix, suffix))
		}
		k.AddRecord(v)
		return k.Persist()
	}

	if err := record(kpi.TrainCost, res.Loss); err != nil {
		return err
	}
	if err := record(kpi.TrainAcc, res.TrainAcc); err != nil {
		return err
	}
	if err := record(kpi.TestAcc, res.TestAcc); err != nil {
		return err
	}
	if err := record(kpi.TrainDuration, res.LastBatchDuration.Seconds()); err != nil {
		return err
	}
	if res.HasThroughput() {
		return record(kpi.TrainSpeed, res.ImagesPerSec)
	}
	return nil
}
