package kpi

import (
	"fmt"

	"github.com/pkg/errors"
)

// Registry is an ordered, name-keyed set of KPIs sharing one store.
type Registry struct {
	store Store
	order []*KPI
	byKey map[string]*KPI
}

// NewRegistry returns an empty registry persisting to store.
func NewRegistry(store Store) *Registry {
	return &Registry{store: store, byKey: make(map[string]*KPI)}
}

// Register adds a KPI. Names must be unique.
func (r *Registry) Register(name string, kind Kind, threshold, baseline float64, active bool) (*KPI, error) {
	if name == "" {
		return nil, errors.New("kpi: empty name")
	}
	if _, ok := r.byKey[name]; ok {
		return nil, errors.Errorf("kpi: %s registered twice", name)
	}
	k := &KPI{Name: name, Kind: kind, Threshold: threshold, Baseline: baseline, Active: active, store: r.store}
	r.order = append(r.order, k)
	r.byKey[name] = k
	return k, nil
}

func (r *Registry) mustRegister(name string, kind Kind, threshold, baseline float64, active bool) *KPI {
	k, err := r.Register(name, kind, threshold, baseline, active)
	if err != nil {
		panic(err)
	}
	return k
}

// Get returns the KPI registered under name, or nil.
func (r *Registry) Get(name string) *KPI {
	return r.byKey[name]
}

// Tracking returns every KPI in declaration order.
func (r *Registry) Tracking() []*KPI {
	return append([]*KPI(nil), r.order...)
}

// PersistAll persists every tracked KPI, stopping at the first failure.
func (r *Registry) PersistAll() error {
	for _, k := range r.order {
		if err := k.Persist(); err != nil {
			return err
		}
	}
	return nil
}

// Names of the KPIs filled in by the training loop, relative to a model
// prefix.
const (
	TrainCost     = "train_cost"
	TrainAcc      = "train_acc"
	TestAcc       = "test_acc"
	TrainDuration = "train_duration"
	TrainSpeed    = "train_speed"
)

// Name joins a model prefix and a KPI suffix.
func Name(prefix, suffix string) string {
	if prefix == "" {
		return suffix
	}
	return prefix + "_" + suffix
}

// DefaultRegistry registers the training loop KPIs under prefix, followed
// by the continuous-evaluation table for the multi-device benchmarks.
func DefaultRegistry(store Store, prefix string) *Registry {
	r := NewRegistry(store)
	r.mustRegister(Name(prefix, TrainCost), Cost, 0.15, 0, true)
	r.mustRegister(Name(prefix, TrainAcc), Accuracy, 0.05, 0, true)
	r.mustRegister(Name(prefix, TestAcc), Accuracy, 0.05, 0, true)
	r.mustRegister(Name(prefix, TrainDuration), Duration, 0.1, 0, true)
	r.mustRegister(Name(prefix, TrainSpeed), Accuracy, 0.06, 0, true)

	for _, bench := range []string{"cifar10_128", "flowers_64"} {
		for _, device := range []string{"GPU", "CPU"} {
			for _, mode := range []string{"AllReduce", "Reduce"} {
				acc := fmt.Sprintf("%s_%s_%s_train_acc", bench, mode, device)
				if bench == "cifar10_128" && mode == "AllReduce" && device == "GPU" {
					// historical records live under the misspelt name
					acc = "cifar10_128_AlReduce_GPU_train_acc"
				}
				r.mustRegister(acc, Accuracy, 0.03, 0, true)
				r.mustRegister(fmt.Sprintf("%s_%s_%s_train_speed", bench, mode, device), Accuracy, 0.06, 0, true)
				if device == "GPU" {
					r.mustRegister(fmt.Sprintf("%s_%s_gpu_memory", bench, mode), Duration, 0.1, 0, true)
				}
			}
		}
	}
	return r
}
