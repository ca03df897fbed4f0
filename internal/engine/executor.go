package engine

import (
	"context"
	"runtime"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"resnet-ce/internal/graph"
	"resnet-ce/internal/tensor"
)

// Place selects the device a program runs on.
type Place string

const (
	CPU Place = "CPU"
	GPU Place = "GPU"
)

// ParsePlace parses a device selector case-insensitively.
func ParsePlace(s string) (Place, error) {
	switch Place(strings.ToUpper(s)) {
	case CPU:
		return CPU, nil
	case GPU:
		return GPU, nil
	default:
		return "", errors.Errorf("unknown device %q (want CPU or GPU)", s)
	}
}

// ErrDeviceUnavailable is returned when the requested place has no backend.
var ErrDeviceUnavailable = errors.New("engine: device unavailable")

// Feed maps data variable names to their values for one run.
type Feed map[string]*tensor.Tensor

// Executor runs programs. Outputs are returned in fetch order.
type Executor interface {
	Run(ctx context.Context, prog *graph.Program, feed Feed, fetch []string) ([]*tensor.Tensor, error)
}

// Options configures a CPUExecutor.
type Options struct {
	// Workers bounds the goroutines one op may use. Defaults to GOMAXPROCS.
	Workers int
	Logger  *zap.Logger
}

// CPUExecutor interprets programs on the host. Persistable variables live
// in its scope across runs, so a startup program run once initializes the
// parameters shared by a main program and its inference clone.
type CPUExecutor struct {
	workers int
	logger  *zap.Logger

	mu    sync.Mutex
	scope map[string]*tensor.Tensor
}

// NewExecutor returns an executor for place. Only CPU has a backend.
func NewExecutor(place Place, opts Options) (*CPUExecutor, error) {
	if place != CPU {
		return nil, errors.Wrapf(ErrDeviceUnavailable, "place %s", place)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &CPUExecutor{
		workers: opts.Workers,
		logger:  opts.Logger,
		scope:   make(map[string]*tensor.Tensor),
	}, nil
}

// Scope returns a persistable variable, or nil if it has not been created.
func (e *CPUExecutor) Scope(name string) *tensor.Tensor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scope[name]
}

// Run executes prog once. If prog carries an optimizer, gradients of its
// loss are computed and applied to the trainable parameters.
func (e *CPUExecutor) Run(ctx context.Context, prog *graph.Program, feed Feed, fetch []string) ([]*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := prog.Err(); err != nil {
		return nil, errors.Wrap(err, "engine: program is invalid")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	f := &frame{
		exec:   e,
		prog:   prog,
		values: make(map[string]*tensor.Tensor),
		caches: make(map[int]interface{}),
	}
	if err := f.bindFeed(feed); err != nil {
		return nil, err
	}
	for i, op := range prog.Ops() {
		if err := f.forward(i, op); err != nil {
			return nil, errors.Wrapf(err, "engine: op %d (%s)", i, op.Type)
		}
	}
	if opt := prog.Optimizer(); opt != nil {
		if err := f.backward(); err != nil {
			return nil, errors.Wrap(err, "engine: backward")
		}
		f.applyMomentum(opt)
	}

	out := make([]*tensor.Tensor, len(fetch))
	for i, name := range fetch {
		v, err := f.lookup(name)
		if err != nil {
			return nil, errors.Wrapf(err, "engine: fetch %q", name)
		}
		if prog.Var(name) != nil && prog.Var(name).Persistable {
			v = v.Clone()
		}
		out[i] = v
	}
	return out, nil
}

// frame holds the values of one Run.
type frame struct {
	exec   *CPUExecutor
	prog   *graph.Program
	values map[string]*tensor.Tensor
	caches map[int]interface{}
	grads  map[string][]float32
}

func (f *frame) bindFeed(feed Feed) error {
	for name, t := range feed {
		v := f.prog.Var(name)
		if v == nil {
			return errors.Errorf("engine: feed %q is not a program variable", name)
		}
		if t == nil {
			return errors.Errorf("engine: feed %q is nil", name)
		}
		if t.DType != v.DType {
			return errors.Errorf("engine: feed %q has dtype %s, want %s", name, t.DType, v.DType)
		}
		if !shapeMatches(v.Shape, t.Shape) {
			return errors.Errorf("engine: feed %q has shape %v, want %v", name, t.Shape, v.Shape)
		}
		f.values[name] = t
	}
	return nil
}

func (f *frame) lookup(name string) (*tensor.Tensor, error) {
	if t, ok := f.values[name]; ok {
		return t, nil
	}
	if t, ok := f.exec.scope[name]; ok {
		return t, nil
	}
	return nil, errors.Errorf("variable %q has no value (missing feed or startup run?)", name)
}

func (f *frame) store(name string, t *tensor.Tensor) {
	if v := f.prog.Var(name); v != nil && v.Persistable {
		f.exec.scope[name] = t
		return
	}
	f.values[name] = t
}

func shapeMatches(want, got []int) bool {
	if len(want) != len(got) {
		return false
	}
	for i := range want {
		if want[i] != -1 && want[i] != got[i] {
			return false
		}
	}
	return true
}
