package graph

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"resnet-ce/internal/tensor"
)

// OpType identifies an operation in a Program.
type OpType int

const (
	OpConv2D OpType = iota
	OpBatchNorm
	OpRelu
	OpSoftmax
	OpElementwiseAdd
	OpPool2D
	OpFC
	OpCrossEntropy
	OpMean
	OpAccuracy

	// startup program initializers
	OpFillConstant
	OpGaussianRandom
	OpUniformRandom
)

func (t OpType) String() string {
	switch t {
	case OpConv2D:
		return "conv2d"
	case OpBatchNorm:
		return "batch_norm"
	case OpRelu:
		return "relu"
	case OpSoftmax:
		return "softmax"
	case OpElementwiseAdd:
		return "elementwise_add"
	case OpPool2D:
		return "pool2d"
	case OpFC:
		return "fc"
	case OpCrossEntropy:
		return "cross_entropy"
	case OpMean:
		return "mean"
	case OpAccuracy:
		return "accuracy"
	case OpFillConstant:
		return "fill_constant"
	case OpGaussianRandom:
		return "gaussian_random"
	case OpUniformRandom:
		return "uniform_random"
	default:
		return "unknown"
	}
}

// PoolType selects the pooling reduction.
type PoolType string

const (
	PoolAvg PoolType = "avg"
	PoolMax PoolType = "max"
)

// Attrs holds the union of op attributes. Only the fields relevant to an
// op's type are read.
type Attrs struct {
	FilterSize int
	Stride     int
	Padding    int

	PoolSize int
	PoolType PoolType

	Epsilon  float64
	Momentum float64
	IsTest   bool

	Value float32
	Mean  float32
	Std   float32
	Min   float32
	Max   float32
	Seed  int64
}

// Op is one node of a Program. Inputs and Outputs map slot names to
// variable names.
type Op struct {
	Type    OpType
	Inputs  map[string]string
	Outputs map[string]string
	Attrs   Attrs
}

// Input returns the variable name bound to slot.
func (o *Op) Input(slot string) string { return o.Inputs[slot] }

// Output returns the variable name bound to slot.
func (o *Op) Output(slot string) string { return o.Outputs[slot] }

func (o *Op) clone() *Op {
	c := &Op{
		Type:    o.Type,
		Inputs:  make(map[string]string, len(o.Inputs)),
		Outputs: make(map[string]string, len(o.Outputs)),
		Attrs:   o.Attrs,
	}
	for k, v := range o.Inputs {
		c.Inputs[k] = v
	}
	for k, v := range o.Outputs {
		c.Outputs[k] = v
	}
	return c
}

// Var describes a variable of a Program. A leading -1 dimension stands for
// the batch size.
type Var struct {
	Name  string
	Shape []int
	DType tensor.DType

	// Persistable variables live in the executor scope across runs.
	Persistable bool
	// Trainable variables receive optimizer updates.
	Trainable bool
	// StopGradient variables never receive gradients (feeds, labels).
	StopGradient bool
}

// Channels returns the channel dimension of an NCHW variable.
func (v *Var) Channels() int {
	if len(v.Shape) < 2 {
		return 0
	}
	return v.Shape[1]
}

func (v *Var) clone() *Var {
	c := *v
	c.Shape = append([]int(nil), v.Shape...)
	return &c
}

// Momentum configures the momentum optimizer attached by Minimize.
type Momentum struct {
	LearningRate float64
	Momentum     float64
}

// Program is a computation description: an ordered list of ops over named
// variables. Builder methods record the first shape or argument error; once
// set, later builder calls append nothing.
type Program struct {
	vars  map[string]*Var
	order []string
	ops   []*Op

	startup   *Program
	optimizer *Momentum
	loss      string
	isTest    bool

	names map[string]int
	seed  int64
	err   error
}

// NewProgram returns an empty main program with its startup program.
func NewProgram() *Program {
	p := newProgram()
	p.startup = newProgram()
	return p
}

func newProgram() *Program {
	return &Program{
		vars:  make(map[string]*Var),
		names: make(map[string]int),
	}
}

// SetSeed fixes the seed used by parameter initializers created afterwards.
func (p *Program) SetSeed(seed int64) { p.seed = seed }

// Startup returns the program that initializes p's parameters. It is nil
// for a startup program itself.
func (p *Program) Startup() *Program { return p.startup }

// Err returns the first error recorded while building p.
func (p *Program) Err() error { return p.err }

// IsTest reports whether p is an inference clone.
func (p *Program) IsTest() bool { return p.isTest }

// Optimizer returns the optimizer attached by Minimize, or nil.
func (p *Program) Optimizer() *Momentum { return p.optimizer }

// Loss returns the name of the variable minimized by the optimizer.
func (p *Program) Loss() string { return p.loss }

// Ops returns the ops of p in execution order.
func (p *Program) Ops() []*Op { return p.ops }

// Var returns the named variable, or nil.
func (p *Program) Var(name string) *Var { return p.vars[name] }

// Vars returns all variables in declaration order.
func (p *Program) Vars() []*Var {
	out := make([]*Var, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.vars[name])
	}
	return out
}

// Parameters returns the trainable variables of p sorted by name.
func (p *Program) Parameters() []*Var {
	var out []*Var
	for _, v := range p.vars {
		if v.Trainable {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Clone deep-copies p. A forTest clone runs batch norm in inference mode
// and carries no optimizer.
func (p *Program) Clone(forTest bool) *Program {
	c := newProgram()
	c.startup = p.startup
	c.seed = p.seed
	c.err = p.err
	c.isTest = p.isTest || forTest
	for name, count := range p.names {
		c.names[name] = count
	}
	for _, name := range p.order {
		c.vars[name] = p.vars[name].clone()
		c.order = append(c.order, name)
	}
	for _, op := range p.ops {
		cop := op.clone()
		if forTest && cop.Type == OpBatchNorm {
			cop.Attrs.IsTest = true
		}
		c.ops = append(c.ops, cop)
	}
	if !forTest && p.optimizer != nil {
		o := *p.optimizer
		c.optimizer = &o
		c.loss = p.loss
	}
	return c
}

// Minimize attaches a momentum optimizer that minimizes loss.
func (p *Program) Minimize(loss *Var, opt Momentum) error {
	if p.err != nil {
		return p.err
	}
	if p.isTest {
		return errors.New("graph: cannot minimize an inference program")
	}
	if loss == nil || p.vars[loss.Name] == nil {
		return errors.New("graph: loss variable does not belong to program")
	}
	if tensor.Numel(loss.Shape) != 1 {
		return errors.Errorf("graph: loss %s must be a scalar, got shape %v", loss.Name, loss.Shape)
	}
	if opt.LearningRate <= 0 {
		return errors.Errorf("graph: learning rate must be > 0 (got %g)", opt.LearningRate)
	}
	p.optimizer = &opt
	p.loss = loss.Name
	return nil
}

func (p *Program) uniqueName(prefix string) string {
	n := p.names[prefix]
	p.names[prefix] = n + 1
	return fmt.Sprintf("%s_%d", prefix, n)
}

func (p *Program) addVar(v *Var) *Var {
	if _, ok := p.vars[v.Name]; !ok {
		p.order = append(p.order, v.Name)
	}
	p.vars[v.Name] = v
	return v
}

func (p *Program) tmpVar(opName string, idx int, shape []int, dtype tensor.DType) *Var {
	return p.addVar(&Var{
		Name:  fmt.Sprintf("%s.tmp_%d", opName, idx),
		Shape: shape,
		DType: dtype,
	})
}

func (p *Program) appendOp(op *Op) {
	p.ops = append(p.ops, op)
}

func (p *Program) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

// broken returns a detached variable so callers can keep composing after an
// error has been recorded.
func (p *Program) broken(like *Var) *Var {
	v := &Var{Name: "invalid", DType: tensor.Float32}
	if like != nil {
		v.Shape = append([]int(nil), like.Shape...)
	}
	return v
}
