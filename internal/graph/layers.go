package graph

import (
	"math"

	"github.com/pkg/errors"

	"resnet-ce/internal/tensor"
)

// Activation names an activation appended after a layer.
type Activation string

const (
	ActNone    Activation = ""
	ActRelu    Activation = "relu"
	ActSoftmax Activation = "softmax"
)

const (
	defaultBNEpsilon  = 1e-5
	defaultBNMomentum = 0.9
)

// Data declares a feed variable. shape excludes the batch dimension.
func (p *Program) Data(name string, shape []int, dtype tensor.DType) *Var {
	full := append([]int{-1}, shape...)
	return p.addVar(&Var{Name: name, Shape: full, DType: dtype, StopGradient: true})
}

// Conv2D appends a bias-free square convolution.
func (p *Program) Conv2D(input *Var, numFilters, filterSize, stride, padding int) *Var {
	if p.err != nil {
		return p.broken(input)
	}
	if len(input.Shape) != 4 {
		p.fail(errors.Errorf("conv2d: input %s must be NCHW, got shape %v", input.Name, input.Shape))
		return p.broken(input)
	}
	if numFilters <= 0 || filterSize <= 0 || stride <= 0 || padding < 0 {
		p.fail(errors.Errorf("conv2d: invalid filters=%d size=%d stride=%d padding=%d",
			numFilters, filterSize, stride, padding))
		return p.broken(input)
	}
	h, w := convOut(input.Shape[2], filterSize, stride, padding), convOut(input.Shape[3], filterSize, stride, padding)
	if h <= 0 || w <= 0 {
		p.fail(errors.Errorf("conv2d: input %v too small for filter %d stride %d", input.Shape, filterSize, stride))
		return p.broken(input)
	}

	name := p.uniqueName("conv2d")
	cin := input.Shape[1]
	std := float32(math.Sqrt(2.0 / float64(filterSize*filterSize*cin)))
	filter := p.createParameter(name, "w_0", []int{numFilters, cin, filterSize, filterSize}, true, Normal(0, std))
	out := p.tmpVar(name, 0, []int{input.Shape[0], numFilters, h, w}, tensor.Float32)
	p.appendOp(&Op{
		Type:    OpConv2D,
		Inputs:  map[string]string{"Input": input.Name, "Filter": filter.Name},
		Outputs: map[string]string{"Output": out.Name},
		Attrs:   Attrs{FilterSize: filterSize, Stride: stride, Padding: padding},
	})
	return out
}

// BatchNorm appends a per-channel batch normalization followed by act.
func (p *Program) BatchNorm(input *Var, act Activation) *Var {
	if p.err != nil {
		return p.broken(input)
	}
	if len(input.Shape) < 2 {
		p.fail(errors.Errorf("batch_norm: input %s needs a channel dimension, got shape %v", input.Name, input.Shape))
		return p.broken(input)
	}
	name := p.uniqueName("batch_norm")
	c := []int{input.Shape[1]}
	scale := p.createParameter(name, "w_0", c, true, Constant(1))
	bias := p.createParameter(name, "b_0", c, true, Constant(0))
	mean := p.createParameter(name, "w_1", c, false, Constant(0))
	variance := p.createParameter(name, "w_2", c, false, Constant(1))
	out := p.tmpVar(name, 0, append([]int(nil), input.Shape...), tensor.Float32)
	p.appendOp(&Op{
		Type: OpBatchNorm,
		Inputs: map[string]string{
			"X":        input.Name,
			"Scale":    scale.Name,
			"Bias":     bias.Name,
			"Mean":     mean.Name,
			"Variance": variance.Name,
		},
		Outputs: map[string]string{
			"Y":           out.Name,
			"MeanOut":     mean.Name,
			"VarianceOut": variance.Name,
		},
		Attrs: Attrs{Epsilon: defaultBNEpsilon, Momentum: defaultBNMomentum},
	})
	return p.activate(out, act)
}

// Relu appends max(x, 0).
func (p *Program) Relu(x *Var) *Var {
	return p.unary(OpRelu, "relu", x)
}

// Softmax appends a row-wise softmax over the last dimension.
func (p *Program) Softmax(x *Var) *Var {
	if p.err == nil && len(x.Shape) != 2 {
		p.fail(errors.Errorf("softmax: input %s must be 2-D, got shape %v", x.Name, x.Shape))
	}
	return p.unary(OpSoftmax, "softmax", x)
}

func (p *Program) unary(t OpType, prefix string, x *Var) *Var {
	if p.err != nil {
		return p.broken(x)
	}
	name := p.uniqueName(prefix)
	out := p.tmpVar(name, 0, append([]int(nil), x.Shape...), x.DType)
	p.appendOp(&Op{
		Type:    t,
		Inputs:  map[string]string{"X": x.Name},
		Outputs: map[string]string{"Out": out.Name},
	})
	return out
}

func (p *Program) activate(x *Var, act Activation) *Var {
	switch act {
	case ActNone:
		return x
	case ActRelu:
		return p.Relu(x)
	case ActSoftmax:
		return p.Softmax(x)
	default:
		p.fail(errors.Errorf("unknown activation %q", act))
		return p.broken(x)
	}
}

// ElementwiseAdd appends x + y followed by act. Both operands must have the
// same shape.
func (p *Program) ElementwiseAdd(x, y *Var, act Activation) *Var {
	if p.err != nil {
		return p.broken(x)
	}
	if !sameShape(x.Shape, y.Shape) {
		p.fail(errors.Errorf("elementwise_add: shape mismatch %v (%s) vs %v (%s)", x.Shape, x.Name, y.Shape, y.Name))
		return p.broken(x)
	}
	name := p.uniqueName("elementwise_add")
	out := p.tmpVar(name, 0, append([]int(nil), x.Shape...), tensor.Float32)
	p.appendOp(&Op{
		Type:    OpElementwiseAdd,
		Inputs:  map[string]string{"X": x.Name, "Y": y.Name},
		Outputs: map[string]string{"Out": out.Name},
	})
	return p.activate(out, act)
}

// Pool2D appends a square pooling window.
func (p *Program) Pool2D(input *Var, size int, poolType PoolType, stride, padding int) *Var {
	if p.err != nil {
		return p.broken(input)
	}
	if len(input.Shape) != 4 {
		p.fail(errors.Errorf("pool2d: input %s must be NCHW, got shape %v", input.Name, input.Shape))
		return p.broken(input)
	}
	if poolType != PoolAvg && poolType != PoolMax {
		p.fail(errors.Errorf("pool2d: unknown pool type %q", poolType))
		return p.broken(input)
	}
	if size <= 0 || stride <= 0 || padding < 0 {
		p.fail(errors.Errorf("pool2d: invalid size=%d stride=%d padding=%d", size, stride, padding))
		return p.broken(input)
	}
	h, w := convOut(input.Shape[2], size, stride, padding), convOut(input.Shape[3], size, stride, padding)
	if h <= 0 || w <= 0 {
		p.fail(errors.Errorf("pool2d: input %v too small for window %d", input.Shape, size))
		return p.broken(input)
	}
	name := p.uniqueName("pool2d")
	out := p.tmpVar(name, 0, []int{input.Shape[0], input.Shape[1], h, w}, tensor.Float32)
	p.appendOp(&Op{
		Type:    OpPool2D,
		Inputs:  map[string]string{"X": input.Name},
		Outputs: map[string]string{"Out": out.Name},
		Attrs:   Attrs{PoolSize: size, PoolType: poolType, Stride: stride, Padding: padding},
	})
	return out
}

// FC appends a fully-connected layer with bias over the flattened
// non-batch dimensions, followed by act.
func (p *Program) FC(input *Var, size int, act Activation) *Var {
	if p.err != nil {
		return p.broken(input)
	}
	if len(input.Shape) < 2 || size <= 0 {
		p.fail(errors.Errorf("fc: invalid input shape %v or size %d", input.Shape, size))
		return p.broken(input)
	}
	in := tensor.Numel(input.Shape[1:])
	name := p.uniqueName("fc")
	w := p.createParameter(name, "w_0", []int{in, size}, true, Xavier(in, size))
	b := p.createParameter(name, "b_0", []int{size}, true, Constant(0))
	out := p.tmpVar(name, 0, []int{input.Shape[0], size}, tensor.Float32)
	p.appendOp(&Op{
		Type:    OpFC,
		Inputs:  map[string]string{"Input": input.Name, "W": w.Name, "Bias": b.Name},
		Outputs: map[string]string{"Out": out.Name},
	})
	return p.activate(out, act)
}

// CrossEntropy appends -log(input[label]) per row. input holds
// probabilities; label is int64 shaped [batch, 1].
func (p *Program) CrossEntropy(input, label *Var) *Var {
	if p.err != nil {
		return p.broken(label)
	}
	if len(input.Shape) != 2 || len(label.Shape) != 2 || label.Shape[1] != 1 || label.DType != tensor.Int64 {
		p.fail(errors.Errorf("cross_entropy: want probabilities [N,K] and int64 labels [N,1], got %v and %s%v",
			input.Shape, label.DType, label.Shape))
		return p.broken(label)
	}
	name := p.uniqueName("cross_entropy")
	out := p.tmpVar(name, 0, []int{input.Shape[0], 1}, tensor.Float32)
	p.appendOp(&Op{
		Type:    OpCrossEntropy,
		Inputs:  map[string]string{"X": input.Name, "Label": label.Name},
		Outputs: map[string]string{"Y": out.Name},
	})
	return out
}

// Mean appends the mean of all elements of x.
func (p *Program) Mean(x *Var) *Var {
	if p.err != nil {
		return p.broken(x)
	}
	name := p.uniqueName("mean")
	out := p.tmpVar(name, 0, []int{1}, tensor.Float32)
	p.appendOp(&Op{
		Type:    OpMean,
		Inputs:  map[string]string{"X": x.Name},
		Outputs: map[string]string{"Out": out.Name},
	})
	return out
}

// Accuracy appends top-1 accuracy of input against label. It returns the
// accuracy scalar and the number of samples it was computed over.
func (p *Program) Accuracy(input, label *Var) (acc, total *Var) {
	if p.err != nil {
		return p.broken(nil), p.broken(nil)
	}
	if len(input.Shape) != 2 || label.DType != tensor.Int64 {
		p.fail(errors.Errorf("accuracy: want [N,K] predictions and int64 labels, got %v and %s", input.Shape, label.DType))
		return p.broken(nil), p.broken(nil)
	}
	name := p.uniqueName("accuracy")
	acc = p.tmpVar(name, 0, []int{1}, tensor.Float32)
	correct := p.tmpVar(name, 1, []int{1}, tensor.Int64)
	total = p.tmpVar(name, 2, []int{1}, tensor.Int64)
	p.appendOp(&Op{
		Type:   OpAccuracy,
		Inputs: map[string]string{"Out": input.Name, "Label": label.Name},
		Outputs: map[string]string{
			"Accuracy": acc.Name,
			"Correct":  correct.Name,
			"Total":    total.Name,
		},
	})
	return acc, total
}

func convOut(in, k, stride, pad int) int {
	if in+2*pad < k {
		return 0
	}
	return (in+2*pad-k)/stride + 1
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
