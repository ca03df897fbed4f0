package engine

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"resnet-ce/internal/graph"
	"resnet-ce/internal/tensor"
)

// minProb keeps cross entropy finite for zero probabilities.
const minProb = 1e-20

type convGeom struct {
	n, c, h, w      int
	o, k, s, p      int
	outH, outW      int
	inSize, outSize int
}

type bnCache struct {
	xhat   []float32
	invstd []float32
}

type poolCache struct {
	argmax []int
}

func (f *frame) forward(idx int, op *graph.Op) error {
	switch op.Type {
	case graph.OpFillConstant, graph.OpGaussianRandom, graph.OpUniformRandom:
		return f.initialize(op)
	case graph.OpConv2D:
		return f.conv2D(op)
	case graph.OpBatchNorm:
		return f.batchNorm(idx, op)
	case graph.OpRelu:
		x, err := f.lookup(op.Input("X"))
		if err != nil {
			return err
		}
		out := tensor.Zeros(x.Shape...)
		for i, v := range x.F32 {
			if v > 0 {
				out.F32[i] = v
			}
		}
		f.store(op.Output("Out"), out)
		return nil
	case graph.OpSoftmax:
		return f.softmax(op)
	case graph.OpElementwiseAdd:
		x, err := f.lookup(op.Input("X"))
		if err != nil {
			return err
		}
		y, err := f.lookup(op.Input("Y"))
		if err != nil {
			return err
		}
		if len(x.F32) != len(y.F32) {
			return errors.Errorf("operand sizes differ: %v vs %v", x.Shape, y.Shape)
		}
		out := tensor.Zeros(x.Shape...)
		for i := range out.F32 {
			out.F32[i] = x.F32[i] + y.F32[i]
		}
		f.store(op.Output("Out"), out)
		return nil
	case graph.OpPool2D:
		return f.pool2D(idx, op)
	case graph.OpFC:
		return f.fc(op)
	case graph.OpCrossEntropy:
		return f.crossEntropy(op)
	case graph.OpMean:
		x, err := f.lookup(op.Input("X"))
		if err != nil {
			return err
		}
		var sum float64
		for _, v := range x.F32 {
			sum += float64(v)
		}
		mean := float32(0)
		if len(x.F32) > 0 {
			mean = float32(sum / float64(len(x.F32)))
		}
		f.store(op.Output("Out"), tensor.Scalar(mean))
		return nil
	case graph.OpAccuracy:
		return f.accuracy(op)
	default:
		return errors.Errorf("unsupported op %s", op.Type)
	}
}

func (f *frame) initialize(op *graph.Op) error {
	name := op.Output("Out")
	v := f.prog.Var(name)
	if v == nil {
		return errors.Errorf("initializer output %q is not declared", name)
	}
	out := tensor.Zeros(v.Shape...)
	a := op.Attrs
	rng := rand.New(rand.NewSource(a.Seed))
	for i := range out.F32 {
		switch op.Type {
		case graph.OpFillConstant:
			out.F32[i] = a.Value
		case graph.OpGaussianRandom:
			out.F32[i] = a.Mean + a.Std*float32(rng.NormFloat64())
		case graph.OpUniformRandom:
			out.F32[i] = a.Min + (a.Max-a.Min)*rng.Float32()
		}
	}
	f.store(name, out)
	return nil
}

func (f *frame) convGeometry(op *graph.Op, x, w *tensor.Tensor) (convGeom, error) {
	if len(x.Shape) != 4 || len(w.Shape) != 4 {
		return convGeom{}, errors.Errorf("conv2d wants 4-D input and filter, got %v and %v", x.Shape, w.Shape)
	}
	if x.Shape[1] != w.Shape[1] {
		return convGeom{}, errors.Errorf("conv2d input has %d channels, filter expects %d", x.Shape[1], w.Shape[1])
	}
	g := convGeom{
		n: x.Shape[0], c: x.Shape[1], h: x.Shape[2], w: x.Shape[3],
		o: w.Shape[0], k: w.Shape[2], s: op.Attrs.Stride, p: op.Attrs.Padding,
	}
	g.outH = (g.h+2*g.p-g.k)/g.s + 1
	g.outW = (g.w+2*g.p-g.k)/g.s + 1
	g.inSize = g.c * g.h * g.w
	g.outSize = g.o * g.outH * g.outW
	return g, nil
}

func (f *frame) conv2D(op *graph.Op) error {
	x, err := f.lookup(op.Input("Input"))
	if err != nil {
		return err
	}
	w, err := f.lookup(op.Input("Filter"))
	if err != nil {
		return err
	}
	g, err := f.convGeometry(op, x, w)
	if err != nil {
		return err
	}
	out := tensor.Zeros(g.n, g.o, g.outH, g.outW)
	f.parallel(g.n, func(_, lo, hi int) {
		for n := lo; n < hi; n++ {
			convForward(g, x.F32[n*g.inSize:(n+1)*g.inSize], w.F32, out.F32[n*g.outSize:(n+1)*g.outSize])
		}
	})
	f.store(op.Output("Output"), out)
	return nil
}

func convForward(g convGeom, x, w, out []float32) {
	kk := g.k * g.k
	for o := 0; o < g.o; o++ {
		plane := out[o*g.outH*g.outW : (o+1)*g.outH*g.outW]
		for c := 0; c < g.c; c++ {
			in := x[c*g.h*g.w : (c+1)*g.h*g.w]
			for kh := 0; kh < g.k; kh++ {
				for kw := 0; kw < g.k; kw++ {
					wv := w[(o*g.c+c)*kk+kh*g.k+kw]
					if wv == 0 {
						continue
					}
					for oh := 0; oh < g.outH; oh++ {
						ih := oh*g.s - g.p + kh
						if ih < 0 || ih >= g.h {
							continue
						}
						row := in[ih*g.w : (ih+1)*g.w]
						orow := plane[oh*g.outW : (oh+1)*g.outW]
						for ow := 0; ow < g.outW; ow++ {
							iw := ow*g.s - g.p + kw
							if iw < 0 || iw >= g.w {
								continue
							}
							orow[ow] += wv * row[iw]
						}
					}
				}
			}
		}
	}
}

func convBackward(g convGeom, x, w, dy, dx, dw []float32) {
	kk := g.k * g.k
	for o := 0; o < g.o; o++ {
		dplane := dy[o*g.outH*g.outW : (o+1)*g.outH*g.outW]
		for c := 0; c < g.c; c++ {
			in := x[c*g.h*g.w : (c+1)*g.h*g.w]
			var din []float32
			if dx != nil {
				din = dx[c*g.h*g.w : (c+1)*g.h*g.w]
			}
			for kh := 0; kh < g.k; kh++ {
				for kw := 0; kw < g.k; kw++ {
					widx := (o*g.c+c)*kk + kh*g.k + kw
					wv := w[widx]
					var acc float32
					for oh := 0; oh < g.outH; oh++ {
						ih := oh*g.s - g.p + kh
						if ih < 0 || ih >= g.h {
							continue
						}
						for ow := 0; ow < g.outW; ow++ {
							iw := ow*g.s - g.p + kw
							if iw < 0 || iw >= g.w {
								continue
							}
							d := dplane[oh*g.outW+ow]
							acc += d * in[ih*g.w+iw]
							if din != nil {
								din[ih*g.w+iw] += d * wv
							}
						}
					}
					dw[widx] += acc
				}
			}
		}
	}
}

func (f *frame) batchNorm(idx int, op *graph.Op) error {
	x, err := f.lookup(op.Input("X"))
	if err != nil {
		return err
	}
	var params [4]*tensor.Tensor
	for i, slot := range []string{"Scale", "Bias", "Mean", "Variance"} {
		if params[i], err = f.lookup(op.Input(slot)); err != nil {
			return err
		}
	}
	scale, bias, mean, variance := params[0], params[1], params[2], params[3]

	n, c := x.Shape[0], x.Shape[1]
	spatial := 1
	for _, d := range x.Shape[2:] {
		spatial *= d
	}
	if len(scale.F32) != c {
		return errors.Errorf("batch_norm over %d channels has %d scales", c, len(scale.F32))
	}
	eps := op.Attrs.Epsilon
	out := tensor.Zeros(x.Shape...)

	if op.Attrs.IsTest {
		for ch := 0; ch < c; ch++ {
			inv := float32(1 / math.Sqrt(float64(variance.F32[ch])+eps))
			a := scale.F32[ch] * inv
			b := bias.F32[ch] - mean.F32[ch]*a
			for i := 0; i < n; i++ {
				base := (i*c + ch) * spatial
				for j := 0; j < spatial; j++ {
					out.F32[base+j] = a*x.F32[base+j] + b
				}
			}
		}
		f.store(op.Output("Y"), out)
		return nil
	}

	m := float64(n * spatial)
	cache := &bnCache{xhat: make([]float32, len(x.F32)), invstd: make([]float32, c)}
	mom := float32(op.Attrs.Momentum)
	for ch := 0; ch < c; ch++ {
		var sum, sq float64
		for i := 0; i < n; i++ {
			base := (i*c + ch) * spatial
			for j := 0; j < spatial; j++ {
				v := float64(x.F32[base+j])
				sum += v
				sq += v * v
			}
		}
		mu := sum / m
		vr := sq/m - mu*mu
		if vr < 0 {
			vr = 0
		}
		inv := 1 / math.Sqrt(vr+eps)
		cache.invstd[ch] = float32(inv)
		for i := 0; i < n; i++ {
			base := (i*c + ch) * spatial
			for j := 0; j < spatial; j++ {
				xh := float32((float64(x.F32[base+j]) - mu) * inv)
				cache.xhat[base+j] = xh
				out.F32[base+j] = scale.F32[ch]*xh + bias.F32[ch]
			}
		}
		mean.F32[ch] = mom*mean.F32[ch] + (1-mom)*float32(mu)
		variance.F32[ch] = mom*variance.F32[ch] + (1-mom)*float32(vr)
	}
	f.caches[idx] = cache
	f.store(op.Output("Y"), out)
	return nil
}

func (f *frame) softmax(op *graph.Op) error {
	x, err := f.lookup(op.Input("X"))
	if err != nil {
		return err
	}
	if len(x.Shape) != 2 {
		return errors.Errorf("softmax wants 2-D input, got %v", x.Shape)
	}
	rows, cols := x.Shape[0], x.Shape[1]
	out := tensor.Zeros(rows, cols)
	for r := 0; r < rows; r++ {
		in := x.F32[r*cols : (r+1)*cols]
		o := out.F32[r*cols : (r+1)*cols]
		maxV := in[0]
		for _, v := range in {
			if v > maxV {
				maxV = v
			}
		}
		var sum float64
		for i, v := range in {
			e := math.Exp(float64(v - maxV))
			o[i] = float32(e)
			sum += e
		}
		for i := range o {
			o[i] = float32(float64(o[i]) / sum)
		}
	}
	f.store(op.Output("Out"), out)
	return nil
}

func (f *frame) pool2D(idx int, op *graph.Op) error {
	x, err := f.lookup(op.Input("X"))
	if err != nil {
		return err
	}
	a := op.Attrs
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outH := (h+2*a.Padding-a.PoolSize)/a.Stride + 1
	outW := (w+2*a.Padding-a.PoolSize)/a.Stride + 1
	out := tensor.Zeros(n, c, outH, outW)
	var cache *poolCache
	if a.PoolType == graph.PoolMax {
		cache = &poolCache{argmax: make([]int, len(out.F32))}
	}
	for plane := 0; plane < n*c; plane++ {
		in := x.F32[plane*h*w : (plane+1)*h*w]
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				oidx := plane*outH*outW + oh*outW + ow
				var sum float32
				count := 0
				best := float32(math.Inf(-1))
				bestIdx := -1
				for kh := 0; kh < a.PoolSize; kh++ {
					ih := oh*a.Stride - a.Padding + kh
					if ih < 0 || ih >= h {
						continue
					}
					for kw := 0; kw < a.PoolSize; kw++ {
						iw := ow*a.Stride - a.Padding + kw
						if iw < 0 || iw >= w {
							continue
						}
						v := in[ih*w+iw]
						sum += v
						count++
						if v > best {
							best = v
							bestIdx = plane*h*w + ih*w + iw
						}
					}
				}
				if a.PoolType == graph.PoolMax {
					out.F32[oidx] = best
					cache.argmax[oidx] = bestIdx
				} else if count > 0 {
					out.F32[oidx] = sum / float32(count)
				}
			}
		}
	}
	if cache != nil {
		f.caches[idx] = cache
	}
	f.store(op.Output("Out"), out)
	return nil
}

func (f *frame) fc(op *graph.Op) error {
	x, err := f.lookup(op.Input("Input"))
	if err != nil {
		return err
	}
	w, err := f.lookup(op.Input("W"))
	if err != nil {
		return err
	}
	b, err := f.lookup(op.Input("Bias"))
	if err != nil {
		return err
	}
	n := x.Shape[0]
	in, size := w.Shape[0], w.Shape[1]
	if n*in != len(x.F32) {
		return errors.Errorf("fc input %v does not flatten to %d features", x.Shape, in)
	}
	out := tensor.Zeros(n, size)
	for i := 0; i < n; i++ {
		row := x.F32[i*in : (i+1)*in]
		o := out.F32[i*size : (i+1)*size]
		copy(o, b.F32)
		for d, xv := range row {
			if xv == 0 {
				continue
			}
			wrow := w.F32[d*size : (d+1)*size]
			for s := range o {
				o[s] += xv * wrow[s]
			}
		}
	}
	f.store(op.Output("Out"), out)
	return nil
}

func (f *frame) crossEntropy(op *graph.Op) error {
	x, err := f.lookup(op.Input("X"))
	if err != nil {
		return err
	}
	label, err := f.lookup(op.Input("Label"))
	if err != nil {
		return err
	}
	rows, cols := x.Shape[0], x.Shape[1]
	if len(label.I64) != rows {
		return errors.Errorf("cross_entropy has %d rows but %d labels", rows, len(label.I64))
	}
	out := tensor.Zeros(rows, 1)
	for r := 0; r < rows; r++ {
		l := label.I64[r]
		if l < 0 || int(l) >= cols {
			return errors.Errorf("label %d out of range [0,%d)", l, cols)
		}
		p := math.Max(float64(x.F32[r*cols+int(l)]), minProb)
		out.F32[r] = float32(-math.Log(p))
	}
	f.store(op.Output("Y"), out)
	return nil
}

func (f *frame) accuracy(op *graph.Op) error {
	x, err := f.lookup(op.Input("Out"))
	if err != nil {
		return err
	}
	label, err := f.lookup(op.Input("Label"))
	if err != nil {
		return err
	}
	rows, cols := x.Shape[0], x.Shape[1]
	if len(label.I64) != rows {
		return errors.Errorf("accuracy has %d rows but %d labels", rows, len(label.I64))
	}
	var correct int64
	for r := 0; r < rows; r++ {
		row := x.F32[r*cols : (r+1)*cols]
		best := 0
		for i, v := range row {
			if v > row[best] {
				best = i
			}
		}
		if int64(best) == label.I64[r] {
			correct++
		}
	}
	acc := float32(0)
	if rows > 0 {
		acc = float32(correct) / float32(rows)
	}
	f.store(op.Output("Accuracy"), tensor.Scalar(acc))
	f.store(op.Output("Correct"), tensor.ScalarInt64(correct))
	f.store(op.Output("Total"), tensor.ScalarInt64(int64(rows)))
	return nil
}
