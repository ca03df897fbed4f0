package engine

import (
	"math"
	"sync"

	"github.com/pkg/errors"

	"resnet-ce/internal/graph"
)

const velocitySuffix = "@VELOCITY"

// backward walks the ops in reverse, propagating gradients from the loss.
// Ops are stored in build order, so every consumer of a variable has added
// its contribution before the producer is visited.
func (f *frame) backward() error {
	loss := f.prog.Loss()
	lt, err := f.lookup(loss)
	if err != nil {
		return err
	}
	if lt.Len() != 1 {
		return errors.Errorf("loss %q is not a scalar: %v", loss, lt.Shape)
	}
	f.grads = map[string][]float32{loss: {1}}

	ops := f.prog.Ops()
	for i := len(ops) - 1; i >= 0; i-- {
		if err := f.backwardOp(i, ops[i]); err != nil {
			return errors.Wrapf(err, "op %d (%s)", i, ops[i].Type)
		}
	}
	return nil
}

func (f *frame) needsGrad(name string) bool {
	v := f.prog.Var(name)
	return v != nil && !v.StopGradient
}

func (f *frame) accumulate(name string, g []float32) {
	if !f.needsGrad(name) {
		return
	}
	if cur, ok := f.grads[name]; ok {
		for i := range cur {
			cur[i] += g[i]
		}
		return
	}
	f.grads[name] = g
}

func (f *frame) backwardOp(idx int, op *graph.Op) error {
	switch op.Type {
	case graph.OpConv2D:
		dy := f.grads[op.Output("Output")]
		if dy == nil {
			return nil
		}
		return f.conv2DGrad(op, dy)
	case graph.OpBatchNorm:
		dy := f.grads[op.Output("Y")]
		if dy == nil {
			return nil
		}
		return f.batchNormGrad(idx, op, dy)
	case graph.OpRelu:
		dy := f.grads[op.Output("Out")]
		if dy == nil {
			return nil
		}
		out, err := f.lookup(op.Output("Out"))
		if err != nil {
			return err
		}
		dx := make([]float32, len(dy))
		for i, v := range out.F32 {
			if v > 0 {
				dx[i] = dy[i]
			}
		}
		f.accumulate(op.Input("X"), dx)
	case graph.OpSoftmax:
		dy := f.grads[op.Output("Out")]
		if dy == nil {
			return nil
		}
		out, err := f.lookup(op.Output("Out"))
		if err != nil {
			return err
		}
		rows, cols := out.Shape[0], out.Shape[1]
		dx := make([]float32, len(dy))
		for r := 0; r < rows; r++ {
			y := out.F32[r*cols : (r+1)*cols]
			g := dy[r*cols : (r+1)*cols]
			var dot float32
			for i := range y {
				dot += g[i] * y[i]
			}
			for i := range y {
				dx[r*cols+i] = y[i] * (g[i] - dot)
			}
		}
		f.accumulate(op.Input("X"), dx)
	case graph.OpElementwiseAdd:
		dy := f.grads[op.Output("Out")]
		if dy == nil {
			return nil
		}
		f.accumulate(op.Input("X"), append([]float32(nil), dy...))
		f.accumulate(op.Input("Y"), append([]float32(nil), dy...))
	case graph.OpPool2D:
		dy := f.grads[op.Output("Out")]
		if dy == nil {
			return nil
		}
		return f.pool2DGrad(idx, op, dy)
	case graph.OpFC:
		dy := f.grads[op.Output("Out")]
		if dy == nil {
			return nil
		}
		return f.fcGrad(op, dy)
	case graph.OpCrossEntropy:
		dy := f.grads[op.Output("Y")]
		if dy == nil {
			return nil
		}
		x, err := f.lookup(op.Input("X"))
		if err != nil {
			return err
		}
		label, err := f.lookup(op.Input("Label"))
		if err != nil {
			return err
		}
		cols := x.Shape[1]
		dx := make([]float32, len(x.F32))
		for r, l := range label.I64 {
			p := math.Max(float64(x.F32[r*cols+int(l)]), minProb)
			dx[r*cols+int(l)] = float32(-float64(dy[r]) / p)
		}
		f.accumulate(op.Input("X"), dx)
	case graph.OpMean:
		dy := f.grads[op.Output("Out")]
		if dy == nil {
			return nil
		}
		x, err := f.lookup(op.Input("X"))
		if err != nil {
			return err
		}
		dx := make([]float32, len(x.F32))
		g := dy[0] / float32(len(dx))
		for i := range dx {
			dx[i] = g
		}
		f.accumulate(op.Input("X"), dx)
	}
	// accuracy and initializers carry no gradient
	return nil
}

func (f *frame) conv2DGrad(op *graph.Op, dy []float32) error {
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
	var dx []float32
	if f.needsGrad(op.Input("Input")) {
		dx = make([]float32, len(x.F32))
	}
	chunks := numChunks(f.exec.workers, g.n)
	partial := make([][]float32, max(chunks, 1))
	f.parallel(g.n, func(chunk, lo, hi int) {
		dw := make([]float32, len(w.F32))
		for n := lo; n < hi; n++ {
			var dxn []float32
			if dx != nil {
				dxn = dx[n*g.inSize : (n+1)*g.inSize]
			}
			convBackward(g, x.F32[n*g.inSize:(n+1)*g.inSize], w.F32, dy[n*g.outSize:(n+1)*g.outSize], dxn, dw)
		}
		partial[chunk] = dw
	})
	dw := make([]float32, len(w.F32))
	for _, p := range partial {
		for i, v := range p {
			dw[i] += v
		}
	}
	f.accumulate(op.Input("Filter"), dw)
	if dx != nil {
		f.accumulate(op.Input("Input"), dx)
	}
	return nil
}

func (f *frame) batchNormGrad(idx int, op *graph.Op, dy []float32) error {
	x, err := f.lookup(op.Input("X"))
	if err != nil {
		return err
	}
	scale, err := f.lookup(op.Input("Scale"))
	if err != nil {
		return err
	}
	n, c := x.Shape[0], x.Shape[1]
	spatial := len(x.F32) / (n * c)
	m := float32(n * spatial)

	cache, ok := f.caches[idx].(*bnCache)
	if !ok {
		return errors.New("batch_norm gradient requested for an inference op")
	}
	dx := make([]float32, len(x.F32))
	dscale := make([]float32, c)
	dbias := make([]float32, c)
	for ch := 0; ch < c; ch++ {
		var dg, db float32
		for i := 0; i < n; i++ {
			base := (i*c + ch) * spatial
			for j := 0; j < spatial; j++ {
				dg += dy[base+j] * cache.xhat[base+j]
				db += dy[base+j]
			}
		}
		dscale[ch] = dg
		dbias[ch] = db
		k := scale.F32[ch] * cache.invstd[ch] / m
		for i := 0; i < n; i++ {
			base := (i*c + ch) * spatial
			for j := 0; j < spatial; j++ {
				dx[base+j] = k * (m*dy[base+j] - db - cache.xhat[base+j]*dg)
			}
		}
	}
	f.accumulate(op.Input("Scale"), dscale)
	f.accumulate(op.Input("Bias"), dbias)
	f.accumulate(op.Input("X"), dx)
	return nil
}

func (f *frame) pool2DGrad(idx int, op *graph.Op, dy []float32) error {
	x, err := f.lookup(op.Input("X"))
	if err != nil {
		return err
	}
	dx := make([]float32, len(x.F32))
	a := op.Attrs
	if a.PoolType == graph.PoolMax {
		cache, ok := f.caches[idx].(*poolCache)
		if !ok {
			return errors.New("missing max pool cache")
		}
		for i, src := range cache.argmax {
			if src >= 0 {
				dx[src] += dy[i]
			}
		}
		f.accumulate(op.Input("X"), dx)
		return nil
	}

	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outH := (h+2*a.Padding-a.PoolSize)/a.Stride + 1
	outW := (w+2*a.Padding-a.PoolSize)/a.Stride + 1
	for plane := 0; plane < n*c; plane++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				h0, h1 := clampWindow(oh*a.Stride-a.Padding, a.PoolSize, h)
				w0, w1 := clampWindow(ow*a.Stride-a.Padding, a.PoolSize, w)
				count := (h1 - h0) * (w1 - w0)
				if count <= 0 {
					continue
				}
				g := dy[plane*outH*outW+oh*outW+ow] / float32(count)
				for ih := h0; ih < h1; ih++ {
					for iw := w0; iw < w1; iw++ {
						dx[plane*h*w+ih*w+iw] += g
					}
				}
			}
		}
	}
	f.accumulate(op.Input("X"), dx)
	return nil
}

func clampWindow(start, size, limit int) (int, int) {
	end := start + size
	if start < 0 {
		start = 0
	}
	if end > limit {
		end = limit
	}
	return start, end
}

func (f *frame) fcGrad(op *graph.Op, dy []float32) error {
	x, err := f.lookup(op.Input("Input"))
	if err != nil {
		return err
	}
	w, err := f.lookup(op.Input("W"))
	if err != nil {
		return err
	}
	n := x.Shape[0]
	in, size := w.Shape[0], w.Shape[1]
	dx := make([]float32, len(x.F32))
	dw := make([]float32, len(w.F32))
	db := make([]float32, size)
	for i := 0; i < n; i++ {
		g := dy[i*size : (i+1)*size]
		row := x.F32[i*in : (i+1)*in]
		for s, v := range g {
			db[s] += v
		}
		for d := 0; d < in; d++ {
			wrow := w.F32[d*size : (d+1)*size]
			dwrow := dw[d*size : (d+1)*size]
			var acc float32
			for s, v := range g {
				acc += v * wrow[s]
				dwrow[s] += row[d] * v
			}
			dx[i*in+d] = acc
		}
	}
	f.accumulate(op.Input("W"), dw)
	f.accumulate(op.Input("Bias"), db)
	f.accumulate(op.Input("Input"), dx)
	return nil
}

// applyMomentum updates every trainable parameter with a gradient:
// v = mu*v + g; p -= lr*v.
func (f *frame) applyMomentum(opt *graph.Momentum) {
	lr := float32(opt.LearningRate)
	mu := float32(opt.Momentum)
	for _, param := range f.prog.Parameters() {
		g, ok := f.grads[param.Name]
		if !ok {
			continue
		}
		p, ok := f.exec.scope[param.Name]
		if !ok {
			continue
		}
		key := param.Name + velocitySuffix
		vel, ok := f.exec.scope[key]
		if !ok {
			vel = p.Clone()
			for i := range vel.F32 {
				vel.F32[i] = 0
			}
			f.exec.scope[key] = vel
		}
		for i := range p.F32 {
			vel.F32[i] = mu*vel.F32[i] + g[i]
			p.F32[i] -= lr * vel.F32[i]
		}
	}
}

// parallel splits [0, n) into contiguous chunks, one goroutine each.
func (f *frame) parallel(n int, fn func(chunk, lo, hi int)) {
	chunks := numChunks(f.exec.workers, n)
	if chunks <= 1 {
		fn(0, 0, n)
		return
	}
	size := (n + chunks - 1) / chunks
	var wg sync.WaitGroup
	for c := 0; c < chunks; c++ {
		lo := c * size
		hi := min(lo+size, n)
		if lo >= hi {
			break
		}
		wg.Add(1)
		go func(c, lo, hi int) {
			defer wg.Done()
			fn(c, lo, hi)
		}(c, lo, hi)
	}
	wg.Wait()
}

func numChunks(workers, n int) int {
	if workers < 1 {
		return 1
	}
	if n < workers {
		return n
	}
	return workers
}
