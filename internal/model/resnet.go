package model

import (
	"fmt"

	"resnet-ce/internal/graph"
)

// DefaultDepth is the depth of the benchmark network (ResNet-32).
const DefaultDepth = 32

// BlockFunc builds one residual block.
type BlockFunc func(p *graph.Program, input *graph.Var, chOut, stride int) *graph.Var

// ConvBNLayer applies a bias-free convolution followed by batch
// normalization and act.
func ConvBNLayer(p *graph.Program, input *graph.Var, chOut, filterSize, stride, padding int, act graph.Activation) *graph.Var {
	conv := p.Conv2D(input, chOut, filterSize, stride, padding)
	return p.BatchNorm(conv, act)
}

// Shortcut returns input itself when its channel count equals chOut and a
// 1x1 projection otherwise. Stride alone never triggers a projection.
func Shortcut(p *graph.Program, input *graph.Var, chOut, stride int) *graph.Var {
	if input.Channels() != chOut {
		return ConvBNLayer(p, input, chOut, 1, stride, 0, graph.ActNone)
	}
	return input
}

// BasicBlock is two 3x3 conv-bn layers added to the shortcut, then ReLU.
func BasicBlock(p *graph.Program, input *graph.Var, chOut, stride int) *graph.Var {
	short := Shortcut(p, input, chOut, stride)
	conv1 := ConvBNLayer(p, input, chOut, 3, stride, 1, graph.ActRelu)
	conv2 := ConvBNLayer(p, conv1, chOut, 3, 1, 1, graph.ActNone)
	return p.ElementwiseAdd(short, conv2, graph.ActRelu)
}

// Bottleneck is a 1x1 reduce, 3x3, 1x1 expand (x4) stack added to the
// shortcut, then ReLU.
func Bottleneck(p *graph.Program, input *graph.Var, chOut, stride int) *graph.Var {
	short := Shortcut(p, input, chOut*4, stride)
	conv1 := ConvBNLayer(p, input, chOut, 1, stride, 0, graph.ActRelu)
	conv2 := ConvBNLayer(p, conv1, chOut, 3, 1, 1, graph.ActRelu)
	conv3 := ConvBNLayer(p, conv2, chOut*4, 1, 1, 0, graph.ActNone)
	return p.ElementwiseAdd(short, conv3, graph.ActRelu)
}

// LayerWarp applies block once with stride, then count-1 more times with
// stride 1, chaining outputs.
func LayerWarp(p *graph.Program, block BlockFunc, input *graph.Var, chOut, count, stride int) *graph.Var {
	out := block(p, input, chOut, stride)
	for i := 1; i < count; i++ {
		out = block(p, out, chOut, 1)
	}
	return out
}

// ValidateDepth reports whether depth is a valid CIFAR ResNet depth.
// LayerWarp always applies at least one block, so depth 2 still yields one
// block per stage.
func ValidateDepth(depth int) error {
	if (depth-2)%6 != 0 {
		return fmt.Errorf("resnet: depth must satisfy (depth-2)%%6 == 0, got %d", depth)
	}
	return nil
}

// ResNetCIFAR10 builds the CIFAR ResNet classifier over input and returns
// the softmax output. It panics if depth is invalid; callers taking depth
// from users should check ValidateDepth first.
func ResNetCIFAR10(p *graph.Program, input *graph.Var, classDim, depth int) *graph.Var {
	if err := ValidateDepth(depth); err != nil {
		panic(err)
	}
	n := (depth - 2) / 6

	conv1 := ConvBNLayer(p, input, 16, 3, 1, 1, graph.ActRelu)
	res1 := LayerWarp(p, BasicBlock, conv1, 16, n, 1)
	res2 := LayerWarp(p, BasicBlock, res1, 32, n, 2)
	res3 := LayerWarp(p, BasicBlock, res2, 64, n, 2)
	pool := p.Pool2D(res3, 8, graph.PoolAvg, 1, 0)
	return p.FC(pool, classDim, graph.ActSoftmax)
}
