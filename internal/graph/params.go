package graph

import (
	"fmt"
	"math"

	"resnet-ce/internal/tensor"
)

// Initializer describes how the startup program fills a parameter.
type Initializer struct {
	Type  OpType
	Value float32
	Mean  float32
	Std   float32
	Min   float32
	Max   float32
}

// Constant fills with value.
func Constant(value float32) Initializer {
	return Initializer{Type: OpFillConstant, Value: value}
}

// Normal draws from N(mean, std^2).
func Normal(mean, std float32) Initializer {
	return Initializer{Type: OpGaussianRandom, Mean: mean, Std: std}
}

// Uniform draws from U(min, max).
func Uniform(min, max float32) Initializer {
	return Initializer{Type: OpUniformRandom, Min: min, Max: max}
}

// Xavier returns the uniform Glorot initializer for a fanIn x fanOut weight.
func Xavier(fanIn, fanOut int) Initializer {
	limit := float32(math.Sqrt(6.0 / float64(fanIn+fanOut)))
	return Uniform(-limit, limit)
}

// createParameter declares a persistable variable in p and appends its
// initializer to the startup program.
func (p *Program) createParameter(owner, suffix string, shape []int, trainable bool, init Initializer) *Var {
	name := fmt.Sprintf("%s.%s", owner, suffix)
	v := p.addVar(&Var{
		Name:        name,
		Shape:       append([]int(nil), shape...),
		DType:       tensor.Float32,
		Persistable: true,
		Trainable:   trainable,
	})
	if p.startup == nil {
		return v
	}
	p.startup.addVar(v.clone())
	seed := int64(0)
	if init.Type != OpFillConstant {
		seed = p.seed + int64(len(p.startup.ops)) + 1
	}
	p.startup.appendOp(&Op{
		Type:    init.Type,
		Outputs: map[string]string{"Out": name},
		Attrs: Attrs{
			Value: init.Value,
			Mean:  init.Mean,
			Std:   init.Std,
			Min:   init.Min,
			Max:   init.Max,
			Seed:  seed,
		},
	})
	return v
}
