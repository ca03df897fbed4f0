package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

// DType identifies the element type of a Tensor.
type DType int

const (
	Float32 DType = iota
	Int64
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Int64:
		return "int64"
	default:
		return "unknown"
	}
}

// Tensor is a dense row-major array. Exactly one of F32 or I64 holds data,
// selected by DType.
type Tensor struct {
	DType DType
	Shape []int
	F32   []float32
	I64   []int64
}

// NewFloat32 wraps data with the given shape.
func NewFloat32(shape []int, data []float32) (*Tensor, error) {
	if n := Numel(shape); n != len(data) {
		return nil, errors.Errorf("tensor: shape %v wants %d elements, got %d", shape, n, len(data))
	}
	return &Tensor{DType: Float32, Shape: append([]int(nil), shape...), F32: data}, nil
}

// NewInt64 wraps data with the given shape.
func NewInt64(shape []int, data []int64) (*Tensor, error) {
	if n := Numel(shape); n != len(data) {
		return nil, errors.Errorf("tensor: shape %v wants %d elements, got %d", shape, n, len(data))
	}
	return &Tensor{DType: Int64, Shape: append([]int(nil), shape...), I64: data}, nil
}

// Zeros allocates a float32 tensor filled with zeros.
func Zeros(shape ...int) *Tensor {
	return &Tensor{DType: Float32, Shape: append([]int(nil), shape...), F32: make([]float32, Numel(shape))}
}

// Scalar returns a one-element float32 tensor.
func Scalar(v float32) *Tensor {
	return &Tensor{DType: Float32, Shape: []int{1}, F32: []float32{v}}
}

// ScalarInt64 returns a one-element int64 tensor.
func ScalarInt64(v int64) *Tensor {
	return &Tensor{DType: Int64, Shape: []int{1}, I64: []int64{v}}
}

// Numel returns the number of elements described by shape.
func Numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Len returns the number of elements held by t.
func (t *Tensor) Len() int {
	if t.DType == Int64 {
		return len(t.I64)
	}
	return len(t.F32)
}

// Reshape returns a view of t with a new shape. A single -1 dimension is
// inferred from the element count.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	resolved := append([]int(nil), shape...)
	infer := -1
	known := 1
	for i, d := range resolved {
		if d == -1 {
			if infer >= 0 {
				return nil, errors.New("tensor: only one dimension can be inferred")
			}
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 {
		if known == 0 || t.Len()%known != 0 {
			return nil, errors.Errorf("tensor: cannot reshape %v into %v", t.Shape, shape)
		}
		resolved[infer] = t.Len() / known
	}
	if Numel(resolved) != t.Len() {
		return nil, errors.Errorf("tensor: cannot reshape %v into %v", t.Shape, shape)
	}
	return &Tensor{DType: t.DType, Shape: resolved, F32: t.F32, I64: t.I64}, nil
}

// Float returns element 0 as a float64, whatever the dtype.
func (t *Tensor) Float() float64 {
	if t.DType == Int64 {
		if len(t.I64) == 0 {
			return 0
		}
		return float64(t.I64[0])
	}
	if len(t.F32) == 0 {
		return 0
	}
	return float64(t.F32[0])
}

// Clone deep-copies t.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{DType: t.DType, Shape: append([]int(nil), t.Shape...)}
	if t.F32 != nil {
		out.F32 = append([]float32(nil), t.F32...)
	}
	if t.I64 != nil {
		out.I64 = append([]int64(nil), t.I64...)
	}
	return out
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%s%v)", t.DType, t.Shape)
}
