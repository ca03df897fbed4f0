package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesLength(t *testing.T) {
	_, err := NewFloat32([]int{2, 3}, make([]float32, 5))
	assert.Error(t, err)
	_, err = NewInt64([]int{2, 1}, []int64{1})
	assert.Error(t, err)

	x, err := NewFloat32([]int{2, 3}, make([]float32, 6))
	require.NoError(t, err)
	assert.Equal(t, 6, x.Len())
	assert.Equal(t, "Tensor(float32[2 3])", x.String())
}

func TestReshape(t *testing.T) {
	x := Zeros(4, 3, 2)
	y, err := x.Reshape(4, -1)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 6}, y.Shape)

	y.F32[0] = 5
	assert.Equal(t, float32(5), x.F32[0], "reshape shares storage")

	_, err = x.Reshape(5, -1)
	assert.Error(t, err)
	_, err = x.Reshape(-1, -1)
	assert.Error(t, err)
	_, err = x.Reshape(3, 3)
	assert.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	x := ScalarInt64(3)
	c := x.Clone()
	c.I64[0] = 9
	assert.Equal(t, int64(3), x.I64[0])
	assert.Equal(t, 3.0, x.Float())
	assert.Nil(t, c.F32)
}

func TestFloat(t *testing.T) {
	assert.Equal(t, 0.5, Scalar(0.5).Float())
	assert.Equal(t, 0.0, (&Tensor{}).Float())
	assert.Equal(t, 0.0, (&Tensor{DType: Int64}).Float())
}
