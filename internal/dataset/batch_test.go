package dataset

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectBatches(t *testing.T, r Reader) []Minibatch {
	t.Helper()
	it, err := r.Open(context.Background())
	require.NoError(t, err)
	defer it.Close()
	var out []Minibatch
	for {
		b, err := it.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, b)
	}
}

func TestBatchReaderKeepsPartialBatch(t *testing.T) {
	r, err := NewBatchReader(&Synthetic{N: 10, Seed: 1}, 4)
	require.NoError(t, err)
	batches := collectBatches(t, r)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 4)
	assert.Len(t, batches[2], 2)

	// every Open starts a fresh, identical pass
	again := collectBatches(t, r)
	assert.Equal(t, batches, again)
}

func TestBatchReaderRejectsBadSize(t *testing.T) {
	_, err := NewBatchReader(SliceSource{}, 0)
	assert.Error(t, err)
}

func TestBatchReaderEmptySource(t *testing.T) {
	r, err := NewBatchReader(SliceSource{}, 4)
	require.NoError(t, err)
	assert.Empty(t, collectBatches(t, r))
}

func TestBatchReaderPropagatesErrors(t *testing.T) {
	r, err := NewBatchReader(&FileSource{Files: []string{"/nonexistent/data_batch_1.bin"}}, 4)
	require.NoError(t, err)
	it, err := r.Open(context.Background())
	require.NoError(t, err)
	defer it.Close()
	_, err = it.Next()
	assert.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}

func TestIteratorCloseEarly(t *testing.T) {
	r, err := NewBatchReader(&Synthetic{N: 1000, Seed: 2}, 8)
	require.NoError(t, err)
	it, err := r.Open(context.Background())
	require.NoError(t, err)
	_, err = it.Next()
	require.NoError(t, err)
	require.NoError(t, it.Close())
}

func TestSyntheticLabelsInRange(t *testing.T) {
	stream, errCh := (&Synthetic{N: 50, Seed: 3, ClassDim: 4}).Stream(context.Background())
	samples, err := drain(t, stream, errCh)
	require.NoError(t, err)
	require.Len(t, samples, 50)
	for _, s := range samples {
		assert.True(t, s.Label >= 0 && s.Label < 4)
		assert.Len(t, s.Image, ImageSize)
	}
}

func TestMinibatchTensors(t *testing.T) {
	stream, errCh := (&Synthetic{N: 3, Seed: 4}).Stream(context.Background())
	samples, err := drain(t, stream, errCh)
	require.NoError(t, err)
	img, lab, err := Minibatch(samples).Tensors()
	require.NoError(t, err)
	assert.Equal(t, []int{3, Channels, Height, Width}, img.Shape)
	assert.Equal(t, []int{3, 1}, lab.Shape)
	assert.Equal(t, int64(samples[1].Label), lab.I64[1])
	assert.Equal(t, samples[2].Image[5], img.F32[2*ImageSize+5])

	_, _, err = Minibatch(nil).Tensors()
	assert.Error(t, err)
}
