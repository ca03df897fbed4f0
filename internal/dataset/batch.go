package dataset

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"resnet-ce/internal/tensor"
)

// Minibatch is an ordered group of samples. The last batch of a pass may be
// shorter than the configured size.
type Minibatch []Sample

// Tensors converts the batch into an image tensor [n,3,32,32] and a label
// tensor [n,1].
func (b Minibatch) Tensors() (*tensor.Tensor, *tensor.Tensor, error) {
	if len(b) == 0 {
		return nil, nil, errors.New("empty minibatch")
	}
	img := make([]float32, 0, len(b)*ImageSize)
	labels := make([]int64, len(b))
	for i, s := range b {
		if len(s.Image) != ImageSize {
			return nil, nil, errors.Errorf("sample %s has %d pixels, want %d", s.Key, len(s.Image), ImageSize)
		}
		img = append(img, s.Image...)
		labels[i] = int64(s.Label)
	}
	images, err := tensor.NewFloat32([]int{len(b), Channels, Height, Width}, img)
	if err != nil {
		return nil, nil, err
	}
	lab, err := tensor.NewInt64([]int{len(b), 1}, labels)
	if err != nil {
		return nil, nil, err
	}
	return images, lab, nil
}

// Reader starts passes over a dataset as minibatches.
type Reader interface {
	Open(ctx context.Context) (Iterator, error)
}

// Iterator yields the minibatches of one pass. Next returns io.EOF after
// the last batch.
type Iterator interface {
	Next() (Minibatch, error)
	Close() error
}

// BatchReader groups a Source into minibatches of BatchSize.
type BatchReader struct {
	Source    Source
	BatchSize int
}

// NewBatchReader returns a Reader over src.
func NewBatchReader(src Source, batchSize int) (*BatchReader, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be > 0, got %d", batchSize)
	}
	return &BatchReader{Source: src, BatchSize: batchSize}, nil
}

// Open implements Reader.
func (r *BatchReader) Open(parent context.Context) (Iterator, error) {
	ctx, cancel := context.WithCancel(parent)
	samples, errCh := r.Source.Stream(ctx)
	return &batchIterator{size: r.BatchSize, samples: samples, errCh: errCh, cancel: cancel}, nil
}

type batchIterator struct {
	size    int
	samples <-chan Sample
	errCh   <-chan error
	cancel  context.CancelFunc
	done    bool
}

func (it *batchIterator) Next() (Minibatch, error) {
	if it.done {
		return nil, io.EOF
	}
	batch := make(Minibatch, 0, it.size)
	for len(batch) < it.size {
		s, ok := <-it.samples
		if !ok {
			it.done = true
			if err, ok := <-it.errCh; ok && err != nil {
				return nil, err
			}
			if len(batch) == 0 {
				return nil, io.EOF
			}
			return batch, nil
		}
		batch = append(batch, s)
	}
	return batch, nil
}

func (it *batchIterator) Close() error {
	it.cancel()
	// drain so producers observe the cancellation and exit
	for range it.samples {
	}
	return nil
}
