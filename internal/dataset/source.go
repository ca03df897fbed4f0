package dataset

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
)

// Source produces one pass over a dataset split. Every call to Stream
// starts a new pass from the beginning.
type Source interface {
	Stream(ctx context.Context) (<-chan Sample, <-chan error)
}

// FileSource reads extracted batch files with a pool of readers.
type FileSource struct {
	Files      []string
	NumWorkers int
}

// Stream implements Source.
func (s *FileSource) Stream(ctx context.Context) (<-chan Sample, <-chan error) {
	out, errCh, err := StartSampler(ctx, SamplerOptions{Files: s.Files, NumWorkers: s.NumWorkers})
	if err != nil {
		return failed(err)
	}
	return out, errCh
}

// ArchiveSource reads batch files straight out of the tar.gz archive.
type ArchiveSource struct {
	Path  string
	Split Split
}

// Stream implements Source.
func (s *ArchiveSource) Stream(ctx context.Context) (<-chan Sample, <-chan error) {
	return StreamArchive(ctx, s.Path, s.Split)
}

// Synthetic yields N deterministic random samples, identical on every pass.
type Synthetic struct {
	N        int
	Seed     int64
	ClassDim int
}

// Stream implements Source.
func (s *Synthetic) Stream(ctx context.Context) (<-chan Sample, <-chan error) {
	classes := s.ClassDim
	if classes <= 0 {
		classes = NumClasses
	}
	out := make(chan Sample, streamBuffer)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		rng := rand.New(rand.NewSource(s.Seed))
		for i := 0; i < s.N; i++ {
			img := make([]float32, ImageSize)
			for j := range img {
				img[j] = float32(rng.Intn(256)) / 255
			}
			sample := Sample{Key: fmt.Sprintf("synthetic/%d", i), Image: img, Label: rng.Intn(classes)}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- sample:
			}
		}
	}()
	return out, errCh
}

// SliceSource replays an in-memory sample list.
type SliceSource []Sample

// Stream implements Source.
func (s SliceSource) Stream(ctx context.Context) (<-chan Sample, <-chan error) {
	out := make(chan Sample)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		for _, sample := range s {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- sample:
			}
		}
	}()
	return out, errCh
}

func failed(err error) (<-chan Sample, <-chan error) {
	out := make(chan Sample)
	errCh := make(chan error, 1)
	close(out)
	errCh <- errors.WithStack(err)
	close(errCh)
	return out, errCh
}
