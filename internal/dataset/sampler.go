package dataset

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// SamplerOptions configures the multi-file sampler.
type SamplerOptions struct {
	Files      []string
	NumWorkers int
}

// StartSampler streams every file once with NumWorkers readers, emitting
// samples in file order.
func StartSampler(parent context.Context, opts SamplerOptions) (<-chan Sample, <-chan error, error) {
	if len(opts.Files) == 0 {
		return nil, nil, errors.New("sampler: no batch files provided")
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}

	ctx, cancel := context.WithCancel(parent)

	jobs := make(chan fileJob, opts.NumWorkers)
	cursors := make(chan fileCursor, opts.NumWorkers)
	out := make(chan Sample, opts.NumWorkers*2)
	errCh := make(chan error, 1)

	go produceJobs(ctx, jobs, opts.Files)

	var wg sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(ctx, jobs, cursors)
		}()
	}

	go func() {
		wg.Wait()
		close(cursors)
	}()

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)
		if err := runAggregator(ctx, cursors, out); err != nil {
			errCh <- err
		}
	}()

	return out, errCh, nil
}

type fileJob struct {
	id   int
	path string
}

type fileCursor struct {
	id      int
	samples <-chan Sample
	errCh   <-chan error
}

func worker(ctx context.Context, jobs <-chan fileJob, cursors chan<- fileCursor) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			samples, errCh := StreamFile(ctx, job.path)
			cursor := fileCursor{id: job.id, samples: samples, errCh: errCh}
			select {
			case <-ctx.Done():
				return
			case cursors <- cursor:
			}
		}
	}
}

func runAggregator(ctx context.Context, cursors <-chan fileCursor, out chan<- Sample) error {
	pending := make(map[int]fileCursor)
	next := 0
	for {
		cursor, ok := pending[next]
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case c, open := <-cursors:
				if !open {
					return nil
				}
				pending[c.id] = c
			}
			continue
		}

		for sample := range cursor.samples {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- sample:
			}
		}
		if err := <-cursor.errCh; err != nil {
			return err
		}
		delete(pending, next)
		next++
	}
}

func produceJobs(ctx context.Context, jobs chan<- fileJob, files []string) {
	defer close(jobs)
	for id, path := range files {
		select {
		case <-ctx.Done():
			return
		case jobs <- fileJob{id: id, path: path}:
		}
	}
}
