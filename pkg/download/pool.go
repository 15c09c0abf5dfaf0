package download

import (
	"context"
	"errors"
	"iter"
	"sync"
)

const (
	// DefaultWorkers is the default number of concurrent downloads.
	DefaultWorkers = 16

	// BatchFactor sizes batches as a multiple of the worker count.
	BatchFactor = 4
)

// Worker performs a single download.
type Worker interface {
	Download(ctx context.Context, desc Descriptor) (Result, error)
}

// Pool runs a Worker over many descriptors with bounded concurrency.
type Pool struct {
	worker  Worker
	workers int
}

// NewPool creates a pool of workers goroutines. Values below 1 use
// DefaultWorkers.
func NewPool(w Worker, workers int) *Pool {
	if workers < 1 {
		workers = DefaultWorkers
	}
	return &Pool{worker: w, workers: workers}
}

// Workers returns the concurrency limit.
func (p *Pool) Workers() int {
	return p.workers
}

// Run downloads descs in batches of BatchFactor × workers and yields each
// batch's results in submission order. The first failed item ends the
// sequence: earlier results are yielded, then its error, and the rest of
// the batch is cancelled. descs is consumed lazily, one batch at a time.
func (p *Pool) Run(ctx context.Context, descs iter.Seq[Descriptor]) iter.Seq2[Result, error] {
	return func(yield func(Result, error) bool) {
		for batch := range Chunks(descs, p.workers*BatchFactor) {
			if err := ctx.Err(); err != nil {
				yield(Result{}, err)
				return
			}

			results, errs, cause := p.runBatch(ctx, batch)
			for i := range batch {
				if err := errs[i]; err != nil {
					// Items cancelled because a sibling failed report the
					// sibling's error.
					if cause != nil && errors.Is(err, context.Canceled) && ctx.Err() == nil {
						err = cause
					}
					yield(results[i], err)
					return
				}
				if !yield(results[i], nil) {
					return
				}
			}
		}
	}
}

func (p *Pool) runBatch(ctx context.Context, batch []Descriptor) ([]Result, []error, error) {
	bctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	results := make([]Result, len(batch))
	errs := make([]error, len(batch))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for range min(p.workers, len(batch)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if bctx.Err() != nil {
					results[i] = Result{Descriptor: batch[i]}
					errs[i] = context.Cause(bctx)
					continue
				}
				results[i], errs[i] = p.worker.Download(bctx, batch[i])
				if errs[i] != nil {
					cancel(errs[i])
				}
			}
		}()
	}

	for i := range batch {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	var cause error
	if err := context.Cause(bctx); err != nil && ctx.Err() == nil {
		cause = err
	}
	return results, errs, cause
}

// Chunks groups seq into slices of at most size elements.
func Chunks[T any](seq iter.Seq[T], size int) iter.Seq[[]T] {
	if size < 1 {
		size = 1
	}
	return func(yield func([]T) bool) {
		batch := make([]T, 0, size)
		for v := range seq {
			batch = append(batch, v)
			if len(batch) == size {
				if !yield(batch) {
					return
				}
				batch = make([]T, 0, size)
			}
		}
		if len(batch) > 0 {
			yield(batch)
		}
	}
}
