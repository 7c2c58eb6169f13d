// Package compute abstracts the execution substrate for independent
// frame tasks. The backend is selected once per batch run; frames are
// embarrassingly parallel, so a backend only needs bounded fan-out and
// submission-order result collection, which callers get by writing
// results into a pre-sized slice at the task's own index.
package compute

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/sync/errgroup"

	"github.com/materialsio/peakflow/pkg/errors"
)

// Task processes the unit at index i. Implementations write their
// result at the same index of a caller-owned slice, so results line up
// with submission order regardless of completion order.
type Task func(ctx context.Context, i int) error

// Backend executes n independent tasks.
type Backend interface {
	// Execute runs task for each index in [0, n). The first task error
	// cancels the remaining tasks and is returned.
	Execute(ctx context.Context, n int, task Task) error
	// Workers reports the backend's concurrency.
	Workers() int
}

// LocalBackend runs tasks on a bounded in-process worker pool.
type LocalBackend struct {
	workers int
}

// NewLocalBackend creates a pool with the given worker count.
// Counts below 1 auto-size to 75% of the machine's logical cores,
// leaving headroom for the aggregator and the external engine.
func NewLocalBackend(workers int) *LocalBackend {
	if workers < 1 {
		workers = autoWorkers()
	}
	return &LocalBackend{workers: workers}
}

func autoWorkers() int {
	cores, err := cpu.Counts(true)
	if err != nil || cores < 1 {
		cores = runtime.NumCPU()
	}
	workers := cores * 3 / 4
	if workers < 1 {
		workers = 1
	}
	return workers
}

// Workers implements Backend.
func (b *LocalBackend) Workers() int { return b.workers }

// Execute implements Backend.
func (b *LocalBackend) Execute(ctx context.Context, n int, task Task) error {
	if n < 0 {
		return errors.Newf(errors.ErrorTypeInternal, "negative task count %d", n)
	}
	if n == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return task(ctx, i)
		})
	}
	return g.Wait()
}
