package fusedlayer

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The CPU backend runs its standard kernel sets single-threaded, in a fixed
// loop order, so results are reproducible bit for bit. The stochastic kernel
// sets trade that for throughput: row loops go through a persistent
// go-highway worker pool and attention heads fan out over an errgroup.
//
// ComputeConfig decides how wide the stochastic kernels go and when a loop
// is too small to be worth splitting.
//
// ===========================================================================

import (
	"runtime"

	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"
	"golang.org/x/sync/errgroup"
)

// ComputeConfig controls parallelization of the stochastic kernel sets.
type ComputeConfig struct {
	// NumWorkers is the worker pool size. If 0, defaults to runtime.NumCPU().
	NumWorkers int

	// MinRowsForParallel is the smallest row count split across workers.
	// Small loops don't benefit due to coordination overhead.
	MinRowsForParallel int
}

// DefaultComputeConfig returns a sensible default configuration.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		NumWorkers:         0, // Use all available CPUs
		MinRowsForParallel: 16,
	}
}

// SingleThreadedConfig makes the stochastic kernels run on one worker.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{NumWorkers: 1, MinRowsForParallel: 1 << 30}
}

func (c ComputeConfig) numWorkers() int {
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

// executor runs row loops and independent tasks either sequentially or in
// parallel.
type executor struct {
	pool    *workerpool.Pool // nil for sequential execution
	limit   int
	minRows int
}

func sequentialExecutor() executor {
	return executor{}
}

func parallelExecutor(pool *workerpool.Pool, cfg ComputeConfig) executor {
	return executor{pool: pool, limit: cfg.numWorkers(), minRows: cfg.MinRowsForParallel}
}

// rows calls fn over [0, n) in contiguous chunks.
func (e executor) rows(n int, fn func(start, end int)) {
	if e.pool == nil || n < e.minRows {
		fn(0, n)
		return
	}
	e.pool.ParallelFor(n, fn)
}

// tasks runs fn(i) for i in [0, n) and returns the first error.
func (e executor) tasks(n int, fn func(i int) error) error {
	if e.pool == nil {
		for i := range n {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}
	var g errgroup.Group
	g.SetLimit(e.limit)
	for i := range n {
		g.Go(func() error { return fn(i) })
	}
	return g.Wait()
}
