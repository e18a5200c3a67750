package fusedlayer

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"
)

func TestComputeConfig(t *testing.T) {
	// Test default config
	cfg := DefaultComputeConfig()
	if cfg.numWorkers() != runtime.NumCPU() {
		t.Errorf("expected %d workers, got %d", runtime.NumCPU(), cfg.numWorkers())
	}

	// Test single-threaded config
	stCfg := SingleThreadedConfig()
	if stCfg.numWorkers() != 1 {
		t.Errorf("single-threaded config should have 1 worker, got %d", stCfg.numWorkers())
	}
}

func TestExecutorRowsCoverRange(t *testing.T) {
	pool := workerpool.New(4)
	defer pool.Close()

	for _, n := range []int{1, 7, 64, 1000} {
		for name, e := range map[string]executor{
			"sequential": sequentialExecutor(),
			"parallel":   parallelExecutor(pool, ComputeConfig{NumWorkers: 4, MinRowsForParallel: 1}),
		} {
			t.Run(fmt.Sprintf("%s/n=%d", name, n), func(t *testing.T) {
				hits := make([]int32, n)
				e.rows(n, func(start, end int) {
					for i := start; i < end; i++ {
						atomic.AddInt32(&hits[i], 1)
					}
				})
				for i, h := range hits {
					if h != 1 {
						t.Fatalf("row %d visited %d times", i, h)
					}
				}
			})
		}
	}
}

func TestExecutorTasksReturnsError(t *testing.T) {
	pool := workerpool.New(2)
	defer pool.Close()
	boom := errors.New("boom")

	for name, e := range map[string]executor{
		"sequential": sequentialExecutor(),
		"parallel":   parallelExecutor(pool, ComputeConfig{NumWorkers: 2}),
	} {
		var ran atomic.Int32
		err := e.tasks(8, func(i int) error {
			ran.Add(1)
			if i == 3 {
				return boom
			}
			return nil
		})
		if !errors.Is(err, boom) {
			t.Errorf("%s: expected boom, got %v", name, err)
		}
		if ran.Load() < 4 {
			t.Errorf("%s: only %d tasks ran", name, ran.Load())
		}
	}
}

func TestParallelLinearCorrectness(t *testing.T) {
	// Test that parallel linear produces same results as single-threaded
	pool := workerpool.New(4)
	defer pool.Close()
	par := parallelExecutor(pool, ComputeConfig{NumWorkers: 4, MinRowsForParallel: 1})

	for _, n := range []int{1, 16, 33} {
		t.Run(fmt.Sprintf("rows=%d", n), func(t *testing.T) {
			x := randomInput(1, n, 12).Data()
			w := randomInput(2, 20, 12).Data()
			b := randomInput(3, 20).Data()

			resultST := linear(sequentialExecutor(), x, n, 12, w, 20, b)
			resultPar := linear(par, x, n, 12, w, 20, b)

			for i := range resultST {
				if math.Abs(resultST[i]-resultPar[i]) > 1e-12 {
					t.Fatalf("element %d: single-threaded %v, parallel %v", i, resultST[i], resultPar[i])
				}
			}
			// Spot check one element against the definition.
			want := b[0]
			for k := range 12 {
				want += x[k] * w[k]
			}
			if math.Abs(resultST[0]-want) > 1e-12 {
				t.Errorf("y[0] = %v, want %v", resultST[0], want)
			}
		})
	}
}

func BenchmarkTransformerForward(b *testing.B) {
	for _, stochastic := range []bool{false, true} {
		b.Run(fmt.Sprintf("stochastic=%t", stochastic), func(b *testing.B) {
			cfg := DefaultConfig()
			cfg.BatchSize, cfg.MaxSeqLength, cfg.HiddenSize = 4, 64, 128
			cfg.StochasticMode = stochastic
			backend := NewCPUBackend()
			defer backend.Close()
			l, err := NewFactory(backend).Transformer(cfg)
			if err != nil {
				b.Fatal(err)
			}
			x, mask := blockInput(cfg, 1)
			b.ResetTimer()
			for b.Loop() {
				if _, _, err := l.Forward(TrainMode, x, mask, nil); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
