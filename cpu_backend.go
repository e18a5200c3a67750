package fusedlayer

// ===========================================================================
// WHAT'S GOING ON HERE: The Reference CPU Backend
// ===========================================================================
//
// CPUBackend implements the fused backend contract in pure Go. It keeps one
// kernel set per Dispatch, and each kernel set keeps one table per sublayer
// kind mapping layer ids to per-layer state:
//
//   - a PCG random stream seeded from (seed, id), used for dropout masks
//   - the normalization statistics of the layer's most recent forward
//   - the layer's sizing and effective retention flags
//
// The retention flags matter to the backend in exactly one way: they tell
// the backward kernels which argument slots carry real buffers and which
// carry a substitute (see retention.go). For example with gelu_checkpoint
// the forward hands back the activation *input* in the ff2_inp slot, and the
// backward recomputes the activation from it.
//
// RANDOM STATE:
//
// StoreRandomState pushes a frame recording every layer's stream.
// RestoreRandomState(true) pops the top frame and rewinds only the layers
// that advanced while that frame was on top, so a replayed segment sees
// the same masks while other segments keep their streams.
// RestoreRandomState(false) pops without rewinding.
//
// ===========================================================================

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"
)

// CPUBackend is a Backend that computes on the host CPU.
type CPUBackend struct {
	mu      sync.Mutex
	compute ComputeConfig
	pool    *workerpool.Pool
	sets    [numDispatches]*cpuKernels
	frames  []*rngFrame
}

// CPUOption configures a CPUBackend.
type CPUOption func(*CPUBackend)

// WithComputeConfig sets the parallelism of the stochastic kernel sets.
func WithComputeConfig(cfg ComputeConfig) CPUOption {
	return func(b *CPUBackend) { b.compute = cfg }
}

// NewCPUBackend creates a backend with empty layer tables. Call Close to
// release the worker pool.
func NewCPUBackend(opts ...CPUOption) *CPUBackend {
	b := &CPUBackend{compute: DefaultComputeConfig()}
	for _, opt := range opts {
		opt(b)
	}
	b.pool = workerpool.New(b.compute.numWorkers())
	for _, d := range Dispatches {
		exec := sequentialExecutor()
		if d.Stochastic() {
			exec = parallelExecutor(b.pool, b.compute)
		}
		k := &cpuKernels{backend: b, dispatch: d, round: rounderFor(d.Precision()), exec: exec}
		for _, kind := range Kinds {
			k.tables[kind] = make(map[LayerID]*cpuLayer)
		}
		b.sets[d] = k
	}
	return b
}

// Close releases the worker pool. Kernels keep working sequentially.
func (b *CPUBackend) Close() {
	b.pool.Close()
}

// Kernels returns the kernel set for d.
func (b *CPUBackend) Kernels(d Dispatch) Kernels {
	return b.sets[d]
}

// LayerCount returns how many layers of kind are registered under d.
func (b *CPUBackend) LayerCount(d Dispatch, kind Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sets[d].tables[kind])
}

type rngFrame struct {
	states map[*cpuLayer]rand.PCG
	owned  []*cpuLayer
	frozen bool
}

// advanced lists layers whose stream moved since the frame was taken.
func (f *rngFrame) advanced() []*cpuLayer {
	var out []*cpuLayer
	for l, st := range f.states {
		if *l.pcg != st {
			out = append(out, l)
		}
	}
	return out
}

// StoreRandomState pushes a snapshot of every layer's stream.
func (b *CPUBackend) StoreRandomState() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := len(b.frames); n > 0 && !b.frames[n-1].frozen {
		top := b.frames[n-1]
		top.owned, top.frozen = top.advanced(), true
	}
	f := &rngFrame{states: make(map[*cpuLayer]rand.PCG)}
	for _, k := range b.sets {
		for _, table := range k.tables {
			for _, l := range table {
				f.states[l] = *l.pcg
			}
		}
	}
	b.frames = append(b.frames, f)
}

// RestoreRandomState pops the newest snapshot, rewinding the layers it owns
// when gradEnabled is true.
func (b *CPUBackend) RestoreRandomState(gradEnabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.frames)
	if n == 0 {
		return
	}
	top := b.frames[n-1]
	b.frames = b.frames[:n-1]
	if !gradEnabled {
		return
	}
	owned := top.owned
	if !top.frozen {
		owned = top.advanced()
	}
	for _, l := range owned {
		*l.pcg = top.states[l]
	}
	logger.Debug("random state restored", slog.Int("layers", len(owned)))
}

// cpuLayer is the backend-side state of one registered layer.
type cpuLayer struct {
	kind   Kind
	id     LayerID
	spec   LayerSpec
	device Device
	pcg    *rand.PCG
	rng    *rand.Rand

	// normalization statistics of the most recent forward
	attnNorm lnStats // attention-side norm (full block)
	norm     lnStats // block norm, or the layer-norm kind's only norm
}

type lnStats struct {
	mean, invStd []float64
}

// dropoutMask samples a keep mask of n elements. Outside training, or with a
// zero ratio, every element is kept and the stream does not advance.
func (l *cpuLayer) dropoutMask(n int, ratio float64, training bool) (mask []float64, scale float64) {
	mask = make([]float64, n)
	if !training || ratio == 0 {
		for i := range mask {
			mask[i] = 1
		}
		return mask, 1
	}
	for i := range mask {
		if l.rng.Float64() >= ratio {
			mask[i] = 1
		}
	}
	return mask, 1 / (1 - ratio)
}

// dropoutScale is the scale used in backward, which only follows a
// training-mode forward.
func dropoutScale(ratio float64) float64 {
	return 1 / (1 - ratio)
}

// cpuKernels is one dispatch's kernel set.
type cpuKernels struct {
	backend  *CPUBackend
	dispatch Dispatch
	round    rounder
	exec     executor
	tables   [numKinds]map[LayerID]*cpuLayer
}

var _ Kernels = (*cpuKernels)(nil)

func (k *cpuKernels) create(kind Kind, id LayerID, spec LayerSpec) error {
	if id < 0 {
		return fmt.Errorf("%w: %d", ErrUnknownLayer, id)
	}
	k.backend.mu.Lock()
	defer k.backend.mu.Unlock()
	if _, ok := k.tables[kind][id]; ok {
		return fmt.Errorf("%s layer %d already registered for %s", kind, id, k.dispatch)
	}
	pcg := rand.NewPCG(uint64(spec.Seed), uint64(id))
	k.tables[kind][id] = &cpuLayer{
		kind:   kind,
		id:     id,
		spec:   spec,
		device: SelectDevice(spec.LocalRank),
		pcg:    pcg,
		rng:    rand.New(pcg),
	}
	logger.Debug("backend layer registered",
		slog.String("kind", kind.String()),
		slog.Int("layer_id", int(id)),
		slog.String("dispatch", k.dispatch.String()))
	return nil
}

func (k *cpuKernels) layer(kind Kind, id LayerID) (*cpuLayer, error) {
	k.backend.mu.Lock()
	defer k.backend.mu.Unlock()
	l, ok := k.tables[kind][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s layer %d (%s)", ErrUnknownLayer, kind, id, k.dispatch)
	}
	return l, nil
}

// tensor rounds data to the dispatch precision and wraps it.
func (k *cpuKernels) tensor(data []float64, shape ...int) *Tensor {
	k.round(data)
	return NewTensorFrom(data, shape...)
}

// checkBatch is the backend's own guard: buffers are sized for the
// registered ceiling and sequence length.
func (l *cpuLayer) checkBatch(batch, seq int) error {
	if batch > l.spec.BatchSize {
		return fmt.Errorf("%w: backend sized for batch %d, got %d", ErrBatchTooLarge, l.spec.BatchSize, batch)
	}
	if seq > l.spec.MaxSeqLength {
		return fmt.Errorf("backend sized for sequence %d, got %d", l.spec.MaxSeqLength, seq)
	}
	return nil
}
