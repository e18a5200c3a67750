package fusedlayer

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dropoutConfig() Config {
	cfg := testConfig()
	cfg.AttnDropoutRatio = 0.2
	cfg.HiddenDropoutRatio = 0.3
	return cfg
}

func TestRandomStateReplay(t *testing.T) {
	cfg := dropoutConfig()
	f := newTestFactory(t)
	l, err := f.Transformer(cfg)
	require.NoError(t, err)
	x, mask := blockInput(cfg, 1)

	f.Backend().StoreRandomState()
	first, _, err := l.Forward(Mode{Training: true}, x, mask, nil)
	require.NoError(t, err)
	f.Backend().RestoreRandomState(true)

	replay, _, err := l.Forward(Mode{Training: true}, x, mask, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Data(), replay.Data(), "replay draws the same masks")

	next, _, err := l.Forward(Mode{Training: true}, x, mask, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.Data(), next.Data(), "the stream moves on without a restore")
}

func TestRandomStateDiscard(t *testing.T) {
	cfg := dropoutConfig()
	f := newTestFactory(t)
	l, err := f.Transformer(cfg)
	require.NoError(t, err)
	x, mask := blockInput(cfg, 2)

	f.Backend().StoreRandomState()
	first, _, err := l.Forward(Mode{Training: true}, x, mask, nil)
	require.NoError(t, err)
	f.Backend().RestoreRandomState(false)

	second, _, err := l.Forward(Mode{Training: true}, x, mask, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.Data(), second.Data())

	// Restoring with no frame is a no-op.
	f.Backend().RestoreRandomState(true)
}

func TestRandomStateNestedFrames(t *testing.T) {
	cfg := dropoutConfig()
	f := newTestFactory(t)
	l1, err := f.Transformer(cfg)
	require.NoError(t, err)
	l2, err := f.Transformer(cfg)
	require.NoError(t, err)
	x, mask := blockInput(cfg, 3)
	train := Mode{Training: true}
	rng := f.Backend()

	rng.StoreRandomState()
	a1, _, err := l1.Forward(train, x, mask, nil)
	require.NoError(t, err)
	rng.StoreRandomState()
	b1, _, err := l2.Forward(train, x, mask, nil)
	require.NoError(t, err)

	rng.RestoreRandomState(true)
	b2, _, err := l2.Forward(train, x, mask, nil)
	require.NoError(t, err)
	assert.Equal(t, b1.Data(), b2.Data(), "inner frame rewinds l2")

	rng.RestoreRandomState(true)
	a2, _, err := l1.Forward(train, x, mask, nil)
	require.NoError(t, err)
	assert.Equal(t, a1.Data(), a2.Data(), "outer frame rewinds l1")

	b3, _, err := l2.Forward(train, x, mask, nil)
	require.NoError(t, err)
	assert.NotEqual(t, b1.Data(), b3.Data(), "outer frame leaves l2 where the inner replay left it")
}

func TestEvalModeDoesNotAdvanceStream(t *testing.T) {
	cfg := dropoutConfig()
	f := newTestFactory(t)
	l, err := f.Transformer(cfg)
	require.NoError(t, err)
	x, mask := blockInput(cfg, 4)

	f.Backend().StoreRandomState()
	a, _, err := l.Forward(Mode{Training: true}, x, mask, nil)
	require.NoError(t, err)
	f.Backend().RestoreRandomState(true)

	_, _, err = l.Forward(EvalMode, x, mask, nil)
	require.NoError(t, err)
	b, _, err := l.Forward(Mode{Training: true}, x, mask, nil)
	require.NoError(t, err)
	assert.Equal(t, a.Data(), b.Data())
}

func TestKernelTables(t *testing.T) {
	b := newTestBackend(t)
	k := b.Kernels(DispatchFP32)
	spec := layerSpecFor(KindMLP, testConfig())

	require.NoError(t, k.CreateMLP(0, spec))
	assert.Error(t, k.CreateMLP(0, spec), "duplicate id")
	assert.ErrorIs(t, k.CreateMLP(-1, spec), ErrUnknownLayer)
	assert.Equal(t, 1, b.LayerCount(DispatchFP32, KindMLP))
	assert.Zero(t, b.LayerCount(DispatchFP16, KindMLP), "dispatches keep separate tables")
	assert.Zero(t, b.LayerCount(DispatchFP32, KindTransformer), "kinds keep separate tables")

	// The same id is free in another kind and another dispatch.
	require.NoError(t, k.CreateLayerNorm(0, layerSpecFor(KindLayerNorm, testConfig())))
	require.NoError(t, b.Kernels(DispatchFP16).CreateMLP(0, spec))

	_, err := k.MLPForward(7, TrainMode, NewTensor(1, 1, 8), nil)
	assert.ErrorIs(t, err, ErrUnknownLayer)
	_, err = b.Kernels(DispatchStochasticFP32).MLPForward(0, TrainMode, NewTensor(1, 1, 8), nil)
	assert.ErrorIs(t, err, ErrUnknownLayer)
	assert.Same(t, k, b.Kernels(DispatchFP32))
}

func TestBackendBatchGuard(t *testing.T) {
	cfg := testConfig()
	f := newTestFactory(t)
	l, err := f.Transformer(cfg)
	require.NoError(t, err)

	x := NewTensor(cfg.BatchSize+1, cfg.MaxSeqLength, cfg.HiddenSize)
	_, err = f.Backend().Kernels(DispatchFP32).TransformerForward(l.ID(), TrainMode, x,
		NewTensor(cfg.BatchSize+1, cfg.MaxSeqLength), l.Params())
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestLayerDispatch(t *testing.T) {
	tests := []struct {
		fp16, stochastic bool
		want             Dispatch
	}{
		{false, false, DispatchFP32},
		{true, false, DispatchFP16},
		{false, true, DispatchStochasticFP32},
		{true, true, DispatchStochasticFP16},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			cfg := testConfig()
			cfg.FP16, cfg.StochasticMode = tt.fp16, tt.stochastic
			b := newTestBackend(t)
			l, err := NewFactory(b).Transformer(cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, l.Dispatch())
			for _, d := range Dispatches {
				want := 0
				if d == tt.want {
					want = 1
				}
				assert.Equal(t, want, b.LayerCount(d, KindTransformer), d.String())
			}
		})
	}
}

// runBlock builds a block on a fresh backend and returns its output and
// input gradient for a fixed input.
func runBlock(t *testing.T, cfg Config, opts ...CPUOption) (*Tensor, *Gradients) {
	t.Helper()
	b := NewCPUBackend(opts...)
	t.Cleanup(b.Close)
	l, err := NewFactory(b).Transformer(cfg)
	require.NoError(t, err)
	x, mask := blockInput(cfg, 11)
	out, st, err := l.Forward(TrainMode, x, mask, nil)
	require.NoError(t, err)
	g, err := l.Backward(st, randomInput(12, out.Shape()...))
	require.NoError(t, err)
	return out, g
}

func TestStochasticMatchesStandard(t *testing.T) {
	cfg := dropoutConfig()
	want, wantG := runBlock(t, cfg)

	cfg.StochasticMode = true
	parallel := WithComputeConfig(ComputeConfig{NumWorkers: 4, MinRowsForParallel: 1})
	got, gotG := runBlock(t, cfg, parallel)

	requireClose(t, PrecisionFP32, want, got, "output")
	requireClose(t, PrecisionFP32, wantG.Input(), gotG.Input(), "input grad")
	for _, name := range transformerParamNames {
		requireClose(t, PrecisionFP32, wantG.Get(name), gotG.Get(name), name)
	}
}

func TestFP16WithinTolerance(t *testing.T) {
	cfg := testConfig()
	want, wantG := runBlock(t, cfg)

	cfg.FP16 = true
	got, gotG := runBlock(t, cfg)
	requireClose(t, PrecisionFP16, want, got, "output")
	requireClose(t, PrecisionFP16, wantG.Input(), gotG.Input(), "input grad")

	// Every buffer handed back is already rounded to half precision.
	rounded := slices.Clone(got.Data())
	roundFP16(rounded)
	assert.Equal(t, got.Data(), rounded)
}

func TestDropoutMask(t *testing.T) {
	cfg := dropoutConfig()
	b := newTestBackend(t)
	l, err := NewFactory(b).Transformer(cfg)
	require.NoError(t, err)
	cl, err := b.sets[DispatchFP32].layer(KindTransformer, l.ID())
	require.NoError(t, err)

	m, scale := cl.dropoutMask(4000, 0.25, true)
	assert.InDelta(t, 1/0.75, scale, 1e-12)
	kept := 0
	for _, v := range m {
		require.True(t, v == 0 || v == 1)
		kept += int(v)
	}
	assert.InDelta(t, 3000, kept, 150)

	m, scale = cl.dropoutMask(10, 0.25, false)
	assert.Equal(t, 1.0, scale)
	assert.False(t, slices.Contains(m, 0))
}
