package fusedlayer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingBackend wraps the CPU backend and counts forward and backward
// entry-point calls, so tests can assert a rejection never reached it.
type countingBackend struct {
	*CPUBackend
	calls *int
}

func (b countingBackend) Kernels(d Dispatch) Kernels {
	return countingKernels{Kernels: b.CPUBackend.Kernels(d), calls: b.calls}
}

type countingKernels struct {
	Kernels
	calls *int
}

func (k countingKernels) TransformerForward(id LayerID, mode Mode, input, mask *Tensor, p *TransformerParams) (*TransformerBuffers, error) {
	*k.calls++
	return k.Kernels.TransformerForward(id, mode, input, mask, p)
}

func (k countingKernels) TransformerBackward(id LayerID, args *TransformerBackwardArgs) (*TransformerGrads, error) {
	*k.calls++
	return k.Kernels.TransformerBackward(id, args)
}

func (k countingKernels) MLPForward(id LayerID, mode Mode, input *Tensor, p *MLPParams) (*MLPBuffers, error) {
	*k.calls++
	return k.Kernels.MLPForward(id, mode, input, p)
}

func (k countingKernels) MLPBackward(id LayerID, args *MLPBackwardArgs) (*MLPGrads, error) {
	*k.calls++
	return k.Kernels.MLPBackward(id, args)
}

func (k countingKernels) BiasDropoutForward(id LayerID, mode Mode, input, residual, bias *Tensor) (*Tensor, *Tensor, error) {
	*k.calls++
	return k.Kernels.BiasDropoutForward(id, mode, input, residual, bias)
}

func TestGradientPositions(t *testing.T) {
	cfg := testConfig()
	f := newTestFactory(t)
	x, mask := blockInput(cfg, 1)

	tests := []struct {
		name    string
		run     func(t *testing.T) *Gradients
		total   int
		nonNil  int
		nilArgs []string
	}{
		{
			name: "transformer",
			run: func(t *testing.T) *Gradients {
				l, err := f.Transformer(cfg)
				require.NoError(t, err)
				out, st, err := l.Forward(TrainMode, x, mask, nil)
				require.NoError(t, err)
				g, err := l.Backward(st, NewTensorFilled(1, out.Shape()...))
				require.NoError(t, err)
				return g
			},
			total: 18, nonNil: 13,
			nilArgs: []string{"input_mask", ArgLayer, ArgCapture, ArgLayerID, ArgConfig},
		},
		{
			name: "self_attention",
			run: func(t *testing.T) *Gradients {
				l, err := f.SelfAttention(cfg)
				require.NoError(t, err)
				out, st, err := l.Forward(TrainMode, x, mask, nil)
				require.NoError(t, err)
				g, err := l.Backward(st, NewTensorFilled(1, out.Shape()...))
				require.NoError(t, err)
				return g
			},
			total: 10, nonNil: 5,
			nilArgs: []string{"input_mask", ArgConfig},
		},
		{
			name: "mlp",
			run: func(t *testing.T) *Gradients {
				l, err := f.MLP(cfg)
				require.NoError(t, err)
				out, st, err := l.Forward(TrainMode, x, nil)
				require.NoError(t, err)
				g, err := l.Backward(st, NewTensorFilled(1, out.Shape()...))
				require.NoError(t, err)
				return g
			},
			total: 9, nonNil: 5,
			nilArgs: []string{ArgLayer, ArgConfig},
		},
		{
			name: "bias_residual_dropout",
			run: func(t *testing.T) *Gradients {
				l, err := f.BiasDropout(cfg)
				require.NoError(t, err)
				out, st, err := l.Forward(TrainMode, x, x.Clone(), NewTensor(cfg.HiddenSize), nil)
				require.NoError(t, err)
				g, err := l.Backward(st, NewTensorFilled(1, out.Shape()...))
				require.NoError(t, err)
				return g
			},
			total: 7, nonNil: 3,
			nilArgs: []string{ArgLayerID},
		},
		{
			name: "layer_norm",
			run: func(t *testing.T) *Gradients {
				l, err := f.LayerNorm(cfg)
				require.NoError(t, err)
				out, st, err := l.Forward(TrainMode, x, nil)
				require.NoError(t, err)
				g, err := l.Backward(st, NewTensorFilled(1, out.Shape()...))
				require.NoError(t, err)
				return g
			},
			total: 7, nonNil: 3,
			nilArgs: []string{ArgCapture},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := tt.run(t)
			assert.Equal(t, tt.total, g.Len())
			assert.Equal(t, tt.nonNil, g.NonNil())
			for i := range g.Len() {
				assert.Equal(t, g.Arg(i).Differentiable, g.At(i) != nil, "position %d (%s)", i, g.Arg(i).Name)
			}
			for _, name := range tt.nilArgs {
				assert.Nil(t, g.Get(name), name)
			}
			require.NotNil(t, g.Input())
			assert.Equal(t, x.Shape(), g.Input().Shape())
		})
	}
}

func TestTransformerParamGradShapes(t *testing.T) {
	cfg := testConfig()
	l, err := newTestFactory(t).Transformer(cfg)
	require.NoError(t, err)
	x, mask := blockInput(cfg, 2)
	out, st, err := l.Forward(TrainMode, x, mask, nil)
	require.NoError(t, err)
	g, err := l.Backward(st, NewTensorFilled(1, out.Shape()...))
	require.NoError(t, err)

	grads := g.Params(l.ParamNames())
	for i, p := range l.Parameters() {
		require.NotNil(t, grads[i], l.ParamNames()[i])
		assert.Equal(t, p.Shape(), grads[i].Shape(), l.ParamNames()[i])
	}
}

func TestPreNormInvertibleState(t *testing.T) {
	cfg := testConfig().WithFlags(Flags{PreLayerNorm: true, NormalizeInvertible: true})
	l, err := newTestFactory(t).Transformer(cfg)
	require.NoError(t, err)
	x, mask := blockInput(cfg, 3)

	out, st, err := l.Forward(TrainMode, x, mask, nil)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, l.Plan().Retained, st.Retained())
	assert.Equal(t, 12, st.Retained().Len())
	assert.Nil(t, st.Buffer(BufInput))
	assert.Nil(t, st.Buffer(BufOutput))
	assert.Len(t, st.SavedTensors(), 13)
	assert.Positive(t, st.RetainedBytes())

	g, err := l.Backward(st, NewTensorFilled(1, out.Shape()...))
	require.NoError(t, err)
	assert.Equal(t, 13, g.NonNil())
	assert.True(t, st.Reads().SubsetOf(st.Plan().Retained))
	assert.True(t, st.Reads().Has(BufInpNorm), "input and output come from inp_norm")
}

func TestStateLifecycle(t *testing.T) {
	cfg := testConfig()
	f := newTestFactory(t)
	l, err := f.Transformer(cfg)
	require.NoError(t, err)
	x, mask := blockInput(cfg, 4)
	grad := NewTensorFilled(1, x.Shape()...)

	t.Run("double backward", func(t *testing.T) {
		_, st, err := l.Forward(TrainMode, x, mask, nil)
		require.NoError(t, err)
		_, err = l.Backward(st, grad)
		require.NoError(t, err)
		assert.True(t, st.Consumed())
		assert.Zero(t, st.Retained().Len(), "buffers are released after backward")

		_, err = l.Backward(st, grad)
		assert.ErrorIs(t, err, ErrStateConsumed)
		assert.ErrorIs(t, err, ErrInvalidBackward)
	})

	t.Run("eval mode keeps nothing", func(t *testing.T) {
		out, st, err := l.Forward(EvalMode, x, mask, nil)
		require.NoError(t, err)
		assert.NotNil(t, out)
		assert.Nil(t, st)
		_, err = l.Backward(st, grad)
		assert.ErrorIs(t, err, ErrInvalidBackward)
	})

	t.Run("grad without training", func(t *testing.T) {
		_, st, err := l.Forward(Mode{GradEnabled: true}, x, mask, nil)
		require.NoError(t, err)
		require.NotNil(t, st)
		_, err = l.Backward(st, grad)
		assert.ErrorIs(t, err, ErrInvalidBackward)
		assert.False(t, errors.Is(err, ErrStateConsumed))
	})

	t.Run("foreign state", func(t *testing.T) {
		other, err := f.Transformer(cfg)
		require.NoError(t, err)
		_, st, err := other.Forward(TrainMode, x, mask, nil)
		require.NoError(t, err)
		_, err = l.Backward(st, grad)
		assert.ErrorIs(t, err, ErrInvalidBackward)
		assert.False(t, st.Consumed())
	})

	t.Run("state snapshot", func(t *testing.T) {
		_, st, err := l.Forward(TrainMode, x, mask, nil)
		require.NoError(t, err)
		assert.Equal(t, l.ID(), st.Config().LayerID)
		assert.Equal(t, TrainMode, st.Mode())
		assert.Equal(t, KindTransformer, st.Plan().Kind)
	})
}

func TestRetainedMatchesPlanForEveryFlag(t *testing.T) {
	for _, flags := range AllFlags() {
		t.Run(flags.String(), func(t *testing.T) {
			cfg := testConfig().WithFlags(flags)
			l, err := newTestFactory(t).Transformer(cfg)
			require.NoError(t, err)
			x, mask := blockInput(cfg, 5)
			out, st, err := l.Forward(TrainMode, x, mask, nil)
			require.NoError(t, err)
			assert.Equal(t, PlanFor(KindTransformer, flags).Retained, st.Retained())

			_, err = l.Backward(st, NewTensorFilled(1, out.Shape()...))
			require.NoError(t, err)
			assert.True(t, st.Reads().SubsetOf(PlanFor(KindTransformer, flags).Retained))
		})
	}
}

func TestSlotsRejectMissingBuffer(t *testing.T) {
	plan := PlanFor(KindMLP, Flags{})
	produced := BufferTable{}
	produced[BufInput] = NewTensor(1, 2)
	produced[BufGeluInput] = NewTensor(1, 2)
	produced[BufFF2Input] = NewTensor(1, 2)
	st := newStepState(plan, testConfig(), TrainMode, &produced, nil, nil)

	st.buffers[BufGeluInput] = nil
	_, err := st.slots()
	assert.ErrorIs(t, err, ErrNotRetained)
}

func TestBatchCeiling(t *testing.T) {
	cfg := testConfig()
	var calls int
	backend := countingBackend{CPUBackend: newTestBackend(t), calls: &calls}
	f := NewFactory(backend)

	big := randomInput(6, cfg.BatchSize+1, cfg.MaxSeqLength, cfg.HiddenSize)
	bigMask := NewTensor(cfg.BatchSize+1, cfg.MaxSeqLength)

	t.Run("transformer", func(t *testing.T) {
		l, err := f.Transformer(cfg)
		require.NoError(t, err)
		calls = 0
		_, _, err = l.Forward(TrainMode, big, bigMask, nil)
		assert.ErrorIs(t, err, ErrBatchTooLarge)
		assert.Zero(t, calls)

		x, mask := blockInput(cfg, 7)
		out, st, err := l.Forward(TrainMode, x, mask, nil)
		require.NoError(t, err)
		calls = 0
		_, err = l.Backward(st, NewTensorFilled(1, big.Shape()...))
		assert.ErrorIs(t, err, ErrBatchTooLarge)
		assert.Zero(t, calls)
		assert.False(t, st.Consumed(), "a rejected gradient leaves the state usable")

		_, err = l.Backward(st, NewTensorFilled(1, out.Shape()...))
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("mlp", func(t *testing.T) {
		l, err := f.MLP(cfg)
		require.NoError(t, err)
		calls = 0
		_, _, err = l.Forward(TrainMode, big, nil)
		assert.ErrorIs(t, err, ErrBatchTooLarge)
		assert.Zero(t, calls)
	})

	t.Run("bias dropout residual", func(t *testing.T) {
		l, err := f.BiasDropout(cfg)
		require.NoError(t, err)
		x, _ := blockInput(cfg, 8)
		calls = 0
		_, _, err = l.Forward(TrainMode, x, big, NewTensor(cfg.HiddenSize), nil)
		assert.ErrorIs(t, err, ErrBatchTooLarge)
		assert.Zero(t, calls)
	})

	t.Run("smaller batch is fine", func(t *testing.T) {
		l, err := f.Transformer(cfg)
		require.NoError(t, err)
		x := randomInput(9, 1, cfg.MaxSeqLength, cfg.HiddenSize)
		out, st, err := l.Forward(TrainMode, x, NewTensor(1, cfg.MaxSeqLength), nil)
		require.NoError(t, err)
		_, err = l.Backward(st, NewTensorFilled(1, out.Shape()...))
		require.NoError(t, err)
	})
}

func TestBiasDropoutEval(t *testing.T) {
	cfg := testConfig()
	cfg.HiddenDropoutRatio = 0.5
	l, err := newTestFactory(t).BiasDropout(cfg)
	require.NoError(t, err)

	x := randomInput(10, 2, 3, cfg.HiddenSize)
	r := randomInput(11, 2, 3, cfg.HiddenSize)
	bias := randomInput(12, cfg.HiddenSize)
	out, st, err := l.Forward(EvalMode, x, r, bias, nil)
	require.NoError(t, err)
	assert.Nil(t, st)
	for i := range out.data {
		want := x.data[i] + bias.data[i%cfg.HiddenSize] + r.data[i]
		assert.InDelta(t, want, out.data[i], 1e-5)
	}
}

func TestBiasDropoutGradients(t *testing.T) {
	cfg := testConfig()
	cfg.HiddenDropoutRatio = 0.5
	l, err := newTestFactory(t).BiasDropout(cfg)
	require.NoError(t, err)

	x := randomInput(13, 2, 4, cfg.HiddenSize)
	out, st, err := l.Forward(TrainMode, x, x.Clone(), NewTensor(cfg.HiddenSize), nil)
	require.NoError(t, err)
	mask := st.Buffer(BufDropoutMask)
	require.NotNil(t, mask)
	assert.Equal(t, x.Shape(), mask.Shape())

	grad := NewTensorFilled(1, out.Shape()...)
	g, err := l.Backward(st, grad)
	require.NoError(t, err)
	assert.Same(t, grad, g.Get("residual"))
	for i, m := range mask.data {
		assert.InDelta(t, m*2, g.Input().data[i], 1e-6, "input grad is the scaled mask")
	}
	bias := g.Get("bias")
	require.NotNil(t, bias)
	for j := range cfg.HiddenSize {
		sum := 0.0
		for r := range 8 {
			sum += g.Input().data[r*cfg.HiddenSize+j]
		}
		assert.InDelta(t, sum, bias.data[j], 1e-5)
	}
}
