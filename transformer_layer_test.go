package fusedlayer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointFlagsAreBitExact(t *testing.T) {
	for _, pre := range []bool{true, false} {
		for _, inv := range []bool{true, false} {
			base := dropoutConfig().WithFlags(Flags{PreLayerNorm: pre, NormalizeInvertible: inv})
			wantOut, wantG := runBlock(t, base)
			for _, ckpt := range []Flags{
				{AttnDropoutCheckpoint: true},
				{GeluCheckpoint: true},
				{AttnDropoutCheckpoint: true, GeluCheckpoint: true},
			} {
				f := Flags{PreLayerNorm: pre, NormalizeInvertible: inv,
					AttnDropoutCheckpoint: ckpt.AttnDropoutCheckpoint, GeluCheckpoint: ckpt.GeluCheckpoint}
				t.Run(f.String(), func(t *testing.T) {
					out, g := runBlock(t, dropoutConfig().WithFlags(f))
					assert.Equal(t, wantOut.Data(), out.Data(), "output")
					for i := range g.Len() {
						if g.At(i) == nil {
							assert.Nil(t, wantG.At(i))
							continue
						}
						assert.Equal(t, wantG.At(i).Data(), g.At(i).Data(), g.Arg(i).Name)
					}
				})
			}
		}
	}
}

func TestInvertibleNormMatchesStoredInput(t *testing.T) {
	for _, pre := range []bool{true, false} {
		t.Run(fmt.Sprintf("pre_ln=%t", pre), func(t *testing.T) {
			cfg := dropoutConfig().WithFlags(Flags{PreLayerNorm: pre})
			wantOut, wantG := runBlock(t, cfg)
			out, g := runBlock(t, cfg.WithFlags(Flags{PreLayerNorm: pre, NormalizeInvertible: true}))

			assert.Equal(t, wantOut.Data(), out.Data(), "forward math does not depend on retention")
			for i := range g.Len() {
				if g.At(i) != nil {
					requireClose(t, PrecisionFP32, wantG.At(i), g.At(i), g.Arg(i).Name)
				}
			}
		})
	}
}

func TestEvalMatchesTrainWithoutDropout(t *testing.T) {
	cfg := testConfig()
	l, err := newTestFactory(t).Transformer(cfg)
	require.NoError(t, err)
	x, mask := blockInput(cfg, 21)

	train, _, err := l.Forward(TrainMode, x, mask, nil)
	require.NoError(t, err)
	eval, st, err := l.Forward(EvalMode, x, mask, nil)
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.Equal(t, train.Data(), eval.Data())
}

func TestAttentionMaskHidesKeys(t *testing.T) {
	cfg := testConfig()
	l, err := newTestFactory(t).SelfAttention(cfg)
	require.NoError(t, err)
	x, mask := blockInput(cfg, 22)
	out, _, err := l.Forward(EvalMode, x, mask, nil)
	require.NoError(t, err)

	// Masking the last key and then changing its value must not change
	// any output.
	seq, h := cfg.MaxSeqLength, cfg.HiddenSize
	for b := range cfg.BatchSize {
		mask.data[b*seq+seq-1] = -10000
	}
	masked, _, err := l.Forward(EvalMode, x, mask, nil)
	require.NoError(t, err)
	assert.NotEqual(t, out.Data(), masked.Data())

	x2 := x.Clone()
	for b := range cfg.BatchSize {
		for j := range h {
			x2.data[(b*seq+seq-1)*h+j] += 5
		}
	}
	masked2, _, err := l.Forward(EvalMode, x2, mask, nil)
	require.NoError(t, err)
	for b := range cfg.BatchSize {
		for i := range seq - 1 {
			for j := range h {
				idx := (b*seq+i)*h + j
				assert.InDelta(t, masked.data[idx], masked2.data[idx], 1e-5)
			}
		}
	}
}

func TestWithInitialParams(t *testing.T) {
	cfg := testConfig()
	f := newTestFactory(t)
	src, err := f.MLP(cfg)
	require.NoError(t, err)
	initial := make([]*Tensor, 0, 4)
	for _, p := range src.Parameters() {
		c := p.Clone()
		for i := range c.data {
			c.data[i] += 1
		}
		initial = append(initial, c)
	}

	l, err := f.MLP(cfg, WithInitialParams(initial...))
	require.NoError(t, err)
	for i, p := range l.Parameters() {
		assert.Equal(t, initial[i].Data(), p.Data())
		assert.NotSame(t, initial[i], p, "values are copied")
	}
	assert.Panics(t, func() { _, _ = f.MLP(cfg, WithInitialParams(initial[:2]...)) })
}

func TestInitializerIsDeterministic(t *testing.T) {
	cfg := testConfig()
	a, err := newTestFactory(t).Transformer(cfg)
	require.NoError(t, err)
	b, err := newTestFactory(t).Transformer(cfg)
	require.NoError(t, err)
	for i, p := range a.Parameters() {
		assert.Equal(t, p.Data(), b.Parameters()[i].Data())
	}

	f := newTestFactory(t)
	_, err = f.Transformer(cfg)
	require.NoError(t, err)
	c, err := f.Transformer(cfg)
	require.NoError(t, err)
	assert.NotEqual(t, a.Params().QKVW.Data(), c.Params().QKVW.Data(), "next id draws different weights")
}

func TestAdjustInitRange(t *testing.T) {
	cfg := testConfig()
	cfg.NumHiddenLayers = 50
	cfg.AdjustInitRange = false
	cfg.LocalRank = 0
	plain, err := newTestFactory(t).Transformer(cfg)
	require.NoError(t, err)

	cfg.AdjustInitRange = true
	scaled, err := newTestFactory(t).Transformer(cfg)
	require.NoError(t, err)
	assert.Equal(t, plain.Params().QKVW.Data(), scaled.Params().QKVW.Data())
	assert.Less(t, maxAbs(scaled.Params().AttnOW), maxAbs(plain.Params().AttnOW))
	assert.Less(t, maxAbs(scaled.Params().OutputW), maxAbs(plain.Params().OutputW))

	cfg.LocalRank = 1
	other, err := newTestFactory(t).Transformer(cfg)
	require.NoError(t, err)
	assert.Equal(t, plain.Params().AttnOW.Data(), other.Params().AttnOW.Data(), "only rank 0 adjusts")
}

func maxAbs(t *Tensor) float64 {
	m := 0.0
	for _, v := range t.data {
		m = max(m, v, -v)
	}
	return m
}
