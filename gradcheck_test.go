package fusedlayer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireGradCheck(t *testing.T, kind Kind, cfg Config, opts GradCheckOptions) {
	t.Helper()
	results, err := GradCheck(newTestFactory(t), kind, cfg, opts)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.True(t, r.OK, "%s", r)
		assert.Positive(t, r.Probes, r.Name)
	}
}

func TestGradCheckTransformerAllFlags(t *testing.T) {
	for _, f := range AllFlags() {
		t.Run(f.String(), func(t *testing.T) {
			requireGradCheck(t, KindTransformer, testConfig().WithFlags(f), DefaultGradCheckOptions())
		})
	}
}

func TestGradCheckReducedVariants(t *testing.T) {
	for _, kind := range []Kind{KindSelfAttention, KindMLP, KindBiasResidualDropout, KindLayerNorm} {
		for _, f := range []Flags{{}, {NormalizeInvertible: true, AttnDropoutCheckpoint: true, GeluCheckpoint: true}} {
			t.Run(kind.String()+"/"+f.String(), func(t *testing.T) {
				requireGradCheck(t, kind, testConfig().WithFlags(f), DefaultGradCheckOptions())
			})
		}
	}
}

func TestGradCheckShorterSequence(t *testing.T) {
	opts := DefaultGradCheckOptions()
	opts.Batch, opts.Seq = 1, 3
	requireGradCheck(t, KindTransformer, testConfig(), opts)
}

func TestGradCheckResultNames(t *testing.T) {
	results, err := GradCheck(newTestFactory(t), KindTransformer, testConfig(), DefaultGradCheckOptions())
	require.NoError(t, err)
	require.Len(t, results, 13)
	assert.Equal(t, "input", results[0].Name)
	assert.Equal(t, "norm_b", results[12].Name)

	results, err = GradCheck(newTestFactory(t), KindBiasResidualDropout, testConfig(), DefaultGradCheckOptions())
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "residual", results[1].Name)
}

func TestGradCheckDetectsWrongGradient(t *testing.T) {
	// A failing comparison must be reported rather than swallowed.
	r := GradCheckResult{Name: "w", Probes: 1, MaxAbsErr: 1, Analytic: 2, Numeric: 1}
	assert.Contains(t, r.String(), "FAIL")
	r.OK = true
	assert.Contains(t, r.String(), "ok")
	assert.False(t, PrecisionFP32.WithinTolerance(2, 1))
}

func TestProbeIndices(t *testing.T) {
	rng := randomRNG(1)
	assert.Equal(t, []int{0, 1, 2}, probeIndices(rng, 3, 6))
	idx := probeIndices(rng, 100, 5)
	assert.Len(t, idx, 5)
	assert.IsIncreasing(t, idx)
}
