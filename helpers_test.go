package fusedlayer

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

// testConfig is a tiny block: 2 x 4 tokens, width 8, 2 heads. The larger
// initializer range keeps gradients O(1) so absolute tolerances are
// meaningful.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.MaxSeqLength = 4
	cfg.HiddenSize = 8
	cfg.Heads = 2
	cfg.NumHiddenLayers = 2
	cfg.InitializerRange = 0.4
	cfg.AttnDropoutRatio = 0
	cfg.HiddenDropoutRatio = 0
	return cfg
}

func newTestBackend(t *testing.T) *CPUBackend {
	t.Helper()
	b := NewCPUBackend()
	t.Cleanup(b.Close)
	return b
}

func newTestFactory(t *testing.T) *Factory {
	t.Helper()
	return NewFactory(newTestBackend(t))
}

func randomRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, 99))
}

func randomInput(seed uint64, shape ...int) *Tensor {
	return NewTensorNormal(randomRNG(seed), 1, shape...)
}

// blockInput returns an input and an all-visible mask for cfg's ceiling.
func blockInput(cfg Config, seed uint64) (*Tensor, *Tensor) {
	b, s := cfg.BatchSize, cfg.MaxSeqLength
	return randomInput(seed, b, s, cfg.HiddenSize), NewTensor(b, s)
}

func requireClose(t *testing.T, p Precision, want, got *Tensor, msg string) {
	t.Helper()
	require.Equal(t, want.Shape(), got.Shape(), msg)
	for i := range want.data {
		if !p.WithinTolerance(got.data[i], want.data[i]) {
			t.Fatalf("%s: element %d: got %.6f, want %.6f", msg, i, got.data[i], want.data[i])
		}
	}
}
