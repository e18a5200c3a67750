package fusedlayer

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
)

// paramInit draws the initial values of one layer's parameters. Each layer
// gets its own stream derived from (seed, kind, id), so two layers built from
// the same configuration on fresh allocators start identical.
type paramInit struct {
	rng       *rand.Rand
	std       float64
	outputStd float64
}

func newParamInit(kind Kind, cfg Config) paramInit {
	std := cfg.InitializerRange
	outputStd := std
	if cfg.AdjustInitRange && cfg.LocalRank == 0 {
		outputStd = std / math.Sqrt(2*float64(cfg.NumHiddenLayers))
		logger.Info("Accounting for accumulation on the residual path",
			slog.String("kind", kind.String()),
			slog.Int("layer_id", int(cfg.LayerID)),
			slog.Float64("output_std", outputStd))
	}
	stream := uint64(kind)<<32 | uint64(cfg.LayerID)
	return paramInit{
		rng:       rand.New(rand.NewPCG(uint64(cfg.Seed), stream)),
		std:       std,
		outputStd: outputStd,
	}
}

// weight draws an input-side weight.
func (p paramInit) weight(shape ...int) *Tensor {
	return NewTensorNormal(p.rng, p.std, shape...)
}

// outputWeight draws a weight that feeds the residual path.
func (p paramInit) outputWeight(shape ...int) *Tensor {
	return NewTensorNormal(p.rng, p.outputStd, shape...)
}

func zeros(shape ...int) *Tensor { return NewTensor(shape...) }

func ones(shape ...int) *Tensor { return NewTensorFilled(1, shape...) }

// Option customizes layer construction.
type Option func(*options)

type options struct {
	initial []*Tensor
}

// WithInitialParams overrides the random initialization: values are copied
// from initial in positional parameter order. Shapes must match.
func WithInitialParams(initial ...*Tensor) Option {
	return func(o *options) { o.initial = initial }
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// loadInitial copies o.initial into params, if set.
func (o options) loadInitial(kind Kind, params []*Tensor) {
	if o.initial == nil {
		return
	}
	if len(o.initial) != len(params) {
		panic(fmt.Sprintf("%s: %d initial parameters for %d slots", kind, len(o.initial), len(params)))
	}
	for i, src := range o.initial {
		mustShape(fmt.Sprintf("%s initial parameter %d", kind, i), src, params[i].shape...)
		copy(params[i].data, src.data)
	}
}
