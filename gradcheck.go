package fusedlayer

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/samber/lo"
)

// GradCheckOptions controls a finite-difference gradient check.
type GradCheckOptions struct {
	Samples int     // elements probed per tensor
	Epsilon float64 // central-difference step
	Seed    uint64  // input and probe selection
	Batch   int     // 0 means cfg.BatchSize
	Seq     int     // 0 means cfg.MaxSeqLength
}

// DefaultGradCheckOptions returns options suited to fp32 kernels.
func DefaultGradCheckOptions() GradCheckOptions {
	return GradCheckOptions{Samples: 6, Epsilon: 1e-3, Seed: 7}
}

// GradCheckResult is the worst disagreement found for one argument.
type GradCheckResult struct {
	Name      string
	Probes    int
	MaxAbsErr float64
	Analytic  float64 // at the worst probe
	Numeric   float64 // at the worst probe
	OK        bool
}

func (r GradCheckResult) String() string {
	status := "ok"
	if !r.OK {
		status = "FAIL"
	}
	return fmt.Sprintf("%-10s %4s  probes=%d max_abs_err=%.3e analytic=%+.5f numeric=%+.5f",
		r.Name, status, r.Probes, r.MaxAbsErr, r.Analytic, r.Numeric)
}

// gradProbe adapts one sublayer to the checker: the tensors to perturb in
// positional order and a forward/backward pair.
type gradProbe struct {
	names    []string
	tensors  []*Tensor
	forward  func(Mode) (*Tensor, *StepState, error)
	backward func(*StepState, *Tensor) (*Gradients, error)
}

// GradCheck builds a layer of kind from f and compares its analytic
// gradients against central differences of a random linear functional of its
// output. Dropout is disabled for the check.
func GradCheck(f *Factory, kind Kind, cfg Config, opts GradCheckOptions) ([]GradCheckResult, error) {
	cfg.AttnDropoutRatio, cfg.HiddenDropoutRatio = 0, 0
	batch, seq := cmp0(opts.Batch, cfg.BatchSize), cmp0(opts.Seq, cfg.MaxSeqLength)
	rng := rand.New(rand.NewPCG(opts.Seed, uint64(kind)))
	p, err := newGradProbe(f, kind, cfg, rng, batch, seq)
	if err != nil {
		return nil, err
	}

	out, st, err := p.forward(TrainMode)
	if err != nil {
		return nil, err
	}
	weights := NewTensorNormal(rng, 1, out.Shape()...)
	grads, err := p.backward(st, weights)
	if err != nil {
		return nil, err
	}
	// Analytic values are read before any probe forward overwrites the
	// backend's per-layer statistics.
	analytic := lo.Map(p.names, func(n string, _ int) *Tensor { return grads.Get(n).Clone() })

	objective := func() (float64, error) {
		y, _, err := p.forward(EvalMode)
		if err != nil {
			return 0, err
		}
		s := 0.0
		for i, v := range y.data {
			s += v * weights.data[i]
		}
		return s, nil
	}

	prec := DispatchFor(cfg).Precision()
	results := make([]GradCheckResult, len(p.names))
	for ti, t := range p.tensors {
		res := GradCheckResult{Name: p.names[ti], OK: true}
		for _, idx := range probeIndices(rng, t.Size(), opts.Samples) {
			orig := t.data[idx]
			t.data[idx] = orig + opts.Epsilon
			plus, err := objective()
			if err != nil {
				return nil, err
			}
			t.data[idx] = orig - opts.Epsilon
			minus, err := objective()
			t.data[idx] = orig
			if err != nil {
				return nil, err
			}
			numeric := (plus - minus) / (2 * opts.Epsilon)
			a := analytic[ti].data[idx]
			res.Probes++
			if e := math.Abs(a - numeric); e >= res.MaxAbsErr {
				res.MaxAbsErr, res.Analytic, res.Numeric = e, a, numeric
			}
			if !prec.WithinTolerance(a, numeric) {
				res.OK = false
			}
		}
		results[ti] = res
	}
	return results, nil
}

func cmp0(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// probeIndices picks up to n distinct element indices of a size-element
// tensor.
func probeIndices(rng *rand.Rand, size, n int) []int {
	if n >= size {
		return lo.Range(size)
	}
	idx := rng.Perm(size)[:n]
	slices.Sort(idx)
	return idx
}

func newGradProbe(f *Factory, kind Kind, cfg Config, rng *rand.Rand, batch, seq int) (*gradProbe, error) {
	h := cfg.HiddenSize
	x := NewTensorNormal(rng, 1, batch, seq, h)
	mask := NewTensor(batch, seq)

	switch kind {
	case KindTransformer:
		l, err := f.Transformer(cfg)
		if err != nil {
			return nil, err
		}
		return &gradProbe{
			names:    append([]string{"input"}, l.ParamNames()...),
			tensors:  append([]*Tensor{x}, l.Parameters()...),
			forward:  func(m Mode) (*Tensor, *StepState, error) { return l.Forward(m, x, mask, nil) },
			backward: l.Backward,
		}, nil
	case KindSelfAttention:
		l, err := f.SelfAttention(cfg)
		if err != nil {
			return nil, err
		}
		return &gradProbe{
			names:    append([]string{"input"}, l.ParamNames()...),
			tensors:  append([]*Tensor{x}, l.Parameters()...),
			forward:  func(m Mode) (*Tensor, *StepState, error) { return l.Forward(m, x, mask, nil) },
			backward: l.Backward,
		}, nil
	case KindMLP:
		l, err := f.MLP(cfg)
		if err != nil {
			return nil, err
		}
		return &gradProbe{
			names:    append([]string{"input"}, l.ParamNames()...),
			tensors:  append([]*Tensor{x}, l.Parameters()...),
			forward:  func(m Mode) (*Tensor, *StepState, error) { return l.Forward(m, x, nil) },
			backward: l.Backward,
		}, nil
	case KindBiasResidualDropout:
		l, err := f.BiasDropout(cfg)
		if err != nil {
			return nil, err
		}
		residual := NewTensorNormal(rng, 1, batch, seq, h)
		bias := NewTensorNormal(rng, 1, h)
		return &gradProbe{
			names:    []string{"input", "residual", "bias"},
			tensors:  []*Tensor{x, residual, bias},
			forward:  func(m Mode) (*Tensor, *StepState, error) { return l.Forward(m, x, residual, bias, nil) },
			backward: l.Backward,
		}, nil
	case KindLayerNorm:
		l, err := f.LayerNorm(cfg)
		if err != nil {
			return nil, err
		}
		// Perturb the affine parameters away from identity so their
		// gradients are not trivially symmetric.
		for i := range l.gamma.data {
			l.gamma.data[i] += 0.1 * rng.NormFloat64()
			l.beta.data[i] += 0.1 * rng.NormFloat64()
		}
		return &gradProbe{
			names:    append([]string{"input"}, l.ParamNames()...),
			tensors:  append([]*Tensor{x}, l.Parameters()...),
			forward:  func(m Mode) (*Tensor, *StepState, error) { return l.Forward(m, x, nil) },
			backward: l.Backward,
		}, nil
	}
	return nil, fmt.Errorf("gradcheck: unsupported kind %v", kind)
}
