package fusedlayer

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file defines the contract between the layers and a fused compute
// backend. The layers never do tensor arithmetic themselves: they hand inputs
// and parameters to a backend entry point, receive the primary output plus
// every intermediate buffer, and decide what to keep (retention.go).
//
// A backend is a keyed store of per-layer state. For every sublayer kind it
// exposes create/forward/backward entry points, and it exposes them once per
// Dispatch: two precisions times {standard, stochastic}. The dispatch is
// resolved a single time when a layer is constructed and the resulting
// kernel set is kept on the layer, so no call re-branches on precision.
//
// The random-state bridge (StoreRandomState / RestoreRandomState) lets a
// training loop replay a forward pass with the exact same dropout masks,
// which is what checkpoint segments (segment.go) rely on.
//
// ===========================================================================

import "fmt"

// Precision is the numeric format a kernel set computes in.
type Precision uint8

const (
	PrecisionFP32 Precision = iota
	PrecisionFP16
)

func (p Precision) String() string {
	if p == PrecisionFP16 {
		return "fp16"
	}
	return "fp32"
}

// ElemSize returns bytes per element in this precision.
func (p Precision) ElemSize() int {
	if p == PrecisionFP16 {
		return 2
	}
	return 4
}

// Dispatch selects one of the four kernel sets a backend provides.
type Dispatch uint8

const (
	DispatchFP32 Dispatch = iota
	DispatchFP16
	DispatchStochasticFP32
	DispatchStochasticFP16

	numDispatches
)

// Dispatches lists every dispatch in declaration order.
var Dispatches = [...]Dispatch{DispatchFP32, DispatchFP16, DispatchStochasticFP32, DispatchStochasticFP16}

// DispatchFor picks the kernel set matching cfg's precision and stochastic
// mode.
func DispatchFor(cfg Config) Dispatch {
	switch {
	case cfg.FP16 && cfg.StochasticMode:
		return DispatchStochasticFP16
	case cfg.FP16:
		return DispatchFP16
	case cfg.StochasticMode:
		return DispatchStochasticFP32
	default:
		return DispatchFP32
	}
}

// Precision returns the numeric format of the dispatch.
func (d Dispatch) Precision() Precision {
	if d == DispatchFP16 || d == DispatchStochasticFP16 {
		return PrecisionFP16
	}
	return PrecisionFP32
}

// Stochastic reports whether the dispatch uses the non-deterministic kernels.
func (d Dispatch) Stochastic() bool {
	return d == DispatchStochasticFP32 || d == DispatchStochasticFP16
}

func (d Dispatch) String() string {
	if d.Stochastic() {
		return "stochastic_" + d.Precision().String()
	}
	return d.Precision().String()
}

// Backend is a fused compute backend.
type Backend interface {
	RandomState

	// Kernels returns the kernel set for d. The same value is returned on
	// every call, so layers may keep it.
	Kernels(d Dispatch) Kernels
}

// RandomState is the bridge used to make dropout reproducible across a
// forward replay.
type RandomState interface {
	// StoreRandomState snapshots every per-layer RNG.
	StoreRandomState()

	// RestoreRandomState rewinds to the last snapshot when gradEnabled is
	// true and discards the snapshot otherwise.
	RestoreRandomState(gradEnabled bool)
}

// Kernels bundles the per-kind entry points of one dispatch.
type Kernels interface {
	TransformerKernels
	SelfAttentionKernels
	MLPKernels
	BiasDropoutKernels
	LayerNormKernels
}

// LayerSpec is everything a backend needs to register a layer.
type LayerSpec struct {
	BatchSize        int
	MaxSeqLength     int
	HiddenSize       int
	AttentionSize    int
	IntermediateSize int
	Heads            int

	AttnDropoutRatio   float64
	HiddenDropoutRatio float64
	Seed               int
	LocalRank          int

	Flags Flags // effective retention flags for the kind
}

func layerSpecFor(kind Kind, cfg Config) LayerSpec {
	return LayerSpec{
		BatchSize:          cfg.BatchSize,
		MaxSeqLength:       cfg.MaxSeqLength,
		HiddenSize:         cfg.HiddenSize,
		AttentionSize:      cfg.AttnSize(),
		IntermediateSize:   cfg.InterSize(),
		Heads:              cfg.Heads,
		AttnDropoutRatio:   cfg.AttnDropoutRatio,
		HiddenDropoutRatio: cfg.HiddenDropoutRatio,
		Seed:               cfg.Seed,
		LocalRank:          cfg.LocalRank,
		Flags:              PlanFor(kind, cfg.Flags()).Flags,
	}
}

// Mode carries the per-call runtime flags.
type Mode struct {
	Training    bool // dropout active
	GradEnabled bool // a backward call will follow
}

var (
	// TrainMode samples dropout and retains state for backward.
	TrainMode = Mode{Training: true, GradEnabled: true}
	// EvalMode disables dropout and retains nothing.
	EvalMode = Mode{}
)

func (m Mode) String() string {
	return fmt.Sprintf("training=%t grad=%t", m.Training, m.GradEnabled)
}

// ===========================================================================
// FULL TRANSFORMER BLOCK
// ===========================================================================

// TransformerParams are the 12 parameters of a full block, in positional
// order.
type TransformerParams struct {
	QKVW, QKVB       *Tensor // [3A, H], [3A]
	AttnOW, AttnOB   *Tensor // [H, A], [H]
	AttnNW, AttnNB   *Tensor // [H], [H]
	InterW, InterB   *Tensor // [I, H], [I]
	OutputW, OutputB *Tensor // [H, I], [H]
	NormW, NormB     *Tensor // [H], [H]
}

// List returns the parameters in positional order.
func (p *TransformerParams) List() []*Tensor {
	return []*Tensor{p.QKVW, p.QKVB, p.AttnOW, p.AttnOB, p.AttnNW, p.AttnNB,
		p.InterW, p.InterB, p.OutputW, p.OutputB, p.NormW, p.NormB}
}

// TransformerBuffers is what a full-block forward returns.
type TransformerBuffers struct {
	Output          *Tensor
	InpNorm         *Tensor
	QKV             *Tensor
	Softmax         *Tensor
	AttnProbs       *Tensor
	AttnOutInput    *Tensor
	AddRes          *Tensor
	FF1Input        *Tensor
	GeluInput       *Tensor
	FF2Input        *Tensor
	AttnProbMask    *Tensor
	AttnOutputMask  *Tensor
	LayerOutputMask *Tensor
}

func (b *TransformerBuffers) table(input, mask *Tensor) (t BufferTable) {
	t[BufInput] = input
	t[BufInputMask] = mask
	t[BufOutput] = b.Output
	t[BufInpNorm] = b.InpNorm
	t[BufQKV] = b.QKV
	t[BufSoftmax] = b.Softmax
	t[BufAttnProbs] = b.AttnProbs
	t[BufAttnOutInput] = b.AttnOutInput
	t[BufAddRes] = b.AddRes
	t[BufFF1Input] = b.FF1Input
	t[BufGeluInput] = b.GeluInput
	t[BufFF2Input] = b.FF2Input
	t[BufAttnProbMask] = b.AttnProbMask
	t[BufAttnOutputMask] = b.AttnOutputMask
	t[BufLayerOutputMask] = b.LayerOutputMask
	return t
}

// TransformerBackwardArgs are the reconstructed buffers a full-block backward
// reads, one per slot of the retention plan.
type TransformerBackwardArgs struct {
	GradOutput *Tensor
	Slots      BufferTable
	Params     *TransformerParams
}

// TransformerGrads are the gradients of a full-block backward.
type TransformerGrads struct {
	Input  *Tensor
	Params TransformerParams
}

// TransformerKernels are the full-block entry points.
type TransformerKernels interface {
	CreateTransformer(id LayerID, spec LayerSpec) error
	TransformerForward(id LayerID, mode Mode, input, mask *Tensor, params *TransformerParams) (*TransformerBuffers, error)
	TransformerBackward(id LayerID, args *TransformerBackwardArgs) (*TransformerGrads, error)
}

// ===========================================================================
// SELF-ATTENTION
// ===========================================================================

// AttentionParams are the QKV and output projections.
type AttentionParams struct {
	QKVW, QKVB     *Tensor // [3A, H], [3A]
	AttnOW, AttnOB *Tensor // [H, A], [H]
}

// List returns the parameters in positional order.
func (p *AttentionParams) List() []*Tensor {
	return []*Tensor{p.QKVW, p.QKVB, p.AttnOW, p.AttnOB}
}

// AttentionBuffers is what a self-attention forward returns.
type AttentionBuffers struct {
	Output       *Tensor
	QKV          *Tensor
	Softmax      *Tensor
	AttnProbs    *Tensor
	AttnOutInput *Tensor
	AttnProbMask *Tensor
}

func (b *AttentionBuffers) table(input, mask *Tensor) (t BufferTable) {
	t[BufInput] = input
	t[BufInputMask] = mask
	t[BufOutput] = b.Output
	t[BufQKV] = b.QKV
	t[BufSoftmax] = b.Softmax
	t[BufAttnProbs] = b.AttnProbs
	t[BufAttnOutInput] = b.AttnOutInput
	t[BufAttnProbMask] = b.AttnProbMask
	return t
}

// AttentionBackwardArgs are the reconstructed buffers of a self-attention
// backward.
type AttentionBackwardArgs struct {
	GradOutput *Tensor
	Slots      BufferTable
	Params     *AttentionParams
}

// AttentionGrads are the gradients of a self-attention backward.
type AttentionGrads struct {
	Input  *Tensor
	Params AttentionParams
}

// SelfAttentionKernels are the self-attention entry points.
type SelfAttentionKernels interface {
	CreateSelfAttention(id LayerID, spec LayerSpec) error
	SelfAttentionForward(id LayerID, mode Mode, input, mask *Tensor, params *AttentionParams) (*AttentionBuffers, error)
	SelfAttentionBackward(id LayerID, args *AttentionBackwardArgs) (*AttentionGrads, error)
}

// ===========================================================================
// MLP
// ===========================================================================

// MLPParams are the intermediate and output projections.
type MLPParams struct {
	InterW, InterB   *Tensor // [I, H], [I]
	OutputW, OutputB *Tensor // [H, I], [H]
}

// List returns the parameters in positional order.
func (p *MLPParams) List() []*Tensor {
	return []*Tensor{p.InterW, p.InterB, p.OutputW, p.OutputB}
}

// MLPBuffers is what an MLP forward returns.
type MLPBuffers struct {
	Output    *Tensor
	GeluInput *Tensor
	FF2Input  *Tensor
}

func (b *MLPBuffers) table(input *Tensor) (t BufferTable) {
	t[BufInput] = input
	t[BufOutput] = b.Output
	t[BufGeluInput] = b.GeluInput
	t[BufFF2Input] = b.FF2Input
	return t
}

// MLPBackwardArgs are the reconstructed buffers of an MLP backward.
type MLPBackwardArgs struct {
	GradOutput *Tensor
	Slots      BufferTable
	Params     *MLPParams
}

// MLPGrads are the gradients of an MLP backward.
type MLPGrads struct {
	Input  *Tensor
	Params MLPParams
}

// MLPKernels are the feed-forward entry points.
type MLPKernels interface {
	CreateMLP(id LayerID, spec LayerSpec) error
	MLPForward(id LayerID, mode Mode, input *Tensor, params *MLPParams) (*MLPBuffers, error)
	MLPBackward(id LayerID, args *MLPBackwardArgs) (*MLPGrads, error)
}

// ===========================================================================
// BIAS + RESIDUAL + DROPOUT
// ===========================================================================

// BiasDropoutKernels are the bias+residual+dropout entry points. Forward
// returns the output and the sampled mask; backward returns the gradient of
// the dropped-out sum (which is also the bias-added input's gradient) and the
// bias gradient.
type BiasDropoutKernels interface {
	CreateBiasDropout(id LayerID, spec LayerSpec) error
	BiasDropoutForward(id LayerID, mode Mode, input, residual, bias *Tensor) (output, mask *Tensor, err error)
	BiasDropoutBackward(id LayerID, grad, mask *Tensor) (gradInput, gradBias *Tensor, err error)
}

// ===========================================================================
// LAYER NORM
// ===========================================================================

// LayerNormKernels are the normalization entry points. Backward receives the
// input when not invertible and the output when invertible.
type LayerNormKernels interface {
	CreateLayerNorm(id LayerID, spec LayerSpec) error
	LayerNormForward(id LayerID, mode Mode, input, gamma, beta *Tensor) (*Tensor, error)
	LayerNormBackward(id LayerID, grad, inout, gamma, beta *Tensor) (gradInput, gradGamma, gradBeta *Tensor, err error)
}
