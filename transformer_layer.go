package fusedlayer

import "fmt"

// transformerParamNames are the full block's parameters in positional order.
var transformerParamNames = []string{
	"attn_qkvw", "attn_qkvb",
	"attn_ow", "attn_ob",
	"attn_nw", "attn_nb",
	"inter_w", "inter_b",
	"output_w", "output_b",
	"norm_w", "norm_b",
}

var transformerInputs = []Arg{
	{Name: "input", Differentiable: true},
	{Name: "input_mask"},
}

// TransformerLayer is a fused transformer block: self-attention, residual,
// normalization and feed-forward in one backend call.
type TransformerLayer struct {
	sublayer
	params TransformerParams
}

// NewTransformerLayer builds a block, assigning it the next identity from
// alloc and registering it with backend.
func NewTransformerLayer(cfg Config, alloc *LayerIDAllocator, backend Backend, opts ...Option) (*TransformerLayer, error) {
	s, err := newSublayer(KindTransformer, cfg, alloc, backend, transformerInputs, transformerParamNames)
	if err != nil {
		return nil, err
	}
	cfg = s.cfg
	h, a, i := cfg.HiddenSize, cfg.AttnSize(), cfg.InterSize()
	pi := newParamInit(KindTransformer, cfg)
	l := &TransformerLayer{sublayer: s}
	l.params = TransformerParams{
		QKVW:    pi.weight(3*a, h),
		QKVB:    zeros(3 * a),
		AttnOW:  pi.outputWeight(h, a),
		AttnOB:  zeros(h),
		AttnNW:  ones(h),
		AttnNB:  zeros(h),
		InterW:  pi.weight(i, h),
		InterB:  zeros(i),
		OutputW: pi.outputWeight(h, i),
		OutputB: zeros(h),
		NormW:   ones(h),
		NormB:   zeros(h),
	}
	applyOptions(opts).loadInitial(KindTransformer, l.params.List())
	return l, nil
}

// Params returns the layer's parameters. The tensors are live: the training
// loop updates them in place.
func (l *TransformerLayer) Params() *TransformerParams { return &l.params }

// Parameters returns the parameters in positional order.
func (l *TransformerLayer) Parameters() []*Tensor { return l.params.List() }

// Forward runs the block on input [batch, seq, hidden] with an additive
// attention mask [batch, seq]. With mode.GradEnabled the returned StepState
// must be passed to exactly one Backward call.
func (l *TransformerLayer) Forward(mode Mode, input, mask *Tensor, capture GradientObserver) (*Tensor, *StepState, error) {
	if err := l.checkInputs(map[string]*Tensor{"input": input, "input_mask": mask}); err != nil {
		return nil, nil, err
	}
	l.checkShapes(input, mask)
	bufs, err := l.kernels.TransformerForward(l.id, mode, input, mask, &l.params)
	if err != nil {
		return nil, nil, backendError(l.kind, l.id, "forward", err)
	}
	produced := bufs.table(input, mask)
	return bufs.Output, l.retain(mode, &produced, l.params.List(), capture), nil
}

// Backward consumes st and returns gradients for input and all 12
// parameters, laid out as the forward call's positional arguments.
func (l *TransformerLayer) Backward(st *StepState, grad *Tensor) (*Gradients, error) {
	var capture GradientObserver
	if st != nil {
		capture = st.capture
	}
	slots, err := l.beginBackward(st, grad)
	if err != nil {
		return nil, err
	}
	res, err := l.kernels.TransformerBackward(l.id, &TransformerBackwardArgs{
		GradOutput: grad,
		Slots:      slots,
		Params:     &l.params,
	})
	if err != nil {
		return nil, backendError(l.kind, l.id, "backward", err)
	}
	return l.finishBackward(capture, map[string]*Tensor{"input": res.Input}, res.Params.List()), nil
}

func (l *TransformerLayer) checkShapes(input, mask *Tensor) {
	if input.Dims() != 3 || input.Dim(2) != l.cfg.HiddenSize || input.Dim(1) > l.cfg.MaxSeqLength {
		panic(fmt.Sprintf("%s layer %d: %v: input %v for hidden %d, max seq %d",
			l.kind, l.id, ErrShapeMismatch, input.Shape(), l.cfg.HiddenSize, l.cfg.MaxSeqLength))
	}
	mustShape(fmt.Sprintf("%s layer %d input_mask", l.kind, l.id), mask, input.Dim(0), input.Dim(1))
}
