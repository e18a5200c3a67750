package fusedlayer

import "fmt"

var attentionParamNames = []string{"attn_qkvw", "attn_qkvb", "attn_ow", "attn_ob"}

var attentionInputs = []Arg{
	{Name: "input", Differentiable: true},
	{Name: "input_mask"},
}

// SelfAttentionLayer is the attention half of a block on its own: fused QKV
// projection, masked softmax, probability dropout and output projection.
// There is no residual and no normalization, so only
// attn_dropout_checkpoint affects what it retains.
type SelfAttentionLayer struct {
	sublayer
	params AttentionParams
}

// NewSelfAttentionLayer builds a self-attention layer.
func NewSelfAttentionLayer(cfg Config, alloc *LayerIDAllocator, backend Backend, opts ...Option) (*SelfAttentionLayer, error) {
	s, err := newSublayer(KindSelfAttention, cfg, alloc, backend, attentionInputs, attentionParamNames)
	if err != nil {
		return nil, err
	}
	h, a := s.cfg.HiddenSize, s.cfg.AttnSize()
	pi := newParamInit(KindSelfAttention, s.cfg)
	l := &SelfAttentionLayer{sublayer: s}
	l.params = AttentionParams{
		QKVW:   pi.weight(3*a, h),
		QKVB:   zeros(3 * a),
		AttnOW: pi.outputWeight(h, a),
		AttnOB: zeros(h),
	}
	applyOptions(opts).loadInitial(KindSelfAttention, l.params.List())
	return l, nil
}

// Params returns the layer's live parameters.
func (l *SelfAttentionLayer) Params() *AttentionParams { return &l.params }

// Parameters returns the parameters in positional order.
func (l *SelfAttentionLayer) Parameters() []*Tensor { return l.params.List() }

// Forward runs attention over input [batch, seq, hidden] with an additive
// mask [batch, seq].
func (l *SelfAttentionLayer) Forward(mode Mode, input, mask *Tensor, capture GradientObserver) (*Tensor, *StepState, error) {
	if err := l.checkInputs(map[string]*Tensor{"input": input, "input_mask": mask}); err != nil {
		return nil, nil, err
	}
	if input.Dims() != 3 || input.Dim(2) != l.cfg.HiddenSize || input.Dim(1) > l.cfg.MaxSeqLength {
		panic(fmt.Sprintf("%s layer %d: %v: input %v", l.kind, l.id, ErrShapeMismatch, input.Shape()))
	}
	mustShape(fmt.Sprintf("%s layer %d input_mask", l.kind, l.id), mask, input.Dim(0), input.Dim(1))

	bufs, err := l.kernels.SelfAttentionForward(l.id, mode, input, mask, &l.params)
	if err != nil {
		return nil, nil, backendError(l.kind, l.id, "forward", err)
	}
	produced := bufs.table(input, mask)
	return bufs.Output, l.retain(mode, &produced, l.params.List(), capture), nil
}

// Backward consumes st and returns gradients for input and the 4
// parameters.
func (l *SelfAttentionLayer) Backward(st *StepState, grad *Tensor) (*Gradients, error) {
	var capture GradientObserver
	if st != nil {
		capture = st.capture
	}
	slots, err := l.beginBackward(st, grad)
	if err != nil {
		return nil, err
	}
	res, err := l.kernels.SelfAttentionBackward(l.id, &AttentionBackwardArgs{
		GradOutput: grad,
		Slots:      slots,
		Params:     &l.params,
	})
	if err != nil {
		return nil, backendError(l.kind, l.id, "backward", err)
	}
	return l.finishBackward(capture, map[string]*Tensor{"input": res.Input}, res.Params.List()), nil
}
