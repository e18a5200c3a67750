package fusedlayer

import "fmt"

var mlpParamNames = []string{"inter_w", "inter_b", "output_w", "output_b"}

var mlpInputs = []Arg{
	{Name: "input", Differentiable: true},
}

// MLPLayer is the feed-forward half of a block: intermediate projection,
// GELU, output projection. Only gelu_checkpoint affects retention.
type MLPLayer struct {
	sublayer
	params MLPParams
}

// NewMLPLayer builds a feed-forward layer.
func NewMLPLayer(cfg Config, alloc *LayerIDAllocator, backend Backend, opts ...Option) (*MLPLayer, error) {
	s, err := newSublayer(KindMLP, cfg, alloc, backend, mlpInputs, mlpParamNames)
	if err != nil {
		return nil, err
	}
	h, i := s.cfg.HiddenSize, s.cfg.InterSize()
	pi := newParamInit(KindMLP, s.cfg)
	l := &MLPLayer{sublayer: s}
	l.params = MLPParams{
		InterW:  pi.weight(i, h),
		InterB:  zeros(i),
		OutputW: pi.outputWeight(h, i),
		OutputB: zeros(h),
	}
	applyOptions(opts).loadInitial(KindMLP, l.params.List())
	return l, nil
}

// Params returns the layer's live parameters.
func (l *MLPLayer) Params() *MLPParams { return &l.params }

// Parameters returns the parameters in positional order.
func (l *MLPLayer) Parameters() []*Tensor { return l.params.List() }

// Forward runs the feed-forward network on input [batch, seq, hidden].
func (l *MLPLayer) Forward(mode Mode, input *Tensor, capture GradientObserver) (*Tensor, *StepState, error) {
	if err := l.checkInputs(map[string]*Tensor{"input": input}); err != nil {
		return nil, nil, err
	}
	if input.Dims() != 3 || input.Dim(2) != l.cfg.HiddenSize {
		panic(fmt.Sprintf("%s layer %d: %v: input %v", l.kind, l.id, ErrShapeMismatch, input.Shape()))
	}
	bufs, err := l.kernels.MLPForward(l.id, mode, input, &l.params)
	if err != nil {
		return nil, nil, backendError(l.kind, l.id, "forward", err)
	}
	produced := bufs.table(input)
	return bufs.Output, l.retain(mode, &produced, l.params.List(), capture), nil
}

// Backward consumes st and returns gradients for input and the 4
// parameters.
func (l *MLPLayer) Backward(st *StepState, grad *Tensor) (*Gradients, error) {
	var capture GradientObserver
	if st != nil {
		capture = st.capture
	}
	slots, err := l.beginBackward(st, grad)
	if err != nil {
		return nil, err
	}
	res, err := l.kernels.MLPBackward(l.id, &MLPBackwardArgs{
		GradOutput: grad,
		Slots:      slots,
		Params:     &l.params,
	})
	if err != nil {
		return nil, backendError(l.kind, l.id, "backward", err)
	}
	return l.finishBackward(capture, map[string]*Tensor{"input": res.Input}, res.Params.List()), nil
}
