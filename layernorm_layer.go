package fusedlayer

import "fmt"

var layerNormInputs = []Arg{
	{Name: "input", Differentiable: true},
}

// LayerNormLayer normalizes the last dimension with a learned gain and
// shift. With normalize_invertible it keeps only its output and recovers the
// normalized input in backward; otherwise it keeps its input.
type LayerNormLayer struct {
	sublayer
	gamma, beta *Tensor
}

// NewLayerNormLayer builds a normalization layer.
func NewLayerNormLayer(cfg Config, alloc *LayerIDAllocator, backend Backend, opts ...Option) (*LayerNormLayer, error) {
	s, err := newSublayer(KindLayerNorm, cfg, alloc, backend, layerNormInputs, []string{"gamma", "beta"})
	if err != nil {
		return nil, err
	}
	l := &LayerNormLayer{
		sublayer: s,
		gamma:    ones(s.cfg.HiddenSize),
		beta:     zeros(s.cfg.HiddenSize),
	}
	applyOptions(opts).loadInitial(KindLayerNorm, l.Parameters())
	return l, nil
}

// Gamma returns the live gain.
func (l *LayerNormLayer) Gamma() *Tensor { return l.gamma }

// Beta returns the live shift.
func (l *LayerNormLayer) Beta() *Tensor { return l.beta }

// Parameters returns gamma and beta.
func (l *LayerNormLayer) Parameters() []*Tensor { return []*Tensor{l.gamma, l.beta} }

// Forward normalizes input [..., hidden].
func (l *LayerNormLayer) Forward(mode Mode, input *Tensor, capture GradientObserver) (*Tensor, *StepState, error) {
	if err := l.checkInputs(map[string]*Tensor{"input": input}); err != nil {
		return nil, nil, err
	}
	if input.Dim(input.Dims()-1) != l.cfg.HiddenSize {
		panic(fmt.Sprintf("%s layer %d: %v: input %v", l.kind, l.id, ErrShapeMismatch, input.Shape()))
	}
	out, err := l.kernels.LayerNormForward(l.id, mode, input, l.gamma, l.beta)
	if err != nil {
		return nil, nil, backendError(l.kind, l.id, "forward", err)
	}
	var produced BufferTable
	produced[BufInput] = input
	produced[BufOutput] = out
	return out, l.retain(mode, &produced, l.Parameters(), capture), nil
}

// Backward consumes st and returns gradients for input, gamma and beta.
func (l *LayerNormLayer) Backward(st *StepState, grad *Tensor) (*Gradients, error) {
	var capture GradientObserver
	if st != nil {
		capture = st.capture
	}
	slots, err := l.beginBackward(st, grad)
	if err != nil {
		return nil, err
	}
	gradInput, gradGamma, gradBeta, err := l.kernels.LayerNormBackward(l.id, grad, slots[BufInput], l.gamma, l.beta)
	if err != nil {
		return nil, backendError(l.kind, l.id, "backward", err)
	}
	return l.finishBackward(capture, map[string]*Tensor{"input": gradInput}, []*Tensor{gradGamma, gradBeta}), nil
}
