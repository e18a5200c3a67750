package fusedlayer

import "fmt"

var biasDropoutInputs = []Arg{
	{Name: "input", Differentiable: true},
	{Name: "residual", Differentiable: true},
}

// BiasDropoutLayer computes dropout(input + bias) + residual. It owns no
// parameters: the bias belongs to the projection that produced input and is
// passed on every call. Only the dropout mask is retained.
type BiasDropoutLayer struct {
	sublayer
}

// NewBiasDropoutLayer builds a bias+residual+dropout layer.
func NewBiasDropoutLayer(cfg Config, alloc *LayerIDAllocator, backend Backend) (*BiasDropoutLayer, error) {
	s, err := newSublayer(KindBiasResidualDropout, cfg, alloc, backend, biasDropoutInputs, []string{"bias"})
	if err != nil {
		return nil, err
	}
	return &BiasDropoutLayer{sublayer: s}, nil
}

// Forward applies the layer to input and residual [batch, seq, hidden] with
// bias [hidden].
func (l *BiasDropoutLayer) Forward(mode Mode, input, residual, bias *Tensor, capture GradientObserver) (*Tensor, *StepState, error) {
	if err := l.checkInputs(map[string]*Tensor{"input": input, "residual": residual}); err != nil {
		return nil, nil, err
	}
	if !SameShape(input, residual) || input.Dim(input.Dims()-1) != l.cfg.HiddenSize {
		panic(fmt.Sprintf("%s layer %d: %v: input %v residual %v", l.kind, l.id, ErrShapeMismatch, input.Shape(), residual.Shape()))
	}
	mustShape(fmt.Sprintf("%s layer %d bias", l.kind, l.id), bias, l.cfg.HiddenSize)

	out, mask, err := l.kernels.BiasDropoutForward(l.id, mode, input, residual, bias)
	if err != nil {
		return nil, nil, backendError(l.kind, l.id, "forward", err)
	}
	var produced BufferTable
	produced[BufInput] = input
	produced[BufOutput] = out
	produced[BufDropoutMask] = mask
	return out, l.retain(mode, &produced, nil, capture), nil
}

// Backward consumes st. The input gradient is the gradient through the
// dropout, the residual gradient is grad itself and the bias gradient is the
// input gradient summed over every position.
func (l *BiasDropoutLayer) Backward(st *StepState, grad *Tensor) (*Gradients, error) {
	var capture GradientObserver
	if st != nil {
		capture = st.capture
	}
	slots, err := l.beginBackward(st, grad)
	if err != nil {
		return nil, err
	}
	gradInput, gradBias, err := l.kernels.BiasDropoutBackward(l.id, grad, slots[BufDropoutMask])
	if err != nil {
		return nil, backendError(l.kind, l.id, "backward", err)
	}
	return l.finishBackward(capture,
		map[string]*Tensor{"input": gradInput, "residual": grad},
		[]*Tensor{gradBias}), nil
}
