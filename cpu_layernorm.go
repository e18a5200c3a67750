package fusedlayer

import "fmt"

// CreateLayerNorm registers a normalization layer.
func (k *cpuKernels) CreateLayerNorm(id LayerID, spec LayerSpec) error {
	return k.create(KindLayerNorm, id, spec)
}

// LayerNormForward normalizes the last dimension and records the statistics
// backward needs.
func (k *cpuKernels) LayerNormForward(id LayerID, mode Mode, input, gamma, beta *Tensor) (*Tensor, error) {
	l, err := k.layer(KindLayerNorm, id)
	if err != nil {
		return nil, err
	}
	if err := l.checkBatch(input.Dim(0), 0); err != nil {
		return nil, err
	}
	h := l.spec.HiddenSize
	y, mean, invStd := layerNorm(k.exec, input.data, input.Size()/h, h, gamma.data, beta.data)
	if l.spec.Flags.NormalizeInvertible {
		mean = nil
	}
	l.norm = lnStats{mean: mean, invStd: invStd}
	return k.tensor(y, input.Shape()...), nil
}

// LayerNormBackward takes the layer output when invertible and its input
// otherwise.
func (k *cpuKernels) LayerNormBackward(id LayerID, grad, inout, gamma, beta *Tensor) (*Tensor, *Tensor, *Tensor, error) {
	l, err := k.layer(KindLayerNorm, id)
	if err != nil {
		return nil, nil, nil, err
	}
	if !SameShape(grad, inout) {
		return nil, nil, nil, fmt.Errorf("%w: grad %v for %v", ErrShapeMismatch, grad.Shape(), inout.Shape())
	}
	h := l.spec.HiddenSize
	n := inout.Size() / h
	if len(l.norm.invStd) != n {
		return nil, nil, nil, fmt.Errorf("%s layer %d: no normalization statistics for %d rows", KindLayerNorm, id, n)
	}
	var xhat []float64
	if l.spec.Flags.NormalizeInvertible {
		xhat = normalizedFromOutput(inout.data, n, h, gamma.data, beta.data)
	} else {
		xhat = normalizedFromInput(inout.data, n, h, l.norm.mean, l.norm.invStd)
	}
	dx, dgamma, dbeta := layerNormBackward(k.exec, grad.data, xhat, n, h, l.norm.invStd, gamma.data)
	return k.tensor(dx, grad.Shape()...), k.tensor(dgamma, h), k.tensor(dbeta, h), nil
}
