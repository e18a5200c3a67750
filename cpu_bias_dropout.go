package fusedlayer

import "fmt"

// CreateBiasDropout registers a bias+residual+dropout layer.
func (k *cpuKernels) CreateBiasDropout(id LayerID, spec LayerSpec) error {
	return k.create(KindBiasResidualDropout, id, spec)
}

// BiasDropoutForward computes dropout(input + bias) + residual using the
// hidden dropout ratio.
func (k *cpuKernels) BiasDropoutForward(id LayerID, mode Mode, input, residual, bias *Tensor) (*Tensor, *Tensor, error) {
	l, err := k.layer(KindBiasResidualDropout, id)
	if err != nil {
		return nil, nil, err
	}
	if err := l.checkBatch(input.Dim(0), 0); err != nil {
		return nil, nil, err
	}
	h := bias.Size()
	mask, scale := l.dropoutMask(input.Size(), l.spec.HiddenDropoutRatio, mode.Training)
	out := make([]float64, input.Size())
	for i, v := range input.data {
		out[i] = (v+bias.data[i%h])*mask[i]*scale + residual.data[i]
	}
	return k.tensor(out, input.Shape()...), NewTensorFrom(mask, input.Shape()...), nil
}

// BiasDropoutBackward returns the gradient through the dropout and its sum
// over every position as the bias gradient.
func (k *cpuKernels) BiasDropoutBackward(id LayerID, grad, mask *Tensor) (*Tensor, *Tensor, error) {
	l, err := k.layer(KindBiasResidualDropout, id)
	if err != nil {
		return nil, nil, err
	}
	if !SameShape(grad, mask) {
		return nil, nil, fmt.Errorf("%w: grad %v for mask %v", ErrShapeMismatch, grad.Shape(), mask.Shape())
	}
	h := l.spec.HiddenSize
	dx := applyDropout(grad.data, mask.data, dropoutScale(l.spec.HiddenDropoutRatio))
	db := columnSum(dx, len(dx)/h, h)
	return k.tensor(dx, grad.Shape()...), k.tensor(db, h), nil
}
