package fusedlayer

import "fmt"

// CreateMLP registers a feed-forward layer.
func (k *cpuKernels) CreateMLP(id LayerID, spec LayerSpec) error {
	return k.create(KindMLP, id, spec)
}

// MLPForward computes gelu(x Wi^T + bi) Wo^T + bo. With gelu_checkpoint the
// pre-activation is returned in both activation slots.
func (k *cpuKernels) MLPForward(id LayerID, mode Mode, input *Tensor, p *MLPParams) (*MLPBuffers, error) {
	l, err := k.layer(KindMLP, id)
	if err != nil {
		return nil, err
	}
	dims := input.Shape()
	rows := input.Size() / l.spec.HiddenSize
	if err := l.checkBatch(input.Dim(0), 0); err != nil {
		return nil, err
	}
	h, inter := l.spec.HiddenSize, l.spec.IntermediateSize
	interShape := append(append([]int(nil), dims[:len(dims)-1]...), inter)

	out := &MLPBuffers{}
	pre := linear(k.exec, input.data, rows, h, p.InterW.data, inter, nil)
	out.GeluInput = k.tensor(pre, interShape...)
	act := k.tensor(activate(pre, p.InterB.data), interShape...)
	out.FF2Input = act
	if l.spec.Flags.GeluCheckpoint {
		out.FF2Input = out.GeluInput
	}
	out.Output = k.tensor(linear(k.exec, act.data, rows, inter, p.OutputW.data, h, p.OutputB.data), dims...)
	return out, nil
}

// MLPBackward computes input and parameter gradients, recomputing the
// activation when it was not kept.
func (k *cpuKernels) MLPBackward(id LayerID, args *MLPBackwardArgs) (*MLPGrads, error) {
	l, err := k.layer(KindMLP, id)
	if err != nil {
		return nil, err
	}
	slot := args.Slots
	p := args.Params
	input := slot[BufInput]
	if !SameShape(args.GradOutput, input) {
		return nil, fmt.Errorf("%w: grad %v for output %v", ErrShapeMismatch, args.GradOutput.Shape(), input.Shape())
	}
	h, inter := l.spec.HiddenSize, l.spec.IntermediateSize
	rows := input.Size() / h

	pre := slot[BufGeluInput].data
	act := slot[BufFF2Input].data
	if l.spec.Flags.GeluCheckpoint {
		act = activate(pre, p.InterB.data)
		k.round(act)
	}

	var g MLPGrads
	dAct, dOutW, dOutB := linearBackward(k.exec, args.GradOutput.data, act, rows, inter, p.OutputW.data, h)
	g.Params.OutputW = k.tensor(dOutW, h, inter)
	g.Params.OutputB = k.tensor(dOutB, h)

	dPre := make([]float64, len(dAct))
	for i, v := range dAct {
		dPre[i] = v * geluGrad(pre[i]+p.InterB.data[i%inter])
	}
	g.Params.InterB = k.tensor(columnSum(dPre, rows, inter), inter)
	dx, dInterW, _ := linearBackward(k.exec, dPre, input.data, rows, h, p.InterW.data, inter)
	g.Params.InterW = k.tensor(dInterW, inter, h)
	g.Input = k.tensor(dx, input.Shape()...)
	return &g, nil
}
