package fusedlayer

import "fmt"

// CreateSelfAttention registers a self-attention layer.
func (k *cpuKernels) CreateSelfAttention(id LayerID, spec LayerSpec) error {
	return k.create(KindSelfAttention, id, spec)
}

// SelfAttentionForward runs projection, masked softmax, probability dropout
// and the output projection.
func (k *cpuKernels) SelfAttentionForward(id LayerID, mode Mode, input, mask *Tensor, p *AttentionParams) (*AttentionBuffers, error) {
	l, err := k.layer(KindSelfAttention, id)
	if err != nil {
		return nil, err
	}
	batch, seq := input.Dim(0), input.Dim(1)
	if err := l.checkBatch(batch, seq); err != nil {
		return nil, err
	}
	s := l.spec
	h, a := s.HiddenSize, s.AttentionSize
	n := batch * seq
	d := l.attentionDims(batch, seq)
	probMask, probScale := l.dropoutMask(batch*s.Heads*seq*seq, s.AttnDropoutRatio, mode.Training)

	out := &AttentionBuffers{AttnProbMask: NewTensorFrom(probMask, batch, s.Heads, seq, seq)}
	qkv := linear(k.exec, input.data, n, h, p.QKVW.data, 3*a, p.QKVB.data)
	out.QKV = k.tensor(qkv, batch, seq, 3*a)

	soft, err := attentionScores(k.exec, d, qkv, mask.data)
	if err != nil {
		return nil, err
	}
	out.Softmax = k.tensor(soft, batch, s.Heads, seq, seq)
	probs := k.tensor(applyDropout(soft, probMask, probScale), batch, s.Heads, seq, seq)
	out.AttnProbs = probs
	if s.Flags.AttnDropoutCheckpoint {
		out.AttnProbs = out.Softmax
	}

	ctx, err := attentionContext(k.exec, d, probs.data, qkv)
	if err != nil {
		return nil, err
	}
	out.AttnOutInput = k.tensor(ctx, batch, seq, a)
	out.Output = k.tensor(linear(k.exec, ctx, n, a, p.AttnOW.data, h, p.AttnOB.data), batch, seq, h)
	return out, nil
}

// SelfAttentionBackward computes input and parameter gradients.
func (k *cpuKernels) SelfAttentionBackward(id LayerID, args *AttentionBackwardArgs) (*AttentionGrads, error) {
	l, err := k.layer(KindSelfAttention, id)
	if err != nil {
		return nil, err
	}
	s := l.spec
	slot := args.Slots
	p := args.Params
	input := slot[BufInput]
	if !SameShape(args.GradOutput, input) {
		return nil, fmt.Errorf("%w: grad %v for output %v", ErrShapeMismatch, args.GradOutput.Shape(), input.Shape())
	}
	batch, seq := input.Dim(0), input.Dim(1)
	h, a := s.HiddenSize, s.AttentionSize
	n := batch * seq
	d := l.attentionDims(batch, seq)
	probScale := dropoutScale(s.AttnDropoutRatio)

	var g AttentionGrads
	dCtx, dOW, dOB := linearBackward(k.exec, args.GradOutput.data, slot[BufAttnOutInput].data, n, a, p.AttnOW.data, h)
	g.Params.AttnOW = k.tensor(dOW, h, a)
	g.Params.AttnOB = k.tensor(dOB, h)

	soft := slot[BufSoftmax].data
	probs := slot[BufAttnProbs].data
	if s.Flags.AttnDropoutCheckpoint {
		probs = applyDropout(soft, slot[BufAttnProbMask].data, probScale)
		k.round(probs)
	}
	dqkv, err := attentionBackward(k.exec, d, dCtx, slot[BufQKV].data, soft, probs, slot[BufAttnProbMask].data, probScale)
	if err != nil {
		return nil, err
	}
	dx, dW, dB := linearBackward(k.exec, dqkv, input.data, n, h, p.QKVW.data, 3*a)
	g.Params.QKVW = k.tensor(dW, 3*a, h)
	g.Params.QKVB = k.tensor(dB, 3*a)
	g.Input = k.tensor(dx, batch, seq, h)
	return &g, nil
}
