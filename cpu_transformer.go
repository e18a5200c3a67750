package fusedlayer

import (
	"fmt"
	"math"
)

// CreateTransformer registers a full block.
func (k *cpuKernels) CreateTransformer(id LayerID, spec LayerSpec) error {
	return k.create(KindTransformer, id, spec)
}

// blockMasks are the three dropout masks of one full-block forward, sampled
// in a fixed order before any parallel work starts.
type blockMasks struct {
	prob, attnOut, layerOut []float64
	probScale               float64
	attnOutScale            float64
	layerOutScale           float64
}

func (l *cpuLayer) sampleBlockMasks(training bool, batch, seq int) blockMasks {
	s := l.spec
	n := batch * seq * s.HiddenSize
	var m blockMasks
	m.prob, m.probScale = l.dropoutMask(batch*s.Heads*seq*seq, s.AttnDropoutRatio, training)
	m.attnOut, m.attnOutScale = l.dropoutMask(n, s.HiddenDropoutRatio, training)
	m.layerOut, m.layerOutScale = l.dropoutMask(n, s.HiddenDropoutRatio, training)
	return m
}

func (l *cpuLayer) attentionDims(batch, seq int) attentionDims {
	return attentionDims{batch: batch, seq: seq, heads: l.spec.Heads, headSize: l.spec.AttentionSize / l.spec.Heads}
}

// TransformerForward runs one full block and returns every buffer it made.
func (k *cpuKernels) TransformerForward(id LayerID, mode Mode, input, mask *Tensor, p *TransformerParams) (*TransformerBuffers, error) {
	l, err := k.layer(KindTransformer, id)
	if err != nil {
		return nil, err
	}
	batch, seq := input.Dim(0), input.Dim(1)
	if err := l.checkBatch(batch, seq); err != nil {
		return nil, err
	}
	s := l.spec
	h, a, inter := s.HiddenSize, s.AttentionSize, s.IntermediateSize
	n := batch * seq
	d := l.attentionDims(batch, seq)
	x := input.data
	masks := l.sampleBlockMasks(mode.Training, batch, seq)

	out := &TransformerBuffers{
		AttnProbMask:    NewTensorFrom(masks.prob, batch, s.Heads, seq, seq),
		AttnOutputMask:  NewTensorFrom(masks.attnOut, batch, seq, h),
		LayerOutputMask: NewTensorFrom(masks.layerOut, batch, seq, h),
	}

	attnIn := x
	if s.Flags.PreLayerNorm {
		inpNorm, mean, invStd := layerNorm(k.exec, x, n, h, p.NormW.data, p.NormB.data)
		out.InpNorm = k.tensor(inpNorm, batch, seq, h)
		l.norm = lnStats{mean: mean, invStd: invStd}
		attnIn = inpNorm
	}

	qkv := linear(k.exec, attnIn, n, h, p.QKVW.data, 3*a, p.QKVB.data)
	out.QKV = k.tensor(qkv, batch, seq, 3*a)

	soft, err := attentionScores(k.exec, d, qkv, mask.data)
	if err != nil {
		return nil, err
	}
	out.Softmax = k.tensor(soft, batch, s.Heads, seq, seq)
	probs := k.tensor(applyDropout(soft, masks.prob, masks.probScale), batch, s.Heads, seq, seq)
	out.AttnProbs = probs
	if s.Flags.AttnDropoutCheckpoint {
		out.AttnProbs = out.Softmax
	}

	ctx, err := attentionContext(k.exec, d, probs.data, qkv)
	if err != nil {
		return nil, err
	}
	out.AttnOutInput = k.tensor(ctx, batch, seq, a)

	ao := linear(k.exec, ctx, n, a, p.AttnOW.data, h, p.AttnOB.data)
	addRes := applyDropout(ao, masks.attnOut, masks.attnOutScale)
	addInto(addRes, x)
	out.AddRes = k.tensor(addRes, batch, seq, h)

	ff1, mean2, invStd2 := layerNorm(k.exec, addRes, n, h, p.AttnNW.data, p.AttnNB.data)
	out.FF1Input = k.tensor(ff1, batch, seq, h)
	l.attnNorm = lnStats{mean: mean2, invStd: invStd2}

	pre := linear(k.exec, ff1, n, h, p.InterW.data, inter, nil)
	out.GeluInput = k.tensor(pre, batch, seq, inter)
	act := k.tensor(activate(pre, p.InterB.data), batch, seq, inter)
	out.FF2Input = act
	if s.Flags.GeluCheckpoint {
		out.FF2Input = out.GeluInput
	}

	o := linear(k.exec, act.data, n, inter, p.OutputW.data, h, p.OutputB.data)
	res := applyDropout(o, masks.layerOut, masks.layerOutScale)
	if s.Flags.PreLayerNorm {
		addInto(res, addRes)
		out.Output = k.tensor(res, batch, seq, h)
		return out, nil
	}
	addInto(res, ff1)
	out.InpNorm = k.tensor(res, batch, seq, h)
	y, mean3, invStd3 := layerNorm(k.exec, res, n, h, p.NormW.data, p.NormB.data)
	out.Output = k.tensor(y, batch, seq, h)
	l.norm = lnStats{mean: mean3, invStd: invStd3}
	return out, nil
}

// activate computes gelu(pre + bias) with bias broadcast over rows.
func activate(pre, bias []float64) []float64 {
	out := make([]float64, len(pre))
	w := len(bias)
	for i, v := range pre {
		out[i] = gelu(v + bias[i%w])
	}
	return out
}

// TransformerBackward computes the block's gradients from the plan's slots.
func (k *cpuKernels) TransformerBackward(id LayerID, args *TransformerBackwardArgs) (*TransformerGrads, error) {
	l, err := k.layer(KindTransformer, id)
	if err != nil {
		return nil, err
	}
	s := l.spec
	f := s.Flags
	p := args.Params
	slot := args.Slots
	dy := args.GradOutput
	batch, seq := slot[BufInputMask].Dim(0), slot[BufInputMask].Dim(1)
	h, a, inter := s.HiddenSize, s.AttentionSize, s.IntermediateSize
	if !SameShape(dy, slot[BufFF1Input]) {
		return nil, fmt.Errorf("%w: grad %v for output %v", ErrShapeMismatch, dy.Shape(), slot[BufFF1Input].Shape())
	}
	if l.attnNorm.invStd == nil || len(l.attnNorm.invStd) != batch*seq {
		return nil, fmt.Errorf("%s layer %d: no normalization statistics for batch %d", KindTransformer, id, batch)
	}
	n := batch * seq
	d := l.attentionDims(batch, seq)
	hiddenScale := dropoutScale(s.HiddenDropoutRatio)
	probScale := dropoutScale(s.AttnDropoutRatio)

	var g TransformerGrads
	ff1 := slot[BufFF1Input].data

	// output dropout, and the final norm when it sits after the block
	var dO, dFF1Res, dAddResRes []float64
	if f.PreLayerNorm {
		dAddResRes = dy.data
		dO = applyDropout(dy.data, slot[BufLayerOutputMask].data, hiddenScale)
	} else {
		var xhat []float64
		if f.NormalizeInvertible {
			xhat = normalizedFromOutput(slot[BufOutput].data, n, h, p.NormW.data, p.NormB.data)
		} else {
			xhat = normalizedFromInput(slot[BufInpNorm].data, n, h, l.norm.mean, l.norm.invStd)
		}
		dInpNorm, dgamma, dbeta := layerNormBackward(k.exec, dy.data, xhat, n, h, l.norm.invStd, p.NormW.data)
		g.Params.NormW = k.tensor(dgamma, h)
		g.Params.NormB = k.tensor(dbeta, h)
		dFF1Res = dInpNorm
		dO = applyDropout(dInpNorm, slot[BufLayerOutputMask].data, hiddenScale)
	}

	// feed-forward
	pre := slot[BufGeluInput].data
	act := slot[BufFF2Input].data
	if f.GeluCheckpoint {
		t := activate(pre, p.InterB.data)
		k.round(t)
		act = t
	}
	dAct, dOutW, dOutB := linearBackward(k.exec, dO, act, n, inter, p.OutputW.data, h)
	g.Params.OutputW = k.tensor(dOutW, h, inter)
	g.Params.OutputB = k.tensor(dOutB, h)

	dPre := make([]float64, len(dAct))
	for i, v := range dAct {
		dPre[i] = v * geluGrad(pre[i]+p.InterB.data[i%inter])
	}
	g.Params.InterB = k.tensor(columnSum(dPre, n, inter), inter)
	dFF1, dInterW, _ := linearBackward(k.exec, dPre, ff1, n, h, p.InterW.data, inter)
	g.Params.InterW = k.tensor(dInterW, inter, h)
	if dFF1Res != nil {
		addInto(dFF1, dFF1Res)
	}

	// attention-side norm
	var xhat2 []float64
	if f.NormalizeInvertible {
		xhat2 = normalizedFromOutput(slot[BufAddRes].data, n, h, p.AttnNW.data, p.AttnNB.data)
	} else {
		xhat2 = normalizedFromInput(slot[BufAddRes].data, n, h, l.attnNorm.mean, l.attnNorm.invStd)
	}
	dAddRes, dAttnNW, dAttnNB := layerNormBackward(k.exec, dFF1, xhat2, n, h, l.attnNorm.invStd, p.AttnNW.data)
	g.Params.AttnNW = k.tensor(dAttnNW, h)
	g.Params.AttnNB = k.tensor(dAttnNB, h)
	if dAddResRes != nil {
		addInto(dAddRes, dAddResRes)
	}
	dx := append([]float64(nil), dAddRes...)

	// attention
	dAo := applyDropout(dAddRes, slot[BufAttnOutputMask].data, hiddenScale)
	dCtx, dAttnOW, dAttnOB := linearBackward(k.exec, dAo, slot[BufAttnOutInput].data, n, a, p.AttnOW.data, h)
	g.Params.AttnOW = k.tensor(dAttnOW, h, a)
	g.Params.AttnOB = k.tensor(dAttnOB, h)

	soft := slot[BufSoftmax].data
	probs := slot[BufAttnProbs].data
	if f.AttnDropoutCheckpoint {
		probs = applyDropout(soft, slot[BufAttnProbMask].data, probScale)
		k.round(probs)
	}
	qkv := slot[BufQKV].data
	dqkv, err := attentionBackward(k.exec, d, dCtx, qkv, soft, probs, slot[BufAttnProbMask].data, probScale)
	if err != nil {
		return nil, err
	}

	attnIn := slot[BufInput].data
	if f.PreLayerNorm {
		attnIn = slot[BufInpNorm].data
	}
	dAttnIn, dQKVW, dQKVB := linearBackward(k.exec, dqkv, attnIn, n, h, p.QKVW.data, 3*a)
	g.Params.QKVW = k.tensor(dQKVW, 3*a, h)
	g.Params.QKVB = k.tensor(dQKVB, 3*a)

	if f.PreLayerNorm {
		var xhat []float64
		if f.NormalizeInvertible {
			xhat = normalizedFromOutput(slot[BufInpNorm].data, n, h, p.NormW.data, p.NormB.data)
		} else {
			xhat = normalizedFromInput(slot[BufInput].data, n, h, l.norm.mean, l.norm.invStd)
		}
		dxNorm, dgamma, dbeta := layerNormBackward(k.exec, dAttnIn, xhat, n, h, l.norm.invStd, p.NormW.data)
		g.Params.NormW = k.tensor(dgamma, h)
		g.Params.NormB = k.tensor(dbeta, h)
		addInto(dx, dxNorm)
	} else {
		addInto(dx, dAttnIn)
	}
	g.Input = k.tensor(dx, batch, seq, h)

	if hasNaN(g.Input.data) {
		return nil, fmt.Errorf("%s layer %d: non-finite input gradient", KindTransformer, id)
	}
	return &g, nil
}

func hasNaN(xs []float64) bool {
	for _, v := range xs {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
