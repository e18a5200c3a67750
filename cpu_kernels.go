package fusedlayer

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Row-major primitives shared by the CPU kernel sets. Every matrix is a flat
// []float64 with explicit dimensions; weights are stored [out, in] so a
// linear layer is y = x W^T + b.
//
// Each forward primitive has a backward partner derived with the chain rule:
//
//   linear:     dx = dy W          dW = dy^T x        db = Σ_rows dy
//   layer norm: dx = invStd/n (n dx̂ - Σdx̂ - x̂ Σ(dx̂ x̂)),  dx̂ = dy γ
//   gelu:       dx = dy gelu'(x)
//   softmax:    dx = y (dy - Σ dy y)
//   dropout:    dx = dy m / (1-p)
//
// Layer norm backward takes x̂ directly. The caller builds it either from
// the input and the stored mean (non-invertible) or by inverting the output,
// x̂ = (y - β) / γ (invertible). That choice is the whole point of the
// normalize_invertible flag.
//
// ===========================================================================

import "math"

const layerNormEps = 1e-12

// GELU constants (tanh approximation).
const (
	sqrt2OverPi = 0.7978845608028654 // sqrt(2/π)
	geluCoeff   = 0.044715
)

func gelu(v float64) float64 {
	inner := sqrt2OverPi * (v + geluCoeff*v*v*v)
	return 0.5 * v * (1.0 + math.Tanh(inner))
}

func geluGrad(v float64) float64 {
	inner := sqrt2OverPi * (v + geluCoeff*v*v*v)
	t := math.Tanh(inner)
	sech2 := 1.0 - t*t
	innerDeriv := sqrt2OverPi * (1.0 + 3.0*geluCoeff*v*v)
	return 0.5*(1.0+t) + 0.5*v*sech2*innerDeriv
}

// linear computes y[n,out] = x[n,in] W[out,in]^T + b. b may be nil.
func linear(e executor, x []float64, n, in int, w []float64, out int, b []float64) []float64 {
	y := make([]float64, n*out)
	e.rows(n, func(start, end int) {
		for r := start; r < end; r++ {
			xr := x[r*in : (r+1)*in]
			yr := y[r*out : (r+1)*out]
			for o := range out {
				wo := w[o*in : (o+1)*in]
				s := 0.0
				if b != nil {
					s = b[o]
				}
				for i, xv := range xr {
					s += xv * wo[i]
				}
				yr[o] = s
			}
		}
	})
	return y
}

// linearBackward returns dx, dW and db for y = x W^T + b.
func linearBackward(e executor, dy, x []float64, n, in int, w []float64, out int) (dx, dw, db []float64) {
	dx = make([]float64, n*in)
	e.rows(n, func(start, end int) {
		for r := start; r < end; r++ {
			dxr := dx[r*in : (r+1)*in]
			for o, g := range dy[r*out : (r+1)*out] {
				if g == 0 {
					continue
				}
				wo := w[o*in : (o+1)*in]
				for i := range dxr {
					dxr[i] += g * wo[i]
				}
			}
		}
	})
	dw = make([]float64, out*in)
	db = make([]float64, out)
	e.rows(out, func(start, end int) {
		for o := start; o < end; o++ {
			dwo := dw[o*in : (o+1)*in]
			for r := range n {
				g := dy[r*out+o]
				db[o] += g
				if g == 0 {
					continue
				}
				xr := x[r*in : (r+1)*in]
				for i := range dwo {
					dwo[i] += g * xr[i]
				}
			}
		}
	})
	return dx, dw, db
}

// layerNorm normalizes each row of x[n,h] and returns the output plus the
// per-row mean and inverse standard deviation.
func layerNorm(e executor, x []float64, n, h int, gamma, beta []float64) (y, mean, invStd []float64) {
	y = make([]float64, n*h)
	mean = make([]float64, n)
	invStd = make([]float64, n)
	e.rows(n, func(start, end int) {
		for r := start; r < end; r++ {
			xr := x[r*h : (r+1)*h]
			m := 0.0
			for _, v := range xr {
				m += v
			}
			m /= float64(h)
			variance := 0.0
			for _, v := range xr {
				d := v - m
				variance += d * d
			}
			variance /= float64(h)
			is := 1 / math.Sqrt(variance+layerNormEps)
			yr := y[r*h : (r+1)*h]
			for j, v := range xr {
				yr[j] = (v-m)*is*gamma[j] + beta[j]
			}
			mean[r], invStd[r] = m, is
		}
	})
	return y, mean, invStd
}

// normalizedFromInput rebuilds x̂ from the input and stored statistics.
func normalizedFromInput(x []float64, n, h int, mean, invStd []float64) []float64 {
	xhat := make([]float64, n*h)
	for r := range n {
		for j := range h {
			xhat[r*h+j] = (x[r*h+j] - mean[r]) * invStd[r]
		}
	}
	return xhat
}

// normalizedFromOutput inverts y = x̂ γ + β.
func normalizedFromOutput(y []float64, n, h int, gamma, beta []float64) []float64 {
	xhat := make([]float64, n*h)
	for r := range n {
		for j := range h {
			xhat[r*h+j] = (y[r*h+j] - beta[j]) / gamma[j]
		}
	}
	return xhat
}

// layerNormBackward returns dx, dγ and dβ given x̂ and the per-row inverse
// standard deviation.
func layerNormBackward(e executor, dy, xhat []float64, n, h int, invStd, gamma []float64) (dx, dgamma, dbeta []float64) {
	dx = make([]float64, n*h)
	e.rows(n, func(start, end int) {
		for r := start; r < end; r++ {
			dyr, xr := dy[r*h:(r+1)*h], xhat[r*h:(r+1)*h]
			sum, sumX := 0.0, 0.0
			for j := range h {
				g := dyr[j] * gamma[j]
				sum += g
				sumX += g * xr[j]
			}
			scale := invStd[r] / float64(h)
			for j := range h {
				g := dyr[j] * gamma[j]
				dx[r*h+j] = scale * (float64(h)*g - sum - xr[j]*sumX)
			}
		}
	})
	dgamma = make([]float64, h)
	dbeta = make([]float64, h)
	for r := range n {
		for j := range h {
			g := dy[r*h+j]
			dgamma[j] += g * xhat[r*h+j]
			dbeta[j] += g
		}
	}
	return dx, dgamma, dbeta
}

// columnSum sums x[n,h] over rows.
func columnSum(x []float64, n, h int) []float64 {
	out := make([]float64, h)
	for r := range n {
		for j := range h {
			out[j] += x[r*h+j]
		}
	}
	return out
}

// applyDropout returns x m scale.
func applyDropout(x, mask []float64, scale float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = v * mask[i] * scale
	}
	return out
}

// addInto adds src into dst element-wise.
func addInto(dst, src []float64) {
	for i, v := range src {
		dst[i] += v
	}
}

// attentionDims describes the attention geometry of one call.
type attentionDims struct {
	batch, seq, heads, headSize int
}

func (d attentionDims) attnSize() int { return d.heads * d.headSize }

// probIndex is the offset of row i of head h in batch b of a [B, heads, S, S]
// probability tensor.
func (d attentionDims) probIndex(b, h, i int) int {
	return ((b*d.heads+h)*d.seq + i) * d.seq
}

// qkvIndex is the offset of head h of projection part (0 q, 1 k, 2 v) for
// token t of batch b in a [B*S, 3A] qkv tensor.
func (d attentionDims) qkvIndex(b, t, part, h int) int {
	a := d.attnSize()
	return (b*d.seq+t)*3*a + part*a + h*d.headSize
}

// attentionScores fills softmax(q k^T * scale + mask) for every (batch, head)
// into soft [B, heads, S, S].
func attentionScores(e executor, d attentionDims, qkv, mask []float64) ([]float64, error) {
	soft := make([]float64, d.batch*d.heads*d.seq*d.seq)
	scale := 1 / math.Sqrt(float64(d.headSize))
	err := e.tasks(d.batch*d.heads, func(task int) error {
		b, h := task/d.heads, task%d.heads
		for i := range d.seq {
			row := soft[d.probIndex(b, h, i) : d.probIndex(b, h, i)+d.seq]
			q := qkv[d.qkvIndex(b, i, 0, h) : d.qkvIndex(b, i, 0, h)+d.headSize]
			maxVal := math.Inf(-1)
			for j := range d.seq {
				k := qkv[d.qkvIndex(b, j, 1, h) : d.qkvIndex(b, j, 1, h)+d.headSize]
				s := 0.0
				for t := range q {
					s += q[t] * k[t]
				}
				s = s*scale + mask[b*d.seq+j]
				row[j] = s
				maxVal = math.Max(maxVal, s)
			}
			sum := 0.0
			for j := range row {
				row[j] = math.Exp(row[j] - maxVal)
				sum += row[j]
			}
			for j := range row {
				row[j] /= sum
			}
		}
		return nil
	})
	return soft, err
}

// attentionContext computes the merged per-head context probs v into
// out [B*S, A].
func attentionContext(e executor, d attentionDims, probs, qkv []float64) ([]float64, error) {
	a := d.attnSize()
	out := make([]float64, d.batch*d.seq*a)
	err := e.tasks(d.batch*d.heads, func(task int) error {
		b, h := task/d.heads, task%d.heads
		for i := range d.seq {
			row := probs[d.probIndex(b, h, i) : d.probIndex(b, h, i)+d.seq]
			o := out[(b*d.seq+i)*a+h*d.headSize : (b*d.seq+i)*a+(h+1)*d.headSize]
			for j, p := range row {
				if p == 0 {
					continue
				}
				v := qkv[d.qkvIndex(b, j, 2, h) : d.qkvIndex(b, j, 2, h)+d.headSize]
				for t := range o {
					o[t] += p * v[t]
				}
			}
		}
		return nil
	})
	return out, err
}

// attentionBackward returns dqkv [B*S, 3A] given the gradient of the merged
// context, the retained probabilities before (soft) and after (probs)
// dropout, and the dropout mask.
func attentionBackward(e executor, d attentionDims, dctx, qkv, soft, probs, mask []float64, dropScale float64) ([]float64, error) {
	a := d.attnSize()
	dqkv := make([]float64, len(qkv))
	scale := 1 / math.Sqrt(float64(d.headSize))
	err := e.tasks(d.batch*d.heads, func(task int) error {
		b, h := task/d.heads, task%d.heads
		dscores := make([]float64, d.seq*d.seq)
		for i := range d.seq {
			off := d.probIndex(b, h, i)
			dOut := dctx[(b*d.seq+i)*a+h*d.headSize : (b*d.seq+i)*a+(h+1)*d.headSize]
			dot := 0.0
			for j := range d.seq {
				v := qkv[d.qkvIndex(b, j, 2, h) : d.qkvIndex(b, j, 2, h)+d.headSize]
				dv := dqkv[d.qkvIndex(b, j, 2, h) : d.qkvIndex(b, j, 2, h)+d.headSize]
				dp := 0.0
				p := probs[off+j]
				for t := range dOut {
					dp += dOut[t] * v[t]
					dv[t] += p * dOut[t]
				}
				ds := dp * mask[off+j] * dropScale
				dscores[i*d.seq+j] = ds
				dot += ds * soft[off+j]
			}
			for j := range d.seq {
				dscores[i*d.seq+j] = soft[off+j] * (dscores[i*d.seq+j] - dot) * scale
			}
		}
		for i := range d.seq {
			q := qkv[d.qkvIndex(b, i, 0, h) : d.qkvIndex(b, i, 0, h)+d.headSize]
			dq := dqkv[d.qkvIndex(b, i, 0, h) : d.qkvIndex(b, i, 0, h)+d.headSize]
			for j := range d.seq {
				g := dscores[i*d.seq+j]
				if g == 0 {
					continue
				}
				k := qkv[d.qkvIndex(b, j, 1, h) : d.qkvIndex(b, j, 1, h)+d.headSize]
				dk := dqkv[d.qkvIndex(b, j, 1, h) : d.qkvIndex(b, j, 1, h)+d.headSize]
				for t := range q {
					dq[t] += g * k[t]
					dk[t] += g * q[t]
				}
			}
		}
		return nil
	})
	return dqkv, err
}
