package fusedlayer

import (
	"sync"

	"github.com/samber/lo"
)

// GradientObserver receives parameter gradients as backward produces them,
// tagged with a logical parameter name. Observers exist for verification
// against a reference implementation and never change the result.
type GradientObserver interface {
	ObserveGradient(name string, grad *Tensor)
}

// CapturedGradient is one observed (gradient, name) pair.
type CapturedGradient struct {
	Name string
	Grad *Tensor
}

// GradientCapture is an append-only GradientObserver.
type GradientCapture struct {
	mu      sync.Mutex
	entries []CapturedGradient
}

// ObserveGradient appends a copy of grad under name.
func (c *GradientCapture) ObserveGradient(name string, grad *Tensor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, CapturedGradient{Name: name, Grad: grad.Clone()})
}

// Entries returns the captured pairs in arrival order.
func (c *GradientCapture) Entries() []CapturedGradient {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CapturedGradient(nil), c.entries...)
}

// Names returns the captured names in arrival order.
func (c *GradientCapture) Names() []string {
	return lo.Map(c.Entries(), func(e CapturedGradient, _ int) string { return e.Name })
}

// Last returns the most recent gradient captured under name.
func (c *GradientCapture) Last(name string) (*Tensor, bool) {
	e, _, ok := lo.FindLastIndexOf(c.Entries(), func(e CapturedGradient) bool { return e.Name == name })
	return e.Grad, ok
}

// Reset drops every captured pair.
func (c *GradientCapture) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
}

// Logical names used when reporting full-block gradients. The fused QKV
// weight and bias are reported per projection.
var (
	qkvWeightNames = [3]string{"Q_W", "K_W", "V_W"}
	qkvBiasNames   = [3]string{"Q_B", "K_B", "V_B"}

	captureNames = map[string]string{
		"attn_ow":  "O_W",
		"attn_ob":  "O_B",
		"attn_nw":  "N2_W",
		"attn_nb":  "N2_B",
		"inter_w":  "int_W",
		"inter_b":  "int_B",
		"output_w": "out_W",
		"output_b": "out_B",
		"norm_w":   "norm_W",
		"norm_b":   "norm_B",
		"gamma":    "gamma",
		"beta":     "beta",
		"bias":     "bias",
	}
)

// notify reports parameter gradients to obs in positional order.
func notify(obs GradientObserver, names []string, grads []*Tensor) {
	for i, name := range names {
		g := grads[i]
		switch name {
		case "attn_qkvw":
			for j, part := range splitRows(g, 3) {
				obs.ObserveGradient(qkvWeightNames[j], part)
			}
		case "attn_qkvb":
			for j, part := range splitRows(g, 3) {
				obs.ObserveGradient(qkvBiasNames[j], part)
			}
		default:
			if logical, ok := captureNames[name]; ok {
				obs.ObserveGradient(logical, g)
			} else {
				obs.ObserveGradient(name, g)
			}
		}
	}
}

// splitRows cuts t into n equal blocks along its first dimension.
func splitRows(t *Tensor, n int) []*Tensor {
	shape := t.Shape()
	rows := shape[0] / n
	shape[0] = rows
	stride := t.Size() / n
	return lo.Times(n, func(i int) *Tensor {
		return NewTensorFrom(t.data[i*stride:(i+1)*stride:(i+1)*stride], shape...)
	})
}
