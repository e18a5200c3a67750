package fusedlayer

import (
	"fmt"

	"github.com/samber/lo"
)

// BufferElems returns the element count of buffer b for one call on a
// [batch, seq, hidden] input under cfg.
func BufferElems(b Buffer, cfg Config, batch, seq int) int {
	rows := batch * seq
	switch b {
	case BufInputMask:
		return rows
	case BufQKV:
		return rows * 3 * cfg.AttnSize()
	case BufSoftmax, BufAttnProbs, BufAttnProbMask:
		return batch * cfg.Heads * seq * seq
	case BufAttnOutInput:
		return rows * cfg.AttnSize()
	case BufGeluInput, BufFF2Input:
		return rows * cfg.InterSize()
	default:
		return rows * cfg.HiddenSize
	}
}

// Bytes estimates the memory the plan's retained activations occupy at the
// precision cfg dispatches to. Masks count one byte per element. Endpoints
// and parameters are excluded: they are live whatever the flags.
func (p RetentionPlan) Bytes(cfg Config, batch, seq int) int64 {
	elem := int64(DispatchFor(cfg).Precision().ElemSize())
	return lo.SumBy(p.Activations().Buffers(), func(b Buffer) int64 {
		n := int64(BufferElems(b, cfg, batch, seq))
		if b.IsMask() {
			return n
		}
		return n * elem
	})
}

// RetentionSaving compares a flag tuple against retaining everything.
type RetentionSaving struct {
	Kind     Kind
	Flags    Flags
	Baseline int64 // bytes with no recomputation flags set
	Retained int64 // bytes under Flags
}

// Saved returns the bytes the flags avoid keeping.
func (s RetentionSaving) Saved() int64 { return s.Baseline - s.Retained }

// Ratio returns Baseline / Retained.
func (s RetentionSaving) Ratio() float64 {
	if s.Retained == 0 {
		return 1
	}
	return float64(s.Baseline) / float64(s.Retained)
}

func (s RetentionSaving) String() string {
	return fmt.Sprintf("%s [%s]: %s -> %s (saves %s, %.2fx)",
		s.Kind, s.Flags, formatBytes(s.Baseline), formatBytes(s.Retained), formatBytes(s.Saved()), s.Ratio())
}

// CompareRetention estimates what cfg's recomputation flags save for kind.
// The baseline keeps the same architecture (pre- or post-norm) and sets no
// recomputation flag.
func CompareRetention(kind Kind, cfg Config, batch, seq int) RetentionSaving {
	f := cfg.Flags()
	base := Flags{PreLayerNorm: f.PreLayerNorm}
	return RetentionSaving{
		Kind:     kind,
		Flags:    PlanFor(kind, f).Flags,
		Baseline: PlanFor(kind, base).Bytes(cfg, batch, seq),
		Retained: PlanFor(kind, f).Bytes(cfg, batch, seq),
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
