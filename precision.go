package fusedlayer

import (
	"math"

	"github.com/ajroetker/go-highway/hwy"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Precision Emulation
// ===========================================================================
//
// Tensors hold float64, but a fused backend computes in fp32 or fp16. The CPU
// backend emulates that by rounding every tensor it hands back to the
// precision of its dispatch: fp32 through a float32 round trip, fp16 through
// go-highway's IEEE half conversion.
//
// Rounding at the kernel boundary (not inside every accumulation) matches
// what a fused kernel that accumulates in fp32 and stores in half precision
// does to retained buffers. It is also why gradient tolerances depend on the
// dispatch: fp16 buffers keep ~3 decimal digits.
//
// Float16 range: ±65,504; values beyond saturate to ±Inf like real hardware.
//
// ===========================================================================

// rounder rounds a slice in place to a storage precision.
type rounder func([]float64)

func roundFP32(xs []float64) {
	for i, v := range xs {
		xs[i] = float64(float32(v))
	}
}

func roundFP16(xs []float64) {
	for i, v := range xs {
		xs[i] = float64(hwy.Float16ToFloat32(hwy.Float32ToFloat16(float32(v))))
	}
}

func rounderFor(p Precision) rounder {
	if p == PrecisionFP16 {
		return roundFP16
	}
	return roundFP32
}

// Tolerance returns an absolute/relative error bound suitable for comparing
// gradients computed at precision p against a float64 reference.
func (p Precision) Tolerance() (abs, rel float64) {
	if p == PrecisionFP16 {
		return 5e-2, 1e-1
	}
	return 2e-2, 5e-2
}

// WithinTolerance reports whether got is within the precision's tolerance of
// want.
func (p Precision) WithinTolerance(got, want float64) bool {
	abs, rel := p.Tolerance()
	return math.Abs(got-want) <= abs+rel*math.Abs(want)
}
