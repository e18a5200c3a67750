package fusedlayer

// ===========================================================================
// WHAT'S GOING ON HERE: Checkpoint Segments
// ===========================================================================
//
// Retention flags shrink what a single block keeps. A checkpoint segment goes
// further: it keeps nothing from a run of blocks except the run's input, and
// replays the run in backward to rebuild the step states.
//
//   FORWARD
//     StoreRandomState, then every block with gradient tracking off. Only
//     the segment input and mask survive.
//
//   BACKWARD
//     RestoreRandomState(true) rewinds the blocks' dropout streams, the
//     replay runs with gradient tracking on and draws the same masks, and
//     backward walks the fresh states in reverse.
//
// Segments must be unwound in the reverse order of their forwards, the way
// backward runs anyway. After a segment's backward its blocks' streams sit
// where a plain forward would have left them, so training with and without
// segments draws the same masks step after step.
//
// ===========================================================================

import (
	"fmt"
	"log/slog"
)

// CheckpointSegment recomputes a run of full blocks in backward instead of
// keeping their activations.
type CheckpointSegment struct {
	layers []*TransformerLayer
	rng    RandomState

	input, mask *Tensor
	mode        Mode
	capture     GradientObserver
	pending     bool
}

// NewCheckpointSegment wraps layers, which must share rng's backend.
func NewCheckpointSegment(rng RandomState, layers ...*TransformerLayer) *CheckpointSegment {
	return &CheckpointSegment{layers: layers, rng: rng}
}

// Layers returns the wrapped blocks.
func (cs *CheckpointSegment) Layers() []*TransformerLayer { return cs.layers }

// Pending reports whether a forward is waiting for its backward.
func (cs *CheckpointSegment) Pending() bool { return cs.pending }

// Forward runs the segment. With mode.GradEnabled only the input is kept and
// a later Backward (or Discard) is required.
func (cs *CheckpointSegment) Forward(mode Mode, input, mask *Tensor, capture GradientObserver) (*Tensor, error) {
	if cs.pending {
		return nil, fmt.Errorf("%w: segment forward called twice without backward", ErrInvalidBackward)
	}
	if !mode.GradEnabled {
		return cs.run(mode, input, mask, nil, nil)
	}
	cs.rng.StoreRandomState()
	out, err := cs.run(Mode{Training: mode.Training}, input, mask, nil, nil)
	if err != nil {
		cs.rng.RestoreRandomState(false)
		return nil, err
	}
	cs.input, cs.mask, cs.mode, cs.capture = input, mask, mode, capture
	cs.pending = true
	return out, nil
}

// Backward replays the segment and backpropagates grad through it. It returns
// the segment input's gradient and each block's gradients in layer order.
func (cs *CheckpointSegment) Backward(grad *Tensor) (*Tensor, []*Gradients, error) {
	if !cs.pending {
		return nil, nil, fmt.Errorf("%w: segment has no pending forward", ErrInvalidBackward)
	}
	input, mask, mode, capture := cs.input, cs.mask, cs.mode, cs.capture
	cs.reset()
	cs.rng.RestoreRandomState(true)

	states := make([]*StepState, len(cs.layers))
	if _, err := cs.run(mode, input, mask, capture, states); err != nil {
		return nil, nil, fmt.Errorf("segment replay: %w", err)
	}
	logger.Debug("checkpoint segment replayed", slog.Int("layers", len(cs.layers)))

	grads := make([]*Gradients, len(cs.layers))
	for i := len(cs.layers) - 1; i >= 0; i-- {
		g, err := cs.layers[i].Backward(states[i], grad)
		if err != nil {
			return nil, nil, err
		}
		grads[i] = g
		grad = g.Input()
	}
	return grad, grads, nil
}

// Discard drops a pending forward without running backward, releasing the
// random-state snapshot.
func (cs *CheckpointSegment) Discard() {
	if !cs.pending {
		return
	}
	cs.reset()
	cs.rng.RestoreRandomState(false)
}

func (cs *CheckpointSegment) reset() {
	cs.input, cs.mask, cs.capture = nil, nil, nil
	cs.pending = false
}

// run applies every layer in order, storing step states when states is
// non-nil.
func (cs *CheckpointSegment) run(mode Mode, x, mask *Tensor, capture GradientObserver, states []*StepState) (*Tensor, error) {
	for i, l := range cs.layers {
		out, st, err := l.Forward(mode, x, mask, capture)
		if err != nil {
			return nil, err
		}
		if states != nil {
			states[i] = st
		}
		x = out
	}
	return x, nil
}

// SegmentMemory estimates the activation memory of a stack of numLayers
// blocks with and without checkpoint segments of everyN blocks, in bytes.
// With segments, one segment's worth of states is live during backward on
// top of the kept segment inputs.
func SegmentMemory(cfg Config, numLayers, everyN, batch, seq int) (without, with int64, ratio float64) {
	perLayer := PlanFor(KindTransformer, cfg.Flags()).Bytes(cfg, batch, seq)
	without = int64(numLayers) * perLayer
	if everyN <= 0 {
		return without, without, 1
	}
	inputBytes := int64(batch*seq*cfg.HiddenSize) * int64(DispatchFor(cfg).Precision().ElemSize())
	segments := (numLayers + everyN - 1) / everyN
	with = int64(segments)*inputBytes + int64(min(everyN, numLayers))*perLayer
	return without, with, float64(without) / float64(with)
}
