package fusedlayer

// ===========================================================================
// WHAT'S GOING ON HERE: Selective Activation Retention
// ===========================================================================
//
// Every fused forward call computes the same full set of intermediate buffers.
// What changes with the configuration is which of them survive until the
// matching backward call. Four orthogonal flags drive the decision:
//
//   pre_layer_norm          - where the normalizations sit in the block
//   normalize_invertible    - normalization outputs can be inverted, so the
//                             inputs feeding them need not be kept
//   attn_dropout_checkpoint - re-apply the attention dropout mask in backward
//                             instead of keeping the dropped-out probabilities
//   gelu_checkpoint         - recompute the activation in backward instead of
//                             keeping both its input and output
//
// Each flag trades one buffer's memory for one recomputation. The rules are
// written as data (retain rules plus reconstruction rules per kind) and
// compiled once per flag tuple into a RetentionPlan. Forward stores exactly
// plan.Retained; backward asks the plan where each argument slot comes from.
//
// FULL BLOCK TABLE:
//
//   buffer            retained when                  backward slot source
//   ----------------  -----------------------------  --------------------------
//   input, output     !(pre_ln && invertible)        inp_norm if pre_ln && inv
//   input_mask        always                         itself
//   inp_norm          pre_ln || !invertible          input if post_ln && inv
//   qkv_tf, soft_out  always                         itself
//   ctx_bufB          !attn_dropout_checkpoint       soft_out if checkpointed
//   attn_o_inp        always                         itself
//   add_res           !invertible                    ff1_inp if invertible
//   ff1_inp, ff2_inp  always                         itself
//   gelu_inp          !gelu_checkpoint               ff2_inp if checkpointed
//   3 dropout masks   always                         itself
//
// The reduced variants use restrictions of the same table: self-attention
// honours only attn_dropout_checkpoint, the MLP only gelu_checkpoint, layer
// norm only normalize_invertible, and bias+residual+dropout keeps its mask.
//
// ===========================================================================

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/samber/lo"
)

// Buffer names one intermediate (or endpoint) tensor of a fused sublayer.
// The same names double as backward argument slots.
type Buffer uint8

const (
	BufInput Buffer = iota
	BufOutput
	BufInputMask
	BufInpNorm        // normalized block input (pre-LN) or pre-norm sum (post-LN)
	BufQKV            // fused QKV projection
	BufSoftmax        // attention probabilities after softmax
	BufAttnProbs      // attention probabilities after dropout (ctx_bufB)
	BufAttnOutInput   // merged per-head context, input of the output projection
	BufAddRes         // attention residual sum
	BufFF1Input       // normalized residual sum, input of the intermediate projection
	BufGeluInput      // intermediate projection before bias and activation
	BufFF2Input       // activation output, input of the output projection
	BufAttnProbMask   // dropout mask on attention probabilities
	BufAttnOutputMask // dropout mask on the attention output
	BufLayerOutputMask
	BufDropoutMask // bias+residual+dropout mask

	numBuffers
)

var bufferNames = [numBuffers]string{
	BufInput:           "input",
	BufOutput:          "output",
	BufInputMask:       "input_mask",
	BufInpNorm:         "inp_norm",
	BufQKV:             "qkv_tf",
	BufSoftmax:         "soft_out",
	BufAttnProbs:       "ctx_bufB",
	BufAttnOutInput:    "attn_o_inp",
	BufAddRes:          "add_res",
	BufFF1Input:        "ff1_inp",
	BufGeluInput:       "gelu_inp",
	BufFF2Input:        "ff2_inp",
	BufAttnProbMask:    "attn_prob_dropout_mask",
	BufAttnOutputMask:  "attn_output_dropout_mask",
	BufLayerOutputMask: "layer_output_dropout_mask",
	BufDropoutMask:     "dropout_mask",
}

func (b Buffer) String() string {
	if b < numBuffers {
		return bufferNames[b]
	}
	return fmt.Sprintf("Buffer(%d)", uint8(b))
}

// IsMask reports whether b is a dropout mask (stored as one byte per element
// by fused backends).
func (b Buffer) IsMask() bool {
	switch b {
	case BufAttnProbMask, BufAttnOutputMask, BufLayerOutputMask, BufDropoutMask:
		return true
	}
	return false
}

// isEndpoint reports whether b is a primary call argument or result rather
// than an intermediate the backend produced.
func (b Buffer) isEndpoint() bool {
	return b == BufInput || b == BufOutput || b == BufInputMask
}

// BufferSet is a fixed-size set of buffers.
type BufferSet uint32

// NewBufferSet builds a set from bufs.
func NewBufferSet(bufs ...Buffer) BufferSet {
	var s BufferSet
	for _, b := range bufs {
		s = s.With(b)
	}
	return s
}

// Has reports whether b is in the set.
func (s BufferSet) Has(b Buffer) bool { return s&(1<<b) != 0 }

// With returns s plus b.
func (s BufferSet) With(b Buffer) BufferSet { return s | 1<<b }

// Without returns s minus b.
func (s BufferSet) Without(b Buffer) BufferSet { return s &^ (1 << b) }

// Len returns the number of buffers in the set.
func (s BufferSet) Len() int { return bits.OnesCount32(uint32(s)) }

// SubsetOf reports whether every member of s is in other.
func (s BufferSet) SubsetOf(other BufferSet) bool { return s&^other == 0 }

// Buffers lists the members in declaration order.
func (s BufferSet) Buffers() []Buffer {
	all := lo.Times(int(numBuffers), func(i int) Buffer { return Buffer(i) })
	return lo.Filter(all, func(b Buffer, _ int) bool { return s.Has(b) })
}

func (s BufferSet) String() string {
	names := lo.Map(s.Buffers(), func(b Buffer, _ int) string { return b.String() })
	return "{" + strings.Join(names, ", ") + "}"
}

// Flags is the retention-policy input tuple. Not every kind reads every flag.
type Flags struct {
	PreLayerNorm          bool
	NormalizeInvertible   bool
	AttnDropoutCheckpoint bool
	GeluCheckpoint        bool
}

// AllFlags enumerates all 16 flag tuples.
func AllFlags() []Flags {
	return lo.Times(16, func(i int) Flags { return flagsFromIndex(i) })
}

func (f Flags) index() int {
	i := 0
	if f.PreLayerNorm {
		i |= 8
	}
	if f.NormalizeInvertible {
		i |= 4
	}
	if f.AttnDropoutCheckpoint {
		i |= 2
	}
	if f.GeluCheckpoint {
		i |= 1
	}
	return i
}

func flagsFromIndex(i int) Flags {
	return Flags{
		PreLayerNorm:          i&8 != 0,
		NormalizeInvertible:   i&4 != 0,
		AttnDropoutCheckpoint: i&2 != 0,
		GeluCheckpoint:        i&1 != 0,
	}
}

func (f Flags) String() string {
	return fmt.Sprintf("pre_ln=%t invertible=%t attn_ckpt=%t gelu_ckpt=%t",
		f.PreLayerNorm, f.NormalizeInvertible, f.AttnDropoutCheckpoint, f.GeluCheckpoint)
}

type condition func(Flags) bool

func always(Flags) bool { return true }
func invertiblePreNorm(f Flags) bool { return f.PreLayerNorm && f.NormalizeInvertible }
func invertiblePostNorm(f Flags) bool { return !f.PreLayerNorm && f.NormalizeInvertible }
func notInvertiblePreNorm(f Flags) bool { return !invertiblePreNorm(f) }
func preNormOrNotInvertible(f Flags) bool {
	return f.PreLayerNorm || !f.NormalizeInvertible
}
func invertible(f Flags) bool { return f.NormalizeInvertible }
func notInvertible(f Flags) bool { return !f.NormalizeInvertible }
func attnCheckpoint(f Flags) bool { return f.AttnDropoutCheckpoint }
func noAttnCheckpoint(f Flags) bool { return !f.AttnDropoutCheckpoint }
func geluCheckpoint(f Flags) bool { return f.GeluCheckpoint }
func noGeluCheckpoint(f Flags) bool { return !f.GeluCheckpoint }

type retainRule struct {
	buf  Buffer
	when condition
}

type reconstructRule struct {
	slot Buffer
	when condition
	from Buffer
}

// retentionTable is the declarative policy of one sublayer kind.
type retentionTable struct {
	applies     Flags // which flags the kind honours; others are forced false
	retain      []retainRule
	slots       []Buffer // backward argument slots, in backend order
	reconstruct []reconstructRule
}

var retentionTables = [numKinds]retentionTable{
	KindTransformer: {
		applies: Flags{PreLayerNorm: true, NormalizeInvertible: true, AttnDropoutCheckpoint: true, GeluCheckpoint: true},
		retain: []retainRule{
			{BufInput, notInvertiblePreNorm},
			{BufOutput, notInvertiblePreNorm},
			{BufInputMask, always},
			{BufInpNorm, preNormOrNotInvertible},
			{BufQKV, always},
			{BufSoftmax, always},
			{BufAttnProbs, noAttnCheckpoint},
			{BufAttnOutInput, always},
			{BufAddRes, notInvertible},
			{BufFF1Input, always},
			{BufGeluInput, noGeluCheckpoint},
			{BufFF2Input, always},
			{BufAttnProbMask, always},
			{BufAttnOutputMask, always},
			{BufLayerOutputMask, always},
		},
		slots: []Buffer{
			BufOutput, BufInpNorm, BufQKV, BufSoftmax, BufAttnProbs, BufAttnOutInput,
			BufAddRes, BufFF1Input, BufGeluInput, BufFF2Input,
			BufAttnProbMask, BufAttnOutputMask, BufLayerOutputMask,
			BufInput, BufInputMask,
		},
		reconstruct: []reconstructRule{
			{BufOutput, invertiblePreNorm, BufInpNorm},
			{BufInput, invertiblePreNorm, BufInpNorm},
			{BufInpNorm, invertiblePostNorm, BufInput},
			{BufAttnProbs, attnCheckpoint, BufSoftmax},
			{BufAddRes, invertible, BufFF1Input},
			{BufGeluInput, geluCheckpoint, BufFF2Input},
		},
	},
	KindSelfAttention: {
		applies: Flags{AttnDropoutCheckpoint: true},
		retain: []retainRule{
			{BufInput, always},
			{BufInputMask, always},
			{BufQKV, always},
			{BufSoftmax, always},
			{BufAttnProbs, noAttnCheckpoint},
			{BufAttnOutInput, always},
			{BufAttnProbMask, always},
		},
		slots: []Buffer{BufQKV, BufSoftmax, BufAttnProbs, BufAttnOutInput, BufAttnProbMask, BufInput, BufInputMask},
		reconstruct: []reconstructRule{
			{BufAttnProbs, attnCheckpoint, BufSoftmax},
		},
	},
	KindMLP: {
		applies: Flags{GeluCheckpoint: true},
		retain: []retainRule{
			{BufInput, always},
			{BufGeluInput, noGeluCheckpoint},
			{BufFF2Input, always},
		},
		slots: []Buffer{BufGeluInput, BufFF2Input, BufInput},
		reconstruct: []reconstructRule{
			{BufGeluInput, geluCheckpoint, BufFF2Input},
		},
	},
	KindBiasResidualDropout: {
		retain: []retainRule{
			{BufDropoutMask, always},
		},
		slots: []Buffer{BufDropoutMask},
	},
	KindLayerNorm: {
		applies: Flags{NormalizeInvertible: true},
		retain: []retainRule{
			{BufInput, notInvertible},
			{BufOutput, invertible},
		},
		slots: []Buffer{BufInput},
		reconstruct: []reconstructRule{
			{BufInput, invertible, BufOutput},
		},
	},
}

// RetentionPlan is the compiled policy for one kind and flag tuple: what
// forward keeps, and where each backward argument slot is read from.
type RetentionPlan struct {
	Kind  Kind
	Flags Flags // effective flags; inapplicable ones are false

	// Retained is the exact set of buffers stored in step state.
	Retained BufferSet

	slots   []Buffer
	sources [numBuffers]Buffer
}

// Slots lists the backward argument slots in backend order.
func (p RetentionPlan) Slots() []Buffer {
	return p.slots
}

// Source returns the retained buffer that fills slot in backward.
func (p RetentionPlan) Source(slot Buffer) Buffer {
	return p.sources[slot]
}

// Reconstructed reports whether slot is filled from a different buffer.
func (p RetentionPlan) Reconstructed(slot Buffer) bool {
	return p.sources[slot] != slot
}

// Sources returns the set of buffers backward reads.
func (p RetentionPlan) Sources() BufferSet {
	var s BufferSet
	for _, slot := range p.slots {
		s = s.With(p.sources[slot])
	}
	return s
}

// Activations returns the retained intermediates, excluding the call's own
// inputs and outputs.
func (p RetentionPlan) Activations() BufferSet {
	return NewBufferSet(lo.Filter(p.Retained.Buffers(), func(b Buffer, _ int) bool { return !b.isEndpoint() })...)
}

// Endpoints returns the retained primary inputs/outputs (what a fused
// implementation hands to its save-for-backward list alongside parameters).
func (p RetentionPlan) Endpoints() BufferSet {
	return NewBufferSet(lo.Filter(p.Retained.Buffers(), func(b Buffer, _ int) bool { return b.isEndpoint() })...)
}

func (p RetentionPlan) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s [%s] retains %s", p.Kind, p.Flags, p.Retained)
	for _, slot := range p.slots {
		if p.Reconstructed(slot) {
			fmt.Fprintf(&sb, "; %s<-%s", slot, p.sources[slot])
		}
	}
	return sb.String()
}

// plans holds every compiled plan, indexed by kind and flag tuple.
var plans = compilePlans()

func compilePlans() (out [numKinds][16]RetentionPlan) {
	for _, k := range Kinds {
		for i := range 16 {
			out[k][i] = compilePlan(k, retentionTables[k], flagsFromIndex(i))
		}
	}
	return out
}

func compilePlan(kind Kind, table retentionTable, f Flags) RetentionPlan {
	f = Flags{
		PreLayerNorm:          f.PreLayerNorm && table.applies.PreLayerNorm,
		NormalizeInvertible:   f.NormalizeInvertible && table.applies.NormalizeInvertible,
		AttnDropoutCheckpoint: f.AttnDropoutCheckpoint && table.applies.AttnDropoutCheckpoint,
		GeluCheckpoint:        f.GeluCheckpoint && table.applies.GeluCheckpoint,
	}
	p := RetentionPlan{Kind: kind, Flags: f, slots: table.slots}
	for _, r := range table.retain {
		if r.when(f) {
			p.Retained = p.Retained.With(r.buf)
		}
	}
	for b := range numBuffers {
		p.sources[b] = b
	}
	for _, r := range table.reconstruct {
		if r.when(f) {
			p.sources[r.slot] = r.from
		}
	}
	if src := p.Sources(); !src.SubsetOf(p.Retained) {
		panic(fmt.Sprintf("retention table for %s [%s] reads %s outside %s", kind, f, src, p.Retained))
	}
	return p
}

// PlanFor returns the compiled retention plan for kind under flags.
func PlanFor(kind Kind, f Flags) RetentionPlan {
	return plans[kind][f.index()]
}
