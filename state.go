package fusedlayer

import (
	"fmt"

	"github.com/samber/lo"
)

// BufferTable holds one tensor per Buffer name. Unused entries are nil.
type BufferTable [numBuffers]*Tensor

// Get returns the tensor stored under b.
func (t *BufferTable) Get(b Buffer) *Tensor {
	return t[b]
}

// StepState links one forward call to its one matching backward call. Its
// contents are exactly the plan's retained set; nothing else from the
// forward survives.
//
// A StepState is single-use and must not be shared between steps.
type StepState struct {
	plan     RetentionPlan
	cfg      Config
	mode     Mode
	batch    int
	buffers  BufferTable
	params   []*Tensor
	capture  GradientObserver
	consumed bool
	reads    BufferSet
}

// newStepState keeps the plan's retained subset of produced and drops the
// rest.
func newStepState(plan RetentionPlan, cfg Config, mode Mode, produced *BufferTable, params []*Tensor, capture GradientObserver) *StepState {
	st := &StepState{
		plan:    plan,
		cfg:     cfg,
		mode:    mode,
		params:  params,
		capture: capture,
	}
	for _, b := range plan.Retained.Buffers() {
		t := produced[b]
		if t == nil {
			panic(fmt.Sprintf("%s backend returned no %s buffer", plan.Kind, b))
		}
		st.buffers[b] = t
	}
	if in := produced[BufInput]; in != nil {
		st.batch = in.Dim(0)
	}
	return st
}

// Plan returns the retention plan the state was built with.
func (st *StepState) Plan() RetentionPlan { return st.plan }

// Config returns the configuration snapshot active at forward time.
func (st *StepState) Config() Config { return st.cfg }

// Mode returns the runtime flags of the forward call.
func (st *StepState) Mode() Mode { return st.mode }

// Consumed reports whether backward already ran against this state.
func (st *StepState) Consumed() bool { return st.consumed }

// Retained returns the set of buffers held.
func (st *StepState) Retained() BufferSet {
	var s BufferSet
	for b, t := range st.buffers {
		if t != nil {
			s = s.With(Buffer(b))
		}
	}
	return s
}

// Buffer returns a retained buffer, or nil.
func (st *StepState) Buffer(b Buffer) *Tensor {
	return st.buffers[b]
}

// Reads returns the buffers backward has read so far.
func (st *StepState) Reads() BufferSet { return st.reads }

// SavedTensors lists the tensors a fused implementation would hand to its
// save-for-backward list: retained endpoints followed by the parameters.
func (st *StepState) SavedTensors() []*Tensor {
	endpoints := lo.Map(st.plan.Endpoints().Buffers(), func(b Buffer, _ int) *Tensor { return st.buffers[b] })
	return append(endpoints, st.params...)
}

// RetainedBytes estimates the memory held by the retained activations at the
// forward call's precision.
func (st *StepState) RetainedBytes() int64 {
	elem := DispatchFor(st.cfg).Precision().ElemSize()
	var total int64
	for _, b := range st.plan.Activations().Buffers() {
		if b.IsMask() {
			total += st.buffers[b].Bytes(1)
			continue
		}
		total += st.buffers[b].Bytes(elem)
	}
	return total
}

// slots resolves every backward argument slot through the plan. Reading a
// source outside the retained set is an error, never a silent nil.
func (st *StepState) slots() (BufferTable, error) {
	var out BufferTable
	for _, slot := range st.plan.Slots() {
		src := st.plan.Source(slot)
		t := st.buffers[src]
		if t == nil {
			return BufferTable{}, fmt.Errorf("%w: %s slot needs %s", ErrNotRetained, slot, src)
		}
		st.reads = st.reads.With(src)
		out[slot] = t
	}
	return out, nil
}

// release drops every buffer reference so the memory can be reclaimed once
// backward has consumed the state.
func (st *StepState) release() {
	st.buffers = BufferTable{}
	st.params = nil
	st.consumed = true
}
