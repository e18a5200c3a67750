package fusedlayer

import (
	"fmt"
	"log/slog"

	"github.com/samber/lo"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The five sublayers share one forward/backward protocol:
//
//   FORWARD
//     1. reject any input whose batch exceeds the configured ceiling, before
//        touching the backend
//     2. call the kernel set resolved at construction
//     3. without gradient tracking, drop every buffer and return no state
//     4. otherwise compile the retention plan for the current flags and keep
//        exactly its retained set in a fresh StepState
//
//   BACKWARD
//     1. refuse missing, foreign, consumed or inference-mode states
//     2. check the incoming gradient against the same ceiling
//     3. fill every backend argument slot from the state via the plan's
//        reconstruction rules, then mark the state consumed
//     4. call the backend and lay gradients out in the forward call's
//        positional order, nil for the non-differentiable positions
//     5. notify the gradient observer, if the forward call was given one
//
// sublayer holds the pieces common to every variant; the variants add the
// parameter sets and the kind-specific argument plumbing.
//
// ===========================================================================

// Arg describes one positional argument of a sublayer call.
type Arg struct {
	Name           string
	Differentiable bool
}

// Names of the non-differentiable positions shared by every sublayer call.
const (
	ArgLayer   = "layer"
	ArgCapture = "grads"
	ArgLayerID = "layer_id"
	ArgConfig  = "config"
)

func callArgs(inputs []Arg, params []string) []Arg {
	args := append([]Arg{}, inputs...)
	args = append(args,
		Arg{Name: ArgLayer},
		Arg{Name: ArgCapture},
		Arg{Name: ArgLayerID},
	)
	for _, p := range params {
		args = append(args, Arg{Name: p, Differentiable: true})
	}
	return append(args, Arg{Name: ArgConfig})
}

// Gradients is the result of a backward call, aligned with the forward
// call's positional arguments. Non-differentiable positions hold nil.
type Gradients struct {
	args   []Arg
	values []*Tensor
}

func newGradients(args []Arg) *Gradients {
	return &Gradients{args: args, values: make([]*Tensor, len(args))}
}

func (g *Gradients) set(name string, t *Tensor) {
	i := g.index(name)
	if i < 0 || !g.args[i].Differentiable {
		panic(fmt.Sprintf("gradients: %q is not a differentiable argument", name))
	}
	g.values[i] = t
}

func (g *Gradients) index(name string) int {
	_, i, ok := lo.FindIndexOf(g.args, func(a Arg) bool { return a.Name == name })
	if !ok {
		return -1
	}
	return i
}

// Len returns the number of positional arguments.
func (g *Gradients) Len() int { return len(g.args) }

// At returns the gradient at position i (nil for non-differentiable args).
func (g *Gradients) At(i int) *Tensor { return g.values[i] }

// Arg returns the description of position i.
func (g *Gradients) Arg(i int) Arg { return g.args[i] }

// Get returns the gradient of the named argument, or nil.
func (g *Gradients) Get(name string) *Tensor {
	if i := g.index(name); i >= 0 {
		return g.values[i]
	}
	return nil
}

// Input returns the gradient of the primary input.
func (g *Gradients) Input() *Tensor { return g.Get("input") }

// NonNil counts positions holding a gradient.
func (g *Gradients) NonNil() int {
	return lo.CountBy(g.values, func(t *Tensor) bool { return t != nil })
}

// Params returns the parameter gradients in positional order.
func (g *Gradients) Params(names []string) []*Tensor {
	return lo.Map(names, func(n string, _ int) *Tensor { return g.Get(n) })
}

// sublayer is the state every variant shares.
type sublayer struct {
	kind     Kind
	id       LayerID
	cfg      Config
	dispatch Dispatch
	kernels  Kernels
	args     []Arg
	params   []string
}

// newSublayer validates cfg, assigns the identity, resolves the kernel set
// and registers the layer with the backend.
func newSublayer(kind Kind, cfg Config, alloc *LayerIDAllocator, backend Backend, inputs []Arg, params []string) (sublayer, error) {
	if err := cfg.Validate(); err != nil {
		return sublayer{}, err
	}
	cfg.LayerID = assign(alloc, kind)
	s := sublayer{
		kind:     kind,
		id:       cfg.LayerID,
		cfg:      cfg,
		dispatch: DispatchFor(cfg),
		args:     callArgs(inputs, params),
		params:   params,
	}
	s.kernels = backend.Kernels(s.dispatch)

	var err error
	spec := layerSpecFor(kind, cfg)
	switch kind {
	case KindTransformer:
		err = s.kernels.CreateTransformer(s.id, spec)
	case KindSelfAttention:
		err = s.kernels.CreateSelfAttention(s.id, spec)
	case KindMLP:
		err = s.kernels.CreateMLP(s.id, spec)
	case KindBiasResidualDropout:
		err = s.kernels.CreateBiasDropout(s.id, spec)
	case KindLayerNorm:
		err = s.kernels.CreateLayerNorm(s.id, spec)
	}
	if err != nil {
		return sublayer{}, backendError(kind, s.id, "create", err)
	}
	logger.Debug("fused layer created",
		slog.String("kind", kind.String()),
		slog.Int("layer_id", int(s.id)),
		slog.String("dispatch", s.dispatch.String()),
		slog.String("flags", spec.Flags.String()))
	return s, nil
}

// ID returns the layer's identity.
func (s *sublayer) ID() LayerID { return s.id }

// Kind returns the layer's sublayer kind.
func (s *sublayer) Kind() Kind { return s.kind }

// Config returns the layer's configuration, including its identity.
func (s *sublayer) Config() Config { return s.cfg }

// Dispatch returns the kernel set the layer was bound to.
func (s *sublayer) Dispatch() Dispatch { return s.dispatch }

// Plan returns the retention plan forward applies.
func (s *sublayer) Plan() RetentionPlan { return PlanFor(s.kind, s.cfg.Flags()) }

// Args returns the positional argument layout of the layer's calls.
func (s *sublayer) Args() []Arg { return s.args }

// ParamNames returns the parameter names in positional order.
func (s *sublayer) ParamNames() []string { return s.params }

// checkInputs enforces the batch ceiling on every batched input.
func (s *sublayer) checkInputs(named map[string]*Tensor) error {
	for _, a := range s.args {
		t, ok := named[a.Name]
		if !ok {
			continue
		}
		if t == nil {
			return fmt.Errorf("%s layer %d: %s is nil", s.kind, s.id, a.Name)
		}
		if err := checkBatch(a.Name, t, s.cfg.BatchSize); err != nil {
			return fmt.Errorf("%s layer %d forward: %w", s.kind, s.id, err)
		}
	}
	return nil
}

// retain applies the retention plan to produced, or discards everything
// when no backward will follow.
func (s *sublayer) retain(mode Mode, produced *BufferTable, params []*Tensor, capture GradientObserver) *StepState {
	if !mode.GradEnabled {
		return nil
	}
	return newStepState(PlanFor(s.kind, s.cfg.Flags()), s.cfg, mode, produced, params, capture)
}

// beginBackward validates st and grad and resolves the backend argument
// slots. The state is consumed even if the backend call that follows fails:
// a failed fused call leaves nothing safe to retry against.
func (s *sublayer) beginBackward(st *StepState, grad *Tensor) (BufferTable, error) {
	if st == nil {
		return BufferTable{}, fmt.Errorf("%w: %s layer %d has no step state (forward ran without gradient tracking)",
			ErrInvalidBackward, s.kind, s.id)
	}
	if st.consumed {
		return BufferTable{}, fmt.Errorf("%s layer %d: %w", s.kind, s.id, ErrStateConsumed)
	}
	if st.plan.Kind != s.kind || st.cfg.LayerID != s.id {
		return BufferTable{}, fmt.Errorf("%w: state of %s layer %d passed to %s layer %d",
			ErrInvalidBackward, st.plan.Kind, st.cfg.LayerID, s.kind, s.id)
	}
	if !st.mode.Training {
		return BufferTable{}, fmt.Errorf("%w: %s layer %d forward ran in evaluation mode", ErrInvalidBackward, s.kind, s.id)
	}
	if err := checkBatch("grad_output", grad, s.cfg.BatchSize); err != nil {
		return BufferTable{}, fmt.Errorf("%s layer %d backward: %w", s.kind, s.id, err)
	}
	slots, err := st.slots()
	if err != nil {
		return BufferTable{}, fmt.Errorf("%s layer %d backward: %w", s.kind, s.id, err)
	}
	st.release()
	return slots, nil
}

// finishBackward lays out the gradients and notifies the observer.
func (s *sublayer) finishBackward(capture GradientObserver, input map[string]*Tensor, params []*Tensor) *Gradients {
	g := newGradients(s.args)
	for name, t := range input {
		g.set(name, t)
	}
	for i, name := range s.params {
		g.set(name, params[i])
	}
	if capture != nil {
		notify(capture, s.params, params)
	}
	return g
}
