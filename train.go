package fusedlayer

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// A small training loop that drives the fused blocks the way a model would:
//
//   1. Forward:  input -> Stack of blocks -> output -> MSE against a target
//   2. Backward: d(loss)/d(output) -> blocks in reverse -> per-layer Gradients
//   3. Update:   the loop accumulates the gradients into each parameter's
//                grad slice, clips the global norm and steps the optimizer
//
// The blocks never touch parameter grads themselves; step 3 is the only
// place that does. With CheckpointEvery > 0 the stack runs as checkpoint
// segments (segment.go) and trades a second forward for not holding any
// step state between forward and backward.
//
// ===========================================================================

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// TrainingConfig holds hyperparameters for training.
type TrainingConfig struct {
	// Optimization
	LearningRate      float64
	WeightDecay       float64 // L2 regularization
	GradientClipValue float64 // Clip the global gradient norm; 0 disables

	Steps int

	// Optimization algorithm
	Optimizer   string // "sgd", "adam"
	AdamBeta1   float64
	AdamBeta2   float64
	AdamEpsilon float64

	// CheckpointEvery groups blocks into checkpoint segments of this size.
	// 0 keeps every block's step state instead.
	CheckpointEvery int

	LogInterval int // Log every N steps
}

// DefaultTrainingConfig returns sensible defaults.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		LearningRate:      1e-3,
		WeightDecay:       0,
		GradientClipValue: 1.0,
		Steps:             50,
		Optimizer:         "adam",
		AdamBeta1:         0.9,
		AdamBeta2:         0.999,
		AdamEpsilon:       1e-8,
		LogInterval:       10,
	}
}

// Optimizer interface for different optimization algorithms.
type Optimizer interface {
	// Step performs a single optimization step.
	// Updates parameters using their gradients.
	Step(params []*Tensor, lr float64)

	// ZeroGrad clears all gradients.
	ZeroGrad(params []*Tensor)
}

// SGDOptimizer implements Stochastic Gradient Descent.
type SGDOptimizer struct {
	weightDecay float64
}

// NewSGDOptimizer creates an SGD optimizer.
func NewSGDOptimizer(weightDecay float64) *SGDOptimizer {
	return &SGDOptimizer{weightDecay: weightDecay}
}

// Step updates parameters using SGD: param -= lr * (grad + weightDecay * param).
func (opt *SGDOptimizer) Step(params []*Tensor, lr float64) {
	for _, p := range params {
		g := p.Grad()
		for i := range p.data {
			p.data[i] -= lr * (g[i] + opt.weightDecay*p.data[i])
		}
	}
}

// ZeroGrad clears gradients.
func (opt *SGDOptimizer) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// AdamOptimizer implements Adam with bias-corrected moments.
type AdamOptimizer struct {
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64

	m []*Tensor // First moment (momentum)
	v []*Tensor // Second moment (variance)
	t int       // Time step (for bias correction)
}

// NewAdamOptimizer creates moment buffers shaped like params.
func NewAdamOptimizer(params []*Tensor, beta1, beta2, epsilon, weightDecay float64) *AdamOptimizer {
	m := make([]*Tensor, len(params))
	v := make([]*Tensor, len(params))
	for i, p := range params {
		m[i] = NewTensor(p.shape...)
		v[i] = NewTensor(p.shape...)
	}
	return &AdamOptimizer{
		beta1:       beta1,
		beta2:       beta2,
		epsilon:     epsilon,
		weightDecay: weightDecay,
		m:           m,
		v:           v,
	}
}

// Step applies one Adam update. params must be the slice the optimizer was
// created with.
func (opt *AdamOptimizer) Step(params []*Tensor, lr float64) {
	opt.t++
	bias1 := 1.0 - math.Pow(opt.beta1, float64(opt.t))
	bias2 := 1.0 - math.Pow(opt.beta2, float64(opt.t))

	for i, p := range params {
		g := p.Grad()
		m, v := opt.m[i].data, opt.v[i].data
		for j := range p.data {
			grad := g[j] + opt.weightDecay*p.data[j]
			m[j] = opt.beta1*m[j] + (1.0-opt.beta1)*grad
			v[j] = opt.beta2*v[j] + (1.0-opt.beta2)*grad*grad
			mHat := m[j] / bias1
			vHat := v[j] / bias2
			p.data[j] -= lr * mHat / (math.Sqrt(vHat) + opt.epsilon)
		}
	}
}

// ZeroGrad clears gradients.
func (opt *AdamOptimizer) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// NewOptimizer builds the optimizer named by cfg for params.
func NewOptimizer(cfg TrainingConfig, params []*Tensor) (Optimizer, error) {
	switch cfg.Optimizer {
	case "adam":
		return NewAdamOptimizer(params, cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEpsilon, cfg.WeightDecay), nil
	case "sgd":
		return NewSGDOptimizer(cfg.WeightDecay), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", cfg.Optimizer)
	}
}

// ClipGradients scales every grad so the global norm is at most maxNorm and
// returns the norm before clipping.
func ClipGradients(params []*Tensor, maxNorm float64) float64 {
	globalNorm := 0.0
	for _, p := range params {
		for _, g := range p.Grad() {
			globalNorm += g * g
		}
	}
	globalNorm = math.Sqrt(globalNorm)

	if maxNorm > 0 && globalNorm > maxNorm {
		scale := maxNorm / globalNorm
		for _, p := range params {
			for i := range p.grad {
				p.grad[i] *= scale
			}
		}
	}
	return globalNorm
}

// MSELoss returns mean((pred - target)^2) and its gradient with respect to
// pred.
func MSELoss(pred, target *Tensor) (float64, *Tensor) {
	if !SameShape(pred, target) {
		panic(fmt.Sprintf("MSELoss: %v: pred %v target %v", ErrShapeMismatch, pred.Shape(), target.Shape()))
	}
	n := float64(pred.Size())
	grad := NewTensor(pred.shape...)
	loss := 0.0
	for i, p := range pred.data {
		d := p - target.data[i]
		loss += d * d
		grad.data[i] = 2 * d / n
	}
	return loss / n, grad
}

// Stack is a sequence of full blocks applied in order.
type Stack struct {
	layers   []*TransformerLayer
	backend  Backend
	segments []*CheckpointSegment
}

// NewStack builds cfg.NumHiddenLayers blocks from f.
func NewStack(f *Factory, cfg Config) (*Stack, error) {
	s := &Stack{backend: f.Backend()}
	for range cfg.NumHiddenLayers {
		l, err := f.Transformer(cfg)
		if err != nil {
			return nil, err
		}
		s.layers = append(s.layers, l)
	}
	return s, nil
}

// Layers returns the blocks in order.
func (s *Stack) Layers() []*TransformerLayer { return s.layers }

// Parameters returns every block's parameters, block by block.
func (s *Stack) Parameters() []*Tensor {
	var params []*Tensor
	for _, l := range s.layers {
		params = append(params, l.Parameters()...)
	}
	return params
}

// SetCheckpointEvery groups the blocks into checkpoint segments of n blocks.
// n <= 0 turns segments off.
func (s *Stack) SetCheckpointEvery(n int) {
	s.segments = nil
	if n <= 0 {
		return
	}
	for i := 0; i < len(s.layers); i += n {
		end := min(i+n, len(s.layers))
		s.segments = append(s.segments, NewCheckpointSegment(s.backend, s.layers[i:end]...))
	}
}

// Segments returns the checkpoint segments, if any.
func (s *Stack) Segments() []*CheckpointSegment { return s.segments }

// StackState links a stack forward to its backward.
type StackState struct {
	states   []*StepState // one per block, without segments
	segments bool
}

// Forward runs every block. The state is nil without gradient tracking.
func (s *Stack) Forward(mode Mode, x, mask *Tensor, capture GradientObserver) (*Tensor, *StackState, error) {
	if s.segments != nil {
		for i, seg := range s.segments {
			out, err := seg.Forward(mode, x, mask, capture)
			if err != nil {
				for j := i - 1; j >= 0; j-- {
					s.segments[j].Discard()
				}
				return nil, nil, err
			}
			x = out
		}
		if !mode.GradEnabled {
			return x, nil, nil
		}
		return x, &StackState{segments: true}, nil
	}

	st := &StackState{states: make([]*StepState, len(s.layers))}
	for i, l := range s.layers {
		out, layerState, err := l.Forward(mode, x, mask, capture)
		if err != nil {
			return nil, nil, err
		}
		st.states[i] = layerState
		x = out
	}
	if !mode.GradEnabled {
		return x, nil, nil
	}
	return x, st, nil
}

// Backward backpropagates grad and returns the input gradient plus each
// block's gradients in block order.
func (s *Stack) Backward(st *StackState, grad *Tensor) (*Tensor, []*Gradients, error) {
	if st == nil {
		return nil, nil, fmt.Errorf("%w: stack forward ran without gradient tracking", ErrInvalidBackward)
	}
	grads := make([]*Gradients, 0, len(s.layers))
	if st.segments {
		perSegment := make([][]*Gradients, len(s.segments))
		for i := len(s.segments) - 1; i >= 0; i-- {
			g, sg, err := s.segments[i].Backward(grad)
			if err != nil {
				return nil, nil, err
			}
			perSegment[i], grad = sg, g
		}
		for _, sg := range perSegment {
			grads = append(grads, sg...)
		}
		return grad, grads, nil
	}

	grads = grads[:len(s.layers)]
	for i := len(s.layers) - 1; i >= 0; i-- {
		g, err := s.layers[i].Backward(st.states[i], grad)
		if err != nil {
			return nil, nil, err
		}
		grads[i] = g
		grad = g.Input()
	}
	return grad, grads, nil
}

// accumulate adds each block's parameter gradients into the parameters'
// grad slices.
func (s *Stack) accumulate(grads []*Gradients) {
	for i, l := range s.layers {
		for j, g := range grads[i].Params(l.ParamNames()) {
			l.Parameters()[j].AccumulateGrad(g)
		}
	}
}

// RegressionTask is a fixed synthetic batch: the target is the input with
// its hidden dimension reversed and scaled.
type RegressionTask struct {
	Input, Mask, Target *Tensor
}

// NewRegressionTask draws a task for cfg's batch ceiling and seq tokens.
func NewRegressionTask(cfg Config, seq int, seed uint64) RegressionTask {
	rng := rand.New(rand.NewPCG(seed, 0))
	b, h := cfg.BatchSize, cfg.HiddenSize
	in := NewTensorNormal(rng, 1, b, seq, h)
	target := NewTensor(b, seq, h)
	for r := range b * seq {
		for j := range h {
			target.data[r*h+j] = 0.5 * in.data[r*h+h-1-j]
		}
	}
	return RegressionTask{Input: in, Mask: NewTensor(b, seq), Target: target}
}

// Trainer runs optimization steps on a Stack.
type Trainer struct {
	stack  *Stack
	cfg    TrainingConfig
	opt    Optimizer
	params []*Tensor
	step   int
}

// NewTrainer prepares a trainer; it configures the stack's checkpoint
// segments from cfg.
func NewTrainer(stack *Stack, cfg TrainingConfig) (*Trainer, error) {
	params := stack.Parameters()
	opt, err := NewOptimizer(cfg, params)
	if err != nil {
		return nil, err
	}
	stack.SetCheckpointEvery(cfg.CheckpointEvery)
	return &Trainer{stack: stack, cfg: cfg, opt: opt, params: params}, nil
}

// Step runs one forward, backward and update on task, returning the loss
// before the update.
func (t *Trainer) Step(task RegressionTask) (float64, error) {
	t.opt.ZeroGrad(t.params)
	out, st, err := t.stack.Forward(TrainMode, task.Input, task.Mask, nil)
	if err != nil {
		return 0, err
	}
	loss, grad := MSELoss(out, task.Target)
	_, grads, err := t.stack.Backward(st, grad)
	if err != nil {
		return 0, err
	}
	t.stack.accumulate(grads)
	norm := ClipGradients(t.params, t.cfg.GradientClipValue)
	t.opt.Step(t.params, t.cfg.LearningRate)
	t.step++

	if t.cfg.LogInterval > 0 && t.step%t.cfg.LogInterval == 0 {
		logger.Info("training step",
			slog.Int("step", t.step),
			slog.Float64("loss", loss),
			slog.Float64("grad_norm", norm))
	}
	return loss, nil
}

// Train runs cfg.Steps steps and returns the loss of each.
func (t *Trainer) Train(task RegressionTask) ([]float64, error) {
	start := time.Now()
	losses := make([]float64, 0, t.cfg.Steps)
	for range t.cfg.Steps {
		loss, err := t.Step(task)
		if err != nil {
			return losses, fmt.Errorf("step %d: %w", t.step+1, err)
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return losses, fmt.Errorf("step %d: loss diverged", t.step)
		}
		losses = append(losses, loss)
	}
	logger.Info("training complete",
		slog.Int("steps", t.step),
		slog.Duration("elapsed", time.Since(start)))
	return losses, nil
}

// Evaluate returns the loss on task in evaluation mode.
func (t *Trainer) Evaluate(task RegressionTask) (float64, error) {
	out, _, err := t.stack.Forward(EvalMode, task.Input, task.Mask, nil)
	if err != nil {
		return 0, err
	}
	loss, _ := MSELoss(out, task.Target)
	return loss, nil
}
