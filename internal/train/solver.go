package train

import (
	"fmt"
	"math"

	"github.com/rotavision/rotadet/internal/config"
)

// Schedule produces the learning rate for each optimizer step: a linear
// warmup ramp over the configured warmup epochs followed by cosine
// annealing from lr0 down to lr0*lrf at the final epoch.
type Schedule struct {
	lr0            float64
	lrf            float64
	warmupSteps    int
	warmupBiasLR   float64
	momentum       float64
	warmupMomentum float64
	totalSteps     int
	stepsPerEpoch  int
}

// NewSchedule builds the cosine schedule from the solver section.
func NewSchedule(s config.SolverConfig, totalEpochs, stepsPerEpoch int) *Schedule {
	warmup := int(s.WarmupEpochs * float64(stepsPerEpoch))
	return &Schedule{
		lr0:            s.LR0,
		lrf:            s.LRF,
		warmupSteps:    warmup,
		warmupBiasLR:   s.WarmupBiasLR,
		momentum:       s.Momentum,
		warmupMomentum: s.WarmupMomentum,
		totalSteps:     totalEpochs * stepsPerEpoch,
		stepsPerEpoch:  stepsPerEpoch,
	}
}

// LR returns the learning rate at the given global step. During warmup
// it interpolates linearly from warmup_bias_lr to the cosine start.
func (s *Schedule) LR(step int) float64 {
	if s.warmupSteps > 0 && step < s.warmupSteps {
		frac := float64(step) / float64(s.warmupSteps)
		end := s.cosineLR(s.warmupSteps)
		return s.warmupBiasLR + frac*(end-s.warmupBiasLR)
	}
	return s.cosineLR(step)
}

// Momentum returns the SGD momentum at the given global step: ramped
// from warmup_momentum to the configured momentum during warmup,
// constant afterwards.
func (s *Schedule) Momentum(step int) float64 {
	if s.warmupSteps > 0 && step < s.warmupSteps {
		frac := float64(step) / float64(s.warmupSteps)
		return s.warmupMomentum + frac*(s.momentum-s.warmupMomentum)
	}
	return s.momentum
}

func (s *Schedule) cosineLR(step int) float64 {
	if s.totalSteps <= 0 {
		return s.lr0
	}
	x := float64(step) / float64(s.totalSteps)
	if x > 1 {
		x = 1
	}
	lrMin := s.lr0 * s.lrf
	return lrMin + (s.lr0-lrMin)*(1+math.Cos(math.Pi*x))/2
}

// momentumSetter is implemented by optimizers whose momentum the warmup
// ramp adjusts per step.
type momentumSetter interface {
	SetMomentum(m float64)
}

// Optimizer turns an averaged gradient into an additive parameter
// update. Implementations carry per-parameter state and are resumable
// through State/Restore.
type Optimizer interface {
	// Step computes the in-place update for the given gradient and
	// learning rate; params is the live parameter vector (read for
	// decoupled weight decay, not modified).
	Step(lr float64, grad, params []float64) []float64
	// State flattens the optimizer's internal state for checkpointing.
	State() []float64
	// Restore reloads a snapshot produced by State.
	Restore(state []float64) error
}

// NewOptimizer builds the optimizer selected by the solver section for
// a parameter vector of the given length.
func NewOptimizer(s config.SolverConfig, numParams int) (Optimizer, error) {
	switch s.Optim {
	case "SGD":
		return newSGD(numParams, s.Momentum, s.WeightDecay), nil
	case "AdamW":
		return newAdamW(numParams, s.WeightDecay), nil
	default:
		return nil, fmt.Errorf("train: unsupported optimizer %q", s.Optim)
	}
}

// sgd is stochastic gradient descent with classical momentum.
type sgd struct {
	momentum    float64
	weightDecay float64
	velocity    []float64
	update      []float64
}

func newSGD(n int, momentum, weightDecay float64) *sgd {
	return &sgd{
		momentum:    momentum,
		weightDecay: weightDecay,
		velocity:    make([]float64, n),
		update:      make([]float64, n),
	}
}

func (o *sgd) Step(lr float64, grad, params []float64) []float64 {
	for i := range o.velocity {
		g := grad[i] + o.weightDecay*params[i]
		o.velocity[i] = o.momentum*o.velocity[i] + g
		o.update[i] = -lr * o.velocity[i]
	}
	return o.update
}

// SetMomentum updates the momentum coefficient; the warmup ramp drives
// this each step.
func (o *sgd) SetMomentum(m float64) { o.momentum = m }

func (o *sgd) State() []float64 {
	out := make([]float64, len(o.velocity))
	copy(out, o.velocity)
	return out
}

func (o *sgd) Restore(state []float64) error {
	if len(state) != len(o.velocity) {
		return fmt.Errorf("train: sgd state length %d, want %d", len(state), len(o.velocity))
	}
	copy(o.velocity, state)
	return nil
}

// adamW is Adam with decoupled weight decay.
type adamW struct {
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	t           int
	m           []float64
	v           []float64
	update      []float64
}

func newAdamW(n int, weightDecay float64) *adamW {
	return &adamW{
		beta1:       0.9,
		beta2:       0.999,
		eps:         1e-8,
		weightDecay: weightDecay,
		m:           make([]float64, n),
		v:           make([]float64, n),
		update:      make([]float64, n),
	}
}

func (o *adamW) Step(lr float64, grad, params []float64) []float64 {
	o.t++
	bc1 := 1 - math.Pow(o.beta1, float64(o.t))
	bc2 := 1 - math.Pow(o.beta2, float64(o.t))
	for i := range o.m {
		o.m[i] = o.beta1*o.m[i] + (1-o.beta1)*grad[i]
		o.v[i] = o.beta2*o.v[i] + (1-o.beta2)*grad[i]*grad[i]
		mHat := o.m[i] / bc1
		vHat := o.v[i] / bc2
		o.update[i] = -lr * (mHat/(math.Sqrt(vHat)+o.eps) + o.weightDecay*params[i])
	}
	return o.update
}

func (o *adamW) State() []float64 {
	out := make([]float64, 1+2*len(o.m))
	out[0] = float64(o.t)
	copy(out[1:1+len(o.m)], o.m)
	copy(out[1+len(o.m):], o.v)
	return out
}

func (o *adamW) Restore(state []float64) error {
	if len(state) != 1+2*len(o.m) {
		return fmt.Errorf("train: adamw state length %d, want %d", len(state), 1+2*len(o.m))
	}
	o.t = int(state[0])
	copy(o.m, state[1:1+len(o.m)])
	copy(o.v, state[1+len(o.m):])
	return nil
}
