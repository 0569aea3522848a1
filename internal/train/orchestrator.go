package train

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/rotavision/rotadet/internal/assign"
	"github.com/rotavision/rotadet/internal/config"
	"github.com/rotavision/rotadet/internal/loss"
)

// Phase names the orchestrator's state-machine states.
type Phase string

const (
	PhaseInit             Phase = "init"
	PhaseWarmupAssignment Phase = "warmup_assignment"
	PhaseNormalTraining   Phase = "normal_training"
	PhaseFinalNoAug       Phase = "final_epochs_aug_disabled"
	PhaseCalibrating      Phase = "calibrating"
	PhaseDone             Phase = "done"
)

// Options carries the run-level knobs parsed from the command line.
type Options struct {
	// RunID identifies the run; empty generates a fresh id.
	RunID          string
	Epochs         int
	Workers        int // device replicas; one goroutine each
	StopAugLastN   int // disable strong augmentation for the last N epochs
	Distill        bool
	DistillFeat    bool
	Calibrate      bool
	CalibSteps     int // forward-only batches for a calibration pass
	CheckpointEach int // save resume state every N epochs (0 = every epoch)
}

// Orchestrator drives the epoch/iteration loop. Build one per run with
// New; it is not reusable after Run or Calibrate returns.
type Orchestrator struct {
	cfg  *config.Config
	opts Options
	logg *log.Logger

	grid       *assign.Grid
	atss       *assign.ATSSAssigner
	warmup     *assign.WarmupAssigner
	aggregator *loss.Aggregator

	networks []Network
	sources  []DataSource
	teacher  Teacher

	checkpoints CheckpointSink
	metrics     MetricsRecorder

	phase Phase
	state RunState
}

// New validates the wiring and builds an orchestrator. networks and
// sources must have one entry per worker.
func New(cfg *config.Config, opts Options, logg *log.Logger, networks []Network, sources []DataSource, teacher Teacher, checkpoints CheckpointSink, metrics MetricsRecorder) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Epochs <= 0 {
		return nil, fmt.Errorf("%w: epochs must be positive, got %d", config.ErrConfigMismatch, opts.Epochs)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if len(networks) != opts.Workers || len(sources) != opts.Workers {
		return nil, fmt.Errorf("%w: %d workers need %d networks and sources, got %d/%d",
			config.ErrConfigMismatch, opts.Workers, opts.Workers, len(networks), len(sources))
	}
	if opts.Distill && teacher == nil {
		return nil, fmt.Errorf("%w: distillation requested without a teacher", config.ErrConfigMismatch)
	}

	codec, err := cfg.BuildCodec()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfigMismatch, err)
	}
	iouType, err := loss.ParseIoUType(cfg.Model.IoUType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfigMismatch, err)
	}
	agg, err := loss.New(codec, cfg.Model.NumClasses, cfg.Model.RegMax, cfg.Model.UseDFL,
		cfg.Mode(), iouType, cfg.Weights())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfigMismatch, err)
	}

	grid := assign.BuildGrid(cfg.Model.InputSize, cfg.Model.InputSize, cfg.Model.Strides)

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	return &Orchestrator{
		cfg:         cfg,
		opts:        opts,
		logg:        logg,
		grid:        grid,
		atss:        assign.NewATSS(cfg.Model.ATSSTopK, codec),
		warmup:      assign.NewWarmup(codec),
		aggregator:  agg,
		networks:    networks,
		sources:     sources,
		teacher:     teacher,
		checkpoints: checkpoints,
		metrics:     metrics,
		phase:       PhaseInit,
		state:       RunState{RunID: runID},
	}, nil
}

// Phase returns the current state-machine state.
func (o *Orchestrator) Phase() Phase { return o.phase }

// RunID returns the run's identifier.
func (o *Orchestrator) RunID() string { return o.state.RunID }

// Resume restores a prior run snapshot before Run is called.
func (o *Orchestrator) Resume(state *RunState) {
	o.state = *state
	o.logg.Printf("resuming run %s at epoch %d", state.RunID, state.Epoch)
}

// phaseFor maps an epoch index to a training phase.
func (o *Orchestrator) phaseFor(epoch int) Phase {
	if epoch < o.cfg.Model.ATSSWarmupEpochs {
		return PhaseWarmupAssignment
	}
	if o.opts.StopAugLastN > 0 && epoch >= o.opts.Epochs-o.opts.StopAugLastN {
		return PhaseFinalNoAug
	}
	return PhaseNormalTraining
}

// assignerFor picks the assignment strategy for a phase.
func (o *Orchestrator) assignerFor(phase Phase) func(*assign.Grid, []assign.GroundTruth) *assign.Result {
	if phase == PhaseWarmupAssignment {
		return o.warmup.Assign
	}
	return o.atss.Assign
}

// Run executes the training loop until all epochs complete or a fatal
// error occurs. A non-finite step loss is logged and skipped; a failed
// all-reduce barrier terminates the run.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.opts.Calibrate {
		return o.Calibrate(ctx)
	}

	stepsPerEpoch := o.sources[0].BatchesPerEpoch()
	schedule := NewSchedule(o.cfg.Solver, o.opts.Epochs, stepsPerEpoch)

	numParams := len(o.networks[0].Params())
	optimizers := make([]Optimizer, o.opts.Workers)
	for w := range optimizers {
		opt, err := NewOptimizer(o.cfg.Solver, numParams)
		if err != nil {
			return err
		}
		if len(o.state.OptimizerState) > 0 {
			if err := opt.Restore(o.state.OptimizerState); err != nil {
				return err
			}
		}
		optimizers[w] = opt
	}

	barrier := newAllReduce(o.opts.Workers, numParams)
	o.logg.Printf("run %s: %d epochs, %d workers, %d steps/epoch, %d params",
		o.state.RunID, o.opts.Epochs, o.opts.Workers, stepsPerEpoch, numParams)

	for epoch := o.state.Epoch; epoch < o.opts.Epochs; epoch++ {
		next := o.phaseFor(epoch)
		if next != o.phase {
			o.logg.Printf("epoch %d: phase %s -> %s", epoch, o.phase, next)
			o.phase = next
		}

		if err := o.runEpoch(ctx, epoch, schedule, optimizers, barrier, stepsPerEpoch); err != nil {
			return err
		}

		o.state.Epoch = epoch + 1
		o.state.SchedulerStep = (epoch + 1) * stepsPerEpoch
		o.state.OptimizerState = optimizers[0].State()
		if o.checkpoints != nil && o.checkpointDue(epoch) {
			if err := o.checkpoints.Save(&o.state); err != nil {
				return fmt.Errorf("saving checkpoint after epoch %d: %w", epoch, err)
			}
		}
	}

	o.phase = PhaseDone
	o.logg.Printf("run %s: done", o.state.RunID)
	return nil
}

func (o *Orchestrator) checkpointDue(epoch int) bool {
	if o.opts.CheckpointEach <= 1 {
		return true
	}
	return (epoch+1)%o.opts.CheckpointEach == 0 || epoch+1 == o.opts.Epochs
}

// runEpoch runs one epoch across all workers. Worker 0 is the only one
// that records metrics, mirroring the rank-0 convention.
func (o *Orchestrator) runEpoch(ctx context.Context, epoch int, schedule *Schedule, optimizers []Optimizer, barrier *allReduce, stepsPerEpoch int) error {
	strongAug := o.phase != PhaseFinalNoAug && o.cfg.DataAug.StrongAugEnabled()
	assignFn := o.assignerFor(o.phase)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		firstErr  error
		totalSum  float64
		totalSeen int
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
		barrier.Fail(err)
	}

	for w := 0; w < o.opts.Workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			net := o.networks[w]
			source := o.sources[w]
			opt := optimizers[w]

			for step := 0; step < stepsPerEpoch; step++ {
				if err := ctx.Err(); err != nil {
					fail(err)
					return
				}

				globalStep := epoch*stepsPerEpoch + step
				lr := schedule.LR(globalStep)
				if ms, ok := opt.(momentumSetter); ok {
					ms.SetMomentum(schedule.Momentum(globalStep))
				}

				terms, grad, err := o.trainStep(ctx, net, source, assignFn, epoch, strongAug)
				if err != nil {
					fail(fmt.Errorf("worker %d step %d: %w", w, step, err))
					return
				}

				skip := (terms != nil && !terms.Finite()) || !finiteVec(grad)
				if skip {
					// Recoverable: contribute a finite zero gradient so
					// the barrier stays balanced, and vote to skip.
					o.logg.Printf("worker %d epoch %d step %d: non-finite loss, skipping update",
						w, epoch, step)
					for i := range grad {
						grad[i] = 0
					}
				}

				avg, skipped, err := barrier.Reduce(grad, skip)
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					return
				}

				if skipped {
					// No optimizer state advances on a skipped step.
					continue
				}

				update := opt.Step(lr, avg, net.Params())
				applyUpdate(net.Params(), update)

				if w == 0 && terms != nil {
					mu.Lock()
					totalSum += terms.Total
					totalSeen++
					mu.Unlock()
					if o.metrics != nil {
						if err := o.metrics.RecordStep(epoch, step, terms, lr); err != nil {
							o.logg.Printf("recording step metrics: %v", err)
						}
					}
				}
			}
		}(w)
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	if o.metrics != nil && totalSeen > 0 {
		lr := schedule.LR((epoch + 1) * stepsPerEpoch)
		if err := o.metrics.RecordEpoch(epoch, totalSum/float64(totalSeen), lr); err != nil {
			o.logg.Printf("recording epoch metrics: %v", err)
		}
	}
	return nil
}

// trainStep runs forward, assignment and loss for one batch shard and
// returns the batch-mean terms plus the gradient from backward.
func (o *Orchestrator) trainStep(ctx context.Context, net Network, source DataSource, assignFn func(*assign.Grid, []assign.GroundTruth) *assign.Result, epoch int, strongAug bool) (*loss.Terms, []float64, error) {
	batch, err := source.NextBatch(ctx, epoch, strongAug)
	if err != nil {
		return nil, nil, fmt.Errorf("loading batch: %w", err)
	}
	if batch.InputW != o.grid.InputW || batch.InputH != o.grid.InputH {
		return nil, nil, fmt.Errorf("batch resolution %dx%d does not match grid %dx%d",
			batch.InputW, batch.InputH, o.grid.InputW, o.grid.InputH)
	}

	out, err := net.Forward(ctx, batch)
	if err != nil {
		return nil, nil, fmt.Errorf("forward: %w", err)
	}
	if len(out.Preds) != len(batch.GroundTruth) {
		return nil, nil, fmt.Errorf("network produced %d images, batch has %d",
			len(out.Preds), len(batch.GroundTruth))
	}

	var teacherOut *Outputs
	if o.opts.Distill {
		teacherOut, err = o.teacher.Forward(ctx, batch)
		if err != nil {
			return nil, nil, fmt.Errorf("teacher forward: %w", err)
		}
		if len(teacherOut.Preds) != len(out.Preds) {
			return nil, nil, fmt.Errorf("teacher produced %d images, student %d",
				len(teacherOut.Preds), len(out.Preds))
		}
	}

	mean := &loss.Terms{}
	for img := range out.Preds {
		asn := assignFn(o.grid, batch.GroundTruth[img])

		var t *loss.Terms
		if teacherOut != nil {
			var sf, tf []loss.FeatureMap
			if o.opts.DistillFeat {
				sf, tf = out.Features, teacherOut.Features
			}
			t, err = o.aggregator.ComputeWithDistill(out.Preds[img], teacherOut.Preds[img],
				sf, tf, o.grid, asn, epoch, o.opts.Epochs)
		} else {
			t, err = o.aggregator.Compute(out.Preds[img], o.grid, asn)
		}
		if err != nil {
			return nil, nil, err
		}
		accumulate(mean, t)
	}
	scaleTerms(mean, 1/float64(len(out.Preds)))

	grad, err := net.Backward(mean)
	if err != nil {
		return nil, nil, fmt.Errorf("backward: %w", err)
	}
	return mean, grad, nil
}

// Calibrate runs the forward-only quantization-calibration pass on a
// single worker: no assignment, no loss, no optimizer step. It
// terminates without producing a trained checkpoint.
func (o *Orchestrator) Calibrate(ctx context.Context) error {
	o.phase = PhaseCalibrating
	observer, _ := o.checkpoints.(ActivationObserver)
	if observer == nil {
		if obs, ok := o.metrics.(ActivationObserver); ok {
			observer = obs
		}
	}
	return o.CalibrateWith(ctx, observer)
}

// CalibrateWith is Calibrate with an explicit activation observer.
func (o *Orchestrator) CalibrateWith(ctx context.Context, observer ActivationObserver) error {
	o.phase = PhaseCalibrating
	steps := o.opts.CalibSteps
	if steps <= 0 {
		steps = o.sources[0].BatchesPerEpoch()
	}
	o.logg.Printf("run %s: calibrating over %d batches", o.state.RunID, steps)

	net := o.networks[0]
	source := o.sources[0]
	for step := 0; step < steps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := source.NextBatch(ctx, 0, false)
		if err != nil {
			return fmt.Errorf("calibration batch %d: %w", step, err)
		}
		out, err := net.Forward(ctx, batch)
		if err != nil {
			return fmt.Errorf("calibration forward %d: %w", step, err)
		}
		if observer != nil {
			observer.Observe(out)
		}
	}

	o.phase = PhaseDone
	o.logg.Printf("run %s: calibration done", o.state.RunID)
	return nil
}

// IsBarrierFailure reports whether err is a fatal synchronization
// failure rather than a recoverable step anomaly.
func IsBarrierFailure(err error) bool {
	return errors.Is(err, ErrBarrier)
}

func finiteVec(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func applyUpdate(params, update []float64) {
	for i := range params {
		params[i] += update[i]
	}
}

func accumulate(dst, src *loss.Terms) {
	dst.Class += src.Class
	dst.IoU += src.IoU
	dst.DFL += src.DFL
	dst.Angle += src.Angle
	dst.MGARCls += src.MGARCls
	dst.MGARReg += src.MGARReg
	dst.DistillClass += src.DistillClass
	dst.DistillDFL += src.DistillDFL
	dst.CWD += src.CWD
	dst.Total += src.Total
}

func scaleTerms(t *loss.Terms, s float64) {
	t.Class *= s
	t.IoU *= s
	t.DFL *= s
	t.Angle *= s
	t.MGARCls *= s
	t.MGARReg *= s
	t.DistillClass *= s
	t.DistillDFL *= s
	t.CWD *= s
	t.Total *= s
}
