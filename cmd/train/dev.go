package main

import (
	"context"
	"math"
	"math/rand"
	"sync"

	"github.com/rotavision/rotadet/internal/assign"
	"github.com/rotavision/rotadet/internal/config"
	"github.com/rotavision/rotadet/internal/geometry"
	"github.com/rotavision/rotadet/internal/loss"
	"github.com/rotavision/rotadet/internal/train"
)

// The dev harness stands in for the real data loader and backbone so
// the full training loop can be exercised end to end: synthetic scenes
// of rotated boxes and a toy network whose head output is driven by a
// small parameter vector.

const devParams = 16

func buildDevHarness(cfg *config.Config, opts train.Options, stepsPerEpoch, imagesPerStep int, seed int64) ([]train.Network, []train.DataSource, train.Teacher) {
	codec, err := cfg.BuildCodec()
	if err != nil {
		// New validates the config again and reports this properly.
		return nil, nil, nil
	}

	boxDistSize := 4
	if cfg.Model.UseDFL {
		boxDistSize = 4 * (cfg.Model.RegMax + 1)
	}

	grid := assign.BuildGrid(cfg.Model.InputSize, cfg.Model.InputSize, cfg.Model.Strides)
	networks := make([]train.Network, opts.Workers)
	sources := make([]train.DataSource, opts.Workers)
	for w := 0; w < opts.Workers; w++ {
		networks[w] = newDevNetwork(grid, cfg.Model.NumClasses, boxDistSize, codec.Size())
		sources[w] = &devSource{
			inputSize:  cfg.Model.InputSize,
			numClasses: cfg.Model.NumClasses,
			batches:    stepsPerEpoch,
			images:     imagesPerStep,
			rng:        rand.New(rand.NewSource(seed + int64(w))),
		}
	}

	var teacher train.Teacher
	if opts.Distill {
		teacher = newDevNetwork(grid, cfg.Model.NumClasses, boxDistSize, codec.Size())
	}
	return networks, sources, teacher
}

// devSource synthesizes scenes of one to four rotated boxes per image.
type devSource struct {
	inputSize  int
	numClasses int
	batches    int
	images     int

	mu  sync.Mutex
	rng *rand.Rand
}

func (s *devSource) NextBatch(ctx context.Context, epoch int, strongAug bool) (*train.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	size := float64(s.inputSize)
	gts := make([][]assign.GroundTruth, s.images)
	for img := range gts {
		n := 1 + s.rng.Intn(4)
		gts[img] = make([]assign.GroundTruth, n)
		for i := range gts[img] {
			w := size/8 + s.rng.Float64()*size/8
			h := size/12 + s.rng.Float64()*size/12
			gts[img][i] = assign.GroundTruth{
				Class: s.rng.Intn(s.numClasses),
				Box: geometry.Box{
					CX:    size*0.2 + s.rng.Float64()*size*0.6,
					CY:    size*0.2 + s.rng.Float64()*size*0.6,
					W:     w,
					H:     h,
					Angle: s.rng.Float64()*180 - 90,
				},
			}
		}
	}
	return &train.Batch{
		InputW:      s.inputSize,
		InputH:      s.inputSize,
		GroundTruth: gts,
		StrongAug:   strongAug,
	}, nil
}

func (s *devSource) BatchesPerEpoch() int { return s.batches }

// devNetwork is a toy head: every site emits the same activations,
// shaped by the parameter vector. Backward returns a loss-proportional
// pseudo-gradient, enough to drive the optimizer and barrier paths.
type devNetwork struct {
	grid       *assign.Grid
	numClasses int
	boxSize    int
	angleSize  int

	mu     sync.Mutex
	params []float64
}

func newDevNetwork(grid *assign.Grid, numClasses, boxSize, angleSize int) *devNetwork {
	n := &devNetwork{
		grid:       grid,
		numClasses: numClasses,
		boxSize:    boxSize,
		angleSize:  angleSize,
		params:     make([]float64, devParams),
	}
	for i := range n.params {
		n.params[i] = 0.1
	}
	return n
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func (n *devNetwork) Forward(ctx context.Context, b *train.Batch) (*train.Outputs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	score := sigmoid(n.params[0])
	dist := 1 + math.Abs(n.params[1])
	n.mu.Unlock()

	preds := make([][]loss.Prediction, len(b.GroundTruth))
	for img := range preds {
		preds[img] = make([]loss.Prediction, len(n.grid.Sites))
		for i := range preds[img] {
			p := loss.Prediction{
				ClassScores: make([]float64, n.numClasses),
				BoxDist:     make([]float64, n.boxSize),
				Angle:       make([]float64, n.angleSize),
			}
			for c := range p.ClassScores {
				p.ClassScores[c] = score / float64(n.numClasses)
			}
			if n.boxSize == 4 {
				for j := range p.BoxDist {
					p.BoxDist[j] = dist
				}
			} else {
				// Uniform bin probabilities per side.
				bins := n.boxSize / 4
				for j := range p.BoxDist {
					p.BoxDist[j] = 1 / float64(bins)
				}
			}
			for j := range p.Angle {
				p.Angle[j] = 1 / float64(n.angleSize)
			}
			preds[img][i] = p
		}
	}
	return &train.Outputs{Preds: preds}, nil
}

func (n *devNetwork) Backward(t *loss.Terms) ([]float64, error) {
	grad := make([]float64, devParams)
	for i := range grad {
		grad[i] = t.Total * 0.01
	}
	return grad, nil
}

func (n *devNetwork) Params() []float64 {
	return n.params
}
