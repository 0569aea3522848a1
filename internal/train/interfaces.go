package train

import (
	"context"

	"github.com/rotavision/rotadet/internal/assign"
	"github.com/rotavision/rotadet/internal/loss"
)

// Batch is one training batch shard as delivered by the external data
// loader. Ground truth is immutable during the step.
type Batch struct {
	InputW int
	InputH int
	// GroundTruth holds the instances of each image in the shard.
	GroundTruth [][]assign.GroundTruth
	// StrongAug reports whether strong augmentation was applied; the
	// loader must honour the orchestrator's aug-off signal.
	StrongAug bool
	// Payload is the opaque image data the network consumes. The
	// orchestrator never inspects it.
	Payload any
}

// Outputs is a network's activated head output for one batch.
type Outputs struct {
	// Preds holds per-image, per-site predictions in grid order.
	Preds [][]loss.Prediction
	// Features optionally exposes intermediate maps for feature
	// distillation and calibration.
	Features []loss.FeatureMap
}

// DataSource delivers batch shards to one worker. Implementations own
// their shard exclusively; the orchestrator never shares a source
// between workers.
type DataSource interface {
	// NextBatch blocks until the next shard of the given epoch is
	// ready. strongAug tells the loader whether strong augmentation is
	// currently permitted.
	NextBatch(ctx context.Context, epoch int, strongAug bool) (*Batch, error)
	// BatchesPerEpoch is constant for the lifetime of the source.
	BatchesPerEpoch() int
}

// Network is the trainable student model. One replica per worker.
type Network interface {
	Forward(ctx context.Context, b *Batch) (*Outputs, error)
	// Backward turns the step's loss terms into a flat gradient
	// vector, one element per parameter.
	Backward(t *loss.Terms) ([]float64, error)
	// Params exposes the live flat parameter vector; the orchestrator
	// applies optimizer updates to it in place.
	Params() []float64
}

// Teacher is a frozen network used for distillation: forward-only,
// stateless across steps, safely shared between workers.
type Teacher interface {
	Forward(ctx context.Context, b *Batch) (*Outputs, error)
}

// CheckpointSink persists resume state at epoch boundaries. File
// formats and experiment-directory bookkeeping live behind it.
type CheckpointSink interface {
	Save(state *RunState) error
}

// ActivationObserver accumulates activation statistics during a
// calibration pass. It is owned exclusively by the calibration routine.
type ActivationObserver interface {
	Observe(out *Outputs)
}

// MetricsRecorder receives per-step loss terms and per-epoch summaries.
// The sqlite-backed recorder in internal/traindb implements it; a nil
// recorder disables recording.
type MetricsRecorder interface {
	RecordStep(epoch, step int, t *loss.Terms, lr float64) error
	RecordEpoch(epoch int, meanTotal float64, lr float64) error
}

// RunState is the resumable snapshot of a run: everything the
// orchestrator needs to continue its state machine after a restart.
type RunState struct {
	RunID          string    `json:"run_id"`
	Epoch          int       `json:"epoch"`
	SchedulerStep  int       `json:"scheduler_step"`
	OptimizerState []float64 `json:"optimizer_state"`
}
