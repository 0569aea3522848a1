// Package config owns the typed run configuration consumed by the
// training and inference pipelines. The JSON schema mirrors the
// experiment description files: recognized top-level sections are
// model, loss, solver, data_aug and eval_params.
//
// Configuration inconsistency is the only core error class that is
// user-fatal: Load validates everything up front and a run never begins
// on a mismatched config.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rotavision/rotadet/internal/anglecodec"
	"github.com/rotavision/rotadet/internal/loss"
)

// ErrConfigMismatch tags every validation failure so callers can
// distinguish bad configuration from I/O trouble.
var ErrConfigMismatch = errors.New("config mismatch")

// Config is the root run configuration.
type Config struct {
	Model      ModelConfig   `json:"model"`
	Loss       LossConfig    `json:"loss"`
	Solver     SolverConfig  `json:"solver"`
	DataAug    DataAugConfig `json:"data_aug"`
	EvalParams EvalConfig    `json:"eval_params"`
}

// ModelConfig describes the detection head layout. The backbone and
// neck are external; only the head parameters matter to the core.
type ModelConfig struct {
	NumClasses         int     `json:"num_classes"`
	InputSize          int     `json:"input_size"`
	Strides            []int   `json:"strides"`
	AnchorsInit        [][]int `json:"anchors_init,omitempty"`
	AngleFittingMethod string  `json:"angle_fitting_methods"`
	AngleMax           int     `json:"angle_max"`
	RegMax             int     `json:"reg_max"`
	UseDFL             bool    `json:"use_dfl"`
	ATSSWarmupEpochs   int     `json:"atss_warmup_epoch"`
	IoUType            string  `json:"iou_type"`
	ATSSTopK           int     `json:"atss_topk,omitempty"`
}

// LossConfig selects the box-loss mode and the per-term weights.
type LossConfig struct {
	// LossMode is "hbb+angle" (unrotated box term plus a separate
	// angle term) or "obb" (rotated IoU on the decoded box).
	LossMode string `json:"loss_mode"`
	// LossWeight maps term name -> weight. Recognized keys: class,
	// iou, dfl, angle, MGAR_cls, MGAR_reg, cwd, distill_class,
	// distill_dfl. Missing keys keep their defaults.
	LossWeight map[string]float64 `json:"loss_weight"`
}

// SolverConfig describes the optimizer and learning-rate schedule.
type SolverConfig struct {
	Optim          string  `json:"optim"`        // "SGD" or "AdamW"
	LRScheduler    string  `json:"lr_scheduler"` // "Cosine"
	LR0            float64 `json:"lr0"`
	LRF            float64 `json:"lrf"` // final LR = lr0 * lrf
	Momentum       float64 `json:"momentum"`
	WeightDecay    float64 `json:"weight_decay"`
	WarmupEpochs   float64 `json:"warmup_epochs"`
	WarmupMomentum float64 `json:"warmup_momentum"`
	WarmupBiasLR   float64 `json:"warmup_bias_lr"`
}

// DataAugConfig carries the augmentation probabilities. The pipeline
// itself is external; the orchestrator only gates the strong terms off
// for the final epochs.
type DataAugConfig struct {
	HSVH        float64 `json:"hsv_h"`
	HSVS        float64 `json:"hsv_s"`
	HSVV        float64 `json:"hsv_v"`
	FlipUD      float64 `json:"flipud"`
	FlipLR      float64 `json:"fliplr"`
	Rotate      float64 `json:"rotate"`
	Mosaic      float64 `json:"mosaic"`
	Mixup       float64 `json:"mixup"`
	RectClasses []int   `json:"rect_classes,omitempty"`
}

// EvalConfig holds the evaluation thresholds and AP convention.
type EvalConfig struct {
	ConfThres float64 `json:"conf_thres"`
	IoUThres  float64 `json:"iou_thres"`
	// APMethod is "VOC07", "VOC12" or "COCO".
	APMethod string `json:"ap_method"`
}

// Default returns the finetune baseline configuration: MGAR with five
// coarse sectors, no DFL, cosine AdamW schedule.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			NumClasses:         15,
			InputSize:          640,
			Strides:            []int{8, 16, 32},
			AngleFittingMethod: "MGAR",
			AngleMax:           5,
			RegMax:             0,
			UseDFL:             false,
			ATSSWarmupEpochs:   0,
			IoUType:            "giou",
		},
		Loss: LossConfig{
			LossMode: "hbb+angle",
			LossWeight: map[string]float64{
				"class":    1.0,
				"iou":      2.5,
				"dfl":      0.5,
				"angle":    0.05,
				"MGAR_cls": 0.05,
				"MGAR_reg": 0.05,
				"cwd":      0.2,
			},
		},
		Solver: SolverConfig{
			Optim:          "AdamW",
			LRScheduler:    "Cosine",
			LR0:            0.00025,
			LRF:            0.05,
			Momentum:       0.843,
			WeightDecay:    0.00036,
			WarmupEpochs:   2.0,
			WarmupMomentum: 0.5,
			WarmupBiasLR:   0.05,
		},
		DataAug: DataAugConfig{
			HSVH:   0.0138,
			HSVS:   0.664,
			HSVV:   0.464,
			FlipUD: 0.5,
			FlipLR: 0.5,
			Rotate: 0.5,
		},
		EvalParams: EvalConfig{
			ConfThres: 0.03,
			IoUThres:  0.5,
			APMethod:  "VOC12",
		},
	}
}

// maxConfigSize guards against loading an unexpected large file.
const maxConfigSize = 1 * 1024 * 1024

// Load reads and validates a JSON configuration file. Fields omitted
// from the file keep the Default values, so partial configs are safe.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency. All violations are reported
// as ErrConfigMismatch; the run must not begin on any of them.
func (c *Config) Validate() error {
	m := &c.Model
	if m.NumClasses <= 0 {
		return fmt.Errorf("%w: model.num_classes must be positive, got %d", ErrConfigMismatch, m.NumClasses)
	}
	if m.InputSize <= 0 {
		return fmt.Errorf("%w: model.input_size must be positive, got %d", ErrConfigMismatch, m.InputSize)
	}
	if len(m.Strides) == 0 {
		return fmt.Errorf("%w: model.strides must not be empty", ErrConfigMismatch)
	}
	for _, s := range m.Strides {
		if s <= 0 || m.InputSize%s != 0 {
			return fmt.Errorf("%w: stride %d must be positive and divide input_size %d",
				ErrConfigMismatch, s, m.InputSize)
		}
	}

	if _, err := anglecodec.ParseMethod(m.AngleFittingMethod); err != nil {
		return fmt.Errorf("%w: model.angle_fitting_methods: %v", ErrConfigMismatch, err)
	}
	if _, err := c.BuildCodec(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigMismatch, err)
	}

	if m.UseDFL && m.RegMax <= 0 {
		return fmt.Errorf("%w: use_dfl requires reg_max > 0, got %d", ErrConfigMismatch, m.RegMax)
	}
	if !m.UseDFL && m.RegMax != 0 {
		return fmt.Errorf("%w: reg_max must be 0 when use_dfl is false, got %d", ErrConfigMismatch, m.RegMax)
	}
	if _, err := loss.ParseIoUType(m.IoUType); err != nil {
		return fmt.Errorf("%w: model.iou_type: %v", ErrConfigMismatch, err)
	}

	switch c.Loss.LossMode {
	case "hbb+angle", "obb":
	default:
		return fmt.Errorf("%w: loss.loss_mode must be \"hbb+angle\" or \"obb\", got %q",
			ErrConfigMismatch, c.Loss.LossMode)
	}
	for k := range c.Loss.LossWeight {
		switch k {
		case "class", "iou", "dfl", "angle", "MGAR_cls", "MGAR_reg", "cwd",
			"distill_class", "distill_dfl":
		default:
			return fmt.Errorf("%w: unknown loss_weight key %q", ErrConfigMismatch, k)
		}
	}

	switch c.Solver.Optim {
	case "SGD", "AdamW":
	default:
		return fmt.Errorf("%w: solver.optim must be \"SGD\" or \"AdamW\", got %q",
			ErrConfigMismatch, c.Solver.Optim)
	}
	switch c.Solver.LRScheduler {
	case "Cosine":
	default:
		return fmt.Errorf("%w: solver.lr_scheduler must be \"Cosine\", got %q",
			ErrConfigMismatch, c.Solver.LRScheduler)
	}
	if c.Solver.LR0 <= 0 {
		return fmt.Errorf("%w: solver.lr0 must be positive, got %v", ErrConfigMismatch, c.Solver.LR0)
	}

	switch c.EvalParams.APMethod {
	case "VOC07", "VOC12", "COCO":
	default:
		return fmt.Errorf("%w: eval_params.ap_method must be one of VOC07, VOC12, COCO, got %q",
			ErrConfigMismatch, c.EvalParams.APMethod)
	}
	return nil
}

// BuildCodec constructs the angle codec selected by the model section.
func (c *Config) BuildCodec() (*anglecodec.Codec, error) {
	method, err := anglecodec.ParseMethod(c.Model.AngleFittingMethod)
	if err != nil {
		return nil, err
	}
	return anglecodec.New(method, c.Model.AngleMax)
}

// Weights folds the loss_weight map onto the default weight set.
func (c *Config) Weights() loss.Weights {
	w := loss.DefaultWeights()
	for k, v := range c.Loss.LossWeight {
		switch k {
		case "class":
			w.Class = v
		case "iou":
			w.IoU = v
		case "dfl":
			w.DFL = v
		case "angle":
			w.Angle = v
		case "MGAR_cls":
			w.MGARCls = v
		case "MGAR_reg":
			w.MGARReg = v
		case "cwd":
			w.CWD = v
		case "distill_class":
			w.DistillClass = v
		case "distill_dfl":
			w.DistillDFL = v
		}
	}
	return w
}

// Mode returns the loss mode as its typed value. Validate has already
// restricted the string.
func (c *Config) Mode() loss.Mode {
	if c.Loss.LossMode == "obb" {
		return loss.OBB
	}
	return loss.HBBAngle
}

// StrongAugEnabled reports whether any strong augmentation is active.
func (a *DataAugConfig) StrongAugEnabled() bool {
	return a.Mosaic > 0 || a.Mixup > 0
}
