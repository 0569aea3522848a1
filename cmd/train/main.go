package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/rotavision/rotadet/internal/config"
	"github.com/rotavision/rotadet/internal/train"
	"github.com/rotavision/rotadet/internal/traindb"
	"github.com/rotavision/rotadet/internal/version"
)

func main() {
	var (
		confPath      = flag.String("conf", "", "path to experiment config JSON (empty uses the finetune defaults)")
		dbPath        = flag.String("db", "train.db", "path to the run bookkeeping database")
		epochs        = flag.Int("epochs", 36, "number of training epochs")
		workers       = flag.Int("workers", 1, "number of device replica workers")
		stepsPerEpoch = flag.Int("steps", 32, "synthetic batches per epoch")
		batchSize     = flag.Int("batch_size", 4, "images per batch")
		stopAugLastN  = flag.Int("stop_aug_last_n_epoch", 15, "disable strong augmentation for the last N epochs")
		distill       = flag.Bool("distill", false, "enable knowledge distillation from a frozen teacher replica")
		distillFeat   = flag.Bool("distill_feat", false, "also distill intermediate feature maps")
		calib         = flag.Bool("calib", false, "run forward-only quantization calibration instead of training")
		calibSteps    = flag.Int("calib_steps", 0, "calibration batches (0 runs one full epoch)")
		resumeID      = flag.String("resume", "", "run id to resume from the database")
		seed          = flag.Int64("seed", 1, "synthetic data seed")
		showVersion   = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	logger := log.New(os.Stderr, "train ", log.LstdFlags)
	logger.Printf("rotadet %s", version.String())

	cfg := config.Default()
	if *confPath != "" {
		var err error
		cfg, err = config.Load(*confPath)
		if err != nil {
			if errors.Is(err, config.ErrConfigMismatch) {
				logger.Fatalf("invalid config %s: %v", *confPath, err)
			}
			logger.Fatalf("loading config %s: %v", *confPath, err)
		}
	}

	store, err := traindb.Open(*dbPath)
	if err != nil {
		logger.Fatalf("opening database: %v", err)
	}
	defer store.Close()

	runID := *resumeID
	if runID == "" {
		runID = uuid.NewString()
	}

	opts := train.Options{
		RunID:        runID,
		Epochs:       *epochs,
		Workers:      *workers,
		StopAugLastN: *stopAugLastN,
		Distill:      *distill,
		DistillFeat:  *distillFeat,
		Calibrate:    *calib,
		CalibSteps:   *calibSteps,
	}

	networks, sources, teacher := buildDevHarness(cfg, opts, *stepsPerEpoch, *batchSize, *seed)
	recorder := store.Recorder(runID)

	o, err := train.New(cfg, opts, logger, networks, sources, teacher, recorder, recorder)
	if err != nil {
		logger.Fatalf("building trainer: %v", err)
	}

	if *resumeID != "" {
		state, err := store.LoadState(*resumeID)
		if err != nil {
			logger.Fatalf("loading state for run %s: %v", *resumeID, err)
		}
		o.Resume(state)
	} else {
		cfgJSON, err := json.Marshal(cfg)
		if err != nil {
			logger.Fatalf("encoding config: %v", err)
		}
		if err := store.CreateRun(runID, cfgJSON); err != nil {
			logger.Fatalf("registering run: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := o.Run(ctx); err != nil {
		status := "failed"
		if train.IsBarrierFailure(err) {
			logger.Printf("synchronization failure: %v", err)
		} else {
			logger.Printf("run failed: %v", err)
		}
		if dbErr := store.FinishRun(runID, status); dbErr != nil {
			logger.Printf("marking run %s: %v", runID, dbErr)
		}
		os.Exit(1)
	}

	if err := store.FinishRun(runID, "done"); err != nil {
		logger.Printf("marking run %s: %v", runID, err)
	}
	logger.Printf("run %s finished", runID)
}
