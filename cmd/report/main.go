package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/rotavision/rotadet/internal/monitor"
	"github.com/rotavision/rotadet/internal/traindb"
	"github.com/rotavision/rotadet/internal/version"
)

func main() {
	var (
		dbPath  = flag.String("db", "train.db", "path to the run bookkeeping database")
		runID   = flag.String("run", "", "run id to report on (empty lists runs)")
		outDir  = flag.String("out", "reports", "output directory for report files")
		curves  = flag.Bool("curves", true, "also write PNG loss curves")
		showVer = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Println(version.String())
		return
	}

	logger := log.New(os.Stderr, "report ", log.LstdFlags)

	store, err := traindb.Open(*dbPath)
	if err != nil {
		logger.Fatalf("opening database: %v", err)
	}
	defer store.Close()

	if *runID == "" {
		listRuns(logger, store)
		return
	}

	epochs, err := store.EpochSeries(*runID)
	if err != nil {
		logger.Fatalf("loading epoch metrics for %s: %v", *runID, err)
	}
	steps, err := store.StepSeries(*runID)
	if err != nil {
		logger.Fatalf("loading step metrics for %s: %v", *runID, err)
	}
	if len(epochs) == 0 && len(steps) == 0 {
		logger.Fatalf("run %s has no recorded metrics", *runID)
	}

	dir := filepath.Join(*outDir, *runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logger.Fatalf("creating %s: %v", dir, err)
	}

	htmlPath := filepath.Join(dir, "report.html")
	f, err := os.Create(htmlPath)
	if err != nil {
		logger.Fatalf("creating %s: %v", htmlPath, err)
	}
	if err := monitor.WriteReport(f, *runID, epochs, steps); err != nil {
		f.Close()
		logger.Fatalf("writing report: %v", err)
	}
	if err := f.Close(); err != nil {
		logger.Fatalf("closing %s: %v", htmlPath, err)
	}
	logger.Printf("wrote %s", htmlPath)

	if *curves && len(epochs) > 0 {
		files, err := monitor.WriteLossCurves(dir, *runID, epochs)
		if err != nil {
			logger.Fatalf("writing loss curves: %v", err)
		}
		for _, file := range files {
			logger.Printf("wrote %s", file)
		}
	}
	if *curves && len(steps) > 0 {
		file, err := monitor.WriteTermCurves(dir, *runID, steps)
		if err != nil {
			logger.Fatalf("writing term curves: %v", err)
		}
		logger.Printf("wrote %s", file)
	}
}

func listRuns(logger *log.Logger, store *traindb.Store) {
	runs, err := store.Runs()
	if err != nil {
		logger.Fatalf("listing runs: %v", err)
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return
	}
	for _, r := range runs {
		finished := "-"
		if r.FinishedAt.Valid {
			finished = r.FinishedAt.Time.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%s  %-8s  started %s  finished %s\n",
			r.RunID, r.Status, r.StartedAt.Format("2006-01-02 15:04:05"), finished)
	}
}
