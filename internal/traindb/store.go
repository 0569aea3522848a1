// Package traindb persists run bookkeeping in sqlite: run registry,
// resumable run state and per-step/per-epoch loss metrics. The schema
// is managed by embedded migrations.
package traindb

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/rotavision/rotadet/internal/loss"
	"github.com/rotavision/rotadet/internal/train"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRunNotFound is returned when a run id has no stored state.
var ErrRunNotFound = errors.New("traindb: run not found")

// Store wraps the sqlite database. Safe for concurrent use.
type Store struct {
	*sql.DB
}

// Open opens (or creates) the database at path and brings the schema
// up to date.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000; PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying pragmas: %w", err)
	}

	s := &Store{db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	// Don't close m: it would close the underlying DB connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// RunSummary is one row of the run registry.
type RunSummary struct {
	RunID      string
	Status     string
	StartedAt  time.Time
	FinishedAt sql.NullTime
}

// CreateRun registers a new run with its serialized configuration.
func (s *Store) CreateRun(runID string, configJSON []byte) error {
	_, err := s.Exec("INSERT INTO runs (run_id, config_json) VALUES (?, ?)", runID, string(configJSON))
	if err != nil {
		return fmt.Errorf("creating run %s: %w", runID, err)
	}
	return nil
}

// FinishRun marks a run finished with the given status.
func (s *Store) FinishRun(runID, status string) error {
	res, err := s.Exec("UPDATE runs SET status = ?, finished_at = CURRENT_TIMESTAMP WHERE run_id = ?",
		status, runID)
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// Runs lists all runs, most recent first.
func (s *Store) Runs() ([]RunSummary, error) {
	rows, err := s.Query("SELECT run_id, status, started_at, finished_at FROM runs ORDER BY started_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.RunID, &r.Status, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunConfig returns the configuration JSON a run was started with.
func (s *Store) RunConfig(runID string) ([]byte, error) {
	var cfg string
	err := s.QueryRow("SELECT config_json FROM runs WHERE run_id = ?", runID).Scan(&cfg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	return []byte(cfg), nil
}

// SaveState upserts a run's resumable snapshot.
func (s *Store) SaveState(state *train.RunState) error {
	opt, err := json.Marshal(state.OptimizerState)
	if err != nil {
		return fmt.Errorf("encoding optimizer state: %w", err)
	}
	_, err = s.Exec(`
		INSERT INTO run_state (run_id, epoch, scheduler_step, optimizer_state, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(run_id) DO UPDATE SET
			epoch = excluded.epoch,
			scheduler_step = excluded.scheduler_step,
			optimizer_state = excluded.optimizer_state,
			updated_at = CURRENT_TIMESTAMP`,
		state.RunID, state.Epoch, state.SchedulerStep, string(opt))
	if err != nil {
		return fmt.Errorf("saving state for run %s: %w", state.RunID, err)
	}
	return nil
}

// LoadState returns the latest snapshot of a run.
func (s *Store) LoadState(runID string) (*train.RunState, error) {
	var (
		state = train.RunState{RunID: runID}
		opt   string
	)
	err := s.QueryRow(
		"SELECT epoch, scheduler_step, optimizer_state FROM run_state WHERE run_id = ?",
		runID).Scan(&state.Epoch, &state.SchedulerStep, &opt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(opt), &state.OptimizerState); err != nil {
		return nil, fmt.Errorf("decoding optimizer state: %w", err)
	}
	return &state, nil
}

// EpochPoint is one epoch of a run's loss curve.
type EpochPoint struct {
	Epoch     int
	MeanTotal float64
	LR        float64
}

// EpochSeries returns a run's epoch summaries in epoch order.
func (s *Store) EpochSeries(runID string) ([]EpochPoint, error) {
	rows, err := s.Query(
		"SELECT epoch, mean_total, lr FROM epoch_metrics WHERE run_id = ? ORDER BY epoch",
		runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EpochPoint
	for rows.Next() {
		var p EpochPoint
		if err := rows.Scan(&p.Epoch, &p.MeanTotal, &p.LR); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// StepPoint is one recorded training step.
type StepPoint struct {
	Epoch int
	Step  int
	Terms loss.Terms
	LR    float64
}

// StepSeries returns a run's recorded steps in training order.
func (s *Store) StepSeries(runID string) ([]StepPoint, error) {
	rows, err := s.Query(`
		SELECT epoch, step, total, class, iou, dfl, angle, mgar_cls, mgar_reg,
		       distill_class, distill_dfl, cwd, lr
		FROM step_metrics WHERE run_id = ? ORDER BY epoch, step`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StepPoint
	for rows.Next() {
		var p StepPoint
		if err := rows.Scan(&p.Epoch, &p.Step,
			&p.Terms.Total, &p.Terms.Class, &p.Terms.IoU, &p.Terms.DFL, &p.Terms.Angle,
			&p.Terms.MGARCls, &p.Terms.MGARReg,
			&p.Terms.DistillClass, &p.Terms.DistillDFL, &p.Terms.CWD, &p.LR); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Recorder binds metric and checkpoint writes to one run. It implements
// both the per-step metrics interface and the checkpoint sink of the
// training loop.
type Recorder struct {
	store *Store
	runID string
}

// Recorder returns a recorder for the given run.
func (s *Store) Recorder(runID string) *Recorder {
	return &Recorder{store: s, runID: runID}
}

// RecordStep stores one training step's loss terms.
func (r *Recorder) RecordStep(epoch, step int, t *loss.Terms, lr float64) error {
	_, err := r.store.Exec(`
		INSERT INTO step_metrics (run_id, epoch, step, total, class, iou, dfl, angle,
		                          mgar_cls, mgar_reg, distill_class, distill_dfl, cwd, lr)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.runID, epoch, step, t.Total, t.Class, t.IoU, t.DFL, t.Angle,
		t.MGARCls, t.MGARReg, t.DistillClass, t.DistillDFL, t.CWD, lr)
	return err
}

// RecordEpoch stores one epoch summary.
func (r *Recorder) RecordEpoch(epoch int, meanTotal float64, lr float64) error {
	_, err := r.store.Exec(`
		INSERT INTO epoch_metrics (run_id, epoch, mean_total, lr) VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, epoch) DO UPDATE SET
			mean_total = excluded.mean_total, lr = excluded.lr`,
		r.runID, epoch, meanTotal, lr)
	return err
}

// Save upserts the run's resumable snapshot.
func (r *Recorder) Save(state *train.RunState) error {
	return r.store.SaveState(state)
}
