// Package simstore records simulation runs in SQLite: one row per run
// with its effective options and final summary, plus the per-tick
// sample series for offline comparison of tuning profiles.
package simstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/me/wallgrid/internal/sim"

	_ "modernc.org/sqlite"
)

// schema contains the DDL for all tables. Each statement uses
// IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		scenario    TEXT NOT NULL,
		seed        INTEGER NOT NULL DEFAULT 0,
		started_at  TEXT NOT NULL,
		finished_at TEXT,
		options     TEXT NOT NULL DEFAULT '{}',
		summary     TEXT
	)`,

	`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,

	`CREATE TABLE IF NOT EXISTS samples (
		run_id       TEXT NOT NULL,
		tick         INTEGER NOT NULL,
		materialized INTEGER NOT NULL,
		loaded       INTEGER NOT NULL,
		loading      INTEGER NOT NULL,
		playing      INTEGER NOT NULL,
		max_loaded   INTEGER NOT NULL,
		max_loading  INTEGER NOT NULL,
		memory_mb    REAL NOT NULL,
		events       INTEGER NOT NULL,
		PRIMARY KEY (run_id, tick),
		FOREIGN KEY (run_id) REFERENCES runs(id)
	)`,
}

// Run is one recorded simulation run. Summary stays nil until the run
// finished.
type Run struct {
	ID         string          `json:"id"`
	Scenario   string          `json:"scenario"`
	Seed       int64           `json:"seed"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Options    json.RawMessage `json:"options,omitempty"`
	Summary    *sim.Result     `json:"summary,omitempty"`
}

// Store persists runs and samples in a SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at dbPath and migrates the
// schema. Use ":memory:" for tests.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// A second pooled connection to ":memory:" would see its own empty
	// database, so keep the pool at one connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma foreign_keys: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "simstore")}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// CreateRun inserts a new run row. A missing id or start time is filled
// in; the filled run is returned through the pointer.
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if len(run.Options) == 0 {
		run.Options = json.RawMessage("{}")
	}
	s.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, scenario, seed, started_at, options) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Scenario, run.Seed,
		run.StartedAt.Format(time.RFC3339Nano), string(run.Options),
	)
	return err
}

// AppendSamples writes a batch of tick samples in one transaction.
func (s *Store) AppendSamples(ctx context.Context, runID string, samples []sim.TickSample) error {
	if len(samples) == 0 {
		return nil
	}
	s.logger.Debug("sql", "op", "insert", "table", "samples", "run_id", runID, "count", len(samples))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, smp := range samples {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO samples (run_id, tick, materialized, loaded, loading, playing,
			 max_loaded, max_loading, memory_mb, events)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, smp.Tick, smp.Materialized, smp.Loaded, smp.Loading, smp.Playing,
			smp.Limits.MaxLoaded, smp.Limits.MaxConcurrentLoading, smp.MemoryMB, smp.Events,
		)
		if err != nil {
			return fmt.Errorf("insert sample %d: %w", smp.Tick, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// FinishRun stamps the run finished and stores its summary.
func (s *Store) FinishRun(ctx context.Context, runID string, result *sim.Result) error {
	s.logger.Debug("sql", "op", "update", "table", "runs", "id", runID)

	summaryJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, summary = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), string(summaryJSON), runID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// GetRun returns one run, or nil when the id is unknown.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "id", id)

	row := s.db.QueryRowContext(ctx,
		`SELECT id, scenario, seed, started_at, finished_at, options, summary
		 FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRuns returns every recorded run, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]*Run, error) {
	s.logger.Debug("sql", "op", "list", "table", "runs")

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scenario, seed, started_at, finished_at, options, summary
		 FROM runs ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SamplesForRun returns the run's tick series in tick order.
func (s *Store) SamplesForRun(ctx context.Context, runID string) ([]sim.TickSample, error) {
	s.logger.Debug("sql", "op", "select", "table", "samples", "run_id", runID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT tick, materialized, loaded, loading, playing, max_loaded, max_loading, memory_mb, events
		 FROM samples WHERE run_id = ? ORDER BY tick`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []sim.TickSample
	for rows.Next() {
		var smp sim.TickSample
		if err := rows.Scan(&smp.Tick, &smp.Materialized, &smp.Loaded, &smp.Loading,
			&smp.Playing, &smp.Limits.MaxLoaded, &smp.Limits.MaxConcurrentLoading,
			&smp.MemoryMB, &smp.Events); err != nil {
			return nil, err
		}
		samples = append(samples, smp)
	}
	return samples, rows.Err()
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var run Run
	var startedAt string
	var finishedAt, summaryJSON *string
	var optionsJSON string

	if err := sc.Scan(&run.ID, &run.Scenario, &run.Seed,
		&startedAt, &finishedAt, &optionsJSON, &summaryJSON); err != nil {
		return nil, err
	}
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if finishedAt != nil {
		t, _ := time.Parse(time.RFC3339Nano, *finishedAt)
		run.FinishedAt = &t
	}
	run.Options = json.RawMessage(optionsJSON)
	if summaryJSON != nil {
		var res sim.Result
		if err := json.Unmarshal([]byte(*summaryJSON), &res); err != nil {
			return nil, fmt.Errorf("unmarshal summary: %w", err)
		}
		run.Summary = &res
	}
	return &run, nil
}
