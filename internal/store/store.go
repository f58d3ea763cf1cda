// Package store keeps a sqlite ledger of orchestration runs, the jobs they
// launched and the batch entries they produced.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ChuLiYu/geebatch/pkg/types"
)

var ErrRunNotFound = errors.New("run not found")

// Run statuses.
const (
	RunRunning     = "running"
	RunCompleted   = "completed"
	RunInterrupted = "interrupted"
)

// Run is one invocation of a partition/launch/monitor pipeline.
type Run struct {
	ID          string
	Kind        string // "grid", "periods", "batches", "launch"
	Description string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store wraps the ledger database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	kind TEXT,
	description TEXT,
	status TEXT,
	created_at DATETIME,
	updated_at DATETIME
);
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	run_id TEXT,
	unit_id TEXT,
	kind TEXT,
	config TEXT,
	state TEXT,
	error TEXT,
	polls INTEGER,
	started_at DATETIME,
	completed_at DATETIME,
	updated_at DATETIME
);
CREATE INDEX IF NOT EXISTS jobs_run ON jobs (run_id);
CREATE TABLE IF NOT EXISTS batch_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT,
	unit_id TEXT,
	batch_id INTEGER,
	outcome TEXT,
	duration_ns INTEGER,
	items INTEGER,
	result TEXT,
	error TEXT,
	created_at DATETIME
);
`

// NewRunID returns a fresh run id.
func NewRunID() string {
	return uuid.NewString()
}

// Open opens (creating if needed) the ledger at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger tables: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun records a new run with status "running".
func (s *Store) CreateRun(ctx context.Context, id, kind, description string) (*Run, error) {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, kind, description, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, kind, description, RunRunning, now, now)
	if err != nil {
		return nil, fmt.Errorf("create run %s: %w", id, err)
	}
	return &Run{ID: id, Kind: kind, Description: description, Status: RunRunning, CreatedAt: now, UpdatedAt: now}, nil
}

// FinishRun sets the final status of a run.
func (s *Store) FinishRun(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`, status, s.now(), id)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	var r Run
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, description, status, created_at, updated_at FROM runs WHERE id = ?`, id).
		Scan(&r.ID, &r.Kind, &r.Description, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRuns returns runs, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, description, status, created_at, updated_at FROM runs ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Kind, &r.Description, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

const upsertJob = `
INSERT INTO jobs (id, run_id, unit_id, kind, config, state, error, polls, started_at, completed_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	state = excluded.state,
	error = excluded.error,
	polls = excluded.polls,
	completed_at = excluded.completed_at,
	updated_at = excluded.updated_at`

// SaveJobs inserts or updates jobs for a run in one transaction.
func (s *Store) SaveJobs(ctx context.Context, runID string, jobs []*types.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertJob)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := s.now()
	for _, j := range jobs {
		if err := execJob(ctx, stmt, runID, j, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpdateJob writes the current state of one job.
func (s *Store) UpdateJob(ctx context.Context, runID string, job types.Job) error {
	stmt, err := s.db.PrepareContext(ctx, upsertJob)
	if err != nil {
		return err
	}
	defer stmt.Close()
	return execJob(ctx, stmt, runID, &job, s.now())
}

func execJob(ctx context.Context, stmt *sql.Stmt, runID string, j *types.Job, now time.Time) error {
	cfg, err := json.Marshal(j.Config)
	if err != nil {
		return fmt.Errorf("encode config of %s: %w", j.ID, err)
	}
	var completed sql.NullTime
	if j.CompletedAt != nil {
		completed = sql.NullTime{Time: j.CompletedAt.UTC(), Valid: true}
	}
	_, err = stmt.ExecContext(ctx,
		string(j.ID), runID, j.UnitID, string(j.Kind), string(cfg), string(j.State), j.Error, j.Polls,
		j.StartedAt.UTC(), completed, now)
	if err != nil {
		return fmt.Errorf("save job %s: %w", j.ID, err)
	}
	return nil
}

// Jobs returns the jobs of a run in the order they were first saved.
func (s *Store) Jobs(ctx context.Context, runID string) ([]*types.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, unit_id, kind, config, state, error, polls, started_at, completed_at
		 FROM jobs WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		var (
			j         types.Job
			id, kind  string
			state     string
			cfg       string
			completed sql.NullTime
		)
		if err := rows.Scan(&id, &j.UnitID, &kind, &cfg, &state, &j.Error, &j.Polls, &j.StartedAt, &completed); err != nil {
			return nil, err
		}
		j.ID = types.JobID(id)
		j.Kind = types.JobKind(kind)
		j.State = types.JobState(state)
		if err := json.Unmarshal([]byte(cfg), &j.Config); err != nil {
			return nil, fmt.Errorf("decode config of %s: %w", id, err)
		}
		if completed.Valid {
			t := completed.Time
			j.CompletedAt = &t
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// SaveReport appends the entries of r to a run.
func (s *Store) SaveReport(ctx context.Context, runID string, r *types.Report) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.now()
	for _, e := range r.Entries {
		result, err := json.Marshal(e.Result)
		if err != nil {
			return fmt.Errorf("encode result of %s: %w", e.UnitID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO batch_entries (run_id, unit_id, batch_id, outcome, duration_ns, items, result, error, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, e.UnitID, e.BatchID, string(e.Outcome), int64(e.Duration), e.ItemsProcessed, string(result), e.Error, now)
		if err != nil {
			return fmt.Errorf("save entry %s: %w", e.UnitID, err)
		}
	}
	return tx.Commit()
}

// Entries returns a run's report entries in insertion order.
func (s *Store) Entries(ctx context.Context, runID string) ([]types.ReportEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT unit_id, batch_id, outcome, duration_ns, items, result, error
		 FROM batch_entries WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []types.ReportEntry
	for rows.Next() {
		var (
			e       types.ReportEntry
			outcome string
			dur     int64
			result  string
		)
		if err := rows.Scan(&e.UnitID, &e.BatchID, &outcome, &dur, &e.ItemsProcessed, &result, &e.Error); err != nil {
			return nil, err
		}
		e.Outcome = types.Outcome(outcome)
		e.Duration = time.Duration(dur)
		if result != "" && result != "null" {
			if err := json.Unmarshal([]byte(result), &e.Result); err != nil {
				return nil, fmt.Errorf("decode result of %s: %w", e.UnitID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
