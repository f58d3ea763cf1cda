// ============================================================================
// geebatch Controller - end-to-end orchestration
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: Drive one orchestration run from units to a report.
//
// Pipeline:
//   region / date range ──► tiles / periods ──► JobConfigs (caller mapping)
//       ──► Launcher ──► Jobs ──► Monitor ──► terminal Jobs ──► Report
//
//   item count ──► batch.Runner ──► Report
//
// Persistence (both optional):
//   store.Store       - run ledger: the run row, every job, batch entries.
//                       Job rows are rewritten on each monitor transition.
//   snapshot.Manager  - JSON job map written after launch and on every
//                       terminal transition, so `geebatch monitor` can pick
//                       up the same jobs in another process.
//
// Cancellation:
//   A cancelled context stops launching and monitoring. The run is marked
//   "interrupted" and remote jobs keep running; they can be cancelled out of
//   band with Cancel.
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/geebatch/internal/batch"
	"github.com/ChuLiYu/geebatch/internal/engine"
	"github.com/ChuLiYu/geebatch/internal/geo"
	"github.com/ChuLiYu/geebatch/internal/jobmanager"
	"github.com/ChuLiYu/geebatch/internal/launcher"
	"github.com/ChuLiYu/geebatch/internal/monitor"
	"github.com/ChuLiYu/geebatch/internal/report"
	"github.com/ChuLiYu/geebatch/internal/snapshot"
	"github.com/ChuLiYu/geebatch/internal/store"
	"github.com/ChuLiYu/geebatch/internal/temporal"
	"github.com/ChuLiYu/geebatch/pkg/types"
)

// Run kinds recorded in the ledger.
const (
	RunGrid    = "grid"
	RunPeriods = "periods"
	RunBatches = "batches"
	RunLaunch  = "launch"
)

// Result is the outcome of one run.
type Result struct {
	RunID  string
	Jobs   []*types.Job // launch order; empty for batch runs
	Report *types.Report
}

// Controller wires the launcher, monitor and batch runner to an engine and
// the optional ledger and snapshot.
type Controller struct {
	engine      engine.Engine
	launcher    *launcher.Launcher
	monitorOpts []monitor.Option
	runner      *batch.Runner
	store       *store.Store
	snapshot    *snapshot.Manager
	backups     int        // snapshot copies kept when a new run starts
	snapMu      sync.Mutex // orders snapshot reads of the job map with writes
	logger      zerolog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

func WithLauncher(l *launcher.Launcher) Option {
	return func(c *Controller) { c.launcher = l }
}

// WithMonitorOptions sets the options used for every monitor the controller
// creates. OnTransition is reserved for the controller.
func WithMonitorOptions(opts ...monitor.Option) Option {
	return func(c *Controller) { c.monitorOpts = append(c.monitorOpts, opts...) }
}

func WithRunner(r *batch.Runner) Option {
	return func(c *Controller) { c.runner = r }
}

func WithStore(s *store.Store) Option {
	return func(c *Controller) { c.store = s }
}

func WithSnapshot(m *snapshot.Manager) Option {
	return func(c *Controller) { c.snapshot = m }
}

// WithSnapshotBackups keeps up to n previous snapshots when a launch
// replaces the current one.
func WithSnapshotBackups(n int) Option {
	return func(c *Controller) { c.backups = n }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// New creates a Controller for eng. Without WithLauncher or WithRunner the
// package defaults are used.
func New(eng engine.Engine, opts ...Option) *Controller {
	c := &Controller{
		engine: eng,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.launcher == nil {
		c.launcher = launcher.New(eng, launcher.WithLogger(c.logger))
	}
	if c.runner == nil {
		c.runner = batch.NewRunner(batch.WithLogger(c.logger))
	}
	return c
}

// RunGrid tiles region, maps every tile to a job config with fn and runs
// the jobs to completion.
func (c *Controller) RunGrid(ctx context.Context, region geo.Region, cellSize float64, fn func(types.Tile) types.JobConfig) (*Result, error) {
	tiles, err := geo.Partition(region, cellSize)
	if err != nil {
		return nil, err
	}
	c.logger.Info().Int("tiles", len(tiles)).Float64("cell_size", cellSize).Msg("Region partitioned")

	configs := make([]types.JobConfig, len(tiles))
	for i, t := range tiles {
		configs[i] = fn(t)
	}
	return c.Run(ctx, RunGrid, fmt.Sprintf("%d tiles of %g", len(tiles), cellSize), configs)
}

// RunTimeSeries splits [start, end) into periods of stepDays, maps every
// period to a job config with fn and runs the jobs to completion.
func (c *Controller) RunTimeSeries(ctx context.Context, start, end time.Time, stepDays int, fn func(types.Period) types.JobConfig) (*Result, error) {
	periods, err := temporal.Partition(start, end, stepDays)
	if err != nil {
		return nil, err
	}
	c.logger.Info().
		Int("periods", len(periods)).
		Str("range", temporal.Label(types.Period{Start: start, End: end})).
		Msg("Date range partitioned")

	configs := make([]types.JobConfig, len(periods))
	for i, p := range periods {
		configs[i] = fn(p)
	}
	return c.Run(ctx, RunPeriods, fmt.Sprintf("%d periods of %d days", len(periods), stepDays), configs)
}

// Run launches configs, monitors the jobs until all are terminal and builds
// the report. On cancellation or a sweep limit the partial result is
// returned with the error.
func (c *Controller) Run(ctx context.Context, kind, description string, configs []types.JobConfig) (*Result, error) {
	res, jm, err := c.launch(ctx, kind, description, configs)
	if err != nil {
		return res, err
	}

	err = c.track(ctx, res.RunID, jm)
	res.Jobs = orderedJobs(jm, res.Jobs)
	res.Report = report.FromJobs(res.Jobs)
	c.finish(res.RunID, err)
	return res, err
}

// Launch only starts the jobs. They are recorded in the ledger and the
// snapshot for a later Monitor call.
func (c *Controller) Launch(ctx context.Context, configs []types.JobConfig) (*Result, error) {
	res, _, err := c.launch(ctx, RunLaunch, fmt.Sprintf("%d jobs", len(configs)), configs)
	if err != nil {
		return res, err
	}
	c.logger.Info().Str("run_id", res.RunID).Int("jobs", len(res.Jobs)).Msg("Jobs launched, monitor pending")
	return res, nil
}

// Monitor resumes the jobs held in the snapshot and runs them to
// completion. runID names the ledger run to update; it may be empty.
func (c *Controller) Monitor(ctx context.Context, runID string) (*Result, error) {
	if c.snapshot == nil {
		return nil, errors.New("monitor needs a snapshot")
	}
	data, err := c.snapshot.Load()
	if err != nil {
		return nil, err
	}
	jm := jobmanager.NewJobManager()
	if err := jm.Restore(data); err != nil {
		return nil, err
	}
	c.logger.Info().Str("path", c.snapshot.GetPath()).Int("jobs", jm.Len()).Msg("Snapshot loaded")

	err = c.track(ctx, runID, jm)
	res := &Result{RunID: runID, Jobs: jm.Jobs()}
	res.Report = report.FromJobs(res.Jobs)
	if runID != "" {
		c.finish(runID, err)
	}
	return res, err
}

// RunBatches processes [0, total) in batches of size with fn.
func (c *Controller) RunBatches(ctx context.Context, total, size int, fn batch.ProcessFunc) (*Result, error) {
	runID, err := c.createRun(ctx, RunBatches, fmt.Sprintf("%d items in batches of %d", total, size))
	if err != nil {
		return nil, err
	}

	rep, err := c.runner.Run(ctx, total, size, fn)
	res := &Result{RunID: runID, Report: rep}
	if rep == nil {
		c.finish(runID, err)
		return res, err
	}
	if c.store != nil {
		if serr := c.store.SaveReport(context.WithoutCancel(ctx), runID, rep); serr != nil {
			c.logger.Error().Err(serr).Str("run_id", runID).Msg("Failed to save batch entries")
		}
	}
	c.finish(runID, err)
	return res, err
}

// Cancel asks the engine to cancel every id. All ids are attempted; the
// errors are joined.
func (c *Controller) Cancel(ctx context.Context, ids []types.JobID) error {
	var errs []error
	for _, id := range ids {
		if err := c.engine.Cancel(ctx, id); err != nil {
			c.logger.Warn().Err(err).Str("job_id", string(id)).Msg("Cancel failed")
			errs = append(errs, fmt.Errorf("cancel %s: %w", id, err))
			continue
		}
		c.logger.Info().Str("job_id", string(id)).Msg("Cancel requested")
	}
	return errors.Join(errs...)
}

// Status summarizes the snapshot and the most recent ledger runs.
type Status struct {
	SnapshotPath string
	Jobs         map[types.JobState]int
	Runs         []store.Run
}

func (c *Controller) Status(ctx context.Context, recent int) (*Status, error) {
	st := &Status{Jobs: map[types.JobState]int{}}
	if c.snapshot != nil {
		st.SnapshotPath = c.snapshot.GetPath()
		if c.snapshot.Exists() {
			data, err := c.snapshot.Load()
			if err != nil {
				return nil, err
			}
			jm := jobmanager.NewJobManager()
			if err := jm.Restore(data); err != nil {
				return nil, err
			}
			st.Jobs = jm.Stats()
		}
	}
	if c.store != nil {
		runs, err := c.store.ListRuns(ctx)
		if err != nil {
			return nil, err
		}
		if recent > 0 && len(runs) > recent {
			runs = runs[:recent]
		}
		st.Runs = runs
	}
	return st, nil
}

func (c *Controller) launch(ctx context.Context, kind, description string, configs []types.JobConfig) (*Result, *jobmanager.JobManager, error) {
	runID, err := c.createRun(ctx, kind, description)
	if err != nil {
		return nil, nil, err
	}
	logger := c.logger.With().Str("run_id", runID).Logger()
	logger.Info().Str("kind", kind).Int("configs", len(configs)).Msg("Run started")

	jobs, err := c.launcher.Launch(ctx, configs)
	res := &Result{RunID: runID, Jobs: jobs}

	jm, ferr := jobmanager.FromJobs(jobs)
	if ferr != nil {
		return res, nil, ferr
	}
	c.persist(runID, jm, jobs)

	if err != nil {
		res.Report = report.FromJobs(jobs)
		c.finish(runID, err)
		return res, jm, err
	}
	return res, jm, nil
}

func (c *Controller) track(ctx context.Context, runID string, jm *jobmanager.JobManager) error {
	opts := append([]monitor.Option{}, c.monitorOpts...)
	opts = append(opts, monitor.OnTransition(func(j types.Job) {
		if c.store != nil && runID != "" {
			if err := c.store.UpdateJob(context.WithoutCancel(ctx), runID, j); err != nil {
				c.logger.Error().Err(err).Str("job_id", string(j.ID)).Msg("Failed to record transition")
			}
		}
		if j.State.IsTerminal() {
			c.writeSnapshot(jm, false)
		}
	}))
	err := monitor.New(c.engine, opts...).Track(ctx, jm)
	c.writeSnapshot(jm, false)
	return err
}

func (c *Controller) persist(runID string, jm *jobmanager.JobManager, jobs []*types.Job) {
	if c.store != nil {
		if err := c.store.SaveJobs(context.Background(), runID, jobs); err != nil {
			c.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to save jobs")
		}
	}
	c.writeSnapshot(jm, true)
}

// writeSnapshot saves the job map. backup moves the previous snapshot aside
// first when backups are enabled.
func (c *Controller) writeSnapshot(jm *jobmanager.JobManager, backup bool) {
	if c.snapshot == nil {
		return
	}
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	var err error
	if backup && c.backups > 0 {
		err = c.snapshot.WriteWithBackup(jm.Snapshot(), c.backups)
	} else {
		err = c.snapshot.Write(jm.Snapshot())
	}
	if err != nil {
		c.logger.Error().Err(err).Str("path", c.snapshot.GetPath()).Msg("Failed to write snapshot")
	}
}

func (c *Controller) createRun(ctx context.Context, kind, description string) (string, error) {
	runID := store.NewRunID()
	if c.store == nil {
		return runID, nil
	}
	if _, err := c.store.CreateRun(ctx, runID, kind, description); err != nil {
		return "", err
	}
	return runID, nil
}

// finish records the final run status. It uses a fresh context so an
// interrupted run is still marked.
func (c *Controller) finish(runID string, runErr error) {
	status := store.RunCompleted
	if runErr != nil {
		status = store.RunInterrupted
	}
	if c.store != nil {
		if err := c.store.FinishRun(context.Background(), runID, status); err != nil {
			c.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to finish run")
		}
	}
	c.logger.Info().Str("run_id", runID).Str("status", status).Msg("Run finished")
}

// orderedJobs returns the current state of launched, in launch order.
func orderedJobs(jm *jobmanager.JobManager, launched []*types.Job) []*types.Job {
	out := make([]*types.Job, 0, len(launched))
	for _, j := range launched {
		if cur, ok := jm.Get(j.ID); ok {
			out = append(out, cur)
		}
	}
	return out
}
