// Package launcher starts one remote job per job config and records the
// launched or failed Job for each.
package launcher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/geebatch/internal/batch"
	"github.com/ChuLiYu/geebatch/internal/engine"
	"github.com/ChuLiYu/geebatch/internal/metrics"
	"github.com/ChuLiYu/geebatch/pkg/types"
)

// DefaultPause separates consecutive launches.
const DefaultPause = 2 * time.Second

// UnlaunchedPrefix marks ids of jobs the engine never accepted.
const UnlaunchedPrefix = "unlaunched-"

// Launcher submits jobs to an engine in input order.
type Launcher struct {
	engine  engine.Engine
	pause   time.Duration
	logger  zerolog.Logger
	metrics *metrics.Collector
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithPause sets the pause between launches. Zero disables it.
func WithPause(d time.Duration) Option {
	return func(l *Launcher) {
		if d >= 0 {
			l.pause = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(lg zerolog.Logger) Option {
	return func(l *Launcher) { l.logger = lg }
}

// WithMetrics records launch attempts on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(l *Launcher) { l.metrics = c }
}

// WithSleep replaces the pause implementation.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Launcher) {
		if fn != nil {
			l.sleep = fn
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Launcher) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a Launcher for eng.
func New(eng engine.Engine, opts ...Option) *Launcher {
	l := &Launcher{
		engine: eng,
		pause:  DefaultPause,
		logger: zerolog.Nop(),
		sleep:  batch.Sleep,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Launch starts one job per config and returns the jobs in input order. A
// config that fails to launch yields a FAILED job and launching continues.
// The error is non-nil only when ctx is cancelled; the configs not yet
// launched are then returned as FAILED jobs as well.
func (l *Launcher) Launch(ctx context.Context, configs []types.JobConfig) ([]*types.Job, error) {
	l.logger.Info().Int("jobs", len(configs)).Msg("Launching jobs")

	jobs := make([]*types.Job, 0, len(configs))
	for i, cfg := range configs {
		if err := ctx.Err(); err != nil {
			jobs = append(jobs, l.abandon(configs[i:], err)...)
			return jobs, err
		}

		job := l.launchOne(ctx, cfg)
		jobs = append(jobs, job)

		if i < len(configs)-1 && l.pause > 0 {
			if err := l.sleep(ctx, l.pause); err != nil {
				jobs = append(jobs, l.abandon(configs[i+1:], err)...)
				return jobs, err
			}
		}
	}

	launched := 0
	for _, j := range jobs {
		if j.State == types.StateRunning {
			launched++
		}
	}
	l.logger.Info().Int("launched", launched).Int("failed", len(jobs)-launched).Msg("Launch finished")
	return jobs, nil
}

func (l *Launcher) launchOne(ctx context.Context, cfg types.JobConfig) *types.Job {
	job := &types.Job{
		Kind:   cfg.Kind,
		UnitID: cfg.UnitID,
		Config: cfg,
		State:  types.StateCreated,
	}

	params, err := Params(cfg)
	if err != nil {
		return l.fail(job, err)
	}

	id, err := l.engine.Start(ctx, cfg.Kind, params)
	if err != nil {
		return l.fail(job, err)
	}

	job.ID = id
	job.State = types.StateRunning
	job.StartedAt = l.now()
	l.metrics.RecordLaunch(cfg.Kind, true)
	l.logger.Info().
		Str("job_id", string(id)).
		Str("unit_id", cfg.UnitID).
		Str("kind", string(cfg.Kind)).
		Msg("Job started")
	return job
}

func (l *Launcher) fail(job *types.Job, cause error) *types.Job {
	err := &types.UnitError{
		UnitID: job.UnitID,
		Op:     "launch",
		Err:    fmt.Errorf("%w: %w", types.ErrLaunchFailure, cause),
	}
	now := l.now()
	job.ID = types.JobID(UnlaunchedPrefix + uuid.NewString())
	job.State = types.StateFailed
	job.Error = err.Error()
	job.StartedAt = now
	job.CompletedAt = &now

	l.metrics.RecordLaunch(job.Kind, false)
	l.logger.Error().Err(err).Str("unit_id", job.UnitID).Msg("Job failed to launch")
	return job
}

func (l *Launcher) abandon(rest []types.JobConfig, cause error) []*types.Job {
	l.logger.Warn().Err(cause).Int("remaining", len(rest)).Msg("Launch interrupted")
	jobs := make([]*types.Job, 0, len(rest))
	for _, cfg := range rest {
		jobs = append(jobs, l.fail(&types.Job{Kind: cfg.Kind, UnitID: cfg.UnitID, Config: cfg}, cause))
	}
	return jobs
}

// Params returns the engine parameters for cfg: per-kind defaults, then the
// caller's params, then a description. Unknown kinds are rejected.
func Params(cfg types.JobConfig) (map[string]interface{}, error) {
	var defaults map[string]interface{}
	switch cfg.Kind {
	case types.KindImageExport:
		defaults = map[string]interface{}{"file_format": "GeoTIFF", "max_pixels": 1e13}
	case types.KindTableExport:
		defaults = map[string]interface{}{"file_format": "CSV"}
	case types.KindVideoExport:
		defaults = map[string]interface{}{"frames_per_second": 12, "max_frames": 1000}
	case types.KindCompute:
		defaults = map[string]interface{}{}
	default:
		return nil, fmt.Errorf("%w: unknown job kind %q", types.ErrInvalidParameter, cfg.Kind)
	}

	params := make(map[string]interface{}, len(defaults)+len(cfg.Params)+1)
	for k, v := range defaults {
		params[k] = v
	}
	for k, v := range cfg.Params {
		params[k] = v
	}

	desc := cfg.Description
	if desc == "" {
		desc = fmt.Sprintf("%s_%s", cfg.Kind, cfg.UnitID)
	}
	params["description"] = desc
	return params, nil
}
