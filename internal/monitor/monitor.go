// Package monitor polls launched jobs until every one is terminal.
package monitor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/geebatch/internal/batch"
	"github.com/ChuLiYu/geebatch/internal/engine"
	"github.com/ChuLiYu/geebatch/internal/jobmanager"
	"github.com/ChuLiYu/geebatch/internal/metrics"
	"github.com/ChuLiYu/geebatch/pkg/types"
)

const (
	DefaultPollInterval = 30 * time.Second
	DefaultConcurrency  = 4
)

// ErrSweepLimit is returned when jobs are still outstanding after MaxSweeps.
var ErrSweepLimit = errors.New("sweep limit reached")

// TransitionFunc observes a job after its state changed.
type TransitionFunc func(job types.Job)

// Monitor sweeps outstanding jobs against an engine.
type Monitor struct {
	engine       engine.Engine
	pollInterval time.Duration
	concurrency  int
	maxSweeps    int
	onTransition TransitionFunc
	logger       zerolog.Logger
	metrics      *metrics.Collector
	sleep        func(ctx context.Context, d time.Duration) error
	now          func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithPollInterval sets the sleep between sweeps.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d >= 0 {
			m.pollInterval = d
		}
	}
}

// WithConcurrency bounds the status queries in flight during a sweep.
// 1 polls sequentially.
func WithConcurrency(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithMaxSweeps stops AwaitCompletion after n sweeps. Zero means no limit.
// Status errors, engine.ErrUnknownJob included, are retried every sweep, so
// with no limit a job the engine has forgotten keeps the loop running.
func WithMaxSweeps(n int) Option {
	return func(m *Monitor) {
		if n >= 0 {
			m.maxSweeps = n
		}
	}
}

// OnTransition registers fn to run after every state change. With
// concurrency above 1, fn is called from several goroutines.
func OnTransition(fn TransitionFunc) Option {
	return func(m *Monitor) { m.onTransition = fn }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(m *Monitor) { m.metrics = c }
}

// WithSleep replaces the inter-sweep sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Monitor) {
		if fn != nil {
			m.sleep = fn
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// New creates a Monitor for eng.
func New(eng engine.Engine, opts ...Option) *Monitor {
	m := &Monitor{
		engine:       eng,
		pollInterval: DefaultPollInterval,
		concurrency:  DefaultConcurrency,
		logger:       zerolog.Nop(),
		sleep:        batch.Sleep,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AwaitCompletion polls every non-terminal job until all are terminal and
// returns the resulting map. The input map is not modified.
//
// A failed status query leaves the job untouched for the next sweep. When ctx
// is cancelled or the sweep limit is hit, the partially terminal map is
// returned together with the error.
func (m *Monitor) AwaitCompletion(ctx context.Context, jobs map[types.JobID]*types.Job) (map[types.JobID]*types.Job, error) {
	if err := checkJobs(jobs); err != nil {
		return nil, err
	}
	jm, err := jobmanager.FromJobs(launchOrder(jobs))
	if err != nil {
		return nil, err
	}
	if err := m.Track(ctx, jm); err != nil {
		return jm.Map(), err
	}
	return jm.Map(), nil
}

// Track runs the sweep loop on jobs already held by jm.
func (m *Monitor) Track(ctx context.Context, jm *jobmanager.JobManager) error {
	total := jm.Len()
	m.logger.Info().
		Int("jobs", total).
		Int("outstanding", len(jm.Outstanding())).
		Dur("poll_interval", m.pollInterval).
		Msg("Monitoring jobs")

	for sweep := 1; !jm.Done(); sweep++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := m.Sweep(ctx, jm)
		if err != nil {
			return err
		}
		m.logger.Info().
			Int("sweep", sweep).
			Int("completed", res.Finished).
			Int("transient_errors", res.Transient).
			Int("outstanding", res.Outstanding).
			Msg("Sweep finished")

		if res.Outstanding == 0 {
			break
		}
		if m.maxSweeps > 0 && sweep >= m.maxSweeps {
			return fmt.Errorf("%w: %d jobs outstanding after %d sweeps", ErrSweepLimit, res.Outstanding, sweep)
		}
		if err := m.sleep(ctx, m.pollInterval); err != nil {
			return err
		}
	}

	stats := jm.Stats()
	m.logger.Info().
		Int("completed", stats[types.StateCompleted]).
		Int("failed", stats[types.StateFailed]).
		Int("cancelled", stats[types.StateCancelled]).
		Msg("All jobs terminal")
	return nil
}

// SweepResult summarizes one pass over the outstanding jobs.
type SweepResult struct {
	Polled      int
	Finished    int
	Transient   int
	Outstanding int
}

// Sweep queries every outstanding job once. Only cancellation of ctx is
// returned as an error.
func (m *Monitor) Sweep(ctx context.Context, jm *jobmanager.JobManager) (SweepResult, error) {
	ids := jm.Outstanding()

	var finished, transient atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(m.concurrency)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		id := id
		g.Go(func() error {
			done, err := m.poll(ctx, jm, id)
			switch {
			case err != nil && ctx.Err() != nil:
				return ctx.Err()
			case err != nil:
				transient.Add(1)
			case done:
				finished.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return SweepResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return SweepResult{}, err
	}

	res := SweepResult{
		Polled:      len(ids),
		Finished:    int(finished.Load()),
		Transient:   int(transient.Load()),
		Outstanding: len(jm.Outstanding()),
	}
	m.metrics.RecordSweep(res.Outstanding)
	return res, nil
}

// poll reads one job's remote status and applies it. It reports whether the
// job became terminal.
func (m *Monitor) poll(ctx context.Context, jm *jobmanager.JobManager, id types.JobID) (bool, error) {
	st, err := m.engine.Status(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return false, err
		}
		qerr := &types.UnitError{UnitID: string(id), Op: "status", Err: fmt.Errorf("%w: %w", types.ErrTransientQuery, err)}
		_ = jm.RecordPoll(id)
		m.metrics.RecordStatusError()
		m.logger.Warn().Err(qerr).Str("job_id", string(id)).Msg("Status query failed, retrying next sweep")
		return false, qerr
	}

	if msg := terminalMessage(st); msg != "" {
		st.Error = msg
	}
	changed, err := jm.Apply(id, st, m.now())
	if err != nil {
		// Already terminal; nothing to record.
		m.logger.Debug().Err(err).Str("job_id", string(id)).Msg("Status ignored")
		return false, nil
	}
	if !changed {
		return false, nil
	}

	job, _ := jm.Get(id)
	if job.State.IsTerminal() {
		m.metrics.RecordTerminal(job.State, job.Duration())
		var ev *zerolog.Event
		if job.State == types.StateCompleted {
			ev = m.logger.Info()
		} else {
			ev = m.logger.Warn().Str("error", job.Error)
		}
		ev.Str("job_id", string(id)).
			Str("unit_id", job.UnitID).
			Str("state", string(job.State)).
			Dur("duration", job.Duration()).
			Msg("Job finished")
	}
	if m.onTransition != nil {
		m.onTransition(*job)
	}
	return job.State.IsTerminal(), nil
}

// terminalMessage returns the error text recorded for a FAILED or CANCELLED
// status, or "" for any other state.
func terminalMessage(st types.RemoteStatus) string {
	if err := types.TerminalError(st.State, st.Error); err != nil {
		return err.Error()
	}
	return ""
}

// checkJobs rejects entries that would not come back under their own key.
func checkJobs(jobs map[types.JobID]*types.Job) error {
	for id, j := range jobs {
		switch {
		case j == nil:
			return fmt.Errorf("%w: job %s is nil", types.ErrInvalidParameter, id)
		case j.ID != id:
			return fmt.Errorf("%w: job %s stored under key %s", types.ErrInvalidParameter, j.ID, id)
		}
	}
	return nil
}

// launchOrder sorts jobs by start time, then id.
func launchOrder(jobs map[types.JobID]*types.Job) []*types.Job {
	out := make([]*types.Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j)
	}
	slices.SortFunc(out, func(a, b *types.Job) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
