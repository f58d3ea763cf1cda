package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/geebatch/internal/worker"
	"github.com/ChuLiYu/geebatch/pkg/types"
)

// Parameters understood by the Simulator. They let tests and demos force
// specific outcomes for individual jobs.
const (
	ParamFail       = "sim_fail"        // bool: job ends FAILED
	ParamStartError = "sim_start_error" // bool: Start returns an error
	ParamLatencyMS  = "sim_latency_ms"  // number: overrides the run time
)

var errCancelled = errors.New("cancelled by request")

// SimulatorConfig holds the tunables of a Simulator. It maps onto the
// `engine` section of the YAML config.
type SimulatorConfig struct {
	Workers         int           `yaml:"workers"`
	Latency         time.Duration `yaml:"latency"`
	Jitter          time.Duration `yaml:"jitter"`
	FailureRate     float64       `yaml:"failure_rate"`
	StatusErrorRate float64       `yaml:"status_error_rate"`
	Seed            int64         `yaml:"seed"`
}

// DefaultSimulatorConfig returns a quick, reliable simulator.
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		Workers: 4,
		Latency: 200 * time.Millisecond,
		Jitter:  100 * time.Millisecond,
	}
}

type simJob struct {
	kind      types.JobKind
	params    map[string]interface{}
	state     types.JobState
	err       string
	cancel    chan struct{}
	cancelled sync.Once
}

func (j *simJob) requestCancel() {
	j.cancelled.Do(func() { close(j.cancel) })
}

// Simulator is an in-process Engine. Jobs run on a worker pool for a
// configurable time and fail at a configurable rate.
type Simulator struct {
	cfg    SimulatorConfig
	logger zerolog.Logger
	pool   *worker.Pool

	mu      sync.Mutex
	jobs    map[types.JobID]*simJob
	rng     *rand.Rand
	entropy *ulid.MonotonicEntropy
	closed  bool

	done chan struct{}
}

// SimulatorOption configures a Simulator.
type SimulatorOption func(*Simulator)

// WithSimulatorLogger sets the logger.
func WithSimulatorLogger(l zerolog.Logger) SimulatorOption {
	return func(s *Simulator) { s.logger = l }
}

// NewSimulator starts a Simulator. Close releases its workers.
func NewSimulator(cfg SimulatorConfig, opts ...SimulatorOption) (*Simulator, error) {
	if cfg.FailureRate < 0 || cfg.FailureRate > 1 {
		return nil, fmt.Errorf("%w: failure rate %v outside [0,1]", types.ErrInvalidParameter, cfg.FailureRate)
	}
	if cfg.StatusErrorRate < 0 || cfg.StatusErrorRate > 1 {
		return nil, fmt.Errorf("%w: status error rate %v outside [0,1]", types.ErrInvalidParameter, cfg.StatusErrorRate)
	}
	if cfg.Latency < 0 || cfg.Jitter < 0 {
		return nil, fmt.Errorf("%w: negative latency", types.ErrInvalidParameter)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	s := &Simulator{
		cfg:     cfg,
		logger:  zerolog.Nop(),
		jobs:    make(map[types.JobID]*simJob),
		rng:     rng,
		entropy: ulid.Monotonic(rng, 0),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.pool = worker.NewPool(cfg.Workers*4, worker.ExecutorFunc(s.execute))
	if err := s.pool.Start(cfg.Workers); err != nil {
		return nil, err
	}
	go s.collect()
	s.logger.Debug().Int("workers", s.pool.GetWorkerCount()).Float64("failure_rate", cfg.FailureRate).Msg("Simulator started")
	return s, nil
}

// Start implements Engine.
func (s *Simulator) Start(ctx context.Context, kind types.JobKind, params map[string]interface{}) (types.JobID, error) {
	if !Supported(kind) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}
	if boolParam(params, ParamStartError) {
		return "", errors.New("simulated start rejection")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrEngineClosed
	}
	id := types.JobID(ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String())
	s.jobs[id] = &simJob{
		kind:   kind,
		params: params,
		state:  types.StateCreated,
		cancel: make(chan struct{}),
	}
	s.mu.Unlock()

	task := worker.Task{ID: id, Kind: kind, Params: params}
	if err := s.pool.Submit(ctx, task); err != nil {
		s.mu.Lock()
		delete(s.jobs, id)
		s.mu.Unlock()
		return "", fmt.Errorf("failed to queue job: %w", err)
	}

	s.logger.Debug().Str("job_id", string(id)).Str("kind", string(kind)).Msg("Job accepted")
	return id, nil
}

// Status implements Engine.
func (s *Simulator) Status(_ context.Context, id types.JobID) (types.RemoteStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return types.RemoteStatus{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if s.cfg.StatusErrorRate > 0 && s.rng.Float64() < s.cfg.StatusErrorRate {
		return types.RemoteStatus{}, errors.New("simulated status backend unavailable")
	}
	return types.RemoteStatus{State: job.state, Error: job.err}, nil
}

// Cancel implements Engine. A job that has not started yet is cancelled
// immediately; a running one is cancelled when its worker notices.
func (s *Simulator) Cancel(_ context.Context, id types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if job.state.IsTerminal() {
		return nil
	}
	job.requestCancel()
	if job.state == types.StateCreated {
		job.state = types.StateCancelled
		job.err = errCancelled.Error()
	}
	return nil
}

// Close stops the workers. Jobs still running stay RUNNING.
func (s *Simulator) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.pool.Stop()
	<-s.done
	return nil
}

func (s *Simulator) execute(ctx context.Context, task worker.Task) error {
	s.mu.Lock()
	job, ok := s.jobs[task.ID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, task.ID)
	}
	if job.state.IsTerminal() {
		s.mu.Unlock()
		return errCancelled
	}
	job.state = types.StateRunning
	d := s.runTimeLocked(task.Params)
	fail := boolParam(task.Params, ParamFail) ||
		(s.cfg.FailureRate > 0 && s.rng.Float64() < s.cfg.FailureRate)
	s.mu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-job.cancel:
		return errCancelled
	case <-t.C:
	}

	if fail {
		return fmt.Errorf("simulated %s failure", task.Kind)
	}
	return nil
}

func (s *Simulator) runTimeLocked(params map[string]interface{}) time.Duration {
	if ms, ok := numberParam(params, ParamLatencyMS); ok && ms >= 0 {
		return time.Duration(ms * float64(time.Millisecond))
	}
	d := s.cfg.Latency
	if s.cfg.Jitter > 0 {
		d += time.Duration(s.rng.Int63n(int64(s.cfg.Jitter)))
	}
	return d
}

// collect moves jobs to their terminal state as results arrive.
func (s *Simulator) collect() {
	defer close(s.done)
	for r := range s.pool.Results() {
		s.mu.Lock()
		job, ok := s.jobs[r.JobID]
		if !ok || job.state.IsTerminal() {
			s.mu.Unlock()
			continue
		}
		switch {
		case r.Success:
			job.state = types.StateCompleted
		case errors.Is(r.Error, errCancelled):
			job.state = types.StateCancelled
			job.err = errCancelled.Error()
		default:
			job.state = types.StateFailed
			job.err = r.Error.Error()
		}
		state := job.state
		s.mu.Unlock()

		s.logger.Debug().
			Str("job_id", string(r.JobID)).
			Str("state", string(state)).
			Dur("duration", r.Duration).
			Msg("Job finished")
	}
}

func boolParam(params map[string]interface{}, key string) bool {
	v, ok := params[key].(bool)
	return ok && v
}

func numberParam(params map[string]interface{}, key string) (float64, bool) {
	switch v := params[key].(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
