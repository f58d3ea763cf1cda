// ============================================================================
// geebatch Job Manager - remote job state machine
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Purpose: Track launched remote jobs and enforce their lifecycle.
//
// Layout:
//   jobs map[JobID]*Job - single source of truth
//   order []JobID       - launch order, used for every listing
//   outstanding map     - index of non-terminal jobs, drives monitor sweeps
//
// State machine:
//   CREATED ──► RUNNING ──► COMPLETED | FAILED | CANCELLED
//      └──────────────────► FAILED             (launch failure)
//
// Rules:
//   - Terminal jobs are immutable. Any further transition returns
//     ErrTerminal and leaves the job untouched.
//   - A non-terminal remote status never moves a job backwards.
//   - Jobs are never deleted.
//
// Concurrency:
//   sync.RWMutex guards all fields. Callers receive copies, never the
//   internal pointers, so monitor goroutines can poll distinct jobs in
//   parallel and write back through Apply.
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ChuLiYu/geebatch/pkg/types"
)

const schemaVersion = 1

var (
	ErrDuplicateJob = errors.New("job already exists")
	ErrJobNotFound  = errors.New("job not found")
	ErrTerminal     = errors.New("job already terminal")
)

// JobManager holds the job map for one orchestration run.
type JobManager struct {
	mu          sync.RWMutex
	jobs        map[types.JobID]*types.Job
	order       []types.JobID
	outstanding map[types.JobID]struct{}
}

// NewJobManager returns an empty manager.
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:        make(map[types.JobID]*types.Job),
		order:       make([]types.JobID, 0),
		outstanding: make(map[types.JobID]struct{}),
	}
}

// FromJobs builds a manager holding jobs in the given order.
func FromJobs(jobs []*types.Job) (*JobManager, error) {
	jm := NewJobManager()
	for _, j := range jobs {
		if err := jm.Register(j); err != nil {
			return nil, err
		}
	}
	return jm, nil
}

// Register adds a copy of job. Jobs without a state are treated as CREATED.
func (jm *JobManager) Register(job *types.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("%w: job without id", types.ErrInvalidParameter)
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}

	c := copyJob(job)
	if c.State == "" {
		c.State = types.StateCreated
	}
	jm.jobs[c.ID] = c
	jm.order = append(jm.order, c.ID)
	if !c.State.IsTerminal() {
		jm.outstanding[c.ID] = struct{}{}
	}
	return nil
}

// Apply records one status read for id. A terminal status finalizes the job
// with CompletedAt = at. It reports whether the job's state changed.
func (jm *JobManager) Apply(id types.JobID, status types.RemoteStatus, at time.Time) (bool, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.mutableLocked(id)
	if err != nil {
		return false, err
	}
	job.Polls++

	switch {
	case status.State.IsTerminal():
		job.State = status.State
		job.Error = ""
		if status.State != types.StateCompleted {
			job.Error = status.Error
		}
		done := at
		job.CompletedAt = &done
		delete(jm.outstanding, id)
		return true, nil
	case status.State == types.StateRunning && job.State == types.StateCreated:
		job.State = types.StateRunning
		return true, nil
	default:
		return false, nil
	}
}

// RecordPoll counts a status read that did not produce a status.
func (jm *JobManager) RecordPoll(id types.JobID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	job.Polls++
	return nil
}

func (jm *JobManager) mutableLocked(id types.JobID) (*types.Job, error) {
	job, ok := jm.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.State.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, id, job.State)
	}
	return job, nil
}

// Outstanding lists non-terminal job ids in launch order.
func (jm *JobManager) Outstanding() []types.JobID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	ids := make([]types.JobID, 0, len(jm.outstanding))
	for _, id := range jm.order {
		if _, ok := jm.outstanding[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Done reports whether every job is terminal.
func (jm *JobManager) Done() bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.outstanding) == 0
}

// Get returns a copy of the job.
func (jm *JobManager) Get(id types.JobID) (*types.Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, ok := jm.jobs[id]
	if !ok {
		return nil, false
	}
	return copyJob(job), true
}

// Jobs returns copies of all jobs in launch order.
func (jm *JobManager) Jobs() []*types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]*types.Job, 0, len(jm.order))
	for _, id := range jm.order {
		out = append(out, copyJob(jm.jobs[id]))
	}
	return out
}

// Map returns copies of all jobs keyed by id.
func (jm *JobManager) Map() map[types.JobID]*types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make(map[types.JobID]*types.Job, len(jm.jobs))
	for id, job := range jm.jobs {
		out[id] = copyJob(job)
	}
	return out
}

// Len returns the number of registered jobs.
func (jm *JobManager) Len() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.jobs)
}

// Stats counts jobs per state.
func (jm *JobManager) Stats() map[types.JobState]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := map[types.JobState]int{
		types.StateCreated:   0,
		types.StateRunning:   0,
		types.StateCompleted: 0,
		types.StateFailed:    0,
		types.StateCancelled: 0,
	}
	for _, job := range jm.jobs {
		stats[job.State]++
	}
	return stats
}

// Snapshot serializes the current job map.
func (jm *JobManager) Snapshot() types.SnapshotData {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make(map[types.JobID]*types.Job, len(jm.jobs))
	for id, job := range jm.jobs {
		jobs[id] = copyJob(job)
	}
	order := make([]types.JobID, len(jm.order))
	copy(order, jm.order)

	return types.SnapshotData{
		Jobs:      jobs,
		Order:     order,
		SchemaVer: schemaVersion,
		SavedAt:   time.Now().UnixMilli(),
	}
}

// Restore replaces the manager's content with data. Jobs missing from
// data.Order are appended in id order so that none is lost.
func (jm *JobManager) Restore(data types.SnapshotData) error {
	if data.SchemaVer != 0 && data.SchemaVer != schemaVersion {
		return fmt.Errorf("unsupported snapshot schema version %d", data.SchemaVer)
	}

	jobs := make(map[types.JobID]*types.Job, len(data.Jobs))
	order := make([]types.JobID, 0, len(data.Jobs))
	outstanding := make(map[types.JobID]struct{})

	seen := make(map[types.JobID]bool, len(data.Jobs))
	add := func(id types.JobID) {
		job, ok := data.Jobs[id]
		if !ok || job == nil || seen[id] {
			return
		}
		seen[id] = true
		c := copyJob(job)
		c.ID = id
		jobs[id] = c
		order = append(order, id)
		if !c.State.IsTerminal() {
			outstanding[id] = struct{}{}
		}
	}
	for _, id := range data.Order {
		add(id)
	}
	for _, id := range sortedIDs(data.Jobs) {
		add(id)
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.jobs = jobs
	jm.order = order
	jm.outstanding = outstanding
	return nil
}

func copyJob(j *types.Job) *types.Job {
	c := *j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Config.Params != nil {
		c.Config.Params = make(map[string]interface{}, len(j.Config.Params))
		for k, v := range j.Config.Params {
			c.Config.Params[k] = v
		}
	}
	return &c
}

func sortedIDs(jobs map[types.JobID]*types.Job) []types.JobID {
	ids := make([]types.JobID, 0, len(jobs))
	for id := range jobs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
