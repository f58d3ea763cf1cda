package jobmanager

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/geebatch/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var t0 = time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestJob(id string, state types.JobState) *types.Job {
	return &types.Job{
		ID:        types.JobID(id),
		Kind:      types.KindImageExport,
		UnitID:    "tile-" + id,
		State:     state,
		StartedAt: t0,
		Config: types.JobConfig{
			Kind:   types.KindImageExport,
			UnitID: "tile-" + id,
			Params: map[string]interface{}{"scale": 30},
		},
	}
}

func newTestJobManager(t *testing.T, jobs ...*types.Job) *JobManager {
	t.Helper()
	jm, err := FromJobs(jobs)
	require.NoError(t, err)
	return jm
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestRegister(t *testing.T) {
	jm := NewJobManager()

	require.NoError(t, jm.Register(newTestJob("a", types.StateRunning)))
	require.NoError(t, jm.Register(&types.Job{ID: "b"}))

	err := jm.Register(newTestJob("a", types.StateRunning))
	assert.ErrorIs(t, err, ErrDuplicateJob)

	assert.ErrorIs(t, jm.Register(nil), types.ErrInvalidParameter)
	assert.ErrorIs(t, jm.Register(&types.Job{}), types.ErrInvalidParameter)

	b, ok := jm.Get("b")
	require.True(t, ok)
	assert.Equal(t, types.StateCreated, b.State)
	assert.Equal(t, 2, jm.Len())
}

func TestRegisterCopiesInput(t *testing.T) {
	in := newTestJob("a", types.StateRunning)
	jm := newTestJobManager(t, in)

	in.State = types.StateCompleted
	in.Config.Params["scale"] = 10

	got, _ := jm.Get("a")
	assert.Equal(t, types.StateRunning, got.State)
	assert.Equal(t, 30, got.Config.Params["scale"])
}

func TestRegisterTerminalJobIsNotOutstanding(t *testing.T) {
	failed := newTestJob("f", types.StateFailed)
	jm := newTestJobManager(t, newTestJob("a", types.StateRunning), failed)

	assert.Equal(t, []types.JobID{"a"}, jm.Outstanding())
	assert.False(t, jm.Done())
}

func TestApplyTerminalStatus(t *testing.T) {
	jm := newTestJobManager(t, newTestJob("a", types.StateRunning))
	done := t0.Add(time.Minute)

	changed, err := jm.Apply("a", types.RemoteStatus{State: types.StateFailed, Error: "quota"}, done)
	require.NoError(t, err)
	assert.True(t, changed)

	job, _ := jm.Get("a")
	assert.Equal(t, types.StateFailed, job.State)
	assert.Equal(t, "quota", job.Error)
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, done, *job.CompletedAt)
	assert.Equal(t, time.Minute, job.Duration())
	assert.Equal(t, 1, job.Polls)
	assert.True(t, jm.Done())
}

func TestApplyCompletedDropsError(t *testing.T) {
	jm := newTestJobManager(t, newTestJob("a", types.StateRunning))

	_, err := jm.Apply("a", types.RemoteStatus{State: types.StateCompleted, Error: "stray"}, t0)
	require.NoError(t, err)

	job, _ := jm.Get("a")
	assert.Equal(t, types.StateCompleted, job.State)
	assert.Empty(t, job.Error)
}

func TestTerminalJobsAreImmutable(t *testing.T) {
	for _, state := range []types.JobState{types.StateCompleted, types.StateFailed, types.StateCancelled} {
		t.Run(string(state), func(t *testing.T) {
			jm := newTestJobManager(t, newTestJob("a", types.StateRunning))
			_, err := jm.Apply("a", types.RemoteStatus{State: state}, t0)
			require.NoError(t, err)
			before, _ := jm.Get("a")

			_, err = jm.Apply("a", types.RemoteStatus{State: types.StateCompleted}, t0.Add(time.Hour))
			assert.ErrorIs(t, err, ErrTerminal)

			after, _ := jm.Get("a")
			assert.Equal(t, before, after)
		})
	}
}

func TestApplyNonTerminalStatus(t *testing.T) {
	jm := newTestJobManager(t, newTestJob("c", types.StateCreated), newTestJob("r", types.StateRunning))

	changed, err := jm.Apply("c", types.RemoteStatus{State: types.StateRunning}, t0)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = jm.Apply("r", types.RemoteStatus{State: types.StateCreated}, t0)
	require.NoError(t, err)
	assert.False(t, changed, "RUNNING never moves back to CREATED")

	r, _ := jm.Get("r")
	assert.Equal(t, types.StateRunning, r.State)
	assert.Nil(t, r.CompletedAt)
	assert.Equal(t, 1, r.Polls)

	_, err = jm.Apply("missing", types.RemoteStatus{State: types.StateRunning}, t0)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRecordPoll(t *testing.T) {
	jm := newTestJobManager(t, newTestJob("a", types.StateRunning))
	require.NoError(t, jm.RecordPoll("a"))
	require.NoError(t, jm.RecordPoll("a"))
	assert.ErrorIs(t, jm.RecordPoll("b"), ErrJobNotFound)

	a, _ := jm.Get("a")
	assert.Equal(t, 2, a.Polls)
	assert.Equal(t, types.StateRunning, a.State)
}

func TestOrderingAndStats(t *testing.T) {
	jm := newTestJobManager(t,
		newTestJob("z", types.StateRunning),
		newTestJob("a", types.StateRunning),
		newTestJob("m", types.StateFailed),
	)
	_, err := jm.Apply("a", types.RemoteStatus{State: types.StateCompleted}, t0)
	require.NoError(t, err)

	var ids []types.JobID
	for _, j := range jm.Jobs() {
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []types.JobID{"z", "a", "m"}, ids)
	assert.Equal(t, []types.JobID{"z"}, jm.Outstanding())

	stats := jm.Stats()
	assert.Equal(t, 1, stats[types.StateRunning])
	assert.Equal(t, 1, stats[types.StateCompleted])
	assert.Equal(t, 1, stats[types.StateFailed])
	assert.Equal(t, 0, stats[types.StateCancelled])

	m := jm.Map()
	assert.Len(t, m, 3)
	m["z"].State = types.StateCancelled
	z, _ := jm.Get("z")
	assert.Equal(t, types.StateRunning, z.State, "Map returns copies")
}

func TestSnapshotRestore(t *testing.T) {
	jm := newTestJobManager(t,
		newTestJob("b", types.StateRunning),
		newTestJob("a", types.StateRunning),
	)
	_, err := jm.Apply("b", types.RemoteStatus{State: types.StateCompleted}, t0.Add(time.Second))
	require.NoError(t, err)

	snap := jm.Snapshot()
	assert.Equal(t, schemaVersion, snap.SchemaVer)
	assert.Equal(t, []types.JobID{"b", "a"}, snap.Order)
	assert.NotZero(t, snap.SavedAt)

	restored := NewJobManager()
	require.NoError(t, restored.Restore(snap))
	assert.Equal(t, jm.Jobs(), restored.Jobs())
	assert.Equal(t, []types.JobID{"a"}, restored.Outstanding())

	// mutating the snapshot must not leak into either manager
	snap.Jobs["a"].State = types.StateFailed
	a, _ := restored.Get("a")
	assert.Equal(t, types.StateRunning, a.State)
}

func TestRestoreWithoutOrder(t *testing.T) {
	data := types.SnapshotData{
		Jobs: map[types.JobID]*types.Job{
			"c": newTestJob("c", types.StateRunning),
			"a": newTestJob("a", types.StateCompleted),
			"b": newTestJob("b", types.StateRunning),
		},
		Order: []types.JobID{"b", "ghost"},
	}

	jm := NewJobManager()
	require.NoError(t, jm.Restore(data))

	var ids []types.JobID
	for _, j := range jm.Jobs() {
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []types.JobID{"b", "a", "c"}, ids)
	assert.Equal(t, []types.JobID{"b", "c"}, jm.Outstanding())

	assert.Error(t, jm.Restore(types.SnapshotData{SchemaVer: 99}))
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentApply(t *testing.T) {
	const n = 200
	jm := NewJobManager()
	for i := 0; i < n; i++ {
		require.NoError(t, jm.Register(newTestJob(fmt.Sprintf("job-%03d", i), types.StateRunning)))
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := types.JobID(fmt.Sprintf("job-%03d", i))
			_ = jm.RecordPoll(id)
			_, _ = jm.Apply(id, types.RemoteStatus{State: types.StateCompleted}, t0)
			_ = jm.Outstanding()
			_ = jm.Stats()
		}(i)
	}
	wg.Wait()

	assert.True(t, jm.Done())
	assert.Equal(t, n, jm.Stats()[types.StateCompleted])
	for _, j := range jm.Jobs() {
		assert.Equal(t, 2, j.Polls)
	}
}
