// ============================================================================
// geebatch Recovery Test Suite
// ============================================================================
//
// Package: test/integration
// File: recovery_test.go
// Purpose: End-to-end runs against a simulated engine served over gRPC
//
// TestLaunchThenMonitorAcrossControllers:
//   One controller launches and exits without monitoring. A second
//   controller with its own connection picks the jobs up from the snapshot
//   and finishes the ledger run.
//
// TestInterruptedRunResumes:
//   A run is cancelled while jobs are still running remotely. Monitoring the
//   snapshot afterwards accounts for every unit exactly once.
//
// TestFailuresAreReportedNotLost:
//   With a 50% remote failure rate and flaky status reads, every unit still
//   ends up in the report as a success or a failure.
//
// ============================================================================

package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/geebatch/internal/controller"
	"github.com/ChuLiYu/geebatch/internal/engine"
	"github.com/ChuLiYu/geebatch/internal/geo"
	"github.com/ChuLiYu/geebatch/internal/report"
	"github.com/ChuLiYu/geebatch/internal/store"
	"github.com/ChuLiYu/geebatch/internal/temporal"
	"github.com/ChuLiYu/geebatch/pkg/types"
)

func TestLaunchThenMonitorAcrossControllers(t *testing.T) {
	rem := startRemote(t, engine.SimulatorConfig{Workers: 4, Latency: 20 * time.Millisecond, Seed: 7})
	ws := newWorkspace(t)

	start, err := temporal.ParseDate("2023-01-01")
	require.NoError(t, err)
	end, err := temporal.ParseDate("2023-12-31")
	require.NoError(t, err)
	periods, err := temporal.Partition(start, end, 30)
	require.NoError(t, err)
	require.Len(t, periods, 13)

	mapping := controller.PeriodJob(types.KindImageExport, map[string]interface{}{"scale": 30.0})
	configs := make([]types.JobConfig, len(periods))
	for i, p := range periods {
		configs[i] = mapping(p)
	}

	launched, err := ws.controller(rem.dial(t)).Launch(context.Background(), configs)
	require.NoError(t, err)
	require.Len(t, launched.Jobs, 13)
	for _, j := range launched.Jobs {
		assert.Equal(t, types.StateRunning, j.State)
	}

	res, err := ws.controller(rem.dial(t)).Monitor(context.Background(), launched.RunID)
	require.NoError(t, err)

	require.Len(t, res.Jobs, 13)
	for i, j := range res.Jobs {
		assert.Equal(t, launched.Jobs[i].ID, j.ID, "launch order survives the handoff")
		assert.Equal(t, types.StateCompleted, j.State)
	}
	assert.Equal(t, 13, res.Report.Succeeded)

	run, err := ws.store.GetRun(context.Background(), launched.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)

	rows, err := ws.store.Jobs(context.Background(), launched.RunID)
	require.NoError(t, err)
	for _, j := range rows {
		assert.Equal(t, types.StateCompleted, j.State, "ledger rows follow the transitions")
	}
}

func TestInterruptedRunResumes(t *testing.T) {
	rem := startRemote(t, engine.SimulatorConfig{Workers: 8, Latency: 300 * time.Millisecond, Seed: 3})
	ws := newWorkspace(t)

	region, err := geo.Rectangle(0, 0, 4, 2)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res, err := ws.controller(rem.dial(t)).RunGrid(ctx, region, 1, controller.TileJob(types.KindCompute, nil))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, res)
	assert.Len(t, res.Report.Entries, 8, "an interrupted run still accounts for every tile")

	run, err := ws.store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunInterrupted, run.Status)

	resumed, err := ws.controller(rem.dial(t)).Monitor(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Len(t, resumed.Jobs, 8)
	for _, j := range resumed.Jobs {
		assert.True(t, j.State.IsTerminal(), "job %s still %s", j.ID, j.State)
	}
	stats := report.Summarize(resumed.Report)
	assert.Equal(t, 8, stats.Succeeded+stats.Failed)
	assert.Positive(t, stats.Succeeded)

	run, err = ws.store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
}

func TestFailuresAreReportedNotLost(t *testing.T) {
	rem := startRemote(t, engine.SimulatorConfig{
		Workers:         4,
		Latency:         10 * time.Millisecond,
		FailureRate:     0.5,
		StatusErrorRate: 0.2,
		Seed:            11,
	})
	ws := newWorkspace(t)

	region, err := geo.Rectangle(-10, -10, 10, 10)
	require.NoError(t, err)

	res, err := ws.controller(rem.dial(t)).RunGrid(context.Background(), region, 4, controller.TileJob(types.KindTableExport, nil))
	require.NoError(t, err)

	require.Len(t, res.Report.Entries, 25)
	assert.Equal(t, 25, res.Report.Succeeded+res.Report.Failed)
	for _, e := range report.Failures(res.Report) {
		assert.Contains(t, e.Error, types.ErrRemoteJobFailure.Error())
	}

	entryIDs := make(map[string]bool, 25)
	for _, e := range res.Report.Entries {
		assert.False(t, entryIDs[e.UnitID], "unit %s reported twice", e.UnitID)
		entryIDs[e.UnitID] = true
	}
}

func TestRunBatchesOverGRPC(t *testing.T) {
	rem := startRemote(t, engine.SimulatorConfig{Workers: 2, Latency: 5 * time.Millisecond, Seed: 5})
	ws := newWorkspace(t)

	c := ws.controller(rem.dial(t))
	res, err := c.RunBatches(context.Background(), 95, 20, c.BatchJob(types.KindCompute, nil))
	require.NoError(t, err)

	stats := report.Summarize(res.Report)
	assert.Equal(t, 5, stats.Units)
	assert.Equal(t, 5, stats.Succeeded)
	assert.Equal(t, 95, stats.ItemsProcessed)

	entries, err := ws.store.Entries(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestCancelOutstandingOverGRPC(t *testing.T) {
	rem := startRemote(t, engine.SimulatorConfig{Workers: 1, Latency: time.Second, Seed: 9})
	ws := newWorkspace(t)

	configs := []types.JobConfig{
		{Kind: types.KindCompute, UnitID: "a"},
		{Kind: types.KindCompute, UnitID: "b"},
		{Kind: types.KindCompute, UnitID: "c"},
	}
	c := ws.controller(rem.dial(t))
	launched, err := c.Launch(context.Background(), configs)
	require.NoError(t, err)

	ids := make([]types.JobID, len(launched.Jobs))
	for i, j := range launched.Jobs {
		ids[i] = j.ID
	}
	require.NoError(t, c.Cancel(context.Background(), ids))

	res, err := c.Monitor(context.Background(), launched.RunID)
	require.NoError(t, err)
	cancelled := 0
	for _, j := range res.Jobs {
		if j.State == types.StateCancelled {
			cancelled++
		}
	}
	assert.Positive(t, cancelled)
	assert.Zero(t, res.Report.Succeeded)

	err = c.Cancel(context.Background(), []types.JobID{"never-issued"})
	assert.True(t, errors.Is(err, engine.ErrUnknownJob), "got %v", err)
}
