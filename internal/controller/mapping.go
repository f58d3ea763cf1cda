package controller

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/ChuLiYu/geebatch/internal/batch"
	"github.com/ChuLiYu/geebatch/internal/monitor"
	"github.com/ChuLiYu/geebatch/internal/temporal"
	"github.com/ChuLiYu/geebatch/pkg/types"
)

// TileJob returns a mapping that gives every tile a job of kind with params
// plus the tile's bounds under "region" as [minX, minY, maxX, maxY].
func TileJob(kind types.JobKind, params map[string]interface{}) func(types.Tile) types.JobConfig {
	return func(t types.Tile) types.JobConfig {
		p := maps.Clone(params)
		if p == nil {
			p = make(map[string]interface{}, 2)
		}
		p["region"] = []interface{}{t.MinX, t.MinY, t.MaxX, t.MaxY}
		p["tile_id"] = t.ID
		return types.JobConfig{
			Kind:        kind,
			UnitID:      t.ID,
			Description: fmt.Sprintf("%s_tile_%s", kind, t.ID),
			Params:      p,
		}
	}
}

// PeriodJob returns a mapping that gives every period a job of kind with
// params plus "start_date" and "end_date" (end exclusive).
func PeriodJob(kind types.JobKind, params map[string]interface{}) func(types.Period) types.JobConfig {
	return func(pd types.Period) types.JobConfig {
		p := maps.Clone(params)
		if p == nil {
			p = make(map[string]interface{}, 2)
		}
		p["start_date"] = pd.Start.Format(temporal.DateLayout)
		p["end_date"] = pd.End.Format(temporal.DateLayout)
		return types.JobConfig{
			Kind:        kind,
			UnitID:      fmt.Sprintf("period-%d", pd.ID),
			Description: fmt.Sprintf("%s_period_%d", kind, pd.ID),
			Params:      p,
		}
	}
}

// BatchJob returns a batch.ProcessFunc that runs every batch as one remote
// job of kind with params plus "offset" and "size", and waits for it. The
// batch fails unless the job completes; the result is the job id.
func (c *Controller) BatchJob(kind types.JobKind, params map[string]interface{}) batch.ProcessFunc {
	return func(ctx context.Context, b types.Batch) (interface{}, error) {
		p := maps.Clone(params)
		if p == nil {
			p = make(map[string]interface{}, 2)
		}
		p["offset"] = b.Offset
		p["size"] = b.Size

		jobs, err := c.launcher.Launch(ctx, []types.JobConfig{{
			Kind:        kind,
			UnitID:      fmt.Sprintf("batch-%d", b.Number),
			Description: fmt.Sprintf("%s_batch_%d", kind, b.Number),
			Params:      p,
		}})
		if err != nil {
			return nil, err
		}
		job := jobs[0]
		if job.State.IsTerminal() {
			return nil, errors.New(job.Error)
		}

		done, err := monitor.New(c.engine, c.monitorOpts...).AwaitCompletion(ctx, map[types.JobID]*types.Job{job.ID: job})
		if err != nil {
			return nil, err
		}
		job = done[job.ID]
		if job.State != types.StateCompleted {
			return nil, errors.New(job.Error)
		}
		return string(job.ID), nil
	}
}
