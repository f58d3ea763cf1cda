// Package report aggregates per-unit outcomes into a types.Report and derives
// processing statistics from it.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ChuLiYu/geebatch/pkg/types"
)

// New builds a report from entries, keeping their order.
func New(entries []types.ReportEntry) *types.Report {
	r := &types.Report{Entries: make([]types.ReportEntry, 0, len(entries))}
	for _, e := range entries {
		Add(r, e)
	}
	return r
}

// Add appends e to r and updates the totals.
func Add(r *types.Report, e types.ReportEntry) {
	r.Entries = append(r.Entries, e)
	switch e.Outcome {
	case types.OutcomeSuccess:
		r.Succeeded++
	default:
		r.Failed++
	}
	r.TotalDuration += e.Duration
}

// FromJobs builds a report with one entry per job, in the given order. Only
// COMPLETED counts as success; a job that is not terminal is reported as a
// failure so that every unit stays accounted for.
func FromJobs(jobs []*types.Job) *types.Report {
	entries := make([]types.ReportEntry, 0, len(jobs))
	for _, j := range jobs {
		entries = append(entries, JobEntry(j))
	}
	return New(entries)
}

// JobEntry converts one job into its report entry.
func JobEntry(j *types.Job) types.ReportEntry {
	e := types.ReportEntry{
		UnitID:   j.UnitID,
		Duration: j.Duration(),
		Result:   string(j.ID),
	}
	switch {
	case j.State == types.StateCompleted:
		e.Outcome = types.OutcomeSuccess
	case j.State.IsTerminal():
		e.Outcome = types.OutcomeFailure
		e.Error = j.Error
		if e.Error == "" {
			e.Error = string(j.State)
		}
	default:
		e.Outcome = types.OutcomeFailure
		e.Error = fmt.Sprintf("job %s still %s", j.ID, j.State)
	}
	return e
}

// Stats summarizes a report.
type Stats struct {
	Units          int           `json:"units"`
	Succeeded      int           `json:"succeeded"`
	Failed         int           `json:"failed"`
	SuccessRate    float64       `json:"success_rate"`
	TotalDuration  time.Duration `json:"total_duration"`
	ItemsProcessed int           `json:"items_processed"`
	AvgPerItem     time.Duration `json:"avg_per_item"`
	AvgPerUnit     time.Duration `json:"avg_per_unit"`
}

// Summarize computes Stats for r. Averages are zero when there is nothing to
// divide by.
func Summarize(r *types.Report) Stats {
	s := Stats{
		Units:         len(r.Entries),
		Succeeded:     r.Succeeded,
		Failed:        r.Failed,
		TotalDuration: r.TotalDuration,
	}
	for _, e := range r.Entries {
		s.ItemsProcessed += e.ItemsProcessed
	}
	if s.Units > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.Units)
	}
	if s.ItemsProcessed > 0 {
		s.AvgPerItem = s.TotalDuration / time.Duration(s.ItemsProcessed)
	}
	if s.Succeeded > 0 {
		s.AvgPerUnit = s.TotalDuration / time.Duration(s.Succeeded)
	}
	return s
}

// Failures returns the failed entries in report order.
func Failures(r *types.Report) []types.ReportEntry {
	var out []types.ReportEntry
	for _, e := range r.Entries {
		if e.Outcome != types.OutcomeSuccess {
			out = append(out, e)
		}
	}
	return out
}

// WriteJSON encodes r together with its Stats.
func WriteJSON(w io.Writer, r *types.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		*types.Report
		Stats Stats `json:"stats"`
	}{r, Summarize(r)})
}
