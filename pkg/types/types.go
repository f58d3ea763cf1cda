// Package types defines the core domain model shared by the geebatch
// partitioners, launcher, monitor and report aggregator.
package types

import (
	"time"
)

// JobID is the identifier the remote engine assigns to a started job.
type JobID string

// JobKind selects which remote operation a job runs.
type JobKind string

// Supported job kinds
const (
	KindImageExport JobKind = "image-export" // raster export to external storage
	KindTableExport JobKind = "table-export" // feature collection export
	KindVideoExport JobKind = "video-export" // image sequence export
	KindCompute     JobKind = "compute"      // server-side computation with no export target
)

// Kinds lists every supported JobKind in a stable order.
var Kinds = []JobKind{KindImageExport, KindTableExport, KindVideoExport, KindCompute}

// JobState is the lifecycle state of a Job.
type JobState string

// Job states. COMPLETED, FAILED and CANCELLED are terminal.
const (
	StateCreated   JobState = "CREATED"
	StateRunning   JobState = "RUNNING"
	StateCompleted JobState = "COMPLETED"
	StateFailed    JobState = "FAILED"
	StateCancelled JobState = "CANCELLED"
)

// IsTerminal reports whether no further transitions are possible from s.
func (s JobState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Tile is one rectangular spatial processing unit.
type Tile struct {
	ID   string  `json:"id"`
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

// Period is one half-open temporal processing unit [Start, End).
type Period struct {
	ID    int       `json:"id"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Days returns the period length in whole days.
func (p Period) Days() int {
	return int(p.End.Sub(p.Start).Hours() / 24)
}

// Batch is a contiguous slice [Offset, Offset+Size) of an ordered sequence.
type Batch struct {
	Number int `json:"batch_id"` // 1-based
	Offset int `json:"offset"`
	Size   int `json:"size"`
}

// JobConfig fully describes one remote job.
type JobConfig struct {
	Kind        JobKind                `json:"kind"`
	UnitID      string                 `json:"unit_id"`
	Description string                 `json:"description,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty"`
}

// Job is a unit of remote asynchronous work tracked to a terminal state.
type Job struct {
	ID          JobID      `json:"id"`
	Kind        JobKind    `json:"kind"`
	UnitID      string     `json:"unit_id"`
	Config      JobConfig  `json:"config"`
	State       JobState   `json:"state"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	Polls       int        `json:"polls"` // status reads issued for this job
}

// Duration returns the wall-clock time between start and completion, or zero
// while the job is still outstanding.
func (j *Job) Duration() time.Duration {
	if j.CompletedAt == nil || j.StartedAt.IsZero() {
		return 0
	}
	return j.CompletedAt.Sub(j.StartedAt)
}

// RemoteStatus is what the engine reports for a single job.
type RemoteStatus struct {
	State JobState `json:"state"`
	Error string   `json:"error,omitempty"`
}

// Outcome classifies a report entry.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// ReportEntry accounts for one processed unit.
type ReportEntry struct {
	UnitID         string        `json:"unit_id"`
	BatchID        int           `json:"batch_id,omitempty"`
	Outcome        Outcome       `json:"outcome"`
	Duration       time.Duration `json:"duration"`
	ItemsProcessed int           `json:"items_processed,omitempty"`
	Result         interface{}   `json:"result,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// Report aggregates per-unit outcomes. Entries keep input order.
type Report struct {
	Entries       []ReportEntry `json:"entries"`
	Succeeded     int           `json:"succeeded"`
	Failed        int           `json:"failed"`
	TotalDuration time.Duration `json:"total_duration"`
}

// SnapshotData is the persisted form of a job map, used to hand launched
// jobs to a later monitoring run.
type SnapshotData struct {
	Jobs      map[JobID]*Job `json:"jobs"`
	Order     []JobID        `json:"order"` // launch order
	SchemaVer int            `json:"schema_ver"`
	SavedAt   int64          `json:"saved_at"` // Unix milliseconds
}
