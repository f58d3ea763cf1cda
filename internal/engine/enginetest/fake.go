// Package enginetest provides a scripted engine.Engine for tests.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/geebatch/internal/engine"
	"github.com/ChuLiYu/geebatch/pkg/types"
)

// Step is one scripted Status answer.
type Step struct {
	Status types.RemoteStatus
	Err    error
}

// Helpers for common scripted steps.
func Running() Step   { return Step{Status: types.RemoteStatus{State: types.StateRunning}} }
func Completed() Step { return Step{Status: types.RemoteStatus{State: types.StateCompleted}} }
func Cancelled() Step { return Step{Status: types.RemoteStatus{State: types.StateCancelled}} }
func Failed(msg string) Step {
	return Step{Status: types.RemoteStatus{State: types.StateFailed, Error: msg}}
}
func Transient() Step { return Step{Err: errors.New("status backend unavailable")} }

// StartCall records one Start invocation.
type StartCall struct {
	Kind   types.JobKind
	Params map[string]interface{}
}

// Fake hands out ids "job-1", "job-2", ... and answers Status from a
// per-job script. The last step of a script repeats forever.
type Fake struct {
	mu sync.Mutex

	// StartErr, when set, decides per call whether Start fails.
	StartErr func(kind types.JobKind, params map[string]interface{}) error
	// DefaultScript is used for jobs without an explicit script.
	DefaultScript []Step

	next        int
	scripts     map[types.JobID][]Step
	statusCalls map[types.JobID]int
	starts      []StartCall
	cancels     []types.JobID
}

// New returns a Fake whose jobs complete on the first status read.
func New() *Fake {
	return &Fake{
		DefaultScript: []Step{Completed()},
		scripts:       make(map[types.JobID][]Step),
		statusCalls:   make(map[types.JobID]int),
	}
}

// Script sets the status answers for id.
func (f *Fake) Script(id types.JobID, steps ...Step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[id] = steps
}

// Start implements engine.Engine.
func (f *Fake) Start(ctx context.Context, kind types.JobKind, params map[string]interface{}) (types.JobID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.starts = append(f.starts, StartCall{Kind: kind, Params: params})
	if f.StartErr != nil {
		if err := f.StartErr(kind, params); err != nil {
			return "", err
		}
	}
	f.next++
	return types.JobID(fmt.Sprintf("job-%d", f.next)), nil
}

// Status implements engine.Engine.
func (f *Fake) Status(ctx context.Context, id types.JobID) (types.RemoteStatus, error) {
	if err := ctx.Err(); err != nil {
		return types.RemoteStatus{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	script, ok := f.scripts[id]
	if !ok {
		if !f.issuedLocked(id) {
			return types.RemoteStatus{}, fmt.Errorf("%w: %s", engine.ErrUnknownJob, id)
		}
		script = f.DefaultScript
	}
	n := f.statusCalls[id]
	f.statusCalls[id] = n + 1
	if len(script) == 0 {
		return types.RemoteStatus{State: types.StateRunning}, nil
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	step := script[n]
	return step.Status, step.Err
}

// Cancel implements engine.Engine. Cancelled jobs report CANCELLED from then on.
func (f *Fake) Cancel(_ context.Context, id types.JobID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.scripts[id]; !ok && !f.issuedLocked(id) {
		return fmt.Errorf("%w: %s", engine.ErrUnknownJob, id)
	}
	f.cancels = append(f.cancels, id)
	f.scripts[id] = []Step{Cancelled()}
	return nil
}

func (f *Fake) issuedLocked(id types.JobID) bool {
	var n int
	if _, err := fmt.Sscanf(string(id), "job-%d", &n); err != nil {
		return false
	}
	return n >= 1 && n <= f.next
}

// Starts returns the recorded Start calls.
func (f *Fake) Starts() []StartCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]StartCall(nil), f.starts...)
}

// StatusCalls returns how many times Status was called for id.
func (f *Fake) StatusCalls(id types.JobID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls[id]
}

// Cancels returns the ids passed to Cancel.
func (f *Fake) Cancels() []types.JobID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.JobID(nil), f.cancels...)
}

var _ engine.Engine = (*Fake)(nil)
