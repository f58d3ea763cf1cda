// Package engine defines the remote computation engine the orchestrator
// talks to, plus two implementations: an in-process Simulator and a gRPC
// client for a remote engine process.
package engine

import (
	"context"
	"errors"

	"github.com/ChuLiYu/geebatch/pkg/types"
)

var (
	// ErrUnknownJob is returned for a job id the engine never issued.
	ErrUnknownJob = errors.New("unknown job")
	// ErrUnsupportedKind is returned when the engine cannot run a job kind.
	ErrUnsupportedKind = errors.New("unsupported job kind")
	// ErrEngineClosed is returned after Close.
	ErrEngineClosed = errors.New("engine closed")
)

// Engine starts asynchronous remote jobs and reports their status.
type Engine interface {
	// Start submits a job and returns the engine-assigned id.
	Start(ctx context.Context, kind types.JobKind, params map[string]interface{}) (types.JobID, error)
	// Status reads the current state of a job. Errors are transient from the
	// caller's point of view.
	Status(ctx context.Context, id types.JobID) (types.RemoteStatus, error)
	// Cancel asks the engine to stop a job. Cancelling a terminal job is a
	// no-op.
	Cancel(ctx context.Context, id types.JobID) error
}

// Supported reports whether kind is one of the known job kinds.
func Supported(kind types.JobKind) bool {
	for _, k := range types.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}
