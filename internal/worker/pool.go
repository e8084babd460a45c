// Package worker defines the worker-pool collaborator contract and an
// in-process implementation. The engine treats payload execution as opaque:
// it dispatches a payload and consumes the resulting status plus declared
// output variables.
package worker

import (
	"context"

	"github.com/vk/stagerunner/internal/pipeline"
)

// Payload is one step's work, as handed to a worker.
type Payload struct {
	Kind   pipeline.StepKind
	Script string
	Task   string
	With   map[string]string

	// Env is the step's fully resolved variable view, exported into the
	// payload's environment.
	Env map[string]string

	// Dir is the working directory for the payload.
	Dir string
}

// Completion is the result of a dispatched payload. Status is one of
// Succeeded, Failed, or Canceled.
type Completion struct {
	Status  pipeline.Status
	Outputs map[string]string
	Err     error
}

// Handle identifies an acquired worker. A job runs all of its steps on the
// same handle.
type Handle interface {
	ID() string
}

// Pool is the worker-pool contract.
type Pool interface {
	// Acquire obtains a worker from the named pool, blocking until one
	// is available or the context is done.
	Acquire(ctx context.Context, pool string) (Handle, error)

	// Dispatch starts a payload on the worker and returns a channel that
	// delivers exactly one Completion. Cancellation of ctx stops the
	// payload; its completion then reports Canceled.
	Dispatch(ctx context.Context, h Handle, p Payload) (<-chan Completion, error)

	// Release returns the worker to the pool.
	Release(h Handle)
}
