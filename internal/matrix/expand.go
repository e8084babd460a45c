// Package matrix expands a job template plus a matrix strategy into concrete
// job instances. Expansion is a direct enumeration: each named entry is one
// fully-specified instance, never a cross product over variable axes.
package matrix

import (
	"fmt"

	"github.com/vk/stagerunner/internal/pipeline"
)

// EmptyPolicy decides what a matrix with zero entries means.
type EmptyPolicy int

const (
	// EmptyMatrixError treats an empty matrix as a configuration error.
	// This is the default: a strategy block that enumerates nothing is
	// almost always an authoring mistake.
	EmptyMatrixError EmptyPolicy = iota

	// EmptyMatrixSkip expands an empty matrix to zero instances; the
	// owning job aggregates as vacuously Skipped.
	EmptyMatrixSkip
)

// Instance is one schedulable job produced by expansion. Instances of the
// same job share the step templates (immutable) but nothing mutable.
type Instance struct {
	// Name is the job name, or "{job}.{entry}" for matrix instances.
	Name string

	// Variables is the entry's overlay; empty for a non-matrix job.
	Variables map[string]string

	// Job is the shared template the instance was expanded from.
	Job *pipeline.Job
}

// Expand turns a job definition into its concrete instances, in declaration
// order. A job without a matrix yields exactly one instance with an empty
// overlay.
func Expand(job *pipeline.Job, policy EmptyPolicy) ([]Instance, error) {
	if job.Matrix == nil {
		return []Instance{{Name: job.Name, Job: job}}, nil
	}
	if len(job.Matrix.Entries) == 0 {
		if policy == EmptyMatrixSkip {
			return nil, nil
		}
		return nil, &pipeline.ConfigError{
			Detail: fmt.Sprintf("job %q declares a matrix strategy with no entries", job.Name),
		}
	}

	instances := make([]Instance, 0, len(job.Matrix.Entries))
	for _, entry := range job.Matrix.Entries {
		overlay := make(map[string]string, len(entry.Variables))
		for k, v := range entry.Variables {
			overlay[k] = v
		}
		instances = append(instances, Instance{
			Name:      job.Name + "." + entry.Name,
			Variables: overlay,
			Job:       job,
		})
	}
	return instances, nil
}
