// Package pipeline defines the in-memory model of a pipeline definition:
// stages, jobs, steps, matrix strategies, and cache declarations. The model
// is produced by an external loader and is immutable once a run starts.
package pipeline

// Definition is a complete, already-validated pipeline definition.
type Definition struct {
	Name string

	// Variables are pipeline-level constants (branch ref, build id, and
	// anything declared in the definition). They form the outermost
	// variable scope of a run.
	Variables map[string]string

	// Stages in declaration order. Order matters: a stage that declares
	// no dependsOn at all implicitly depends on the stage before it.
	Stages []*Stage
}

// Stage is the coarsest scheduling unit of a run.
type Stage struct {
	Name string

	// DependsOn names the stages this one waits for. The zero value is
	// meaningful only together with DependsOnSet: when DependsOnSet is
	// false the field was absent from the definition and the builder
	// inserts an implicit edge from the previous stage in declaration
	// order; when true an empty slice means the stage is a root and may
	// start as soon as the run begins.
	DependsOn    []string
	DependsOnSet bool

	// Condition is the guard expression. Empty means the default guard:
	// all dependency stages Succeeded.
	Condition string

	Jobs []*Job
}

// Job is the unit of worker allocation within a stage.
type Job struct {
	Name string

	// Condition guards the job. Empty means the default guard.
	Condition string

	// Matrix multiplies the job into one instance per entry. Nil means
	// the job expands to exactly one instance.
	Matrix *Matrix

	// Pool is an opaque worker-pool descriptor handed to the pool
	// collaborator on acquire.
	Pool string

	// TimeoutSeconds bounds the whole job. Zero means no job-level
	// deadline. Expiry is a synthetic cancellation scoped to the job.
	TimeoutSeconds int

	Steps []*Step
}

// Matrix is a direct enumeration of named job instances. Each entry names
// one fully-specified axis point; there is no cross product over variable
// axes. Entry order follows declaration order.
type Matrix struct {
	Entries []MatrixEntry
}

// MatrixEntry is a single named instance with its variable overlay.
type MatrixEntry struct {
	Name      string
	Variables map[string]string
}

// StepKind distinguishes the two payload shapes a step can carry.
type StepKind string

const (
	StepScript StepKind = "script"
	StepTask   StepKind = "task"
)

// Step is the smallest sequential unit of work within a job.
type Step struct {
	Name string
	Kind StepKind

	// Condition guards the step. Empty means the default guard: the
	// previous step in the job Succeeded.
	Condition string

	// Script is the shell payload for StepScript steps.
	Script string

	// Task and With describe a task invocation for StepTask steps. Both
	// are opaque to the engine; the worker pool interprets them.
	Task string
	With map[string]string

	// Env is the step-scoped variable overlay. It shadows job-level
	// overlays, which shadow pipeline constants.
	Env map[string]string

	// TimeoutSeconds bounds this step. Zero means no step deadline.
	TimeoutSeconds int

	// Cache, when non-nil, makes the step consult the cache resolver
	// before dispatch and schedules a write-back at job completion.
	Cache *CacheSpec

	// Artifact, when non-nil, publishes a path to the artifact sink
	// after the step succeeds. Publication is gated by the same guard
	// as the step itself.
	Artifact *ArtifactSpec
}

// WriteBackPolicy controls when a cache entry is written back under the
// primary key at job completion.
type WriteBackPolicy string

const (
	// WriteBackAlways writes the cache back regardless of job outcome.
	// A failed job may still have produced a valid dependency cache.
	WriteBackAlways WriteBackPolicy = "always"

	// WriteBackOnSuccess writes back only when the job succeeded. Meant
	// for build-output caches where a failed build must not poison the
	// entry.
	WriteBackOnSuccess WriteBackPolicy = "on-success"
)

// CacheSpec declares a step's cache: a primary key template, an ordered
// restore-key fallback chain, and the path the cache covers.
type CacheSpec struct {
	// Key is a template rendered against the step's scope, e.g.
	// `pip-${variables.pyVersion}-${hashFiles("requirements.txt")}`.
	Key string

	// RestoreKeys are increasingly generic key templates probed in
	// order when the primary key misses. A match on a restore key is a
	// partial hit: content is restored but the step must still do its
	// full work, and the result is written back under the primary key.
	RestoreKeys []string

	// Path is the directory the cache entry covers.
	Path string

	// WriteBack defaults to WriteBackAlways when empty.
	WriteBack WriteBackPolicy
}

// ArtifactSpec flags a step as artifact-publishing.
type ArtifactSpec struct {
	Path string
	Name string
}
