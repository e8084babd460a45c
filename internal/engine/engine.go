// Package engine drives a pipeline run: it walks the stage graph, expands
// jobs, evaluates guard conditions against the run context, dispatches
// runnable units to the worker pool, and aggregates statuses into the final
// run report.
//
// Ownership is split two ways. The control loop goroutine owns all
// stage-level state: stage readiness, stage guards, job queueing, and stage
// aggregation. Each started job gets one goroutine that owns that job's
// private scope and sequences its steps; it reports back through a single
// completion event. Cross-goroutine status is kept in the runctx.Recorder,
// whose terminal statuses are monotonic; that is what makes cancellation
// win races against late completion reports.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vk/stagerunner/internal/artifact"
	"github.com/vk/stagerunner/internal/cache"
	"github.com/vk/stagerunner/internal/ctxlog"
	"github.com/vk/stagerunner/internal/expr"
	"github.com/vk/stagerunner/internal/graph"
	"github.com/vk/stagerunner/internal/matrix"
	"github.com/vk/stagerunner/internal/pipeline"
	"github.com/vk/stagerunner/internal/runctx"
	"github.com/vk/stagerunner/internal/worker"
)

// Options tune a run.
type Options struct {
	// MaxParallel bounds how many jobs run at once. Jobs beyond it queue
	// FIFO. Values below 1 are treated as 1.
	MaxParallel int

	// EmptyMatrix decides whether a zero-entry matrix strategy is a
	// configuration error or a vacuously skipped job.
	EmptyMatrix matrix.EmptyPolicy

	// WorkDir anchors payload working directories, relative cache paths,
	// and hashFiles lookups.
	WorkDir string

	// Recorder receives all status transitions. Optional; one is created
	// when nil. Passing one in lets a status server observe the run live.
	Recorder *runctx.Recorder

	// RunID identifies the run in the report. Optional; a UUID is
	// generated when empty.
	RunID string
}

// Engine executes pipeline definitions.
type Engine struct {
	pool  worker.Pool
	store cache.Store
	sink  artifact.Sink
	opts  Options
}

// New creates an engine. store and sink may be nil: cache declarations then
// resolve as misses and artifact steps fail.
func New(pool worker.Pool, store cache.Store, sink artifact.Sink, opts Options) *Engine {
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}
	return &Engine{pool: pool, store: store, sink: sink, opts: opts}
}

// run is the per-run state owned by the control loop.
type run struct {
	engine    *Engine
	def       *pipeline.Definition
	graph     *graph.StageGraph
	recorder  *runctx.Recorder
	constants *runctx.Vars

	// jobs holds every expanded job instance, keyed by stage name, in
	// declaration order.
	jobs map[string][]*jobRun

	queue   []*jobRun
	active  int
	events  chan *jobRun
	runCtx  context.Context
	cancel  context.CancelFunc
	stopped bool
}

// Run executes the definition and returns the total run report. Only
// configuration errors (cycles, unknown dependencies, invalid matrix
// strategies) are returned as errors, and they abort before any dispatch;
// execution failures are reported through the result's statuses.
func (e *Engine) Run(ctx context.Context, def *pipeline.Definition) (*runctx.Result, error) {
	logger := ctxlog.FromContext(ctx)
	started := time.Now()

	stageGraph, err := graph.Build(def)
	if err != nil {
		return nil, err
	}

	recorder := e.opts.Recorder
	if recorder == nil {
		recorder = runctx.NewRecorder()
	}
	runID := e.opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	r := &run{
		engine:    e,
		def:       def,
		graph:     stageGraph,
		recorder:  recorder,
		constants: runctx.NewVars(def.Variables),
		jobs:      make(map[string][]*jobRun),
	}
	if err := r.expandAndRegister(); err != nil {
		return nil, err
	}

	r.runCtx, r.cancel = context.WithCancel(ctx)
	defer r.cancel()
	r.events = make(chan *jobRun, r.totalJobs())

	logger.Info("Run starting.", "runId", runID, "pipeline", def.Name, "stages", len(def.Stages))
	r.loop(ctx)
	logger.Info("Run finished.", "runId", runID)

	return recorder.BuildResult(runID, def.Name, started, time.Now()), nil
}

// expandAndRegister expands every job through its matrix strategy and
// registers all units so the final report is total even for units that are
// never reached. Expansion errors are configuration errors: they abort the
// run before anything is dispatched.
func (r *run) expandAndRegister() error {
	for _, stage := range r.def.Stages {
		r.recorder.Register(stage.Name, runctx.KindStage)
		for _, job := range stage.Jobs {
			instances, err := matrix.Expand(job, r.engine.opts.EmptyMatrix)
			if err != nil {
				return err
			}
			for _, inst := range instances {
				jr := newJobRun(r, stage, inst)
				r.jobs[stage.Name] = append(r.jobs[stage.Name], jr)
				r.recorder.Register(jr.id, runctx.KindJob)
				for _, sid := range jr.stepIDs {
					r.recorder.Register(sid, runctx.KindStep)
				}
			}
		}
	}
	return nil
}

func (r *run) totalJobs() int {
	n := 0
	for _, jobs := range r.jobs {
		n += len(jobs)
	}
	return n
}

// loop is the control loop: advance stages, dispatch queued jobs, then
// suspend until a job completion event or run-level cancellation arrives.
func (r *run) loop(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	ctxDone := ctx.Done()
	for {
		if !r.stopped {
			for r.advanceStages(ctx) {
			}
			r.dispatch(ctx)
		}
		if r.done() {
			return
		}
		select {
		case jr := <-r.events:
			r.active--
			r.onJobDone(ctx, jr)
		case <-ctxDone:
			// Disarm so the loop blocks on job events while the
			// remaining goroutines wind down.
			ctxDone = nil
			logger.Warn("Run cancellation requested.")
			r.cancelRun()
		}
	}
}

// done reports whether the run is complete: every stage terminal and no job
// goroutine still owed an event.
func (r *run) done() bool {
	if r.active > 0 {
		return false
	}
	for _, stage := range r.def.Stages {
		if st, _ := r.recorder.Status(stage.Name); !st.Terminal() {
			return false
		}
	}
	return true
}

// advanceStages starts every Pending stage whose predecessors are all
// terminal. Returns true if any stage changed status, since a stage skipped
// here may immediately unblock its dependents.
func (r *run) advanceStages(ctx context.Context) bool {
	progressed := false
	for _, stage := range r.def.Stages {
		st, _ := r.recorder.Status(stage.Name)
		if st != pipeline.Pending {
			continue
		}
		preds, ready := r.stagePredecessors(stage.Name)
		if !ready {
			continue
		}
		r.startStage(ctx, stage, preds)
		progressed = true
	}
	return progressed
}

// stagePredecessors collects the terminal statuses of a stage's
// dependencies; ready is false while any of them is still live.
func (r *run) stagePredecessors(name string) (preds []pipeline.Status, ready bool) {
	for _, dep := range r.graph.Dependencies(name) {
		st, _ := r.recorder.Status(dep)
		if !st.Terminal() {
			return nil, false
		}
		preds = append(preds, st)
	}
	return preds, true
}

// startStage evaluates the stage guard (exactly once, now that every
// predecessor is terminal) and either marks the whole stage skipped/failed
// or queues its jobs.
func (r *run) startStage(ctx context.Context, stage *pipeline.Stage, preds []pipeline.Status) {
	logger := ctxlog.FromContext(ctx).With("stage", stage.Name)

	runnable, err := r.evalGuard(stage.Condition, preds, r.constants.Flatten(), "")
	if err != nil {
		logger.Error("Stage guard evaluation failed.", "error", err)
		r.recorder.Set(stage.Name, pipeline.Failed)
		r.recorder.SetError(stage.Name, err)
		r.skipStageUnits(stage.Name)
		return
	}
	if !runnable {
		logger.Info("Stage skipped by guard.")
		r.recorder.Set(stage.Name, pipeline.Skipped)
		r.skipStageUnits(stage.Name)
		return
	}

	jobs := r.jobs[stage.Name]
	if len(jobs) == 0 {
		// A stage whose matrix strategies expanded to nothing has no
		// work; it aggregates as Skipped.
		logger.Info("Stage has no job instances.")
		r.recorder.Set(stage.Name, pipeline.Skipped)
		return
	}

	logger.Info("Stage starting.", "jobs", len(jobs))
	r.recorder.Set(stage.Name, pipeline.Running)
	for _, jr := range jobs {
		// Jobs within a stage are fully independent: a job has no direct
		// predecessors, so its default guard is vacuously true once the
		// stage itself was admitted. Cross-unit conditions go through
		// named references.
		runnable, err := r.evalGuard(jr.job.Condition, nil, jr.vars.Flatten(), jr.id)
		switch {
		case err != nil:
			logger.Error("Job guard evaluation failed.", "job", jr.id, "error", err)
			r.recorder.Set(jr.id, pipeline.Failed)
			r.recorder.SetError(jr.id, err)
			jr.skipSteps()
		case !runnable:
			logger.Info("Job skipped by guard.", "job", jr.id)
			r.recorder.Set(jr.id, pipeline.Skipped)
			jr.skipSteps()
		default:
			r.queue = append(r.queue, jr)
		}
	}
	// Every job may have resolved without dispatch (all skipped/failed).
	r.finishStageIfDone(ctx, stage.Name)
}

// dispatch starts queued jobs FIFO up to the concurrency bound.
func (r *run) dispatch(ctx context.Context) {
	for r.active < r.engine.opts.MaxParallel && len(r.queue) > 0 {
		jr := r.queue[0]
		r.queue = r.queue[1:]
		r.active++
		go jr.run(r.runCtx)
	}
}

// onJobDone aggregates the owning stage once its last job turns terminal.
func (r *run) onJobDone(ctx context.Context, jr *jobRun) {
	r.finishStageIfDone(ctx, jr.stage.Name)
}

// finishStageIfDone aggregates a Running stage when all of its jobs are
// terminal: Failed beats Canceled beats the skipped/succeeded distinction;
// a stage succeeds when at least one job succeeded and the rest were
// skipped; all-skipped means Skipped.
func (r *run) finishStageIfDone(ctx context.Context, name string) {
	st, _ := r.recorder.Status(name)
	if st != pipeline.Running {
		return
	}
	anyFailed, anyCanceled, anySucceeded := false, false, false
	for _, jr := range r.jobs[name] {
		jst, _ := r.recorder.Status(jr.id)
		switch jst {
		case pipeline.Failed:
			anyFailed = true
		case pipeline.Canceled:
			anyCanceled = true
		case pipeline.Succeeded:
			anySucceeded = true
		case pipeline.Skipped:
		default:
			return // still live
		}
	}

	var final pipeline.Status
	switch {
	case anyFailed:
		final = pipeline.Failed
	case anyCanceled:
		final = pipeline.Canceled
	case anySucceeded:
		final = pipeline.Succeeded
	default:
		final = pipeline.Skipped
	}
	ctxlog.FromContext(ctx).Info("Stage finished.", "stage", name, "status", final)
	r.recorder.Set(name, final)
}

// skipStageUnits marks every job and step of a stage Skipped. Used when the
// stage itself resolved without running.
func (r *run) skipStageUnits(name string) {
	for _, jr := range r.jobs[name] {
		r.recorder.Set(jr.id, pipeline.Skipped)
		jr.skipSteps()
	}
}

// cancelRun handles run-level cancellation: halt dispatch, transition every
// non-terminal unit to Canceled, and signal running jobs. Their eventual
// natural outcomes are dropped by the recorder's terminal-status
// monotonicity, so cancellation wins the race.
func (r *run) cancelRun() {
	r.stopped = true
	r.queue = nil
	r.cancel()
	for unit, st := range r.recorder.Snapshot() {
		if !st.Terminal() {
			r.recorder.Set(unit, pipeline.Canceled)
		}
	}
}

// evalGuard evaluates a unit's guard condition, or the default guard (every
// predecessor succeeded) when none is declared. jobPrefix scopes sibling
// step references for named status lookups.
func (r *run) evalGuard(condition string, preds []pipeline.Status, vars map[string]string, jobPrefix string) (bool, error) {
	if condition == "" {
		return expr.DefaultGuard(preds), nil
	}
	scope := &expr.Scope{
		Variables:    vars,
		Predecessors: preds,
		StatusOf:     r.statusResolver(jobPrefix),
		BaseDir:      r.engine.opts.WorkDir,
	}
	return expr.EvaluateBool(condition, scope)
}

// statusResolver resolves named unit references in conditions: a full unit
// ID, a stage name, or (inside a job) a sibling step name.
func (r *run) statusResolver(jobPrefix string) func(string) (pipeline.Status, bool) {
	return func(unit string) (pipeline.Status, bool) {
		if st, ok := r.recorder.Status(unit); ok {
			return st, true
		}
		if jobPrefix != "" {
			if st, ok := r.recorder.Status(jobPrefix + "/" + unit); ok {
				return st, true
			}
		}
		return 0, false
	}
}
