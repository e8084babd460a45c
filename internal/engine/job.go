package engine

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/vk/stagerunner/internal/cache"
	"github.com/vk/stagerunner/internal/ctxlog"
	"github.com/vk/stagerunner/internal/expr"
	"github.com/vk/stagerunner/internal/matrix"
	"github.com/vk/stagerunner/internal/pipeline"
	"github.com/vk/stagerunner/internal/runctx"
	"github.com/vk/stagerunner/internal/worker"
)

// jobRun is one expanded job instance. The control loop creates it and reads
// its immutable identity; once dispatched, the job goroutine owns vars,
// outputs, and writeBacks exclusively until it reports done through the
// events channel.
type jobRun struct {
	r       *run
	stage   *pipeline.Stage
	job     *pipeline.Job
	id      string
	stepIDs []string
	vars    *runctx.Vars

	writeBacks []pendingWriteBack
}

// pendingWriteBack is a cache save deferred to job completion, so a restored
// directory is persisted after every step had its chance to mutate it.
type pendingWriteBack struct {
	spec   *pipeline.CacheSpec
	lookup cache.Lookup
}

func newJobRun(r *run, stage *pipeline.Stage, inst matrix.Instance) *jobRun {
	jr := &jobRun{
		r:     r,
		stage: stage,
		job:   inst.Job,
		id:    stage.Name + "/" + inst.Name,
		vars:  r.constants.Overlay(inst.Variables),
	}
	for _, step := range inst.Job.Steps {
		jr.stepIDs = append(jr.stepIDs, jr.id+"/"+step.Name)
	}
	return jr
}

// skipSteps marks all still-pending steps Skipped.
func (jr *jobRun) skipSteps() {
	for _, sid := range jr.stepIDs {
		jr.r.recorder.Set(sid, pipeline.Skipped)
	}
}

// run executes the job's steps in order on a single acquired worker. It is
// the job goroutine body; it always reports exactly one event back to the
// control loop.
func (jr *jobRun) run(ctx context.Context) {
	defer func() { jr.r.events <- jr }()

	rec := jr.r.recorder
	logger := ctxlog.FromContext(ctx).With("job", jr.id)
	ctx = ctxlog.WithLogger(ctx, logger)

	if jr.job.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(jr.job.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	rec.Set(jr.id, pipeline.Running)
	logger.Info("Job starting.", "steps", len(jr.job.Steps))

	handle, err := jr.r.engine.pool.Acquire(ctx, jr.job.Pool)
	if err != nil {
		if ctx.Err() != nil {
			jr.finish(ctx, pipeline.Canceled)
			return
		}
		logger.Error("Worker acquisition failed.", "pool", jr.job.Pool, "error", err)
		rec.SetError(jr.id, err)
		jr.finish(ctx, pipeline.Failed)
		return
	}
	defer jr.r.engine.pool.Release(handle)
	logger.Debug("Worker acquired.", "worker", handle.ID())

	var stepStatuses []pipeline.Status
	for i, step := range jr.job.Steps {
		st := jr.runStep(ctx, handle, step, jr.stepIDs[i], stepStatuses)
		stepStatuses = append(stepStatuses, st)
	}

	final := pipeline.Succeeded
	for _, st := range stepStatuses {
		switch st {
		case pipeline.Failed:
			final = pipeline.Failed
		case pipeline.Canceled:
			if final != pipeline.Failed {
				final = pipeline.Canceled
			}
		}
	}

	jr.saveCaches(ctx, final)
	jr.finish(ctx, final)
}

func (jr *jobRun) finish(ctx context.Context, status pipeline.Status) {
	// May be rejected if the run was canceled and the control loop already
	// marked this job Canceled; that rejection is what makes cancellation
	// authoritative over late natural outcomes.
	if jr.r.recorder.Set(jr.id, status) {
		ctxlog.FromContext(ctx).Info("Job finished.", "status", status)
	}
	for _, sid := range jr.stepIDs {
		if st, _ := jr.r.recorder.Status(sid); !st.Terminal() {
			jr.r.recorder.Set(sid, pipeline.Canceled)
		}
	}
}

// runStep guards, prepares, dispatches, and records one step. preds are the
// terminal statuses of the preceding sibling steps, in order.
func (jr *jobRun) runStep(ctx context.Context, handle worker.Handle, step *pipeline.Step, stepID string, preds []pipeline.Status) pipeline.Status {
	rec := jr.r.recorder
	logger := ctxlog.FromContext(ctx).With("step", step.Name)

	if ctx.Err() != nil {
		rec.Set(stepID, pipeline.Canceled)
		return pipeline.Canceled
	}

	scope := jr.scope(preds)
	runnable, err := jr.stepGuard(step.Condition, scope)
	if err != nil {
		logger.Error("Step guard evaluation failed.", "error", err)
		rec.Set(stepID, pipeline.Failed)
		rec.SetError(stepID, err)
		return pipeline.Failed
	}
	if !runnable {
		rec.Set(stepID, pipeline.Skipped)
		return pipeline.Skipped
	}

	rec.Set(stepID, pipeline.Running)

	env := scope.Variables
	if step.Cache != nil {
		hit, err := jr.restoreCache(ctx, step, scope)
		if err != nil {
			logger.Error("Cache key rendering failed.", "error", err)
			rec.Set(stepID, pipeline.Failed)
			rec.SetError(stepID, err)
			return pipeline.Failed
		}
		env["CACHE_HIT"] = hit
	}
	for k, v := range step.Env {
		env[k] = v
	}

	stepCtx := ctx
	if step.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	completion, err := jr.dispatch(stepCtx, handle, step, env)
	if err != nil {
		logger.Error("Step dispatch failed.", "error", err)
		rec.Set(stepID, pipeline.Failed)
		rec.SetError(stepID, err)
		return pipeline.Failed
	}

	if len(completion.Outputs) > 0 {
		// Output variables become visible to every later step of this
		// job, overriding same-named pipeline and matrix variables.
		jr.vars = jr.vars.Overlay(completion.Outputs)
	}

	status := completion.Status
	if ctx.Err() != nil {
		// The job was canceled while the payload was in flight. Whatever
		// the worker reports, the step counts as canceled.
		status = pipeline.Canceled
	}
	if status == pipeline.Succeeded && step.Artifact != nil {
		if err := jr.publish(ctx, step.Artifact); err != nil {
			logger.Error("Artifact publication failed.", "error", err)
			rec.SetError(stepID, err)
			status = pipeline.Failed
		}
	}

	logger.Info("Step finished.", "status", status)
	rec.Set(stepID, status)
	if completion.Err != nil {
		rec.SetError(stepID, completion.Err)
	}
	return status
}

func (jr *jobRun) dispatch(ctx context.Context, handle worker.Handle, step *pipeline.Step, env map[string]string) (worker.Completion, error) {
	payload := worker.Payload{
		Kind:   step.Kind,
		Script: step.Script,
		Task:   step.Task,
		With:   step.With,
		Env:    env,
		Dir:    jr.r.engine.opts.WorkDir,
	}
	done, err := jr.r.engine.pool.Dispatch(ctx, handle, payload)
	if err != nil {
		return worker.Completion{}, err
	}
	return <-done, nil
}

// scope builds the expression scope for a step: the job's current variable
// view plus sibling-step statuses for guard functions.
func (jr *jobRun) scope(preds []pipeline.Status) *expr.Scope {
	return &expr.Scope{
		Variables:    jr.vars.Flatten(),
		Predecessors: preds,
		StatusOf:     jr.r.statusResolver(jr.id),
		BaseDir:      jr.r.engine.opts.WorkDir,
	}
}

func (jr *jobRun) stepGuard(condition string, scope *expr.Scope) (bool, error) {
	if condition == "" {
		return expr.DefaultGuard(scope.Predecessors), nil
	}
	return expr.EvaluateBool(condition, scope)
}

// restoreCache resolves the step's cache declaration, restores matching
// content, and schedules write-back. It returns the value for the step's
// CACHE_HIT variable: "exact", "partial", or "none". Only key-template
// rendering failures are errors; a broken store degrades to a miss.
func (jr *jobRun) restoreCache(ctx context.Context, step *pipeline.Step, scope *expr.Scope) (string, error) {
	logger := ctxlog.FromContext(ctx)
	store := jr.r.engine.store

	if store == nil {
		return "none", nil
	}
	lookup, err := cache.Resolve(ctx, step.Cache, scope, store)
	if err != nil {
		return "", err
	}

	if !lookup.Exact {
		// Exact hits are already current; everything else gets the
		// primary key written back when the job ends.
		jr.writeBacks = append(jr.writeBacks, pendingWriteBack{spec: step.Cache, lookup: lookup})
	}
	if !lookup.Hit {
		logger.Info("Cache miss.", "key", lookup.PrimaryKey)
		return "none", nil
	}

	dir := jr.cachePath(lookup.Path)
	rc, ok, err := store.Get(ctx, lookup.Entry)
	if err != nil || !ok {
		logger.Warn("Cache entry retrieval failed, treating as miss.", "entry", lookup.Entry, "error", err)
		return "none", nil
	}
	defer rc.Close()
	if err := cache.Unpack(rc, dir); err != nil {
		logger.Warn("Cache restore failed, treating as miss.", "entry", lookup.Entry, "error", err)
		return "none", nil
	}

	if lookup.Exact {
		logger.Info("Cache hit.", "key", lookup.MatchedKey)
		return "exact", nil
	}
	logger.Info("Partial cache hit.", "restoreKey", lookup.MatchedKey, "entry", lookup.Entry)
	return "partial", nil
}

// saveCaches persists scheduled write-backs once all steps are done. A
// canceled job saves nothing: its directories may be half-written.
func (jr *jobRun) saveCaches(ctx context.Context, jobStatus pipeline.Status) {
	if len(jr.writeBacks) == 0 || jobStatus == pipeline.Canceled || ctx.Err() != nil {
		return
	}
	logger := ctxlog.FromContext(ctx)
	store := jr.r.engine.store

	for _, wb := range jr.writeBacks {
		if wb.spec.WriteBack == pipeline.WriteBackOnSuccess && jobStatus != pipeline.Succeeded {
			continue
		}
		dir := jr.cachePath(wb.lookup.Path)
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(cache.Pack(dir, pw))
		}()
		err := store.Put(ctx, wb.lookup.PrimaryKey, pr)
		// Closing the read end fails any write still pending in the
		// packing goroutine, so a Put that returns without draining the
		// pipe does not strand it.
		pr.CloseWithError(err)
		if err != nil {
			logger.Warn("Cache save failed.", "key", wb.lookup.PrimaryKey, "error", err)
			continue
		}
		logger.Info("Cache saved.", "key", wb.lookup.PrimaryKey)
	}
}

func (jr *jobRun) cachePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(jr.r.engine.opts.WorkDir, path)
}

func (jr *jobRun) publish(ctx context.Context, spec *pipeline.ArtifactSpec) error {
	sink := jr.r.engine.sink
	if sink == nil {
		return fmt.Errorf("no artifact sink configured")
	}
	path := spec.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(jr.r.engine.opts.WorkDir, path)
	}
	return sink.Publish(ctx, path, spec.Name)
}
