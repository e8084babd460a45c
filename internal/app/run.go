package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/vk/stagerunner/internal/artifact"
	"github.com/vk/stagerunner/internal/cache"
	"github.com/vk/stagerunner/internal/ctxlog"
	"github.com/vk/stagerunner/internal/engine"
	"github.com/vk/stagerunner/internal/runctx"
	"github.com/vk/stagerunner/internal/worker"
)

// Run executes the loaded pipeline and returns the run report. The returned
// error covers configuration and infrastructure failures only; step failures
// surface through the report's statuses.
func (a *App) Run(ctx context.Context) (*runctx.Result, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	if a.config.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(a.config.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	if a.config.StatusPort > 0 {
		a.startStatusServer(ctx, a.config.StatusPort)
	}

	pool := worker.NewLocalPool(a.config.WorkerCount)

	var store cache.Store
	if a.config.CacheDir != "" {
		fsStore, err := cache.NewFSStore(a.config.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("opening cache store: %w", err)
		}
		store = fsStore
	}

	var sink artifact.Sink
	if a.config.ArtifactDir != "" {
		fsSink, err := artifact.NewFSSink(a.config.ArtifactDir)
		if err != nil {
			return nil, fmt.Errorf("opening artifact sink: %w", err)
		}
		sink = fsSink
	}

	eng := engine.New(pool, store, sink, engine.Options{
		MaxParallel: a.config.WorkerCount,
		WorkDir:     a.config.WorkDir,
		Recorder:    a.recorder,
	})

	result, err := eng.Run(ctx, a.def)
	if err != nil {
		return nil, err
	}

	if a.config.ReportPath != "" {
		if err := a.writeReport(result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (a *App) writeReport(result *runctx.Result) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run report: %w", err)
	}
	data = append(data, '\n')

	if a.config.ReportPath == "-" {
		_, err = a.outW.Write(data)
		return err
	}
	if err := os.WriteFile(a.config.ReportPath, data, 0o644); err != nil {
		return fmt.Errorf("writing run report: %w", err)
	}
	a.logger.Info("Run report written.", "path", a.config.ReportPath)
	return nil
}
