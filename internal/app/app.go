// Package app assembles the pieces of a pipeline run: it loads the
// definition, builds the worker pool, cache store, and artifact sink from
// configuration, and drives the engine.
package app

import (
	"io"
	"log/slog"

	"github.com/vk/stagerunner/internal/loader"
	"github.com/vk/stagerunner/internal/pipeline"
	"github.com/vk/stagerunner/internal/runctx"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	config   *Config
	def      *pipeline.Definition
	recorder *runctx.Recorder
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance with its own isolated logger and the pipeline
// definition loaded and validated.
func NewApp(outW io.Writer, config *Config) (*App, error) {
	logger := newLogger(config.LogLevel, config.LogFormat, outW)
	logger.Debug("Logger configured successfully.")

	def, err := loader.Load(config.PipelinePath)
	if err != nil {
		return nil, err
	}
	logger.Debug("Pipeline definition loaded.", "pipeline", def.Name, "stages", len(def.Stages))

	// Command-line variables override same-named pipeline variables.
	if len(config.Variables) > 0 {
		if def.Variables == nil {
			def.Variables = make(map[string]string, len(config.Variables))
		}
		for k, v := range config.Variables {
			def.Variables[k] = v
		}
	}

	return &App{
		outW:     outW,
		logger:   logger,
		config:   config,
		def:      def,
		recorder: runctx.NewRecorder(),
	}, nil
}

// Definition returns the loaded pipeline definition. This is primarily for testing.
func (a *App) Definition() *pipeline.Definition {
	return a.def
}
