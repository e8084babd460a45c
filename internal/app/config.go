package app

import "errors"

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	PipelinePath string

	// WorkDir anchors step working directories, relative cache paths, and
	// hashFiles lookups. Defaults to the current directory.
	WorkDir string

	// CacheDir and ArtifactDir enable the filesystem cache store and
	// artifact sink. Empty disables the respective feature.
	CacheDir    string
	ArtifactDir string

	// ReportPath receives the JSON run report. Empty disables it; "-"
	// writes to standard output.
	ReportPath string

	LogFormat      string
	LogLevel       string
	StatusPort     int
	WorkerCount    int
	TimeoutSeconds int

	// Variables are command-line overrides layered over the pipeline's
	// declared variables.
	Variables map[string]string
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.PipelinePath == "" {
		return nil, errors.New("PipelinePath is a required configuration field and cannot be empty")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "."
	}
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	return &cfg, nil
}
