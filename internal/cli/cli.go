// Package cli turns command-line arguments into an application configuration.
package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/vk/stagerunner/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// varFlags collects repeated -var NAME=VALUE flags.
type varFlags map[string]string

func (v varFlags) String() string { return "" }

func (v varFlags) Set(raw string) error {
	name, value, ok := strings.Cut(raw, "=")
	if !ok || name == "" {
		return fmt.Errorf("expected NAME=VALUE, got %q", raw)
	}
	v[name] = value
	return nil
}

// Parse processes command-line arguments. It returns a populated app.Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	flagSet := flag.NewFlagSet("stagerunner", flag.ContinueOnError)
	flagSet.SetOutput(output)

	// Custom usage/help text function
	flagSet.Usage = func() {
		fmt.Fprint(output, `
stagerunner - A declarative multi-stage pipeline runner.

Usage:
  stagerunner [options] PIPELINE_PATH

Arguments:
  PIPELINE_PATH
    Path to the pipeline definition file (YAML).

Options:
`)
		flagSet.PrintDefaults()
	}

	vars := varFlags{}
	flagSet.Var(vars, "var", "Pipeline variable override, NAME=VALUE. Repeatable.")
	pipelineFlag := flagSet.String("pipeline", "", "Path to the pipeline definition file.")
	workDirFlag := flagSet.String("workdir", ".", "Working directory for steps, caches, and hashFiles.")
	cacheDirFlag := flagSet.String("cache-dir", "", "Directory for the cache store. Empty disables caching.")
	artifactDirFlag := flagSet.String("artifact-dir", "", "Directory for published artifacts. Empty disables publication.")
	reportFlag := flagSet.String("report", "", "Write the JSON run report to this path. '-' writes to stdout.")
	statusPortFlag := flagSet.Int("status-port", 0, "Port for the HTTP status server. 0 is disabled.")
	logFormatFlag := flagSet.String("log-format", "json", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	workersFlag := flagSet.Int("workers", 4, "Maximum number of jobs running concurrently.")
	timeoutFlag := flagSet.Int("timeout", 0, "Overall run timeout in seconds. 0 is disabled.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	path := *pipelineFlag
	if path == "" && flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}
	if path == "" {
		flagSet.Usage()
		return nil, true, nil
	}
	if flagSet.NArg() > 1 || (*pipelineFlag != "" && flagSet.NArg() > 0) {
		return nil, false, &ExitError{Code: 2, Message: "expected exactly one pipeline path"}
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	config, err := app.NewConfig(app.Config{
		PipelinePath:   path,
		WorkDir:        *workDirFlag,
		CacheDir:       *cacheDirFlag,
		ArtifactDir:    *artifactDirFlag,
		ReportPath:     *reportFlag,
		StatusPort:     *statusPortFlag,
		LogFormat:      logFormat,
		LogLevel:       logLevel,
		WorkerCount:    *workersFlag,
		TimeoutSeconds: *timeoutFlag,
		Variables:      vars,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	return config, false, nil
}
