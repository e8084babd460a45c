package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConfig is the sentinel all structural definition errors unwrap to.
// A config error is fatal at build time and aborts before any dispatch.
var ErrConfig = errors.New("invalid pipeline configuration")

// ConfigError reports a structurally invalid definition that is not
// covered by a more specific error type.
type ConfigError struct {
	Detail string
}

func (e *ConfigError) Error() string {
	return "invalid pipeline configuration: " + e.Detail
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

// CycleError reports a cyclic stage dependency relation. Cycle names every
// stage on the detected cycle, in traversal order.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("stage dependency cycle: %s", strings.Join(e.Cycle, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrConfig }

// UnknownDependencyError reports a dependsOn entry naming a nonexistent stage.
type UnknownDependencyError struct {
	Stage   string
	Missing string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("stage %q depends on unknown stage %q", e.Stage, e.Missing)
}

func (e *UnknownDependencyError) Unwrap() error { return ErrConfig }
