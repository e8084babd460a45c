package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/vk/stagerunner/internal/ctxlog"
	"github.com/vk/stagerunner/internal/pipeline"
)

// TaskFunc executes a named task payload. It returns the output variables
// the task declares for downstream steps.
type TaskFunc func(ctx context.Context, with, env map[string]string) (map[string]string, error)

// setVariablePattern matches output-variable markers emitted by scripts on
// stdout: ##vso[task.setvariable variable=NAME]VALUE
var setVariablePattern = regexp.MustCompile(`##vso\[task\.setvariable variable=([A-Za-z_][A-Za-z0-9_]*)\](.*)`)

// LocalPool runs payloads in-process: scripts through the shell, tasks
// through a registered function table. Capacity bounds how many workers can
// be acquired at once; callers beyond capacity block FIFO in Acquire.
type LocalPool struct {
	sem   chan struct{}
	tasks map[string]TaskFunc
}

// NewLocalPool creates a pool with the given capacity.
func NewLocalPool(capacity int) *LocalPool {
	if capacity < 1 {
		capacity = 1
	}
	return &LocalPool{
		sem:   make(chan struct{}, capacity),
		tasks: make(map[string]TaskFunc),
	}
}

// RegisterTask adds a task handler. Not safe to call once dispatching has
// started.
func (p *LocalPool) RegisterTask(name string, fn TaskFunc) {
	p.tasks[name] = fn
}

type localHandle struct {
	id string
}

func (h *localHandle) ID() string { return h.id }

// Acquire implements Pool. The pool descriptor is ignored: all local
// workers are interchangeable.
func (p *LocalPool) Acquire(ctx context.Context, pool string) (Handle, error) {
	select {
	case p.sem <- struct{}{}:
		return &localHandle{id: uuid.NewString()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release implements Pool.
func (p *LocalPool) Release(h Handle) {
	<-p.sem
}

// Dispatch implements Pool.
func (p *LocalPool) Dispatch(ctx context.Context, h Handle, payload Payload) (<-chan Completion, error) {
	done := make(chan Completion, 1)
	go func() {
		done <- p.execute(ctx, h, payload)
	}()
	return done, nil
}

func (p *LocalPool) execute(ctx context.Context, h Handle, payload Payload) Completion {
	logger := ctxlog.FromContext(ctx).With("worker", h.ID())

	var outputs map[string]string
	var err error
	switch payload.Kind {
	case pipeline.StepScript:
		outputs, err = p.runScript(ctx, payload)
	case pipeline.StepTask:
		fn, ok := p.tasks[payload.Task]
		if !ok {
			err = fmt.Errorf("unknown task %q", payload.Task)
		} else {
			outputs, err = fn(ctx, payload.With, payload.Env)
		}
	default:
		err = fmt.Errorf("unknown payload kind %q", payload.Kind)
	}

	if ctx.Err() != nil {
		logger.Warn("Payload stopped by cancellation.", "error", ctx.Err())
		return Completion{Status: pipeline.Canceled, Err: ctx.Err()}
	}
	if err != nil {
		logger.Debug("Payload failed.", "error", err)
		return Completion{Status: pipeline.Failed, Err: err}
	}
	return Completion{Status: pipeline.Succeeded, Outputs: outputs}
}

// waitDelay bounds how long Wait may block on inherited output pipes after
// the script was signaled. It only matters if something in the process
// group survived the kill.
const waitDelay = 5 * time.Second

// runScript executes a script payload via the shell and scans its stdout
// for output-variable markers.
func (p *LocalPool) runScript(ctx context.Context, payload Payload) (map[string]string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", payload.Script)
	cmd.Dir = payload.Dir

	env := os.Environ()
	for k, v := range payload.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	// The shell gets its own process group and cancellation signals the
	// whole group. Killing only the shell leaves background children
	// holding the output pipes, and Wait would block until their natural
	// exit instead of the deadline.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	runErr := cmd.Run()
	outputs := parseOutputs(out.String())
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return outputs, fmt.Errorf("script exited with code %d", exitErr.ExitCode())
		}
		return outputs, runErr
	}
	return outputs, nil
}

// parseOutputs extracts set-variable markers from script output.
func parseOutputs(output string) map[string]string {
	var outputs map[string]string
	for _, line := range strings.Split(output, "\n") {
		m := setVariablePattern.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		if outputs == nil {
			outputs = make(map[string]string)
		}
		outputs[m[1]] = m[2]
	}
	return outputs
}
