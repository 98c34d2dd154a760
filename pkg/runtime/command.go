package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

const (
	// DefaultTimeout bounds any one-shot CLI invocation
	DefaultTimeout = 60 * time.Second

	// TimeoutExitCode is the POSIX convention for a timed-out command
	TimeoutExitCode = 124
)

// Output captures the result of a one-shot CLI invocation
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Runner executes external commands. The container engine CLI is only ever
// driven through this interface so tests can script responses.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Output, error)
}

// ExecRunner runs commands as real subprocesses
type ExecRunner struct{}

// Run spawns name with args, waits up to timeout, and captures output.
// A non-zero exit is reported through Output, not as an error; a returned
// error means the process could not run at all or timed out.
func (ExecRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Output, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err := cmd.Run()

	out := Output{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		out.TimedOut = true
		out.ExitCode = TimeoutExitCode
		return out, fmt.Errorf("command %s timed out after %dms", name, timeout.Milliseconds())
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		// Spawn failure: binary missing, permissions, etc.
		out.ExitCode = 1
		return out, fmt.Errorf("failed to run %s: %w", name, err)
	}

	return out, nil
}

// Terminate stops a long-lived subprocess gracefully, then forcibly.
// done must be closed (or receive) once the owner's cmd.Wait has returned.
func Terminate(cmd *exec.Cmd, done <-chan error, grace time.Duration) {
	if cmd == nil || cmd.Process == nil {
		return
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process already exited
		return
	}

	select {
	case <-done:
	case <-time.After(grace):
		_ = cmd.Process.Kill()
		<-done
	}
}
