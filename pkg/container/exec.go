package container

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/hutchlabs/hutch/pkg/runtime"
	"github.com/hutchlabs/hutch/pkg/types"
)

// DefaultExecTimeout bounds an exec when the caller does not set one
const DefaultExecTimeout = 30 * time.Second

// ExecOptions tunes a one-shot in-container command
type ExecOptions struct {
	WorkDir     string
	User        string
	Timeout     time.Duration
	Env         map[string]string
	TTY         bool
	Interactive bool
	Privileged  bool
}

// Exec runs a command inside a running container and returns the captured
// output and exit status. The command is passed as discrete argv elements;
// it is never re-joined into a shell string.
func (m *Manager) Exec(ctx context.Context, containerID string, command []string, opts ExecOptions) types.ExecResult {
	kind := m.RuntimeKind()
	if kind == types.RuntimeNone {
		return types.ExecResult{ExitCode: 1, Error: "no container runtime available"}
	}

	if len(command) == 0 {
		return types.ExecResult{ExitCode: 1, Error: "empty command"}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}

	args := []string{"exec"}
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}
	if opts.User != "" {
		args = append(args, "-u", opts.User)
	}
	for _, k := range sortedKeys(opts.Env) {
		args = append(args, "-e", k+"="+opts.Env[k])
	}
	if opts.TTY {
		args = append(args, "-t")
	}
	if opts.Interactive {
		args = append(args, "-i")
	}
	if opts.Privileged {
		args = append(args, "--privileged")
	}
	args = append(args, containerID)
	args = append(args, command...)

	commandText := string(kind) + " " + shellquote.Join(args...)

	out, err := m.runner.Run(ctx, timeout, string(kind), args...)
	result := types.ExecResult{
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		ExitCode: out.ExitCode,
		Command:  commandText,
	}

	switch {
	case out.TimedOut:
		result.ExitCode = runtime.TimeoutExitCode
		result.Error = fmt.Sprintf("command timed out after %dms", timeout.Milliseconds())
	case err != nil:
		result.ExitCode = 1
		result.Error = err.Error()
	case out.ExitCode != 0:
		if result.ExitCode < 0 {
			result.ExitCode = 1
		}
		result.Error = fmt.Sprintf("command exited with code %d", result.ExitCode)
	default:
		result.Success = true
	}

	return result
}

// ExecString tokenizes a command line respecting single/double quoting and
// backslash escapes, then runs it as discrete argv elements
func (m *Manager) ExecString(ctx context.Context, containerID, commandLine string, opts ExecOptions) types.ExecResult {
	tokens, err := shellquote.Split(commandLine)
	if err != nil || len(tokens) == 0 {
		return types.ExecResult{
			ExitCode: 1,
			Error:    fmt.Sprintf("failed to parse command %q: %v", strings.TrimSpace(commandLine), err),
		}
	}
	return m.Exec(ctx, containerID, tokens, opts)
}
