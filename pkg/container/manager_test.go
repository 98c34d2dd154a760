package container

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hutchlabs/hutch/pkg/events"
	"github.com/hutchlabs/hutch/pkg/image"
	"github.com/hutchlabs/hutch/pkg/runtime"
	"github.com/hutchlabs/hutch/pkg/types"
)

// fakeRunner dispatches scripted responses by CLI verb and records calls
type fakeRunner struct {
	mu    sync.Mutex
	fn    func(name string, args []string) (runtime.Output, error)
	calls [][]string
}

func (f *fakeRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (runtime.Output, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()
	return f.fn(name, args)
}

func (f *fakeRunner) callsFor(verb string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for _, call := range f.calls {
		if len(call) > 1 && call[1] == verb {
			out = append(out, call)
		}
	}
	return out
}

const runningInspectLine = "abc123|/hutch-task1-k9|alpine|running|2024-01-01T10:00:00.000000000Z|2024-01-01T10:00:01.000000000Z|0001-01-01T00:00:00Z|0"

func newTestManager(t *testing.T, fn func(name string, args []string) (runtime.Output, error), broker *events.Broker) (*Manager, *fakeRunner) {
	t.Helper()
	runner := &fakeRunner{fn: func(name string, args []string) (runtime.Output, error) {
		if name != "docker" {
			return runtime.Output{ExitCode: 1}, fmt.Errorf("failed to run %s: not found", name)
		}
		switch args[0] {
		case "--version":
			return runtime.Output{Stdout: "Docker version 27.3.1, build ce12230"}, nil
		case "info":
			return runtime.Output{Stdout: "ok"}, nil
		}
		return fn(name, args)
	}}
	detector := runtime.NewDetector(runner)
	builder := image.NewBuilder(runner, detector, t.TempDir(), types.RuntimeDocker)
	manager := NewManager(runner, detector, builder, broker, Options{Preferred: types.RuntimeDocker})
	return manager, runner
}

func TestCreateWithAutoStart(t *testing.T) {
	manager, runner := newTestManager(t, func(name string, args []string) (runtime.Output, error) {
		switch args[0] {
		case "create":
			return runtime.Output{Stdout: "abc123\n"}, nil
		case "start":
			return runtime.Output{}, nil
		case "inspect":
			return runtime.Output{Stdout: runningInspectLine}, nil
		}
		return runtime.Output{ExitCode: 1, Stderr: "unexpected verb " + args[0]}, nil
	}, nil)

	result := manager.Create(context.Background(), types.ContainerConfig{
		Image:   "alpine",
		Command: []string{"echo", "hi"},
	}, "task1", CreateOptions{AutoStart: true})

	require.True(t, result.Success, result.Error)
	assert.Equal(t, "abc123", result.ContainerID)
	require.NotNil(t, result.Info)
	assert.Equal(t, types.StatusRunning, result.Info.Status)

	require.Len(t, runner.callsFor("start"), 1)

	createArgs := runner.callsFor("create")[0]
	assert.Contains(t, createArgs, "alpine")
	assert.Contains(t, createArgs, "echo")
	// Ownership labels are always applied
	assert.Contains(t, createArgs, "hutch.managed=true")
	assert.Contains(t, createArgs, "hutch.task=task1")
}

func TestCreateStartFailureRemovesContainer(t *testing.T) {
	manager, runner := newTestManager(t, func(name string, args []string) (runtime.Output, error) {
		switch args[0] {
		case "create":
			return runtime.Output{Stdout: "abc123\n"}, nil
		case "inspect":
			return runtime.Output{Stdout: runningInspectLine}, nil
		case "start":
			return runtime.Output{ExitCode: 1, Stderr: "oci runtime error"}, nil
		case "rm":
			return runtime.Output{}, nil
		}
		return runtime.Output{ExitCode: 1}, nil
	}, nil)

	result := manager.Create(context.Background(), types.ContainerConfig{Image: "alpine"}, "task1",
		CreateOptions{AutoStart: true})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "oci runtime error")

	// The unusable created container must not be orphaned
	rmCalls := runner.callsFor("rm")
	require.Len(t, rmCalls, 1)
	assert.Contains(t, rmCalls[0], "--force")
	assert.Contains(t, rmCalls[0], "abc123")
}

func TestCreateBuildFailureFallsBackToImage(t *testing.T) {
	manager, runner := newTestManager(t, func(name string, args []string) (runtime.Output, error) {
		switch args[0] {
		case "create":
			return runtime.Output{Stdout: "abc123\n"}, nil
		case "inspect":
			return runtime.Output{Stdout: runningInspectLine}, nil
		}
		return runtime.Output{ExitCode: 1}, nil
	}, nil)

	// The Dockerfile does not exist; the build fails but creation proceeds
	// with the declared literal image
	result := manager.Create(context.Background(), types.ContainerConfig{
		Image:      "alpine",
		Dockerfile: "does/not/exist/Dockerfile",
	}, "task1", CreateOptions{})

	require.True(t, result.Success, result.Error)
	assert.Contains(t, runner.callsFor("create")[0], "alpine")
}

func TestCreateNoRuntime(t *testing.T) {
	runner := &fakeRunner{fn: func(name string, args []string) (runtime.Output, error) {
		return runtime.Output{ExitCode: 1}, fmt.Errorf("failed to run %s: not found", name)
	}}
	detector := runtime.NewDetector(runner)
	builder := image.NewBuilder(runner, detector, t.TempDir(), types.RuntimeNone)
	manager := NewManager(runner, detector, builder, nil, Options{})

	result := manager.Create(context.Background(), types.ContainerConfig{Image: "alpine"}, "task1", CreateOptions{})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "no container runtime available")
}

func TestStderrIsFailureEvenOnExitZero(t *testing.T) {
	manager, _ := newTestManager(t, func(name string, args []string) (runtime.Output, error) {
		return runtime.Output{Stdout: "abc123", Stderr: "WARNING: something looked off"}, nil
	}, nil)

	result := manager.Start(context.Background(), "abc123")
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "WARNING")
}

func TestWhitespaceStderrIsNotFailure(t *testing.T) {
	manager, _ := newTestManager(t, func(name string, args []string) (runtime.Output, error) {
		return runtime.Output{Stdout: "abc123", Stderr: "  \n"}, nil
	}, nil)

	result := manager.Start(context.Background(), "abc123")
	assert.True(t, result.Success)
}

func TestStopPassesGracePeriod(t *testing.T) {
	manager, runner := newTestManager(t, func(name string, args []string) (runtime.Output, error) {
		return runtime.Output{Stdout: "abc123"}, nil
	}, nil)

	result := manager.Stop(context.Background(), "abc123", 30)
	require.True(t, result.Success)

	stopCalls := runner.callsFor("stop")
	require.Len(t, stopCalls, 1)
	assert.Equal(t, []string{"docker", "stop", "-t", "30", "abc123"}, stopCalls[0])
}

func TestInspectNotFoundReturnsNil(t *testing.T) {
	manager, _ := newTestManager(t, func(name string, args []string) (runtime.Output, error) {
		return runtime.Output{ExitCode: 1, Stderr: "Error: No such object: nope"}, nil
	}, nil)

	rec, err := manager.Inspect(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestListFiltersByPrefix(t *testing.T) {
	manager, _ := newTestManager(t, func(name string, args []string) (runtime.Output, error) {
		lines := []string{
			"aaa|hutch-task1-k9|alpine|running|2024-01-01 10:00:00 +0000 UTC",
			"bbb|unrelated-container|nginx|running|2024-01-01 10:00:00 +0000 UTC",
			"ccc|hutch-task2-m3|alpine|exited|2024-01-01 10:00:00 +0000 UTC",
		}
		return runtime.Output{Stdout: strings.Join(lines, "\n")}, nil
	}, nil)

	records, err := manager.List(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "aaa", records[0].ID)
	assert.Equal(t, types.StatusExited, records[1].Status)
}

func TestLifecycleNotificationsPublished(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	manager, _ := newTestManager(t, func(name string, args []string) (runtime.Output, error) {
		switch args[0] {
		case "create":
			return runtime.Output{Stdout: "abc123\n"}, nil
		case "inspect":
			return runtime.Output{Stdout: runningInspectLine}, nil
		}
		return runtime.Output{ExitCode: 1}, nil
	}, broker)

	result := manager.Create(context.Background(), types.ContainerConfig{Image: "alpine"}, "task1", CreateOptions{})
	require.True(t, result.Success)

	select {
	case n := <-sub:
		created, ok := n.(events.ContainerCreated)
		require.True(t, ok, "expected ContainerCreated, got %T", n)
		assert.True(t, created.Success)
		assert.Equal(t, "abc123", created.ContainerID)
		assert.Equal(t, "task1", created.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received")
	}
}

func TestBuildCreateArgsEscapesInjection(t *testing.T) {
	hostile := `"; rm -rf /; echo hacked`
	cfg := types.ContainerConfig{
		Image: "alpine",
		Env:   map[string]string{"PAYLOAD": hostile},
	}

	args := buildCreateArgs(cfg, "hutch-t-1", "alpine")

	// The hostile value stays a single argv element
	found := false
	for _, arg := range args {
		if arg == "PAYLOAD="+hostile {
			found = true
		}
	}
	assert.True(t, found, "hostile env value must remain one token: %v", args)

	// And the reported command text keeps it inside one quoted token
	text := "docker " + shellquote.Join(args...)
	assert.Contains(t, text, `'PAYLOAD="; rm -rf /; echo hacked'`)
}

func TestBuildCreateArgsFieldCoverage(t *testing.T) {
	cfg := types.ContainerConfig{
		Image:             "alpine",
		Volumes:           []string{"/src:/workspace:ro"},
		Env:               map[string]string{"A": "1", "B": "2"},
		Labels:            map[string]string{"team": "agents"},
		Memory:            "512m",
		MemoryReservation: "256m",
		MemorySwap:        "1g",
		CPUShares:         512,
		CPUQuota:          50000,
		PidsLimit:         128,
		NetworkMode:       "none",
		WorkDir:           "/workspace",
		User:              "1000:1000",
		Entrypoint:        []string{"/bin/sh", "-c"},
		Command:           []string{"echo hi"},
		AutoRemove:        true,
		Privileged:        true,
		SecurityOpts:      []string{"no-new-privileges"},
		CapAdd:            []string{"NET_ADMIN"},
		CapDrop:           []string{"ALL"},
	}

	args := buildCreateArgs(cfg, "hutch-t-1", "alpine")
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"--name hutch-t-1",
		"-v /src:/workspace:ro",
		"-e A=1", "-e B=2",
		"-l team=agents",
		"--memory 512m",
		"--memory-reservation 256m",
		"--memory-swap 1g",
		"--cpu-shares 512",
		"--cpu-quota 50000",
		"--pids-limit 128",
		"--network none",
		"-w /workspace",
		"-u 1000:1000",
		"--rm",
		"--privileged",
		"--security-opt no-new-privileges",
		"--cap-add NET_ADMIN",
		"--cap-drop ALL",
		"--entrypoint /bin/sh",
	} {
		assert.Contains(t, joined, want)
	}

	// Entrypoint tail becomes leading command arguments
	assert.Equal(t, []string{"alpine", "-c", "echo hi"}, args[len(args)-3:])
}

func TestContainerNameSanitization(t *testing.T) {
	manager, _ := newTestManager(t, func(name string, args []string) (runtime.Output, error) {
		return runtime.Output{}, nil
	}, nil)

	name := manager.ContainerName("task/with spaces:and$chars")
	assert.True(t, strings.HasPrefix(name, "hutch-task_with_spaces_and_chars-"))
	assert.NotRegexp(t, `[^A-Za-z0-9_.-]`, name)
}

func TestTaskIDFromName(t *testing.T) {
	manager, _ := newTestManager(t, func(name string, args []string) (runtime.Output, error) {
		return runtime.Output{}, nil
	}, nil)

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard", "hutch-task1-k92x1", "task1"},
		{"leading slash", "/hutch-task1-k92x1", "task1"},
		{"task with dashes", "hutch-my-task-k92x1", "my-task"},
		{"foreign name", "postgres", ""},
		{"wrong prefix", "other-task1-k92x1", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, manager.TaskIDFromName(tt.input))
		})
	}
}

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		input    string
		expected types.ContainerStatus
	}{
		{"created", types.StatusCreated},
		{"running", types.StatusRunning},
		{"Up", types.StatusRunning},
		{"paused", types.StatusPaused},
		{"restarting", types.StatusRestarting},
		{"removing", types.StatusRemoving},
		{"exited", types.StatusExited},
		{"stopped", types.StatusExited},
		{"dead", types.StatusDead},
		{"weird-new-state", types.StatusExited},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, normalizeStatus(tt.input), "input %q", tt.input)
	}
}

func TestParseInspectLine(t *testing.T) {
	rec, err := parseInspectLine(runningInspectLine)
	require.NoError(t, err)
	assert.Equal(t, "abc123", rec.ID)
	assert.Equal(t, "hutch-task1-k9", rec.Name, "leading slash stripped")
	assert.Equal(t, "alpine", rec.Image)
	assert.Equal(t, types.StatusRunning, rec.Status)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.False(t, rec.StartedAt.IsZero())
	assert.True(t, rec.FinishedAt.IsZero(), "engine zero time maps to zero value")
	assert.Equal(t, 0, rec.ExitCode)

	_, err = parseInspectLine("too|few|fields")
	assert.Error(t, err)
}
