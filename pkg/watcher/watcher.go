package watcher

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hutchlabs/hutch/pkg/container"
	"github.com/hutchlabs/hutch/pkg/events"
	"github.com/hutchlabs/hutch/pkg/log"
	"github.com/hutchlabs/hutch/pkg/metrics"
	"github.com/hutchlabs/hutch/pkg/runtime"
	"github.com/hutchlabs/hutch/pkg/types"
)

const (
	// stopGrace bounds graceful subprocess termination on Stop
	stopGrace = 2 * time.Second

	// resolveTimeout bounds the inspect issued while handling a die event
	resolveTimeout = 10 * time.Second

	// oomExitCode is the conventional exit code of an OOM-killed process
	oomExitCode = 137
)

// rawEvent mirrors the engine's `events --format '{{json .}}'` line shape
type rawEvent struct {
	Status string `json:"status"`
	ID     string `json:"id"`
	From   string `json:"from"`
	Type   string `json:"Type"`
	Action string `json:"Action"`
	Actor  struct {
		ID         string            `json:"ID"`
		Attributes map[string]string `json:"Attributes"`
	} `json:"Actor"`
	TimeNano int64 `json:"timeNano"`
}

// Watcher attaches to the runtime's global event stream and raises
// structured lifecycle notifications for workspace-owned containers,
// most importantly unexpected death.
type Watcher struct {
	manager *container.Manager
	broker  *events.Broker
	logger  zerolog.Logger

	mu      sync.Mutex
	running bool
	cmd     *exec.Cmd
	done    chan error
	cancel  context.CancelFunc
}

// New creates an events watcher bound to the manager's notification broker
// and name prefix
func New(manager *container.Manager, broker *events.Broker) *Watcher {
	return &Watcher{
		manager: manager,
		broker:  broker,
		logger:  log.WithComponent("events-watcher"),
	}
}

// Running reports whether the event stream subprocess is active
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Start spawns the event stream subprocess. Starting while already running
// is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	kind := w.manager.RuntimeKind()
	if kind == types.RuntimeNone {
		return fmt.Errorf("no container runtime available")
	}

	// Server-side filters narrow the stream; they are runtime-version
	// dependent, so a client-side prefix filter backs them up per line
	args := []string{
		"events",
		"--format", "{{json .}}",
		"--filter", "type=container",
		"--filter", "label=" + container.ManagedLabel + "=true",
	}

	streamCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(streamCtx, string(kind), args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to open event stream pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start event stream: %w", err)
	}

	w.cmd = cmd
	w.cancel = cancel
	w.done = make(chan error, 1)
	w.running = true

	go w.consume(streamCtx, stdout)

	w.logger.Info().Str("runtime", string(kind)).Msg("event stream attached")
	return nil
}

// Stop tears down the event stream subprocess, gracefully then forcibly
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cmd, done, cancel := w.cmd, w.done, w.cancel
	w.running = false
	w.mu.Unlock()

	runtime.Terminate(cmd, done, stopGrace)
	cancel()
	w.logger.Info().Msg("event stream detached")
}

func (w *Watcher) consume(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		event, err := parseEventLine(line)
		if err != nil {
			// Malformed lines are never fatal to the stream
			w.logger.Debug().Err(err).Str("line", line).Msg("skipping malformed event line")
			continue
		}

		if !strings.HasPrefix(event.Name, w.manager.NamePrefix()+"-") {
			continue
		}

		metrics.RuntimeEventsTotal.WithLabelValues(event.Status).Inc()

		if event.Status == "die" {
			w.handleDeath(ctx, event)
		}
	}

	err := w.cmd.Wait()

	w.mu.Lock()
	wasRunning := w.running
	w.running = false
	done := w.done
	w.mu.Unlock()

	done <- err
	if wasRunning {
		w.logger.Warn().Err(err).Msg("event stream ended unexpectedly")
	}
}

// handleDeath resolves the dying container and publishes a structured
// death notification with exit code, signal, and OOM inference
func (w *Watcher) handleDeath(ctx context.Context, event types.RuntimeEvent) {
	resolveCtx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	info, err := w.manager.Inspect(resolveCtx, event.ID)
	if err != nil {
		w.logger.Debug().Err(err).Str("container_id", event.ID).Msg("could not resolve dying container")
	}

	taskID := event.Attributes[container.TaskLabel]
	if taskID == "" {
		taskID = w.manager.TaskIDFromName(event.Name)
	}

	oomKilled := event.ExitCode == oomExitCode || event.Attributes["oomKilled"] == "true"

	w.broker.Publish(events.ContainerDied{
		Lifecycle: events.Lifecycle{
			ContainerID: event.ID,
			TaskID:      taskID,
			Info:        info,
			Timestamp:   event.Time,
			Success:     false,
			Error:       fmt.Sprintf("container %s died with exit code %d", event.Name, event.ExitCode),
		},
		ExitCode:  event.ExitCode,
		Signal:    event.Attributes["signal"],
		OOMKilled: oomKilled,
	})

	w.logger.Info().
		Str("container_id", event.ID).
		Str("task_id", taskID).
		Int("exit_code", event.ExitCode).
		Bool("oom_killed", oomKilled).
		Msg("container died")
}

// parseEventLine normalizes one JSON event line
func parseEventLine(line string) (types.RuntimeEvent, error) {
	var raw rawEvent
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return types.RuntimeEvent{}, fmt.Errorf("malformed event line: %w", err)
	}

	event := types.RuntimeEvent{
		Status:     raw.Status,
		ID:         raw.ID,
		Image:      raw.From,
		Attributes: raw.Actor.Attributes,
	}
	if event.Status == "" {
		event.Status = raw.Action
	}
	if event.ID == "" {
		event.ID = raw.Actor.ID
	}
	if event.Attributes == nil {
		event.Attributes = map[string]string{}
	}
	event.Name = event.Attributes["name"]

	if raw.TimeNano > 0 {
		event.Time = time.Unix(0, raw.TimeNano)
	} else {
		event.Time = time.Now()
	}

	if codeText, ok := event.Attributes["exitCode"]; ok {
		if code, err := strconv.Atoi(codeText); err == nil {
			event.ExitCode = code
		}
	}

	if event.Status == "" || event.ID == "" {
		return types.RuntimeEvent{}, fmt.Errorf("event line missing status or id")
	}
	return event, nil
}
