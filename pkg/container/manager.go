package container

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"

	"github.com/hutchlabs/hutch/pkg/events"
	"github.com/hutchlabs/hutch/pkg/image"
	"github.com/hutchlabs/hutch/pkg/log"
	"github.com/hutchlabs/hutch/pkg/metrics"
	"github.com/hutchlabs/hutch/pkg/runtime"
	"github.com/hutchlabs/hutch/pkg/types"
)

const (
	// DefaultNamePrefix marks containers as workspace-owned
	DefaultNamePrefix = "hutch"

	// defaultOperationTimeout bounds each lifecycle CLI invocation
	defaultOperationTimeout = 60 * time.Second

	// DefaultStopGraceSeconds is how long the engine waits before SIGKILL
	DefaultStopGraceSeconds = 10

	// ManagedLabel marks containers owned by this tool
	ManagedLabel = "hutch.managed"

	// TaskLabel records the task a container was created for
	TaskLabel = "hutch.task"
)

var nameSanitizer = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// Manager creates, starts, stops, removes, and inspects workspace
// containers, building images on demand and publishing a lifecycle
// notification for every operation.
type Manager struct {
	runner     runtime.Runner
	detector   *runtime.Detector
	builder    *image.Builder
	broker     *events.Broker
	preferred  types.RuntimeKind
	namePrefix string
	opTimeout  time.Duration
	logger     zerolog.Logger
}

// Options configures a Manager
type Options struct {
	Preferred        types.RuntimeKind
	NamePrefix       string
	OperationTimeout time.Duration
}

// NewManager creates a lifecycle manager
func NewManager(runner runtime.Runner, detector *runtime.Detector, builder *image.Builder, broker *events.Broker, opts Options) *Manager {
	if opts.NamePrefix == "" {
		opts.NamePrefix = DefaultNamePrefix
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = defaultOperationTimeout
	}
	return &Manager{
		runner:     runner,
		detector:   detector,
		builder:    builder,
		broker:     broker,
		preferred:  opts.Preferred,
		namePrefix: opts.NamePrefix,
		opTimeout:  opts.OperationTimeout,
		logger:     log.WithComponent("container-manager"),
	}
}

// NamePrefix returns the configured workspace name prefix
func (m *Manager) NamePrefix() string {
	return m.namePrefix
}

// Broker returns the notification broker operations publish to
func (m *Manager) Broker() *events.Broker {
	return m.broker
}

// RuntimeKind resolves the engine to drive, or RuntimeNone
func (m *Manager) RuntimeKind() types.RuntimeKind {
	return m.detector.Best(m.preferred)
}

// CreateOptions tunes a single create call
type CreateOptions struct {
	AutoStart bool
	Name      string // overrides the generated task-derived name
}

// Create creates a container for the given config. When the config names a
// Dockerfile, the image is built (or reused) first; a build failure only
// downgrades to the declared literal image, it never aborts creation. When
// AutoStart is set and the start fails, the just-created container is
// removed before the failure is returned.
func (m *Manager) Create(ctx context.Context, cfg types.ContainerConfig, taskID string, opts CreateOptions) types.OperationResult {
	kind := m.RuntimeKind()
	if kind == types.RuntimeNone {
		result := types.OperationResult{Error: "no container runtime available"}
		m.publishLifecycle(events.ContainerCreated{}, "", taskID, nil, result)
		metrics.OperationsTotal.WithLabelValues("create", "failure").Inc()
		return result
	}

	imageRef := cfg.Image
	if cfg.Dockerfile != "" {
		build := m.builder.Build(ctx, image.BuildConfig{
			Dockerfile: cfg.Dockerfile,
			ContextDir: cfg.BuildContext,
		})
		if build.Success {
			imageRef = build.Image.Tag
		} else {
			m.logger.Warn().
				Str("dockerfile", cfg.Dockerfile).
				Str("fallback_image", cfg.Image).
				Str("error", build.Error).
				Msg("image build failed, falling back to declared image")
		}
	}

	name := opts.Name
	if name == "" {
		name = m.ContainerName(taskID)
	}

	// Ownership labels let the events watcher filter server-side and
	// recover the task ID without relying on the name convention
	labels := make(map[string]string, len(cfg.Labels)+2)
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	labels[ManagedLabel] = "true"
	if taskID != "" {
		labels[TaskLabel] = taskID
	}
	cfg.Labels = labels

	args := buildCreateArgs(cfg, name, imageRef)
	result := m.runOperation(ctx, kind, m.opTimeout, args)
	if result.Success {
		result.ContainerID = strings.TrimSpace(result.Output)
		if info, err := m.Inspect(ctx, result.ContainerID); err == nil {
			result.Info = info
		}
	}

	m.publishLifecycle(events.ContainerCreated{}, result.ContainerID, taskID, result.Info, result)
	metrics.OperationsTotal.WithLabelValues("create", outcome(result.Success)).Inc()

	if !result.Success {
		return result
	}

	if opts.AutoStart {
		startResult := m.Start(ctx, result.ContainerID)
		if !startResult.Success {
			// No orphaned created-but-unusable containers
			m.Remove(ctx, result.ContainerID, true)
			return startResult
		}
		if info, err := m.Inspect(ctx, result.ContainerID); err == nil {
			result.Info = info
		}
	}

	return result
}

// Start starts a created or stopped container
func (m *Manager) Start(ctx context.Context, id string) types.OperationResult {
	result := m.simpleOperation(ctx, "start", []string{"start", id})
	m.publishLifecycle(events.ContainerStarted{}, id, "", result.Info, result)
	return result
}

// Stop stops a running container, allowing graceSeconds before the engine
// escalates to SIGKILL
func (m *Manager) Stop(ctx context.Context, id string, graceSeconds int) types.OperationResult {
	if graceSeconds <= 0 {
		graceSeconds = DefaultStopGraceSeconds
	}

	kind := m.RuntimeKind()
	if kind == types.RuntimeNone {
		result := types.OperationResult{Error: "no container runtime available"}
		m.publishLifecycle(events.ContainerStopped{}, id, "", nil, result)
		metrics.OperationsTotal.WithLabelValues("stop", "failure").Inc()
		return result
	}

	args := []string{"stop", "-t", strconv.Itoa(graceSeconds), id}
	timeout := m.opTimeout + time.Duration(graceSeconds)*time.Second
	result := m.runOperation(ctx, kind, timeout, args)
	result.ContainerID = id

	m.publishLifecycle(events.ContainerStopped{}, id, "", nil, result)
	metrics.OperationsTotal.WithLabelValues("stop", outcome(result.Success)).Inc()
	return result
}

// Remove deletes a container, optionally forcing removal while running
func (m *Manager) Remove(ctx context.Context, id string, force bool) types.OperationResult {
	args := []string{"rm"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, id)

	result := m.simpleOperation(ctx, "remove", args)
	m.publishLifecycle(events.ContainerRemoved{}, id, "", nil, result)
	return result
}

func (m *Manager) simpleOperation(ctx context.Context, verb string, args []string) types.OperationResult {
	kind := m.RuntimeKind()
	if kind == types.RuntimeNone {
		metrics.OperationsTotal.WithLabelValues(verb, "failure").Inc()
		return types.OperationResult{Error: "no container runtime available"}
	}

	result := m.runOperation(ctx, kind, m.opTimeout, args)
	result.ContainerID = args[len(args)-1]
	metrics.OperationsTotal.WithLabelValues(verb, outcome(result.Success)).Inc()
	return result
}

// runOperation invokes the engine CLI and classifies the outcome. Non-empty
// stderr marks the operation failed even on exit 0: these CLIs emit
// warnings on stderr without failing, which is a known source of false
// negatives, preserved for compatibility.
func (m *Manager) runOperation(ctx context.Context, kind types.RuntimeKind, timeout time.Duration, args []string) types.OperationResult {
	commandText := string(kind) + " " + shellquote.Join(args...)

	out, err := m.runner.Run(ctx, timeout, string(kind), args...)
	result := types.OperationResult{
		Command: commandText,
		Output:  out.Stdout,
	}

	switch {
	case err != nil:
		result.Error = err.Error()
	case out.ExitCode != 0:
		result.Error = strings.TrimSpace(out.Stderr)
		if result.Error == "" {
			result.Error = fmt.Sprintf("command exited with code %d", out.ExitCode)
		}
	case strings.TrimSpace(out.Stderr) != "":
		result.Error = strings.TrimSpace(out.Stderr)
	default:
		result.Success = true
	}

	return result
}

// Inspect re-derives a container's record from the runtime. Returns nil
// (not an error) when the container does not exist. The record is derived
// state and must never be cached as authoritative.
func (m *Manager) Inspect(ctx context.Context, id string) (*types.ContainerRecord, error) {
	kind := m.RuntimeKind()
	if kind == types.RuntimeNone {
		return nil, fmt.Errorf("no container runtime available")
	}

	format := "{{.Id}}|{{.Name}}|{{.Config.Image}}|{{.State.Status}}|{{.Created}}|{{.State.StartedAt}}|{{.State.FinishedAt}}|{{.State.ExitCode}}"
	out, err := m.runner.Run(ctx, m.opTimeout, string(kind), "inspect", "--format", format, id)
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		if isNotFound(out.Stderr) {
			return nil, nil
		}
		return nil, fmt.Errorf("inspect failed: %s", strings.TrimSpace(out.Stderr))
	}

	return parseInspectLine(strings.TrimSpace(out.Stdout))
}

// List returns workspace-owned containers, filtered by the name prefix
func (m *Manager) List(ctx context.Context, includeExited bool) ([]types.ContainerRecord, error) {
	kind := m.RuntimeKind()
	if kind == types.RuntimeNone {
		return nil, fmt.Errorf("no container runtime available")
	}

	args := []string{"ps"}
	if includeExited {
		args = append(args, "--all")
	}
	args = append(args, "--format", "{{.ID}}|{{.Names}}|{{.Image}}|{{.State}}|{{.CreatedAt}}")

	out, err := m.runner.Run(ctx, m.opTimeout, string(kind), args...)
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, fmt.Errorf("ps failed: %s", strings.TrimSpace(out.Stderr))
	}

	var records []types.ContainerRecord
	for _, line := range strings.Split(out.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 4 {
			continue
		}
		if !strings.HasPrefix(fields[1], m.namePrefix+"-") {
			continue
		}
		rec := types.ContainerRecord{
			ID:     fields[0],
			Name:   fields[1],
			Image:  fields[2],
			Status: normalizeStatus(fields[3]),
		}
		if len(fields) >= 5 {
			if t, err := time.Parse("2006-01-02 15:04:05 -0700 MST", fields[4]); err == nil {
				rec.CreatedAt = t
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// ContainerName derives the workspace container name for a task. The
// base36 suffix keeps retried tasks from colliding.
func (m *Manager) ContainerName(taskID string) string {
	sanitized := nameSanitizer.ReplaceAllString(taskID, "_")
	suffix := strconv.FormatInt(time.Now().UnixMilli(), 36)
	return m.namePrefix + "-" + sanitized + "-" + suffix
}

// TaskIDFromName recovers the task ID embedded in a workspace container
// name, or "" when the name does not follow the convention.
func (m *Manager) TaskIDFromName(name string) string {
	name = strings.TrimPrefix(name, "/")
	if !strings.HasPrefix(name, m.namePrefix+"-") {
		return ""
	}
	rest := strings.TrimPrefix(name, m.namePrefix+"-")
	if i := strings.LastIndex(rest, "-"); i > 0 {
		return rest[:i]
	}
	return rest
}

func (m *Manager) publishLifecycle(variant events.Notification, id, taskID string, info *types.ContainerRecord, result types.OperationResult) {
	if m.broker == nil {
		return
	}

	base := events.Lifecycle{
		ContainerID: id,
		TaskID:      taskID,
		Info:        info,
		Timestamp:   time.Now(),
		Success:     result.Success,
		Error:       result.Error,
	}

	switch variant.(type) {
	case events.ContainerCreated:
		m.broker.Publish(events.ContainerCreated{Lifecycle: base})
	case events.ContainerStarted:
		m.broker.Publish(events.ContainerStarted{Lifecycle: base})
	case events.ContainerStopped:
		m.broker.Publish(events.ContainerStopped{Lifecycle: base})
	case events.ContainerRemoved:
		m.broker.Publish(events.ContainerRemoved{Lifecycle: base})
	}
}

// buildCreateArgs turns a ContainerConfig into create arguments, one token
// per populated field. Arguments are passed as discrete argv elements, never
// joined into a shell string, so task-supplied values cannot inject
// commands. Map iteration is sorted for deterministic command text.
func buildCreateArgs(cfg types.ContainerConfig, name, imageRef string) []string {
	args := []string{"create", "--name", name}

	for _, vol := range cfg.Volumes {
		args = append(args, "-v", vol)
	}
	for _, k := range sortedKeys(cfg.Env) {
		args = append(args, "-e", k+"="+cfg.Env[k])
	}
	for _, k := range sortedKeys(cfg.Labels) {
		args = append(args, "-l", k+"="+cfg.Labels[k])
	}

	if cfg.Memory != "" {
		args = append(args, "--memory", cfg.Memory)
	}
	if cfg.MemoryReservation != "" {
		args = append(args, "--memory-reservation", cfg.MemoryReservation)
	}
	if cfg.MemorySwap != "" {
		args = append(args, "--memory-swap", cfg.MemorySwap)
	}
	if cfg.CPUShares > 0 {
		args = append(args, "--cpu-shares", strconv.FormatInt(cfg.CPUShares, 10))
	}
	if cfg.CPUQuota > 0 {
		args = append(args, "--cpu-quota", strconv.FormatInt(cfg.CPUQuota, 10))
	}
	if cfg.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.FormatInt(cfg.PidsLimit, 10))
	}

	if cfg.NetworkMode != "" {
		args = append(args, "--network", cfg.NetworkMode)
	}
	if cfg.WorkDir != "" {
		args = append(args, "-w", cfg.WorkDir)
	}
	if cfg.User != "" {
		args = append(args, "-u", cfg.User)
	}

	if cfg.AutoRemove {
		args = append(args, "--rm")
	}
	if cfg.Privileged {
		args = append(args, "--privileged")
	}
	for _, opt := range cfg.SecurityOpts {
		args = append(args, "--security-opt", opt)
	}
	for _, c := range cfg.CapAdd {
		args = append(args, "--cap-add", c)
	}
	for _, c := range cfg.CapDrop {
		args = append(args, "--cap-drop", c)
	}

	command := cfg.Command
	if len(cfg.Entrypoint) > 0 {
		// The CLI takes a single entrypoint binary; extra entrypoint
		// elements become leading command arguments
		args = append(args, "--entrypoint", cfg.Entrypoint[0])
		command = append(append([]string{}, cfg.Entrypoint[1:]...), command...)
	}

	args = append(args, imageRef)
	args = append(args, command...)
	return args
}

func parseInspectLine(line string) (*types.ContainerRecord, error) {
	fields := strings.Split(line, "|")
	if len(fields) != 8 {
		return nil, fmt.Errorf("unexpected inspect output: %q", line)
	}

	rec := &types.ContainerRecord{
		ID:     fields[0],
		Name:   strings.TrimPrefix(fields[1], "/"),
		Image:  fields[2],
		Status: normalizeStatus(fields[3]),
	}

	rec.CreatedAt = parseRuntimeTime(fields[4])
	rec.StartedAt = parseRuntimeTime(fields[5])
	rec.FinishedAt = parseRuntimeTime(fields[6])

	if code, err := strconv.Atoi(fields[7]); err == nil {
		rec.ExitCode = code
	}

	return rec, nil
}

// parseRuntimeTime tolerates the engine's zero time and format drift;
// unparseable values degrade to the zero time rather than failing
func parseRuntimeTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "0001-01-01") {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Time{}
}

// normalizeStatus maps runtime-specific status strings onto the canonical
// set, defaulting unrecognized values to exited as the safe choice
func normalizeStatus(s string) types.ContainerStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "created":
		return types.StatusCreated
	case "running", "up":
		return types.StatusRunning
	case "paused":
		return types.StatusPaused
	case "restarting":
		return types.StatusRestarting
	case "removing":
		return types.StatusRemoving
	case "dead":
		return types.StatusDead
	case "exited", "stopped":
		return types.StatusExited
	default:
		return types.StatusExited
	}
}

func isNotFound(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such object") ||
		strings.Contains(s, "no such container") ||
		strings.Contains(s, "no container with name")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
