package types

import (
	"time"
)

// RuntimeKind identifies a container engine
type RuntimeKind string

const (
	RuntimeDocker RuntimeKind = "docker"
	RuntimePodman RuntimeKind = "podman"
	RuntimeNone   RuntimeKind = "none"
)

// ContainerStatus represents the observed state of a container as reported
// by the runtime. The manager never forces transitions; it only reflects
// what inspect reports.
type ContainerStatus string

const (
	StatusCreated    ContainerStatus = "created"
	StatusRunning    ContainerStatus = "running"
	StatusPaused     ContainerStatus = "paused"
	StatusRestarting ContainerStatus = "restarting"
	StatusRemoving   ContainerStatus = "removing"
	StatusExited     ContainerStatus = "exited"
	StatusDead       ContainerStatus = "dead"
)

// HealthState represents the health of a monitored container
type HealthState string

const (
	HealthStarting  HealthState = "starting"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// ContainerConfig is a declarative request for a container. Immutable once
// submitted to create.
type ContainerConfig struct {
	// Image is the image reference to run. When Dockerfile is set the
	// image built from it takes precedence; Image remains the fallback.
	Image        string
	Dockerfile   string
	BuildContext string

	Volumes []string          // "host:container[:mode]"
	Env     map[string]string
	Labels  map[string]string

	// Resource limits
	Memory            string // e.g. "512m"
	MemoryReservation string
	MemorySwap        string
	CPUShares         int64
	CPUQuota          int64
	PidsLimit         int64

	NetworkMode string
	WorkDir     string
	User        string

	Entrypoint []string
	Command    []string

	AutoRemove   bool
	Privileged   bool
	SecurityOpts []string
	CapAdd       []string
	CapDrop      []string
}

// ContainerRecord is a read projection of a container's state, recomputed
// on demand by inspecting the runtime. It is derived state, never owned:
// ownership of container existence lies entirely with the external runtime.
type ContainerRecord struct {
	ID         string
	Name       string
	Image      string
	Status     ContainerStatus
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   int
}

// ContainerStats is one snapshot of a container's resource usage
type ContainerStats struct {
	CPUPercent      float64
	MemoryUsage     int64
	MemoryLimit     int64
	MemoryPercent   float64
	NetworkRxBytes  int64
	NetworkTxBytes  int64
	BlockReadBytes  int64
	BlockWriteBytes int64
	PIDs            int
}

// OperationResult is the outcome of a lifecycle operation. Failures are
// returned, never raised across the public contract.
type OperationResult struct {
	Success     bool
	ContainerID string
	Info        *ContainerRecord
	Error       string
	Command     string // the literal command attempted, for debugging
	Output      string
}

// ExecResult is the outcome of a one-shot command run inside a container
type ExecResult struct {
	Success  bool
	Stdout   string
	Stderr   string
	ExitCode int
	Error    string
	Command  string
}

// HealthRecord tracks the health state machine for one monitored container.
// Mutated only by the health monitor.
type HealthRecord struct {
	ContainerID       string
	ContainerName     string
	Status            HealthState
	PreviousStatus    HealthState
	FailingStreak     int
	LastCheckTime     time.Time
	LastCheckOutput   string
	LastCheckExitCode int
	Error             string
}

// LogStreamName identifies which stream a log line came from
type LogStreamName string

const (
	LogStdout LogStreamName = "stdout"
	LogStderr LogStreamName = "stderr"
)

// LogEntry is one line of container output
type LogEntry struct {
	Timestamp time.Time
	Stream    LogStreamName
	Message   string
}

// RuntimeEvent is a normalized runtime daemon event
type RuntimeEvent struct {
	Status     string
	ID         string
	Name       string
	Image      string
	Time       time.Time
	ExitCode   int
	Attributes map[string]string
}
