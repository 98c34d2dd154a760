package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hutchlabs/hutch/pkg/log"
	"github.com/hutchlabs/hutch/pkg/types"
)

const (
	// cacheTTL bounds how long a probe result is trusted
	cacheTTL = 5 * time.Minute

	// probeTimeout bounds each individual probe command
	probeTimeout = 10 * time.Second
)

// Descriptor describes a probed container engine. Immutable once produced;
// a stale cache entry simply triggers re-probing.
type Descriptor struct {
	Kind        types.RuntimeKind
	Available   bool
	Version     string // normalized semver, or "unknown"
	FullVersion string // raw version command output
	Error       string
}

type cachedDescriptor struct {
	desc    Descriptor
	expires time.Time
}

// Detector probes the host for usable container engines. Probe results are
// cached per engine for five minutes.
type Detector struct {
	runner Runner
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[types.RuntimeKind]cachedDescriptor
	now   func() time.Time
}

// NewDetector creates a detector backed by the given runner
func NewDetector(runner Runner) *Detector {
	return &Detector{
		runner: runner,
		logger: log.WithComponent("runtime-detector"),
		cache:  make(map[types.RuntimeKind]cachedDescriptor),
		now:    time.Now,
	}
}

// Detect probes all supported engines and returns their descriptors
func (d *Detector) Detect() []Descriptor {
	return []Descriptor{
		d.Probe(types.RuntimeDocker),
		d.Probe(types.RuntimePodman),
	}
}

// Probe checks one engine: first that the binary answers its version
// command, then that the daemon is actually reachable via an info probe.
// Available is true only when both succeed.
func (d *Detector) Probe(kind types.RuntimeKind) Descriptor {
	if kind != types.RuntimeDocker && kind != types.RuntimePodman {
		return Descriptor{Kind: types.RuntimeNone, Error: fmt.Sprintf("unsupported runtime %q", kind)}
	}

	d.mu.Lock()
	if cached, ok := d.cache[kind]; ok && d.now().Before(cached.expires) {
		d.mu.Unlock()
		return cached.desc
	}
	d.mu.Unlock()

	desc := d.probe(kind)

	d.mu.Lock()
	d.cache[kind] = cachedDescriptor{desc: desc, expires: d.now().Add(cacheTTL)}
	d.mu.Unlock()

	return desc
}

func (d *Detector) probe(kind types.RuntimeKind) Descriptor {
	desc := Descriptor{Kind: kind, Version: UnknownVersion}
	ctx := context.Background()

	out, err := d.runner.Run(ctx, probeTimeout, string(kind), "--version")
	if err != nil || out.ExitCode != 0 {
		desc.Error = probeError(fmt.Sprintf("%s binary not found or not executable", kind), out, err)
		return desc
	}

	desc.FullVersion = strings.TrimSpace(out.Stdout)
	desc.Version = parseVersionText(kind, desc.FullVersion)

	// Functional probe: a present binary does not mean a reachable daemon
	out, err = d.runner.Run(ctx, probeTimeout, string(kind), "info")
	if err != nil || out.ExitCode != 0 {
		desc.Error = probeError(fmt.Sprintf("%s daemon is not reachable", kind), out, err)
		return desc
	}

	desc.Available = true
	d.logger.Debug().
		Str("runtime", string(kind)).
		Str("version", desc.Version).
		Msg("runtime probe succeeded")
	return desc
}

func probeError(msg string, out Output, err error) string {
	if err != nil {
		return fmt.Sprintf("%s: %v", msg, err)
	}
	if detail := strings.TrimSpace(out.Stderr); detail != "" {
		return fmt.Sprintf("%s: %s", msg, firstLine(detail))
	}
	return msg
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Best returns the preferred engine if available, else docker, else podman,
// else none.
func (d *Detector) Best(preferred types.RuntimeKind) types.RuntimeKind {
	if preferred == types.RuntimeDocker || preferred == types.RuntimePodman {
		if d.Probe(preferred).Available {
			return preferred
		}
	}
	if d.Probe(types.RuntimeDocker).Available {
		return types.RuntimeDocker
	}
	if d.Probe(types.RuntimePodman).Available {
		return types.RuntimePodman
	}
	return types.RuntimeNone
}

// ClearCache drops all cached probe results, forcing re-probing
func (d *Detector) ClearCache() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache = make(map[types.RuntimeKind]cachedDescriptor)
}
