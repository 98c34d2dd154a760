package container

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/go-units"

	"github.com/hutchlabs/hutch/pkg/types"
)

// statsFormat is the table row template for one stats snapshot. The field
// order is a compatibility contract with parseStatsLine.
const statsFormat = "{{.CPUPerc}}|{{.MemUsage}}|{{.MemPerc}}|{{.NetIO}}|{{.BlockIO}}|{{.PIDs}}"

// Stats fetches one resource usage snapshot for a container
func (m *Manager) Stats(ctx context.Context, id string) (*types.ContainerStats, error) {
	kind := m.RuntimeKind()
	if kind == types.RuntimeNone {
		return nil, fmt.Errorf("no container runtime available")
	}

	out, err := m.runner.Run(ctx, m.opTimeout, string(kind),
		"stats", "--no-stream", "--format", statsFormat, id)
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, fmt.Errorf("stats failed: %s", strings.TrimSpace(out.Stderr))
	}

	return parseStatsLine(strings.TrimSpace(out.Stdout))
}

// parseStatsLine parses one stats row, e.g.
// "50.0%|512MiB / 1GiB|50.0%|1.2kB / 800B|1.2MB / 800kB|12"
func parseStatsLine(line string) (*types.ContainerStats, error) {
	fields := strings.Split(line, "|")
	if len(fields) != 6 {
		return nil, fmt.Errorf("unexpected stats output: %q", line)
	}

	stats := &types.ContainerStats{
		CPUPercent:    parsePercent(fields[0]),
		MemoryPercent: parsePercent(fields[2]),
	}

	stats.MemoryUsage, stats.MemoryLimit = parseBytePair(fields[1])
	stats.NetworkRxBytes, stats.NetworkTxBytes = parseBytePair(fields[3])
	stats.BlockReadBytes, stats.BlockWriteBytes = parseBytePair(fields[4])

	if pids, err := strconv.Atoi(strings.TrimSpace(fields[5])); err == nil {
		stats.PIDs = pids
	}

	return stats, nil
}

func parsePercent(s string) float64 {
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// parseBytePair parses "X / Y" byte quantities, degrading to zero on
// malformed values
func parseBytePair(s string) (int64, int64) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return 0, 0
	}
	return parseByteSize(parts[0]), parseByteSize(parts[1])
}

// parseByteSize resolves unit ambiguity by the literal suffix: binary
// units (KiB/MiB/GiB, x1024) versus decimal (kB/MB/GB, x1000) are never
// assumed, only read off the text.
func parseByteSize(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "--" {
		return 0
	}

	if strings.Contains(strings.ToLower(s), "i") {
		v, err := units.RAMInBytes(s)
		if err != nil {
			return 0
		}
		return v
	}

	v, err := units.FromHumanSize(s)
	if err != nil {
		return 0
	}
	return v
}
