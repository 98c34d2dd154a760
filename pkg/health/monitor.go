package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hutchlabs/hutch/pkg/container"
	"github.com/hutchlabs/hutch/pkg/events"
	"github.com/hutchlabs/hutch/pkg/log"
	"github.com/hutchlabs/hutch/pkg/metrics"
	"github.com/hutchlabs/hutch/pkg/types"
)

const (
	// DefaultInterval is the polling cadence
	DefaultInterval = 30 * time.Second

	// DefaultMaxFailures is the failing streak that flips a container to
	// unhealthy
	DefaultMaxFailures = 3

	// DefaultPIDCeiling is the hard PID count above which a container is
	// considered runaway
	DefaultPIDCeiling = 2048

	// memoryThreshold marks a container unhealthy when usage crosses this
	// fraction of its limit
	memoryThreshold = 0.95

	// checkTimeout bounds each per-container check within a poll
	checkTimeout = 20 * time.Second
)

// Options configures a Monitor
type Options struct {
	Interval    time.Duration
	MaxFailures int
	PIDCeiling  int
}

// Monitor polls container state and stats on an interval, maintains a
// health state machine per container, and reacts immediately to death
// notifications. It self-registers to the lifecycle notification stream so
// callers never manage subscriptions manually.
type Monitor struct {
	manager     *container.Manager
	broker      *events.Broker
	interval    time.Duration
	maxFailures int
	pidCeiling  int
	logger      zerolog.Logger

	mu      sync.Mutex
	records map[string]*types.HealthRecord
	running bool
	stopCh  chan struct{}
	sub     events.Subscriber
}

// NewMonitor creates a health monitor
func NewMonitor(manager *container.Manager, broker *events.Broker, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultMaxFailures
	}
	if opts.PIDCeiling <= 0 {
		opts.PIDCeiling = DefaultPIDCeiling
	}
	return &Monitor{
		manager:     manager,
		broker:      broker,
		interval:    opts.Interval,
		maxFailures: opts.MaxFailures,
		pidCeiling:  opts.PIDCeiling,
		logger:      log.WithComponent("health-monitor"),
		records:     make(map[string]*types.HealthRecord),
	}
}

// Start begins monitoring. A second start while running is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.sub = m.broker.Subscribe()

	go m.notificationLoop(m.sub, m.stopCh)
	go m.pollLoop(m.stopCh)
}

// Stop deactivates monitoring. In-flight checks complete but their results
// are discarded.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
	m.broker.Unsubscribe(m.sub)
}

// Track begins monitoring a container. The record starts in the starting
// state with a zero streak.
func (m *Monitor) Track(containerID, containerName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[containerID]; exists {
		return
	}
	m.records[containerID] = &types.HealthRecord{
		ContainerID:   containerID,
		ContainerName: containerName,
		Status:        types.HealthStarting,
	}
	metrics.MonitoredContainers.Set(float64(len(m.records)))
	m.refreshStatusMetrics()
}

// Untrack drops a container's health record
func (m *Monitor) Untrack(containerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, containerID)
	metrics.MonitoredContainers.Set(float64(len(m.records)))
	m.refreshStatusMetrics()
}

// Record returns a copy of one container's health record
func (m *Monitor) Record(containerID string) (types.HealthRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[containerID]
	if !ok {
		return types.HealthRecord{}, false
	}
	return *rec, true
}

// Records returns copies of all tracked health records
func (m *Monitor) Records() []types.HealthRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.HealthRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	return out
}

// notificationLoop reacts to lifecycle notifications: created and started
// containers are tracked (started also resets the streak), stopped and
// removed containers are dropped, and a death forces unhealthy immediately.
func (m *Monitor) notificationLoop(sub events.Subscriber, stopCh chan struct{}) {
	for {
		select {
		case n, ok := <-sub:
			if !ok {
				return
			}
			m.handleNotification(n)
		case <-stopCh:
			return
		}
	}
}

func (m *Monitor) handleNotification(n events.Notification) {
	switch v := n.(type) {
	case events.ContainerCreated:
		if v.Success && v.ContainerID != "" {
			m.Track(v.ContainerID, nameFromInfo(v.Info))
		}
	case events.ContainerStarted:
		if v.Success && v.ContainerID != "" {
			m.Track(v.ContainerID, nameFromInfo(v.Info))
			m.resetStreak(v.ContainerID)
		}
	case events.ContainerStopped:
		if v.Success {
			m.Untrack(v.ContainerID)
		}
	case events.ContainerRemoved:
		if v.Success {
			m.Untrack(v.ContainerID)
		}
	case events.ContainerDied:
		m.forceUnhealthy(v.ContainerID, v.Error)
	}
}

func (m *Monitor) pollLoop(stopCh chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.poll()
		case <-stopCh:
			return
		}
	}
}

// poll checks every tracked container concurrently, waiting for all and
// tolerating individual failures: one slow or failed container never
// stalls or aborts the batch.
func (m *Monitor) poll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
			defer cancel()
			verdict := m.evaluate(ctx, id)
			m.apply(id, verdict)
		}(id)
	}
	wg.Wait()
}

type verdictKind int

const (
	verdictHealthy verdictKind = iota
	verdictFailed
	verdictStarting
)

type verdict struct {
	kind   verdictKind
	output string
}

// evaluate performs one health evaluation: non-running containers are
// starting (created) or failed (anything else); running containers are
// judged on stats availability, memory pressure, and PID count.
func (m *Monitor) evaluate(ctx context.Context, id string) verdict {
	info, err := m.manager.Inspect(ctx, id)
	if err != nil {
		return verdict{verdictFailed, fmt.Sprintf("inspect failed: %v", err)}
	}
	if info == nil {
		return verdict{verdictFailed, "container no longer exists"}
	}

	switch info.Status {
	case types.StatusCreated:
		return verdict{verdictStarting, "container not started yet"}
	case types.StatusRunning:
		// fall through to stats checks
	default:
		return verdict{verdictFailed, fmt.Sprintf("container is %s", info.Status)}
	}

	stats, err := m.manager.Stats(ctx, id)
	if err != nil {
		return verdict{verdictFailed, fmt.Sprintf("stats unavailable: %v", err)}
	}

	if stats.MemoryLimit > 0 && float64(stats.MemoryUsage) > memoryThreshold*float64(stats.MemoryLimit) {
		return verdict{verdictFailed, fmt.Sprintf("memory usage %d of %d exceeds %.0f%% threshold",
			stats.MemoryUsage, stats.MemoryLimit, memoryThreshold*100)}
	}
	if stats.PIDs > m.pidCeiling {
		return verdict{verdictFailed, fmt.Sprintf("pid count %d exceeds ceiling %d", stats.PIDs, m.pidCeiling)}
	}

	return verdict{verdictHealthy, "ok"}
}

// apply folds one evaluation into the state machine. Results arriving
// after Stop are safely discarded.
func (m *Monitor) apply(id string, v verdict) {
	m.mu.Lock()

	if !m.running {
		m.mu.Unlock()
		return
	}
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return
	}

	prev := rec.Status
	rec.LastCheckTime = time.Now()
	rec.LastCheckOutput = v.output

	switch v.kind {
	case verdictHealthy:
		rec.FailingStreak = 0
		rec.Status = types.HealthHealthy
		rec.Error = ""
	case verdictFailed:
		rec.FailingStreak++
		rec.Error = v.output
		if rec.FailingStreak >= m.maxFailures {
			rec.Status = types.HealthUnhealthy
		}
	case verdictStarting:
		rec.Status = types.HealthStarting
	}

	changed := rec.Status != prev
	if changed {
		rec.PreviousStatus = prev
	}
	snapshot := *rec
	m.refreshStatusMetrics()
	m.mu.Unlock()

	if changed {
		m.publishChange(snapshot)
	}
}

// forceUnhealthy transitions a container to unhealthy immediately,
// regardless of its current streak
func (m *Monitor) forceUnhealthy(id, reason string) {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return
	}

	prev := rec.Status
	rec.FailingStreak = m.maxFailures
	rec.LastCheckTime = time.Now()
	rec.Error = reason
	rec.Status = types.HealthUnhealthy

	changed := prev != types.HealthUnhealthy
	if changed {
		rec.PreviousStatus = prev
	}
	snapshot := *rec
	m.refreshStatusMetrics()
	m.mu.Unlock()

	if changed {
		m.publishChange(snapshot)
	}
}

func (m *Monitor) resetStreak(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok {
		rec.FailingStreak = 0
		rec.Status = types.HealthStarting
		rec.Error = ""
	}
}

// publishChange emits a health notification; polls that do not change
// status emit nothing
func (m *Monitor) publishChange(rec types.HealthRecord) {
	m.broker.Publish(events.HealthChanged{
		ContainerID:   rec.ContainerID,
		ContainerName: rec.ContainerName,
		Status:        rec.Status,
		Previous:      rec.PreviousStatus,
		FailingStreak: rec.FailingStreak,
		Timestamp:     time.Now(),
	})

	m.logger.Info().
		Str("container_id", rec.ContainerID).
		Str("status", string(rec.Status)).
		Str("previous", string(rec.PreviousStatus)).
		Int("failing_streak", rec.FailingStreak).
		Msg("container health changed")
}

// refreshStatusMetrics recounts per-status gauges; callers hold m.mu
func (m *Monitor) refreshStatusMetrics() {
	counts := map[types.HealthState]int{
		types.HealthStarting:  0,
		types.HealthHealthy:   0,
		types.HealthUnhealthy: 0,
	}
	for _, rec := range m.records {
		counts[rec.Status]++
	}
	for status, count := range counts {
		metrics.HealthStatusTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func nameFromInfo(info *types.ContainerRecord) string {
	if info == nil {
		return ""
	}
	return info.Name
}
