package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Lifecycle metrics
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_container_operations_total",
			Help: "Total container lifecycle operations by verb and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// Build metrics
	BuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_image_builds_total",
			Help: "Total image build requests by outcome (hit, rebuilt, failed)",
		},
		[]string{"outcome"},
	)

	BuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hutch_image_build_duration_seconds",
			Help:    "Duration of runtime image builds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	// Health metrics
	MonitoredContainers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_monitored_containers",
			Help: "Number of containers currently tracked by the health monitor",
		},
	)

	HealthStatusTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_container_health_status",
			Help: "Number of monitored containers by health status",
		},
		[]string{"status"},
	)

	// Event metrics
	RuntimeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_runtime_events_total",
			Help: "Total runtime daemon events observed by status",
		},
		[]string{"status"},
	)
)

// Register registers all metrics with the default registry
func Register() {
	prometheus.MustRegister(
		OperationsTotal,
		BuildsTotal,
		BuildDuration,
		MonitoredContainers,
		HealthStatusTotal,
		RuntimeEventsTotal,
	)
}

// Handler returns the HTTP handler for the metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
