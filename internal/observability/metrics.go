package observability

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeprov",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"server", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgeprov",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"server", "method", "path", "status"},
	)
	configMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeprov",
			Subsystem: "config",
			Name:      "mutations_total",
			Help:      "Config file mutations by operation and status.",
		},
		[]string{"op", "status"},
	)
	acquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeprov",
			Subsystem: "acquire",
			Name:      "attempts_total",
			Help:      "Acquisition strategy attempts by target, strategy and outcome.",
		},
		[]string{"target", "strategy", "outcome"},
	)
	acquisitionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgeprov",
			Subsystem: "acquire",
			Name:      "strategy_duration_seconds",
			Help:      "Acquisition strategy duration in seconds.",
			Buckets:   []float64{0.1, 1, 5, 15, 60, 300, 900},
		},
		[]string{"target", "strategy"},
	)
	migrationRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeprov",
			Subsystem: "migration",
			Name:      "records_total",
			Help:      "Migration log records by outcome.",
		},
		[]string{"outcome"},
	)
	gateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeprov",
			Subsystem: "gate",
			Name:      "transitions_total",
			Help:      "Service gate state transitions.",
		},
		[]string{"from", "to"},
	)
	gateLaunches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeprov",
			Subsystem: "gate",
			Name:      "launches_total",
			Help:      "Managed process launches by profile and exit result.",
		},
		[]string{"profile", "result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			configMutations,
			acquisitions,
			acquisitionDuration,
			migrationRecords,
			gateTransitions,
			gateLaunches,
		)
	})
}

func RecordHTTPRequest(server, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(server, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(server, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordConfigMutation(op, status string) {
	RegisterMetrics()
	configMutations.WithLabelValues(op, status).Inc()
}

func RecordAcquisition(target, strategy, outcome string, duration time.Duration) {
	RegisterMetrics()
	acquisitions.WithLabelValues(target, strategy, outcome).Inc()
	if duration > 0 {
		acquisitionDuration.WithLabelValues(target, strategy).Observe(duration.Seconds())
	}
}

func RecordMigration(outcome string) {
	RegisterMetrics()
	migrationRecords.WithLabelValues(outcome).Inc()
}

func RecordGateTransition(from, to string) {
	RegisterMetrics()
	gateTransitions.WithLabelValues(from, to).Inc()
}

func RecordGateLaunch(profile string, failed bool) {
	RegisterMetrics()
	result := "ok"
	if failed {
		result = "failed"
	}
	gateLaunches.WithLabelValues(profile, result).Inc()
}

// WriteTextfile exports the default registry for the node-exporter textfile collector.
func WriteTextfile(path string) error {
	RegisterMetrics()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	return nil
}
