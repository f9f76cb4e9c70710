package migration

import "github.com/prometheus/client_golang/prometheus"

// namespace is the leading part of all published metric names.
const namespace = "couchmove"

type migrationMetrics struct {
	// Executed counts the changelogs applied successfully.
	Executed *prometheus.CounterVec

	// Skipped counts the changelogs skipped because their version is at
	// or below the executed watermark.
	Skipped *prometheus.CounterVec

	// Failed counts the changelogs whose application failed.
	Failed *prometheus.CounterVec

	// Duration records how long applying a changelog took.
	Duration *prometheus.HistogramVec
}

// newMigrationMetrics initialises the metrics recorded over migration runs.
func newMigrationMetrics() *migrationMetrics {
	const subsystem = "migration"

	labels := []string{"type"}
	return &migrationMetrics{
		Executed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "executed_total",
			Help:      "Number of changelogs executed.",
		}, labels),
		Skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "skipped_total",
			Help:      "Number of changelogs skipped.",
		}, labels),
		Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "failed_total",
			Help:      "Number of changelogs which failed to execute.",
		}, labels),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "duration_seconds",
			Help:      "Time taken executing a changelog.",
		}, labels),
	}
}

// Collectors returns all the metrics associated with migration runs.
func (m *migrationMetrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Executed,
		m.Skipped,
		m.Failed,
		m.Duration,
	}
}
