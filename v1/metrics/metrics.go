package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// MoveCounter tracks committed lane transitions.
	MoveCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "board_moves_total",
		Help: "Total number of committed lane transitions",
	})
	// MoveFailureCounter tracks rejected or failed lane transitions.
	MoveFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "board_move_failures_total",
		Help: "Total number of failed lane transitions",
	})
	// LockConflictCounter tracks acquire attempts refused because the record
	// was already held.
	LockConflictCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "board_lock_conflicts_total",
		Help: "Total number of presence lock conflicts",
	})
	// EventsPublished tracks events published to the broadcast bus.
	EventsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "board_events_published_total",
		Help: "Total number of broadcast events published",
	})
	// ViewerGauge reports the number of connected viewer sessions.
	ViewerGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "board_viewers",
		Help: "Current number of connected viewer sessions",
	})
	// EchoesSuppressed tracks broadcast echoes dropped by their originator.
	EchoesSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "board_echoes_suppressed_total",
		Help: "Total number of own-move echoes suppressed by viewers",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers board core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		MoveCounter,
		MoveFailureCounter,
		LockConflictCounter,
		EventsPublished,
		ViewerGauge,
		EchoesSuppressed,
	)
}
