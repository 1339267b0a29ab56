package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "botfleet_nodes_total",
			Help: "Total number of nodes by status",
		},
		[]string{"status"},
	)

	NodeFreeMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "botfleet_node_free_memory_mb",
			Help: "Unreserved memory per node in megabytes",
		},
		[]string{"node"},
	)

	NodeTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botfleet_node_transitions_total",
			Help: "Total number of node status transitions by edge",
		},
		[]string{"from", "to"},
	)

	ConcurrentTransitionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "botfleet_node_transition_conflicts_total",
			Help: "Total number of transitions rejected by the status compare-and-swap",
		},
	)

	// Watchdog metrics
	WatchdogSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "botfleet_watchdog_sweep_duration_seconds",
			Help:    "Time taken by one heartbeat watchdog sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	RecoveryTriggerFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "botfleet_recovery_trigger_failures_total",
			Help: "Total number of recovery dispatches from the watchdog that returned an error",
		},
	)

	// Recovery metrics
	RecoveryEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botfleet_recovery_events_total",
			Help: "Total number of recovery events by resulting status",
		},
		[]string{"status"},
	)

	RecoveryItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botfleet_recovery_items_total",
			Help: "Total number of recovery item attempts by outcome",
		},
		[]string{"outcome"},
	)

	OpenRecoveryEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "botfleet_recovery_events_open",
			Help: "Number of recovery events still in progress or partial",
		},
	)

	// Orphan cleanup metrics
	OrphansStoppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botfleet_orphans_stopped_total",
			Help: "Total number of orphan stop commands by result",
		},
		[]string{"result"},
	)

	// Command bus metrics
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botfleet_commands_total",
			Help: "Total number of commands sent to node agents by type and result",
		},
		[]string{"type", "result"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(NodeFreeMemory)
	prometheus.MustRegister(NodeTransitionsTotal)
	prometheus.MustRegister(ConcurrentTransitionsTotal)
	prometheus.MustRegister(WatchdogSweepDuration)
	prometheus.MustRegister(RecoveryTriggerFailuresTotal)
	prometheus.MustRegister(RecoveryEventsTotal)
	prometheus.MustRegister(RecoveryItemsTotal)
	prometheus.MustRegister(OpenRecoveryEvents)
	prometheus.MustRegister(OrphansStoppedTotal)
	prometheus.MustRegister(CommandsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
