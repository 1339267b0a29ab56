/*
Package metrics defines the Prometheus metrics of the botfleet control plane
and the health, readiness and liveness endpoints served next to them.

All metrics are registered with the default registry at package init and are
exposed by Handler. Components record their own state with UpdateComponent;
GetReadiness only reports ready once every name in CriticalComponents has
reported healthy.

# Metrics

	botfleet_nodes_total{status}                  nodes per lifecycle status
	botfleet_node_free_memory_mb{node}            unreserved memory per node
	botfleet_node_transitions_total{from,to}      committed status changes
	botfleet_node_transition_conflicts_total      compare-and-swap losses
	botfleet_watchdog_sweep_duration_seconds      watchdog sweep latency
	botfleet_recovery_trigger_failures_total      failed recovery dispatches
	botfleet_recovery_events_total{status}        recovery event outcomes
	botfleet_recovery_items_total{outcome}        per-tenant attempt outcomes
	botfleet_recovery_events_open                 in_progress or partial events
	botfleet_orphans_stopped_total{result}        orphan stop commands
	botfleet_commands_total{type,result}          commands sent to node agents

The gauges are refreshed by a Collector sampling the store on an interval;
counters are incremented inline by the packages that own the operation.

# Usage

	timer := metrics.NewTimer()
	runSweep()
	timer.ObserveDuration(metrics.WatchdogSweepDuration)

	http.Handle("/metrics", metrics.Handler())
	http.HandleFunc("/ready", metrics.ReadyHandler())
*/
package metrics
