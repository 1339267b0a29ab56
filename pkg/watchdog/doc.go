/*
Package watchdog demotes nodes whose heartbeats stopped.

Every Interval the watchdog lists active and unhealthy nodes and measures the
time since each one's last heartbeat (or since registration, for a node that
never sent one):

	elapsed >= OfflineAfter      -> offline, then recovery is dispatched
	elapsed >= UnhealthyAfter    -> unhealthy (active nodes only)

The offline check runs first. An active node past the offline threshold is
moved through unhealthy in the same sweep because the lifecycle graph has no
direct active to offline edge. Each committed transition is reported to the
status-change callback.

Recovery runs on its own goroutine with its own timeout, behind a recover()
boundary. Its errors are logged and counted, never returned to the sweep.
*/
package watchdog
