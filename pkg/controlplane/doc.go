/*
Package controlplane assembles the node lifecycle components into one service.

It opens the configured store and builds, in dependency order, the node
repository, the recovery manager, the registrar, the orphan cleaner, the
heartbeat watchdog and the metrics collector. The registrar's returning hook
is a deliberate no-op: cleanup of a returning node is driven by that node's
first heartbeat, which carries the list of containers it is running. The
retry hook fires for every registration and runs the retry in the
background.

Agent-facing entry points are Register and Heartbeat; Assign, Unassign and
Drain are administrative.
*/
package controlplane
