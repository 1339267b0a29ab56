/*
Package nodestate defines the node lifecycle graph.

It is pure: no storage, no clock. Every component that changes a node's
status goes through node.Repository.Transition, which validates the edge
here before writing.

	provisioning → active, failed
	active       → unhealthy, draining
	unhealthy    → active, offline
	offline      → recovering, returning
	recovering   → offline, returning
	returning    → active, failed
	draining     → offline
	failed       → returning

A node that was dead (offline, recovering, failed) can only become active
again by passing through returning, and only the orphan cleaner moves a
node out of returning into active.
*/
package nodestate
