/*
Package storage persists the control plane's state: nodes and their
transition audit trail, recovery events and items, and tenant assignments.

Two backends implement Store. BoltStore keeps everything in a single bbolt
file under the data directory and suits a single control plane instance.
EtcdStore keeps the same records under a key prefix in etcd, for deployments
that already run an etcd cluster.

# Layout

Records are JSON encoded. In bbolt each kind has a bucket; in etcd each kind
has a prefix:

	bucket               etcd prefix                  key
	nodes                /botfleet/nodes/             node id
	node_transitions     /botfleet/transitions/       node id / nanos / sequence
	recovery_events      /botfleet/recovery/events/   event id
	recovery_items       /botfleet/recovery/items/    item id
	assignments          /botfleet/assignments/       tenant

Transition keys sort by node and then by creation time, so a node's history is
a prefix scan read in reverse for newest first.

# Status changes

Node status is only ever changed through CompareAndSwapStatus. The new status
is written only if the stored status still equals the transition's from
status, and the transition record is written in the same commit. BoltStore
does this inside one read-write transaction; EtcdStore uses a Txn guarded on
the node key's ModRevision. A lost race returns *ConcurrentTransitionError
carrying the status that was actually found.

# Memory accounting

AddUsedMemory applies a delta to a node's UsedMB atomically and clamps at
zero. UpdateHeartbeat overwrites UsedMB with the value the agent reported.

# Usage

	store, err := storage.NewBoltStore("/var/lib/botfleet")
	if err != nil {
		return err
	}
	defer store.Close()

	node, err := store.GetNode(ctx, "node-1")

OpenBoltReadOnly opens an existing database without taking the write lock;
it fails while a serving process holds the file.
*/
package storage
