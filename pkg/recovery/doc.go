/*
Package recovery moves the tenants of a dead node onto healthy nodes.

TriggerRecovery opens one RecoveryEvent per failure episode and one
RecoveryItem per tenant that was assigned to the node. Each item is placed
with best-fit on free memory: the target's memory is reserved, the tenant is
restored from its backup there, the assignment is moved and the source's
memory released. An item that finds no target stays waiting with reason
no_capacity; a restore error fails it.

Waiting items are retried by RetryWaiting, which the registrar calls whenever
a node registers and the control plane calls when memory is freed. After
MaxRetries passes an item fails with retries_exhausted.

The event status is derived from its items:

	every item recovered (or no items)   completed
	every item failed                    failed
	anything else                        partial

CompletedAt is set once no item is waiting.
*/
package recovery
