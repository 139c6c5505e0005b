/*
Package nodestatus keeps the node enable/disable/removal states that steward
reports to the provider, and the provider's acknowledgments of them.

All records live under one store key, StoreKey, as a JSON array of
types.UpgradeServiceNodeState. Every method is a read-modify-write
transaction on that key; the sequence-checked Update of the store is the
only concurrency guard, and conflicting commits are retried through the
health policy.

Each record carries an intention instance used as a fencing token:

	ProcessNodeQuery   N1 first seen        instance=1 processed=false
	GetNodeStates      reports N1@1
	ProcessNodeQuery   N1 Up -> Disabling   instance=2 processed=false
	ProcessWRPResponse ack N1@1             rejected, state moved on
	ProcessWRPResponse ack N1@2             processed=true

GetNodeStates returns at most BatchSize unacknowledged records, in stored
order, so one poll request stays bounded. The remainder is reported once
earlier records are acknowledged.

Nothing is ever deleted; records accumulate for the lifetime of the cluster
and reads are filtered by the configured node types.
*/
package nodestatus
