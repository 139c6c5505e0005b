/*
Package processor turns the provider's operation descriptions into Cluster
Control API calls and operation statuses.

ResourceProcessor is generic over the description type and handles
application types, applications and services. A Handler supplies the
resource-specific Get, Create, Update and Delete; the processor decides
which one to call:

	ledger holds (id, seq)      query only
	Delete, resource absent     Succeeded
	Delete                      Delete, then query
	resource absent             Create, then query
	resource drifted            Update, then query
	otherwise                   report the observed status

After an action is accepted the (resource id, sequence number) pair is
added to the shared ledger, so later polls carrying the same description
only query. Terminal statuses release the entry. Transient failures
produce no status; the provider sends the description again.

Descriptions are processed concurrently. Each one runs under its own
timeout, bounded by the caller's deadline, and a panic or error drops that
item only. The policy hears about a whole batch once: an error when any
description failed, a success otherwise.

ClusterProcessor handles the single cluster description. It runs the
cluster upgrade, node enable and disable, system service updates and node
acknowledgments concurrently, then assembles a ClusterOperationStatus from
the upgrade progress, the node list and the node status manager.
Sub-operation failures do not fail the status; they are reported in its
error details and, once per description, to the policy.
*/
package processor
