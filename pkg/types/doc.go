/*
Package types defines the data model shared by every steward component.

The model has three layers:

Provider intent (what the remote resource provider asks for):
  - OperationMeta: resource id, resource type, operation type and the
    provider-assigned sequence number
  - ClusterOperationDescription, ApplicationTypeOperationDescription,
    ApplicationOperationDescription, ServiceOperationDescription: the four
    payloads of the closed Description union
  - UpgradeServicePollResponse: one poll worth of descriptions

Reported state (what steward sends back):
  - OperationStatus: InProgress, Succeeded or Failed plus opaque progress and
    error payloads
  - ClusterOperationStatus: the cluster status with node, version and system
    service details
  - ClusterOperationError / ClusterErrorDetails: per sub-operation failures
  - UpgradeServicePollRequest: one poll worth of statuses

Observed cluster state (what the Cluster Control API returns):
  - FabricUpgradeProgress, NodeInfo, ClusterHealth
  - ApplicationTypeInfo, ApplicationInfo, ApplicationUpgradeProgress, ServiceInfo

Node records:

PaasNodeStatusInfo is exchanged with the provider and persisted as
UpgradeServiceNodeState. Its IntentionInstance is a fencing token: it grows
every time the observed node state changes, so an acknowledgment carrying an
older instance refers to a state that no longer exists.

	stored:  N1 Disabling  instance=3  processed=false
	ack:     N1            instance=2  -> rejected, state moved on
	ack:     N1            instance=3  -> processed=true

All types serialize to JSON with lowerCamelCase field names; that is the wire
format of the poll protocol and the persisted node list.
*/
package types
