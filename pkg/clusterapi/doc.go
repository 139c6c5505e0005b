/*
Package clusterapi is steward's view of the Cluster Control API.

Client lists every call the processors and the upgrader make. GatewayClient
implements it over the cluster's HTTP gateway with resty; tests use the
in-memory fake in clusterapitest.

Every failure is returned as an *Error carrying a Kind. The processors never
look at status codes or gateway error codes, only at the kind:

	NotFound              resource absent; Delete reports Succeeded
	AlreadyInTargetState  mutation accepted, nothing to do
	OperationInProgress   mutation accepted, an earlier one is running
	UpgradeNotInProgress  update of an upgrade that already finished
	Transient             retry on a later cycle, report nothing now
	ObjectClosed          the client was torn down; faults the agent
	Fatal                 report Failed with error details

Names and ids: applications are addressed as "fabric:/app" and map to the
gateway id "app"; services are "fabric:/app/svc" and map to "app~svc".
Relative service names are resolved under their application.
*/
package clusterapi
