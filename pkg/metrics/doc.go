/*
Package metrics provides Prometheus metrics and local health endpoints for
steward.

All collectors are package-level variables registered in init() and carry the
steward_ prefix.

Poll loop:

	steward_poll_cycles_total{result}         counter, result = success | error
	steward_poll_duration_seconds             histogram, remote poll call
	steward_cycle_duration_seconds            histogram, processing of one response

Processors:

	steward_operations_total{resource_type, status}
	steward_operation_errors_total{resource_type, kind}
	steward_operation_duration_seconds{resource_type}
	steward_ledger_entries
	steward_cluster_suboperation_errors_total{operation}

Health policy:

	steward_policy_continuous_failures{policy}
	steward_policy_health_state{policy}       0 = ok, 1 = warning, 2 = error
	steward_faults_total

Node status and store:

	steward_node_states_pending
	steward_store_commits_total{result}
	steward_store_commit_duration_seconds

Timing an operation:

	timer := metrics.NewTimer()
	status, err := p.createOperationStatus(ctx, desc)
	timer.ObserveDurationVec(metrics.OperationDuration, string(desc.Meta().ResourceType))

Health registry:

Components register themselves by name and update their state as they run.
The store, poll and reconciler components are critical: /ready answers 503
until all three are registered and none is unhealthy. A degraded component
(for example a policy past its warning threshold) keeps the agent ready but
turns /health to "degraded".

NewServeMux exposes /metrics, /health, /ready and /live on one mux.

Collector samples the gauges that have no natural update point (ledger size,
pending node states) every 15 seconds.
*/
package metrics
