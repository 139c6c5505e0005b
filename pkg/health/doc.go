/*
Package health implements steward's retry/health policy and the sinks it
reports to.

# Policy

A Policy tracks the continuous failures of one unit of work (the poll loop,
the node status transactions, each processor's batches) and turns them into
health signals:

	failures   report
	--------   --------------------------------------
	0          Ok (on every ReportSuccess)
	1..2       none
	3..4       Warning
	5..14      Error
	>= 15      Error + ReportFault(Transient)

Thresholds come from PolicyConfig. Every failure increments the same counter;
a context cancellation that follows a requested cancellation (shutdown) is
counted but produces no signal and no escalation. An ObjectClosed error from
the Cluster Control API escalates immediately regardless of the count.

A config with a zero TerminalThreshold, see PolicyConfig.WithoutFault, never
faults. The processors use one: a description the cluster rejects is sent
again after a restart, so a restart would not help.

Descriptions are truncated to MaxDescriptionLength characters.

Execute wraps a read-modify-write cycle and retries it with exponential
backoff while the failure is a store conflict or a transient API error:

	err := policy.Execute(ctx, health.DefaultRetryOptions(), func(ctx context.Context) error {
		return m.transact(ctx, mutate)
	})

# Reporters

  - RegistryReporter: sets the component state in the metrics registry,
    which drives /health and /ready
  - GRPCReporter: serves grpc.health.v1; the first fault calls the restart
    hook, which the CLI uses to stop the agent with a non-zero exit code
  - MultiReporter: fan-out to several reporters
*/
package health
