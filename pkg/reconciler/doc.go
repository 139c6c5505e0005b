/*
Package reconciler implements steward's resource coordinator, the poll loop
that drives every other component.

# Loop

	         ┌──────────────────────────────┐
	         │ init: cluster status, no desc│
	         └──────────────┬───────────────┘
	                        ▼
	┌─────────────────────────────────────────────────┐
	│ 1. Poll provider with the last request          │
	│ 2. Fan the response out to the four processors  │
	│    (cluster, application types, applications,  │
	│    services) and wait for all of them           │
	│ 3. Build the next request from their statuses   │
	│ 4. Report success or failure to the policy      │
	│ 5. Sleep for what is left of the interval       │
	└─────────────────────────────────────────────────┘

The interval is measured from the start of a cycle, so a cycle that takes
longer than the interval is followed immediately by the next one. The
processors get what is left of the interval as their deadline; their own
operation timeout can only shorten it.

When the poll fails the request is kept and sent again next cycle; the
statuses it carries are still the latest. A failing cluster status is left
out of the request while the other resource types are still reported.

# Failure handling

Every failed cycle is reported to the health policy. Consecutive failures
escalate from Warning to Error health and, at the terminal threshold, to a
fault that asks the supervisor for a restart. Cancellation of the context
ends the loop without counting a failure.

# Usage

	r := reconciler.NewReconciler(channel, reconciler.Processors{
		Cluster:          clusterProcessor,
		ApplicationTypes: processor.NewApplicationTypeProcessor(client, l, opts),
		Applications:     processor.NewApplicationProcessor(client, l, opts),
		Services:         processor.NewServiceProcessor(client, l, opts),
	}, reconciler.Config{PollInterval: 30 * time.Second, Policy: policy})

	r.Run(ctx) // or r.Start(ctx) ... r.Stop()
*/
package reconciler
