/*
Package log provides structured logging for steward using zerolog.

A single global Logger is configured once by Init from the agent
configuration. Until Init runs the logger discards everything, which keeps
package tests quiet.

Components never log through the global directly. Each one takes a child
logger at construction:

	logger := log.WithComponent("node-status")
	logger.Info().Int("count", n).Msg("Persisted node states")

Per-item loggers add the identity of what is being worked on:

	itemLog := log.WithResource(logger, "Application", "app1", 7)
	itemLog.Debug().Msg("Operation already in flight, re-querying status")

Fields used across the codebase:

	component       owning component (reconciler, processor, node-status, ...)
	resource_type   Cluster, ApplicationType, Application or Service
	resource_id     provider resource id
	sequence        provider operation sequence number
	node_name       cluster node
	correlation_id  id attached to one poll call

Levels follow one rule: debug for per-item decisions, info for mutations that
were issued and cycle summaries, warn for failures that were absorbed, error
for failures of the poll loop itself.
*/
package log
