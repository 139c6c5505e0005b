/*
Package events provides an in-memory event broker for steward's lifecycle
notifications.

Processors and the coordinator publish events; the CLI subscribes a logger
with LogEvents. Delivery is best effort: Publish never blocks, and a full
queue or a full subscriber buffer drops the event.

Event types:

	operation.started         a create, update or delete call was accepted
	operation.succeeded       an operation reached Succeeded
	operation.failed          an operation reached Failed
	node.state_changed        a node's observed state changed (new fencing instance)
	node.acknowledged         the provider acknowledged a node state
	cluster.upgrade_started   a cluster code/config upgrade was started
	cluster.upgrade_deferred  an upgrade waits for a cluster health snapshot
	health.fault              a policy escalated a fault

Usage:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	go events.LogEvents(ctx, broker, log.WithComponent("events"))

	broker.Publish(events.OperationEvent(events.EventOperationStarted, desc.Meta(), "Create"))

	faults := broker.Subscribe(events.EventHealthFault)
*/
package events
