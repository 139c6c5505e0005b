package events

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/steward/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType represents the type of event
type EventType string

const (
	EventOperationStarted   EventType = "operation.started"
	EventOperationSucceeded EventType = "operation.succeeded"
	EventOperationFailed    EventType = "operation.failed"
	EventNodeStateChanged   EventType = "node.state_changed"
	EventNodeAcknowledged   EventType = "node.acknowledged"
	EventUpgradeStarted     EventType = "cluster.upgrade_started"
	EventUpgradeDeferred    EventType = "cluster.upgrade_deferred"
	EventHealthFault        EventType = "health.fault"
)

// Warning reports whether the event signals a problem
func (t EventType) Warning() bool {
	return t == EventOperationFailed || t == EventHealthFault
}

// Event represents an agent event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// OperationEvent describes a step of one resource operation
func OperationEvent(eventType EventType, meta types.OperationMeta, detail string) *Event {
	return &Event{
		Type:    eventType,
		Message: fmt.Sprintf("%s %s %s", meta.ResourceType, meta.ResourceID, detail),
		Metadata: map[string]string{
			"resource_type":  string(meta.ResourceType),
			"resource_id":    meta.ResourceID,
			"operation_type": string(meta.OperationType),
			"sequence":       strconv.FormatInt(meta.OperationSequenceNumber, 10),
		},
	}
}

// NodeEvent describes a node state as persisted for the provider
func NodeEvent(eventType EventType, node types.PaasNodeStatusInfo) *Event {
	return &Event{
		Type:    eventType,
		Message: fmt.Sprintf("Node %s is %s", node.NodeName, node.NodeState),
		Metadata: map[string]string{
			"node_name":          node.NodeName,
			"node_type":          node.NodeType,
			"node_state":         string(node.NodeState),
			"intention_instance": strconv.FormatInt(node.IntentionInstance, 10),
		},
	}
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Publisher is the publishing side of the broker
type Publisher interface {
	Publish(event *Event)
}

// Broker fans events out to subscribers. Each subscriber may restrict the
// event types it receives.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]map[EventType]bool
	queue       chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

const (
	queueSize      = 100
	subscriberSize = 50
)

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]map[EventType]bool),
		queue:       make(chan *Event, queueSize),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe registers a subscriber for the given event types, or for every
// event when none are given
func (b *Broker) Subscribe(only ...EventType) Subscriber {
	var filter map[EventType]bool
	if len(only) > 0 {
		filter = make(map[EventType]bool, len(only))
		for _, t := range only {
			filter[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, subscriberSize)
	b.subscribers[sub] = filter
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues an event for all subscribers. It never blocks the
// reconciliation path: when the queue is full the event is dropped.
func (b *Broker) Publish(event *Event) {
	if b == nil || event == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.queue <- event:
	case <-b.stopCh:
	default:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.queue:
			b.dispatch(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) dispatch(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, filter := range b.subscribers {
		if filter != nil && !filter[event.Type] {
			continue
		}
		select {
		case sub <- event:
		default:
			// slow subscriber
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// LogEvents writes every event to logger until ctx ends. Failures and
// faults are logged at warn level.
func LogEvents(ctx context.Context, b *Broker, logger zerolog.Logger) {
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			e := logger.Info()
			if event.Type.Warning() {
				e = logger.Warn()
			}
			for k, v := range event.Metadata {
				e = e.Str(k, v)
			}
			e.Str("event", string(event.Type)).Str("event_id", event.ID).Msg(event.Message)
		}
	}
}
