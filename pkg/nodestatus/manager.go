package nodestatus

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/cuemby/steward/pkg/events"
	"github.com/cuemby/steward/pkg/health"
	"github.com/cuemby/steward/pkg/log"
	"github.com/cuemby/steward/pkg/storage"
	"github.com/cuemby/steward/pkg/types"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const (
	// StoreKey is the single key holding the node list
	StoreKey = "UpgradeServiceNodeStates"

	// DefaultBatchSize bounds the node states returned per poll
	DefaultBatchSize = 25

	// firstIntentionInstance is assigned to a node the first time it is seen
	firstIntentionInstance = 1
)

// Config configures the node status manager
type Config struct {
	BatchSize int

	// NodeTypes limits reads to these node types. Empty means all.
	NodeTypes []string

	Retry health.RetryOptions
}

// Manager persists node enable/disable/removal state and the provider's
// acknowledgments of it
type Manager struct {
	store     storage.Store
	policy    *health.Policy
	events    events.Publisher
	batchSize int
	nodeTypes []string
	retry     health.RetryOptions
	logger    zerolog.Logger
}

// NewManager creates a node status manager. Conflicting commits are retried
// through policy.
func NewManager(store storage.Store, policy *health.Policy, publisher events.Publisher, cfg Config) *Manager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = health.DefaultRetryOptions()
	}
	if policy == nil {
		policy = health.NewPolicy(health.DefaultPolicyConfig("node-status"), nil)
	}
	return &Manager{
		store:     store,
		policy:    policy,
		events:    publisher,
		batchSize: cfg.BatchSize,
		nodeTypes: cfg.NodeTypes,
		retry:     cfg.Retry,
		logger:    log.WithComponent("node-status"),
	}
}

// GetNodeStates returns up to the batch size of node states the provider has
// not acknowledged, in stored order
func (m *Manager) GetNodeStates(ctx context.Context) ([]types.PaasNodeStatusInfo, error) {
	states, err := m.read(ctx)
	if err != nil {
		return nil, err
	}

	pending := lo.Filter(m.visible(states), func(s types.UpgradeServiceNodeState, _ int) bool {
		return !s.IsProcessedByWRP
	})
	if len(pending) > m.batchSize {
		pending = pending[:m.batchSize]
	}
	return lo.Map(pending, func(s types.UpgradeServiceNodeState, _ int) types.PaasNodeStatusInfo {
		return s.NodeStatus
	}), nil
}

// PendingCount returns the number of unacknowledged node states
func (m *Manager) PendingCount(ctx context.Context) (int, error) {
	states, err := m.read(ctx)
	if err != nil {
		return 0, err
	}
	return lo.CountBy(m.visible(states), func(s types.UpgradeServiceNodeState) bool {
		return !s.IsProcessedByWRP
	}), nil
}

// List returns every stored node record
func (m *Manager) List(ctx context.Context) ([]types.UpgradeServiceNodeState, error) {
	return m.read(ctx)
}

// ProcessWRPResponse marks acknowledged node states as processed. An ack is
// applied only when its intention instance still matches the stored one.
func (m *Manager) ProcessWRPResponse(ctx context.Context, acks []types.PaasNodeStatusInfo) error {
	if len(acks) == 0 {
		return nil
	}

	var accepted []types.PaasNodeStatusInfo
	err := m.update(ctx, func(states []types.UpgradeServiceNodeState) ([]types.UpgradeServiceNodeState, bool) {
		accepted = accepted[:0]
		for _, ack := range acks {
			i := indexOf(states, ack.NodeName)
			if i < 0 {
				m.logger.Debug().Str("node_name", ack.NodeName).Msg("Ack for unknown node ignored")
				continue
			}
			stored := &states[i]
			if stored.NodeStatus.IntentionInstance != ack.IntentionInstance {
				m.logger.Debug().
					Str("node_name", ack.NodeName).
					Int64("stored_instance", stored.NodeStatus.IntentionInstance).
					Int64("ack_instance", ack.IntentionInstance).
					Msg("Stale ack rejected")
				continue
			}
			if stored.IsProcessedByWRP {
				continue
			}
			stored.IsProcessedByWRP = true
			accepted = append(accepted, stored.NodeStatus)
		}
		return states, len(accepted) > 0
	})
	if err != nil {
		return fmt.Errorf("failed to process node acknowledgments: %w", err)
	}

	for _, node := range accepted {
		m.publish(events.EventNodeAcknowledged, node)
	}
	if len(accepted) > 0 {
		m.logger.Info().Int("count", len(accepted)).Msg("Node states acknowledged")
	}
	return nil
}

// ProcessNodeQuery merges the observed nodes into the stored list. New nodes
// are added unprocessed; nodes whose observed state changed get a new
// intention instance and must be announced again.
func (m *Manager) ProcessNodeQuery(ctx context.Context, observed []types.PaasNodeStatusInfo) error {
	if len(observed) == 0 {
		return nil
	}

	var changed []types.PaasNodeStatusInfo
	err := m.update(ctx, func(states []types.UpgradeServiceNodeState) ([]types.UpgradeServiceNodeState, bool) {
		changed = changed[:0]
		for _, node := range observed {
			i := indexOf(states, node.NodeName)
			if i < 0 {
				node.IntentionInstance = firstIntentionInstance
				states = append(states, types.UpgradeServiceNodeState{NodeStatus: node})
				changed = append(changed, node)
				continue
			}

			stored := &states[i]
			if stored.NodeStatus.SameObservedState(node) {
				continue
			}
			node.IntentionInstance = stored.NodeStatus.IntentionInstance + 1
			stored.NodeStatus = node
			stored.IsProcessedByWRP = false
			changed = append(changed, node)
		}
		return states, len(changed) > 0
	})
	if err != nil {
		return fmt.Errorf("failed to reconcile node states: %w", err)
	}

	for _, node := range changed {
		m.publish(events.EventNodeStateChanged, node)
	}
	if len(changed) > 0 {
		m.logger.Info().Int("count", len(changed)).Msg("Persisted node states")
	}
	return nil
}

func (m *Manager) visible(states []types.UpgradeServiceNodeState) []types.UpgradeServiceNodeState {
	if len(m.nodeTypes) == 0 {
		return states
	}
	return lo.Filter(states, func(s types.UpgradeServiceNodeState, _ int) bool {
		return slices.Contains(m.nodeTypes, s.NodeStatus.NodeType)
	})
}

// read loads the node list inside a transaction that is then discarded
func (m *Manager) read(ctx context.Context) ([]types.UpgradeServiceNodeState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx, err := m.store.CreateTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	defer tx.Abort()

	states, _, _, err := load(m.store, tx)
	return states, err
}

// update runs one read-modify-write transaction on the node list, retried
// on conflict. mutate reports whether it changed the list; an unchanged
// list is not written.
func (m *Manager) update(ctx context.Context, mutate func([]types.UpgradeServiceNodeState) ([]types.UpgradeServiceNodeState, bool)) error {
	return m.policy.Execute(ctx, m.retry, func(ctx context.Context) error {
		tx, err := m.store.CreateTransaction()
		if err != nil {
			return fmt.Errorf("failed to create transaction: %w", err)
		}
		defer tx.Abort()

		states, seq, found, err := load(m.store, tx)
		if err != nil {
			return err
		}

		next, changed := mutate(states)
		if !changed {
			return nil
		}

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal node states: %w", err)
		}
		if found {
			err = m.store.Update(tx, StoreKey, data, seq)
		} else {
			err = m.store.Add(tx, StoreKey, data)
		}
		if err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

func (m *Manager) publish(eventType events.EventType, node types.PaasNodeStatusInfo) {
	if m.events == nil {
		return
	}
	m.events.Publish(events.NodeEvent(eventType, node))
}

func load(store storage.Store, tx storage.Tx) ([]types.UpgradeServiceNodeState, int64, bool, error) {
	value, seq, found, err := store.TryGet(tx, StoreKey)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to read node states: %w", err)
	}
	if !found {
		return nil, 0, false, nil
	}

	var states []types.UpgradeServiceNodeState
	if err := json.Unmarshal(value, &states); err != nil {
		return nil, 0, false, fmt.Errorf("failed to unmarshal node states: %w", err)
	}
	return states, seq, true, nil
}

func indexOf(states []types.UpgradeServiceNodeState, nodeName string) int {
	return slices.IndexFunc(states, func(s types.UpgradeServiceNodeState) bool {
		return s.NodeStatus.NodeName == nodeName
	})
}
