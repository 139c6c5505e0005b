package types

// NodeState is the enable/disable state of a node as reported to the provider
type NodeState string

const (
	NodeStateEnabling  NodeState = "Enabling"
	NodeStateEnabled   NodeState = "Enabled"
	NodeStateDisabling NodeState = "Disabling"
	NodeStateDisabled  NodeState = "Disabled"
	NodeStateRemoved   NodeState = "Removed"
	NodeStateUnknown   NodeState = "Unknown"
)

// NodeDeactivationIntent is why a node was deactivated
type NodeDeactivationIntent string

const (
	NodeDeactivationIntentInvalid    NodeDeactivationIntent = "Invalid"
	NodeDeactivationIntentPause      NodeDeactivationIntent = "Pause"
	NodeDeactivationIntentRestart    NodeDeactivationIntent = "Restart"
	NodeDeactivationIntentRemoveData NodeDeactivationIntent = "RemoveData"
	NodeDeactivationIntentRemoveNode NodeDeactivationIntent = "RemoveNode"
)

// PaasNodeStatusInfo is the node record exchanged with the provider.
// IntentionInstance is a fencing counter that increases every time the
// observed state of the node changes.
type PaasNodeStatusInfo struct {
	NodeName               string                 `json:"nodeName"`
	NodeType               string                 `json:"nodeType"`
	NodeState              NodeState              `json:"nodeState"`
	NodeDeactivationIntent NodeDeactivationIntent `json:"nodeDeactivationIntent"`
	IntentionInstance      int64                  `json:"intentionInstance"`
}

// SameObservedState compares the observed fields only. IntentionInstance is
// bookkeeping and is ignored.
func (n PaasNodeStatusInfo) SameObservedState(other PaasNodeStatusInfo) bool {
	return n.NodeName == other.NodeName &&
		n.NodeType == other.NodeType &&
		n.NodeState == other.NodeState &&
		n.NodeDeactivationIntent == other.NodeDeactivationIntent
}

// UpgradeServiceNodeState is the persisted form of a node record
type UpgradeServiceNodeState struct {
	NodeStatus       PaasNodeStatusInfo `json:"nodeStatus"`
	IsProcessedByWRP bool               `json:"isProcessedByWRP"`
}
