package types

// Observed state returned by the Cluster Control API.

// FabricUpgradeState is the state of a cluster code/config upgrade
type FabricUpgradeState string

const (
	FabricUpgradeStateInvalid                  FabricUpgradeState = "Invalid"
	FabricUpgradeStateRollingBackInProgress    FabricUpgradeState = "RollingBackInProgress"
	FabricUpgradeStateRollingBackCompleted     FabricUpgradeState = "RollingBackCompleted"
	FabricUpgradeStateRollingForwardPending    FabricUpgradeState = "RollingForwardPending"
	FabricUpgradeStateRollingForwardInProgress FabricUpgradeState = "RollingForwardInProgress"
	FabricUpgradeStateRollingForwardCompleted  FabricUpgradeState = "RollingForwardCompleted"
	FabricUpgradeStateFailed                   FabricUpgradeState = "Failed"
)

// UpgradeDomainProgress is the per-upgrade-domain progress of a rolling upgrade
type UpgradeDomainProgress struct {
	UpgradeDomainName string                `json:"upgradeDomainName"`
	NodeProgress      []NodeUpgradeProgress `json:"nodeProgress,omitempty"`
}

// NodeUpgradeProgress is the upgrade phase of one node
type NodeUpgradeProgress struct {
	NodeName     string `json:"nodeName"`
	UpgradePhase string `json:"upgradePhase"`
}

// FabricUpgradeProgress is the cluster upgrade progress
type FabricUpgradeProgress struct {
	TargetCodeVersion            string                 `json:"targetCodeVersion"`
	TargetConfigVersion          string                 `json:"targetConfigVersion"`
	UpgradeState                 FabricUpgradeState     `json:"upgradeState"`
	CurrentUpgradeDomainProgress *UpgradeDomainProgress `json:"currentUpgradeDomainProgress,omitempty"`
	FailureReason                string                 `json:"failureReason,omitempty"`
}

// NodeStatus is the runtime status of a node in the cluster
type NodeStatus string

const (
	NodeStatusInvalid   NodeStatus = "Invalid"
	NodeStatusUp        NodeStatus = "Up"
	NodeStatusDown      NodeStatus = "Down"
	NodeStatusEnabling  NodeStatus = "Enabling"
	NodeStatusDisabling NodeStatus = "Disabling"
	NodeStatusDisabled  NodeStatus = "Disabled"
	NodeStatusUnknown   NodeStatus = "Unknown"
	NodeStatusRemoved   NodeStatus = "Removed"
)

// NodeInfo is a node as reported by the node list query
type NodeInfo struct {
	NodeName           string                 `json:"name"`
	NodeType           string                 `json:"type"`
	NodeStatus         NodeStatus             `json:"nodeStatus"`
	DeactivationIntent NodeDeactivationIntent `json:"deactivationIntent,omitempty"`
	CodeVersion        string                 `json:"codeVersion,omitempty"`
	ConfigVersion      string                 `json:"configVersion,omitempty"`
	UpgradeDomain      string                 `json:"upgradeDomain,omitempty"`
	IsSeedNode         bool                   `json:"isSeedNode,omitempty"`
}

// ToPaasNodeStatus converts a node list entry into the provider node record.
// Up and Down both mean the node is enabled; Down is availability, not intent.
func (n NodeInfo) ToPaasNodeStatus() PaasNodeStatusInfo {
	state := NodeStateUnknown
	switch n.NodeStatus {
	case NodeStatusUp, NodeStatusDown:
		state = NodeStateEnabled
	case NodeStatusEnabling:
		state = NodeStateEnabling
	case NodeStatusDisabling:
		state = NodeStateDisabling
	case NodeStatusDisabled:
		state = NodeStateDisabled
	case NodeStatusRemoved:
		state = NodeStateRemoved
	}

	intent := n.DeactivationIntent
	if intent == "" {
		intent = NodeDeactivationIntentInvalid
	}

	return PaasNodeStatusInfo{
		NodeName:               n.NodeName,
		NodeType:               n.NodeType,
		NodeState:              state,
		NodeDeactivationIntent: intent,
	}
}

// HealthState is the aggregated health of an entity
type HealthState string

const (
	HealthStateInvalid HealthState = "Invalid"
	HealthStateOk      HealthState = "Ok"
	HealthStateWarning HealthState = "Warning"
	HealthStateError   HealthState = "Error"
	HealthStateUnknown HealthState = "Unknown"
)

// ClusterHealth is a snapshot of cluster health used to bound upgrade degradation
type ClusterHealth struct {
	AggregatedHealthState   HealthState              `json:"aggregatedHealthState"`
	NodeHealthStates        []NodeHealthState        `json:"nodeHealthStates,omitempty"`
	ApplicationHealthStates []ApplicationHealthState `json:"applicationHealthStates,omitempty"`
}

// NodeHealthState is the health of one node
type NodeHealthState struct {
	NodeName    string      `json:"nodeName"`
	HealthState HealthState `json:"aggregatedHealthState"`
}

// ApplicationHealthState is the health of one application and its services
type ApplicationHealthState struct {
	ApplicationName     string               `json:"applicationName"`
	HealthState         HealthState          `json:"aggregatedHealthState"`
	ServiceHealthStates []ServiceHealthState `json:"serviceHealthStates,omitempty"`
}

// ServiceHealthState is the health of one service
type ServiceHealthState struct {
	ServiceName     string      `json:"serviceName"`
	ServiceTypeName string      `json:"serviceTypeName"`
	HealthState     HealthState `json:"aggregatedHealthState"`
}

// ApplicationTypeStatus is the provisioning status of an application type version
type ApplicationTypeStatus string

const (
	ApplicationTypeStatusProvisioning   ApplicationTypeStatus = "Provisioning"
	ApplicationTypeStatusAvailable      ApplicationTypeStatus = "Available"
	ApplicationTypeStatusUnprovisioning ApplicationTypeStatus = "Unprovisioning"
	ApplicationTypeStatusFailed         ApplicationTypeStatus = "Failed"
)

// ApplicationTypeInfo is a provisioned application type version
type ApplicationTypeInfo struct {
	Name    string                `json:"name"`
	Version string                `json:"version"`
	Status  ApplicationTypeStatus `json:"status"`
}

// ApplicationStatus is the status of an application instance
type ApplicationStatus string

const (
	ApplicationStatusReady     ApplicationStatus = "Ready"
	ApplicationStatusCreating  ApplicationStatus = "Creating"
	ApplicationStatusUpgrading ApplicationStatus = "Upgrading"
	ApplicationStatusDeleting  ApplicationStatus = "Deleting"
	ApplicationStatusFailed    ApplicationStatus = "Failed"
)

// ApplicationInfo is an application instance
type ApplicationInfo struct {
	Name        string            `json:"name"`
	TypeName    string            `json:"typeName"`
	TypeVersion string            `json:"typeVersion"`
	Status      ApplicationStatus `json:"status"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

// ApplicationUpgradeState is the state of an application upgrade
type ApplicationUpgradeState string

const (
	ApplicationUpgradeStateInvalid                  ApplicationUpgradeState = "Invalid"
	ApplicationUpgradeStateRollingBackInProgress    ApplicationUpgradeState = "RollingBackInProgress"
	ApplicationUpgradeStateRollingBackCompleted     ApplicationUpgradeState = "RollingBackCompleted"
	ApplicationUpgradeStateRollingForwardPending    ApplicationUpgradeState = "RollingForwardPending"
	ApplicationUpgradeStateRollingForwardInProgress ApplicationUpgradeState = "RollingForwardInProgress"
	ApplicationUpgradeStateRollingForwardCompleted  ApplicationUpgradeState = "RollingForwardCompleted"
	ApplicationUpgradeStateFailed                   ApplicationUpgradeState = "Failed"
)

// ApplicationUpgradeProgress is the progress of an application upgrade
type ApplicationUpgradeProgress struct {
	ApplicationName              string                  `json:"applicationName"`
	TargetApplicationTypeVersion string                  `json:"targetApplicationTypeVersion"`
	UpgradeState                 ApplicationUpgradeState `json:"upgradeState"`
	CurrentUpgradeDomainProgress *UpgradeDomainProgress  `json:"currentUpgradeDomainProgress,omitempty"`
	FailureReason                string                  `json:"failureReason,omitempty"`
}

// ServiceStatus is the status of a service
type ServiceStatus string

const (
	ServiceStatusActive    ServiceStatus = "Active"
	ServiceStatusCreating  ServiceStatus = "Creating"
	ServiceStatusUpgrading ServiceStatus = "Upgrading"
	ServiceStatusDeleting  ServiceStatus = "Deleting"
	ServiceStatusFailed    ServiceStatus = "Failed"
)

// ServiceInfo is a service as reported by the cluster
type ServiceInfo struct {
	ApplicationName      string        `json:"applicationName"`
	ServiceName          string        `json:"serviceName"`
	ServiceTypeName      string        `json:"serviceTypeName"`
	Stateful             bool          `json:"stateful"`
	Status               ServiceStatus `json:"serviceStatus"`
	TargetReplicaSetSize int           `json:"targetReplicaSetSize,omitempty"`
	MinReplicaSetSize    int           `json:"minReplicaSetSize,omitempty"`
	InstanceCount        int           `json:"instanceCount,omitempty"`
	PlacementConstraints string        `json:"placementConstraints,omitempty"`
}
