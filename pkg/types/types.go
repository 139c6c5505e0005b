package types

import (
	"encoding/json"
	"time"
)

// ResourceType identifies the kind of resource an operation targets
type ResourceType string

const (
	ResourceTypeCluster         ResourceType = "Cluster"
	ResourceTypeApplicationType ResourceType = "ApplicationType"
	ResourceTypeApplication     ResourceType = "Application"
	ResourceTypeService         ResourceType = "Service"
)

// OperationType is the kind of change requested for a resource
type OperationType string

const (
	OperationTypeCreateOrUpdate OperationType = "CreateOrUpdate"
	OperationTypeDelete         OperationType = "Delete"
)

// ResultStatus is the reported state of an operation
type ResultStatus string

const (
	ResultStatusInProgress ResultStatus = "InProgress"
	ResultStatusSucceeded  ResultStatus = "Succeeded"
	ResultStatusFailed     ResultStatus = "Failed"
)

// IsTerminal reports whether the status will not change again for the same
// sequence number.
func (s ResultStatus) IsTerminal() bool {
	return s == ResultStatusSucceeded || s == ResultStatusFailed
}

// OperationMeta identifies a desired-state change
type OperationMeta struct {
	ResourceID              string        `json:"resourceId"`
	ResourceType            ResourceType  `json:"resourceType"`
	OperationType           OperationType `json:"operationType"`
	OperationSequenceNumber int64         `json:"operationSequenceNumber"`
}

// Meta returns the identifying header of the description
func (m OperationMeta) Meta() OperationMeta {
	return m
}

// Description is the closed set of operation descriptions. Only the four
// resource payloads in this package implement it.
type Description interface {
	Meta() OperationMeta
	isDescription()
}

// OperationStatus reports the state of one operation back to the provider
type OperationStatus struct {
	OperationMeta
	Status       ResultStatus    `json:"status"`
	Progress     json.RawMessage `json:"progress,omitempty"`
	ErrorDetails json.RawMessage `json:"errorDetails,omitempty"`
}

// NewOperationStatus creates a status mirroring the description header
func NewOperationStatus(meta OperationMeta, status ResultStatus) OperationStatus {
	return OperationStatus{OperationMeta: meta, Status: status}
}

// WithProgress attaches a JSON-encoded progress payload
func (s OperationStatus) WithProgress(v any) OperationStatus {
	if v == nil {
		return s
	}
	if data, err := json.Marshal(v); err == nil {
		s.Progress = data
	}
	return s
}

// WithError attaches error details
func (s OperationStatus) WithError(details ErrorDetails) OperationStatus {
	if data, err := json.Marshal(details); err == nil {
		s.ErrorDetails = data
	}
	return s
}

// ErrorDetails is the serialized form of a failure reported to the provider
type ErrorDetails struct {
	Message   string `json:"message"`
	Kind      string `json:"kind,omitempty"`
	Transient bool   `json:"transient,omitempty"`
}

// Cluster

// ClusterOperationDescription carries the desired state of the cluster itself
type ClusterOperationDescription struct {
	OperationMeta

	TargetCodeVersion string                `json:"targetCodeVersion,omitempty"`
	CodePackageURL    string                `json:"codePackageUrl,omitempty"`
	ClusterManifest   string                `json:"clusterManifest,omitempty"`
	UpgradePolicy     *ClusterUpgradePolicy `json:"upgradePolicy,omitempty"`
	NodesToEnable     []string              `json:"nodesToEnable,omitempty"`
	NodesToDisable    []string              `json:"nodesToDisable,omitempty"`
	NodeStatusAcks    []PaasNodeStatusInfo  `json:"nodeStatusAcks,omitempty"`

	SystemServiceDescriptionsToSet map[string]ServiceRuntimeDescription `json:"systemServiceDescriptionsToSet,omitempty"`
}

func (ClusterOperationDescription) isDescription() {}

// MonitoringPolicy controls how a monitored rolling upgrade proceeds
type MonitoringPolicy struct {
	FailureAction             string         `json:"failureAction,omitempty"`
	HealthCheckWaitDuration   *time.Duration `json:"healthCheckWaitDuration,omitempty"`
	HealthCheckStableDuration *time.Duration `json:"healthCheckStableDuration,omitempty"`
	HealthCheckRetryTimeout   *time.Duration `json:"healthCheckRetryTimeout,omitempty"`
	UpgradeDomainTimeout      *time.Duration `json:"upgradeDomainTimeout,omitempty"`
	UpgradeTimeout            *time.Duration `json:"upgradeTimeout,omitempty"`
}

// ClusterUpgradePolicy is the upgrade description requested by the provider.
// At most one of HealthPolicy and DeltaHealthPolicy is expected.
type ClusterUpgradePolicy struct {
	MonitoringPolicy
	ForceRestart                  *bool                            `json:"forceRestart,omitempty"`
	UpgradeReplicaSetCheckTimeout *time.Duration                   `json:"upgradeReplicaSetCheckTimeout,omitempty"`
	HealthPolicy                  *ClusterHealthPolicy             `json:"healthPolicy,omitempty"`
	DeltaHealthPolicy             *ClusterUpgradeDeltaHealthPolicy `json:"deltaHealthPolicy,omitempty"`
}

// ClusterHealthPolicy holds absolute unhealthy thresholds
type ClusterHealthPolicy struct {
	MaxPercentUnhealthyNodes        int                                 `json:"maxPercentUnhealthyNodes"`
	MaxPercentUnhealthyApplications int                                 `json:"maxPercentUnhealthyApplications"`
	ApplicationHealthPolicies       map[string]*ApplicationHealthPolicy `json:"applicationHealthPolicies,omitempty"`
}

// ApplicationHealthPolicy holds per-application service thresholds
type ApplicationHealthPolicy struct {
	ConsiderWarningAsError                  bool                                `json:"considerWarningAsError,omitempty"`
	MaxPercentUnhealthyDeployedApplications int                                 `json:"maxPercentUnhealthyDeployedApplications,omitempty"`
	DefaultServiceTypeHealthPolicy          *ServiceTypeHealthPolicy            `json:"defaultServiceTypeHealthPolicy,omitempty"`
	ServiceTypeHealthPolicies               map[string]*ServiceTypeHealthPolicy `json:"serviceTypeHealthPolicies,omitempty"`
}

// ServiceTypeHealthPolicy holds the unhealthy service threshold for a service type
type ServiceTypeHealthPolicy struct {
	MaxPercentUnhealthyServices int `json:"maxPercentUnhealthyServices"`
}

// ClusterUpgradeDeltaHealthPolicy expresses thresholds as allowed increases
// over the currently observed unhealthy percentages.
type ClusterUpgradeDeltaHealthPolicy struct {
	MaxPercentDeltaUnhealthyNodes              int                                      `json:"maxPercentDeltaUnhealthyNodes"`
	MaxPercentUpgradeDomainDeltaUnhealthyNodes int                                      `json:"maxPercentUpgradeDomainDeltaUnhealthyNodes"`
	MaxPercentDeltaUnhealthyApplications       int                                      `json:"maxPercentDeltaUnhealthyApplications"`
	ApplicationDeltaHealthPolicies             map[string]*ApplicationDeltaHealthPolicy `json:"applicationDeltaHealthPolicies,omitempty"`
}

// ApplicationDeltaHealthPolicy holds per-service-type delta thresholds
type ApplicationDeltaHealthPolicy struct {
	DefaultServiceTypeDeltaHealthPolicy *ServiceTypeDeltaHealthPolicy            `json:"defaultServiceTypeDeltaHealthPolicy,omitempty"`
	ServiceTypeDeltaHealthPolicies      map[string]*ServiceTypeDeltaHealthPolicy `json:"serviceTypeDeltaHealthPolicies,omitempty"`
}

// ServiceTypeDeltaHealthPolicy is the allowed increase of unhealthy services
type ServiceTypeDeltaHealthPolicy struct {
	MaxPercentDeltaUnhealthyServices int `json:"maxPercentDeltaUnhealthyServices"`
}

// ServiceRuntimeDescription is the resizable part of a system service
type ServiceRuntimeDescription struct {
	TargetReplicaSetSize int    `json:"targetReplicaSetSize"`
	MinReplicaSetSize    int    `json:"minReplicaSetSize"`
	PlacementConstraints string `json:"placementConstraints,omitempty"`
}

// ClusterOperationStatus is the cluster status reported on each poll
type ClusterOperationStatus struct {
	OperationStatus

	CodeVersion    string                               `json:"codeVersion,omitempty"`
	ConfigVersion  string                               `json:"configVersion,omitempty"`
	UpgradeState   FabricUpgradeState                   `json:"upgradeState,omitempty"`
	NodesStatus    []PaasNodeStatusInfo                 `json:"nodesStatus,omitempty"`
	EnabledNodes   []string                             `json:"enabledNodes,omitempty"`
	DisabledNodes  []string                             `json:"disabledNodes,omitempty"`
	SystemServices map[string]ServiceRuntimeDescription `json:"systemServices,omitempty"`
}

// ClusterOperationError captures the failure of one cluster sub-operation
type ClusterOperationError struct {
	Operation    string `json:"operation"`
	Transient    bool   `json:"transient"`
	ErrorDetails string `json:"errorDetails"`
}

// ClusterErrorDetails aggregates sub-operation failures of one cycle
type ClusterErrorDetails struct {
	Errors []ClusterOperationError `json:"errors"`
}

// Application types

// ApplicationTypeOperationDescription requests provisioning of an application type version
type ApplicationTypeOperationDescription struct {
	OperationMeta

	TypeName      string `json:"typeName"`
	TypeVersion   string `json:"typeVersion"`
	AppPackageURL string `json:"appPackageUrl,omitempty"`
}

func (ApplicationTypeOperationDescription) isDescription() {}

// Applications

// ApplicationOperationDescription requests an application at a type version
type ApplicationOperationDescription struct {
	OperationMeta

	ApplicationName string                    `json:"applicationName"`
	TypeName        string                    `json:"typeName"`
	TypeVersion     string                    `json:"typeVersion"`
	Parameters      map[string]string         `json:"parameters,omitempty"`
	UpgradePolicy   *ApplicationUpgradePolicy `json:"upgradePolicy,omitempty"`
}

func (ApplicationOperationDescription) isDescription() {}

// ApplicationUpgradePolicy holds the monitored upgrade parameters of an application
type ApplicationUpgradePolicy struct {
	MonitoringPolicy
	ForceRestart                  *bool                    `json:"forceRestart,omitempty"`
	UpgradeReplicaSetCheckTimeout *time.Duration           `json:"upgradeReplicaSetCheckTimeout,omitempty"`
	HealthPolicy                  *ApplicationHealthPolicy `json:"healthPolicy,omitempty"`
}

// Services

// ServiceOperationDescription requests a service inside an application
type ServiceOperationDescription struct {
	OperationMeta

	ApplicationName      string          `json:"applicationName"`
	ServiceName          string          `json:"serviceName"`
	ServiceTypeName      string          `json:"serviceTypeName"`
	Stateful             bool            `json:"stateful"`
	TargetReplicaSetSize int             `json:"targetReplicaSetSize,omitempty"`
	MinReplicaSetSize    int             `json:"minReplicaSetSize,omitempty"`
	InstanceCount        int             `json:"instanceCount,omitempty"`
	PlacementConstraints string          `json:"placementConstraints,omitempty"`
	PartitionScheme      PartitionScheme `json:"partitionScheme"`
}

func (ServiceOperationDescription) isDescription() {}

// PartitionScheme describes how a service is partitioned
type PartitionScheme struct {
	Kind    PartitionKind `json:"kind"`
	Count   int           `json:"count,omitempty"`
	LowKey  int64         `json:"lowKey,omitempty"`
	HighKey int64         `json:"highKey,omitempty"`
	Names   []string      `json:"names,omitempty"`
}

// PartitionKind is the partitioning strategy of a service
type PartitionKind string

const (
	PartitionKindSingleton    PartitionKind = "Singleton"
	PartitionKindUniformInt64 PartitionKind = "UniformInt64Range"
	PartitionKindNamed        PartitionKind = "Named"
)

// Poll protocol

// UpgradeServicePollRequest is sent to the provider with the statuses of the previous cycle
type UpgradeServicePollRequest struct {
	ClusterOperationStatus           *ClusterOperationStatus `json:"clusterOperationStatus,omitempty"`
	ApplicationTypeOperationStatuses []OperationStatus       `json:"applicationTypeOperationStatuses,omitempty"`
	ApplicationOperationStatuses     []OperationStatus       `json:"applicationOperationStatuses,omitempty"`
	ServiceOperationStatuses         []OperationStatus       `json:"serviceOperationStatuses,omitempty"`
}

// UpgradeServicePollResponse carries the provider's desired state
type UpgradeServicePollResponse struct {
	ClusterOperationDescription          *ClusterOperationDescription          `json:"clusterOperationDescription,omitempty"`
	ApplicationTypeOperationDescriptions []ApplicationTypeOperationDescription `json:"applicationTypeOperationDescriptions,omitempty"`
	ApplicationOperationDescriptions     []ApplicationOperationDescription     `json:"applicationOperationDescriptions,omitempty"`
	ServiceOperationDescriptions         []ServiceOperationDescription         `json:"serviceOperationDescriptions,omitempty"`
}
