package clusterapi

import (
	"context"
	"time"

	"github.com/cuemby/steward/pkg/types"
)

// Client is the Cluster Control API. Every method returns a classified
// *Error (or a context error) on failure.
type Client interface {
	// Application types
	GetApplicationType(ctx context.Context, typeName, typeVersion string) (types.ApplicationTypeInfo, error)
	ProvisionApplicationType(ctx context.Context, desc ProvisionApplicationTypeDescription) error
	UnprovisionApplicationType(ctx context.Context, typeName, typeVersion string) error

	// Applications
	GetApplication(ctx context.Context, applicationName string) (types.ApplicationInfo, error)
	CreateApplication(ctx context.Context, desc ApplicationDescription) error
	DeleteApplication(ctx context.Context, applicationName string) error
	GetApplicationUpgradeProgress(ctx context.Context, applicationName string) (types.ApplicationUpgradeProgress, error)
	UpgradeApplication(ctx context.Context, desc ApplicationUpgradeDescription) error
	UpdateApplicationUpgrade(ctx context.Context, desc ApplicationUpgradeUpdateDescription) error

	// Services
	GetService(ctx context.Context, applicationName, serviceName string) (types.ServiceInfo, error)
	CreateService(ctx context.Context, desc ServiceDescription) error
	UpdateService(ctx context.Context, desc ServiceUpdateDescription) error
	DeleteService(ctx context.Context, applicationName, serviceName string) error

	// Nodes
	GetNodeList(ctx context.Context) ([]types.NodeInfo, error)
	ActivateNode(ctx context.Context, nodeName string) error
	DeactivateNode(ctx context.Context, nodeName string, intent types.NodeDeactivationIntent) error

	// System services
	GetSystemServiceDescriptions(ctx context.Context) (map[string]types.ServiceRuntimeDescription, error)
	UpdateSystemService(ctx context.Context, serviceName string, desc types.ServiceRuntimeDescription) error

	// Cluster
	GetFabricUpgradeProgress(ctx context.Context) (types.FabricUpgradeProgress, error)
	GetClusterHealth(ctx context.Context) (*types.ClusterHealth, error)
	GetClusterManifest(ctx context.Context) (string, error)
	GetProvisionedCodeVersions(ctx context.Context) ([]string, error)
	GetProvisionedConfigVersions(ctx context.Context) ([]string, error)
	CopyClusterPackage(ctx context.Context, desc CopyClusterPackageDescription) error
	ProvisionFabric(ctx context.Context, codePathInImageStore, manifestPathInImageStore string) error
	UpgradeFabric(ctx context.Context, desc FabricUpgradeDescription) error
}

// ProvisionApplicationTypeDescription provisions an application type
// version from an external package
type ProvisionApplicationTypeDescription struct {
	TypeName    string
	TypeVersion string
	PackageURL  string
	Async       bool
}

// ApplicationDescription creates an application
type ApplicationDescription struct {
	Name        string
	TypeName    string
	TypeVersion string
	Parameters  map[string]string
}

// RollingUpgradeMonitoringPolicy holds the monitored upgrade timing
type RollingUpgradeMonitoringPolicy struct {
	FailureAction             string
	HealthCheckWaitDuration   *time.Duration
	HealthCheckStableDuration *time.Duration
	HealthCheckRetryTimeout   *time.Duration
	UpgradeDomainTimeout      *time.Duration
	UpgradeTimeout            *time.Duration
}

// ApplicationUpgradeDescription starts an application upgrade
type ApplicationUpgradeDescription struct {
	Name                          string
	TargetTypeVersion             string
	Parameters                    map[string]string
	ForceRestart                  *bool
	UpgradeReplicaSetCheckTimeout *time.Duration
	MonitoringPolicy              RollingUpgradeMonitoringPolicy
	HealthPolicy                  *types.ApplicationHealthPolicy
}

// ApplicationUpgradeUpdateDescription changes the policy of an upgrade in
// flight. Nil fields are left unchanged.
type ApplicationUpgradeUpdateDescription struct {
	Name                          string
	ForceRestart                  *bool
	UpgradeReplicaSetCheckTimeout *time.Duration
	MonitoringPolicy              *RollingUpgradeMonitoringPolicy
	HealthPolicy                  *types.ApplicationHealthPolicy
}

// ServiceDescription creates a service
type ServiceDescription struct {
	ApplicationName      string
	ServiceName          string
	ServiceTypeName      string
	Stateful             bool
	TargetReplicaSetSize int
	MinReplicaSetSize    int
	InstanceCount        int
	PlacementConstraints string
	PartitionScheme      types.PartitionScheme
}

// ServiceUpdateDescription changes the scalable part of a service
type ServiceUpdateDescription struct {
	ApplicationName      string
	ServiceName          string
	Stateful             bool
	TargetReplicaSetSize int
	MinReplicaSetSize    int
	InstanceCount        int
	PlacementConstraints string
}

// CopyClusterPackageDescription uploads staged cluster artifacts to the
// image store
type CopyClusterPackageDescription struct {
	ImageStoreConnectionString string
	CodePackagePath            string
	ClusterManifestPath        string
	CodePathInImageStore       string
	ManifestPathInImageStore   string
}

// FabricUpgradeDescription starts a monitored cluster upgrade
type FabricUpgradeDescription struct {
	CodeVersion                   string
	ConfigVersion                 string
	ForceRestart                  *bool
	UpgradeReplicaSetCheckTimeout *time.Duration
	MonitoringPolicy              RollingUpgradeMonitoringPolicy
	HealthPolicy                  *types.ClusterHealthPolicy
	EnableDeltaHealthEvaluation   bool
	UpgradeHealthPolicy           *UpgradeHealthPolicy
	ApplicationHealthPolicyMap    map[string]*types.ApplicationHealthPolicy
}

// UpgradeHealthPolicy bounds node health degradation during an upgrade
type UpgradeHealthPolicy struct {
	MaxPercentDeltaUnhealthyNodes              int `json:"MaxPercentDeltaUnhealthyNodes"`
	MaxPercentUpgradeDomainDeltaUnhealthyNodes int `json:"MaxPercentUpgradeDomainDeltaUnhealthyNodes"`
}

// MonitoringPolicyFrom converts a requested monitoring policy
func MonitoringPolicyFrom(p types.MonitoringPolicy) RollingUpgradeMonitoringPolicy {
	return RollingUpgradeMonitoringPolicy{
		FailureAction:             p.FailureAction,
		HealthCheckWaitDuration:   p.HealthCheckWaitDuration,
		HealthCheckStableDuration: p.HealthCheckStableDuration,
		HealthCheckRetryTimeout:   p.HealthCheckRetryTimeout,
		UpgradeDomainTimeout:      p.UpgradeDomainTimeout,
		UpgradeTimeout:            p.UpgradeTimeout,
	}
}
