package upgrade

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/cuemby/steward/pkg/clusterapi"
	"github.com/cuemby/steward/pkg/events"
	"github.com/cuemby/steward/pkg/log"
	"github.com/cuemby/steward/pkg/types"
	"github.com/rs/zerolog"
)

// FailureActionRollback rolls a failed monitored upgrade back
const FailureActionRollback = "Rollback"

// Upgrader copies and provisions a staged upgrade, then starts it
type Upgrader struct {
	client clusterapi.Client
	events events.Publisher
	logger zerolog.Logger

	mu         sync.Mutex
	imageStore string
}

// NewUpgrader creates an upgrader
func NewUpgrader(client clusterapi.Client, publisher events.Publisher) *Upgrader {
	return &Upgrader{
		client: client,
		events: publisher,
		logger: log.WithComponent("upgrade"),
	}
}

// Start provisions what the cluster does not have yet and starts a
// monitored rolling upgrade to the parameter's versions
func (u *Upgrader) Start(ctx context.Context, param *CommandParameter) error {
	if param == nil || (param.CodeFilePath == "" && param.ConfigFilePath == "") {
		return nil
	}
	if param.CodeFilePath != "" && param.CodeVersion == "" {
		return clusterapi.Errorf("StartClusterUpgrade", clusterapi.KindFatal, "code package staged without a version")
	}

	if err := u.copyAndProvision(ctx, param); err != nil {
		return err
	}

	desc := FabricUpgradeDescription(param.CodeVersion, param.ConfigVersion, param.UpgradePolicy)
	if err := u.client.UpgradeFabric(ctx, desc); err != nil {
		return err
	}

	u.logger.Info().
		Str("code_version", param.CodeVersion).
		Str("config_version", param.ConfigVersion).
		Msg("Cluster upgrade started")
	if u.events != nil {
		u.events.Publish(&events.Event{
			Type:    events.EventUpgradeStarted,
			Message: fmt.Sprintf("Cluster upgrade to %s/%s started", param.CodeVersion, param.ConfigVersion),
			Metadata: map[string]string{
				"code_version":   param.CodeVersion,
				"config_version": param.ConfigVersion,
			},
		})
	}
	return nil
}

func (u *Upgrader) copyAndProvision(ctx context.Context, param *CommandParameter) error {
	storeDir := strings.Trim(param.CodeVersion+"_"+param.ConfigVersion, "_")

	codeFile, codeInStore := param.CodeFilePath, ""
	if codeFile != "" {
		codeInStore = path.Join(storeDir, filepath.Base(codeFile))
	}
	configFile, configInStore := param.ConfigFilePath, ""
	if configFile != "" {
		configInStore = path.Join(storeDir, filepath.Base(configFile))
	}

	if param.CodeVersion != "" && codeFile != "" {
		provisioned, err := u.client.GetProvisionedCodeVersions(ctx)
		if err != nil {
			return err
		}
		if slices.Contains(provisioned, param.CodeVersion) {
			u.logger.Info().Str("code_version", param.CodeVersion).Msg("Code already provisioned")
			codeFile, codeInStore = "", ""
		}
	}

	if param.ConfigVersion != "" && configFile != "" {
		provisioned, err := u.client.GetProvisionedConfigVersions(ctx)
		if err != nil {
			return err
		}
		if slices.Contains(provisioned, param.ConfigVersion) {
			u.logger.Info().Str("config_version", param.ConfigVersion).Msg("Config already provisioned")
			configFile, configInStore = "", ""
		}
	}

	if codeInStore == "" && configInStore == "" {
		return nil
	}

	imageStore, err := u.imageStoreConnectionString(ctx)
	if err != nil {
		return err
	}

	u.logger.Info().Str("image_store_path", storeDir).Msg("Copying cluster package")
	if err := u.client.CopyClusterPackage(ctx, clusterapi.CopyClusterPackageDescription{
		ImageStoreConnectionString: imageStore,
		CodePackagePath:            codeFile,
		ClusterManifestPath:        configFile,
		CodePathInImageStore:       codeInStore,
		ManifestPathInImageStore:   configInStore,
	}); err != nil {
		return err
	}

	u.logger.Info().Str("code_path", codeInStore).Str("config_path", configInStore).Msg("Provisioning cluster package")
	return u.client.ProvisionFabric(ctx, codeInStore, configInStore)
}

// imageStoreConnectionString reads the connection string from the running
// cluster manifest once and caches it
func (u *Upgrader) imageStoreConnectionString(ctx context.Context) (string, error) {
	u.mu.Lock()
	cached := u.imageStore
	u.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	manifest, err := u.client.GetClusterManifest(ctx)
	if err != nil {
		return "", err
	}
	conn, err := ImageStoreConnectionString(manifest)
	if err != nil {
		return "", clusterapi.NewError("GetImageStoreConnectionString", clusterapi.KindFatal, err)
	}

	u.mu.Lock()
	u.imageStore = conn
	u.mu.Unlock()
	return conn, nil
}

// FabricUpgradeDescription builds a monitored rolling upgrade request that
// rolls back on failure unless policy says otherwise
func FabricUpgradeDescription(codeVersion, configVersion string, policy *types.ClusterUpgradePolicy) clusterapi.FabricUpgradeDescription {
	desc := clusterapi.FabricUpgradeDescription{
		CodeVersion:      codeVersion,
		ConfigVersion:    configVersion,
		MonitoringPolicy: clusterapi.RollingUpgradeMonitoringPolicy{FailureAction: FailureActionRollback},
	}
	if policy == nil {
		return desc
	}

	desc.MonitoringPolicy = clusterapi.MonitoringPolicyFrom(policy.MonitoringPolicy)
	if desc.MonitoringPolicy.FailureAction == "" {
		desc.MonitoringPolicy.FailureAction = FailureActionRollback
	}
	desc.ForceRestart = policy.ForceRestart
	desc.UpgradeReplicaSetCheckTimeout = policy.UpgradeReplicaSetCheckTimeout

	if policy.HealthPolicy != nil {
		desc.HealthPolicy = &types.ClusterHealthPolicy{
			MaxPercentUnhealthyNodes:        policy.HealthPolicy.MaxPercentUnhealthyNodes,
			MaxPercentUnhealthyApplications: policy.HealthPolicy.MaxPercentUnhealthyApplications,
		}
		for name, appPolicy := range policy.HealthPolicy.ApplicationHealthPolicies {
			if appPolicy == nil {
				continue
			}
			if desc.ApplicationHealthPolicyMap == nil {
				desc.ApplicationHealthPolicyMap = map[string]*types.ApplicationHealthPolicy{}
			}
			desc.ApplicationHealthPolicyMap[name] = appPolicy
		}
	}

	if policy.DeltaHealthPolicy != nil {
		desc.EnableDeltaHealthEvaluation = true
		desc.UpgradeHealthPolicy = &clusterapi.UpgradeHealthPolicy{
			MaxPercentDeltaUnhealthyNodes:              policy.DeltaHealthPolicy.MaxPercentDeltaUnhealthyNodes,
			MaxPercentUpgradeDomainDeltaUnhealthyNodes: policy.DeltaHealthPolicy.MaxPercentUpgradeDomainDeltaUnhealthyNodes,
		}
	}
	return desc
}
