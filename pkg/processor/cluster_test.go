package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/cuemby/steward/pkg/clusterapi"
	"github.com/cuemby/steward/pkg/clusterapi/clusterapitest"
	"github.com/cuemby/steward/pkg/health"
	"github.com/cuemby/steward/pkg/nodestatus"
	"github.com/cuemby/steward/pkg/storage"
	"github.com/cuemby/steward/pkg/types"
	"github.com/cuemby/steward/pkg/upgrade"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fmService = "fabric:/System/FailoverManagerService"

func clusterManifest(version string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<ClusterManifest xmlns="http://schemas.microsoft.com/2011/01/fabric" Name="steward" Version="%s">
  <FabricSettings>
    <Section Name="Management">
      <Parameter Name="ImageStoreConnectionString" Value="fabric:ImageStore" />
    </Section>
  </FabricSettings>
</ClusterManifest>`, version)
}

// panicClient blows up on node activation
type panicClient struct {
	*clusterapitest.Cluster
}

func (panicClient) ActivateNode(context.Context, string) error {
	panic("activation exploded")
}

func newTestClusterProcessor(t *testing.T, client clusterapi.Client, cfg ClusterConfig) (*ClusterProcessor, *nodestatus.Manager) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	nodes := nodestatus.NewManager(store, nil, nil, nodestatus.Config{
		Retry: health.RetryOptions{
			MaxAttempts:    4,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Retryable:      health.IsRetryable,
		},
	})
	generator := upgrade.NewGenerator(upgrade.Config{StagingDir: t.TempDir()}, nil)
	upgrader := upgrade.NewUpgrader(client, nil)
	return NewClusterProcessor(client, nodes, generator, upgrader, cfg), nodes
}

func clusterDesc(seq int64) *types.ClusterOperationDescription {
	return &types.ClusterOperationDescription{
		OperationMeta: meta("cluster", types.ResourceTypeCluster, types.OperationTypeCreateOrUpdate, seq),
	}
}

func clusterErrorList(t *testing.T, status *types.ClusterOperationStatus) []types.ClusterOperationError {
	t.Helper()
	require.NotEmpty(t, status.ErrorDetails)
	var details types.ClusterErrorDetails
	require.NoError(t, json.Unmarshal(status.ErrorDetails, &details))
	return details.Errors
}

func TestClusterInitCycle(t *testing.T) {
	cluster := clusterapitest.New()
	cluster.SetNodes(
		types.NodeInfo{NodeName: "n1", NodeType: "primary", NodeStatus: types.NodeStatusUp},
		types.NodeInfo{NodeName: "n2", NodeType: "primary", NodeStatus: types.NodeStatusDisabled, DeactivationIntent: types.NodeDeactivationIntentRemoveNode},
		types.NodeInfo{NodeName: "w1", NodeType: "worker", NodeStatus: types.NodeStatusUp},
	)
	p, _ := newTestClusterProcessor(t, cluster, ClusterConfig{PrimaryNodeTypes: []string{"primary"}})

	status, err := p.Process(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, types.ResourceTypeCluster, status.ResourceType)
	assert.Equal(t, types.ResultStatusSucceeded, status.Status)
	assert.Empty(t, status.ErrorDetails)
	assert.Zero(t, cluster.Mutations())
	assert.Equal(t, []types.PaasNodeStatusInfo{
		{
			NodeName:               "n1",
			NodeType:               "primary",
			NodeState:              types.NodeStateEnabled,
			NodeDeactivationIntent: types.NodeDeactivationIntentInvalid,
			IntentionInstance:      1,
		},
		{
			NodeName:               "n2",
			NodeType:               "primary",
			NodeState:              types.NodeStateDisabled,
			NodeDeactivationIntent: types.NodeDeactivationIntentRemoveNode,
			IntentionInstance:      1,
		},
	}, status.NodesStatus)
}

func TestClusterSubOperationsAreIsolated(t *testing.T) {
	cluster := clusterapitest.New()
	cluster.SetNodes(
		types.NodeInfo{NodeName: "n1", NodeType: "primary", NodeStatus: types.NodeStatusUp},
		types.NodeInfo{NodeName: "n2", NodeType: "primary", NodeStatus: types.NodeStatusUp},
		types.NodeInfo{NodeName: "n3", NodeType: "primary", NodeStatus: types.NodeStatusDown},
	)
	cluster.SetSystemService(fmService, types.ServiceRuntimeDescription{TargetReplicaSetSize: 3, MinReplicaSetSize: 1})
	cluster.SetClusterManifest(clusterManifest("1.0"))
	cluster.SetFabricUpgradeProgress(types.FabricUpgradeProgress{
		TargetCodeVersion:   "7.1.0.1",
		TargetConfigVersion: "1.0",
		UpgradeState:        types.FabricUpgradeStateRollingForwardCompleted,
	})

	policy := health.NewPolicy(health.DefaultPolicyConfig("cluster"), nil)
	p, nodes := newTestClusterProcessor(t, panicClient{cluster}, ClusterConfig{Policy: policy})

	// the first cycle records every node at intention instance 1
	_, err := p.Process(context.Background(), nil)
	require.NoError(t, err)

	desc := clusterDesc(4)
	desc.ClusterManifest = clusterManifest("2.0")
	desc.NodesToEnable = []string{"n1"}
	desc.NodesToDisable = []string{"n2"}
	desc.NodeStatusAcks = []types.PaasNodeStatusInfo{{NodeName: "n3", IntentionInstance: 1}}
	desc.SystemServiceDescriptionsToSet = map[string]types.ServiceRuntimeDescription{
		fmService: {TargetReplicaSetSize: 5, MinReplicaSetSize: 3},
	}

	status, err := p.Process(context.Background(), desc)
	require.NoError(t, err)

	errs := clusterErrorList(t, status)
	require.Len(t, errs, 1)
	assert.Equal(t, OpEnableNodes, errs[0].Operation)
	assert.Contains(t, errs[0].ErrorDetails, "panicked")
	assert.Equal(t, 1, policy.ContinuousFailures())

	assert.Equal(t, 1, cluster.Calls("DeactivateNode"))
	assert.Equal(t, 1, cluster.Calls("UpdateSystemService"))
	require.Len(t, cluster.FabricUpgrades, 1)
	assert.Equal(t, "2.0", cluster.FabricUpgrades[0].ConfigVersion)
	require.Len(t, cluster.PackageCopies, 1)
	assert.Equal(t, "2.0/ClusterManifest.xml", cluster.PackageCopies[0].ManifestPathInImageStore)

	assert.Equal(t, types.ResultStatusInProgress, status.Status)
	assert.Equal(t, types.FabricUpgradeStateRollingForwardInProgress, status.UpgradeState)
	assert.Equal(t, "cluster", status.ResourceID)
	assert.Equal(t, int64(4), status.OperationSequenceNumber)

	// n3 was acknowledged, n2 changed state and has to be announced again
	pending := make(map[string]int64)
	for _, n := range status.NodesStatus {
		pending[n.NodeName] = n.IntentionInstance
	}
	assert.Equal(t, map[string]int64{"n1": 1, "n2": 2}, pending)

	count, err := nodes.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestClusterUpgradeRemovesStagedFiles(t *testing.T) {
	tests := []struct {
		name       string
		upgradeErr error
		wantErr    string
	}{
		{name: "upgrade started"},
		{
			name:       "upgrade rejected",
			upgradeErr: clusterapi.Errorf("UpgradeFabric", clusterapi.KindFatal, "manifest rejected"),
			wantErr:    "manifest rejected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cluster := clusterapitest.New()
			cluster.SetClusterManifest(clusterManifest("1.0"))
			cluster.SetFabricUpgradeProgress(types.FabricUpgradeProgress{
				TargetCodeVersion:   "7.1.0.1",
				TargetConfigVersion: "1.0",
				UpgradeState:        types.FabricUpgradeStateRollingForwardCompleted,
			})
			cluster.SetError("UpgradeFabric", tt.upgradeErr)

			store, err := storage.NewBoltStore(t.TempDir())
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })

			staging := t.TempDir()
			policy := health.NewPolicy(health.DefaultPolicyConfig("cluster"), nil)
			p := NewClusterProcessor(cluster,
				nodestatus.NewManager(store, nil, nil, nodestatus.Config{}),
				upgrade.NewGenerator(upgrade.Config{StagingDir: staging}, nil),
				upgrade.NewUpgrader(cluster, nil),
				ClusterConfig{Policy: policy})

			desc := clusterDesc(5)
			desc.ClusterManifest = clusterManifest("2.0")

			status, err := p.Process(context.Background(), desc)
			require.NoError(t, err)
			assert.Equal(t, 1, cluster.Calls("CopyClusterPackage"))
			assert.Equal(t, 1, cluster.Calls("UpgradeFabric"))

			entries, err := os.ReadDir(staging)
			require.NoError(t, err)
			assert.Empty(t, entries, "staged upgrade files must be removed")

			if tt.wantErr == "" {
				assert.Empty(t, status.ErrorDetails)
				assert.Zero(t, policy.ContinuousFailures())
				return
			}
			errs := clusterErrorList(t, status)
			require.Len(t, errs, 1)
			assert.Equal(t, OpClusterUpgrade, errs[0].Operation)
			assert.Contains(t, errs[0].ErrorDetails, tt.wantErr)
			assert.False(t, errs[0].Transient)
			assert.Equal(t, 1, policy.ContinuousFailures())
		})
	}
}

func TestClusterCancelledSubOperationIsTransient(t *testing.T) {
	cluster := clusterapitest.New()
	cluster.SetNodes(types.NodeInfo{NodeName: "n1", NodeType: "primary", NodeStatus: types.NodeStatusDisabled})
	cluster.SetError("ActivateNode", fmt.Errorf("activate n1: %w", context.Canceled))
	p, _ := newTestClusterProcessor(t, cluster, ClusterConfig{})

	desc := clusterDesc(6)
	desc.NodesToEnable = []string{"n1"}

	status, err := p.Process(context.Background(), desc)
	require.NoError(t, err)

	errs := clusterErrorList(t, status)
	require.Len(t, errs, 1)
	assert.Equal(t, OpEnableNodes, errs[0].Operation)
	assert.True(t, errs[0].Transient)
}

func TestClusterReportsRequestedSystemServices(t *testing.T) {
	cluster := clusterapitest.New()
	cluster.SetSystemService(fmService, types.ServiceRuntimeDescription{TargetReplicaSetSize: 3, MinReplicaSetSize: 1})
	cluster.SetSystemService("fabric:/System/NamingService", types.ServiceRuntimeDescription{TargetReplicaSetSize: 3, MinReplicaSetSize: 1})
	p, _ := newTestClusterProcessor(t, cluster, ClusterConfig{})

	desc := clusterDesc(1)
	desc.SystemServiceDescriptionsToSet = map[string]types.ServiceRuntimeDescription{
		fmService: {TargetReplicaSetSize: 5, MinReplicaSetSize: 3},
	}

	status, err := p.Process(context.Background(), desc)
	require.NoError(t, err)

	assert.Equal(t, map[string]types.ServiceRuntimeDescription{
		fmService: {TargetReplicaSetSize: 5, MinReplicaSetSize: 3},
	}, status.SystemServices)
	assert.Equal(t, types.ResultStatusSucceeded, status.Status)
}

func TestClusterProgressFailureFailsStatus(t *testing.T) {
	cluster := clusterapitest.New()
	cluster.SetError("GetFabricUpgradeProgress", clusterapi.Errorf("GetFabricUpgradeProgress", clusterapi.KindTransient, "gateway timeout"))
	p, _ := newTestClusterProcessor(t, cluster, ClusterConfig{})

	status, err := p.Process(context.Background(), nil)
	assert.Error(t, err)
	assert.Nil(t, status)
}

func TestClusterUnknownNode(t *testing.T) {
	cluster := clusterapitest.New()
	cluster.SetNodes(types.NodeInfo{NodeName: "n1", NodeType: "primary", NodeStatus: types.NodeStatusUp})
	policy := health.NewPolicy(health.DefaultPolicyConfig("cluster"), nil)
	p, _ := newTestClusterProcessor(t, cluster, ClusterConfig{Policy: policy})

	desc := clusterDesc(2)
	desc.NodesToEnable = []string{"ghost"}

	status, err := p.Process(context.Background(), desc)
	require.NoError(t, err)

	errs := clusterErrorList(t, status)
	require.Len(t, errs, 1)
	assert.Equal(t, OpEnableNodes, errs[0].Operation)
	assert.False(t, errs[0].Transient)
	assert.Empty(t, status.EnabledNodes)
	assert.Equal(t, types.ResultStatusInProgress, status.Status)
}

func TestClusterNodeTransitions(t *testing.T) {
	cluster := clusterapitest.New()
	cluster.SetNodes(
		types.NodeInfo{NodeName: "n1", NodeType: "primary", NodeStatus: types.NodeStatusDisabled},
		types.NodeInfo{NodeName: "n2", NodeType: "primary", NodeStatus: types.NodeStatusUp},
	)
	policy := health.NewPolicy(health.DefaultPolicyConfig("cluster"), nil)
	policy.ReportError(clusterapi.Errorf("GetNodeList", clusterapi.KindTransient, "timeout"), false)
	p, _ := newTestClusterProcessor(t, cluster, ClusterConfig{Policy: policy})

	desc := clusterDesc(3)
	desc.NodesToEnable = []string{"n1"}
	desc.NodesToDisable = []string{"n2"}

	status, err := p.Process(context.Background(), desc)
	require.NoError(t, err)
	// the fake enables at once while disabling takes a while
	assert.Equal(t, []string{"n1"}, status.EnabledNodes)
	assert.Empty(t, status.DisabledNodes)
	assert.Equal(t, types.ResultStatusInProgress, status.Status)
	assert.Zero(t, policy.ContinuousFailures())

	n2, ok := cluster.Node("n2")
	require.True(t, ok)
	assert.Equal(t, types.NodeDeactivationIntentRemoveNode, n2.DeactivationIntent)

	n2.NodeStatus = types.NodeStatusDisabled
	cluster.SetNodes(types.NodeInfo{NodeName: "n1", NodeType: "primary", NodeStatus: types.NodeStatusUp}, n2)

	status, err = p.Process(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, []string{"n2"}, status.DisabledNodes)
	assert.Equal(t, types.ResultStatusSucceeded, status.Status)
}

func TestEnabledAndDisabledNodes(t *testing.T) {
	nodes := []types.NodeInfo{
		{NodeName: "up", NodeStatus: types.NodeStatusUp},
		{NodeName: "down", NodeStatus: types.NodeStatusDown},
		{NodeName: "enabling", NodeStatus: types.NodeStatusEnabling},
		{NodeName: "disabling", NodeStatus: types.NodeStatusDisabling},
		{NodeName: "disabled", NodeStatus: types.NodeStatusDisabled},
		{NodeName: "removed", NodeStatus: types.NodeStatusRemoved},
	}
	all := []string{"up", "down", "enabling", "disabling", "disabled", "removed", "missing", "up"}

	assert.Equal(t, []string{"up", "down", "removed"}, enabledNodes(all, nodes))
	assert.Equal(t, []string{"disabled", "removed"}, disabledNodes(all, nodes))
	assert.Empty(t, enabledNodes(nil, nodes))
}

func TestClusterResult(t *testing.T) {
	manifestDesc := clusterDesc(1)
	manifestDesc.ClusterManifest = clusterManifest("2.0")
	codeDesc := clusterDesc(1)
	codeDesc.TargetCodeVersion = "7.2.0.0"

	tests := []struct {
		name     string
		desc     *types.ClusterOperationDescription
		progress types.FabricUpgradeProgress
		want     types.ResultStatus
	}{
		{"idle without request", nil, types.FabricUpgradeProgress{UpgradeState: types.FabricUpgradeStateRollingForwardCompleted}, types.ResultStatusSucceeded},
		{"rolled back", nil, types.FabricUpgradeProgress{UpgradeState: types.FabricUpgradeStateRollingBackCompleted}, types.ResultStatusFailed},
		{"failed", codeDesc, types.FabricUpgradeProgress{UpgradeState: types.FabricUpgradeStateFailed}, types.ResultStatusFailed},
		{"rolling", codeDesc, types.FabricUpgradeProgress{TargetCodeVersion: "7.2.0.0", UpgradeState: types.FabricUpgradeStateRollingForwardInProgress}, types.ResultStatusInProgress},
		{"code behind", codeDesc, types.FabricUpgradeProgress{TargetCodeVersion: "7.1.0.0", UpgradeState: types.FabricUpgradeStateRollingForwardCompleted}, types.ResultStatusInProgress},
		{"code reached", codeDesc, types.FabricUpgradeProgress{TargetCodeVersion: "7.2.0.0", UpgradeState: types.FabricUpgradeStateRollingForwardCompleted}, types.ResultStatusSucceeded},
		{"config behind", manifestDesc, types.FabricUpgradeProgress{TargetConfigVersion: "1.0", UpgradeState: types.FabricUpgradeStateRollingForwardCompleted}, types.ResultStatusInProgress},
		{"config reached", manifestDesc, types.FabricUpgradeProgress{TargetConfigVersion: "2.0", UpgradeState: types.FabricUpgradeStateRollingForwardCompleted}, types.ResultStatusSucceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clusterResult(tt.desc, tt.progress, &types.ClusterOperationStatus{}))
		})
	}
}
