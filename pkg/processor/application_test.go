package processor

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/steward/pkg/clusterapi/clusterapitest"
	"github.com/cuemby/steward/pkg/ledger"
	"github.com/cuemby/steward/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appDesc(version string, seq int64) types.ApplicationOperationDescription {
	return types.ApplicationOperationDescription{
		OperationMeta:   meta("shop", types.ResourceTypeApplication, types.OperationTypeCreateOrUpdate, seq),
		ApplicationName: "fabric:/shop",
		TypeName:        "ShopType",
		TypeVersion:     version,
		Parameters:      map[string]string{"InstanceCount": "3"},
	}
}

func TestApplicationCreate(t *testing.T) {
	cluster := clusterapitest.New()
	cluster.SetApplicationType(types.ApplicationTypeInfo{Name: "ShopType", Version: "1.0", Status: types.ApplicationTypeStatusAvailable})
	l := ledger.New()
	p := NewApplicationProcessor(cluster, l, Options{})

	statuses := p.Process(context.Background(), []types.ApplicationOperationDescription{appDesc("1.0", 1)})

	require.Len(t, statuses, 1)
	assert.Equal(t, types.ResultStatusSucceeded, statuses[0].Status)
	assert.Equal(t, 1, cluster.Calls("CreateApplication"))
	assert.Zero(t, l.Len())
}

func TestApplicationCreateMissingType(t *testing.T) {
	cluster := clusterapitest.New()
	p := NewApplicationProcessor(cluster, ledger.New(), Options{})

	statuses := p.Process(context.Background(), []types.ApplicationOperationDescription{appDesc("1.0", 1)})

	require.Len(t, statuses, 1)
	assert.Equal(t, types.ResultStatusFailed, statuses[0].Status)
}

func TestApplicationUpgradeFlow(t *testing.T) {
	wait := 30 * time.Second
	cluster := clusterapitest.New()
	cluster.SetApplication(types.ApplicationInfo{
		Name:        "fabric:/shop",
		TypeName:    "ShopType",
		TypeVersion: "1.0",
		Status:      types.ApplicationStatusReady,
		Parameters:  map[string]string{"InstanceCount": "3"},
	})
	l := ledger.New()
	p := NewApplicationProcessor(cluster, l, Options{})

	desc := appDesc("2.0", 7)
	desc.UpgradePolicy = &types.ApplicationUpgradePolicy{
		MonitoringPolicy: types.MonitoringPolicy{HealthCheckWaitDuration: &wait},
	}

	statuses := p.Process(context.Background(), []types.ApplicationOperationDescription{desc})
	require.Len(t, statuses, 1)
	assert.Equal(t, types.ResultStatusInProgress, statuses[0].Status)
	require.Len(t, cluster.AppUpgrades, 1)
	assert.Equal(t, "2.0", cluster.AppUpgrades[0].TargetTypeVersion)
	assert.Equal(t, &wait, cluster.AppUpgrades[0].MonitoringPolicy.HealthCheckWaitDuration)
	require.Len(t, cluster.AppUpgradeUpdates, 1)
	assert.NotNil(t, cluster.AppUpgradeUpdates[0].MonitoringPolicy)
	assert.True(t, l.Exists("shop", 7))

	// while in flight only status is queried
	statuses = p.Process(context.Background(), []types.ApplicationOperationDescription{desc})
	require.Len(t, statuses, 1)
	assert.Equal(t, types.ResultStatusInProgress, statuses[0].Status)
	assert.Equal(t, 1, cluster.Calls("UpgradeApplication"))

	cluster.CompleteApplicationUpgrade("fabric:/shop")
	statuses = p.Process(context.Background(), []types.ApplicationOperationDescription{desc})
	require.Len(t, statuses, 1)
	assert.Equal(t, types.ResultStatusSucceeded, statuses[0].Status)
	assert.False(t, l.Exists("shop", 7))
	assert.Equal(t, 1, cluster.Calls("UpgradeApplication"))
}

func TestApplicationUpgradeStatus(t *testing.T) {
	tests := []struct {
		name     string
		app      types.ApplicationInfo
		progress types.ApplicationUpgradeProgress
		want     types.ResultStatus
		drifted  bool
	}{
		{
			name:     "rolled back",
			app:      types.ApplicationInfo{TypeVersion: "1.0", Status: types.ApplicationStatusReady},
			progress: types.ApplicationUpgradeProgress{TargetApplicationTypeVersion: "2.0", UpgradeState: types.ApplicationUpgradeStateRollingBackCompleted},
			want:     types.ResultStatusFailed,
			drifted:  false,
		},
		{
			name:     "changed out of band",
			app:      types.ApplicationInfo{TypeVersion: "3.0", Status: types.ApplicationStatusReady},
			progress: types.ApplicationUpgradeProgress{TargetApplicationTypeVersion: "3.0", UpgradeState: types.ApplicationUpgradeStateRollingForwardCompleted},
			want:     types.ResultStatusFailed,
			drifted:  true,
		},
		{
			name: "rolling forward",
			app:  types.ApplicationInfo{TypeVersion: "1.0", Status: types.ApplicationStatusUpgrading},
			progress: types.ApplicationUpgradeProgress{
				TargetApplicationTypeVersion: "2.0",
				UpgradeState:                 types.ApplicationUpgradeStateRollingForwardInProgress,
				CurrentUpgradeDomainProgress: &types.UpgradeDomainProgress{UpgradeDomainName: "UD1"},
			},
			want:    types.ResultStatusInProgress,
			drifted: true,
		},
		{
			name:     "rolling back",
			app:      types.ApplicationInfo{TypeVersion: "2.0", Status: types.ApplicationStatusUpgrading},
			progress: types.ApplicationUpgradeProgress{TargetApplicationTypeVersion: "2.0", UpgradeState: types.ApplicationUpgradeStateRollingBackInProgress},
			want:     types.ResultStatusInProgress,
			drifted:  false,
		},
		{
			name:     "upgrade failed",
			app:      types.ApplicationInfo{TypeVersion: "2.0", Status: types.ApplicationStatusFailed},
			progress: types.ApplicationUpgradeProgress{TargetApplicationTypeVersion: "2.0", UpgradeState: types.ApplicationUpgradeStateFailed},
			want:     types.ResultStatusFailed,
			drifted:  false,
		},
		{
			name:     "ready at target",
			app:      types.ApplicationInfo{TypeVersion: "2.0", Status: types.ApplicationStatusReady},
			progress: types.ApplicationUpgradeProgress{TargetApplicationTypeVersion: "1.0", UpgradeState: types.ApplicationUpgradeStateRollingBackCompleted},
			want:     types.ResultStatusSucceeded,
			drifted:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cluster := clusterapitest.New()
			tt.app.Name = "fabric:/shop"
			tt.app.Parameters = map[string]string{"InstanceCount": "3"}
			cluster.SetApplication(tt.app)
			tt.progress.ApplicationName = "fabric:/shop"
			cluster.SetApplicationUpgrade(tt.progress)

			obs, found, err := NewApplicationHandler(cluster).Get(context.Background(), appDesc("2.0", 1))
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, tt.want, obs.Status.Status)
			assert.Equal(t, tt.drifted, obs.Drifted)
		})
	}
}

func TestApplicationRolledBackIsNotRetried(t *testing.T) {
	cluster := clusterapitest.New()
	cluster.SetApplication(types.ApplicationInfo{
		Name:        "fabric:/shop",
		TypeName:    "ShopType",
		TypeVersion: "1.0",
		Status:      types.ApplicationStatusReady,
		Parameters:  map[string]string{"InstanceCount": "3"},
	})
	cluster.SetApplicationUpgrade(types.ApplicationUpgradeProgress{
		ApplicationName:              "fabric:/shop",
		TargetApplicationTypeVersion: "2.0",
		UpgradeState:                 types.ApplicationUpgradeStateRollingBackCompleted,
		FailureReason:                "HealthCheck",
	})
	p := NewApplicationProcessor(cluster, ledger.New(), Options{})

	statuses := p.Process(context.Background(), []types.ApplicationOperationDescription{appDesc("2.0", 3)})

	require.Len(t, statuses, 1)
	assert.Equal(t, types.ResultStatusFailed, statuses[0].Status)
	assert.Contains(t, errorDetails(t, statuses[0]).Message, "rolled back")
	assert.Zero(t, cluster.Mutations())
}

func TestApplicationParameterChange(t *testing.T) {
	cluster := clusterapitest.New()
	cluster.SetApplication(types.ApplicationInfo{
		Name:        "fabric:/shop",
		TypeVersion: "1.0",
		Status:      types.ApplicationStatusReady,
		Parameters:  map[string]string{"InstanceCount": "3", "Extra": "x"},
	})
	h := NewApplicationHandler(cluster)

	obs, _, err := h.Get(context.Background(), appDesc("1.0", 1))
	require.NoError(t, err)
	assert.False(t, obs.Drifted)

	desc := appDesc("1.0", 2)
	desc.Parameters["InstanceCount"] = "5"
	obs, _, err = h.Get(context.Background(), desc)
	require.NoError(t, err)
	assert.True(t, obs.Drifted)

	// same version: the cluster reports it is already there
	require.NoError(t, h.Update(context.Background(), desc))
	assert.Empty(t, cluster.AppUpgradeUpdates)
}

func TestUpgradeUpdateDescription(t *testing.T) {
	force := true
	timeout := time.Minute
	wait := 10 * time.Second
	policy := &types.ApplicationUpgradePolicy{
		MonitoringPolicy:              types.MonitoringPolicy{FailureAction: "Rollback", HealthCheckWaitDuration: &wait},
		ForceRestart:                  &force,
		UpgradeReplicaSetCheckTimeout: &timeout,
		HealthPolicy:                  &types.ApplicationHealthPolicy{ConsiderWarningAsError: true},
	}

	back := UpgradeUpdateDescription("fabric:/shop", policy, types.ApplicationUpgradeStateRollingBackInProgress)
	assert.Equal(t, "fabric:/shop", back.Name)
	assert.Equal(t, &force, back.ForceRestart)
	assert.Equal(t, &timeout, back.UpgradeReplicaSetCheckTimeout)
	assert.Nil(t, back.MonitoringPolicy)
	assert.Nil(t, back.HealthPolicy)

	forward := UpgradeUpdateDescription("fabric:/shop", policy, types.ApplicationUpgradeStateRollingForwardInProgress)
	assert.Equal(t, &force, forward.ForceRestart)
	require.NotNil(t, forward.MonitoringPolicy)
	assert.Equal(t, "Rollback", forward.MonitoringPolicy.FailureAction)
	assert.Equal(t, &wait, forward.MonitoringPolicy.HealthCheckWaitDuration)
	assert.True(t, forward.HealthPolicy.ConsiderWarningAsError)
}

func TestParametersDiffer(t *testing.T) {
	have := map[string]string{"a": "1", "b": "2"}
	assert.False(t, parametersDiffer(nil, have))
	assert.False(t, parametersDiffer(map[string]string{"a": "1"}, have))
	assert.True(t, parametersDiffer(map[string]string{"a": "2"}, have))
	assert.True(t, parametersDiffer(map[string]string{"c": "1"}, have))
}
