package processor

import (
	"context"
	"fmt"

	"github.com/cuemby/steward/pkg/clusterapi"
	"github.com/cuemby/steward/pkg/ledger"
	"github.com/cuemby/steward/pkg/types"
)

// ApplicationHandler creates, upgrades and deletes applications
type ApplicationHandler struct {
	client clusterapi.Client
}

var _ Handler[types.ApplicationOperationDescription] = (*ApplicationHandler)(nil)

// NewApplicationHandler creates an application handler
func NewApplicationHandler(client clusterapi.Client) *ApplicationHandler {
	return &ApplicationHandler{client: client}
}

// NewApplicationProcessor creates the application processor
func NewApplicationProcessor(client clusterapi.Client, l *ledger.Ledger, opts Options) *ResourceProcessor[types.ApplicationOperationDescription] {
	return New[types.ApplicationOperationDescription](NewApplicationHandler(client), l, opts)
}

func (h *ApplicationHandler) ResourceType() types.ResourceType {
	return types.ResourceTypeApplication
}

func (h *ApplicationHandler) Get(ctx context.Context, desc types.ApplicationOperationDescription) (Observation, bool, error) {
	app, err := h.client.GetApplication(ctx, desc.ApplicationName)
	if clusterapi.IsNotFound(err) {
		return Observation{}, false, nil
	}
	if err != nil {
		return Observation{}, false, err
	}

	mismatch := app.TypeVersion != desc.TypeVersion
	result := applicationResult(app.Status)
	status := types.NewOperationStatus(desc.OperationMeta, result)
	obs := Observation{
		Status:  status,
		Drifted: mismatch || parametersDiffer(desc.Parameters, app.Parameters),
	}

	if !(result == types.ResultStatusSucceeded && mismatch) &&
		app.Status != types.ApplicationStatusUpgrading &&
		result != types.ResultStatusFailed {
		return obs, true, nil
	}

	progress, err := h.client.GetApplicationUpgradeProgress(ctx, desc.ApplicationName)
	if clusterapi.IsNotFound(err) {
		return obs, true, nil
	}
	if err != nil {
		return Observation{}, false, err
	}

	obs.Status = upgradeStatus(status, app, progress, desc.TypeVersion)

	switch progress.UpgradeState {
	case types.ApplicationUpgradeStateRollingBackInProgress,
		types.ApplicationUpgradeStateRollingForwardInProgress,
		types.ApplicationUpgradeStateRollingForwardPending:
		// policy changes are pushed into the running upgrade
		obs.Drifted = obs.Drifted || desc.UpgradePolicy != nil
	case types.ApplicationUpgradeStateRollingBackCompleted,
		types.ApplicationUpgradeStateFailed:
		// the cluster already tried this target and gave up
		if progress.TargetApplicationTypeVersion == desc.TypeVersion {
			obs.Drifted = false
		}
	}
	return obs, true, nil
}

// upgradeStatus re-derives the status of an application that is upgrading,
// failed, or ready at a version other than the requested one
func upgradeStatus(base types.OperationStatus, app types.ApplicationInfo, progress types.ApplicationUpgradeProgress, wantVersion string) types.OperationStatus {
	fail := func(format string, args ...any) types.OperationStatus {
		status := base
		status.Status = types.ResultStatusFailed
		return status.WithError(types.ErrorDetails{Message: fmt.Sprintf(format, args...)})
	}

	switch progress.UpgradeState {
	case types.ApplicationUpgradeStateRollingBackCompleted:
		return fail("upgrade to %s rolled back: %s", progress.TargetApplicationTypeVersion, progress.FailureReason)
	case types.ApplicationUpgradeStateRollingForwardCompleted:
		if app.TypeVersion != wantVersion {
			return fail("application is at version %s, expected %s", app.TypeVersion, wantVersion)
		}
		status := base
		status.Status = types.ResultStatusSucceeded
		return status
	case types.ApplicationUpgradeStateRollingBackInProgress,
		types.ApplicationUpgradeStateRollingForwardInProgress,
		types.ApplicationUpgradeStateRollingForwardPending:
		status := base
		status.Status = types.ResultStatusInProgress
		return status.WithProgress(progress.CurrentUpgradeDomainProgress)
	case types.ApplicationUpgradeStateFailed:
		return fail("upgrade to %s failed: %s", progress.TargetApplicationTypeVersion, progress.FailureReason)
	}
	return base
}

func (h *ApplicationHandler) Create(ctx context.Context, desc types.ApplicationOperationDescription) error {
	return h.client.CreateApplication(ctx, clusterapi.ApplicationDescription{
		Name:        desc.ApplicationName,
		TypeName:    desc.TypeName,
		TypeVersion: desc.TypeVersion,
		Parameters:  desc.Parameters,
	})
}

// Update starts an upgrade to the requested version and parameters, then
// pushes the requested policy into whatever upgrade is running
func (h *ApplicationHandler) Update(ctx context.Context, desc types.ApplicationOperationDescription) error {
	upgrade := clusterapi.ApplicationUpgradeDescription{
		Name:              desc.ApplicationName,
		TargetTypeVersion: desc.TypeVersion,
		Parameters:        desc.Parameters,
	}
	if policy := desc.UpgradePolicy; policy != nil {
		upgrade.ForceRestart = policy.ForceRestart
		upgrade.UpgradeReplicaSetCheckTimeout = policy.UpgradeReplicaSetCheckTimeout
		upgrade.MonitoringPolicy = clusterapi.MonitoringPolicyFrom(policy.MonitoringPolicy)
		upgrade.HealthPolicy = policy.HealthPolicy
	}

	if err := h.client.UpgradeApplication(ctx, upgrade); err != nil {
		switch clusterapi.KindOf(err) {
		case clusterapi.KindUpgradeNotInProgress, clusterapi.KindAlreadyInTargetState, clusterapi.KindOperationInProgress:
		default:
			return err
		}
	}

	if desc.UpgradePolicy == nil {
		return nil
	}

	progress, err := h.client.GetApplicationUpgradeProgress(ctx, desc.ApplicationName)
	if clusterapi.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	switch progress.UpgradeState {
	case types.ApplicationUpgradeStateRollingBackInProgress,
		types.ApplicationUpgradeStateRollingForwardInProgress,
		types.ApplicationUpgradeStateRollingForwardPending:
	default:
		return nil
	}

	err = h.client.UpdateApplicationUpgrade(ctx, UpgradeUpdateDescription(desc.ApplicationName, desc.UpgradePolicy, progress.UpgradeState))
	if clusterapi.KindOf(err) == clusterapi.KindUpgradeNotInProgress {
		return nil
	}
	return err
}

// UpgradeUpdateDescription builds the policy change for a running upgrade.
// A rollback only accepts the replica set check timeout and force restart;
// a roll forward takes the full monitoring and health policy.
func UpgradeUpdateDescription(name string, policy *types.ApplicationUpgradePolicy, state types.ApplicationUpgradeState) clusterapi.ApplicationUpgradeUpdateDescription {
	upd := clusterapi.ApplicationUpgradeUpdateDescription{
		Name:                          name,
		ForceRestart:                  policy.ForceRestart,
		UpgradeReplicaSetCheckTimeout: policy.UpgradeReplicaSetCheckTimeout,
	}
	if state == types.ApplicationUpgradeStateRollingBackInProgress {
		return upd
	}

	monitoring := clusterapi.MonitoringPolicyFrom(policy.MonitoringPolicy)
	upd.MonitoringPolicy = &monitoring
	upd.HealthPolicy = policy.HealthPolicy
	return upd
}

func (h *ApplicationHandler) Delete(ctx context.Context, desc types.ApplicationOperationDescription) error {
	return h.client.DeleteApplication(ctx, desc.ApplicationName)
}

func applicationResult(status types.ApplicationStatus) types.ResultStatus {
	switch status {
	case types.ApplicationStatusReady:
		return types.ResultStatusSucceeded
	case types.ApplicationStatusFailed:
		return types.ResultStatusFailed
	default:
		return types.ResultStatusInProgress
	}
}

// parametersDiffer reports whether a requested parameter is missing or has
// another value. Parameters the cluster holds beyond the request are ignored.
func parametersDiffer(want, have map[string]string) bool {
	for k, v := range want {
		if got, ok := have[k]; !ok || got != v {
			return true
		}
	}
	return false
}
