package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cuemby/steward/pkg/clusterapi"
	"github.com/cuemby/steward/pkg/health"
	"github.com/cuemby/steward/pkg/log"
	"github.com/cuemby/steward/pkg/metrics"
	"github.com/cuemby/steward/pkg/nodestatus"
	"github.com/cuemby/steward/pkg/storage"
	"github.com/cuemby/steward/pkg/types"
	"github.com/cuemby/steward/pkg/upgrade"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// Cluster sub-operations as reported in ClusterOperationError
const (
	OpClusterUpgrade       = "ClusterUpgrade"
	OpEnableNodes          = "EnableNodes"
	OpDisableNodes         = "DisableNodes"
	OpUpdateSystemServices = "UpdateSystemServices"
	OpProcessNodeAcks      = "ProcessNodeAcks"

	// status assembly steps that can fail without failing the report
	OpProcessNodeQuery  = "ProcessNodeQuery"
	OpGetNodeStates     = "GetNodeStates"
	OpGetSystemServices = "GetSystemServiceDescriptions"
)

// ClusterConfig configures the cluster processor
type ClusterConfig struct {
	Timeout time.Duration

	// PrimaryNodeTypes limits the node query. Empty means all nodes.
	PrimaryNodeTypes []string

	// DisableIntent is used to deactivate nodes. Defaults to RemoveNode.
	DisableIntent types.NodeDeactivationIntent

	// Policy is told once per applied description whether any
	// sub-operation failed. Optional.
	Policy *health.Policy
}

// ClusterProcessor reconciles the single cluster resource
type ClusterProcessor struct {
	client        clusterapi.Client
	nodes         *nodestatus.Manager
	generator     *upgrade.Generator
	upgrader      *upgrade.Upgrader
	timeout       time.Duration
	nodeTypes     []string
	disableIntent types.NodeDeactivationIntent
	policy        *health.Policy
	logger        zerolog.Logger
}

// NewClusterProcessor creates the cluster processor
func NewClusterProcessor(client clusterapi.Client, nodes *nodestatus.Manager, generator *upgrade.Generator, upgrader *upgrade.Upgrader, cfg ClusterConfig) *ClusterProcessor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultOperationTimeout
	}
	if cfg.DisableIntent == "" {
		cfg.DisableIntent = types.NodeDeactivationIntentRemoveNode
	}
	return &ClusterProcessor{
		client:        client,
		nodes:         nodes,
		generator:     generator,
		upgrader:      upgrader,
		timeout:       cfg.Timeout,
		nodeTypes:     cfg.PrimaryNodeTypes,
		disableIntent: cfg.DisableIntent,
		policy:        cfg.Policy,
		logger:        log.WithComponent("processor").With().Str("resource_type", string(types.ResourceTypeCluster)).Logger(),
	}
}

// clusterErrors collects sub-operation failures from concurrent goroutines
type clusterErrors struct {
	mu     sync.Mutex
	errors []types.ClusterOperationError
	causes []error
}

func (e *clusterErrors) add(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.causes = append(e.causes, fmt.Errorf("%s: %w", op, err))
	e.errors = append(e.errors, types.ClusterOperationError{
		Operation:    op,
		Transient:    clusterapi.IsTransient(err) || storage.IsRetryable(err),
		ErrorDetails: err.Error(),
	})
}

func (e *clusterErrors) list() []types.ClusterOperationError {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.errors)
}

func (e *clusterErrors) err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return errors.Join(e.causes...)
}

// Process applies desc and reports the cluster status. A nil desc only
// builds the status, which is what the first cycle after start does.
func (p *ClusterProcessor) Process(ctx context.Context, desc *types.ClusterOperationDescription) (*types.ClusterOperationStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OperationDuration, string(types.ResourceTypeCluster))

	errs := &clusterErrors{}
	if desc != nil {
		p.apply(ctx, desc, errs)
		p.report(ctx, errs)
	}

	status, err := p.status(ctx, desc, errs)
	if err != nil {
		return nil, err
	}
	metrics.OperationsTotal.WithLabelValues(string(types.ResourceTypeCluster), string(status.Status)).Inc()
	return status, nil
}

// apply runs the five sub-operations concurrently. A failure, or a panic, in
// one is recorded and never stops the others.
func (p *ClusterProcessor) apply(ctx context.Context, desc *types.ClusterOperationDescription, errs *clusterErrors) {
	subOps := []struct {
		name string
		run  func(context.Context, *types.ClusterOperationDescription) error
	}{
		{OpClusterUpgrade, p.upgradeCluster},
		{OpEnableNodes, p.enableNodes},
		{OpDisableNodes, p.disableNodes},
		{OpUpdateSystemServices, p.updateSystemServices},
		{OpProcessNodeAcks, p.processNodeAcks},
	}

	var wg conc.WaitGroup
	for _, op := range subOps {
		wg.Go(func() {
			var (
				pc  panics.Catcher
				err error
			)
			pc.Try(func() { err = op.run(ctx, desc) })
			if r := pc.Recovered(); r != nil {
				err = fmt.Errorf("%s panicked: %v", op.name, r.Value)
			}
			if err == nil {
				return
			}

			p.logger.Warn().Err(err).Str("operation", op.name).Msg("Cluster sub-operation failed")
			metrics.ClusterSubOperationErrors.WithLabelValues(op.name).Inc()
			errs.add(op.name, err)
		})
	}
	wg.Wait()
}

// report tells the policy whether the sub-operations of one description
// all succeeded
func (p *ClusterProcessor) report(ctx context.Context, errs *clusterErrors) {
	if p.policy == nil {
		return
	}
	err := errs.err()
	if err == nil {
		p.policy.ReportSuccess()
		return
	}
	p.policy.ReportError(fmt.Errorf("cluster sub-operations failed: %w", err), ctx.Err() != nil)
}

func (p *ClusterProcessor) upgradeCluster(ctx context.Context, desc *types.ClusterOperationDescription) error {
	if desc.TargetCodeVersion == "" && desc.ClusterManifest == "" {
		return nil
	}

	progress, err := p.client.GetFabricUpgradeProgress(ctx)
	if err != nil {
		return err
	}

	var clusterHealth *types.ClusterHealth
	if desc.UpgradePolicy != nil && desc.UpgradePolicy.DeltaHealthPolicy != nil {
		clusterHealth, err = p.client.GetClusterHealth(ctx)
		if err != nil {
			p.logger.Warn().Err(err).Msg("Failed to get cluster health")
			clusterHealth = nil
		}
	}

	param, err := p.generator.Generate(ctx, desc, progress, clusterHealth)
	if err != nil || param == nil {
		return err
	}
	defer func() {
		if err := param.Cleanup(); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to remove staged upgrade files")
		}
	}()

	if err := p.upgrader.Start(ctx, param); err != nil && !clusterapi.IsBenign(err) {
		return err
	}
	return nil
}

func (p *ClusterProcessor) enableNodes(ctx context.Context, desc *types.ClusterOperationDescription) error {
	var errs []error
	for _, name := range desc.NodesToEnable {
		if err := p.client.ActivateNode(ctx, name); err != nil && !clusterapi.IsBenign(err) {
			errs = append(errs, err)
			continue
		}
		nodeLog := log.WithNode(p.logger, name)
		nodeLog.Debug().Msg("Node activation requested")
	}
	return errors.Join(errs...)
}

func (p *ClusterProcessor) disableNodes(ctx context.Context, desc *types.ClusterOperationDescription) error {
	var errs []error
	for _, name := range desc.NodesToDisable {
		if err := p.client.DeactivateNode(ctx, name, p.disableIntent); err != nil && !clusterapi.IsBenign(err) {
			errs = append(errs, err)
			continue
		}
		nodeLog := log.WithNode(p.logger, name)
		nodeLog.Debug().Str("intent", string(p.disableIntent)).Msg("Node deactivation requested")
	}
	return errors.Join(errs...)
}

func (p *ClusterProcessor) updateSystemServices(ctx context.Context, desc *types.ClusterOperationDescription) error {
	names := lo.Keys(desc.SystemServiceDescriptionsToSet)
	slices.Sort(names)

	var errs []error
	for _, name := range names {
		if err := p.client.UpdateSystemService(ctx, name, desc.SystemServiceDescriptionsToSet[name]); err != nil && !clusterapi.IsBenign(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *ClusterProcessor) processNodeAcks(ctx context.Context, desc *types.ClusterOperationDescription) error {
	if len(desc.NodeStatusAcks) == 0 {
		return nil
	}
	return p.nodes.ProcessWRPResponse(ctx, desc.NodeStatusAcks)
}

// status queries the cluster concurrently and assembles the report
func (p *ClusterProcessor) status(ctx context.Context, desc *types.ClusterOperationDescription, errs *clusterErrors) (*types.ClusterOperationStatus, error) {
	var (
		progress    types.FabricUpgradeProgress
		nodes       []types.NodeInfo
		services    map[string]types.ServiceRuntimeDescription
		progressErr error
		nodesErr    error
		servicesErr error
		wg          conc.WaitGroup
	)

	wg.Go(func() { progress, progressErr = p.client.GetFabricUpgradeProgress(ctx) })
	wg.Go(func() { nodes, nodesErr = p.client.GetNodeList(ctx) })
	resizing := desc != nil && len(desc.SystemServiceDescriptionsToSet) > 0
	if resizing {
		wg.Go(func() { services, servicesErr = p.client.GetSystemServiceDescriptions(ctx) })
	}
	wg.Wait()

	if progressErr != nil {
		return nil, fmt.Errorf("failed to get cluster upgrade progress: %w", progressErr)
	}
	if nodesErr != nil {
		return nil, fmt.Errorf("failed to get node list: %w", nodesErr)
	}
	if servicesErr != nil {
		errs.add(OpGetSystemServices, servicesErr)
	}

	primary := nodes
	if len(p.nodeTypes) > 0 {
		primary = lo.Filter(nodes, func(n types.NodeInfo, _ int) bool {
			return slices.Contains(p.nodeTypes, n.NodeType)
		})
	}
	observed := lo.Map(primary, func(n types.NodeInfo, _ int) types.PaasNodeStatusInfo {
		return n.ToPaasNodeStatus()
	})
	if err := p.nodes.ProcessNodeQuery(ctx, observed); err != nil {
		errs.add(OpProcessNodeQuery, err)
	}
	nodeStates, err := p.nodes.GetNodeStates(ctx)
	if err != nil {
		errs.add(OpGetNodeStates, err)
	}

	meta := types.OperationMeta{ResourceType: types.ResourceTypeCluster}
	if desc != nil {
		meta = desc.OperationMeta
	}

	status := &types.ClusterOperationStatus{
		CodeVersion:   progress.TargetCodeVersion,
		ConfigVersion: progress.TargetConfigVersion,
		UpgradeState:  progress.UpgradeState,
		NodesStatus:   nodeStates,
	}
	if desc != nil {
		status.EnabledNodes = enabledNodes(desc.NodesToEnable, nodes)
		status.DisabledNodes = disabledNodes(desc.NodesToDisable, nodes)
	}
	if resizing && services != nil {
		status.SystemServices = lo.PickByKeys(services, lo.Keys(desc.SystemServiceDescriptionsToSet))
	}

	status.OperationStatus = types.NewOperationStatus(meta, clusterResult(desc, progress, status))
	if progress.CurrentUpgradeDomainProgress != nil {
		status.OperationStatus = status.WithProgress(progress.CurrentUpgradeDomainProgress)
	}
	if list := errs.list(); len(list) > 0 {
		data, err := json.Marshal(types.ClusterErrorDetails{Errors: list})
		if err != nil {
			return nil, fmt.Errorf("failed to encode cluster errors: %w", err)
		}
		status.ErrorDetails = data
	}
	return status, nil
}

// clusterResult derives the cluster status from the upgrade state and, when
// a description was applied, from how far the requested changes got
func clusterResult(desc *types.ClusterOperationDescription, progress types.FabricUpgradeProgress, status *types.ClusterOperationStatus) types.ResultStatus {
	switch progress.UpgradeState {
	case types.FabricUpgradeStateFailed, types.FabricUpgradeStateRollingBackCompleted:
		return types.ResultStatusFailed
	case types.FabricUpgradeStateRollingForwardPending,
		types.FabricUpgradeStateRollingForwardInProgress,
		types.FabricUpgradeStateRollingBackInProgress:
		return types.ResultStatusInProgress
	}
	if desc == nil {
		return types.ResultStatusSucceeded
	}

	if desc.TargetCodeVersion != "" && desc.TargetCodeVersion != progress.TargetCodeVersion {
		return types.ResultStatusInProgress
	}
	if desc.ClusterManifest != "" {
		if version, err := upgrade.ConfigVersion(desc.ClusterManifest); err == nil && version != progress.TargetConfigVersion {
			return types.ResultStatusInProgress
		}
	}
	if len(status.EnabledNodes) < len(lo.Uniq(desc.NodesToEnable)) ||
		len(status.DisabledNodes) < len(lo.Uniq(desc.NodesToDisable)) {
		return types.ResultStatusInProgress
	}
	return types.ResultStatusSucceeded
}

// enabledNodes returns the requested nodes that are enabled. A node counts
// as enabled unless it is enabling or being or already disabled, so a node
// that is enabled but down still counts.
func enabledNodes(requested []string, nodes []types.NodeInfo) []string {
	return matchNodes(requested, nodes, func(n types.NodeInfo) bool {
		switch n.NodeStatus {
		case types.NodeStatusDisabling, types.NodeStatusDisabled, types.NodeStatusEnabling:
			return false
		}
		return true
	})
}

// disabledNodes returns the requested nodes that finished deactivation
func disabledNodes(requested []string, nodes []types.NodeInfo) []string {
	return matchNodes(requested, nodes, func(n types.NodeInfo) bool {
		return n.NodeStatus == types.NodeStatusDisabled || n.NodeStatus == types.NodeStatusRemoved
	})
}

func matchNodes(requested []string, nodes []types.NodeInfo, match func(types.NodeInfo) bool) []string {
	byName := lo.KeyBy(nodes, func(n types.NodeInfo) string { return n.NodeName })
	var out []string
	for _, name := range lo.Uniq(requested) {
		if n, ok := byName[name]; ok && match(n) {
			out = append(out, name)
		}
	}
	return out
}
