// Package clusterapitest provides an in-memory Cluster Control API for tests.
package clusterapitest

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/cuemby/steward/pkg/clusterapi"
	"github.com/cuemby/steward/pkg/types"
)

// Cluster is an in-memory clusterapi.Client. It keeps just enough state for
// the processors to converge: mutations change what later reads return.
type Cluster struct {
	mu sync.Mutex

	appTypes       map[string]types.ApplicationTypeInfo
	apps           map[string]types.ApplicationInfo
	appUpgrades    map[string]types.ApplicationUpgradeProgress
	services       map[string]types.ServiceInfo
	nodes          []types.NodeInfo
	systemServices map[string]types.ServiceRuntimeDescription
	fabricProgress types.FabricUpgradeProgress
	health         *types.ClusterHealth
	manifest       string
	codeVersions   []string
	configVersions []string

	errs  map[string]error
	hangs map[string]bool
	calls map[string]int

	// Requests of the last accepted mutations
	AppUpgrades       []clusterapi.ApplicationUpgradeDescription
	AppUpgradeUpdates []clusterapi.ApplicationUpgradeUpdateDescription
	ServiceUpdates    []clusterapi.ServiceUpdateDescription
	FabricUpgrades    []clusterapi.FabricUpgradeDescription
	PackageCopies     []clusterapi.CopyClusterPackageDescription
	FabricProvisions  [][2]string
}

var _ clusterapi.Client = (*Cluster)(nil)

// New creates an empty cluster with an idle fabric upgrade state
func New() *Cluster {
	return &Cluster{
		appTypes:       make(map[string]types.ApplicationTypeInfo),
		apps:           make(map[string]types.ApplicationInfo),
		appUpgrades:    make(map[string]types.ApplicationUpgradeProgress),
		services:       make(map[string]types.ServiceInfo),
		systemServices: make(map[string]types.ServiceRuntimeDescription),
		fabricProgress: types.FabricUpgradeProgress{UpgradeState: types.FabricUpgradeStateRollingForwardCompleted},
		errs:           make(map[string]error),
		hangs:          make(map[string]bool),
		calls:          make(map[string]int),
	}
}

// Seeding

func typeKey(name, version string) string {
	return name + ":" + version
}

// SetApplicationType adds or replaces an application type version
func (c *Cluster) SetApplicationType(info types.ApplicationTypeInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appTypes[typeKey(info.Name, info.Version)] = info
}

// SetApplication adds or replaces an application
func (c *Cluster) SetApplication(info types.ApplicationInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apps[info.Name] = info
}

// SetApplicationUpgrade sets the upgrade progress of an application
func (c *Cluster) SetApplicationUpgrade(progress types.ApplicationUpgradeProgress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appUpgrades[progress.ApplicationName] = progress
}

// CompleteApplicationUpgrade finishes a running application upgrade
func (c *Cluster) CompleteApplicationUpgrade(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	progress, ok := c.appUpgrades[name]
	if !ok {
		return
	}
	progress.UpgradeState = types.ApplicationUpgradeStateRollingForwardCompleted
	progress.CurrentUpgradeDomainProgress = nil
	c.appUpgrades[name] = progress

	app := c.apps[name]
	app.TypeVersion = progress.TargetApplicationTypeVersion
	app.Status = types.ApplicationStatusReady
	c.apps[name] = app
}

// SetService adds or replaces a service
func (c *Cluster) SetService(info types.ServiceInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info.ServiceName = clusterapi.FullServiceName(info.ApplicationName, info.ServiceName)
	c.services[info.ServiceName] = info
}

// SetNodes replaces the node list
func (c *Cluster) SetNodes(nodes ...types.NodeInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes = slices.Clone(nodes)
}

// Node returns a node by name
func (c *Cluster) Node(name string) (types.NodeInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.nodeIndex(name)
	if i < 0 {
		return types.NodeInfo{}, false
	}
	return c.nodes[i], true
}

// SetSystemService adds or replaces a system service description
func (c *Cluster) SetSystemService(name string, desc types.ServiceRuntimeDescription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.systemServices[name] = desc
}

// SetFabricUpgradeProgress sets the cluster upgrade progress
func (c *Cluster) SetFabricUpgradeProgress(progress types.FabricUpgradeProgress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fabricProgress = progress
}

// SetClusterHealth sets the cluster health; nil means unavailable
func (c *Cluster) SetClusterHealth(health *types.ClusterHealth) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = health
}

// SetClusterManifest sets the current cluster manifest
func (c *Cluster) SetClusterManifest(manifest string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manifest = manifest
}

// SetProvisionedVersions sets the provisioned code and config versions
func (c *Cluster) SetProvisionedVersions(code, config []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codeVersions = slices.Clone(code)
	c.configVersions = slices.Clone(config)
}

// Fault injection

// SetError makes every call of method fail with err until cleared with a
// nil err
func (c *Cluster) SetError(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.errs, method)
		return
	}
	c.errs[method] = err
}

// Hang makes every call of method block until its context is done
func (c *Cluster) Hang(method string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hangs[method] = true
}

// Calls returns how many times method was called
func (c *Cluster) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

// Mutations returns the number of calls that could have changed the cluster
func (c *Cluster) Mutations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, method := range []string{
		"ProvisionApplicationType", "UnprovisionApplicationType",
		"CreateApplication", "DeleteApplication", "UpgradeApplication", "UpdateApplicationUpgrade",
		"CreateService", "UpdateService", "DeleteService",
		"ActivateNode", "DeactivateNode", "UpdateSystemService",
		"CopyClusterPackage", "ProvisionFabric", "UpgradeFabric",
	} {
		total += c.calls[method]
	}
	return total
}

// enter records the call and applies injected faults. It must be called
// without holding the lock; on success the lock is held on return.
func (c *Cluster) enter(ctx context.Context, method string) error {
	c.mu.Lock()
	c.calls[method]++
	hang := c.hangs[method]
	err := c.errs[method]
	c.mu.Unlock()

	if hang {
		<-ctx.Done()
		return clusterapi.NewError(method, clusterapi.KindTransient, ctx.Err())
	}
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return clusterapi.NewError(method, clusterapi.KindTransient, err)
	}

	c.mu.Lock()
	return nil
}

func (c *Cluster) nodeIndex(name string) int {
	return slices.IndexFunc(c.nodes, func(n types.NodeInfo) bool { return n.NodeName == name })
}

// Application types

func (c *Cluster) GetApplicationType(ctx context.Context, typeName, typeVersion string) (types.ApplicationTypeInfo, error) {
	const op = "GetApplicationType"
	if err := c.enter(ctx, op); err != nil {
		return types.ApplicationTypeInfo{}, err
	}
	defer c.mu.Unlock()

	info, ok := c.appTypes[typeKey(typeName, typeVersion)]
	if !ok {
		return types.ApplicationTypeInfo{}, clusterapi.Errorf(op, clusterapi.KindNotFound, "application type %s:%s", typeName, typeVersion)
	}
	return info, nil
}

func (c *Cluster) ProvisionApplicationType(ctx context.Context, desc clusterapi.ProvisionApplicationTypeDescription) error {
	const op = "ProvisionApplicationType"
	if err := c.enter(ctx, op); err != nil {
		return err
	}
	defer c.mu.Unlock()

	key := typeKey(desc.TypeName, desc.TypeVersion)
	if _, ok := c.appTypes[key]; ok {
		return clusterapi.Errorf(op, clusterapi.KindAlreadyInTargetState, "application type %s exists", key)
	}
	c.appTypes[key] = types.ApplicationTypeInfo{
		Name:    desc.TypeName,
		Version: desc.TypeVersion,
		Status:  types.ApplicationTypeStatusAvailable,
	}
	return nil
}

func (c *Cluster) UnprovisionApplicationType(ctx context.Context, typeName, typeVersion string) error {
	const op = "UnprovisionApplicationType"
	if err := c.enter(ctx, op); err != nil {
		return err
	}
	defer c.mu.Unlock()

	key := typeKey(typeName, typeVersion)
	if _, ok := c.appTypes[key]; !ok {
		return clusterapi.Errorf(op, clusterapi.KindNotFound, "application type %s", key)
	}
	delete(c.appTypes, key)
	return nil
}

// Applications

func (c *Cluster) GetApplication(ctx context.Context, applicationName string) (types.ApplicationInfo, error) {
	const op = "GetApplication"
	if err := c.enter(ctx, op); err != nil {
		return types.ApplicationInfo{}, err
	}
	defer c.mu.Unlock()

	app, ok := c.apps[applicationName]
	if !ok {
		return types.ApplicationInfo{}, clusterapi.Errorf(op, clusterapi.KindNotFound, "application %s", applicationName)
	}
	return app, nil
}

func (c *Cluster) CreateApplication(ctx context.Context, desc clusterapi.ApplicationDescription) error {
	const op = "CreateApplication"
	if err := c.enter(ctx, op); err != nil {
		return err
	}
	defer c.mu.Unlock()

	if _, ok := c.apps[desc.Name]; ok {
		return clusterapi.Errorf(op, clusterapi.KindAlreadyInTargetState, "application %s exists", desc.Name)
	}
	if _, ok := c.appTypes[typeKey(desc.TypeName, desc.TypeVersion)]; !ok {
		return clusterapi.Errorf(op, clusterapi.KindNotFound, "application type %s:%s not provisioned", desc.TypeName, desc.TypeVersion)
	}
	c.apps[desc.Name] = types.ApplicationInfo{
		Name:        desc.Name,
		TypeName:    desc.TypeName,
		TypeVersion: desc.TypeVersion,
		Status:      types.ApplicationStatusReady,
		Parameters:  maps.Clone(desc.Parameters),
	}
	return nil
}

func (c *Cluster) DeleteApplication(ctx context.Context, applicationName string) error {
	const op = "DeleteApplication"
	if err := c.enter(ctx, op); err != nil {
		return err
	}
	defer c.mu.Unlock()

	if _, ok := c.apps[applicationName]; !ok {
		return clusterapi.Errorf(op, clusterapi.KindNotFound, "application %s", applicationName)
	}
	delete(c.apps, applicationName)
	delete(c.appUpgrades, applicationName)
	maps.DeleteFunc(c.services, func(_ string, svc types.ServiceInfo) bool {
		return svc.ApplicationName == applicationName
	})
	return nil
}

func (c *Cluster) GetApplicationUpgradeProgress(ctx context.Context, applicationName string) (types.ApplicationUpgradeProgress, error) {
	const op = "GetApplicationUpgradeProgress"
	if err := c.enter(ctx, op); err != nil {
		return types.ApplicationUpgradeProgress{}, err
	}
	defer c.mu.Unlock()

	app, ok := c.apps[applicationName]
	if !ok {
		return types.ApplicationUpgradeProgress{}, clusterapi.Errorf(op, clusterapi.KindNotFound, "application %s", applicationName)
	}
	if progress, ok := c.appUpgrades[applicationName]; ok {
		return progress, nil
	}
	return types.ApplicationUpgradeProgress{
		ApplicationName:              applicationName,
		TargetApplicationTypeVersion: app.TypeVersion,
		UpgradeState:                 types.ApplicationUpgradeStateRollingForwardCompleted,
	}, nil
}

func upgradeRunning(state types.ApplicationUpgradeState) bool {
	switch state {
	case types.ApplicationUpgradeStateRollingForwardPending,
		types.ApplicationUpgradeStateRollingForwardInProgress,
		types.ApplicationUpgradeStateRollingBackInProgress:
		return true
	}
	return false
}

func (c *Cluster) UpgradeApplication(ctx context.Context, desc clusterapi.ApplicationUpgradeDescription) error {
	const op = "UpgradeApplication"
	if err := c.enter(ctx, op); err != nil {
		return err
	}
	defer c.mu.Unlock()

	app, ok := c.apps[desc.Name]
	if !ok {
		return clusterapi.Errorf(op, clusterapi.KindNotFound, "application %s", desc.Name)
	}
	if progress, ok := c.appUpgrades[desc.Name]; ok && upgradeRunning(progress.UpgradeState) {
		return clusterapi.Errorf(op, clusterapi.KindOperationInProgress, "application %s is upgrading", desc.Name)
	}
	if app.TypeVersion == desc.TargetTypeVersion {
		return clusterapi.Errorf(op, clusterapi.KindAlreadyInTargetState, "application %s at %s", desc.Name, app.TypeVersion)
	}

	c.AppUpgrades = append(c.AppUpgrades, desc)
	app.Status = types.ApplicationStatusUpgrading
	c.apps[desc.Name] = app
	c.appUpgrades[desc.Name] = types.ApplicationUpgradeProgress{
		ApplicationName:              desc.Name,
		TargetApplicationTypeVersion: desc.TargetTypeVersion,
		UpgradeState:                 types.ApplicationUpgradeStateRollingForwardInProgress,
	}
	return nil
}

func (c *Cluster) UpdateApplicationUpgrade(ctx context.Context, desc clusterapi.ApplicationUpgradeUpdateDescription) error {
	const op = "UpdateApplicationUpgrade"
	if err := c.enter(ctx, op); err != nil {
		return err
	}
	defer c.mu.Unlock()

	progress, ok := c.appUpgrades[desc.Name]
	if !ok || !upgradeRunning(progress.UpgradeState) {
		return clusterapi.Errorf(op, clusterapi.KindUpgradeNotInProgress, "application %s is not upgrading", desc.Name)
	}
	c.AppUpgradeUpdates = append(c.AppUpgradeUpdates, desc)
	return nil
}

// Services

func (c *Cluster) GetService(ctx context.Context, applicationName, serviceName string) (types.ServiceInfo, error) {
	const op = "GetService"
	if err := c.enter(ctx, op); err != nil {
		return types.ServiceInfo{}, err
	}
	defer c.mu.Unlock()

	name := clusterapi.FullServiceName(applicationName, serviceName)
	svc, ok := c.services[name]
	if !ok {
		return types.ServiceInfo{}, clusterapi.Errorf(op, clusterapi.KindNotFound, "service %s", name)
	}
	return svc, nil
}

func (c *Cluster) CreateService(ctx context.Context, desc clusterapi.ServiceDescription) error {
	const op = "CreateService"
	if err := c.enter(ctx, op); err != nil {
		return err
	}
	defer c.mu.Unlock()

	if _, ok := c.apps[desc.ApplicationName]; !ok {
		return clusterapi.Errorf(op, clusterapi.KindNotFound, "application %s", desc.ApplicationName)
	}
	name := clusterapi.FullServiceName(desc.ApplicationName, desc.ServiceName)
	if _, ok := c.services[name]; ok {
		return clusterapi.Errorf(op, clusterapi.KindAlreadyInTargetState, "service %s exists", name)
	}
	c.services[name] = types.ServiceInfo{
		ApplicationName:      desc.ApplicationName,
		ServiceName:          name,
		ServiceTypeName:      desc.ServiceTypeName,
		Stateful:             desc.Stateful,
		Status:               types.ServiceStatusActive,
		TargetReplicaSetSize: desc.TargetReplicaSetSize,
		MinReplicaSetSize:    desc.MinReplicaSetSize,
		InstanceCount:        desc.InstanceCount,
		PlacementConstraints: desc.PlacementConstraints,
	}
	return nil
}

func (c *Cluster) UpdateService(ctx context.Context, desc clusterapi.ServiceUpdateDescription) error {
	const op = "UpdateService"
	if err := c.enter(ctx, op); err != nil {
		return err
	}
	defer c.mu.Unlock()

	name := clusterapi.FullServiceName(desc.ApplicationName, desc.ServiceName)
	svc, ok := c.services[name]
	if !ok {
		return clusterapi.Errorf(op, clusterapi.KindNotFound, "service %s", name)
	}
	c.ServiceUpdates = append(c.ServiceUpdates, desc)
	svc.TargetReplicaSetSize = desc.TargetReplicaSetSize
	svc.MinReplicaSetSize = desc.MinReplicaSetSize
	svc.InstanceCount = desc.InstanceCount
	svc.PlacementConstraints = desc.PlacementConstraints
	c.services[name] = svc
	return nil
}

func (c *Cluster) DeleteService(ctx context.Context, applicationName, serviceName string) error {
	const op = "DeleteService"
	if err := c.enter(ctx, op); err != nil {
		return err
	}
	defer c.mu.Unlock()

	name := clusterapi.FullServiceName(applicationName, serviceName)
	if _, ok := c.services[name]; !ok {
		return clusterapi.Errorf(op, clusterapi.KindNotFound, "service %s", name)
	}
	delete(c.services, name)
	return nil
}

// Nodes

func (c *Cluster) GetNodeList(ctx context.Context) ([]types.NodeInfo, error) {
	if err := c.enter(ctx, "GetNodeList"); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()
	return slices.Clone(c.nodes), nil
}

func (c *Cluster) ActivateNode(ctx context.Context, nodeName string) error {
	const op = "ActivateNode"
	if err := c.enter(ctx, op); err != nil {
		return err
	}
	defer c.mu.Unlock()

	i := c.nodeIndex(nodeName)
	if i < 0 {
		return clusterapi.Errorf(op, clusterapi.KindNotFound, "node %s", nodeName)
	}
	c.nodes[i].NodeStatus = types.NodeStatusUp
	c.nodes[i].DeactivationIntent = ""
	return nil
}

func (c *Cluster) DeactivateNode(ctx context.Context, nodeName string, intent types.NodeDeactivationIntent) error {
	const op = "DeactivateNode"
	if err := c.enter(ctx, op); err != nil {
		return err
	}
	defer c.mu.Unlock()

	i := c.nodeIndex(nodeName)
	if i < 0 {
		return clusterapi.Errorf(op, clusterapi.KindNotFound, "node %s", nodeName)
	}
	switch c.nodes[i].NodeStatus {
	case types.NodeStatusDisabling, types.NodeStatusDisabled, types.NodeStatusRemoved:
		if c.nodes[i].DeactivationIntent == intent {
			return nil
		}
	}
	c.nodes[i].NodeStatus = types.NodeStatusDisabling
	c.nodes[i].DeactivationIntent = intent
	return nil
}

// System services

func (c *Cluster) GetSystemServiceDescriptions(ctx context.Context) (map[string]types.ServiceRuntimeDescription, error) {
	if err := c.enter(ctx, "GetSystemServiceDescriptions"); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()
	return maps.Clone(c.systemServices), nil
}

func (c *Cluster) UpdateSystemService(ctx context.Context, serviceName string, desc types.ServiceRuntimeDescription) error {
	const op = "UpdateSystemService"
	if err := c.enter(ctx, op); err != nil {
		return err
	}
	defer c.mu.Unlock()

	if _, ok := c.systemServices[serviceName]; !ok {
		return clusterapi.Errorf(op, clusterapi.KindNotFound, "system service %s", serviceName)
	}
	c.systemServices[serviceName] = desc
	return nil
}

// Cluster

func (c *Cluster) GetFabricUpgradeProgress(ctx context.Context) (types.FabricUpgradeProgress, error) {
	if err := c.enter(ctx, "GetFabricUpgradeProgress"); err != nil {
		return types.FabricUpgradeProgress{}, err
	}
	defer c.mu.Unlock()
	return c.fabricProgress, nil
}

func (c *Cluster) GetClusterHealth(ctx context.Context) (*types.ClusterHealth, error) {
	if err := c.enter(ctx, "GetClusterHealth"); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()
	return c.health, nil
}

func (c *Cluster) GetClusterManifest(ctx context.Context) (string, error) {
	if err := c.enter(ctx, "GetClusterManifest"); err != nil {
		return "", err
	}
	defer c.mu.Unlock()
	return c.manifest, nil
}

func (c *Cluster) GetProvisionedCodeVersions(ctx context.Context) ([]string, error) {
	if err := c.enter(ctx, "GetProvisionedCodeVersions"); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()
	return slices.Clone(c.codeVersions), nil
}

func (c *Cluster) GetProvisionedConfigVersions(ctx context.Context) ([]string, error) {
	if err := c.enter(ctx, "GetProvisionedConfigVersions"); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()
	return slices.Clone(c.configVersions), nil
}

func (c *Cluster) CopyClusterPackage(ctx context.Context, desc clusterapi.CopyClusterPackageDescription) error {
	if err := c.enter(ctx, "CopyClusterPackage"); err != nil {
		return err
	}
	defer c.mu.Unlock()
	c.PackageCopies = append(c.PackageCopies, desc)
	return nil
}

func (c *Cluster) ProvisionFabric(ctx context.Context, codePathInImageStore, manifestPathInImageStore string) error {
	if err := c.enter(ctx, "ProvisionFabric"); err != nil {
		return err
	}
	defer c.mu.Unlock()
	c.FabricProvisions = append(c.FabricProvisions, [2]string{codePathInImageStore, manifestPathInImageStore})
	return nil
}

func (c *Cluster) UpgradeFabric(ctx context.Context, desc clusterapi.FabricUpgradeDescription) error {
	const op = "UpgradeFabric"
	if err := c.enter(ctx, op); err != nil {
		return err
	}
	defer c.mu.Unlock()

	switch c.fabricProgress.UpgradeState {
	case types.FabricUpgradeStateRollingForwardPending,
		types.FabricUpgradeStateRollingForwardInProgress,
		types.FabricUpgradeStateRollingBackInProgress:
		return clusterapi.Errorf(op, clusterapi.KindOperationInProgress, "cluster is upgrading")
	}

	c.FabricUpgrades = append(c.FabricUpgrades, desc)
	c.fabricProgress = types.FabricUpgradeProgress{
		TargetCodeVersion:   desc.CodeVersion,
		TargetConfigVersion: desc.ConfigVersion,
		UpgradeState:        types.FabricUpgradeStateRollingForwardInProgress,
	}
	return nil
}
