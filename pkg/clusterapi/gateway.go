package clusterapi

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/steward/pkg/log"
	"github.com/cuemby/steward/pkg/security"
	"github.com/cuemby/steward/pkg/types"
	"github.com/go-resty/resty/v2"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const (
	defaultAPIVersion      = "6.0"
	defaultRequestTimeout  = 60 * time.Second
	defaultSystemCacheTTL  = 10 * time.Minute
	systemApplicationID    = "System"
	systemServicesCacheKey = "system-services"
	nativeImageStorePrefix = "fabric:"
)

// GatewayConfig configures the HTTP gateway client
type GatewayConfig struct {
	Endpoint              string
	APIVersion            string
	Certificates          []tls.Certificate
	RootCAs               *x509.CertPool
	RequestTimeout        time.Duration
	SystemServiceCacheTTL time.Duration
}

// GatewayClient implements Client against the cluster's HTTP gateway
type GatewayClient struct {
	client         *resty.Client
	apiVersion     string
	systemServices *ttlcache.Cache[string, []systemService]
	logger         zerolog.Logger
}

var _ Client = (*GatewayClient)(nil)

// NewGatewayClient creates a gateway client
func NewGatewayClient(cfg GatewayConfig) *GatewayClient {
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.SystemServiceCacheTTL <= 0 {
		cfg.SystemServiceCacheTTL = defaultSystemCacheTTL
	}

	logger := log.WithComponent("cluster-api")

	client := resty.New().
		SetLogger(log.NewRestyLogger(logger)).
		SetBaseURL(strings.TrimSuffix(cfg.Endpoint, "/")).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Accept", "application/json").
		SetDisableWarn(true)

	tlsConfig := security.ClientTLSConfig(nil, cfg.RootCAs)
	tlsConfig.Certificates = cfg.Certificates
	client.SetTLSClientConfig(tlsConfig)

	return &GatewayClient{
		client:     client,
		apiVersion: cfg.APIVersion,
		systemServices: ttlcache.New[string, []systemService](
			ttlcache.WithTTL[string, []systemService](cfg.SystemServiceCacheTTL),
			ttlcache.WithDisableTouchOnHit[string, []systemService](),
		),
		logger: logger,
	}
}

// Wire types

type gatewayError struct {
	Error struct {
		Code    string `json:"Code"`
		Message string `json:"Message"`
	} `json:"Error"`
}

type keyValue struct {
	Key   string `json:"Key"`
	Value string `json:"Value"`
}

type paged[T any] struct {
	ContinuationToken string `json:"ContinuationToken"`
	Items             []T    `json:"Items"`
}

type wireApplicationType struct {
	Name    string `json:"Name"`
	Version string `json:"Version"`
	Status  string `json:"Status"`
}

type wireApplication struct {
	Name        string     `json:"Name"`
	TypeName    string     `json:"TypeName"`
	TypeVersion string     `json:"TypeVersion"`
	Status      string     `json:"Status"`
	Parameters  []keyValue `json:"Parameters"`
}

type wireUpgradeDomainProgress struct {
	DomainName              string `json:"DomainName"`
	NodeUpgradeProgressList []struct {
		NodeName     string `json:"NodeName"`
		UpgradePhase string `json:"UpgradePhase"`
	} `json:"NodeUpgradeProgressList"`
}

type wireApplicationUpgradeProgress struct {
	Name                         string                     `json:"Name"`
	TargetApplicationTypeVersion string                     `json:"TargetApplicationTypeVersion"`
	UpgradeState                 string                     `json:"UpgradeState"`
	CurrentUpgradeDomainProgress *wireUpgradeDomainProgress `json:"CurrentUpgradeDomainProgress"`
	FailureReason                string                     `json:"FailureReason"`
}

type wireFabricUpgradeProgress struct {
	CodeVersion                  string                     `json:"CodeVersion"`
	ConfigVersion                string                     `json:"ConfigVersion"`
	UpgradeState                 string                     `json:"UpgradeState"`
	CurrentUpgradeDomainProgress *wireUpgradeDomainProgress `json:"CurrentUpgradeDomainProgress"`
	FailureReason                string                     `json:"FailureReason"`
}

type wireService struct {
	ID            string `json:"Id"`
	ServiceKind   string `json:"ServiceKind"`
	Name          string `json:"Name"`
	TypeName      string `json:"TypeName"`
	ServiceStatus string `json:"ServiceStatus"`
}

type wireServiceDescription struct {
	ServiceKind          string `json:"ServiceKind"`
	TargetReplicaSetSize int    `json:"TargetReplicaSetSize"`
	MinReplicaSetSize    int    `json:"MinReplicaSetSize"`
	InstanceCount        int    `json:"InstanceCount"`
	PlacementConstraints string `json:"PlacementConstraints"`
}

type wireNode struct {
	Name                 string `json:"Name"`
	Type                 string `json:"Type"`
	NodeStatus           string `json:"NodeStatus"`
	CodeVersion          string `json:"CodeVersion"`
	ConfigVersion        string `json:"ConfigVersion"`
	UpgradeDomain        string `json:"UpgradeDomain"`
	IsSeedNode           bool   `json:"IsSeedNode"`
	NodeDeactivationInfo struct {
		NodeDeactivationIntent string `json:"NodeDeactivationIntent"`
	} `json:"NodeDeactivationInfo"`
}

type wireHealthState struct {
	Name                  string `json:"Name"`
	ServiceName           string `json:"ServiceName"`
	AggregatedHealthState string `json:"AggregatedHealthState"`
}

type wireClusterHealth struct {
	AggregatedHealthState   string            `json:"AggregatedHealthState"`
	NodeHealthStates        []wireHealthState `json:"NodeHealthStates"`
	ApplicationHealthStates []wireHealthState `json:"ApplicationHealthStates"`
}

type wireApplicationHealth struct {
	AggregatedHealthState string            `json:"AggregatedHealthState"`
	ServiceHealthStates   []wireHealthState `json:"ServiceHealthStates"`
}

type wireMonitoringPolicy struct {
	FailureAction                           string `json:"FailureAction,omitempty"`
	HealthCheckWaitDurationInMilliseconds   string `json:"HealthCheckWaitDurationInMilliseconds,omitempty"`
	HealthCheckStableDurationInMilliseconds string `json:"HealthCheckStableDurationInMilliseconds,omitempty"`
	HealthCheckRetryTimeoutInMilliseconds   string `json:"HealthCheckRetryTimeoutInMilliseconds,omitempty"`
	UpgradeTimeoutInMilliseconds            string `json:"UpgradeTimeoutInMilliseconds,omitempty"`
	UpgradeDomainTimeoutInMilliseconds      string `json:"UpgradeDomainTimeoutInMilliseconds,omitempty"`
}

type systemService struct {
	ID   string
	Name string
}

// ID helpers

// ApplicationID converts "fabric:/app" into the gateway id "app"
func ApplicationID(name string) string {
	return strings.TrimPrefix(name, "fabric:/")
}

// FullServiceName returns the absolute name of a service. Relative names
// are resolved under the application.
func FullServiceName(applicationName, serviceName string) string {
	if strings.HasPrefix(serviceName, "fabric:/") {
		return serviceName
	}
	return strings.TrimSuffix(applicationName, "/") + "/" + serviceName
}

// ServiceID converts "fabric:/app/svc" into the gateway id "app~svc"
func ServiceID(fullName string) string {
	return strings.ReplaceAll(strings.TrimPrefix(fullName, "fabric:/"), "/", "~")
}

// Request plumbing

func (g *GatewayClient) request(ctx context.Context) *resty.Request {
	return g.client.R().
		SetContext(ctx).
		SetQueryParam("api-version", g.apiVersion).
		SetError(&gatewayError{})
}

// do executes a request and classifies any failure. A 204 on a read is
// reported as NotFound.
func (g *GatewayClient) do(ctx context.Context, op, method, path string, req *resty.Request, result any) error {
	if req == nil {
		req = g.request(ctx)
	}
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return NewError(op, KindTransient, ctxErr)
		}
		return NewError(op, KindTransient, err)
	}

	if resp.IsError() {
		return classify(op, resp)
	}
	if method == http.MethodGet && resp.StatusCode() == http.StatusNoContent {
		return NewError(op, KindNotFound, errors.New("no content"))
	}
	return nil
}

var codeKinds = map[string]Kind{
	"FABRIC_E_APPLICATION_ALREADY_IN_TARGET_VERSION": KindAlreadyInTargetState,
	"FABRIC_E_FABRIC_ALREADY_IN_TARGET_VERSION":      KindAlreadyInTargetState,
	"FABRIC_E_APPLICATION_TYPE_ALREADY_EXISTS":       KindAlreadyInTargetState,
	"FABRIC_E_APPLICATION_ALREADY_EXISTS":            KindAlreadyInTargetState,
	"FABRIC_E_SERVICE_ALREADY_EXISTS":                KindAlreadyInTargetState,
	"FABRIC_E_FABRIC_VERSION_ALREADY_EXISTS":         KindAlreadyInTargetState,
	"FABRIC_E_APPLICATION_UPGRADE_IN_PROGRESS":       KindOperationInProgress,
	"FABRIC_E_FABRIC_UPGRADE_IN_PROGRESS":            KindOperationInProgress,
	"FABRIC_E_APPLICATION_TYPE_PROVISION_IN_PROGRESS": KindOperationInProgress,
	"FABRIC_E_APPLICATION_NOT_UPGRADING":             KindUpgradeNotInProgress,
	"FABRIC_E_FABRIC_NOT_UPGRADING":                  KindUpgradeNotInProgress,
	"FABRIC_E_TIMEOUT":                               KindTransient,
	"FABRIC_E_SERVICE_TOO_BUSY":                      KindTransient,
	"FABRIC_E_NOT_PRIMARY":                           KindTransient,
	"FABRIC_E_NO_WRITE_QUORUM":                       KindTransient,
	"FABRIC_E_RECONFIGURATION_PENDING":               KindTransient,
	"FABRIC_E_GATEWAY_NOT_REACHABLE":                 KindTransient,
	"FABRIC_E_OBJECT_CLOSED":                         KindObjectClosed,
}

func classify(op string, resp *resty.Response) error {
	var code, message string
	if ge, ok := resp.Error().(*gatewayError); ok && ge != nil {
		code, message = ge.Error.Code, ge.Error.Message
	}
	if message == "" {
		message = resp.Status()
	}

	kind, ok := codeKinds[code]
	switch {
	case ok:
	case strings.HasSuffix(code, "_NOT_FOUND") || code == "FABRIC_E_DOES_NOT_EXIST":
		kind = KindNotFound
	case resp.StatusCode() == http.StatusNotFound:
		kind = KindNotFound
	case resp.StatusCode() == http.StatusRequestTimeout,
		resp.StatusCode() == http.StatusTooManyRequests,
		resp.StatusCode() >= 500:
		kind = KindTransient
	default:
		kind = KindFatal
	}

	if code != "" {
		return NewError(op, kind, fmt.Errorf("%s: %s", code, message))
	}
	return NewError(op, kind, errors.New(message))
}

// getPaged follows continuation tokens until the list is exhausted. A token
// handed out twice would never end the list and fails the call.
func getPaged[T any](ctx context.Context, g *GatewayClient, op, path string) ([]T, error) {
	var items []T
	token := ""
	seen := make(map[string]bool)
	for {
		var page paged[T]
		req := g.request(ctx)
		if token != "" {
			req.SetQueryParam("ContinuationToken", token)
		}
		if err := g.do(ctx, op, http.MethodGet, path, req, &page); err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
		if page.ContinuationToken == "" {
			return items, nil
		}
		if seen[page.ContinuationToken] {
			return nil, Errorf(op, KindFatal, "continuation token %q repeated", page.ContinuationToken)
		}
		seen[page.ContinuationToken] = true
		token = page.ContinuationToken
	}
}

func millis(d *time.Duration) string {
	if d == nil {
		return ""
	}
	return strconv.FormatInt(d.Milliseconds(), 10)
}

func seconds(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	s := int64(d.Seconds())
	return &s
}

func toKeyValues(m map[string]string) []keyValue {
	return lo.MapToSlice(m, func(k, v string) keyValue { return keyValue{Key: k, Value: v} })
}

func wireMonitoring(p RollingUpgradeMonitoringPolicy) wireMonitoringPolicy {
	return wireMonitoringPolicy{
		FailureAction:                           p.FailureAction,
		HealthCheckWaitDurationInMilliseconds:   millis(p.HealthCheckWaitDuration),
		HealthCheckStableDurationInMilliseconds: millis(p.HealthCheckStableDuration),
		HealthCheckRetryTimeoutInMilliseconds:   millis(p.HealthCheckRetryTimeout),
		UpgradeTimeoutInMilliseconds:            millis(p.UpgradeTimeout),
		UpgradeDomainTimeoutInMilliseconds:      millis(p.UpgradeDomainTimeout),
	}
}

func domainProgress(p *wireUpgradeDomainProgress) *types.UpgradeDomainProgress {
	if p == nil {
		return nil
	}
	out := &types.UpgradeDomainProgress{UpgradeDomainName: p.DomainName}
	for _, n := range p.NodeUpgradeProgressList {
		out.NodeProgress = append(out.NodeProgress, types.NodeUpgradeProgress{NodeName: n.NodeName, UpgradePhase: n.UpgradePhase})
	}
	return out
}

// Application types

func (g *GatewayClient) GetApplicationType(ctx context.Context, typeName, typeVersion string) (types.ApplicationTypeInfo, error) {
	const op = "GetApplicationType"

	var page paged[wireApplicationType]
	req := g.request(ctx).SetQueryParam("ApplicationTypeVersion", typeVersion)
	if err := g.do(ctx, op, http.MethodGet, "/ApplicationTypes/"+url.PathEscape(typeName), req, &page); err != nil {
		return types.ApplicationTypeInfo{}, err
	}

	item, ok := lo.Find(page.Items, func(t wireApplicationType) bool { return t.Version == typeVersion })
	if !ok {
		return types.ApplicationTypeInfo{}, Errorf(op, KindNotFound, "application type %s:%s not provisioned", typeName, typeVersion)
	}
	return types.ApplicationTypeInfo{
		Name:    item.Name,
		Version: item.Version,
		Status:  types.ApplicationTypeStatus(item.Status),
	}, nil
}

func (g *GatewayClient) ProvisionApplicationType(ctx context.Context, desc ProvisionApplicationTypeDescription) error {
	req := g.request(ctx).SetBody(map[string]any{
		"Kind":                          "ExternalStore",
		"ApplicationTypeName":           desc.TypeName,
		"ApplicationTypeVersion":        desc.TypeVersion,
		"ApplicationPackageDownloadUri": desc.PackageURL,
		"Async":                         desc.Async,
	})
	return g.do(ctx, "ProvisionApplicationType", http.MethodPost, "/ApplicationTypes/$/Provision", req, nil)
}

func (g *GatewayClient) UnprovisionApplicationType(ctx context.Context, typeName, typeVersion string) error {
	req := g.request(ctx).SetBody(map[string]any{
		"ApplicationTypeVersion": typeVersion,
		"Async":                  true,
	})
	return g.do(ctx, "UnprovisionApplicationType", http.MethodPost, "/ApplicationTypes/"+url.PathEscape(typeName)+"/$/Unprovision", req, nil)
}

// Applications

func (g *GatewayClient) GetApplication(ctx context.Context, applicationName string) (types.ApplicationInfo, error) {
	var app wireApplication
	if err := g.do(ctx, "GetApplication", http.MethodGet, "/Applications/"+ApplicationID(applicationName), nil, &app); err != nil {
		return types.ApplicationInfo{}, err
	}

	params := make(map[string]string, len(app.Parameters))
	for _, p := range app.Parameters {
		params[p.Key] = p.Value
	}
	return types.ApplicationInfo{
		Name:        app.Name,
		TypeName:    app.TypeName,
		TypeVersion: app.TypeVersion,
		Status:      types.ApplicationStatus(app.Status),
		Parameters:  params,
	}, nil
}

func (g *GatewayClient) CreateApplication(ctx context.Context, desc ApplicationDescription) error {
	req := g.request(ctx).SetBody(map[string]any{
		"Name":          desc.Name,
		"TypeName":      desc.TypeName,
		"TypeVersion":   desc.TypeVersion,
		"ParameterList": toKeyValues(desc.Parameters),
	})
	return g.do(ctx, "CreateApplication", http.MethodPost, "/Applications/$/Create", req, nil)
}

func (g *GatewayClient) DeleteApplication(ctx context.Context, applicationName string) error {
	return g.do(ctx, "DeleteApplication", http.MethodPost, "/Applications/"+ApplicationID(applicationName)+"/$/Delete", nil, nil)
}

func (g *GatewayClient) GetApplicationUpgradeProgress(ctx context.Context, applicationName string) (types.ApplicationUpgradeProgress, error) {
	var p wireApplicationUpgradeProgress
	path := "/Applications/" + ApplicationID(applicationName) + "/$/GetUpgradeProgress"
	if err := g.do(ctx, "GetApplicationUpgradeProgress", http.MethodGet, path, nil, &p); err != nil {
		return types.ApplicationUpgradeProgress{}, err
	}
	return types.ApplicationUpgradeProgress{
		ApplicationName:              p.Name,
		TargetApplicationTypeVersion: p.TargetApplicationTypeVersion,
		UpgradeState:                 types.ApplicationUpgradeState(p.UpgradeState),
		CurrentUpgradeDomainProgress: domainProgress(p.CurrentUpgradeDomainProgress),
		FailureReason:                p.FailureReason,
	}, nil
}

func (g *GatewayClient) UpgradeApplication(ctx context.Context, desc ApplicationUpgradeDescription) error {
	body := map[string]any{
		"Name":                         desc.Name,
		"TargetApplicationTypeVersion": desc.TargetTypeVersion,
		"Parameters":                   toKeyValues(desc.Parameters),
		"UpgradeKind":                  "Rolling",
		"RollingUpgradeMode":           "Monitored",
		"MonitoringPolicy":             wireMonitoring(desc.MonitoringPolicy),
	}
	if desc.ForceRestart != nil {
		body["ForceRestart"] = *desc.ForceRestart
	}
	if s := seconds(desc.UpgradeReplicaSetCheckTimeout); s != nil {
		body["UpgradeReplicaSetCheckTimeoutInSeconds"] = *s
	}
	if desc.HealthPolicy != nil {
		body["ApplicationHealthPolicy"] = desc.HealthPolicy
	}

	path := "/Applications/" + ApplicationID(desc.Name) + "/$/Upgrade"
	return g.do(ctx, "UpgradeApplication", http.MethodPost, path, g.request(ctx).SetBody(body), nil)
}

func (g *GatewayClient) UpdateApplicationUpgrade(ctx context.Context, desc ApplicationUpgradeUpdateDescription) error {
	update := map[string]any{"RollingUpgradeMode": "Monitored"}
	if desc.ForceRestart != nil {
		update["ForceRestart"] = *desc.ForceRestart
	}
	if desc.UpgradeReplicaSetCheckTimeout != nil {
		update["ReplicaSetCheckTimeoutInMilliseconds"] = desc.UpgradeReplicaSetCheckTimeout.Milliseconds()
	}
	if desc.MonitoringPolicy != nil {
		m := wireMonitoring(*desc.MonitoringPolicy)
		for k, v := range map[string]string{
			"FailureAction":                           m.FailureAction,
			"HealthCheckWaitDurationInMilliseconds":   m.HealthCheckWaitDurationInMilliseconds,
			"HealthCheckStableDurationInMilliseconds": m.HealthCheckStableDurationInMilliseconds,
			"HealthCheckRetryTimeoutInMilliseconds":   m.HealthCheckRetryTimeoutInMilliseconds,
			"UpgradeTimeoutInMilliseconds":            m.UpgradeTimeoutInMilliseconds,
			"UpgradeDomainTimeoutInMilliseconds":      m.UpgradeDomainTimeoutInMilliseconds,
		} {
			if v != "" {
				update[k] = v
			}
		}
	}

	body := map[string]any{
		"Name":              desc.Name,
		"UpgradeKind":       "Rolling",
		"UpdateDescription": update,
	}
	if desc.HealthPolicy != nil {
		body["ApplicationHealthPolicy"] = desc.HealthPolicy
	}

	path := "/Applications/" + ApplicationID(desc.Name) + "/$/UpdateUpgrade"
	return g.do(ctx, "UpdateApplicationUpgrade", http.MethodPost, path, g.request(ctx).SetBody(body), nil)
}

// Services

func (g *GatewayClient) GetService(ctx context.Context, applicationName, serviceName string) (types.ServiceInfo, error) {
	const op = "GetService"
	fullName := FullServiceName(applicationName, serviceName)
	id := ServiceID(fullName)

	var svc wireService
	path := "/Applications/" + ApplicationID(applicationName) + "/$/GetServices/" + id
	if err := g.do(ctx, op, http.MethodGet, path, nil, &svc); err != nil {
		return types.ServiceInfo{}, err
	}

	var desc wireServiceDescription
	if err := g.do(ctx, op, http.MethodGet, "/Services/"+id+"/$/GetDescription", nil, &desc); err != nil {
		return types.ServiceInfo{}, err
	}

	return types.ServiceInfo{
		ApplicationName:      applicationName,
		ServiceName:          svc.Name,
		ServiceTypeName:      svc.TypeName,
		Stateful:             svc.ServiceKind == "Stateful",
		Status:               types.ServiceStatus(svc.ServiceStatus),
		TargetReplicaSetSize: desc.TargetReplicaSetSize,
		MinReplicaSetSize:    desc.MinReplicaSetSize,
		InstanceCount:        desc.InstanceCount,
		PlacementConstraints: desc.PlacementConstraints,
	}, nil
}

func (g *GatewayClient) CreateService(ctx context.Context, desc ServiceDescription) error {
	partition := map[string]any{"PartitionScheme": string(desc.PartitionScheme.Kind)}
	switch desc.PartitionScheme.Kind {
	case types.PartitionKindUniformInt64:
		partition["Count"] = desc.PartitionScheme.Count
		partition["LowKey"] = strconv.FormatInt(desc.PartitionScheme.LowKey, 10)
		partition["HighKey"] = strconv.FormatInt(desc.PartitionScheme.HighKey, 10)
	case types.PartitionKindNamed:
		partition["Count"] = len(desc.PartitionScheme.Names)
		partition["Names"] = desc.PartitionScheme.Names
	default:
		partition["PartitionScheme"] = string(types.PartitionKindSingleton)
	}

	body := map[string]any{
		"ApplicationName":      desc.ApplicationName,
		"ServiceName":          FullServiceName(desc.ApplicationName, desc.ServiceName),
		"ServiceTypeName":      desc.ServiceTypeName,
		"PartitionDescription": partition,
		"PlacementConstraints": desc.PlacementConstraints,
	}
	if desc.Stateful {
		body["ServiceKind"] = "Stateful"
		body["TargetReplicaSetSize"] = desc.TargetReplicaSetSize
		body["MinReplicaSetSize"] = desc.MinReplicaSetSize
		body["HasPersistedState"] = true
	} else {
		body["ServiceKind"] = "Stateless"
		body["InstanceCount"] = desc.InstanceCount
	}

	path := "/Applications/" + ApplicationID(desc.ApplicationName) + "/$/GetServices/$/Create"
	return g.do(ctx, "CreateService", http.MethodPost, path, g.request(ctx).SetBody(body), nil)
}

// Update flags of the gateway's service update description
const (
	statefulFlagTargetReplicaSetSize = 0x1
	statefulFlagMinReplicaSetSize    = 0x10
	statefulFlagPlacement            = 0x20
	statelessFlagInstanceCount       = 0x1
	statelessFlagPlacement           = 0x2
)

func (g *GatewayClient) UpdateService(ctx context.Context, desc ServiceUpdateDescription) error {
	id := ServiceID(FullServiceName(desc.ApplicationName, desc.ServiceName))
	body := serviceUpdateBody(desc.Stateful, desc.TargetReplicaSetSize, desc.MinReplicaSetSize, desc.InstanceCount, desc.PlacementConstraints)
	return g.do(ctx, "UpdateService", http.MethodPost, "/Services/"+id+"/$/Update", g.request(ctx).SetBody(body), nil)
}

func serviceUpdateBody(stateful bool, target, minReplicas, instances int, placement string) map[string]any {
	if stateful {
		return map[string]any{
			"ServiceKind":          "Stateful",
			"Flags":                strconv.Itoa(statefulFlagTargetReplicaSetSize | statefulFlagMinReplicaSetSize | statefulFlagPlacement),
			"TargetReplicaSetSize": target,
			"MinReplicaSetSize":    minReplicas,
			"PlacementConstraints": placement,
		}
	}
	return map[string]any{
		"ServiceKind":          "Stateless",
		"Flags":                strconv.Itoa(statelessFlagInstanceCount | statelessFlagPlacement),
		"InstanceCount":        instances,
		"PlacementConstraints": placement,
	}
}

func (g *GatewayClient) DeleteService(ctx context.Context, applicationName, serviceName string) error {
	id := ServiceID(FullServiceName(applicationName, serviceName))
	return g.do(ctx, "DeleteService", http.MethodPost, "/Services/"+id+"/$/Delete", nil, nil)
}

// Nodes

func (g *GatewayClient) GetNodeList(ctx context.Context) ([]types.NodeInfo, error) {
	nodes, err := getPaged[wireNode](ctx, g, "GetNodeList", "/Nodes")
	if err != nil {
		return nil, err
	}
	return lo.Map(nodes, func(n wireNode, _ int) types.NodeInfo {
		return types.NodeInfo{
			NodeName:           n.Name,
			NodeType:           n.Type,
			NodeStatus:         types.NodeStatus(n.NodeStatus),
			DeactivationIntent: types.NodeDeactivationIntent(n.NodeDeactivationInfo.NodeDeactivationIntent),
			CodeVersion:        n.CodeVersion,
			ConfigVersion:      n.ConfigVersion,
			UpgradeDomain:      n.UpgradeDomain,
			IsSeedNode:         n.IsSeedNode,
		}
	}), nil
}

func (g *GatewayClient) ActivateNode(ctx context.Context, nodeName string) error {
	return g.do(ctx, "ActivateNode", http.MethodPost, "/Nodes/"+url.PathEscape(nodeName)+"/$/Activate", nil, nil)
}

func (g *GatewayClient) DeactivateNode(ctx context.Context, nodeName string, intent types.NodeDeactivationIntent) error {
	req := g.request(ctx).SetBody(map[string]string{"DeactivationIntent": string(intent)})
	return g.do(ctx, "DeactivateNode", http.MethodPost, "/Nodes/"+url.PathEscape(nodeName)+"/$/Deactivate", req, nil)
}

// System services

func (g *GatewayClient) listSystemServices(ctx context.Context) ([]systemService, error) {
	if item := g.systemServices.Get(systemServicesCacheKey); item != nil {
		return item.Value(), nil
	}

	services, err := getPaged[wireService](ctx, g, "GetSystemServices", "/Applications/"+systemApplicationID+"/$/GetServices")
	if err != nil {
		return nil, err
	}

	list := lo.Map(services, func(s wireService, _ int) systemService {
		return systemService{ID: s.ID, Name: s.Name}
	})
	g.systemServices.Set(systemServicesCacheKey, list, ttlcache.DefaultTTL)
	return list, nil
}

func (g *GatewayClient) GetSystemServiceDescriptions(ctx context.Context) (map[string]types.ServiceRuntimeDescription, error) {
	services, err := g.listSystemServices(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]types.ServiceRuntimeDescription, len(services))
	for _, svc := range services {
		var desc wireServiceDescription
		if err := g.do(ctx, "GetSystemServiceDescription", http.MethodGet, "/Services/"+svc.ID+"/$/GetDescription", nil, &desc); err != nil {
			if IsNotFound(err) {
				g.systemServices.Delete(systemServicesCacheKey)
				continue
			}
			return nil, err
		}
		out[svc.Name] = types.ServiceRuntimeDescription{
			TargetReplicaSetSize: desc.TargetReplicaSetSize,
			MinReplicaSetSize:    desc.MinReplicaSetSize,
			PlacementConstraints: desc.PlacementConstraints,
		}
	}
	return out, nil
}

func (g *GatewayClient) UpdateSystemService(ctx context.Context, serviceName string, desc types.ServiceRuntimeDescription) error {
	fullName := FullServiceName("fabric:/"+systemApplicationID, serviceName)
	body := serviceUpdateBody(true, desc.TargetReplicaSetSize, desc.MinReplicaSetSize, 0, desc.PlacementConstraints)
	return g.do(ctx, "UpdateSystemService", http.MethodPost, "/Services/"+ServiceID(fullName)+"/$/Update", g.request(ctx).SetBody(body), nil)
}

// Cluster

func (g *GatewayClient) GetFabricUpgradeProgress(ctx context.Context) (types.FabricUpgradeProgress, error) {
	var p wireFabricUpgradeProgress
	if err := g.do(ctx, "GetFabricUpgradeProgress", http.MethodGet, "/$/GetUpgradeProgress", nil, &p); err != nil {
		return types.FabricUpgradeProgress{}, err
	}
	return types.FabricUpgradeProgress{
		TargetCodeVersion:            p.CodeVersion,
		TargetConfigVersion:          p.ConfigVersion,
		UpgradeState:                 types.FabricUpgradeState(p.UpgradeState),
		CurrentUpgradeDomainProgress: domainProgress(p.CurrentUpgradeDomainProgress),
		FailureReason:                p.FailureReason,
	}, nil
}

// GetClusterHealth returns the cluster health with per-service states of
// every application, resolved to service type names
func (g *GatewayClient) GetClusterHealth(ctx context.Context) (*types.ClusterHealth, error) {
	const op = "GetClusterHealth"

	var h wireClusterHealth
	if err := g.do(ctx, op, http.MethodGet, "/$/GetClusterHealth", nil, &h); err != nil {
		return nil, err
	}

	health := &types.ClusterHealth{AggregatedHealthState: types.HealthState(h.AggregatedHealthState)}
	for _, n := range h.NodeHealthStates {
		health.NodeHealthStates = append(health.NodeHealthStates, types.NodeHealthState{
			NodeName:    n.Name,
			HealthState: types.HealthState(n.AggregatedHealthState),
		})
	}

	for _, a := range h.ApplicationHealthStates {
		app := types.ApplicationHealthState{
			ApplicationName: a.Name,
			HealthState:     types.HealthState(a.AggregatedHealthState),
		}
		if a.Name != "fabric:/"+systemApplicationID {
			services, err := g.applicationServiceHealth(ctx, a.Name)
			if err != nil && !IsNotFound(err) {
				return nil, err
			}
			app.ServiceHealthStates = services
		}
		health.ApplicationHealthStates = append(health.ApplicationHealthStates, app)
	}
	return health, nil
}

func (g *GatewayClient) applicationServiceHealth(ctx context.Context, applicationName string) ([]types.ServiceHealthState, error) {
	const op = "GetApplicationHealth"
	appID := ApplicationID(applicationName)

	var h wireApplicationHealth
	if err := g.do(ctx, op, http.MethodGet, "/Applications/"+appID+"/$/GetHealth", nil, &h); err != nil {
		return nil, err
	}

	services, err := getPaged[wireService](ctx, g, op, "/Applications/"+appID+"/$/GetServices")
	if err != nil {
		return nil, err
	}
	typeByName := lo.SliceToMap(services, func(s wireService) (string, string) { return s.Name, s.TypeName })

	return lo.Map(h.ServiceHealthStates, func(s wireHealthState, _ int) types.ServiceHealthState {
		return types.ServiceHealthState{
			ServiceName:     s.ServiceName,
			ServiceTypeName: typeByName[s.ServiceName],
			HealthState:     types.HealthState(s.AggregatedHealthState),
		}
	}), nil
}

func (g *GatewayClient) GetClusterManifest(ctx context.Context) (string, error) {
	var m struct {
		Manifest string `json:"Manifest"`
	}
	if err := g.do(ctx, "GetClusterManifest", http.MethodGet, "/$/GetClusterManifest", nil, &m); err != nil {
		return "", err
	}
	return m.Manifest, nil
}

func (g *GatewayClient) GetProvisionedCodeVersions(ctx context.Context) ([]string, error) {
	var versions []struct {
		CodeVersion string `json:"CodeVersion"`
	}
	if err := g.do(ctx, "GetProvisionedCodeVersions", http.MethodGet, "/$/GetProvisionedCodeVersions", nil, &versions); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(versions))
	for _, v := range versions {
		out = append(out, v.CodeVersion)
	}
	return out, nil
}

func (g *GatewayClient) GetProvisionedConfigVersions(ctx context.Context) ([]string, error) {
	var versions []struct {
		ConfigVersion string `json:"ConfigVersion"`
	}
	if err := g.do(ctx, "GetProvisionedConfigVersions", http.MethodGet, "/$/GetProvisionedConfigVersions", nil, &versions); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(versions))
	for _, v := range versions {
		out = append(out, v.ConfigVersion)
	}
	return out, nil
}

// CopyClusterPackage uploads the staged files through the gateway. Only the
// cluster's native image store is reachable this way.
func (g *GatewayClient) CopyClusterPackage(ctx context.Context, desc CopyClusterPackageDescription) error {
	const op = "CopyClusterPackage"

	if !strings.HasPrefix(desc.ImageStoreConnectionString, nativeImageStorePrefix) {
		return Errorf(op, KindFatal, "image store %q is not reachable through the gateway", desc.ImageStoreConnectionString)
	}

	uploads := map[string]string{
		desc.CodePathInImageStore:     desc.CodePackagePath,
		desc.ManifestPathInImageStore: desc.ClusterManifestPath,
	}
	for target, source := range uploads {
		if target == "" || source == "" {
			continue
		}
		if err := g.upload(ctx, op, source, target); err != nil {
			return err
		}
	}
	return nil
}

func (g *GatewayClient) upload(ctx context.Context, op, source, target string) error {
	f, err := os.Open(source)
	if err != nil {
		return NewError(op, KindFatal, err)
	}
	defer f.Close()

	req := g.request(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(f)
	return g.do(ctx, op, http.MethodPut, "/ImageStore/"+strings.TrimPrefix(target, "/"), req, nil)
}

func (g *GatewayClient) ProvisionFabric(ctx context.Context, codePathInImageStore, manifestPathInImageStore string) error {
	req := g.request(ctx).SetBody(map[string]string{
		"CodeFilePath":            codePathInImageStore,
		"ClusterManifestFilePath": manifestPathInImageStore,
	})
	return g.do(ctx, "ProvisionFabric", http.MethodPost, "/$/Provision", req, nil)
}

func (g *GatewayClient) UpgradeFabric(ctx context.Context, desc FabricUpgradeDescription) error {
	body := map[string]any{
		"CodeVersion":                 desc.CodeVersion,
		"ConfigVersion":               desc.ConfigVersion,
		"UpgradeKind":                 "Rolling",
		"RollingUpgradeMode":          "Monitored",
		"MonitoringPolicy":            wireMonitoring(desc.MonitoringPolicy),
		"EnableDeltaHealthEvaluation": desc.EnableDeltaHealthEvaluation,
	}
	if desc.ForceRestart != nil {
		body["ForceRestart"] = *desc.ForceRestart
	}
	if s := seconds(desc.UpgradeReplicaSetCheckTimeout); s != nil {
		body["UpgradeReplicaSetCheckTimeoutInSeconds"] = *s
	}
	if desc.HealthPolicy != nil {
		body["ClusterHealthPolicy"] = map[string]int{
			"MaxPercentUnhealthyNodes":        desc.HealthPolicy.MaxPercentUnhealthyNodes,
			"MaxPercentUnhealthyApplications": desc.HealthPolicy.MaxPercentUnhealthyApplications,
		}
	}
	if desc.UpgradeHealthPolicy != nil {
		body["ClusterUpgradeHealthPolicy"] = desc.UpgradeHealthPolicy
	}
	if len(desc.ApplicationHealthPolicyMap) > 0 {
		entries := make([]map[string]any, 0, len(desc.ApplicationHealthPolicyMap))
		for name, policy := range desc.ApplicationHealthPolicyMap {
			entries = append(entries, map[string]any{"Key": name, "Value": policy})
		}
		body["ApplicationHealthPolicyMap"] = map[string]any{"ApplicationHealthPolicyMap": entries}
	}

	g.logger.Info().
		Str("code_version", desc.CodeVersion).
		Str("config_version", desc.ConfigVersion).
		Bool("delta_health", desc.EnableDeltaHealthEvaluation).
		Msg("Starting cluster upgrade")

	return g.do(ctx, "UpgradeFabric", http.MethodPost, "/$/Upgrade", g.request(ctx).SetBody(body), nil)
}
