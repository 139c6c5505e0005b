package upgrade

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/steward/pkg/events"
	"github.com/cuemby/steward/pkg/log"
	"github.com/cuemby/steward/pkg/types"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const (
	// DefaultNullHealthDeferralLimit is the number of consecutive cycles
	// without cluster health after which a delta-policy upgrade proceeds
	DefaultNullHealthDeferralLimit = 5

	defaultDownloadTimeout = 30 * time.Minute
	defaultCodeFileName    = "MicrosoftAzureServiceFabric.cab"
	systemApplicationName  = "fabric:/System"
)

// ErrInvalidCodeVersion is returned for a target code version that is not
// a dotted numeric version
var ErrInvalidCodeVersion = errors.New("invalid code version")

// Config configures the generator
type Config struct {
	// NullHealthDeferralLimit is how many consecutive cycles a delta-policy
	// upgrade waits for cluster health before proceeding without it
	NullHealthDeferralLimit int

	// StagingDir is the parent of per-attempt temp directories. Empty
	// means the system temp directory.
	StagingDir string

	// PackageURLTemplate builds the code package URL when the description
	// carries none. "{version}" is replaced by the target code version.
	PackageURLTemplate string

	DownloadTimeout time.Duration
}

// CommandParameter is one cluster upgrade attempt. The caller must call
// Cleanup once the attempt is over.
type CommandParameter struct {
	CodeFilePath   string
	ConfigFilePath string
	CodeVersion    string
	ConfigVersion  string

	// UpgradePolicy is the requested policy with delta thresholds resolved
	// into absolute ones
	UpgradePolicy *types.ClusterUpgradePolicy

	stagingDir string
}

// Cleanup removes the staged files
func (p *CommandParameter) Cleanup() error {
	if p == nil || p.stagingDir == "" {
		return nil
	}
	return os.RemoveAll(p.stagingDir)
}

// Generator decides whether the cluster needs an upgrade and stages what
// the upgrade needs
type Generator struct {
	config Config
	http   *resty.Client
	events events.Publisher
	logger zerolog.Logger

	mu              sync.Mutex
	nullHealthCount int
}

// NewGenerator creates a generator
func NewGenerator(config Config, publisher events.Publisher) *Generator {
	if config.NullHealthDeferralLimit <= 0 {
		config.NullHealthDeferralLimit = DefaultNullHealthDeferralLimit
	}
	if config.DownloadTimeout <= 0 {
		config.DownloadTimeout = defaultDownloadTimeout
	}

	logger := log.WithComponent("upgrade")
	client := resty.New().
		SetLogger(log.NewRestyLogger(logger)).
		SetTimeout(config.DownloadTimeout).
		SetRetryCount(2).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(20)).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		SetDisableWarn(true)

	return &Generator{
		config: config,
		http:   client,
		events: publisher,
		logger: logger,
	}
}

// Generate returns the upgrade to start for desc, or nil when the cluster
// already targets the requested versions or the upgrade is deferred until
// cluster health is known. health may be nil.
func (g *Generator) Generate(ctx context.Context, desc *types.ClusterOperationDescription, progress types.FabricUpgradeProgress, health *types.ClusterHealth) (*CommandParameter, error) {
	if desc == nil || (desc.TargetCodeVersion == "" && desc.ClusterManifest == "") {
		return nil, nil
	}

	var configVersion string
	if desc.ClusterManifest != "" {
		v, err := ConfigVersion(desc.ClusterManifest)
		if err != nil {
			return nil, err
		}
		configVersion = v
	}

	codeChanged := desc.TargetCodeVersion != "" && desc.TargetCodeVersion != progress.TargetCodeVersion
	configChanged := configVersion != "" && configVersion != progress.TargetConfigVersion
	failed := progress.UpgradeState == types.FabricUpgradeStateFailed

	if !codeChanged && !configChanged && !failed {
		g.logger.Debug().
			Str("code_version", progress.TargetCodeVersion).
			Str("config_version", progress.TargetConfigVersion).
			Msg("Cluster already targets requested versions")
		return nil, nil
	}

	if desc.TargetCodeVersion != "" && !validCodeVersion(desc.TargetCodeVersion) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCodeVersion, desc.TargetCodeVersion)
	}

	policy, proceed := g.resolvePolicy(desc.UpgradePolicy, health)
	if !proceed {
		return nil, nil
	}

	param, err := g.stage(ctx, desc, configVersion, codeChanged || failed)
	if err != nil {
		return nil, err
	}
	param.UpgradePolicy = policy
	return param, nil
}

// resolvePolicy converts a delta health policy into absolute thresholds.
// Without cluster health the upgrade is deferred up to the configured
// number of consecutive cycles, then it proceeds with the policy as given.
func (g *Generator) resolvePolicy(policy *types.ClusterUpgradePolicy, health *types.ClusterHealth) (*types.ClusterUpgradePolicy, bool) {
	if policy == nil || policy.DeltaHealthPolicy == nil {
		return policy, true
	}

	g.mu.Lock()
	if health != nil {
		g.nullHealthCount = 0
		g.mu.Unlock()

		resolved := *policy
		resolved.HealthPolicy = AbsoluteHealthPolicy(policy.DeltaHealthPolicy, policy.HealthPolicy, health)
		return &resolved, true
	}

	g.nullHealthCount++
	count := g.nullHealthCount
	g.mu.Unlock()

	if count < g.config.NullHealthDeferralLimit {
		g.logger.Warn().
			Int("null_health_count", count).
			Int("limit", g.config.NullHealthDeferralLimit).
			Msg("Cluster health unavailable, deferring upgrade")
		if g.events != nil {
			g.events.Publish(&events.Event{
				Type:     events.EventUpgradeDeferred,
				Message:  "Cluster health unavailable, upgrade deferred",
				Metadata: map[string]string{"null_health_count": strconv.Itoa(count)},
			})
		}
		return nil, false
	}

	g.logger.Warn().Int("null_health_count", count).Msg("Cluster health still unavailable, proceeding with upgrade")
	return policy, true
}

// AbsoluteHealthPolicy adds each delta to the currently observed unhealthy
// percentage, capped at 100. Application policies of base are kept unless
// a delta policy exists for the same application.
func AbsoluteHealthPolicy(delta *types.ClusterUpgradeDeltaHealthPolicy, base *types.ClusterHealthPolicy, health *types.ClusterHealth) *types.ClusterHealthPolicy {
	out := &types.ClusterHealthPolicy{ApplicationHealthPolicies: map[string]*types.ApplicationHealthPolicy{}}
	if base != nil {
		for name, p := range base.ApplicationHealthPolicies {
			out.ApplicationHealthPolicies[name] = p
		}
	}

	nodes := make([]types.HealthState, 0, len(health.NodeHealthStates))
	for _, n := range health.NodeHealthStates {
		nodes = append(nodes, n.HealthState)
	}
	out.MaxPercentUnhealthyNodes = capped(unhealthyPercent(nodes) + delta.MaxPercentDeltaUnhealthyNodes)

	var apps []types.HealthState
	byApp := make(map[string]types.ApplicationHealthState, len(health.ApplicationHealthStates))
	for _, a := range health.ApplicationHealthStates {
		byApp[a.ApplicationName] = a
		if a.ApplicationName != systemApplicationName {
			apps = append(apps, a.HealthState)
		}
	}
	out.MaxPercentUnhealthyApplications = capped(unhealthyPercent(apps) + delta.MaxPercentDeltaUnhealthyApplications)

	for name, appDelta := range delta.ApplicationDeltaHealthPolicies {
		if appDelta == nil {
			continue
		}
		services := byApp[name].ServiceHealthStates

		policy := &types.ApplicationHealthPolicy{}
		if appDelta.DefaultServiceTypeDeltaHealthPolicy != nil {
			all := make([]types.HealthState, 0, len(services))
			for _, s := range services {
				all = append(all, s.HealthState)
			}
			policy.DefaultServiceTypeHealthPolicy = &types.ServiceTypeHealthPolicy{
				MaxPercentUnhealthyServices: capped(unhealthyPercent(all) + appDelta.DefaultServiceTypeDeltaHealthPolicy.MaxPercentDeltaUnhealthyServices),
			}
		}

		for serviceType, typeDelta := range appDelta.ServiceTypeDeltaHealthPolicies {
			if typeDelta == nil {
				continue
			}
			var ofType []types.HealthState
			for _, s := range services {
				if s.ServiceTypeName == serviceType {
					ofType = append(ofType, s.HealthState)
				}
			}
			if policy.ServiceTypeHealthPolicies == nil {
				policy.ServiceTypeHealthPolicies = map[string]*types.ServiceTypeHealthPolicy{}
			}
			policy.ServiceTypeHealthPolicies[serviceType] = &types.ServiceTypeHealthPolicy{
				MaxPercentUnhealthyServices: capped(unhealthyPercent(ofType) + typeDelta.MaxPercentDeltaUnhealthyServices),
			}
		}

		out.ApplicationHealthPolicies[name] = policy
	}

	if len(out.ApplicationHealthPolicies) == 0 {
		out.ApplicationHealthPolicies = nil
	}
	return out
}

func unhealthyPercent(states []types.HealthState) int {
	if len(states) == 0 {
		return 0
	}
	unhealthy := 0
	for _, s := range states {
		if s == types.HealthStateError {
			unhealthy++
		}
	}
	return unhealthy * 100 / len(states)
}

func capped(percent int) int {
	return min(100, percent)
}

// stage writes the manifest and downloads the code package into a fresh
// temp directory. The directory is removed if staging fails.
func (g *Generator) stage(ctx context.Context, desc *types.ClusterOperationDescription, configVersion string, needCode bool) (param *CommandParameter, err error) {
	dir, err := os.MkdirTemp(g.config.StagingDir, "steward-upgrade-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	param = &CommandParameter{
		ConfigVersion: configVersion,
		stagingDir:    dir,
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dir)
		}
	}()

	if desc.ClusterManifest != "" {
		param.ConfigFilePath = filepath.Join(dir, ManifestFileName)
		if err := os.WriteFile(param.ConfigFilePath, []byte(desc.ClusterManifest), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write cluster manifest: %w", err)
		}
	}

	if needCode && desc.TargetCodeVersion != "" {
		param.CodeVersion = desc.TargetCodeVersion
		link := desc.CodePackageURL
		if link == "" && g.config.PackageURLTemplate != "" {
			link = strings.ReplaceAll(g.config.PackageURLTemplate, "{version}", desc.TargetCodeVersion)
		}
		if link == "" {
			return nil, fmt.Errorf("no code package URL for version %s", desc.TargetCodeVersion)
		}

		param.CodeFilePath = filepath.Join(dir, codeFileName(link))
		if err := g.download(ctx, link, param.CodeFilePath); err != nil {
			return nil, err
		}
	}

	g.logger.Info().
		Str("code_version", param.CodeVersion).
		Str("config_version", param.ConfigVersion).
		Str("staging_dir", dir).
		Msg("Staged cluster upgrade")
	return param, nil
}

func (g *Generator) download(ctx context.Context, link, dest string) error {
	g.logger.Debug().Str("url", link).Str("path", dest).Msg("Downloading code package")

	resp, err := g.http.R().SetContext(ctx).SetOutput(dest).Get(link)
	if err != nil {
		return fmt.Errorf("failed to download code package from %s: %w", link, err)
	}
	if resp.IsError() {
		return fmt.Errorf("failed to download code package from %s: status code %d", link, resp.StatusCode())
	}
	return nil
}

func codeFileName(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return defaultCodeFileName
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return defaultCodeFileName
	}
	return name
}
