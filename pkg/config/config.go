package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/cuemby/steward/pkg/health"
	"github.com/cuemby/steward/pkg/security"
	"github.com/cuemby/steward/pkg/storage"
	"gopkg.in/yaml.v3"
)

// Store modes
const (
	StoreModeBolt = "bolt"
	StoreModeRaft = "raft"
)

// Defaults applied to fields left empty
const (
	DefaultDataDir                 = "/var/lib/steward"
	DefaultPollInterval            = 30 * time.Second
	DefaultOperationTimeout        = 2 * time.Minute
	DefaultRequestTimeout          = 2 * time.Minute
	DefaultGatewayAPIVersion       = "6.0"
	DefaultSystemServiceCacheTTL   = 10 * time.Minute
	DefaultHealthProperty          = "UpgradeServiceHealth"
	DefaultWarningThreshold        = 3
	DefaultErrorThreshold          = 5
	DefaultTerminalThreshold       = 15
	DefaultHealthTTL               = 5 * time.Minute
	DefaultNodeStatusBatchSize     = 25
	DefaultNullHealthDeferralLimit = 5
	DefaultLogLevel                = "info"
)

// Config is the agent configuration file
type Config struct {
	ClusterID        string        `yaml:"clusterId"`
	DataDir          string        `yaml:"dataDir"`
	PollInterval     time.Duration `yaml:"pollInterval"`
	OperationTimeout time.Duration `yaml:"operationTimeout"`

	Poll       PollConfig       `yaml:"poll"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Health     HealthConfig     `yaml:"health"`
	NodeStatus NodeStatusConfig `yaml:"nodeStatus"`
	Upgrade    UpgradeConfig    `yaml:"upgrade"`
	Store      StoreConfig      `yaml:"store"`
	Log        LogConfig        `yaml:"log"`

	// MetricsAddr serves /metrics, /health, /ready and /live. Empty disables.
	MetricsAddr string `yaml:"metricsAddr"`

	// HealthGRPCAddr serves the gRPC health service. Empty disables.
	HealthGRPCAddr string `yaml:"healthGRPCAddr"`
}

// PollConfig configures the channel to the resource provider
type PollConfig struct {
	Endpoint       string                     `yaml:"endpoint"`
	Certificates   []security.CertificatePair `yaml:"certificates"`
	CAFile         string                     `yaml:"caFile"`
	RequestTimeout time.Duration              `yaml:"requestTimeout"`
}

// GatewayConfig configures the cluster control API client
type GatewayConfig struct {
	Endpoint              string                     `yaml:"endpoint"`
	Certificates          []security.CertificatePair `yaml:"certificates"`
	CAFile                string                     `yaml:"caFile"`
	APIVersion            string                     `yaml:"apiVersion"`
	RequestTimeout        time.Duration              `yaml:"requestTimeout"`
	SystemServiceCacheTTL time.Duration              `yaml:"systemServiceCacheTTL"`
}

// HealthConfig holds the escalation thresholds of the health policies
type HealthConfig struct {
	Property          string        `yaml:"property"`
	WarningThreshold  int           `yaml:"warningThreshold"`
	ErrorThreshold    int           `yaml:"errorThreshold"`
	TerminalThreshold int           `yaml:"terminalThreshold"`
	TTL               time.Duration `yaml:"ttl"`
}

// NodeStatusConfig configures node state persistence
type NodeStatusConfig struct {
	BatchSize        int      `yaml:"batchSize"`
	PrimaryNodeTypes []string `yaml:"primaryNodeTypes"`
}

// UpgradeConfig configures cluster upgrade parameter generation
type UpgradeConfig struct {
	NullHealthDeferralLimit int    `yaml:"nullHealthDeferralLimit"`
	PackageURLTemplate      string `yaml:"packageURLTemplate"`
	StagingDir              string `yaml:"stagingDir"`
}

// StoreConfig selects the key-value store backend
type StoreConfig struct {
	Mode string     `yaml:"mode"`
	Raft RaftConfig `yaml:"raft"`
}

// RaftConfig configures the replicated store
type RaftConfig struct {
	NodeID    string             `yaml:"nodeId"`
	BindAddr  string             `yaml:"bindAddr"`
	Bootstrap bool               `yaml:"bootstrap"`
	Peers     []storage.RaftPeer `yaml:"peers"`
}

// LogConfig configures logging
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load reads, defaults and validates the configuration at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset field
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.OperationTimeout == 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}

	if c.Poll.RequestTimeout == 0 {
		c.Poll.RequestTimeout = DefaultRequestTimeout
	}
	if c.Gateway.APIVersion == "" {
		c.Gateway.APIVersion = DefaultGatewayAPIVersion
	}
	if c.Gateway.RequestTimeout == 0 {
		c.Gateway.RequestTimeout = DefaultRequestTimeout
	}
	if c.Gateway.SystemServiceCacheTTL == 0 {
		c.Gateway.SystemServiceCacheTTL = DefaultSystemServiceCacheTTL
	}

	if c.Health.Property == "" {
		c.Health.Property = DefaultHealthProperty
	}
	if c.Health.WarningThreshold == 0 {
		c.Health.WarningThreshold = DefaultWarningThreshold
	}
	if c.Health.ErrorThreshold == 0 {
		c.Health.ErrorThreshold = DefaultErrorThreshold
	}
	if c.Health.TerminalThreshold == 0 {
		c.Health.TerminalThreshold = DefaultTerminalThreshold
	}
	if c.Health.TTL == 0 {
		c.Health.TTL = DefaultHealthTTL
	}

	if c.NodeStatus.BatchSize == 0 {
		c.NodeStatus.BatchSize = DefaultNodeStatusBatchSize
	}
	if c.Upgrade.NullHealthDeferralLimit == 0 {
		c.Upgrade.NullHealthDeferralLimit = DefaultNullHealthDeferralLimit
	}

	if c.Store.Mode == "" {
		c.Store.Mode = StoreModeBolt
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

// Validate reports every problem in the configuration at once
func (c *Config) Validate() error {
	var errs []error

	if c.ClusterID == "" {
		errs = append(errs, errors.New("clusterId is required"))
	}
	if c.Poll.Endpoint == "" {
		errs = append(errs, errors.New("poll.endpoint is required"))
	}
	if c.Gateway.Endpoint == "" {
		errs = append(errs, errors.New("gateway.endpoint is required"))
	}
	if c.PollInterval < time.Second {
		errs = append(errs, fmt.Errorf("pollInterval must be at least 1s, got %s", c.PollInterval))
	}
	if c.OperationTimeout <= 0 {
		errs = append(errs, fmt.Errorf("operationTimeout must be positive, got %s", c.OperationTimeout))
	}

	h := c.Health
	if h.WarningThreshold < 1 || h.WarningThreshold > h.ErrorThreshold || h.ErrorThreshold > h.TerminalThreshold {
		errs = append(errs, fmt.Errorf("health thresholds must satisfy 1 <= warning <= error <= terminal, got %d/%d/%d",
			h.WarningThreshold, h.ErrorThreshold, h.TerminalThreshold))
	}

	if c.NodeStatus.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("nodeStatus.batchSize must be positive, got %d", c.NodeStatus.BatchSize))
	}
	if c.Upgrade.NullHealthDeferralLimit < 0 {
		errs = append(errs, fmt.Errorf("upgrade.nullHealthDeferralLimit must not be negative, got %d", c.Upgrade.NullHealthDeferralLimit))
	}

	for i, pair := range slices.Concat(c.Poll.Certificates, c.Gateway.Certificates) {
		if pair.CertFile == "" || pair.KeyFile == "" {
			errs = append(errs, fmt.Errorf("certificate %d needs both certFile and keyFile", i))
		}
	}

	switch c.Store.Mode {
	case StoreModeBolt:
	case StoreModeRaft:
		if c.Store.Raft.NodeID == "" {
			errs = append(errs, errors.New("store.raft.nodeId is required in raft mode"))
		}
		if c.Store.Raft.BindAddr == "" {
			errs = append(errs, errors.New("store.raft.bindAddr is required in raft mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.mode %q", c.Store.Mode))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// PolicyConfig returns the health policy settings for one named unit of work
func (h HealthConfig) PolicyConfig(name string) health.PolicyConfig {
	return health.PolicyConfig{
		Name:              name,
		Property:          h.Property + "." + name,
		WarningThreshold:  h.WarningThreshold,
		ErrorThreshold:    h.ErrorThreshold,
		TerminalThreshold: h.TerminalThreshold,
		TTL:               h.TTL,
	}
}
