package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/steward/pkg/clusterapi"
	"github.com/cuemby/steward/pkg/config"
	"github.com/cuemby/steward/pkg/events"
	"github.com/cuemby/steward/pkg/health"
	"github.com/cuemby/steward/pkg/ledger"
	"github.com/cuemby/steward/pkg/log"
	"github.com/cuemby/steward/pkg/metrics"
	"github.com/cuemby/steward/pkg/nodestatus"
	"github.com/cuemby/steward/pkg/poll"
	"github.com/cuemby/steward/pkg/processor"
	"github.com/cuemby/steward/pkg/reconciler"
	"github.com/cuemby/steward/pkg/security"
	"github.com/cuemby/steward/pkg/storage"
	"github.com/cuemby/steward/pkg/upgrade"
	"github.com/spf13/cobra"
)

// healthService is the gRPC health service name the supervisor watches
const healthService = "steward"

// errFault ends the run after a health policy escalated past its terminal
// threshold
var errFault = errors.New("health fault reported, restart required")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the upgrade agent",
	Long: `Run the upgrade agent until interrupted.

The agent exits with a non-zero status when repeated failures escalate to a
health fault, so the supervisor restarting it gets a fresh process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("data-dir") {
			cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
		}

		log.Init(log.Config{
			Level:      log.ParseLevel(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		metrics.SetVersion(Version)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	},
}

func init() {
	runCmd.Flags().String("config", "/etc/steward/steward.yaml", "Path to the configuration file")
	runCmd.Flags().String("data-dir", "", "Override the data directory")
	runCmd.Flags().String("log-level", "", "Override the log level (debug, info, warn, error)")
}

func run(parent context.Context, cfg *config.Config) error {
	logger := log.WithComponent("agent")
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	// Health
	grpcReporter := health.NewGRPCReporter(healthService, func(kind health.FaultKind) {
		cancel(fmt.Errorf("%w: %s", errFault, kind))
	})

	// Events
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	go events.LogEvents(ctx, broker, log.WithComponent("events"))

	newPolicy := func(name string) *health.Policy {
		reporter := health.MultiReporter{
			grpcReporter,
			health.RegistryReporter{Component: name},
			health.EventReporter{Component: name, Events: broker},
		}
		return health.NewPolicy(cfg.Health.PolicyConfig(name), reporter)
	}

	// A description the cluster rejects comes back after a restart, so the
	// processors only degrade local health and never fault
	newProcessorPolicy := func(name string) *health.Policy {
		return health.NewPolicy(cfg.Health.PolicyConfig(name).WithoutFault(), health.RegistryReporter{Component: name})
	}

	// Store
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	metrics.RegisterComponent("store", true, cfg.Store.Mode)

	// Cluster control API
	gateway, err := newGatewayClient(cfg.Gateway)
	if err != nil {
		return err
	}

	// Processors
	nodes := nodestatus.NewManager(store, newPolicy("node-status"), broker, nodestatus.Config{
		BatchSize: cfg.NodeStatus.BatchSize,
		NodeTypes: cfg.NodeStatus.PrimaryNodeTypes,
	})
	generator := upgrade.NewGenerator(upgrade.Config{
		NullHealthDeferralLimit: cfg.Upgrade.NullHealthDeferralLimit,
		StagingDir:              cfg.Upgrade.StagingDir,
		PackageURLTemplate:      cfg.Upgrade.PackageURLTemplate,
	}, broker)
	l := ledger.New()
	opts := func(name string) processor.Options {
		return processor.Options{Timeout: cfg.OperationTimeout, Policy: newProcessorPolicy(name), Events: broker}
	}

	processors := reconciler.Processors{
		Cluster: processor.NewClusterProcessor(gateway, nodes, generator, upgrade.NewUpgrader(gateway, broker), processor.ClusterConfig{
			Timeout:          cfg.OperationTimeout,
			PrimaryNodeTypes: cfg.NodeStatus.PrimaryNodeTypes,
			Policy:           newProcessorPolicy("cluster-processor"),
		}),
		ApplicationTypes: processor.NewApplicationTypeProcessor(gateway, l, opts("application-type-processor")),
		Applications:     processor.NewApplicationProcessor(gateway, l, opts("application-processor")),
		Services:         processor.NewServiceProcessor(gateway, l, opts("service-processor")),
	}

	// Poll channel
	channel, err := newPollChannel(cfg)
	if err != nil {
		return err
	}

	// Observability
	collector := metrics.NewCollector(l, nodes, 0)
	collector.Start()
	defer collector.Stop()

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.NewServeMux(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if cfg.HealthGRPCAddr != "" {
		go func() {
			if err := grpcReporter.Serve(ctx, cfg.HealthGRPCAddr); err != nil {
				logger.Error().Err(err).Msg("gRPC health service failed")
			}
		}()
	}

	logger.Info().
		Str("cluster_id", cfg.ClusterID).
		Str("store", cfg.Store.Mode).
		Dur("poll_interval", cfg.PollInterval).
		Msg("Agent started")

	reconciler.NewReconciler(channel, processors, reconciler.Config{
		PollInterval: cfg.PollInterval,
		Policy:       newPolicy("reconciler"),
	}).Run(ctx)

	if cause := context.Cause(ctx); errors.Is(cause, errFault) {
		return cause
	}
	logger.Info().Msg("Agent stopped")
	return nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	switch cfg.Store.Mode {
	case config.StoreModeRaft:
		store, err := storage.NewRaftStore(storage.RaftConfig{
			NodeID:    cfg.Store.Raft.NodeID,
			BindAddr:  cfg.Store.Raft.BindAddr,
			DataDir:   cfg.DataDir,
			Bootstrap: cfg.Store.Raft.Bootstrap,
			Peers:     cfg.Store.Raft.Peers,
			LogOutput: log.WithComponent("raft"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open raft store: %w", err)
		}
		return store, nil
	default:
		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		return store, nil
	}
}

func newGatewayClient(cfg config.GatewayConfig) (*clusterapi.GatewayClient, error) {
	certs, err := security.LoadClientCertificates(cfg.Certificates)
	if err != nil {
		return nil, err
	}
	roots, err := security.LoadCAPool(cfg.CAFile)
	if err != nil {
		return nil, err
	}
	return clusterapi.NewGatewayClient(clusterapi.GatewayConfig{
		Endpoint:              cfg.Endpoint,
		APIVersion:            cfg.APIVersion,
		Certificates:          certs,
		RootCAs:               roots,
		RequestTimeout:        cfg.RequestTimeout,
		SystemServiceCacheTTL: cfg.SystemServiceCacheTTL,
	}), nil
}

func newPollChannel(cfg *config.Config) (*poll.HTTPChannel, error) {
	certs, err := security.LoadClientCertificates(cfg.Poll.Certificates)
	if err != nil {
		return nil, err
	}
	roots, err := security.LoadCAPool(cfg.Poll.CAFile)
	if err != nil {
		return nil, err
	}
	return poll.NewHTTPChannel(poll.Config{
		Endpoint:       cfg.Poll.Endpoint,
		ClusterID:      cfg.ClusterID,
		Certificates:   certs,
		RootCAs:        roots,
		RequestTimeout: cfg.Poll.RequestTimeout,
	})
}
