package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/steward/pkg/health"
	"github.com/cuemby/steward/pkg/log"
	"github.com/cuemby/steward/pkg/metrics"
	"github.com/cuemby/steward/pkg/poll"
	"github.com/cuemby/steward/pkg/types"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// DefaultPollInterval is the time between the start of two poll cycles
const DefaultPollInterval = 30 * time.Second

const component = "reconciler"

// ClusterProcessor reports the cluster status, applying desc when it is set
type ClusterProcessor interface {
	Process(ctx context.Context, desc *types.ClusterOperationDescription) (*types.ClusterOperationStatus, error)
}

// ResourceProcessor reports the statuses of one resource type
type ResourceProcessor[D types.Description] interface {
	Process(ctx context.Context, descs []D) []types.OperationStatus
}

// Processors holds one processor per resource type
type Processors struct {
	Cluster          ClusterProcessor
	ApplicationTypes ResourceProcessor[types.ApplicationTypeOperationDescription]
	Applications     ResourceProcessor[types.ApplicationOperationDescription]
	Services         ResourceProcessor[types.ServiceOperationDescription]
}

// Config configures the reconciler
type Config struct {
	PollInterval time.Duration

	// Policy is told about every cycle. Optional.
	Policy *health.Policy
}

// Reconciler is the poll loop: it reports the statuses of the last cycle to
// the provider, hands the returned descriptions to the processors and
// waits for the rest of the interval
type Reconciler struct {
	channel    poll.Channel
	processors Processors
	interval   time.Duration
	policy     *health.Policy
	logger     zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconciler creates a new reconciler
func NewReconciler(channel poll.Channel, processors Processors, cfg Config) *Reconciler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Policy == nil {
		cfg.Policy = health.NewPolicy(health.DefaultPolicyConfig(component), nil)
	}
	return &Reconciler{
		channel:    channel,
		processors: processors,
		interval:   cfg.PollInterval,
		policy:     cfg.Policy,
		logger:     log.WithComponent(component),
	}
}

// Start runs the loop in the background until Stop or ctx ends
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		r.Run(ctx)
	}(r.done)
}

// Stop cancels the loop and waits for the current cycle to unwind
func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if done == nil {
		return
	}
	cancel()
	<-done
}

// Run blocks until ctx is cancelled. The first cycle only reads the cluster
// status so the first poll has something to report.
func (r *Reconciler) Run(ctx context.Context) {
	metrics.RegisterComponent(component, true, "starting")
	r.logger.Info().Dur("interval", r.interval).Msg("Reconciler started")
	defer r.logger.Info().Msg("Reconciler stopped")

	request := r.initialRequest(ctx)
	for ctx.Err() == nil {
		start := time.Now()

		next, err := r.cycle(ctx, request)
		if next != nil {
			request = next
		}
		if ctx.Err() != nil {
			return
		}
		r.report(ctx, err)

		wait := sleepDuration(r.interval, time.Since(start))
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// initialRequest runs the cluster processor without a description. A
// failure leaves the cluster status out of the first poll.
func (r *Reconciler) initialRequest(ctx context.Context) *types.UpgradeServicePollRequest {
	status, err := r.processors.Cluster.Process(ctx, nil)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to read initial cluster status")
		r.policy.ReportError(err, ctx.Err() != nil)
		return &types.UpgradeServicePollRequest{}
	}
	return &types.UpgradeServicePollRequest{ClusterOperationStatus: status}
}

// cycle polls once and processes the response. next is nil when the poll
// itself failed, in which case the same request is sent again. Processing
// must finish within what is left of the interval.
func (r *Reconciler) cycle(ctx context.Context, request *types.UpgradeServicePollRequest) (*types.UpgradeServicePollRequest, error) {
	deadline := time.Now().Add(r.interval)

	pollTimer := metrics.NewTimer()
	resp, err := r.channel.Poll(ctx, request)
	pollTimer.ObserveDuration(metrics.PollDuration)
	if err != nil {
		metrics.UpdateComponent("poll", false, err.Error())
		return nil, fmt.Errorf("failed to poll provider: %w", err)
	}
	metrics.UpdateComponent("poll", true, "")
	if resp == nil {
		resp = &types.UpgradeServicePollResponse{}
	}

	cycleTimer := metrics.NewTimer()
	defer cycleTimer.ObserveDuration(metrics.CycleDuration)

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	return r.process(ctx, resp)
}

// process fans the response out to the four processors and assembles the
// next request. A failed cluster status is left out of the request.
func (r *Reconciler) process(ctx context.Context, resp *types.UpgradeServicePollResponse) (*types.UpgradeServicePollRequest, error) {
	var (
		next       types.UpgradeServicePollRequest
		clusterErr error
		wg         conc.WaitGroup
	)

	wg.Go(func() {
		next.ClusterOperationStatus, clusterErr = r.processors.Cluster.Process(ctx, resp.ClusterOperationDescription)
	})
	wg.Go(func() {
		next.ApplicationTypeOperationStatuses = r.processors.ApplicationTypes.Process(ctx, resp.ApplicationTypeOperationDescriptions)
	})
	wg.Go(func() {
		next.ApplicationOperationStatuses = r.processors.Applications.Process(ctx, resp.ApplicationOperationDescriptions)
	})
	wg.Go(func() {
		next.ServiceOperationStatuses = r.processors.Services.Process(ctx, resp.ServiceOperationDescriptions)
	})

	var errs []error
	if recovered := wg.WaitAndRecover(); recovered != nil {
		errs = append(errs, recovered.AsError())
	}
	if clusterErr != nil {
		errs = append(errs, fmt.Errorf("failed to process cluster: %w", clusterErr))
	}

	r.logger.Debug().
		Bool("cluster", resp.ClusterOperationDescription != nil).
		Int("application_types", len(next.ApplicationTypeOperationStatuses)).
		Int("applications", len(next.ApplicationOperationStatuses)).
		Int("services", len(next.ServiceOperationStatuses)).
		Msg("Processed poll response")
	return &next, errors.Join(errs...)
}

// report feeds the policy, which owns the reconciler's health from the
// first failure on
func (r *Reconciler) report(ctx context.Context, err error) {
	if err != nil {
		r.logger.Error().Err(err).Msg("Poll cycle failed")
		metrics.PollCyclesTotal.WithLabelValues("error").Inc()
		r.policy.ReportError(err, ctx.Err() != nil)
		return
	}
	metrics.PollCyclesTotal.WithLabelValues("success").Inc()
	metrics.UpdateComponent(component, true, "")
	r.policy.ReportSuccess()
}

// sleepDuration is what remains of the interval after elapsed
func sleepDuration(interval, elapsed time.Duration) time.Duration {
	return max(interval-elapsed, 0)
}
