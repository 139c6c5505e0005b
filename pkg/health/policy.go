package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/steward/pkg/clusterapi"
	"github.com/cuemby/steward/pkg/log"
	"github.com/cuemby/steward/pkg/metrics"
	"github.com/cuemby/steward/pkg/storage"
	"github.com/rs/zerolog"
)

// MaxDescriptionLength bounds the description of a health report
const MaxDescriptionLength = 4095

// PolicyConfig configures a retry/health policy instance
type PolicyConfig struct {
	// Name identifies the instance in logs and metrics
	Name string

	// Property is the health property reported for this instance
	Property string

	WarningThreshold int
	ErrorThreshold   int

	// TerminalThreshold is the failure count that raises a fault. Zero
	// never faults, leaving the policy a health signal only.
	TerminalThreshold int

	// TTL of each health report
	TTL time.Duration
}

// DefaultPolicyConfig returns the default thresholds: warning after 3
// consecutive failures, error after 5, fault after 15
func DefaultPolicyConfig(name string) PolicyConfig {
	return PolicyConfig{
		Name:              name,
		Property:          name,
		WarningThreshold:  3,
		ErrorThreshold:    5,
		TerminalThreshold: 15,
		TTL:               5 * time.Minute,
	}
}

// WithoutFault returns c with the fault escalation disabled
func (c PolicyConfig) WithoutFault() PolicyConfig {
	c.TerminalThreshold = 0
	return c
}

// Policy counts continuous failures of one unit of work and escalates local
// health as they accumulate. Past the terminal threshold it reports a fault
// so an external supervisor restarts the agent.
type Policy struct {
	mu       sync.Mutex
	config   PolicyConfig
	reporter Reporter
	failures int
	logger   zerolog.Logger
}

// NewPolicy creates a policy reporting to reporter
func NewPolicy(config PolicyConfig, reporter Reporter) *Policy {
	if reporter == nil {
		reporter = NopReporter{}
	}
	return &Policy{
		config:   config,
		reporter: reporter,
		logger:   log.WithComponent("health-policy").With().Str("policy", config.Name).Logger(),
	}
}

// ContinuousFailures returns the current failure count
func (p *Policy) ContinuousFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// ReportSuccess resets the failure count and reports Ok
func (p *Policy) ReportSuccess() {
	p.mu.Lock()
	p.failures = 0
	p.mu.Unlock()

	metrics.ContinuousFailures.WithLabelValues(p.config.Name).Set(0)
	metrics.PolicyHealthState.WithLabelValues(p.config.Name).Set(0)

	p.reporter.ReportHealth(Report{
		SourceID:    p.config.Name,
		Property:    p.config.Property,
		State:       StateOk,
		Description: "Operation succeeded",
		TTL:         p.config.TTL,
	})
}

// ReportError counts a failure. A cancellation that follows a requested
// cancellation is counted but not reported.
func (p *Policy) ReportError(err error, cancelRequested bool) {
	p.mu.Lock()
	p.failures++
	count := p.failures
	p.mu.Unlock()

	metrics.ContinuousFailures.WithLabelValues(p.config.Name).Set(float64(count))

	if cancelRequested && clusterapi.IsCancellation(err) {
		p.logger.Debug().Err(err).Int("failures", count).Msg("Cancelled during shutdown")
		return
	}

	state := p.severity(count)
	if state != StateOk {
		metrics.PolicyHealthState.WithLabelValues(p.config.Name).Set(state.level())
		p.reporter.ReportHealth(Report{
			SourceID:    p.config.Name,
			Property:    p.config.Property,
			State:       state,
			Description: truncate(fmt.Sprintf("%d consecutive failures, last: %v", count, err)),
			TTL:         p.config.TTL,
			Immediate:   state == StateError,
		})
	}

	p.logger.Warn().Err(err).Int("failures", count).Str("state", string(state)).Msg("Operation failed")

	if p.config.TerminalThreshold <= 0 {
		return
	}
	if count >= p.config.TerminalThreshold || clusterapi.IsObjectClosed(err) {
		p.logger.Error().Err(err).Int("failures", count).Msg("Escalating fault, restart required")
		metrics.FaultsTotal.Inc()
		p.reporter.ReportFault(FaultTransient)
	}
}

func (p *Policy) severity(count int) State {
	switch {
	case count >= p.config.ErrorThreshold:
		return StateError
	case count >= p.config.WarningThreshold:
		return StateWarning
	default:
		return StateOk
	}
}

func truncate(s string) string {
	if len(s) <= MaxDescriptionLength {
		return s
	}
	return s[:MaxDescriptionLength]
}

// RetryOptions bounds Execute
type RetryOptions struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Retryable decides whether a failed attempt is retried
	Retryable func(error) bool
}

// DefaultRetryOptions retries store conflicts and transient API failures
// up to five times
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Retryable:      IsRetryable,
	}
}

// IsRetryable reports whether an attempt failing with err may succeed when
// run again
func IsRetryable(err error) bool {
	if clusterapi.IsCancellation(err) {
		return false
	}
	return storage.IsRetryable(err) || clusterapi.IsTransient(err)
}

// Execute runs fn until it succeeds, fails with a non-retryable error, the
// attempts run out or ctx ends. Every failure is counted by the policy.
func (p *Policy) Execute(ctx context.Context, opts RetryOptions, fn func(ctx context.Context) error) error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Retryable == nil {
		opts.Retryable = IsRetryable
	}

	backoff := opts.InitialBackoff
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			p.ReportSuccess()
			return nil
		}

		p.ReportError(err, ctx.Err() != nil)

		if attempt >= opts.MaxAttempts || !opts.Retryable(err) {
			return err
		}

		p.logger.Debug().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("Retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if opts.MaxBackoff > 0 && backoff > opts.MaxBackoff {
			backoff = opts.MaxBackoff
		}
	}
}
