package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/steward/pkg/clusterapi"
	"github.com/cuemby/steward/pkg/events"
	"github.com/cuemby/steward/pkg/health"
	"github.com/cuemby/steward/pkg/ledger"
	"github.com/cuemby/steward/pkg/log"
	"github.com/cuemby/steward/pkg/metrics"
	"github.com/cuemby/steward/pkg/types"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// DefaultOperationTimeout bounds the work done for one description
const DefaultOperationTimeout = 2 * time.Minute

// Observation is the current state of a resource as seen by a handler
type Observation struct {
	Status types.OperationStatus

	// Drifted is set when the resource exists but does not match the
	// description, so an update has to be issued
	Drifted bool
}

// Handler implements the resource-specific steps of a processor. Get
// returns found=false when the resource does not exist. Create, Update and
// Delete return once the control plane accepted the change.
type Handler[D types.Description] interface {
	ResourceType() types.ResourceType
	Get(ctx context.Context, desc D) (Observation, bool, error)
	Create(ctx context.Context, desc D) error
	Update(ctx context.Context, desc D) error
	Delete(ctx context.Context, desc D) error
}

// Options configures a processor
type Options struct {
	// Timeout bounds each description. The parent context's deadline wins
	// when it is earlier.
	Timeout time.Duration

	// Policy is told once per Process call whether any description failed.
	// It should not raise faults: the provider sends a failing description
	// again after a restart. Optional.
	Policy *health.Policy

	Events events.Publisher
}

// ResourceProcessor turns descriptions of one resource type into control API
// calls and operation statuses
type ResourceProcessor[D types.Description] struct {
	handler Handler[D]
	ledger  *ledger.Ledger
	policy  *health.Policy
	events  events.Publisher
	timeout time.Duration
	logger  zerolog.Logger
}

// New creates a processor for handler. All processors of an agent share one
// ledger.
func New[D types.Description](handler Handler[D], l *ledger.Ledger, opts Options) *ResourceProcessor[D] {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOperationTimeout
	}
	return &ResourceProcessor[D]{
		handler: handler,
		ledger:  l,
		policy:  opts.Policy,
		events:  opts.Events,
		timeout: opts.Timeout,
		logger:  log.WithComponent("processor").With().Str("resource_type", string(handler.ResourceType())).Logger(),
	}
}

// Process computes the status of every description concurrently. Items that
// fail or have nothing to report this cycle are left out; the provider sends
// them again. Terminal statuses release their ledger entry.
func (p *ResourceProcessor[D]) Process(ctx context.Context, descs []D) []types.OperationStatus {
	if len(descs) == 0 {
		return nil
	}

	var (
		mu       sync.Mutex
		statuses []types.OperationStatus
		failures []error
		wg       conc.WaitGroup
	)

	for _, desc := range descs {
		wg.Go(func() {
			status, ok, err := p.processOne(ctx, desc)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
			}
			if ok {
				statuses = append(statuses, status)
			}
		})
	}
	wg.Wait()
	p.report(ctx, len(descs), failures)

	for _, status := range statuses {
		if !status.Status.IsTerminal() {
			continue
		}
		if p.ledger.TryRemove(status.ResourceID) {
			p.logger.Debug().Str("resource_id", status.ResourceID).Msg("Released ledger entry")
		} else {
			p.logger.Debug().Str("resource_id", status.ResourceID).Msg("No ledger entry to release")
		}
	}
	return statuses
}

// processOne isolates one description: errors and panics are logged and
// the item is dropped. failure is set whenever the item counts as failed,
// including actions that were rejected and reported as Failed.
func (p *ResourceProcessor[D]) processOne(ctx context.Context, desc D) (status types.OperationStatus, ok bool, failure error) {
	meta := desc.Meta()
	itemLog := log.WithResource(p.logger, string(meta.ResourceType), meta.ResourceID, meta.OperationSequenceNumber)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OperationDuration, string(p.handler.ResourceType()))

	var (
		pc  panics.Catcher
		err error
	)
	pc.Try(func() {
		status, ok, failure, err = p.createOperationStatus(ctx, desc)
	})
	if r := pc.Recovered(); r != nil {
		itemLog.Error().Str("panic", fmt.Sprint(r.Value)).Msg("Operation status panicked")
		return types.OperationStatus{}, false, r.AsError()
	}
	if err != nil {
		itemLog.Warn().Err(err).Msg("Failed to create operation status")
		return types.OperationStatus{}, false, err
	}
	if ok {
		metrics.OperationsTotal.WithLabelValues(string(p.handler.ResourceType()), string(status.Status)).Inc()
		if status.Status.IsTerminal() {
			p.publishResult(status)
		}
	}
	return status, ok, failure
}

// report tells the policy how this batch went. The count it keeps is the
// number of consecutive batches with a failed description.
func (p *ResourceProcessor[D]) report(ctx context.Context, total int, failures []error) {
	if p.policy == nil {
		return
	}
	if len(failures) == 0 {
		p.policy.ReportSuccess()
		return
	}
	err := fmt.Errorf("%d of %d %s operations failed: %w", len(failures), total, p.handler.ResourceType(), errors.Join(failures...))
	p.policy.ReportError(err, ctx.Err() != nil)
}

// CreateOperationStatus drives one description a step forward and returns
// its current status. ok is false when there is nothing to report this
// cycle, which happens after a transient failure.
func (p *ResourceProcessor[D]) CreateOperationStatus(ctx context.Context, desc D) (types.OperationStatus, bool, error) {
	status, ok, _, err := p.createOperationStatus(ctx, desc)
	return status, ok, err
}

// createOperationStatus also returns the error of a rejected action, which
// is reported through the status rather than as err
func (p *ResourceProcessor[D]) createOperationStatus(ctx context.Context, desc D) (_ types.OperationStatus, _ bool, failure error, err error) {
	meta := desc.Meta()
	itemLog := log.WithResource(p.logger, string(meta.ResourceType), meta.ResourceID, meta.OperationSequenceNumber)

	if p.ledger.Exists(meta.ResourceID, meta.OperationSequenceNumber) {
		itemLog.Debug().Msg("Operation already in flight, re-querying status")
		status, ok, err := p.query(ctx, desc)
		return status, ok, nil, err
	}

	obs, found, err := p.handler.Get(ctx, desc)
	if err != nil {
		if clusterapi.IsTransient(err) {
			itemLog.Debug().Err(err).Msg("Transient failure reading resource")
			return types.OperationStatus{}, false, nil, nil
		}
		return types.OperationStatus{}, false, nil, err
	}

	var (
		action string
		call   func(context.Context, D) error
	)
	switch {
	case meta.OperationType == types.OperationTypeDelete && !found:
		itemLog.Debug().Msg("Resource absent, delete succeeded")
		return types.NewOperationStatus(meta, types.ResultStatusSucceeded), true, nil, nil
	case meta.OperationType == types.OperationTypeDelete:
		action, call = "delete", p.handler.Delete
	case !found:
		action, call = "create", p.handler.Create
	case obs.Drifted:
		action, call = "update", p.handler.Update
	default:
		return p.statusFor(desc, obs), true, nil, nil
	}

	if err := call(ctx, desc); err != nil {
		switch {
		case meta.OperationType == types.OperationTypeDelete && clusterapi.IsNotFound(err):
			itemLog.Debug().Msg("Resource vanished, delete succeeded")
			return types.NewOperationStatus(meta, types.ResultStatusSucceeded), true, nil, nil
		case clusterapi.IsBenign(err):
			itemLog.Debug().Err(err).Str("action", action).Msg("Change already in effect")
		case clusterapi.IsTransient(err):
			itemLog.Warn().Err(err).Str("action", action).Msg("Transient failure, retrying next cycle")
			p.recordError(err)
			return types.OperationStatus{}, false, err, nil
		default:
			itemLog.Warn().Err(err).Str("action", action).Msg("Action failed")
			p.recordError(err)
			return failed(meta, err), true, err, nil
		}
	} else {
		itemLog.Info().Str("action", action).Msg("Action accepted")
		p.publish(events.EventOperationStarted, meta, action)
	}

	if !p.ledger.TryAdd(meta.ResourceID, meta.OperationSequenceNumber) {
		itemLog.Warn().Msg("Ledger already holds an entry for the resource")
	}
	status, ok, err := p.query(ctx, desc)
	return status, ok, nil, err
}

// query reports the current status without acting on it
func (p *ResourceProcessor[D]) query(ctx context.Context, desc D) (types.OperationStatus, bool, error) {
	meta := desc.Meta()
	obs, found, err := p.handler.Get(ctx, desc)
	if err != nil {
		if clusterapi.IsTransient(err) {
			return types.OperationStatus{}, false, nil
		}
		return types.OperationStatus{}, false, err
	}
	if !found {
		if meta.OperationType == types.OperationTypeDelete {
			return types.NewOperationStatus(meta, types.ResultStatusSucceeded), true, nil
		}
		// accepted but not visible yet
		return types.NewOperationStatus(meta, types.ResultStatusInProgress), true, nil
	}
	return p.statusFor(desc, obs), true, nil
}

// statusFor converts an observation into a status for desc. A resource that
// still exists while being deleted is in progress whatever its own status.
func (p *ResourceProcessor[D]) statusFor(desc D, obs Observation) types.OperationStatus {
	meta := desc.Meta()
	status := obs.Status
	status.OperationMeta = meta
	if meta.OperationType == types.OperationTypeDelete {
		status.Status = types.ResultStatusInProgress
		status.ErrorDetails = nil
	}
	return status
}

func (p *ResourceProcessor[D]) recordError(err error) {
	metrics.OperationErrorsTotal.WithLabelValues(string(p.handler.ResourceType()), string(clusterapi.KindOf(err))).Inc()
}

func (p *ResourceProcessor[D]) publishResult(status types.OperationStatus) {
	eventType := events.EventOperationSucceeded
	if status.Status == types.ResultStatusFailed {
		eventType = events.EventOperationFailed
	}
	p.publish(eventType, status.OperationMeta, string(status.Status))
}

func (p *ResourceProcessor[D]) publish(eventType events.EventType, meta types.OperationMeta, detail string) {
	if p.events == nil {
		return
	}
	p.events.Publish(events.OperationEvent(eventType, meta, detail))
}

// failed builds a Failed status carrying err
func failed(meta types.OperationMeta, err error) types.OperationStatus {
	return types.NewOperationStatus(meta, types.ResultStatusFailed).WithError(types.ErrorDetails{
		Message:   err.Error(),
		Kind:      string(clusterapi.KindOf(err)),
		Transient: clusterapi.IsTransient(err),
	})
}
