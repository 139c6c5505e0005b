package health

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cuemby/steward/pkg/events"
	"github.com/cuemby/steward/pkg/log"
	"github.com/cuemby/steward/pkg/metrics"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// State is the severity of a health report
type State string

const (
	StateOk      State = "Ok"
	StateWarning State = "Warning"
	StateError   State = "Error"
)

func (s State) level() float64 {
	switch s {
	case StateWarning:
		return 1
	case StateError:
		return 2
	default:
		return 0
	}
}

// FaultKind is the kind of fault escalation
type FaultKind string

// FaultTransient asks the supervisor to restart the agent
const FaultTransient FaultKind = "Transient"

// Report is one health signal
type Report struct {
	SourceID    string
	Property    string
	State       State
	Description string
	TTL         time.Duration
	Immediate   bool
}

// Reporter is the sink for health signals
type Reporter interface {
	ReportHealth(r Report)
	ReportFault(kind FaultKind)
}

// NopReporter discards every signal
type NopReporter struct{}

func (NopReporter) ReportHealth(Report)   {}
func (NopReporter) ReportFault(FaultKind) {}

// MultiReporter fans signals out to several reporters
type MultiReporter []Reporter

func (m MultiReporter) ReportHealth(r Report) {
	for _, rep := range m {
		rep.ReportHealth(r)
	}
}

func (m MultiReporter) ReportFault(kind FaultKind) {
	for _, rep := range m {
		rep.ReportFault(kind)
	}
}

// RegistryReporter mirrors health signals into the metrics component
// registry under one component name
type RegistryReporter struct {
	Component string
}

func (r RegistryReporter) ReportHealth(rep Report) {
	state := metrics.StateHealthy
	switch rep.State {
	case StateWarning:
		state = metrics.StateDegraded
	case StateError:
		state = metrics.StateUnhealthy
	}
	metrics.SetComponentState(r.Component, state, rep.Description)
}

func (r RegistryReporter) ReportFault(kind FaultKind) {
	metrics.SetComponentState(r.Component, metrics.StateUnhealthy, fmt.Sprintf("fault: %s", kind))
}

// EventReporter publishes faults to the event broker. Health reports are
// not published.
type EventReporter struct {
	Component string
	Events    events.Publisher
}

func (EventReporter) ReportHealth(Report) {}

func (r EventReporter) ReportFault(kind FaultKind) {
	if r.Events == nil {
		return
	}
	r.Events.Publish(&events.Event{
		Type:     events.EventHealthFault,
		Message:  fmt.Sprintf("%s escalated a %s fault", r.Component, kind),
		Metadata: map[string]string{"component": r.Component, "fault": string(kind)},
	})
}

// GRPCReporter exposes health through the standard gRPC health service.
// The service stops serving while any source is at Error, and for good
// after a fault. The first fault invokes the restart hook.
type GRPCReporter struct {
	server  *grpchealth.Server
	service string
	onFault func(FaultKind)
	logger  zerolog.Logger

	mu      sync.Mutex
	states  map[string]State
	faulted bool
}

// NewGRPCReporter creates a reporter for service. onFault may be nil.
func NewGRPCReporter(service string, onFault func(FaultKind)) *GRPCReporter {
	server := grpchealth.NewServer()
	server.SetServingStatus(service, healthpb.HealthCheckResponse_SERVING)
	return &GRPCReporter{
		server:  server,
		service: service,
		onFault: onFault,
		states:  make(map[string]State),
		logger:  log.WithComponent("health-grpc"),
	}
}

func (g *GRPCReporter) ReportHealth(r Report) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states[r.SourceID] = r.State
	g.server.SetServingStatus(g.service, g.servingStatus())
}

func (g *GRPCReporter) ReportFault(kind FaultKind) {
	g.mu.Lock()
	first := !g.faulted
	g.faulted = true
	g.server.SetServingStatus(g.service, healthpb.HealthCheckResponse_NOT_SERVING)
	g.mu.Unlock()

	if !first {
		return
	}
	g.logger.Error().Str("fault", string(kind)).Msg("Fault reported, requesting restart")
	if g.onFault != nil {
		g.onFault(kind)
	}
}

func (g *GRPCReporter) servingStatus() healthpb.HealthCheckResponse_ServingStatus {
	if g.faulted {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	for _, state := range g.states {
		if state == StateError {
			return healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	return healthpb.HealthCheckResponse_SERVING
}

// HealthServer returns the gRPC health service implementation
func (g *GRPCReporter) HealthServer() healthpb.HealthServer {
	return g.server
}

// Serve runs a gRPC server exposing the health service on addr until ctx
// ends
func (g *GRPCReporter) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, g.server)

	go func() {
		<-ctx.Done()
		g.server.Shutdown()
		srv.GracefulStop()
	}()

	g.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health service listening")
	return srv.Serve(lis)
}
