package metrics

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"
)

// ComponentState is the health level of a registered component
type ComponentState string

const (
	StateHealthy   ComponentState = "healthy"
	StateDegraded  ComponentState = "degraded"
	StateUnhealthy ComponentState = "unhealthy"
)

func (s ComponentState) rank() int {
	switch s {
	case StateUnhealthy:
		return 2
	case StateDegraded:
		return 1
	default:
		return 0
	}
}

// Readiness values reported by /ready
const (
	ReadinessReady    = "ready"
	ReadinessNotReady = "not_ready"
)

// CriticalComponents must be registered and not unhealthy for the agent to
// report ready
var CriticalComponents = []string{"store", "poll", "reconciler"}

// HealthStatus is the body of /health and /ready
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// ComponentHealth is the last recorded state of one component
type ComponentHealth struct {
	Name    string
	State   ComponentState
	Message string
	Updated time.Time
}

func (c ComponentHealth) describe() string {
	if c.State == StateHealthy {
		return string(StateHealthy)
	}
	return string(c.State) + ": " + c.Message
}

// Registry records the health of named components
type Registry struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	started    time.Time
	version    string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		components: make(map[string]ComponentHealth),
		started:    time.Now(),
	}
}

var registry = NewRegistry()

// Set records a component at state
func (r *Registry) Set(name string, state ComponentState, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[name] = ComponentHealth{Name: name, State: state, Message: message, Updated: time.Now()}
}

// Get returns the recorded health of a component
func (r *Registry) Get(name string) (ComponentHealth, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	comp, ok := r.components[name]
	return comp, ok
}

// Health is the worst state of any component
func (r *Registry) Health() HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	worst := StateHealthy
	components := make(map[string]string, len(r.components))
	for name, comp := range r.components {
		if comp.State.rank() > worst.rank() {
			worst = comp.State
		}
		components[name] = comp.describe()
	}
	return r.status(string(worst), components, "")
}

// Readiness checks the critical components only. Degraded components still
// count as ready.
func (r *Registry) Readiness(critical []string) HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status, message := ReadinessReady, ""
	components := make(map[string]string, len(critical))
	for _, name := range slices.Sorted(slices.Values(critical)) {
		comp, ok := r.components[name]
		switch {
		case !ok:
			components[name] = "not registered"
		case comp.State == StateUnhealthy:
			components[name] = "not ready: " + comp.Message
		default:
			components[name] = ReadinessReady
			continue
		}
		if status == ReadinessReady {
			status, message = ReadinessNotReady, "waiting for "+name
		}
	}
	return r.status(status, components, message)
}

func (r *Registry) status(status string, components map[string]string, message string) HealthStatus {
	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    r.version,
		Uptime:     time.Since(r.started).Round(time.Second).String(),
	}
}

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.version = version
}

// RegisterComponent records a component as healthy or unhealthy
func RegisterComponent(name string, healthy bool, message string) {
	state := StateHealthy
	if !healthy {
		state = StateUnhealthy
	}
	registry.Set(name, state, message)
}

// UpdateComponent is RegisterComponent for a component already running
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// SetComponentState records a component at an explicit health level
func SetComponentState(name string, state ComponentState, message string) {
	registry.Set(name, state, message)
}

// GetComponent returns the recorded health of a component
func GetComponent(name string) (ComponentHealth, bool) {
	return registry.Get(name)
}

// GetHealth returns the overall health of the agent
func GetHealth() HealthStatus {
	return registry.Health()
}

// GetReadiness reports whether every critical component is up
func GetReadiness() HealthStatus {
	return registry.Readiness(CriticalComponents)
}

// HealthHandler serves /health: 503 while any component is unhealthy
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()
		code := http.StatusOK
		if health.Status == string(StateUnhealthy) {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, health)
	}
}

// ReadyHandler serves /ready: 503 until every critical component is up
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := GetReadiness()
		code := http.StatusOK
		if readiness.Status != ReadinessReady {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, readiness)
	}
}

// LivenessHandler serves /live, which answers as long as the process runs
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		registry.mu.RLock()
		uptime := time.Since(registry.started).Round(time.Second).String()
		registry.mu.RUnlock()
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive", "uptime": uptime})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
